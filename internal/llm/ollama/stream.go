// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// ErrLineTooLong is returned when a stream line exceeds maxLineSize.
var ErrLineTooLong = errors.New("ollama: stream line too large")

// streamReader handles line-by-line JSON parsing of streaming responses.
type streamReader struct {
	scanner  *bufio.Scanner
	stream   *llm.EventStream
	pending  []llm.Event
	finished bool
}

func newStream(body io.ReadCloser) *llm.EventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	r := &streamReader{scanner: sc}
	r.stream = llm.NewEventStream(r.next, body)
	return r.stream
}

func (s *streamReader) next() (llm.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.finished {
			return llm.Event{}, io.EOF
		}

		chunk, err := s.readChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The final chunk carries done=true; anything else is a cut stream.
				return llm.Event{}, io.ErrUnexpectedEOF
			}
			return llm.Event{}, err
		}
		if chunk == nil {
			continue
		}
		if err := s.handle(chunk); err != nil {
			return llm.Event{}, err
		}
	}
}

// readChunk reads and parses a single line from the stream. It returns a
// nil chunk for blank or malformed lines.
func (s *streamReader) readChunk() (*chatChunk, error) {
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			return nil, ErrLineTooLong
		case err != nil:
			return nil, err
		}
		return nil, io.EOF
	}

	line := bytes.TrimSpace(s.scanner.Bytes())
	if len(line) == 0 {
		return nil, nil
	}

	var chunk chatChunk
	if jerr := json.Unmarshal(line, &chunk); jerr != nil {
		// Skip malformed lines
		return nil, nil
	}
	return &chunk, nil
}

func (s *streamReader) handle(chunk *chatChunk) error {
	if chunk.Error != "" {
		return &llm.ProviderError{Provider: ProviderName, StatusCode: http.StatusInternalServerError, Message: chunk.Error}
	}
	if chunk.Model != "" {
		s.stream.SetModel(chunk.Model)
	}
	if chunk.Message.Thinking != "" {
		s.pending = append(s.pending, llm.Event{Type: llm.EventReasoning, Text: chunk.Message.Thinking})
	}
	if chunk.Message.Content != "" {
		s.pending = append(s.pending, llm.Event{Type: llm.EventText, Text: chunk.Message.Content})
	}

	if chunk.Done {
		usage := model.Usage{
			PromptTokens:     chunk.PromptEvalCount,
			CompletionTokens: chunk.EvalCount,
			TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
		}
		reason := chunk.DoneReason
		if reason == "" {
			reason = "stop"
		}
		s.pending = append(s.pending,
			llm.Event{Type: llm.EventUsage, Usage: usage},
			llm.Event{Type: llm.EventDone, FinishReason: reason, Usage: usage},
		)
		s.finished = true
	}
	return nil
}
