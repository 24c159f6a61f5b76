// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// streamChunk is a single chunk of an OpenRouter streaming response.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			Role      string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error,omitempty"`
}

type wireUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

func (u *wireUsage) toModel() model.Usage {
	out := model.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// =============================================================================
// STREAM DECODER
// =============================================================================

// decoder turns SSE chunks into llm events. One chunk may carry several
// events (reasoning, text and usage), so they are queued.
type decoder struct {
	scanner      *llm.SSEScanner
	stream       *llm.EventStream
	pending      []llm.Event
	finishReason string
	usage        model.Usage
	finished     bool
}

func newStream(body io.ReadCloser) *llm.EventStream {
	d := &decoder{scanner: llm.NewSSEScanner(body)}
	d.stream = llm.NewEventStream(d.next, body)
	return d.stream
}

func (d *decoder) next() (llm.Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.finished {
			return llm.Event{}, io.EOF
		}

		if !d.scanner.Next() {
			if err := d.scanner.Err(); err != nil {
				return llm.Event{}, err
			}
			// EOF without [DONE]: accept it only if the model said it finished.
			if d.finishReason == "" {
				return llm.Event{}, io.ErrUnexpectedEOF
			}
			d.finish()
			continue
		}

		data := bytes.TrimSpace(d.scanner.Event().Data)
		if bytes.Equal(data, []byte("[DONE]")) {
			d.finish()
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}
		if err := d.handle(&chunk); err != nil {
			return llm.Event{}, err
		}
	}
}

func (d *decoder) handle(chunk *streamChunk) error {
	if chunk.Error != nil {
		return &llm.ProviderError{
			Provider:   ProviderName,
			StatusCode: errorStatus(chunk.Error.Code),
			Code:       strings.Trim(string(chunk.Error.Code), `"`),
			Message:    chunk.Error.Message,
		}
	}

	if chunk.Model != "" {
		d.stream.SetModel(chunk.Model)
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Reasoning != "" {
			d.pending = append(d.pending, llm.Event{Type: llm.EventReasoning, Text: choice.Delta.Reasoning})
		}
		if choice.Delta.Content != "" {
			d.pending = append(d.pending, llm.Event{Type: llm.EventText, Text: choice.Delta.Content})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.finishReason = *choice.FinishReason
		}
	}

	if chunk.Usage != nil {
		d.usage = chunk.Usage.toModel()
		d.pending = append(d.pending, llm.Event{Type: llm.EventUsage, Usage: d.usage})
	}
	return nil
}

func (d *decoder) finish() {
	d.finished = true
	reason := d.finishReason
	if reason == "" {
		reason = "stop"
	}
	d.pending = append(d.pending, llm.Event{Type: llm.EventDone, FinishReason: reason, Usage: d.usage})
}

// errorStatus reads the numeric code OpenRouter puts on mid-stream errors.
func errorStatus(raw json.RawMessage) int {
	var code int
	if json.Unmarshal(raw, &code) == nil && code >= 400 && code < 600 {
		return code
	}
	return 502
}

