// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxEventSize is the largest SSE event payload accepted from a provider.
const MaxEventSize = 1 << 20

// ErrEventTooLarge is returned when an event exceeds MaxEventSize.
var ErrEventTooLarge = errors.New("sse event too large")

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	// Event is the "event:" field; empty for the default message type.
	Event string
	// Data is the joined "data:" lines.
	Data []byte
	// ID is the "id:" field.
	ID string
}

// SSEScanner reads Server-Sent Events from a stream.
//
//	sc := NewSSEScanner(body)
//	for sc.Next() {
//	    ev := sc.Event()
//	}
//	if err := sc.Err(); err != nil { ... }
type SSEScanner struct {
	sc      *bufio.Scanner
	current SSEEvent
	err     error
}

// maxLineSize leaves room for the field name ahead of a full payload.
const maxLineSize = MaxEventSize + 64

// NewSSEScanner creates a scanner reading from r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &SSEScanner{sc: sc}
}

// Next advances to the next event with data. Comment lines and events
// without data are skipped. It returns false at the end of the stream or
// on error.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}

	var (
		eventType string
		id        string
		data      []byte
		hasData   bool
	)

	emit := func() bool {
		s.current = SSEEvent{Event: eventType, Data: data, ID: id}
		return true
	}

	for s.sc.Scan() {
		line := s.sc.Bytes()

		if len(line) == 0 {
			if hasData {
				return emit()
			}
			eventType = ""
			continue
		}

		// Comments, used by providers as keep-alives.
		if line[0] == ':' {
			continue
		}

		field, value, found := bytes.Cut(line, []byte(":"))
		if found {
			value = bytes.TrimPrefix(value, []byte(" "))
		}

		switch string(field) {
		case "data":
			if hasData {
				data = append(data, '\n')
			}
			data = append(data, value...)
			hasData = true
			if len(data) > MaxEventSize {
				s.err = fmt.Errorf("%w: more than %d bytes", ErrEventTooLarge, MaxEventSize)
				return false
			}
		case "event":
			eventType = string(value)
		case "id":
			id = string(value)
		}
	}

	switch err := s.sc.Err(); {
	case errors.Is(err, bufio.ErrTooLong):
		s.err = fmt.Errorf("%w: line over %d bytes", ErrEventTooLarge, maxLineSize)
		return false
	case err != nil:
		s.err = err
		return false
	}
	s.err = io.EOF
	// A final event without its blank line still counts.
	return hasData && emit()
}

// Event returns the event read by the last successful call to Next.
func (s *SSEScanner) Event() SSEEvent {
	return s.current
}

// Err returns the first non-EOF error encountered.
func (s *SSEScanner) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}
