// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/openyap/internal/model"
)

// Provider is implemented by every LLM backend.
type Provider interface {
	// Name returns the catalog provider name (openrouter, ollama, gemini).
	Name() string

	// Stream starts a generation. The caller must Close the returned
	// stream, even if iteration ended early.
	Stream(ctx context.Context, req Request) (*EventStream, error)

	// Complete runs a generation to completion without streaming.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Message is one turn of conversation history sent to a provider.
type Message struct {
	Role    model.Role
	Content string
	Images  []Image
}

// Image is an inline image attached to a user message.
type Image struct {
	MediaType string
	Data      []byte
}

// Reasoning controls extended thinking for models that support it.
type Reasoning struct {
	Enabled bool
	// Effort is a provider hint: low, medium or high.
	Effort string
}

// Request is a provider-neutral generation request.
type Request struct {
	// Model is the upstream model name, already resolved by the Registry.
	Model       string
	System      string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	Reasoning   Reasoning
}

// =============================================================================
// EVENTS
// =============================================================================

// EventType identifies the kind of a stream event.
type EventType string

const (
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventUsage     EventType = "usage"
	EventDone      EventType = "done"
)

// Event is a single delta from a provider stream.
type Event struct {
	Type EventType
	// Text is the delta for text and reasoning events.
	Text string
	// Usage is the cumulative usage reported so far, for usage events.
	Usage model.Usage
	// FinishReason is set on done events.
	FinishReason string
}

// Response is the accumulated result of a generation.
type Response struct {
	Model        string
	Content      string
	Reasoning    string
	Usage        model.Usage
	FinishReason string
}

// =============================================================================
// EVENT STREAM
// =============================================================================

// NextFunc produces stream events. It returns io.EOF when the stream is
// complete.
type NextFunc func() (Event, error)

// EventStream reads events from a provider and accumulates the Response.
//
// Next is not safe for concurrent use; Response may be called from any
// goroutine.
type EventStream struct {
	next   NextFunc
	closer io.Closer

	mu        sync.Mutex
	content   strings.Builder
	reasoning strings.Builder
	response  Response
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewEventStream wraps a provider iteration function and the resource
// backing it, typically an HTTP response body.
func NewEventStream(next NextFunc, closer io.Closer) *EventStream {
	return &EventStream{next: next, closer: closer}
}

// Next returns the next event, or io.EOF when the stream is complete.
// Errors other than io.EOF are wrapped in a *StreamError carrying any
// partial content.
func (s *EventStream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	ev, err := s.next()
	if err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		var streamErr *StreamError
		if errors.As(err, &streamErr) {
			return Event{}, err
		}
		return Event{}, &StreamError{Partial: s.Response().Content, Err: err}
	}

	s.accumulate(ev)
	return ev, nil
}

func (s *EventStream) accumulate(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case EventText:
		s.content.WriteString(ev.Text)
	case EventReasoning:
		s.reasoning.WriteString(ev.Text)
	case EventUsage:
		s.response.Usage = ev.Usage
	case EventDone:
		if ev.FinishReason != "" {
			s.response.FinishReason = ev.FinishReason
		}
		if !ev.Usage.IsZero() {
			s.response.Usage = ev.Usage
		}
	}
}

// SetModel records the model name reported by the provider.
func (s *EventStream) SetModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response.Model = name
}

// Response returns what has been accumulated so far. After Next returns
// io.EOF it is the complete response.
func (s *EventStream) Response() Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.response
	r.Content = s.content.String()
	r.Reasoning = s.reasoning.String()
	return r
}

// Close releases the underlying resource. It is safe to call more than once.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

// Collect drains the stream and returns the accumulated response. It is how
// providers implement Complete on top of Stream.
func Collect(s *EventStream) (*Response, error) {
	defer s.Close()
	for {
		_, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	resp := s.Response()
	return &resp, nil
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
