// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
)

// Step is one scripted stream action. Exactly one of Event, Err or Wait is
// meaningful; Wait blocks until the channel is closed or the stream context
// ends.
type Step struct {
	Event llm.Event
	Err   error
	Wait  <-chan struct{}
	Delay time.Duration
}

// Text, Reasoning, Usage and Done build event steps.
func Text(s string) Step      { return Step{Event: llm.Event{Type: llm.EventText, Text: s}} }
func Reasoning(s string) Step { return Step{Event: llm.Event{Type: llm.EventReasoning, Text: s}} }
func Fail(err error) Step     { return Step{Err: err} }
func Usage(u model.Usage) Step {
	return Step{Event: llm.Event{Type: llm.EventUsage, Usage: u}}
}
func Block(ch <-chan struct{}) Step {
	return Step{Wait: ch}
}
func Done(reason string) Step {
	return Step{Event: llm.Event{Type: llm.EventDone, FinishReason: reason}}
}

// Provider replays a script for every Stream call and records requests.
type Provider struct {
	ProviderName string
	Script       []Step
	// StartErr is returned by Stream before any event.
	StartErr error
	// CompleteText is returned by Complete.
	CompleteText string
	CompleteErr  error

	mu       sync.Mutex
	requests []llm.Request
	closed   int
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "fake"
	}
	return p.ProviderName
}

// Requests returns the requests seen so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Closed returns how many streams were closed.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (*llm.EventStream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	script := append([]Step(nil), p.Script...)
	p.mu.Unlock()

	if p.StartErr != nil {
		return nil, p.StartErr
	}

	i := 0
	next := func() (llm.Event, error) {
		for {
			if err := ctx.Err(); err != nil {
				return llm.Event{}, err
			}
			if i >= len(script) {
				return llm.Event{}, io.EOF
			}
			step := script[i]
			i++

			if step.Delay > 0 {
				t := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return llm.Event{}, ctx.Err()
				case <-t.C:
				}
			}
			switch {
			case step.Wait != nil:
				select {
				case <-ctx.Done():
					return llm.Event{}, ctx.Err()
				case <-step.Wait:
				}
				continue
			case step.Err != nil:
				return llm.Event{}, step.Err
			default:
				return step.Event, nil
			}
		}
	}
	closer := llm.CloserFunc(func() error {
		p.mu.Lock()
		p.closed++
		p.mu.Unlock()
		return nil
	})
	return llm.NewEventStream(next, closer), nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llm.Response{Model: req.Model, Content: p.CompleteText, FinishReason: "stop"}, nil
}
