// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"sync"

	"github.com/jeranaias/openyap/internal/model"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType names a generation event. The values double as SSE event names.
type EventType string

const (
	EventStart     EventType = "start"
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventUsage     EventType = "usage"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventAborted   EventType = "aborted"
)

// IsTerminal reports whether no events follow t.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError || t == EventAborted
}

// TerminalEvent maps a final message status to its event type.
func TerminalEvent(status model.MessageStatus) EventType {
	switch status {
	case model.StatusAborted:
		return EventAborted
	case model.StatusError:
		return EventError
	default:
		return EventDone
	}
}

// Event is delivered to subscribers of a generation.
type Event struct {
	Type EventType
	// Text is the delta for text and reasoning events. In a snapshot it is
	// everything produced so far.
	Text string
	// Usage is set on usage events.
	Usage model.Usage
	// UserMessage is set on start events.
	UserMessage *model.Message
	// Message is the assistant placeholder on start events and the final
	// message on terminal events.
	Message *model.Message
}

// =============================================================================
// HUB
// =============================================================================

// DefaultSubscriberBuffer is the number of events a subscriber may lag
// behind before it is dropped.
const DefaultSubscriberBuffer = 256

// Hub fans generation events out to subscribers, keyed by assistant
// message ID.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*broadcast
	buffer  int
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{streams: make(map[string]*broadcast), buffer: buffer}
}

// open registers a live generation.
func (h *Hub) open(messageID string, start Event) *broadcast {
	b := &broadcast{start: start, subs: make(map[*Subscription]struct{}), buffer: h.buffer}
	h.mu.Lock()
	h.streams[messageID] = b
	h.mu.Unlock()
	return b
}

// remove forgets a generation once its terminal event was published.
func (h *Hub) remove(messageID string) {
	h.mu.Lock()
	delete(h.streams, messageID)
	h.mu.Unlock()
}

// Subscribe attaches to the live generation for messageID. ok is false
// when no generation is live.
func (h *Hub) Subscribe(messageID string) (sub *Subscription, ok bool) {
	h.mu.Lock()
	b, ok := h.streams[messageID]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return b.subscribe(), true
}

// Live returns the number of live generations.
func (h *Hub) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// =============================================================================
// BROADCAST
// =============================================================================

// broadcast holds the snapshot of one generation and its subscribers.
type broadcast struct {
	mu        sync.Mutex
	start     Event
	content   strings.Builder
	reasoning strings.Builder
	usage     model.Usage
	final     *Event
	subs      map[*Subscription]struct{}
	buffer    int
}

// publish records ev in the snapshot and delivers it without blocking.
// Subscribers whose buffer is full are dropped.
func (b *broadcast) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final != nil {
		return
	}
	switch ev.Type {
	case EventText:
		b.content.WriteString(ev.Text)
	case EventReasoning:
		b.reasoning.WriteString(ev.Text)
	case EventUsage:
		b.usage = ev.Usage
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			b.detachLocked(sub)
		}
	}

	if ev.Type.IsTerminal() {
		final := ev
		b.final = &final
		for sub := range b.subs {
			b.detachLocked(sub)
		}
	}
}

// subscribe returns a subscription primed with the current snapshot.
func (b *broadcast) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan Event, b.buffer+5), b: b}
	sub.ch <- b.start
	if b.reasoning.Len() > 0 {
		sub.ch <- Event{Type: EventReasoning, Text: b.reasoning.String()}
	}
	if b.content.Len() > 0 {
		sub.ch <- Event{Type: EventText, Text: b.content.String()}
	}
	if !b.usage.IsZero() {
		sub.ch <- Event{Type: EventUsage, Usage: b.usage}
	}
	if b.final != nil {
		sub.ch <- *b.final
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcast) detachLocked(sub *Subscription) {
	delete(b.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscription receives events for one generation. The channel is closed
// after the terminal event, when the subscriber is dropped, or on Close.
type Subscription struct {
	ch      chan Event
	b       *broadcast
	dropped bool
	closed  bool
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether the subscription was cut off for falling behind.
func (s *Subscription) Dropped() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.detachLocked(s)
}
