// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
)

const (
	// finalizeTimeout bounds the writes made after a generation ends.
	finalizeTimeout = 10 * time.Second

	// flushWriteTimeout bounds a single incremental write.
	flushWriteTimeout = 5 * time.Second
)

// reconciler drives one generation: it reads the provider stream, relays
// deltas to the hub, persists partial output on a throttle and writes the
// final state exactly once.
type reconciler struct {
	svc       *Service
	ctx       context.Context
	provider  llm.Provider
	request   llm.Request
	modelID   string
	thread    *model.Thread
	userMsg   *model.Message
	message   *model.Message
	broadcast *broadcast
	started   time.Time

	// titled is set when the thread has a title or an earlier completed
	// reply, so only the first successful exchange names it.
	titled bool

	content      strings.Builder
	reasoning    strings.Builder
	usage        model.Usage
	finishReason string

	streaming bool
	unsaved   int
	dirty     bool
	lastFlush time.Time
	firstAt   time.Time

	mailbox *mailbox
}

type readResult struct {
	event llm.Event
	err   error
}

func (r *reconciler) run() {
	status, cause := r.stream()
	final := r.finalize(status, cause)
	if final.Status == model.StatusDone && !r.titled {
		r.generateTitle()
	}
}

// =============================================================================
// STREAM LOOP
// =============================================================================

// stream reads the provider until the stream ends, fails or the generation
// context is cancelled. It returns the terminal status and its cause.
func (r *reconciler) stream() (model.MessageStatus, error) {
	st, err := r.provider.Stream(r.ctx, r.request)
	if err != nil {
		return r.classify(err)
	}
	defer st.Close()

	opts := r.svc.opts
	r.mailbox = newMailbox()
	r.lastFlush = time.Now()

	events := make(chan readResult)
	quit := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(events)
		for {
			ev, err := st.Next()
			select {
			case events <- readResult{event: ev, err: err}:
			case <-quit:
				return nil
			}
			if err != nil {
				return nil
			}
		}
	})
	g.Go(func() error {
		r.writeLoop(quit)
		return nil
	})
	defer func() {
		close(quit)
		_ = g.Wait()
	}()

	ticker := time.NewTicker(opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-events:
			if !ok {
				return model.StatusDone, nil
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return model.StatusDone, nil
				}
				return r.classify(res.err)
			}
			r.apply(res.event)
			if r.unsaved >= opts.FlushThreshold {
				r.flush()
			}

		case <-ticker.C:
			if (r.unsaved > 0 || r.dirty) && time.Since(r.lastFlush) >= opts.FlushInterval {
				r.flush()
			}

		case <-r.ctx.Done():
			return model.StatusAborted, context.Cause(r.ctx)
		}
	}
}

// classify maps a stream error to a terminal status. Errors caused by the
// generation context being cancelled are aborts.
func (r *reconciler) classify(err error) (model.MessageStatus, error) {
	if r.ctx.Err() != nil {
		return model.StatusAborted, context.Cause(r.ctx)
	}
	return model.StatusError, err
}

// apply records an event and relays it to subscribers.
func (r *reconciler) apply(ev llm.Event) {
	switch ev.Type {
	case llm.EventText:
		if ev.Text == "" {
			return
		}
		r.content.WriteString(ev.Text)
		r.unsaved += len(ev.Text)
		r.broadcast.publish(Event{Type: EventText, Text: ev.Text})
		r.firstToken()

	case llm.EventReasoning:
		if ev.Text == "" {
			return
		}
		r.reasoning.WriteString(ev.Text)
		r.unsaved += len(ev.Text)
		r.broadcast.publish(Event{Type: EventReasoning, Text: ev.Text})
		r.firstToken()

	case llm.EventUsage:
		r.usage = ev.Usage
		r.dirty = true
		r.broadcast.publish(Event{Type: EventUsage, Usage: ev.Usage})

	case llm.EventDone:
		if ev.FinishReason != "" {
			r.finishReason = ev.FinishReason
		}
		if !ev.Usage.IsZero() && ev.Usage != r.usage {
			r.usage = ev.Usage
			r.broadcast.publish(Event{Type: EventUsage, Usage: ev.Usage})
		}
	}
}

// firstToken moves the message to streaming on the first delta and writes
// it straight away so readers see the status change.
func (r *reconciler) firstToken() {
	if r.streaming {
		return
	}
	r.streaming = true
	r.firstAt = time.Now()
	latency := r.firstAt.Sub(r.started)
	r.svc.observer.FirstToken(r.modelID, latency)
	r.svc.logger.Debug("STREAM_FIRST_TOKEN",
		zap.String("message", r.message.ID),
		zap.Duration("latency", latency))
	r.flush()
}

// flush hands the accumulated state to the writer. It never blocks.
func (r *reconciler) flush() {
	patch := storage.StreamPatch{
		Status:    model.StatusStreaming,
		Content:   r.content.String(),
		Reasoning: r.reasoning.String(),
	}
	if !r.usage.IsZero() {
		u := r.usage
		patch.Usage = &u
	}
	r.mailbox.put(patch)
	r.unsaved = 0
	r.dirty = false
	r.lastFlush = time.Now()
}

// =============================================================================
// WRITER
// =============================================================================

// mailbox holds the latest unwritten patch. A newer patch replaces an older
// one, since each carries the full text so far.
type mailbox struct {
	mu      sync.Mutex
	pending *storage.StreamPatch
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) put(p storage.StreamPatch) {
	m.mu.Lock()
	m.pending = &p
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() *storage.StreamPatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	m.pending = nil
	return p
}

// writeLoop persists patches until quit is closed. Unwritten patches are
// discarded on quit; the final write supersedes them.
func (r *reconciler) writeLoop(quit <-chan struct{}) {
	base := context.WithoutCancel(r.ctx)
	for {
		select {
		case <-quit:
			return
		case <-r.mailbox.wake:
		}

		patch := r.mailbox.take()
		if patch == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(base, flushWriteTimeout)
		err := r.svc.store.UpdateMessageStream(ctx, r.message.ID, *patch)
		cancel()
		r.svc.observer.Flushed(r.modelID, err)

		switch {
		case err == nil:
			r.svc.logger.Debug("STREAM_FLUSH",
				zap.String("message", r.message.ID),
				zap.Int("content_bytes", len(patch.Content)),
				zap.Int("reasoning_bytes", len(patch.Reasoning)))
		case errors.Is(err, storage.ErrAlreadyFinal):
			r.svc.logger.Warn("STREAM_FLUSH_AFTER_FINAL", zap.String("message", r.message.ID))
			return
		default:
			r.svc.logger.Warn("STREAM_FLUSH_FAILED", zap.String("message", r.message.ID), zap.Error(err))
		}
	}
}

// =============================================================================
// FINALISE
// =============================================================================

// finalize writes the terminal state, releases the thread, records usage
// and publishes the terminal event. It runs once per generation on a
// context that survives the cancelled generation.
func (r *reconciler) finalize(status model.MessageStatus, cause error) *model.Message {
	s := r.svc
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), finalizeTimeout)
	defer cancel()

	now := time.Now().UTC()
	final := storage.Final{
		Status:       status,
		Content:      r.content.String(),
		Reasoning:    r.reasoning.String(),
		Usage:        r.usage,
		FinishReason: r.finishReason,
		FinishedAt:   now,
	}

	switch status {
	case model.StatusDone:
		if final.Content == "" {
			final.Status = model.StatusError
			final.Error = llm.UserMessage(llm.ErrEmptyResponse)
		} else if final.FinishReason == "" {
			final.FinishReason = "stop"
		}
	case model.StatusError:
		final.Error = llm.UserMessage(cause)
	case model.StatusAborted:
		if cause == nil {
			cause = context.Canceled
		}
		final.Error = cause.Error()
	}
	final.Usage.CostMicros = s.registry.CostMicros(r.modelID, final.Usage)

	if err := s.store.FinalizeMessage(ctx, r.message.ID, final); err != nil {
		if errors.Is(err, storage.ErrAlreadyFinal) {
			s.logger.Warn("STREAM_ALREADY_FINAL", zap.String("message", r.message.ID))
		} else {
			s.logger.Error("STREAM_FINALIZE_FAILED", zap.String("message", r.message.ID), zap.Error(err))
		}
	}

	if !final.Usage.IsZero() {
		err := s.store.RecordUsage(ctx, storage.UsageRecord{
			UserID:    r.message.UserID,
			ThreadID:  r.message.ThreadID,
			MessageID: r.message.ID,
			Model:     r.modelID,
			Usage:     final.Usage,
			CreatedAt: now,
		})
		if err != nil {
			s.logger.Warn("USAGE_RECORD_FAILED", zap.String("message", r.message.ID), zap.Error(err))
		}
	}

	if err := s.store.SetThreadStatus(ctx, r.thread.ID, model.ThreadIdle); err != nil {
		s.logger.Error("THREAD_RELEASE_FAILED", zap.String("thread", r.thread.ID), zap.Error(err))
	}

	msg := *r.message
	msg.Status = final.Status
	msg.Content = final.Content
	msg.Reasoning = final.Reasoning
	msg.Usage = final.Usage
	msg.Error = final.Error
	msg.FinishReason = final.FinishReason
	msg.UpdatedAt = now
	msg.FinishedAt = &now

	// The thread is idle and the message no longer live before subscribers
	// learn the outcome, so a follow-up Send is never refused as busy.
	s.forget(r.message.ID)
	r.broadcast.publish(Event{Type: TerminalEvent(final.Status), Message: &msg})
	s.hub.remove(r.message.ID)

	elapsed := time.Since(r.started)
	fields := []zap.Field{
		zap.String("thread", r.thread.ID),
		zap.String("message", r.message.ID),
		zap.String("model", r.modelID),
		zap.Int("content_bytes", len(final.Content)),
		zap.Int("reasoning_bytes", len(final.Reasoning)),
		zap.Int("total_tokens", final.Usage.TotalTokens),
		zap.Duration("elapsed", elapsed),
	}
	switch final.Status {
	case model.StatusDone:
		s.logger.Info("STREAM_DONE", append(fields, zap.String("finish_reason", final.FinishReason))...)
	case model.StatusAborted:
		s.logger.Info("STREAM_ABORTED", append(fields, zap.String("reason", final.Error))...)
	default:
		s.logger.Warn("STREAM_ERROR", append(fields, zap.Error(cause))...)
	}
	s.observer.GenerationFinished(r.modelID, final.Status, final.Usage, elapsed)
	return &msg
}

// generateTitle names an untitled thread after its first completed reply.
func (r *reconciler) generateTitle() {
	s := r.svc
	title := s.titles.Generate(s.baseCtx, titleText(r.userMsg), r.modelID)
	if title == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), finalizeTimeout)
	defer cancel()

	current, err := s.store.GetThread(ctx, r.thread.UserID, r.thread.ID)
	if err != nil || current.Title != "" {
		return
	}
	if _, err := s.store.UpdateThread(ctx, r.thread.UserID, r.thread.ID, storage.ThreadPatch{Title: &title}); err != nil {
		s.logger.Warn("TITLE_UPDATE_FAILED", zap.String("thread", r.thread.ID), zap.Error(err))
		return
	}
	s.logger.Info("TITLE_GENERATED", zap.String("thread", r.thread.ID), zap.String("title", title))
}
