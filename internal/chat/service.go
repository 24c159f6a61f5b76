// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/util"
)

// =============================================================================
// SERVICE
// =============================================================================

// Deps are the collaborators of a Service. Store and Registry are required.
type Deps struct {
	Store    storage.Store
	Blobs    BlobReader
	Registry *llm.Registry
	Observer Observer
	Logger   *zap.Logger
}

// Service runs chat generations: it persists the exchange, streams the
// model output to subscribers and reconciles the stored message.
type Service struct {
	store    storage.Store
	blobs    BlobReader
	registry *llm.Registry
	hub      *Hub
	titles   *TitleGenerator
	observer Observer
	logger   *zap.Logger
	opts     Options

	// baseCtx parents every generation; cancelling it aborts them all.
	baseCtx    context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	live    map[string]*liveGeneration
	closing bool
}

// liveGeneration is the bookkeeping for one in-flight generation, keyed by
// assistant message ID.
type liveGeneration struct {
	userID   string
	threadID string
	cancel   context.CancelCauseFunc
}

// NewService creates a Service.
func NewService(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	baseCtx, cancel := context.WithCancelCause(context.Background())
	return &Service{
		store:      deps.Store,
		blobs:      deps.Blobs,
		registry:   deps.Registry,
		hub:        NewHub(opts.SubscriberBuffer),
		titles:     NewTitleGenerator(deps.Registry, opts.TitleModel, logger),
		observer:   observer,
		logger:     logger.Named("chat"),
		opts:       opts,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		live:       make(map[string]*liveGeneration),
	}
}

// Hub exposes the event hub.
func (s *Service) Hub() *Hub { return s.hub }

// Live returns the number of generations in flight.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// =============================================================================
// SEND
// =============================================================================

// SendRequest is a user message to append to a thread.
type SendRequest struct {
	UserID   string
	ThreadID string
	Content  string
	// Model overrides the thread's model; empty keeps it.
	Model string
	// Attachments are attachment IDs owned by the user.
	Attachments []string
	Reasoning   llm.Reasoning
}

// Generation is the handle returned by Send. Events delivers the start
// event, deltas and exactly one terminal event, then closes.
type Generation struct {
	Thread      *model.Thread
	UserMessage *model.Message
	Message     *model.Message

	sub    *Subscription
	detach func() bool
	done   chan struct{}
}

// Events returns the event channel of the originating subscriber.
func (g *Generation) Events() <-chan Event { return g.sub.Events() }

// Dropped reports whether the originating subscriber fell behind and was cut off.
func (g *Generation) Dropped() bool { return g.sub.Dropped() }

// Done is closed once the message has been finalised.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Detach stops the generation from being aborted when the originating
// request context ends, and unsubscribes. The generation keeps running.
func (g *Generation) Detach() {
	g.detach()
	g.sub.Close()
}

// Send validates and persists the user message, creates the assistant
// placeholder and starts generating. The generation is aborted when ctx is
// cancelled unless the caller detaches first.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Generation, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if util.RuneLen(req.Content) > s.opts.MaxMessageChars {
		return nil, fmt.Errorf("%w: %d characters allowed", ErrMessageTooLong, s.opts.MaxMessageChars)
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	thread, err := s.store.GetThread(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}

	modelID := req.Model
	if modelID == "" {
		modelID = thread.Model
	}
	resolved, err := s.registry.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	modelID = resolved.Info.ID

	refs, err := s.checkAttachments(ctx, req.UserID, req.Attachments, resolved.Info)
	if err != nil {
		return nil, err
	}

	if err := s.store.ClaimThread(ctx, req.UserID, thread.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrThreadBusy
		}
		return nil, err
	}

	userMsg := model.NewUserMessage(thread.ID, req.UserID, req.Content, refs)
	assistant := model.NewAssistantPlaceholder(thread.ID, req.UserID, modelID)
	if err := s.createExchange(ctx, userMsg, assistant); err != nil {
		s.releaseThread(thread.ID)
		return nil, err
	}

	if thread.Model != modelID {
		updated, err := s.store.UpdateThread(ctx, req.UserID, thread.ID, storage.ThreadPatch{Model: &modelID})
		if err != nil {
			s.logger.Warn("THREAD_MODEL_UPDATE_FAILED", zap.String("thread", thread.ID), zap.Error(err))
		} else {
			thread = updated
		}
	}
	thread.Status = model.ThreadGenerating

	history, err := s.store.ListMessages(ctx, thread.ID)
	if err != nil {
		s.finalizeEarly(assistant, thread.ID, err)
		return nil, err
	}
	window := selectHistory(history, s.opts.HistoryMessages, s.opts.HistoryChars)
	llmReq := llm.Request{
		Model:    resolved.Upstream(),
		System:   s.opts.SystemPrompt,
		Messages: s.buildMessages(ctx, req.UserID, window, resolved.Info.Vision),
	}
	if req.Reasoning.Enabled && resolved.Info.Reasoning {
		llmReq.Reasoning = req.Reasoning
	}

	// The generation context outlives the request: it is parented on the
	// service, and the request only cancels it through AfterFunc.
	genCtx, cancel := context.WithCancelCause(s.baseCtx)
	genCtx, cancelTimeout := context.WithTimeoutCause(genCtx, s.opts.Timeout, errTimedOut)
	stopAfter := context.AfterFunc(ctx, func() { cancel(errClientGone) })

	// The hub stream exists before the generation is visible as live, so a
	// resume that finds it live always gets the stream.
	bc := s.hub.open(assistant.ID, Event{Type: EventStart, UserMessage: userMsg, Message: assistant})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.hub.remove(assistant.ID)
		stopAfter()
		cancelTimeout()
		cancel(errServerShutdown)
		s.finalizeEarly(assistant, thread.ID, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	s.live[assistant.ID] = &liveGeneration{userID: req.UserID, threadID: thread.ID, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	gen := &Generation{
		Thread:      thread,
		UserMessage: userMsg,
		Message:     assistant,
		sub:         bc.subscribe(),
		detach:      stopAfter,
		done:        make(chan struct{}),
	}

	r := &reconciler{
		svc:       s,
		ctx:       genCtx,
		provider:  resolved.Provider,
		request:   llmReq,
		modelID:   modelID,
		titled:    thread.Title != "" || hasFinishedReply(history, assistant.ID),
		thread:    thread,
		userMsg:   userMsg,
		message:   assistant,
		broadcast: bc,
		started:   time.Now(),
	}

	s.logger.Info("STREAM_START",
		zap.String("thread", thread.ID),
		zap.String("message", assistant.ID),
		zap.String("model", modelID),
		zap.String("provider", resolved.Provider.Name()),
		zap.Int("history", len(window)))
	s.observer.GenerationStarted(modelID)

	go func() {
		defer s.wg.Done()
		defer close(gen.done)
		defer cancelTimeout()
		defer stopAfter()
		defer cancel(nil)
		r.run()
	}()
	return gen, nil
}

// checkAttachments loads the referenced attachments and verifies that the
// model can accept them.
func (s *Service) checkAttachments(ctx context.Context, userID string, ids []string, info model.ModelInfo) ([]model.AttachmentRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	refs := make([]model.AttachmentRef, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		att, err := s.store.GetAttachment(ctx, userID, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s not found", ErrInvalidAttachment, id)
			}
			return nil, err
		}
		if att.IsImage() && !info.Vision {
			return nil, fmt.Errorf("%w: %s does not accept images", ErrInvalidAttachment, info.Name)
		}
		refs = append(refs, att.Ref())
	}
	return refs, nil
}

func (s *Service) createExchange(ctx context.Context, userMsg, assistant *model.Message) error {
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	if err := s.store.CreateMessage(ctx, assistant); err != nil {
		return fmt.Errorf("failed to create assistant message: %w", err)
	}
	return nil
}

// releaseThread returns a claimed thread to idle after a failed Send.
func (s *Service) releaseThread(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := s.store.SetThreadStatus(ctx, threadID, model.ThreadIdle); err != nil {
		s.logger.Error("THREAD_RELEASE_FAILED", zap.String("thread", threadID), zap.Error(err))
	}
}

// finalizeEarly fails a placeholder that never started streaming.
func (s *Service) finalizeEarly(assistant *model.Message, threadID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	err := s.store.FinalizeMessage(ctx, assistant.ID, storage.Final{
		Status:     model.StatusError,
		Error:      llm.UserMessage(cause),
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("STREAM_FINALIZE_FAILED", zap.String("message", assistant.ID), zap.Error(err))
	}
	s.releaseThread(threadID)
}

// =============================================================================
// ABORT / SUBSCRIBE
// =============================================================================

// Abort stops the live generation of messageID. It returns
// storage.ErrNotFound when the message isn't the user's and ErrNotLive when
// it already finished.
func (s *Service) Abort(ctx context.Context, userID, messageID string) error {
	s.mu.Lock()
	g, ok := s.live[messageID]
	s.mu.Unlock()
	if ok {
		if g.userID != userID {
			return storage.ErrNotFound
		}
		g.cancel(errStoppedByUser)
		s.logger.Info("STREAM_ABORT_REQUESTED", zap.String("message", messageID))
		return nil
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.UserID != userID {
		return storage.ErrNotFound
	}
	return ErrNotLive
}

// Subscribe attaches to the live generation of messageID. When the message
// is not generating, sub is nil and msg is the persisted message.
func (s *Service) Subscribe(ctx context.Context, userID, messageID string) (sub *Subscription, msg *model.Message, err error) {
	s.mu.Lock()
	g, ok := s.live[messageID]
	s.mu.Unlock()
	if ok && g.userID == userID {
		if sub, ok := s.hub.Subscribe(messageID); ok {
			return sub, nil, nil
		}
	}

	msg, err = s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.UserID != userID {
		return nil, nil, storage.ErrNotFound
	}
	return nil, msg, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Recover finalises every message left live by a previous process, however
// recent. It must run before the server accepts requests, since no
// generation of this process can exist yet.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if live := s.Live(); live > 0 {
		return 0, fmt.Errorf("recover with %d generations running", live)
	}
	n, err := s.store.MarkStaleStreams(ctx, time.Now(), interruptedReason)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted streams: %w", err)
	}
	if n > 0 {
		s.logger.Warn("STREAMS_RECOVERED", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown aborts every live generation and waits until each one is
// finalised or ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := len(s.live)
	s.mu.Unlock()

	s.logger.Info("CHAT_SHUTDOWN", zap.Int("live", live))
	s.cancelBase(errServerShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("generations still running: %w", ctx.Err())
	}
}

// forget removes a finished generation from the live set.
func (s *Service) forget(messageID string) {
	s.mu.Lock()
	delete(s.live, messageID)
	s.mu.Unlock()
}
