// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/llm/llmtest"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FIXTURE
// =============================================================================

const (
	chatModel   = "test/chat"
	visionModel = "test/vision"
)

type memBlobs map[string][]byte

func (b memBlobs) Get(digest string) ([]byte, error) {
	data, ok := b[digest]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

type fixture struct {
	svc      *Service
	store    storage.Store
	provider *llmtest.Provider
	blobs    memBlobs
	user     *model.User
	thread   *model.Thread
}

func newFixture(t *testing.T, opts Options, script ...llmtest.Step) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	catalog := model.NewCatalog([]model.ModelInfo{
		{ID: chatModel, Name: "Test Chat", Provider: model.ProviderOpenRouter, Reasoning: true, PromptPrice: 1, CompletionPrice: 2},
		{ID: visionModel, Name: "Test Vision", Provider: model.ProviderOpenRouter, Vision: true},
	})
	registry := llm.NewRegistry(catalog, chatModel)
	provider := &llmtest.Provider{ProviderName: model.ProviderOpenRouter, Script: script, CompleteText: "Greeting exchange"}
	registry.Register(provider)

	if opts.FlushInterval == 0 {
		opts.FlushInterval = 10 * time.Millisecond
	}
	if opts.FlushThreshold == 0 {
		opts.FlushThreshold = 4
	}
	blobs := memBlobs{}
	svc := NewService(Deps{Store: store, Blobs: blobs, Registry: registry}, opts)

	user := &model.User{ID: model.NewID(), Name: "Ada", CreatedAt: time.Now()}
	require.NoError(t, store.CreateUser(ctx, user))
	thread := model.NewThread(user.ID, chatModel)
	require.NoError(t, store.CreateThread(ctx, thread))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(shutdownCtx))
		assert.NoError(t, store.Close())
	})
	return &fixture{svc: svc, store: store, provider: provider, blobs: blobs, user: user, thread: thread}
}

func (f *fixture) send(t *testing.T, content string) *Generation {
	t.Helper()
	gen, err := f.svc.Send(context.Background(), SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: content})
	require.NoError(t, err)
	return gen
}

func (f *fixture) message(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

// collect reads events until the channel closes.
func collect(t *testing.T, gen *Generation) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-gen.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for generation events")
		}
	}
}

// waitFor reads events until one of type typ arrives.
func waitFor(t *testing.T, gen *Generation, typ EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-gen.Events():
			require.True(t, ok, "event stream closed before %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func waitDone(t *testing.T, gen *Generation) {
	t.Helper()
	select {
	case <-gen.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish")
	}
}

func usageStep(u model.Usage) llmtest.Step {
	return llmtest.Step{Event: llm.Event{Type: llm.EventUsage, Usage: u}}
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_StreamsAndFinalizes(t *testing.T) {
	usage := model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	f := newFixture(t, Options{},
		llmtest.Reasoning("Thinking."),
		llmtest.Text("Hello"),
		llmtest.Text(" world"),
		usageStep(usage),
		llmtest.Done("stop"),
	)

	gen := f.send(t, "Hi there")
	events := collect(t, gen)
	waitDone(t, gen)

	require.NotEmpty(t, events)
	start := events[0]
	assert.Equal(t, EventStart, start.Type)
	assert.Equal(t, gen.UserMessage.ID, start.UserMessage.ID)
	assert.Equal(t, gen.Message.ID, start.Message.ID)

	var text, reasoning strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Text)
		case EventReasoning:
			reasoning.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "Hello world", text.String())
	assert.Equal(t, "Thinking.", reasoning.String())

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.Message)
	assert.Equal(t, "Hello world", last.Message.Content)

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusDone, stored.Status)
	assert.Equal(t, "Hello world", stored.Content)
	assert.Equal(t, "Thinking.", stored.Reasoning)
	assert.Equal(t, "stop", stored.FinishReason)
	assert.Equal(t, 15, stored.Usage.TotalTokens)
	assert.Equal(t, int64(20), stored.Usage.CostMicros, "10*1 + 5*2")
	assert.NotNil(t, stored.FinishedAt)

	thread, err := f.store.GetThread(context.Background(), f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadIdle, thread.Status)
	assert.Equal(t, "Greeting exchange", thread.Title)

	summary, err := f.store.UsageSummary(context.Background(), f.user.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Generations)
	assert.Equal(t, 15, summary.Total.TotalTokens)
	assert.Equal(t, 0, f.svc.Live())
}

func TestSend_RequestCarriesHistoryAndSystemPrompt(t *testing.T) {
	f := newFixture(t, Options{SystemPrompt: "Be brief."}, llmtest.Text("answer"), llmtest.Done("stop"))

	gen := f.send(t, "first")
	collect(t, gen)
	waitDone(t, gen)

	gen = f.send(t, "second")
	collect(t, gen)
	waitDone(t, gen)

	var streamed []llm.Request
	for _, r := range f.provider.Requests() {
		if r.System == "Be brief." {
			streamed = append(streamed, r)
		}
	}
	require.Len(t, streamed, 2)
	last := streamed[1]
	assert.Equal(t, chatModel, last.Model)
	require.Len(t, last.Messages, 3)
	assert.Equal(t, "first", last.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, last.Messages[1].Role)
	assert.Equal(t, "answer", last.Messages[1].Content)
	assert.Equal(t, "second", last.Messages[2].Content)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, Options{MaxMessageChars: 10})
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: strings.Repeat("a", 11)})
	assert.ErrorIs(t, err, ErrMessageTooLong)

	_, err = f.svc.Send(ctx, SendRequest{UserID: "someone-else", ThreadID: f.thread.ID, Content: "hi"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "hi", Model: "nonsense"})
	assert.ErrorIs(t, err, llm.ErrUnknownModel)

	_, err = f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "hi", Attachments: []string{"missing"}})
	assert.ErrorIs(t, err, ErrInvalidAttachment)

	img := &model.Attachment{ID: model.NewID(), UserID: f.user.ID, Name: "cat.png", MediaType: "image/png", Size: 3, Digest: "d1", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateAttachment(ctx, img))
	_, err = f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "hi", Attachments: []string{img.ID}})
	assert.ErrorIs(t, err, ErrInvalidAttachment, "chat model has no vision")

	// Nothing was persisted and the thread stays usable.
	msgs, err := f.store.ListMessages(ctx, f.thread.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	thread, err := f.store.GetThread(ctx, f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadIdle, thread.Status)
}

func TestSend_Attachments(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.Text("seen"), llmtest.Done("stop"))
	ctx := context.Background()

	f.blobs["text-digest"] = []byte("file body")
	f.blobs["image-digest"] = []byte{0x89, 'P', 'N', 'G'}
	notes := &model.Attachment{ID: model.NewID(), UserID: f.user.ID, Name: "notes.txt", MediaType: "text/plain", Digest: "text-digest", CreatedAt: time.Now()}
	img := &model.Attachment{ID: model.NewID(), UserID: f.user.ID, Name: "cat.png", MediaType: "image/png", Digest: "image-digest", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateAttachment(ctx, notes))
	require.NoError(t, f.store.CreateAttachment(ctx, img))

	gen, err := f.svc.Send(ctx, SendRequest{
		UserID:      f.user.ID,
		ThreadID:    f.thread.ID,
		Content:     "What is in these?",
		Model:       visionModel,
		Attachments: []string{notes.ID, img.ID},
	})
	require.NoError(t, err)
	collect(t, gen)
	waitDone(t, gen)

	require.Len(t, gen.UserMessage.Attachments, 2)
	reqs := f.provider.Requests()
	require.NotEmpty(t, reqs)
	first := reqs[0]
	assert.Equal(t, visionModel, first.Model)
	require.Len(t, first.Messages, 1)
	m := first.Messages[0]
	assert.Contains(t, m.Content, `<attachment name="notes.txt">`)
	assert.Contains(t, m.Content, "file body")
	assert.True(t, strings.HasSuffix(m.Content, "What is in these?"))
	require.Len(t, m.Images, 1)
	assert.Equal(t, "image/png", m.Images[0].MediaType)

	thread, err := f.store.GetThread(ctx, f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, visionModel, thread.Model, "thread model follows the request")
}

func TestSend_ThreadBusyThenAbort(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{}, llmtest.Text("partial answer"), llmtest.Block(release), llmtest.Text("never"))

	gen := f.send(t, "go")
	waitFor(t, gen, EventText)

	_, err := f.svc.Send(context.Background(), SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "again"})
	assert.ErrorIs(t, err, ErrThreadBusy)

	assert.ErrorIs(t, f.svc.Abort(context.Background(), "intruder", gen.Message.ID), storage.ErrNotFound)
	require.NoError(t, f.svc.Abort(context.Background(), f.user.ID, gen.Message.ID))

	ev := waitFor(t, gen, EventAborted)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "partial answer", ev.Message.Content)
	waitDone(t, gen)

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusAborted, stored.Status)
	assert.Equal(t, "partial answer", stored.Content)
	assert.Equal(t, errStoppedByUser.Error(), stored.Error)

	assert.ErrorIs(t, f.svc.Abort(context.Background(), f.user.ID, gen.Message.ID), ErrNotLive)
	assert.Equal(t, 1, f.provider.Closed())
}

func TestSend_ClientDisconnectAborts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{}, llmtest.Text("abc"), llmtest.Block(release))

	ctx, cancel := context.WithCancel(context.Background())
	gen, err := f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "go"})
	require.NoError(t, err)
	waitFor(t, gen, EventText)
	cancel()
	waitDone(t, gen)

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusAborted, stored.Status)
	assert.Equal(t, errClientGone.Error(), stored.Error)
	assert.Equal(t, "abc", stored.Content)
}

func TestSend_DetachSurvivesDisconnect(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Options{}, llmtest.Text("abc"), llmtest.Block(release), llmtest.Text("def"), llmtest.Done("stop"))

	ctx, cancel := context.WithCancel(context.Background())
	gen, err := f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "go"})
	require.NoError(t, err)
	waitFor(t, gen, EventText)
	gen.Detach()
	cancel()
	close(release)
	waitDone(t, gen)

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusDone, stored.Status)
	assert.Equal(t, "abcdef", stored.Content)
}

func TestSend_ProviderErrorKeepsPartial(t *testing.T) {
	f := newFixture(t, Options{},
		llmtest.Text("par"),
		llmtest.Fail(&llm.ProviderError{Provider: "openrouter", StatusCode: 429, Message: "slow down"}),
	)

	gen := f.send(t, "go")
	events := collect(t, gen)
	waitDone(t, gen)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, "par", stored.Content)
	assert.NotEmpty(t, stored.Error)
	assert.Equal(t, last.Message.Error, stored.Error)
}

func TestSend_StartErrorBecomesErrorEvent(t *testing.T) {
	f := newFixture(t, Options{})
	f.provider.StartErr = &llm.ProviderError{Provider: "openrouter", StatusCode: 401, Message: "bad key"}

	gen := f.send(t, "go")
	events := collect(t, gen)
	waitDone(t, gen)

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, llm.UserMessage(f.provider.StartErr), stored.Error)

	thread, err := f.store.GetThread(context.Background(), f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadIdle, thread.Status)
	assert.Empty(t, thread.Title, "failed exchanges are not titled")
}

func TestSend_EmptyResponseIsError(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.Done("stop"))

	gen := f.send(t, "go")
	collect(t, gen)
	waitDone(t, gen)

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, llm.UserMessage(llm.ErrEmptyResponse), stored.Error)
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{Timeout: 50 * time.Millisecond}, llmtest.Text("slow"), llmtest.Block(release))

	gen := f.send(t, "go")
	waitFor(t, gen, EventAborted)
	waitDone(t, gen)

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusAborted, stored.Status)
	assert.Equal(t, errTimedOut.Error(), stored.Error)
	assert.Equal(t, "slow", stored.Content)
}

func TestSend_IncrementalPersistence(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Options{FlushInterval: time.Hour, FlushThreshold: 6},
		llmtest.Text("ab"),
		llmtest.Text("cdefgh"),
		llmtest.Block(release),
		llmtest.Text("ij"),
		llmtest.Done("stop"),
	)

	gen := f.send(t, "go")
	require.Eventually(t, func() bool {
		m := f.message(t, gen.Message.ID)
		return m.Status == model.StatusStreaming && m.Content == "abcdefgh"
	}, 5*time.Second, 5*time.Millisecond, "threshold flush persists partial output")

	close(release)
	collect(t, gen)
	waitDone(t, gen)
	assert.Equal(t, "abcdefghij", f.message(t, gen.Message.ID).Content)
}

func TestSend_IntervalFlush(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{FlushInterval: 20 * time.Millisecond, FlushThreshold: 1 << 20},
		llmtest.Text("a"),
		llmtest.Text("b"),
		llmtest.Block(release),
	)

	gen := f.send(t, "go")
	require.Eventually(t, func() bool {
		return f.message(t, gen.Message.ID).Content == "ab"
	}, 5*time.Second, 5*time.Millisecond, "interval flush persists output below the threshold")
	require.NoError(t, f.svc.Abort(context.Background(), f.user.ID, gen.Message.ID))
	waitDone(t, gen)
}

// =============================================================================
// SUBSCRIBE / LIFECYCLE
// =============================================================================

func TestSubscribe_ResumeLiveAndFinished(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Options{}, llmtest.Text("part one"), llmtest.Block(release), llmtest.Text(", part two"), llmtest.Done("stop"))
	ctx := context.Background()

	gen := f.send(t, "go")
	waitFor(t, gen, EventText)

	sub, msg, err := f.svc.Subscribe(ctx, f.user.ID, gen.Message.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Nil(t, msg)

	_, _, err = f.svc.Subscribe(ctx, "intruder", gen.Message.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	close(release)
	var events []Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	waitDone(t, gen)

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, Event{Type: EventText, Text: "part one"}, events[1])
	assert.Equal(t, EventDone, events[len(events)-1].Type)
	assert.Equal(t, "part one, part two", events[len(events)-1].Message.Content)

	sub, msg, err = f.svc.Subscribe(ctx, f.user.ID, gen.Message.ID)
	require.NoError(t, err)
	assert.Nil(t, sub)
	require.NotNil(t, msg)
	assert.Equal(t, model.StatusDone, msg.Status)
}

func TestShutdown_AbortsLiveGenerations(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{}, llmtest.Text("x"), llmtest.Block(release))

	gen := f.send(t, "go")
	waitFor(t, gen, EventText)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	stored := f.message(t, gen.Message.ID)
	assert.Equal(t, model.StatusAborted, stored.Status)
	assert.Equal(t, errServerShutdown.Error(), stored.Error)

	_, err := f.svc.Send(context.Background(), SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Content: "more"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRecover_FinalizesInterruptedStreams(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.store.ClaimThread(ctx, f.user.ID, f.thread.ID))
	orphan := model.NewAssistantPlaceholder(f.thread.ID, f.user.ID, chatModel)
	orphan.UpdatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.CreateMessage(ctx, orphan))

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := f.message(t, orphan.ID)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, interruptedReason, stored.Error)

	thread, err := f.store.GetThread(ctx, f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadIdle, thread.Status)
}

func TestRecover_QuickRestart(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.Text("back"), llmtest.Done("stop"))
	ctx := context.Background()

	// Left by a process that crashed seconds ago.
	require.NoError(t, f.store.ClaimThread(ctx, f.user.ID, f.thread.ID))
	orphan := model.NewAssistantPlaceholder(f.thread.ID, f.user.ID, chatModel)
	orphan.UpdatedAt = time.Now().Add(-10 * time.Second)
	require.NoError(t, f.store.CreateMessage(ctx, orphan))

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatusError, f.message(t, orphan.ID).Status)

	gen := f.send(t, "are you there?")
	collect(t, gen)
	waitDone(t, gen)
	assert.Equal(t, model.StatusDone, f.message(t, gen.Message.ID).Status)
}

func TestRecover_RefusesWhileGenerating(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{}, llmtest.Text("x"), llmtest.Block(release))

	gen := f.send(t, "go")
	waitFor(t, gen, EventText)

	_, err := f.svc.Recover(context.Background())
	assert.Error(t, err)
	assert.Equal(t, model.StatusStreaming, f.message(t, gen.Message.ID).Status)
}

func TestSend_DeleteThreadWhileGenerating(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, Options{}, llmtest.Text("partial"), llmtest.Block(release))
	ctx := context.Background()

	gen := f.send(t, "go")
	waitFor(t, gen, EventText)

	assert.ErrorIs(t, f.store.DeleteThread(ctx, f.user.ID, f.thread.ID), storage.ErrConflict)
	_, err := f.store.GetMessage(ctx, gen.Message.ID)
	require.NoError(t, err, "live reply survives")
	assert.Equal(t, 1, f.svc.Live())

	require.NoError(t, f.svc.Abort(ctx, f.user.ID, gen.Message.ID))
	waitDone(t, gen)
	assert.Equal(t, model.StatusAborted, f.message(t, gen.Message.ID).Status)
	require.NoError(t, f.store.DeleteThread(ctx, f.user.ID, f.thread.ID))
}

// =============================================================================
// TITLES
// =============================================================================

func TestTitleGenerator(t *testing.T) {
	catalog := model.NewCatalog([]model.ModelInfo{{ID: chatModel, Name: "Test", Provider: model.ProviderOpenRouter}})

	t.Run("model title is sanitised", func(t *testing.T) {
		registry := llm.NewRegistry(catalog, chatModel)
		registry.Register(&llmtest.Provider{ProviderName: model.ProviderOpenRouter, CompleteText: "  \"Planning a trip\"\nextra line"})
		g := NewTitleGenerator(registry, "", nil)
		assert.Equal(t, "Planning a trip", g.Generate(context.Background(), "Where should I go?", chatModel))
	})

	t.Run("falls back to first line", func(t *testing.T) {
		registry := llm.NewRegistry(catalog, chatModel)
		registry.Register(&llmtest.Provider{ProviderName: model.ProviderOpenRouter, CompleteErr: llm.ErrUnavailable})
		g := NewTitleGenerator(registry, "", nil)
		assert.Equal(t, "Where should I go?", g.Generate(context.Background(), "Where should I go?\nDetails follow", chatModel))
	})

	t.Run("unknown title model falls back", func(t *testing.T) {
		registry := llm.NewRegistry(catalog, chatModel)
		g := NewTitleGenerator(registry, "nope", nil)
		assert.Equal(t, "Hello", g.Generate(context.Background(), "Hello", chatModel))
	})

	t.Run("no text", func(t *testing.T) {
		registry := llm.NewRegistry(catalog, chatModel)
		g := NewTitleGenerator(registry, "", nil)
		assert.Equal(t, "", g.Generate(context.Background(), "   ", chatModel))
	})
}

// titleRequests counts Complete calls made for titles.
func titleRequests(p *llmtest.Provider) int {
	n := 0
	for _, r := range p.Requests() {
		if r.System == titleSystemPrompt {
			n++
		}
	}
	return n
}

func TestSend_TitlesFirstReplyOnly(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.Text("Hello"), llmtest.Done("stop"))
	ctx := context.Background()

	gen := f.send(t, "Hi")
	collect(t, gen)
	waitDone(t, gen)
	thread, err := f.store.GetThread(ctx, f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting exchange", thread.Title)

	empty := ""
	_, err = f.store.UpdateThread(ctx, f.user.ID, f.thread.ID, storage.ThreadPatch{Title: &empty})
	require.NoError(t, err)

	gen = f.send(t, "Second question")
	collect(t, gen)
	waitDone(t, gen)
	thread, err = f.store.GetThread(ctx, f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Empty(t, thread.Title, "later exchanges do not retitle")
	assert.Equal(t, 1, titleRequests(f.provider))
}

func TestSend_AttachmentOnlyTitle(t *testing.T) {
	f := newFixture(t, Options{}, llmtest.Text("Looks fine"), llmtest.Done("stop"))
	f.provider.CompleteErr = llm.ErrUnavailable
	ctx := context.Background()

	f.blobs["notes-digest"] = []byte("file body")
	notes := &model.Attachment{ID: model.NewID(), UserID: f.user.ID, Name: "notes.txt", MediaType: "text/plain", Digest: "notes-digest", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateAttachment(ctx, notes))

	gen, err := f.svc.Send(ctx, SendRequest{UserID: f.user.ID, ThreadID: f.thread.ID, Attachments: []string{notes.ID}})
	require.NoError(t, err)
	collect(t, gen)
	waitDone(t, gen)

	thread, err := f.store.GetThread(ctx, f.user.ID, f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", thread.Title)
}
