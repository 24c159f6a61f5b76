// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/openyap/internal/auth"
	"github.com/jeranaias/openyap/internal/chat"
	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/llm/llmtest"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/blob"
	"github.com/jeranaias/openyap/internal/storage/sqlite"
	"github.com/jeranaias/openyap/internal/telemetry"
)

// =============================================================================
// FIXTURE
// =============================================================================

const testModel = "test/chat"

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	store    storage.Store
	chat     *chat.Service
	provider *llmtest.Provider
	user     *model.User
	token    string
}

type fixtureOption func(cfg *config.Config, deps *Deps)

func newFixture(t *testing.T, script []llmtest.Step, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Server.RateLimitPerMinute = 0
	cfg.Storage.MaxAttachmentBytes = 4096

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	blobs, err := blob.Open(t.TempDir(), cfg.Storage.MaxAttachmentBytes)
	require.NoError(t, err)

	catalog := model.NewCatalog([]model.ModelInfo{
		{ID: testModel, Name: "Test Chat", Provider: model.ProviderOpenRouter, PromptPrice: 1, CompletionPrice: 2},
	})
	registry := llm.NewRegistry(catalog, testModel)
	provider := &llmtest.Provider{ProviderName: model.ProviderOpenRouter, Script: script, CompleteText: "Test thread"}
	registry.Register(provider)

	metrics := telemetry.New()
	svc := chat.NewService(chat.Deps{Store: store, Blobs: blobs, Registry: registry, Observer: metrics},
		chat.Options{FlushInterval: 10 * time.Millisecond, FlushThreshold: 4})

	deps := Deps{Store: store, Blobs: blobs, Chat: svc, Registry: registry, Metrics: metrics}
	for _, o := range opts {
		o(cfg, &deps)
	}
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Handler())

	user, token, err := auth.CreateUser(ctx, store, "Ada", "ada@example.com")
	require.NoError(t, err)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(shutdownCtx))
		ts.Close()
		assert.NoError(t, store.Close())
		assert.NoError(t, blobs.Close())
	})
	return &fixture{srv: srv, ts: ts, store: store, chat: svc, provider: provider, user: user, token: token}
}

func (f *fixture) request(t *testing.T, ctx context.Context, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return f.request(t, context.Background(), method, path, body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) newThread(t *testing.T) *model.Thread {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/threads", map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*model.Thread](t, resp)
}

func (f *fixture) waitStatus(t *testing.T, id string, want model.MessageStatus) *model.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := f.store.GetMessage(context.Background(), id)
		require.NoError(t, err)
		if m.Status == want {
			return m
		}
		if time.Now().After(deadline) {
			t.Fatalf("message %s status = %s, want %s", id, m.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type sseEvent struct {
	name string
	data []byte
}

// readEvents reads the whole event stream.
func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var out []sseEvent
	sc := llm.NewSSEScanner(resp.Body)
	for sc.Next() {
		ev := sc.Event()
		out = append(out, sseEvent{name: ev.Event, data: ev.Data})
	}
	require.NoError(t, sc.Err())
	return out
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.name
	}
	return out
}

func assertErrorBody(t *testing.T, resp *http.Response, status int, errType string) {
	t.Helper()
	assert.Equal(t, status, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, errType, body.Error.Type)
	assert.Equal(t, status, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

type fakeOllama struct{ err error }

func (f fakeOllama) CheckRunning(context.Context) error { return f.err }

// =============================================================================
// HEALTH AND AUTH
// =============================================================================

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{model.ProviderOpenRouter}, health.Providers)
	assert.Equal(t, "not_configured", health.OllamaStatus)
	assert.Equal(t, 0, health.Live)
}

func TestHandleHealth_OllamaDown(t *testing.T) {
	f := newFixture(t, nil, func(_ *config.Config, d *Deps) {
		d.Ollama = fakeOllama{err: errors.New("connection refused")}
	})

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	require.NoError(t, err)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unavailable", health.OllamaStatus)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/me", nil).Body.Close()

	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `openyap_http_requests_total{code="200",method="GET",route="/api/me"}`)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.ts.Client().Get(f.ts.URL + "/api/me")
	require.NoError(t, err)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	assertErrorBody(t, resp, http.StatusUnauthorized, "authentication_error")

	f.token = auth.TokenPrefix + strings.Repeat("0", 64)
	assertErrorBody(t, f.do(t, http.MethodGet, "/api/me", nil), http.StatusUnauthorized, "authentication_error")

	f.token = "not-a-token"
	assertErrorBody(t, f.do(t, http.MethodGet, "/api/me", nil), http.StatusUnauthorized, "authentication_error")
}

func TestHandleMe(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[model.User](t, resp)
	assert.Equal(t, f.user.ID, me.ID)
	assert.Equal(t, "Ada", me.Name)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, nil, func(cfg *config.Config, _ *Deps) {
		cfg.Server.RateLimitPerMinute = 1
		cfg.Server.RateLimitBurst = 1
	})

	resp := f.do(t, http.MethodGet, "/api/me", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	resp = f.do(t, http.MethodGet, "/api/me", nil)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assertErrorBody(t, resp, http.StatusTooManyRequests, "rate_limit_error")
}

func TestNotFoundRoute(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.ts.Client().Get(f.ts.URL + "/nope")
	require.NoError(t, err)
	assertErrorBody(t, resp, http.StatusNotFound, "not_found")
}

// =============================================================================
// MODELS AND THREADS
// =============================================================================

func TestHandleModels(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decode[ModelsResponse](t, resp)
	assert.Equal(t, testModel, models.Default)
	require.Len(t, models.Models, 1)
	assert.Equal(t, "Test Chat", models.Models[0].Name)
}

func TestThreadsCRUD(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/threads", map[string]string{"title": "  # \"Trip plans\"  "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	thread := decode[*model.Thread](t, resp)
	assert.Equal(t, "Trip plans", thread.Title)
	assert.Equal(t, testModel, thread.Model)
	assert.Equal(t, model.ThreadIdle, thread.Status)

	resp = f.do(t, http.MethodGet, "/api/threads/"+thread.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, thread.ID, decode[*model.Thread](t, resp).ID)

	resp = f.do(t, http.MethodPatch, "/api/threads/"+thread.ID, map[string]any{"title": "Renamed", "pinned": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[*model.Thread](t, resp)
	assert.Equal(t, "Renamed", updated.Title)
	assert.True(t, updated.Pinned)

	resp = f.do(t, http.MethodGet, "/api/threads?limit=10&q=renam", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ThreadsResponse](t, resp)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, thread.ID, list.Threads[0].ID)

	resp = f.do(t, http.MethodDelete, "/api/threads/"+thread.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assertErrorBody(t, f.do(t, http.MethodGet, "/api/threads/"+thread.ID, nil), http.StatusNotFound, "not_found")
}

func TestThreads_Validation(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.newThread(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown model on create", http.MethodPost, "/api/threads", map[string]string{"model": "nope"}, http.StatusBadRequest},
		{"unknown model on patch", http.MethodPatch, "/api/threads/" + thread.ID, map[string]string{"model": "nope"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/threads", map[string]string{"colour": "red"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/threads?limit=-1", nil, http.StatusBadRequest},
		{"bad before", http.MethodGet, "/api/threads?before=yesterday", nil, http.StatusBadRequest},
		{"bad usage days", http.MethodGet, "/api/usage?days=0", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.status)
			}
		})
	}
}

func TestThreads_OwnerOnly(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.newThread(t)

	_, other, err := auth.CreateUser(context.Background(), f.store, "Eve", "")
	require.NoError(t, err)
	f.token = other

	for _, path := range []string{"/api/threads/" + thread.ID, "/api/threads/" + thread.ID + "/messages"} {
		assertErrorBody(t, f.do(t, http.MethodGet, path, nil), http.StatusNotFound, "not_found")
	}
	assertErrorBody(t, f.do(t, http.MethodDelete, "/api/threads/"+thread.ID, nil), http.StatusNotFound, "not_found")
}

// =============================================================================
// CHAT STREAM
// =============================================================================

func TestHandleChat_StreamsEvents(t *testing.T) {
	usage := model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	f := newFixture(t, []llmtest.Step{
		llmtest.Reasoning("Hmm."),
		llmtest.Text("Hel"),
		llmtest.Text("lo"),
		llmtest.Usage(usage),
		llmtest.Done("stop"),
	})
	thread := f.newThread(t)

	resp := f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]string{"content": "Hi there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp)
	assert.Equal(t, []string{"start", "reasoning", "text", "text", "usage", "done"}, names(events))

	var start StartPayload
	require.NoError(t, json.Unmarshal(events[0].data, &start))
	assert.Equal(t, thread.ID, start.ThreadID)
	require.NotNil(t, start.UserMessage)
	assert.Equal(t, "Hi there", start.UserMessage.Content)
	assert.Equal(t, model.StatusPending, start.Message.Status)

	var delta DeltaPayload
	require.NoError(t, json.Unmarshal(events[2].data, &delta))
	assert.Equal(t, "Hel", delta.Text)

	var final FinalPayload
	require.NoError(t, json.Unmarshal(events[5].data, &final))
	assert.Equal(t, model.StatusDone, final.Message.Status)
	assert.Equal(t, "Hello", final.Message.Content)
	assert.Equal(t, "Hmm.", final.Message.Reasoning)
	assert.Equal(t, int64(20), final.Message.Usage.CostMicros)

	resp = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[MessagesResponse](t, resp)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, model.RoleUser, history.Messages[0].Role)
	assert.Equal(t, "Hello", history.Messages[1].Content)

	resp = f.do(t, http.MethodGet, "/api/usage?days=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[storage.UsageSummary](t, resp)
	assert.Equal(t, 1, summary.Generations)
	assert.Equal(t, 15, summary.Total.TotalTokens)
}

func TestHandleChat_Errors(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, []llmtest.Step{llmtest.Text("x"), llmtest.Block(release)})
	thread := f.newThread(t)

	assertErrorBody(t, f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]string{"content": "   "}),
		http.StatusBadRequest, "invalid_request_error")
	assertErrorBody(t, f.do(t, http.MethodPost, "/api/threads/"+model.NewID()+"/chat", map[string]string{"content": "hi"}),
		http.StatusNotFound, "not_found")
	assertErrorBody(t, f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]any{"content": "hi", "attachments": []string{"missing"}}),
		http.StatusBadRequest, "invalid_request_error")

	gen, err := f.chat.Send(context.Background(), chat.SendRequest{UserID: f.user.ID, ThreadID: thread.ID, Content: "first"})
	require.NoError(t, err)
	defer gen.Detach()

	assertErrorBody(t, f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]string{"content": "second"}),
		http.StatusConflict, "conflict")
	assertErrorBody(t, f.do(t, http.MethodDelete, "/api/threads/"+thread.ID, nil), http.StatusConflict, "conflict")
}

func TestHandleChat_DisconnectAborts(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, []llmtest.Step{llmtest.Text("partial"), llmtest.Block(block)})
	thread := f.newThread(t)

	ctx, cancel := context.WithCancel(context.Background())
	resp := f.request(t, ctx, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]string{"content": "Hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var messageID string
	sc := llm.NewSSEScanner(resp.Body)
	for sc.Next() {
		ev := sc.Event()
		if ev.Event == "start" {
			var start StartPayload
			require.NoError(t, json.Unmarshal(ev.Data, &start))
			messageID = start.Message.ID
		}
		if ev.Event == "text" {
			break
		}
	}
	require.NotEmpty(t, messageID)
	cancel()
	resp.Body.Close()

	m := f.waitStatus(t, messageID, model.StatusAborted)
	assert.Equal(t, "partial", m.Content)
	assert.Equal(t, "client disconnected", m.Error)

	assert.Eventually(t, func() bool {
		got, err := f.store.GetThread(context.Background(), f.user.ID, thread.ID)
		return err == nil && got.Status == model.ThreadIdle
	}, 5*time.Second, 10*time.Millisecond, "thread returns to idle")
}

func TestHandleAbort(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, []llmtest.Step{llmtest.Text("so far"), llmtest.Block(block)})
	thread := f.newThread(t)

	gen, err := f.chat.Send(context.Background(), chat.SendRequest{UserID: f.user.ID, ThreadID: thread.ID, Content: "Hi"})
	require.NoError(t, err)
	defer gen.Detach()
	id := gen.Message.ID

	owner := f.token
	_, other, err := auth.CreateUser(context.Background(), f.store, "Eve", "")
	require.NoError(t, err)
	f.token = other
	assertErrorBody(t, f.do(t, http.MethodPost, "/api/messages/"+id+"/abort", nil), http.StatusNotFound, "not_found")

	f.token = owner
	resp := f.do(t, http.MethodPost, "/api/messages/"+id+"/abort", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-gen.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish after abort")
	}
	m := f.waitStatus(t, id, model.StatusAborted)
	assert.Equal(t, "stopped by user", m.Error)

	assertErrorBody(t, f.do(t, http.MethodPost, "/api/messages/"+id+"/abort", nil), http.StatusConflict, "conflict")
}

func TestHandleResume(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, []llmtest.Step{llmtest.Text("Hello"), llmtest.Block(release), llmtest.Text(" world"), llmtest.Done("stop")})
	thread := f.newThread(t)

	gen, err := f.chat.Send(context.Background(), chat.SendRequest{UserID: f.user.ID, ThreadID: thread.ID, Content: "Hi"})
	require.NoError(t, err)
	defer gen.Detach()
	id := gen.Message.ID
	f.waitStatus(t, id, model.StatusStreaming)

	resp := f.do(t, http.MethodGet, "/api/messages/"+id+"/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	close(release)
	events := readEvents(t, resp)

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "start", events[0].name)
	assert.Equal(t, "done", events[len(events)-1].name)

	var text strings.Builder
	for _, ev := range events {
		if ev.name == "text" {
			var d DeltaPayload
			require.NoError(t, json.Unmarshal(ev.data, &d))
			text.WriteString(d.Text)
		}
	}
	assert.Equal(t, "Hello world", text.String())

	// Once finished, the stored message comes back as one terminal event.
	resp = f.do(t, http.MethodGet, "/api/messages/"+id+"/stream", nil)
	events = readEvents(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].name)
	var final FinalPayload
	require.NoError(t, json.Unmarshal(events[0].data, &final))
	assert.Equal(t, "Hello world", final.Message.Content)

	assertErrorBody(t, f.do(t, http.MethodGet, "/api/messages/"+model.NewID()+"/stream", nil), http.StatusNotFound, "not_found")
}

func TestHandleResume_PendingNotLive(t *testing.T) {
	f := newFixture(t, nil)
	thread := f.newThread(t)

	// A placeholder this process is not generating, e.g. one written by
	// another instance sharing the database.
	pending := model.NewAssistantPlaceholder(thread.ID, f.user.ID, testModel)
	require.NoError(t, f.store.CreateMessage(context.Background(), pending))

	resp := f.do(t, http.MethodGet, "/api/messages/"+pending.ID+"/stream", nil)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.NotEqual(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assertErrorBody(t, resp, http.StatusConflict, "conflict")
}

func TestDeleteThread_WhileGenerating(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, []llmtest.Step{llmtest.Text("x"), llmtest.Block(release), llmtest.Done("stop")})
	thread := f.newThread(t)

	gen, err := f.chat.Send(context.Background(), chat.SendRequest{UserID: f.user.ID, ThreadID: thread.ID, Content: "Hi"})
	require.NoError(t, err)
	defer gen.Detach()

	assertErrorBody(t, f.do(t, http.MethodDelete, "/api/threads/"+thread.ID, nil), http.StatusConflict, "conflict")
	_, err = f.store.GetMessage(context.Background(), gen.Message.ID)
	require.NoError(t, err, "the live reply is kept")

	close(release)
	select {
	case <-gen.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finish")
	}
	f.waitStatus(t, gen.Message.ID, model.StatusDone)

	resp := f.do(t, http.MethodDelete, "/api/threads/"+thread.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func (f *fixture) upload(t *testing.T, name string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("purpose", "chat"))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/attachments", &body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestAttachments_UploadAndDownload(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.upload(t, "../../cat.png", pngHeader)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	att := decode[model.Attachment](t, resp)
	assert.Equal(t, "cat.png", att.Name)
	assert.Equal(t, "image/png", att.MediaType)
	assert.Equal(t, int64(len(pngHeader)), att.Size)

	resp = f.do(t, http.MethodGet, "/api/attachments/"+att.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "cat.png")
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)

	_, other, err := auth.CreateUser(context.Background(), f.store, "Eve", "")
	require.NoError(t, err)
	f.token = other
	assertErrorBody(t, f.do(t, http.MethodGet, "/api/attachments/"+att.ID, nil), http.StatusNotFound, "not_found")
}

func TestAttachments_Rejected(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.upload(t, "notes.txt", []byte{0x00, 0x01, 0x02, 0xff, 0xfe})
	assertErrorBody(t, resp, http.StatusUnsupportedMediaType, "invalid_request_error")

	resp = f.upload(t, "big.txt", bytes.Repeat([]byte("a"), 8192))
	assertErrorBody(t, resp, http.StatusRequestEntityTooLarge, "invalid_request_error")

	resp = f.upload(t, "empty.txt", nil)
	assertErrorBody(t, resp, http.StatusBadRequest, "invalid_request_error")
}

func TestAttachments_UsedInChat(t *testing.T) {
	f := newFixture(t, []llmtest.Step{llmtest.Text("Read it."), llmtest.Done("stop")})
	thread := f.newThread(t)

	resp := f.upload(t, "notes.md", []byte("# Shopping\n- eggs\n"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	att := decode[model.Attachment](t, resp)
	assert.Equal(t, "text/markdown", att.MediaType)

	resp = f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]any{
		"content":     "Summarise",
		"attachments": []string{att.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp)
	assert.Equal(t, "done", events[len(events)-1].name)

	reqs := f.provider.Requests()
	require.NotEmpty(t, reqs)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Contains(t, last.Content, "- eggs")
}

// =============================================================================
// EXPORT TESTS
// =============================================================================

func TestExportThread(t *testing.T) {
	f := newFixture(t, []llmtest.Step{
		llmtest.Reasoning("Thinking it over."),
		llmtest.Text("Use a <select> statement."),
		llmtest.Done("stop"),
	})
	thread := f.newThread(t)

	resp := f.do(t, http.MethodPost, "/api/threads/"+thread.ID+"/chat", map[string]string{"content": "How do I wait on two channels?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readEvents(t, resp)

	resp = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".md")
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "How do I wait on two channels?")
	assert.Contains(t, string(body), "Use a <select> statement.")
	assert.NotContains(t, string(body), "Thinking it over.")

	resp = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/export?format=html&reasoning=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "Use a &lt;select&gt; statement.")
	assert.Contains(t, string(body), "Thinking it over.")

	resp = f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/export?format=json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc struct {
		Messages []model.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	assert.Len(t, doc.Messages, 2)

	assertErrorBody(t, f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/export?format=pdf", nil),
		http.StatusBadRequest, "invalid_request_error")
	assertErrorBody(t, f.do(t, http.MethodGet, "/api/threads/"+thread.ID+"/export?reasoning=maybe", nil),
		http.StatusBadRequest, "invalid_request_error")
	assertErrorBody(t, f.do(t, http.MethodGet, "/api/threads/missing/export", nil),
		http.StatusNotFound, "not_found")
}
