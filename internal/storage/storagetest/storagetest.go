// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storagetest is a conformance suite run against every
// storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"UsersAndTokens", testUsersAndTokens},
		{"ThreadLifecycle", testThreadLifecycle},
		{"ListThreadsOrder", testListThreadsOrder},
		{"ClaimThread", testClaimThread},
		{"MessageOrder", testMessageOrder},
		{"StreamNeverOverwritesTerminal", testStreamNeverOverwritesTerminal},
		{"FinalizeOnce", testFinalizeOnce},
		{"ConcurrentFinalize", testConcurrentFinalize},
		{"MarkStaleStreams", testMarkStaleStreams},
		{"Attachments", testAttachments},
		{"Usage", testUsage},
		{"DeleteThreadCascades", testDeleteThreadCascades},
		{"DeleteThreadWhileGenerating", testDeleteThreadWhileGenerating},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

func newUser(t *testing.T, s storage.Store, email string) *model.User {
	t.Helper()
	u := &model.User{ID: model.NewID(), Name: "Test " + email, Email: email, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func newThread(t *testing.T, s storage.Store, userID, title string) *model.Thread {
	t.Helper()
	th := model.NewThread(userID, "openai/gpt-4o-mini")
	th.Title = title
	require.NoError(t, s.CreateThread(context.Background(), th))
	return th
}

func newPlaceholder(t *testing.T, s storage.Store, th *model.Thread) *model.Message {
	t.Helper()
	m := model.NewAssistantPlaceholder(th.ID, th.UserID, th.Model)
	require.NoError(t, s.CreateMessage(context.Background(), m))
	return m
}

func testUsersAndTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "ada@example.com")

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	dup := &model.User{ID: model.NewID(), Name: "Dup", Email: u.Email, CreatedAt: time.Now()}
	assert.ErrorIs(t, s.CreateUser(ctx, dup), storage.ErrConflict)

	require.NoError(t, s.CreateToken(ctx, u.ID, "hash-1"))
	got, err = s.UserByToken(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	require.NoError(t, s.DeleteToken(ctx, "hash-1"))
	_, err = s.UserByToken(ctx, "hash-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteToken(ctx, "hash-1"), storage.ErrNotFound)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testThreadLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice := newUser(t, s, "alice@example.com")
	bob := newUser(t, s, "bob@example.com")
	th := newThread(t, s, alice.ID, "")

	got, err := s.GetThread(ctx, alice.ID, th.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadIdle, got.Status)

	_, err = s.GetThread(ctx, bob.ID, th.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "threads are private to their owner")

	title, pinned := "Renamed", true
	updated, err := s.UpdateThread(ctx, alice.ID, th.ID, storage.ThreadPatch{Title: &title, Pinned: &pinned})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.True(t, updated.Pinned)
	assert.Equal(t, th.Model, updated.Model, "nil patch fields are unchanged")

	_, err = s.UpdateThread(ctx, bob.ID, th.ID, storage.ThreadPatch{Title: &title})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetThreadStatus(ctx, th.ID, model.ThreadGenerating))
	got, err = s.GetThread(ctx, alice.ID, th.ID)
	require.NoError(t, err)
	assert.True(t, got.IsGenerating())

	assert.ErrorIs(t, s.DeleteThread(ctx, bob.ID, th.ID), storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteThread(ctx, alice.ID, th.ID), storage.ErrConflict)
	require.NoError(t, s.SetThreadStatus(ctx, th.ID, model.ThreadIdle))
	require.NoError(t, s.DeleteThread(ctx, alice.ID, th.ID))
	_, err = s.GetThread(ctx, alice.ID, th.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListThreadsOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "list@example.com")

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	var ids []string
	for i, title := range []string{"Oldest", "Middle", "Newest 100%"} {
		th := model.NewThread(u.ID, "m")
		th.Title = title
		th.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		th.UpdatedAt = th.CreatedAt
		require.NoError(t, s.CreateThread(ctx, th))
		ids = append(ids, th.ID)
	}
	pinned := true
	// Pinning bumps updated_at, so pin the oldest to check pinned-first ordering.
	_, err := s.UpdateThread(ctx, u.ID, ids[0], storage.ThreadPatch{Pinned: &pinned})
	require.NoError(t, err)

	list, err := s.ListThreads(ctx, u.ID, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[0], list[0].ID, "pinned thread first")
	assert.Equal(t, ids[2], list[1].ID)
	assert.Equal(t, ids[1], list[2].ID)

	list, err = s.ListThreads(ctx, u.ID, storage.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListThreads(ctx, u.ID, storage.ListOptions{Query: "100%"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID)

	list, err = s.ListThreads(ctx, u.ID, storage.ListOptions{Before: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[1], list[0].ID)

	other := newUser(t, s, "other@example.com")
	list, err = s.ListThreads(ctx, other.ID, storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testClaimThread(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "claim@example.com")
	th := newThread(t, s, u.ID, "")

	require.NoError(t, s.ClaimThread(ctx, u.ID, th.ID))
	assert.ErrorIs(t, s.ClaimThread(ctx, u.ID, th.ID), storage.ErrConflict)
	assert.ErrorIs(t, s.ClaimThread(ctx, "someone-else", th.ID), storage.ErrNotFound)

	require.NoError(t, s.SetThreadStatus(ctx, th.ID, model.ThreadIdle))
	require.NoError(t, s.ClaimThread(ctx, u.ID, th.ID))
}

func testMessageOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "order@example.com")
	th := newThread(t, s, u.ID, "")

	refs := []model.AttachmentRef{{ID: "att-1", Name: "notes.txt", MediaType: "text/plain"}}
	user := model.NewUserMessage(th.ID, u.ID, "hello", refs)
	require.NoError(t, s.CreateMessage(ctx, user))
	// Same millisecond as the user message on fast machines.
	placeholder := model.NewAssistantPlaceholder(th.ID, u.ID, th.Model)
	placeholder.CreatedAt = user.CreatedAt
	require.NoError(t, s.CreateMessage(ctx, placeholder))

	msgs, err := s.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, user.ID, msgs[0].ID)
	assert.Equal(t, placeholder.ID, msgs[1].ID)
	assert.Equal(t, refs, msgs[0].Attachments)
	assert.NotNil(t, msgs[0].FinishedAt)
	assert.Equal(t, model.StatusPending, msgs[1].Status)
	assert.Nil(t, msgs[1].FinishedAt)

	orphan := model.NewUserMessage("no-such-thread", u.ID, "hi", nil)
	assert.ErrorIs(t, s.CreateMessage(ctx, orphan), storage.ErrNotFound)
}

func testStreamNeverOverwritesTerminal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "stream@example.com")
	th := newThread(t, s, u.ID, "")
	m := newPlaceholder(t, s, th)

	require.NoError(t, s.UpdateMessageStream(ctx, m.ID, storage.StreamPatch{
		Status: model.StatusStreaming, Content: "Hel", Reasoning: "thinking",
	}))
	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hel", got.Content)
	assert.Equal(t, "thinking", got.Reasoning)
	assert.Equal(t, model.StatusStreaming, got.Status)

	usage := model.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
	require.NoError(t, s.FinalizeMessage(ctx, m.ID, storage.Final{
		Status: model.StatusDone, Content: "Hello", Reasoning: "thinking", Usage: usage, FinishReason: "stop",
	}))

	err = s.UpdateMessageStream(ctx, m.ID, storage.StreamPatch{Status: model.StatusStreaming, Content: "stale"})
	assert.ErrorIs(t, err, storage.ErrAlreadyFinal)

	got, err = s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, usage, got.Usage)
	assert.Equal(t, "stop", got.FinishReason)
	assert.NotNil(t, got.FinishedAt)

	err = s.UpdateMessageStream(ctx, "missing", storage.StreamPatch{Status: model.StatusStreaming})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.UpdateMessageStream(ctx, m.ID, storage.StreamPatch{Status: model.StatusDone})
	assert.Error(t, err, "stream patches must carry a live status")
}

func testFinalizeOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "final@example.com")
	th := newThread(t, s, u.ID, "")
	m := newPlaceholder(t, s, th)

	require.NoError(t, s.FinalizeMessage(ctx, m.ID, storage.Final{
		Status: model.StatusAborted, Content: "partial",
	}))
	err := s.FinalizeMessage(ctx, m.ID, storage.Final{Status: model.StatusDone, Content: "full"})
	assert.ErrorIs(t, err, storage.ErrAlreadyFinal)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAborted, got.Status)
	assert.Equal(t, "partial", got.Content)

	assert.Error(t, s.FinalizeMessage(ctx, m.ID, storage.Final{Status: model.StatusStreaming}))
	assert.ErrorIs(t, s.FinalizeMessage(ctx, "missing", storage.Final{Status: model.StatusDone}), storage.ErrNotFound)
}

func testConcurrentFinalize(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "race@example.com")
	th := newThread(t, s, u.ID, "")
	m := newPlaceholder(t, s, th)

	statuses := []model.MessageStatus{model.StatusDone, model.StatusAborted, model.StatusError, model.StatusDone}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, st := range statuses {
		wg.Add(1)
		go func(st model.MessageStatus) {
			defer wg.Done()
			err := s.FinalizeMessage(ctx, m.ID, storage.Final{Status: st})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, storage.ErrAlreadyFinal):
				t.Errorf("FinalizeMessage(%s) = %v", st, err)
			}
		}(st)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one finalize must succeed")
}

func testMarkStaleStreams(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "stale@example.com")

	th := newThread(t, s, u.ID, "")
	require.NoError(t, s.ClaimThread(ctx, u.ID, th.ID))
	live := newPlaceholder(t, s, th)
	require.NoError(t, s.UpdateMessageStream(ctx, live.ID, storage.StreamPatch{
		Status: model.StatusStreaming, Content: "half an ans",
	}))

	done := newThread(t, s, u.ID, "")
	finished := newPlaceholder(t, s, done)
	require.NoError(t, s.FinalizeMessage(ctx, finished.ID, storage.Final{Status: model.StatusDone, Content: "ok"}))

	n, err := s.MarkStaleStreams(ctx, time.Now().Add(time.Second), "generation interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetMessage(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "generation interrupted", got.Error)
	assert.Equal(t, "half an ans", got.Content, "partial output is kept")

	gotThread, err := s.GetThread(ctx, u.ID, th.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadIdle, gotThread.Status)

	got, err = s.GetMessage(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
}

func testAttachments(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "files@example.com")
	other := newUser(t, s, "intruder@example.com")

	a := &model.Attachment{
		ID: model.NewID(), UserID: u.ID, Name: "cat.png", MediaType: "image/png",
		Size: 1234, Digest: "abc123", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAttachment(ctx, a))

	got, err := s.GetAttachment(ctx, u.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, got.Digest)
	assert.Equal(t, int64(1234), got.Size)

	_, err = s.GetAttachment(ctx, other.ID, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUsage(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "usage@example.com")
	now := time.Now().UTC()

	records := []storage.UsageRecord{
		{UserID: u.ID, ThreadID: "t", MessageID: "m1", Model: "b", CreatedAt: now,
			Usage: model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CostMicros: 100}},
		{UserID: u.ID, ThreadID: "t", MessageID: "m2", Model: "a", CreatedAt: now,
			Usage: model.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, CostMicros: 1}},
		{UserID: u.ID, ThreadID: "t", MessageID: "m3", Model: "b", CreatedAt: now,
			Usage: model.Usage{PromptTokens: 10, CompletionTokens: 5, ReasoningTokens: 4, TotalTokens: 15, CostMicros: 100}},
		{UserID: u.ID, ThreadID: "t", MessageID: "old", Model: "b", CreatedAt: now.Add(-48 * time.Hour),
			Usage: model.Usage{PromptTokens: 1000, TotalTokens: 1000}},
	}
	for _, rec := range records {
		require.NoError(t, s.RecordUsage(ctx, rec))
	}

	summary, err := s.UsageSummary(ctx, u.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Generations)
	assert.Equal(t, 21, summary.Total.PromptTokens)
	assert.Equal(t, int64(201), summary.Total.CostMicros)
	require.Len(t, summary.ByModel, 2)
	assert.Equal(t, "a", summary.ByModel[0].Model)
	assert.Equal(t, 2, summary.ByModel[1].Generations)
	assert.Equal(t, 4, summary.ByModel[1].Usage.ReasoningTokens)

	empty, err := s.UsageSummary(ctx, "nobody", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Generations)
	assert.NotNil(t, empty.ByModel)
}

func testDeleteThreadCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "cascade@example.com")
	th := newThread(t, s, u.ID, "")
	m := newPlaceholder(t, s, th)

	require.NoError(t, s.DeleteThread(ctx, u.ID, th.ID))
	_, err := s.GetMessage(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	msgs, err := s.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testDeleteThreadWhileGenerating(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := newUser(t, s, "busy@example.com")
	th := newThread(t, s, u.ID, "")
	require.NoError(t, s.ClaimThread(ctx, u.ID, th.ID))
	m := newPlaceholder(t, s, th)

	assert.ErrorIs(t, s.DeleteThread(ctx, u.ID, th.ID), storage.ErrConflict)
	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err, "live placeholder survives")
	assert.Equal(t, model.StatusPending, got.Status)

	assert.ErrorIs(t, s.DeleteThread(ctx, u.ID, "missing"), storage.ErrNotFound)
}
