// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/openyap/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a record doesn't exist or isn't visible
	// to the requesting user.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write conflicts with current state,
	// for example claiming a thread that is already generating.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyFinal is returned when writing to a message that already
	// reached a terminal status.
	ErrAlreadyFinal = errors.New("message already finalized")
)

// =============================================================================
// WRITE TYPES
// =============================================================================

// ListOptions controls thread listing.
type ListOptions struct {
	// Limit caps the number of threads; 0 means DefaultListLimit
	Limit int
	// Before returns only threads updated before this time (pagination)
	Before time.Time
	// Query filters threads whose title contains the text (case-insensitive)
	Query string
}

// DefaultListLimit is used when ListOptions.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit bounds ListOptions.Limit.
const MaxListLimit = 200

// EffectiveLimit returns the limit clamped to [1, MaxListLimit].
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// ThreadPatch is a partial update of a thread. Nil fields are left unchanged.
type ThreadPatch struct {
	Title  *string
	Pinned *bool
	Model  *string
}

// StreamPatch is a partial write of an assistant message while it streams.
// Content and Reasoning replace the stored values (they are the full text
// accumulated so far, not a delta).
type StreamPatch struct {
	Status    model.MessageStatus
	Content   string
	Reasoning string
	Usage     *model.Usage
}

// Final is the terminal state of an assistant message.
type Final struct {
	Status       model.MessageStatus
	Content      string
	Reasoning    string
	Usage        model.Usage
	Error        string
	FinishReason string
	FinishedAt   time.Time
}

// UsageRecord is one billable generation.
type UsageRecord struct {
	UserID    string
	ThreadID  string
	MessageID string
	Model     string
	Usage     model.Usage
	CreatedAt time.Time
}

// ModelUsage aggregates usage for one model.
type ModelUsage struct {
	Model       string      `json:"model"`
	Generations int         `json:"generations"`
	Usage       model.Usage `json:"usage"`
}

// UsageSummary aggregates a user's usage since a point in time.
type UsageSummary struct {
	Since       time.Time    `json:"since"`
	Generations int          `json:"generations"`
	Total       model.Usage  `json:"total"`
	ByModel     []ModelUsage `json:"by_model"`
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists openyap data. Implementations must be safe for concurrent use.
type Store interface {
	// Users and API tokens
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateToken(ctx context.Context, userID, tokenHash string) error
	UserByToken(ctx context.Context, tokenHash string) (*model.User, error)
	DeleteToken(ctx context.Context, tokenHash string) error

	// Threads
	CreateThread(ctx context.Context, t *model.Thread) error
	GetThread(ctx context.Context, userID, id string) (*model.Thread, error)
	ListThreads(ctx context.Context, userID string, opts ListOptions) ([]*model.Thread, error)
	UpdateThread(ctx context.Context, userID, id string, patch ThreadPatch) (*model.Thread, error)
	// ClaimThread moves an idle thread to generating; ErrConflict if it is busy.
	ClaimThread(ctx context.Context, userID, id string) error
	SetThreadStatus(ctx context.Context, id string, status model.ThreadStatus) error
	// DeleteThread removes an idle thread with its messages; ErrConflict
	// while it is generating.
	DeleteThread(ctx context.Context, userID, id string) error

	// Messages
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, threadID string) ([]*model.Message, error)
	UpdateMessageStream(ctx context.Context, id string, patch StreamPatch) error
	FinalizeMessage(ctx context.Context, id string, final Final) error
	// MarkStaleStreams finalizes pending/streaming messages last updated
	// before olderThan as error with reason, resets their threads to idle,
	// and returns the number of messages changed.
	MarkStaleStreams(ctx context.Context, olderThan time.Time, reason string) (int, error)

	// Attachments
	CreateAttachment(ctx context.Context, a *model.Attachment) error
	GetAttachment(ctx context.Context, userID, id string) (*model.Attachment, error)

	// Usage
	RecordUsage(ctx context.Context, rec UsageRecord) error
	UsageSummary(ctx context.Context, userID string, since time.Time) (*UsageSummary, error)

	Close() error
}

// Validate checks that the patch writes a live status.
func (p StreamPatch) Validate() error {
	if !p.Status.IsLive() {
		return fmt.Errorf("stream patch status %q is not live", p.Status)
	}
	return nil
}

// Validate checks that the final state is terminal.
func (f Final) Validate() error {
	if !f.Status.IsTerminal() {
		return fmt.Errorf("final status %q is not terminal", f.Status)
	}
	return nil
}
