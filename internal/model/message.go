// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// =============================================================================
// MESSAGE STATUS
// =============================================================================

// MessageStatus is the generation state of a message.
type MessageStatus string

const (
	// StatusPending is an assistant placeholder that has not received tokens yet.
	StatusPending MessageStatus = "pending"
	// StatusStreaming means output is arriving and being persisted incrementally.
	StatusStreaming MessageStatus = "streaming"
	// StatusDone means generation completed normally.
	StatusDone MessageStatus = "done"
	// StatusError means generation failed; partial output may be kept.
	StatusError MessageStatus = "error"
	// StatusAborted means generation was cancelled; partial output is kept.
	StatusAborted MessageStatus = "aborted"
)

// String returns the string representation of the status.
func (s MessageStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further writes may change the message.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusAborted
}

// IsLive reports whether a generation is still in flight for the message.
func (s MessageStatus) IsLive() bool {
	return s == StatusPending || s == StatusStreaming
}

// =============================================================================
// USAGE
// =============================================================================

// Usage holds token counts and cost for a generation.
// CostMicros is the cost in millionths of a US dollar.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	ReasoningTokens  int   `json:"reasoning_tokens,omitempty"`
	TotalTokens      int   `json:"total_tokens"`
	CostMicros       int64 `json:"cost_micros,omitempty"`
}

// Add returns the sum of u and other. TotalTokens is recomputed when the
// sources did not report one.
func (u Usage) Add(other Usage) Usage {
	sum := Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CostMicros:       u.CostMicros + other.CostMicros,
	}
	if computed := sum.PromptTokens + sum.CompletionTokens; sum.TotalTokens < computed {
		sum.TotalTokens = computed
	}
	return sum
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.ReasoningTokens == 0 && u.TotalTokens == 0
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a thread.
type Message struct {
	// Identity
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`

	// Content
	Content     string          `json:"content"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`

	// Generation state (assistant messages)
	Model        string        `json:"model,omitempty"`
	Status       MessageStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewUserMessage creates a completed user message in thread threadID.
func NewUserMessage(threadID, userID, content string, attachments []AttachmentRef) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:          NewID(),
		ThreadID:    threadID,
		UserID:      userID,
		Role:        RoleUser,
		Content:     content,
		Attachments: attachments,
		Status:      StatusDone,
		CreatedAt:   now,
		UpdatedAt:   now,
		FinishedAt:  &now,
	}
}

// NewAssistantPlaceholder creates the pending assistant message that a
// generation streams into.
func NewAssistantPlaceholder(threadID, userID, modelID string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:        NewID(),
		ThreadID:  threadID,
		UserID:    userID,
		Role:      RoleAssistant,
		Model:     modelID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Preview returns the first maxRunes runes of the content on a single line.
func (m *Message) Preview(maxRunes int) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	runes := []rune(content)
	if maxRunes <= 0 || len(runes) <= maxRunes {
		return content
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// InContext reports whether the message should be sent to the model as
// history. Failed and empty assistant turns are skipped.
func (m *Message) InContext() bool {
	switch m.Role {
	case RoleUser, RoleSystem:
		return m.Content != "" || len(m.Attachments) > 0
	case RoleAssistant:
		if m.Content == "" {
			return false
		}
		return m.Status == StatusDone || m.Status == StatusAborted
	default:
		return false
	}
}

// NewID returns a new random identifier.
func NewID() string {
	return uuid.NewString()
}
