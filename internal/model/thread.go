// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxTitleRunes is the longest thread title kept after sanitising.
const MaxTitleRunes = 80

// DefaultTitle is shown for threads that have not been titled yet.
const DefaultTitle = "New chat"

// =============================================================================
// USER
// =============================================================================

// User is an account that owns threads.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// THREAD
// =============================================================================

// ThreadStatus reports whether a generation is in flight for a thread.
type ThreadStatus string

const (
	ThreadIdle       ThreadStatus = "idle"
	ThreadGenerating ThreadStatus = "generating"
)

// Thread is a chat conversation owned by a user.
type Thread struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Title     string       `json:"title"`
	Model     string       `json:"model"`
	Pinned    bool         `json:"pinned"`
	Status    ThreadStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewThread creates an idle, untitled thread.
func NewThread(userID, modelID string) *Thread {
	now := time.Now().UTC()
	return &Thread{
		ID:        NewID(),
		UserID:    userID,
		Model:     modelID,
		Status:    ThreadIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DisplayTitle returns the title, or DefaultTitle when none is set.
func (t *Thread) DisplayTitle() string {
	if strings.TrimSpace(t.Title) == "" {
		return DefaultTitle
	}
	return t.Title
}

// IsGenerating reports whether the thread has a live generation.
func (t *Thread) IsGenerating() bool {
	return t.Status == ThreadGenerating
}

// =============================================================================
// TITLE SANITISING
// =============================================================================

// SanitizeTitle normalises s to NFC, strips quotes and markdown heading
// markers a model tends to add, collapses whitespace onto one line and
// truncates to MaxTitleRunes.
func SanitizeTitle(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimLeft(s, "# ")
	s = strings.TrimPrefix(s, "Title:")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`*“”‘’")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > MaxTitleRunes {
		s = strings.TrimSpace(string(runes[:MaxTitleRunes-1])) + "…"
	}
	return s
}
