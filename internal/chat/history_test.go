// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/openyap/internal/model"
)

func msg(role model.Role, status model.MessageStatus, content string) *model.Message {
	return &model.Message{ID: model.NewID(), Role: role, Status: status, Content: content}
}

func contents(msgs []*model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSelectHistory(t *testing.T) {
	conversation := []*model.Message{
		msg(model.RoleUser, model.StatusDone, "q1"),
		msg(model.RoleAssistant, model.StatusDone, "a1"),
		msg(model.RoleUser, model.StatusDone, "q2"),
		msg(model.RoleAssistant, model.StatusError, ""),
		msg(model.RoleUser, model.StatusDone, "q3"),
		msg(model.RoleAssistant, model.StatusAborted, "a3 partial"),
		msg(model.RoleUser, model.StatusDone, "q4"),
		msg(model.RoleAssistant, model.StatusPending, ""),
	}

	tests := []struct {
		name        string
		maxMessages int
		maxChars    int
		want        []string
	}{
		{"everything fits", 50, 1000, []string{"q1", "a1", "q2", "q3", "a3 partial", "q4"}},
		{"count bound", 4, 1000, []string{"q2", "q3", "a3 partial", "q4"}},
		{"count bound drops leading assistant", 2, 1000, []string{"q4"}},
		{"char bound", 50, 14, []string{"q3", "a3 partial", "q4"}},
		{"char bound drops leading assistant", 50, 13, []string{"q4"}},
		{"newest always kept", 1, 1, []string{"q4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectHistory(conversation, tt.maxMessages, tt.maxChars)
			assert.Equal(t, tt.want, contents(got))
		})
	}
}

func TestSelectHistory_Empty(t *testing.T) {
	assert.Nil(t, selectHistory(nil, 10, 10))
	assert.Nil(t, selectHistory([]*model.Message{msg(model.RoleAssistant, model.StatusError, "")}, 10, 10))
}

func TestSelectHistory_LongNewest(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := selectHistory([]*model.Message{
		msg(model.RoleUser, model.StatusDone, "earlier"),
		msg(model.RoleUser, model.StatusDone, long),
	}, 10, 10)
	assert.Equal(t, []string{long}, contents(got))
}
