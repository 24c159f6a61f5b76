// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/util"
)

// maxInlineTextRunes bounds a text attachment inlined into the prompt.
const maxInlineTextRunes = 100000

// BlobReader loads attachment bytes by digest. blob.Store implements it.
type BlobReader interface {
	Get(digest string) ([]byte, error)
}

// selectHistory picks the messages sent to the model: messages that
// belong in context, oldest first, newest kept, bounded by count and
// characters. The newest message is always included. Leading assistant
// turns are dropped so the window opens with a user message.
func selectHistory(msgs []*model.Message, maxMessages, maxChars int) []*model.Message {
	var eligible []*model.Message
	for _, m := range msgs {
		if m.InContext() {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	start := len(eligible) - 1
	chars := util.RuneLen(eligible[start].Content)
	for i := start - 1; i >= 0; i-- {
		if len(eligible)-i > maxMessages {
			break
		}
		c := util.RuneLen(eligible[i].Content)
		if chars+c > maxChars {
			break
		}
		chars += c
		start = i
	}

	window := eligible[start:]
	for len(window) > 1 && window[0].Role == model.RoleAssistant {
		window = window[1:]
	}
	return window
}

// buildMessages converts stored messages to provider messages, loading
// attachments. Text attachments are inlined; images are passed through
// for vision models and replaced by a note otherwise.
func (s *Service) buildMessages(ctx context.Context, userID string, msgs []*model.Message, vision bool) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{Role: m.Role, Content: m.Content}

		var notes []string
		for _, ref := range m.Attachments {
			att, err := s.store.GetAttachment(ctx, userID, ref.ID)
			if err != nil {
				s.logger.Warn("ATTACHMENT_LOAD_FAILED", zap.String("attachment", ref.ID), zap.Error(err))
				continue
			}

			switch {
			case att.IsImage() && vision:
				data, err := s.readBlob(att)
				if err != nil {
					continue
				}
				lm.Images = append(lm.Images, llm.Image{MediaType: att.MediaType, Data: data})
			case att.IsImage():
				notes = append(notes, fmt.Sprintf("[Image %q omitted: this model cannot view images]", att.Name))
			case att.IsText():
				data, err := s.readBlob(att)
				if err != nil {
					continue
				}
				text := util.TruncateRunes(strings.ToValidUTF8(string(data), "�"), maxInlineTextRunes)
				notes = append(notes, fmt.Sprintf("<attachment name=%q>\n%s\n</attachment>", att.Name, text))
			default:
				notes = append(notes, fmt.Sprintf("[Attachment %q (%s) cannot be read by this model]", att.Name, att.MediaType))
			}
		}

		if len(notes) > 0 {
			parts := append([]string{}, notes...)
			if lm.Content != "" {
				parts = append(parts, lm.Content)
			}
			lm.Content = strings.Join(parts, "\n\n")
		}
		out = append(out, lm)
	}
	return out
}

func (s *Service) readBlob(att *model.Attachment) ([]byte, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("no blob store configured")
	}
	data, err := s.blobs.Get(att.Digest)
	if err != nil {
		s.logger.Warn("ATTACHMENT_READ_FAILED",
			zap.String("attachment", att.ID),
			zap.String("digest", att.Digest),
			zap.Error(err))
		return nil, err
	}
	return data, nil
}

// hasFinishedReply reports whether msgs hold a completed assistant reply
// other than exclude.
func hasFinishedReply(msgs []*model.Message, exclude string) bool {
	for _, m := range msgs {
		if m.ID != exclude && m.Role == model.RoleAssistant && m.Status == model.StatusDone {
			return true
		}
	}
	return false
}

// titleText is what a thread is titled from: the message text, or its
// attachment names when the message has none.
func titleText(m *model.Message) string {
	if strings.TrimSpace(m.Content) != "" || len(m.Attachments) == 0 {
		return m.Content
	}
	names := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}
