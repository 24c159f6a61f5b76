// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/util"
)

const (
	titleTimeout      = 30 * time.Second
	titleMaxTokens    = 32
	titlePromptRunes  = 2000
	fallbackTitleRune = 50
)

const titleSystemPrompt = `You write titles for chat conversations.
Reply with a title of at most six words that summarises the user's first message.
Reply with the title only: no quotes, no punctuation at the end, no explanation.`

// TitleGenerator names threads from their first message.
type TitleGenerator struct {
	registry *llm.Registry
	// model is the title model; empty uses the thread's model.
	model  string
	logger *zap.Logger
}

// NewTitleGenerator creates a generator that asks titleModel, or the
// thread's own model when titleModel is empty.
func NewTitleGenerator(registry *llm.Registry, titleModel string, logger *zap.Logger) *TitleGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TitleGenerator{registry: registry, model: titleModel, logger: logger}
}

// Generate returns a sanitised title for a conversation that starts with
// firstMessage. It falls back to the first line of the message when the
// model fails, and returns "" only when there is no text at all.
func (g *TitleGenerator) Generate(ctx context.Context, firstMessage, threadModel string) string {
	fallback := model.SanitizeTitle(util.TruncateRunes(util.FirstLine(firstMessage), fallbackTitleRune))
	if fallback == "" {
		return ""
	}

	modelID := g.model
	if modelID == "" {
		modelID = threadModel
	}
	resolved, err := g.registry.Resolve(modelID)
	if err != nil {
		g.logger.Debug("TITLE_MODEL_UNAVAILABLE", zap.String("model", modelID), zap.Error(err))
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	resp, err := resolved.Provider.Complete(ctx, llm.Request{
		Model:     resolved.Upstream(),
		System:    titleSystemPrompt,
		Messages:  []llm.Message{{Role: model.RoleUser, Content: util.TruncateRunes(firstMessage, titlePromptRunes)}},
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		g.logger.Warn("TITLE_GENERATION_FAILED", zap.String("model", modelID), zap.Error(err))
		return fallback
	}

	title := model.SanitizeTitle(util.FirstLine(resp.Content))
	if title == "" {
		return fallback
	}
	return title
}
