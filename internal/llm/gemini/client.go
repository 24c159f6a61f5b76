// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini implements llm.Provider on top of google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
)

// ProviderName is the catalog provider name.
const ProviderName = model.ProviderGemini

// Client generates content with the Gemini API.
type Client struct {
	client *genai.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Client)(nil)

// Option configures the underlying genai client.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(cc *genai.ClientConfig) { cc.HTTPOptions.BaseURL = url }
}

// WithHTTPClient replaces the HTTP client used by genai.
func WithHTTPClient(hc *http.Client) Option {
	return func(cc *genai.ClientConfig) { cc.HTTPClient = hc }
}

// New creates a Gemini client. It returns llm.ErrNotConfigured when apiKey
// is empty.
func New(ctx context.Context, apiKey string, logger *zap.Logger, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", llm.ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Client{client: client, logger: logger.Named("gemini")}, nil
}

// Name implements llm.Provider.
func (c *Client) Name() string { return ProviderName }

// =============================================================================
// REQUEST MAPPING
// =============================================================================

func buildContents(req llm.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		for _, img := range m.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, img.MediaType))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return contents
}

func buildConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Reasoning.Enabled {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		switch req.Reasoning.Effort {
		case "low":
			cfg.ThinkingConfig.ThinkingBudget = genai.Ptr[int32](1024)
		case "high":
			cfg.ThinkingConfig.ThinkingBudget = genai.Ptr[int32](24576)
		}
	}
	return cfg
}

func usageFrom(md *genai.GenerateContentResponseUsageMetadata) model.Usage {
	u := model.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		ReasoningTokens:  int(md.ThoughtsTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
	}
	return u
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream implements llm.Provider. The genai iterator is pulled one response
// at a time; each response may yield several events.
func (c *Client) Stream(ctx context.Context, req llm.Request) (*llm.EventStream, error) {
	seq := c.client.Models.GenerateContentStream(ctx, req.Model, buildContents(req), buildConfig(req))
	pull, stop := iter.Pull2(seq)

	var (
		pending      []llm.Event
		finishReason string
		usage        model.Usage
		finished     bool
		stream       *llm.EventStream
	)

	next := func() (llm.Event, error) {
		for {
			if len(pending) > 0 {
				ev := pending[0]
				pending = pending[1:]
				return ev, nil
			}
			if finished {
				return llm.Event{}, io.EOF
			}

			resp, err, ok := pull()
			if !ok {
				finished = true
				if finishReason == "" {
					finishReason = "stop"
				}
				pending = append(pending, llm.Event{Type: llm.EventDone, FinishReason: finishReason, Usage: usage})
				continue
			}
			if err != nil {
				return llm.Event{}, mapError(err)
			}
			if resp == nil {
				continue
			}

			if resp.ModelVersion != "" {
				stream.SetModel(resp.ModelVersion)
			}
			for _, cand := range resp.Candidates {
				if cand.Content != nil {
					for _, part := range cand.Content.Parts {
						if part == nil || part.Text == "" {
							continue
						}
						typ := llm.EventText
						if part.Thought {
							typ = llm.EventReasoning
						}
						pending = append(pending, llm.Event{Type: typ, Text: part.Text})
					}
				}
				if cand.FinishReason != "" {
					finishReason = strings.ToLower(string(cand.FinishReason))
				}
			}
			if resp.UsageMetadata != nil {
				usage = usageFrom(resp.UsageMetadata)
				pending = append(pending, llm.Event{Type: llm.EventUsage, Usage: usage})
			}
		}
	}

	stream = llm.NewEventStream(next, llm.CloserFunc(func() error {
		stop()
		return nil
	}))
	return stream, nil
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(s)
}

// mapError converts genai API errors to llm.ProviderError so status-based
// classification works across providers.
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.ProviderError{
			Provider:   ProviderName,
			StatusCode: apiErr.Code,
			Code:       apiErr.Status,
			Message:    apiErr.Message,
		}
	}
	return err
}
