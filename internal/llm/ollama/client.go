// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama implements llm.Provider for a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/model"
)

const (
	// DefaultURL is the Ollama API base URL. An explicit IPv4 address avoids
	// IPv6 localhost resolution issues.
	DefaultURL = "http://127.0.0.1:11434"

	// ProviderName is the catalog provider name.
	ProviderName = model.ProviderOllama

	// requestTimeout bounds non-streaming calls such as health checks.
	requestTimeout = 30 * time.Second
)

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	// streamClient has no timeout; streams are bounded by their context.
	streamClient *http.Client
	httpClient   *http.Client
	maxRetries   int
	logger       *zap.Logger
}

var _ llm.Provider = (*Client)(nil)

// New creates a client from provider configuration.
func New(cfg config.OllamaConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL:      baseURL,
		streamClient: &http.Client{},
		httpClient:   &http.Client{Timeout: requestTimeout},
		maxRetries:   llm.DefaultMaxRetries,
		logger:       logger.Named("ollama"),
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return ProviderName }

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ollama is not running at %s", llm.ErrUnavailable, c.baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status from ollama: %s", llm.ErrUnavailable, resp.Status)
	}
	return nil
}

// ListModels returns the models installed locally.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, llm.ReadProviderError(ProviderName, resp)
	}
	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	return out.Models, nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

func buildRequest(req llm.Request) chatRequest {
	out := chatRequest{Model: req.Model, Stream: true}
	if req.Reasoning.Enabled {
		think := true
		out.Think = &think
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		out.Options = &options{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msg := chatMessage{Role: m.Role.String(), Content: m.Content}
		for _, img := range m.Images {
			msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(img.Data))
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// Stream implements llm.Provider.
func (c *Client) Stream(ctx context.Context, req llm.Request) (*llm.EventStream, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := llm.Retry(ctx, c.maxRetries, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.streamClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: ollama is not running at %s", llm.ErrUnavailable, c.baseURL)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			perr := llm.ReadProviderError(ProviderName, resp)
			c.logger.Warn("OLLAMA_HTTP_ERROR", zap.Int("status", resp.StatusCode), zap.Error(perr))
			return nil, perr
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(s)
}
