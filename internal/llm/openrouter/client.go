// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openrouter implements llm.Provider for OpenRouter's
// OpenAI-compatible chat completions API.
package openrouter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
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

// Configuration constants for the OpenRouter API.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// ProviderName is the catalog provider name.
	ProviderName = model.ProviderOpenRouter

	userAgent = "openyap/1.0"
)

// sharedStreamingClient has no overall timeout; streams are bounded by the
// request context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// Client talks to OpenRouter.
type Client struct {
	apiKey     string
	baseURL    string
	siteURL    string
	siteName   string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
}

var _ llm.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the shared streaming HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets how many attempts are made to open a stream.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New creates a client from provider configuration.
func New(cfg config.OpenRouterConfig, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		siteURL:    cfg.SiteURL,
		siteName:   cfg.SiteName,
		httpClient: sharedStreamingClient,
		maxRetries: llm.DefaultMaxRetries,
		logger:     logger.Named("openrouter"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements llm.Provider.
func (c *Client) Name() string { return ProviderName }

// IsConfigured returns true if an API key is set.
func (c *Client) IsConfigured() bool { return c.apiKey != "" }

// KeyFingerprint identifies the API key in logs without exposing it.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a string, or a []contentPart when images are attached.
	Content any `json:"content"`
}

type reasoningParams struct {
	Effort  string `json:"effort,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Exclude bool   `json:"exclude,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []chatMessage    `json:"messages"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Reasoning     *reasoningParams `json:"reasoning,omitempty"`
}

func buildRequest(req llm.Request) chatRequest {
	out := chatRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
	}

	if req.Reasoning.Enabled {
		enabled := true
		out.Reasoning = &reasoningParams{Effort: req.Reasoning.Effort}
		if out.Reasoning.Effort == "" {
			out.Reasoning.Enabled = &enabled
		}
	}

	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			out.Messages = append(out.Messages, chatMessage{Role: m.Role.String(), Content: m.Content})
			continue
		}
		parts := make([]contentPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: DataURL(img.MediaType, img.Data)},
			})
		}
		out.Messages = append(out.Messages, chatMessage{Role: m.Role.String(), Content: parts})
	}
	return out
}

// DataURL encodes data as a base64 data URL.
func DataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// =============================================================================
// REQUESTS
// =============================================================================

// setHeaders sets the required headers for OpenRouter API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", userAgent)

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// open sends the request and returns the response once headers arrive.
// Transient failures are retried with backoff; nothing has been relayed
// to the caller at this point, so retrying is safe.
func (c *Client) open(ctx context.Context, body []byte) (*http.Response, error) {
	return llm.Retry(ctx, c.maxRetries, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("OPENROUTER_REQUEST_FAILED", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
		}

		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			perr := llm.ReadProviderError(ProviderName, resp)
			c.logger.Warn("OPENROUTER_HTTP_ERROR",
				zap.Int("status", resp.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("key", c.KeyFingerprint()),
				zap.Error(perr))
			return nil, perr
		}

		c.logger.Debug("OPENROUTER_STREAM_OPEN", zap.Duration("duration", time.Since(start)))
		return resp, nil
	})
}

// Stream implements llm.Provider.
func (c *Client) Stream(ctx context.Context, req llm.Request) (*llm.EventStream, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("openrouter: %w", llm.ErrNotConfigured)
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.open(ctx, body)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}

// Complete implements llm.Provider by collecting a stream.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Collect(s)
}
