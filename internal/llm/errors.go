// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/openyap/internal/util"
)

// Error variables for common provider failures.
var (
	// ErrNotConfigured indicates the provider has no credentials or is disabled.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrUnknownModel indicates the model ID cannot be resolved to a provider.
	ErrUnknownModel = errors.New("unknown model")

	// ErrAuthFailed indicates the provider rejected the API key.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInsufficientCredits indicates the provider account is out of credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrModelNotFound indicates the provider does not serve the model.
	ErrModelNotFound = errors.New("model not found")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates the provider could not be reached.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrEmptyResponse indicates the stream ended without any output.
	ErrEmptyResponse = errors.New("empty response from model")
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// =============================================================================
// PROVIDER ERROR
// =============================================================================

// ProviderError is returned when a provider responds with an error, either
// as an HTTP status or as an error object inside the stream.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error [%s] (HTTP %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Is maps well-known status codes onto the package sentinels so callers can
// use errors.Is(err, ErrRateLimited) and friends.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrInsufficientCredits:
		return e.StatusCode == http.StatusPaymentRequired
	case ErrModelNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsRateLimited returns true for HTTP 429.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable returns true for rate limiting and server-side failures.
func (e *ProviderError) IsRetryable() bool {
	return e.IsRateLimited() || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// ReadProviderError parses an error response body of the common
// {"error":{"code","message"}} shape. The body is not closed.
func ReadProviderError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ParseProviderError(provider, resp.StatusCode, body)
}

// ParseProviderError builds a ProviderError from a status code and body.
func ParseProviderError(provider string, status int, body []byte) error {
	var wire struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && len(wire.Error) > 0 {
		var obj struct {
			Code    json.RawMessage `json:"code"`
			Type    string          `json:"type"`
			Message string          `json:"message"`
		}
		if json.Unmarshal(wire.Error, &obj) == nil && obj.Message != "" {
			code := strings.Trim(string(obj.Code), `"`)
			if code == "" || code == "null" {
				code = obj.Type
			}
			return &ProviderError{Provider: provider, StatusCode: status, Code: code, Message: obj.Message}
		}
		// Ollama returns {"error":"..."}.
		var msg string
		if json.Unmarshal(wire.Error, &msg) == nil && msg != "" {
			return &ProviderError{Provider: provider, StatusCode: status, Message: msg}
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{Provider: provider, StatusCode: status, Message: msg}
}

// =============================================================================
// STREAM ERROR
// =============================================================================

// StreamError represents an error that occurred during streaming,
// preserving any partial content received before the error.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// IsRetryable reports whether a request that failed with err may be sent
// again. Cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	return false
}

// UserMessage returns a short description of err that is safe to show to
// end users and to store on a failed message.
func UserMessage(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "The model took too long to respond."
	case errors.Is(err, ErrNotConfigured):
		return "This model is not available on this server."
	case errors.Is(err, ErrUnknownModel), errors.Is(err, ErrModelNotFound):
		return "The selected model is not available."
	case errors.Is(err, ErrAuthFailed):
		return "The model provider rejected the server's credentials."
	case errors.Is(err, ErrInsufficientCredits):
		return "The model provider account is out of credits."
	case errors.Is(err, ErrRateLimited):
		return "The model provider is rate limiting requests. Try again shortly."
	case errors.Is(err, ErrUnavailable):
		return "The model provider could not be reached."
	case errors.Is(err, ErrEmptyResponse):
		return "The model returned an empty response."
	case errors.As(err, &pe) && pe.StatusCode >= 500:
		return "The model provider is having problems. Try again later."
	case errors.As(err, &pe) && pe.StatusCode == http.StatusBadRequest:
		return "The model provider rejected the request: " + util.TruncateRunes(pe.Message, 200)
	default:
		return "Generation failed."
	}
}

