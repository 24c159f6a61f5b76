// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm defines the provider abstraction used to generate assistant
// replies.
//
// A Provider turns a Request into an EventStream. The stream yields text,
// reasoning and usage events as they arrive and accumulates the complete
// Response, so callers can relay deltas and still read the final state
// after Next returns io.EOF.
//
// Provider implementations live in subpackages:
//
//   - openrouter: OpenAI-compatible chat completions over SSE
//   - ollama: local models over NDJSON
//   - gemini: Google Gemini through google.golang.org/genai
//
// The Registry maps client-visible model IDs to a provider and the model
// name the provider expects.
package llm
