// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for users, threads and messages.
//
// This package defines the core domain types shared by storage, the chat
// pipeline and the HTTP API.
//
// # Key Types
//
//   - Thread: a chat thread owned by a user, with title, model and status
//   - Message: a single message with role, content, reasoning and usage
//   - Usage: token counts and cost for one generation
//   - Attachment: metadata for an uploaded file referenced by messages
//   - ModelInfo: catalog entry for an LLM model (provider, pricing, capabilities)
//
// # Message lifecycle
//
// Assistant messages are created as pending placeholders, move to streaming
// when the first token arrives and end in exactly one terminal status:
//
//	pending -> streaming -> done | error | aborted
//	pending -> error | aborted
package model
