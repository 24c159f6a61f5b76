// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage defines persistence for users, threads, messages,
// attachments and usage.
//
// # Key Types
//
//   - Store: the interface every backend implements
//   - StreamPatch: a partial write of an assistant message while it streams
//   - Final: the terminal state written once when a generation ends
//
// # Backends
//
//   - storage/sqlite: single-file SQLite database (default)
//   - storage/mongo: MongoDB document store
//   - storage/blob: content-addressed attachment bytes on disk
//
// # Invariants
//
// A message in a terminal status (done, error, aborted) is never modified by
// UpdateMessageStream, and FinalizeMessage succeeds at most once per message;
// later calls return ErrAlreadyFinal. Backends enforce this with a conditional
// update so concurrent writers cannot race past it.
package storage
