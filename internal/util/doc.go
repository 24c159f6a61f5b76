// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across openyap.
//
//   - AtomicWriteFile, AtomicWriteFrom: crash-safe file writes with fsync
//   - TruncateRunes, FirstLine: UTF-8 safe string helpers
package util
