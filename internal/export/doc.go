// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders a thread and its messages for download.
//
// # Supported Formats
//
//   - Markdown: Human-readable with YAML frontmatter
//   - HTML: Standalone page with embedded CSS (light or dark)
//   - JSON: Thread, messages and total usage
//
// Messages that did not finish normally carry a note with their status
// and error, so an aborted reply is exported with the text it produced.
//
// # Usage
//
//	exp, err := export.ForFormat("md", export.DefaultOptions())
//	data, err := exp.Export(&export.Conversation{Thread: t, Messages: msgs})
package export
