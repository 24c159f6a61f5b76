// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the openyap HTTP API.
//
// # Endpoints
//
//   - GET    /health                          - Health check and usage stats
//   - GET    /metrics                         - Prometheus metrics
//   - GET    /api/models                      - Models offered by this server
//   - GET    /api/me                          - Authenticated user
//   - GET    /api/usage?days=N                - Token usage and cost
//   - GET    /api/threads                     - List threads (limit, before, q)
//   - POST   /api/threads                     - Create a thread
//   - GET    /api/threads/{id}                - Get a thread
//   - PATCH  /api/threads/{id}                - Rename, pin or change model
//   - DELETE /api/threads/{id}                - Delete an idle thread
//   - GET    /api/threads/{id}/messages       - Thread history
//   - GET    /api/threads/{id}/export         - Download (format=markdown|html|json)
//   - POST   /api/threads/{id}/chat           - Send a message (event stream)
//   - POST   /api/messages/{id}/abort         - Stop a generation
//   - GET    /api/messages/{id}/stream        - Resume a generation (event stream)
//   - POST   /api/attachments                 - Upload a file (multipart "file")
//   - GET    /api/attachments/{id}            - Download an attachment
//
// # Event stream
//
// Streaming endpoints answer with text/event-stream. Each event carries a
// single JSON line:
//
//	event: start      {"thread_id","user_message","message"}
//	event: text       {"text"}
//	event: reasoning  {"text"}
//	event: usage      {"usage"}
//	event: done       {"message"}
//	event: error      {"message"}
//	event: aborted    {"message"}
//	event: lagged     {"message_id","resume"}
//
// Comment lines are sent as keep-alives. A lagged client was too slow to
// keep up; the generation continues and can be resumed.
//
// # Security
//
//   - Bearer tokens on every /api route (see package auth)
//   - Per-user rate limiting with golang.org/x/time/rate
//   - Forwarded client addresses honoured only from trusted proxies
//   - Security headers (X-Content-Type-Options, X-Frame-Options, etc.)
//   - Errors never expose internal details; they are logged instead
package server
