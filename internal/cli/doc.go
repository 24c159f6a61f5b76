// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the openyap command line.
//
// # Commands
//
//   - serve: Run the chat API server
//   - user create: Create a user and print an API token
//   - user token: Issue another token for an existing user
//   - models: List the model catalog
//   - config init|show|path: Manage the configuration file
//   - version: Print version information
//
// Every command accepts --config, --verbose and --json. With --json the
// result is wrapped in a JSONResponse envelope on stdout.
//
// # Exit codes
//
// Execute maps failures to the Exit* constants so scripts can tell a bad
// configuration (3) from unreachable storage (4) or bad usage (2).
package cli
