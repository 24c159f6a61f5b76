// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the streaming chat response pipeline.
//
// Service.Send persists the user message and an assistant placeholder,
// claims the thread and starts a generation. Each generation runs in its
// own goroutine: a reconciler reads the provider stream, relays deltas to
// the Hub, and persists partial text, reasoning and usage on a throttle
// (flush interval or byte threshold, whichever comes first). Writes go
// through a single-slot mailbox so a slow store never stalls the relay.
//
// A generation ends in exactly one of three states:
//
//	done     the provider stream completed
//	error    the provider failed; partial output is kept
//	aborted  the generation context was cancelled by the user, a client
//	         disconnect, the timeout or server shutdown; partial output
//	         is kept
//
// Finalisation runs on a context detached from the generation so it
// survives the cancellation that caused it.
package chat
