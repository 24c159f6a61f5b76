// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "errors"

// Error variables returned by Service.
var (
	// ErrThreadBusy is returned when the thread already has a live generation.
	ErrThreadBusy = errors.New("thread already has a generation in progress")

	// ErrEmptyMessage is returned for a message with no content or attachments.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when content exceeds the configured limit.
	ErrMessageTooLong = errors.New("message is too long")

	// ErrInvalidAttachment is returned for unknown attachments or images sent
	// to a model without vision.
	ErrInvalidAttachment = errors.New("invalid attachment")

	// ErrNotLive is returned when aborting a message that is not generating.
	ErrNotLive = errors.New("message is not generating")

	// ErrShuttingDown is returned by Send once Shutdown has started.
	ErrShuttingDown = errors.New("server is shutting down")
)

// Abort causes. They become the error text of an aborted message.
var (
	errStoppedByUser  = errors.New("stopped by user")
	errClientGone     = errors.New("client disconnected")
	errTimedOut       = errors.New("generation timed out")
	errServerShutdown = errors.New("server shutting down")
)

// interruptedReason is stored on messages left live by a previous process.
const interruptedReason = "generation interrupted"
