// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/jeranaias/openyap/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitStorageError indicates the database or blob store could not be opened
	ExitStorageError = 4
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a failed command with the exit code it maps to.
type CommandError struct {
	Command string // Command that failed (e.g., "serve", "user create")
	Reason  string // Human-readable reason
	Code    int    // Process exit code
	Err     error  // Underlying error (if any)
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Command, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// configError wraps a configuration failure.
func configError(command string, err error) error {
	return &CommandError{Command: command, Reason: "could not load configuration", Code: ExitConfigError, Err: err}
}

// storageError wraps a failure to open persistence.
func storageError(command string, err error) error {
	return &CommandError{Command: command, Reason: "could not open storage", Code: ExitStorageError, Err: err}
}

// usageError marks bad flags or arguments.
func usageError(err error) error {
	return &CommandError{Command: "openyap", Reason: "invalid usage", Code: ExitUsageError, Err: err}
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.Code != 0 {
		return ce.Code
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ExitNotFoundError
	}
	return ExitGeneralError
}
