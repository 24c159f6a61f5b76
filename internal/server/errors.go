// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/chat"
	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/blob"
)

// genericFailure is shown for unexpected errors; details go to the log.
const genericFailure = "Request processing failed. Please try again."

// fail maps err onto an HTTP error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Not found.")

	case errors.Is(err, chat.ErrThreadBusy), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", chat.ErrThreadBusy.Error())
	case errors.Is(err, chat.ErrNotLive):
		writeError(w, http.StatusConflict, "conflict", err.Error())

	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, chat.ErrInvalidAttachment):
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, llm.ErrUnknownModel), errors.Is(err, llm.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, "invalid_request_error", llm.UserMessage(err))

	case errors.Is(err, blob.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "Attachment too large.")

	case errors.Is(err, chat.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())

	default:
		s.internalError(w, r, err)
	}
}

// internalError logs err and answers 500 without leaking details.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("REQUEST_FAILED",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "server_error", genericFailure)
}
