// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/auth"
	"github.com/jeranaias/openyap/internal/export"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 366
)

// currentUser returns the user set by authenticate. Routes under /api
// always have one.
func currentUser(r *http.Request) *model.User {
	u, _ := auth.UserFrom(r.Context())
	return u
}

// ============================================================================
// ACCOUNT
// ============================================================================

// handleMe handles GET /api/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// handleUsage handles GET /api/usage?days=N.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := defaultUsageDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUsageDays {
			writeError(w, http.StatusBadRequest, "invalid_request_error",
				"days must be between 1 and "+strconv.Itoa(maxUsageDays)+".")
			return
		}
		days = n
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := s.store.UsageSummary(r.Context(), currentUser(r).ID, since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Default string            `json:"default"`
	Models  []model.ModelInfo `json:"models"`
}

// handleModels handles GET /api/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.Models()
	if models == nil {
		models = []model.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Default: s.registry.DefaultModel(), Models: models})
}

// ============================================================================
// THREADS
// ============================================================================

type createThreadRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type updateThreadRequest struct {
	Title  *string `json:"title"`
	Pinned *bool   `json:"pinned"`
	Model  *string `json:"model"`
}

// ThreadsResponse is the body of GET /api/threads.
type ThreadsResponse struct {
	Threads []*model.Thread `json:"threads"`
}

// MessagesResponse is the body of GET /api/threads/{id}/messages.
type MessagesResponse struct {
	Thread   *model.Thread    `json:"thread"`
	Messages []*model.Message `json:"messages"`
}

// handleCreateThread handles POST /api/threads.
func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	resolved, err := s.registry.Resolve(req.Model)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	user := currentUser(r)
	t := model.NewThread(user.ID, resolved.Info.ID)
	t.Title = model.SanitizeTitle(req.Title)
	if err := s.store.CreateThread(r.Context(), t); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug("THREAD_CREATED", zap.String("thread", t.ID), zap.String("model", t.Model))
	writeJSON(w, http.StatusCreated, t)
}

// handleListThreads handles GET /api/threads?limit=&before=&q=.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{Query: strings.TrimSpace(q.Get("q"))}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer.")
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "before must be an RFC 3339 timestamp.")
			return
		}
		opts.Before = ts
	}

	threads, err := s.store.ListThreads(r.Context(), currentUser(r).ID, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if threads == nil {
		threads = []*model.Thread{}
	}
	writeJSON(w, http.StatusOK, ThreadsResponse{Threads: threads})
}

// handleGetThread handles GET /api/threads/{threadID}.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetThread(r.Context(), currentUser(r).ID, chi.URLParam(r, "threadID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleUpdateThread handles PATCH /api/threads/{threadID}.
func (s *Server) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var req updateThreadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	patch := storage.ThreadPatch{Pinned: req.Pinned}
	if req.Title != nil {
		title := model.SanitizeTitle(*req.Title)
		patch.Title = &title
	}
	if req.Model != nil {
		resolved, err := s.registry.Resolve(*req.Model)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id := resolved.Info.ID
		patch.Model = &id
	}

	t, err := s.store.UpdateThread(r.Context(), currentUser(r).ID, chi.URLParam(r, "threadID"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDeleteThread handles DELETE /api/threads/{threadID}. A thread
// with a live generation cannot be deleted; abort it first.
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := chi.URLParam(r, "threadID")

	// The store refuses a generating thread, so a Send racing this request
	// never loses its messages.
	if err := s.store.DeleteThread(r.Context(), user.ID, id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug("THREAD_DELETED", zap.String("thread", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages handles GET /api/threads/{threadID}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetThread(r.Context(), currentUser(r).ID, chi.URLParam(r, "threadID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), t.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Thread: t, Messages: msgs})
}

// handleExportThread handles GET /api/threads/{threadID}/export. Query
// parameters: format (markdown, html, json), reasoning (bool) and theme
// (light, dark) for HTML.
func (s *Server) handleExportThread(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := export.DefaultOptions()
	if v := q.Get("reasoning"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "reasoning must be true or false.")
			return
		}
		opts.IncludeReasoning = include
	}
	if q.Get("theme") == "light" {
		opts.Theme = "light"
	}
	exporter, err := export.ForFormat(q.Get("format"), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "format must be markdown, html or json.")
		return
	}

	t, err := s.store.GetThread(r.Context(), currentUser(r).ID, chi.URLParam(r, "threadID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), t.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conv := &export.Conversation{Thread: t, Messages: msgs}
	data, err := exporter.Export(conv)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", exporter.MimeType()+"; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": export.Filename(conv, exporter)}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
