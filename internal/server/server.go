// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/chat"
	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/llm"
	"github.com/jeranaias/openyap/internal/logging"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/blob"
	"github.com/jeranaias/openyap/internal/telemetry"
)

// Version is reported by /health. It is set at build time by the CLI.
var Version = "dev"

const (
	// defaultKeepAlive is used when the configuration leaves it unset.
	defaultKeepAlive = 15 * time.Second

	// healthCheckTimeout bounds the provider probe in /health.
	healthCheckTimeout = 2 * time.Second
)

// HealthChecker probes a provider. ollama.Client implements it.
type HealthChecker interface {
	CheckRunning(ctx context.Context) error
}

// Deps are the collaborators of the server.
type Deps struct {
	Store    storage.Store
	Blobs    *blob.Store
	Chat     *chat.Service
	Registry *llm.Registry
	// Metrics is optional; without it /metrics is not mounted.
	Metrics *telemetry.Metrics
	// Ollama is optional and only used by /health.
	Ollama HealthChecker
	Logger *zap.Logger
}

// Server is the openyap HTTP API.
type Server struct {
	cfg      config.ServerConfig
	maxBlob  int64
	store    storage.Store
	blobs    *blob.Store
	chat     *chat.Service
	registry *llm.Registry
	metrics  *telemetry.Metrics
	ollama   HealthChecker
	logger   *zap.Logger

	limiter   *RateLimiter
	ips       *ipResolver
	keepAlive time.Duration
	router    chi.Router
	server    *http.Server
}

// New creates a server and builds its routes.
func New(cfg *config.Config, deps Deps) *Server {
	logger := logging.OrNop(deps.Logger).Named("server")
	s := &Server{
		cfg:       cfg.Server,
		maxBlob:   cfg.Storage.MaxAttachmentBytes,
		store:     deps.Store,
		blobs:     deps.Blobs,
		chat:      deps.Chat,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		ollama:    deps.Ollama,
		logger:    logger,
		limiter:   NewRateLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst),
		ips:       newIPResolver(cfg.Server.TrustedProxies, logger),
		keepAlive: cfg.Server.KeepAlive(),
	}
	if s.keepAlive <= 0 {
		s.keepAlive = defaultKeepAlive
	}
	if s.cfg.MaxBodyBytes <= 0 {
		s.cfg.MaxBodyBytes = 1 << 20
	}
	if s.maxBlob <= 0 {
		s.maxBlob = 10 << 20
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Streams run for minutes; keep-alive comments detect dead peers.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(logger),
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.ips.middleware)
	r.Use(s.recoverPanics)
	r.Use(SecurityHeadersMiddleware)
	r.Use(s.logRequests)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "Method not allowed.")
	})

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Get("/models", s.handleModels)
		r.Get("/me", s.handleMe)
		r.Get("/usage", s.handleUsage)

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", s.handleListThreads)
			r.Post("/", s.handleCreateThread)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", s.handleGetThread)
				r.Patch("/", s.handleUpdateThread)
				r.Delete("/", s.handleDeleteThread)
				r.Get("/messages", s.handleListMessages)
				r.Get("/export", s.handleExportThread)
				r.Post("/chat", s.handleChat)
			})
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Post("/abort", s.handleAbort)
			r.Get("/stream", s.handleResume)
		})

		r.Post("/attachments", s.handleUploadAttachment)
		r.Get("/attachments/{attachmentID}", s.handleGetAttachment)
	})

	s.router = r
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown, including one requested before Serve was called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("SERVER_START", zap.String("addr", ln.Addr().String()), zap.String("version", Version))
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for handlers to return.
// Live generations are stopped by chat.Service.Shutdown, which ends the
// streaming handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("SERVER_SHUTDOWN")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version"`
	Providers    []string           `json:"providers"`
	OllamaStatus string             `json:"ollama_status"`
	Live         int                `json:"live_generations"`
	Stats        telemetry.Snapshot `json:"stats"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Version:   Version,
		Providers: s.registry.Providers(),
		Live:      s.chat.Live(),
	}
	if s.metrics != nil {
		health.Stats = s.metrics.Stats().Snapshot()
	}

	if s.ollama != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.ollama.CheckRunning(ctx); err == nil {
			health.OllamaStatus = "ok"
		} else {
			health.OllamaStatus = "unavailable"
			health.Status = "degraded"
		}
	} else {
		health.OllamaStatus = "not_configured"
	}

	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the error envelope of every failed request.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType, Code: status}})
}

// decodeJSON reads a size-limited JSON body into v. Unknown fields are
// rejected so typos surface as errors.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "Request body too large.")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Request body is empty.")
		default:
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}
