// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http serves the notification REST API: send endpoints,
// channel and subscription introspection, templates, tenants and the
// aggregate stats surface.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/dispatch"
	"github.com/absmach/pushmq/heartbeat"
	"github.com/absmach/pushmq/ingest"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/server/otel"
	"github.com/absmach/pushmq/template"
)

// Error codes carried in API error bodies.
const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeUnauthorized     = "UNAUTHORIZED"
	codeChannelNotFound  = "CHANNEL_NOT_FOUND"
	codeUserNotConnected = "USER_NOT_CONNECTED"
	codeTenantNotFound   = "TENANT_NOT_FOUND"
	codeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	codeBatchTooLarge    = "BATCH_TOO_LARGE"
)

// Config holds API server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration

	// APIKey, when set, is required on /api/v1 routes.
	APIKey      string
	CORSOrigins []string

	// SSEPath mounts the streaming handler when Deps.SSE is set.
	SSEPath string

	Version string
}

// Deps are the collaborators the API surfaces. Optional members may be
// nil; the corresponding endpoints then degrade gracefully.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Queue      queue.Backend
	Acks       ack.Backend
	Templates  *template.Store
	Ingest     *ingest.Ingest
	Heartbeat  *heartbeat.Task
	SSE        http.Handler
	Metrics    *otel.Metrics
}

// Server is the REST API server. It speaks h2c so HTTP/2 and plain
// HTTP/1.1 clients share one cleartext listener.
type Server struct {
	config     Config
	deps       Deps
	logger     *slog.Logger
	httpServer *http.Server
	batch      *batchDeduper
	started    time.Time
}

// New creates the API server and builds its route table.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  logger,
		batch:   newBatchDeduper(),
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	if deps.SSE != nil && cfg.SSEPath != "" {
		r.Get(cfg.SSEPath, deps.SSE.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/send", s.handleSend)
			r.Post("/send-to-users", s.handleSendToUsers)
			r.Post("/broadcast", s.handleBroadcast)
			r.Post("/channel", s.handleChannel)
			r.Post("/channels", s.handleChannels)
			r.Post("/batch", s.handleBatch)
		})

		r.Get("/channels", s.handleListChannels)
		r.Get("/channels/{name}", s.handleChannelInfo)
		r.Get("/users/{userID}/subscriptions", s.handleUserSubscriptions)

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Get("/tenants", s.handleListTenants)
		r.Get("/tenants/{tenantID}/stats", s.handleTenantStats)
	})

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     h2c.NewHandler(r, h2s),
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams live on this listener.
	}

	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("api server starting (h2c)",
		slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("api server stopped")
		return nil
	}
}

// requestLogger emits one line per request with status and latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// requireAPIKey gates the API routes when a key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && r.Header.Get("X-API-Key") != s.config.APIKey {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and stamps allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Tenant-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// tenantOf resolves the tenant an API call operates on. An empty value
// falls through to the default tenant downstream.
func tenantOf(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.config.Version,
	})
}

// handleStats aggregates the counters of every subsystem.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Registry != nil {
		out["connections"] = s.deps.Registry.Stats()
		out["total_registered"] = s.deps.Registry.TotalRegistered()
		out["total_reaped"] = s.deps.Registry.TotalReaped()
	}
	if s.deps.Dispatcher != nil {
		out["dispatch"] = s.deps.Dispatcher.Stats().Snapshot()
	}
	if s.deps.Queue != nil && s.deps.Queue.Enabled() {
		if qs, err := s.deps.Queue.Stats(r.Context()); err == nil {
			out["queue"] = qs
		}
	}
	if s.deps.Acks != nil && s.deps.Acks.Enabled() {
		if as, err := s.deps.Acks.Stats(r.Context()); err == nil {
			out["acks"] = as
		}
	}
	if s.deps.Ingest != nil {
		out["ingest"] = s.deps.Ingest.Stats()
	}
	if s.deps.Heartbeat != nil {
		out["maintenance"] = s.deps.Heartbeat.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}
