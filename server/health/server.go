// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves the liveness and readiness probes on a
// dedicated listener, kept separate from the API surface so
// orchestrators can probe a draining instance.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/pushmq/registry"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	Version         string
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	registry *registry.Registry
	ready    func() bool
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a health check server. The ready callback reports whether
// the instance accepts new connections; nil means always ready.
func New(cfg Config, reg *registry.Registry, ready func() bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		registry: reg,
		ready:    ready,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("health server starting",
		slog.String("addr", s.listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("health server stopped")
		return nil
	}
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// handleHealth answers 200 whenever the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:  "ok",
		Version: s.config.Version,
	})
}

// ReadyResponse is the readiness probe body.
type ReadyResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Details     string `json:"details,omitempty"`
}

// handleReady answers 200 while the instance accepts new connections
// and 503 once it is draining.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	var connections int
	if s.registry != nil {
		connections = s.registry.Stats().TotalConnections
	}

	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:      "not_ready",
			Connections: connections,
			Details:     "instance is draining",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status:      "ready",
		Connections: connections,
	})
}
