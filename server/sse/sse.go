// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sse serves the read-only push transport over Server-Sent
// Events for clients that cannot hold a WebSocket.
package sse

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/absmach/pushmq/auth"
	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/internal/bufpool"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/ratelimit"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/server/otel"
)

// Handler streams frames to one client per request. It is mounted on
// the API router; the request context ends the stream.
type Handler struct {
	registry *registry.Registry
	queue    queue.Backend
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	metrics  *otel.Metrics
}

// New creates an SSE handler. Queue, limiter and metrics may be nil.
func New(reg *registry.Registry, store queue.Backend, authn *auth.Authenticator, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *otel.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		queue:    store,
		auth:     authn,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(remoteAddr(r)) {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	principal, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, err := h.registry.Register(principal.UserID, principal.TenantID, principal.Roles)
	if err != nil {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer h.registry.Unregister(conn.ID)

	// SSE is receive-only, so channel selection rides on the request.
	for _, name := range channelsParam(r) {
		if err := h.registry.Subscribe(conn.ID, name); err != nil {
			h.logger.Debug("sse subscribe refused",
				slog.String("channel", name),
				slog.String("error", err.Error()))
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordSubscriptionAdded()
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("sse client connected",
		slog.String("connection_id", conn.ID.String()),
		slog.String("user_id", principal.UserID))
	if h.metrics != nil {
		h.metrics.RecordConnection("sse")
		defer h.metrics.RecordDisconnection("sse", "closed")
	}

	if h.replay(w, r, flusher, conn) {
		h.stream(w, r, flusher, conn)
	}
}

// stream pumps outbound messages until the client goes away or the
// connection is drained.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, conn *registry.Connection) {
	for {
		select {
		case msg := <-conn.Outbound():
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
			conn.Touch()
		case <-conn.Done():
			for {
				select {
				case msg := <-conn.Outbound():
					if writeEvent(w, msg) != nil {
						return
					}
					flusher.Flush()
				default:
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent frames one message in SSE wire form.
func writeEvent(w http.ResponseWriter, msg core.OutboundMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	_, err = w.Write(buf.Bytes())
	return err
}

// replay writes the user's queued messages straight onto the stream, in
// FIFO order. Drain already removed them, so they bypass the bounded
// outbound channel: a backlog larger than the channel buffer must not
// be dropped. Returns false when the client went away mid-replay.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, flusher http.Flusher, conn *registry.Connection) bool {
	if h.queue == nil || !h.queue.Enabled() {
		return true
	}
	msgs, err := h.queue.Drain(r.Context(), conn.TenantID, conn.UserID)
	if err != nil {
		h.logger.Warn("queued message replay failed",
			slog.String("user_id", conn.UserID),
			slog.String("error", err.Error()))
		return true
	}
	for _, msg := range msgs {
		if writeEvent(w, core.Raw(core.NotificationFrame(msg.Event))) != nil {
			return false
		}
	}
	if len(msgs) > 0 {
		flusher.Flush()
		if h.metrics != nil {
			h.metrics.RecordQueueDrained(len(msgs))
		}
	}
	return true
}

// channelsParam splits the comma separated ?channels= list.
func channelsParam(r *http.Request) []string {
	raw := r.URL.Query().Get("channels")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func remoteAddr(r *http.Request) net.Addr {
	if tcp, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		return tcp
	}
	return stringAddr(r.RemoteAddr)
}

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }
