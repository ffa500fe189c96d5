// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves the bidirectional push transport: clients
// connect, authenticate, subscribe to channels and receive notification
// frames; they send Subscribe, Unsubscribe, Ping and Ack messages back.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/auth"
	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/ratelimit"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/server/otel"
)

const (
	writeTimeout = 10 * time.Second

	// readLimit bounds inbound frames; client messages are small
	// control frames, so 64KiB is generous.
	readLimit = 64 * 1024

	// Inbound control frame budget per connection.
	frameRate  = 50
	frameBurst = 100
)

// Config holds WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

// Server upgrades HTTP requests and runs one reader and one writer
// goroutine per connection.
type Server struct {
	config   Config
	registry *registry.Registry
	queue    queue.Backend
	acks     ack.Backend
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	frames   *ratelimit.FrameLimiter
	logger   *slog.Logger
	metrics  *otel.Metrics
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a WebSocket server. Queue, acks, limiter and metrics may
// be nil.
func New(cfg Config, reg *registry.Registry, store queue.Backend, acks ack.Backend, authn *auth.Authenticator, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *otel.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}

	s := &Server{
		config:   cfg,
		registry: reg,
		queue:    store,
		acks:     acks,
		auth:     authn,
		limiter:  limiter,
		frames:   ratelimit.NewFrameLimiter(frameRate, frameBurst),
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Listen starts the server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket server starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
			s.logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("websocket server stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(remoteAddr(r)) {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	principal, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(readLimit)

	conn, err := s.registry.Register(principal.UserID, principal.TenantID, principal.Roles)
	if err != nil {
		s.writeFrame(ws, core.ErrorFrame(core.CodeConnectionLimit, limitMessage(err)))
		ws.Close()
		return
	}

	s.logger.Debug("websocket client connected",
		slog.String("connection_id", conn.ID.String()),
		slog.String("user_id", principal.UserID),
		slog.String("remote_addr", r.RemoteAddr))
	if s.metrics != nil {
		s.metrics.RecordConnection("websocket")
	}

	go s.writer(ws, conn)
	s.replay(r.Context(), conn)
	s.reader(r.Context(), ws, conn)
}

// reader consumes client messages until the socket fails or closes,
// then unregisters the connection.
func (s *Server) reader(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) {
	defer func() {
		s.registry.Unregister(conn.ID)
		s.frames.Forget(conn.ID.String())
		ws.Close()
		if s.metrics != nil {
			s.metrics.RecordDisconnection("websocket", "closed")
		}
		s.logger.Debug("websocket client disconnected",
			slog.String("connection_id", conn.ID.String()))
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch()

		if !s.frames.Allow(conn.ID.String()) {
			// Drop the frame; a flooding client gets no feedback loop.
			continue
		}
		if messageType != websocket.TextMessage {
			conn.TrySend(core.Raw(core.ErrorFrame(core.CodeUnsupportedFormat, "text frames only")))
			continue
		}

		msg, err := core.ParseClientMessage(data)
		if err != nil {
			conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidMessage, err.Error())))
			continue
		}
		s.handleClientMessage(ctx, conn, msg)
	}
}

// handleClientMessage applies one inbound control frame.
func (s *Server) handleClientMessage(ctx context.Context, conn *registry.Connection, msg core.ClientMessage) {
	switch msg.Type {
	case core.ClientPing:
		conn.TrySend(core.Raw(core.PongFrame()))

	case core.ClientSubscribe:
		names, err := msg.Channels()
		if err != nil {
			conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidMessage, err.Error())))
			return
		}
		added := make([]string, 0, len(names))
		for _, name := range names {
			if err := s.registry.Subscribe(conn.ID, name); err != nil {
				conn.TrySend(core.Raw(core.ErrorFrame(core.CodeSubscriptionError, err.Error())))
				continue
			}
			added = append(added, name)
		}
		if s.metrics != nil {
			for range added {
				s.metrics.RecordSubscriptionAdded()
			}
		}
		conn.TrySend(core.Raw(core.SubscribedFrame(added)))

	case core.ClientUnsubscribe:
		names, err := msg.Channels()
		if err != nil {
			conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidMessage, err.Error())))
			return
		}
		for _, name := range names {
			if err := s.registry.Unsubscribe(conn.ID, name); err == nil && s.metrics != nil {
				s.metrics.RecordSubscriptionRemoved()
			}
		}
		conn.TrySend(core.Raw(core.UnsubscribedFrame(names)))

	case core.ClientAck:
		s.handleAck(ctx, conn, msg)
	}
}

// handleAck resolves a client acknowledgement against the tracker.
func (s *Server) handleAck(ctx context.Context, conn *registry.Connection, msg core.ClientMessage) {
	if s.acks == nil || !s.acks.Enabled() {
		conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidAck, "ack tracking is disabled")))
		return
	}
	rawID, err := msg.AckID()
	if err != nil {
		conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidAck, err.Error())))
		return
	}
	notificationID, err := uuid.Parse(rawID)
	if err != nil {
		conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidAck, "malformed notification id")))
		return
	}

	result, err := s.acks.Acknowledge(ctx, conn.TenantID, notificationID, conn.UserID)
	if err != nil {
		s.logger.Warn("acknowledge failed",
			slog.String("notification_id", rawID),
			slog.String("error", err.Error()))
		conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidAck, "acknowledgement failed")))
		return
	}
	if result != ack.Acked {
		conn.TrySend(core.Raw(core.ErrorFrame(core.CodeInvalidAck, string(result))))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAckResolved(string(result))
	}
	conn.TrySend(core.Raw(core.AckedFrame(rawID)))
}

// writer owns the socket's write side: it drains the outbound channel,
// serializing Raw frames at write time, until the connection closes.
func (s *Server) writer(ws *websocket.Conn, conn *registry.Connection) {
	defer ws.Close()

	for {
		select {
		case msg := <-conn.Outbound():
			if err := s.writeMessage(ws, msg); err != nil {
				s.registry.Unregister(conn.ID)
				return
			}
		case <-conn.Done():
			// Drain what producers managed to enqueue, then stop.
			for {
				select {
				case msg := <-conn.Outbound():
					if err := s.writeMessage(ws, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeMessage(ws *websocket.Conn, msg core.OutboundMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) writeFrame(ws *websocket.Conn, frame core.Frame) {
	data, err := frame.Encode()
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	ws.WriteMessage(websocket.TextMessage, data)
}

// replay delivers the user's queued messages onto the fresh connection
// in FIFO order.
func (s *Server) replay(ctx context.Context, conn *registry.Connection) {
	if s.queue == nil || !s.queue.Enabled() {
		return
	}
	msgs, err := s.queue.Drain(ctx, conn.TenantID, conn.UserID)
	if err != nil {
		s.logger.Warn("queued message replay failed",
			slog.String("user_id", conn.UserID),
			slog.String("error", err.Error()))
		return
	}
	// Drain already removed the messages, so a full outbound channel
	// must not drop them: block until the writer catches up and stop
	// only on a dead connection.
	for _, msg := range msgs {
		if !conn.Send(ctx, core.Raw(core.NotificationFrame(msg.Event))) {
			s.logger.Warn("queued message replay interrupted",
				slog.String("user_id", conn.UserID),
				slog.String("event_id", msg.Event.ID.String()))
			return
		}
	}
	if len(msgs) > 0 {
		if s.metrics != nil {
			s.metrics.RecordQueueDrained(len(msgs))
		}
		s.logger.Debug("queued messages replayed",
			slog.String("user_id", conn.UserID),
			slog.Int("count", len(msgs)))
	}
}

// limitMessage keeps limit errors terse for the wire.
func limitMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrTotalLimit):
		return "connection limit reached"
	case errors.Is(err, registry.ErrPerUserLimit):
		return "per-user connection limit reached"
	case errors.Is(err, registry.ErrShuttingDown):
		return "server is shutting down"
	default:
		return "connection refused"
	}
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
