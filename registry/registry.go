// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the authoritative table of live connections,
// indexed by connection id, user, channel and tenant, and enforces the
// configured capacity limits.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/pushmq/core"
)

var (
	// ErrTotalLimit is returned when the instance-wide connection cap is hit.
	ErrTotalLimit = errors.New("total connection limit exceeded")

	// ErrPerUserLimit is returned when one user holds too many connections.
	ErrPerUserLimit = errors.New("per-user connection limit exceeded")

	// ErrSubscriptionLimit is returned when a connection is at its
	// subscription cap.
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")

	// ErrConnectionNotFound is returned for operations on unknown ids.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrShuttingDown is returned for registrations during shutdown.
	ErrShuttingDown = errors.New("registry is shutting down")
)

// Limits caps the registry's resource usage.
type Limits struct {
	MaxConnections int
	MaxPerUser     int
	MaxSubsPerConn int
	OutboundBuffer int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections: 10000,
		MaxPerUser:     5,
		MaxSubsPerConn: 50,
		OutboundBuffer: DefaultOutboundBuffer,
	}
}

// ChannelInfo describes one channel and its live subscriber count.
type ChannelInfo struct {
	Name            string `json:"name"`
	SubscriberCount int    `json:"subscriber_count"`
}

// Snapshot is a point-in-time view of the registry for stats reporting.
// Channel keys are bare names for the default tenant and tenant-prefixed
// otherwise, so names never collide across tenants.
type Snapshot struct {
	TotalConnections int            `json:"total_connections"`
	UniqueUsers      int            `json:"unique_users"`
	Channels         map[string]int `json:"channels"`
}

// TenantSnapshot is the per-tenant slice of the registry.
type TenantSnapshot struct {
	TotalConnections int `json:"total_connections"`
	UniqueUsers      int `json:"unique_users"`
}

// Registry is the multi-indexed live-connection table. The primary index is
// the source of truth; the user, channel and tenant indexes never hold an id
// absent from it. All operations are safe under arbitrary parallel callers.
type Registry struct {
	limits Limits
	logger *slog.Logger

	draining atomic.Bool

	mu       sync.RWMutex
	conns    map[uuid.UUID]*Connection
	byUser   map[string]map[uuid.UUID]*Connection
	byChan   map[string]map[uuid.UUID]*Connection
	byTenant map[string]map[uuid.UUID]*Connection

	totalRegistered atomic.Uint64
	totalReaped     atomic.Uint64
}

// New creates a registry with the given limits.
func New(limits Limits, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxConnections <= 0 {
		limits = DefaultLimits()
	}
	return &Registry{
		limits:   limits,
		logger:   logger,
		conns:    make(map[uuid.UUID]*Connection),
		byUser:   make(map[string]map[uuid.UUID]*Connection),
		byChan:   make(map[string]map[uuid.UUID]*Connection),
		byTenant: make(map[string]map[uuid.UUID]*Connection),
	}
}

// Register admits a new connection for the authenticated principal. The
// capacity checks and the index insertions happen under one lock, so the
// limits hold under any interleaving of concurrent registrations.
func (r *Registry) Register(userID, tenantID string, roles []string) (*Connection, error) {
	if r.draining.Load() {
		return nil, ErrShuttingDown
	}
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}

	userKey := namespaced(tenantID, userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.limits.MaxConnections {
		return nil, fmt.Errorf("%w (%d/%d)", ErrTotalLimit, len(r.conns), r.limits.MaxConnections)
	}
	if held := len(r.byUser[userKey]); held >= r.limits.MaxPerUser {
		return nil, fmt.Errorf("user %s: %w (%d/%d)", userID, ErrPerUserLimit, held, r.limits.MaxPerUser)
	}

	conn := newConnection(userID, tenantID, roles, r.limits.OutboundBuffer)
	r.conns[conn.ID] = conn
	if r.byUser[userKey] == nil {
		r.byUser[userKey] = make(map[uuid.UUID]*Connection)
	}
	r.byUser[userKey][conn.ID] = conn
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = make(map[uuid.UUID]*Connection)
	}
	r.byTenant[tenantID][conn.ID] = conn

	r.totalRegistered.Add(1)
	r.logger.Debug("connection registered",
		slog.String("connection_id", conn.ID.String()),
		slog.String("user_id", userID),
		slog.String("tenant_id", tenantID),
		slog.Int("total", len(r.conns)))

	return conn, nil
}

// Unregister removes a connection from every index, deleting per-key
// containers that become empty, and signals its writer to finish.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)

	userKey := namespaced(conn.TenantID, conn.UserID)
	if users := r.byUser[userKey]; users != nil {
		delete(users, id)
		if len(users) == 0 {
			delete(r.byUser, userKey)
		}
	}
	if tenants := r.byTenant[conn.TenantID]; tenants != nil {
		delete(tenants, id)
		if len(tenants) == 0 {
			delete(r.byTenant, conn.TenantID)
		}
	}
	for _, name := range conn.Subscriptions() {
		r.dropFromChannel(namespaced(conn.TenantID, name), id)
	}
	r.mu.Unlock()

	conn.Close()
	r.logger.Debug("connection unregistered",
		slog.String("connection_id", id.String()),
		slog.String("user_id", conn.UserID))
	return true
}

// Subscribe adds the connection to a channel. The name is validated against
// the channel grammar, namespaced with the connection's tenant at this
// boundary, and capped at the per-connection subscription limit.
func (r *Registry) Subscribe(id uuid.UUID, name string) error {
	if err := core.ValidateChannelName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if err := conn.addSubscription(name, r.limits.MaxSubsPerConn); err != nil {
		return fmt.Errorf("channel %s: %w", name, err)
	}

	key := namespaced(conn.TenantID, name)
	if r.byChan[key] == nil {
		r.byChan[key] = make(map[uuid.UUID]*Connection)
	}
	r.byChan[key][id] = conn
	return nil
}

// Unsubscribe removes the connection from a channel, deleting the channel
// index entry when it becomes empty.
func (r *Registry) Unsubscribe(id uuid.UUID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if conn.removeSubscription(name) {
		r.dropFromChannel(namespaced(conn.TenantID, name), id)
	}
	return nil
}

// Connection looks up a live connection by id.
func (r *Registry) Connection(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// UserConnections returns a snapshot of the user's live connections within
// one tenant.
func (r *Registry) UserConnections(tenantID, userID string) []*Connection {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[namespaced(tenantID, userID)])
}

// ChannelConnections returns a snapshot of a channel's subscribers within
// one tenant.
func (r *Registry) ChannelConnections(tenantID, name string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byChan[namespaced(tenantID, name)])
}

// AllConnections returns a snapshot of every live connection.
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// TenantConnections returns a snapshot of one tenant's live connections.
func (r *Registry) TenantConnections(tenantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byTenant[tenantID])
}

// UserSubscriptions reports a user's connection count and the union of the
// channels those connections subscribe to. The second return is false when
// the user has no live connections.
func (r *Registry) UserSubscriptions(tenantID, userID string) (int, []string, bool) {
	conns := r.UserConnections(tenantID, userID)
	if len(conns) == 0 {
		return 0, nil, false
	}
	set := make(map[string]struct{})
	for _, conn := range conns {
		for _, name := range conn.Subscriptions() {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return len(conns), names, true
}

// ListChannels enumerates one tenant's channels with subscriber counts,
// sorted by name.
func (r *Registry) ListChannels(tenantID string) []ChannelInfo {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	prefix := tenantID + ":"

	r.mu.RLock()
	infos := make([]ChannelInfo, 0, len(r.byChan))
	for key, subs := range r.byChan {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			infos = append(infos, ChannelInfo{Name: key[len(prefix):], SubscriberCount: len(subs)})
		}
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ChannelInfo reports one channel's subscriber count within a tenant. The
// second return is false when the channel has no subscribers.
func (r *Registry) ChannelInfo(tenantID, name string) (ChannelInfo, bool) {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs, ok := r.byChan[namespaced(tenantID, name)]
	if !ok || len(subs) == 0 {
		return ChannelInfo{}, false
	}
	return ChannelInfo{Name: name, SubscriberCount: len(subs)}, true
}

// CleanupStale unregisters connections idle past the threshold, plus
// connections whose outbound channel stayed refused since the previous pass,
// and returns the removed ids.
func (r *Registry) CleanupStale(idleTimeout time.Duration) []uuid.UUID {
	now := time.Now()

	r.mu.RLock()
	var stale []uuid.UUID
	for id, conn := range r.conns {
		if conn.IdleFor(now) > idleTimeout || conn.Degraded() {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if r.Unregister(id) {
			r.totalReaped.Add(1)
		}
	}
	if len(stale) > 0 {
		r.logger.Info("cleaned up stale connections",
			slog.Int("removed", len(stale)),
			slog.Duration("idle_timeout", idleTimeout))
	}
	return stale
}

// SetDraining makes subsequent registrations fail with ErrShuttingDown.
func (r *Registry) SetDraining() {
	r.draining.Store(true)
}

// DrainAll delivers a final shutdown frame to every connection and
// unregisters them. Used during graceful shutdown.
func (r *Registry) DrainAll(reason string, reconnectAfter int) {
	frame := core.Raw(core.ShutdownFrame(reason, reconnectAfter))
	for _, conn := range r.AllConnections() {
		conn.TrySend(frame)
		r.Unregister(conn.ID)
	}
}

// Stats returns a point-in-time view of connection counts.
func (r *Registry) Stats() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make(map[string]int, len(r.byChan))
	for key, subs := range r.byChan {
		channels[displayName(key)] = len(subs)
	}
	return Snapshot{
		TotalConnections: len(r.conns),
		UniqueUsers:      len(r.byUser),
		Channels:         channels,
	}
}

// TenantStats returns one tenant's connection counts.
func (r *Registry) TenantStats(tenantID string) TenantSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byTenant[tenantID]
	users := make(map[string]struct{}, len(conns))
	for _, conn := range conns {
		users[conn.UserID] = struct{}{}
	}
	return TenantSnapshot{TotalConnections: len(conns), UniqueUsers: len(users)}
}

// ActiveTenants lists tenants with at least one live connection, sorted.
func (r *Registry) ActiveTenants() []string {
	r.mu.RLock()
	tenants := make([]string, 0, len(r.byTenant))
	for tenant := range r.byTenant {
		tenants = append(tenants, tenant)
	}
	r.mu.RUnlock()
	sort.Strings(tenants)
	return tenants
}

// TotalRegistered returns the cumulative number of accepted registrations.
func (r *Registry) TotalRegistered() uint64 {
	return r.totalRegistered.Load()
}

// TotalReaped returns the cumulative number of stale connections removed.
func (r *Registry) TotalReaped() uint64 {
	return r.totalReaped.Load()
}

// dropFromChannel removes one subscriber from a channel-index entry and
// deletes the entry when it empties. Callers hold r.mu.
func (r *Registry) dropFromChannel(key string, id uuid.UUID) {
	subs := r.byChan[key]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.byChan, key)
	}
}

// namespaced prefixes a bare channel name with its tenant so names never
// collide across tenants. Subscribers only ever see the bare name.
func namespaced(tenantID, name string) string {
	return tenantID + ":" + name
}

// displayName renders a channel-index key for stats output: bare for the
// default tenant, tenant-prefixed otherwise.
func displayName(key string) string {
	prefix := core.DefaultTenant + ":"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

// snapshot copies an index bucket so callers never use the live map.
func snapshot(bucket map[uuid.UUID]*Connection) []*Connection {
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(bucket))
	for _, conn := range bucket {
		out = append(out, conn)
	}
	return out
}
