// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/absmach/pushmq/core"
)

const ackSchema = `
CREATE TABLE IF NOT EXISTS pending_acks (
	notification_id UUID NOT NULL,
	tenant_id       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	connection_id   UUID NOT NULL,
	sent_at         TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, notification_id)
);
CREATE INDEX IF NOT EXISTS idx_pending_acks_expiry
	ON pending_acks (expires_at);
`

// PostgresBackend stores pending acknowledgements in a pending_acks
// table so tracking survives restarts.
type PostgresBackend struct {
	cfg  Config
	pool *pgxpool.Pool

	tracked   atomic.Uint64
	acked     atomic.Uint64
	expired   atomic.Uint64
	latencyMS atomic.Uint64
}

// NewPostgresBackend creates a Postgres-backed tracker and ensures its
// schema exists. The backend owns the pool and closes it on Close.
func NewPostgresBackend(ctx context.Context, cfg Config, pool *pgxpool.Pool) (*PostgresBackend, error) {
	b := &PostgresBackend{cfg: cfg.normalize(), pool: pool}
	if _, err := pool.Exec(ctx, ackSchema); err != nil {
		return nil, fmt.Errorf("ensure pending_acks schema: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) Enabled() bool { return b.cfg.Enabled }

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Track(ctx context.Context, p PendingAck) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}
	if p.TenantID == "" {
		p.TenantID = core.DefaultTenant
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = time.Now().UTC().Add(b.cfg.Timeout)
	}

	// Re-deliveries of the same notification keep the original entry.
	_, err := b.pool.Exec(ctx,
		`INSERT INTO pending_acks
			(notification_id, tenant_id, user_id, connection_id, sent_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, notification_id) DO NOTHING`,
		p.NotificationID, p.TenantID, p.UserID, p.ConnectionID, p.SentAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres track: %w", err)
	}
	b.tracked.Add(1)
	return nil
}

func (b *PostgresBackend) Acknowledge(ctx context.Context, tenantID string, notificationID uuid.UUID, userID string) (Result, error) {
	if !b.cfg.Enabled {
		return Unknown, ErrDisabled
	}
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}

	var (
		deleted, lapsed, remaining int
		latencyMS                  int64
	)
	err := b.pool.QueryRow(ctx,
		`WITH attempt AS (
			DELETE FROM pending_acks
			WHERE tenant_id = $1 AND notification_id = $2 AND user_id = $3
			RETURNING sent_at, expires_at)
		 SELECT
			(SELECT count(*) FROM attempt),
			(SELECT count(*) FROM attempt WHERE expires_at <= now()),
			(SELECT coalesce(floor(extract(epoch FROM (now() - min(sent_at))) * 1000), 0)::bigint
			 FROM attempt),
			(SELECT count(*) FROM pending_acks
			 WHERE tenant_id = $1 AND notification_id = $2)`,
		tenantID, notificationID, userID,
	).Scan(&deleted, &lapsed, &latencyMS, &remaining)
	if err != nil {
		return Unknown, fmt.Errorf("postgres acknowledge: %w", err)
	}

	switch {
	case lapsed > 0:
		b.expired.Add(1)
		return Expired, nil
	case deleted > 0:
		if latencyMS > 0 {
			b.latencyMS.Add(uint64(latencyMS))
		}
		b.acked.Add(1)
		return Acked, nil
	case remaining > 0:
		return UserMismatch, nil
	default:
		return Unknown, nil
	}
}

func (b *PostgresBackend) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM pending_acks WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres cleanup: %w", err)
	}
	removed := int(tag.RowsAffected())
	b.expired.Add(uint64(removed))
	return removed, nil
}

func (b *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	var pending int64
	err := b.pool.QueryRow(ctx,
		`SELECT count(*) FROM pending_acks WHERE expires_at > now()`,
	).Scan(&pending)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres stats: %w", err)
	}

	tracked := b.tracked.Load()
	acked := b.acked.Load()
	return Stats{
		Backend:       b.Name(),
		Pending:       pending,
		Tracked:       tracked,
		Acked:         acked,
		Expired:       b.expired.Load(),
		AckRate:       ackRate(tracked, acked),
		MeanLatencyMs: meanLatency(b.latencyMS.Load(), acked),
	}, nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
