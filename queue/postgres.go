// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/absmach/pushmq/core"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS message_queue (
	id         BIGSERIAL PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	event_data JSONB NOT NULL,
	queued_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_queue_user
	ON message_queue (tenant_id, user_id, id);
CREATE INDEX IF NOT EXISTS idx_message_queue_expiry
	ON message_queue (expires_at);
`

// PostgresBackend stores per-user queues in a message_queue table so
// queued notifications survive restarts.
type PostgresBackend struct {
	cfg  Config
	pool *pgxpool.Pool

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	drained  atomic.Uint64
	expired  atomic.Uint64
}

// NewPostgresBackend creates a Postgres-backed queue and ensures its
// schema exists. The backend owns the pool and closes it on Close.
func NewPostgresBackend(ctx context.Context, cfg Config, pool *pgxpool.Pool) (*PostgresBackend, error) {
	b := &PostgresBackend{cfg: cfg.normalize(), pool: pool}
	if _, err := pool.Exec(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("ensure message_queue schema: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) Enabled() bool { return b.cfg.Enabled }

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Enqueue(ctx context.Context, tenantID, userID string, evt core.Event) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}

	now := time.Now().UTC()
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal queued event: %w", err)
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO message_queue (tenant_id, user_id, event_data, queued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenantID, userID, data, now, retention(evt, b.cfg.MessageTTL, now),
	); err != nil {
		return fmt.Errorf("postgres enqueue: %w", err)
	}

	// Keep only the newest MaxPerUser rows for this user.
	tag, err := tx.Exec(ctx,
		`DELETE FROM message_queue WHERE id IN (
			SELECT id FROM message_queue
			WHERE tenant_id = $1 AND user_id = $2
			ORDER BY id DESC OFFSET $3)`,
		tenantID, userID, b.cfg.MaxPerUser,
	)
	if err != nil {
		return fmt.Errorf("postgres trim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres enqueue commit: %w", err)
	}

	b.dropped.Add(uint64(tag.RowsAffected()))
	b.enqueued.Add(1)
	return nil
}

func (b *PostgresBackend) Drain(ctx context.Context, tenantID, userID string) ([]StoredMessage, error) {
	if !b.cfg.Enabled {
		return nil, ErrDisabled
	}
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}

	rows, err := b.pool.Query(ctx,
		`WITH drained AS (
			DELETE FROM message_queue
			WHERE tenant_id = $1 AND user_id = $2
			RETURNING id, event_data, queued_at, expires_at)
		 SELECT event_data, queued_at, expires_at FROM drained
		 WHERE expires_at > now()
		 ORDER BY id ASC`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres drain: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var (
			data []byte
			msg  StoredMessage
		)
		if err := rows.Scan(&data, &msg.QueuedAt, &msg.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres drain scan: %w", err)
		}
		if err := json.Unmarshal(data, &msg.Event); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres drain rows: %w", err)
	}

	b.drained.Add(uint64(len(msgs)))
	return msgs, nil
}

func (b *PostgresBackend) Len(ctx context.Context, tenantID, userID string) (int, error) {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	var n int
	err := b.pool.QueryRow(ctx,
		`SELECT count(*) FROM message_queue
		 WHERE tenant_id = $1 AND user_id = $2 AND expires_at > now()`,
		tenantID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres len: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) Clear(ctx context.Context, tenantID, userID string) (int, error) {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM message_queue WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres clear: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM message_queue WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres cleanup: %w", err)
	}
	removed := int(tag.RowsAffected())
	b.expired.Add(uint64(removed))
	return removed, nil
}

func (b *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	var (
		users    int
		messages int64
	)
	err := b.pool.QueryRow(ctx,
		`SELECT count(DISTINCT (tenant_id, user_id)), count(*)
		 FROM message_queue WHERE expires_at > now()`,
	).Scan(&users, &messages)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres stats: %w", err)
	}

	return Stats{
		Backend:  b.Name(),
		Users:    users,
		Messages: messages,
		Enqueued: b.enqueued.Load(),
		Dropped:  b.dropped.Load(),
		Drained:  b.drained.Load(),
		Expired:  b.expired.Load(),
	}, nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
