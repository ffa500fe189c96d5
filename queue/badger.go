// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/pushmq/core"
)

// Key format: q:{tenant}:{user}:{seq}. The sequence is global and
// zero-padded hex, so a prefix scan yields FIFO order per user.
const badgerKeyPrefix = "q:"

// Values above this size are S2-compressed when that actually shrinks
// them; a one-byte flag records which form was stored.
const compressionThreshold = 256

const (
	flagPlain      byte = 0
	flagCompressed byte = 1
)

// BadgerBackend stores per-user queues in an embedded BadgerDB, for
// single-node deployments that want queue persistence without an
// external store. Entries carry a native TTL so expired messages also
// vanish without an explicit cleanup pass.
type BadgerBackend struct {
	cfg Config
	db  *badger.DB
	seq *badger.Sequence

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex

	counters struct {
		sync.Mutex
		enqueued uint64
		dropped  uint64
		drained  uint64
		expired  uint64
	}
}

// NewBadgerBackend opens (or creates) the database directory and starts
// the value log GC loop.
func NewBadgerBackend(cfg Config, dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	// Async writes: queued notifications are transient and bounded by TTL.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue: %w", err)
	}

	seq, err := db.GetSequence([]byte("queue-seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}

	b := &BadgerBackend{
		cfg:      cfg.normalize(),
		db:       db,
		seq:      seq,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go b.runGC()

	return b, nil
}

func (b *BadgerBackend) Enabled() bool { return b.cfg.Enabled }

func (b *BadgerBackend) Name() string { return "badger" }

func (b *BadgerBackend) Enqueue(_ context.Context, tenantID, userID string, evt core.Event) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}

	now := time.Now().UTC()
	msg := StoredMessage{
		Event:     evt,
		QueuedAt:  now,
		ExpiresAt: retention(evt, b.cfg.MessageTTL, now),
	}
	value, err := encodeStored(msg)
	if err != nil {
		return err
	}

	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("badger sequence next: %w", err)
	}

	prefix := b.userPrefix(tenantID, userID)
	key := fmt.Sprintf("%s%016x", prefix, seq)
	dropped := 0

	err = b.db.Update(func(txn *badger.Txn) error {
		// Enforce the per-user bound by deleting the oldest entries.
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		if excess := len(keys) - b.cfg.MaxPerUser + 1; excess > 0 {
			for _, old := range keys[:excess] {
				if err := txn.Delete(old); err != nil {
					return err
				}
				dropped++
			}
		}

		entry := badger.NewEntry([]byte(key), value).
			WithTTL(time.Until(msg.ExpiresAt))
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger enqueue: %w", err)
	}

	b.counters.Lock()
	b.counters.enqueued++
	b.counters.dropped += uint64(dropped)
	b.counters.Unlock()
	return nil
}

func (b *BadgerBackend) Drain(_ context.Context, tenantID, userID string) ([]StoredMessage, error) {
	if !b.cfg.Enabled {
		return nil, ErrDisabled
	}

	prefix := []byte(b.userPrefix(tenantID, userID))
	now := time.Now()
	var msgs []StoredMessage
	expired := 0

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			keys = append(keys, item.KeyCopy(nil))

			err := item.Value(func(val []byte) error {
				msg, err := decodeStored(val)
				if err != nil {
					return nil // skip undecodable entries
				}
				if msg.Expired(now) {
					expired++
					return nil
				}
				msgs = append(msgs, msg)
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger drain: %w", err)
	}

	b.counters.Lock()
	b.counters.drained += uint64(len(msgs))
	b.counters.expired += uint64(expired)
	b.counters.Unlock()
	return msgs, nil
}

func (b *BadgerBackend) Len(_ context.Context, tenantID, userID string) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(b.userPrefix(tenantID, userID))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger len: %w", err)
	}
	return n, nil
}

func (b *BadgerBackend) Clear(_ context.Context, tenantID, userID string) (int, error) {
	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(b.userPrefix(tenantID, userID))
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger clear: %w", err)
	}
	return removed, nil
}

// CleanupExpired removes entries whose stored retention window elapsed.
// Badger's native TTL hides most of them already; this pass catches
// entries whose event TTL was shortened after write.
func (b *BadgerBackend) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				msg, err := decodeStored(val)
				if err != nil || msg.Expired(now) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger cleanup: %w", err)
	}

	b.counters.Lock()
	b.counters.expired += uint64(removed)
	b.counters.Unlock()
	return removed, nil
}

func (b *BadgerBackend) Stats(_ context.Context) (Stats, error) {
	users := make(map[string]struct{})
	var messages int64

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			// q:{tenant}:{user}:{seq} -> {tenant}:{user}
			if i := strings.LastIndexByte(key, ':'); i > len(badgerKeyPrefix) {
				users[key[len(badgerKeyPrefix):i]] = struct{}{}
			}
			messages++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("badger stats: %w", err)
	}

	b.counters.Lock()
	defer b.counters.Unlock()
	return Stats{
		Backend:  b.Name(),
		Users:    len(users),
		Messages: messages,
		Enqueued: b.counters.enqueued,
		Dropped:  b.counters.dropped,
		Drained:  b.counters.drained,
		Expired:  b.counters.expired,
	}, nil
}

// Close stops the GC loop, releases the sequence and closes the
// database. Safe to call more than once.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.gcStopCh)
	<-b.gcDone

	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return err
	}
	return b.db.Close()
}

// runGC runs Badger's value log garbage collection periodically.
func (b *BadgerBackend) runGC() {
	defer close(b.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// May return an error when no GC was needed, which is fine.
			_ = b.db.RunValueLogGC(0.5)
		case <-b.gcStopCh:
			return
		}
	}
}

func (b *BadgerBackend) userPrefix(tenantID, userID string) string {
	if tenantID == "" {
		tenantID = core.DefaultTenant
	}
	return badgerKeyPrefix + tenantID + ":" + userID + ":"
}

// encodeStored marshals a message, S2-compressing it when that shrinks
// the value.
func encodeStored(msg StoredMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal queued message: %w", err)
	}
	if len(data) > compressionThreshold {
		if compressed := s2.Encode(nil, data); len(compressed) < len(data) {
			return append([]byte{flagCompressed}, compressed...), nil
		}
	}
	return append([]byte{flagPlain}, data...), nil
}

func decodeStored(raw []byte) (StoredMessage, error) {
	var msg StoredMessage
	if len(raw) == 0 {
		return msg, fmt.Errorf("empty queued value")
	}
	data := raw[1:]
	if raw[0] == flagCompressed {
		var err error
		data, err = s2.Decode(nil, data)
		if err != nil {
			return msg, fmt.Errorf("decompress queued message: %w", err)
		}
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal queued message: %w", err)
	}
	return msg, nil
}
