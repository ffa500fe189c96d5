// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/dispatch"
)

type fakeSink struct {
	calls  []sinkCall
	err    error
	result dispatch.DeliveryResult
}

type sinkCall struct {
	tenantID string
	target   core.Target
	evt      core.Event
}

func (s *fakeSink) Dispatch(_ context.Context, tenantID string, target core.Target, evt core.Event) (dispatch.DeliveryResult, error) {
	s.calls = append(s.calls, sinkCall{tenantID: tenantID, target: target, evt: evt})
	return s.result, s.err
}

func newTestIngest(sink Sink, tenantID string) *Ingest {
	return New(Config{TenantID: tenantID}, nil, sink, nil, nil, nil, nil)
}

func TestHandleDispatchesParsedEnvelope(t *testing.T) {
	sink := &fakeSink{result: dispatch.DeliveryResult{Delivered: 1}}
	ing := newTestIngest(sink, "acme")

	ing.handle(context.Background(), &redis.Message{
		Channel: "notification:user:u1",
		Pattern: "notification:user:*",
		Payload: `{"type":"user","target":"u1","event":{"event_type":"e","payload":{"k":1}}}`,
	})

	require.Len(t, sink.calls, 1)
	call := sink.calls[0]
	assert.Equal(t, "acme", call.tenantID)
	assert.Equal(t, core.TargetUser, call.target.Kind())
	assert.Equal(t, "u1", call.target.ID())
	assert.Equal(t, "redis:notification:user:u1", call.evt.Metadata.Source)

	stats := ing.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.Zero(t, stats.Skipped)
}

func TestHandleSkipsUnparseableMessage(t *testing.T) {
	sink := &fakeSink{}
	ing := newTestIngest(sink, "")

	ing.handle(context.Background(), &redis.Message{
		Channel: "notification:broadcast",
		Payload: `{"type":`,
	})
	ing.handle(context.Background(), &redis.Message{
		Channel: "notification:broadcast",
		Payload: `{"type":"group","target":"g","event":{"event_type":"e","payload":{}}}`,
	})

	assert.Empty(t, sink.calls)
	stats := ing.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(2), stats.Skipped)
	assert.Zero(t, stats.Dispatched)
}

func TestHandleCountsDispatchErrors(t *testing.T) {
	sink := &fakeSink{err: errors.New("unsupported")}
	ing := newTestIngest(sink, "")

	ing.handle(context.Background(), &redis.Message{
		Channel: "notification:broadcast",
		Payload: `{"type":"broadcast","target":null,"event":{"event_type":"e","payload":{}}}`,
	})

	require.Len(t, sink.calls, 1)
	stats := ing.Stats()
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Zero(t, stats.Dispatched)
}

func TestNewAppliesDefaultPatterns(t *testing.T) {
	ing := newTestIngest(&fakeSink{}, "")
	assert.Equal(t, []string{
		"notification:user:*",
		"notification:broadcast",
		"notification:channel:*",
	}, ing.cfg.Patterns)
	assert.Equal(t, DefaultConnectTimeout, ing.cfg.ConnectTimeout)
}

func TestRunReturnsOnCancelledContext(t *testing.T) {
	ing := newTestIngest(&fakeSink{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, ing.Run(ctx))
}
