// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/auth"
	"github.com/absmach/pushmq/core"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/registry"
)

type testHarness struct {
	server   *httptest.Server
	registry *registry.Registry
	queue    *queue.MemoryBackend
	acks     *ack.MemoryBackend
}

func newHarness(t *testing.T, limits registry.Limits) *testHarness {
	t.Helper()

	reg := registry.New(limits, nil)
	store := queue.NewMemoryBackend(queue.Config{
		Enabled:    true,
		MaxPerUser: 10,
		MessageTTL: time.Hour,
	})
	tracker := ack.NewMemoryBackend(ack.Config{
		Enabled: true,
		Timeout: time.Minute,
	})

	// Empty secret puts the authenticator in development mode: the
	// user id comes from the `user` query parameter.
	srv := New(Config{Path: "/ws"}, reg, store, tracker, auth.New("", ""), nil, nil, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	t.Cleanup(ts.Close)

	return &testHarness{server: ts, registry: reg, queue: store, acks: tracker}
}

func (h *testHarness) dial(t *testing.T, user string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?user=" + user
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gws.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"Ping"}`)))

	frame := readFrame(t, conn)
	assert.Equal(t, core.FramePong, frame["type"])
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	require.NoError(t, conn.WriteMessage(gws.TextMessage,
		[]byte(`{"type":"Subscribe","payload":{"channels":["orders","alerts"]}}`)))

	frame := readFrame(t, conn)
	require.Equal(t, core.FrameSubscribed, frame["type"])
	assert.ElementsMatch(t, []any{"orders", "alerts"}, frame["payload"])

	require.Eventually(t, func() bool {
		return len(h.registry.ChannelConnections("", "orders")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(gws.TextMessage,
		[]byte(`{"type":"Unsubscribe","payload":{"channels":["orders"]}}`)))

	frame = readFrame(t, conn)
	require.Equal(t, core.FrameUnsubscribed, frame["type"])

	require.Eventually(t, func() bool {
		return len(h.registry.ChannelConnections("", "orders")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInvalidChannelNameRejected(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	require.NoError(t, conn.WriteMessage(gws.TextMessage,
		[]byte(`{"type":"Subscribe","payload":{"channels":["bad channel!"]}}`)))

	frame := readFrame(t, conn)
	assert.Equal(t, core.FrameError, frame["type"])
	assert.Equal(t, core.CodeSubscriptionError, frame["code"])
}

func TestBinaryFrameRejectedConnectionStaysOpen(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	require.NoError(t, conn.WriteMessage(gws.BinaryMessage, []byte{0x01, 0x02}))

	frame := readFrame(t, conn)
	assert.Equal(t, core.FrameError, frame["type"])
	assert.Equal(t, core.CodeUnsupportedFormat, frame["code"])

	// Still alive after the rejection.
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"Ping"}`)))
	frame = readFrame(t, conn)
	assert.Equal(t, core.FramePong, frame["type"])
}

func TestMalformedJSONRejectedConnectionStaysOpen(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{broken`)))

	frame := readFrame(t, conn)
	assert.Equal(t, core.FrameError, frame["type"])
	assert.Equal(t, core.CodeInvalidMessage, frame["code"])

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"Ping"}`)))
	frame = readFrame(t, conn)
	assert.Equal(t, core.FramePong, frame["type"])
}

func TestQueuedMessagesReplayedOnConnect(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())

	evt := core.NewEvent("order.shipped", "test", json.RawMessage(`{"id":42}`))
	require.NoError(t, h.queue.Enqueue(context.Background(), "", "u1", evt))

	conn := h.dial(t, "u1")

	frame := readFrame(t, conn)
	require.Equal(t, core.FrameNotification, frame["type"])
	assert.Equal(t, "order.shipped", frame["event_type"])

	n, err := h.queue.Len(context.Background(), "", "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "queue drained after replay")
}

func TestReplayBacklogLargerThanOutboundBuffer(t *testing.T) {
	limits := registry.DefaultLimits()
	limits.OutboundBuffer = 4
	h := newHarness(t, limits)

	for i := 0; i < 10; i++ {
		evt := core.NewEvent("order.shipped", "test", json.RawMessage(`{"id":42}`))
		require.NoError(t, h.queue.Enqueue(context.Background(), "", "u1", evt))
	}

	// Every drained message arrives even though the backlog exceeds the
	// outbound channel capacity.
	conn := h.dial(t, "u1")
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, core.FrameNotification, frame["type"])
		assert.Equal(t, "order.shipped", frame["event_type"])
	}

	n, err := h.queue.Len(context.Background(), "", "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAckFlow(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	var reg *registry.Connection
	require.Eventually(t, func() bool {
		conns := h.registry.UserConnections("", "u1")
		if len(conns) != 1 {
			return false
		}
		reg = conns[0]
		return true
	}, time.Second, 10*time.Millisecond)

	notificationID := uuid.New()
	pending := ack.NewPending(notificationID, reg.ID, "", "u1", time.Minute)
	require.NoError(t, h.acks.Track(context.Background(), pending))

	msg := `{"type":"Ack","payload":{"notification_id":"` + notificationID.String() + `"}}`
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(msg)))

	frame := readFrame(t, conn)
	require.Equal(t, core.FrameAcked, frame["type"])
	assert.Equal(t, notificationID.String(), frame["notification_id"])
}

func TestAckUnknownNotification(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	msg := `{"type":"Ack","payload":{"notification_id":"` + uuid.NewString() + `"}}`
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(msg)))

	frame := readFrame(t, conn)
	assert.Equal(t, core.FrameError, frame["type"])
	assert.Equal(t, core.CodeInvalidAck, frame["code"])
}

func TestConnectionLimitFrame(t *testing.T) {
	limits := registry.DefaultLimits()
	limits.MaxConnections = 1
	h := newHarness(t, limits)

	h.dial(t, "u1")
	require.Eventually(t, func() bool {
		return len(h.registry.UserConnections("", "u1")) == 1
	}, time.Second, 10*time.Millisecond)

	second := h.dial(t, "u2")
	frame := readFrame(t, second)
	assert.Equal(t, core.FrameError, frame["type"])
	assert.Equal(t, core.CodeConnectionLimit, frame["code"])

	// Server closes after the error frame.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
}

func TestUnauthenticatedHandshakeRejected(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOutboundDeliveryThroughWriter(t *testing.T) {
	h := newHarness(t, registry.DefaultLimits())
	conn := h.dial(t, "u1")

	var reg *registry.Connection
	require.Eventually(t, func() bool {
		conns := h.registry.UserConnections("", "u1")
		if len(conns) != 1 {
			return false
		}
		reg = conns[0]
		return true
	}, time.Second, 10*time.Millisecond)

	evt := core.NewEvent("alert.fired", "test", json.RawMessage(`{"sev":"high"}`))
	require.True(t, reg.TrySend(core.Raw(core.NotificationFrame(evt))))

	frame := readFrame(t, conn)
	assert.Equal(t, core.FrameNotification, frame["type"])
}
