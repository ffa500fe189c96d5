// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pushmq/ack"
	"github.com/absmach/pushmq/dispatch"
	"github.com/absmach/pushmq/queue"
	"github.com/absmach/pushmq/registry"
	"github.com/absmach/pushmq/template"
)

type harness struct {
	ts       *httptest.Server
	registry *registry.Registry
	queue    *queue.MemoryBackend
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	reg := registry.New(registry.DefaultLimits(), nil)
	store := queue.NewMemoryBackend(queue.Config{
		Enabled:    true,
		MaxPerUser: 10,
		MessageTTL: time.Hour,
	})
	tracker := ack.NewMemoryBackend(ack.Config{Enabled: true, Timeout: time.Minute})
	dispatcher := dispatch.New(dispatch.DefaultConfig(), reg, store, tracker, nil, nil)

	srv := New(cfg, Deps{
		Dispatcher: dispatcher,
		Registry:   reg,
		Queue:      store,
		Acks:       tracker,
		Templates:  template.NewStore(),
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{ts: ts, registry: reg, queue: store}
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (h *harness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{Version: "1.2.3"})

	resp, out := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "1.2.3", out["version"])
}

func TestSendToConnectedUser(t *testing.T) {
	h := newHarness(t, Config{})
	conn, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)

	resp, out := h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"u1","event_type":"order.created","payload":{"id":1}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["delivered_to"])
	assert.NotEmpty(t, out["notification_id"])

	select {
	case msg := <-conn.Outbound():
		data, err := msg.Encode()
		require.NoError(t, err)
		assert.Contains(t, string(data), "order.created")
	default:
		t.Fatal("no message reached the connection")
	}
}

func TestSendToOfflineUserQueues(t *testing.T) {
	h := newHarness(t, Config{})

	resp, out := h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"ghost","event_type":"e","payload":{}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["queued"])
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, Config{})

	resp, out := h.post(t, "/api/v1/notifications/send", `{"target_user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "INVALID_REQUEST", errObj["code"])

	resp, _ = h.post(t, "/api/v1/notifications/send", `{"event_type":"e"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"u1","event_type":"e","priority":"Bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendToUsers(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)
	_, err = h.registry.Register("u2", "", nil)
	require.NoError(t, err)

	resp, out := h.post(t, "/api/v1/notifications/send-to-users",
		`{"target_user_ids":["u1","u2","ghost"],"event_type":"e","payload":{}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), out["delivered_to"])
	assert.Equal(t, float64(1), out["queued"])
}

func TestChannelSend(t *testing.T) {
	h := newHarness(t, Config{})
	conn, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Subscribe(conn.ID, "orders"))

	resp, out := h.post(t, "/api/v1/notifications/channel",
		`{"channel":"orders","event_type":"order.created","payload":{}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["delivered_to"])

	resp, _ = h.post(t, "/api/v1/notifications/channel",
		`{"channel":"bad name!","event_type":"e"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 3; i++ {
		_, err := h.registry.Register(fmt.Sprintf("u%d", i), "", nil)
		require.NoError(t, err)
	}

	resp, out := h.post(t, "/api/v1/notifications/broadcast",
		`{"event_type":"maintenance","payload":{"at":"soon"}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), out["delivered_to"])
}

func TestBroadcastAudienceRoles(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("admin1", "", []string{"admin"})
	require.NoError(t, err)
	_, err = h.registry.Register("user1", "", nil)
	require.NoError(t, err)

	resp, out := h.post(t, "/api/v1/notifications/broadcast",
		`{"event_type":"e","audience":{"type":"Roles","value":["admin"]}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["delivered_to"])
}

func TestBatch(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)

	resp, out := h.post(t, "/api/v1/notifications/batch", `{
		"notifications": [
			{"target_user_id":"u1","event_type":"a","payload":{}},
			{"target_user_id":"ghost","event_type":"b","payload":{}},
			{"event_type":""}
		]
	}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["batch_id"])

	summary := out["summary"].(map[string]any)
	assert.Equal(t, float64(3), summary["total"])
	assert.Equal(t, float64(2), summary["succeeded"])
	assert.Equal(t, float64(1), summary["failed"])
}

func TestBatchDeduplicate(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)

	resp, out := h.post(t, "/api/v1/notifications/batch", `{
		"notifications": [
			{"target_user_id":"u1","event_type":"a","payload":{"n":1}},
			{"target_user_id":"u1","event_type":"a","payload":{"n":1}}
		],
		"options": {"deduplicate": true}
	}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	summary := out["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["succeeded"])
	assert.Equal(t, float64(1), summary["skipped"])
}

func TestBatchTooManyItems(t *testing.T) {
	h := newHarness(t, Config{})

	items := make([]string, 101)
	for i := range items {
		items[i] = fmt.Sprintf(`{"target_user_id":"u%d","event_type":"e"}`, i)
	}
	body := `{"notifications":[` + items[0]
	for _, it := range items[1:] {
		body += "," + it
	}
	body += `]}`

	resp, out := h.post(t, "/api/v1/notifications/batch", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "BATCH_TOO_LARGE", errObj["code"])
}

func TestBatchStopOnError(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)

	resp, out := h.post(t, "/api/v1/notifications/batch", `{
		"notifications": [
			{"event_type":""},
			{"target_user_id":"u1","event_type":"a","payload":{}}
		],
		"options": {"stop_on_error": true}
	}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	results := out["results"].([]any)
	assert.Len(t, results, 1, "processing halts at the first failure")
}

func TestChannelsEndpoints(t *testing.T) {
	h := newHarness(t, Config{})
	conn, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Subscribe(conn.ID, "orders"))

	resp, out := h.get(t, "/api/v1/channels")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	channels := out["channels"].([]any)
	require.Len(t, channels, 1)

	resp, out = h.get(t, "/api/v1/channels/orders")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "orders", out["name"])
	assert.Equal(t, float64(1), out["subscriber_count"])

	resp, out = h.get(t, "/api/v1/channels/empty")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "CHANNEL_NOT_FOUND", errObj["code"])
}

func TestUserSubscriptions(t *testing.T) {
	h := newHarness(t, Config{})
	conn, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Subscribe(conn.ID, "orders"))
	require.NoError(t, h.registry.Subscribe(conn.ID, "alerts"))

	resp, out := h.get(t, "/api/v1/users/u1/subscriptions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", out["user_id"])
	assert.Equal(t, float64(1), out["connection_count"])
	assert.ElementsMatch(t, []any{"alerts", "orders"}, out["subscriptions"])

	resp, out = h.get(t, "/api/v1/users/ghost/subscriptions")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "USER_NOT_CONNECTED", errObj["code"])
}

func TestTemplateLifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	resp, created := h.post(t, "/api/v1/templates/",
		`{"name":"welcome","event_type":"user.welcome","payload":{"msg":"hi {{name}}"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, got := h.get(t, "/api/v1/templates/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "welcome", got["name"])

	// Send through the template.
	_, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)
	resp, out := h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"u1","template_id":"`+id+`","variables":{"name":"Ada"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["delivered_to"])

	// Missing variable is a client error.
	resp, _ = h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"u1","template_id":"`+id+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, h.ts.URL+"/api/v1/templates/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	resp, _ = h.get(t, "/api/v1/templates/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTenantEndpoints(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("u1", "acme", nil)
	require.NoError(t, err)

	resp, out := h.get(t, "/api/v1/tenants")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out["tenants"], "acme")

	resp, out = h.get(t, "/api/v1/tenants/acme/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats := out["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["total_connections"])

	resp, out = h.get(t, "/api/v1/tenants/ghost/stats")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "TENANT_NOT_FOUND", errObj["code"])
}

func TestAPIKeyRequired(t *testing.T) {
	h := newHarness(t, Config{APIKey: "sekrit"})

	resp, out := h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"u1","event_type":"e"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, "UNAUTHORIZED", errObj["code"])

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/api/v1/notifications/send",
		bytes.NewBufferString(`{"target_user_id":"u1","event_type":"e"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Health stays open.
	healthResp, _ := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.Register("u1", "", nil)
	require.NoError(t, err)

	_, _ = h.post(t, "/api/v1/notifications/send",
		`{"target_user_id":"u1","event_type":"e","payload":{}}`)

	resp, out := h.get(t, "/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conns := out["connections"].(map[string]any)
	assert.Equal(t, float64(1), conns["total_connections"])

	disp := out["dispatch"].(map[string]any)
	assert.Equal(t, float64(1), disp["events_dispatched"])

	assert.Contains(t, out, "queue")
	assert.Contains(t, out, "acks")
}

func TestTenantIsolationInAPI(t *testing.T) {
	h := newHarness(t, Config{})
	conn, err := h.registry.Register("u1", "acme", nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Subscribe(conn.ID, "orders"))

	// Default tenant sees no channels.
	resp, out := h.get(t, "/api/v1/channels")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out["channels"])

	// The tenant header scopes the view.
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/v1/channels", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "acme")
	scoped, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer scoped.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(scoped.Body).Decode(&body))
	assert.Len(t, body["channels"], 1)
}
