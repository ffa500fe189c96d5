// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/pushmq/registry"
)

func TestHandleHealth(t *testing.T) {
	s := New(Config{Version: "1.2.3"}, nil, nil, nil)

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	s := New(Config{}, nil, nil, nil)

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleReady(t *testing.T) {
	reg := registry.New(registry.DefaultLimits(), nil)
	_, err := reg.Register("u1", "", nil)
	require.NoError(t, err)

	s := New(Config{}, reg, func() bool { return true }, nil)

	rr := httptest.NewRecorder()
	s.handleReady(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, 1, body.Connections)
}

func TestHandleReadyDraining(t *testing.T) {
	s := New(Config{}, nil, func() bool { return false }, nil)

	rr := httptest.NewRecorder()
	s.handleReady(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
}
