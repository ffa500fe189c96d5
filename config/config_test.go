// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":8081", cfg.Server.WSAddr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.True(t, cfg.Server.SSEEnabled)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 10000, cfg.Limits.MaxConnections)
	assert.Equal(t, 5, cfg.Limits.MaxPerUser)
	assert.Equal(t, 50, cfg.Limits.MaxSubsPerConn)

	assert.False(t, cfg.Queue.Enabled)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, time.Hour, cfg.Queue.TTL)

	assert.Equal(t, 30*time.Second, cfg.Ack.Timeout)

	assert.Equal(t, DefaultChannels(), cfg.Redis.Channels)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 120*time.Second, cfg.Heartbeat.IdleTimeout)
	assert.Equal(t, "default", cfg.Tenant.DefaultTenant)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty http addr",
			modify:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: true,
		},
		{
			name:    "empty ws addr",
			modify:  func(c *Config) { c.Server.WSAddr = "" },
			wantErr: true,
		},
		{
			name: "sse enabled without path",
			modify: func(c *Config) {
				c.Server.SSEEnabled = true
				c.Server.SSEPath = ""
			},
			wantErr: true,
		},
		{
			name:    "zero max connections",
			modify:  func(c *Config) { c.Limits.MaxConnections = 0 },
			wantErr: true,
		},
		{
			name:    "unknown queue backend",
			modify:  func(c *Config) { c.Queue.Backend = "etcd" },
			wantErr: true,
		},
		{
			name: "postgres queue backend without url",
			modify: func(c *Config) {
				c.Queue.Enabled = true
				c.Queue.Backend = "postgres"
				c.Postgres.URL = ""
			},
			wantErr: true,
		},
		{
			name: "badger queue backend without dir",
			modify: func(c *Config) {
				c.Queue.Enabled = true
				c.Queue.Backend = "badger"
				c.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name:    "badger is not an ack backend",
			modify:  func(c *Config) { c.Ack.Backend = "badger" },
			wantErr: true,
		},
		{
			name: "ack timeout too short",
			modify: func(c *Config) {
				c.Ack.Enabled = true
				c.Ack.Timeout = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name:    "no ingest channels",
			modify:  func(c *Config) { c.Redis.Channels = nil },
			wantErr: true,
		},
		{
			name:    "zero breaker failure threshold",
			modify:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name: "backoff max below initial",
			modify: func(c *Config) {
				c.Backoff.InitialDelay = time.Second
				c.Backoff.MaxDelay = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "idle timeout below heartbeat interval",
			modify: func(c *Config) {
				c.Heartbeat.Interval = 30 * time.Second
				c.Heartbeat.IdleTimeout = 10 * time.Second
			},
			wantErr: true,
		},
		{
			name:    "empty default tenant",
			modify:  func(c *Config) { c.Tenant.DefaultTenant = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name: "otel sample rate out of range",
			modify: func(c *Config) {
				c.Otel.Enabled = true
				c.Otel.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.HTTPAddr = ":9090"
	cfg.Queue.Enabled = true
	cfg.Queue.Backend = "redis"
	cfg.Heartbeat.Interval = 10 * time.Second
	cfg.Heartbeat.IdleTimeout = 45 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Log.Level = "loud"
	require.NoError(t, cfg.Save(path))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a mapping"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
