// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the notification service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	Queue     QueueConfig     `yaml:"queue"`
	Ack       AckConfig       `yaml:"ack"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Badger    BadgerConfig    `yaml:"badger"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Auth      AuthConfig      `yaml:"auth"`
	Tenant    TenantConfig    `yaml:"tenant"`
	Log       LogConfig       `yaml:"log"`
	Otel      OtelConfig      `yaml:"otel"`
}

// ServerConfig holds the listener addresses and HTTP surface settings.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	SSEEnabled      bool          `yaml:"sse_enabled"`
	SSEPath         string        `yaml:"sse_path"`
	HealthAddr      string        `yaml:"health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKey, when set, is required on mutating API endpoints.
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Per-IP connection-attempt limiting for the push transports.
	ConnRate  float64 `yaml:"conn_rate"`
	ConnBurst int     `yaml:"conn_burst"`
}

// LimitsConfig holds the connection registry capacity limits.
type LimitsConfig struct {
	MaxConnections int `yaml:"max_connections"`
	MaxPerUser     int `yaml:"max_per_user"`
	MaxSubsPerConn int `yaml:"max_subs_per_conn"`
	OutboundBuffer int `yaml:"outbound_buffer"`
}

// QueueConfig holds offline queue settings.
type QueueConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Backend         string        `yaml:"backend"` // memory, redis, postgres, badger
	MaxPerUser      int           `yaml:"max_per_user"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RedisKeyPrefix  string        `yaml:"redis_key_prefix"`
}

// AckConfig holds acknowledgement tracking settings.
type AckConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Backend         string        `yaml:"backend"` // memory, redis, postgres
	Timeout         time.Duration `yaml:"timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RedisKeyPrefix  string        `yaml:"redis_key_prefix"`
}

// RedisConfig holds the shared Redis connection and the pub/sub ingest
// subscription patterns.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Channels []string `yaml:"channels"`
}

// PostgresConfig holds the Postgres pool settings.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// BadgerConfig holds the embedded store settings.
type BadgerConfig struct {
	Dir string `yaml:"dir"`
}

// BreakerConfig holds circuit breaker thresholds for bus-facing calls.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// BackoffConfig holds the reconnect backoff schedule.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// HeartbeatConfig holds the liveness probe and cleanup cadence.
type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// AuthConfig holds JWT validation settings. An empty secret disables
// token validation; the user id is then taken from the X-User-ID header
// or the `user` query parameter (development mode).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TenantConfig holds multi-tenancy settings.
type TenantConfig struct {
	DefaultTenant string `yaml:"default_tenant"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// OtelConfig holds OpenTelemetry exporter settings.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// DefaultChannels are the bus patterns the ingest loop subscribes to.
func DefaultChannels() []string {
	return []string{
		"notification:user:*",
		"notification:broadcast",
		"notification:channel:*",
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			WSAddr:          ":8081",
			WSPath:          "/ws",
			SSEEnabled:      true,
			SSEPath:         "/events",
			HealthAddr:      ":8082",
			ShutdownTimeout: 30 * time.Second,
			ConnRate:        50,
			ConnBurst:       100,
		},
		Limits: LimitsConfig{
			MaxConnections: 10000,
			MaxPerUser:     5,
			MaxSubsPerConn: 50,
			OutboundBuffer: 32,
		},
		Queue: QueueConfig{
			Enabled:         false,
			Backend:         "memory",
			MaxPerUser:      100,
			TTL:             time.Hour,
			CleanupInterval: 5 * time.Minute,
			RedisKeyPrefix:  "pushmq:queue",
		},
		Ack: AckConfig{
			Enabled:         false,
			Backend:         "memory",
			Timeout:         30 * time.Second,
			CleanupInterval: 60 * time.Second,
			RedisKeyPrefix:  "pushmq:ack",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Channels: DefaultChannels(),
		},
		Badger: BadgerConfig{
			Dir: "./data/queue",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        30 * time.Second,
			CleanupInterval: 60 * time.Second,
			IdleTimeout:     120 * time.Second,
		},
		Tenant: TenantConfig{
			DefaultTenant: "default",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "pushmq",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSPath == "" {
		return fmt.Errorf("server.ws_path cannot be empty")
	}
	if c.Server.SSEEnabled && c.Server.SSEPath == "" {
		return fmt.Errorf("server.sse_path required when SSE is enabled")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}
	if c.Server.ConnRate < 0 {
		return fmt.Errorf("server.conn_rate cannot be negative")
	}

	if c.Limits.MaxConnections < 1 {
		return fmt.Errorf("limits.max_connections must be at least 1")
	}
	if c.Limits.MaxPerUser < 1 {
		return fmt.Errorf("limits.max_per_user must be at least 1")
	}
	if c.Limits.MaxSubsPerConn < 1 {
		return fmt.Errorf("limits.max_subs_per_conn must be at least 1")
	}
	if c.Limits.OutboundBuffer < 1 {
		return fmt.Errorf("limits.outbound_buffer must be at least 1")
	}

	validQueueBackends := map[string]bool{"memory": true, "redis": true, "postgres": true, "badger": true}
	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("queue.backend must be one of: memory, redis, postgres, badger")
	}
	if c.Queue.Enabled {
		if c.Queue.MaxPerUser < 1 {
			return fmt.Errorf("queue.max_per_user must be at least 1")
		}
		if c.Queue.TTL < time.Second {
			return fmt.Errorf("queue.ttl must be at least 1 second")
		}
		if c.Queue.Backend == "postgres" && c.Postgres.URL == "" {
			return fmt.Errorf("postgres.url required when queue.backend is postgres")
		}
		if c.Queue.Backend == "badger" && c.Badger.Dir == "" {
			return fmt.Errorf("badger.dir required when queue.backend is badger")
		}
	}

	validAckBackends := map[string]bool{"memory": true, "redis": true, "postgres": true}
	if !validAckBackends[c.Ack.Backend] {
		return fmt.Errorf("ack.backend must be one of: memory, redis, postgres")
	}
	if c.Ack.Enabled {
		if c.Ack.Timeout < time.Second {
			return fmt.Errorf("ack.timeout must be at least 1 second")
		}
		if c.Ack.Backend == "postgres" && c.Postgres.URL == "" {
			return fmt.Errorf("postgres.url required when ack.backend is postgres")
		}
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}
	if len(c.Redis.Channels) == 0 {
		return fmt.Errorf("redis.channels cannot be empty")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be at least 1")
	}
	if c.Breaker.ResetTimeout < time.Second {
		return fmt.Errorf("breaker.reset_timeout must be at least 1 second")
	}

	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("backoff.initial_delay must be positive")
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("backoff.max_delay must be at least backoff.initial_delay")
	}

	if c.Heartbeat.Interval < time.Second {
		return fmt.Errorf("heartbeat.interval must be at least 1 second")
	}
	if c.Heartbeat.CleanupInterval < time.Second {
		return fmt.Errorf("heartbeat.cleanup_interval must be at least 1 second")
	}
	if c.Heartbeat.IdleTimeout < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.idle_timeout must be at least heartbeat.interval")
	}

	if c.Tenant.DefaultTenant == "" {
		return fmt.Errorf("tenant.default_tenant cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
