// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxdispatch/pkg/tls"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine process.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Log          LogConfig           `yaml:"log"`
	Dispatch     DispatchConfig      `yaml:"dispatch"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Drivers      DriversConfig       `yaml:"drivers"`
	Security     SecurityConfig      `yaml:"security"`
	Storage      StorageConfig       `yaml:"storage"`
	Webhook      WebhookConfig       `yaml:"webhook"`
	RateLimit    RateLimitConfig     `yaml:"ratelimit"`
	Ingress      IngressConfig       `yaml:"ingress"`
}

// ServerConfig holds the administrative surfaces and telemetry settings.
type ServerConfig struct {
	NodeID            string        `yaml:"node_id"`
	HealthAddr        string        `yaml:"health_addr"`
	APIAddr           string        `yaml:"api_addr"`
	APIMaxConnections int           `yaml:"api_max_connections"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HealthEnabled     bool          `yaml:"health_enabled"`
	APIEnabled        bool          `yaml:"api_enabled"`
	MetricsAddr       string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled    bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DispatchConfig holds engine-wide settings.
type DispatchConfig struct {
	// Maximum number of concurrently running dispatch workers.
	Workers int `yaml:"workers"`

	// Buffer of the timer service's fired channel.
	TimerBuffer int `yaml:"timer_buffer"`

	// Buffer of each event bus subscription.
	EventBuffer int `yaml:"event_buffer"`

	// Settings applied to every destination that does not override them.
	Defaults DestinationSettings `yaml:"defaults"`
}

// DestinationSettings holds the per-destination dispatch policy.
type DestinationSettings struct {
	MaxEntries      int                  `yaml:"max_entries"`
	OverflowPolicy  string               `yaml:"overflow_policy"` // block, reject, dead_letter
	CollectTime     time.Duration        `yaml:"collect_time"`    // 0 disables burst mode
	BurstMaxEntries int                  `yaml:"burst_max_entries"`
	BurstMaxBytes   int64                `yaml:"burst_max_bytes"`
	Retries         int                  `yaml:"retries"` // -1 = unlimited
	RetryDelay      time.Duration        `yaml:"retry_delay"`
	RetryBackoff    string               `yaml:"retry_backoff"` // constant, exponential
	RetryMaxDelay   time.Duration        `yaml:"retry_max_delay"`
	PingInterval    time.Duration        `yaml:"ping_interval"` // 0 disables keepalive
	LogEvery        time.Duration        `yaml:"log_every"`
	FailFast        bool                 `yaml:"fail_fast"`
	KillSession     bool                 `yaml:"kill_session_on_exhaust"`
	PriorityRules   []PriorityRuleConfig `yaml:"priority_rules,omitempty"`
}

// PriorityRuleConfig maps a connection state and a priority range to an action.
type PriorityRuleConfig struct {
	State      string `yaml:"state"`      // alive, polling
	Priorities string `yaml:"priorities"` // "0-4" or "7"
	Action     string `yaml:"action"`     // send, queue, destroy
}

// DestinationConfig declares one destination created at startup.
type DestinationConfig struct {
	Kind      string               `yaml:"kind"` // session, subject, unrelated
	Name      string               `yaml:"name"`
	Paused    bool                 `yaml:"paused"`
	Addresses []AddressConfig      `yaml:"addresses"`
	Settings  *DestinationSettings `yaml:"settings,omitempty"` // Override defaults
}

// AddressConfig is one failover candidate.
type AddressConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Options map[string]string `yaml:"options,omitempty"`
}

// DriversConfig holds per-protocol driver settings.
type DriversConfig struct {
	MQTT      MQTTDriverConfig      `yaml:"mqtt"`
	NATS      NATSDriverConfig      `yaml:"nats"`
	AMQP      AMQPDriverConfig      `yaml:"amqp"`
	WebSocket WebSocketDriverConfig `yaml:"websocket"`
	HTTP      HTTPDriverConfig      `yaml:"http"`
	CoAP      CoAPDriverConfig      `yaml:"coap"`
}

// MQTTDriverConfig holds MQTT client settings.
type MQTTDriverConfig struct {
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            tls.Config    `yaml:"tls"`
}

// NATSDriverConfig holds NATS client settings.
type NATSDriverConfig struct {
	Name           string        `yaml:"name"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	TLS            tls.Config    `yaml:"tls"`
}

// AMQPDriverConfig holds AMQP 0.9.1 client settings.
type AMQPDriverConfig struct {
	Exchange   string        `yaml:"exchange"`
	Mandatory  bool          `yaml:"mandatory"`
	Persistent bool          `yaml:"persistent"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
	TLS        tls.Config    `yaml:"tls"`
}

// WebSocketDriverConfig holds WebSocket client settings.
type WebSocketDriverConfig struct {
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	Headers          map[string]string `yaml:"headers"`
	TLS              tls.Config        `yaml:"tls"`
}

// HTTPDriverConfig holds HTTP client settings.
type HTTPDriverConfig struct {
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	TLS     tls.Config        `yaml:"tls"`
}

// CoAPDriverConfig holds CoAP client settings.
type CoAPDriverConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	DTLS    tls.Config    `yaml:"dtls"`
}

// SecurityConfig holds the payload interceptor chain.
type SecurityConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Stages        []string          `yaml:"stages"` // compress, encrypt, mac (applied in order)
	Compression   CompressionConfig `yaml:"compression"`
	EncryptionKey string            `yaml:"encryption_key"` // hex, 32 bytes
	MACKey        string            `yaml:"mac_key"`        // hex, 32 bytes
}

// CompressionConfig holds payload compression settings.
type CompressionConfig struct {
	Type    string `yaml:"type"` // s2, zstd
	MinSize int    `yaml:"min_size"`
}

// StorageConfig holds the dead-letter store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, sqlite

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// SQLite settings
	SQLitePath string `yaml:"sqlite_path"`

	// Topic under which dead letters are published.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
}

// RateLimitConfig holds per-destination dispatch rate limiting.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // batches per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"` // "http"
	URL                string            `yaml:"url"`
	Events             []string          `yaml:"events"`              // Event type filter (empty = all)
	DestinationFilters []string          `yaml:"destination_filters"` // Destination ID prefixes (empty = all)
	Headers            map[string]string `yaml:"headers"`
	Timeout            time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry              *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// IngressConfig holds the frame listeners through which peer nodes
// dispatch into this engine.
type IngressConfig struct {
	// WaitTimeout bounds how long a request frame waits for entry results.
	WaitTimeout time.Duration   `yaml:"wait_timeout"`
	HTTP        IngressListener `yaml:"http"`
	WebSocket   IngressListener `yaml:"websocket"`
	CoAP        IngressListener `yaml:"coap"`
}

// IngressListener is one frame listener.
type IngressListener struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:            "dispatch-1",
			HealthAddr:        ":8081",
			HealthEnabled:     true,
			APIAddr:           ":8090",
			APIEnabled:        true,
			APIMaxConnections: 256,
			ShutdownTimeout:   30 * time.Second,
			MetricsAddr:       "localhost:4317",
			MetricsEnabled:    false,

			OtelServiceName:     "fluxdispatch",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Dispatch: DispatchConfig{
			Workers:     32,
			TimerBuffer: 1024,
			EventBuffer: 256,
			Defaults:    DefaultDestinationSettings(),
		},
		Drivers: DriversConfig{
			MQTT: MQTTDriverConfig{
				ClientIDPrefix: "fluxdispatch",
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
				WriteTimeout:   10 * time.Second,
			},
			NATS: NATSDriverConfig{
				Name:           "fluxdispatch",
				ConnectTimeout: 5 * time.Second,
				FlushTimeout:   5 * time.Second,
			},
			AMQP: AMQPDriverConfig{
				Persistent: true,
				Heartbeat:  10 * time.Second,
			},
			WebSocket: WebSocketDriverConfig{
				HandshakeTimeout: 10 * time.Second,
				CallTimeout:      30 * time.Second,
			},
			HTTP: HTTPDriverConfig{
				Timeout: 30 * time.Second,
			},
			CoAP: CoAPDriverConfig{
				Timeout: 10 * time.Second,
			},
		},
		Security: SecurityConfig{
			Enabled: false,
			Compression: CompressionConfig{
				Type:    "s2",
				MinSize: 1024,
			},
		},
		Storage: StorageConfig{
			Type:            "memory",
			BadgerDir:       "/tmp/fluxdispatch/deadletter",
			SQLitePath:      "/tmp/fluxdispatch/deadletter.db",
			DeadLetterTopic: "__sys__deadMessage",
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Rate:            100,
			Burst:           10,
			CleanupInterval: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Ingress: IngressConfig{
			WaitTimeout: 30 * time.Second,
			HTTP:        IngressListener{Addr: ":8070"},
			WebSocket:   IngressListener{Addr: ":8071"},
			CoAP:        IngressListener{Addr: ":5683"},
		},
	}
}

// DefaultDestinationSettings returns the dispatch policy used when nothing
// else is configured.
func DefaultDestinationSettings() DestinationSettings {
	return DestinationSettings{
		MaxEntries:      1000,
		OverflowPolicy:  "block",
		CollectTime:     0,
		BurstMaxEntries: -1,
		BurstMaxBytes:   -1,
		Retries:         -1,
		RetryDelay:      5 * time.Second,
		RetryBackoff:    "constant",
		RetryMaxDelay:   time.Minute,
		PingInterval:    10 * time.Second,
		LogEvery:        time.Minute,
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
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id cannot be empty")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.APIEnabled {
		if c.Server.APIAddr == "" {
			return fmt.Errorf("server.api_addr required when api is enabled")
		}
		if c.Server.APIMaxConnections < 0 {
			return fmt.Errorf("server.api_max_connections cannot be negative")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.TimerBuffer < 1 {
		return fmt.Errorf("dispatch.timer_buffer must be at least 1")
	}
	if err := c.Dispatch.Defaults.Validate("dispatch.defaults"); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, d := range c.Destinations {
		prefix := fmt.Sprintf("destinations[%d]", i)
		switch d.Kind {
		case "session", "subject", "unrelated":
		default:
			return fmt.Errorf("%s.kind must be one of: session, subject, unrelated", prefix)
		}
		if d.Name == "" {
			return fmt.Errorf("%s.name cannot be empty", prefix)
		}
		key := d.Kind + ":" + d.Name
		if seen[key] {
			return fmt.Errorf("%s duplicates destination %s", prefix, key)
		}
		seen[key] = true
		if len(d.Addresses) == 0 {
			return fmt.Errorf("%s.addresses must contain at least one address", prefix)
		}
		for j, a := range d.Addresses {
			if a.Type == "" || a.URL == "" {
				return fmt.Errorf("%s.addresses[%d] requires type and url", prefix, j)
			}
		}
		if d.Settings != nil {
			if err := d.Settings.Validate(prefix + ".settings"); err != nil {
				return err
			}
		}
	}

	if c.Security.Enabled {
		validStages := map[string]bool{"compress": true, "encrypt": true, "mac": true}
		for _, s := range c.Security.Stages {
			if !validStages[s] {
				return fmt.Errorf("security.stages must contain only: compress, encrypt, mac")
			}
			if s == "encrypt" && len(c.Security.EncryptionKey) != 64 {
				return fmt.Errorf("security.encryption_key must be 32 hex-encoded bytes")
			}
			if s == "mac" && len(c.Security.MACKey) != 64 {
				return fmt.Errorf("security.mac_key must be 32 hex-encoded bytes")
			}
		}
		if c.Security.Compression.Type != "s2" && c.Security.Compression.Type != "zstd" {
			return fmt.Errorf("security.compression.type must be one of: s2, zstd")
		}
		if c.Security.Compression.MinSize < 0 {
			return fmt.Errorf("security.compression.min_size cannot be negative")
		}
	}

	validStorage := map[string]bool{"memory": true, "badger": true, "sqlite": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger, sqlite")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.Type == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path required when type is sqlite")
	}
	if c.Storage.DeadLetterTopic == "" {
		return fmt.Errorf("storage.dead_letter_topic cannot be empty")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("ratelimit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	listeners := []struct {
		name string
		l    IngressListener
	}{
		{"http", c.Ingress.HTTP},
		{"websocket", c.Ingress.WebSocket},
		{"coap", c.Ingress.CoAP},
	}
	for _, il := range listeners {
		if il.l.Enabled && il.l.Addr == "" {
			return fmt.Errorf("ingress.%s.addr required when enabled", il.name)
		}
	}
	if c.Ingress.WaitTimeout < 0 {
		return fmt.Errorf("ingress.wait_timeout cannot be negative")
	}

	return nil
}

// Validate checks one destination policy; prefix names it in errors.
func (s DestinationSettings) Validate(prefix string) error {
	if s.MaxEntries < 1 {
		return fmt.Errorf("%s.max_entries must be at least 1", prefix)
	}
	switch s.OverflowPolicy {
	case "block", "reject", "dead_letter":
	default:
		return fmt.Errorf("%s.overflow_policy must be one of: block, reject, dead_letter", prefix)
	}
	if s.CollectTime < 0 {
		return fmt.Errorf("%s.collect_time cannot be negative", prefix)
	}
	if s.BurstMaxEntries == 0 || s.BurstMaxEntries < -1 {
		return fmt.Errorf("%s.burst_max_entries must be -1 or positive", prefix)
	}
	if s.BurstMaxBytes == 0 || s.BurstMaxBytes < -1 {
		return fmt.Errorf("%s.burst_max_bytes must be -1 or positive", prefix)
	}
	if s.Retries < -1 {
		return fmt.Errorf("%s.retries must be -1 (unlimited) or non-negative", prefix)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("%s.retry_delay cannot be negative", prefix)
	}
	switch s.RetryBackoff {
	case "constant", "":
	case "exponential":
		if s.RetryMaxDelay < s.RetryDelay {
			return fmt.Errorf("%s.retry_max_delay must not be less than retry_delay", prefix)
		}
	default:
		return fmt.Errorf("%s.retry_backoff must be one of: constant, exponential", prefix)
	}
	if s.PingInterval < 0 {
		return fmt.Errorf("%s.ping_interval cannot be negative", prefix)
	}
	for i, r := range s.PriorityRules {
		switch r.Action {
		case "send", "queue", "destroy":
		default:
			return fmt.Errorf("%s.priority_rules[%d].action must be one of: send, queue, destroy", prefix, i)
		}
		if r.Priorities == "" {
			return fmt.Errorf("%s.priority_rules[%d].priorities cannot be empty", prefix, i)
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
