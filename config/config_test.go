// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Dispatch.Workers != 32 {
		t.Errorf("expected 32 workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Defaults.Retries != -1 {
		t.Errorf("expected unlimited retries, got %d", cfg.Dispatch.Defaults.Retries)
	}
	if cfg.Dispatch.Defaults.OverflowPolicy != "block" {
		t.Errorf("expected block overflow policy, got %s", cfg.Dispatch.Defaults.OverflowPolicy)
	}
	if cfg.Storage.DeadLetterTopic != "__sys__deadMessage" {
		t.Errorf("unexpected dead letter topic %s", cfg.Storage.DeadLetterTopic)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func validDestination() DestinationConfig {
	return DestinationConfig{
		Kind: "subject",
		Name: "telemetry",
		Addresses: []AddressConfig{
			{Type: "mqtt", URL: "tcp://localhost:1883"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "default config is valid",
			modify: func(c *Config) {},
		},
		{
			name: "destination is valid",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{validDestination()}
			},
		},
		{
			name:    "empty node id",
			modify:  func(c *Config) { c.Server.NodeID = "" },
			wantErr: "server.node_id",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: "log.level",
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Dispatch.Workers = 0 },
			wantErr: "dispatch.workers",
		},
		{
			name:    "unknown overflow policy",
			modify:  func(c *Config) { c.Dispatch.Defaults.OverflowPolicy = "drop" },
			wantErr: "dispatch.defaults.overflow_policy",
		},
		{
			name:    "retries below -1",
			modify:  func(c *Config) { c.Dispatch.Defaults.Retries = -2 },
			wantErr: "dispatch.defaults.retries",
		},
		{
			name:    "zero burst entries",
			modify:  func(c *Config) { c.Dispatch.Defaults.BurstMaxEntries = 0 },
			wantErr: "burst_max_entries",
		},
		{
			name: "exponential backoff with small max delay",
			modify: func(c *Config) {
				c.Dispatch.Defaults.RetryBackoff = "exponential"
				c.Dispatch.Defaults.RetryMaxDelay = time.Millisecond
			},
			wantErr: "retry_max_delay",
		},
		{
			name: "bad priority action",
			modify: func(c *Config) {
				c.Dispatch.Defaults.PriorityRules = []PriorityRuleConfig{{State: "polling", Priorities: "0-4", Action: "drop"}}
			},
			wantErr: "priority_rules[0].action",
		},
		{
			name: "destination without addresses",
			modify: func(c *Config) {
				d := validDestination()
				d.Addresses = nil
				c.Destinations = []DestinationConfig{d}
			},
			wantErr: "destinations[0].addresses",
		},
		{
			name: "duplicate destination",
			modify: func(c *Config) {
				c.Destinations = []DestinationConfig{validDestination(), validDestination()}
			},
			wantErr: "duplicates",
		},
		{
			name: "unknown destination kind",
			modify: func(c *Config) {
				d := validDestination()
				d.Kind = "topic"
				c.Destinations = []DestinationConfig{d}
			},
			wantErr: "destinations[0].kind",
		},
		{
			name: "invalid destination override",
			modify: func(c *Config) {
				d := validDestination()
				s := DefaultDestinationSettings()
				s.MaxEntries = 0
				d.Settings = &s
				c.Destinations = []DestinationConfig{d}
			},
			wantErr: "destinations[0].settings.max_entries",
		},
		{
			name: "encryption without key",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Stages = []string{"encrypt"}
			},
			wantErr: "security.encryption_key",
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: "storage.badger_dir",
		},
		{
			name: "rate limit without rate",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Rate = 0
			},
			wantErr: "ratelimit.rate",
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http"}}
			},
			wantErr: "webhook.endpoints[0].url",
		},
		{
			name: "ingress listener without address",
			modify: func(c *Config) {
				c.Ingress.CoAP = IngressListener{Enabled: true}
			},
			wantErr: "ingress.coap.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
}

func TestLoadPartial(t *testing.T) {
	data := `
dispatch:
  workers: 4
  defaults:
    retries: 3
    collect_time: 500ms
destinations:
  - kind: session
    name: client-7
    addresses:
      - type: nats
        url: nats://localhost:4222
    settings:
      max_entries: 10
      overflow_policy: reject
      burst_max_entries: -1
      burst_max_bytes: -1
      retries: 0
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Defaults.CollectTime != 500*time.Millisecond {
		t.Errorf("expected collect time 500ms, got %v", cfg.Dispatch.Defaults.CollectTime)
	}
	// Unset fields keep their defaults.
	if cfg.Dispatch.Defaults.MaxEntries != 1000 {
		t.Errorf("expected default max entries, got %d", cfg.Dispatch.Defaults.MaxEntries)
	}
	if len(cfg.Destinations) != 1 || cfg.Destinations[0].Settings.OverflowPolicy != "reject" {
		t.Fatalf("unexpected destinations: %+v", cfg.Destinations)
	}
}

func TestSaveLoad(t *testing.T) {
	cfg := Default()
	cfg.Destinations = []DestinationConfig{validDestination()}
	cfg.Dispatch.Defaults.Retries = 5

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Dispatch.Defaults.Retries != 5 {
		t.Errorf("expected retries 5, got %d", loaded.Dispatch.Defaults.Retries)
	}
	if len(loaded.Destinations) != 1 || loaded.Destinations[0].Name != "telemetry" {
		t.Errorf("destinations not preserved: %+v", loaded.Destinations)
	}
}
