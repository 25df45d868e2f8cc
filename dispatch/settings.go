// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"time"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/cenkalti/backoff/v4"
)

// Retry delay strategies.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// minPingInterval bounds keepalive frequency.
const minPingInterval = 10 * time.Millisecond

// Settings is the dispatch policy of one destination.
type Settings struct {
	MaxEntries      int
	Overflow        OverflowPolicy
	CollectTime     time.Duration // 0 disables burst mode
	BurstMaxEntries int           // -1 unlimited
	BurstMaxBytes   int64         // -1 unlimited
	Retries         int           // -1 unlimited
	RetryDelay      time.Duration
	RetryBackoff    string
	RetryMaxDelay   time.Duration
	PingInterval    time.Duration // 0 disables keepalive
	LogEvery        time.Duration
	FailFast        bool
	KillSession     bool
	PriorityRules   []PriorityRule
}

// DefaultSettings mirrors config.DefaultDestinationSettings.
func DefaultSettings() Settings {
	s, _ := SettingsFromConfig(config.DefaultDestinationSettings())
	return s
}

// SettingsFromConfig converts the configured policy.
func SettingsFromConfig(c config.DestinationSettings) (Settings, error) {
	policy, err := ParseOverflowPolicy(c.OverflowPolicy)
	if err != nil {
		return Settings{}, err
	}
	s := Settings{
		MaxEntries:      c.MaxEntries,
		Overflow:        policy,
		CollectTime:     c.CollectTime,
		BurstMaxEntries: c.BurstMaxEntries,
		BurstMaxBytes:   c.BurstMaxBytes,
		Retries:         c.Retries,
		RetryDelay:      c.RetryDelay,
		RetryBackoff:    c.RetryBackoff,
		RetryMaxDelay:   c.RetryMaxDelay,
		PingInterval:    c.PingInterval,
		LogEvery:        c.LogEvery,
		FailFast:        c.FailFast,
		KillSession:     c.KillSession,
	}
	for i, rc := range c.PriorityRules {
		r, err := ParsePriorityRule(rc.State, rc.Priorities, rc.Action)
		if err != nil {
			return Settings{}, fmt.Errorf("priority rule %d: %w", i, err)
		}
		s.PriorityRules = append(s.PriorityRules, r)
	}
	return s.normalize(), nil
}

func (s Settings) normalize() Settings {
	if s.MaxEntries < 1 {
		s.MaxEntries = 1
	}
	if s.BurstMaxEntries == 0 {
		s.BurstMaxEntries = -1
	}
	if s.BurstMaxBytes == 0 {
		s.BurstMaxBytes = -1
	}
	if s.PingInterval > 0 && s.PingInterval < minPingInterval {
		s.PingInterval = minPingInterval
	}
	if s.RetryBackoff == "" {
		s.RetryBackoff = BackoffConstant
	}
	return s
}

// newBackoff returns the retry delay sequence, or nil when retries are
// immediate.
func (s Settings) newBackoff() backoff.BackOff {
	if s.RetryDelay <= 0 {
		return nil
	}
	if s.RetryBackoff != BackoffExponential {
		return backoff.NewConstantBackOff(s.RetryDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.RetryDelay
	b.MaxInterval = max(s.RetryMaxDelay, s.RetryDelay)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DestinationConfig describes a destination to create.
type DestinationConfig struct {
	Destination Destination
	Addresses   []driver.Address
	Settings    Settings
	Paused      bool
}

// DestinationFromConfig converts a configured destination, applying
// defaults where it has no settings of its own.
func DestinationFromConfig(c config.DestinationConfig, defaults config.DestinationSettings) (DestinationConfig, error) {
	dest, err := NewDestination(c.Kind, c.Name)
	if err != nil {
		return DestinationConfig{}, err
	}
	sc := defaults
	if c.Settings != nil {
		sc = *c.Settings
	}
	settings, err := SettingsFromConfig(sc)
	if err != nil {
		return DestinationConfig{}, fmt.Errorf("destination %s: %w", dest.ID(), err)
	}

	addrs := make([]driver.Address, 0, len(c.Addresses))
	for _, a := range c.Addresses {
		addrs = append(addrs, driver.Address{Type: a.Type, URL: a.URL, Options: a.Options})
	}
	return DestinationConfig{
		Destination: dest,
		Addresses:   addrs,
		Settings:    settings,
		Paused:      c.Paused,
	}, nil
}
