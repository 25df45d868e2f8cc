// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	calls    int
	payloads [][]byte
	urls     []string
	fail     func(call int) error
	block    chan struct{}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.urls = append(m.urls, url)
	m.payloads = append(m.payloads, payload)
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		return fail(call)
	}
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       16,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func stateChanged(dest string) events.StateChanged {
	return events.StateChanged{DestinationID: dest, From: "ALIVE", To: "POLLING"}
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "node-1", &mockSender{}, nil)
	require.NoError(t, err)
	defer n.Close()
	assert.Len(t, n.endpoints, 1)

	_, err = NewNotifier(testConfig(), "node-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifier_Notify(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "node-1", sender, nil)
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), stateChanged("queue:orders")))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Close())

	var env struct {
		EventType string          `json:"event_type"`
		NodeID    string          `json:"node_id"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sender.payloads[0], &env))
	assert.Equal(t, events.TypeStateChanged, env.EventType)
	assert.Equal(t, "node-1", env.NodeID)
	assert.JSONEq(t, `{"destination":"queue:orders","from":"ALIVE","to":"POLLING"}`, string(env.Data))

	assert.ErrorIs(t, n.Notify(context.Background(), stateChanged("queue:orders")), errClosed)
}

func TestNotifier_Filters(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(
		config.WebhookEndpoint{Name: "failures", URL: "http://failures", Events: []string{events.TypePermanentFailure}},
		config.WebhookEndpoint{Name: "sessions", URL: "http://sessions", DestinationFilters: []string{"session:*"}},
	), "node-1", sender, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, stateChanged("queue:orders")))
	require.NoError(t, n.Notify(ctx, stateChanged("session:7")))
	require.NoError(t, n.Notify(ctx, events.PermanentFailure{DestinationID: "queue:orders"}))
	require.NoError(t, n.Close())

	assert.ElementsMatch(t, []string{"http://sessions", "http://failures"}, sender.urls)
}

func TestDestinationMatches(t *testing.T) {
	cases := []struct {
		filter, id string
		want       bool
	}{
		{"queue:orders", "queue:orders", true},
		{"queue:orders", "queue:orders2", false},
		{"queue:*", "queue:orders", true},
		{"queue:*", "session:1", false},
		{"*", "subject:joe", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, destinationMatches(tc.filter, tc.id), "%s ~ %s", tc.filter, tc.id)
	}
}

func TestNotifier_Retry(t *testing.T) {
	sender := &mockSender{fail: func(call int) error {
		if call < 3 {
			return errors.New("unavailable")
		}
		return nil
	}}
	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.Defaults.Retry.MaxAttempts = 3

	n, err := NewNotifier(cfg, "node-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), stateChanged("queue:orders")))
	require.Eventually(t, func() bool { return sender.count() == 3 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, sender.count())
}

func TestNotifier_DropOldest(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.QueueSize = 2
	cfg.Workers = 1

	n, err := NewNotifier(cfg, "node-1", sender, nil)
	require.NoError(t, err)

	ctx := context.Background()
	// The first event occupies the worker, the queue then holds two.
	require.NoError(t, n.Notify(ctx, stateChanged("queue:0")))
	require.Eventually(t, func() bool { return len(n.queue) == 0 }, time.Second, time.Millisecond)
	for i := 1; i <= 4; i++ {
		require.NoError(t, n.Notify(ctx, stateChanged("queue:"+string(rune('0'+i)))))
	}
	assert.Len(t, n.queue, 2)

	close(sender.block)
	require.NoError(t, n.Close())
	require.Equal(t, 3, sender.count())

	var last struct {
		Data struct {
			Destination string `json:"destination"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sender.payloads[2], &last))
	assert.Equal(t, "queue:4", last.Data.Destination)
}

func TestNotifier_Attach(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"}), "node-1", sender, nil)
	require.NoError(t, err)

	bus := events.NewBus(8, nil)
	defer bus.Close()
	n.Attach(bus)

	bus.Publish(events.SessionKilled{DestinationID: "session:1", SessionID: "1"})
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	bus.Publish(events.SessionKilled{DestinationID: "session:2", SessionID: "2"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
}

func TestNotifier_ShutdownTimeoutCancelsSends(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	cfg := testConfig(config.WebhookEndpoint{Name: "a", URL: "http://a"})
	cfg.ShutdownTimeout = 20 * time.Millisecond
	cfg.Defaults.Timeout = time.Minute

	n, err := NewNotifier(cfg, "node-1", sender, nil)
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), stateChanged("queue:a")))
	require.Eventually(t, func() bool { return len(n.queue) == 0 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, n.Close())
	assert.Less(t, time.Since(start), time.Second)
}
