// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards dispatch events to external HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues ev for every matching endpoint without blocking.
	Notify(ctx context.Context, ev events.Event) error

	// Close stops the notifier, flushing queued events within the
	// configured shutdown timeout.
	Close() error
}

// Sender delivers one encoded payload to an endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
