// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxdispatch/dispatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ dispatch.Observer = (*Metrics)(nil)

// StatsSource reports per-destination snapshots. *dispatch.Engine
// satisfies it.
type StatsSource interface {
	AllStats() []dispatch.Stats
}

// Metrics records dispatch activity as OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	enqueued     metric.Int64Counter
	delivered    metric.Int64Counter
	failures     metric.Int64Counter
	deadLettered metric.Int64Counter
	expired      metric.Int64Counter
	transitions  metric.Int64Counter

	roundTrip metric.Float64Histogram
	ping      metric.Float64Histogram

	queueSize metric.Int64ObservableGauge
	reg       metric.Registration
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueued, "dispatch.entries.enqueued", "Entries accepted into destination queues"},
		{&m.delivered, "dispatch.entries.delivered", "Entries handed to a peer"},
		{&m.failures, "dispatch.failures", "Dispatch failures by kind"},
		{&m.deadLettered, "dispatch.entries.dead_lettered", "Entries routed to the dead-letter sink"},
		{&m.expired, "dispatch.entries.expired", "Entries dropped after their TTL"},
		{&m.transitions, "dispatch.state.transitions", "Connection handler state transitions"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error
	m.roundTrip, err = meter.Float64Histogram(
		"dispatch.round_trip.ms",
		metric.WithDescription("Duration of one dispatch round in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roundTrip histogram: %w", err)
	}

	m.ping, err = meter.Float64Histogram(
		"dispatch.ping.ms",
		metric.WithDescription("Keepalive ping round trip in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ping histogram: %w", err)
	}

	m.queueSize, err = meter.Int64ObservableGauge(
		"dispatch.queue.size",
		metric.WithDescription("Entries waiting per destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueSize gauge: %w", err)
	}

	return m, nil
}

// Observe reports queue sizes from src on every collection.
func (m *Metrics) Observe(src StatsSource) error {
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range src.AllStats() {
			o.ObserveInt64(m.queueSize, int64(s.QueueSize), metric.WithAttributes(
				attribute.String("destination", s.Destination),
				attribute.String("state", s.State),
			))
		}
		return nil
	}, m.queueSize)
	if err != nil {
		return err
	}
	m.reg = reg
	return nil
}

// Close unregisters the queue size callback.
func (m *Metrics) Close() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}

func destAttr(dest string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("destination", dest))
}

func (m *Metrics) RecordEnqueued(dest string, n int) {
	m.enqueued.Add(context.Background(), int64(n), destAttr(dest))
}

func (m *Metrics) RecordDelivered(dest string, n int, roundTrip time.Duration) {
	ctx := context.Background()
	m.delivered.Add(ctx, int64(n), destAttr(dest))
	m.roundTrip.Record(ctx, ms(roundTrip), destAttr(dest))
}

func (m *Metrics) RecordFailure(dest string, kind dispatch.Kind) {
	m.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", dest),
		attribute.String("kind", kind.String()),
	))
}

func (m *Metrics) RecordDeadLettered(dest string, n int) {
	m.deadLettered.Add(context.Background(), int64(n), destAttr(dest))
}

func (m *Metrics) RecordExpired(dest string, n int) {
	m.expired.Add(context.Background(), int64(n), destAttr(dest))
}

func (m *Metrics) RecordPing(dest string, roundTrip time.Duration) {
	m.ping.Record(context.Background(), ms(roundTrip), destAttr(dest))
}

func (m *Metrics) RecordStateChange(dest string, from, to dispatch.State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", dest),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
