// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

var errClosed = errors.New("webhook notifier is closed")

// GenericNotifier delivers events through a worker pool, one circuit
// breaker per endpoint.
type GenericNotifier struct {
	cfg       config.WebhookConfig
	nodeID    string
	endpoints []endpointConfig
	queue     chan eventJob
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	subs    []*events.Subscription
	stop    chan struct{}
	workers sync.WaitGroup
	fwd     sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	destFilters  []string
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint *endpointConfig
	attempt  int
	backoff  backoff.BackOff
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, nodeID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}
		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}
		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			destFilters:  ep.DestinationFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:       cfg,
		nodeID:    nodeID,
		endpoints: endpoints,
		queue:     make(chan eventJob, max(cfg.QueueSize, 1)),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		stop:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.workers.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cap(n.queue)),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Attach forwards every event published on bus until Close.
func (n *GenericNotifier) Attach(bus *events.Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	sub := bus.Subscribe()
	n.subs = append(n.subs, sub)
	n.fwd.Add(1)
	go func() {
		defer n.fwd.Done()
		for ev := range sub.C {
			_ = n.Notify(n.ctx, ev)
		}
	}()
}

// Notify queues ev for every matching endpoint. A full queue drops events
// according to the drop policy.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return errClosed
	}

	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !shouldNotify(ep, ev) {
			continue
		}
		n.enqueue(eventJob{event: ev, endpoint: ep})
	}
	return nil
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.queue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- job:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", job.event.Type()),
		slog.String("endpoint", job.endpoint.name))
}

func shouldNotify(ep *endpointConfig, ev events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[ev.Type()] {
		return false
	}
	if len(ep.destFilters) == 0 {
		return true
	}
	for _, f := range ep.destFilters {
		if destinationMatches(f, ev.Destination()) {
			return true
		}
	}
	return false
}

// destinationMatches matches a destination ID against a filter. A trailing
// "*" matches any suffix, so "session:*" selects every session.
func destinationMatches(filter, id string) bool {
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(id, prefix)
	}
	return filter == id
}

func (n *GenericNotifier) worker() {
	defer n.workers.Done()

	for {
		select {
		case job := <-n.queue:
			n.process(job)
		case <-n.stop:
			// Flush what is queued, then exit.
			for {
				select {
				case job := <-n.queue:
					n.process(job)
				default:
					return
				}
			}
		}
	}
}

func (n *GenericNotifier) process(job eventJob) {
	breaker := n.breakers[job.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retry.MaxAttempts-1 || n.ctx.Err() != nil {
		n.logger.Error("webhook delivery failed after max retries",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	if job.backoff == nil {
		job.backoff = newBackoff(job.endpoint.retry)
	}
	job.attempt++
	delay := job.backoff.NextBackOff()

	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		select {
		case n.queue <- job:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

func newBackoff(cfg config.RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (n *GenericNotifier) send(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.nodeID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))
	return nil
}

// Close stops forwarding, lets workers flush the queue and cancels
// in-flight sends once the shutdown timeout passes.
func (n *GenericNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	n.fwd.Wait()
	close(n.stop)

	done := make(chan struct{})
	go func() {
		n.workers.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
		n.cancel()
		<-done
	}
	n.cancel()
	return nil
}
