// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxdispatch/broker/events"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/timer"
	"github.com/cenkalti/backoff/v4"
)

// pingSuffix distinguishes keepalive timers from dispatch timers of the
// same destination.
const pingSuffix = "#ping"

// retryPoll spaces the attempts of a destination without a retry delay.
const retryPoll = 50 * time.Millisecond

// Limiter throttles dispatch rounds per destination.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// EventPublisher receives dispatch events.
type EventPublisher interface {
	Publish(ev events.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(events.Event) {}

type outcome uint8

const (
	outcomeDelivered outcome = iota
	outcomeHeld
	outcomeRetry
	outcomeFailed
	outcomeCancelled
)

// deps are the engine-wide collaborators shared by every dispatcher.
type deps struct {
	pool     *Pool
	timers   *timer.Service
	limiter  Limiter
	events   EventPublisher
	sink     DeadLetterSink
	observer Observer
	logger   *slog.Logger
}

// Dispatcher drives one destination: it owns the queue and the connections
// handler and decides when a worker runs.
//
// At any instant a destination has at most one of: an active worker, or a
// pending burst/retry timer.
type Dispatcher struct {
	dest     Destination
	id       string
	settings Settings
	queue    *Queue
	handler  *ConnectionsHandler
	filter   priorityFilter
	stats    *counters
	backoff  backoff.BackOff
	deps

	mu           sync.Mutex
	workerActive bool
	timer        timer.Handle
	timerRetry   bool
	pingTimer    timer.Handle
	paused       bool
	closed       bool
	held         int

	failed   atomic.Bool
	failOnce sync.Once
}

func newDispatcher(cfg DestinationConfig, hc HandlerConfig, d deps) (*Dispatcher, error) {
	id := cfg.Destination.ID()
	settings := cfg.Settings.normalize()

	hc.Destination = id
	hc.Addresses = cfg.Addresses
	hc.Retries = settings.Retries
	hc.LogEvery = settings.LogEvery
	hc.Logger = d.logger
	handler, err := NewConnectionsHandler(hc)
	if err != nil {
		return nil, err
	}

	disp := &Dispatcher{
		dest:     cfg.Destination,
		id:       id,
		settings: settings,
		handler:  handler,
		filter:   priorityFilter(settings.PriorityRules),
		stats:    newCounters(id, d.observer),
		backoff:  settings.newBackoff(),
		deps:     d,
		paused:   cfg.Paused,
	}
	disp.queue = NewQueue(QueueConfig{
		Destination: id,
		MaxEntries:  settings.MaxEntries,
		Policy:      settings.Overflow,
		Sink:        d.sink,
		Logger:      d.logger,
		stats:       disp.stats,
	}, disp.scheduleDispatch)
	handler.AddStatusListener(disp.onStateChange)
	return disp, nil
}

// ID returns the destination ID.
func (d *Dispatcher) ID() string { return d.id }

// Destination returns the destination this dispatcher serves.
func (d *Dispatcher) Destination() Destination { return d.dest }

// Queue returns the destination's queue.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// Handler returns the destination's connections handler.
func (d *Dispatcher) Handler() *ConnectionsHandler { return d.handler }

// scheduleDispatch runs a worker now, arms the burst timer, or does nothing
// when a worker or a timer is already in place.
func (d *Dispatcher) scheduleDispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduleLocked()
}

func (d *Dispatcher) scheduleLocked() {
	if d.closed || d.paused || d.workerActive || d.timer != 0 || d.failed.Load() {
		return
	}
	if d.queue.Size() <= d.held {
		return
	}
	if d.settings.CollectTime > 0 {
		d.armLocked(d.settings.CollectTime, false)
		return
	}
	d.startWorkerLocked()
}

func (d *Dispatcher) armLocked(delay time.Duration, retry bool) {
	h := d.timers.Arm(d.id, delay)
	if h == 0 {
		return
	}
	d.timer = h
	d.timerRetry = retry
}

func (d *Dispatcher) startWorkerLocked() {
	d.workerActive = true
	if err := d.pool.Submit(d.work); err != nil {
		d.workerActive = false
		d.logger.Debug("dispatch worker not started",
			slog.String("destination", d.id),
			slog.String("error", err.Error()))
	}
}

// onFired handles an expiration routed from the timer service. Stale
// handles are ignored.
func (d *Dispatcher) onFired(h timer.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch h {
	case 0:
		return
	case d.pingTimer:
		d.pingTimer = 0
		if d.closed || d.failed.Load() {
			return
		}
		if err := d.pool.Submit(d.ping); err != nil {
			d.logger.Debug("keepalive not started", slog.String("destination", d.id))
		}
	case d.timer:
		d.timer = 0
		d.timerRetry = false
		if d.closed || d.paused || d.workerActive || d.failed.Load() || d.queue.Size() == 0 {
			return
		}
		d.startWorkerLocked()
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	d.finish(d.run(ctx))
}

func (d *Dispatcher) run(ctx context.Context) outcome {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, d.id); err != nil {
			return outcomeCancelled
		}
	}

	batch := d.queue.Drain(d.settings.BurstMaxEntries, d.settings.BurstMaxBytes)
	if len(batch) == 0 {
		return outcomeDelivered
	}

	state := d.handler.State()
	send, held, destroyed := d.filter.split(state, batch)
	if len(destroyed) > 0 {
		d.queue.deadLetter(errorf(PermanentFailure, d.id, "filter",
			"priority filter destroys entries in state %s", state), destroyed)
	}
	d.queue.putBack(held)
	d.mu.Lock()
	d.held = len(held)
	d.mu.Unlock()
	if len(send) == 0 {
		return outcomeHeld
	}

	start := time.Now()
	unsent, err := d.handler.Send(ctx, send)
	rtt := time.Since(start)
	if n := len(send) - len(unsent); n > 0 {
		d.stats.addDelivered(n, rtt)
	}
	if err == nil {
		d.resetBackoff()
		return outcomeDelivered
	}

	kind := KindOf(err)
	d.stats.addFailure(kind)
	if kind == PermanentFailure {
		d.permanentFailure(err, unsent)
		return outcomeFailed
	}

	d.queue.Requeue(unsent)
	if !d.settings.FailFast && fakeable(d.dest) {
		if n := fakeReturns(unsent); n > 0 {
			d.logger.Debug("answered undeliverable publishes as queued",
				slog.String("destination", d.id),
				slog.Int("count", n))
		}
	}
	return outcomeRetry
}

func (d *Dispatcher) finish(o outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.workerActive = false
	if d.closed || d.failed.Load() {
		return
	}

	switch o {
	case outcomeRetry:
		if d.paused {
			return
		}
		delay := retryPoll
		if d.backoff != nil {
			delay = d.backoff.NextBackOff()
			if delay == backoff.Stop {
				delay = d.settings.RetryDelay
			}
		}
		d.armLocked(delay, true)
	case outcomeCancelled:
		return
	default:
		d.scheduleLocked()
	}
}

func (d *Dispatcher) onStateChange(from, to State) {
	d.events.Publish(events.StateChanged{DestinationID: d.id, From: from.String(), To: to.String()})
	d.stats.obs.RecordStateChange(d.id, from, to)
	d.logger.Info("destination state changed",
		slog.String("destination", d.id),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = 0
	switch to {
	case StateAlive:
		d.ensurePingLocked()
		d.scheduleLocked()
	case StatePolling:
		d.ensurePingLocked()
	}
}

func (d *Dispatcher) resetBackoff() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backoff != nil {
		d.backoff.Reset()
	}
}

func (d *Dispatcher) ensurePingLocked() {
	if d.settings.PingInterval <= 0 || d.pingTimer != 0 || d.closed || d.failed.Load() {
		return
	}
	d.pingTimer = d.timers.Arm(d.id+pingSuffix, d.settings.PingInterval)
}

func (d *Dispatcher) ping(ctx context.Context) {
	rtt, err := d.handler.Ping(ctx)
	if err != nil {
		kind := KindOf(err)
		d.stats.addFailure(kind)
		if kind == PermanentFailure {
			d.permanentFailure(err, nil)
			return
		}
	} else if rtt > 0 {
		d.stats.setPing(rtt)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.handler.State(); s == StateAlive || s == StatePolling {
		d.ensurePingLocked()
	}
}

// permanentFailure dead-letters pending and everything still queued, shuts
// the queue down and publishes PermanentFailure. The event is published
// once however often this is called.
func (d *Dispatcher) permanentFailure(cause error, pending []*Entry) {
	err := permanent(d.id, cause)
	d.queue.deadLetter(err, pending)

	d.failOnce.Do(func() {
		d.failed.Store(true)

		d.mu.Lock()
		d.cancelTimersLocked()
		d.mu.Unlock()

		left := d.queue.Size()
		d.queue.Shutdown(err)

		ev := events.PermanentFailure{
			DestinationID: d.id,
			Kind:          d.dest.Kind(),
			Reason:        err.Error(),
			Pending:       len(pending) + left,
		}
		if s, ok := d.dest.(Session); ok {
			ev.SessionID = s.SessionID
			ev.KillSession = d.settings.KillSession
		}
		d.events.Publish(ev)

		d.logger.Error("destination failed permanently",
			slog.String("destination", d.id),
			slog.Int("dead_lettered", ev.Pending),
			slog.Bool("kill_session", ev.KillSession),
			slog.String("error", err.Error()))
	})
}

func (d *Dispatcher) cancelTimersLocked() {
	if d.timer != 0 {
		d.timers.Cancel(d.timer)
		d.timer = 0
		d.timerRetry = false
	}
	if d.pingTimer != 0 {
		d.timers.Cancel(d.pingTimer)
		d.pingTimer = 0
	}
}

// Pause stops scheduling. Entries are still accepted.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.paused = true
	if d.timer != 0 {
		d.timers.Cancel(d.timer)
		d.timer = 0
		d.timerRetry = false
	}
}

// Resume restarts scheduling.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	d.held = 0
	d.scheduleLocked()
}

// Paused reports whether scheduling is paused.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// reinitialize installs new addresses and dispatches what is queued.
func (d *Dispatcher) reinitialize(addrs []driver.Address) error {
	if d.failed.Load() || d.queue.IsShutdown() {
		return ErrShutdown
	}
	if err := d.handler.Initialize(addrs); err != nil {
		return err
	}
	d.resetBackoff()
	d.scheduleDispatch()
	return nil
}

// stop marks the destination closed and dead-letters what is queued. An
// in-flight send keeps running.
func (d *Dispatcher) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancelTimersLocked()
	d.mu.Unlock()

	d.queue.Shutdown(newError(PermanentFailure, d.id, "shutdown", ErrShutdown))
}

// close stops the destination and releases its drivers once an in-flight
// send has finished.
func (d *Dispatcher) close() {
	d.stop()
	if err := d.handler.Close(); err != nil {
		d.logger.Debug("driver shutdown failed",
			slog.String("destination", d.id),
			slog.String("error", err.Error()))
	}
}

// Stats returns a snapshot of the destination.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Destination: d.id,
		Kind:        d.dest.Kind(),
		State:       d.handler.State().String(),
		QueueSize:   d.queue.Size(),
		Shutdown:    d.queue.IsShutdown(),
	}
	d.mu.Lock()
	s.Paused = d.paused
	s.WorkerActive = d.workerActive
	s.TimerPending = d.timer != 0
	d.mu.Unlock()
	d.stats.fill(&s)
	return s
}
