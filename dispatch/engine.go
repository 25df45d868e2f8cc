// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/security"
	"github.com/absmach/fluxdispatch/timer"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPoolSize    = 32
	defaultTimerBuffer = 1024
)

// Options configures an Engine.
type Options struct {
	// Registry resolves address types to drivers. Required.
	Registry *driver.Registry
	// PoolSize bounds the number of concurrently running workers.
	PoolSize    int
	TimerBuffer int
	// Sink receives dead-lettered entries. Entries are logged and dropped
	// when nil.
	Sink DeadLetterSink
	// Events receives state changes and permanent failures.
	Events EventPublisher
	// Interceptor is applied to every payload. Payloads are sent as is,
	// with a warning per connection, when nil.
	Interceptor security.Interceptor
	Observer    Observer
	Limiter     Limiter
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Engine is the dispatch entry point. It owns one Dispatcher per
// destination plus the worker pool and timer service they share.
type Engine struct {
	registry *driver.Registry
	icpt     security.Interceptor
	tracer   trace.Tracer
	deps

	mu     sync.RWMutex
	dests  map[string]*Dispatcher
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates an engine and starts its timer router.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.TimerBuffer <= 0 {
		opts.TimerBuffer = defaultTimerBuffer
	}

	e := &Engine{
		registry: opts.Registry,
		icpt:     opts.Interceptor,
		tracer:   opts.Tracer,
		deps: deps{
			pool:     NewPool(opts.PoolSize),
			timers:   timer.New(opts.TimerBuffer),
			limiter:  opts.Limiter,
			events:   opts.Events,
			sink:     opts.Sink,
			observer: opts.Observer,
			logger:   opts.Logger,
		},
		dests: make(map[string]*Dispatcher),
		done:  make(chan struct{}),
	}

	e.wg.Add(1)
	go e.route()
	return e, nil
}

// route hands timer expirations to the owning dispatcher.
func (e *Engine) route() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case f := <-e.timers.C():
			id := strings.TrimSuffix(f.Key, pingSuffix)
			e.mu.RLock()
			d, ok := e.dests[id]
			e.mu.RUnlock()
			if !ok {
				continue
			}
			d.onFired(f.Handle)
		}
	}
}

// Create registers a destination. Its drivers are created immediately but
// no connection is opened before the first entry is dispatched.
func (e *Engine) Create(ctx context.Context, cfg DestinationConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.Destination == nil {
		return errors.New("destination is required")
	}
	id := cfg.Destination.ID()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.dests[id]; ok {
		return fmt.Errorf("%w: %s", ErrDestinationExists, id)
	}

	d, err := newDispatcher(cfg, HandlerConfig{
		Registry:    e.registry,
		Interceptor: e.icpt,
		Tracer:      e.tracer,
	}, e.deps)
	if err != nil {
		return fmt.Errorf("failed to create destination %s: %w", id, err)
	}
	e.dests[id] = d

	e.logger.Info("destination created",
		slog.String("destination", id),
		slog.Int("addresses", len(cfg.Addresses)),
		slog.Int("max_entries", d.settings.MaxEntries),
		slog.String("overflow", d.settings.Overflow.String()))
	return nil
}

func (e *Engine) get(id string) (*Dispatcher, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	d, ok := e.dests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	return d, nil
}

// Enqueue queues entry for id. The entry is its own handle: callers wait on
// it for the result.
func (e *Engine) Enqueue(ctx context.Context, id string, entry *Entry) (*Entry, error) {
	if err := e.EnqueueBatch(ctx, id, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// EnqueueBatch queues entries atomically.
func (e *Engine) EnqueueBatch(ctx context.Context, id string, entries ...*Entry) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	return d.queue.Put(ctx, entries...)
}

// Shutdown removes a destination. Queued entries are dead-lettered.
func (e *Engine) Shutdown(id string) error {
	e.mu.Lock()
	d, ok := e.dests[id]
	if ok {
		delete(e.dests, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}

	d.close()
	e.logger.Info("destination shut down", slog.String("destination", id))
	return nil
}

// State returns the connection state of a destination.
func (e *Engine) State(id string) (State, error) {
	d, err := e.get(id)
	if err != nil {
		return StateUndef, err
	}
	return d.handler.State(), nil
}

// Pause stops dispatching for id; entries are still accepted.
func (e *Engine) Pause(id string) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	d.Pause()
	return nil
}

// Resume restarts dispatching for id.
func (e *Engine) Resume(id string) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	d.Resume()
	return nil
}

// Initialize replaces the addresses of id. It revives a DEAD handler as long
// as the destination's queue has not been shut down.
func (e *Engine) Initialize(id string, addrs []driver.Address) error {
	d, err := e.get(id)
	if err != nil {
		return err
	}
	return d.reinitialize(addrs)
}

// Peek returns the queued entries of id in dispatch order.
func (e *Engine) Peek(id string) ([]*Entry, error) {
	d, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return d.queue.Peek(), nil
}

// Stats returns the statistics of id.
func (e *Engine) Stats(id string) (Stats, error) {
	d, err := e.get(id)
	if err != nil {
		return Stats{}, err
	}
	return d.Stats(), nil
}

// AllStats returns the statistics of every destination ordered by ID.
func (e *Engine) AllStats() []Stats {
	e.mu.RLock()
	ds := make([]*Dispatcher, 0, len(e.dests))
	for _, d := range e.dests {
		ds = append(ds, d)
	}
	e.mu.RUnlock()

	out := make([]Stats, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Destinations returns the IDs of all destinations, sorted.
func (e *Engine) Destinations() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.dests))
	for id := range e.dests {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close shuts every destination down, dead-lettering queued entries, and
// waits for running workers until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ds := make([]*Dispatcher, 0, len(e.dests))
	for _, d := range e.dests {
		ds = append(ds, d)
	}
	e.mu.Unlock()

	for _, d := range ds {
		d.stop()
	}

	var errs []error
	if err := e.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workers did not finish: %w", err))
	}
	close(e.done)
	e.timers.Close()
	e.wg.Wait()

	for _, d := range ds {
		if err := d.handler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("destination %s: %w", d.id, err))
		}
	}

	e.mu.Lock()
	clear(e.dests)
	e.mu.Unlock()

	e.logger.Info("dispatch engine stopped", slog.Int("destinations", len(ds)))
	return errors.Join(errs...)
}
