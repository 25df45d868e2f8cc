// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/security"
	"go.opentelemetry.io/otel/trace"
)

// UnlimitedRetries disables escalation to DEAD on transport failures.
const UnlimitedRetries = -1

// StatusListener observes handler state transitions.
type StatusListener func(from, to State)

// HandlerConfig configures a ConnectionsHandler.
type HandlerConfig struct {
	Destination string
	Addresses   []driver.Address
	Retries     int
	LogEvery    time.Duration
	Registry    *driver.Registry
	Interceptor security.Interceptor
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// ConnectionsHandler owns the failover candidates of one destination and the
// retry state machine shared by them.
type ConnectionsHandler struct {
	dest     string
	retries  int
	logEvery time.Duration
	registry *driver.Registry
	icpt     security.Interceptor
	tracer   trace.Tracer
	logger   *slog.Logger

	// sendMu serializes remote calls: the dispatch worker, keepalive pings
	// and re-initialization.
	sendMu sync.Mutex

	mu           sync.Mutex
	conns        []*Connection
	current      int
	errorCounter int
	state        State
	lastLog      time.Time
	suppressed   int
	listeners    []StatusListener
}

// NewConnectionsHandler creates a handler and its drivers. No connection is
// opened until the first Send.
func NewConnectionsHandler(cfg HandlerConfig) (*ConnectionsHandler, error) {
	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &ConnectionsHandler{
		dest:     cfg.Destination,
		retries:  cfg.Retries,
		logEvery: cfg.LogEvery,
		registry: cfg.Registry,
		icpt:     cfg.Interceptor,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
	if err := h.Initialize(cfg.Addresses); err != nil {
		return nil, err
	}
	return h, nil
}

// Initialize replaces the candidate list, shutting the previous drivers
// down, and resets the handler to UNDEF.
func (h *ConnectionsHandler) Initialize(addrs []driver.Address) error {
	if len(addrs) == 0 {
		return ErrNoAddresses
	}

	conns := make([]*Connection, 0, len(addrs))
	for _, addr := range addrs {
		drv, err := h.registry.New(addr.Type)
		if err != nil {
			for _, c := range conns {
				_ = c.shutdown()
			}
			return fmt.Errorf("failed to create driver for %s: %w", addr, err)
		}
		conns = append(conns, newConnection(h.dest, addr, drv, h.icpt, h.tracer, h.logger))
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	old := h.conns
	h.conns = conns
	h.current = 0
	h.errorCounter = 0
	notify := h.setStateLocked(StateUndef)
	h.mu.Unlock()
	notify()

	for _, c := range old {
		if err := c.shutdown(); err != nil {
			h.logger.Debug("driver shutdown failed",
				slog.String("destination", h.dest),
				slog.String("address", c.addr.String()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// AddStatusListener registers fn for state transitions. Listeners run on
// the goroutine causing the transition and must not block.
func (h *ConnectionsHandler) AddStatusListener(fn StatusListener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// State returns the handler state derived from its connections.
func (h *ConnectionsHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ErrorCount returns the number of consecutive failed attempts.
func (h *ConnectionsHandler) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCounter
}

// Connections returns the candidates in failover order.
func (h *ConnectionsHandler) Connections() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Connection(nil), h.conns...)
}

// derive computes the handler state: ALIVE wins over POLLING wins over DEAD.
func derive(conns []*Connection) State {
	polling, dead := false, false
	for _, c := range conns {
		switch c.State() {
		case StateAlive:
			return StateAlive
		case StatePolling:
			polling = true
		case StateDead:
			dead = true
		}
	}
	switch {
	case polling:
		return StatePolling
	case dead:
		return StateDead
	default:
		return StateUndef
	}
}

// setStateLocked records s and returns a function notifying listeners, to be
// called without h.mu held.
func (h *ConnectionsHandler) setStateLocked(s State) func() {
	old := h.state
	if old == s {
		return func() {}
	}
	h.state = s
	listeners := append([]StatusListener(nil), h.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(old, s)
		}
	}
}

func (h *ConnectionsHandler) refreshLocked() func() {
	return h.setStateLocked(derive(h.conns))
}

// Send delivers entries in order over the current connection. On a transport
// failure it returns the entries that were not processed together with a
// TransportFailure, or a PermanentFailure once retries are exhausted.
// Remote errors are resolved on their entries and do not fail the call.
func (h *ConnectionsHandler) Send(ctx context.Context, entries []*Entry) ([]*Entry, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if h.State() == StateDead {
		return entries, newError(PermanentFailure, h.dest, "send", errors.New("destination is dead"))
	}

	conn, err := h.ready(ctx)
	if err != nil {
		return entries, err
	}

	for i := 0; i < len(entries); {
		j := i + 1
		if m := entries[i].Method; m.publish() {
			for j < len(entries) && entries[j].Method == m {
				j++
			}
			if !conn.drv.Capabilities().ArrayPublish {
				j = i + 1
			}
		}

		if err := h.deliver(ctx, conn, entries[i:j]); err != nil {
			return entries[i:], h.failure(conn, err)
		}
		i = j
	}

	h.success(conn)
	return nil, nil
}

// ready returns an open connection, reconnecting the current candidate and
// then the others in order when needed. A round of failed attempts counts as
// one failure. The current candidate is always contacted; the others are
// skipped while their breaker is open.
func (h *ConnectionsHandler) ready(ctx context.Context) (*Connection, error) {
	h.mu.Lock()
	conns, current := h.conns, h.current
	h.mu.Unlock()

	if c := conns[current]; c.State() == StateAlive {
		return c, nil
	}

	var last error
	for k := range conns {
		idx := (current + k) % len(conns)
		c := conns[idx]
		if k > 0 && c.breakerOpen() {
			continue
		}

		err := c.open(ctx, k == 0)
		if err == nil {
			h.mu.Lock()
			h.current = idx
			h.mu.Unlock()
			h.success(c)
			return c, nil
		}
		if driver.IsAuthentication(err) {
			return nil, h.dead(err)
		}
		if !driver.IsCommunication(err) {
			err = driver.Communication(err)
		}
		c.setState(StatePolling)
		if last == nil || !shortCircuited(err) {
			last = err
		}
	}
	return nil, h.failure(nil, last)
}

func (h *ConnectionsHandler) success(c *Connection) {
	c.setState(StateAlive)

	h.mu.Lock()
	recovered := h.errorCounter > 0
	h.errorCounter = 0
	h.suppressed = 0
	notify := h.refreshLocked()
	h.mu.Unlock()
	notify()

	if recovered {
		h.logger.Info("destination recovered",
			slog.String("destination", h.dest),
			slog.String("address", c.addr.String()))
	}
}

// failure records one failed attempt. c, when set, is the connection that
// failed mid-send: it goes POLLING and the next candidate becomes current.
// A call refused by a breaker never reached the peer and is not counted.
func (h *ConnectionsHandler) failure(c *Connection, err error) error {
	if driver.IsAuthentication(err) {
		return h.dead(err)
	}

	h.mu.Lock()
	if c != nil {
		c.setState(StatePolling)
		if len(h.conns) > 1 {
			h.current = (h.current + 1) % len(h.conns)
		}
	}
	if shortCircuited(err) {
		notify := h.refreshLocked()
		h.mu.Unlock()
		notify()
		return newError(TransportFailure, h.dest, "send", err)
	}
	h.errorCounter++
	count := h.errorCounter
	exhausted := h.retries != UnlimitedRetries && count > h.retries
	notify := h.refreshLocked()
	h.mu.Unlock()
	notify()

	if exhausted {
		return h.dead(fmt.Errorf("retries exhausted after %d attempts: %w", count, err))
	}
	h.logRetry(count, err)
	return newError(TransportFailure, h.dest, "send", err)
}

// dead moves every connection to DEAD and releases the drivers.
func (h *ConnectionsHandler) dead(err error) error {
	h.mu.Lock()
	conns := h.conns
	for _, c := range conns {
		c.setState(StateDead)
	}
	notify := h.refreshLocked()
	h.mu.Unlock()
	notify()

	for _, c := range conns {
		_ = c.shutdown()
	}
	return permanent(h.dest, err)
}

func (h *ConnectionsHandler) logRetry(count int, err error) {
	h.mu.Lock()
	now := time.Now()
	loud := h.logEvery <= 0 || now.Sub(h.lastLog) >= h.logEvery
	suppressed := h.suppressed
	if loud {
		h.lastLog = now
		h.suppressed = 0
	} else {
		h.suppressed++
	}
	h.mu.Unlock()

	attrs := []any{
		slog.String("destination", h.dest),
		slog.Int("attempt", count),
		slog.Int("retries", h.retries),
		slog.String("error", err.Error()),
	}
	if !loud {
		h.logger.Debug("dispatch attempt failed", attrs...)
		return
	}
	if suppressed > 0 {
		attrs = append(attrs, slog.Int("suppressed", suppressed))
	}
	h.logger.Warn("dispatch attempt failed, will retry", attrs...)
}

// deliver performs the remote calls for a group of entries sharing one
// round trip (publishes) or a single entry. The returned error is always a
// transport error; everything else is resolved on the entries.
func (h *ConnectionsHandler) deliver(ctx context.Context, c *Connection, group []*Entry) error {
	e := group[0]
	switch e.Method {
	case MethodPublish, MethodPublishOneway:
		return h.publish(ctx, c, group)
	case MethodDisconnect:
		qos, err := c.export(e.Payload, e.Method)
		if err != nil {
			e.fail(err)
			return nil
		}
		err = c.call(ctx, "disconnect", 1, func(ctx context.Context) error {
			return c.drv.Disconnect(ctx, qos)
		})
		return h.settle(c, e, nil, err)
	default:
		qos, err := c.export(e.Payload, e.Method)
		if err != nil {
			e.fail(err)
			return nil
		}
		var res []byte
		err = c.call(ctx, opName(e.Method), 1, func(ctx context.Context) error {
			var err error
			switch e.Method {
			case MethodConnect:
				res, err = c.drv.Connect(ctx, qos)
			case MethodSubscribe:
				res, err = c.drv.Subscribe(ctx, e.Key, qos)
			case MethodUnsubscribe:
				res, err = c.drv.Unsubscribe(ctx, e.Key, qos)
			case MethodGet:
				res, err = c.drv.Get(ctx, e.Key, qos)
			case MethodErase:
				res, err = c.drv.Erase(ctx, e.Key, qos)
			default:
				err = fmt.Errorf("%w: %s", driver.ErrUnsupported, e.Method)
			}
			return err
		})
		return h.settle(c, e, res, err)
	}
}

// settle resolves a single-entry call. Transport errors are returned.
func (h *ConnectionsHandler) settle(c *Connection, e *Entry, res []byte, err error) error {
	if err != nil {
		if driver.IsTransport(err) {
			return err
		}
		e.fail(newError(Remote, h.dest, opName(e.Method), err))
		return nil
	}
	out, err := c.importResult(res)
	if err != nil {
		e.fail(err)
		return nil
	}
	e.resolve(Result{Response: out})
	return nil
}

func (h *ConnectionsHandler) publish(ctx context.Context, c *Connection, group []*Entry) error {
	method := group[0].Method

	msgs := make([]driver.Message, 0, len(group))
	sent := make([]*Entry, 0, len(group))
	for _, e := range group {
		content, err := c.export(e.Payload, method)
		if err != nil {
			e.fail(err)
			continue
		}
		msgs = append(msgs, driver.Message{ID: e.ID, Key: e.Key, Content: content, QoS: e.QoS})
		sent = append(sent, e)
	}
	if len(msgs) == 0 {
		return nil
	}

	if method == MethodPublishOneway {
		err := c.call(ctx, driver.OpPublishOneway, len(msgs), func(ctx context.Context) error {
			return c.drv.PublishOneway(ctx, msgs)
		})
		if err != nil && !driver.IsTransport(err) {
			h.logger.Warn("oneway publish rejected by peer",
				slog.String("destination", h.dest),
				slog.Int("count", len(msgs)),
				slog.String("error", err.Error()))
			return nil
		}
		return err
	}

	var results [][]byte
	err := c.call(ctx, driver.OpPublishArr, len(msgs), func(ctx context.Context) error {
		var err error
		results, err = c.drv.PublishArr(ctx, msgs)
		return err
	})
	if err != nil {
		if driver.IsTransport(err) {
			return err
		}
		failAll(sent, newError(Remote, h.dest, driver.OpPublishArr, err))
		return nil
	}

	n := min(len(results), len(sent))
	for i := 0; i < n; i++ {
		out, err := c.importResult(results[i])
		if err != nil {
			sent[i].fail(err)
			continue
		}
		sent[i].resolve(Result{Response: out})
	}
	if len(results) != len(sent) {
		mismatch := errorf(ProtocolMismatch, h.dest, driver.OpPublishArr,
			"peer returned %d results for %d messages", len(results), len(sent))
		failAll(sent[n:], mismatch)
		h.logger.Error("publish result count mismatch",
			slog.String("destination", h.dest),
			slog.String("address", c.addr.String()),
			slog.Int("sent", len(sent)),
			slog.Int("results", len(results)))
	}
	return nil
}

// Ping probes the current connection. In POLLING state it first reconnects.
// It returns the round trip of a successful ping.
func (h *ConnectionsHandler) Ping(ctx context.Context) (time.Duration, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	switch h.State() {
	case StateUndef:
		return 0, nil
	case StateDead:
		return 0, newError(PermanentFailure, h.dest, driver.OpPing, errors.New("destination is dead"))
	}

	conn, err := h.ready(ctx)
	if err != nil {
		return 0, err
	}

	data := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	start := time.Now()
	err = conn.call(ctx, driver.OpPing, 0, func(ctx context.Context) error {
		_, err := conn.drv.Ping(ctx, data)
		return err
	})
	if err != nil && driver.IsTransport(err) {
		return 0, h.failure(conn, err)
	}
	return time.Since(start), nil
}

// Close shuts every driver down. It waits for an in-flight send.
func (h *ConnectionsHandler) Close() error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	conns := h.conns
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func opName(m MethodKind) string {
	switch m {
	case MethodConnect:
		return driver.OpConnect
	case MethodDisconnect:
		return driver.OpDisconnect
	case MethodPublish:
		return driver.OpPublishArr
	case MethodPublishOneway:
		return driver.OpPublishOneway
	case MethodSubscribe:
		return driver.OpSubscribe
	case MethodUnsubscribe:
		return driver.OpUnsubscribe
	case MethodGet:
		return driver.OpGet
	case MethodErase:
		return driver.OpErase
	default:
		return m.String()
	}
}
