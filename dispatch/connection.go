// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/security"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State of a connection or of a connections handler.
type State uint8

const (
	StateUndef State = iota
	StateAlive
	StatePolling
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StatePolling:
		return "POLLING"
	case StateDead:
		return "DEAD"
	default:
		return "UNDEF"
	}
}

// ParseState converts a state name, case insensitive.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(s) {
	case "UNDEF":
		return StateUndef, nil
	case "ALIVE":
		return StateAlive, nil
	case "POLLING":
		return StatePolling, nil
	case "DEAD":
		return StateDead, nil
	default:
		return 0, fmt.Errorf("unknown state %q", s)
	}
}

// Breaker defaults for a single candidate address.
const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// Connection binds one driver to one address. It is owned by exactly one
// ConnectionsHandler.
type Connection struct {
	dest   string
	addr   driver.Address
	drv    driver.Driver
	icpt   security.Interceptor
	cb     *gobreaker.CircuitBreaker
	tracer trace.Tracer
	logger *slog.Logger

	degraded sync.Once

	mu        sync.Mutex
	state     State
	connected bool
}

func newConnection(dest string, addr driver.Address, drv driver.Driver, icpt security.Interceptor, tracer trace.Tracer, logger *slog.Logger) *Connection {
	c := &Connection{
		dest:   dest,
		addr:   addr,
		drv:    drv,
		icpt:   icpt,
		tracer: tracer,
		logger: logger,
	}
	c.cb = c.newBreaker()
	return c
}

func (c *Connection) newBreaker() *gobreaker.CircuitBreaker {
	logger := c.logger
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.dest + " " + c.addr.String(),
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// Remote answers prove the peer is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || !driver.IsCommunication(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dispatch circuit breaker state changed",
				slog.String("connection", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

func (c *Connection) breaker() *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// Address returns the address this connection targets.
func (c *Connection) Address() driver.Address {
	return c.addr
}

// State returns the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) breakerOpen() bool {
	return c.breaker().State() == gobreaker.StateOpen
}

// open establishes the transport: the first call connects, later calls
// reconnect. With force set an open breaker does not stop the attempt, and
// a successful attempt closes it again.
func (c *Connection) open(ctx context.Context, force bool) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	op, fn := "reconnect", c.drv.Reconnect
	if !connected {
		op = "connectLowlevel"
		fn = func(ctx context.Context) error {
			return c.drv.ConnectLowlevel(ctx, c.addr)
		}
	}

	var err error
	if force && c.breakerOpen() {
		err = c.traced(ctx, op, 0, fn)
		if err == nil {
			c.mu.Lock()
			c.cb = c.newBreaker()
			c.mu.Unlock()
		}
	} else {
		err = c.call(ctx, op, 0, fn)
	}
	if err != nil {
		return err
	}
	if !connected {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	}
	return nil
}

// call runs one remote operation through the breaker and a trace span.
func (c *Connection) call(ctx context.Context, op string, n int, fn func(ctx context.Context) error) error {
	return c.traced(ctx, op, n, func(ctx context.Context) error {
		return c.execute(ctx, fn)
	})
}

func (c *Connection) traced(ctx context.Context, op string, n int, fn func(ctx context.Context) error) error {
	if c.tracer == nil {
		return fn(ctx)
	}
	ctx, span := c.tracer.Start(ctx, "dispatch."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dispatch.destination", c.dest),
			attribute.String("dispatch.address", c.addr.String()),
			attribute.Int("dispatch.entries", n),
		))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Connection) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := c.breaker().Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if shortCircuited(err) {
		return driver.Communication(err)
	}
	return err
}

// shortCircuited reports whether err comes from the breaker refusing a call
// rather than from the peer.
func shortCircuited(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// export applies the interceptor to an outgoing payload.
func (c *Connection) export(raw []byte, method MethodKind) ([]byte, error) {
	if c.icpt == nil {
		c.degraded.Do(func() {
			c.logger.Warn("no security interceptor configured, payloads are sent unprotected",
				slog.String("destination", c.dest),
				slog.String("address", c.addr.String()))
		})
		return raw, nil
	}
	out, err := c.icpt.Export(raw, method.String())
	if err != nil {
		return nil, newError(SecurityTransformFailure, c.dest, "export", err)
	}
	return out, nil
}

// importResult applies the interceptor to an incoming result.
func (c *Connection) importResult(raw []byte) ([]byte, error) {
	if c.icpt == nil || raw == nil {
		return raw, nil
	}
	out, err := c.icpt.Import(raw)
	if err != nil {
		return nil, newError(SecurityTransformFailure, c.dest, "import", err)
	}
	return out, nil
}

func (c *Connection) shutdown() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.drv.Shutdown()
}
