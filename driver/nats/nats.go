// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nats is the driver for NATS servers. Keys are subjects; Get is a
// request/reply exchange on the key subject.
package nats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/nats-io/nats.go"
)

// Type is the address type served by this driver.
const Type = "nats"

const (
	defaultConnectTimeout = 5 * time.Second
	defaultFlushTimeout   = 5 * time.Second
)

var _ driver.Driver = (*Driver)(nil)

// Config configures the NATS connection.
type Config struct {
	Name           string
	Username       string
	Password       string
	Token          string
	ConnectTimeout time.Duration
	// FlushTimeout bounds the PING/PONG round trip confirming a publish.
	FlushTimeout time.Duration
	TLS          *tls.Config
}

// Driver talks to one NATS server.
type Driver struct {
	cfg Config

	mu   sync.Mutex
	nc   *nats.Conn
	addr *driver.Address
	subs map[string]*nats.Subscription
}

// New creates an unconnected NATS driver.
func New(cfg Config) *Driver {
	if cfg.Name == "" {
		cfg.Name = "fluxdispatch"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	return &Driver{cfg: cfg, subs: make(map[string]*nats.Subscription)}
}

// Factory returns a registry factory producing drivers with cfg.
func Factory(cfg Config) driver.Factory {
	return func() (driver.Driver, error) { return New(cfg), nil }
}

func (d *Driver) Type() string { return Type }

// Capabilities reports array publish: a batch is confirmed by one flush.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{ArrayPublish: true}
}

func (d *Driver) options(addr driver.Address) []nats.Option {
	opts := []nats.Option{
		nats.Name(d.cfg.Name),
		nats.Timeout(d.cfg.ConnectTimeout),
		nats.NoReconnect(),
	}

	username, password := d.cfg.Username, d.cfg.Password
	if v, ok := addr.Options["username"]; ok {
		username = v
	}
	if v, ok := addr.Options["password"]; ok {
		password = v
	}
	if username != "" {
		opts = append(opts, nats.UserInfo(username, password))
	}

	token := d.cfg.Token
	if v, ok := addr.Options["token"]; ok {
		token = v
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	if d.cfg.TLS != nil {
		opts = append(opts, nats.Secure(d.cfg.TLS))
	}
	return opts
}

func (d *Driver) ConnectLowlevel(_ context.Context, addr driver.Address) error {
	if addr.URL == "" {
		return fmt.Errorf("invalid nats address: empty url")
	}
	nc, err := nats.Connect(addr.URL, d.options(addr)...)
	if err != nil {
		return classify(err)
	}

	d.mu.Lock()
	d.nc = nc
	d.addr = &addr
	d.subs = make(map[string]*nats.Subscription)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	addr := d.addr
	d.mu.Unlock()
	if addr == nil {
		return driver.ErrNotConnected
	}
	_ = d.Shutdown()
	return d.ConnectLowlevel(ctx, *addr)
}

func (d *Driver) conn() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc == nil {
		return nil, driver.ErrNotConnected
	}
	if !d.nc.IsConnected() {
		return nil, driver.Communication(nats.ErrConnectionClosed)
	}
	return d.nc, nil
}

func (d *Driver) flush(ctx context.Context, nc *nats.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.FlushTimeout)
	defer cancel()
	if err := nc.FlushWithContext(ctx); err != nil {
		return driver.Communication(err)
	}
	return nil
}

// Ping round-trips a PING to the server and echoes data.
func (d *Driver) Ping(ctx context.Context, data []byte) ([]byte, error) {
	nc, err := d.conn()
	if err != nil {
		return nil, err
	}
	if err := d.flush(ctx, nc); err != nil {
		return nil, err
	}
	return data, nil
}

// Connect is a no-op: NATS has no session beyond the connection.
func (d *Driver) Connect(_ context.Context, _ []byte) ([]byte, error) {
	_, err := d.conn()
	return nil, err
}

func (d *Driver) Disconnect(_ context.Context, _ []byte) error {
	_, err := d.conn()
	return err
}

func (d *Driver) PublishArr(ctx context.Context, msgs []driver.Message) ([][]byte, error) {
	nc, err := d.conn()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := nc.PublishMsg(message(m)); err != nil {
			return nil, classify(err)
		}
	}
	if err := d.flush(ctx, nc); err != nil {
		return nil, err
	}
	return make([][]byte, len(msgs)), nil
}

func (d *Driver) PublishOneway(_ context.Context, msgs []driver.Message) error {
	nc, err := d.conn()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := nc.PublishMsg(message(m)); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Subscribe registers interest in subject key. Repeated subscriptions to the
// same key are idempotent.
func (d *Driver) Subscribe(ctx context.Context, key string, _ []byte) ([]byte, error) {
	nc, err := d.conn()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	_, ok := d.subs[key]
	d.mu.Unlock()
	if ok {
		return nil, nil
	}

	sub, err := nc.SubscribeSync(key)
	if err != nil {
		return nil, classify(err)
	}
	if err := d.flush(ctx, nc); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	d.mu.Lock()
	d.subs[key] = sub
	d.mu.Unlock()
	return nil, nil
}

func (d *Driver) Unsubscribe(_ context.Context, key string, _ []byte) ([]byte, error) {
	if _, err := d.conn(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	sub, ok := d.subs[key]
	delete(d.subs, key)
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

// Get sends a request on subject key carrying qos as the payload and returns
// the reply.
func (d *Driver) Get(ctx context.Context, key string, qos []byte) ([]byte, error) {
	nc, err := d.conn()
	if err != nil {
		return nil, err
	}
	msg, err := nc.RequestWithContext(ctx, key, qos)
	if err != nil {
		return nil, classify(err)
	}
	return msg.Data, nil
}

func (d *Driver) Erase(_ context.Context, _ string, _ []byte) ([]byte, error) {
	return nil, driver.ErrUnsupported
}

func (d *Driver) Shutdown() error {
	d.mu.Lock()
	nc := d.nc
	d.nc = nil
	d.subs = make(map[string]*nats.Subscription)
	d.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

func message(m driver.Message) *nats.Msg {
	msg := nats.NewMsg(m.Key)
	msg.Data = m.Content
	if m.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, m.ID)
	}
	return msg
}

// classify maps client errors onto the driver error taxonomy. A request
// nobody answers is a remote answer, not a transport failure.
func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked),
		errors.Is(err, nats.ErrPermissionViolation):
		return driver.Authentication(err)
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload):
		return err
	default:
		return driver.Communication(err)
	}
}
