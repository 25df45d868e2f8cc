// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp is the driver for AMQP 0.9.1 brokers. Publishes go to the
// configured exchange with the message key as routing key and are confirmed
// by the broker. Subscribe, Get and Erase address queues named by the key.
package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Type is the address type served by this driver.
const Type = "amqp"

const defaultHeartbeat = 10 * time.Second

var (
	errNacked     = errors.New("broker nacked publish")
	errUnroutable = errors.New("message returned as unroutable")
	errQueueEmpty = errors.New("queue is empty")
)

var _ driver.Driver = (*Driver)(nil)

// Config configures the AMQP connection.
type Config struct {
	// Exchange receives publishes; empty means the default exchange.
	Exchange   string
	Mandatory  bool
	Persistent bool
	Heartbeat  time.Duration
	TLS        *tls.Config
}

// Driver talks to one AMQP broker over a single confirm-mode channel.
type Driver struct {
	cfg Config

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns <-chan amqp.Return
	addr    *driver.Address
}

// New creates an unconnected AMQP driver.
func New(cfg Config) *Driver {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Driver{cfg: cfg}
}

// Factory returns a registry factory producing drivers with cfg.
func Factory(cfg Config) driver.Factory {
	return func() (driver.Driver, error) { return New(cfg), nil }
}

func (d *Driver) Type() string { return Type }

// Capabilities reports array publish: confirms for a batch are pipelined.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{ArrayPublish: true}
}

func (d *Driver) ConnectLowlevel(_ context.Context, addr driver.Address) error {
	if addr.URL == "" {
		return fmt.Errorf("invalid amqp address: empty url")
	}

	conn, err := amqp.DialConfig(addr.URL, amqp.Config{
		Heartbeat:       d.cfg.Heartbeat,
		TLSClientConfig: d.cfg.TLS,
		Properties:      amqp.Table{"connection_name": "fluxdispatch"},
	})
	if err != nil {
		return classify(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
	d.addr = &addr
	if err := d.openChannel(); err != nil {
		_ = conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

// openChannel replaces the channel. Channel-level exceptions close the
// channel but leave the connection usable. Callers hold mu.
func (d *Driver) openChannel() error {
	ch, err := d.conn.Channel()
	if err != nil {
		return classify(err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp channel could not be put into confirm mode: %w", err)
	}
	d.ch = ch
	d.returns = nil
	if d.cfg.Mandatory {
		d.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}
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

func (d *Driver) channel() (*amqp.Channel, <-chan amqp.Return, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, nil, driver.ErrNotConnected
	}
	if d.conn.IsClosed() {
		return nil, nil, driver.Communication(amqp.ErrClosed)
	}
	if d.ch == nil || d.ch.IsClosed() {
		if err := d.openChannel(); err != nil {
			return nil, nil, err
		}
	}
	return d.ch, d.returns, nil
}

// Ping reports the link state. Heartbeats are handled by the client.
func (d *Driver) Ping(_ context.Context, data []byte) ([]byte, error) {
	if _, _, err := d.channel(); err != nil {
		return nil, err
	}
	return data, nil
}

func (d *Driver) Connect(_ context.Context, _ []byte) ([]byte, error) {
	_, _, err := d.channel()
	return nil, err
}

func (d *Driver) Disconnect(_ context.Context, _ []byte) error {
	_, _, err := d.channel()
	return err
}

func (d *Driver) publishing(m driver.Message) amqp.Publishing {
	mode := amqp.Transient
	if d.cfg.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		MessageId:    m.ID,
		ContentType:  "application/octet-stream",
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Body:         m.Content,
	}
}

func (d *Driver) PublishArr(ctx context.Context, msgs []driver.Message) ([][]byte, error) {
	ch, returns, err := d.channel()
	if err != nil {
		return nil, err
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(msgs))
	for _, m := range msgs {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, d.cfg.Exchange, m.Key, d.cfg.Mandatory, false, d.publishing(m))
		if err != nil {
			return nil, classify(err)
		}
		confirms = append(confirms, dc)
	}

	for _, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return nil, driver.Communication(err)
		}
		if !ok {
			return nil, errNacked
		}
	}

	if returns != nil {
		select {
		case r, open := <-returns:
			if open {
				return nil, fmt.Errorf("%w: %s (%d %s)", errUnroutable, r.RoutingKey, r.ReplyCode, r.ReplyText)
			}
		default:
		}
	}
	return make([][]byte, len(msgs)), nil
}

// PublishOneway publishes without waiting for confirms.
func (d *Driver) PublishOneway(ctx context.Context, msgs []driver.Message) error {
	ch, _, err := d.channel()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := ch.PublishWithContext(ctx, d.cfg.Exchange, m.Key, false, false, d.publishing(m)); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Subscribe declares a durable queue named key and, with an exchange
// configured, binds it using key as the binding key.
func (d *Driver) Subscribe(_ context.Context, key string, _ []byte) ([]byte, error) {
	ch, _, err := d.channel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare(key, true, false, false, false, nil)
	if err != nil {
		return nil, classify(err)
	}
	if d.cfg.Exchange != "" {
		if err := ch.QueueBind(q.Name, key, d.cfg.Exchange, false, nil); err != nil {
			return nil, classify(err)
		}
	}
	return []byte(strconv.Itoa(q.Messages)), nil
}

func (d *Driver) Unsubscribe(_ context.Context, key string, _ []byte) ([]byte, error) {
	ch, _, err := d.channel()
	if err != nil {
		return nil, err
	}
	if d.cfg.Exchange == "" {
		return nil, nil
	}
	if err := ch.QueueUnbind(key, key, d.cfg.Exchange, nil); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

// Get takes one message off queue key.
func (d *Driver) Get(_ context.Context, key string, _ []byte) ([]byte, error) {
	ch, _, err := d.channel()
	if err != nil {
		return nil, err
	}
	msg, ok, err := ch.Get(key, true)
	if err != nil {
		return nil, classify(err)
	}
	if !ok {
		return nil, errQueueEmpty
	}
	return msg.Body, nil
}

// Erase purges queue key and returns the number of dropped messages.
func (d *Driver) Erase(_ context.Context, key string, _ []byte) ([]byte, error) {
	ch, _, err := d.channel()
	if err != nil {
		return nil, err
	}
	n, err := ch.QueuePurge(key, false)
	if err != nil {
		return nil, classify(err)
	}
	return []byte(strconv.Itoa(n)), nil
}

func (d *Driver) Shutdown() error {
	d.mu.Lock()
	conn, ch := d.conn, d.ch
	d.conn, d.ch, d.returns = nil, nil, nil
	d.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// classify maps client errors onto the driver error taxonomy. Channel-level
// exceptions such as NOT_FOUND are remote answers; connection-level ones are
// transport failures.
func classify(err error) error {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) {
		return driver.Authentication(err)
	}

	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		switch {
		case aerr.Code == amqp.AccessRefused:
			return driver.Authentication(err)
		case aerr.Recover:
			return err
		case aerr.Code == amqp.NotFound, aerr.Code == amqp.PreconditionFailed, aerr.Code == amqp.ResourceLocked:
			return err
		}
	}
	return driver.Communication(err)
}
