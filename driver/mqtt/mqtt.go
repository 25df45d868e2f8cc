// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt is the driver for MQTT 3.1.1 brokers. Keys are topics,
// publishes go out one message per call and Erase clears a retained message.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

// Type is the address type served by this driver.
const Type = "mqtt"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	disconnectQuiesce     = 250 // ms
	subackFailure         = 0x80
)

var errLinkLost = errors.New("mqtt connection is not open")

var _ driver.Driver = (*Driver)(nil)

// Config configures the MQTT client.
type Config struct {
	ClientIDPrefix string
	Username       string
	Password       string
	// QoS is used when a message carries none.
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	TLS            *tls.Config
}

// Driver publishes to one MQTT broker.
type Driver struct {
	cfg Config

	mu     sync.Mutex
	client paho.Client
	addr   *driver.Address
}

// New creates an unconnected MQTT driver.
func New(cfg Config) *Driver {
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "fluxdispatch"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &Driver{cfg: cfg}
}

// Factory returns a registry factory producing drivers with cfg.
func Factory(cfg Config) driver.Factory {
	return func() (driver.Driver, error) { return New(cfg), nil }
}

func (d *Driver) Type() string { return Type }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{}
}

// options builds the client options for addr. Username and password in the
// address options take precedence over the configured ones.
func (d *Driver) options(addr driver.Address) (*paho.ClientOptions, error) {
	u, err := url.Parse(addr.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid mqtt address %q", addr.URL)
	}

	username, password := d.cfg.Username, d.cfg.Password
	if v, ok := addr.Options["username"]; ok {
		username = v
	}
	if v, ok := addr.Options["password"]; ok {
		password = v
	}

	opts := paho.NewClientOptions().
		AddBroker(u.String()).
		SetClientID(d.cfg.ClientIDPrefix + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetWriteTimeout(d.cfg.WriteTimeout).
		SetUsername(username).
		SetPassword(password).
		SetConnectionLostHandler(func(c paho.Client, _ error) {
			c.Disconnect(0)
		})
	if d.cfg.TLS != nil {
		opts = opts.SetTLSConfig(d.cfg.TLS)
	}
	return opts, nil
}

func (d *Driver) ConnectLowlevel(ctx context.Context, addr driver.Address) error {
	opts, err := d.options(addr)
	if err != nil {
		return err
	}

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return classify(err)
	}

	d.mu.Lock()
	d.client = client
	d.addr = &addr
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

func (d *Driver) conn() (paho.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, driver.ErrNotConnected
	}
	if !d.client.IsConnectionOpen() {
		return nil, driver.Communication(errLinkLost)
	}
	return d.client, nil
}

// Ping reports the link state. Keepalive PINGREQs are handled by the client.
func (d *Driver) Ping(_ context.Context, data []byte) ([]byte, error) {
	if _, err := d.conn(); err != nil {
		return nil, err
	}
	return data, nil
}

// Connect is a no-op: an MQTT session is the connection itself.
func (d *Driver) Connect(_ context.Context, _ []byte) ([]byte, error) {
	_, err := d.conn()
	return nil, err
}

func (d *Driver) Disconnect(_ context.Context, _ []byte) error {
	_, err := d.conn()
	return err
}

func (d *Driver) PublishArr(ctx context.Context, msgs []driver.Message) ([][]byte, error) {
	c, err := d.conn()
	if err != nil {
		return nil, err
	}
	results := make([][]byte, len(msgs))
	for _, m := range msgs {
		if err := wait(ctx, c.Publish(m.Key, d.qos(m.QoS), d.cfg.Retain, m.Content)); err != nil {
			return nil, classify(err)
		}
	}
	return results, nil
}

// PublishOneway hands messages to the client at QoS 0 without waiting for
// the broker.
func (d *Driver) PublishOneway(_ context.Context, msgs []driver.Message) error {
	c, err := d.conn()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		c.Publish(m.Key, 0, d.cfg.Retain, m.Content)
	}
	return nil
}

func (d *Driver) Subscribe(ctx context.Context, key string, qos []byte) ([]byte, error) {
	c, err := d.conn()
	if err != nil {
		return nil, err
	}
	tok := c.Subscribe(key, d.qos(qos), nil)
	if err := wait(ctx, tok); err != nil {
		return nil, classify(err)
	}
	granted := d.qos(qos)
	if st, ok := tok.(*paho.SubscribeToken); ok {
		if g, ok := st.Result()[key]; ok {
			granted = g
		}
	}
	if granted == subackFailure {
		return nil, fmt.Errorf("broker refused subscription to %q", key)
	}
	return []byte{granted}, nil
}

func (d *Driver) Unsubscribe(ctx context.Context, key string, _ []byte) ([]byte, error) {
	c, err := d.conn()
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, c.Unsubscribe(key)); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

// Get is not expressible: MQTT has no request/response primitive.
func (d *Driver) Get(_ context.Context, _ string, _ []byte) ([]byte, error) {
	return nil, driver.ErrUnsupported
}

// Erase clears the retained message on topic key.
func (d *Driver) Erase(ctx context.Context, key string, qos []byte) ([]byte, error) {
	c, err := d.conn()
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, c.Publish(key, d.qos(qos), true, []byte{})); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

func (d *Driver) Shutdown() error {
	d.mu.Lock()
	c := d.client
	d.client = nil
	d.mu.Unlock()
	if c != nil {
		c.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (d *Driver) qos(q []byte) byte {
	if len(q) > 0 && q[0] <= 2 {
		return q[0]
	}
	return d.cfg.QoS
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps client errors onto the driver error taxonomy. Refused
// credentials are the only failure that is not a transport failure.
func classify(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return driver.Authentication(err)
	default:
		return driver.Communication(err)
	}
}
