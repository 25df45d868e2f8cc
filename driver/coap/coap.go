// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap is the frame driver over CoAP. coap:// addresses use plain
// UDP, coaps:// addresses DTLS.
package coap

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/frame"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
)

// Type is the address type served by this driver.
const Type = "coap"

const defaultTimeout = 10 * time.Second

// Config configures the CoAP transport.
type Config struct {
	Timeout time.Duration
	// DTLS is required for coaps:// addresses.
	DTLS *piondtls.Config
}

// New creates an unconnected CoAP driver.
func New(cfg Config) *frame.Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return frame.New(Type, &transport{cfg: cfg})
}

// Factory returns a registry factory producing drivers with cfg.
func Factory(cfg Config) driver.Factory {
	return func() (driver.Driver, error) { return New(cfg), nil }
}

type transport struct {
	cfg Config

	mu   sync.Mutex
	conn *client.Conn
	path string
}

func (t *transport) Dial(ctx context.Context, addr driver.Address) error {
	u, err := url.Parse(addr.URL)
	if err != nil {
		return fmt.Errorf("invalid coap address %q: %w", addr.URL, err)
	}

	var conn *client.Conn
	switch u.Scheme {
	case "coap":
		conn, err = udp.Dial(u.Host)
	case "coaps":
		if t.cfg.DTLS == nil {
			return fmt.Errorf("coaps address %q requires a DTLS configuration", addr.URL)
		}
		conn, err = dtls.Dial(u.Host, t.cfg.DTLS)
	default:
		return fmt.Errorf("invalid coap address %q: scheme must be coap or coaps", addr.URL)
	}
	if err != nil {
		return driver.Communication(err)
	}

	// UDP has no handshake; a CoAP ping proves the peer is there.
	pctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		_ = conn.Close()
		return driver.Communication(fmt.Errorf("coap peer %s unreachable: %w", u.Host, err))
	}

	t.mu.Lock()
	t.conn = conn
	t.path = u.Path
	t.mu.Unlock()
	return nil
}

func (t *transport) Call(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	t.mu.Lock()
	conn, path := t.conn, t.path
	t.mu.Unlock()
	if conn == nil {
		return nil, driver.ErrNotConnected
	}

	body, err := frame.Encode(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	resp, err := conn.Post(ctx, path, message.AppJSON, bytes.NewReader(body))
	if err != nil {
		return nil, driver.Communication(err)
	}
	defer conn.ReleaseMessage(resp)

	data, err := resp.ReadBody()
	if err != nil {
		return nil, driver.Communication(err)
	}

	switch resp.Code() {
	case codes.Content, codes.Changed:
		return frame.DecodeResponse(data)
	case codes.Unauthorized, codes.Forbidden:
		return nil, driver.Authentication(fmt.Errorf("peer refused credentials: %v", resp.Code()))
	case codes.ServiceUnavailable, codes.GatewayTimeout, codes.InternalServerError:
		return nil, driver.Communication(fmt.Errorf("peer unavailable: %v", resp.Code()))
	default:
		return nil, fmt.Errorf("peer rejected frame: %v: %s", resp.Code(), data)
	}
}

func (t *transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
