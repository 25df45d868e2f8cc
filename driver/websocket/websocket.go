// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket is the frame driver over one long-lived WebSocket.
// Requests are pipelined and answered out of order, matched by ID.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/frame"
	"github.com/gorilla/websocket"
)

// Type is the address type served by this driver.
const Type = "websocket"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCallTimeout      = 30 * time.Second
)

var errLinkDown = errors.New("websocket link is down")

// Config configures the WebSocket transport.
type Config struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	Headers          map[string]string
	TLS              *tls.Config
}

// New creates an unconnected WebSocket driver.
func New(cfg Config) *frame.Driver {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return frame.New(Type, &transport{cfg: cfg, pending: make(map[string]chan result)})
}

// Factory returns a registry factory producing drivers with cfg.
func Factory(cfg Config) driver.Factory {
	return func() (driver.Driver, error) { return New(cfg), nil }
}

type result struct {
	resp *driver.Response
	err  error
}

type transport struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan result

	writeMu sync.Mutex
}

func (t *transport) Dial(ctx context.Context, addr driver.Address) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		TLSClientConfig:  t.cfg.TLS,
	}
	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, addr.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return driver.Authentication(fmt.Errorf("websocket handshake refused: %s", resp.Status))
		}
		return driver.Communication(err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.drop(conn, driver.Communication(err))
			return
		}

		resp, err := frame.DecodeResponse(data)
		if err != nil {
			t.drop(conn, err)
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if ok {
			ch <- result{resp: resp}
		}
	}
}

// drop tears conn down and fails every call waiting on it. It is a no-op
// when conn was already replaced.
func (t *transport) drop(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	pending := t.pending
	t.pending = make(map[string]chan result)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
	_ = conn.Close()
}

func (t *transport) Call(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	data, err := frame.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan result, 1)
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, driver.Communication(errLinkDown)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	t.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		forget()
		t.drop(conn, driver.Communication(err))
		return nil, driver.Communication(err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		forget()
		return nil, driver.Communication(fmt.Errorf("request %s: %w", req.ID, ctx.Err()))
	}
}

func (t *transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	t.drop(conn, driver.Communication(errLinkDown))
	return nil
}
