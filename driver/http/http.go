// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http is the frame driver over plain HTTP POSTs. HTTP carries no
// connection state: ConnectLowlevel only validates the address and the
// first call discovers whether the peer is reachable.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/frame"
)

// Type is the address type served by this driver.
const Type = "http"

const (
	defaultTimeout = 30 * time.Second
	maxFrameSize   = 4 << 20
	userAgent      = "fluxdispatch-http/1.0"
)

// Config configures the HTTP transport.
type Config struct {
	Timeout time.Duration
	Headers map[string]string
	TLS     *tls.Config
}

// New creates an unconnected HTTP driver.
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
	cfg    Config
	url    string
	client *http.Client
}

func (t *transport) Dial(_ context.Context, addr driver.Address) error {
	u, err := url.Parse(addr.URL)
	if err != nil {
		return fmt.Errorf("invalid http address %q: %w", addr.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid http address %q: scheme must be http or https", addr.URL)
	}

	t.url = u.String()
	t.client = &http.Client{
		Timeout: t.cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:     t.cfg.TLS,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return nil
}

func (t *transport) Call(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	if t.client == nil {
		return nil, driver.ErrNotConnected
	}

	body, err := frame.Encode(req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("User-Agent", userAgent)
	for k, v := range t.cfg.Headers {
		hreq.Header.Set(k, v)
	}

	hresp, err := t.client.Do(hreq)
	if err != nil {
		return nil, driver.Communication(err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxFrameSize))
	if err != nil {
		return nil, driver.Communication(err)
	}

	switch {
	case hresp.StatusCode == http.StatusOK:
		return frame.DecodeResponse(data)
	case hresp.StatusCode == http.StatusUnauthorized, hresp.StatusCode == http.StatusForbidden:
		return nil, driver.Authentication(fmt.Errorf("peer refused credentials: %s", hresp.Status))
	case hresp.StatusCode == http.StatusTooManyRequests, hresp.StatusCode >= 500:
		return nil, driver.Communication(fmt.Errorf("peer unavailable: %s", hresp.Status))
	default:
		return nil, fmt.Errorf("peer rejected frame: %s: %s", hresp.Status, bytes.TrimSpace(data))
	}
}

func (t *transport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}
