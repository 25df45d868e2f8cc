// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements driver.Driver on top of any transport that can
// carry one JSON request frame and return one response frame. The
// websocket, http and coap drivers differ only in their Transport.
package frame

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/internal/bufpool"
)

// Transport carries request frames to one peer.
//
// Dial and Call classify failures with driver.Communication and
// driver.Authentication. Call returns the decoded response; errors the
// peer reported inside it are classified by Driver.
type Transport interface {
	Dial(ctx context.Context, addr driver.Address) error
	Call(ctx context.Context, req *driver.Request) (*driver.Response, error)
	Close() error
}

// Handler answers request frames addressed to a destination. It is the
// peer side of a Transport and never returns nil.
type Handler interface {
	Handle(ctx context.Context, dest string, req *driver.Request) *driver.Response
}

// Path is the route under which frame listeners accept requests; the
// destination ID follows it.
const Path = "/frames/"

// Driver adapts a Transport to driver.Driver.
type Driver struct {
	typ       string
	caps      driver.Capabilities
	transport Transport

	mu   sync.Mutex
	addr driver.Address
	up   bool

	seq atomic.Uint64
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver of protocol typ speaking over t.
func New(typ string, t Transport) *Driver {
	return &Driver{
		typ:       typ,
		caps:      driver.Capabilities{ArrayPublish: true},
		transport: t,
	}
}

func (d *Driver) Type() string                      { return d.typ }
func (d *Driver) Capabilities() driver.Capabilities { return d.caps }

func (d *Driver) ConnectLowlevel(ctx context.Context, addr driver.Address) error {
	if err := d.transport.Dial(ctx, addr); err != nil {
		return err
	}
	d.mu.Lock()
	d.addr = addr
	d.up = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	addr := d.addr
	d.up = false
	d.mu.Unlock()

	if addr.URL == "" {
		return driver.ErrNotConnected
	}
	_ = d.transport.Close()
	return d.ConnectLowlevel(ctx, addr)
}

func (d *Driver) call(ctx context.Context, req driver.Request) (*driver.Response, error) {
	d.mu.Lock()
	up := d.up
	d.mu.Unlock()
	if !up {
		return nil, driver.ErrNotConnected
	}

	req.ID = strconv.FormatUint(d.seq.Add(1), 10)
	resp, err := d.transport.Call(ctx, &req)
	if err != nil {
		return nil, err
	}
	if resp.ID != "" && resp.ID != req.ID {
		return nil, driver.Communication(fmt.Errorf("response %s does not answer request %s", resp.ID, req.ID))
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Driver) Ping(ctx context.Context, data []byte) ([]byte, error) {
	resp, err := d.call(ctx, driver.Request{Op: driver.OpPing, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (d *Driver) Connect(ctx context.Context, qos []byte) ([]byte, error) {
	resp, err := d.call(ctx, driver.Request{Op: driver.OpConnect, QoS: qos})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (d *Driver) Disconnect(ctx context.Context, qos []byte) error {
	_, err := d.call(ctx, driver.Request{Op: driver.OpDisconnect, QoS: qos})
	return err
}

func (d *Driver) PublishArr(ctx context.Context, msgs []driver.Message) ([][]byte, error) {
	resp, err := d.call(ctx, driver.Request{Op: driver.OpPublishArr, Messages: driver.WireMessages(msgs)})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (d *Driver) PublishOneway(ctx context.Context, msgs []driver.Message) error {
	_, err := d.call(ctx, driver.Request{Op: driver.OpPublishOneway, Messages: driver.WireMessages(msgs)})
	return err
}

func (d *Driver) keyed(ctx context.Context, op, key string, qos []byte) ([]byte, error) {
	resp, err := d.call(ctx, driver.Request{Op: op, Key: key, QoS: qos})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (d *Driver) Subscribe(ctx context.Context, key string, qos []byte) ([]byte, error) {
	return d.keyed(ctx, driver.OpSubscribe, key, qos)
}

func (d *Driver) Unsubscribe(ctx context.Context, key string, qos []byte) ([]byte, error) {
	return d.keyed(ctx, driver.OpUnsubscribe, key, qos)
}

func (d *Driver) Get(ctx context.Context, key string, qos []byte) ([]byte, error) {
	return d.keyed(ctx, driver.OpGet, key, qos)
}

func (d *Driver) Erase(ctx context.Context, key string, qos []byte) ([]byte, error) {
	return d.keyed(ctx, driver.OpErase, key, qos)
}

func (d *Driver) Shutdown() error {
	d.mu.Lock()
	d.up = false
	d.mu.Unlock()
	return d.transport.Close()
}

// Encode serializes a frame into a fresh slice.
func Encode(v any) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// DecodeRequest parses a request frame.
func DecodeRequest(data []byte) (*driver.Request, error) {
	var req driver.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request frame: %w", err)
	}
	return &req, nil
}

// DecodeResponse parses a response frame. A frame that does not parse is
// a protocol violation on the link and is classified as a communication
// failure.
func DecodeResponse(data []byte) (*driver.Response, error) {
	var resp driver.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, driver.Communication(fmt.Errorf("malformed response frame: %w", err))
	}
	return &resp, nil
}
