// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package local provides an in-process driver talking to in-memory peers.
// Peers record every call and can inject transport faults, which makes the
// driver the loopback transport for tests and local deployments.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxdispatch/driver"
)

// Type is the protocol type under which the driver registers.
const Type = "local"

var (
	errPeerDown    = errors.New("peer is down")
	errInjected    = errors.New("injected fault")
	errAuthRefused = errors.New("credentials refused")
	errNotFound    = errors.New("key not found")
)

var _ driver.Driver = (*Driver)(nil)

// Call is one recorded invocation on a Peer.
type Call struct {
	Op       string
	Key      string
	Payloads [][]byte
	At       time.Time
}

// Network is a namespace of named peers.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer)}
}

// Peer returns the named peer, creating it on first use.
func (n *Network) Peer(name string) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.peers[name]
	if !ok {
		p = &Peer{
			name:       name,
			published:  make(map[string][][]byte),
			retained:   make(map[string][]byte),
			subscribed: make(map[string]bool),
			truncateTo: -1,
		}
		n.peers[name] = p
	}
	return p
}

// Peer is an in-memory remote endpoint.
type Peer struct {
	name string

	mu         sync.Mutex
	down       bool
	refuseAuth bool
	failNext   int
	truncateTo int
	extra      int
	latency    time.Duration
	transform  func([]byte) ([]byte, error)
	calls      []Call
	published  map[string][][]byte
	retained   map[string][]byte
	subscribed map[string]bool
}

// SetDown makes every call fail with a communication error while true.
func (p *Peer) SetDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

// RefuseAuth makes connect and reconnect fail with an authentication error.
func (p *Peer) RefuseAuth(refuse bool) {
	p.mu.Lock()
	p.refuseAuth = refuse
	p.mu.Unlock()
}

// FailNext makes the next n calls fail with a communication error.
func (p *Peer) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// TruncateResults limits how many results publishArr returns. Negative
// values disable truncation.
func (p *Peer) TruncateResults(n int) {
	p.mu.Lock()
	p.truncateTo = n
	p.mu.Unlock()
}

// ExtraResults makes publishArr append n results no message asked for.
func (p *Peer) ExtraResults(n int) {
	p.mu.Lock()
	p.extra = n
	p.mu.Unlock()
}

// SetLatency delays every call by d.
func (p *Peer) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

// SetResultTransform applies fn to every result the peer synthesizes, the
// way a remote broker protects its answers. Get returns stored content
// untouched.
func (p *Peer) SetResultTransform(fn func([]byte) ([]byte, error)) {
	p.mu.Lock()
	p.transform = fn
	p.mu.Unlock()
}

func (p *Peer) answer(v any) ([]byte, error) {
	res, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	fn := p.transform
	p.mu.Unlock()
	if fn == nil {
		return res, nil
	}
	return fn(res)
}

// Calls returns a copy of the recorded calls.
func (p *Peer) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount returns how many calls of the given operation were recorded.
func (p *Peer) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Published returns every payload published to key, in arrival order.
func (p *Peer) Published(key string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.published[key]...)
}

// Subscribed reports whether key currently has a subscription.
func (p *Peer) Subscribed(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[key]
}

func (p *Peer) enter(ctx context.Context, op, key string, payloads [][]byte) error {
	p.mu.Lock()
	latency := p.latency
	p.calls = append(p.calls, Call{Op: op, Key: key, Payloads: payloads, At: time.Now()})
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return driver.Communication(ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		return driver.Communication(errPeerDown)
	}
	if p.failNext > 0 {
		p.failNext--
		return driver.Communication(errInjected)
	}
	if p.refuseAuth && (op == driver.OpConnect || op == "connectLowlevel" || op == "reconnect") {
		return driver.Authentication(errAuthRefused)
	}
	return nil
}

// Driver is the in-process driver.
type Driver struct {
	network *Network

	mu   sync.Mutex
	peer *Peer
	addr driver.Address
}

// New creates an unconnected driver on the given network.
func New(network *Network) *Driver {
	return &Driver{network: network}
}

// Factory returns a registry factory bound to network.
func Factory(network *Network) driver.Factory {
	return func() (driver.Driver, error) {
		return New(network), nil
	}
}

func (d *Driver) Type() string { return Type }

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{ArrayPublish: true}
}

func (d *Driver) ConnectLowlevel(ctx context.Context, addr driver.Address) error {
	name := strings.TrimPrefix(addr.URL, Type+"://")
	peer := d.network.Peer(name)
	if err := peer.enter(ctx, "connectLowlevel", "", nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.peer = peer
	d.addr = addr
	d.mu.Unlock()
	return nil
}

func (d *Driver) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	addr := d.addr
	peer := d.peer
	d.mu.Unlock()

	if peer == nil {
		if addr.URL == "" {
			return driver.Communication(driver.ErrNotConnected)
		}
		return d.ConnectLowlevel(ctx, addr)
	}
	return peer.enter(ctx, "reconnect", "", nil)
}

func (d *Driver) current() (*Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer == nil {
		return nil, driver.Communication(driver.ErrNotConnected)
	}
	return d.peer, nil
}

func (d *Driver) Ping(ctx context.Context, data []byte) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpPing, "", [][]byte{data}); err != nil {
		return nil, err
	}
	return data, nil
}

func (d *Driver) Connect(ctx context.Context, qos []byte) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpConnect, "", [][]byte{qos}); err != nil {
		return nil, err
	}
	return p.answer(map[string]string{"peer": p.name, "state": "OK"})
}

func (d *Driver) Disconnect(ctx context.Context, qos []byte) error {
	p, err := d.current()
	if err != nil {
		return err
	}
	return p.enter(ctx, driver.OpDisconnect, "", [][]byte{qos})
}

func (d *Driver) PublishArr(ctx context.Context, msgs []driver.Message) ([][]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpPublishArr, "", contents(msgs)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, m := range msgs {
		p.published[m.Key] = append(p.published[m.Key], m.Content)
		p.retained[m.Key] = m.Content
	}
	truncateTo, extra := p.truncateTo, p.extra
	p.mu.Unlock()

	results := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		res, err := p.answer(map[string]string{"id": m.ID, "key": m.Key, "state": "OK"})
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if truncateTo >= 0 && truncateTo < len(results) {
		results = results[:truncateTo]
	}
	for i := 0; i < extra; i++ {
		results = append(results, []byte(`{"state":"UNSOLICITED"}`))
	}
	return results, nil
}

func (d *Driver) PublishOneway(ctx context.Context, msgs []driver.Message) error {
	p, err := d.current()
	if err != nil {
		return err
	}
	if err := p.enter(ctx, driver.OpPublishOneway, "", contents(msgs)); err != nil {
		return err
	}

	p.mu.Lock()
	for _, m := range msgs {
		p.published[m.Key] = append(p.published[m.Key], m.Content)
	}
	p.mu.Unlock()
	return nil
}

func (d *Driver) Subscribe(ctx context.Context, key string, qos []byte) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpSubscribe, key, [][]byte{qos}); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.subscribed[key] = true
	p.mu.Unlock()
	return p.answer(map[string]string{"subscriptionId": "__subId:" + key})
}

func (d *Driver) Unsubscribe(ctx context.Context, key string, qos []byte) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpUnsubscribe, key, [][]byte{qos}); err != nil {
		return nil, err
	}

	p.mu.Lock()
	existed := p.subscribed[key]
	delete(p.subscribed, key)
	p.mu.Unlock()

	if !existed {
		return nil, errNotFound
	}
	return p.answer(map[string]string{"state": "OK"})
}

func (d *Driver) Get(ctx context.Context, key string, qos []byte) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpGet, key, [][]byte{qos}); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.retained[key]
	if !ok {
		return nil, errNotFound
	}
	return content, nil
}

func (d *Driver) Erase(ctx context.Context, key string, qos []byte) ([]byte, error) {
	p, err := d.current()
	if err != nil {
		return nil, err
	}
	if err := p.enter(ctx, driver.OpErase, key, [][]byte{qos}); err != nil {
		return nil, err
	}

	p.mu.Lock()
	_, ok := p.retained[key]
	delete(p.retained, key)
	p.mu.Unlock()

	erased := 0
	if ok {
		erased = 1
	}
	return p.answer(map[string]int{"erased": erased})
}

func (d *Driver) Shutdown() error {
	d.mu.Lock()
	d.peer = nil
	d.mu.Unlock()
	return nil
}

func contents(msgs []driver.Message) [][]byte {
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
