// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MethodKind is the remote operation an Entry performs.
type MethodKind uint8

const (
	MethodConnect MethodKind = iota
	MethodDisconnect
	MethodPublish
	MethodPublishOneway
	MethodSubscribe
	MethodUnsubscribe
	MethodGet
	MethodErase
)

var methodNames = [...]string{
	MethodConnect:       "CONNECT",
	MethodDisconnect:    "DISCONNECT",
	MethodPublish:       "PUBLISH",
	MethodPublishOneway: "PUBLISH_ONEWAY",
	MethodSubscribe:     "SUBSCRIBE",
	MethodUnsubscribe:   "UNSUBSCRIBE",
	MethodGet:           "GET",
	MethodErase:         "ERASE",
}

func (m MethodKind) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("METHOD(%d)", m)
}

// ParseMethod converts a method name, case insensitive, to a MethodKind.
func ParseMethod(s string) (MethodKind, error) {
	s = strings.ToUpper(s)
	for i, n := range methodNames {
		if n == s {
			return MethodKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

// publish reports whether entries of this kind are coalesced into array
// publishes.
func (m MethodKind) publish() bool {
	return m == MethodPublish || m == MethodPublishOneway
}

// Priority bounds. Higher priorities are dispatched first.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 4
)

// Result is the outcome of an Entry, written at most once.
type Result struct {
	Response []byte
	Err      error
}

// Entry is one queued operation awaiting delivery. It doubles as the
// producer's handle: callers wait on it for the result.
//
// All exported fields are immutable once the entry was enqueued. Entries
// built without NewEntry get their ID and result slot when enqueued.
type Entry struct {
	ID          string
	Method      MethodKind
	Priority    int
	Arrival     time.Time
	Key         string
	Payload     []byte
	QoS         []byte
	WantsResult bool
	Expires     time.Time

	seq       uint64
	redeliver atomic.Int32
	resolved  atomic.Bool
	result    Result
	done      chan struct{}
}

// EntryOption configures an Entry.
type EntryOption func(*Entry)

// WithKey sets the topic or object key the operation addresses.
func WithKey(key string) EntryOption {
	return func(e *Entry) { e.Key = key }
}

// WithPriority sets the priority, clamped to [MinPriority, MaxPriority].
func WithPriority(p int) EntryOption {
	return func(e *Entry) { e.Priority = min(max(p, MinPriority), MaxPriority) }
}

// WithQoS attaches opaque quality-of-service data to a publish.
func WithQoS(qos []byte) EntryOption {
	return func(e *Entry) { e.QoS = qos }
}

// WithTTL makes the entry expire if it is still queued after d.
func WithTTL(d time.Duration) EntryOption {
	return func(e *Entry) {
		if d > 0 {
			e.Expires = e.Arrival.Add(d)
		}
	}
}

// WithoutResult marks an entry whose caller does not read the result.
func WithoutResult() EntryOption {
	return func(e *Entry) { e.WantsResult = false }
}

// NewEntry creates an entry. For non-publish methods payload carries the
// request QoS handed to the driver.
func NewEntry(method MethodKind, payload []byte, opts ...EntryOption) *Entry {
	e := &Entry{
		ID:          uuid.New().String(),
		Method:      method,
		Priority:    DefaultPriority,
		Arrival:     time.Now(),
		Payload:     payload,
		WantsResult: method != MethodPublishOneway,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if method == MethodPublishOneway {
		e.WantsResult = false
	}
	return e
}

// prepare completes an entry built as a literal.
func (e *Entry) prepare() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.done == nil {
		e.done = make(chan struct{})
	}
}

// Size returns the number of payload bytes the entry contributes to a batch.
func (e *Entry) Size() int64 {
	return int64(len(e.Payload) + len(e.QoS))
}

// Redeliver returns how often the entry was requeued after a failed attempt.
func (e *Entry) Redeliver() int {
	return int(e.redeliver.Load())
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Done is closed once the result is available. It is never closed for
// oneway entries.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Result returns the result if it has been written.
func (e *Entry) Result() (Result, bool) {
	select {
	case <-e.done:
		return e.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the result is written or ctx is done.
func (e *Entry) Wait(ctx context.Context) (Result, error) {
	if e.Method == MethodPublishOneway {
		return Result{}, ErrOneway
	}
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// resolve writes the result slot. Only the first call wins; oneway entries
// are never resolved.
func (e *Entry) resolve(res Result) bool {
	if e.Method == MethodPublishOneway {
		return false
	}
	if !e.resolved.CompareAndSwap(false, true) {
		return false
	}
	e.result = res
	close(e.done)
	return true
}

func (e *Entry) fail(err error) bool {
	return e.resolve(Result{Err: err})
}

func (e *Entry) isResolved() bool {
	return e.resolved.Load()
}

func failAll(entries []*Entry, err error) {
	for _, e := range entries {
		e.fail(err)
	}
}

func entryIDs(entries []*Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
