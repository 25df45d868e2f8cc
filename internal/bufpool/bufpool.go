// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers used to encode wire frames.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxRetained is the largest buffer capacity returned to the pool. Buffers
// grown by an oversized frame are left to the garbage collector.
const MaxRetained = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put recycles b. Callers must not retain b.Bytes() afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxRetained {
		return
	}
	pool.Put(b)
}
