// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools scratch buffers for assembling outbound frames,
// such as SSE event blocks, without per-write allocations.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this are dropped instead of pooled so one huge
// payload does not pin memory for the lifetime of the process.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool unless it has grown too large.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
