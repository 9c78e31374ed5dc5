// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides reusable read buffers for socket pumps.
package pool

import (
	"sync"
	"sync/atomic"
)

// MaxSize is the largest buffer a pool hands out, the maximum UDP payload.
const MaxSize = 65535

// Buffers is a pool of fixed-size byte slices.
type Buffers struct {
	size   int
	pool   sync.Pool
	inUse  atomic.Int64
	allocs atomic.Int64
}

// New creates a buffer pool whose buffers are size bytes long.
// Sizes outside (0, MaxSize] are clamped.
func New(size int) *Buffers {
	if size <= 0 {
		size = 1500
	}
	if size > MaxSize {
		size = MaxSize
	}

	b := &Buffers{size: size}
	b.pool.New = func() any {
		b.allocs.Add(1)
		buf := make([]byte, b.size)
		return &buf
	}
	return b
}

// Get returns a buffer of Size bytes. Callers must Put it back.
func (b *Buffers) Get() *[]byte {
	b.inUse.Add(1)
	return b.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.
func (b *Buffers) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < b.size {
		return
	}
	*buf = (*buf)[:b.size]
	b.inUse.Add(-1)
	b.pool.Put(buf)
}

// Size returns the buffer length.
func (b *Buffers) Size() int {
	return b.size
}

// Stats returns the number of buffers currently checked out and the number
// of buffers allocated over the pool's lifetime.
func (b *Buffers) Stats() (inUse, allocated int64) {
	return b.inUse.Load(), b.allocs.Load()
}
