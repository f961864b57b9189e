// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles scratch buffers used while encoding stored values.
package bufpool

import (
	"bytes"
	"sync"
)

// Pool hands out reset buffers and drops returned ones that grew past maxCap.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New creates a pool that retains buffers of at most maxCap bytes.
func New(maxCap int) *Pool {
	return &Pool{
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap: maxCap,
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}
