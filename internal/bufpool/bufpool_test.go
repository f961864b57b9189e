// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := New(1024)
	b := p.Get()
	b.WriteString("hello")
	p.Put(b)

	b = p.Get()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b.Len())
	}
	p.Put(b)
}

func TestPutDropsOversized(t *testing.T) {
	p := New(16)
	b := p.Get()
	b.Grow(1024)
	p.Put(b)
	p.Put(nil)

	if got := p.Get(); got.Cap() > 16 && got == b {
		t.Fatal("oversized buffer was pooled")
	}
}

func TestConcurrentUse(t *testing.T) {
	p := New(1024)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := p.Get()
			b.WriteString("concurrent")
			if b.String() != "concurrent" {
				t.Errorf("unexpected content %q", b.String())
			}
			p.Put(b)
		}()
	}
	wg.Wait()
}
