// Package latch de-duplicates concurrent page faults.
//
// A Map is a fixed array of latch slots. A fault for a key takes the slot the key hashes to;
// anyone else faulting a key in the same slot waits for the latch to be released and then
// re-inspects the cache. Different keys can share a slot, so a waiter must never assume the
// fault it waited for was the one it needed.
package latch

import (
	"context"
	"fmt"
	"sync/atomic"
)

// DefaultSize is the number of latch slots used when none is configured.
const DefaultSize = 128

// Latch is held by the goroutine performing a fault.
type Latch struct {
	m     *Map
	index int
	done  chan struct{}
}

// Release frees the slot and wakes every waiter. Releasing twice panics.
func (l *Latch) Release() {
	if !l.m.slots[l.index].CompareAndSwap(l, nil) {
		panic(fmt.Sprintf("latch: release of latch %d that is not held", l.index))
	}
	close(l.done)
}

// Map holds one latch slot per bucket.
type Map struct {
	slots []atomic.Pointer[Latch]
	mask  uint64
}

// NewMap creates a latch map. size is rounded up to a power of two.
func NewMap(size int) *Map {
	if size <= 0 {
		size = DefaultSize
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &Map{slots: make([]atomic.Pointer[Latch], n), mask: uint64(n - 1)}
}

// Key combines a swapper id and a file page id into a latch key.
func Key(swapperID uint32, filePageID uint64) uint64 {
	return filePageID ^ (uint64(swapperID) << 40) ^ (uint64(swapperID) * 0x9E3779B97F4A7C15)
}

func (m *Map) index(key uint64) int {
	// xorshift-multiply mix so neighbouring pages spread over slots
	key ^= key >> 33
	key *= 0xff51afd7ed558ccd
	key ^= key >> 33
	return int(key & m.mask)
}

// TakeOrAwait registers and returns a new latch for key when its slot is free; the caller
// must perform the fault and Release the latch. Otherwise it blocks until the current holder
// releases and returns nil, and the caller must re-check the cache.
func (m *Map) TakeOrAwait(ctx context.Context, key uint64) (*Latch, error) {
	idx := m.index(key)
	slot := &m.slots[idx]
	for {
		if held := slot.Load(); held != nil {
			select {
			case <-held.done:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		l := &Latch{m: m, index: idx, done: make(chan struct{})}
		if slot.CompareAndSwap(nil, l) {
			return l, nil
		}
	}
}

// Size returns the number of latch slots.
func (m *Map) Size() int { return len(m.slots) }
