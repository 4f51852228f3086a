// Package seqlock implements the per-page lock used by the page cache.
//
// A Lock packs four lock modes into a single atomic word:
//
//   - optimistic read: never blocks, validated after the fact against the sequence counter
//   - write: shared between writers, excluded by the exclusive lock
//   - exclusive: excludes writers, flushers and other exclusive holders
//   - flush: excluded by the exclusive lock and by other flushers, shared with writers
//
// The word also carries the page's modified flag, so that a flush can decide atomically
// whether any write section overlapped it.
package seqlock

import (
	"fmt"
	"sync/atomic"
)

// Word layout, most significant bit first:
//
//	[ E | F | M | W (17 bits) | S (44 bits) ]
const (
	seqBits = 44
	cntBits = 17

	seqMask uint64 = (1 << seqBits) - 1
	cntUnit uint64 = 1 << seqBits
	cntMask uint64 = ((1 << cntBits) - 1) << seqBits
	modMask uint64 = 1 << 61
	flsMask uint64 = 1 << 62
	exlMask uint64 = 1 << 63

	// chkMask covers the bits an optimistic reader validates against.
	chkMask = seqMask | cntMask | exlMask

	// MaxWriters is the largest number of concurrently held write locks.
	MaxWriters = (1 << cntBits) - 1
)

// Lock is a stamped optimistic/write/exclusive/flush lock. The zero value is unlocked,
// unmodified and has sequence 0.
type Lock struct {
	state atomic.Uint64
}

func nextSeq(s uint64) uint64 {
	return (s &^ seqMask) | ((s + 1) & seqMask)
}

// TryOptimisticReadLock returns a stamp for a later ValidateReadLock call. It never blocks.
func (l *Lock) TryOptimisticReadLock() uint64 {
	return l.state.Load() & seqMask
}

// ValidateReadLock reports whether the page may have been read consistently since the
// stamp was taken: no exclusive or write lock is held now and no such section has ended.
func (l *Lock) ValidateReadLock(stamp uint64) bool {
	return l.state.Load()&chkMask == stamp
}

// TryWriteLock takes a shared write lock. It fails only while the exclusive lock is held.
func (l *Lock) TryWriteLock() bool {
	for {
		s := l.state.Load()
		if s&exlMask != 0 {
			return false
		}
		if s&cntMask == cntMask {
			panic(fmt.Sprintf("seqlock: write lock count overflow: %s", State(s)))
		}
		if l.state.CompareAndSwap(s, s+cntUnit) {
			return true
		}
	}
}

// UnlockWrite releases a write lock, invalidating optimistic reads and marking the page
// modified.
func (l *Lock) UnlockWrite() {
	for {
		s := l.state.Load()
		if s&cntMask == 0 {
			panic(fmt.Sprintf("seqlock: unmatched write unlock: %s", State(s)))
		}
		n := nextSeq(s-cntUnit) | modMask
		if l.state.CompareAndSwap(s, n) {
			return
		}
	}
}

// UnlockWriteAndTryTakeFlushLock releases a write lock and, in the same atomic step, takes
// the flush lock if nobody else holds it. It returns the flush stamp, or 0 when the flush
// lock could not be taken.
func (l *Lock) UnlockWriteAndTryTakeFlushLock() uint64 {
	for {
		s := l.state.Load()
		if s&cntMask == 0 {
			panic(fmt.Sprintf("seqlock: unmatched write unlock: %s", State(s)))
		}
		n := nextSeq(s-cntUnit) | modMask
		took := n&flsMask == 0
		if took {
			n |= flsMask
		}
		if l.state.CompareAndSwap(s, n) {
			if !took {
				return 0
			}
			return flushStamp(n)
		}
	}
}

// TryExclusiveLock takes the exclusive lock. It fails if the exclusive, a flush or any
// write lock is held.
func (l *Lock) TryExclusiveLock() bool {
	s := l.state.Load()
	return s&(exlMask|flsMask|cntMask) == 0 && l.state.CompareAndSwap(s, s|exlMask)
}

// UnlockExclusive releases the exclusive lock and returns a stamp that immediately
// validates for optimistic readers.
func (l *Lock) UnlockExclusive() uint64 {
	for {
		s := l.state.Load()
		if s&exlMask == 0 {
			panic(fmt.Sprintf("seqlock: unmatched exclusive unlock: %s", State(s)))
		}
		n := nextSeq(s) &^ exlMask
		if l.state.CompareAndSwap(s, n) {
			return n & seqMask
		}
	}
}

// UnlockExclusiveAndTakeWriteLock turns the exclusive lock into a single write lock with no
// window in which another goroutine could take the exclusive lock.
func (l *Lock) UnlockExclusiveAndTakeWriteLock() {
	for {
		s := l.state.Load()
		if s&exlMask == 0 {
			panic(fmt.Sprintf("seqlock: unmatched exclusive unlock: %s", State(s)))
		}
		n := (nextSeq(s) &^ exlMask) + cntUnit
		if l.state.CompareAndSwap(s, n) {
			return
		}
	}
}

// TryFlushLock takes the flush lock. It returns a non-zero stamp to hand to UnlockFlush, or
// 0 if the exclusive or another flush lock is held.
func (l *Lock) TryFlushLock() uint64 {
	for {
		s := l.state.Load()
		if s&(exlMask|flsMask) != 0 {
			return 0
		}
		n := s | flsMask
		if l.state.CompareAndSwap(s, n) {
			return flushStamp(n)
		}
	}
}

// flushStamp records the writer count and sequence at the start of a flush window. The flush
// bit keeps it non-zero.
func flushStamp(s uint64) uint64 {
	return s & (flsMask | cntMask | seqMask)
}

// UnlockFlush releases the flush lock. When success is true the modified flag is cleared,
// but only if no write section overlapped the flush window.
func (l *Lock) UnlockFlush(stamp uint64, success bool) {
	for {
		s := l.state.Load()
		if s&flsMask == 0 {
			panic(fmt.Sprintf("seqlock: unmatched flush unlock: %s", State(s)))
		}
		n := s &^ flsMask
		overlapped := stamp&cntMask != 0 || s&(cntMask|seqMask) != stamp&(cntMask|seqMask)
		if success && !overlapped {
			n &^= modMask
		}
		if l.state.CompareAndSwap(s, n) {
			return
		}
	}
}

// ExplicitlyMarkModifiedUnderExclusiveLock sets the modified flag. The caller must hold the
// exclusive lock.
func (l *Lock) ExplicitlyMarkModifiedUnderExclusiveLock() {
	l.mustBeExclusive()
	l.state.Or(modMask)
}

// ExplicitlyMarkUnmodifiedUnderExclusiveLock clears the modified flag. The caller must hold
// the exclusive lock.
func (l *Lock) ExplicitlyMarkUnmodifiedUnderExclusiveLock() {
	l.mustBeExclusive()
	l.state.And(^modMask)
}

func (l *Lock) mustBeExclusive() {
	if s := l.state.Load(); s&exlMask == 0 {
		panic(fmt.Sprintf("seqlock: exclusive lock required: %s", State(s)))
	}
}

func (l *Lock) IsModified() bool { return l.state.Load()&modMask != 0 }
func (l *Lock) IsExclusivelyLocked() bool { return l.state.Load()&exlMask != 0 }
func (l *Lock) IsFlushLocked() bool { return l.state.Load()&flsMask != 0 }
func (l *Lock) IsWriteLocked() bool { return l.state.Load()&cntMask != 0 }
func (l *Lock) State() State { return State(l.state.Load()) }
func (l *Lock) String() string { return l.State().String() }

// State is a snapshot of a lock word.
type State uint64

func (s State) Exclusive() bool { return uint64(s)&exlMask != 0 }
func (s State) Flush() bool { return uint64(s)&flsMask != 0 }
func (s State) Modified() bool { return uint64(s)&modMask != 0 }
func (s State) Writers() int { return int((uint64(s) & cntMask) >> seqBits) }
func (s State) Sequence() uint64 { return uint64(s) & seqMask }

func (s State) String() string {
	return fmt.Sprintf("E:%d F:%d M:%d W:%d S:%d",
		b2i(s.Exclusive()), b2i(s.Flush()), b2i(s.Modified()), s.Writers(), s.Sequence())
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
