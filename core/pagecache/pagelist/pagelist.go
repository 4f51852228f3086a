// Package pagelist owns the page cache's slots: one descriptor per slot holding its lock
// word, binding and usage counter, plus a single arena of page buffers.
//
// Slots are addressed by PageRef. Buffers never leave the package except to be handed to a
// swapper for the duration of a read or write; callers copy bytes in and out with ReadAt and
// WriteAt under the locking discipline of package seqlock.
package pagelist

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sushant-115/gojopage/core/pagecache/seqlock"
	"github.com/sushant-115/gojopage/core/pagecache/swapper"
	"github.com/sushant-115/gojopage/core/pagecache/tracer"
)

const (
	// UnboundFilePageID marks a slot that is not bound to any file page.
	UnboundFilePageID uint64 = math.MaxUint64
	// MaxUsage is the saturation point of the clock usage counter.
	MaxUsage = 4
)

// PageRef identifies a slot.
type PageRef int

// descriptor is padded to a cache line so that neighbouring slots never contend.
type descriptor struct {
	lock       seqlock.Lock
	filePageID atomic.Uint64
	swapperID  atomic.Uint32
	usage      atomic.Uint32
	loaded     atomic.Bool
	_          [32]byte
}

// PageList is the fixed table of cache slots.
type PageList struct {
	pageSize int
	descs    []descriptor
	arena    []byte
	swappers *swapper.Set
}

// New creates pageCount slots of pageSize bytes. Every slot starts unbound and exclusively
// locked, ready to be handed out by a free list.
//
// The arena is reserved up front; the runtime maps it lazily, so memory is only committed
// as slots are first faulted in.
func New(pageCount, pageSize int, swappers *swapper.Set) *PageList {
	if pageCount <= 0 || pageSize <= 0 {
		panic(fmt.Sprintf("pagelist: invalid geometry %d pages of %d bytes", pageCount, pageSize))
	}
	if swappers == nil {
		panic("pagelist: swapper set is required")
	}
	pl := &PageList{
		pageSize: pageSize,
		descs:    make([]descriptor, pageCount),
		arena:    make([]byte, pageCount*pageSize),
		swappers: swappers,
	}
	for i := range pl.descs {
		d := &pl.descs[i]
		d.filePageID.Store(UnboundFilePageID)
		d.lock.TryExclusiveLock()
	}
	return pl
}

func (pl *PageList) PageCount() int { return len(pl.descs) }
func (pl *PageList) PageSize() int { return pl.pageSize }

func (pl *PageList) desc(ref PageRef) *descriptor {
	if ref < 0 || int(ref) >= len(pl.descs) {
		panic(fmt.Sprintf("pagelist: page ref %d out of range [0,%d)", ref, len(pl.descs)))
	}
	return &pl.descs[ref]
}

func (pl *PageList) buffer(ref PageRef) []byte {
	off := int(ref) * pl.pageSize
	return pl.arena[off : off+pl.pageSize : off+pl.pageSize]
}

// Lock operations by slot.

func (pl *PageList) TryOptimisticReadLock(ref PageRef) uint64 {
	return pl.desc(ref).lock.TryOptimisticReadLock()
}

func (pl *PageList) ValidateReadLock(ref PageRef, stamp uint64) bool {
	return pl.desc(ref).lock.ValidateReadLock(stamp)
}

func (pl *PageList) TryWriteLock(ref PageRef) bool { return pl.desc(ref).lock.TryWriteLock() }
func (pl *PageList) UnlockWrite(ref PageRef) { pl.desc(ref).lock.UnlockWrite() }

func (pl *PageList) UnlockWriteAndTryTakeFlushLock(ref PageRef) uint64 {
	return pl.desc(ref).lock.UnlockWriteAndTryTakeFlushLock()
}

func (pl *PageList) TryExclusiveLock(ref PageRef) bool { return pl.desc(ref).lock.TryExclusiveLock() }
func (pl *PageList) UnlockExclusive(ref PageRef) uint64 { return pl.desc(ref).lock.UnlockExclusive() }

func (pl *PageList) UnlockExclusiveAndTakeWriteLock(ref PageRef) {
	pl.desc(ref).lock.UnlockExclusiveAndTakeWriteLock()
}

func (pl *PageList) TryFlushLock(ref PageRef) uint64 { return pl.desc(ref).lock.TryFlushLock() }

func (pl *PageList) UnlockFlush(ref PageRef, stamp uint64, success bool) {
	pl.desc(ref).lock.UnlockFlush(stamp, success)
}

func (pl *PageList) IsModified(ref PageRef) bool { return pl.desc(ref).lock.IsModified() }
func (pl *PageList) IsExclusivelyLocked(ref PageRef) bool { return pl.desc(ref).lock.IsExclusivelyLocked() }
func (pl *PageList) IsWriteLocked(ref PageRef) bool { return pl.desc(ref).lock.IsWriteLocked() }
func (pl *PageList) LockState(ref PageRef) seqlock.State { return pl.desc(ref).lock.State() }

// Binding.

func (pl *PageList) IsLoaded(ref PageRef) bool { return pl.desc(ref).loaded.Load() }
func (pl *PageList) FilePageID(ref PageRef) uint64 { return pl.desc(ref).filePageID.Load() }
func (pl *PageList) SwapperID(ref PageRef) uint32 { return pl.desc(ref).swapperID.Load() }

// IsBoundTo reports whether the slot holds the given page of the given swapper.
func (pl *PageList) IsBoundTo(ref PageRef, swapperID uint32, filePageID uint64) bool {
	d := pl.desc(ref)
	return d.swapperID.Load() == swapperID && d.filePageID.Load() == filePageID
}

// IsBound reports whether the slot is bound to any file page.
func (pl *PageList) IsBound(ref PageRef) bool {
	d := pl.desc(ref)
	return d.swapperID.Load() != 0 && d.filePageID.Load() != UnboundFilePageID
}

// Usage counter for the clock sweep.

// IncrementUsage bumps the usage counter, saturating at MaxUsage.
func (pl *PageList) IncrementUsage(ref PageRef) {
	u := &pl.desc(ref).usage
	for {
		v := u.Load()
		if v >= MaxUsage || u.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// DecrementUsage lowers the usage counter and reports whether it just reached zero.
func (pl *PageList) DecrementUsage(ref PageRef) bool {
	u := &pl.desc(ref).usage
	for {
		v := u.Load()
		if v == 0 {
			return false
		}
		if u.CompareAndSwap(v, v-1) {
			return v == 1
		}
	}
}

func (pl *PageList) Usage(ref PageRef) int { return int(pl.desc(ref).usage.Load()) }

// Data access.

// ReadAt copies page bytes starting at off into dst and returns the count copied. Callers
// reading under an optimistic lock must validate it afterwards.
func (pl *PageList) ReadAt(ref PageRef, off int, dst []byte) int {
	pl.desc(ref)
	if off < 0 || off > pl.pageSize {
		panic(fmt.Sprintf("pagelist: offset %d outside page of %d bytes", off, pl.pageSize))
	}
	return copy(dst, pl.buffer(ref)[off:])
}

// WriteAt copies src into the page at off and returns the count copied. The caller must
// hold a write or exclusive lock.
func (pl *PageList) WriteAt(ref PageRef, off int, src []byte) int {
	pl.desc(ref)
	if off < 0 || off > pl.pageSize {
		panic(fmt.Sprintf("pagelist: offset %d outside page of %d bytes", off, pl.pageSize))
	}
	return copy(pl.buffer(ref)[off:], src)
}

// Fault loads filePageID from sw into the slot and binds it. The caller must hold the
// slot's exclusive lock and keeps holding it afterwards, on success and on failure.
//
// When the read fails the slot is left loaded but unbound, with filePageID kept for
// diagnostics, and may be faulted again.
func (pl *PageList) Fault(ref PageRef, sw swapper.Swapper, swapperID uint32, filePageID uint64, event tracer.PageFaultEvent) error {
	d := pl.desc(ref)
	if sw == nil {
		panic("pagelist: fault with nil swapper")
	}
	if filePageID == UnboundFilePageID {
		panic("pagelist: fault of the unbound file page id")
	}
	if !d.lock.IsExclusivelyLocked() {
		panic(fmt.Sprintf("pagelist: fault of page %d without its exclusive lock", ref))
	}
	if swapperID == 0 || d.swapperID.Load() != 0 {
		panic(fmt.Sprintf("pagelist: fault of page %d that is already bound to swapper %d page %d",
			ref, d.swapperID.Load(), d.filePageID.Load()))
	}

	event.SetCachePageID(int(ref))
	d.loaded.Store(true)
	d.filePageID.Store(filePageID)
	n, err := sw.Read(filePageID, pl.buffer(ref))
	event.AddBytesRead(int64(n))
	if err != nil {
		d.swapperID.Store(0)
		return fmt.Errorf("fault of page %d of %s into slot %d: %w", filePageID, sw.FileName(), ref, err)
	}
	// Bind first, then check the id still belongs to sw. Free happens before Vacuum scans
	// for bound slots, so either this check sees the id freed, or Vacuum sees the binding
	// and waits for the exclusive lock before recycling the id.
	d.swapperID.Store(swapperID)
	if m := pl.swappers.Get(swapperID); m == nil || m.Swapper != sw {
		d.swapperID.Store(0)
		return fmt.Errorf("fault of page %d of %s into slot %d: swapper id %d retired: %w",
			filePageID, sw.FileName(), ref, swapperID, swapper.ErrSwapperClosed)
	}
	return nil
}

// TryEvict unbinds the slot, writing it first if it is modified. It returns false without
// changing anything when the slot is not loaded or its exclusive lock is unavailable.
//
// On success the slot is left unbound and exclusively locked for the caller. If the write
// fails the slot stays loaded, bound and modified, its exclusive lock is released, the
// swapper is not told about an eviction and the error is returned.
func (pl *PageList) TryEvict(ref PageRef, run tracer.EvictionRunEvent) (bool, error) {
	d := pl.desc(ref)
	if !d.loaded.Load() || !d.lock.TryExclusiveLock() {
		return false, nil
	}
	ev := run.BeginEviction(int(ref))
	defer ev.Close()

	filePageID := d.filePageID.Load()
	swapperID := d.swapperID.Load()
	ev.SetFilePageID(filePageID)
	if swapperID == 0 {
		// Loaded but never bound, or left over from a failed fault.
		d.lock.ExplicitlyMarkUnmodifiedUnderExclusiveLock()
		d.filePageID.Store(UnboundFilePageID)
		return true, nil
	}

	m := pl.swappers.Get(swapperID)
	if m == nil {
		// The owning file was closed; its id is waiting for vacuum.
		d.lock.ExplicitlyMarkUnmodifiedUnderExclusiveLock()
		d.swapperID.Store(0)
		d.filePageID.Store(UnboundFilePageID)
		return true, nil
	}
	ev.SetSwapper(m.Name)

	if d.lock.IsModified() {
		fe := ev.BeginFlush(int(ref))
		n, err := m.Swapper.Write(filePageID, pl.buffer(ref))
		if err != nil {
			fe.DoneWithError(err)
			ev.ThrewException(err)
			d.lock.UnlockExclusive()
			return false, fmt.Errorf("eviction of page %d of %s from slot %d: %w", filePageID, m.Name, ref, err)
		}
		fe.AddBytesWritten(int64(n))
		fe.AddPagesFlushed(1)
		fe.Done()
		d.lock.ExplicitlyMarkUnmodifiedUnderExclusiveLock()
	}

	d.swapperID.Store(0)
	d.filePageID.Store(UnboundFilePageID)
	m.Swapper.Evicted(filePageID)
	return true, nil
}

// Flush writes the slot if it is bound and modified, under the flush lock so writers are
// not blocked. It reports whether a write happened. If the flush lock is unavailable the
// slot is skipped.
//
// A write section overlapping the flush leaves the page modified even though the write
// succeeded.
func (pl *PageList) Flush(ref PageRef, event tracer.FlushEvent) (bool, error) {
	d := pl.desc(ref)
	if !d.lock.IsModified() {
		return false, nil
	}
	stamp := d.lock.TryFlushLock()
	if stamp == 0 {
		return false, nil
	}
	return pl.flushLocked(ref, d, stamp, event)
}

// FlushAfterWrite releases a write lock and flushes the slot in one step, so the page never
// looks unlocked between the two.
func (pl *PageList) FlushAfterWrite(ref PageRef, event tracer.FlushEvent) (bool, error) {
	d := pl.desc(ref)
	stamp := d.lock.UnlockWriteAndTryTakeFlushLock()
	if stamp == 0 {
		return false, nil
	}
	return pl.flushLocked(ref, d, stamp, event)
}

func (pl *PageList) flushLocked(ref PageRef, d *descriptor, stamp uint64, event tracer.FlushEvent) (bool, error) {
	swapperID := d.swapperID.Load()
	filePageID := d.filePageID.Load()
	m := pl.swappers.Get(swapperID)
	if swapperID == 0 || m == nil || !d.lock.IsModified() {
		d.lock.UnlockFlush(stamp, false)
		return false, nil
	}
	n, err := m.Swapper.Write(filePageID, pl.buffer(ref))
	d.lock.UnlockFlush(stamp, err == nil)
	if err != nil {
		return false, fmt.Errorf("flush of page %d of %s from slot %d: %w", filePageID, m.Name, ref, err)
	}
	event.AddBytesWritten(int64(n))
	event.AddPagesFlushed(1)
	return true, nil
}

// Close drops the arena. The list must not be used afterwards.
func (pl *PageList) Close() {
	pl.arena = nil
}
