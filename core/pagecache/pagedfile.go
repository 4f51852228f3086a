package pagecache

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojopage/core/pagecache/latch"
	"github.com/sushant-115/gojopage/core/pagecache/pagelist"
	"github.com/sushant-115/gojopage/core/pagecache/swapper"
)

// PagedFile is a file mapped into a PageCache.
type PagedFile struct {
	pc        *PageCache
	path      string
	sw        swapper.Swapper
	swapperID uint32
	table     *translationTable
	refs      int // guarded by pc.mapMu
	closed    atomic.Bool
}

// FileName returns the absolute path of the mapped file.
func (f *PagedFile) FileName() string { return f.path }

// PageSize returns the size of every page of the file.
func (f *PagedFile) PageSize() int { return f.pc.cfg.PageSize }

// Pin pins page filePageID of the file, faulting it in if necessary. The returned page must
// be released with Unpin.
//
// Concurrent pins of the same missing page perform a single read; the others wait for it.
func (f *PagedFile) Pin(ctx context.Context, filePageID uint64, mode PinMode) (*Page, error) {
	if f.closed.Load() {
		return nil, ErrFileClosed
	}
	if f.pc.closed.Load() {
		return nil, ErrCacheClosed
	}
	if filePageID > f.table.maxFilePageID() {
		return nil, fmt.Errorf("%w: file page %d", ErrPageOutOfBounds, filePageID)
	}

	entry := f.table.entry(filePageID)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, busy := f.tryPinMapped(entry, filePageID, mode)
		if p != nil {
			f.pc.tracer.Pin(mode == PinWrite, true)
			return p, nil
		}
		if busy {
			runtime.Gosched()
			continue
		}

		l, err := f.pc.latches.TakeOrAwait(ctx, latch.Key(f.swapperID, filePageID))
		if err != nil {
			return nil, err
		}
		if l == nil {
			// Someone else faulted a page hashing to the same latch; look again.
			continue
		}
		if p, busy = f.tryPinMapped(entry, filePageID, mode); p != nil || busy {
			l.Release()
			if p == nil {
				continue
			}
			f.pc.tracer.Pin(mode == PinWrite, true)
			return p, nil
		}
		p, err = f.fault(ctx, entry, filePageID, mode)
		l.Release()
		if err != nil {
			return nil, err
		}
		f.pc.tracer.Pin(mode == PinWrite, false)
		return p, nil
	}
}

// tryPinMapped pins the page the translation entry points at, provided it is still bound
// to filePageID of this file. busy reports that the page is bound but exclusively locked,
// typically by an eviction in progress; the caller must wait rather than fault a second copy.
func (f *PagedFile) tryPinMapped(entry *atomic.Uint64, filePageID uint64, mode PinMode) (p *Page, busy bool) {
	ref, ok := decodeRef(entry.Load())
	if !ok {
		return nil, false
	}
	pages := f.pc.pages
	if mode == PinWrite {
		if !pages.TryWriteLock(ref) {
			return nil, pages.IsBoundTo(ref, f.swapperID, filePageID)
		}
		if !pages.IsBoundTo(ref, f.swapperID, filePageID) {
			pages.UnlockWrite(ref)
			return nil, false
		}
		pages.IncrementUsage(ref)
		return &Page{file: f, ref: ref, filePageID: filePageID, mode: mode}, false
	}

	stamp := pages.TryOptimisticReadLock(ref)
	if !pages.IsBoundTo(ref, f.swapperID, filePageID) {
		return nil, false
	}
	pages.IncrementUsage(ref)
	return &Page{file: f, ref: ref, filePageID: filePageID, mode: mode, stamp: stamp}, false
}

// fault loads filePageID into a free slot and publishes it. The caller holds the latch.
func (f *PagedFile) fault(ctx context.Context, entry *atomic.Uint64, filePageID uint64, mode PinMode) (*Page, error) {
	pc := f.pc
	ref, err := pc.grabFreePage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fault of page %d of %s: %w", filePageID, f.path, err)
	}

	event := pc.tracer.BeginPageFault(filePageID, f.path)
	if err := pc.pages.Fault(ref, f.sw, f.swapperID, filePageID, event); err != nil {
		event.DoneWithError(err)
		pc.releaseFreePage(ref)
		if f.closed.Load() {
			return nil, fmt.Errorf("%w: %w", ErrFileClosed, err)
		}
		return nil, err
	}
	event.Done()
	entry.Store(encodeRef(ref))
	pc.pages.IncrementUsage(ref)

	if mode == PinWrite {
		pc.pages.UnlockExclusiveAndTakeWriteLock(ref)
		return &Page{file: f, ref: ref, filePageID: filePageID, mode: mode}, nil
	}
	stamp := pc.pages.UnlockExclusive(ref)
	return &Page{file: f, ref: ref, filePageID: filePageID, mode: mode, stamp: stamp}, nil
}

// evicted is the swapper's eviction callback. It clears the translation entry unless the
// page has already been faulted into a new slot.
func (f *PagedFile) evicted(filePageID uint64) {
	entry := f.table.lookup(filePageID)
	if entry == nil {
		return
	}
	for {
		v := entry.Load()
		ref, ok := decodeRef(v)
		if !ok || f.pc.pages.IsBoundTo(ref, f.swapperID, filePageID) {
			return
		}
		if entry.CompareAndSwap(v, 0) {
			return
		}
	}
}

func checkBounds(off, n, pageSize int) error {
	if off < 0 || n < 0 || off+n > pageSize {
		return fmt.Errorf("%w: [%d,%d) in a page of %d bytes", ErrPageOutOfBounds, off, off+n, pageSize)
	}
	return nil
}

// Read copies len(dst) bytes at offset off of page filePageID into dst, retrying until it
// has a consistent copy.
func (f *PagedFile) Read(ctx context.Context, filePageID uint64, off int, dst []byte) error {
	if err := checkBounds(off, len(dst), f.PageSize()); err != nil {
		return err
	}
	p, err := f.Pin(ctx, filePageID, PinRead)
	if err != nil {
		return err
	}
	defer p.Unpin()
	for {
		ok, err := p.ReadAt(off, dst)
		if err != nil || ok {
			return err
		}
		if _, err := p.ShouldRetry(ctx); err != nil {
			return err
		}
	}
}

// Write copies src to offset off of page filePageID.
func (f *PagedFile) Write(ctx context.Context, filePageID uint64, off int, src []byte) error {
	if err := checkBounds(off, len(src), f.PageSize()); err != nil {
		return err
	}
	p, err := f.Pin(ctx, filePageID, PinWrite)
	if err != nil {
		return err
	}
	defer p.Unpin()
	return p.WriteAt(off, src)
}

// WriteThrough copies src to offset off of page filePageID and writes the page back before
// returning. The file is not forced; call Flush for durability.
func (f *PagedFile) WriteThrough(ctx context.Context, filePageID uint64, off int, src []byte) error {
	if err := checkBounds(off, len(src), f.PageSize()); err != nil {
		return err
	}
	if err := f.pc.limiter.wait(ctx, f.PageSize()); err != nil {
		return err
	}
	p, err := f.Pin(ctx, filePageID, PinWrite)
	if err != nil {
		return err
	}
	if err := p.WriteAt(off, src); err != nil {
		p.Unpin()
		return err
	}
	_, err = p.UnpinAndFlush()
	return err
}

// Flush writes every modified page of the file and forces it to stable storage. Pages
// being written concurrently stay modified if their write overlapped the flush.
func (f *PagedFile) Flush(ctx context.Context) error {
	if f.closed.Load() {
		return ErrFileClosed
	}
	if err := f.flushPages(ctx); err != nil {
		return err
	}
	if err := f.sw.Force(); err != nil {
		return fmt.Errorf("force %s: %w", f.path, err)
	}
	return nil
}

func (f *PagedFile) flushPages(ctx context.Context) error {
	pc := f.pc
	event := pc.tracer.BeginFlush(f.path)
	var errs []error
	flushed := 0
	for ref := pagelist.PageRef(0); int(ref) < pc.pages.PageCount(); ref++ {
		if pc.pages.SwapperID(ref) != f.swapperID || !pc.pages.IsModified(ref) {
			continue
		}
		if err := pc.limiter.wait(ctx, pc.cfg.PageSize); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := pc.pages.Flush(ref, event)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			flushed++
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		event.DoneWithError(err)
		return err
	}
	event.Done()
	pc.logger.Debug("Flushed file", zap.String("file", f.path), zap.Int("pages", flushed))
	return nil
}

// Close unmaps the file. The last Close flushes it, evicts its pages, closes the swapper and
// retires its id; the id becomes reusable after the next PageCache.Vacuum. Every page of the
// file should be unpinned before the last Close. Pages still write pinned after UnpinTimeout
// are left behind and reported with ErrPagesPinned; their changes are not written back.
func (f *PagedFile) Close() error {
	pc := f.pc
	pc.mapMu.Lock()
	defer pc.mapMu.Unlock()

	if f.closed.Load() {
		return ErrFileClosed
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	f.closed.Store(true)
	pc.files.Delete(f.path)

	var errs []error
	if err := f.flushPages(context.Background()); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pc.cfg.UnpinTimeout)
	defer cancel()
	if _, err := pc.evictBoundTo(ctx, map[uint32]struct{}{f.swapperID: {}}); err != nil {
		errs = append(errs, err)
	}
	pc.swappers.Free(f.swapperID)
	if err := f.sw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close swapper %s: %w", f.path, err))
	}

	err := errors.Join(errs...)
	if err != nil {
		pc.logger.Error("Closing file left errors", zap.String("file", f.path), zap.Error(err))
		return err
	}
	pc.logger.Info("Unmapped file", zap.String("file", f.path), zap.Uint32("swapperID", f.swapperID))
	return nil
}
