package pagecache

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sushant-115/gojopage/core/pagecache/pagelist"
)

// PinMode selects how a page is pinned.
type PinMode int

const (
	// PinRead takes an optimistic stamp. The page may change or be evicted while pinned;
	// ReadAt reports whether the copy is consistent.
	PinRead PinMode = iota
	// PinWrite takes the page's write lock, which keeps it from being evicted until Unpin.
	PinWrite
)

func (m PinMode) String() string {
	switch m {
	case PinRead:
		return "read"
	case PinWrite:
		return "write"
	default:
		return fmt.Sprintf("PinMode(%d)", int(m))
	}
}

// Page is a pinned page. It is not safe for concurrent use.
type Page struct {
	file       *PagedFile
	ref        pagelist.PageRef
	filePageID uint64
	mode       PinMode
	stamp      uint64
	unpinned   bool
}

func (p *Page) FilePageID() uint64 { return p.filePageID }
func (p *Page) Mode() PinMode { return p.mode }
func (p *Page) Size() int { return p.file.pc.cfg.PageSize }

// ReadAt copies len(dst) bytes at offset off into dst. Under a read pin it reports whether
// the copy is consistent; when it is not, call ShouldRetry and read again. Under a write
// pin the copy is always consistent. A range outside the page returns ErrPageOutOfBounds.
func (p *Page) ReadAt(off int, dst []byte) (bool, error) {
	p.mustBePinned()
	if err := checkBounds(off, len(dst), p.Size()); err != nil {
		return false, err
	}
	pages := p.file.pc.pages
	pages.ReadAt(p.ref, off, dst)
	if p.mode == PinWrite {
		return true, nil
	}
	return pages.ValidateReadLock(p.ref, p.stamp) && pages.IsBoundTo(p.ref, p.file.swapperID, p.filePageID), nil
}

// WriteAt copies src to offset off. It requires a write pin.
func (p *Page) WriteAt(off int, src []byte) error {
	p.mustBePinned()
	if p.mode != PinWrite {
		return fmt.Errorf("%w: write through a %s pin of page %d", ErrPinModeViolation, p.mode, p.filePageID)
	}
	if err := checkBounds(off, len(src), p.Size()); err != nil {
		return err
	}
	p.file.pc.pages.WriteAt(p.ref, off, src)
	return nil
}

// ShouldRetry reports whether reads made under a read pin since the last call may be
// inconsistent. When it returns true the pin has been re-established, re-faulting the page
// if it was evicted, and the reads must be repeated. Write pins never need a retry.
func (p *Page) ShouldRetry(ctx context.Context) (bool, error) {
	p.mustBePinned()
	if p.mode == PinWrite {
		return false, nil
	}
	pages := p.file.pc.pages
	if pages.ValidateReadLock(p.ref, p.stamp) && pages.IsBoundTo(p.ref, p.file.swapperID, p.filePageID) {
		return false, nil
	}

	runtime.Gosched()
	stamp := pages.TryOptimisticReadLock(p.ref)
	if pages.IsBoundTo(p.ref, p.file.swapperID, p.filePageID) {
		p.stamp = stamp
		return true, nil
	}
	np, err := p.file.Pin(ctx, p.filePageID, PinRead)
	if err != nil {
		return false, err
	}
	p.ref, p.stamp = np.ref, np.stamp
	return true, nil
}

// Unpin releases the pin. Calling it again has no effect.
func (p *Page) Unpin() {
	if p.unpinned {
		return
	}
	p.unpinned = true
	if p.mode == PinWrite {
		p.file.pc.pages.UnlockWrite(p.ref)
	}
	p.file.pc.tracer.Unpin(p.mode == PinWrite)
}

// UnpinAndFlush releases a write pin and writes the page back in the same step, so no other
// writer can slip in between. It reports false without writing when another flush holds
// the page, which then stays modified for that flush, or when the file has been closed.
func (p *Page) UnpinAndFlush() (bool, error) {
	p.mustBePinned()
	if p.mode != PinWrite {
		return false, fmt.Errorf("%w: flush through a %s pin of page %d", ErrPinModeViolation, p.mode, p.filePageID)
	}
	p.unpinned = true
	pc := p.file.pc
	event := pc.tracer.BeginFlush(p.file.path)
	flushed, err := pc.pages.FlushAfterWrite(p.ref, event)
	pc.tracer.Unpin(true)
	if err != nil {
		event.DoneWithError(err)
		return false, err
	}
	event.Done()
	return flushed, nil
}

func (p *Page) mustBePinned() {
	if p.unpinned {
		panic(fmt.Sprintf("pagecache: use of unpinned page %d of %s", p.filePageID, p.file.path))
	}
}
