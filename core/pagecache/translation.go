package pagecache

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojopage/core/pagecache/pagelist"
)

// maxTranslationChunks caps how far a translation table may grow.
const maxTranslationChunks = 1 << 20

// translationTable maps file page ids to cache slots for one file. Each entry holds the
// slot's PageRef plus one, so that zero means unmapped. Entries are read and written
// without locks; only growth takes the mutex.
type translationTable struct {
	shift  uint
	mask   uint64
	mu     sync.Mutex
	chunks atomic.Pointer[[]*translationChunk]
}

type translationChunk struct {
	entries []atomic.Uint64
}

func newTranslationTable(chunkSize int) *translationTable {
	t := &translationTable{
		shift: uint(bits.TrailingZeros(uint(chunkSize))),
		mask:  uint64(chunkSize - 1),
	}
	empty := make([]*translationChunk, 0)
	t.chunks.Store(&empty)
	return t
}

// maxFilePageID is the largest file page id the table can address.
func (t *translationTable) maxFilePageID() uint64 {
	return uint64(maxTranslationChunks)<<t.shift - 1
}

// lookup returns the entry for filePageID, or nil if its chunk does not exist yet.
func (t *translationTable) lookup(filePageID uint64) *atomic.Uint64 {
	chunks := *t.chunks.Load()
	idx := filePageID >> t.shift
	if idx >= uint64(len(chunks)) || chunks[idx] == nil {
		return nil
	}
	return &chunks[idx].entries[filePageID&t.mask]
}

// entry returns the entry for filePageID, growing the table if needed. filePageID must not
// exceed maxFilePageID.
func (t *translationTable) entry(filePageID uint64) *atomic.Uint64 {
	if e := t.lookup(filePageID); e != nil {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.chunks.Load()
	idx := filePageID >> t.shift
	if idx < uint64(len(cur)) && cur[idx] != nil {
		return &cur[idx].entries[filePageID&t.mask]
	}
	size := len(cur)
	if idx >= uint64(size) {
		size = int(idx) + 1
		if grown := 2 * len(cur); grown > size && grown <= maxTranslationChunks {
			size = grown
		}
	}
	next := make([]*translationChunk, size)
	copy(next, cur)
	next[idx] = &translationChunk{entries: make([]atomic.Uint64, t.mask+1)}
	t.chunks.Store(&next)
	return &next[idx].entries[filePageID&t.mask]
}

func encodeRef(ref pagelist.PageRef) uint64 { return uint64(ref) + 1 }

func decodeRef(v uint64) (pagelist.PageRef, bool) {
	if v == 0 {
		return 0, false
	}
	return pagelist.PageRef(v - 1), true
}
