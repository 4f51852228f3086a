package swapper

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// MaxSwapperID is the largest id Allocate hands out.
const MaxSwapperID = (1 << 21) - 1

// Mapping binds a swapper id to its swapper.
type Mapping struct {
	ID      uint32
	Swapper Swapper
	Name    string
	freed   bool
}

// Set maps small non-zero ids to swappers. Freed ids are quarantined until Vacuum so that
// an id still held by an in-flight fault or eviction is never handed to a different file.
//
// Lookups are lock free; Allocate, Free and Vacuum serialize on a mutex.
type Set struct {
	mu       sync.Mutex
	mappings atomic.Pointer[[]*Mapping] // indexed by id; slot 0 stays nil
	free     []uint32                   // reusable ids, kept sorted
}

// NewSet creates an empty swapper set.
func NewSet() *Set {
	s := &Set{}
	initial := make([]*Mapping, 1)
	s.mappings.Store(&initial)
	return s
}

// Allocate registers sw and returns its id. The id is never 0.
func (s *Set) Allocate(sw Swapper) (uint32, error) {
	if sw == nil {
		panic("swapper: cannot allocate an id for a nil swapper")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.mappings.Load()
	var id uint32
	if len(s.free) > 0 {
		id = s.free[0]
		s.free = s.free[1:]
	} else {
		if len(cur) > MaxSwapperID {
			return 0, fmt.Errorf("%w: %d swappers already allocated", ErrTooManySwappers, MaxSwapperID)
		}
		id = uint32(len(cur))
	}

	size := len(cur)
	if int(id) >= size {
		size = int(id) + 1
	}
	next := make([]*Mapping, size)
	copy(next, cur)
	next[id] = &Mapping{ID: id, Swapper: sw, Name: sw.FileName()}
	s.mappings.Store(&next)
	return id, nil
}

// Get returns the live mapping for id, or nil if the id is unknown or freed.
func (s *Set) Get(id uint32) *Mapping {
	cur := *s.mappings.Load()
	if int(id) >= len(cur) {
		return nil
	}
	m := cur[id]
	if m == nil || m.freed {
		return nil
	}
	return m
}

// Free retires id. The id stays unavailable until the next Vacuum. Freeing an id twice is
// a programming error and panics.
func (s *Set) Free(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.mappings.Load()
	if id == 0 || int(id) >= len(cur) || cur[id] == nil {
		panic(fmt.Sprintf("swapper: free of unknown swapper id %d", id))
	}
	if cur[id].freed {
		panic(fmt.Sprintf("swapper: swapper id %d freed twice", id))
	}
	next := make([]*Mapping, len(cur))
	copy(next, cur)
	next[id] = &Mapping{ID: id, Name: cur[id].Name, freed: true}
	s.mappings.Store(&next)
}

// Vacuum reports every freed id to fn and then makes those ids available for reuse. fn runs
// before the ids are recycled, so it can still clean up state referring to them; any ids it
// returns stay quarantined until a later Vacuum.
func (s *Set) Vacuum(fn func(ids []uint32) (retain []uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.mappings.Load()
	var ids []uint32
	for id, m := range cur {
		if m != nil && m.freed {
			ids = append(ids, uint32(id))
		}
	}
	if len(ids) == 0 {
		return
	}
	if fn != nil {
		retained := make(map[uint32]struct{})
		for _, id := range fn(ids) {
			retained[id] = struct{}{}
		}
		recycled := make([]uint32, 0, len(ids))
		for _, id := range ids {
			if _, ok := retained[id]; !ok {
				recycled = append(recycled, id)
			}
		}
		ids = recycled
	}
	if len(ids) == 0 {
		return
	}

	next := make([]*Mapping, len(cur))
	copy(next, cur)
	for _, id := range ids {
		next[id] = nil
	}
	s.mappings.Store(&next)
	s.free = append(s.free, ids...)
	sort.Slice(s.free, func(i, j int) bool { return s.free[i] < s.free[j] })
}

// Len returns the number of live mappings.
func (s *Set) Len() int {
	n := 0
	for _, m := range *s.mappings.Load() {
		if m != nil && !m.freed {
			n++
		}
	}
	return n
}
