package pagecache

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojopage/core/pagecache/swapper"
	"github.com/sushant-115/gojopage/core/pagecache/tracer"
)

// memSwapper keeps pages in a map and counts every call.
type memSwapper struct {
	name      string
	pageSize  int
	onEvicted swapper.EvictionCallback
	readDelay time.Duration

	// beforeRead, when set before the swapper is shared, runs at the start of every Read.
	beforeRead func()

	mu       sync.Mutex
	pages    map[uint64][]byte
	readErr  error
	writeErr error

	reads     atomic.Int64
	writes    atomic.Int64
	forces    atomic.Int64
	evictions atomic.Int64
}

func (s *memSwapper) Read(id uint64, buf []byte) (int, error) {
	s.reads.Add(1)
	if s.beforeRead != nil {
		s.beforeRead()
	}
	if s.readDelay > 0 {
		time.Sleep(s.readDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	data, ok := s.pages[id]
	if !ok {
		clear(buf)
		return 0, nil
	}
	return copy(buf, data), nil
}

func (s *memSwapper) Write(id uint64, buf []byte) (int, error) {
	s.writes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.pages[id] = append([]byte(nil), buf...)
	return len(buf), nil
}

func (s *memSwapper) Evicted(id uint64) {
	s.evictions.Add(1)
	if s.onEvicted != nil {
		s.onEvicted(id)
	}
}

func (s *memSwapper) Force() error {
	s.forces.Add(1)
	return nil
}

func (s *memSwapper) Close() error { return nil }
func (s *memSwapper) FileName() string { return s.name }

func (s *memSwapper) setErrors(readErr, writeErr error) {
	s.mu.Lock()
	s.readErr, s.writeErr = readErr, writeErr
	s.mu.Unlock()
}

func (s *memSwapper) stored(id uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[id]
}

// memFactory hands out one memSwapper per path and keeps them across map/unmap cycles.
type memFactory struct {
	readDelay time.Duration

	mu       sync.Mutex
	swappers map[string]*memSwapper
}

func newMemFactory() *memFactory {
	return &memFactory{swappers: map[string]*memSwapper{}}
}

func (mf *memFactory) CreateSwapper(path string, pageSize int, onEvicted swapper.EvictionCallback, create bool) (swapper.Swapper, error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	sw, ok := mf.swappers[path]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
		}
		sw = &memSwapper{name: path, pageSize: pageSize, pages: map[uint64][]byte{}, readDelay: mf.readDelay}
		mf.swappers[path] = sw
	}
	sw.onEvicted = onEvicted
	return sw, nil
}

func (mf *memFactory) get(path string) *memSwapper {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.swappers[path]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 256
	cfg.PageCount = 8
	cfg.KeepFree = 0
	cfg.TranslationChunkSize = 16
	return cfg
}

func newTestCache(t *testing.T, cfg Config, factory swapper.Factory, tr tracer.PageCacheTracer) *PageCache {
	t.Helper()
	pc, err := New(cfg, factory, tr, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pc
}

func fill(size int, b byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
