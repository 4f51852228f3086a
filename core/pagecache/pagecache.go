// Package pagecache is a fixed-capacity cache of file pages shared by many goroutines.
//
// Files are mapped into the cache with Map and accessed page by page through pins. A write
// pin holds the page's write lock until Unpin; a read pin holds only an optimistic stamp,
// so readers must check ReadAt's result and retry. Pages are faulted in on demand and
// evicted by a clock sweep, either cooperatively by a faulting goroutine or ahead of time
// by the background evictor. Nothing is written back until a page is evicted or flushed.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojopage/core/pagecache/latch"
	"github.com/sushant-115/gojopage/core/pagecache/pagelist"
	"github.com/sushant-115/gojopage/core/pagecache/swapper"
	"github.com/sushant-115/gojopage/core/pagecache/tracer"
)

const instrumentationName = "github.com/sushant-115/gojopage/core/pagecache"

// PageCache owns the page slots and every file mapped into them.
type PageCache struct {
	id       string
	cfg      Config
	pages    *pagelist.PageList
	swappers *swapper.Set
	latches  *latch.Map
	factory  swapper.Factory
	tracer   tracer.PageCacheTracer
	otel     trace.Tracer
	logger   *zap.Logger
	limiter  *ioLimiter

	mapMu sync.Mutex // serializes Map and the final Close of a file
	files *xsync.MapOf[string, *PagedFile]

	// freeList holds unbound, exclusively locked slots. Its capacity is the page count,
	// so sends never block.
	freeList  chan pagelist.PageRef
	clockHand atomic.Uint64

	closed   atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	InstanceID       string
	PageCount        int
	PageSize         int
	FreePages        int
	LoadedPages      int
	BoundPages       int
	ModifiedPages    int
	WriteLockedPages int
	MappedFiles      int
}

// New creates a page cache. factory opens a swapper for each mapped file; tr may be nil,
// in which case events are discarded.
func New(cfg Config, factory swapper.Factory, tr tracer.PageCacheTracer, logger *zap.Logger) (*PageCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: swapper factory is required", ErrInvalidConfig)
	}
	if tr == nil {
		tr = tracer.Null
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.InstanceID
	if id == "" {
		id = uuid.NewString()
	}

	swappers := swapper.NewSet()
	pc := &PageCache{
		id:       id,
		cfg:      cfg,
		pages:    pagelist.New(cfg.PageCount, cfg.PageSize, swappers),
		swappers: swappers,
		latches:  latch.NewMap(cfg.LatchMapSize),
		factory:  factory,
		tracer:   tr,
		otel:     otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("cache", id)),
		limiter:  newIOLimiter(cfg.FlushBytesPerSecond, cfg.PageSize),
		files:    xsync.NewMapOf[string, *PagedFile](),
		freeList: make(chan pagelist.PageRef, cfg.PageCount),
		stopChan: make(chan struct{}),
	}
	for ref := 0; ref < cfg.PageCount; ref++ {
		pc.freeList <- pagelist.PageRef(ref)
	}

	if cfg.KeepFree > 0 {
		pc.wg.Add(1)
		go pc.evictor()
	}

	pc.logger.Info("Page cache initialized",
		zap.Int("pageCount", cfg.PageCount),
		zap.Int("pageSize", cfg.PageSize),
		zap.Int("keepFree", cfg.KeepFree),
		zap.Int64("flushBytesPerSecond", cfg.FlushBytesPerSecond))
	return pc, nil
}

// ID returns the cache instance id.
func (pc *PageCache) ID() string { return pc.id }

// PageSize returns the size of every page in bytes.
func (pc *PageCache) PageSize() int { return pc.cfg.PageSize }

// Map maps the file at path into the cache, creating it if create is set. Mapping a path
// that is already mapped returns the same PagedFile with its reference count raised; each
// Map must be matched by a Close.
func (pc *PageCache) Map(path string, create bool) (*PagedFile, error) {
	if pc.closed.Load() {
		return nil, ErrCacheClosed
	}
	canonical, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	pc.mapMu.Lock()
	defer pc.mapMu.Unlock()

	if pc.closed.Load() {
		return nil, ErrCacheClosed
	}
	if f, ok := pc.files.Load(canonical); ok {
		f.refs++
		return f, nil
	}

	f := &PagedFile{
		pc:    pc,
		path:  canonical,
		table: newTranslationTable(pc.cfg.TranslationChunkSize),
		refs:  1,
	}
	sw, err := pc.factory.CreateSwapper(canonical, pc.cfg.PageSize, f.evicted, create)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", canonical, err)
	}
	id, err := pc.swappers.Allocate(sw)
	if err != nil {
		_ = sw.Close()
		return nil, fmt.Errorf("map %s: %w", canonical, err)
	}
	f.sw = sw
	f.swapperID = id
	pc.files.Store(canonical, f)

	pc.logger.Info("Mapped file", zap.String("file", canonical), zap.Uint32("swapperID", id))
	return f, nil
}

// grabFreePage returns an unbound, exclusively locked slot, evicting one if the free list is
// empty.
func (pc *PageCache) grabFreePage(ctx context.Context) (pagelist.PageRef, error) {
	select {
	case ref := <-pc.freeList:
		return ref, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if pc.closed.Load() {
		return 0, ErrCacheClosed
	}

	got := pagelist.PageRef(-1)
	n, err := pc.sweep(1, func(ref pagelist.PageRef) { got = ref })
	if n > 0 {
		return got, nil
	}
	// Another goroutine may have freed a page while we swept.
	select {
	case ref := <-pc.freeList:
		return ref, nil
	default:
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCacheFull, err)
	}
	return 0, ErrCacheFull
}

// releaseFreePage returns an unbound, exclusively locked slot to the free list.
func (pc *PageCache) releaseFreePage(ref pagelist.PageRef) {
	pc.freeList <- ref
}

// sweep advances the clock hand, evicting pages whose usage is or becomes zero, until want
// pages have been freed or EvictionPasses revolutions have been made. Each freed slot is
// passed to deliver. The last eviction error is returned when nothing could be freed.
func (pc *PageCache) sweep(want int, deliver func(pagelist.PageRef)) (int, error) {
	run := pc.tracer.BeginEvictionRun()
	defer run.Close()

	count := uint64(pc.pages.PageCount())
	limit := count * uint64(pc.cfg.EvictionPasses)
	freed := 0
	var lastErr error
	for i := uint64(0); i < limit && freed < want; i++ {
		ref := pagelist.PageRef(pc.clockHand.Add(1) % count)
		if !pc.pages.IsLoaded(ref) {
			continue
		}
		if pc.pages.Usage(ref) > 0 && !pc.pages.DecrementUsage(ref) {
			continue
		}
		evicted, err := pc.pages.TryEvict(ref, run)
		if err != nil {
			lastErr = err
			continue
		}
		if evicted {
			freed++
			deliver(ref)
		}
	}
	if freed == 0 && lastErr != nil {
		return 0, lastErr
	}
	return freed, nil
}

// evictor keeps KeepFree pages on the free list.
func (pc *PageCache) evictor() {
	defer pc.wg.Done()
	ticker := time.NewTicker(pc.cfg.EvictorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.stopChan:
			pc.logger.Debug("Background evictor stopping")
			return
		case <-ticker.C:
			want := pc.cfg.KeepFree - len(pc.freeList)
			if want <= 0 {
				continue
			}
			n, err := pc.sweep(want, pc.releaseFreePage)
			if err != nil {
				pc.logger.Warn("Background eviction failed", zap.Error(err))
			} else if n > 0 {
				pc.logger.Debug("Background eviction", zap.Int("evicted", n), zap.Int("free", len(pc.freeList)))
			}
		}
	}
}

// evictBoundTo evicts every page bound to one of the given swapper ids, waiting for pins
// to be released until ctx is done. It returns the ids that still have bound pages.
func (pc *PageCache) evictBoundTo(ctx context.Context, ids map[uint32]struct{}) (map[uint32]struct{}, error) {
	run := pc.tracer.BeginEvictionRun()
	defer run.Close()

	var errs []error
	stuck := make(map[uint32]struct{})
	for ref := pagelist.PageRef(0); int(ref) < pc.pages.PageCount(); ref++ {
		backoff := time.Microsecond
		for {
			id := pc.pages.SwapperID(ref)
			if _, ok := ids[id]; !ok {
				break
			}
			evicted, err := pc.pages.TryEvict(ref, run)
			if err != nil {
				stuck[id] = struct{}{}
				errs = append(errs, err)
				break
			}
			if evicted {
				pc.releaseFreePage(ref)
				break
			}
			if ctx.Err() != nil {
				stuck[id] = struct{}{}
				errs = append(errs, fmt.Errorf("%w: page %d of swapper %d: %w",
					ErrPagesPinned, pc.pages.FilePageID(ref), id, ctx.Err()))
				break
			}
			runtime.Gosched()
			time.Sleep(backoff)
			if backoff < time.Millisecond {
				backoff *= 2
			}
		}
	}
	return stuck, errors.Join(errs...)
}

// FlushAndForce writes every modified page of every mapped file and forces the files to
// stable storage.
func (pc *PageCache) FlushAndForce(ctx context.Context) error {
	if pc.closed.Load() {
		return ErrCacheClosed
	}
	ctx, span := pc.otel.Start(ctx, "PageCache.FlushAndForce",
		trace.WithAttributes(
			attribute.String("cache.id", pc.id),
			attribute.Int("cache.mapped_files", pc.files.Size())))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	pc.files.Range(func(_ string, f *PagedFile) bool {
		g.Go(func() error { return f.Flush(gctx) })
		return true
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		pc.logger.Error("Flush and force failed", zap.Error(err))
		return err
	}
	return nil
}

// Vacuum recycles the ids of closed files. Pages still bound to those ids, for example
// because a fault raced with the close, are evicted first. An id whose pages cannot be
// evicted within UnpinTimeout stays retired until a later Vacuum.
func (pc *PageCache) Vacuum() error {
	var err error
	pc.swappers.Vacuum(func(ids []uint32) []uint32 {
		set := make(map[uint32]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), pc.cfg.UnpinTimeout)
		defer cancel()
		var stuck map[uint32]struct{}
		stuck, err = pc.evictBoundTo(ctx, set)
		retain := make([]uint32, 0, len(stuck))
		for id := range stuck {
			retain = append(retain, id)
		}
		pc.logger.Debug("Vacuumed swapper ids", zap.Uint32s("ids", ids), zap.Uint32s("retained", retain))
		return retain
	})
	return err
}

// Stats returns a snapshot of the cache. It reads every slot and is meant for diagnostics.
func (pc *PageCache) Stats() Stats {
	s := Stats{
		InstanceID:  pc.id,
		PageCount:   pc.cfg.PageCount,
		PageSize:    pc.cfg.PageSize,
		FreePages:   len(pc.freeList),
		MappedFiles: pc.files.Size(),
	}
	if pc.closed.Load() {
		return s
	}
	for ref := pagelist.PageRef(0); int(ref) < pc.pages.PageCount(); ref++ {
		if pc.pages.IsLoaded(ref) {
			s.LoadedPages++
		}
		if pc.pages.IsBound(ref) {
			s.BoundPages++
		}
		st := pc.pages.LockState(ref)
		if st.Modified() {
			s.ModifiedPages++
		}
		if st.Writers() > 0 {
			s.WriteLockedPages++
		}
	}
	return s
}

// Close stops the background evictor and releases the page memory. Every mapped file must
// be closed first.
func (pc *PageCache) Close() error {
	pc.mapMu.Lock()
	defer pc.mapMu.Unlock()

	if pc.closed.Load() {
		return nil
	}
	if n := pc.files.Size(); n > 0 {
		return fmt.Errorf("%w: %d file(s)", ErrFilesStillMapped, n)
	}
	pc.closed.Store(true)
	close(pc.stopChan)
	pc.wg.Wait()
	pc.pages.Close()
	pc.logger.Info("Page cache closed")
	return nil
}
