package pagecache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojopage/core/pagecache/swapper"
	"github.com/sushant-115/gojopage/core/pagecache/tracer"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	f, err := pc.Map("a.db", true)
	require.NoError(t, err)

	require.NoError(t, f.Write(ctx, 3, 10, []byte("hello page")))
	got := make([]byte, 10)
	require.NoError(t, f.Read(ctx, 3, 10, got))
	require.Equal(t, []byte("hello page"), got)

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestDataSurvivesEvictionWithFileSwapper(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageCount = 4
	pc := newTestCache(t, cfg, swapper.NewFileSwapperFactory(zap.NewNop()), nil)

	path := filepath.Join(t.TempDir(), "data.db")
	f, err := pc.Map(path, true)
	require.NoError(t, err)

	const pages = 32
	for i := 0; i < pages; i++ {
		require.NoError(t, f.Write(ctx, uint64(i), 0, fill(cfg.PageSize, byte(i))))
	}
	for i := 0; i < pages; i++ {
		got := make([]byte, cfg.PageSize)
		require.NoError(t, f.Read(ctx, uint64(i), 0, got))
		require.Equal(t, fill(cfg.PageSize, byte(i)), got, "page %d", i)
	}
	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, pages*cfg.PageSize)
	for i := 0; i < pages; i++ {
		require.Equal(t, fill(cfg.PageSize, byte(i)), raw[i*cfg.PageSize:(i+1)*cfg.PageSize])
	}
}

func TestConcurrentPinsOfMissingPageReadOnce(t *testing.T) {
	ctx := context.Background()
	factory := newMemFactory()
	factory.readDelay = 20 * time.Millisecond
	counting := tracer.NewCounting()
	pc := newTestCache(t, testConfig(), factory, counting)
	f, err := pc.Map("shared.db", true)
	require.NoError(t, err)

	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			<-start
			p, err := f.Pin(ctx, 7, PinRead)
			if err != nil {
				return err
			}
			p.Unpin()
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	require.Equal(t, int64(1), factory.get(f.FileName()).reads.Load())
	c := counting.Snapshot()
	require.Equal(t, int64(1), c.Faults)
	require.Equal(t, int64(16), c.Pins)
	require.Equal(t, int64(15), c.Hits)

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestCacheFullWhenEveryPageIsWritePinned(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageCount = 2
	pc := newTestCache(t, cfg, newMemFactory(), nil)
	f, err := pc.Map("full.db", true)
	require.NoError(t, err)

	p0, err := f.Pin(ctx, 0, PinWrite)
	require.NoError(t, err)
	p1, err := f.Pin(ctx, 1, PinWrite)
	require.NoError(t, err)

	_, err = f.Pin(ctx, 2, PinWrite)
	require.ErrorIs(t, err, ErrCacheFull)

	p0.Unpin()
	p2, err := f.Pin(ctx, 2, PinWrite)
	require.NoError(t, err)
	p2.Unpin()
	p1.Unpin()

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestFailedFaultReturnsPageToFreeList(t *testing.T) {
	ctx := context.Background()
	factory := newMemFactory()
	counting := tracer.NewCounting()
	pc := newTestCache(t, testConfig(), factory, counting)
	f, err := pc.Map("broken.db", true)
	require.NoError(t, err)
	sw := factory.get(f.FileName())

	sw.setErrors(swapper.ErrIO, nil)
	_, err = f.Pin(ctx, 0, PinRead)
	require.ErrorIs(t, err, swapper.ErrIO)
	require.Equal(t, testConfig().PageCount, pc.Stats().FreePages)
	require.Zero(t, pc.Stats().BoundPages)
	require.Equal(t, int64(1), counting.Snapshot().FaultFailures)

	sw.setErrors(nil, nil)
	p, err := f.Pin(ctx, 0, PinRead)
	require.NoError(t, err)
	p.Unpin()

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestEvictionFailureKeepsDataAndReportsCacheFull(t *testing.T) {
	ctx := context.Background()
	factory := newMemFactory()
	cfg := testConfig()
	cfg.PageCount = 1
	pc := newTestCache(t, cfg, factory, nil)
	f, err := pc.Map("flaky.db", true)
	require.NoError(t, err)
	sw := factory.get(f.FileName())

	require.NoError(t, f.Write(ctx, 0, 0, []byte("keep me")))
	sw.setErrors(nil, swapper.ErrIO)

	_, err = f.Pin(ctx, 1, PinRead)
	require.ErrorIs(t, err, ErrCacheFull)
	require.ErrorIs(t, err, swapper.ErrIO)
	require.Equal(t, 1, pc.Stats().ModifiedPages)

	got := make([]byte, 7)
	require.NoError(t, f.Read(ctx, 0, 0, got))
	require.Equal(t, []byte("keep me"), got)

	sw.setErrors(nil, nil)
	p, err := f.Pin(ctx, 1, PinRead)
	require.NoError(t, err)
	p.Unpin()
	require.Equal(t, []byte("keep me"), sw.stored(0)[:7])

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestReadPinRetriesAfterEviction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageCount = 1
	pc := newTestCache(t, cfg, newMemFactory(), nil)
	f, err := pc.Map("retry.db", true)
	require.NoError(t, err)

	require.NoError(t, f.Write(ctx, 0, 0, []byte("zero")))
	p, err := f.Pin(ctx, 0, PinRead)
	require.NoError(t, err)

	// Faulting page 1 into the only slot evicts page 0 under the read pin.
	require.NoError(t, f.Write(ctx, 1, 0, []byte("one")))

	buf := make([]byte, 4)
	ok, err := p.ReadAt(0, buf)
	require.NoError(t, err)
	require.False(t, ok)
	retry, err := p.ShouldRetry(ctx)
	require.NoError(t, err)
	require.True(t, retry)
	ok, err = p.ReadAt(0, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("zero"), buf)
	retry, err = p.ShouldRetry(ctx)
	require.NoError(t, err)
	require.False(t, retry)
	p.Unpin()

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestWriteUnderReadPinIsRejected(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	f, err := pc.Map("ro.db", true)
	require.NoError(t, err)

	p, err := f.Pin(ctx, 0, PinRead)
	require.NoError(t, err)
	require.ErrorIs(t, p.WriteAt(0, []byte{1}), ErrPinModeViolation)
	_, err = p.ReadAt(250, make([]byte, 10))
	require.ErrorIs(t, err, ErrPageOutOfBounds)
	_, err = p.ReadAt(-1, make([]byte, 1))
	require.ErrorIs(t, err, ErrPageOutOfBounds)
	p.Unpin()
	p.Unpin()
	require.Panics(t, func() { _, _ = p.ReadAt(0, make([]byte, 1)) })

	w, err := f.Pin(ctx, 0, PinWrite)
	require.NoError(t, err)
	require.ErrorIs(t, w.WriteAt(250, make([]byte, 10)), ErrPageOutOfBounds)
	w.Unpin()

	require.ErrorIs(t, f.Write(ctx, 0, -1, []byte{1}), ErrPageOutOfBounds)
	require.ErrorIs(t, f.Read(ctx, 0, 0, make([]byte, 257)), ErrPageOutOfBounds)
	_, err = f.Pin(ctx, f.table.maxFilePageID()+1, PinRead)
	require.ErrorIs(t, err, ErrPageOutOfBounds)

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestFlushAndForceClearsModified(t *testing.T) {
	ctx := context.Background()
	factory := newMemFactory()
	pc := newTestCache(t, testConfig(), factory, nil)
	a, err := pc.Map("a.db", true)
	require.NoError(t, err)
	b, err := pc.Map("b.db", true)
	require.NoError(t, err)

	require.NoError(t, a.Write(ctx, 0, 0, []byte("a0")))
	require.NoError(t, a.Write(ctx, 1, 0, []byte("a1")))
	require.NoError(t, b.Write(ctx, 0, 0, []byte("b0")))
	require.Equal(t, 3, pc.Stats().ModifiedPages)

	require.NoError(t, pc.FlushAndForce(ctx))
	require.Zero(t, pc.Stats().ModifiedPages)
	require.Equal(t, 3, pc.Stats().BoundPages, "flushing does not evict")

	swA, swB := factory.get(a.FileName()), factory.get(b.FileName())
	require.Equal(t, int64(1), swA.forces.Load())
	require.Equal(t, int64(1), swB.forces.Load())
	require.Equal(t, []byte("a1"), swA.stored(1)[:2])
	require.Equal(t, []byte("b0"), swB.stored(0)[:2])

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.NoError(t, pc.Close())
}

func TestMapIsReferenceCounted(t *testing.T) {
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	a1, err := pc.Map("same.db", true)
	require.NoError(t, err)
	a2, err := pc.Map("./same.db", false)
	require.NoError(t, err)
	require.Same(t, a1, a2)

	require.NoError(t, a1.Close())
	require.Equal(t, 1, pc.Stats().MappedFiles)
	require.ErrorIs(t, pc.Close(), ErrFilesStillMapped)

	require.NoError(t, a2.Close())
	require.ErrorIs(t, a2.Close(), ErrFileClosed)
	_, err = a2.Pin(context.Background(), 0, PinRead)
	require.ErrorIs(t, err, ErrFileClosed)

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
	_, err = pc.Map("same.db", false)
	require.ErrorIs(t, err, ErrCacheClosed)
}

func TestMapMissingFileFails(t *testing.T) {
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	_, err := pc.Map("missing.db", false)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, pc.Close())
}

func TestClosedFileIDIsRecycledAfterVacuum(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)

	a, err := pc.Map("a.db", true)
	require.NoError(t, err)
	require.NoError(t, a.Write(ctx, 0, 0, []byte("a")))
	idA := a.swapperID
	require.NoError(t, a.Close())
	require.Zero(t, pc.Stats().BoundPages)

	b, err := pc.Map("b.db", true)
	require.NoError(t, err)
	require.NotEqual(t, idA, b.swapperID, "freed ids stay quarantined until vacuum")

	require.NoError(t, pc.Vacuum())
	c, err := pc.Map("c.db", true)
	require.NoError(t, err)
	require.Equal(t, idA, c.swapperID)

	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
	require.NoError(t, pc.Close())
}

func TestVacuumEvictsPagesOfRetiredIDs(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	f, err := pc.Map("stale.db", true)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, 0, 0, []byte("x")))

	// A page left bound to a retired id, as after a fault racing with Close.
	pc.swappers.Free(f.swapperID)
	require.Equal(t, 1, pc.Stats().BoundPages)

	require.NoError(t, pc.Vacuum())
	require.Zero(t, pc.Stats().BoundPages)
	require.Equal(t, testConfig().PageCount, pc.Stats().FreePages)
}

func TestBackgroundEvictorKeepsFreePages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.KeepFree = 3
	cfg.EvictorInterval = 5 * time.Millisecond
	pc := newTestCache(t, cfg, newMemFactory(), nil)
	f, err := pc.Map("bg.db", true)
	require.NoError(t, err)

	for i := 0; i < cfg.PageCount; i++ {
		require.NoError(t, f.Write(ctx, uint64(i), 0, []byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		return pc.Stats().FreePages >= cfg.KeepFree
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < cfg.PageCount; i++ {
		got := make([]byte, 1)
		require.NoError(t, f.Read(ctx, uint64(i), 0, got))
		require.Equal(t, byte(i), got[0])
	}
	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestConcurrentWritersKeepTheirBytes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PageCount = 8
	cfg.EvictionPasses = 64
	pc := newTestCache(t, cfg, newMemFactory(), tracer.NewCounting())
	f, err := pc.Map("stress.db", true)
	require.NoError(t, err)

	const (
		writers   = 4
		filePages = 16
		rounds    = 200
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			slot := make([]byte, 8)
			for r := 0; r < rounds; r++ {
				binary.LittleEndian.PutUint64(slot, uint64(r))
				if err := f.Write(gctx, uint64(r%filePages), w*8, slot); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Each writer's last round for a page is the highest round with that residue.
	for page := uint64(0); page < filePages; page++ {
		want := page + filePages*((rounds-1-page)/filePages)
		got := make([]byte, writers*8)
		require.NoError(t, f.Read(ctx, page, 0, got))
		for w := 0; w < writers; w++ {
			require.Equal(t, want, binary.LittleEndian.Uint64(got[w*8:]), "page %d writer %d", page, w)
		}
	}
	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestStatsCountsWritePins(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	f, err := pc.Map("stats.db", true)
	require.NoError(t, err)

	p, err := f.Pin(ctx, 0, PinWrite)
	require.NoError(t, err)
	s := pc.Stats()
	require.Equal(t, 1, s.WriteLockedPages)
	require.Equal(t, 1, s.LoadedPages)
	require.Equal(t, pc.ID(), s.InstanceID)
	p.Unpin()
	require.Zero(t, pc.Stats().WriteLockedPages)

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}

func TestNewRejectsBadInput(t *testing.T) {
	cfg := testConfig()
	cfg.PageSize = 0
	_, err := New(cfg, newMemFactory(), nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(testConfig(), nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.InstanceID = "fixed"
	pc, err := New(cfg, newMemFactory(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "fixed", pc.ID())
	require.NoError(t, pc.Close())
}

func TestFlushAfterCacheCloseFails(t *testing.T) {
	pc := newTestCache(t, testConfig(), newMemFactory(), nil)
	require.NoError(t, pc.Close())
	require.ErrorIs(t, pc.FlushAndForce(context.Background()), ErrCacheClosed)
}

func TestFaultRacingCloseCannotBindRecycledID(t *testing.T) {
	ctx := context.Background()
	mf := newMemFactory()
	pc := newTestCache(t, testConfig(), mf, nil)

	f1, err := pc.Map("f1.db", true)
	require.NoError(t, err)
	id := f1.swapperID
	started, release := make(chan struct{}), make(chan struct{})
	mf.get(f1.FileName()).beforeRead = func() {
		close(started)
		<-release
	}

	pinned := make(chan error, 1)
	go func() {
		p, err := f1.Pin(ctx, 5, PinWrite)
		if err == nil {
			err = p.WriteAt(0, []byte("F1DATA"))
			p.Unpin()
		}
		pinned <- err
	}()

	// While the read is in flight the file is closed, its id recycled and handed to f2.
	<-started
	require.NoError(t, f1.Close())
	require.NoError(t, pc.Vacuum())
	f2, err := pc.Map("f2.db", true)
	require.NoError(t, err)
	require.Equal(t, id, f2.swapperID)
	close(release)

	err = <-pinned
	require.ErrorIs(t, err, ErrFileClosed)
	require.ErrorIs(t, err, swapper.ErrSwapperClosed)
	require.Zero(t, pc.Stats().BoundPages)

	require.NoError(t, f2.Flush(ctx))
	require.Nil(t, mf.get(f2.FileName()).stored(5))
	buf := make([]byte, 6)
	require.NoError(t, f2.Read(ctx, 5, 0, buf))
	require.Equal(t, make([]byte, 6), buf)
	require.Equal(t, 1, pc.Stats().BoundPages)

	require.NoError(t, f2.Close())
	require.NoError(t, pc.Close())
}

func TestCloseGivesUpOnPinnedPages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.UnpinTimeout = 50 * time.Millisecond
	pc := newTestCache(t, cfg, newMemFactory(), nil)

	f, err := pc.Map("pinned.db", true)
	require.NoError(t, err)
	p, err := f.Pin(ctx, 2, PinWrite)
	require.NoError(t, err)
	require.NoError(t, p.WriteAt(0, []byte("held")))

	require.ErrorIs(t, f.Close(), ErrPagesPinned)

	// Close released the map lock, so the pin holder can still map files.
	other, err := pc.Map("other.db", true)
	require.NoError(t, err)
	require.NotEqual(t, f.swapperID, other.swapperID)

	// The id stays retired while a page is still bound to it.
	require.ErrorIs(t, pc.Vacuum(), ErrPagesPinned)
	third, err := pc.Map("third.db", true)
	require.NoError(t, err)
	require.NotEqual(t, f.swapperID, third.swapperID)

	p.Unpin()
	require.NoError(t, pc.Vacuum())
	require.Zero(t, pc.Stats().BoundPages)
	fourth, err := pc.Map("fourth.db", true)
	require.NoError(t, err)
	require.Equal(t, f.swapperID, fourth.swapperID)

	for _, g := range []*PagedFile{other, third, fourth} {
		require.NoError(t, g.Close())
	}
	require.NoError(t, pc.Close())
}

func TestWriteThroughWritesPageBack(t *testing.T) {
	ctx := context.Background()
	mf := newMemFactory()
	counting := tracer.NewCounting()
	pc := newTestCache(t, testConfig(), mf, counting)
	f, err := pc.Map("wt.db", true)
	require.NoError(t, err)

	require.NoError(t, f.WriteThrough(ctx, 3, 4, []byte("sync")))
	require.Equal(t, []byte("sync"), mf.get(f.FileName()).stored(3)[4:8])
	stats := pc.Stats()
	require.Equal(t, 1, stats.BoundPages)
	require.Zero(t, stats.ModifiedPages)
	require.Zero(t, stats.WriteLockedPages)
	counts := counting.Snapshot()
	require.Equal(t, int64(1), counts.Flushes)
	require.Equal(t, int64(1), counts.Unpins)

	p, err := f.Pin(ctx, 3, PinRead)
	require.NoError(t, err)
	_, err = p.UnpinAndFlush()
	require.ErrorIs(t, err, ErrPinModeViolation)
	p.Unpin()
	require.ErrorIs(t, f.WriteThrough(ctx, 3, 250, []byte("too long")), ErrPageOutOfBounds)

	require.NoError(t, f.Close())
	require.NoError(t, pc.Close())
}
