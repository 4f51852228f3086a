package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojopage/core/pagecache"
	"github.com/sushant-115/gojopage/core/pagecache/swapper"
	"github.com/sushant-115/gojopage/core/pagecache/tracer"
	"github.com/sushant-115/gojopage/pkg/logger"
	"github.com/sushant-115/gojopage/pkg/telemetry"
)

// benchOptions are the workload settings of the bench command.
type benchOptions struct {
	File         string
	Workers      int
	FilePages    uint64
	Duration     time.Duration
	WriteRatio   float64
	WriteThrough bool
}

var (
	benchOpts = benchOptions{}
	benchCmd  = &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent pin/read/write workload against the page cache",
		Long: `Run a mixed read/write workload from several goroutines against a single mapped file
and report throughput together with fault, hit and eviction counts. The file is
created in a temporary directory unless --file is given.`,
		RunE: runBench,
	}
)

func init() {
	flags := benchCmd.Flags()
	flags.StringVar(&benchOpts.File, "file", "", "file to map (default: a temporary file)")
	flags.IntVar(&benchOpts.Workers, "workers", 8, "number of concurrent workers")
	flags.Uint64Var(&benchOpts.FilePages, "file-pages", 4096, "number of distinct file pages the workload touches")
	flags.DurationVar(&benchOpts.Duration, "duration", 5*time.Second, "how long to run")
	flags.Float64Var(&benchOpts.WriteRatio, "write-ratio", 0.2, "fraction of operations that write")
	flags.BoolVar(&benchOpts.WriteThrough, "write-through", false, "write every changed page back immediately")
}

// benchResult summarizes a finished workload.
type benchResult struct {
	Reads   int64
	Writes  int64
	Elapsed time.Duration
	Counts  tracer.Counts
	Stats   pagecache.Stats
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if benchOpts.Workers <= 0 || benchOpts.FilePages == 0 {
		return fmt.Errorf("workers and file-pages must be positive")
	}
	if cfg.PageCache.InstanceID == "" {
		cfg.PageCache.InstanceID = uuid.NewString()
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	counting := tracer.NewCounting()
	var tr tracer.PageCacheTracer = counting
	if cfg.Telemetry.Enabled {
		metrics, err := tracer.NewMetrics(tel.Meter, log, attribute.String("cache.id", cfg.PageCache.InstanceID))
		if err != nil {
			return err
		}
		tr = tracer.Tee(counting, metrics)
	}

	path := benchOpts.File
	if path == "" {
		dir, err := os.MkdirTemp("", "gojopage-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "bench.db")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	res, err := bench(ctx, cfg.PageCache, path, benchOpts, tr, log)
	if err != nil {
		return err
	}
	res.Counts = counting.Snapshot()
	printBenchResult(cmd.OutOrStdout(), res)
	return nil
}

// bench maps path into a new cache, runs the workload until opts.Duration elapses or ctx is
// cancelled, then flushes and tears everything down.
func bench(ctx context.Context, cfg pagecache.Config, path string, opts benchOptions, tr tracer.PageCacheTracer, log *zap.Logger) (benchResult, error) {
	var res benchResult
	pc, err := pagecache.New(cfg, swapper.NewFileSwapperFactory(log), tr, log)
	if err != nil {
		return res, err
	}
	f, err := pc.Map(path, true)
	if err != nil {
		_ = pc.Close()
		return res, err
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var reads, writes atomic.Int64
	slots := cfg.PageSize / 8
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), uint64(start.UnixNano())))
			off := (w % slots) * 8
			buf := make([]byte, 8)
			for n := uint64(0); gctx.Err() == nil; n++ {
				page := rng.Uint64N(opts.FilePages)
				if rng.Float64() < opts.WriteRatio {
					binary.LittleEndian.PutUint64(buf, n)
					write := f.Write
					if opts.WriteThrough {
						write = f.WriteThrough
					}
					if err := write(gctx, page, off, buf); err != nil {
						return err
					}
					writes.Add(1)
					continue
				}
				if err := f.Read(gctx, page, off, buf); err != nil {
					return err
				}
				reads.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	res.Elapsed = time.Since(start)
	res.Reads, res.Writes = reads.Load(), writes.Load()

	if err == nil {
		err = pc.FlushAndForce(context.Background())
	}
	res.Stats = pc.Stats()
	err = errors.Join(err, f.Close(), pc.Vacuum(), pc.Close())
	return res, err
}

func printBenchResult(w io.Writer, r benchResult) {
	ops := r.Reads + r.Writes
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		secs = 1
	}
	hitRatio := 0.0
	if r.Counts.Pins > 0 {
		hitRatio = float64(r.Counts.Hits) / float64(r.Counts.Pins)
	}
	fmt.Fprintf(w, "cache %s: %d pages of %d bytes\n", r.Stats.InstanceID, r.Stats.PageCount, r.Stats.PageSize)
	fmt.Fprintf(w, "ops:       %d (%d reads, %d writes) in %s\n", ops, r.Reads, r.Writes, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "rate:      %.0f ops/s\n", float64(ops)/secs)
	fmt.Fprintf(w, "pins:      %d, hit ratio %.3f\n", r.Counts.Pins, hitRatio)
	fmt.Fprintf(w, "faults:    %d (%d failed), %d bytes read\n", r.Counts.Faults, r.Counts.FaultFailures, r.Counts.BytesRead)
	fmt.Fprintf(w, "evictions: %d (%d failed) in %d runs\n", r.Counts.Evictions, r.Counts.EvictionExceptions, r.Counts.EvictionRuns)
	fmt.Fprintf(w, "flushes:   %d pages, %d bytes written\n", r.Counts.Flushes, r.Counts.BytesWritten)
}
