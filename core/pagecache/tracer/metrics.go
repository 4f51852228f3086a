package tracer

import (
	"context"
	"time"

	internaltelemetry "github.com/sushant-115/gojopage/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metrics is a PageCacheTracer that records events as OpenTelemetry metrics and logs
// failures.
type Metrics struct {
	m      *internaltelemetry.PageCacheMetrics
	attrs  metric.MeasurementOption
	logger *zap.Logger
}

// NewMetrics registers the page cache instruments on meter. Every measurement carries the
// given attributes, typically the cache instance id.
func NewMetrics(meter metric.Meter, logger *zap.Logger, attrs ...attribute.KeyValue) (*Metrics, error) {
	m, err := internaltelemetry.NewPageCacheMetrics(meter)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{m: m, attrs: metric.WithAttributes(attrs...), logger: logger}, nil
}

func (t *Metrics) BeginPageFault(filePageID uint64, swapperName string) PageFaultEvent {
	return &metricsFault{t: t, filePageID: filePageID, swapper: swapperName, start: time.Now()}
}

func (t *Metrics) BeginEvictionRun() EvictionRunEvent {
	t.m.EvictionRunsCounter.Add(context.Background(), 1, t.attrs)
	return &metricsEvictionRun{t: t}
}

func (t *Metrics) BeginFlush(fileName string) FlushEvent {
	return &metricsFlush{t: t, fileName: fileName}
}

func (t *Metrics) Pin(write bool, hit bool) {
	ctx := context.Background()
	t.m.PinsCounter.Add(ctx, 1, t.attrs)
	if hit {
		t.m.HitsCounter.Add(ctx, 1, t.attrs)
	}
	if write {
		t.m.PinnedPagesUpDownCounter.Add(ctx, 1, t.attrs)
	}
}

func (t *Metrics) Unpin(write bool) {
	if write {
		t.m.PinnedPagesUpDownCounter.Add(context.Background(), -1, t.attrs)
	}
}

type metricsFault struct {
	t          *Metrics
	filePageID uint64
	swapper    string
	ref        int
	start      time.Time
}

func (e *metricsFault) AddBytesRead(n int64) {
	e.t.m.BytesReadCounter.Add(context.Background(), n, e.t.attrs)
}

func (e *metricsFault) SetCachePageID(ref int) { e.ref = ref }

func (e *metricsFault) Done() {
	ctx := context.Background()
	e.t.m.FaultsCounter.Add(ctx, 1, e.t.attrs)
	e.t.m.FaultLatencyHistogram.Record(ctx, time.Since(e.start).Microseconds(), e.t.attrs)
}

func (e *metricsFault) DoneWithError(err error) {
	e.Done()
	e.t.m.FaultFailuresCounter.Add(context.Background(), 1, e.t.attrs)
	e.t.logger.Warn("Page fault failed",
		zap.String("file", e.swapper),
		zap.Uint64("filePageID", e.filePageID),
		zap.Int("pageRef", e.ref),
		zap.Error(err))
}

type metricsEvictionRun struct {
	t *Metrics
}

func (e *metricsEvictionRun) BeginEviction(ref int) EvictionEvent {
	return &metricsEviction{t: e.t, ref: ref}
}

func (e *metricsEvictionRun) Close() {}

type metricsEviction struct {
	t          *Metrics
	ref        int
	filePageID uint64
	swapper    string
	err        error
}

func (e *metricsEviction) SetFilePageID(id uint64) { e.filePageID = id }
func (e *metricsEviction) SetSwapper(name string) { e.swapper = name }

func (e *metricsEviction) BeginFlush(int) FlushEvent {
	return &metricsFlush{t: e.t, fileName: e.swapper}
}

func (e *metricsEviction) ThrewException(err error) { e.err = err }

func (e *metricsEviction) Close() {
	ctx := context.Background()
	if e.err != nil {
		e.t.m.EvictionFailuresCounter.Add(ctx, 1, e.t.attrs)
		e.t.logger.Error("Eviction aborted by flush failure",
			zap.String("file", e.swapper),
			zap.Uint64("filePageID", e.filePageID),
			zap.Int("pageRef", e.ref),
			zap.Error(e.err))
		return
	}
	e.t.m.EvictionsCounter.Add(ctx, 1, e.t.attrs)
}

type metricsFlush struct {
	t        *Metrics
	fileName string
}

func (e *metricsFlush) AddBytesWritten(n int64) {
	e.t.m.BytesWrittenCounter.Add(context.Background(), n, e.t.attrs)
}

func (e *metricsFlush) AddPagesFlushed(n int) {
	e.t.m.FlushesCounter.Add(context.Background(), int64(n), e.t.attrs)
}

func (e *metricsFlush) Done() {}

func (e *metricsFlush) DoneWithError(err error) {
	e.t.logger.Warn("Page flush failed", zap.String("file", e.fileName), zap.Error(err))
}
