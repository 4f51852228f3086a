package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PageCacheMetrics holds all the metric instruments for the page cache.
type PageCacheMetrics struct {
	FaultsCounter            metric.Int64Counter
	FaultFailuresCounter     metric.Int64Counter
	BytesReadCounter         metric.Int64Counter
	EvictionsCounter         metric.Int64Counter
	EvictionFailuresCounter  metric.Int64Counter
	EvictionRunsCounter      metric.Int64Counter
	FlushesCounter           metric.Int64Counter
	BytesWrittenCounter      metric.Int64Counter
	PinsCounter              metric.Int64Counter
	HitsCounter              metric.Int64Counter
	PinnedPagesUpDownCounter metric.Int64UpDownCounter
	FaultLatencyHistogram    metric.Int64Histogram
}

// NewPageCacheMetrics creates and registers all the metrics for the page cache.
func NewPageCacheMetrics(meter metric.Meter) (*PageCacheMetrics, error) {
	m := &PageCacheMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.FaultsCounter, "gojopage.pagecache.faults_total", "Total number of page faults.", "1"},
		{&m.FaultFailuresCounter, "gojopage.pagecache.fault_failures_total", "Total number of page faults that failed.", "1"},
		{&m.BytesReadCounter, "gojopage.pagecache.bytes_read_total", "Bytes read by page faults.", "By"},
		{&m.EvictionsCounter, "gojopage.pagecache.evictions_total", "Total number of evicted pages.", "1"},
		{&m.EvictionFailuresCounter, "gojopage.pagecache.eviction_failures_total", "Total number of evictions aborted by a flush error.", "1"},
		{&m.EvictionRunsCounter, "gojopage.pagecache.eviction_runs_total", "Total number of eviction sweeps.", "1"},
		{&m.FlushesCounter, "gojopage.pagecache.flushes_total", "Total number of pages flushed.", "1"},
		{&m.BytesWrittenCounter, "gojopage.pagecache.bytes_written_total", "Bytes written by page flushes.", "By"},
		{&m.PinsCounter, "gojopage.pagecache.pins_total", "Total number of page pins.", "1"},
		{&m.HitsCounter, "gojopage.pagecache.hits_total", "Total number of pins served without a fault.", "1"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	pinned, err := meter.Int64UpDownCounter(
		"gojopage.pagecache.pinned_pages",
		metric.WithDescription("Number of currently pinned pages."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	m.PinnedPagesUpDownCounter = pinned

	latency, err := meter.Int64Histogram(
		"gojopage.pagecache.fault.duration",
		metric.WithDescription("The latency of page faults."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.FaultLatencyHistogram = latency

	return m, nil
}
