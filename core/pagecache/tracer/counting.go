package tracer

import "sync/atomic"

// Counting is a PageCacheTracer that keeps running totals in memory.
type Counting struct {
	faults             atomic.Int64
	faultFailures      atomic.Int64
	bytesRead          atomic.Int64
	evictions          atomic.Int64
	evictionExceptions atomic.Int64
	evictionRuns       atomic.Int64
	flushes            atomic.Int64
	bytesWritten       atomic.Int64
	pins               atomic.Int64
	hits               atomic.Int64
	unpins             atomic.Int64
}

// Counts is a point-in-time copy of a Counting tracer.
type Counts struct {
	Faults             int64
	FaultFailures      int64
	BytesRead          int64
	Evictions          int64
	EvictionExceptions int64
	EvictionRuns       int64
	Flushes            int64
	BytesWritten       int64
	Pins               int64
	Hits               int64
	Unpins             int64
}

func NewCounting() *Counting { return &Counting{} }

func (c *Counting) Snapshot() Counts {
	return Counts{
		Faults:             c.faults.Load(),
		FaultFailures:      c.faultFailures.Load(),
		BytesRead:          c.bytesRead.Load(),
		Evictions:          c.evictions.Load(),
		EvictionExceptions: c.evictionExceptions.Load(),
		EvictionRuns:       c.evictionRuns.Load(),
		Flushes:            c.flushes.Load(),
		BytesWritten:       c.bytesWritten.Load(),
		Pins:               c.pins.Load(),
		Hits:               c.hits.Load(),
		Unpins:             c.unpins.Load(),
	}
}

func (c *Counting) BeginPageFault(uint64, string) PageFaultEvent {
	return &countingFault{c: c}
}

func (c *Counting) BeginEvictionRun() EvictionRunEvent {
	c.evictionRuns.Add(1)
	return &countingEvictionRun{c: c}
}

func (c *Counting) BeginFlush(string) FlushEvent {
	return &countingFlush{c: c}
}

func (c *Counting) Pin(_ bool, hit bool) {
	c.pins.Add(1)
	if hit {
		c.hits.Add(1)
	}
}

func (c *Counting) Unpin(bool) { c.unpins.Add(1) }

type countingFault struct {
	c *Counting
}

func (e *countingFault) AddBytesRead(n int64) { e.c.bytesRead.Add(n) }
func (e *countingFault) SetCachePageID(int) {}
func (e *countingFault) Done() { e.c.faults.Add(1) }

func (e *countingFault) DoneWithError(error) {
	e.c.faults.Add(1)
	e.c.faultFailures.Add(1)
}

type countingEvictionRun struct {
	c *Counting
}

func (e *countingEvictionRun) BeginEviction(int) EvictionEvent {
	return &countingEviction{c: e.c}
}

func (e *countingEvictionRun) Close() {}

type countingEviction struct {
	c      *Counting
	failed bool
}

func (e *countingEviction) SetFilePageID(uint64) {}
func (e *countingEviction) SetSwapper(string) {}
func (e *countingEviction) BeginFlush(int) FlushEvent { return &countingFlush{c: e.c} }

func (e *countingEviction) ThrewException(error) {
	e.failed = true
	e.c.evictionExceptions.Add(1)
}

func (e *countingEviction) Close() {
	if !e.failed {
		e.c.evictions.Add(1)
	}
}

type countingFlush struct {
	c *Counting
}

func (e *countingFlush) AddBytesWritten(n int64) { e.c.bytesWritten.Add(n) }
func (e *countingFlush) AddPagesFlushed(n int) { e.c.flushes.Add(int64(n)) }
func (e *countingFlush) Done() {}
func (e *countingFlush) DoneWithError(error) {}
