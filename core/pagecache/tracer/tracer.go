// Package tracer defines the event hooks the page cache invokes while faulting, evicting and
// flushing pages, together with a no-op, a counting and an OpenTelemetry implementation.
package tracer

// PageCacheTracer is notified of every page cache operation.
type PageCacheTracer interface {
	BeginPageFault(filePageID uint64, swapperName string) PageFaultEvent
	BeginEvictionRun() EvictionRunEvent
	BeginFlush(fileName string) FlushEvent
	Pin(write bool, hit bool)
	Unpin(write bool)
}

// PageFaultEvent tracks a single page fault.
type PageFaultEvent interface {
	AddBytesRead(n int64)
	SetCachePageID(ref int)
	Done()
	DoneWithError(err error)
}

// EvictionRunEvent spans one eviction sweep, possibly evicting several pages.
type EvictionRunEvent interface {
	BeginEviction(ref int) EvictionEvent
	Close()
}

// EvictionEvent tracks the eviction of a single page.
type EvictionEvent interface {
	SetFilePageID(filePageID uint64)
	SetSwapper(name string)
	// BeginFlush is called when the evicted page is modified and must be written first.
	BeginFlush(ref int) FlushEvent
	ThrewException(err error)
	Close()
}

// FlushEvent tracks one or more page writes.
type FlushEvent interface {
	AddBytesWritten(n int64)
	AddPagesFlushed(n int)
	Done()
	DoneWithError(err error)
}

// Null is a PageCacheTracer that ignores every event.
var Null PageCacheTracer = nullTracer{}

type nullTracer struct{}

func (nullTracer) BeginPageFault(uint64, string) PageFaultEvent { return NullPageFaultEvent }
func (nullTracer) BeginEvictionRun() EvictionRunEvent { return NullEvictionRunEvent }
func (nullTracer) BeginFlush(string) FlushEvent { return NullFlushEvent }
func (nullTracer) Pin(bool, bool) {}
func (nullTracer) Unpin(bool) {}

var (
	NullPageFaultEvent   PageFaultEvent   = nullEvent{}
	NullEvictionRunEvent EvictionRunEvent = nullEvent{}
	NullEvictionEvent    EvictionEvent    = nullEvent{}
	NullFlushEvent       FlushEvent       = nullEvent{}
)

type nullEvent struct{}

func (nullEvent) AddBytesRead(int64) {}
func (nullEvent) SetCachePageID(int) {}
func (nullEvent) Done() {}
func (nullEvent) DoneWithError(error) {}
func (nullEvent) BeginEviction(int) EvictionEvent { return NullEvictionEvent }
func (nullEvent) Close() {}
func (nullEvent) SetFilePageID(uint64) {}
func (nullEvent) SetSwapper(string) {}
func (nullEvent) BeginFlush(int) FlushEvent { return NullFlushEvent }
func (nullEvent) ThrewException(error) {}
func (nullEvent) AddBytesWritten(int64) {}
func (nullEvent) AddPagesFlushed(int) {}
