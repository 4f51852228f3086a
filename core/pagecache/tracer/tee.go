package tracer

// Tee returns a tracer that forwards every event to each of tracers in order.
func Tee(tracers ...PageCacheTracer) PageCacheTracer {
	if len(tracers) == 1 {
		return tracers[0]
	}
	return teeTracer(tracers)
}

type teeTracer []PageCacheTracer

func (t teeTracer) BeginPageFault(filePageID uint64, swapperName string) PageFaultEvent {
	evs := make(teeEvent, len(t))
	for i, tr := range t {
		evs[i] = tr.BeginPageFault(filePageID, swapperName)
	}
	return evs
}

func (t teeTracer) BeginEvictionRun() EvictionRunEvent {
	evs := make(teeEvent, len(t))
	for i, tr := range t {
		evs[i] = tr.BeginEvictionRun()
	}
	return evs
}

func (t teeTracer) BeginFlush(fileName string) FlushEvent {
	evs := make(teeEvent, len(t))
	for i, tr := range t {
		evs[i] = tr.BeginFlush(fileName)
	}
	return evs
}

func (t teeTracer) Pin(write bool, hit bool) {
	for _, tr := range t {
		tr.Pin(write, hit)
	}
}

func (t teeTracer) Unpin(write bool) {
	for _, tr := range t {
		tr.Unpin(write)
	}
}

// teeEvent fans a single event out. Each element holds whichever event interface its
// tracer returned, so the methods assert on use.
type teeEvent []any

func (e teeEvent) AddBytesRead(n int64) {
	for _, ev := range e {
		ev.(PageFaultEvent).AddBytesRead(n)
	}
}

func (e teeEvent) SetCachePageID(ref int) {
	for _, ev := range e {
		ev.(PageFaultEvent).SetCachePageID(ref)
	}
}

func (e teeEvent) Done() {
	for _, ev := range e {
		ev.(interface{ Done() }).Done()
	}
}

func (e teeEvent) DoneWithError(err error) {
	for _, ev := range e {
		ev.(interface{ DoneWithError(error) }).DoneWithError(err)
	}
}

func (e teeEvent) BeginEviction(ref int) EvictionEvent {
	evs := make(teeEvent, len(e))
	for i, ev := range e {
		evs[i] = ev.(EvictionRunEvent).BeginEviction(ref)
	}
	return evs
}

func (e teeEvent) Close() {
	for _, ev := range e {
		ev.(interface{ Close() }).Close()
	}
}

func (e teeEvent) SetFilePageID(id uint64) {
	for _, ev := range e {
		ev.(EvictionEvent).SetFilePageID(id)
	}
}

func (e teeEvent) SetSwapper(name string) {
	for _, ev := range e {
		ev.(EvictionEvent).SetSwapper(name)
	}
}

func (e teeEvent) BeginFlush(ref int) FlushEvent {
	evs := make(teeEvent, len(e))
	for i, ev := range e {
		evs[i] = ev.(EvictionEvent).BeginFlush(ref)
	}
	return evs
}

func (e teeEvent) ThrewException(err error) {
	for _, ev := range e {
		ev.(EvictionEvent).ThrewException(err)
	}
}

func (e teeEvent) AddBytesWritten(n int64) {
	for _, ev := range e {
		ev.(FlushEvent).AddBytesWritten(n)
	}
}

func (e teeEvent) AddPagesFlushed(n int) {
	for _, ev := range e {
		ev.(FlushEvent).AddPagesFlushed(n)
	}
}
