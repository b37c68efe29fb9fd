package observability

import (
	"sync"
	"time"
)

// Tracer is the tracer capability consumed by the tracing wrappers. Concrete
// implementations adapt a real tracing backend.
type Tracer interface {
	// StartSpan creates and starts a span. A nil parent starts a new trace.
	StartSpan(name string, parent SpanContext) Span
}

var (
	globalMtx    sync.RWMutex
	globalTracer Tracer = NoopTracer{}
)

// SetGlobalTracer sets the process wide Tracer used by components that are
// not given one explicitly. It is expected to be called once by the host
// application before any tracing takes place.
func SetGlobalTracer(t Tracer) {
	if t == nil {
		t = NoopTracer{}
	}
	globalMtx.Lock()
	globalTracer = t
	globalMtx.Unlock()
}

// GlobalTracer returns the process wide Tracer.
func GlobalTracer() Tracer {
	globalMtx.RLock()
	defer globalMtx.RUnlock()
	return globalTracer
}

// NoopTracer hands out spans that record nothing.
type NoopTracer struct{}

// StartSpan implements Tracer.
func (NoopTracer) StartSpan(string, SpanContext) Span {
	return noopSpan{}
}

type noopSpan struct{}

type noopSpanContext struct{}

func (noopSpanContext) TraceID() string { return "" }
func (noopSpanContext) SpanID() string  { return "" }

func (noopSpan) Context() SpanContext   { return noopSpanContext{} }
func (s noopSpan) SetName(string) Span  { return s }
func (s noopSpan) Tag(_, _ string) Span { return s }
func (s noopSpan) Log(string) Span      { return s }
func (noopSpan) Finish()                {}
func (noopSpan) FinishAt(time.Time)     {}
