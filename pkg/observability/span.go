package observability

import "time"

// SpanContext identifies a Span and is used as parent link when starting
// child spans.
type SpanContext interface {
	// TraceID returns the trace identifier shared by all spans of a trace.
	TraceID() string
	// SpanID returns the identifier of the span.
	SpanID() string
}

// Span interface as returned by Tracer.StartSpan
type Span interface {
	// Context returns the Span's SpanContext.
	Context() SpanContext
	// SetName updates the Span's name.
	SetName(name string) Span
	// Tag sets Tag with given key and value to the Span. If key already exists in
	// the Span the value will be overridden except for error tags where the first
	// value is persisted.
	Tag(key, value string) Span
	// Log records a timestamped event on the Span.
	Log(event string) Span
	// Finish the Span and send to Reporter.
	Finish()
	// FinishAt finishes the Span using the provided end time.
	FinishAt(t time.Time)
}

// Capturer is implemented by spans that can be held by multiple owners, each
// of which finishes the span once.
type Capturer interface {
	Capture() error
}

const (
	// ErrorTag is set to "true" on spans whose operation failed.
	ErrorTag = "error"
	// ComponentTag names the library or subsystem that created the span.
	ComponentTag = "component"
)
