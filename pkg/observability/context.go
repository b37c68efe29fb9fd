package observability

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// Contexter is a extension interface to adopt a span that backend native
// instrumentation stored in Go's context.
type Contexter interface {
	// SpanFromContext retrieves a Span from Go's context propagation
	// mechanism if found. If not found, returns nil.
	SpanFromContext(ctx context.Context) Span
}

type activeContextKey struct{}

// ActiveContext holds the active span of a single logical task. Each task
// owns its own ActiveContext; spans only move between them through the
// tracing executors.
type ActiveContext struct {
	mtx sync.Mutex
	top *Scope
}

// Scope is the handle returned by Activate. Closing it restores the span that
// was active before and, if requested, finishes the activated span.
type Scope struct {
	ac            *ActiveContext
	span          Span
	prev          *Scope
	finishOnClose bool
	closed        int32
}

// NewActiveContext returns an ActiveContext without an active span.
func NewActiveContext() *ActiveContext {
	return &ActiveContext{}
}

// Active returns the active span or nil.
func (a *ActiveContext) Active() Span {
	if a == nil {
		return nil
	}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.top == nil {
		return nil
	}
	return a.top.span
}

// Activate makes span the active span until the returned Scope is closed.
func (a *ActiveContext) Activate(span Span, finishOnClose bool) *Scope {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	s := &Scope{
		ac:            a,
		span:          span,
		prev:          a.top,
		finishOnClose: finishOnClose,
	}
	a.top = s
	return s
}

// Do runs fn with span active. The scope is closed on every exit path of fn,
// including a panic, which keeps propagating.
func (a *ActiveContext) Do(span Span, finishOnClose bool, fn func() error) error {
	scope := a.Activate(span, finishOnClose)
	defer scope.Close()
	return fn()
}

// Span returns the span activated by this Scope.
func (s *Scope) Span() Span {
	return s.span
}

// Close deactivates the span. Only the first call has an effect. Closing a
// scope that is not the innermost one removes it from the stack without
// touching the scopes nested in it.
func (s *Scope) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.ac.mtx.Lock()
	if s.ac.top == s {
		s.ac.top = s.prev
	} else {
		// unlink from below the scopes that are still open
		for cur := s.ac.top; cur != nil; cur = cur.prev {
			if cur.prev == s {
				cur.prev = s.prev
				break
			}
		}
		logrus.WithField("pkg", "observability").
			Debug("scope closed while a nested scope is still active")
	}
	s.ac.mtx.Unlock()

	if s.finishOnClose {
		s.span.Finish()
	}
}

// WithActiveContext returns a copy of ctx carrying ac.
func WithActiveContext(ctx context.Context, ac *ActiveContext) context.Context {
	return context.WithValue(ctx, activeContextKey{}, ac)
}

// ActiveContextFromContext returns the ActiveContext carried by ctx, or nil.
func ActiveContextFromContext(ctx context.Context) *ActiveContext {
	if ctx == nil {
		return nil
	}
	ac, _ := ctx.Value(activeContextKey{}).(*ActiveContext)
	return ac
}

// NewTaskContext returns a copy of ctx carrying a fresh ActiveContext, so the
// task using it can not observe or alter the active span of its creator.
func NewTaskContext(ctx context.Context) (context.Context, *ActiveContext) {
	ac := NewActiveContext()
	return WithActiveContext(ctx, ac), ac
}

// SpanFromContext returns the span active in the task owning ctx, or nil.
func SpanFromContext(ctx context.Context) Span {
	return ActiveContextFromContext(ctx).Active()
}

// Activate makes span active in the task owning ctx. If ctx does not carry an
// ActiveContext yet, one is created and the returned context must be used.
func Activate(ctx context.Context, span Span, finishOnClose bool) (context.Context, *Scope) {
	ac := ActiveContextFromContext(ctx)
	if ac == nil {
		ctx, ac = NewTaskContext(ctx)
	}
	return ctx, ac.Activate(span, finishOnClose)
}

// WithSpan runs fn with span active in the task owning ctx. The scope is
// closed when fn returns or panics.
func WithSpan(ctx context.Context, span Span, finishOnClose bool, fn func(ctx context.Context) error) error {
	ctx, scope := Activate(ctx, span, finishOnClose)
	defer scope.Close()
	return fn(ctx)
}

// StartActive starts a span as child of the active span in ctx and activates
// it with finishOnClose set.
func StartActive(ctx context.Context, tracer Tracer, name string) (context.Context, *Scope) {
	return Activate(ctx, tracer.StartSpan(name, ActiveSpanContext(ctx)), true)
}

// StartRefCounted starts a ref-counted span as child of the active span in
// ctx and activates it with finishOnClose set. The span finishes once the
// scope is closed and every capture of it was released.
func StartRefCounted(ctx context.Context, tracer Tracer, name string) (context.Context, *Scope) {
	return Activate(ctx, NewRefCountSpan(tracer.StartSpan(name, ActiveSpanContext(ctx))), true)
}

// ActiveSpanContext returns the SpanContext of the active span in ctx, or nil.
func ActiveSpanContext(ctx context.Context) SpanContext {
	if span := SpanFromContext(ctx); span != nil {
		return span.Context()
	}
	return nil
}
