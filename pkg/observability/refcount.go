package observability

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/basvanbeek/async-tracing/pkg"
)

// ErrSpanReleased is returned when capturing or releasing a RefCountSpan
// that was already finalized.
const ErrSpanReleased pkg.Error = "ref-counted span already finalized"

// RefCountSpan wraps a Span that is shared by multiple holders. The wrapped
// span is finished when the last holder releases it. Creating the wrapper
// counts as the first hold; every additional holder must call Capture before
// it can release the span with Finish.
type RefCountSpan struct {
	inner Span
	refs  int64
}

var (
	_ Span     = (*RefCountSpan)(nil)
	_ Capturer = (*RefCountSpan)(nil)
)

// NewRefCountSpan wraps inner. The wrapper takes ownership of finishing it.
func NewRefCountSpan(inner Span) *RefCountSpan {
	return &RefCountSpan{inner: inner, refs: 1}
}

// Capture adds a holder. It fails with ErrSpanReleased if the span has been
// finalized already.
func (r *RefCountSpan) Capture() error {
	for {
		n := atomic.LoadInt64(&r.refs)
		if n <= 0 {
			return ErrSpanReleased
		}
		if atomic.CompareAndSwapInt64(&r.refs, n, n+1) {
			return nil
		}
	}
}

// Release drops a hold and finishes the wrapped span if it was the last one.
// Releasing a finalized span returns ErrSpanReleased and has no effect.
func (r *RefCountSpan) Release() (finalized bool, err error) {
	for {
		n := atomic.LoadInt64(&r.refs)
		if n <= 0 {
			return false, ErrSpanReleased
		}
		if atomic.CompareAndSwapInt64(&r.refs, n, n-1) {
			if n == 1 {
				r.inner.Finish()
				return true, nil
			}
			return false, nil
		}
	}
}

// Finish implements Span by releasing one hold.
func (r *RefCountSpan) Finish() {
	if _, err := r.Release(); err != nil {
		logrus.WithField("pkg", "observability").
			WithField("traceID", r.inner.Context().TraceID()).
			WithError(err).Warn("finish called more often than captured")
	}
}

// FinishAt force-finishes the wrapped span with the provided end time,
// regardless of outstanding holders. Their later releases are reported as
// misuse and never finish the span a second time.
func (r *RefCountSpan) FinishAt(t time.Time) {
	if atomic.SwapInt64(&r.refs, 0) <= 0 {
		logrus.WithField("pkg", "observability").
			WithError(ErrSpanReleased).Warn("force finish of finalized span ignored")
		return
	}
	r.inner.FinishAt(t)
}

// Context implements Span.
func (r *RefCountSpan) Context() SpanContext {
	return r.inner.Context()
}

// SetName implements Span.
func (r *RefCountSpan) SetName(name string) Span {
	r.inner.SetName(name)
	return r
}

// Tag implements Span.
func (r *RefCountSpan) Tag(key, value string) Span {
	r.inner.Tag(key, value)
	return r
}

// Log implements Span.
func (r *RefCountSpan) Log(event string) Span {
	r.inner.Log(event)
	return r
}
