package observability

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingSpan records how often it was finished.
type countingSpan struct {
	noopSpan
	name     string
	finished int32
	finishAt time.Time
	mtx      sync.Mutex
	tags     map[string]string
}

func newCountingSpan(name string) *countingSpan {
	return &countingSpan{name: name, tags: map[string]string{}}
}

func (c *countingSpan) Tag(key, value string) Span {
	c.mtx.Lock()
	c.tags[key] = value
	c.mtx.Unlock()
	return c
}

func (c *countingSpan) Finish() {
	atomic.AddInt32(&c.finished, 1)
}

func (c *countingSpan) FinishAt(t time.Time) {
	c.finishAt = t
	atomic.AddInt32(&c.finished, 1)
}

func (c *countingSpan) finishCount() int {
	return int(atomic.LoadInt32(&c.finished))
}

func TestRefCountSpanSingleHolder(t *testing.T) {
	inner := newCountingSpan("op")
	span := NewRefCountSpan(inner)

	finalized, err := span.Release()
	require.NoError(t, err)
	require.True(t, finalized)
	require.Equal(t, 1, inner.finishCount())
}

func TestRefCountSpanConcurrentHolders(t *testing.T) {
	const holders = 50

	inner := newCountingSpan("op")
	span := NewRefCountSpan(inner)

	var wg sync.WaitGroup
	wg.Add(holders)
	for i := 0; i < holders; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, span.Capture())
		}()
	}
	wg.Wait()

	var finalized int32
	wg.Add(holders + 1)
	for i := 0; i < holders+1; i++ {
		go func() {
			defer wg.Done()
			if ok, err := span.Release(); err == nil && ok {
				atomic.AddInt32(&finalized, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), finalized)
	require.Equal(t, 1, inner.finishCount())
}

func TestRefCountSpanFinishesOnLastRelease(t *testing.T) {
	inner := newCountingSpan("op")
	span := NewRefCountSpan(inner)
	require.NoError(t, span.Capture())
	require.NoError(t, span.Capture())

	span.Finish()
	span.Finish()
	require.Equal(t, 0, inner.finishCount())
	span.Finish()
	require.Equal(t, 1, inner.finishCount())
}

func TestRefCountSpanMisuse(t *testing.T) {
	inner := newCountingSpan("op")
	span := NewRefCountSpan(inner)
	span.Finish()

	// over release and late capture never finish twice
	span.Finish()
	_, err := span.Release()
	require.ErrorIs(t, err, ErrSpanReleased)
	require.ErrorIs(t, span.Capture(), ErrSpanReleased)
	span.FinishAt(time.Now())

	require.Equal(t, 1, inner.finishCount())
	require.Equal(t, int64(0), atomic.LoadInt64(&span.refs))
}

func TestRefCountSpanFinishAt(t *testing.T) {
	inner := newCountingSpan("op")
	span := NewRefCountSpan(inner)
	require.NoError(t, span.Capture())

	end := time.Unix(1000, 0)
	span.FinishAt(end)
	require.Equal(t, 1, inner.finishCount())
	require.Equal(t, end, inner.finishAt)

	_, err := span.Release()
	require.ErrorIs(t, err, ErrSpanReleased)
	require.Equal(t, 1, inner.finishCount())
}

func TestRefCountSpanDelegates(t *testing.T) {
	inner := newCountingSpan("op")
	span := NewRefCountSpan(inner)

	require.Same(t, span, span.Tag("k", "v"))
	require.Same(t, span, span.SetName("other"))
	require.Same(t, span, span.Log("event"))
	require.Equal(t, "v", inner.tags["k"])
	require.Equal(t, inner.Context(), span.Context())
}
