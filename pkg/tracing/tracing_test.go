// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
	otadapter "github.com/basvanbeek/async-tracing/pkg/observability/opentracing"
)

var errWork = errors.New("work failed")

func newTracer() (*mocktracer.MockTracer, observability.Tracer) {
	mt := mocktracer.New()
	return mt, otadapter.NewTracer(mt, nil)
}

func awaitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func spanID(s *mocktracer.MockSpan) string {
	return strconv.Itoa(s.SpanContext.SpanID)
}

// activeSpan is a Work returning the span active in the work's task.
func activeSpan(ctx context.Context) (interface{}, error) {
	return observability.SpanFromContext(ctx), nil
}

// dropAll fails every future without running the work, like a stopped pool.
var dropAll = executor.FuncExecutor(func(context.Context, executor.Work) *executor.Future {
	return executor.Failed(executor.ErrExecutorStopped)
})

func TestConstruction(t *testing.T) {
	_, err := NewTracedExecutor(nil)
	require.ErrorIs(t, err, ErrMissingExecutor)

	_, err = NewTracedExecutor(executor.Go, WithTracer(nil))
	require.ErrorIs(t, err, ErrMissingTracer)

	_, err = NewRefCountExecutor(nil, WithStrictRefCount())
	require.ErrorIs(t, err, ErrMissingExecutor)

	_, err = NewRefCountExecutor(executor.Go, WithTracer(nil))
	require.ErrorIs(t, err, ErrMissingTracer)

	te, err := NewTracedExecutor(executor.Go)
	require.NoError(t, err)
	require.Equal(t, observability.GlobalTracer(), te.tracer)
	require.Equal(t, DefaultChildOperationName, te.operationName)
}

func TestNoActiveSpan(t *testing.T) {
	mt, tracer := newTracer()
	traced, err := NewTracedExecutor(executor.Go, WithTracer(tracer), WithChildSpans(true))
	require.NoError(t, err)
	refCount, err := NewRefCountExecutor(executor.Go, WithTracer(tracer))
	require.NoError(t, err)

	ctx, _ := observability.NewTaskContext(context.Background())
	for _, e := range []executor.Executor{traced, refCount} {
		v, err := executor.Submit(ctx, e, activeSpan).Await(awaitCtx(t))
		require.NoError(t, err)
		require.Nil(t, v)
	}
	require.Empty(t, mt.FinishedSpans())
}

func TestPassThroughDetachesTask(t *testing.T) {
	_, tracer := newTracer()
	traced, err := NewTracedExecutor(executor.Go, WithTracer(tracer))
	require.NoError(t, err)

	ctx, ac := observability.NewTaskContext(context.Background())
	started := make(chan struct{})
	f := executor.Submit(ctx, traced, func(ctx context.Context) (interface{}, error) {
		<-started
		return observability.SpanFromContext(ctx), nil
	})

	// activating a span after submission does not leak into the work
	scope := ac.Activate(tracer.StartSpan("late", nil), true)
	close(started)
	v, err := f.Await(awaitCtx(t))
	scope.Close()
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestExecuteWithoutPrepare(t *testing.T) {
	_, tracer := newTracer()
	traced, err := NewTracedExecutor(executor.Go, WithTracer(tracer))
	require.NoError(t, err)
	refCount, err := NewRefCountExecutor(executor.Go, WithTracer(tracer))
	require.NoError(t, err)

	ctx, scope := observability.StartRefCounted(context.Background(), tracer, "parent")
	defer scope.Close()

	for _, e := range []executor.Executor{traced, refCount} {
		v, err := e.Execute(ctx, activeSpan).Await(awaitCtx(t))
		require.NoError(t, err)
		require.Nil(t, v)
	}
}

func TestPreparedExecutorReuse(t *testing.T) {
	mt, tracer := newTracer()
	refCount, err := NewRefCountExecutor(executor.Go, WithTracer(tracer))
	require.NoError(t, err)

	ctx, scope := observability.StartRefCounted(context.Background(), tracer, "parent")
	prepared, err := refCount.Prepare(ctx)
	require.NoError(t, err)

	v, err := prepared.Execute(ctx, activeSpan).Await(awaitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, v)

	v, err = prepared.Execute(ctx, activeSpan).Await(awaitCtx(t))
	require.NoError(t, err)
	require.Nil(t, v)

	require.Empty(t, mt.FinishedSpans())
	scope.Close()
	require.Len(t, mt.FinishedSpans(), 1)
}
