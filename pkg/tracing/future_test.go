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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/async-tracing/pkg/actor"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

func newEchoActor(t *testing.T) actor.Ref {
	sys := &actor.System{MailboxSize: 4, AskTimeout: 5 * time.Second}
	require.NoError(t, sys.PreRun())
	go func() { _ = sys.Serve() }()
	t.Cleanup(sys.GracefulStop)

	ref, err := sys.Spawn("actor1", func(_ context.Context, msg interface{}) (interface{}, error) {
		if msg == "fail" {
			return nil, errWork
		}
		return msg, nil
	})
	require.NoError(t, err)
	return ref
}

func TestTracedFuture(t *testing.T) {
	mt, tracer := newTracer()
	ref := newEchoActor(t)

	v, err := Ask(context.Background(), ref, "hello", executor.Go, tracer).Await(awaitCtx(t))
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	spans := mt.FinishedSpans()
	require.Len(t, spans, 1)
	require.Equal(t, DefaultOperationName, spans[0].OperationName)
	require.Equal(t, ComponentName, spans[0].Tag(observability.ComponentTag))
	require.Equal(t, "user/actor1", spans[0].Tag(ActorPathTag))
	require.Nil(t, spans[0].Tag(observability.ErrorTag))
	require.Equal(t, 0, spans[0].ParentID)
}

func TestTracedFutureParent(t *testing.T) {
	mt, tracer := newTracer()
	ref := newEchoActor(t)

	ctx, scope := observability.StartActive(context.Background(), tracer, "parent")
	f := Ask(ctx, ref, "hello", executor.Go, tracer)
	scope.Close()

	_, err := f.Await(awaitCtx(t))
	require.NoError(t, err)

	spans := mt.FinishedSpans()
	require.Len(t, spans, 2)
	parent, ask := spans[0], spans[1]
	if parent.OperationName != "parent" {
		parent, ask = ask, parent
	}
	require.Equal(t, "parent", parent.OperationName)
	require.Equal(t, DefaultOperationName, ask.OperationName)
	require.Equal(t, parent.SpanContext.TraceID, ask.SpanContext.TraceID)
	require.Equal(t, parent.SpanContext.SpanID, ask.ParentID)
}

func TestTracedFutureError(t *testing.T) {
	mt, tracer := newTracer()
	ref := newEchoActor(t)

	_, err := Ask(context.Background(), ref, "fail", executor.Go, tracer).Await(awaitCtx(t))
	require.ErrorIs(t, err, errWork)

	spans := mt.FinishedSpans()
	require.Len(t, spans, 1)
	require.Equal(t, true, spans[0].Tag(observability.ErrorTag))
	require.Equal(t, "user/actor1", spans[0].Tag(ActorPathTag))
}

type address string

func (a address) Path() string { return string(a) }

func TestTracedFutureFinishesOnce(t *testing.T) {
	mt, tracer := newTracer()
	p := executor.NewPromise()
	f := TracedFuture(context.Background(), p.Future(), address("user/none"), executor.Inline, tracer)

	require.Empty(t, mt.FinishedSpans())
	require.True(t, p.Complete("first", nil))
	require.False(t, p.Complete("second", nil))

	v, err := f.Await(awaitCtx(t))
	require.NoError(t, err)
	require.Equal(t, "first", v)
	require.Len(t, mt.FinishedSpans(), 1)
}

func TestTracedFutureCallbackDropped(t *testing.T) {
	mt, tracer := newTracer()

	pool := &executor.Pool{Workers: 1, QueueSize: 1}
	require.NoError(t, pool.PreRun())
	pool.GracefulStop()

	for _, e := range []executor.Executor{dropAll, pool} {
		mt.Reset()
		p := executor.NewPromise()
		f := TracedFuture(context.Background(), p.Future(), address("user/x"), e, tracer)
		p.Complete("ok", nil)

		v, err := f.Await(awaitCtx(t))
		require.NoError(t, err)
		require.Equal(t, "ok", v)

		spans := mt.FinishedSpans()
		require.Len(t, spans, 1)
		require.Nil(t, spans[0].Tag(observability.ErrorTag))
	}

	mt.Reset()
	p := executor.NewPromise()
	f := TracedFuture(context.Background(), p.Future(), address("user/x"), dropAll, tracer)
	p.Complete(nil, errWork)
	_, err := f.Await(awaitCtx(t))
	require.ErrorIs(t, err, errWork)

	spans := mt.FinishedSpans()
	require.Len(t, spans, 1)
	require.Equal(t, true, spans[0].Tag(observability.ErrorTag))
}
