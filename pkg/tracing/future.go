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
	"sync/atomic"

	"github.com/basvanbeek/async-tracing/pkg/actor"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

const (
	// DefaultOperationName names the span of a traced ask.
	DefaultOperationName = "ask"
	// ComponentName is the component tag value of a traced ask.
	ComponentName = "actor"
	// ActorPathTag holds the path of the asked actor.
	ActorPathTag = "actor.path"
)

// Addressable is anything with an actor path.
type Addressable interface {
	Path() string
}

// TracedFuture traces the time until f completes in a span named "ask", a
// child of the span active in ctx if there is one. The span is tagged with
// the path of target and finished on e once f completes, tagged as error if
// f failed. The returned Future completes with the outcome of f after the
// span was finished. If e completes the callback without running it, the
// span is finished on the goroutine completing it.
func TracedFuture(ctx context.Context, f *executor.Future, target Addressable, e executor.Executor, tracer observability.Tracer) *executor.Future {
	if tracer == nil {
		tracer = observability.GlobalTracer()
	}
	span := tracer.StartSpan(DefaultOperationName, observability.ActiveSpanContext(ctx))
	span.Tag(observability.ComponentTag, ComponentName)
	span.Tag(ActorPathTag, target.Path())

	var finished int32
	finish := func(err error) {
		if !atomic.CompareAndSwapInt32(&finished, 0, 1) {
			return
		}
		if err != nil {
			span.Tag(observability.ErrorTag, "true")
		}
		span.Finish()
	}

	p := executor.NewPromise()
	prepared := executor.Prepare(ctx, e)
	f.OnComplete(ctx, executor.Inline, func(_ context.Context, value interface{}, err error) {
		res := prepared.Execute(ctx, func(context.Context) (interface{}, error) {
			finish(err)
			return nil, nil
		})
		// e may complete res without running the callback
		res.OnComplete(ctx, executor.Inline, func(context.Context, interface{}, error) {
			finish(err)
			p.Complete(value, err)
		})
	})
	return p.Future()
}

// Ask sends msg to ref and traces the reply with TracedFuture.
func Ask(ctx context.Context, ref actor.Ref, msg interface{}, e executor.Executor, tracer observability.Tracer) *executor.Future {
	return TracedFuture(ctx, ref.Ask(ctx, msg), ref, e, tracer)
}
