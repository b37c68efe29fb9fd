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

	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

// TracedExecutor propagates the active span of the submitting task into the
// work without taking ownership of it: the span is never finished on behalf
// of the work. With child spans enabled, every unit of work runs in a child
// span of its own instead, finished when the work completes.
type TracedExecutor struct {
	exec          executor.Executor
	tracer        observability.Tracer
	childSpans    bool
	operationName string
}

var (
	_ executor.Executor = (*TracedExecutor)(nil)
	_ executor.Preparer = (*TracedExecutor)(nil)
)

// NewTracedExecutor wraps e.
func NewTracedExecutor(e executor.Executor, opts ...Option) (*TracedExecutor, error) {
	o, err := newOptions(e, opts)
	if err != nil {
		return nil, err
	}
	return &TracedExecutor{
		exec:          e,
		tracer:        o.tracer,
		childSpans:    o.childSpans,
		operationName: o.operationName,
	}, nil
}

// Prepare implements executor.Preparer.
func (t *TracedExecutor) Prepare(ctx context.Context) (executor.Executor, error) {
	span := observability.SpanFromContext(ctx)
	if span == nil {
		return passThrough{t.exec}, nil
	}
	if t.childSpans {
		child := t.tracer.StartSpan(t.operationName, span.Context())
		return newDeferredCapture(t.exec, child, true), nil
	}
	return newDeferredCapture(t.exec, span, false), nil
}

// Execute implements executor.Executor. Work executed without Prepare runs
// without an active span.
func (t *TracedExecutor) Execute(ctx context.Context, work executor.Work) *executor.Future {
	return passThrough{t.exec}.Execute(ctx, work)
}
