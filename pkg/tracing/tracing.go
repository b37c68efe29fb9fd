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

// Package tracing propagates the active span of a submitting task into work
// that runs later on another goroutine.
//
// Two policies are provided. TracedExecutor hands the active span off to the
// work without taking ownership of it, or optionally starts a child span per
// unit of work. RefCountExecutor captures a reference to a shared
// observability.RefCountSpan at submission and releases it when the work is
// done, so the span finishes once every holder released it.
//
// Capturing happens in Prepare, on the submitting goroutine, before the work
// is enqueued. Always submit with executor.Submit (or call Prepare yourself)
// so the capture precedes the submitter releasing its own reference.
package tracing

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

const (
	// ErrMissingExecutor is returned when constructing a wrapper without an
	// executor to wrap.
	ErrMissingExecutor pkg.Error = "missing executor to wrap"
	// ErrMissingTracer is returned when constructing a wrapper with a nil
	// tracer.
	ErrMissingTracer pkg.Error = "missing tracer"
	// ErrNotRefCounted is returned by a strict RefCountExecutor when the
	// active span can not be captured.
	ErrNotRefCounted pkg.Error = "active span is not ref-counted"
)

// DefaultChildOperationName names child spans started per unit of work.
const DefaultChildOperationName = "execute"

var log = logrus.WithField("pkg", "tracing")

// Option configures the tracing executors.
type Option func(*options)

type options struct {
	tracer        observability.Tracer
	childSpans    bool
	operationName string
	strict        bool
}

// WithTracer sets the Tracer used to start child spans. Defaults to the
// global Tracer.
func WithTracer(t observability.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithChildSpans makes TracedExecutor start a child span of the active span
// for every unit of work, finished when the work completes.
func WithChildSpans(enabled bool) Option {
	return func(o *options) {
		o.childSpans = enabled
	}
}

// WithOperationName sets the name of child spans.
func WithOperationName(name string) Option {
	return func(o *options) {
		o.operationName = name
	}
}

// WithStrictRefCount makes RefCountExecutor report ErrNotRefCounted and run
// the work untraced if the active span is not a Capturer. By default such a
// span is handed off without being captured or finished.
func WithStrictRefCount() Option {
	return func(o *options) {
		o.strict = true
	}
}

func newOptions(e executor.Executor, opts []Option) (*options, error) {
	o := &options{
		tracer:        observability.GlobalTracer(),
		operationName: DefaultChildOperationName,
	}
	for _, opt := range opts {
		opt(o)
	}
	if e == nil {
		return nil, ErrMissingExecutor
	}
	if o.tracer == nil {
		return nil, ErrMissingTracer
	}
	return o, nil
}

// passThrough runs work in a task context of its own, with no active span.
type passThrough struct {
	exec executor.Executor
}

// Execute implements executor.Executor.
func (p passThrough) Execute(ctx context.Context, work executor.Work) *executor.Future {
	return p.exec.Execute(observability.WithActiveContext(ctx, nil), work)
}

// deferredCapture is the prepared executor of a single submission. It
// activates span in the task context of the work and, if finish is set,
// finishes it when the work is done. If the wrapped executor completes the
// future without running the work, the span is finished all the same.
type deferredCapture struct {
	exec   executor.Executor
	span   observability.Span
	finish bool

	submitted int32
	state     int32
}

const (
	capturePending int32 = iota
	captureRunning
	captureDone
)

func newDeferredCapture(e executor.Executor, span observability.Span, finish bool) *deferredCapture {
	return &deferredCapture{exec: e, span: span, finish: finish}
}

// Execute implements executor.Executor. A deferredCapture carries one
// captured reference and must only be used once; later calls run untraced.
func (d *deferredCapture) Execute(ctx context.Context, work executor.Work) *executor.Future {
	if !atomic.CompareAndSwapInt32(&d.submitted, 0, 1) {
		log.Warn("prepared executor reused, running work untraced")
		return passThrough{d.exec}.Execute(ctx, work)
	}

	f := d.exec.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		if !atomic.CompareAndSwapInt32(&d.state, capturePending, captureRunning) {
			// already released by a completion without run
			return work(observability.WithActiveContext(ctx, nil))
		}
		ctx, ac := observability.NewTaskContext(ctx)
		scope := ac.Activate(d.span, d.finish)
		defer scope.Close()
		return work(ctx)
	})

	f.OnComplete(ctx, executor.Inline, func(context.Context, interface{}, error) {
		if atomic.CompareAndSwapInt32(&d.state, capturePending, captureDone) && d.finish {
			log.Debug("work dropped by executor, releasing captured span")
			d.span.Finish()
		}
	})
	return f
}
