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

// Package executor provides the scheduling primitives work is submitted to:
// an Executor runs Work at some later time on some goroutine and reports the
// outcome through a Future.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/basvanbeek/async-tracing/pkg"
)

// ErrExecutorStopped is reported by futures of work an executor refused or
// dropped because it was shut down.
const ErrExecutorStopped pkg.Error = "executor stopped"

var log = logrus.WithField("pkg", "executor")

// Work is a unit of work. The returned value and error complete the Future
// handed out on submission.
type Work func(ctx context.Context) (interface{}, error)

// Executor runs Work asynchronously.
type Executor interface {
	Execute(ctx context.Context, work Work) *Future
}

// Preparer is implemented by executors that need to capture state from the
// submitting goroutine before work is enqueued. Prepare always returns a
// usable Executor; a non nil error reports that the returned Executor runs
// the work without the captured state.
type Preparer interface {
	Prepare(ctx context.Context) (Executor, error)
}

// Prepare calls Prepare on e if it is a Preparer and returns the Executor to
// hand work to. Errors are logged; the work is never refused because of them.
func Prepare(ctx context.Context, e Executor) Executor {
	p, ok := e.(Preparer)
	if !ok {
		return e
	}
	prepared, err := p.Prepare(ctx)
	if err != nil {
		log.WithError(err).Warn("executing work without prepared state")
	}
	if prepared == nil {
		return e
	}
	return prepared
}

// Submit prepares e on the calling goroutine and executes work on it.
func Submit(ctx context.Context, e Executor, work Work) *Future {
	return Prepare(ctx, e).Execute(ctx, work)
}

// PanicError is the failure reported for Work that panicked.
type PanicError struct {
	Value interface{}
	Stack []byte
}

// Error implements error.
func (p *PanicError) Error() string {
	return fmt.Sprintf("work panicked: %v", p.Value)
}

// Run executes work on the calling goroutine and completes p with its outcome,
// converting a panic into a *PanicError.
func Run(ctx context.Context, work Work, p *Promise) {
	defer func() {
		if r := recover(); r != nil {
			p.Complete(nil, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	p.Complete(work(ctx))
}

// FuncExecutor adapts a function to the Executor interface.
type FuncExecutor func(ctx context.Context, work Work) *Future

// Execute implements Executor.
func (f FuncExecutor) Execute(ctx context.Context, work Work) *Future {
	return f(ctx, work)
}

// Go runs every unit of work on its own goroutine.
var Go Executor = FuncExecutor(func(ctx context.Context, work Work) *Future {
	p := NewPromise()
	go Run(ctx, work, p)
	return p.Future()
})

// Inline runs work synchronously on the goroutine that executes it.
var Inline Executor = FuncExecutor(func(ctx context.Context, work Work) *Future {
	p := NewPromise()
	Run(ctx, work, p)
	return p.Future()
})
