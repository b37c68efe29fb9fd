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

package executor

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Future is the eventual outcome of a unit of work.
type Future struct {
	done chan struct{}

	mtx       sync.Mutex
	completed bool
	value     interface{}
	err       error
	callbacks []func()
}

// Promise completes a Future exactly once.
type Promise struct {
	f *Future
}

// NewPromise returns a Promise with a pending Future.
func NewPromise() *Promise {
	return &Promise{f: &Future{done: make(chan struct{})}}
}

// Failed returns a Future completed with err.
func Failed(err error) *Future {
	p := NewPromise()
	p.Complete(nil, err)
	return p.Future()
}

// Future returns the Future completed by p.
func (p *Promise) Future() *Future {
	return p.f
}

// Complete sets the outcome of the Future. Only the first call has an effect;
// it reports whether this call completed the Future.
func (p *Promise) Complete(value interface{}, err error) bool {
	f := p.f
	f.mtx.Lock()
	if f.completed {
		f.mtx.Unlock()
		return false
	}
	f.completed = true
	f.value, f.err = value, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mtx.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// Done returns a channel closed once the Future is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome of a completed Future. Before completion it
// returns nil values.
func (f *Future) Result() (interface{}, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.value, f.err
}

// Await blocks until the Future completes or ctx is done.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnComplete runs fn on e once the Future completes. e is prepared on the
// calling goroutine, so state of the registering task travels to fn.
func (f *Future) OnComplete(ctx context.Context, e Executor, fn func(ctx context.Context, value interface{}, err error)) {
	prepared := Prepare(ctx, e)
	f.whenDone(func() {
		value, err := f.Result()
		prepared.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			fn(ctx, value, err)
			return nil, nil
		})
	})
}

// AndThen runs fn on e once the Future completes and returns a Future that
// completes with the original outcome after fn returned. A panic in fn is
// logged and does not alter the outcome.
func (f *Future) AndThen(ctx context.Context, e Executor, fn func(ctx context.Context, value interface{}, err error)) *Future {
	p := NewPromise()
	prepared := Prepare(ctx, e)
	f.whenDone(func() {
		value, err := f.Result()
		res := prepared.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			fn(ctx, value, err)
			return nil, nil
		})
		res.whenDone(func() {
			if _, cbErr := res.Result(); cbErr != nil {
				log.WithError(cbErr).Warn("AndThen callback failed")
			}
			p.Complete(value, err)
		})
	})
	return p.Future()
}

func (f *Future) whenDone(cb func()) {
	f.mtx.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mtx.Unlock()
		return
	}
	f.mtx.Unlock()
	cb()
}

// Sequence waits for all futures and returns their values in order. Failures
// are combined into a single multierror.
func Sequence(ctx context.Context, futures ...*Future) ([]interface{}, error) {
	var (
		values = make([]interface{}, len(futures))
		mErr   error
	)
	for i, f := range futures {
		v, err := f.Await(ctx)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		values[i] = v
	}
	return values, mErr
}
