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

package service

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
	"github.com/basvanbeek/async-tracing/pkg/tracing"
)

// setErrors allows one to set the percentage of works that fail.
func (ep *Endpoints) setErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	i, err := strconv.Atoi(mux.Vars(r)["percentage"])
	if err != nil || i < 0 || i > 100 {
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusBadRequest,
			Error: errPercentage,
		})
		return
	}
	ep.mtx.Lock()
	ep.errors = int32(i)
	ep.mtx.Unlock()

	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("errors percentage set to: %d%%", i),
	})
}

// setLatency allows one to set the time every unit of work takes.
func (ep *Endpoints) setLatency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := parseDuration(mux.Vars(r)["duration"])
	if err != nil {
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusBadRequest,
			Error: errDuration,
		})
		return
	}

	ep.mtx.Lock()
	ep.duration = d
	ep.mtx.Unlock()

	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("duration set to: %s", d.String()),
	})
}

// fanout runs count works sharing the request span. Works with an even index
// submit a follow-up work that is not waited for; the request span finishes
// once the last of them is done.
func (ep *Endpoints) fanout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, ok := ep.count(ctx, w, r)
	if !ok {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		f := executor.Submit(ctx, ep.refCount, func(ctx context.Context) (interface{}, error) {
			if i%2 == 0 {
				executor.Submit(ctx, ep.refCount, ep.work(fmt.Sprintf("follow-up-%d", i)))
			}
			return ep.work(fmt.Sprintf("work-%d", i))(ctx)
		})
		g.Go(func() error {
			_, err := f.Await(gctx)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		ep.writeResponse(ctx, w, response{
			Code:    http.StatusInternalServerError,
			Error:   errWorkFailed,
			Message: err.Error(),
		})
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("ran %d works in a shared span", count),
	})
}

// children runs count works, each in a child span of the request span.
func (ep *Endpoints) children(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, ok := ep.count(ctx, w, r)
	if !ok {
		return
	}

	futures := make([]*executor.Future, 0, count)
	for i := 0; i < count; i++ {
		futures = append(futures,
			executor.Submit(ctx, ep.childSpans, ep.work(fmt.Sprintf("work-%d", i))))
	}

	if _, err := executor.Sequence(ctx, futures...); err != nil {
		ep.writeResponse(ctx, w, response{
			Code:    http.StatusInternalServerError,
			Error:   errWorkFailed,
			Message: err.Error(),
		})
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("ran %d works in child spans", count),
	})
}

// ask sends the message to the echo actor and traces the reply.
func (ep *Endpoints) ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reply, err := tracing.Ask(ctx, ep.echo, mux.Vars(r)["message"], ep.Executor, ep.tracer).Await(ctx)
	if err != nil {
		ep.writeResponse(ctx, w, response{
			Code:    http.StatusInternalServerError,
			Error:   errInternal,
			Message: err.Error(),
		})
		return
	}
	ep.writeResponse(ctx, w, response{
		Code:    http.StatusOK,
		Message: fmt.Sprintf("%s replied: %v", ep.echo.Path(), reply),
	})
}

// echoMessage handles the messages of the echo actor.
func (ep *Endpoints) echoMessage(_ context.Context, msg interface{}) (interface{}, error) {
	ep.mtx.RLock()
	d := ep.duration
	e := ep.errors
	ep.mtx.RUnlock()

	time.Sleep(d)
	if rand.Int31n(100) < e {
		return nil, errInternal
	}
	return msg, nil
}

// work emulates a unit of work taking the configured latency and failing with
// the configured percentage. It tags the active span with its outcome.
func (ep *Endpoints) work(name string) executor.Work {
	return func(ctx context.Context) (interface{}, error) {
		ep.mtx.RLock()
		d := ep.duration
		e := ep.errors
		ep.mtx.RUnlock()

		span := observability.SpanFromContext(ctx)
		if span == nil {
			span = observability.NoopTracer{}.StartSpan(name, nil)
		}

		time.Sleep(d)
		if rand.Int31n(100) < e {
			span.Tag(observability.ErrorTag, "true").Log(name + " failed")
			return nil, errInternal
		}
		span.Tag(name, d.String())
		return name, nil
	}
}

func (ep *Endpoints) count(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, bool) {
	ep.mtx.RLock()
	limit := ep.maxFanout
	ep.mtx.RUnlock()

	count, err := strconv.Atoi(mux.Vars(r)["count"])
	if err != nil || count < 1 || count > limit {
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusBadRequest,
			Error: errCount,
		})
		return 0, false
	}
	return count, true
}

// parseDuration accepts a duration string or a raw number of milliseconds.
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		// not a duration string, let's see if it is a raw number...
		var i int
		if i, err = strconv.Atoi(s); err != nil {
			return 0, err
		}
		d = time.Duration(i) * time.Millisecond
	}
	if d < 0 {
		return 0, errDuration
	}
	return d, nil
}
