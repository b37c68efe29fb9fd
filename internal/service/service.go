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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/actor"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
	"github.com/basvanbeek/async-tracing/pkg/tracing"
)

const (
	flagDuration  = "ep-duration"
	flagErrors    = "ep-errors"
	flagMaxFanout = "ep-max-fanout"

	defaultMaxFanout = 64

	errPercentage pkg.Error = "expected percentage value between 0 and 100"
	errDuration   pkg.Error = "expected a zero or positive duration"
	errCount      pkg.Error = "expected a positive number of works within the fan-out limit"
	errInternal   pkg.Error = "internal service failure occurred"
	errWorkFailed pkg.Error = "one or more works failed"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDTag    = "request.id"
	echoActorName   = "echo"
)

var log = logrus.WithField("pkg", "service")

// Endpoints implements a run.Config compatible group of Endpoints. Every
// request runs in a ref-counted span; the handlers fan work out to Executor
// through the tracing executors.
type Endpoints struct {
	// dependencies
	Instrumenter observability.Instrumenter
	Executor     executor.Executor
	Actors       *actor.System

	ServiceName string

	handler    http.Handler
	tracer     observability.Tracer
	refCount   *tracing.RefCountExecutor
	childSpans *tracing.TracedExecutor
	echo       actor.Ref

	// service globals protected by mutex mtx
	mtx       sync.RWMutex
	errors    int32
	duration  time.Duration
	maxFanout int
}

// Name implements run.Unit.
func (ep *Endpoints) Name() string {
	return "endpoints"
}

// FlagSet implements run.Config.
func (ep *Endpoints) FlagSet() *run.FlagSet {
	if ep.maxFanout == 0 {
		ep.maxFanout = defaultMaxFanout
	}
	flags := run.NewFlagSet("Endpoint options")

	flags.Int32Var(&ep.errors, flagErrors, ep.errors,
		`Percentage of works failing`)

	flags.DurationVar(&ep.duration, flagDuration, ep.duration,
		`Duration of a single unit of work`)

	flags.IntVar(&ep.maxFanout, flagMaxFanout, ep.maxFanout,
		`Maximum number of works a single request may fan out to`)

	return flags
}

// Validate implements run.Config.
func (ep *Endpoints) Validate() error {
	var mErr error

	if ep.errors < 0 || ep.errors > 100 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagErrors, errPercentage),
		)
	}
	if ep.duration < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagDuration, errDuration),
		)
	}
	if ep.maxFanout < 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagMaxFanout, errCount),
		)
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (ep *Endpoints) PreRun() (err error) {
	if ep.Instrumenter == nil || ep.Instrumenter.Tracer() == nil {
		return errors.New("missing tracer to attach to")
	}
	if ep.Executor == nil || ep.Actors == nil {
		return errors.New("missing executor or actor system")
	}
	if ep.maxFanout < 1 {
		ep.maxFanout = defaultMaxFanout
	}
	ep.tracer = ep.Instrumenter.Tracer()

	if ep.refCount, err = tracing.NewRefCountExecutor(ep.Executor,
		tracing.WithTracer(ep.tracer)); err != nil {
		return err
	}
	if ep.childSpans, err = tracing.NewTracedExecutor(ep.Executor,
		tracing.WithTracer(ep.tracer), tracing.WithChildSpans(true)); err != nil {
		return err
	}
	if ep.echo, err = ep.Actors.Spawn(echoActorName, ep.echoMessage); err != nil {
		return err
	}

	// create our service router
	router := mux.NewRouter()
	router.Methods("GET").Path("/errors/{percentage}").HandlerFunc(ep.setErrors)
	router.Methods("GET").Path("/latency/{duration}").HandlerFunc(ep.setLatency)
	router.Methods("GET").Path("/fanout/{count}").HandlerFunc(ep.fanout)
	router.Methods("GET").Path("/children/{count}").HandlerFunc(ep.children)
	router.Methods("GET").Path("/ask/{message}").HandlerFunc(ep.ask)
	router.Use(ep.traceRequest)

	ep.handler = router

	return nil
}

// Handler returns an HTTP handler that can be attached to an HTTP service.
// The handler holds a router to the endpoints with the sub handlers.
func (ep *Endpoints) Handler() http.Handler {
	return ep.handler
}

// traceRequest runs the request in a ref-counted span. Work the handler
// submitted through the ref-counted executor keeps the span open after the
// response was written.
func (ep *Endpoints) traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var parent observability.SpanContext
		if native := ep.Instrumenter.SpanFromContext(r.Context()); native != nil {
			parent = native.Context()
		}

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		span := observability.NewRefCountSpan(
			ep.tracer.StartSpan(r.Method+" "+r.URL.Path, parent))
		span.Tag(observability.ComponentTag, ep.ServiceName).
			Tag(requestIDTag, requestID)

		ctx, scope := observability.Activate(r.Context(), span, true)
		defer scope.Close()

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var (
	_ run.Config    = (*Endpoints)(nil)
	_ run.PreRunner = (*Endpoints)(nil)
)
