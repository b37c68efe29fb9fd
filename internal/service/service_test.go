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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/actor"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	otadapter "github.com/basvanbeek/async-tracing/pkg/observability/opentracing"
	"github.com/basvanbeek/async-tracing/pkg/tracing"
)

func newEndpoints(t *testing.T) (*Endpoints, *mocktracer.MockTracer) {
	mt := mocktracer.New()
	obs := &otadapter.Service{OpenTracer: mt}
	require.NoError(t, obs.PreRun())

	actors := &actor.System{MailboxSize: 8, AskTimeout: time.Second}
	require.NoError(t, actors.PreRun())
	go func() { _ = actors.Serve() }()
	t.Cleanup(actors.GracefulStop)

	ep := &Endpoints{
		Instrumenter: obs,
		Executor:     executor.Go,
		Actors:       actors,
		ServiceName:  "test",
	}
	_ = ep.FlagSet()
	require.NoError(t, ep.Validate())
	require.NoError(t, ep.PreRun())
	return ep, mt
}

func get(t *testing.T, ep *Endpoints, path string) (int, response) {
	rec := httptest.NewRecorder()
	ep.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var res response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
	return rec.Code, res
}

func finishedNamed(mt *mocktracer.MockTracer, name string) []*mocktracer.MockSpan {
	var spans []*mocktracer.MockSpan
	for _, s := range mt.FinishedSpans() {
		if s.OperationName == name {
			spans = append(spans, s)
		}
	}
	return spans
}

func TestValidate(t *testing.T) {
	ep := &Endpoints{}
	_ = ep.FlagSet()
	ep.errors = 101
	ep.duration = -time.Second
	ep.maxFanout = 0

	err := ep.Validate()
	require.True(t, pkg.HasError(err, errPercentage))
	require.True(t, pkg.HasError(err, errDuration))
	require.True(t, pkg.HasError(err, errCount))
}

func TestFanout(t *testing.T) {
	ep, mt := newEndpoints(t)

	code, res := get(t, ep, "/fanout/4")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, res.TraceID)
	require.Equal(t, "test", res.Service)

	// follow-up works may still hold the request span
	require.Eventually(t, func() bool {
		return len(finishedNamed(mt, "GET /fanout/4")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	span := finishedNamed(mt, "GET /fanout/4")[0]
	for _, tag := range []string{"work-0", "work-1", "work-2", "work-3", "follow-up-0", "follow-up-2"} {
		require.NotNil(t, span.Tag(tag), tag)
	}
	require.Len(t, mt.FinishedSpans(), 1)
}

func TestChildren(t *testing.T) {
	ep, mt := newEndpoints(t)

	code, _ := get(t, ep, "/children/3")
	require.Equal(t, http.StatusOK, code)

	parent := finishedNamed(mt, "GET /children/3")
	require.Len(t, parent, 1)
	children := finishedNamed(mt, tracing.DefaultChildOperationName)
	require.Len(t, children, 3)
	for _, child := range children {
		require.Equal(t, parent[0].SpanContext.SpanID, child.ParentID)
	}
}

func TestAsk(t *testing.T) {
	ep, mt := newEndpoints(t)

	code, res := get(t, ep, "/ask/hello")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "user/echo replied: hello", res.Message)

	asks := finishedNamed(mt, tracing.DefaultOperationName)
	require.Len(t, asks, 1)
	require.Equal(t, "user/echo", asks[0].Tag(tracing.ActorPathTag))
}

func TestFailures(t *testing.T) {
	ep, mt := newEndpoints(t)

	code, _ := get(t, ep, "/errors/100")
	require.Equal(t, http.StatusOK, code)

	code, res := get(t, ep, "/children/2")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, errWorkFailed, res.Error)

	for _, child := range finishedNamed(mt, tracing.DefaultChildOperationName) {
		require.Equal(t, true, child.Tag("error"))
	}

	code, res = get(t, ep, "/ask/hello")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, errInternal, res.Error)
}

func TestBadRequests(t *testing.T) {
	ep, _ := newEndpoints(t)

	for path, want := range map[string]pkg.Error{
		"/fanout/0":      errCount,
		"/fanout/1000":   errCount,
		"/children/x":    errCount,
		"/errors/200":    errPercentage,
		"/latency/-5":    errDuration,
		"/latency/bogus": errDuration,
	} {
		code, res := get(t, ep, path)
		require.Equal(t, http.StatusBadRequest, code, path)
		require.Equal(t, want, res.Error, path)
	}

	code, res := get(t, ep, "/latency/5")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "duration set to: 5ms", res.Message)
}

func TestRequestSpanAdoptsNativeParent(t *testing.T) {
	ep, mt := newEndpoints(t)

	native := mt.StartSpan("ingress")
	req := httptest.NewRequest(http.MethodGet, "/latency/1", nil)
	req = req.WithContext(ot.ContextWithSpan(req.Context(), native))

	rec := httptest.NewRecorder()
	ep.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	spans := finishedNamed(mt, "GET /latency/1")
	require.Len(t, spans, 1)
	nativeCtx := native.Context().(mocktracer.MockSpanContext)
	require.Equal(t, nativeCtx.SpanID, spans[0].ParentID)
	require.Equal(t, nativeCtx.TraceID, spans[0].SpanContext.TraceID)
}
