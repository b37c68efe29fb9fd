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

package opentracing

import (
	"context"
	"strconv"
	"testing"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

func TestParentChild(t *testing.T) {
	mt := mocktracer.New()
	tracer := NewTracer(mt, map[string]string{"env": "test"})

	parent := tracer.StartSpan("parent", nil)
	child := tracer.StartSpan("child", parent.Context())
	child.Tag(observability.ErrorTag, "true").Log("failed")
	child.Finish()
	parent.Finish()

	spans := mt.FinishedSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "child", spans[0].OperationName)
	require.Equal(t, spans[1].SpanContext.SpanID, spans[0].ParentID)
	require.Equal(t, true, spans[0].Tag("error"))
	require.Equal(t, "test", spans[0].Tag("env"))
	require.Len(t, spans[0].Logs(), 1)

	require.Equal(t, strconv.Itoa(spans[1].SpanContext.TraceID), parent.Context().TraceID())
	require.Equal(t, strconv.Itoa(spans[1].SpanContext.SpanID), parent.Context().SpanID())
}

func TestForeignParentStartsRoot(t *testing.T) {
	mt := mocktracer.New()
	span := NewTracer(mt, nil).StartSpan("root", observability.NoopTracer{}.StartSpan("x", nil).Context())
	span.SetName("renamed").FinishAt(time.Unix(100, 0))

	spans := mt.FinishedSpans()
	require.Len(t, spans, 1)
	require.Equal(t, 0, spans[0].ParentID)
	require.Equal(t, "renamed", spans[0].OperationName)
	require.Equal(t, time.Unix(100, 0), spans[0].FinishTime)
}

func TestService(t *testing.T) {
	mt := mocktracer.New()
	s := &Service{OpenTracer: mt}
	_ = s.FlagSet()
	s.Tags = []string{"region=eu", "broken"}
	require.True(t, pkg.HasError(s.Validate(), errTagFormat))

	s.Tags = []string{"region=eu"}
	require.NoError(t, s.Validate())
	require.NoError(t, s.PreRun())

	s.Tracer().StartSpan("op", nil).Finish()
	require.Equal(t, "eu", mt.FinishedSpans()[0].Tag("region"))

	require.Nil(t, s.SpanFromContext(context.Background()))
	native := mt.StartSpan("native")
	span := s.SpanFromContext(ot.ContextWithSpan(context.Background(), native))
	require.NotNil(t, span)
	require.Equal(t, strconv.Itoa(native.Context().(mocktracer.MockSpanContext).SpanID), span.Context().SpanID())

	done := make(chan error)
	go func() { done <- s.Serve() }()
	s.GracefulStop()
	require.NoError(t, <-done)
}
