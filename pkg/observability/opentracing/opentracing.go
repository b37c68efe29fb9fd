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

// Package opentracing adapts any OpenTracing compatible tracer (Jaeger,
// Lightstep, zipkin-go-opentracing, the mock tracer) to the
// observability.Tracer capability.
package opentracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

// flags
const (
	SpanTags = "opentracing-span-tags"
)

const errTagFormat pkg.Error = "expected tags in key=value format"

// Service implements run.GroupService around an externally constructed
// OpenTracing tracer. Without one, the OpenTracing global tracer is used.
type Service struct {
	OpenTracer ot.Tracer
	Tags       []string

	tags   map[string]string
	closer chan error
}

// static compile time run interfaces validation
var (
	_ run.Config                 = (*Service)(nil)
	_ run.PreRunner              = (*Service)(nil)
	_ run.Service                = (*Service)(nil)
	_ observability.Instrumenter = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return observability.OpenTracingInstrumenter
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	flags := run.NewFlagSet("OpenTracing Tracer Config")

	flags.StringSliceVar(
		&s.Tags,
		SpanTags,
		s.Tags,
		`Tags added to every started span, in key=value format`)

	return flags
}

// Validate implements run.Config
func (s *Service) Validate() error {
	var mErr error

	for _, tag := range s.Tags {
		if k, _, ok := strings.Cut(tag, "="); !ok || k == "" {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, SpanTags, fmt.Errorf("%q: %w", tag, errTagFormat)))
		}
	}

	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	if s.OpenTracer == nil {
		s.OpenTracer = ot.GlobalTracer()
	}
	s.tags = map[string]string{observability.VersionTag: version.Parse()}
	for _, tag := range s.Tags {
		k, v, _ := strings.Cut(tag, "=")
		s.tags[k] = v
	}
	s.closer = make(chan error)
	return nil
}

// Serve implements run.GroupService
func (s *Service) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.GroupService
func (s *Service) GracefulStop() {
	close(s.closer)
}

// Tracer implements observability.Tracerer
func (s *Service) Tracer() observability.Tracer {
	return NewTracer(s.OpenTracer, s.tags)
}

// SpanFromContext implements observability.Contexter
func (s *Service) SpanFromContext(ctx context.Context) observability.Span {
	span := ot.SpanFromContext(ctx)
	if span == nil {
		return nil
	}
	return &spanAdapter{delegate: span}
}

// NewTracer adapts an OpenTracing tracer. The provided tags are set on every
// span it starts.
func NewTracer(tracer ot.Tracer, tags map[string]string) observability.Tracer {
	return &traceAdapter{delegate: tracer, tags: tags}
}

type traceAdapter struct {
	delegate ot.Tracer
	tags     map[string]string
}

type spanContext struct {
	sc     ot.SpanContext
	tracer ot.Tracer
}

type spanAdapter struct {
	delegate ot.Span
}

// StartSpan implements observability.Tracer
func (t *traceAdapter) StartSpan(name string, parent observability.SpanContext) observability.Span {
	opts := make([]ot.StartSpanOption, 0, len(t.tags)+1)
	if p, ok := parent.(spanContext); ok {
		opts = append(opts, ot.ChildOf(p.sc))
	}
	for k, v := range t.tags {
		opts = append(opts, ot.Tag{Key: k, Value: v})
	}
	return &spanAdapter{delegate: t.delegate.StartSpan(name, opts...)}
}

// TraceID implements observability.SpanContext
func (c spanContext) TraceID() string {
	traceID, _ := c.ids()
	return traceID
}

// SpanID implements observability.SpanContext
func (c spanContext) SpanID() string {
	_, spanID := c.ids()
	return spanID
}

// ids recovers the identifiers by injecting the opaque span context into a
// text map, as OpenTracing does not expose them directly.
func (c spanContext) ids() (traceID, spanID string) {
	carrier := ot.TextMapCarrier{}
	if err := c.tracer.Inject(c.sc, ot.TextMap, carrier); err != nil {
		return "", ""
	}
	for k, v := range carrier {
		switch k = strings.ToLower(k); {
		case k == "uber-trace-id":
			if parts := strings.Split(v, ":"); len(parts) > 1 {
				traceID, spanID = parts[0], parts[1]
			}
		case strings.HasSuffix(k, "traceid"):
			traceID = v
		case strings.HasSuffix(k, "spanid"):
			spanID = v
		}
	}
	return traceID, spanID
}

// Context implements observability.Span
func (s *spanAdapter) Context() observability.SpanContext {
	return spanContext{sc: s.delegate.Context(), tracer: s.delegate.Tracer()}
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) observability.Span {
	s.delegate.SetOperationName(name)
	return s
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key, value string) observability.Span {
	if key == observability.ErrorTag {
		ext.Error.Set(s.delegate, value == "true")
		return s
	}
	s.delegate.SetTag(key, value)
	return s
}

// Log implements observability.Span
func (s *spanAdapter) Log(event string) observability.Span {
	s.delegate.LogFields(otlog.String("event", event))
	return s
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	s.delegate.Finish()
}

// FinishAt implements observability.Span
func (s *spanAdapter) FinishAt(t time.Time) {
	s.delegate.FinishWithOptions(ot.FinishOptions{FinishTime: t})
}
