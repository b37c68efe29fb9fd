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

// Package otel adapts the OpenTelemetry SDK to the observability.Tracer
// capability and manages the tracer provider lifecycle as a run.Group
// service.
package otel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

// flags
const (
	Exporter         = "otel-exporter"
	ExporterEndpoint = "otel-exporter-endpoint"
	LocalServicename = "otel-local-servicename"
	SampleRate       = "otel-sample-rate"
)

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"

	// default configuration values
	defaultEndpoint   = "otel-collector:4317"
	defaultSampleRate = 1.0

	instrumentationName = "github.com/basvanbeek/async-tracing"
	shutdownTimeout     = 5 * time.Second

	errExporter   pkg.Error = "expected exporter otlp or stdout"
	errSampleRate pkg.Error = "expected a sample rate between 0.0 and 1.0"
)

// Service implements run.GroupService. When SpanProcessor is set it is used
// instead of a batching processor around the configured exporter.
type Service struct {
	Exporter      string
	Endpoint      string
	Servicename   string
	SampleRate    float64
	SpanProcessor sdktrace.SpanProcessor

	provider *sdktrace.TracerProvider
	closer   chan error
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
	return observability.OTelInstrumenter
}

// GroupName implements run.Namer so the OpenTelemetry service name defaults
// to the name of the run.Group.
func (s *Service) GroupName(name string) {
	if s.Servicename == "" {
		s.Servicename = name
	}
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	if s.Exporter == "" {
		s.Exporter = ExporterOTLP
	}
	if s.Endpoint == "" {
		s.Endpoint = defaultEndpoint
	}
	if s.Servicename == "" {
		s.Servicename = path.Base(os.Args[0])
	}
	if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}

	flags := run.NewFlagSet("OpenTelemetry Tracer Config")

	flags.StringVar(
		&s.Exporter,
		Exporter,
		s.Exporter,
		`Span exporter to use, one of otlp or stdout`)
	flags.StringVar(
		&s.Endpoint,
		ExporterEndpoint,
		s.Endpoint,
		`host:port of the OTLP gRPC collector`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local ServiceName to report`)
	flags.Float64Var(
		&s.SampleRate,
		SampleRate,
		s.SampleRate,
		`Set the trace id ratio sample rate, between never (0.0) and always (1.0)`)

	return flags
}

// Validate implements run.Config
func (s *Service) Validate() error {
	var mErr error

	if s.SpanProcessor == nil {
		switch s.Exporter {
		case ExporterStdout:
		case ExporterOTLP:
			if _, _, err := net.SplitHostPort(s.Endpoint); err != nil {
				mErr = multierror.Append(mErr,
					fmt.Errorf(pkg.FlagErr, ExporterEndpoint, err))
			}
		default:
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, Exporter, errExporter))
		}
	}
	if s.Servicename == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, LocalServicename, pkg.ErrRequired))
	}
	if s.SampleRate < 0 || s.SampleRate > 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, SampleRate, errSampleRate))
	}

	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	processor := s.SpanProcessor
	if processor == nil {
		var (
			exporter sdktrace.SpanExporter
			err      error
		)
		switch s.Exporter {
		case ExporterStdout:
			exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		default:
			exporter, err = otlptracegrpc.New(context.Background(),
				otlptracegrpc.WithEndpoint(s.Endpoint),
				otlptracegrpc.WithInsecure(),
			)
		}
		if err != nil {
			return err
		}
		processor = sdktrace.NewBatchSpanProcessor(exporter)
	}

	s.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRate))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", s.Servicename),
			attribute.String(observability.VersionTag, version.Parse()),
		)),
	)
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
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.provider.Shutdown(ctx) // nolint: errcheck
}

// Tracer implements observability.Tracerer
func (s *Service) Tracer() observability.Tracer {
	return NewTracer(s.provider.Tracer(instrumentationName))
}

// SpanFromContext implements observability.Contexter
func (s *Service) SpanFromContext(ctx context.Context) observability.Span {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return &spanAdapter{span}
}

// NewTracer adapts an OpenTelemetry tracer.
func NewTracer(tracer trace.Tracer) observability.Tracer {
	return &traceAdapter{delegate: tracer}
}

type traceAdapter struct {
	delegate trace.Tracer
}

type spanContext struct {
	sc trace.SpanContext
}

type spanAdapter struct {
	delegate trace.Span
}

// StartSpan implements observability.Tracer
func (t *traceAdapter) StartSpan(name string, parent observability.SpanContext) observability.Span {
	ctx := context.Background()
	if p, ok := parent.(spanContext); ok {
		ctx = trace.ContextWithSpanContext(ctx, p.sc)
	}
	_, span := t.delegate.Start(ctx, name)
	return &spanAdapter{span}
}

// TraceID implements observability.SpanContext
func (c spanContext) TraceID() string {
	return c.sc.TraceID().String()
}

// SpanID implements observability.SpanContext
func (c spanContext) SpanID() string {
	return c.sc.SpanID().String()
}

// Context implements observability.Span
func (s *spanAdapter) Context() observability.SpanContext {
	return spanContext{s.delegate.SpanContext()}
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) observability.Span {
	s.delegate.SetName(name)
	return s
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key, value string) observability.Span {
	if key == observability.ErrorTag && value == "true" {
		s.delegate.SetStatus(codes.Error, "")
	}
	s.delegate.SetAttributes(attribute.String(key, value))
	return s
}

// Log implements observability.Span
func (s *spanAdapter) Log(event string) observability.Span {
	s.delegate.AddEvent(event)
	return s
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	s.delegate.End()
}

// FinishAt implements observability.Span
func (s *spanAdapter) FinishAt(t time.Time) {
	s.delegate.End(trace.WithTimestamp(t))
}
