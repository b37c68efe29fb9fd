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

// Package zipkin adapts a Zipkin tracer to the observability.Tracer
// capability and manages its reporter lifecycle as a run.Group service.
package zipkin

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	zrpr "github.com/openzipkin/zipkin-go/reporter/http"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

// flags
const (
	ReporterEndpoint = "zipkin-reporter-endpoint"
	LocalServicename = "zipkin-local-servicename"
	LocalHostport    = "zipkin-local-hostport"
	SampleRate       = "zipkin-sample-rate"
	BatchSize        = "zipkin-batch-size"
	BatchInterval    = "zipkin-batch-interval"
)

const (
	// default configuration values
	defaultReporterAddr  = "http://zipkin:9411/api/v2/spans"
	defaultSampleRate    = 1.0
	defaultBatchSize     = 100
	defaultBatchInterval = time.Second

	errBatchSize     pkg.Error = "expected a positive batch size"
	errBatchInterval pkg.Error = "expected a positive batch interval"
)

// Service implements run.GroupService. Spans finished through the adapted
// Tracer are batched by the Zipkin HTTP reporter unless a Reporter is
// provided.
type Service struct {
	Servicename   string
	LocalHostport string
	Address       string
	SampleRate    float64
	BatchSize     int
	BatchInterval time.Duration
	Reporter      reporter.Reporter

	zipkinTracer *zipkin.Tracer
	ownsReporter bool
	closer       chan error
}

// static compile time run interfaces validation
var (
	_ run.Config                 = (*Service)(nil)
	_ run.PreRunner              = (*Service)(nil)
	_ run.Service                = (*Service)(nil)
	_ observability.Instrumenter = (*Service)(nil)
)

// Name implements run.Unit.
func (s Service) Name() string {
	return "zipkin"
}

// GroupName implements run.Namer so the Zipkin local endpoint service name
// defaults to the name of the run.Group if not set before calling Group's Run
// or RunConfig.
func (s *Service) GroupName(name string) {
	if s.Servicename == "" {
		s.Servicename = name
	}
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	// set defaults if needed
	if s.Address == "" {
		s.Address = defaultReporterAddr
	}
	if s.Servicename == "" {
		s.Servicename = path.Base(os.Args[0])
	}
	if s.SampleRate < 0 {
		s.SampleRate = 0.0
	} else if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}
	if s.BatchSize == 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.BatchInterval == 0 {
		s.BatchInterval = defaultBatchInterval
	}

	// create our configuration flags
	flags := run.NewFlagSet("Zipkin Tracer Config")

	flags.StringVar(
		&s.Address,
		ReporterEndpoint,
		s.Address,
		`Full address, including URI, of the Zipkin HTTP collector`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local ServiceName to report`)
	flags.StringVar(
		&s.LocalHostport,
		LocalHostport,
		s.LocalHostport,
		`Local ip:port to report`)
	flags.IntVar(
		&s.BatchSize,
		BatchSize,
		s.BatchSize,
		`Maximum number of spans sent to the collector in one request`)
	flags.DurationVar(
		&s.BatchInterval,
		BatchInterval,
		s.BatchInterval,
		`Maximum time finished spans are held before sending them to the collector`)
	flags.Float64Var(
		&s.SampleRate,
		SampleRate,
		s.SampleRate,
		`Set the Zipkin sample rate, between never (0.0) and always (1.0), `+
			`smallest increment: 0.0001`)

	return flags
}

// Validate implements run.Config
func (s Service) Validate() error {
	var mErr error

	if s.Reporter == nil {
		if _, err := url.Parse(s.Address); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, ReporterEndpoint, err))
		}
	}
	if s.Servicename == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, LocalServicename, pkg.ErrRequired))
	}
	if s.LocalHostport != "" {
		if _, _, err := net.SplitHostPort(s.LocalHostport); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, LocalHostport, err))
		}
	}
	if _, err := zipkin.NewBoundarySampler(s.SampleRate, 0); err != nil {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, SampleRate, err))
	}
	if s.Reporter == nil && s.BatchSize <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, BatchSize, errBatchSize))
	}
	if s.Reporter == nil && s.BatchInterval <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, BatchInterval, errBatchInterval))
	}

	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	var err error

	// configure our local endpoint
	ep, err := zipkin.NewEndpoint(s.Servicename, s.LocalHostport)
	if err != nil {
		return err
	}

	// configure our sampler
	salt := time.Now().UnixNano()
	sampler, err := zipkin.NewBoundarySampler(s.SampleRate, salt)
	if err != nil {
		return err
	}

	rep := s.Reporter
	if rep == nil {
		// we create our own reporter
		s.ownsReporter = true
		rep = zrpr.NewReporter(s.Address,
			zrpr.BatchSize(s.BatchSize),
			zrpr.BatchInterval(s.BatchInterval),
		)
	}

	// spans are local operations; no RPC span sharing needed
	s.zipkinTracer, err = zipkin.NewTracer(
		rep,
		zipkin.WithLocalEndpoint(ep),
		zipkin.WithSharedSpans(false),
		zipkin.WithSampler(sampler),
		zipkin.WithTags(map[string]string{observability.VersionTag: version.Parse()}),
	)
	if err != nil {
		if s.ownsReporter {
			// we handle the lifecycle of the reporter internally
			_ = rep.Close() // nolint: errcheck
		}
		return err
	}

	s.Reporter = rep
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
	if s.ownsReporter {
		// we handle the lifecycle of the reporter internally
		_ = s.Reporter.Close() // nolint: errcheck
	}
}

// NewTracer adapts an existing Zipkin tracer.
func NewTracer(tracer *zipkin.Tracer) observability.Tracer {
	return &traceAdapter{delegate: tracer}
}

type traceAdapter struct {
	delegate *zipkin.Tracer
}

type spanContext struct {
	sc model.SpanContext
}

// spanAdapter wraps a zipkin span. start is zero for spans adopted from a
// context, as zipkin does not expose their start time.
type spanAdapter struct {
	delegate zipkin.Span
	start    time.Time
}

// TraceID implements observability.SpanContext
func (c spanContext) TraceID() string {
	return c.sc.TraceID.String()
}

// SpanID implements observability.SpanContext
func (c spanContext) SpanID() string {
	return c.sc.ID.String()
}

// Context implements observability.Span
func (s *spanAdapter) Context() observability.SpanContext {
	return spanContext{s.delegate.Context()}
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) observability.Span {
	s.delegate.SetName(name)
	return s
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key, value string) observability.Span {
	s.delegate.Tag(key, value)
	return s
}

// Log implements observability.Span
func (s *spanAdapter) Log(event string) observability.Span {
	s.delegate.Annotate(time.Now(), event)
	return s
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	s.delegate.Finish()
}

// FinishAt implements observability.Span. Adopted spans are finished now,
// the requested time is recorded as annotation.
func (s *spanAdapter) FinishAt(t time.Time) {
	if s.start.IsZero() {
		s.delegate.Annotate(t, "finish")
		s.delegate.Finish()
		return
	}
	s.delegate.FinishedWithDuration(t.Sub(s.start))
}

// StartSpan implements observability.Tracer
func (t *traceAdapter) StartSpan(name string, parent observability.SpanContext) observability.Span {
	start := time.Now()
	opts := []zipkin.SpanOption{zipkin.StartTime(start)}
	if p, ok := parent.(spanContext); ok {
		opts = append(opts, zipkin.Parent(p.sc))
	}
	return &spanAdapter{delegate: t.delegate.StartSpan(name, opts...), start: start}
}

// SpanFromContext implements observability.Contexter
func (s *Service) SpanFromContext(ctx context.Context) observability.Span {
	span := zipkin.SpanFromContext(ctx)
	if span == nil {
		return nil
	}
	return &spanAdapter{delegate: span}
}

// Tracer implements observability.Tracerer
func (s *Service) Tracer() observability.Tracer {
	return NewTracer(s.zipkinTracer)
}
