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

// Package skywalking adapts a go2sky tracer to the observability.Tracer
// capability. Spans are created as local spans; the parent link travels in the
// Go context go2sky keeps its active span in.
package skywalking

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/SkyAPM/go2sky"
	"github.com/SkyAPM/go2sky/reporter"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

// flags
const (
	ReporterEndpoint         = "skywalking-reporter-endpoint"
	LocalServicename         = "skywalking-local-servicename"
	LocalServiceInstanceName = "skywalking-local-serviceinstancename"
	SampleRate               = "skywalking-sample-rate"
	MaxSendQueue             = "skywalking-max-send-queue"
)

const (
	// default configuration values
	defaultReporterAddr = "oap-skywalking:11800"
	defaultSampleRate   = 1.0
	defaultSendQueue    = 30000

	errSendQueue pkg.Error = "expected a positive send queue size"
)

// Service implements run.GroupService
type Service struct {
	Servicename         string
	ServiceInstanceName string
	Address             string
	SampleRate          float64
	MaxSendQueue        int
	Reporter            go2sky.Reporter

	go2SkyTracer *go2sky.Tracer
	ownsReporter bool
	closer       chan error
	tags         map[string]string
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
	return "skywalking"
}

// GroupName implements run.Namer so the Skywalking local endpoint service name
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

	if s.ServiceInstanceName == "" {
		s.ServiceInstanceName = s.Servicename
	}

	if s.SampleRate < 0 {
		s.SampleRate = 0.0
	} else if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}
	if s.MaxSendQueue == 0 {
		s.MaxSendQueue = defaultSendQueue
	}

	// create our configuration flags
	flags := run.NewFlagSet("Skywalking Tracer Config")

	flags.StringVar(
		&s.Address,
		ReporterEndpoint,
		s.Address,
		`Address (host:port) of the Skywalking OAP gRPC collector`)
	flags.StringVar(
		&s.Servicename,
		LocalServicename,
		s.Servicename,
		`Local ServiceName to report`)
	flags.StringVar(
		&s.ServiceInstanceName,
		LocalServiceInstanceName,
		s.ServiceInstanceName,
		`Local ServiceInstanceName to report`)
	flags.Float64Var(
		&s.SampleRate,
		SampleRate,
		s.SampleRate,
		`Set the Skywalking sample rate, between never (0.0) and always (1.0), `+
			`smallest increment: 0.01`)
	flags.IntVar(
		&s.MaxSendQueue,
		MaxSendQueue,
		s.MaxSendQueue,
		`Maximum number of finished segments buffered for the collector`)

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
	if s.ServiceInstanceName == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, LocalServiceInstanceName, pkg.ErrRequired))
	}
	if s.Reporter == nil && s.MaxSendQueue <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, MaxSendQueue, errSendQueue))
	}

	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	var err error

	// configure our sampler
	sampler := go2sky.NewRandomSampler(s.SampleRate)

	rep := s.Reporter
	if rep == nil {
		// we create our own reporter
		s.ownsReporter = true
		if rep, err = reporter.NewGRPCReporter(s.Address,
			reporter.WithCheckInterval(0),
			reporter.WithMaxSendQueueSize(s.MaxSendQueue),
		); err != nil {
			return err
		}
	}

	// create our tracer
	s.go2SkyTracer, err = go2sky.NewTracer(s.Servicename,
		go2sky.WithInstance(s.ServiceInstanceName),
		go2sky.WithReporter(rep),
		go2sky.WithCustomSampler(sampler),
	)

	if err != nil {
		if s.ownsReporter {
			// we handle the lifecycle of the reporter internally
			rep.Close()
		}
		return err
	}

	s.Reporter = rep
	s.closer = make(chan error)
	s.tags = map[string]string{observability.VersionTag: version.Parse()}

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
		s.Reporter.Close()
	}
}

// NewTracer adapts an existing go2sky tracer. The provided tags are set on
// every span it starts.
func NewTracer(tracer *go2sky.Tracer, tags map[string]string) observability.Tracer {
	return &traceAdapter{delegate: tracer, tags: tags}
}

type traceAdapter struct {
	delegate *go2sky.Tracer
	tags     map[string]string
}

type spanContext struct {
	ctx context.Context
}

type spanAdapter struct {
	delegate go2sky.Span
	ctx      context.Context
}

// TraceID implements observability.SpanContext
func (c spanContext) TraceID() string {
	return go2sky.TraceID(c.ctx)
}

// SpanID implements observability.SpanContext. Skywalking span ids are only
// unique within their segment.
func (c spanContext) SpanID() string {
	return go2sky.TraceSegmentID(c.ctx) + "." + strconv.Itoa(int(go2sky.SpanID(c.ctx)))
}

// Context implements observability.Span
func (s *spanAdapter) Context() observability.SpanContext {
	return spanContext{s.ctx}
}

// SetName implements observability.Span
func (s *spanAdapter) SetName(name string) observability.Span {
	s.delegate.SetOperationName(name)
	return s
}

// Tag implements observability.Span
func (s *spanAdapter) Tag(key, value string) observability.Span {
	s.delegate.Tag(go2sky.Tag(key), value)
	return s
}

// Log implements observability.Span
func (s *spanAdapter) Log(event string) observability.Span {
	s.delegate.Log(time.Now(), event)
	return s
}

// Finish implements observability.Span
func (s *spanAdapter) Finish() {
	s.delegate.End()
}

// FinishAt implements observability.Span. go2sky stamps the end time itself,
// the requested time is recorded as log entry.
func (s *spanAdapter) FinishAt(t time.Time) {
	s.delegate.Log(t, "finish")
	s.delegate.End()
}

// StartSpan implements observability.Tracer
func (t *traceAdapter) StartSpan(name string, parent observability.SpanContext) observability.Span {
	ctx := context.Background()
	if p, ok := parent.(spanContext); ok {
		ctx = p.ctx
	}
	span, ctx, err := t.delegate.CreateLocalSpan(ctx, go2sky.WithOperationName(name))
	if err != nil {
		logrus.WithField("pkg", "skywalking").WithError(err).
			Warn("unable to create local span")
		return observability.NoopTracer{}.StartSpan(name, parent)
	}
	for k, v := range t.tags {
		span.Tag(go2sky.Tag(k), v)
	}
	return &spanAdapter{span, ctx}
}

// SpanFromContext implements observability.Contexter
func (s Service) SpanFromContext(ctx context.Context) observability.Span {
	span := go2sky.ActiveSpan(ctx)
	if span == nil {
		return nil
	}
	return &spanAdapter{span, ctx}
}

// Tracer implements observability.Tracerer
func (s *Service) Tracer() observability.Tracer {
	return NewTracer(s.go2SkyTracer, s.tags)
}
