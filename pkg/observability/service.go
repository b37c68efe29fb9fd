package observability

import (
	"context"
	"fmt"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/async-tracing/pkg"
)

const (
	ObservabilityInstrumenter = "observability-instrumenter"
	ZipkinInstrumenter        = "zipkin"
	SkywalkingInstrumenter    = "skywalking"
	OpenTracingInstrumenter   = "opentracing"
	OTelInstrumenter          = "otel"

	VersionTag = "version"
)

// Tracerer is an extension interface that observability Services can implement
// to provide tracing functionalities.
type Tracerer interface {
	Tracer() Tracer
}

// Instrumenter is an interface a concrete tracing provider needs to implement.
type Instrumenter interface {
	Tracerer
	Contexter
}

// InstrumenterService is an interface a concrete service tracing provider needs to implement.
type InstrumenterService interface {
	Instrumenter
	run.Config
	run.PreRunner
	run.Service
}

// Service implements run.GroupService. It selects one of the registered
// Instrumenters by flag and installs its Tracer as the global Tracer.
type Service struct {
	ObservabilityInstrumenter string
	Instrumenters             []InstrumenterService

	delegate InstrumenterService
}

// static compile time run interfaces validation
var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
	_ Instrumenter  = (*Service)(nil)
)

func supportedInstrumenters() []string {
	return []string{ZipkinInstrumenter, SkywalkingInstrumenter, OpenTracingInstrumenter, OTelInstrumenter}
}

// Name implements run.Unit.
func (s *Service) Name() string {
	if s.delegate == nil {
		return "observability-instrumenter"
	}
	return fmt.Sprintf("observability-instrumenter[%s]", s.delegate.Name())
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	// create our configuration flags
	flags := run.NewFlagSet("Observability instrumenter config")

	flags.StringVar(
		&s.ObservabilityInstrumenter,
		ObservabilityInstrumenter,
		s.ObservabilityInstrumenter,
		fmt.Sprintf(`Name of the instrumenter to use, one of %v`, supportedInstrumenters()))

	for _, instrumenter := range s.Instrumenters {
		flags.AddFlagSet(instrumenter.FlagSet().FlagSet)
	}
	return flags
}

// Validate implements run.Config
func (s *Service) Validate() error {
	var mErr error

	var foundSupportedInstrumenter bool
	for _, name := range supportedInstrumenters() {
		if name == s.ObservabilityInstrumenter {
			foundSupportedInstrumenter = true
			break
		}
	}

	if !foundSupportedInstrumenter {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, ObservabilityInstrumenter, fmt.Errorf("instrumenter must be one of %v", supportedInstrumenters())))
	}

	if selected := s.selected(); selected == nil {
		mErr = multierror.Append(mErr, fmt.Errorf("instrumenter %s not provided", s.ObservabilityInstrumenter))
	} else if err := selected.Validate(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr
}

func (s *Service) selected() InstrumenterService {
	for _, instrumenter := range s.Instrumenters {
		if instrumenter.Name() == s.ObservabilityInstrumenter {
			return instrumenter
		}
	}
	return nil
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	s.delegate = s.selected()
	if s.delegate == nil {
		return fmt.Errorf("instrumenter %s not provided", s.ObservabilityInstrumenter)
	}
	if err := s.delegate.PreRun(); err != nil {
		return err
	}
	SetGlobalTracer(s.delegate.Tracer())
	return nil
}

// Serve implements run.GroupService
func (s *Service) Serve() error {
	return s.delegate.Serve()
}

// GracefulStop implements run.GroupService
func (s *Service) GracefulStop() {
	SetGlobalTracer(nil)
	s.delegate.GracefulStop()
}

// Tracer implements observability.Tracerer
func (s *Service) Tracer() Tracer {
	return s.delegate.Tracer()
}

// SpanFromContext implements observability.Contexter
func (s *Service) SpanFromContext(ctx context.Context) Span {
	return s.delegate.SpanFromContext(ctx)
}
