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

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"

	"github.com/basvanbeek/async-tracing/internal/service"
	"github.com/basvanbeek/async-tracing/pkg/actor"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	pkghttp "github.com/basvanbeek/async-tracing/pkg/http"
	pkglog "github.com/basvanbeek/async-tracing/pkg/log"
	pkgobs "github.com/basvanbeek/async-tracing/pkg/observability"
	pkgopentracing "github.com/basvanbeek/async-tracing/pkg/observability/opentracing"
	pkgotel "github.com/basvanbeek/async-tracing/pkg/observability/otel"
	pkgskywalking "github.com/basvanbeek/async-tracing/pkg/observability/skywalking"
	pkgzipkin "github.com/basvanbeek/async-tracing/pkg/observability/zipkin"
)

const (
	defaultServiceName       = "asyncsvc"
	defaultHTTPListenAddress = ":8000"

	defaultZipkinAddress        = "http://zipkin.istio-system.svc.cluster.local:9411/api/v2/spans"
	defaultSkywalkingOAPAddress = "oap.default.svc.cluster.local:11800"
	defaultOTLPEndpoint         = "otel-collector.default.svc.cluster.local:4317"
	defaultSampleRate           = 1.0
)

func main() {
	// we take the serviceName from an environment variable as we need
	// this information to be available prior to run.Group bootstrap.
	serviceName := os.Getenv("SVCNAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	serviceInstanceName := os.Getenv("HOSTNAME")
	if serviceInstanceName == "" {
		serviceInstanceName = serviceName
	}

	g := run.Group{
		Name:     serviceName,
		HelpText: "HTTP service fanning requests out to traced asynchronous work",
	}

	// init with sensible defaults
	svcObs := &pkgobs.Service{
		ObservabilityInstrumenter: "zipkin",
		Instrumenters: []pkgobs.InstrumenterService{
			&pkgzipkin.Service{
				Servicename: serviceName,
				Address:     defaultZipkinAddress,
				SampleRate:  defaultSampleRate,
			},
			&pkgskywalking.Service{
				Servicename:         serviceName,
				ServiceInstanceName: serviceInstanceName,
				Address:             defaultSkywalkingOAPAddress,
				SampleRate:          defaultSampleRate,
			},
			&pkgopentracing.Service{},
			&pkgotel.Service{
				Exporter:    pkgotel.ExporterOTLP,
				Endpoint:    defaultOTLPEndpoint,
				Servicename: serviceName,
				SampleRate:  defaultSampleRate,
			},
		},
	}

	svcPool := &executor.Pool{}
	svcActors := &actor.System{}
	svcEndpoints := &service.Endpoints{
		ServiceName:  serviceName,
		Instrumenter: svcObs,
		Executor:     svcPool,
		Actors:       svcActors,
	}
	svcHTTP := &pkghttp.Service{
		ListenAddress: defaultHTTPListenAddress,
	}
	g.Register(
		new(signal.Handler),
		new(pkglog.Service),
		svcObs,
		svcPool,
		svcActors,
		svcEndpoints,
		run.NewPreRunner(serviceName, func() error {
			svcHTTP.Server = &http.Server{Handler: svcEndpoints.Handler()}
			return nil
		}),
		svcHTTP,
	)

	if err := g.Run(); err != nil {
		fmt.Printf("%s exit: %v\n", g.Name, err)
		if !errors.Is(err, run.ErrRequestedShutdown) {
			// We had an actual fatal error.
			os.Exit(-1)
		}
	}
}
