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

// Package http provides a run.Group managed HTTP server hosting the demo
// endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/async-tracing/pkg"
)

const (
	flagListenAddress   = "http-listen-address"
	flagWriteTimeout    = "http-write-timeout"
	flagShutdownTimeout = "http-shutdown-timeout"

	defaultListenAddress   = ":8000"
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	errTimeout pkg.Error = "expected a positive duration"
	errHandler pkg.Error = "no handler attached to http server"
)

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

var log = logrus.WithField("pkg", "http")

// Service implements a run.Group compatible HTTP Server.
type Service struct {
	ListenAddress   string
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	*http.Server
	l net.Listener
}

// Name implements run.Unit.
func (s *Service) Name() string {
	return "http"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.ListenAddress == "" {
		s.ListenAddress = defaultListenAddress
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
	flags := run.NewFlagSet("HTTP server options")

	flags.StringVarP(
		&s.ListenAddress,
		flagListenAddress, "a",
		s.ListenAddress,
		`HTTP server listen address, e.g. ":443" or "localhost:80"`)

	flags.DurationVar(
		&s.WriteTimeout,
		flagWriteTimeout,
		s.WriteTimeout,
		`Maximum duration of a request, fan-out endpoints wait for their works`)

	flags.DurationVar(
		&s.ShutdownTimeout,
		flagShutdownTimeout,
		s.ShutdownTimeout,
		`Time in-flight requests get to finish on shutdown`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if s.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, flagListenAddress, err))
		}
	} else {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagListenAddress, pkg.ErrRequired))
	}
	if s.WriteTimeout <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagWriteTimeout, errTimeout))
	}
	if s.ShutdownTimeout <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagShutdownTimeout, errTimeout))
	}

	return mErr
}

// PreRun implements run.PreRunner. It must run after a handler was attached.
func (s *Service) PreRun() (err error) {
	if s.Server == nil || s.Server.Handler == nil {
		return errHandler
	}
	s.Server.ReadTimeout = 5 * time.Second
	s.Server.WriteTimeout = s.WriteTimeout
	s.Server.IdleTimeout = 120 * time.Second

	s.l, err = net.Listen("tcp", s.ListenAddress)
	return err
}

// Serve implements run.Service.
func (s *Service) Serve() error {
	log.WithField("address", s.l.Addr().String()).Info("http server listening")
	if err := s.Server.Serve(s.l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the address the server listens on once PreRun succeeded.
func (s *Service) Addr() net.Addr {
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()

	if s.Server != nil {
		if err := s.Server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http server shutdown")
		}
	}
	if s.l != nil {
		_ = s.l.Close()
	}
}
