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

// Package log configures the logrus standard logger used throughout this
// module.
package log

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/async-tracing/pkg"
)

// flags
const (
	Level  = "log-level"
	Format = "log-format"
)

const (
	FormatText = "text"
	FormatJSON = "json"

	defaultLevel = "info"
)

const errFormat pkg.Error = "expected log format text or json"

// Service implements run.Config and run.PreRunner
type Service struct {
	Level  string
	Format string

	level logrus.Level
}

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return "log"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.Level == "" {
		s.Level = defaultLevel
	}
	if s.Format == "" {
		s.Format = FormatText
	}

	flags := run.NewFlagSet("Logging options")

	flags.StringVar(&s.Level, Level, s.Level,
		`Minimum log level, one of panic, fatal, error, warn, info, debug, trace`)
	flags.StringVar(&s.Format, Format, s.Format,
		`Log output format, one of text or json`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	lvl, err := logrus.ParseLevel(s.Level)
	if err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, Level, err))
	}
	s.level = lvl

	switch s.Format {
	case FormatText, FormatJSON:
	default:
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, Format, errFormat))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun() error {
	Configure(logrus.StandardLogger(), s.level, s.Format)
	return nil
}

// Configure sets level and formatter of the provided logger.
func Configure(logger *logrus.Logger, level logrus.Level, format string) {
	if format == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
		})
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
}
