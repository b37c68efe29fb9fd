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

// pkg_test provides unit tests for the `pkg` package. It is intentionally renamed
// to avoid pulling unnecessary dependencies into the project.
package pkg_test

import (
	"errors"
	"fmt"
	"testing"

	hme "github.com/hashicorp/go-multierror"
	ghe "github.com/pkg/errors"
	"github.com/tetratelabs/multierror"

	"github.com/basvanbeek/async-tracing/pkg"
)

const (
	errReleased pkg.Error = "span already released"
	errStopped  pkg.Error = "executor stopped"
)

func TestHasError(t *testing.T) {
	var (
		errCapture  = fmt.Errorf("capture on submit: %w", errReleased)
		errPrepared = ghe.Wrap(errCapture, "prepare ref-count executor")

		validation = multierror.Append(nil,
			fmt.Errorf(pkg.FlagErr, "pool-workers", pkg.ErrRequired), errPrepared)
		sequence = hme.Append(nil, errors.New("work failed"), errPrepared)
		nested   = fmt.Errorf("await fan-out: %w", fmt.Errorf("sequence: %w", validation))
	)

	tests := []struct {
		name     string
		in       error
		target   error
		expected bool
	}{
		{"nil", nil, errReleased, false},
		{"nil-expected", nil, nil, true},
		{"nil-unexpected", errReleased, nil, false},
		{"constant", errReleased, errReleased, true},
		{"wrapped", errCapture, errReleased, true},
		{"pkg-errors-wrapped", errPrepared, errReleased, true},
		{"pkg-errors-intermediate", errPrepared, errCapture, true},
		{"flag-required", validation, pkg.ErrRequired, true},
		{"tetrate-multi", validation, errReleased, true},
		{"hashicorp-multi", sequence, errReleased, true},
		{"wrapped-multi", nested, errReleased, true},
		{"other-constant", errCapture, errStopped, false},
		{"outer-not-in-inner", errCapture, errPrepared, false},
		{"same-text-constant", errReleased, pkg.Error("span already released"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			has := pkg.HasError(tt.in, tt.target)
			if has != tt.expected {
				t.Errorf("expected %t, got %t", tt.expected, has)
			}
		})
	}
}
