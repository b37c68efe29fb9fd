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

// Package pkg holds the error primitives shared by all packages of this
// module.
package pkg

import (
	"errors"

	hme "github.com/hashicorp/go-multierror"
	"github.com/tetratelabs/multierror"
)

// FlagErr is the format used to report an invalid configuration flag.
const FlagErr = "config error with flag %s: %w"

// ErrRequired is returned when a mandatory flag or collaborator is missing.
const ErrRequired Error = "required"

// Error is a constant error type.
type Error string

// Error implements error.
func (e Error) Error() string {
	return string(e)
}

// HasError reports whether target can be found in the error chain of err,
// descending into multierror lists of both the tetratelabs and hashicorp
// flavor. A nil target only matches a nil err.
func HasError(err, target error) bool {
	if target == nil {
		return err == nil
	}
	for err != nil {
		if errors.Is(err, target) {
			return true
		}
		var list []error
		switch m := err.(type) {
		case *multierror.Error:
			list = m.Errors
		case *hme.Error:
			list = m.Errors
		}
		for _, e := range list {
			if HasError(e, target) {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}
