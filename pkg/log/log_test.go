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

package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/basvanbeek/async-tracing/pkg"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
		fail   bool
		target error
	}{
		{"defaults", "info", FormatText, false, nil},
		{"json-debug", "debug", FormatJSON, false, nil},
		{"bad-format", "info", "xml", true, errFormat},
		{"bad-level", "loud", FormatText, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Service{Level: tt.level, Format: tt.format}
			err := s.Validate()
			if !tt.fail {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.target != nil {
				require.True(t, pkg.HasError(err, tt.target))
			}
		})
	}
}

func TestConfigure(t *testing.T) {
	logger := logrus.New()
	Configure(logger, logrus.WarnLevel, FormatJSON)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Info("dropped")
	logger.Warn("kept")

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), `"msg":"kept"`)
}
