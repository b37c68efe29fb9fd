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

package tracing

import (
	"context"

	"github.com/pkg/errors"

	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

// RefCountExecutor shares the active span with the work it runs. Prepare
// captures the active observability.RefCountSpan; the reference is released
// when the work completes, so the span finishes after the submitter and all
// work holding it are done.
type RefCountExecutor struct {
	exec   executor.Executor
	strict bool
}

var (
	_ executor.Executor = (*RefCountExecutor)(nil)
	_ executor.Preparer = (*RefCountExecutor)(nil)
)

// NewRefCountExecutor wraps e.
func NewRefCountExecutor(e executor.Executor, opts ...Option) (*RefCountExecutor, error) {
	o, err := newOptions(e, opts)
	if err != nil {
		return nil, err
	}
	return &RefCountExecutor{exec: e, strict: o.strict}, nil
}

// Prepare implements executor.Preparer. A span that was finalized already
// can not be captured; the work then runs untraced and the returned error
// wraps observability.ErrSpanReleased.
func (r *RefCountExecutor) Prepare(ctx context.Context) (executor.Executor, error) {
	span := observability.SpanFromContext(ctx)
	if span == nil {
		return passThrough{r.exec}, nil
	}

	c, ok := span.(observability.Capturer)
	if !ok {
		if r.strict {
			return passThrough{r.exec}, ErrNotRefCounted
		}
		log.WithField("traceID", span.Context().TraceID()).
			Debug("active span is not ref-counted, handing it off")
		return newDeferredCapture(r.exec, span, false), nil
	}

	if err := c.Capture(); err != nil {
		return passThrough{r.exec}, errors.Wrap(err, "capture active span")
	}
	return newDeferredCapture(r.exec, span, true), nil
}

// Execute implements executor.Executor. Work executed without Prepare runs
// without an active span.
func (r *RefCountExecutor) Execute(ctx context.Context, work executor.Work) *executor.Future {
	return passThrough{r.exec}.Execute(ctx, work)
}
