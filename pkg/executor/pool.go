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

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/async-tracing/pkg"
)

// flags
const (
	PoolWorkers   = "pool-workers"
	PoolQueueSize = "pool-queue-size"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 256

	errPositive pkg.Error = "expected a positive value"
)

// ErrQueueFull is reported by futures of work a pool worker submitted to its
// own pool while the queue was full. Blocking there could leave no worker to
// drain the queue.
const ErrQueueFull pkg.Error = "executor queue full"

// workerKey marks the context of work run by a pool worker.
type workerKey struct{}

type task struct {
	ctx  context.Context
	work Work
	p    *Promise
}

// Pool is a bounded worker pool Executor managed as a run.Group service.
// Work queued while the pool stops is not run; its Future fails with
// ErrExecutorStopped.
type Pool struct {
	Workers   int
	QueueSize int

	queue    chan task
	stop     chan struct{}
	stopOnce sync.Once
	workers  sync.WaitGroup

	// mtx guards stopped and serializes enqueueing against shutdown.
	mtx     sync.RWMutex
	stopped bool
}

// static compile time interfaces validation
var (
	_ run.Config    = (*Pool)(nil)
	_ run.PreRunner = (*Pool)(nil)
	_ run.Service   = (*Pool)(nil)
	_ Executor      = (*Pool)(nil)
)

// Name implements run.Unit.
func (p *Pool) Name() string {
	return "executor-pool"
}

// FlagSet implements run.Config.
func (p *Pool) FlagSet() *run.FlagSet {
	if p.Workers == 0 {
		p.Workers = defaultWorkers
	}
	if p.QueueSize == 0 {
		p.QueueSize = defaultQueueSize
	}

	flags := run.NewFlagSet("Executor pool options")

	flags.IntVar(&p.Workers, PoolWorkers, p.Workers,
		`Number of goroutines executing submitted work`)
	flags.IntVar(&p.QueueSize, PoolQueueSize, p.QueueSize,
		`Number of submitted units of work buffered before submission blocks`)

	return flags
}

// Validate implements run.Config.
func (p *Pool) Validate() error {
	var mErr error

	if p.Workers <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, PoolWorkers, errPositive))
	}
	if p.QueueSize <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, PoolQueueSize, errPositive))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (p *Pool) PreRun() error {
	p.queue = make(chan task, p.QueueSize)
	p.stop = make(chan struct{})
	return nil
}

// Serve implements run.Service.
func (p *Pool) Serve() error {
	select {
	case <-p.stop:
		return nil
	default:
	}

	p.workers.Add(p.Workers)
	for i := 0; i < p.Workers; i++ {
		go p.work()
	}
	log.WithField("workers", p.Workers).Debug("executor pool started")

	<-p.stop
	return nil
}

func (p *Pool) work() {
	defer p.workers.Done()
	for {
		select {
		case t := <-p.queue:
			Run(context.WithValue(t.ctx, workerKey{}, p), t.work, t.p)
		case <-p.stop:
			return
		}
	}
}

// GracefulStop implements run.Service. Running work is waited for, queued
// work is dropped.
func (p *Pool) GracefulStop() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mtx.Lock()
	p.stopped = true
	p.mtx.Unlock()

	p.workers.Wait()

	var dropped int
	for {
		select {
		case t := <-p.queue:
			t.p.Complete(nil, ErrExecutorStopped)
			dropped++
		default:
			if dropped > 0 {
				log.WithField("dropped", dropped).Warn("executor pool stopped with queued work")
			}
			return
		}
	}
}

// Execute implements Executor. It blocks while the queue is full, except when
// called from work running on this pool: then it fails with ErrQueueFull.
func (p *Pool) Execute(ctx context.Context, work Work) *Future {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	if p.stopped || p.queue == nil {
		return Failed(ErrExecutorStopped)
	}

	t := task{ctx: ctx, work: work, p: NewPromise()}
	if ctx.Value(workerKey{}) == p {
		select {
		case p.queue <- t:
			return t.p.Future()
		default:
			return Failed(ErrQueueFull)
		}
	}
	select {
	case p.queue <- t:
		return t.p.Future()
	case <-p.stop:
		return Failed(ErrExecutorStopped)
	case <-ctx.Done():
		return Failed(ctx.Err())
	}
}
