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

// Package actor provides a minimal actor system: named actors process
// messages from their mailbox one at a time and reply to asks through an
// executor.Future.
package actor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/async-tracing/pkg"
	"github.com/basvanbeek/async-tracing/pkg/executor"
	"github.com/basvanbeek/async-tracing/pkg/observability"
)

const (
	actorMailboxSize = "actor-mailbox-size"
	actorAskTimeout  = "actor-ask-timeout"
)

const (
	// ErrStopped is reported by asks to an actor of a stopped system.
	ErrStopped pkg.Error = "actor system stopped"
	// ErrAskTimeout is reported when an actor did not reply in time.
	ErrAskTimeout pkg.Error = "ask timed out"
	// ErrMailboxFull is reported when an actor's mailbox has no room left.
	ErrMailboxFull pkg.Error = "actor mailbox full"
	// ErrDuplicateName is returned when spawning an actor with a name in use.
	ErrDuplicateName pkg.Error = "actor name already in use"

	errPositive pkg.Error = "must be a positive value"
)

// Path prefix of actors spawned by a System.
const userGuardian = "user"

var log = logrus.WithField("pkg", "actor")

// Ref addresses an actor.
type Ref interface {
	// Path returns the slash separated path of the actor.
	Path() string
	// Ask sends msg to the actor. The returned Future completes with the
	// reply of the actor.
	Ask(ctx context.Context, msg interface{}) *executor.Future
}

// Handler processes a single message and returns the reply.
type Handler func(ctx context.Context, msg interface{}) (interface{}, error)

// System runs the actors spawned on it.
type System struct {
	MailboxSize int
	AskTimeout  time.Duration

	mtx     sync.Mutex
	actors  map[string]*actor
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

var (
	_ run.Config    = (*System)(nil)
	_ run.PreRunner = (*System)(nil)
	_ run.Service   = (*System)(nil)
)

// Name implements run.Unit.
func (s *System) Name() string {
	return "actor-system"
}

// FlagSet implements run.Config.
func (s *System) FlagSet() *run.FlagSet {
	if s.MailboxSize == 0 {
		s.MailboxSize = 64
	}
	if s.AskTimeout == 0 {
		s.AskTimeout = 5 * time.Second
	}

	flags := run.NewFlagSet("Actor system options")

	flags.IntVar(
		&s.MailboxSize,
		actorMailboxSize,
		s.MailboxSize,
		"number of messages an actor buffers before asks fail")

	flags.DurationVar(
		&s.AskTimeout,
		actorAskTimeout,
		s.AskTimeout,
		"time an actor has to reply to an ask")

	return flags
}

// Validate implements run.Config.
func (s *System) Validate() error {
	var mErr error

	if s.MailboxSize < 1 {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, actorMailboxSize, errPositive))
	}
	if s.AskTimeout <= 0 {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, actorAskTimeout, errPositive))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *System) PreRun() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.MailboxSize < 1 {
		s.MailboxSize = 64
	}
	if s.AskTimeout <= 0 {
		s.AskTimeout = 5 * time.Second
	}
	s.actors = make(map[string]*actor)
	s.stop = make(chan struct{})
	return nil
}

// Serve implements run.Service.
func (s *System) Serve() error {
	<-s.stop
	return nil
}

// GracefulStop implements run.Service. Messages still in a mailbox are
// failed with ErrStopped.
func (s *System) GracefulStop() {
	s.mtx.Lock()
	if s.stopped {
		s.mtx.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mtx.Unlock()

	s.wg.Wait()
}

// Spawn starts an actor that handles its messages with h.
func (s *System) Spawn(name string, h Handler) (Ref, error) {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid actor name %q", name)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.stopped || s.stop == nil {
		return nil, ErrStopped
	}
	if _, ok := s.actors[name]; ok {
		return nil, ErrDuplicateName
	}

	a := &actor{
		system:  s,
		path:    userGuardian + "/" + name,
		handler: h,
		mailbox: make(chan envelope, s.MailboxSize),
	}
	s.actors[name] = a
	s.wg.Add(1)
	go a.receive()

	log.WithField("path", a.path).Debug("actor spawned")
	return a, nil
}

type envelope struct {
	ctx     context.Context
	msg     interface{}
	promise *executor.Promise
}

type actor struct {
	system  *System
	path    string
	handler Handler
	mailbox chan envelope
}

func (a *actor) Path() string {
	return a.path
}

func (a *actor) Ask(ctx context.Context, msg interface{}) *executor.Future {
	p := executor.NewPromise()
	select {
	case <-a.system.stop:
		return executor.Failed(ErrStopped)
	default:
	}

	timer := time.AfterFunc(a.system.AskTimeout, func() {
		p.Complete(nil, ErrAskTimeout)
	})
	select {
	case a.mailbox <- envelope{ctx: ctx, msg: msg, promise: p}:
	default:
		timer.Stop()
		return executor.Failed(ErrMailboxFull)
	}

	f := p.Future()
	f.OnComplete(ctx, executor.Inline, func(context.Context, interface{}, error) {
		timer.Stop()
	})
	return f
}

func (a *actor) receive() {
	defer a.system.wg.Done()
	for {
		select {
		case env := <-a.mailbox:
			a.handle(env)
		case <-a.system.stop:
			for {
				select {
				case env := <-a.mailbox:
					env.promise.Complete(nil, ErrStopped)
				default:
					return
				}
			}
		}
	}
}

func (a *actor) handle(env envelope) {
	select {
	case <-env.promise.Future().Done():
		// timed out while queued
		return
	default:
	}
	// the actor processes the message in a task of its own
	ctx := observability.WithActiveContext(env.ctx, nil)
	executor.Run(ctx, func(ctx context.Context) (interface{}, error) {
		return a.handler(ctx, env.msg)
	}, env.promise)
}
