// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted is returned when a loop is started more than once.
	ErrAlreadyStarted = errors.New("event loop already started")
	// ErrNotStarted is returned when work is submitted to a loop that was
	// never started.
	ErrNotStarted = errors.New("event loop not started")
	// ErrStopped is returned when work is submitted to a stopped loop.
	ErrStopped = errors.New("event loop stopped")
)

//nolint:gochecknoglobals
var process registry

// registry holds a single shared loop. The loop is only published once it
// is running, so any loop returned by current accepts tasks.
type registry struct {
	mu   sync.Mutex
	loop atomic.Pointer[Loop]
}

func (r *registry) start(ctx context.Context, options ...Option) (*Loop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loop.Load() != nil {
		return nil, ErrAlreadyStarted
	}
	loop := New(options...)
	if err := loop.Start(ctx); err != nil {
		return nil, err
	}
	r.loop.Store(loop)
	return loop, nil
}

func (r *registry) current() *Loop {
	return r.loop.Load()
}

// Start creates and starts the process-wide loop. It returns
// ErrAlreadyStarted if it has been called before.
func Start(ctx context.Context, options ...Option) (*Loop, error) {
	return process.start(ctx, options...)
}

// Current returns the process-wide loop, or nil if Start has not been
// called.
func Current() *Loop {
	return process.current()
}

// Option customizes a Loop.
type Option interface {
	apply(*Loop)
}

type optionFunc func(*Loop)

func (f optionFunc) apply(l *Loop) {
	f(l)
}

// WithLogger configures the logger used to report tasks that panic.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(l *Loop) {
		l.logger = logger
	})
}

// Loop schedules tasks submitted from arbitrary goroutines.
type Loop struct {
	logger  *zap.Logger
	tasks   chan func()
	exited  chan struct{}
	started atomic.Bool
	pending atomic.Int64
	wg      sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	cancel context.CancelFunc
}

// New returns a loop that has not been started.
func New(options ...Option) *Loop {
	loop := &Loop{
		logger: zap.NewNop(),
		tasks:  make(chan func()),
		exited: make(chan struct{}),
	}
	for _, opt := range options {
		opt.apply(loop)
	}
	return loop
}

// Start spawns the dispatcher goroutine. The loop runs until ctx is done or
// Stop is called. A second call returns ErrAlreadyStarted.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.started.Store(true)
	go l.run(ctx)
	return nil
}

// Go submits fn to the loop. It returns once the dispatcher has accepted
// the task, without waiting for it to complete. The given ctx is passed to
// fn; if ctx is done before the task is accepted, its error is returned and
// fn never runs.
func (l *Loop) Go(ctx context.Context, fn func(context.Context)) error {
	if !l.started.Load() {
		return ErrNotStarted
	}
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("event loop task panicked", zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}
	l.pending.Add(1)
	select {
	case l.tasks <- task:
		return nil
	case <-l.exited:
		l.pending.Add(-1)
		return ErrStopped
	case <-ctx.Done():
		l.pending.Add(-1)
		return ctx.Err()
	}
}

// Pending returns the number of tasks that have been accepted but have not
// completed yet.
func (l *Loop) Pending() int {
	return int(l.pending.Load())
}

// Stop stops accepting tasks and waits for in-flight ones to complete.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-l.exited
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-l.tasks:
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.pending.Add(-1)
				task()
			}()
		}
	}
}

// Call runs fn on the loop and blocks until it returns or ctx is done.
//
// If ctx is done first, Call returns ctx's error while fn keeps running in
// the background; when it eventually succeeds, release (if non-nil) is
// applied to the abandoned value so that it can free its resources.
func Call[T any](ctx context.Context, loop *Loop, fn func(context.Context) (T, error), release func(T)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	var zero T
	if loop == nil {
		return zero, ErrNotStarted
	}
	results := make(chan outcome, 1)
	err := loop.Go(ctx, func(ctx context.Context) {
		var res outcome
		defer func() {
			if r := recover(); r != nil {
				res = outcome{err: fmt.Errorf("event loop task panicked: %v", r)}
			}
			results <- res
		}()
		res.val, res.err = fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	select {
	case res := <-results:
		return res.val, res.err
	case <-ctx.Done():
	}
	// prefer a result that raced with cancellation
	select {
	case res := <-results:
		return res.val, res.err
	default:
	}
	go func() {
		res := <-results
		if res.err == nil && release != nil {
			release(res.val)
		}
	}()
	return zero, ctx.Err()
}
