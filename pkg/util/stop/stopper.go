// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
)

// ErrUnavailable indicates that the server is quiescing and is unable to
// process new work.
var ErrUnavailable = errors.New("node unavailable; try another peer")

// A Stopper provides control over the lifecycle of goroutines started
// through it via its RunAsyncTask method.
//
// When Stop is invoked, the Stopper first closes the ShouldQuiesce channel,
// refuses new tasks, waits for all outstanding tasks to finish, runs the
// registered closers and finally closes the IsStopped channel.
type Stopper struct {
	quiescer chan struct{}
	stopped  chan struct{}

	tasks sync.WaitGroup

	mu struct {
		syncutil.Mutex
		quiescing bool
		numTasks  int
		cancels   map[int]func()
		idAlloc   int
		closers   []func()
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	s := &Stopper{
		quiescer: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.mu.cancels = map[int]func(){}
	return s
}

// AddCloser adds a function to be run after all tasks have finished while
// the stopper is stopping.
func (s *Stopper) AddCloser(c func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.closers = append(s.mu.closers, c)
}

// WithCancelOnQuiesce returns a child context which is canceled when the
// returned cancel function is called or when the Stopper begins to quiesce,
// whichever happens first.
func (s *Stopper) WithCancelOnQuiesce(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		cancel()
		return ctx, func() {}
	}
	id := s.mu.idAlloc
	s.mu.idAlloc++
	s.mu.cancels[id] = cancel
	return ctx, func() {
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.mu.cancels, id)
	}
}

// RunAsyncTask runs f in a goroutine counted as a task of the stopper.
// The method doesn't block; instead, the error is returned right away if the
// Stopper is quiescing.
func (s *Stopper) RunAsyncTask(
	ctx context.Context, taskName string, f func(context.Context),
) error {
	if !s.runPrelude() {
		return ErrUnavailable
	}
	ctx = logtags.AddTag(ctx, "task", taskName)
	go func() {
		defer s.runPostlude()
		defer s.recover(ctx)
		f(ctx)
	}()
	return nil
}

func (s *Stopper) runPrelude() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		return false
	}
	s.mu.numTasks++
	s.tasks.Add(1)
	return true
}

func (s *Stopper) runPostlude() {
	s.mu.Lock()
	s.mu.numTasks--
	s.mu.Unlock()
	s.tasks.Done()
}

func (s *Stopper) recover(ctx context.Context) {
	if r := recover(); r != nil {
		log.Errorf(ctx, "task panicked: %v", r)
		panic(r)
	}
}

// NumTasks returns the number of active tasks.
func (s *Stopper) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.numTasks
}

// ShouldQuiesce returns a channel which will be closed when Stop() has been
// invoked and outstanding tasks should begin to quiesce.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiescer
}

// IsStopped returns a channel which will be closed after Stop() has been
// invoked to full completion.
func (s *Stopper) IsStopped() <-chan struct{} {
	return s.stopped
}

// Quiesce moves the stopper to state quiescing and waits until all tasks
// complete.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
		for _, cancel := range s.mu.cancels {
			cancel()
		}
	}
	s.mu.Unlock()
	s.tasks.Wait()
}

// Stop signals all live workers to stop and then waits for each to confirm
// it has stopped. It is safe to call Stop multiple times.
func (s *Stopper) Stop(ctx context.Context) {
	s.Quiesce(ctx)

	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	select {
	case <-s.stopped:
		return
	default:
	}
	for _, c := range closers {
		c()
	}
	close(s.stopped)
}
