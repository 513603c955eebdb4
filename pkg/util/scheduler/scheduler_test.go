// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/datamotion/pkg/util/leaktest"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/stretchr/testify/require"
)

type consumer struct {
	c          chan EventType
	reschedule atomic.Int32
	sched      *Scheduler
	id         int64
}

func registerConsumer(t *testing.T, s *Scheduler) *consumer {
	t.Helper()
	c := &consumer{c: make(chan EventType, 1000), sched: s}
	id, err := s.Register(c.process)
	require.NoError(t, err)
	c.id = id
	return c
}

func (c *consumer) process(_ context.Context, ev EventType) EventType {
	c.c <- ev
	if ev&Stopped != 0 {
		c.sched.Unregister(c.id)
		return 0
	}
	if c.reschedule.Add(-1) >= 0 {
		return Work
	}
	return 0
}

func (c *consumer) next(t *testing.T) EventType {
	t.Helper()
	select {
	case ev := <-c.c:
		return ev
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for event")
		return 0
	}
}

func startScheduler(t *testing.T, workers int) (*Scheduler, *stop.Stopper) {
	stopper := stop.NewStopper()
	s := New(Config{Name: "test", Workers: workers})
	require.NoError(t, s.Start(context.Background(), stopper))
	return s, stopper
}

func TestSchedulerDeliversEvents(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s, stopper := startScheduler(t, 2)
	defer stopper.Stop(context.Background())

	c := registerConsumer(t, s)
	s.Enqueue(c.id, Work)
	require.Equal(t, Work, c.next(t))
	require.Equal(t, 1, s.NumClients())

	// Events for unknown ids are dropped.
	s.Enqueue(c.id+100, Work)
}

func TestSchedulerReschedule(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s, stopper := startScheduler(t, 1)
	defer stopper.Stop(context.Background())

	c := registerConsumer(t, s)
	c.reschedule.Store(3)
	s.Enqueue(c.id, Work)
	for i := 0; i < 4; i++ {
		require.Equal(t, Work, c.next(t))
	}
	select {
	case ev := <-c.c:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSchedulerStopClient(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s, stopper := startScheduler(t, 1)
	defer stopper.Stop(context.Background())

	c := registerConsumer(t, s)
	s.StopClient(c.id)
	require.NotZero(t, c.next(t)&Stopped)
	require.Eventually(t, func() bool { return s.NumClients() == 0 }, 10*time.Second, time.Millisecond)

	// Enqueueing after unregistration is a no-op.
	s.Enqueue(c.id, Work)
}

func TestSchedulerStopNotifiesClients(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s, stopper := startScheduler(t, 1)
	c := registerConsumer(t, s)
	stopper.Stop(context.Background())

	require.NotZero(t, c.next(t)&Stopped)
	_, err := s.Register(c.process)
	require.ErrorIs(t, err, ErrStopping)
	// Stopping again does not re-deliver Stopped.
	s.Stop(context.Background())
	require.Len(t, c.c, 0)
}

func TestEventTypeString(t *testing.T) {
	require.Equal(t, "Queued | Work", (Queued | Work).String())
	require.Equal(t, "Stopped", Stopped.String())
}

func TestIDQueue(t *testing.T) {
	var q idQueue
	for i := int64(1); i <= 10; i++ {
		q.pushBack(i)
	}
	for i := int64(1); i <= 6; i++ {
		id, ok := q.popFront()
		require.True(t, ok)
		require.Equal(t, i, id)
	}
	q.pushBack(11)
	require.Equal(t, 5, q.Len())
	for i := int64(7); i <= 11; i++ {
		id, ok := q.popFront()
		require.True(t, ok)
		require.Equal(t, i, id)
	}
	_, ok := q.popFront()
	require.False(t, ok)
}
