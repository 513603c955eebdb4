// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package scheduler provides a bounded pool of workers which invokes
// registered callbacks on demand. Clients that would otherwise park a
// goroutine per unit of background work (for example one per collection
// being cleaned up) register a callback and enqueue events for it; many
// clients then interleave on a fixed number of workers.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
)

// EventType is a mask of pending events for a client. All event types that
// were enqueued between two callback invocations are coalesced into a single
// value.
type EventType int

const (
	// Queued is an internal event type indicating that the client already
	// has pending work and is scheduled for execution. It is never passed to
	// callbacks.
	Queued EventType = 1 << iota
	// Stopped indicates that no more events will be delivered to the client.
	// Once it is enqueued, all subsequent events are dropped. The client
	// should perform its cleanup when it receives this event.
	Stopped
	// Work is a generic "there is something to do" event.
	Work
	// numEventTypes is the total number of event types.
	numEventTypes int = iota
)

var eventNames = map[EventType]string{
	Queued:  "Queued",
	Stopped: "Stopped",
	Work:    "Work",
}

func (e EventType) String() string {
	var evts []string
	for i := 0; i < numEventTypes; i++ {
		if eventType := EventType(1 << i); eventType&e != 0 {
			evts = append(evts, eventNames[eventType])
		}
	}
	return strings.Join(evts, " | ")
}

// ErrStopping is returned when registering with a scheduler that is shutting
// down.
var ErrStopping = errors.New("scheduler stopping")

// Callback performs work on behalf of a client. The event is a combination
// of all event types enqueued since the last invocation.
//
// If the client did not process everything, it returns the remaining event
// types and is re-enqueued behind all other waiting clients. This lets a
// client throttle itself without blocking others.
type Callback func(ctx context.Context, event EventType) (remaining EventType)

// Config contains configurable scheduler parameters.
type Config struct {
	// Name is used to label worker tasks.
	Name string
	// Workers is the number of pool workers.
	Workers int
}

// Scheduler runs registered callbacks on a pool of workers. Each client is
// represented by a unique id and a callback.
type Scheduler struct {
	Config

	mu struct {
		syncutil.Mutex
		nextID int64
		procs  map[int64]Callback
		status map[int64]EventType
		queue  idQueue
		// No more new registrations allowed. Workers are winding down.
		quiescing bool
	}
	cond *sync.Cond
	wg   sync.WaitGroup
}

// New instantiates an idle scheduler. It needs to be started to become
// operational.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Name == "" {
		cfg.Name = "scheduler"
	}
	s := &Scheduler{Config: cfg}
	s.mu.procs = make(map[int64]Callback)
	s.mu.status = make(map[int64]EventType)
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the scheduler workers as stopper tasks. The scheduler stops
// itself when the stopper quiesces.
func (s *Scheduler) Start(ctx context.Context, stopper *stop.Stopper) error {
	for i := 0; i < s.Workers; i++ {
		s.wg.Add(1)
		workerID := i
		if err := stopper.RunAsyncTask(ctx, fmt.Sprintf("%s-worker-%d", s.Name, workerID),
			func(ctx context.Context) {
				defer s.wg.Done()
				log.VEventf(ctx, 3, "%d scheduler worker started", workerID)
				s.processEvents(ctx)
				log.VEventf(ctx, 3, "%d scheduler worker finished", workerID)
			}); err != nil {
			s.wg.Done()
			s.Stop(ctx)
			return err
		}
	}
	if err := stopper.RunAsyncTask(ctx, s.Name+"-terminate",
		func(ctx context.Context) {
			<-stopper.ShouldQuiesce()
			log.VEventf(ctx, 2, "scheduler quiescing")
			s.Stop(ctx)
		}); err != nil {
		s.Stop(ctx)
		return err
	}
	return nil
}

// Register a callback to be able to schedule work. Returns the allocated id
// which should be used to send notifications to the callback.
func (s *Scheduler) Register(f Callback) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		return 0, ErrStopping
	}
	s.mu.nextID++
	id := s.mu.nextID
	s.mu.procs[id] = f
	return id, nil
}

// Enqueue an event for an existing callback. Events for unknown or stopped
// ids are dropped.
func (s *Scheduler) Enqueue(id int64, evt EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mu.procs[id]; !ok {
		return
	}
	if newWork := s.enqueueInternalLocked(id, evt); newWork {
		// Wake up a potentially waiting worker.
		s.cond.Signal()
	}
}

func (s *Scheduler) enqueueInternalLocked(id int64, evt EventType) bool {
	pending := s.mu.status[id]
	if pending&Stopped != 0 {
		return false
	}
	if pending == 0 {
		// Enqueue if the client was idle.
		s.mu.queue.pushBack(id)
	}
	if update := pending | evt | Queued; update != pending {
		s.mu.status[id] = update
	}
	return pending == 0
}

// StopClient instructs a client to stop gracefully by sending it the Stopped
// event.
func (s *Scheduler) StopClient(id int64) {
	s.Enqueue(id, Stopped)
}

// Unregister removes a callback and its status from the scheduler. If the
// callback is currently running it finishes. The callback won't receive a
// Stopped event unless one was explicitly sent.
func (s *Scheduler) Unregister(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.procs, id)
	delete(s.mu.status, id)
}

// NumClients returns the number of registered callbacks.
func (s *Scheduler) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.procs)
}

// processEvents is the main worker loop. It runs until the scheduler is
// stopped.
func (s *Scheduler) processEvents(ctx context.Context) {
	for {
		var id int64
		s.mu.Lock()
		for {
			if s.mu.quiescing {
				s.mu.Unlock()
				return
			}
			var ok bool
			if id, ok = s.mu.queue.popFront(); ok {
				break
			}
			s.cond.Wait()
		}

		cb, registered := s.mu.procs[id]
		e := s.mu.status[id]
		if !registered {
			// Unregistered while queued.
			s.mu.Unlock()
			continue
		}
		// Keep Queued status and preserve Stopped to block any more events.
		s.mu.status[id] = Queued | (e & Stopped)
		s.mu.Unlock()

		evt := Queued ^ e
		remaining := cb(ctx, evt)

		if e&Stopped != 0 {
			if remaining != 0 {
				log.VEventf(ctx, 5, "scheduler client %d didn't process all events on close", id)
			}
			// Keep the Stopped state to avoid calling the stopped client again
			// on scheduler shutdown.
			s.mu.Lock()
			if _, ok := s.mu.status[id]; ok {
				s.mu.status[id] = Stopped
			}
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		pendingStatus, ok := s.mu.status[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		newStatus := pendingStatus | remaining
		if newStatus == Queued {
			// No events arrived, get rid of the id.
			delete(s.mu.status, id)
		} else {
			// More events arrived during processing, or the client asked to be
			// rescheduled.
			s.mu.queue.pushBack(id)
			if newStatus != pendingStatus {
				s.mu.status[id] = newStatus
			}
		}
		s.mu.Unlock()
	}
}

// Stop terminates the workers and synchronously delivers Stopped to every
// client that has not seen it yet. It is safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.mu.quiescing = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()

	s.mu.Lock()
	for id, p := range s.mu.procs {
		pending := s.mu.status[id]
		// Ignore clients that already processed their stopped event.
		if pending == Stopped {
			continue
		}
		s.mu.status[id] = Stopped
		pending = (^Queued & pending) | Stopped
		s.mu.Unlock()
		p(ctx, pending)
		s.mu.Lock()
	}
	s.mu.Unlock()
}

// idQueue is a FIFO of pending client ids.
type idQueue struct {
	ids  []int64
	read int
}

func (q *idQueue) pushBack(id int64) {
	if q.read > 0 && q.read*2 >= len(q.ids) {
		n := copy(q.ids, q.ids[q.read:])
		q.ids, q.read = q.ids[:n], 0
	}
	q.ids = append(q.ids, id)
}

func (q *idQueue) popFront() (int64, bool) {
	if q.read == len(q.ids) {
		return 0, false
	}
	id := q.ids[q.read]
	q.read++
	return id, true
}

// Len returns the number of queued ids.
func (q *idQueue) Len() int {
	return len(q.ids) - q.read
}
