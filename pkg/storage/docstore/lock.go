// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"context"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
)

// LockMode is the mode a collection is locked in.
type LockMode int

// Lock modes, from weakest to strongest.
const (
	_ LockMode = iota
	// ModeIS is intent-shared: the holder reads documents.
	ModeIS
	// ModeIX is intent-exclusive: the holder reads and writes documents.
	ModeIX
	// ModeS is shared: the holder reads the collection as a whole.
	ModeS
	// ModeX is exclusive: the holder changes the catalog or the sharding
	// state of the collection.
	ModeX
	numLockModes
)

func (m LockMode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeX:
		return "X"
	default:
		return "unknown"
	}
}

// compatible[a][b] reports whether locks in modes a and b can be held at
// the same time.
var compatible = [numLockModes][numLockModes]bool{
	ModeIS: {ModeIS: true, ModeIX: true, ModeS: true},
	ModeIX: {ModeIS: true, ModeIX: true},
	ModeS:  {ModeIS: true, ModeS: true},
	ModeX:  {},
}

// Compatible returns whether locks in modes m and o can be held at the
// same time.
func (m LockMode) Compatible(o LockMode) bool {
	return compatible[m][o]
}

type lockState struct {
	held [numLockModes]int
	// released is closed and replaced whenever a lock is released.
	released chan struct{}
}

func (s *lockState) grantable(mode LockMode) bool {
	for m := ModeIS; m < numLockModes; m++ {
		if s.held[m] > 0 && !mode.Compatible(m) {
			return false
		}
	}
	return true
}

func (s *lockState) idle() bool {
	return s.held == [numLockModes]int{}
}

// lockManager hands out collection locks. Waiters are woken on every
// release and retry; there is no queueing between waiters.
type lockManager struct {
	mu struct {
		syncutil.Mutex
		colls map[docpb.Namespace]*lockState
	}
}

func newLockManager() *lockManager {
	lm := &lockManager{}
	lm.mu.colls = make(map[docpb.Namespace]*lockState)
	return lm
}

func (lm *lockManager) acquire(ctx context.Context, ns docpb.Namespace, mode LockMode) error {
	if mode <= 0 || mode >= numLockModes {
		return errors.AssertionFailedf("invalid lock mode %d", mode)
	}
	for {
		lm.mu.Lock()
		s, ok := lm.mu.colls[ns]
		if !ok {
			s = &lockState{released: make(chan struct{})}
			lm.mu.colls[ns] = s
		}
		if s.grantable(mode) {
			s.held[mode]++
			lm.mu.Unlock()
			return nil
		}
		wait := s.released
		lm.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s lock on %s", mode, ns)
		}
	}
}

func (lm *lockManager) release(ns docpb.Namespace, mode LockMode) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	s, ok := lm.mu.colls[ns]
	if !ok || s.held[mode] == 0 {
		panic(errors.AssertionFailedf("releasing %s lock on %s which is not held", mode, ns))
	}
	s.held[mode]--
	close(s.released)
	if s.idle() {
		delete(lm.mu.colls, ns)
		return
	}
	s.released = make(chan struct{})
}

// CollectionLock is a held collection lock. It must be released exactly
// once.
type CollectionLock struct {
	store    *Store
	ns       docpb.Namespace
	mode     LockMode
	released bool
}

// LockCollection locks the collection ns in the given mode, waiting for
// conflicting holders to release their locks. The collection need not
// exist.
func (s *Store) LockCollection(
	ctx context.Context, ns docpb.Namespace, mode LockMode,
) (*CollectionLock, error) {
	if err := s.locks.acquire(ctx, ns, mode); err != nil {
		return nil, err
	}
	return &CollectionLock{store: s, ns: ns, mode: mode}, nil
}

// NS returns the locked namespace.
func (l *CollectionLock) NS() docpb.Namespace {
	return l.ns
}

// Mode returns the mode the lock is held in.
func (l *CollectionLock) Mode() LockMode {
	return l.mode
}

// Collection returns the locked collection, or nil if it does not exist.
func (l *CollectionLock) Collection() *Collection {
	if l.released {
		panic(errors.AssertionFailedf("%s lock on %s used after release", l.mode, l.ns))
	}
	return l.store.lookupCollection(l.ns)
}

// Release releases the lock.
func (l *CollectionLock) Release() {
	if l.released {
		panic(errors.AssertionFailedf("%s lock on %s released twice", l.mode, l.ns))
	}
	l.released = true
	l.store.locks.release(l.ns, l.mode)
}
