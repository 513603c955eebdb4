// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package docstore is a document store on top of Pebble. It holds
// collections of BSON documents with secondary indexes, and records every
// write in an oplog which is committed atomically with the write.
package docstore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Errors returned by the store.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrIndexNotFound      = errors.New("index not found")
	ErrIndexExists        = errors.New("index already exists")
	ErrRecordNotFound     = errors.New("record not found")
	ErrClosed             = errors.New("document store closed")
)

// TestingKnobs allows tests to inject failures.
type TestingKnobs struct {
	// IndexCursorErr, if set, is consulted before each step of an index
	// cursor. A non-nil error fails the cursor.
	IndexCursorErr func(ns docpb.Namespace, index string) error
}

// Config configures a Store.
type Config struct {
	base.StorageConfig
	// Clock assigns oplog timestamps. Defaults to the wall clock.
	Clock timeutil.TimeSource
	// FS overrides the file system. In-memory stores default to a fresh
	// vfs.NewMem().
	FS    vfs.FS
	Knobs TestingKnobs
}

// Store is a Pebble-backed document store.
type Store struct {
	cfg   Config
	db    *pebble.DB
	cache *pebble.Cache
	locks *lockManager

	// commitMu serializes commits so that oplog timestamps are assigned in
	// commit order.
	commitMu syncutil.Mutex

	mu struct {
		syncutil.RWMutex
		closed bool
		colls  map[docpb.Namespace]*Collection
		term   int64
		// lastOp is the position of the newest oplog entry.
		lastOp docpb.LogPosition
		// oplogChanged is closed and replaced whenever entries are appended
		// to the oplog.
		oplogChanged chan struct{}
	}
}

// Open opens or creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.DefaultTimeSource{}
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = base.DefaultCacheSize
	}
	fs := cfg.FS
	if fs == nil {
		if cfg.InMemory() {
			fs = vfs.NewMem()
		} else {
			fs = vfs.Default
		}
	}
	cache := pebble.NewCache(int64(cfg.CacheSize))
	defer cache.Unref()
	opts := &pebble.Options{
		FS:     fs,
		Cache:  cache,
		Logger: pebbleLogger{ctx: ctx},
	}
	opts.EnsureDefaults()
	db, err := pebble.Open(cfg.Dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening document store at %q", cfg.Dir)
	}
	cache.Ref()

	s := &Store{cfg: cfg, db: db, cache: cache, locks: newLockManager()}
	s.mu.colls = make(map[docpb.Namespace]*Collection)
	s.mu.term = 1
	s.mu.oplogChanged = make(chan struct{})
	if err := s.load(); err != nil {
		return nil, errors.CombineErrors(err, s.Close())
	}
	if cfg.InMemory() {
		log.VEventf(ctx, 1, "opened in-memory document store")
	} else {
		log.Infof(ctx, "opened document store at %s with %d collections; last oplog entry %s",
			cfg.Dir, len(s.mu.colls), s.mu.lastOp)
	}
	return s, nil
}

// load reads the catalog and the tail of the oplog.
func (s *Store) load() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{catalogPrefix},
		UpperBound: []byte{catalogPrefix + 1},
	})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		c, err := decodeCatalogEntry(s, iter.Value())
		if err != nil {
			return errors.CombineErrors(errors.Wrapf(err, "loading catalog entry %x", iter.Key()), iter.Close())
		}
		if err := c.loadNextRecordID(); err != nil {
			return errors.CombineErrors(err, iter.Close())
		}
		s.mu.colls[c.ns] = c
	}
	if err := iter.Close(); err != nil {
		return err
	}

	last, ok, err := s.lastOplogEntry()
	if err != nil {
		return err
	}
	if ok {
		pos, err := last.Position()
		if err != nil {
			return errors.Wrap(err, "loading last oplog entry")
		}
		s.mu.lastOp = pos
		if pos.Term > s.mu.term {
			s.mu.term = pos.Term
		}
	}
	return nil
}

func (s *Store) lastOplogEntry() (oplog.Entry, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{oplogPrefix},
		UpperBound: []byte{oplogPrefix + 1},
	})
	if err != nil {
		return oplog.Entry{}, false, err
	}
	defer func() { _ = iter.Close() }()
	if !iter.Last() {
		return oplog.Entry{}, false, iter.Error()
	}
	e, err := oplog.EntryFromRaw(append([]byte(nil), iter.Value()...))
	return e, err == nil, err
}

// Close closes the store. Held locks and open cursors must be released
// first.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.mu.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.closed = true
	s.mu.Unlock()
	err := s.db.Close()
	s.cache.Unref()
	return err
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	if s.cfg.InMemory() {
		return "docstore(mem)"
	}
	return fmt.Sprintf("docstore(%s)", s.cfg.Dir)
}

// SetTerm sets the term written into subsequent oplog entries.
func (s *Store) SetTerm(term int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.term = term
}

// Term returns the current term.
func (s *Store) Term() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.term
}

// LastOplogPosition returns the position of the newest oplog entry, or the
// zero position if the oplog is empty.
func (s *Store) LastOplogPosition() docpb.LogPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.lastOp
}

// OplogChanged returns a channel which is closed the next time entries are
// appended to the oplog. Callers waiting for new entries must obtain the
// channel before reading the oplog.
func (s *Store) OplogChanged() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.oplogChanged
}

func (s *Store) notifyOplogLocked() {
	close(s.mu.oplogChanged)
	s.mu.oplogChanged = make(chan struct{})
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mu.closed {
		return ErrClosed
	}
	return nil
}

// lookupCollection returns the collection ns or nil.
func (s *Store) lookupCollection(ns docpb.Namespace) *Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.colls[ns]
}

// Collections returns the namespaces of all collections.
func (s *Store) Collections() []docpb.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]docpb.Namespace, 0, len(s.mu.colls))
	for ns := range s.mu.colls {
		res = append(res, ns)
	}
	return res
}

// nextTimestampLocked allocates the timestamp of the next oplog entry.
// Timestamps follow the clock's seconds, with increments ordering entries
// written within one second. commitMu must be held.
func (s *Store) nextTimestampLocked(last docpb.Timestamp) docpb.Timestamp {
	now := uint32(s.cfg.Clock.Now().Unix())
	if now > last.T {
		return docpb.MakeTimestamp(now, 1)
	}
	return last.Next()
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.cfg.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// get reads the value of key, returning nil if it does not exist.
func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), v...), nil
}

// spanBounds returns iterator options covering every key with the prefix.
func spanBounds(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: encoding.PrefixEnd(prefix)}
}

// pebbleLogger routes Pebble's logging to the log package.
type pebbleLogger struct {
	ctx context.Context
}

var _ pebble.Logger = pebbleLogger{}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	log.VInfof(l.ctx, 2, format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Errorf(l.ctx, format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatalf(l.ctx, format, args...)
}
