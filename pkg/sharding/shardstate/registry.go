// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package shardstate holds the sharding state of the collections of a node:
// their shard key patterns and the ranges that migrated away and await
// cleanup. Range deleters run on a shared scheduler, one per collection with
// pending ranges.
package shardstate

import (
	"context"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/sharding/rangedel"
	"github.com/cockroachdb/datamotion/pkg/sharding/rangetracker"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardkey"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/scheduler"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
)

// ErrNotSharded is returned for operations on collections without a shard
// key.
var ErrNotSharded = errors.New("collection is not sharded")

// CollectionShardingState is the sharding state of one collection.
type CollectionShardingState struct {
	ns      docpb.Namespace
	pattern shardkey.KeyPattern
	tracker *rangetracker.Tracker

	mu struct {
		syncutil.Mutex
		// deleterID is the scheduler id of the active deleter, or zero.
		deleterID int64
		// deleterDone is closed when the active deleter goes away.
		deleterDone chan struct{}
		// donated is set when a range is added while a deleter is active,
		// and cleared when the deleter starts a pass.
		donated bool
	}
}

// NS returns the namespace of the collection.
func (c *CollectionShardingState) NS() docpb.Namespace {
	return c.ns
}

// Pattern returns the shard key pattern.
func (c *CollectionShardingState) Pattern() shardkey.KeyPattern {
	return c.pattern
}

// Tracker returns the ranges pending cleanup.
func (c *CollectionShardingState) Tracker() *rangetracker.Tracker {
	return c.tracker
}

// HasActiveDeleter returns whether a deleter is scheduled for the
// collection.
func (c *CollectionShardingState) HasActiveDeleter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.deleterID != 0
}

// WaitForDeleter blocks until no deleter is scheduled for the collection.
func (c *CollectionShardingState) WaitForDeleter(ctx context.Context) error {
	for {
		c.mu.Lock()
		id, done := c.mu.deleterID, c.mu.deleterDone
		c.mu.Unlock()
		if id == 0 {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Config configures a Registry.
type Config struct {
	base.RangeDeleterConfig

	Store       *docstore.Store
	Replication rangedel.Replication
	// Scheduler runs the range deleters. It must be started.
	Scheduler *scheduler.Scheduler
	Metrics   *rangedel.Metrics
}

// Registry is the sharding state of the collections of a node.
type Registry struct {
	cfg Config

	mu struct {
		syncutil.Mutex
		colls map[docpb.Namespace]*CollectionShardingState
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Store == nil || cfg.Replication == nil || cfg.Scheduler == nil {
		panic(errors.AssertionFailedf("store, replication and scheduler are required"))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = rangedel.MakeMetrics()
	}
	r := &Registry{cfg: cfg}
	r.mu.colls = make(map[docpb.Namespace]*CollectionShardingState)
	return r
}

// SetShardKey records that ns is sharded by pattern. The pattern of a
// collection with pending ranges cannot change.
func (r *Registry) SetShardKey(
	ns docpb.Namespace, pattern shardkey.KeyPattern,
) (*CollectionShardingState, error) {
	if ns.IsEmpty() || pattern.IsEmpty() {
		return nil, errors.Newf("invalid shard key %s for %s", pattern, ns)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if css, ok := r.mu.colls[ns]; ok {
		if css.pattern.Equal(pattern) {
			return css, nil
		}
		if css.tracker.HasRangesToClean() || css.HasActiveDeleter() {
			return nil, errors.Newf("cannot change shard key of %s from %s to %s with %d ranges pending cleanup",
				ns, css.pattern, pattern, css.tracker.Len())
		}
	}
	css := &CollectionShardingState{
		ns:      ns,
		pattern: pattern,
		tracker: rangetracker.New(ns, pattern),
	}
	r.mu.colls[ns] = css
	return css, nil
}

// Get returns the sharding state of ns.
func (r *Registry) Get(ns docpb.Namespace) (*CollectionShardingState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	css, ok := r.mu.colls[ns]
	return css, ok
}

func (r *Registry) mustGet(ns docpb.Namespace) (*CollectionShardingState, error) {
	css, ok := r.Get(ns)
	if !ok {
		return nil, errors.Wrapf(ErrNotSharded, "%s", ns)
	}
	return css, nil
}

// CommitDonation records that rng migrated to another shard. Its documents
// are now orphaned on this node and are cleaned up in the background.
func (r *Registry) CommitDonation(ctx context.Context, rng shardkey.KeyRange) error {
	css, err := r.mustGet(rng.NS)
	if err != nil {
		return err
	}
	l, err := r.cfg.Store.LockCollection(ctx, rng.NS, docstore.ModeX)
	if err != nil {
		return err
	}
	err = css.tracker.AddRange(rng)
	l.Release()
	if err != nil {
		return err
	}
	log.Infof(ctx, "scheduling cleanup of %s", rng)
	return r.ensureDeleter(ctx, css)
}

// ForgetRange drops rng from the ranges pending cleanup without deleting
// its documents, such as when this node abandons receiving it. It returns
// whether the range was pending.
func (r *Registry) ForgetRange(ctx context.Context, rng shardkey.KeyRange) (bool, error) {
	css, err := r.mustGet(rng.NS)
	if err != nil {
		return false, err
	}
	l, err := r.cfg.Store.LockCollection(ctx, rng.NS, docstore.ModeX)
	if err != nil {
		return false, err
	}
	defer l.Release()
	removed := css.tracker.RemoveRange(rng)
	if removed {
		log.Infof(ctx, "forgot range %s", rng)
	}
	return removed, nil
}

// ensureDeleter makes sure a deleter will run a pass for css.
func (r *Registry) ensureDeleter(ctx context.Context, css *CollectionShardingState) error {
	css.mu.Lock()
	defer css.mu.Unlock()
	if css.mu.deleterID != 0 {
		css.mu.donated = true
		r.cfg.Scheduler.Enqueue(css.mu.deleterID, scheduler.Work)
		return nil
	}

	d := rangedel.New(rangedel.Config{
		RangeDeleterConfig: r.cfg.RangeDeleterConfig,
		Store:              r.cfg.Store,
		Replication:        r.cfg.Replication,
		Tracker:            css.tracker,
		Metrics:            r.cfg.Metrics,
	})
	var id int64
	id, err := r.cfg.Scheduler.Register(func(ctx context.Context, evt scheduler.EventType) scheduler.EventType {
		ctx = logtags.AddTag(ctx, "rangedel", css.ns)
		if evt&scheduler.Stopped != 0 {
			css.clearDeleter(id)
			return 0
		}
		css.mu.Lock()
		css.mu.donated = false
		css.mu.Unlock()

		more, err := d.Run(ctx)
		if err != nil {
			log.Warningf(ctx, "range deletion pass failed: %v", err)
		}
		if more && err == nil {
			return scheduler.Work
		}
		if !r.disposeDeleter(css, id) {
			// A range was donated during the pass.
			return scheduler.Work
		}
		return 0
	})
	if err != nil {
		return err
	}
	css.mu.deleterID = id
	css.mu.deleterDone = make(chan struct{})
	css.mu.donated = false
	r.cfg.Scheduler.Enqueue(id, scheduler.Work)
	log.VEventf(ctx, 1, "started range deleter %d for %s", id, css.ns)
	return nil
}

// disposeDeleter unregisters the deleter id unless a range was donated
// since its last pass began.
func (r *Registry) disposeDeleter(css *CollectionShardingState, id int64) bool {
	css.mu.Lock()
	defer css.mu.Unlock()
	if css.mu.donated {
		return false
	}
	css.clearDeleterLocked(id)
	r.cfg.Scheduler.Unregister(id)
	return true
}

func (c *CollectionShardingState) clearDeleter(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearDeleterLocked(id)
}

func (c *CollectionShardingState) clearDeleterLocked(id int64) {
	if id != 0 && c.mu.deleterID == id {
		c.mu.deleterID = 0
		close(c.mu.deleterDone)
	}
}
