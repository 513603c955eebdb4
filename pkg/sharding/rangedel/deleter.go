// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package rangedel deletes the orphaned documents of key ranges that
// migrated away from this node.
//
// A Deleter cleans the pending ranges of one collection, one range at a
// time. Each call to CleanupNextRange runs a bounded pass over the range in
// progress, then waits for the deletions to replicate to a majority before
// reporting whether more work remains. The caller reschedules the deleter
// while it does and drops it once it does not.
package rangedel

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/replcoord"
	"github.com/cockroachdb/datamotion/pkg/sharding/rangetracker"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardkey"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// orphanLogEvery limits the warnings about documents left behind after a
// step down. Every deleter of the node shares it.
var orphanLogEvery = log.Every(10 * time.Second)

// Replication is the view of the replication state used by the deleter.
type Replication interface {
	// CanAcceptWritesFor returns whether the local node may write to ns.
	CanAcceptWritesFor(ns docpb.Namespace) bool
	// AwaitReplication waits for opTime to satisfy wc.
	AwaitReplication(ctx context.Context, opTime docpb.OpTime, wc replcoord.WriteConcern) error
}

var _ Replication = (*replcoord.Coordinator)(nil)

// Phase is the phase of a Deleter.
type Phase int

const (
	// Idle means no range is in progress.
	Idle Phase = iota
	// Scanning means documents of the range in progress are being deleted,
	// or will be on the next pass.
	Scanning
	// AwaitingReplication means the deletions of the last pass are being
	// replicated.
	AwaitingReplication
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Scanning:
		return "Scanning"
	case AwaitingReplication:
		return "AwaitingReplication"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the progress of a Deleter. Range is set unless Phase is Idle.
type State struct {
	Phase Phase
	Range shardkey.KeyRange
}

func (s State) String() string {
	if s.Phase == Idle {
		return s.Phase.String()
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.Range)
}

// Config configures a Deleter.
type Config struct {
	base.RangeDeleterConfig

	Store       *docstore.Store
	Replication Replication
	// Tracker holds the pending ranges of the collection to clean.
	Tracker *rangetracker.Tracker
	// Metrics defaults to a fresh, unregistered instance.
	Metrics *Metrics
}

// Deleter cleans the pending ranges of one collection.
type Deleter struct {
	ns        docpb.Namespace
	store     *docstore.Store
	repl      Replication
	tracker   *rangetracker.Tracker
	maxDocs   int
	wcTimeout time.Duration
	limiter   *rate.Limiter
	metrics   *Metrics

	mu struct {
		syncutil.Mutex
		state State
	}
}

// New creates a deleter for the collection of cfg.Tracker. Missing
// collaborators are programming errors and cause a panic.
func New(cfg Config) *Deleter {
	if cfg.Store == nil || cfg.Replication == nil || cfg.Tracker == nil {
		panic(errors.AssertionFailedf("store, replication and tracker are required"))
	}
	settings := cfg.RangeDeleterConfig
	if settings.MaxDocsPerPass <= 0 {
		settings.MaxDocsPerPass = base.DefaultRangeDeleterMaxDocsPerPass
	}
	if settings.WriteConcernTimeout <= 0 {
		settings.WriteConcernTimeout = base.DefaultRangeDeleterWriteConcernTimeout
	}
	d := &Deleter{
		ns:        cfg.Tracker.NS(),
		store:     cfg.Store,
		repl:      cfg.Replication,
		tracker:   cfg.Tracker,
		maxDocs:   settings.MaxDocsPerPass,
		wcTimeout: settings.WriteConcernTimeout,
		metrics:   cfg.Metrics,
	}
	if d.metrics == nil {
		d.metrics = MakeMetrics()
	}
	if settings.DeletesPerSecond > 0 {
		burst := int(settings.DeletesPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(settings.DeletesPerSecond), burst)
	}
	return d
}

// NS returns the collection cleaned by the deleter.
func (d *Deleter) NS() docpb.Namespace {
	return d.ns
}

// State returns the progress of the deleter.
func (d *Deleter) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.state
}

func (d *Deleter) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.state = s
}

// Run runs one pass with the configured document limit. It returns whether
// the deleter should be run again.
func (d *Deleter) Run(ctx context.Context) (bool, error) {
	return d.CleanupNextRange(ctx, d.maxDocs)
}

// CleanupNextRange deletes up to maxDocs documents of the range in
// progress, picking the next pending range if there is none. It returns
// whether more work remains. A pass that deletes no document removes the
// range from the tracker, counting it as abandoned unless the scan reached
// the end of the range. A missing shard key index ends the work of the
// deleter even when other ranges are pending.
//
// Missing collections, missing indexes, storage failures and the loss of
// write acceptance end the pass and are only logged. The returned error is
// reserved for the cancellation of ctx.
func (d *Deleter) CleanupNextRange(ctx context.Context, maxDocs int) (bool, error) {
	if maxDocs < 1 {
		maxDocs = 1
	}
	d.metrics.Passes.Inc(1)

	res, err := d.scanAndDelete(ctx, maxDocs)
	if err != nil || res.deleted == 0 {
		return res.more, err
	}

	// The collection lock is released; wait for the deletions to replicate
	// so that cleanup does not outrun the secondaries.
	d.setState(State{Phase: AwaitingReplication, Range: res.rng})
	defer d.setState(State{Phase: Scanning, Range: res.rng})
	wc := replcoord.MajorityWriteConcern(d.wcTimeout)
	if err := d.repl.AwaitReplication(ctx, res.lastOp, wc); err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		d.metrics.ReplicationWaitFailures.Inc(1)
		log.Warningf(ctx, "error when waiting for write concern after removing documents in %s: %v",
			d.ns, err)
	}
	return true, nil
}

// passOutcome is the reason a pass stopped.
type passOutcome int

const (
	// exhausted means the scan found no more documents.
	exhausted passOutcome = iota
	// limitReached means maxDocs documents were deleted.
	limitReached
	// noIndex means the collection has no index to scan the range with.
	noIndex
	// scanFailed means a storage error stopped the scan.
	scanFailed
	// notWritable means the node stopped accepting writes.
	notWritable
)

type passResult struct {
	rng     shardkey.KeyRange
	deleted int
	lastOp  docpb.OpTime
	more    bool
}

// scanAndDelete runs the part of a pass which holds the collection lock.
func (d *Deleter) scanAndDelete(ctx context.Context, maxDocs int) (passResult, error) {
	l, err := d.store.LockCollection(ctx, d.ns, docstore.ModeIX)
	if err != nil {
		return passResult{}, err
	}
	defer l.Release()
	c := l.Collection()
	if c == nil {
		log.VEventf(ctx, 1, "collection %s no longer exists; stopping range deletion", d.ns)
		d.setState(State{})
		return passResult{}, nil
	}

	state := d.State()
	if state.Phase == Idle || !d.tracker.IsInRangesToClean(state.Range) {
		rng, ok := d.tracker.NextRangeToClean()
		if !ok {
			d.setState(State{})
			return passResult{}, nil
		}
		state = State{Phase: Scanning, Range: rng}
		d.setState(state)
	}
	rng := state.Range

	deleted, lastOp, outcome, err := d.doDeletion(ctx, c, rng, maxDocs)
	res := passResult{rng: rng, deleted: deleted, lastOp: lastOp}
	if err != nil {
		return res, err
	}
	if deleted > 0 {
		res.more = true
		return res, nil
	}
	// Nothing was deleted: the range is done with, whether or not the scan
	// reached its end.
	d.tracker.RemoveRange(rng)
	d.setState(State{})
	if outcome == exhausted {
		d.metrics.RangesCleaned.Inc(1)
		log.Infof(ctx, "finished deleting documents in %s", rng)
	} else {
		d.metrics.RangesAbandoned.Inc(1)
		log.Warningf(ctx, "abandoning cleanup of %s", rng)
	}
	// Without a shard key index no other range of the collection can be
	// scanned either.
	res.more = outcome != noIndex && d.tracker.HasRangesToClean()
	return res, nil
}

// doDeletion deletes up to maxDocs documents of rng, each in its own unit
// of work, in shard key order.
func (d *Deleter) doDeletion(
	ctx context.Context, c *docstore.Collection, rng shardkey.KeyRange, maxDocs int,
) (deleted int, lastOp docpb.OpTime, outcome passOutcome, _ error) {
	pattern := d.tracker.Pattern()
	// The shard key pattern may be a prefix of several indexes. Any of them
	// orders the documents of the range contiguously.
	idx, ok := c.FindShardKeyPrefixedIndex(pattern)
	if !ok {
		log.Warningf(ctx, "unable to find shard key index for %s in %s", pattern, d.ns)
		return 0, lastOp, noIndex, nil
	}
	min, err := idx.KeyPattern.ExtendRangeBound(rng.Min, false /* upperInclusive */)
	if err != nil {
		return 0, lastOp, 0, errors.NewAssertionErrorWithWrappedErrf(err, "extending %s", rng)
	}
	max, err := idx.KeyPattern.ExtendRangeBound(rng.Max, false /* upperInclusive */)
	if err != nil {
		return 0, lastOp, 0, errors.NewAssertionErrorWithWrappedErrf(err, "extending %s", rng)
	}
	log.VEventf(ctx, 1, "begin removal of %s to %s in %s",
		shardkey.FormatKey(min), shardkey.FormatKey(max), d.ns)

	cur, err := c.IndexScan(idx.Name, min, max, docstore.IncludeStartKeyOnly)
	if err != nil {
		if errors.Is(err, docstore.ErrIndexNotFound) {
			log.Warningf(ctx, "shard key index with name %s on %s was dropped", idx.Name, d.ns)
			return 0, lastOp, noIndex, nil
		}
		log.Warningf(ctx, "unable to scan %s to %s in %s: %v",
			shardkey.FormatKey(min), shardkey.FormatKey(max), d.ns, err)
		return 0, lastOp, scanFailed, nil
	}
	defer func() {
		if err := cur.Close(); err != nil {
			log.Warningf(ctx, "closing cursor over %s: %v", d.ns, err)
		}
	}()

	for deleted < maxDocs {
		if !cur.Next() {
			if err := cur.Err(); err != nil {
				log.Warningf(ctx, "cursor error while trying to delete %s to %s in %s: %v",
					shardkey.FormatKey(min), shardkey.FormatKey(max), d.ns, err)
				return deleted, lastOp, scanFailed, nil
			}
			return deleted, lastOp, exhausted, nil
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return deleted, lastOp, 0, err
			}
		}

		u := d.store.NewUnitOfWork()
		if !d.repl.CanAcceptWritesFor(d.ns) {
			u.Abort()
			if orphanLogEvery.ShouldLog() {
				log.Warningf(ctx, "stepped down from primary while deleting chunk; orphaning data in %s in range [%s, %s)",
					d.ns, shardkey.FormatKey(min), shardkey.FormatKey(max))
			}
			return deleted, lastOp, notWritable, nil
		}
		if err := u.Delete(c, cur.RecordID()); err != nil {
			u.Abort()
			log.Warningf(ctx, "deleting document %d of %s: %v", cur.RecordID(), d.ns, err)
			return deleted, lastOp, scanFailed, nil
		}
		opTime, err := u.Commit(ctx)
		if err != nil {
			log.Warningf(ctx, "committing deletion in %s: %v", d.ns, err)
			return deleted, lastOp, scanFailed, nil
		}
		deleted++
		lastOp = opTime
		d.metrics.DocsDeleted.Inc(1)
	}
	return deleted, lastOp, limitReached, nil
}
