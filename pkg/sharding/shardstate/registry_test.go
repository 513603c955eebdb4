// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package shardstate

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/replcoord"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/sharding/rangedel"
	"github.com/cockroachdb/datamotion/pkg/sharding/rangetracker"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardkey"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/leaktest"
	"github.com/cockroachdb/datamotion/pkg/util/scheduler"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	usersNS  = docpb.MustParseNamespace("app.users")
	eventsNS = docpb.MustParseNamespace("app.events")
	patternA = shardkey.MustParseKeyPatternJSON(`{"a": 1}`)
)

// gatedReplication holds every replication wait until gate is closed, which
// keeps the deleter in the middle of its range.
type gatedReplication struct {
	rangedel.Replication
	gate chan struct{}
}

func (g *gatedReplication) AwaitReplication(
	ctx context.Context, opTime docpb.OpTime, wc replcoord.WriteConcern,
) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Replication.AwaitReplication(ctx, opTime, wc)
}

type testEnv struct {
	t       *testing.T
	stopper *stop.Stopper
	store   *docstore.Store
	coord   *replcoord.Coordinator
	sched   *scheduler.Scheduler
	reg     *Registry
	// gate is closed to release the replication waits of a gated
	// environment.
	gate chan struct{}
}

func newTestEnv(t *testing.T, gated bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	stopper := stop.NewStopper()
	s, err := docstore.Open(ctx, docstore.Config{Clock: timeutil.NewManualTime(time.Unix(1000, 0))})
	require.NoError(t, err)
	for _, ns := range []docpb.Namespace{usersNS, eventsNS} {
		require.NoError(t, s.CreateCollection(ctx, ns))
		require.NoError(t, s.CreateIndex(ctx, ns, "a_1", patternA))
	}
	coord, err := replcoord.New(replcoord.Config{
		ReplSet: replmeta.ReplSetConfig{
			Name: "rs0", Version: 1, ProtocolVersion: 1,
			Members: []replmeta.Member{{ID: 0, Host: "n1", Votes: 1}},
		},
		Self:  "n1",
		Local: s,
	})
	require.NoError(t, err)
	coord.StepUp(ctx)

	gate := make(chan struct{})
	var repl rangedel.Replication = coord
	if gated {
		repl = &gatedReplication{Replication: coord, gate: gate}
	}

	sched := scheduler.New(scheduler.Config{Name: "rangedel", Workers: 2})
	require.NoError(t, sched.Start(ctx, stopper))
	reg := NewRegistry(Config{
		RangeDeleterConfig: base.RangeDeleterConfig{MaxDocsPerPass: 3},
		Store:              s,
		Replication:        repl,
		Scheduler:          sched,
	})
	return &testEnv{t: t, stopper: stopper, store: s, coord: coord, sched: sched, reg: reg, gate: gate}
}

func (e *testEnv) release() {
	select {
	case <-e.gate:
	default:
		close(e.gate)
	}
}

func (e *testEnv) close() {
	e.release()
	e.stopper.Stop(context.Background())
	require.NoError(e.t, e.store.Close())
}

func (e *testEnv) insert(ns docpb.Namespace, from, to int) {
	e.t.Helper()
	var docs []bson.Raw
	for i := from; i < to; i++ {
		doc, err := bson.Marshal(bson.D{{Key: "_id", Value: int32(i)}, {Key: "a", Value: int32(i)}})
		require.NoError(e.t, err)
		docs = append(docs, doc)
	}
	_, _, err := e.store.Insert(context.Background(), ns, docs...)
	require.NoError(e.t, err)
}

func (e *testEnv) count(ns docpb.Namespace) int {
	e.t.Helper()
	l, err := e.store.LockCollection(context.Background(), ns, docstore.ModeIS)
	require.NoError(e.t, err)
	defer l.Release()
	n := 0
	require.NoError(e.t, l.Collection().Scan(func(docstore.RecordID, bson.Raw) bool {
		n++
		return true
	}))
	return n
}

func keyRange(ns docpb.Namespace, min, max int) shardkey.KeyRange {
	k := func(v int) bson.Raw {
		raw, err := bson.Marshal(bson.D{{Key: "a", Value: int32(v)}})
		if err != nil {
			panic(err)
		}
		return raw
	}
	return shardkey.MakeKeyRange(ns, k(min), k(max))
}

func TestCommitDonationCleansRanges(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	e := newTestEnv(t, false /* gated */)
	defer e.close()

	for _, ns := range []docpb.Namespace{usersNS, eventsNS} {
		_, err := e.reg.SetShardKey(ns, patternA)
		require.NoError(t, err)
	}
	e.insert(usersNS, 0, 20)
	e.insert(eventsNS, 0, 20)

	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 0, 10)))
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 15, 18)))
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(eventsNS, 5, 12)))

	users, ok := e.reg.Get(usersNS)
	require.True(t, ok)
	events, ok := e.reg.Get(eventsNS)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return !users.Tracker().HasRangesToClean() && !events.Tracker().HasRangesToClean() &&
			!users.HasActiveDeleter() && !events.HasActiveDeleter()
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, 7, e.count(usersNS))
	require.Equal(t, 13, e.count(eventsNS))
	require.Eventually(t, func() bool { return e.sched.NumClients() == 0 }, 10*time.Second, time.Millisecond)
	require.EqualValues(t, 3, e.reg.cfg.Metrics.RangesCleaned.Count())
	require.EqualValues(t, 20, e.reg.cfg.Metrics.DocsDeleted.Count())

	// A later donation starts a new deleter.
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 10, 15)))
	require.Eventually(t, func() bool {
		return !users.Tracker().HasRangesToClean() && !users.HasActiveDeleter()
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, 2, e.count(usersNS))
}

func TestCommitDonationErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	e := newTestEnv(t, true /* gated */)
	defer e.close()

	err := e.reg.CommitDonation(ctx, keyRange(usersNS, 0, 10))
	require.True(t, errors.Is(err, ErrNotSharded), "%v", err)

	css, err := e.reg.SetShardKey(usersNS, patternA)
	require.NoError(t, err)
	e.insert(usersNS, 0, 10)
	// The deleter stops after its first pass until the gate opens.
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 0, 10)))
	require.Eventually(t, func() bool { return e.count(usersNS) == 7 }, 10*time.Second, time.Millisecond)

	err = e.reg.CommitDonation(ctx, keyRange(usersNS, 5, 15))
	require.True(t, errors.Is(err, rangetracker.ErrOverlappingRange), "%v", err)
	require.Error(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 10, 10)))

	_, err = e.reg.SetShardKey(usersNS, shardkey.MustParseKeyPatternJSON(`{"b": 1}`))
	require.ErrorContains(t, err, "ranges pending cleanup")
	_, err = e.reg.SetShardKey(docpb.Namespace{}, patternA)
	require.Error(t, err)
	same, err := e.reg.SetShardKey(usersNS, patternA)
	require.NoError(t, err)
	require.Same(t, css, same)
	require.True(t, css.Pattern().Equal(patternA))
	require.Equal(t, usersNS, css.NS())

	e.release()
	require.Eventually(t, func() bool {
		return !css.Tracker().HasRangesToClean() && !css.HasActiveDeleter()
	}, 10*time.Second, time.Millisecond)
	require.Zero(t, e.count(usersNS))
	_, err = e.reg.SetShardKey(usersNS, shardkey.MustParseKeyPatternJSON(`{"b": 1}`))
	require.NoError(t, err)
}

// TestDonationWhileNotPrimary checks that ranges donated while the node
// cannot write are dropped with their documents left in place, and that
// the deleter goes away instead of holding them.
func TestDonationWhileNotPrimary(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	e := newTestEnv(t, false /* gated */)
	defer e.close()

	css, err := e.reg.SetShardKey(usersNS, patternA)
	require.NoError(t, err)
	e.insert(usersNS, 0, 20)

	e.coord.StepDown(ctx)
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 0, 10)))
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 10, 15)))
	require.NoError(t, css.WaitForDeleter(ctx))
	require.False(t, css.Tracker().HasRangesToClean())
	require.Eventually(t, func() bool { return e.sched.NumClients() == 0 }, 10*time.Second, time.Millisecond)
	require.Equal(t, 20, e.count(usersNS))
	require.EqualValues(t, 2, e.reg.cfg.Metrics.RangesAbandoned.Count())
	require.Zero(t, e.reg.cfg.Metrics.RangesCleaned.Count())

	// The shard key is free to change and a later donation is cleaned.
	e.coord.StepUp(ctx)
	_, err = e.reg.SetShardKey(usersNS, shardkey.MustParseKeyPatternJSON(`{"a": 1, "b": 1}`))
	require.NoError(t, err)
	css, err = e.reg.SetShardKey(usersNS, patternA)
	require.NoError(t, err)
	require.NoError(t, e.reg.CommitDonation(ctx, keyRange(usersNS, 0, 10)))
	require.Eventually(t, func() bool {
		return !css.Tracker().HasRangesToClean() && !css.HasActiveDeleter()
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, 10, e.count(usersNS))
	require.EqualValues(t, 1, e.reg.cfg.Metrics.RangesCleaned.Count())
}

func TestForgetRange(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	e := newTestEnv(t, true /* gated */)
	defer e.close()

	css, err := e.reg.SetShardKey(usersNS, patternA)
	require.NoError(t, err)
	e.insert(usersNS, 0, 10)

	rng := keyRange(usersNS, 0, 5)
	require.NoError(t, e.reg.CommitDonation(ctx, rng))
	require.Eventually(t, func() bool { return e.count(usersNS) == 7 }, 10*time.Second, time.Millisecond)
	require.True(t, css.Tracker().IsInRangesToClean(rng))

	forgotten, err := e.reg.ForgetRange(ctx, rng)
	require.NoError(t, err)
	require.True(t, forgotten)
	forgotten, err = e.reg.ForgetRange(ctx, rng)
	require.NoError(t, err)
	require.False(t, forgotten)
	require.False(t, css.Tracker().HasRangesToClean())

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, css.WaitForDeleter(canceledCtx), context.Canceled)

	// The deleter finds its range gone and stops.
	e.release()
	require.NoError(t, css.WaitForDeleter(ctx))
	require.False(t, css.HasActiveDeleter())
	require.Equal(t, 7, e.count(usersNS))

	_, err = e.reg.ForgetRange(ctx, keyRange(eventsNS, 0, 5))
	require.True(t, errors.Is(err, ErrNotSharded))
}

func TestSchedulerStopClearsDeleters(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	e := newTestEnv(t, false /* gated */)
	defer e.close()

	css, err := e.reg.SetShardKey(usersNS, patternA)
	require.NoError(t, err)
	e.sched.Stop(ctx)

	// Registration fails once the scheduler stops; the range stays pending.
	err = e.reg.CommitDonation(ctx, keyRange(usersNS, 0, 5))
	require.True(t, errors.Is(err, scheduler.ErrStopping), "%v", err)
	require.True(t, css.Tracker().HasRangesToClean())
	require.False(t, css.HasActiveDeleter())
}
