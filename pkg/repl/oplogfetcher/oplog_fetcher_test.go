// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package oplogfetcher

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/fetcher"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/util/leaktest"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func pos(i int) docpb.LogPosition {
	return docpb.MakeLogPosition(docpb.MakeTimestamp(uint32(i), 0), 1, int64(i*10))
}

func entries(ids ...int) []oplog.Entry {
	res := make([]oplog.Entry, len(ids))
	for i, id := range ids {
		res[i] = oplog.MakeNoopEntry(pos(id))
	}
	return res
}

// response is a scripted reply of the fake sync source.
type response struct {
	docs     []oplog.Entry
	cursorID int64
	metadata bson.Raw
	err      error
	// before runs before the reply is returned.
	before func()
}

// fakeSource serves scripted replies to find and getMore commands, in order.
// Requests without a scripted reply block until canceled.
type fakeSource struct {
	responses chan response

	mu struct {
		syncutil.Mutex
		requests []fetcher.Request
	}
}

func newFakeSource(rs ...response) *fakeSource {
	s := &fakeSource{responses: make(chan response, 16)}
	for _, r := range rs {
		s.responses <- r
	}
	return s
}

func (s *fakeSource) RunCommand(ctx context.Context, req fetcher.Request) (fetcher.Reply, error) {
	s.mu.Lock()
	s.mu.requests = append(s.mu.requests, req)
	s.mu.Unlock()

	name := req.Command.Index(0).Key()
	if name == "killCursors" {
		reply, err := bson.Marshal(bson.D{{Key: "ok", Value: 1.0}})
		return fetcher.Reply{Document: reply}, err
	}
	select {
	case r := <-s.responses:
		if r.before != nil {
			r.before()
		}
		if r.err != nil {
			return fetcher.Reply{}, r.err
		}
		raws := make([]bson.Raw, len(r.docs))
		for i := range r.docs {
			raws[i] = r.docs[i].Raw()
		}
		doc, err := fetcher.MakeCursorReply(r.cursorID, "local.oplog.rs", raws, name == "find")
		return fetcher.Reply{Document: doc, Metadata: r.metadata}, err
	case <-ctx.Done():
		return fetcher.Reply{}, ctx.Err()
	}
}

func (s *fakeSource) commands(name string) []bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []bson.Raw
	for _, req := range s.mu.requests {
		if req.Command.Index(0).Key() == name {
			res = append(res, req.Command)
		}
	}
	return res
}

type fakeExternalState struct {
	term      int64
	committed docpb.OpTime
	stop      bool

	mu struct {
		syncutil.Mutex
		processed []replmeta.ReplSetMetadata
	}
}

func (es *fakeExternalState) CurrentTermAndLastCommittedOpTime() (int64, docpb.OpTime) {
	return es.term, es.committed
}

func (es *fakeExternalState) ProcessMetadata(
	_ context.Context, rs replmeta.ReplSetMetadata, _ *replmeta.OplogQueryMetadata,
) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.mu.processed = append(es.mu.processed, rs)
}

func (es *fakeExternalState) ShouldStopFetching(
	context.Context, string, replmeta.ReplSetMetadata, *replmeta.OplogQueryMetadata,
) bool {
	return es.stop
}

type harness struct {
	t       *testing.T
	stopper *stop.Stopper
	src     *fakeSource
	es      *fakeExternalState
	metrics *Metrics
	f       *OplogFetcher
	done    chan struct{}

	enqueueErr error
	// afterEnqueue, if set, runs after each batch is enqueued.
	afterEnqueue func()

	mu struct {
		syncutil.Mutex
		applied     []docpb.LogPosition
		enqueues    int
		err         error
		lastFetched docpb.LogPosition
	}
}

func testReplSetConfig() replmeta.ReplSetConfig {
	return replmeta.ReplSetConfig{
		Name:            "rs0",
		Version:         2,
		ProtocolVersion: 1,
		ElectionTimeout: 10 * time.Second,
		Members: []replmeta.Member{
			{ID: 0, Host: "source:27017", Votes: 1},
			{ID: 1, Host: "self:27017", Votes: 1},
		},
	}
}

func newHarness(t *testing.T, maxRestarts int, knobs TestingKnobs, rs ...response) *harness {
	h := &harness{
		t:       t,
		stopper: stop.NewStopper(),
		src:     newFakeSource(rs...),
		es:      &fakeExternalState{term: docpb.UninitializedTerm},
		metrics: MakeMetrics(),
		done:    make(chan struct{}),
	}
	cfg := base.MakeDefaultConfig().OplogFetcher
	cfg.MaxRestarts = maxRestarts
	h.f = New(Config{
		OplogFetcherConfig: cfg,
		Stopper:            h.stopper,
		Transport:          h.src,
		Source:             "source:27017",
		LastFetched:        pos(1),
		ReplSetConfig:      testReplSetConfig(),
		ExternalState:      h.es,
		Enqueue:            h.enqueue,
		OnShutdown:         h.onShutdown,
		Metrics:            h.metrics,
		Knobs:              knobs,
	})
	return h
}

func (h *harness) enqueue(_ context.Context, entries []oplog.Entry, info DocumentsInfo) error {
	if h.afterEnqueue != nil {
		defer h.afterEnqueue()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.enqueues++
	require.Equal(h.t, len(entries), info.ToApplyDocumentCount)
	for _, e := range entries {
		p, err := e.Position()
		require.NoError(h.t, err)
		h.mu.applied = append(h.mu.applied, p)
	}
	return h.enqueueErr
}

// onShutdown closes done, which panics if it is called twice.
func (h *harness) onShutdown(err error, lastFetched docpb.LogPosition) {
	h.mu.Lock()
	h.mu.err = err
	h.mu.lastFetched = lastFetched
	h.mu.Unlock()
	close(h.done)
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.f.Startup(context.Background()))
}

func (h *harness) wait() (docpb.LogPosition, error) {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		h.t.Fatal("oplog fetcher did not finish")
	}
	h.f.Join()
	require.Equal(h.t, Complete, h.f.State())
	require.False(h.t, h.f.IsActive())
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.lastFetched, h.mu.err
}

func (h *harness) applied() []docpb.LogPosition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]docpb.LogPosition(nil), h.mu.applied...)
}

func (h *harness) enqueues() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.enqueues
}

func (h *harness) close() {
	h.stopper.Stop(context.Background())
}

func positions(ids ...int) []docpb.LogPosition {
	res := make([]docpb.LogPosition, len(ids))
	for i, id := range ids {
		res[i] = pos(id)
	}
	return res
}

func findFrom(t *testing.T, cmd bson.Raw) docpb.Timestamp {
	t.Helper()
	ts, i, ok := cmd.Lookup("filter", "ts", "$gte").TimestampOK()
	require.True(t, ok)
	return docpb.MakeTimestamp(ts, i)
}

func TestOplogFetcherConstructorPreconditions(t *testing.T) {
	defer leaktest.AfterTest(t)()
	stopper := stop.NewStopper()
	defer stopper.Stop(context.Background())

	valid := func() Config {
		return Config{
			OplogFetcherConfig: base.MakeDefaultConfig().OplogFetcher,
			Stopper:            stopper,
			Transport:          newFakeSource(),
			Source:             "source:27017",
			LastFetched:        pos(1),
			ReplSetConfig:      testReplSetConfig(),
			ExternalState:      &fakeExternalState{},
			Enqueue:            func(context.Context, []oplog.Entry, DocumentsInfo) error { return nil },
			OnShutdown:         func(error, docpb.LogPosition) {},
		}
	}
	require.NotPanics(t, func() { New(valid()) })

	for name, mutate := range map[string]func(*Config){
		"null position":  func(c *Config) { c.LastFetched = docpb.LogPosition{} },
		"uninit config":  func(c *Config) { c.ReplSetConfig = replmeta.ReplSetConfig{} },
		"nil enqueue":    func(c *Config) { c.Enqueue = nil },
		"nil onShutdown": func(c *Config) { c.OnShutdown = nil },
		"nil transport":  func(c *Config) { c.Transport = nil },
		"negative limit": func(c *Config) { c.MaxRestarts = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			require.Panics(t, func() { New(cfg) })
		})
	}
}

func TestOplogFetcherStateTransitions(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()

	t.Run("shutdown before startup", func(t *testing.T) {
		h := newHarness(t, 1, TestingKnobs{})
		defer h.close()
		require.Equal(t, PreStart, h.f.State())
		h.f.Shutdown(ctx)
		require.Equal(t, Complete, h.f.State())
		h.f.Join()
		err := h.f.Startup(ctx)
		require.True(t, errors.Is(err, ErrShutdownInProgress))
		require.Contains(t, err.Error(), "oplog fetcher completed")
		select {
		case <-h.done:
			t.Fatal("onShutdown called for a fetcher that never ran")
		default:
		}
	})

	t.Run("shutdown while running", func(t *testing.T) {
		h := newHarness(t, 1, TestingKnobs{})
		defer h.close()
		h.start()
		require.True(t, h.f.IsActive())
		require.True(t, errors.Is(h.f.Startup(ctx), ErrAlreadyStarted))

		require.Eventually(t, func() bool { return len(h.src.commands("find")) == 1 },
			10*time.Second, time.Millisecond)
		h.f.Shutdown(ctx)
		require.True(t, errors.Is(h.f.Startup(ctx), ErrShutdownInProgress))

		last, err := h.wait()
		require.True(t, errors.Is(err, ErrCallbackCanceled), "%v", err)
		require.Equal(t, pos(1), last)
		require.Zero(t, h.enqueues())
		// Shutting down again is a no-op.
		h.f.Shutdown(ctx)
		h.f.Join()
	})

	t.Run("shutdown with successful batch", func(t *testing.T) {
		var h *harness
		h = newHarness(t, 1, TestingKnobs{}, response{
			docs:     entries(1, 2),
			cursorID: 7,
			before:   func() { h.f.Shutdown(context.Background()) },
		})
		defer h.close()
		h.start()
		_, err := h.wait()
		require.True(t, errors.Is(err, ErrCallbackCanceled), "%v", err)
		require.Contains(t, err.Error(), "oplog fetcher shutting down")
		require.Zero(t, h.enqueues())
	})

	t.Run("shutdown before getMore", func(t *testing.T) {
		h := newHarness(t, 1, TestingKnobs{}, response{docs: entries(1, 2, 3), cursorID: 7})
		defer h.close()
		h.afterEnqueue = func() { h.f.Shutdown(context.Background()) }
		h.start()
		last, err := h.wait()
		require.True(t, errors.Is(err, ErrCallbackCanceled), "%v", err)
		require.Equal(t, pos(3), last)
		require.Equal(t, positions(2, 3), h.applied())
		require.Zero(t, h.metrics.Restarts.Count())
		require.Empty(t, h.src.commands("getMore"))
	})

	t.Run("startup on quiesced stopper", func(t *testing.T) {
		h := newHarness(t, 1, TestingKnobs{})
		h.close()
		require.Error(t, h.f.Startup(ctx))
		require.Equal(t, Complete, h.f.State())
		h.f.Join()
	})
}

func TestOplogFetcherCommands(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 0, TestingKnobs{},
		response{docs: entries(1, 2), cursorID: 7},
		response{cursorID: 0},
	)
	defer h.close()
	h.es.term = 3
	h.es.committed = docpb.MakeOpTime(docpb.MakeTimestamp(1, 0), 3)

	require.Equal(t, 5*time.Second, h.f.AwaitDataTimeout())
	md := h.f.MetadataObject()
	require.Equal(t, int32(1), md.Lookup(replmeta.ReplSetMetadataFieldName).Int32())
	require.Equal(t, int32(1), md.Lookup(replmeta.OplogQueryMetadataFieldName).Int32())

	// The find command was built before the term was set.
	require.Equal(t, "oplog.rs", h.f.FindCommand().Lookup("find").StringValue())

	h.start()
	last, err := h.wait()
	require.NoError(t, err)
	require.Equal(t, pos(2), last)
	require.Equal(t, positions(2), h.applied())

	finds := h.src.commands("find")
	require.Len(t, finds, 1)
	find := finds[0]
	require.Equal(t, pos(1).TS, findFrom(t, find))
	require.True(t, find.Lookup("tailable").Boolean())
	require.True(t, find.Lookup("oplogReplay").Boolean())
	require.True(t, find.Lookup("awaitData").Boolean())
	require.Equal(t, int64(60000), find.Lookup("maxTimeMS").Int64())
	_, err = find.LookupErr("term")
	require.Error(t, err)

	getMores := h.src.commands("getMore")
	require.Len(t, getMores, 1)
	getMore := getMores[0]
	require.Equal(t, int64(7), getMore.Lookup("getMore").Int64())
	require.Equal(t, "oplog.rs", getMore.Lookup("collection").StringValue())
	require.Equal(t, int64(5000), getMore.Lookup("maxTimeMS").Int64())
	require.Equal(t, int64(3), getMore.Lookup("term").Int64())
	sec, inc := getMore.Lookup("lastKnownCommittedOpTime", "ts").Timestamp()
	require.Equal(t, docpb.MakeTimestamp(1, 0), docpb.MakeTimestamp(sec, inc))

	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	for _, req := range h.src.mu.requests {
		require.Equal(t, "local", req.DB)
		require.Equal(t, "source:27017", req.Target)
	}
}

func TestAwaitDataTimeout(t *testing.T) {
	cfg := testReplSetConfig()
	require.Equal(t, 5*time.Second, awaitDataTimeout(&cfg, 2*time.Second))
	cfg.ElectionTimeout = 0
	require.Equal(t, replmeta.DefaultElectionTimeout/2, awaitDataTimeout(&cfg, 2*time.Second))
	cfg.ProtocolVersion = 0
	require.Equal(t, 2*time.Second, awaitDataTimeout(&cfg, 2*time.Second))
	require.NotContains(t, replmeta.RequestMetadata(0).String(), replmeta.ReplSetMetadataFieldName)
}

func TestFindCommandTerm(t *testing.T) {
	ns := docpb.MustParseNamespace("local.oplog.rs")
	es := &fakeExternalState{term: 4}
	cmd := makeFindCommand(es, ns, pos(3).OpTime, time.Minute)
	require.Equal(t, int64(4), cmd.Lookup("term").Int64())

	es.term = docpb.UninitializedTerm
	getMore := makeGetMoreCommand(es, "local.oplog.rs", 11, time.Second)
	_, err := getMore.LookupErr("term")
	require.Error(t, err)
	_, err = getMore.LookupErr("lastKnownCommittedOpTime")
	require.Error(t, err)
}

// TestOplogFetcherOrderAcrossRestarts checks that entries are delivered in
// order, without gaps or duplicates, across restarts.
func TestOplogFetcherOrderAcrossRestarts(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 1, TestingKnobs{},
		response{docs: entries(1, 2, 3), cursorID: 7},
		response{docs: entries(4, 5), cursorID: 7},
		response{err: errors.New("connection reset by peer")},
		response{docs: entries(5, 6), cursorID: 9},
		response{err: errors.New("connection reset by peer")},
		response{docs: entries(6, 7, 8), cursorID: 0},
	)
	defer h.close()
	h.start()

	last, err := h.wait()
	require.NoError(t, err)
	require.Equal(t, pos(8), last)
	require.Equal(t, pos(8), h.f.LastFetched())
	require.Equal(t, positions(2, 3, 4, 5, 6, 7, 8), h.applied())

	finds := h.src.commands("find")
	require.Len(t, finds, 3)
	require.Equal(t, pos(1).TS, findFrom(t, finds[0]))
	require.Equal(t, pos(5).TS, findFrom(t, finds[1]))
	require.Equal(t, pos(6).TS, findFrom(t, finds[2]))

	require.Equal(t, int64(3), h.metrics.ReadersCreated.Count())
	require.Equal(t, int64(2), h.metrics.Restarts.Count())
	require.Equal(t, int64(3+2+2+3), h.metrics.OpsRead.Count())
	count, _ := h.metrics.GetMoreLatency.Total()
	require.Equal(t, int64(4), count)
}

// TestOplogFetcherRestartBudget checks that with a budget of N restarts the
// N+1-th consecutive failure finishes the fetcher.
func TestOplogFetcherRestartBudget(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for _, budget := range []int{0, 1, 3} {
		t.Run("", func(t *testing.T) {
			var rs []response
			for i := 0; i <= budget; i++ {
				rs = append(rs, response{err: errors.Newf("failure %d", i)})
			}
			h := newHarness(t, budget, TestingKnobs{}, rs...)
			defer h.close()
			h.start()

			last, err := h.wait()
			require.ErrorContains(t, err, errors.Newf("failure %d", budget).Error())
			require.Equal(t, pos(1), last)
			require.Len(t, h.src.commands("find"), budget+1)
			require.Equal(t, int64(budget), h.metrics.Restarts.Count())
			require.Zero(t, h.enqueues())
		})
	}
}

func TestOplogFetcherRestartCounterReset(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 1, TestingKnobs{},
		response{err: errors.New("a")},
		response{docs: entries(1, 2), cursorID: 7},
		response{err: errors.New("b")},
		response{docs: entries(2, 3), cursorID: 0},
	)
	defer h.close()
	h.start()

	last, err := h.wait()
	require.NoError(t, err)
	require.Equal(t, pos(3), last)
	require.Equal(t, positions(2, 3), h.applied())
}

// TestOplogFetcherStartMissing checks that a first batch which does not
// start at the last fetched position finishes the fetcher without invoking
// the consumer.
func TestOplogFetcherStartMissing(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mismatch := oplog.MakeNoopEntry(docpb.MakeLogPosition(pos(1).TS, 1, 12345))
	for _, tc := range []struct {
		name  string
		docs  []oplog.Entry
		stale bool
	}{
		{name: "hash mismatch", docs: append([]oplog.Entry{mismatch}, entries(2, 3)...)},
		{name: "position missing", docs: entries(2, 3)},
		{name: "empty", stale: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 3, TestingKnobs{}, response{docs: tc.docs, cursorID: 7})
			defer h.close()
			h.start()

			last, err := h.wait()
			require.True(t, errors.Is(err, ErrOplogStartMissing), "%v", err)
			require.Equal(t, tc.stale, errors.Is(err, ErrRemoteOplogStale))
			require.Equal(t, pos(1), last)
			require.Zero(t, h.enqueues())
			// Consistency errors are never retried.
			require.Len(t, h.src.commands("find"), 1)
		})
	}
}

func TestOplogFetcherOutOfOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 3, TestingKnobs{},
		response{docs: entries(1, 2), cursorID: 7},
		response{docs: entries(4, 3), cursorID: 7},
	)
	defer h.close()
	h.start()

	last, err := h.wait()
	require.True(t, errors.Is(err, ErrOplogOutOfOrder), "%v", err)
	require.Contains(t, err.Error(), "lastTS: Timestamp(4, 0) outOfOrderTS: Timestamp(3, 0)")
	require.Equal(t, pos(2), last)
	require.Equal(t, positions(2), h.applied())
}

func TestOplogFetcherInvalidSyncSource(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rs := replmeta.ReplSetMetadata{
		Term:            1,
		LastOpCommitted: pos(1).OpTime,
		LastOpVisible:   pos(2).OpTime,
		ConfigVersion:   2,
		PrimaryIndex:    replmeta.NoMember,
		SyncSourceIndex: replmeta.NoMember,
	}
	oq := replmeta.OplogQueryMetadata{
		LastOpCommitted: pos(1).OpTime,
		LastOpApplied:   pos(2).OpTime,
		RBID:            1,
		PrimaryIndex:    replmeta.NoMember,
		SyncSourceIndex: replmeta.NoMember,
	}

	for _, withOQ := range []bool{true, false} {
		t.Run("", func(t *testing.T) {
			d := bson.D{{Key: replmeta.ReplSetMetadataFieldName, Value: rs.ToBSON()}}
			if withOQ {
				d = append(d, bson.E{Key: replmeta.OplogQueryMetadataFieldName, Value: oq.ToBSON()})
			}
			md, err := bson.Marshal(d)
			require.NoError(t, err)

			h := newHarness(t, 1, TestingKnobs{},
				response{docs: entries(1, 2), cursorID: 7, metadata: md})
			defer h.close()
			h.es.stop = true
			h.start()

			last, err := h.wait()
			require.True(t, errors.Is(err, ErrInvalidSyncSource), "%v", err)
			require.Contains(t, err.Error(), "sync source source:27017 (config version: 2; ")
			if withOQ {
				require.Contains(t, err.Error(), "last applied optime: {ts: Timestamp(2, 0), t: 1}")
			} else {
				require.Contains(t, err.Error(), "last visible optime: {ts: Timestamp(2, 0), t: 1}")
			}
			require.Contains(t, err.Error(), "sync source index: -1; primary index: -1) is no longer valid")
			require.Equal(t, pos(2), last)
			require.Equal(t, positions(2), h.applied())

			h.es.mu.Lock()
			require.Equal(t, []replmeta.ReplSetMetadata{rs}, h.es.mu.processed)
			h.es.mu.Unlock()

			// The open cursor is released.
			require.Eventually(t, func() bool { return len(h.src.commands("killCursors")) == 1 },
				10*time.Second, time.Millisecond)
		})
	}
}

func TestOplogFetcherMalformedMetadata(t *testing.T) {
	defer leaktest.AfterTest(t)()
	md, err := bson.Marshal(bson.D{{Key: replmeta.OplogQueryMetadataFieldName, Value: "garbage"}})
	require.NoError(t, err)
	h := newHarness(t, 1, TestingKnobs{}, response{docs: entries(1, 2), cursorID: 7, metadata: md})
	defer h.close()
	h.start()

	_, err = h.wait()
	require.ErrorContains(t, err, "expected object")
	require.Zero(t, h.enqueues())
}

func TestOplogFetcherEnqueueError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 1, TestingKnobs{}, response{docs: entries(1, 2), cursorID: 7})
	defer h.close()
	h.enqueueErr = errors.New("buffer full")
	h.start()

	last, err := h.wait()
	require.ErrorContains(t, err, "buffer full")
	require.Equal(t, pos(1), last)
}

func TestOplogFetcherStopReplProducer(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 1, TestingKnobs{StopReplProducer: func() bool { return true }},
		response{docs: entries(1, 2), cursorID: 7})
	defer h.close()
	h.start()

	last, err := h.wait()
	require.NoError(t, err)
	require.Equal(t, pos(1), last)
	require.Zero(t, h.enqueues())
}

func TestOplogFetcherString(t *testing.T) {
	defer leaktest.AfterTest(t)()
	h := newHarness(t, 1, TestingKnobs{})
	defer h.close()
	require.Contains(t, h.f.String(),
		"OplogReader - last optime fetched: {ts: Timestamp(1, 0), t: 1} last hash fetched: 10 fetcher: ")
}
