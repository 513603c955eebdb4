// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package loopback

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/fetcher"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/repl/oplogfetcher"
	"github.com/cockroachdb/datamotion/pkg/repl/replcoord"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/leaktest"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

func openStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(context.Background(), docstore.Config{
		Clock: timeutil.NewManualTime(time.Unix(1000, 0)),
	})
	require.NoError(t, err)
	return s
}

func writeNoops(t *testing.T, s *docstore.Store, n int) []docpb.Timestamp {
	t.Helper()
	var res []docpb.Timestamp
	for i := 0; i < n; i++ {
		opTime, err := s.WriteNoop(context.Background(), "noop")
		require.NoError(t, err)
		res = append(res, opTime.TS)
	}
	return res
}

func timestamps(t *testing.T, docs []bson.Raw) []docpb.Timestamp {
	t.Helper()
	res := []docpb.Timestamp{}
	for _, d := range docs {
		e, err := oplog.EntryFromRaw(d)
		require.NoError(t, err)
		pos, err := e.Position()
		require.NoError(t, err)
		res = append(res, pos.TS)
	}
	return res
}

func testReplSet() replmeta.ReplSetConfig {
	return replmeta.ReplSetConfig{
		Name:            "rs0",
		Version:         1,
		ProtocolVersion: 1,
		ElectionTimeout: 200 * time.Millisecond,
		Members: []replmeta.Member{
			{ID: 0, Host: "n1", Votes: 1},
			{ID: 1, Host: "n2", Votes: 1},
			{ID: 2, Host: "n3", Votes: 1},
		},
	}
}

// client sends commands to the server at n1.
type client struct {
	t   *testing.T
	net *Network
}

func (c client) run(db string, cmd bson.D, metadata bson.Raw) (fetcher.QueryResponse, error) {
	c.t.Helper()
	raw, err := bson.Marshal(cmd)
	require.NoError(c.t, err)
	reply, err := c.net.RunCommand(context.Background(), fetcher.Request{
		Target: "n1", DB: db, Command: raw, Metadata: metadata,
	})
	if err != nil {
		return fetcher.QueryResponse{}, err
	}
	resp, err := fetcher.ParseCursorReply(reply.Document)
	resp.Metadata = reply.Metadata
	return resp, err
}

func (c client) find(from docpb.Timestamp, tailable bool) fetcher.QueryResponse {
	c.t.Helper()
	resp, err := c.run("local", bson.D{
		{Key: "find", Value: "oplog.rs"},
		{Key: "filter", Value: bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: from.BSON()}}}}},
		{Key: "tailable", Value: tailable},
		{Key: "awaitData", Value: tailable},
	}, nil)
	require.NoError(c.t, err)
	require.True(c.t, resp.First)
	return resp
}

func (c client) getMore(id int64, maxTime time.Duration) (fetcher.QueryResponse, error) {
	return c.run("local", bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: "oplog.rs"},
		{Key: "maxTimeMS", Value: maxTime.Milliseconds()},
	}, nil)
}

func requireCode(t *testing.T, err error, code int32) {
	t.Helper()
	var cerr *fetcher.CommandError
	require.True(t, errors.As(err, &cerr), "%v", err)
	require.Equal(t, code, cerr.Code, "%v", err)
}

func TestServerCommands(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := openStore(t)
	defer func() { require.NoError(t, s.Close()) }()
	ts := writeNoops(t, s, 5)

	srv, err := NewServer(ServerConfig{
		ReplicationConfig: base.ReplicationConfig{BatchSize: 2},
		Host:              "n1",
		Oplog:             s,
	})
	require.NoError(t, err)
	net := NewNetwork(NetworkTestingKnobs{})
	net.Register(srv)
	c := client{t: t, net: net}

	// A non-tailable query keeps its cursor while batches are full.
	resp := c.find(ts[1], false /* tailable */)
	require.Equal(t, ts[1:3], timestamps(t, resp.Documents))
	require.Equal(t, "local.oplog.rs", resp.NS)
	require.NotZero(t, resp.CursorID)
	resp, err = c.getMore(resp.CursorID, 0)
	require.NoError(t, err)
	require.Equal(t, ts[3:5], timestamps(t, resp.Documents))
	require.NotZero(t, resp.CursorID)
	id := resp.CursorID
	resp, err = c.getMore(id, 0)
	require.NoError(t, err)
	require.Empty(t, resp.Documents)
	require.Zero(t, resp.CursorID)
	require.Zero(t, srv.NumCursors())
	_, err = c.getMore(id, 0)
	requireCode(t, err, codeCursorNotFound)

	// A tailable query waits for new entries.
	resp = c.find(ts[4], true /* tailable */)
	require.Equal(t, ts[4:], timestamps(t, resp.Documents))
	id = resp.CursorID
	require.NotZero(t, id)
	resp, err = c.getMore(id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, resp.Documents)
	require.Equal(t, id, resp.CursorID)

	var g errgroup.Group
	var waited fetcher.QueryResponse
	g.Go(func() error {
		var err error
		waited, err = c.getMore(id, time.Minute)
		return err
	})
	next := writeNoops(t, s, 1)
	require.NoError(t, g.Wait())
	require.Equal(t, next, timestamps(t, waited.Documents))

	resp, err = c.run("local", bson.D{
		{Key: "killCursors", Value: "oplog.rs"},
		{Key: "cursors", Value: bson.A{id, int64(12345)}},
	}, nil)
	// killCursors replies have no cursor.
	require.ErrorContains(t, err, "reply has no cursor field")
	require.Zero(t, srv.NumCursors())

	_, err = c.run("local", bson.D{{Key: "find", Value: "other"}}, nil)
	requireCode(t, err, codeNamespaceNotFound)
	_, err = c.run("local", bson.D{{Key: "insert", Value: "oplog.rs"}}, nil)
	requireCode(t, err, codeCommandNotFound)
	_, err = c.run("local", bson.D{
		{Key: "find", Value: "oplog.rs"},
		{Key: "filter", Value: bson.D{{Key: "ts", Value: int32(5)}}},
	}, nil)
	requireCode(t, err, codeBadValue)

	_, err = net.RunCommand(ctx, fetcher.Request{Target: "n9", DB: "local"})
	require.True(t, errors.Is(err, ErrUnreachable))
	net.SetPartitioned("n1", true)
	_, err = c.run("local", bson.D{{Key: "find", Value: "oplog.rs"}}, nil)
	require.True(t, errors.Is(err, ErrUnreachable))
	net.SetPartitioned("n1", false)
	resp, err = c.run("local", bson.D{{Key: "find", Value: "oplog.rs"}}, nil)
	require.NoError(t, err)
	require.Equal(t, ts[:2], timestamps(t, resp.Documents))
	// Replies carry no metadata without a metadata source.
	require.Empty(t, resp.Metadata)
}

func TestServerMetadata(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s := openStore(t)
	defer func() { require.NoError(t, s.Close()) }()
	last := writeNoops(t, s, 2)[1]

	coord, err := replcoord.New(replcoord.Config{ReplSet: testReplSet(), Self: "n1", Local: s})
	require.NoError(t, err)
	coord.StepUp(ctx)
	srv, err := NewServer(ServerConfig{Host: "n1", Oplog: s, Metadata: coord, RBID: 4})
	require.NoError(t, err)
	net := NewNetwork(NetworkTestingKnobs{})
	net.Register(srv)
	c := client{t: t, net: net}
	find := bson.D{{Key: "find", Value: "oplog.rs"}}

	resp, err := c.run("local", find, replmeta.RequestMetadata(1))
	require.NoError(t, err)
	rs, ok, err := replmeta.ReadReplSetMetadata(resp.Metadata)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), rs.Term)
	require.Equal(t, 0, rs.PrimaryIndex)
	require.Equal(t, last, rs.LastOpVisible.TS)
	oq, ok, err := replmeta.ReadOplogQueryMetadata(resp.Metadata)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, oq.RBID)
	require.Equal(t, last, oq.LastOpApplied.TS)

	// Protocol version 0 requests no replication metadata.
	resp, err = c.run("local", find, replmeta.RequestMetadata(0))
	require.NoError(t, err)
	require.Empty(t, resp.Metadata)
}

// TestOplogFetcherTailsSource runs an oplog fetcher against a loopback
// source, through an injected transport failure and new writes.
func TestOplogFetcherTailsSource(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	source := openStore(t)
	defer func() { require.NoError(t, source.Close()) }()
	target := openStore(t)
	defer func() { require.NoError(t, target.Close()) }()
	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	writeNoops(t, source, 7)
	rs := testReplSet()
	sourceCoord, err := replcoord.New(replcoord.Config{ReplSet: rs, Self: "n1", Local: source})
	require.NoError(t, err)
	sourceCoord.StepUp(ctx)
	targetCoord, err := replcoord.New(replcoord.Config{
		ReplSet: rs, Self: "n2", Local: target, MaxSyncSourceLag: time.Minute,
	})
	require.NoError(t, err)

	// The target starts out with the first entry of the source.
	first, err := source.ReadOplog(docpb.Timestamp{}, docstore.OplogReadLimits{MaxEntries: 1})
	require.NoError(t, err)
	require.NoError(t, target.AppendOplog(ctx, first...))
	start, err := first[0].Position()
	require.NoError(t, err)

	var failedGetMore atomic.Bool
	net := NewNetwork(NetworkTestingKnobs{
		BeforeCommand: func(ctx context.Context, req fetcher.Request) error {
			if commandName(req.Command) == "getMore" && failedGetMore.CompareAndSwap(false, true) {
				return errors.New("injected network error")
			}
			return nil
		},
	})
	srv, err := NewServer(ServerConfig{
		ReplicationConfig: base.ReplicationConfig{BatchSize: 3},
		Host:              "n1",
		Oplog:             source,
		Metadata:          sourceCoord,
	})
	require.NoError(t, err)
	net.Register(srv)

	metrics := oplogfetcher.MakeMetrics()
	done := make(chan error, 1)
	f := oplogfetcher.New(oplogfetcher.Config{
		OplogFetcherConfig: base.OplogFetcherConfig{MaxRestarts: 1},
		Stopper:            stopper,
		Transport:          net,
		Source:             "n1",
		LastFetched:        start,
		ReplSetConfig:      rs,
		ExternalState:      targetCoord,
		Enqueue: func(ctx context.Context, entries []oplog.Entry, _ oplogfetcher.DocumentsInfo) error {
			if err := target.AppendOplog(ctx, entries...); err != nil {
				return err
			}
			sourceCoord.SetMemberApplied("n2", target.LastOplogPosition().OpTime)
			return nil
		},
		OnShutdown: func(err error, _ docpb.LogPosition) { done <- err },
		Metrics:    metrics,
	})
	require.NoError(t, f.Startup(ctx))

	caughtUp := func() bool {
		return target.LastOplogPosition().Equal(source.LastOplogPosition())
	}
	require.Eventually(t, caughtUp, 10*time.Second, time.Millisecond)
	require.True(t, failedGetMore.Load())
	require.Equal(t, int64(1), metrics.Restarts.Count())

	// New writes reach the waiting getMore.
	writeNoops(t, source, 4)
	require.Eventually(t, caughtUp, 10*time.Second, time.Millisecond)
	require.Equal(t, source.LastOplogPosition(), f.LastFetched())

	// The commit point and the term propagate through reply metadata.
	require.Eventually(t, func() bool {
		term, committed := targetCoord.CurrentTermAndLastCommittedOpTime()
		return term == 1 && committed == source.LastOplogPosition().OpTime
	}, 10*time.Second, time.Millisecond)

	f.Shutdown(ctx)
	f.Join()
	require.True(t, errors.Is(<-done, oplogfetcher.ErrCallbackCanceled))
	require.Equal(t, oplogfetcher.Complete, f.State())
}
