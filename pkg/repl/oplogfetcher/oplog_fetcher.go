// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package oplogfetcher implements the OplogFetcher, which tails the oplog of
// a sync source and hands validated batches of entries to a consumer.
//
// An OplogFetcher moves through the following states:
//
//	PreStart -> Running -> ShuttingDown -> Complete
//	    |          |                          ^
//	    |          +--------------------------+
//	    +-------------------------------------+
//
// Startup schedules the initial find command and starts the run loop. Each
// reply is processed by the run loop, which either schedules a getMore, a
// replacement query after an error, or finishes the fetcher. Whatever the
// reason, finishing invokes the OnShutdown callback exactly once.
package oplogfetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/fetcher"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAlreadyStarted is returned by Startup on a running fetcher.
	ErrAlreadyStarted = errors.New("oplog fetcher already started")
	// ErrShutdownInProgress is returned by Startup on a fetcher that is
	// shutting down or completed.
	ErrShutdownInProgress = errors.New("oplog fetcher shutting down")
	// ErrOplogStartMissing indicates that the sync source no longer holds the
	// last fetched entry. The caller typically reacts with a rollback.
	ErrOplogStartMissing = errors.New("oplog start missing")
	// ErrRemoteOplogStale indicates that the sync source is behind us.
	ErrRemoteOplogStale = errors.New("remote oplog stale")
	// ErrOplogOutOfOrder indicates that a batch contains non-increasing
	// timestamps.
	ErrOplogOutOfOrder = errors.New("oplog out of order")
	// ErrInvalidSyncSource indicates that the sync source should no longer be
	// used.
	ErrInvalidSyncSource = errors.New("invalid sync source")
	// ErrCallbackCanceled is the final status of a fetcher that was shut
	// down.
	ErrCallbackCanceled = fetcher.ErrCallbackCanceled
)

// State is the state of an OplogFetcher.
type State int

const (
	// PreStart is the state before Startup.
	PreStart State = iota
	// Running means a query is in flight or being processed.
	Running
	// ShuttingDown means Shutdown was called on a running fetcher.
	ShuttingDown
	// Complete is terminal.
	Complete
)

func (s State) String() string {
	switch s {
	case PreStart:
		return "PreStart"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Complete:
		return "Complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ExternalState is the view of the local node used by the fetcher.
type ExternalState interface {
	// CurrentTermAndLastCommittedOpTime returns the current term, or
	// docpb.UninitializedTerm, and the last known commit point.
	CurrentTermAndLastCommittedOpTime() (int64, docpb.OpTime)
	// ProcessMetadata incorporates the metadata returned by the sync source.
	// oq is nil if the source did not return oplog query metadata.
	ProcessMetadata(ctx context.Context, rs replmeta.ReplSetMetadata, oq *replmeta.OplogQueryMetadata)
	// ShouldStopFetching returns whether source is no longer a valid sync
	// source.
	ShouldStopFetching(
		ctx context.Context, source string, rs replmeta.ReplSetMetadata, oq *replmeta.OplogQueryMetadata,
	) bool
}

// EnqueueFn hands a validated batch to the consumer. It is called outside of
// the fetcher's lock.
type EnqueueFn func(ctx context.Context, entries []oplog.Entry, info DocumentsInfo) error

// OnShutdownFn is called exactly once with the final status of the fetcher
// and the last position fetched.
type OnShutdownFn func(err error, lastFetched docpb.LogPosition)

// TestingKnobs contains testing hooks.
type TestingKnobs struct {
	// StopReplProducer, if it returns true, makes the fetcher discard the
	// batch it just received and finish successfully.
	StopReplProducer func() bool
}

// Config configures an OplogFetcher.
type Config struct {
	base.OplogFetcherConfig

	Stopper   *stop.Stopper
	Transport fetcher.Transport
	// Source is the host:port of the sync source.
	Source string
	// LastFetched is the position at which to resume.
	LastFetched   docpb.LogPosition
	ReplSetConfig replmeta.ReplSetConfig
	ExternalState ExternalState
	Enqueue       EnqueueFn
	OnShutdown    OnShutdownFn
	// Metrics defaults to a fresh, unregistered instance.
	Metrics *Metrics
	Knobs   TestingKnobs
}

// OplogFetcher tails the oplog of a sync source.
type OplogFetcher struct {
	stopper       *stop.Stopper
	transport     fetcher.Transport
	source        string
	ns            docpb.Namespace
	maxRestarts   int
	findMaxTime   time.Duration
	netTimeout    time.Duration
	awaitData     time.Duration
	metadata      bson.Raw
	externalState ExternalState
	enqueue       EnqueueFn
	onShutdown    OnShutdownFn
	metrics       *Metrics
	knobs         TestingKnobs
	tracer        trace.Tracer

	mu struct {
		syncutil.Mutex
		// cond is signaled on every transition to Complete.
		cond        *sync.Cond
		state       State
		lastFetched docpb.LogPosition
		restarts    int
		fetcher     *fetcher.Fetcher
	}
}

// New creates an OplogFetcher. Invalid arguments are programming errors and
// cause a panic.
func New(cfg Config) *OplogFetcher {
	switch {
	case cfg.LastFetched.IsNull():
		panic(errors.AssertionFailedf("null last optime fetched"))
	case !cfg.ReplSetConfig.IsInitialized():
		panic(errors.AssertionFailedf("uninitialized replica set configuration"))
	case cfg.Enqueue == nil:
		panic(errors.AssertionFailedf("null enqueue function"))
	case cfg.OnShutdown == nil:
		panic(errors.AssertionFailedf("null onShutdown function"))
	case cfg.Stopper == nil || cfg.Transport == nil || cfg.ExternalState == nil:
		panic(errors.AssertionFailedf("stopper, transport and external state are required"))
	case cfg.MaxRestarts < 0:
		panic(errors.AssertionFailedf("negative restart budget %d", cfg.MaxRestarts))
	}
	settings := cfg.OplogFetcherConfig
	if settings.Namespace == "" {
		settings.Namespace = base.DefaultOplogNamespace
	}
	if settings.InitialFindMaxTime == 0 {
		settings.InitialFindMaxTime = base.DefaultOplogInitialFindMaxTime
	}
	if settings.NetworkTimeoutMargin == 0 {
		settings.NetworkTimeoutMargin = base.DefaultOplogNetworkTimeoutMargin
	}
	if settings.ProtocolZeroAwaitDataTimeout == 0 {
		settings.ProtocolZeroAwaitDataTimeout = base.DefaultProtocolZeroAwaitDataTimeout
	}
	ns, err := docpb.ParseNamespace(settings.Namespace)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "invalid oplog namespace"))
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = MakeMetrics()
	}

	f := &OplogFetcher{
		stopper:       cfg.Stopper,
		transport:     cfg.Transport,
		source:        cfg.Source,
		ns:            ns,
		maxRestarts:   settings.MaxRestarts,
		findMaxTime:   settings.InitialFindMaxTime,
		netTimeout:    settings.NetworkTimeout(),
		awaitData:     awaitDataTimeout(&cfg.ReplSetConfig, settings.ProtocolZeroAwaitDataTimeout),
		metadata:      replmeta.RequestMetadata(cfg.ReplSetConfig.ProtocolVersion),
		externalState: cfg.ExternalState,
		enqueue:       cfg.Enqueue,
		onShutdown:    cfg.OnShutdown,
		metrics:       metrics,
		knobs:         cfg.Knobs,
		tracer:        otel.Tracer("github.com/cockroachdb/datamotion/pkg/repl/oplogfetcher"),
	}
	f.mu.cond = sync.NewCond(&f.mu.Mutex)
	f.mu.lastFetched = cfg.LastFetched
	f.mu.fetcher = f.makeFetcher(cfg.LastFetched.OpTime)
	return f
}

func (f *OplogFetcher) makeFetcher(lastFetched docpb.OpTime) *fetcher.Fetcher {
	return fetcher.New(
		f.stopper,
		f.transport,
		f.source,
		f.ns.DB,
		makeFindCommand(f.externalState, f.ns, lastFetched, f.findMaxTime),
		f.metadata,
		f.netTimeout,
	)
}

// String implements fmt.Stringer.
func (f *OplogFetcher) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("OplogReader - last optime fetched: %s last hash fetched: %d fetcher: %s",
		f.mu.lastFetched.OpTime, f.mu.lastFetched.Hash, f.mu.fetcher)
}

// IsActive returns whether the fetcher is Running or ShuttingDown.
func (f *OplogFetcher) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isActiveLocked()
}

func (f *OplogFetcher) isActiveLocked() bool {
	return f.mu.state == Running || f.mu.state == ShuttingDown
}

// State returns the current state.
func (f *OplogFetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.state
}

// LastFetched returns the position of the last entry handed to the consumer,
// or the initial position.
func (f *OplogFetcher) LastFetched() docpb.LogPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.lastFetched
}

// FindCommand returns the most recent command of the active query.
func (f *OplogFetcher) FindCommand() bson.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.fetcher.CommandObject()
}

// MetadataObject returns the metadata attached to oplog queries.
func (f *OplogFetcher) MetadataObject() bson.Raw {
	return f.metadata
}

// AwaitDataTimeout returns the maxTimeMS of getMore commands.
func (f *OplogFetcher) AwaitDataTimeout() time.Duration {
	return f.awaitData
}

// Startup schedules the initial query. It fails without side effects if the
// fetcher was already started or shut down.
func (f *OplogFetcher) Startup(ctx context.Context) error {
	// The run loop outlives the caller's context.
	ctx = logtags.AddTag(
		logtags.WithTags(context.Background(), logtags.FromContext(ctx)), "oplog-fetcher", f.source)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.mu.state {
	case PreStart:
		f.mu.state = Running
	case Running:
		return ErrAlreadyStarted
	case ShuttingDown:
		return ErrShutdownInProgress
	case Complete:
		return errors.Mark(errors.New("oplog fetcher completed"), ErrShutdownInProgress)
	}

	fut, err := f.scheduleLocked(ctx)
	if err == nil {
		err = f.stopper.RunAsyncTask(ctx, "oplog-fetcher", func(ctx context.Context) {
			f.run(ctx, fut)
		})
		if err != nil {
			f.mu.fetcher.Shutdown(ctx)
		}
	}
	if err != nil {
		f.mu.state = Complete
		f.mu.cond.Broadcast()
		return err
	}
	return nil
}

func (f *OplogFetcher) scheduleLocked(ctx context.Context) (*fetcher.Future, error) {
	f.metrics.ReadersCreated.Inc(1)
	return f.mu.fetcher.Schedule(ctx)
}

// Shutdown cancels the in-flight query. The fetcher completes asynchronously
// unless it was never started.
func (f *OplogFetcher) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.mu.state {
	case PreStart:
		f.mu.state = Complete
		f.mu.cond.Broadcast()
		return
	case Running:
		f.mu.state = ShuttingDown
	case ShuttingDown, Complete:
		return
	}
	f.mu.fetcher.Shutdown(ctx)
}

// Join blocks until the fetcher is no longer active.
func (f *OplogFetcher) Join() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.isActiveLocked() {
		f.mu.cond.Wait()
	}
}

func (f *OplogFetcher) isShuttingDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.state == ShuttingDown
}

// run awaits each reply and processes it until the fetcher finishes.
func (f *OplogFetcher) run(ctx context.Context, fut *fetcher.Future) {
	for fut != nil {
		<-fut.Done()
		resp, err := fut.Result()
		fut = f.processReply(ctx, resp, err)
	}
}

// processReply handles the reply to a query. It returns the next request to
// wait on, or nil once the fetcher finished.
func (f *OplogFetcher) processReply(
	ctx context.Context, resp fetcher.QueryResponse, err error,
) *fetcher.Future {
	ctx, span := f.tracer.Start(ctx, "oplog-fetcher.batch",
		trace.WithAttributes(
			attribute.String("source", f.source),
			attribute.Int("docs", len(resp.Documents)),
			attribute.Bool("first", resp.First),
		))
	defer span.End()

	next, finalErr, done := f.processReplyImpl(ctx, resp, err)
	if done {
		if finalErr != nil {
			span.RecordError(finalErr)
			span.SetStatus(codes.Error, finalErr.Error())
		}
		return nil
	}
	return next
}

// processReplyImpl returns either the next request or done. finalErr is the
// status the fetcher finished with.
func (f *OplogFetcher) processReplyImpl(
	ctx context.Context, resp fetcher.QueryResponse, respErr error,
) (next *fetcher.Future, finalErr error, done bool) {
	finish := func(err error) (*fetcher.Future, error, bool) {
		f.finish(ctx, err, f.LastFetched())
		return nil, err, true
	}
	finishAt := func(err error, pos docpb.LogPosition) (*fetcher.Future, error, bool) {
		f.finish(ctx, err, pos)
		return nil, err, true
	}

	if errors.Is(respErr, ErrCallbackCanceled) {
		log.VEventf(ctx, 1, "oplog query canceled")
		return finish(respErr)
	}

	// The source may have cut the connection before returning a cursor, for
	// example because it stepped down.
	if respErr != nil {
		if fut, ok := f.maybeRestart(ctx, respErr); ok {
			return fut, nil, false
		}
		return finish(respErr)
	}

	f.mu.Lock()
	if !f.isActiveLocked() {
		f.mu.Unlock()
		panic(errors.AssertionFailedf("processing oplog batch on inactive fetcher"))
	}
	f.mu.restarts = 0
	f.mu.Unlock()

	if f.isShuttingDown() {
		return finish(errors.Mark(errors.New("oplog fetcher shutting down"), ErrCallbackCanceled))
	}

	if fn := f.knobs.StopReplProducer; fn != nil && fn() {
		return finish(nil)
	}

	docs := make([]oplog.Entry, 0, len(resp.Documents))
	for _, raw := range resp.Documents {
		e, err := oplog.EntryFromRaw(raw)
		if err != nil {
			return finish(errors.Wrapf(err, "invalid oplog entry from sync source %s", f.source))
		}
		docs = append(docs, e)
	}
	if len(docs) > 0 {
		log.VEventf(ctx, 2, "oplog fetcher read %d operations from remote oplog starting at %s and ending at %s",
			len(docs), docs[0].Raw().Lookup("ts"), docs[len(docs)-1].Raw().Lookup("ts"))
	} else {
		log.VEventf(ctx, 2, "oplog fetcher read 0 operations from remote oplog")
	}

	lastFetched := f.LastFetched()

	oqMetadata, hasOQ, err := replmeta.ReadOplogQueryMetadata(resp.Metadata)
	if err != nil {
		log.Errorf(ctx, "invalid oplog query metadata from sync source %s: %v: %s",
			f.source, err, resp.Metadata)
		return finish(err)
	}
	var oq *replmeta.OplogQueryMetadata
	if hasOQ {
		oq = &oqMetadata
	}

	// On the first batch, check that the source still holds our position.
	toApply := docs
	if resp.First {
		if err := checkRemoteOplogStart(docs, lastFetched); err != nil {
			return finishAt(err, lastFetched)
		}
		log.VEventf(ctx, 1, "oplog fetcher successfully fetched from %s", f.source)
		toApply = docs[1:]
	}

	info, err := ValidateDocuments(docs, resp.First, lastFetched.TS)
	if err != nil {
		return finishAt(err, lastFetched)
	}

	// Processing the replication metadata only after validating the first
	// batch keeps the commit point from advancing off a response that
	// triggers a rollback.
	rsMetadata, hasRS, err := replmeta.ReadReplSetMetadata(resp.Metadata)
	if err != nil {
		log.Errorf(ctx, "invalid replication metadata from sync source %s: %v: %s",
			f.source, err, resp.Metadata)
		return finish(err)
	}
	if hasRS {
		f.externalState.ProcessMetadata(ctx, rsMetadata, oq)
	}

	f.metrics.OpsRead.Inc(int64(info.NetworkDocumentCount))
	f.metrics.BytesRead.Inc(int64(info.NetworkDocumentBytes))
	f.metrics.GetMoreLatency.RecordValue(resp.Elapsed.Nanoseconds())
	f.metrics.GetMoreLatencyEWMA.Add(float64(resp.Elapsed.Nanoseconds()))

	if err := f.enqueue(ctx, toApply, info); err != nil {
		return finish(err)
	}

	if len(toApply) > 0 {
		lastFetched = info.LastDocument
		log.VEventf(ctx, 3, "batch resetting last fetched optime: %s", lastFetched)
		f.mu.Lock()
		f.mu.lastFetched = lastFetched
		f.mu.Unlock()
	}

	if f.externalState.ShouldStopFetching(ctx, f.source, rsMetadata, oq) {
		return finishAt(invalidSyncSourceError(f.source, rsMetadata, oq), lastFetched)
	}

	if resp.CursorID == 0 {
		return finishAt(nil, lastFetched)
	}

	cmd := makeGetMoreCommand(f.externalState, resp.NS, resp.CursorID, f.awaitData)
	f.mu.Lock()
	cur := f.mu.fetcher
	f.mu.Unlock()
	fut, err := cur.ScheduleGetMore(ctx, cmd)
	if err != nil {
		return f.processReplyImpl(ctx, fetcher.QueryResponse{}, err)
	}
	return fut, nil, false
}

// maybeRestart replaces the active query after an error if the restart
// budget allows it.
func (f *OplogFetcher) maybeRestart(ctx context.Context, respErr error) (*fetcher.Future, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.mu.state == ShuttingDown:
		log.Infof(ctx, "error returned from oplog query while canceling query: %v", respErr)
		return nil, false
	case f.mu.restarts >= f.maxRestarts:
		log.Infof(ctx, "error returned from oplog query (no more query restarts left): %v", respErr)
		return nil, false
	}
	log.Infof(ctx, "restarting oplog query due to error: %v. last fetched optime (with hash): %s. restarts remaining: %d",
		respErr, f.mu.lastFetched, f.maxRestarts-f.mu.restarts)
	f.mu.restarts++
	f.metrics.Restarts.Inc(1)
	f.mu.fetcher.Shutdown(ctx)
	f.mu.fetcher = f.makeFetcher(f.mu.lastFetched.OpTime)
	fut, err := f.scheduleLocked(ctx)
	if err != nil {
		log.Errorf(ctx, "error scheduling new oplog query: %v. returning current oplog query error: %v",
			err, respErr)
		return nil, false
	}
	log.Infof(ctx, "scheduled new oplog query %s", f.mu.fetcher)
	return fut, true
}

// finish invokes the OnShutdown callback and moves the fetcher to Complete.
func (f *OplogFetcher) finish(ctx context.Context, err error, lastFetched docpb.LogPosition) {
	if !f.IsActive() {
		panic(errors.AssertionFailedf("finishing inactive oplog fetcher"))
	}
	f.onShutdown(err, lastFetched)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.state == Complete {
		panic(errors.AssertionFailedf("oplog fetcher completed twice"))
	}
	f.mu.state = Complete
	// Release the remote cursor, if any.
	f.mu.fetcher.Shutdown(ctx)
	f.mu.cond.Broadcast()
}

func invalidSyncSourceError(
	source string, rs replmeta.ReplSetMetadata, oq *replmeta.OplogQueryMetadata,
) error {
	// When oplog query metadata was returned, its values decided to stop
	// fetching.
	var err error
	if oq != nil {
		err = errors.Newf("sync source %s (config version: %d; last applied optime: %s; sync source index: %d; primary index: %d) is no longer valid",
			source, rs.ConfigVersion, oq.LastOpApplied, oq.SyncSourceIndex, oq.PrimaryIndex)
	} else {
		err = errors.Newf("sync source %s (config version: %d; last visible optime: %s; sync source index: %d; primary index: %d) is no longer valid",
			source, rs.ConfigVersion, rs.LastOpVisible, rs.SyncSourceIndex, rs.PrimaryIndex)
	}
	return errors.Mark(err, ErrInvalidSyncSource)
}
