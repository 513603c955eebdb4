// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package fetcher issues cursor-based queries against a remote node. A
// Fetcher runs one find command and any number of getMore continuations;
// every request resolves a Future which the caller awaits.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrCallbackCanceled is the result of a request that was canceled by
// Shutdown.
var ErrCallbackCanceled = errors.New("callback canceled")

// ErrShutdown is returned when scheduling on a fetcher that was shut down.
// It is marked as ErrCallbackCanceled.
var ErrShutdown = errors.Mark(errors.New("fetcher shut down"), ErrCallbackCanceled)

// ErrActive is returned when scheduling while a request is in flight.
var ErrActive = errors.New("fetcher already has a request in flight")

// Request is a command sent to a remote node.
type Request struct {
	// Target is the host:port of the remote node.
	Target string
	// DB is the database the command runs against.
	DB string
	// Command is the command document.
	Command bson.Raw
	// Metadata is attached to the request out of band.
	Metadata bson.Raw
}

// Reply is the response to a Request.
type Reply struct {
	// Document is the command reply.
	Document bson.Raw
	// Metadata is the reply metadata, possibly empty.
	Metadata bson.Raw
}

// Transport sends requests to remote nodes. It is the RPC abstraction the
// replication layer is written against. Implementations must honor context
// cancellation and deadlines.
type Transport interface {
	RunCommand(ctx context.Context, req Request) (Reply, error)
}

// CommandError is a reply with ok: 0.
type CommandError struct {
	Code     int32
	CodeName string
	Message  string
}

func (e *CommandError) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("command failed with %s (%d): %s", e.CodeName, e.Code, e.Message)
	}
	return fmt.Sprintf("command failed (%d): %s", e.Code, e.Message)
}

// QueryResponse is a parsed batch of cursor results.
type QueryResponse struct {
	// CursorID is zero when the remote cursor is exhausted.
	CursorID int64
	// NS is the namespace of the cursor.
	NS string
	// Documents is the batch.
	Documents []bson.Raw
	// First is set on the response to the initial find.
	First bool
	// Metadata is the reply metadata.
	Metadata bson.Raw
	// Elapsed is the time spent waiting for the reply.
	Elapsed time.Duration
}

// Future is a single-assignment slot for the result of a request.
type Future struct {
	done chan struct{}
	resp QueryResponse
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(resp QueryResponse, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done returns a channel that is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the result. It must only be called after Done is closed.
func (f *Future) Result() (QueryResponse, error) {
	select {
	case <-f.done:
	default:
		panic(errors.AssertionFailedf("result of unresolved future"))
	}
	return f.resp, f.err
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (QueryResponse, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return QueryResponse{}, ctx.Err()
	}
}

// Fetcher runs a cursor query against a single remote node.
type Fetcher struct {
	stopper   *stop.Stopper
	transport Transport
	source    string
	db        string
	findCmd   bson.Raw
	metadata  bson.Raw
	timeout   time.Duration

	mu struct {
		syncutil.Mutex
		shutdown bool
		inFlight bool
		cancel   context.CancelFunc
		// lastCmd is the most recently sent command.
		lastCmd bson.Raw
		// cursorID and ns describe the open remote cursor, if any.
		cursorID int64
		ns       string
	}
}

// New creates a Fetcher which runs findCmd against db on source. Every
// request is bounded by timeout.
func New(
	stopper *stop.Stopper,
	transport Transport,
	source string,
	db string,
	findCmd bson.Raw,
	metadata bson.Raw,
	timeout time.Duration,
) *Fetcher {
	f := &Fetcher{
		stopper:   stopper,
		transport: transport,
		source:    source,
		db:        db,
		findCmd:   findCmd,
		metadata:  metadata,
		timeout:   timeout,
	}
	f.mu.lastCmd = findCmd
	return f
}

// Source returns the remote node queried.
func (f *Fetcher) Source() string {
	return f.source
}

// CommandObject returns the most recently sent command, or the find command
// if nothing was sent yet.
func (f *Fetcher) CommandObject() bson.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.lastCmd
}

// String implements fmt.Stringer.
func (f *Fetcher) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fetcher source: %s database: %s query: %s shutting down?: %t cursor: %d",
		f.source, f.db, f.findCmd, f.mu.shutdown, f.mu.cursorID)
}

// Schedule sends the find command.
func (f *Fetcher) Schedule(ctx context.Context) (*Future, error) {
	return f.schedule(ctx, f.findCmd, true)
}

// ScheduleGetMore sends a continuation command for the open cursor.
func (f *Fetcher) ScheduleGetMore(ctx context.Context, cmd bson.Raw) (*Future, error) {
	return f.schedule(ctx, cmd, false)
}

func (f *Fetcher) schedule(ctx context.Context, cmd bson.Raw, first bool) (*Future, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.shutdown {
		return nil, ErrShutdown
	}
	if f.mu.inFlight {
		return nil, ErrActive
	}

	fut := newFuture()
	quiesceCtx, cancelQuiesce := f.stopper.WithCancelOnQuiesce(
		logtags.WithTags(context.Background(), logtags.FromContext(ctx)))
	reqCtx, cancelTimeout := context.WithTimeout(quiesceCtx, f.timeout)
	cancel := func() {
		cancelTimeout()
		cancelQuiesce()
	}
	req := Request{Target: f.source, DB: f.db, Command: cmd, Metadata: f.metadata}
	if err := f.stopper.RunAsyncTask(reqCtx, "fetcher-request", func(ctx context.Context) {
		defer cancel()
		resp, err := f.run(ctx, req, first)
		fut.resolve(resp, err)
	}); err != nil {
		cancel()
		return nil, err
	}
	f.mu.inFlight = true
	f.mu.cancel = cancel
	f.mu.lastCmd = cmd
	return fut, nil
}

func (f *Fetcher) run(ctx context.Context, req Request, first bool) (QueryResponse, error) {
	start := timeutil.Now()
	reply, err := f.transport.RunCommand(ctx, req)
	elapsed := timeutil.Since(start)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.inFlight = false
	f.mu.cancel = nil
	if err != nil {
		if f.mu.shutdown && errors.Is(err, context.Canceled) {
			return QueryResponse{}, errors.Mark(
				errors.Wrapf(err, "query to %s canceled", f.source), ErrCallbackCanceled)
		}
		return QueryResponse{}, errors.Wrapf(err, "query to %s failed", f.source)
	}
	resp, err := ParseCursorReply(reply.Document)
	if err != nil {
		return QueryResponse{}, err
	}
	if resp.First != first {
		return QueryResponse{}, errors.Newf(
			"unexpected %s in reply from %s", batchFieldName(resp.First), f.source)
	}
	resp.Metadata = reply.Metadata
	resp.Elapsed = elapsed
	f.mu.cursorID = resp.CursorID
	f.mu.ns = resp.NS
	return resp, nil
}

// Shutdown cancels any request in flight and, if a remote cursor is open,
// asks the remote node to close it. Subsequent scheduling fails.
func (f *Fetcher) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.shutdown {
		return
	}
	f.mu.shutdown = true
	if f.mu.cancel != nil {
		f.mu.cancel()
	}
	if f.mu.cursorID == 0 || f.mu.inFlight {
		return
	}
	cmd, err := bson.Marshal(bson.D{
		{Key: "killCursors", Value: collectionFromNS(f.mu.ns)},
		{Key: "cursors", Value: bson.A{f.mu.cursorID}},
	})
	if err != nil {
		return
	}
	req := Request{Target: f.source, DB: f.db, Command: cmd, Metadata: f.metadata}
	_ = f.stopper.RunAsyncTask(ctx, "fetcher-kill-cursors", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		if _, err := f.transport.RunCommand(ctx, req); err != nil {
			log.VEventf(ctx, 2, "failed to kill cursor on %s: %v", f.source, err)
		}
	})
}

func collectionFromNS(ns string) string {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[i+1:]
		}
	}
	return ns
}
