// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package loopback

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/fetcher"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Error codes of command replies.
const (
	codeBadValue          int32 = 2
	codeFailedToParse     int32 = 9
	codeNamespaceNotFound int32 = 26
	codeCursorNotFound    int32 = 43
	codeCommandNotFound   int32 = 59
	codeCursorInUse       int32 = 292
)

// Oplog is the oplog a Server serves.
type Oplog interface {
	ReadOplog(from docpb.Timestamp, limits docstore.OplogReadLimits) ([]oplog.Entry, error)
	// OplogChanged returns a channel closed on the next append.
	OplogChanged() <-chan struct{}
}

var _ Oplog = (*docstore.Store)(nil)

// MetadataSource provides the replication metadata attached to replies.
type MetadataSource interface {
	ReplSetMetadata() replmeta.ReplSetMetadata
	OplogQueryMetadata(rbid int) replmeta.OplogQueryMetadata
}

// ServerTestingKnobs contains fault injection hooks.
type ServerTestingKnobs struct {
	// OverrideReply, if it returns true, replaces the reply to req.
	OverrideReply func(req fetcher.Request) (bson.Raw, bool)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	base.ReplicationConfig

	Host string
	// Namespace is the namespace of the served oplog. It defaults to
	// base.DefaultOplogNamespace.
	Namespace string
	Oplog     Oplog
	// Metadata is optional. Without it replies carry no metadata.
	Metadata MetadataSource
	// RBID is the rollback id reported in oplog query metadata.
	RBID  int
	Knobs ServerTestingKnobs
}

// cursor is an open query on the oplog.
type cursor struct {
	id int64
	// next is the lowest timestamp of the next batch.
	next      docpb.Timestamp
	tailable  bool
	awaitData bool
	inUse     bool
}

// Server answers find, getMore and killCursors commands against an oplog.
type Server struct {
	host     string
	ns       docpb.Namespace
	oplog    Oplog
	metadata MetadataSource
	rbid     int
	limits   docstore.OplogReadLimits
	knobs    ServerTestingKnobs

	mu struct {
		syncutil.Mutex
		lastCursorID int64
		cursors      map[int64]*cursor
	}
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Host == "" {
		return nil, errors.New("server has no host")
	}
	if cfg.Oplog == nil {
		return nil, errors.Newf("server %s has no oplog", cfg.Host)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = base.DefaultOplogNamespace
	}
	ns, err := docpb.ParseNamespace(cfg.Namespace)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = base.DefaultOplogBatchSize
	}
	s := &Server{
		host:     cfg.Host,
		ns:       ns,
		oplog:    cfg.Oplog,
		metadata: cfg.Metadata,
		rbid:     cfg.RBID,
		limits: docstore.OplogReadLimits{
			MaxEntries: cfg.BatchSize,
			MaxBytes:   int64(cfg.BatchBytes),
		},
		knobs: cfg.Knobs,
	}
	s.mu.cursors = make(map[int64]*cursor)
	return s, nil
}

// Host returns the host the server is reachable at.
func (s *Server) Host() string {
	return s.host
}

// NumCursors returns the number of open cursors.
func (s *Server) NumCursors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.cursors)
}

// RunCommand runs the command of req. Failed commands produce replies with
// ok: 0; the returned error is reserved for context cancellation and
// storage failures.
func (s *Server) RunCommand(ctx context.Context, req fetcher.Request) (fetcher.Reply, error) {
	if fn := s.knobs.OverrideReply; fn != nil {
		if doc, ok := fn(req); ok {
			return fetcher.Reply{Document: doc, Metadata: s.replyMetadata(req.Metadata)}, nil
		}
	}

	var doc bson.Raw
	var err error
	switch name := commandName(req.Command); name {
	case "find":
		doc, err = s.find(req)
	case "getMore":
		doc, err = s.getMore(ctx, req)
	case "killCursors":
		doc, err = s.killCursors(req)
	default:
		err = &fetcher.CommandError{
			Code: codeCommandNotFound, CodeName: "CommandNotFound",
			Message: fmt.Sprintf("no such command: '%s'", name),
		}
	}
	var cerr *fetcher.CommandError
	if errors.As(err, &cerr) {
		log.VEventf(ctx, 2, "command %s failed: %s", commandName(req.Command), cerr.Message)
		doc, err = fetcher.MakeErrorReply(cerr.Code, cerr.CodeName, cerr.Message)
	}
	if err != nil {
		return fetcher.Reply{}, err
	}
	return fetcher.Reply{Document: doc, Metadata: s.replyMetadata(req.Metadata)}, nil
}

func (s *Server) checkNamespace(db string, v bson.RawValue) error {
	coll, ok := v.StringValueOK()
	if !ok {
		return &fetcher.CommandError{
			Code: codeFailedToParse, CodeName: "FailedToParse",
			Message: fmt.Sprintf("collection name has type %s, expected string", v.Type),
		}
	}
	if db != s.ns.DB || coll != s.ns.Coll {
		return &fetcher.CommandError{
			Code: codeNamespaceNotFound, CodeName: "NamespaceNotFound",
			Message: fmt.Sprintf("namespace %s.%s not found", db, coll),
		}
	}
	return nil
}

func (s *Server) find(req fetcher.Request) (bson.Raw, error) {
	cmd := req.Command
	if err := s.checkNamespace(req.DB, cmd.Lookup("find")); err != nil {
		return nil, err
	}
	from, err := parseTimestampFilter(cmd)
	if err != nil {
		return nil, err
	}
	entries, err := s.oplog.ReadOplog(from, s.limits)
	if err != nil {
		return nil, err
	}
	next, err := nextTimestamp(entries, from)
	if err != nil {
		return nil, err
	}

	c := &cursor{next: next}
	c.tailable, _ = cmd.Lookup("tailable").BooleanOK()
	c.awaitData, _ = cmd.Lookup("awaitData").BooleanOK()
	var id int64
	if c.tailable || len(entries) == s.limits.MaxEntries {
		id = s.openCursor(c)
	}
	return fetcher.MakeCursorReply(id, s.ns.String(), raws(entries), true /* first */)
}

func (s *Server) getMore(ctx context.Context, req fetcher.Request) (bson.Raw, error) {
	cmd := req.Command
	id, ok := cmd.Lookup("getMore").Int64OK()
	if !ok {
		return nil, &fetcher.CommandError{
			Code: codeFailedToParse, CodeName: "FailedToParse",
			Message: "cursor id must be a 64-bit integer",
		}
	}
	if err := s.checkNamespace(req.DB, cmd.Lookup("collection")); err != nil {
		return nil, err
	}
	var maxTime time.Duration
	if v, err := cmd.LookupErr("maxTimeMS"); err == nil {
		ms, ok := v.AsInt64OK()
		if !ok || ms < 0 {
			return nil, &fetcher.CommandError{
				Code: codeBadValue, CodeName: "BadValue",
				Message: fmt.Sprintf("invalid maxTimeMS %s", v),
			}
		}
		maxTime = time.Duration(ms) * time.Millisecond
	}

	c, err := s.checkoutCursor(id)
	if err != nil {
		return nil, err
	}
	defer s.returnCursor(c)

	var timer timeutil.Timer
	defer timer.Stop()
	timerSet := false
	var entries []oplog.Entry
	for {
		// Grab the channel before reading so that an append racing with the
		// read is not missed.
		changed := s.oplog.OplogChanged()
		if entries, err = s.oplog.ReadOplog(c.next, s.limits); err != nil {
			return nil, err
		}
		if len(entries) > 0 || !c.awaitData || maxTime == 0 {
			break
		}
		if !timerSet {
			timer.Reset(maxTime)
			timerSet = true
		}
		select {
		case <-changed:
			continue
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		break
	}

	if c.next, err = nextTimestamp(entries, c.next); err != nil {
		return nil, err
	}
	if !c.tailable && len(entries) < s.limits.MaxEntries {
		s.closeCursor(c.id)
		id = 0
	}
	return fetcher.MakeCursorReply(id, s.ns.String(), raws(entries), false /* first */)
}

func (s *Server) killCursors(req fetcher.Request) (bson.Raw, error) {
	cmd := req.Command
	if err := s.checkNamespace(req.DB, cmd.Lookup("killCursors")); err != nil {
		return nil, err
	}
	arr, ok := cmd.Lookup("cursors").ArrayOK()
	if !ok {
		return nil, &fetcher.CommandError{
			Code: codeFailedToParse, CodeName: "FailedToParse",
			Message: "cursors must be an array",
		}
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, errors.Wrap(err, "malformed cursors")
	}
	killed, notFound := bson.A{}, bson.A{}
	for _, v := range vals {
		id, ok := v.AsInt64OK()
		if ok && s.closeCursor(id) {
			killed = append(killed, id)
		} else {
			notFound = append(notFound, v)
		}
	}
	return bson.Marshal(bson.D{
		{Key: "cursorsKilled", Value: killed},
		{Key: "cursorsNotFound", Value: notFound},
		{Key: "ok", Value: 1.0},
	})
}

func (s *Server) openCursor(c *cursor) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.lastCursorID++
	c.id = s.mu.lastCursorID
	s.mu.cursors[c.id] = c
	return c.id
}

// checkoutCursor reserves the cursor for a getMore.
func (s *Server) checkoutCursor(id int64) (*cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.mu.cursors[id]
	if !ok {
		return nil, &fetcher.CommandError{
			Code: codeCursorNotFound, CodeName: "CursorNotFound",
			Message: fmt.Sprintf("cursor id %d not found", id),
		}
	}
	if c.inUse {
		return nil, &fetcher.CommandError{
			Code: codeCursorInUse, CodeName: "CursorInUse",
			Message: fmt.Sprintf("cursor id %d is already in use", id),
		}
	}
	c.inUse = true
	return c, nil
}

func (s *Server) returnCursor(c *cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.inUse = false
}

func (s *Server) closeCursor(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mu.cursors[id]; !ok {
		return false
	}
	delete(s.mu.cursors, id)
	return true
}

// replyMetadata returns the metadata elements requested by reqMetadata.
func (s *Server) replyMetadata(reqMetadata bson.Raw) bson.Raw {
	if s.metadata == nil || len(reqMetadata) == 0 {
		return nil
	}
	var d bson.D
	if _, err := reqMetadata.LookupErr(replmeta.ReplSetMetadataFieldName); err == nil {
		d = append(d, bson.E{Key: replmeta.ReplSetMetadataFieldName, Value: s.metadata.ReplSetMetadata().ToBSON()})
	}
	if _, err := reqMetadata.LookupErr(replmeta.OplogQueryMetadataFieldName); err == nil {
		d = append(d, bson.E{Key: replmeta.OplogQueryMetadataFieldName, Value: s.metadata.OplogQueryMetadata(s.rbid).ToBSON()})
	}
	if len(d) == 0 {
		return nil
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encoding reply metadata"))
	}
	return raw
}

// parseTimestampFilter returns the lower bound of a {ts: {$gte: T}} filter,
// or the zero timestamp without a filter.
func parseTimestampFilter(cmd bson.Raw) (docpb.Timestamp, error) {
	v, err := cmd.LookupErr("filter", "ts", "$gte")
	if err != nil {
		if _, ferr := cmd.LookupErr("filter", "ts"); ferr == nil {
			return docpb.Timestamp{}, &fetcher.CommandError{
				Code: codeBadValue, CodeName: "BadValue",
				Message: "only $gte filters on ts are supported",
			}
		}
		return docpb.Timestamp{}, nil
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return docpb.Timestamp{}, &fetcher.CommandError{
			Code: codeBadValue, CodeName: "BadValue",
			Message: fmt.Sprintf("ts filter has type %s, expected timestamp", v.Type),
		}
	}
	return docpb.MakeTimestamp(t, i), nil
}

// nextTimestamp returns the lowest timestamp following entries, or from if
// there are none.
func nextTimestamp(entries []oplog.Entry, from docpb.Timestamp) (docpb.Timestamp, error) {
	if len(entries) == 0 {
		return from, nil
	}
	last, err := entries[len(entries)-1].Position()
	if err != nil {
		return docpb.Timestamp{}, err
	}
	return last.TS.Next(), nil
}

func raws(entries []oplog.Entry) []bson.Raw {
	res := make([]bson.Raw, len(entries))
	for i := range entries {
		res[i] = entries[i].Raw()
	}
	return res
}

func commandName(cmd bson.Raw) string {
	e, err := cmd.IndexErr(0)
	if err != nil {
		return ""
	}
	return e.Key()
}
