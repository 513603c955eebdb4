// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"context"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/util"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type pendingOp struct {
	op oplog.OpType
	ns docpb.Namespace
	o  bson.Raw
}

// UnitOfWork is a set of writes which commit atomically together with
// their oplog entries. The caller must hold the locks covering the
// collections it writes to until the unit of work commits or aborts.
type UnitOfWork struct {
	s     *Store
	batch *pebble.Batch
	ops   []pendingOp
	done  bool
}

// NewUnitOfWork starts a unit of work.
func (s *Store) NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{s: s, batch: s.db.NewBatch()}
}

func (u *UnitOfWork) checkActive() {
	if u.done {
		panic(errors.AssertionFailedf("unit of work used after commit or abort"))
	}
}

// Insert adds doc to the collection. A document without an _id field is
// given a new ObjectId.
func (u *UnitOfWork) Insert(c *Collection, doc bson.Raw) (RecordID, error) {
	u.checkActive()
	if err := doc.Validate(); err != nil {
		return 0, errors.Wrap(err, "invalid document")
	}
	if _, err := doc.LookupErr("_id"); err != nil {
		withID, err := prependObjectID(doc)
		if err != nil {
			return 0, err
		}
		doc = withID
	}
	id := c.allocRecordID()
	if err := u.batch.Set(recordKey(c.ns, id), doc, nil); err != nil {
		return 0, err
	}
	for _, idx := range c.Indexes() {
		key, err := indexKey(idx, doc)
		if err != nil {
			return 0, err
		}
		if err := u.batch.Set(indexEntryKey(c.ns, idx.Name, key, id), nil, nil); err != nil {
			return 0, err
		}
	}
	u.ops = append(u.ops, pendingOp{op: oplog.OpInsert, ns: c.ns, o: doc})
	return id, nil
}

func prependObjectID(doc bson.Raw) (bson.Raw, error) {
	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, errors.Wrap(err, "invalid document")
	}
	d = append(bson.D{{Key: "_id", Value: primitive.NewObjectID()}}, d...)
	return bson.Marshal(d)
}

// Delete removes the document stored under id, along with its index
// entries.
func (u *UnitOfWork) Delete(c *Collection, id RecordID) error {
	u.checkActive()
	doc, err := c.Get(id)
	if err != nil {
		return err
	}
	if err := u.batch.Delete(recordKey(c.ns, id), nil); err != nil {
		return err
	}
	for _, idx := range c.Indexes() {
		key, err := indexKey(idx, doc)
		if err != nil {
			return err
		}
		if err := u.batch.Delete(indexEntryKey(c.ns, idx.Name, key, id), nil); err != nil {
			return err
		}
	}
	o := bson.D{{Key: "_id", Value: doc.Lookup("_id")}}
	raw, err := bson.Marshal(o)
	if err != nil {
		return err
	}
	u.ops = append(u.ops, pendingOp{op: oplog.OpDelete, ns: c.ns, o: raw})
	return nil
}

// LogNoop records a no-op entry carrying msg in the oplog.
func (u *UnitOfWork) LogNoop(msg string) error {
	u.checkActive()
	raw, err := bson.Marshal(bson.D{{Key: "msg", Value: msg}})
	if err != nil {
		return err
	}
	u.ops = append(u.ops, pendingOp{op: oplog.OpNoop, o: raw})
	return nil
}

// Commit applies the writes and appends one oplog entry per write. It
// returns the optime of the last entry, or the zero optime if the unit of
// work is empty.
func (u *UnitOfWork) Commit(ctx context.Context) (docpb.OpTime, error) {
	u.checkActive()
	u.done = true
	defer func() { _ = u.batch.Close() }()
	if len(u.ops) == 0 {
		return docpb.OpTime{}, nil
	}

	s := u.s
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.RLock()
	closed, last, term := s.mu.closed, s.mu.lastOp, s.mu.term
	s.mu.RUnlock()
	if closed {
		return docpb.OpTime{}, ErrClosed
	}

	for _, op := range u.ops {
		ts := s.nextTimestampLocked(last.TS)
		key := oplogKey(ts)
		pos := docpb.MakeLogPosition(ts, term, util.ChainHash(last.Hash, append(key, op.o...)))
		doc := oplog.Document{
			Timestamp: ts.BSON(),
			Hash:      pos.Hash,
			Operation: op.op,
			Object:    op.o,
		}
		if !op.ns.IsEmpty() {
			doc.Namespace = op.ns.String()
		}
		if term != docpb.UninitializedTerm {
			t := term
			doc.Term = &t
		}
		e, err := oplog.MakeEntry(doc)
		if err != nil {
			return docpb.OpTime{}, err
		}
		if err := u.batch.Set(key, e.Raw(), nil); err != nil {
			return docpb.OpTime{}, err
		}
		last = pos
	}
	if err := u.batch.Commit(s.writeOptions()); err != nil {
		return docpb.OpTime{}, errors.Wrap(err, "committing unit of work")
	}

	s.mu.Lock()
	s.mu.lastOp = last
	s.notifyOplogLocked()
	s.mu.Unlock()
	log.VEventf(ctx, 3, "committed %d operations at %s", len(u.ops), last.OpTime)
	return last.OpTime, nil
}

// Abort discards the writes. It is a no-op after Commit.
func (u *UnitOfWork) Abort() {
	if u.done {
		return
	}
	u.done = true
	_ = u.batch.Close()
}

// Insert inserts docs into the collection ns in one unit of work.
func (s *Store) Insert(
	ctx context.Context, ns docpb.Namespace, docs ...bson.Raw,
) ([]RecordID, docpb.OpTime, error) {
	l, err := s.LockCollection(ctx, ns, ModeIX)
	if err != nil {
		return nil, docpb.OpTime{}, err
	}
	defer l.Release()
	c := l.Collection()
	if c == nil {
		return nil, docpb.OpTime{}, errors.Wrapf(ErrCollectionNotFound, "%s", ns)
	}
	u := s.NewUnitOfWork()
	defer u.Abort()
	ids := make([]RecordID, 0, len(docs))
	for _, doc := range docs {
		id, err := u.Insert(c, doc)
		if err != nil {
			return nil, docpb.OpTime{}, err
		}
		ids = append(ids, id)
	}
	opTime, err := u.Commit(ctx)
	if err != nil {
		return nil, docpb.OpTime{}, err
	}
	return ids, opTime, nil
}

// WriteNoop appends a no-op entry carrying msg to the oplog.
func (s *Store) WriteNoop(ctx context.Context, msg string) (docpb.OpTime, error) {
	u := s.NewUnitOfWork()
	defer u.Abort()
	if err := u.LogNoop(msg); err != nil {
		return docpb.OpTime{}, err
	}
	return u.Commit(ctx)
}
