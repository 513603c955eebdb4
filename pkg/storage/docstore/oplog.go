// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"context"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// ErrOplogOutOfOrder is returned by AppendOplog for entries which do not
// sort after the newest oplog entry.
var ErrOplogOutOfOrder = errors.New("oplog entry out of order")

// OplogReadLimits bound the entries returned by ReadOplog. Zero values
// mean unlimited. At least one entry is returned if any is available.
type OplogReadLimits struct {
	MaxEntries int
	MaxBytes   int64
}

// ReadOplog returns the oplog entries at or after from, in order.
func (s *Store) ReadOplog(from docpb.Timestamp, limits OplogReadLimits) ([]oplog.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: oplogKey(from),
		UpperBound: []byte{oplogPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	var res []oplog.Entry
	var size int64
	for valid := iter.First(); valid; valid = iter.Next() {
		if limits.MaxEntries > 0 && len(res) >= limits.MaxEntries {
			break
		}
		v := iter.Value()
		if limits.MaxBytes > 0 && len(res) > 0 && size+int64(len(v)) > limits.MaxBytes {
			break
		}
		e, err := oplog.EntryFromRaw(append([]byte(nil), v...))
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "oplog key %x", iter.Key()), iter.Close())
		}
		res = append(res, e)
		size += int64(len(v))
	}
	return res, errors.CombineErrors(iter.Error(), iter.Close())
}

// AppendOplog appends entries written elsewhere to the oplog, such as
// entries fetched from a sync source. The entries must be in increasing
// timestamp order and sort after the newest entry.
func (s *Store) AppendOplog(ctx context.Context, entries ...oplog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.RLock()
	closed, last := s.mu.closed, s.mu.lastOp
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	for _, e := range entries {
		pos, err := e.Position()
		if err != nil {
			return err
		}
		if !last.TS.Less(pos.TS) {
			return errors.Wrapf(ErrOplogOutOfOrder, "entry at %s does not follow %s", pos.TS, last.TS)
		}
		if err := b.Set(oplogKey(pos.TS), e.Raw(), nil); err != nil {
			return err
		}
		last = pos
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return errors.Wrap(err, "appending to oplog")
	}

	s.mu.Lock()
	s.mu.lastOp = last
	if last.Term > s.mu.term {
		s.mu.term = last.Term
	}
	s.notifyOplogLocked()
	s.mu.Unlock()
	log.VEventf(ctx, 3, "appended %d oplog entries up to %s", len(entries), last)
	return nil
}

// TruncateOplogBefore removes the oplog entries older than ts.
func (s *Store) TruncateOplogBefore(ctx context.Context, ts docpb.Timestamp) error {
	if err := s.db.DeleteRange([]byte{oplogPrefix}, oplogKey(ts), s.writeOptions()); err != nil {
		return errors.Wrapf(err, "truncating oplog before %s", ts)
	}
	log.VEventf(ctx, 2, "truncated oplog before %s", ts)
	return nil
}
