// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"bytes"

	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"
)

// BoundInclusion controls whether the bounds of an index scan are part of
// the scanned range.
type BoundInclusion int

const (
	// IncludeStartKeyOnly scans [start, end).
	IncludeStartKeyOnly BoundInclusion = iota
	// IncludeBothStartAndEndKeys scans [start, end].
	IncludeBothStartAndEndKeys
	// IncludeEndKeyOnly scans (start, end].
	IncludeEndKeyOnly
	// ExcludeStartAndEndKeys scans (start, end).
	ExcludeStartAndEndKeys
)

func (b BoundInclusion) includesStart() bool {
	return b == IncludeStartKeyOnly || b == IncludeBothStartAndEndKeys
}

func (b BoundInclusion) includesEnd() bool {
	return b == IncludeEndKeyOnly || b == IncludeBothStartAndEndKeys
}

// IndexCursor iterates over the record ids of the index entries of a key
// range, in index order. It reads a snapshot of the index taken when the
// scan started.
type IndexCursor struct {
	c     *Collection
	index string
	iter  *pebble.Iterator
	// started is set once the iterator has been positioned.
	started bool
	valid   bool
	id      RecordID
	err     error
}

// IndexScan opens a cursor over the entries of index whose keys lie
// between start and end. The bounds are keys of the index, or prefixes
// thereof, and are included or excluded as incl specifies.
func (c *Collection) IndexScan(
	index string, start, end bson.Raw, incl BoundInclusion,
) (*IndexCursor, error) {
	idx, ok := c.Index(index)
	if !ok {
		return nil, errors.Wrapf(ErrIndexNotFound, "index %s on %s", index, c.ns)
	}
	encStart, err := idx.KeyPattern.Encode(start)
	if err != nil {
		return nil, errors.Wrapf(err, "start of scan over %s", index)
	}
	encEnd, err := idx.KeyPattern.Encode(end)
	if err != nil {
		return nil, errors.Wrapf(err, "end of scan over %s", index)
	}
	prefix := indexSpanPrefix(c.ns, index)
	lower := append(append([]byte(nil), prefix...), encStart...)
	if !incl.includesStart() {
		lower = encoding.PrefixEnd(lower)
	}
	upper := append(append([]byte(nil), prefix...), encEnd...)
	if incl.includesEnd() {
		upper = encoding.PrefixEnd(upper)
	}
	if bytes.Compare(lower, upper) >= 0 {
		return &IndexCursor{c: c, index: index, started: true}, nil
	}
	iter, err := c.store.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &IndexCursor{c: c, index: index, iter: iter}, nil
}

// Next advances the cursor and returns whether it is positioned on an
// entry. It returns false at the end of the range or on error.
func (ic *IndexCursor) Next() bool {
	if ic.err != nil {
		return false
	}
	if ic.iter == nil {
		// Empty range, or closed.
		return false
	}
	if knob := ic.c.store.cfg.Knobs.IndexCursorErr; knob != nil {
		if ic.err = knob(ic.c.ns, ic.index); ic.err != nil {
			ic.valid = false
			return false
		}
	}
	if !ic.started {
		ic.started = true
		ic.valid = ic.iter.First()
	} else {
		ic.valid = ic.iter.Next()
	}
	if !ic.valid {
		ic.err = ic.iter.Error()
		return false
	}
	ic.id, ic.err = decodeIndexEntryRecordID(ic.iter.Key())
	ic.valid = ic.err == nil
	return ic.valid
}

// RecordID returns the record id of the current entry.
func (ic *IndexCursor) RecordID() RecordID {
	if !ic.valid {
		panic(errors.AssertionFailedf("index cursor is not positioned"))
	}
	return ic.id
}

// Err returns the error which stopped the cursor, if any.
func (ic *IndexCursor) Err() error {
	return ic.err
}

// Close releases the cursor.
func (ic *IndexCursor) Close() error {
	if ic.iter == nil {
		return nil
	}
	err := ic.iter.Close()
	ic.iter = nil
	ic.valid = false
	return err
}

// CountInRange returns the number of entries of index whose keys lie
// between start and end.
func (c *Collection) CountInRange(
	index string, start, end bson.Raw, incl BoundInclusion,
) (int, error) {
	ic, err := c.IndexScan(index, start, end, incl)
	if err != nil {
		return 0, err
	}
	n := 0
	for ic.Next() {
		n++
	}
	return n, errors.CombineErrors(ic.Err(), ic.Close())
}
