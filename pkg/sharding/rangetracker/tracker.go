// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package rangetracker tracks the key ranges of a sharded collection whose
// documents have been migrated away and are pending deletion.
package rangetracker

import (
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardkey"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// The degree of the pending ranges btree.
const trackerBtreeDegree = 8

// ErrOverlappingRange is returned by AddRange when the range overlaps a
// pending range.
var ErrOverlappingRange = errors.New("range overlaps a pending range")

// pendingRange is an item of the pending set, ordered by the encoding of
// its lower bound.
type pendingRange struct {
	shardkey.EncodedRange
}

// Less implements the btree.Item interface.
func (a *pendingRange) Less(b btree.Item) bool {
	return string(a.StartKey) < string(b.(*pendingRange).StartKey)
}

// Tracker is the set of ranges of one collection pending deletion. Ranges
// in the set never overlap.
//
// Structural changes are made with the collection locked exclusively; the
// tracker additionally serializes access to its own state.
type Tracker struct {
	ns      docpb.Namespace
	pattern shardkey.KeyPattern

	mu struct {
		syncutil.Mutex
		ranges *btree.BTree
	}
}

// New creates an empty tracker for the collection ns sharded by pattern.
func New(ns docpb.Namespace, pattern shardkey.KeyPattern) *Tracker {
	if ns.IsEmpty() || pattern.IsEmpty() {
		panic(errors.AssertionFailedf("range tracker requires a namespace and a key pattern"))
	}
	t := &Tracker{ns: ns, pattern: pattern}
	t.mu.ranges = btree.New(trackerBtreeDegree)
	return t
}

// NS returns the namespace of the tracked collection.
func (t *Tracker) NS() docpb.Namespace {
	return t.ns
}

// Pattern returns the shard key pattern of the tracked collection.
func (t *Tracker) Pattern() shardkey.KeyPattern {
	return t.pattern
}

func (t *Tracker) encode(r shardkey.KeyRange) (*pendingRange, error) {
	if r.NS != t.ns {
		return nil, errors.AssertionFailedf("range %s does not belong to collection %s", r, t.ns)
	}
	er, err := shardkey.EncodeRange(t.pattern, r)
	if err != nil {
		return nil, err
	}
	return &pendingRange{EncodedRange: er}, nil
}

// AddRange registers r as pending deletion. A range overlapping, or equal
// to, a pending range is rejected with an error marked ErrOverlappingRange.
func (t *Tracker) AddRange(r shardkey.KeyRange) error {
	item, err := t.encode(r)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if other := t.overlappingLocked(item); other != nil {
		return errors.Mark(
			errors.WithAssertionFailure(
				errors.Newf("range %s overlaps pending range %s", r, other.KeyRange)),
			ErrOverlappingRange)
	}
	t.mu.ranges.ReplaceOrInsert(item)
	return nil
}

// overlappingLocked returns a pending range overlapping item, or nil. As the
// pending ranges are disjoint, only the neighbors of item.StartKey need to
// be checked.
func (t *Tracker) overlappingLocked(item *pendingRange) *pendingRange {
	var found *pendingRange
	t.mu.ranges.DescendLessOrEqual(item, func(i btree.Item) bool {
		if p := i.(*pendingRange); p.Overlaps(item.EncodedRange) {
			found = p
		}
		return false
	})
	if found != nil {
		return found
	}
	t.mu.ranges.AscendGreaterOrEqual(item, func(i btree.Item) bool {
		if p := i.(*pendingRange); p.Overlaps(item.EncodedRange) {
			found = p
		}
		return false
	})
	return found
}

// RemoveRange removes r from the pending set and returns whether it was
// pending. Only a range with exactly the bounds of a pending range is
// removed.
func (t *Tracker) RemoveRange(r shardkey.KeyRange) bool {
	item, err := t.encode(r)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.containsLocked(item) {
		return false
	}
	t.mu.ranges.Delete(item)
	return true
}

// HasRangesToClean returns whether any range is pending.
func (t *Tracker) HasRangesToClean() bool {
	return t.Len() > 0
}

// NextRangeToClean returns the pending range with the lowest lower bound.
func (t *Tracker) NextRangeToClean() (shardkey.KeyRange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	min := t.mu.ranges.Min()
	if min == nil {
		return shardkey.KeyRange{}, false
	}
	return min.(*pendingRange).KeyRange, true
}

// IsInRangesToClean returns whether r is pending, with exactly these
// bounds.
func (t *Tracker) IsInRangesToClean(r shardkey.KeyRange) bool {
	item, err := t.encode(r)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.containsLocked(item)
}

func (t *Tracker) containsLocked(item *pendingRange) bool {
	existing := t.mu.ranges.Get(item)
	if existing == nil {
		return false
	}
	return string(existing.(*pendingRange).EndKey) == string(item.EndKey)
}

// Len returns the number of pending ranges.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.ranges.Len()
}

// Ranges returns the pending ranges in key order.
func (t *Tracker) Ranges() []shardkey.KeyRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]shardkey.KeyRange, 0, t.mu.ranges.Len())
	t.mu.ranges.Ascend(func(i btree.Item) bool {
		res = append(res, i.(*pendingRange).KeyRange)
		return true
	})
	return res
}
