// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package shardkey

import (
	"bytes"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"go.mongodb.org/mongo-driver/bson"
)

// KeyRange is the half-open range [Min, Max) of shard keys of a collection.
type KeyRange struct {
	NS  docpb.Namespace
	Min bson.Raw
	Max bson.Raw
}

// MakeKeyRange is a convenience constructor.
func MakeKeyRange(ns docpb.Namespace, min, max bson.Raw) KeyRange {
	return KeyRange{NS: ns, Min: min, Max: max}
}

// Equal returns whether both ranges have the same namespace and bounds.
func (r KeyRange) Equal(o KeyRange) bool {
	return r.NS == o.NS && bytes.Equal(r.Min, o.Min) && bytes.Equal(r.Max, o.Max)
}

// SafeFormat implements redact.SafeFormatter.
func (r KeyRange) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s [%s, %s)", r.NS, FormatKey(r.Min), FormatKey(r.Max))
}

// String implements fmt.Stringer.
func (r KeyRange) String() string {
	return redact.StringWithoutMarkers(r)
}

// EncodedRange is a KeyRange together with the encodings of its bounds
// under the collection's shard key pattern.
type EncodedRange struct {
	KeyRange
	StartKey []byte
	EndKey   []byte
}

// EncodeRange validates r under pattern and encodes its bounds. Both bounds
// must contain every field of the pattern and Min must sort before Max.
func EncodeRange(pattern KeyPattern, r KeyRange) (EncodedRange, error) {
	if r.NS.IsEmpty() {
		return EncodedRange{}, errors.Newf("range %s has no namespace", r)
	}
	for _, bound := range []bson.Raw{r.Min, r.Max} {
		n, err := numElements(bound)
		if err != nil {
			return EncodedRange{}, errors.Wrapf(err, "range %s", r)
		}
		if n != pattern.NumFields() {
			return EncodedRange{}, errors.Newf("range %s does not match shard key pattern %s", r, pattern)
		}
	}
	minKey, err := pattern.Encode(r.Min)
	if err != nil {
		return EncodedRange{}, errors.Wrapf(err, "range %s", r)
	}
	maxKey, err := pattern.Encode(r.Max)
	if err != nil {
		return EncodedRange{}, errors.Wrapf(err, "range %s", r)
	}
	if bytes.Compare(minKey, maxKey) >= 0 {
		return EncodedRange{}, errors.Newf("range %s is empty", r)
	}
	return EncodedRange{KeyRange: r, StartKey: minKey, EndKey: maxKey}, nil
}

// Overlaps returns whether both ranges share a key.
func (r EncodedRange) Overlaps(o EncodedRange) bool {
	return bytes.Compare(r.StartKey, o.EndKey) < 0 && bytes.Compare(o.StartKey, r.EndKey) < 0
}

// ContainsKey returns whether the encoded key lies in the range.
func (r EncodedRange) ContainsKey(key []byte) bool {
	return bytes.Compare(r.StartKey, key) <= 0 && bytes.Compare(key, r.EndKey) < 0
}

func numElements(doc bson.Raw) (int, error) {
	elems, err := doc.Elements()
	if err != nil {
		return 0, errors.Wrap(err, "malformed key")
	}
	return len(elems), nil
}
