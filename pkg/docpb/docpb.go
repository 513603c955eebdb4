// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package docpb defines the basic value types shared by the replication and
// sharding packages: namespaces and positions in the replicated oplog.
package docpb

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Namespace identifies a collection within a database.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace parses "db.collection". The collection part may itself
// contain dots.
func ParseNamespace(s string) (Namespace, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Namespace{}, errors.Newf("invalid namespace %q", s)
	}
	return Namespace{DB: s[:i], Coll: s[i+1:]}, nil
}

// MustParseNamespace is like ParseNamespace but panics on error.
func MustParseNamespace(s string) Namespace {
	ns, err := ParseNamespace(s)
	if err != nil {
		panic(err)
	}
	return ns
}

// IsEmpty returns true if the namespace is unset.
func (ns Namespace) IsEmpty() bool {
	return ns.DB == "" && ns.Coll == ""
}

// String implements fmt.Stringer.
func (ns Namespace) String() string {
	return ns.DB + "." + ns.Coll
}

// SafeValue implements redact.SafeValue. Namespaces are schema, not data.
func (ns Namespace) SafeValue() {}

// Timestamp is a position in the oplog: seconds since the epoch plus an
// increment ordering operations within the same second.
type Timestamp struct {
	T uint32
	I uint32
}

// MakeTimestamp is a convenience constructor.
func MakeTimestamp(t, i uint32) Timestamp {
	return Timestamp{T: t, I: i}
}

// ParseTimestamp parses a timestamp written as "T:I".
func ParseTimestamp(s string) (Timestamp, error) {
	secs, inc, ok := strings.Cut(s, ":")
	if !ok {
		return Timestamp{}, errors.Newf("invalid timestamp %q: expected T:I", s)
	}
	t, err := strconv.ParseUint(secs, 10, 32)
	if err != nil {
		return Timestamp{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	i, err := strconv.ParseUint(inc, 10, 32)
	if err != nil {
		return Timestamp{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return Timestamp{T: uint32(t), I: uint32(i)}, nil
}

// TimestampFromBSON converts a BSON timestamp.
func TimestampFromBSON(ts primitive.Timestamp) Timestamp {
	return Timestamp{T: ts.T, I: ts.I}
}

// BSON converts to a BSON timestamp.
func (t Timestamp) BSON() primitive.Timestamp {
	return primitive.Timestamp{T: t.T, I: t.I}
}

// IsEmpty returns true if t is the zero timestamp.
func (t Timestamp) IsEmpty() bool {
	return t == Timestamp{}
}

// Compare returns -1, 0 or +1 depending on whether t sorts before, together
// with or after o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.T < o.T:
		return -1
	case t.T > o.T:
		return 1
	case t.I < o.I:
		return -1
	case t.I > o.I:
		return 1
	}
	return 0
}

// Less returns whether t sorts before o.
func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

// Next returns the smallest timestamp larger than t.
func (t Timestamp) Next() Timestamp {
	if t.I == ^uint32(0) {
		return Timestamp{T: t.T + 1}
	}
	return Timestamp{T: t.T, I: t.I + 1}
}

// SafeFormat implements redact.SafeFormatter.
func (t Timestamp) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("Timestamp(%d, %d)", redact.SafeUint(t.T), redact.SafeUint(t.I))
}

// String implements fmt.Stringer.
func (t Timestamp) String() string {
	return redact.StringWithoutMarkers(t)
}

// UninitializedTerm is the term of operations written under replication
// protocol version 0, which has no terms.
const UninitializedTerm int64 = -1

// OpTime is a timestamp plus the election term in which it was written.
type OpTime struct {
	TS   Timestamp
	Term int64
}

// MakeOpTime is a convenience constructor.
func MakeOpTime(ts Timestamp, term int64) OpTime {
	return OpTime{TS: ts, Term: term}
}

// IsNull returns true if the optime carries no timestamp.
func (o OpTime) IsNull() bool {
	return o.TS.IsEmpty()
}

// Compare orders optimes by timestamp, then term.
func (o OpTime) Compare(other OpTime) int {
	if c := o.TS.Compare(other.TS); c != 0 {
		return c
	}
	switch {
	case o.Term < other.Term:
		return -1
	case o.Term > other.Term:
		return 1
	}
	return 0
}

// Less returns whether o sorts before other.
func (o OpTime) Less(other OpTime) bool {
	return o.Compare(other) < 0
}

// SafeFormat implements redact.SafeFormatter.
func (o OpTime) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("{ts: %s, t: %d}", o.TS, redact.SafeInt(o.Term))
}

// String implements fmt.Stringer.
func (o OpTime) String() string {
	return redact.StringWithoutMarkers(o)
}

// LogPosition identifies an entry of the oplog: its optime together with
// the entry's hash. Positions are ordered by optime only; the hash is an
// integrity check used when resuming a fetch.
type LogPosition struct {
	OpTime
	Hash int64
}

// MakeLogPosition is a convenience constructor.
func MakeLogPosition(ts Timestamp, term int64, hash int64) LogPosition {
	return LogPosition{OpTime: OpTime{TS: ts, Term: term}, Hash: hash}
}

// Equal returns whether both the optime and the hash match.
func (p LogPosition) Equal(o LogPosition) bool {
	return p.OpTime == o.OpTime && p.Hash == o.Hash
}

// SafeFormat implements redact.SafeFormatter.
func (p LogPosition) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s (hash: %d)", p.OpTime, redact.SafeInt(p.Hash))
}

// String implements fmt.Stringer.
func (p LogPosition) String() string {
	return redact.StringWithoutMarkers(p)
}
