// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package oplog defines entries of the replicated operation log.
package oplog

import (
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpType is the kind of operation an entry records.
type OpType string

// Operation types.
const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

// EntryVersion is the oplog format version written by this package.
const EntryVersion = 2

// Document is the decoded form of an oplog entry.
type Document struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      *int64              `bson:"t,omitempty"`
	Hash      int64               `bson:"h"`
	Version   int32               `bson:"v"`
	Operation OpType              `bson:"op"`
	Namespace string              `bson:"ns"`
	Object    bson.Raw            `bson:"o,omitempty"`
	Object2   bson.Raw            `bson:"o2,omitempty"`
}

// Entry is an immutable, encoded oplog entry as read off the network or out
// of storage. Only the fields needed for ordering are interpreted.
type Entry struct {
	raw bson.Raw
}

// EntryFromRaw wraps an encoded document. The document is validated
// structurally; Position reports whether it is a well formed entry.
func EntryFromRaw(raw bson.Raw) (Entry, error) {
	if err := raw.Validate(); err != nil {
		return Entry{}, errors.Wrap(err, "invalid oplog entry")
	}
	return Entry{raw: raw}, nil
}

// MakeEntry encodes doc. Version defaults to EntryVersion.
func MakeEntry(doc Document) (Entry, error) {
	if doc.Version == 0 {
		doc.Version = EntryVersion
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return Entry{}, errors.Wrap(err, "encoding oplog entry")
	}
	return Entry{raw: raw}, nil
}

// MakeNoopEntry returns a no-op entry positioned at pos.
func MakeNoopEntry(pos docpb.LogPosition) Entry {
	doc := Document{
		Timestamp: pos.TS.BSON(),
		Hash:      pos.Hash,
		Operation: OpNoop,
		Object:    noopObject,
	}
	if pos.Term != docpb.UninitializedTerm {
		term := pos.Term
		doc.Term = &term
	}
	e, err := MakeEntry(doc)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encoding noop entry"))
	}
	return e
}

var noopObject = func() bson.Raw {
	raw, err := bson.Marshal(bson.D{{Key: "msg", Value: "noop"}})
	if err != nil {
		panic(err)
	}
	return raw
}()

// Raw returns the encoded entry.
func (e Entry) Raw() bson.Raw {
	return e.raw
}

// Size returns the encoded size of the entry in bytes.
func (e Entry) Size() int {
	return len(e.raw)
}

// Position parses the optime and hash of the entry. The "ts" field is
// required; a missing "t" yields docpb.UninitializedTerm and a missing "h"
// yields zero.
func (e Entry) Position() (docpb.LogPosition, error) {
	tsVal, err := e.raw.LookupErr("ts")
	if err != nil {
		return docpb.LogPosition{}, errors.Newf("missing ts field in oplog entry: %s", e)
	}
	t, i, ok := tsVal.TimestampOK()
	if !ok {
		return docpb.LogPosition{}, errors.Newf("ts field of oplog entry has type %s, expected timestamp: %s",
			tsVal.Type, e)
	}
	pos := docpb.MakeLogPosition(docpb.MakeTimestamp(t, i), docpb.UninitializedTerm, 0)
	if termVal, err := e.raw.LookupErr("t"); err == nil {
		term, ok := numberLong(termVal)
		if !ok {
			return docpb.LogPosition{}, errors.Newf("t field of oplog entry has type %s, expected number: %s",
				termVal.Type, e)
		}
		pos.Term = term
	}
	if hashVal, err := e.raw.LookupErr("h"); err == nil {
		pos.Hash, _ = numberLong(hashVal)
	}
	return pos, nil
}

// Decode unmarshals the entry into a Document.
func (e Entry) Decode() (Document, error) {
	var doc Document
	if err := bson.Unmarshal(e.raw, &doc); err != nil {
		return Document{}, errors.Wrap(err, "decoding oplog entry")
	}
	return doc, nil
}

// String renders the entry as relaxed extended JSON.
func (e Entry) String() string {
	if len(e.raw) == 0 {
		return "{}"
	}
	return e.raw.String()
}

func numberLong(v bson.RawValue) (int64, bool) {
	switch v.Type {
	case bsontype.Int64:
		return v.Int64(), true
	case bsontype.Int32:
		return int64(v.Int32()), true
	case bsontype.Double:
		return int64(v.Double()), true
	default:
		return 0, false
	}
}
