// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package replmeta

import (
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Metadata field names of requests and replies.
const (
	ReplSetMetadataFieldName    = "$replData"
	OplogQueryMetadataFieldName = "$oplogQueryData"
	ServerSelectionFieldName    = "$ssm"
	SecondaryOkFieldName        = "$secondaryOk"
)

// RequestMetadata returns the metadata attached to oplog queries. Under
// protocol version 1 the sync source is asked to return both kinds of reply
// metadata.
func RequestMetadata(protocolVersion int64) bson.Raw {
	ssm := bson.D{{Key: SecondaryOkFieldName, Value: true}}
	var d bson.D
	if protocolVersion == 1 {
		d = bson.D{
			{Key: ReplSetMetadataFieldName, Value: 1},
			{Key: OplogQueryMetadataFieldName, Value: 1},
			{Key: ServerSelectionFieldName, Value: ssm},
		}
	} else {
		d = bson.D{{Key: ServerSelectionFieldName, Value: ssm}}
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encoding request metadata"))
	}
	return raw
}

// ReplSetMetadata is returned by a sync source describing its view of the
// replica set.
type ReplSetMetadata struct {
	Term            int64
	LastOpCommitted docpb.OpTime
	LastOpVisible   docpb.OpTime
	ConfigVersion   int64
	PrimaryIndex    int
	SyncSourceIndex int
}

// OplogQueryMetadata is returned by a sync source alongside oplog batches.
type OplogQueryMetadata struct {
	LastOpCommitted docpb.OpTime
	LastOpApplied   docpb.OpTime
	RBID            int
	PrimaryIndex    int
	SyncSourceIndex int
}

// NoMember is the index used when there is no primary or no sync source.
const NoMember = -1

// ToBSON encodes the metadata as a document.
func (m ReplSetMetadata) ToBSON() bson.D {
	return bson.D{
		{Key: "term", Value: m.Term},
		{Key: "lastOpCommitted", Value: OpTimeToBSON(m.LastOpCommitted)},
		{Key: "lastOpVisible", Value: OpTimeToBSON(m.LastOpVisible)},
		{Key: "configVersion", Value: m.ConfigVersion},
		{Key: "primaryIndex", Value: int32(m.PrimaryIndex)},
		{Key: "syncSourceIndex", Value: int32(m.SyncSourceIndex)},
	}
}

// ToBSON encodes the metadata as a document.
func (m OplogQueryMetadata) ToBSON() bson.D {
	return bson.D{
		{Key: "lastOpCommitted", Value: OpTimeToBSON(m.LastOpCommitted)},
		{Key: "lastOpApplied", Value: OpTimeToBSON(m.LastOpApplied)},
		{Key: "rbid", Value: int32(m.RBID)},
		{Key: "primaryIndex", Value: int32(m.PrimaryIndex)},
		{Key: "syncSourceIndex", Value: int32(m.SyncSourceIndex)},
	}
}

// ReadReplSetMetadata extracts the $replData element of a reply's metadata.
// It returns false if the element is absent.
func ReadReplSetMetadata(metadata bson.Raw) (ReplSetMetadata, bool, error) {
	doc, ok, err := lookupMetadata(metadata, ReplSetMetadataFieldName)
	if !ok || err != nil {
		return ReplSetMetadata{}, ok, err
	}
	p := parser{doc: doc, field: ReplSetMetadataFieldName}
	m := ReplSetMetadata{
		Term:            p.int64("term"),
		LastOpCommitted: p.opTime("lastOpCommitted"),
		LastOpVisible:   p.opTime("lastOpVisible"),
		ConfigVersion:   p.int64("configVersion"),
		PrimaryIndex:    int(p.int64("primaryIndex")),
		SyncSourceIndex: int(p.int64("syncSourceIndex")),
	}
	if p.err != nil {
		return ReplSetMetadata{}, true, p.err
	}
	return m, true, nil
}

// ReadOplogQueryMetadata extracts the $oplogQueryData element of a reply's
// metadata. It returns false if the element is absent.
func ReadOplogQueryMetadata(metadata bson.Raw) (OplogQueryMetadata, bool, error) {
	doc, ok, err := lookupMetadata(metadata, OplogQueryMetadataFieldName)
	if !ok || err != nil {
		return OplogQueryMetadata{}, ok, err
	}
	p := parser{doc: doc, field: OplogQueryMetadataFieldName}
	m := OplogQueryMetadata{
		LastOpCommitted: p.opTime("lastOpCommitted"),
		LastOpApplied:   p.opTime("lastOpApplied"),
		RBID:            int(p.int64("rbid")),
		PrimaryIndex:    int(p.int64("primaryIndex")),
		SyncSourceIndex: int(p.int64("syncSourceIndex")),
	}
	if p.err != nil {
		return OplogQueryMetadata{}, true, p.err
	}
	return m, true, nil
}

func lookupMetadata(metadata bson.Raw, field string) (bson.Raw, bool, error) {
	if len(metadata) == 0 {
		return nil, false, nil
	}
	v, err := metadata.LookupErr(field)
	if err != nil {
		return nil, false, nil
	}
	doc, ok := v.DocumentOK()
	if !ok {
		return nil, true, errors.Newf("%s has type %s, expected object", field, v.Type)
	}
	return doc, true, nil
}

// parser reads required fields, remembering the first error.
type parser struct {
	doc   bson.Raw
	field string
	err   error
}

func (p *parser) lookup(name string) (bson.RawValue, bool) {
	if p.err != nil {
		return bson.RawValue{}, false
	}
	v, err := p.doc.LookupErr(name)
	if err != nil {
		p.err = errors.Newf("missing field %s.%s", p.field, name)
		return bson.RawValue{}, false
	}
	return v, true
}

func (p *parser) int64(name string) int64 {
	v, ok := p.lookup(name)
	if !ok {
		return 0
	}
	switch v.Type {
	case bsontype.Int64:
		return v.Int64()
	case bsontype.Int32:
		return int64(v.Int32())
	case bsontype.Double:
		return int64(v.Double())
	}
	p.err = errors.Newf("field %s.%s has type %s, expected number", p.field, name, v.Type)
	return 0
}

func (p *parser) opTime(name string) docpb.OpTime {
	v, ok := p.lookup(name)
	if !ok {
		return docpb.OpTime{}
	}
	doc, ok := v.DocumentOK()
	if !ok {
		p.err = errors.Newf("field %s.%s has type %s, expected object", p.field, name, v.Type)
		return docpb.OpTime{}
	}
	sub := parser{doc: doc, field: p.field + "." + name}
	tsVal, ok := sub.lookup("ts")
	if !ok {
		p.err = sub.err
		return docpb.OpTime{}
	}
	t, i, ok := tsVal.TimestampOK()
	if !ok {
		p.err = errors.Newf("field %s.%s.ts has type %s, expected timestamp", p.field, name, tsVal.Type)
		return docpb.OpTime{}
	}
	term := sub.int64("t")
	if sub.err != nil {
		p.err = sub.err
		return docpb.OpTime{}
	}
	return docpb.MakeOpTime(docpb.MakeTimestamp(t, i), term)
}

// OpTimeToBSON encodes an optime as {ts, t}.
func OpTimeToBSON(o docpb.OpTime) bson.D {
	return bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: o.TS.T, I: o.TS.I}},
		{Key: "t", Value: o.Term},
	}
}
