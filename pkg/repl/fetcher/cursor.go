// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package fetcher

import (
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

const (
	firstBatchField = "firstBatch"
	nextBatchField  = "nextBatch"
)

func batchFieldName(first bool) string {
	if first {
		return firstBatchField
	}
	return nextBatchField
}

// ParseCursorReply parses a reply of the form
//
//	{cursor: {id: <int64>, ns: <string>, firstBatch|nextBatch: [...]}, ok: 1}
//
// A reply with ok: 0 is returned as a *CommandError.
func ParseCursorReply(reply bson.Raw) (QueryResponse, error) {
	if err := reply.Validate(); err != nil {
		return QueryResponse{}, errors.Wrap(err, "malformed reply")
	}
	if !replyOK(reply) {
		cerr := &CommandError{}
		if v, err := reply.LookupErr("code"); err == nil {
			if c, ok := v.AsInt64OK(); ok {
				cerr.Code = int32(c)
			}
		}
		if v, err := reply.LookupErr("codeName"); err == nil {
			cerr.CodeName, _ = v.StringValueOK()
		}
		if v, err := reply.LookupErr("errmsg"); err == nil {
			cerr.Message, _ = v.StringValueOK()
		}
		return QueryResponse{}, cerr
	}

	cv, err := reply.LookupErr("cursor")
	if err != nil {
		return QueryResponse{}, errors.New("reply has no cursor field")
	}
	cursor, ok := cv.DocumentOK()
	if !ok {
		return QueryResponse{}, errors.Newf("cursor field has type %s, expected object", cv.Type)
	}

	var resp QueryResponse
	idv, err := cursor.LookupErr("id")
	if err != nil {
		return QueryResponse{}, errors.New("cursor has no id field")
	}
	switch idv.Type {
	case bsontype.Int64:
		resp.CursorID = idv.Int64()
	case bsontype.Int32:
		resp.CursorID = int64(idv.Int32())
	default:
		return QueryResponse{}, errors.Newf("cursor id has type %s, expected number", idv.Type)
	}

	nsv, err := cursor.LookupErr("ns")
	if err != nil {
		return QueryResponse{}, errors.New("cursor has no ns field")
	}
	if resp.NS, ok = nsv.StringValueOK(); !ok {
		return QueryResponse{}, errors.Newf("cursor ns has type %s, expected string", nsv.Type)
	}

	batch, err := cursor.LookupErr(firstBatchField)
	if err == nil {
		resp.First = true
	} else if batch, err = cursor.LookupErr(nextBatchField); err != nil {
		return QueryResponse{}, errors.New("cursor has neither firstBatch nor nextBatch")
	}
	arr, ok := batch.ArrayOK()
	if !ok {
		return QueryResponse{}, errors.Newf(
			"%s has type %s, expected array", batchFieldName(resp.First), batch.Type)
	}
	vals, err := arr.Values()
	if err != nil {
		return QueryResponse{}, errors.Wrap(err, "malformed batch")
	}
	resp.Documents = make([]bson.Raw, 0, len(vals))
	for i, v := range vals {
		doc, ok := v.DocumentOK()
		if !ok {
			return QueryResponse{}, errors.Newf(
				"batch element %d has type %s, expected object", i, v.Type)
		}
		resp.Documents = append(resp.Documents, doc)
	}
	return resp, nil
}

func replyOK(reply bson.Raw) bool {
	v, err := reply.LookupErr("ok")
	if err != nil {
		return false
	}
	switch v.Type {
	case bsontype.Double:
		return v.Double() == 1
	case bsontype.Int32:
		return v.Int32() == 1
	case bsontype.Int64:
		return v.Int64() == 1
	case bsontype.Boolean:
		return v.Boolean()
	}
	return false
}

// MakeCursorReply builds a successful cursor reply. It is the inverse of
// ParseCursorReply.
func MakeCursorReply(cursorID int64, ns string, docs []bson.Raw, first bool) (bson.Raw, error) {
	arr := make(bson.A, len(docs))
	for i := range docs {
		arr[i] = docs[i]
	}
	return bson.Marshal(bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: cursorID},
			{Key: "ns", Value: ns},
			{Key: batchFieldName(first), Value: arr},
		}},
		{Key: "ok", Value: 1.0},
	})
}

// MakeErrorReply builds a reply with ok: 0.
func MakeErrorReply(code int32, codeName, msg string) (bson.Raw, error) {
	return bson.Marshal(bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: msg},
		{Key: "code", Value: code},
		{Key: "codeName", Value: codeName},
	})
}
