// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/cockroachdb/errors"
)

// Keyspace layout. Every key starts with a one byte prefix:
//
//	catalog:  0x01 ns                          -> catalog entry
//	records:  0x02 ns record-id                -> document
//	indexes:  0x03 ns index-name key record-id -> empty
//	oplog:    0x04 ts.T ts.I                   -> oplog entry
//
// Namespaces and index names are escaped byte strings and keys use the
// order-preserving shard key encoding.
const (
	catalogPrefix byte = 0x01
	recordPrefix  byte = 0x02
	indexPrefix   byte = 0x03
	oplogPrefix   byte = 0x04
)

// RecordID identifies a document within its collection. Record ids are
// allocated in increasing order and never reused.
type RecordID uint64

func catalogKey(ns docpb.Namespace) []byte {
	return encoding.EncodeStringAscending([]byte{catalogPrefix}, ns.String())
}

func recordSpanPrefix(ns docpb.Namespace) []byte {
	return encoding.EncodeStringAscending([]byte{recordPrefix}, ns.String())
}

func recordKey(ns docpb.Namespace, id RecordID) []byte {
	return encoding.EncodeUint64Ascending(recordSpanPrefix(ns), uint64(id))
}

func decodeRecordKey(ns docpb.Namespace, key []byte) (RecordID, error) {
	prefix := recordSpanPrefix(ns)
	if len(key) != len(prefix)+8 {
		return 0, errors.AssertionFailedf("malformed record key %x", key)
	}
	_, id, err := encoding.DecodeUint64Ascending(key[len(prefix):])
	return RecordID(id), err
}

func indexCollectionPrefix(ns docpb.Namespace) []byte {
	return encoding.EncodeStringAscending([]byte{indexPrefix}, ns.String())
}

func indexSpanPrefix(ns docpb.Namespace, index string) []byte {
	return encoding.EncodeStringAscending(indexCollectionPrefix(ns), index)
}

func indexEntryKey(ns docpb.Namespace, index string, key []byte, id RecordID) []byte {
	b := append(indexSpanPrefix(ns, index), key...)
	return encoding.EncodeUint64Ascending(b, uint64(id))
}

// decodeIndexEntryRecordID returns the record id suffix of an index entry
// key.
func decodeIndexEntryRecordID(key []byte) (RecordID, error) {
	if len(key) < 9 {
		return 0, errors.AssertionFailedf("malformed index entry key %x", key)
	}
	_, id, err := encoding.DecodeUint64Ascending(key[len(key)-8:])
	return RecordID(id), err
}

func oplogKey(ts docpb.Timestamp) []byte {
	b := encoding.EncodeUint32Ascending([]byte{oplogPrefix}, ts.T)
	return encoding.EncodeUint32Ascending(b, ts.I)
}

func decodeOplogKey(key []byte) (docpb.Timestamp, error) {
	if len(key) != 9 || key[0] != oplogPrefix {
		return docpb.Timestamp{}, errors.AssertionFailedf("malformed oplog key %x", key)
	}
	rest, t, err := encoding.DecodeUint32Ascending(key[1:])
	if err != nil {
		return docpb.Timestamp{}, err
	}
	_, i, err := encoding.DecodeUint32Ascending(rest)
	if err != nil {
		return docpb.Timestamp{}, err
	}
	return docpb.MakeTimestamp(t, i), nil
}
