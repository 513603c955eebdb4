// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package shardkey

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MinKey and MaxKey sort before and after every other value.
var (
	MinKey = primitive.MinKey{}
	MaxKey = primitive.MaxKey{}
)

// Type markers. Values of different types order by their marker:
// MinKey < null < numbers < strings < ObjectId < bool < date < timestamp <
// MaxKey.
const (
	markerMinKey    byte = 0x01
	markerNull      byte = 0x02
	markerNumber    byte = 0x03
	markerString    byte = 0x04
	markerObjectID  byte = 0x05
	markerBool      byte = 0x06
	markerDate      byte = 0x07
	markerTimestamp byte = 0x08
	markerMaxKey    byte = 0x0f
)

// maxInt64Float is the smallest float64 that does not fit in an int64.
const maxInt64Float = float64(math.MaxInt64)

// EncodeValue appends the order-preserving encoding of v to b. Numbers of
// different BSON types compare by value.
func EncodeValue(b []byte, v bson.RawValue, dir encoding.Direction) ([]byte, error) {
	start := len(b)
	switch v.Type {
	case bsontype.MinKey:
		b = append(b, markerMinKey)
	case bsontype.Null, bsontype.Undefined:
		b = append(b, markerNull)
	case bsontype.Int32:
		b = encodeInt(append(b, markerNumber), int64(v.Int32()))
	case bsontype.Int64:
		b = encodeInt(append(b, markerNumber), v.Int64())
	case bsontype.Double:
		b = encoding.EncodeFloatAscending(append(b, markerNumber), v.Double())
		b = encoding.EncodeVarintAscending(b, 0)
	case bsontype.String:
		b = encoding.EncodeStringAscending(append(b, markerString), v.StringValue())
	case bsontype.Symbol:
		b = encoding.EncodeStringAscending(append(b, markerString), v.Symbol())
	case bsontype.ObjectID:
		oid := v.ObjectID()
		b = append(append(b, markerObjectID), oid[:]...)
	case bsontype.Boolean:
		val := byte(0)
		if v.Boolean() {
			val = 1
		}
		b = append(b, markerBool, val)
	case bsontype.DateTime:
		b = encoding.EncodeVarintAscending(append(b, markerDate), v.DateTime())
	case bsontype.Timestamp:
		t, i := v.Timestamp()
		b = encoding.EncodeUint32Ascending(append(b, markerTimestamp), t)
		b = encoding.EncodeUint32Ascending(b, i)
	case bsontype.MaxKey:
		b = append(b, markerMaxKey)
	default:
		return nil, errors.Newf("unsupported key value of type %s", v.Type)
	}
	if dir == encoding.Descending {
		b = encoding.Descend(b, start)
	}
	return b, nil
}

// encodeInt encodes n as the nearest float64 followed by the integer
// distance to it, so that integers and doubles interleave by value.
func encodeInt(b []byte, n int64) []byte {
	f := float64(n)
	var residual int64
	if f >= maxInt64Float {
		// float64(n) rounded up to 2^63, which does not fit in an int64.
		residual = (n - math.MaxInt64) - 1
	} else {
		residual = n - int64(f)
	}
	b = encoding.EncodeFloatAscending(b, f)
	return encoding.EncodeVarintAscending(b, residual)
}

func compareBytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

// FormatKey renders a key compactly, such as {a: 5, b: "x"}.
func FormatKey(key bson.Raw) string {
	elems, err := key.Elements()
	if err != nil {
		return fmt.Sprintf("<malformed key %x>", []byte(key))
	}
	var sb strings.Builder
	sb.WriteString("{")
	for i, e := range elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.Key())
		sb.WriteString(": ")
		sb.WriteString(FormatValue(e.Value()))
	}
	sb.WriteString("}")
	return sb.String()
}

// FormatValue renders a single key value.
func FormatValue(v bson.RawValue) string {
	switch v.Type {
	case bsontype.MinKey:
		return "MinKey"
	case bsontype.MaxKey:
		return "MaxKey"
	case bsontype.Null:
		return "null"
	case bsontype.Undefined:
		return "undefined"
	case bsontype.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case bsontype.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case bsontype.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case bsontype.String:
		return strconv.Quote(v.StringValue())
	case bsontype.Boolean:
		return strconv.FormatBool(v.Boolean())
	case bsontype.ObjectID:
		return fmt.Sprintf("ObjectId(%s)", v.ObjectID().Hex())
	case bsontype.Timestamp:
		t, i := v.Timestamp()
		return fmt.Sprintf("Timestamp(%d, %d)", t, i)
	}
	return v.String()
}
