// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package shardkey

import (
	"bytes"
	"math"
	"testing"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func key(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(d)
	require.NoError(t, err)
	return raw
}

func TestParseKeyPattern(t *testing.T) {
	p, err := ParseKeyPatternJSON(`{"a": 1, "b.c": -1}`)
	require.NoError(t, err)
	require.Equal(t, []Field{{Name: "a", Dir: encoding.Ascending}, {Name: "b.c", Dir: encoding.Descending}}, p.Fields())
	require.Equal(t, "{a: 1, b.c: -1}", p.String())

	again, err := ParseKeyPattern(p.BSON())
	require.NoError(t, err)
	require.True(t, p.Equal(again))

	for _, bad := range []string{`{}`, `{"a": "hashed"}`, `{"a": 2}`, `not json`} {
		_, err := ParseKeyPatternJSON(bad)
		require.Error(t, err, bad)
	}
	_, err = MakeKeyPattern(Field{Name: "a", Dir: encoding.Ascending}, Field{Name: "a", Dir: encoding.Ascending})
	require.ErrorContains(t, err, "duplicate field a")
}

func TestIsPrefixOf(t *testing.T) {
	a := MustParseKeyPatternJSON(`{"a": 1}`)
	ab := MustParseKeyPatternJSON(`{"a": 1, "b": 1}`)
	aDesc := MustParseKeyPatternJSON(`{"a": -1, "b": 1}`)
	require.True(t, a.IsPrefixOf(ab))
	require.True(t, a.IsPrefixOf(a))
	require.False(t, ab.IsPrefixOf(a))
	require.False(t, a.IsPrefixOf(aDesc))
	require.False(t, a.Equal(ab))
}

func TestValueOrdering(t *testing.T) {
	oid1, err := primitive.ObjectIDFromHex("000000000000000000000001")
	require.NoError(t, err)
	oid2, err := primitive.ObjectIDFromHex("000000000000000000000002")
	require.NoError(t, err)

	// Values in ascending order; equal neighbors are marked.
	values := []struct {
		v     interface{}
		equal bool
	}{
		{v: MinKey},
		{v: nil},
		{v: math.NaN()},
		{v: math.Inf(-1)},
		{v: int64(math.MinInt64)},
		{v: -1.5},
		{v: int32(-1)},
		{v: int64(-1), equal: true},
		{v: 0.0},
		{v: int32(0), equal: true},
		{v: 0.5},
		{v: int32(1)},
		{v: 1.0, equal: true},
		{v: int64(1 << 53)},
		{v: int64(1<<53 + 1)},
		{v: float64(1<<53 + 2)},
		{v: int64(math.MaxInt64 - 1)},
		{v: int64(math.MaxInt64)},
		{v: math.Inf(1)},
		{v: ""},
		{v: "a"},
		{v: "a\x00"},
		{v: "ab"},
		{v: "b"},
		{v: oid1},
		{v: oid2},
		{v: false},
		{v: true},
		{v: primitive.DateTime(-5)},
		{v: primitive.DateTime(5)},
		{v: primitive.Timestamp{T: 1, I: 5}},
		{v: primitive.Timestamp{T: 2, I: 0}},
		{v: MaxKey},
	}

	encode := func(v interface{}, dir encoding.Direction) []byte {
		raw := key(t, bson.D{{Key: "k", Value: v}})
		b, err := EncodeValue(nil, raw.Lookup("k"), dir)
		require.NoError(t, err)
		return b
	}
	for i := 1; i < len(values); i++ {
		prev, cur := values[i-1], values[i]
		for _, dir := range []encoding.Direction{encoding.Ascending, encoding.Descending} {
			c := bytes.Compare(encode(prev.v, dir), encode(cur.v, dir))
			switch {
			case cur.equal:
				require.Zero(t, c, "%v vs %v (%s)", prev.v, cur.v, dir)
			case dir == encoding.Ascending:
				require.Equal(t, -1, c, "%v vs %v (%s)", prev.v, cur.v, dir)
			default:
				require.Equal(t, 1, c, "%v vs %v (%s)", prev.v, cur.v, dir)
			}
		}
	}

	raw := key(t, bson.D{{Key: "k", Value: bson.A{1}}})
	_, err = EncodeValue(nil, raw.Lookup("k"), encoding.Ascending)
	require.ErrorContains(t, err, "unsupported key value of type array")
}

func TestCompoundKeyOrdering(t *testing.T) {
	p := MustParseKeyPatternJSON(`{"a": 1, "b": -1}`)
	keys := []bson.Raw{
		key(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: "z"}}),
		key(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: "a"}}),
		key(t, bson.D{{Key: "a", Value: 2}, {Key: "b", Value: MaxKey}}),
		key(t, bson.D{{Key: "a", Value: 2}, {Key: "b", Value: 7}}),
		key(t, bson.D{{Key: "a", Value: 2}, {Key: "b", Value: MinKey}}),
	}
	for i := 1; i < len(keys); i++ {
		c, err := p.Compare(keys[i-1], keys[i])
		require.NoError(t, err)
		require.Equal(t, -1, c, "%s vs %s", FormatKey(keys[i-1]), FormatKey(keys[i]))
	}

	_, err := p.Encode(key(t, bson.D{{Key: "b", Value: 1}}))
	require.ErrorContains(t, err, "does not match pattern")
}

func TestExtractKey(t *testing.T) {
	p := MustParseKeyPatternJSON(`{"a": 1, "b.c": 1}`)
	doc := key(t, bson.D{
		{Key: "_id", Value: 1},
		{Key: "b", Value: bson.D{{Key: "c", Value: "x"}}},
		{Key: "a", Value: int64(4)},
	})
	k, err := p.ExtractKey(doc)
	require.NoError(t, err)
	require.Equal(t, `{a: 4, b.c: "x"}`, FormatKey(k))

	k, err = p.ExtractKey(key(t, bson.D{{Key: "_id", Value: 1}}))
	require.NoError(t, err)
	require.Equal(t, `{a: null, b.c: null}`, FormatKey(k))
}

func TestExtendRangeBound(t *testing.T) {
	p := MustParseKeyPatternJSON(`{"a": 1, "b": 1, "c": -1}`)
	k := key(t, bson.D{{Key: "a", Value: 5}})

	low, err := p.ExtendRangeBound(k, false)
	require.NoError(t, err)
	require.Equal(t, "{a: 5, b: MinKey, c: MaxKey}", FormatKey(low))

	high, err := p.ExtendRangeBound(k, true)
	require.NoError(t, err)
	require.Equal(t, "{a: 5, b: MaxKey, c: MinKey}", FormatKey(high))

	// The lower extension sorts before, and the upper after, every key
	// starting with a: 5.
	mid := key(t, bson.D{{Key: "a", Value: 5}, {Key: "b", Value: 0}, {Key: "c", Value: 0}})
	c, err := p.Compare(low, mid)
	require.NoError(t, err)
	require.Equal(t, -1, c)
	c, err = p.Compare(mid, high)
	require.NoError(t, err)
	require.Equal(t, -1, c)

	_, err = p.ExtendRangeBound(key(t, bson.D{{Key: "b", Value: 5}}), false)
	require.Error(t, err)
}

func TestEncodeRange(t *testing.T) {
	ns := docpb.MustParseNamespace("db.coll")
	p := MustParseKeyPatternJSON(`{"a": 1}`)
	mk := func(min, max int) KeyRange {
		return MakeKeyRange(ns, key(t, bson.D{{Key: "a", Value: min}}), key(t, bson.D{{Key: "a", Value: max}}))
	}

	r1, err := EncodeRange(p, mk(0, 10))
	require.NoError(t, err)
	require.Equal(t, "db.coll [{a: 0}, {a: 10})", r1.String())
	r2, err := EncodeRange(p, mk(10, 20))
	require.NoError(t, err)
	r3, err := EncodeRange(p, mk(5, 15))
	require.NoError(t, err)

	require.False(t, r1.Overlaps(r2))
	require.True(t, r1.Overlaps(r3))
	require.True(t, r3.Overlaps(r2))

	k, err := p.Encode(key(t, bson.D{{Key: "a", Value: 10}}))
	require.NoError(t, err)
	require.False(t, r1.ContainsKey(k))
	require.True(t, r2.ContainsKey(k))

	_, err = EncodeRange(p, mk(10, 10))
	require.ErrorContains(t, err, "is empty")
	_, err = EncodeRange(p, MakeKeyRange(ns, key(t, bson.D{{Key: "a", Value: 0}}), key(t, bson.D{{Key: "b", Value: 1}})))
	require.ErrorContains(t, err, "does not match")
	_, err = EncodeRange(p, MakeKeyRange(docpb.Namespace{}, r1.Min, r1.Max))
	require.ErrorContains(t, err, "no namespace")
}
