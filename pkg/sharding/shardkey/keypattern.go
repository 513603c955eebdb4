// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package shardkey defines key patterns, the keys they extract from
// documents and half-open key ranges. Keys are compared through an
// order-preserving byte encoding which honors the direction of each field of
// the pattern.
package shardkey

import (
	"strings"

	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Field is a field of a key pattern.
type Field struct {
	Name string
	Dir  encoding.Direction
}

// KeyPattern is an ordered list of fields with directions, such as
// {a: 1, b: -1}. The zero value is an empty pattern.
type KeyPattern struct {
	fields []Field
}

// MakeKeyPattern builds a pattern from fields.
func MakeKeyPattern(fields ...Field) (KeyPattern, error) {
	if len(fields) == 0 {
		return KeyPattern{}, errors.New("empty key pattern")
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return KeyPattern{}, errors.New("empty field name in key pattern")
		}
		if f.Dir != encoding.Ascending && f.Dir != encoding.Descending {
			return KeyPattern{}, errors.Newf("invalid direction for field %s", f.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return KeyPattern{}, errors.Newf("duplicate field %s in key pattern", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return KeyPattern{fields: append([]Field(nil), fields...)}, nil
}

// ParseKeyPattern parses a pattern document whose values are 1 or -1.
func ParseKeyPattern(doc bson.Raw) (KeyPattern, error) {
	elems, err := doc.Elements()
	if err != nil {
		return KeyPattern{}, errors.Wrap(err, "malformed key pattern")
	}
	fields := make([]Field, 0, len(elems))
	for _, e := range elems {
		v := e.Value()
		var dir float64
		switch v.Type {
		case bsontype.Int32:
			dir = float64(v.Int32())
		case bsontype.Int64:
			dir = float64(v.Int64())
		case bsontype.Double:
			dir = v.Double()
		default:
			return KeyPattern{}, errors.Newf("unsupported value %s for field %s in key pattern", v, e.Key())
		}
		switch dir {
		case 1:
			fields = append(fields, Field{Name: e.Key(), Dir: encoding.Ascending})
		case -1:
			fields = append(fields, Field{Name: e.Key(), Dir: encoding.Descending})
		default:
			return KeyPattern{}, errors.Newf("invalid direction %v for field %s in key pattern", dir, e.Key())
		}
	}
	return MakeKeyPattern(fields...)
}

// ParseKeyPatternJSON parses a pattern written as extended JSON, such as
// `{"a": 1, "b": -1}`.
func ParseKeyPatternJSON(s string) (KeyPattern, error) {
	doc, err := ParseJSON(s)
	if err != nil {
		return KeyPattern{}, err
	}
	return ParseKeyPattern(doc)
}

// MustParseKeyPatternJSON is like ParseKeyPatternJSON but panics on error.
func MustParseKeyPatternJSON(s string) KeyPattern {
	p, err := ParseKeyPatternJSON(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseJSON parses a document written as relaxed extended JSON, preserving
// the order of its fields.
func ParseJSON(s string) (bson.Raw, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false /* canonical */, &d); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", s)
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %q", s)
	}
	return raw, nil
}

// Fields returns the fields of the pattern.
func (p KeyPattern) Fields() []Field {
	return p.fields
}

// NumFields returns the number of fields.
func (p KeyPattern) NumFields() int {
	return len(p.fields)
}

// IsEmpty returns whether the pattern has no fields.
func (p KeyPattern) IsEmpty() bool {
	return len(p.fields) == 0
}

// Equal returns whether both patterns have the same fields and directions.
func (p KeyPattern) Equal(o KeyPattern) bool {
	return len(p.fields) == len(o.fields) && p.IsPrefixOf(o)
}

// IsPrefixOf returns whether the fields of p are the leading fields of o,
// with the same directions.
func (p KeyPattern) IsPrefixOf(o KeyPattern) bool {
	if len(p.fields) > len(o.fields) {
		return false
	}
	for i := range p.fields {
		if p.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// BSON returns the pattern as a document.
func (p KeyPattern) BSON() bson.Raw {
	d := make(bson.D, len(p.fields))
	for i, f := range p.fields {
		dir := int32(1)
		if f.Dir == encoding.Descending {
			dir = -1
		}
		d[i] = bson.E{Key: f.Name, Value: dir}
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encoding key pattern"))
	}
	return raw
}

// SafeFormat implements redact.SafeFormatter.
func (p KeyPattern) SafeFormat(w redact.SafePrinter, _ rune) {
	w.SafeString("{")
	for i, f := range p.fields {
		if i > 0 {
			w.SafeString(", ")
		}
		dir := redact.SafeString("1")
		if f.Dir == encoding.Descending {
			dir = "-1"
		}
		w.Printf("%s: %s", redact.SafeString(f.Name), dir)
	}
	w.SafeString("}")
}

// String implements fmt.Stringer.
func (p KeyPattern) String() string {
	return redact.StringWithoutMarkers(p)
}

// ExtractKey returns the key of doc under the pattern. Dotted field names
// address nested documents and missing fields extract as null.
func (p KeyPattern) ExtractKey(doc bson.Raw) (bson.Raw, error) {
	d := make(bson.D, len(p.fields))
	for i, f := range p.fields {
		v, err := doc.LookupErr(strings.Split(f.Name, ".")...)
		if err != nil {
			d[i] = bson.E{Key: f.Name, Value: nil}
			continue
		}
		d[i] = bson.E{Key: f.Name, Value: v}
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "extracting key")
	}
	return raw, nil
}

// ExtendRangeBound extends key, whose fields are a prefix of the pattern,
// to every field of the pattern. The missing fields are filled with the
// value sorting first in index order, or last if upperInclusive is set, so
// that the extended bound covers every index key starting with key in the
// same way key does.
func (p KeyPattern) ExtendRangeBound(key bson.Raw, upperInclusive bool) (bson.Raw, error) {
	elems, err := key.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "malformed key")
	}
	if len(elems) > len(p.fields) {
		return nil, errors.Newf("key %s has more fields than pattern %s", FormatKey(key), p)
	}
	d := make(bson.D, 0, len(p.fields))
	for i, f := range p.fields {
		if i < len(elems) {
			if elems[i].Key() != f.Name {
				return nil, errors.Newf("key %s does not match pattern %s", FormatKey(key), p)
			}
			d = append(d, bson.E{Key: f.Name, Value: elems[i].Value()})
			continue
		}
		low := (f.Dir == encoding.Ascending) != upperInclusive
		if low {
			d = append(d, bson.E{Key: f.Name, Value: MinKey})
		} else {
			d = append(d, bson.E{Key: f.Name, Value: MaxKey})
		}
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "extending key")
	}
	return raw, nil
}

// Encode returns the order-preserving encoding of key under the pattern.
// The fields of key must be a prefix of the fields of the pattern.
func (p KeyPattern) Encode(key bson.Raw) ([]byte, error) {
	elems, err := key.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "malformed key")
	}
	if len(elems) > len(p.fields) {
		return nil, errors.Newf("key %s has more fields than pattern %s", FormatKey(key), p)
	}
	var b []byte
	for i, e := range elems {
		if e.Key() != p.fields[i].Name {
			return nil, errors.Newf("key %s does not match pattern %s", FormatKey(key), p)
		}
		if b, err = EncodeValue(b, e.Value(), p.fields[i].Dir); err != nil {
			return nil, errors.Wrapf(err, "field %s", e.Key())
		}
	}
	return b, nil
}

// Compare compares two keys under the pattern.
func (p KeyPattern) Compare(a, b bson.Raw) (int, error) {
	ea, err := p.Encode(a)
	if err != nil {
		return 0, err
	}
	eb, err := p.Encode(b)
	if err != nil {
		return 0, err
	}
	return compareBytes(ea, eb), nil
}
