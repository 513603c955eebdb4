// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package humanizeutil

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// IBytes is an int64 version of go-humanize's IBytes.
func IBytes(value int64) string {
	if value < 0 {
		return "-" + humanize.IBytes(uint64(-value))
	}
	return humanize.IBytes(uint64(value))
}

// ParseBytes is an int64 version of go-humanize's ParseBytes.
func ParseBytes(s string) (int64, error) {
	if len(s) == 0 {
		return 0, errors.New(`parsing "": invalid syntax`)
	}
	var negative bool
	if s[0] == '-' {
		negative = true
		s = s[1:]
	}
	value, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if value > math.MaxInt64 {
		return 0, errors.Newf("too large: %s", s)
	}
	if negative {
		return -int64(value), nil
	}
	return int64(value), nil
}

// ByteSize is a byte count which is rendered and parsed in humanized form
// ("64 MiB") by flags and YAML configuration files.
type ByteSize int64

var _ pflag.Value = (*ByteSize)(nil)
var _ yaml.Unmarshaler = (*ByteSize)(nil)
var _ yaml.Marshaler = ByteSize(0)

// Set implements the pflag.Value interface.
func (b *ByteSize) Set(s string) error {
	v, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

// Type implements the pflag.Value interface.
func (b *ByteSize) Type() string {
	return "bytes"
}

// String implements the pflag.Value interface. It uses the MiB, GiB, etc.
// suffixes.
func (b ByteSize) String() string {
	return IBytes(int64(b))
}

// UnmarshalYAML accepts both plain integers and humanized strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Wrapf(err, "line %d: expected a byte size", node.Line)
	}
	return errors.Wrapf(b.Set(s), "line %d", node.Line)
}

// MarshalYAML implements the yaml.Marshaler interface.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}
