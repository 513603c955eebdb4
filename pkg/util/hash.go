// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package util

// Magic FNV Base constant as suitable for a FNV-64 hash.
const fnvBase = uint64(14695981039346656037)
const fnvPrime = 1099511628211

// FNV64Init returns the initial state of an FNV-1a hash.
func FNV64Init() uint64 {
	return fnvBase
}

// FNV64AddToHash folds a byte into the hash state s0.
func FNV64AddToHash(s0 uint64, c byte) uint64 {
	s0 ^= uint64(c)
	s0 *= fnvPrime
	return s0
}

// FNV64AddBytes folds data into the hash state s0.
func FNV64AddBytes(s0 uint64, data []byte) uint64 {
	for _, c := range data {
		s0 = FNV64AddToHash(s0, c)
	}
	return s0
}

// ChainHash derives the hash of a log record from the hash of its
// predecessor and the record's payload, so that a mismatch at any point
// of a log is carried forward to every later record.
func ChainHash(prev int64, payload []byte) int64 {
	s := FNV64Init()
	for i := 0; i < 8; i++ {
		s = FNV64AddToHash(s, byte(uint64(prev)>>(8*i)))
	}
	s = FNV64AddBytes(s, payload)
	// Values that hash to zero are remapped so that zero keeps meaning
	// "no hash".
	if s == 0 {
		s = fnvBase
	}
	return int64(s)
}
