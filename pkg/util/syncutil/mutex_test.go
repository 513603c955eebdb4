// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build !deadlock

package syncutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertHeld(t *testing.T) {
	var m Mutex
	require.Panics(t, m.AssertHeld)
	m.Lock()
	require.NotPanics(t, m.AssertHeld)
	m.Unlock()

	var rw RWMutex
	require.Panics(t, rw.AssertRHeld)
	rw.RLock()
	require.NotPanics(t, rw.AssertRHeld)
	rw.RUnlock()
	rw.Lock()
	require.NotPanics(t, rw.AssertHeld)
	rw.Unlock()
}
