// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mt := NewManualTime(start)
	require.Equal(t, start, mt.Now())
	mt.Advance(3 * time.Second)
	require.Equal(t, 3*time.Second, mt.Since(start))
}

func TestTimerReuse(t *testing.T) {
	var timer Timer
	defer timer.Stop()
	timer.Reset(time.Millisecond)
	<-timer.C
	timer.Reset(time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(10 * time.Second):
		t.Fatal("timer did not fire after Reset")
	}
}
