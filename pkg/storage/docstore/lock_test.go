// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/datamotion/pkg/util/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestLockModeCompatibility(t *testing.T) {
	defer leaktest.AfterTest(t)()

	modes := []LockMode{ModeIS, ModeIX, ModeS, ModeX}
	// Rows and columns follow modes.
	expected := [][]bool{
		{true, true, true, false},
		{true, true, false, false},
		{true, false, true, false},
		{false, false, false, false},
	}
	for i, a := range modes {
		for j, b := range modes {
			require.Equal(t, expected[i][j], a.Compatible(b), "%s/%s", a, b)
		}
	}
}

func TestCollectionLockWaits(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := openTestStore(t, TestingKnobs{})
	defer func() { require.NoError(t, s.Close()) }()

	for _, tc := range []struct {
		held, wanted LockMode
	}{
		{ModeIX, ModeX},
		{ModeX, ModeIS},
		{ModeS, ModeIX},
		{ModeIX, ModeS},
	} {
		t.Run(fmt.Sprintf("%s-%s", tc.held, tc.wanted), func(t *testing.T) {
			held, err := s.LockCollection(ctx, testNS, tc.held)
			require.NoError(t, err)

			// A conflicting request gives up with its context.
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err = s.LockCollection(timeoutCtx, testNS, tc.wanted)
			require.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

			// And is granted once the holder releases.
			acquired := make(chan *CollectionLock)
			go func() {
				l, err := s.LockCollection(ctx, testNS, tc.wanted)
				if err != nil {
					panic(err)
				}
				acquired <- l
			}()
			select {
			case <-acquired:
				t.Fatal("conflicting lock granted")
			case <-time.After(10 * time.Millisecond):
			}
			held.Release()
			l := <-acquired
			require.Equal(t, tc.wanted, l.Mode())
			l.Release()
		})
	}

	// Locks on different collections do not conflict.
	x1, err := s.LockCollection(ctx, testNS, ModeX)
	require.NoError(t, err)
	x2, err := s.LockCollection(ctx, otherNS, ModeX)
	require.NoError(t, err)
	x1.Release()
	x2.Release()
	require.Panics(t, x1.Release)
}

func TestCollectionLockSharing(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := openTestStore(t, TestingKnobs{})
	defer func() { require.NoError(t, s.Close()) }()

	var locks []*CollectionLock
	for _, mode := range []LockMode{ModeIS, ModeIX, ModeIX, ModeIS} {
		l, err := s.LockCollection(ctx, testNS, mode)
		require.NoError(t, err)
		locks = append(locks, l)
	}
	for _, l := range locks {
		require.Nil(t, l.Collection())
		l.Release()
	}
	require.NoError(t, s.CreateCollection(ctx, testNS))
	l, err := s.LockCollection(ctx, testNS, ModeS)
	require.NoError(t, err)
	require.Equal(t, testNS, l.Collection().NS())
	l.Release()
	require.Panics(t, func() { l.Collection() })
}
