// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBagCounts(t *testing.T) {
	require := require.New(t)

	b := Of(uint64(7), 7, 7, 42)
	require.Equal(4, b.Len())
	require.Equal(3, b.Count(7))
	require.Equal(1, b.Count(42))
	require.Zero(b.Count(99))

	b.AddCount(42, 0)
	b.AddCount(42, -5)
	require.Equal(1, b.Count(42))

	mode, count := b.Mode()
	require.Equal(uint64(7), mode)
	require.Equal(3, count)
}

func TestBagModesTie(t *testing.T) {
	require := require.New(t)

	var b Bag[uint64]
	modes, count := b.Modes()
	require.Empty(modes)
	require.Zero(count)

	b.AddCount(10, 3)
	b.AddCount(20, 3)
	b.Add(30)

	modes, count = b.Modes()
	require.Equal(3, count)
	require.ElementsMatch([]uint64{10, 20}, modes)

	b.Add(10)
	modes, count = b.Modes()
	require.Equal(4, count)
	require.Equal([]uint64{10}, modes)
}

func TestBagFilter(t *testing.T) {
	require := require.New(t)

	b := Of(1, 2, 2, 3, 3, 3)
	even := b.Filter(func(n int) bool { return n%2 == 0 })
	require.Equal(2, even.Len())
	require.Equal(2, even.Count(2))
	require.Zero(even.Count(3))
}
