package rle_test

import (
	"testing"

	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/stretchr/testify/require"
)

func TestInsertMergesAdjacentRuns(t *testing.T) {
	m := rle.NewMap()
	m.Insert(10, 5) // [10,15)
	m.Insert(15, 3) // touches the previous run -> merge to [10,18)
	m.Insert(0, 5)  // disjoint -> separate run

	require.Equal(t, []rle.Run{{Start: 0, Length: 5}, {Start: 10, Length: 8}}, m.Runs())
}

func TestInsertMergesOverlapAndBridgesGap(t *testing.T) {
	m := rle.NewMap()
	m.Insert(0, 5)  // [0,5)
	m.Insert(10, 5) // [10,15)
	m.Insert(4, 7)  // [4,11) bridges both into one run [0,15)

	require.Equal(t, []rle.Run{{Start: 0, Length: 15}}, m.Runs())
}

// TestAllocateBestFit checks that a free map of {2:5, 10:3, 20:20}
// allocating 12 units uses the 20-run (best fit), leaving {2:5, 10:3, 32:8}.
func TestAllocateBestFit(t *testing.T) {
	m := rle.NewMapFromRuns([]rle.Run{{Start: 2, Length: 5}, {Start: 10, Length: 3}, {Start: 20, Length: 20}})

	allocated, err := m.Allocate(12, 0)
	require.NoError(t, err)
	require.Equal(t, []rle.Run{{Start: 20, Length: 12}}, allocated)

	require.Equal(t, []rle.Run{
		{Start: 2, Length: 5},
		{Start: 10, Length: 3},
		{Start: 32, Length: 8},
	}, m.Runs())
}

func TestAllocateFallsBackToLargestRunsWhenNoSingleRunFits(t *testing.T) {
	m := rle.NewMapFromRuns([]rle.Run{{Start: 0, Length: 5}, {Start: 10, Length: 3}})

	allocated, err := m.Allocate(7, 0)
	require.NoError(t, err)
	require.Equal(t, []rle.Run{{Start: 0, Length: 5}, {Start: 10, Length: 2}}, allocated)
	require.Equal(t, []rle.Run{{Start: 12, Length: 1}}, m.Runs())
}

func TestAllocateInsufficientSpaceLeavesMapUnchanged(t *testing.T) {
	m := rle.NewMapFromRuns([]rle.Run{{Start: 0, Length: 3}})
	before := m.Runs()

	_, err := m.Allocate(10, 0)
	require.ErrorIs(t, err, rle.ErrNoSpace)
	require.Equal(t, before, m.Runs())
}

func TestRemoveSplitsRun(t *testing.T) {
	m := rle.NewMapFromRuns([]rle.Run{{Start: 0, Length: 10}})
	m.Remove(3, 2) // remove [3,5) from [0,10)

	require.Equal(t, []rle.Run{{Start: 0, Length: 3}, {Start: 5, Length: 5}}, m.Runs())
}
