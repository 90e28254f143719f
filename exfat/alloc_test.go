package exfat

import (
	"testing"

	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func TestAllocateExtentContiguousSkipsFat(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	ab := newAllocationBitmapFixture(t, c, geometry, 13)
	fat := NewFat(c, geometry)

	first, clusters, contiguous, err := AllocateExtent(ab, fat, 3, vfat.ClusterFirstValid)
	require.Nil(t, err)
	require.True(t, contiguous)
	require.Len(t, clusters, 3)
	require.Equal(t, first, clusters[0])

	_, chainErr := fat.Chain(first)
	require.NotNil(t, chainErr) // no FAT entries were written
}

func TestAllocateExtentFragmentedLinksFatChain(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	ab := newAllocationBitmapFixture(t, c, geometry, 13)
	fat := NewFat(c, geometry)

	runs, _, err := ab.Allocate(10, vfat.ClusterFirstValid)
	require.Nil(t, err)
	start := vfat.ClusterID(runs[0].Start) + vfat.ClusterFirstValid
	require.Nil(t, ab.Free(start, 2))
	require.Nil(t, ab.Free(start+6, 2))

	first, clusters, contiguous, err := AllocateExtent(ab, fat, 4, vfat.ClusterFirstValid)
	require.Nil(t, err)
	require.False(t, contiguous)
	require.Len(t, clusters, 4)

	chain, chainErr := fat.Chain(first)
	require.Nil(t, chainErr)
	require.Equal(t, clusters, chain)
}

func TestFreeExtentNoFatChainReturnsRunToBitmap(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	ab := newAllocationBitmapFixture(t, c, geometry, 13)
	fat := NewFat(c, geometry)

	first, _, contiguous, err := AllocateExtent(ab, fat, 3, vfat.ClusterFirstValid)
	require.Nil(t, err)
	require.True(t, contiguous)

	require.Nil(t, FreeExtent(ab, fat, first, 3, true))
	require.Equal(t, uint64(10), ab.FreeClusters())
}

func TestFreeExtentFatChainWalksAndReturnsEachCluster(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	ab := newAllocationBitmapFixture(t, c, geometry, 13)
	fat := NewFat(c, geometry)

	runs, _, err := ab.Allocate(10, vfat.ClusterFirstValid)
	require.Nil(t, err)
	start := vfat.ClusterID(runs[0].Start) + vfat.ClusterFirstValid
	require.Nil(t, ab.Free(start, 2))
	require.Nil(t, ab.Free(start+6, 2))

	first, _, _, err := AllocateExtent(ab, fat, 4, vfat.ClusterFirstValid)
	require.Nil(t, err)

	require.Nil(t, FreeExtent(ab, fat, first, 4, false))
	require.Equal(t, uint64(4), ab.FreeClusters())
	_, chainErr := fat.Chain(first)
	require.NotNil(t, chainErr)
}

func TestResolveChainNoFatChainComputesImplicitRange(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	chain, err := ResolveChain(fat, 5, geometry.BytesPerCluster*3, geometry.BytesPerCluster, true)
	require.Nil(t, err)
	require.Equal(t, []vfat.ClusterID{5, 6, 7}, chain)
}

func TestResolveChainFatChainWalksFat(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)
	require.Nil(t, fat.LinkChain([]vfat.ClusterID{5, 7, 9}))

	chain, err := ResolveChain(fat, 5, 0, geometry.BytesPerCluster, false)
	require.Nil(t, err)
	require.Equal(t, []vfat.ClusterID{5, 7, 9}, chain)
}

func TestAllocateFatChainAlwaysLinksEvenWhenContiguous(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	ab := newAllocationBitmapFixture(t, c, geometry, 13)
	fat := NewFat(c, geometry)

	first, err := AllocateFatChain(ab, fat, 3, vfat.ClusterFirstValid)
	require.Nil(t, err)

	chain, chainErr := fat.Chain(first)
	require.Nil(t, chainErr)
	require.Len(t, chain, 3)
}
