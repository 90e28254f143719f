package exfat

import (
	"testing"

	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func TestFatChainRoundTrip(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	clusters := []vfat.ClusterID{5, 6, 7}
	require.Nil(t, fat.LinkChain(clusters))

	chain, err := fat.Chain(5)
	require.Nil(t, err)
	require.Equal(t, clusters, chain)
}

func TestFatChainMemoizationInvalidatedBySet(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	require.Nil(t, fat.LinkChain([]vfat.ClusterID{5, 6}))
	chain, err := fat.Chain(5)
	require.Nil(t, err)
	require.Len(t, chain, 2)

	require.Nil(t, fat.LinkChain([]vfat.ClusterID{5, 6, 7}))
	chain, err = fat.Chain(5)
	require.Nil(t, err)
	require.Equal(t, []vfat.ClusterID{5, 6, 7}, chain)
}

func TestFatChainRejectsFreeCluster(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	_, err := fat.Chain(5)
	require.NotNil(t, err)
}

func TestFatClearChain(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	require.Nil(t, fat.LinkChain([]vfat.ClusterID{5, 6, 7}))
	require.Nil(t, fat.ClearChain(5))

	entry, err := fat.get(5)
	require.Nil(t, err)
	require.Equal(t, fatEntryFree, entry)
}

func TestFatTruncateChainFreesTail(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	require.Nil(t, fat.LinkChain([]vfat.ClusterID{5, 6, 7, 8}))
	freed, err := fat.TruncateChain(5, 2)
	require.Nil(t, err)
	require.Equal(t, []vfat.ClusterID{7, 8}, freed)

	chain, err := fat.Chain(5)
	require.Nil(t, err)
	require.Equal(t, []vfat.ClusterID{5, 6}, chain)

	for _, cluster := range freed {
		entry, err := fat.get(cluster)
		require.Nil(t, err)
		require.Equal(t, fatEntryFree, entry)
	}
}

func TestFatTruncateChainNoOpWhenKeepingEverything(t *testing.T) {
	c, geometry := newExfatFixture(t, 10)
	fat := NewFat(c, geometry)

	require.Nil(t, fat.LinkChain([]vfat.ClusterID{5, 6}))
	freed, err := fat.TruncateChain(5, 5)
	require.Nil(t, err)
	require.Nil(t, freed)
}
