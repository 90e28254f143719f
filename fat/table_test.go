package fat

import (
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

// newFAT12Fixture builds a minimal FAT12 geometry over a small in-memory
// container: 2 FAT copies, 1 reserved sector, no root directory region
// (the allocator doesn't care where the root directory lives).
func newFAT12Fixture(t *testing.T, totalClusters uint64) (*cache.Cache, *Geometry) {
	const sectorsPerFAT = 2 // enough for a handful of 12-bit entries
	const numFATs = 2
	const bytesPerSector = 512

	container, err := block.NewMemoryContainer(int64((1+numFATs*sectorsPerFAT+16)*bytesPerSector), bytesPerSector)
	require.Nil(t, err)

	geometry := &Geometry{
		BPB: BPB{
			BytesPerSector:  bytesPerSector,
			NumFATs:         numFATs,
			sectorsPerFAT16: sectorsPerFAT,
		},
		Kind:           vfat.FSFAT12,
		FirstFATSector: 1,
		TotalClusters:  totalClusters,
	}
	return cache.New(container, 8), geometry
}

func TestTableAllocChainFreeRoundTrip(t *testing.T) {
	c, geometry := newFAT12Fixture(t, 20)
	table, err := NewTable(c, geometry)
	require.Nil(t, err)
	require.Equal(t, uint64(20), table.FreeClusters())

	clusters, err := table.Alloc(3, vfat.ClusterFirstValid)
	require.Nil(t, err)
	require.Len(t, clusters, 3)
	require.Equal(t, uint64(17), table.FreeClusters())

	chain, err := table.Chain(clusters[0])
	require.Nil(t, err)
	require.Equal(t, clusters, chain)

	require.Nil(t, table.FreeChain(clusters[0]))
	require.Equal(t, uint64(20), table.FreeClusters())
}

func TestTableExtendAppendsToChain(t *testing.T) {
	c, geometry := newFAT12Fixture(t, 20)
	table, err := NewTable(c, geometry)
	require.Nil(t, err)

	clusters, err := table.Alloc(2, vfat.ClusterFirstValid)
	require.Nil(t, err)

	more, err := table.Extend(clusters[len(clusters)-1], 2, vfat.ClusterFirstValid)
	require.Nil(t, err)
	require.Len(t, more, 2)

	chain, err := table.Chain(clusters[0])
	require.Nil(t, err)
	require.Equal(t, append(append([]vfat.ClusterID{}, clusters...), more...), chain)
}

func TestTableTruncateChainFreesTail(t *testing.T) {
	c, geometry := newFAT12Fixture(t, 20)
	table, err := NewTable(c, geometry)
	require.Nil(t, err)

	clusters, err := table.Alloc(4, vfat.ClusterFirstValid)
	require.Nil(t, err)

	require.Nil(t, table.TruncateChain(clusters[0], 2))
	chain, err := table.Chain(clusters[0])
	require.Nil(t, err)
	require.Equal(t, clusters[:2], chain)
	require.Equal(t, uint64(18), table.FreeClusters())
}

func TestTableAllocFailsWhenExhausted(t *testing.T) {
	c, geometry := newFAT12Fixture(t, 4)
	table, err := NewTable(c, geometry)
	require.Nil(t, err)

	_, err = table.Alloc(5, vfat.ClusterFirstValid)
	require.NotNil(t, err)
}
