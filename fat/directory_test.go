package fat

import (
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

// newClusteredDirFixture builds a small FAT12 volume with a single
// one-cluster subdirectory chain, ready for Directory operations.
func newClusteredDirFixture(t *testing.T) (*Directory, *Table) {
	const bytesPerSector = 512
	const sectorsPerCluster = 1
	const sectorsPerFAT = 2
	const numFATs = 2
	const dataClusters = 10

	container, err := block.NewMemoryContainer(
		int64((1+numFATs*sectorsPerFAT+dataClusters*sectorsPerCluster)*bytesPerSector), bytesPerSector)
	require.Nil(t, err)

	geometry := &Geometry{
		BPB: BPB{
			BytesPerSector:    bytesPerSector,
			SectorsPerCluster: sectorsPerCluster,
			NumFATs:           numFATs,
			sectorsPerFAT16:   sectorsPerFAT,
		},
		Kind:            vfat.FSFAT12,
		FirstFATSector:  1,
		FirstDataSector: 1 + numFATs*sectorsPerFAT,
		TotalClusters:   dataClusters,
		BytesPerCluster: bytesPerSector * sectorsPerCluster,
	}

	c := cache.New(container, 16)
	table, err := NewTable(c, geometry)
	require.Nil(t, err)

	firstCluster, err := table.Alloc(1, vfat.ClusterFirstValid)
	require.Nil(t, err)

	dir, err := OpenDirectory(c, table, geometry, Location{FirstCluster: firstCluster[0]})
	require.Nil(t, err)
	return dir, table
}

func TestDirectoryCreateFindIter(t *testing.T) {
	dir, _ := newClusteredDirFixture(t)

	entry, err := dir.Create("README.TXT", vfat.AttrArchive, vfat.ClusterID(5))
	require.Nil(t, err)
	require.Equal(t, "README.TXT", entry.ShortName)

	found, ok := dir.Find("readme.txt")
	require.True(t, ok)
	require.Equal(t, vfat.ClusterID(5), found.FirstCluster)

	require.Len(t, dir.Iter(), 1)
}

func TestDirectoryCreateWithLongNameGetsLFN(t *testing.T) {
	dir, _ := newClusteredDirFixture(t)

	entry, err := dir.Create("a very long file name.txt", vfat.AttrArchive, vfat.ClusterFree)
	require.Nil(t, err)
	require.NotEqual(t, entry.Name, entry.ShortName)
	require.Greater(t, entry.slotCount, uint64(1))

	found, ok := dir.Find("a very long file name.txt")
	require.True(t, ok)
	require.Equal(t, "a very long file name.txt", found.Name)
}

func TestDirectoryCreateDuplicateFails(t *testing.T) {
	dir, _ := newClusteredDirFixture(t)
	_, err := dir.Create("FOO.TXT", vfat.AttrArchive, vfat.ClusterFree)
	require.Nil(t, err)
	_, err = dir.Create("foo.txt", vfat.AttrArchive, vfat.ClusterFree)
	require.NotNil(t, err)
}

func TestDirectoryRemoveFreesSlotsAndChain(t *testing.T) {
	dir, table := newClusteredDirFixture(t)

	clusters, err := table.Alloc(1, vfat.ClusterFirstValid)
	require.Nil(t, err)
	freeBefore := table.FreeClusters()

	_, err = dir.Create("FOO.TXT", vfat.AttrArchive, clusters[0])
	require.Nil(t, err)

	require.Nil(t, dir.Remove("FOO.TXT"))
	_, ok := dir.Find("FOO.TXT")
	require.False(t, ok)
	require.Equal(t, freeBefore+1, table.FreeClusters())
}

func TestDirectoryRenameInPlace(t *testing.T) {
	dir, _ := newClusteredDirFixture(t)
	_, err := dir.Create("FOO.TXT", vfat.AttrArchive, vfat.ClusterID(9))
	require.Nil(t, err)

	require.Nil(t, dir.Rename("FOO.TXT", "BAR.TXT"))
	_, ok := dir.Find("FOO.TXT")
	require.False(t, ok)
	found, ok := dir.Find("BAR.TXT")
	require.True(t, ok)
	require.Equal(t, vfat.ClusterID(9), found.FirstCluster)
}

func TestDirectorySortOrdersBySuppliedComparator(t *testing.T) {
	dir, _ := newClusteredDirFixture(t)
	_, err := dir.Create("B.TXT", vfat.AttrArchive, vfat.ClusterFree)
	require.Nil(t, err)
	_, err = dir.Create("A.TXT", vfat.AttrArchive, vfat.ClusterFree)
	require.Nil(t, err)

	require.Nil(t, dir.Sort(func(a, b *DirEntry) bool { return a.Name < b.Name }))

	entries := dir.Iter()
	require.Len(t, entries, 2)
	require.Equal(t, "A.TXT", entries[0].ShortName)
	require.Equal(t, "B.TXT", entries[1].ShortName)
}

func TestDirectoryGrowsChainWhenFull(t *testing.T) {
	dir, table := newClusteredDirFixture(t)
	freeBefore := table.FreeClusters()

	// One 512-byte cluster holds 16 slots; create enough short entries to
	// force a second cluster to be allocated.
	for i := 0; i < 17; i++ {
		name := string(rune('A'+i)) + ".TXT"
		_, err := dir.Create(name, vfat.AttrArchive, vfat.ClusterFree)
		require.Nil(t, err)
	}
	require.Less(t, table.FreeClusters(), freeBefore)
	require.Len(t, dir.Iter(), 17)
}
