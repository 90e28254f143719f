package exfat

import (
	"testing"
	"time"

	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, dataClusters uint64) (*Directory, *Fat, *AllocationBitmap) {
	c, geometry := newExfatFixture(t, dataClusters)
	ab := newAllocationBitmapFixture(t, c, geometry, dataClusters+3)
	fat := NewFat(c, geometry)
	upcase := DefaultUpcaseTable()
	dir := newRootDirectoryFixture(t, c, fat, ab, upcase, geometry)
	return dir, fat, ab
}

func TestDirectoryCreateFindRoundTrip(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)

	entry, err := dir.Create("report.txt", FileAttrArchive, vfat.ClusterFree, 0, true, now)
	require.Nil(t, err)
	require.Equal(t, "report.txt", entry.Name)

	found, ok := dir.Find("REPORT.TXT")
	require.True(t, ok)
	require.Equal(t, entry.Name, found.Name)
}

func TestDirectoryCreateRejectsDuplicateName(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	_, err := dir.Create("a.txt", FileAttrArchive, vfat.ClusterFree, 0, true, now)
	require.Nil(t, err)

	_, err = dir.Create("A.TXT", FileAttrArchive, vfat.ClusterFree, 0, true, now)
	require.NotNil(t, err)
}

func TestDirectoryIterReturnsPhysicalOrder(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		_, err := dir.Create(name, FileAttrArchive, vfat.ClusterFree, 0, true, now)
		require.Nil(t, err)
	}

	entries := dir.Iter()
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"a.txt", "b.txt", "c.txt", "d.txt"}, names)
}

func TestDirectorySortReordersByKey(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	for _, name := range []string{"d.txt", "b.txt", "a.txt", "c.txt"} {
		_, err := dir.Create(name, FileAttrArchive, vfat.ClusterFree, 0, true, now)
		require.Nil(t, err)
	}

	require.Nil(t, dir.Sort(func(a, b *DirEntry) bool { return a.Name < b.Name }))

	var names []string
	for _, e := range dir.Iter() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"a.txt", "b.txt", "c.txt", "d.txt"}, names)
}

func TestDirectorySortIdempotent(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	for _, name := range []string{"d.txt", "b.txt", "a.txt"} {
		_, err := dir.Create(name, FileAttrArchive, vfat.ClusterFree, 0, true, now)
		require.Nil(t, err)
	}
	less := func(a, b *DirEntry) bool { return a.Name < b.Name }

	require.Nil(t, dir.Sort(less))
	firstPass := dir.Iter()
	require.Nil(t, dir.Sort(less))
	secondPass := dir.Iter()

	require.Equal(t, len(firstPass), len(secondPass))
	for i := range firstPass {
		require.Equal(t, firstPass[i].Name, secondPass[i].Name)
	}
}

func TestDirectoryRemoveFreesDataStream(t *testing.T) {
	dir, bitmapFat, ab := newTestDirectory(t, 20)
	now := time.Now()

	first, _, contiguous, err := AllocateExtent(ab, bitmapFat, 3, vfat.ClusterFirstValid)
	require.Nil(t, err)
	_, createErr := dir.Create("data.bin", FileAttrArchive, first, 3*512, contiguous, now)
	require.Nil(t, createErr)

	freeBefore := ab.FreeClusters()
	require.Nil(t, dir.Remove("data.bin"))
	require.Equal(t, freeBefore+3, ab.FreeClusters())

	_, ok := dir.Find("data.bin")
	require.False(t, ok)
}

func TestDirectoryRenameSameSlotCount(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	_, err := dir.Create("a.txt", FileAttrArchive, vfat.ClusterFree, 0, true, now)
	require.Nil(t, err)

	require.Nil(t, dir.Rename("a.txt", "b.txt"))
	_, ok := dir.Find("a.txt")
	require.False(t, ok)
	found, ok := dir.Find("b.txt")
	require.True(t, ok)
	require.Equal(t, "b.txt", found.Name)
}

func TestDirectoryRenameDifferentSlotCount(t *testing.T) {
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	_, err := dir.Create("short.txt", FileAttrArchive, vfat.ClusterFree, 0, true, now)
	require.Nil(t, err)

	longName := "a-name-much-longer-than-fifteen-characters-for-sure.txt"
	require.Nil(t, dir.Rename("short.txt", longName))

	found, ok := dir.Find(longName)
	require.True(t, ok)
	require.Equal(t, longName, found.Name)
}

func TestDirectoryUpdateStatPublishesFinalState(t *testing.T) {
	dir, bitmapFat, ab := newTestDirectory(t, 20)
	now := time.Now()
	_, err := dir.Create("data.bin", FileAttrArchive, vfat.ClusterFree, 0, true, now)
	require.Nil(t, err)

	first, _, contiguous, aerr := AllocateExtent(ab, bitmapFat, 2, vfat.ClusterFirstValid)
	require.Nil(t, aerr)

	later := now.Add(time.Minute)
	require.Nil(t, dir.UpdateStat("data.bin", 2*512, first, contiguous, later))

	entry, ok := dir.Find("data.bin")
	require.True(t, ok)
	require.Equal(t, uint64(2*512), entry.Size)
	require.Equal(t, first, entry.FirstCluster)
}

func TestDirectoryGrowsChainAcrossManyEntries(t *testing.T) {
	// slotsPerCluster is 512/32 = 16; each entry with a one-fragment name
	// takes 3 slots (File, Stream Extension, File Name), so more than 5
	// such entries forces the directory to grow past its first cluster.
	dir, _, _ := newTestDirectory(t, 20)
	now := time.Now()
	for i := 0; i < 10; i++ {
		name := string(rune('a'+i)) + ".txt"
		_, err := dir.Create(name, FileAttrArchive, vfat.ClusterFree, 0, true, now)
		require.Nil(t, err)
	}
	require.Equal(t, 10, len(dir.Iter()))
}
