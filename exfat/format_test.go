package exfat

import (
	"bytes"
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func newFormatHost(t *testing.T, sizeBytes int64) block.Container {
	t.Helper()
	host, err := block.NewMemoryContainer(sizeBytes, 512)
	require.Nil(t, err)
	return host
}

func TestFormatProducesMountableVolume(t *testing.T) {
	host := newFormatHost(t, 16*1024*1024)

	geometry, c, fat, bitmap, upcase, root, err := Format(host, 3, "TESTVOL", 64)
	require.Nil(t, err)
	require.NotNil(t, geometry)
	require.NotNil(t, c)
	require.NotNil(t, fat)
	require.NotNil(t, bitmap)
	require.NotNil(t, upcase)
	require.NotNil(t, root)

	require.Empty(t, root.Iter())
}

func TestFormatBootRegionRoundTripsThroughOpenVolume(t *testing.T) {
	host := newFormatHost(t, 16*1024*1024)

	_, _, _, _, _, _, err := Format(host, 3, "TESTVOL", 64)
	require.Nil(t, err)

	geometry, _, operr := OpenVolume(host, 64)
	require.Nil(t, operr)
	require.False(t, geometry.TexFATShadowed())
	require.Equal(t, uint8(1), geometry.NumberOfFats)
}

func TestFormatRootDirectoryAcceptsNewFile(t *testing.T) {
	host := newFormatHost(t, 16*1024*1024)

	_, _, _, _, _, root, err := Format(host, 3, "TESTVOL", 64)
	require.Nil(t, err)

	created, cerr := root.Create("hello.txt", FileAttrArchive, vfat.ClusterFree, 0, true, vfat.UndefinedTimestamp)
	require.Nil(t, cerr)
	require.Equal(t, "hello.txt", created.Name)

	found, ok := root.Find("HELLO.TXT")
	require.True(t, ok)
	require.Equal(t, created.Name, found.Name)
}

func TestFormatRejectsContainerTooSmall(t *testing.T) {
	host := newFormatHost(t, 8*1024)

	_, _, _, _, _, _, err := Format(host, 3, "TESTVOL", 16)
	require.NotNil(t, err)
}

func TestFormatBitmapMarksItsOwnClustersAllocated(t *testing.T) {
	host := newFormatHost(t, 16*1024*1024)

	_, _, _, bitmap, _, _, err := Format(host, 3, "TESTVOL", 64)
	require.Nil(t, err)

	require.False(t, bitmap.IsFree(2))
	require.False(t, bitmap.IsFree(3))
	require.False(t, bitmap.IsFree(4))
}

func TestFormatUpcaseTableMatchesDefault(t *testing.T) {
	host := newFormatHost(t, 16*1024*1024)

	_, _, _, _, upcase, _, err := Format(host, 3, "TESTVOL", 64)
	require.Nil(t, err)

	want := DefaultUpcaseTable()
	require.True(t, bytes.Equal(want.Encode(), upcase.Encode()))
}
