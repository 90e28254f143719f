package testing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/exfat"
	"github.com/maxpat78/FATtools/fat"
	"github.com/maxpat78/FATtools/imagefmt"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/maxpat78/FATtools/volume"
)

// MustFormatFAT formats a freshly created random-backed container with
// the requested FAT width and mounts it, failing the test immediately
// on any error. Format's own cache is flushed before Mount opens a
// second, independent cache over the same container, since Format
// leaves its writes buffered rather than committed.
func MustFormatFAT(t *testing.T, kind vfat.FSKind, sizeBytes int64, sectorsPerCluster uint8) *volume.Volume {
	t.Helper()
	host := NewRandomContainer(t, sizeBytes, 512)
	_, formatCache, _, _, err := fat.Format(host, kind, sectorsPerCluster, "TESTVOL", 64)
	require.Nil(t, err)
	require.Nil(t, formatCache.Flush())

	vol, merr := volume.Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, merr)
	return vol
}

// MustFormatExFAT formats a freshly created random-backed container as
// exFAT and mounts it.
func MustFormatExFAT(t *testing.T, sizeBytes int64, sectorsPerClusterShift uint8) *volume.Volume {
	t.Helper()
	host := NewRandomContainer(t, sizeBytes, 512)
	_, formatCache, _, _, _, _, err := exfat.Format(host, sectorsPerClusterShift, "TESTVOL", 64)
	require.Nil(t, err)
	require.Nil(t, formatCache.Flush())

	vol, merr := volume.Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, merr)
	return vol
}

// MustMountPreset formats and mounts a container sized and shaped after
// a named imagefmt preset, so scenario tests can ask for "sdhc32g"
// instead of hand-typing geometry numbers.
func MustMountPreset(t *testing.T, slug string) *volume.Volume {
	t.Helper()
	preset, err := imagefmt.Lookup(slug)
	require.NoError(t, err)

	if preset.Kind() == vfat.FSExFAT {
		return MustFormatExFAT(t, preset.TotalSizeBytes, log2Uint8(preset.SectorsPerCluster))
	}
	return MustFormatFAT(t, preset.Kind(), preset.TotalSizeBytes, preset.SectorsPerCluster)
}

// log2Uint8 returns the base-2 logarithm of n, which must be an exact
// power of two; exfat.Format takes a cluster size as a shift rather than
// a raw sectors-per-cluster count.
func log2Uint8(n uint8) uint8 {
	var shift uint8
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}
