package exfat

import (
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

// newExfatFixture builds a minimal exFAT geometry over a small in-memory
// container: one FAT copy, 512-byte sectors, one sector per cluster.
// Cluster 2 is reserved for the allocation bitmap, cluster 3 for the
// upcase table, cluster 4 for the root directory; dataClusters more
// clusters follow for everything else a test allocates.
func newExfatFixture(t *testing.T, dataClusters uint64) (*cache.Cache, *Geometry) {
	const bytesPerSector = 512
	const bytesPerCluster = bytesPerSector

	totalClusters := dataClusters + 3
	fatBytes := totalClusters * 4
	fatSectors := (fatBytes + bytesPerSector - 1) / bytesPerSector
	clusterHeapOffsetSectors := uint32(1 + fatSectors)

	totalBytes := int64(clusterHeapOffsetSectors)*bytesPerSector + int64(totalClusters)*bytesPerCluster
	container, err := block.NewMemoryContainer(totalBytes, bytesPerSector)
	require.Nil(t, err)

	geometry := &Geometry{
		BootSector: BootSector{
			FatOffset:                   1,
			FatLength:                   uint32(fatSectors),
			ClusterHeapOffset:           clusterHeapOffsetSectors,
			ClusterCount:                uint32(totalClusters),
			FirstClusterOfRootDirectory: 4,
			NumberOfFats:                1,
		},
		BytesPerSector:         bytesPerSector,
		BytesPerCluster:        bytesPerCluster,
		ClusterHeapOffsetBytes: int64(clusterHeapOffsetSectors) * bytesPerSector,
	}
	return cache.New(container, 8), geometry
}

// newAllocationBitmapFixture pre-marks clusters 2 (itself), 3 (upcase
// table) and 4 (root directory) allocated, then loads the bitmap.
func newAllocationBitmapFixture(t *testing.T, c *cache.Cache, geometry *Geometry, totalClusters uint64) *AllocationBitmap {
	byteLen := int((totalClusters + 7) / 8)
	raw := make([]byte, byteLen)
	raw[0] |= 0x07 // bits 0,1,2 -> clusters 2,3,4
	require.Nil(t, c.Write(geometry.ClusterByteOffset(2), raw))

	ab, err := LoadAllocationBitmap(c, geometry, 2, totalClusters)
	require.Nil(t, err)
	return ab
}

// newRootDirectoryFixture terminates cluster 4's FAT chain and opens it
// as an empty root directory.
func newRootDirectoryFixture(t *testing.T, c *cache.Cache, fat *Fat, bitmap *AllocationBitmap, upcase *UpcaseTable, geometry *Geometry) *Directory {
	require.Nil(t, fat.LinkChain([]vfat.ClusterID{4}))
	zero := make([]byte, geometry.BytesPerCluster)
	require.Nil(t, c.Write(geometry.ClusterByteOffset(4), zero))

	dir, err := OpenDirectory(c, fat, bitmap, upcase, geometry, 4)
	require.Nil(t, err)
	return dir
}
