package exfat

import (
	"encoding/binary"
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

const testSectorSize = 512

// buildBootRegion constructs a minimal, checksummed 12-sector exFAT boot
// region over a volume with the given geometry parameters.
func buildBootRegion(t *testing.T, fatOffset, fatLength, clusterHeapOffset, clusterCount, rootCluster uint32, bytesPerSectorShift, sectorsPerClusterShift, numberOfFats uint8) []byte {
	region := make([]byte, mainBootSectorCount*testSectorSize)
	sector := region[:testSectorSize]

	copy(sector[3:11], "EXFAT   ")
	binary.LittleEndian.PutUint64(sector[64:72], 0)          // PartitionOffset
	binary.LittleEndian.PutUint64(sector[72:80], 1<<20)       // VolumeLength
	binary.LittleEndian.PutUint32(sector[80:84], fatOffset)
	binary.LittleEndian.PutUint32(sector[84:88], fatLength)
	binary.LittleEndian.PutUint32(sector[88:92], clusterHeapOffset)
	binary.LittleEndian.PutUint32(sector[92:96], clusterCount)
	binary.LittleEndian.PutUint32(sector[96:100], rootCluster)
	binary.LittleEndian.PutUint32(sector[100:104], 0x12345678) // VolumeSerialNumber
	binary.LittleEndian.PutUint16(sector[104:106], 0x0100)     // FileSystemRevision 1.0
	binary.LittleEndian.PutUint16(sector[106:108], 0)          // VolumeFlags
	sector[108] = bytesPerSectorShift
	sector[109] = sectorsPerClusterShift
	sector[110] = numberOfFats
	sector[111] = 0x80 // DriveSelect
	sector[112] = 0    // PercentInUse
	binary.LittleEndian.PutUint16(sector[510:512], bootSignatureValue)

	require.Nil(t, WriteBootChecksum(region, testSectorSize))
	return region
}

func TestParseBootSectorDecodesFields(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 1)
	geometry, err := ParseBootSector(region[:testSectorSize])
	require.Nil(t, err)
	require.Equal(t, uint32(1), geometry.FatOffset)
	require.Equal(t, uint32(4), geometry.FatLength)
	require.Equal(t, uint64(512), geometry.BytesPerSector)
	require.Equal(t, uint64(512), geometry.BytesPerCluster)
	require.Equal(t, int64(5*512), geometry.ClusterHeapOffsetBytes)
}

func TestParseBootSectorRejectsBadSignature(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 1)
	sector := append([]byte(nil), region[:testSectorSize]...)
	copy(sector[3:11], "NOTEXFAT")

	_, err := ParseBootSector(sector)
	require.NotNil(t, err)
}

func TestParseBootSectorRejectsMissingBootSignature(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 1)
	sector := append([]byte(nil), region[:testSectorSize]...)
	binary.LittleEndian.PutUint16(sector[510:512], 0)

	_, err := ParseBootSector(sector)
	require.NotNil(t, err)
}

func TestBootChecksumRoundTrip(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 1)
	require.Nil(t, VerifyBootChecksum(region, testSectorSize))

	region[50] ^= 0xFF // corrupt a checksummed byte
	require.NotNil(t, VerifyBootChecksum(region, testSectorSize))
}

func TestBootChecksumIgnoresVolumeFlagsAndPercentInUse(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 1)
	region[106] = 0x02 // VolumeDirty bit flips after checksumming
	region[112] = 50   // PercentInUse changes post-format
	require.Nil(t, VerifyBootChecksum(region, testSectorSize))
}

func TestOpenVolumeRejectsTexFATShadowedVolume(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 2)
	totalSectors := int64(5) + 1000
	container, err := block.NewMemoryContainer(totalSectors*testSectorSize, testSectorSize)
	require.Nil(t, err)
	require.Nil(t, container.Write(0, region))

	_, _, verr := OpenVolume(container, 8)
	require.NotNil(t, verr)
}

func TestOpenVolumeAcceptsSingleFatVolume(t *testing.T) {
	region := buildBootRegion(t, 1, 4, 5, 1000, 5, 9, 0, 1)
	totalSectors := int64(5) + 1000
	container, err := block.NewMemoryContainer(totalSectors*testSectorSize, testSectorSize)
	require.Nil(t, err)
	require.Nil(t, container.Write(0, region))

	geometry, c, verr := OpenVolume(container, 8)
	require.Nil(t, verr)
	require.NotNil(t, c)
	require.Equal(t, vfat.ClusterID(5), geometry.FirstClusterOfRootDirectory)
}
