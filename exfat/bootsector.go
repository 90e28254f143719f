// Package exfat implements the exFAT on-disk structures: the boot
// region, the allocation bitmap, the upcase table, the FAT (used only
// for non-contiguous extents), the directory entry triad (File/Stream
// Extension/File Name), and a file handle over a cluster run.
package exfat

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

const (
	bootSectorSize      = 512
	mainBootSectorCount = 12 // boot sector + 8 extended + OEM parameters + reserved + checksum
	bootSignatureOffset = 510
	bootSignatureValue  = 0xAA55
)

var fileSystemNameField = [8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '}

// BootSector holds the fields of the exFAT main boot sector (section 3.1
// of the exFAT specification).
type BootSector struct {
	PartitionOffset             uint64
	VolumeLength                uint64
	FatOffset                   uint32
	FatLength                   uint32
	ClusterHeapOffset           uint32
	ClusterCount                uint32
	FirstClusterOfRootDirectory vfat.ClusterID
	VolumeSerialNumber          uint32
	FileSystemRevision          uint16
	VolumeFlags                 VolumeFlags
	BytesPerSectorShift         uint8
	SectorsPerClusterShift      uint8
	NumberOfFats                uint8
	DriveSelect                 uint8
	PercentInUse                uint8
}

// VolumeFlags decomposes BootSector.VolumeFlags.
type VolumeFlags uint16

func (f VolumeFlags) ActiveFat() int    { return int(f & 1) }
func (f VolumeFlags) VolumeDirty() bool { return f&2 != 0 }
func (f VolumeFlags) MediaFailure() bool { return f&4 != 0 }

// Geometry holds every value derived from a BootSector that the
// allocator, directory engine and file handle need.
type Geometry struct {
	BootSector

	BytesPerSector  uint64
	BytesPerCluster uint64

	// ClusterHeapOffsetBytes is the byte offset, from the start of the
	// volume, of cluster 2 (the first valid data cluster).
	ClusterHeapOffsetBytes int64
}

// ClusterByteOffset returns the byte offset, within the underlying
// container, of the first byte of cluster.
func (g *Geometry) ClusterByteOffset(cluster vfat.ClusterID) int64 {
	return g.ClusterHeapOffsetBytes + int64(cluster-vfat.ClusterFirstValid)*int64(g.BytesPerCluster)
}

// FatByteOffset returns the byte offset, within fatIndex's copy, of
// cluster's 32-bit FAT entry.
func (g *Geometry) FatByteOffset(fatIndex int, cluster vfat.ClusterID) int64 {
	fatStart := int64(g.FatOffset)*int64(g.BytesPerSector) + int64(fatIndex)*int64(g.FatLength)*int64(g.BytesPerSector)
	return fatStart + int64(cluster)*4
}

// TexFATShadowed reports whether this volume carries a second,
// TexFAT-managed FAT/bitmap pair. OpenVolume refuses such a volume
// outright, for reading as well as writing: journaling beyond
// recognizing this flag is out of scope.
func (g *Geometry) TexFATShadowed() bool { return g.NumberOfFats == 2 }

// ParseBootSector decodes the 512-byte main boot sector.
func ParseBootSector(sector []byte) (*Geometry, errors.DriverError) {
	if len(sector) < bootSectorSize {
		return nil, errors.BadFormat.WithMessage("exFAT boot sector shorter than 512 bytes")
	}
	if string(sector[3:11]) != string(fileSystemNameField[:]) {
		return nil, errors.BadFormat.WithMessage("missing \"EXFAT   \" file system name field")
	}
	if binary.LittleEndian.Uint16(sector[bootSignatureOffset:bootSignatureOffset+2]) != bootSignatureValue {
		return nil, errors.BadFormat.WithMessage("missing 0xAA55 boot sector signature")
	}

	bs := BootSector{
		PartitionOffset:             binary.LittleEndian.Uint64(sector[64:72]),
		VolumeLength:                binary.LittleEndian.Uint64(sector[72:80]),
		FatOffset:                   binary.LittleEndian.Uint32(sector[80:84]),
		FatLength:                   binary.LittleEndian.Uint32(sector[84:88]),
		ClusterHeapOffset:           binary.LittleEndian.Uint32(sector[88:92]),
		ClusterCount:                binary.LittleEndian.Uint32(sector[92:96]),
		FirstClusterOfRootDirectory: vfat.ClusterID(binary.LittleEndian.Uint32(sector[96:100])),
		VolumeSerialNumber:          binary.LittleEndian.Uint32(sector[100:104]),
		FileSystemRevision:          binary.LittleEndian.Uint16(sector[104:106]),
		VolumeFlags:                 VolumeFlags(binary.LittleEndian.Uint16(sector[106:108])),
		BytesPerSectorShift:         sector[108],
		SectorsPerClusterShift:      sector[109],
		NumberOfFats:                sector[110],
		DriveSelect:                 sector[111],
		PercentInUse:                sector[112],
	}

	if bs.BytesPerSectorShift < 9 || bs.BytesPerSectorShift > 12 {
		return nil, errors.BadFormat.WithMessage("BytesPerSectorShift out of the valid [9, 12] range")
	}
	if bs.SectorsPerClusterShift > 25-bs.BytesPerSectorShift {
		return nil, errors.BadFormat.WithMessage("SectorsPerClusterShift too large for this sector size")
	}
	if bs.FileSystemRevision>>8 != 1 {
		return nil, errors.BadFormat.WithMessage("unsupported exFAT major revision, only 1.x is supported")
	}

	bytesPerSector := uint64(1) << bs.BytesPerSectorShift
	bytesPerCluster := bytesPerSector << bs.SectorsPerClusterShift

	return &Geometry{
		BootSector:             bs,
		BytesPerSector:          bytesPerSector,
		BytesPerCluster:         bytesPerCluster,
		ClusterHeapOffsetBytes:  int64(bs.ClusterHeapOffset) * int64(bytesPerSector),
	}, nil
}

// ReadBootSector reads and parses the main boot sector from container.
func ReadBootSector(container block.Container) (*Geometry, errors.DriverError) {
	sector, err := container.Read(0, bootSectorSize)
	if err != nil {
		return nil, err
	}
	return ParseBootSector(sector)
}

// bootChecksum computes the exFAT boot-region checksum: a 32-bit
// rotate-right-then-add running over every byte of sectors 0-10,
// skipping the VolumeFlags (bytes 106-107) and PercentInUse (byte 112)
// fields.
func bootChecksum(sectors []byte, sectorSize int) uint32 {
	var sum uint32
	for i := 0; i < 11*sectorSize && i < len(sectors); i++ {
		switch i {
		case 106, 107, 112: // VolumeFlags (2 bytes) and PercentInUse (1 byte)
			continue
		}
		sum = ((sum << 31) | (sum >> 1)) + uint32(sectors[i])
	}
	return sum
}

// VerifyBootChecksum recomputes the checksum over sectors 0-10 of a main
// or backup boot region and compares it against the value stored in
// sector 11 (repeated across the whole sector).
func VerifyBootChecksum(region []byte, sectorSize int) errors.DriverError {
	if len(region) < 12*sectorSize {
		return errors.BadFormat.WithMessage("boot region shorter than 12 sectors")
	}
	want := bootChecksum(region[:11*sectorSize], sectorSize)
	got := binary.LittleEndian.Uint32(region[11*sectorSize : 11*sectorSize+4])
	if want != got {
		return errors.BadFormat.WithMessage("exFAT boot region checksum mismatch")
	}
	return nil
}

// WriteBootChecksum fills sector 11 of region (sectors 0-10 already
// populated) with the checksum, repeated every 4 bytes to fill the
// sector as the specification requires.
func WriteBootChecksum(region []byte, sectorSize int) errors.DriverError {
	if len(region) < 12*sectorSize {
		return errors.BadFormat.WithMessage("boot region shorter than 12 sectors")
	}
	sum := bootChecksum(region[:11*sectorSize], sectorSize)
	checksumSector := region[11*sectorSize : 12*sectorSize]
	for i := 0; i+4 <= len(checksumSector); i += 4 {
		binary.LittleEndian.PutUint32(checksumSector[i:i+4], sum)
	}
	return nil
}

// OpenVolume reads the main boot region, verifies its checksum, and
// returns the parsed Geometry plus a sector cache ready for the
// allocation bitmap, upcase table, and root directory to be loaded
// through.
func OpenVolume(container block.Container, cacheCapacity int) (*Geometry, *cache.Cache, errors.DriverError) {
	sectorSize := container.SectorSize()
	region, err := container.Read(0, mainBootSectorCount*sectorSize)
	if err != nil {
		return nil, nil, err
	}
	if err := VerifyBootChecksum(region, sectorSize); err != nil {
		return nil, nil, err
	}
	geometry, perr := ParseBootSector(region[:bootSectorSize])
	if perr != nil {
		return nil, nil, perr
	}
	if geometry.TexFATShadowed() {
		return nil, nil, errors.BadFormat.WithMessage(
			"volume carries a TexFAT-managed second FAT/bitmap; journaling beyond recognizing the flag is not implemented")
	}
	return geometry, cache.New(container, cacheCapacity), nil
}
