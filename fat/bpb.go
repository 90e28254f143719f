// Package fat implements the FAT12/16/32 on-disk structures: the BIOS
// parameter block, the FAT allocator, the directory table, and file
// handles over a cluster chain.
//
// The boot sector layout and cluster-count derivation decode the BPB
// from a plain byte slice with binary.LittleEndian field access rather
// than binary.Read into a tagged struct: the either/or fields
// (sectorsPerFAT16/sectorsPerFAT32, totalSectors16/totalSectors32) stay
// unexported so their "zero means use the other field" meaning can't be
// set directly from outside the package, and encoding/binary's
// reflection-based decoder can't populate unexported struct fields
// anyway. The either/or logic lives in the SectorsPerFAT/TotalSectors
// accessors instead.
package fat

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

const (
	bpbSize        = 36
	fat32ExtraSize = 54
	fat1x16ExtraSize = 26
	bootSignatureOffset = 510
	bootSignatureValue  = 0xAA55
)

// BPB holds the fields of the BIOS Parameter Block common to every FAT
// width, plus the version-specific extended BPB fields that apply.
type BPB struct {
	OEMName           string
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	Media             uint8
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32

	totalSectors16  uint16
	totalSectors32  uint32
	sectorsPerFAT16 uint16
	sectorsPerFAT32 uint32

	// FAT32-only extended fields.
	ExtFlags        uint16
	FSVersion       uint16
	RootCluster     vfat.ClusterID
	FSInfoSector    uint16
	BackupBootSector uint16

	DriveNumber    uint8
	VolumeID       uint32
	VolumeLabel    string
	FileSystemType string
}

// TotalSectors returns whichever of the 16-bit/32-bit total sector count
// fields is populated; exactly one of the two is nonzero on a
// well-formed BPB.
func (b *BPB) TotalSectors() uint64 {
	if b.totalSectors16 != 0 {
		return uint64(b.totalSectors16)
	}
	return uint64(b.totalSectors32)
}

// SectorsPerFAT returns whichever of the FAT12/16 16-bit field or the
// FAT32 32-bit field is populated.
func (b *BPB) SectorsPerFAT() uint64 {
	if b.sectorsPerFAT16 != 0 {
		return uint64(b.sectorsPerFAT16)
	}
	return uint64(b.sectorsPerFAT32)
}

// Geometry holds every value derived from a BPB that the allocator,
// directory engine and file handle need: sector counts broken down by
// region, and the FAT width this volume actually uses.
type Geometry struct {
	BPB

	Kind              vfat.FSKind
	RootDirSectors    uint64
	FirstFATSector    uint64
	FirstRootDirSector uint64
	FirstDataSector   uint64
	TotalDataSectors  uint64
	TotalClusters     uint64
	BytesPerCluster   uint64
}

// ClusterByteOffset returns the byte offset, within the underlying
// container, of the first byte of cluster.
func (g *Geometry) ClusterByteOffset(cluster vfat.ClusterID) int64 {
	return int64((g.FirstDataSector + uint64(cluster-vfat.ClusterFirstValid)*uint64(g.SectorsPerCluster)) *
		uint64(g.BytesPerSector))
}

// DetermineFATVersion classifies a volume by its cluster count, per the
// FAT specification: cluster count is the only reliable discriminator
// between FAT12, FAT16 and FAT32 (the BPB carries no explicit version
// field for FAT12/16).
func DetermineFATVersion(totalClusters uint64) vfat.FSKind {
	if totalClusters < 4085 {
		return vfat.FSFAT12
	}
	if totalClusters < 65525 {
		return vfat.FSFAT16
	}
	return vfat.FSFAT32
}

// looksLikeExFAT reports whether sector holds an exFAT VBR: exFAT's
// jump+OEM area is the fixed 8-byte string "EXFAT   " at offset 3, where
// FAT12/16/32 instead carry an OEM name of the formatting tool's choice.
func looksLikeExFAT(sector []byte) bool {
	return string(sector[3:11]) == "EXFAT   "
}

// RecognizeKind reads the boot sector of container and reports whether
// it holds an exFAT or FAT12/16/32 volume, without fully parsing it.
func RecognizeKind(container block.Container) (vfat.FSKind, errors.DriverError) {
	sector, err := container.Read(0, container.SectorSize())
	if err != nil {
		return vfat.FSKind(0), err
	}
	if looksLikeExFAT(sector) {
		return vfat.FSExFAT, nil
	}
	if binary.LittleEndian.Uint16(sector[bootSignatureOffset:bootSignatureOffset+2]) != bootSignatureValue {
		return vfat.FSKind(0), errors.BadFormat.WithMessage("missing 0xAA55 boot sector signature")
	}
	return vfat.FSKind(0), nil // caller must still parse the BPB to learn FAT12/16/32
}

func trimPadding(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == ' ' {
		i--
	}
	return string(b[:i])
}

// ParseBPB decodes the boot sector held in sector (at least 512 bytes)
// into a BPB, then derives full Geometry from it.
func ParseBPB(sector []byte) (*Geometry, errors.DriverError) {
	if binary.LittleEndian.Uint16(sector[bootSignatureOffset:bootSignatureOffset+2]) != bootSignatureValue {
		return nil, errors.BadFormat.WithMessage("missing 0xAA55 boot sector signature")
	}

	bpb := BPB{
		OEMName:           trimPadding(sector[3:11]),
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:           sector[16],
		RootEntryCount:    binary.LittleEndian.Uint16(sector[17:19]),
		totalSectors16:    binary.LittleEndian.Uint16(sector[19:21]),
		Media:             sector[21],
		sectorsPerFAT16:   binary.LittleEndian.Uint16(sector[22:24]),
		SectorsPerTrack:   binary.LittleEndian.Uint16(sector[24:26]),
		NumHeads:          binary.LittleEndian.Uint16(sector[26:28]),
		HiddenSectors:     binary.LittleEndian.Uint32(sector[28:32]),
		totalSectors32:    binary.LittleEndian.Uint32(sector[32:36]),
	}

	switch bpb.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, errors.BadFormat.WithMessage("BytesPerSector must be 512, 1024, 2048 or 4096")
	}
	switch bpb.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, errors.BadFormat.WithMessage("SectorsPerCluster must be a power of two in [1, 128]")
	}

	rootDirSectors := (uint64(bpb.RootEntryCount)*32 + uint64(bpb.BytesPerSector) - 1) / uint64(bpb.BytesPerSector)

	if bpb.sectorsPerFAT16 == 0 {
		// FAT32 extended BPB starts at offset 36.
		if len(sector) < bpbSize+fat32ExtraSize {
			return nil, errors.BadFormat.WithMessage("boot sector too short for a FAT32 extended BPB")
		}
		ext := sector[bpbSize:]
		bpb.sectorsPerFAT32 = binary.LittleEndian.Uint32(ext[0:4])
		bpb.ExtFlags = binary.LittleEndian.Uint16(ext[4:6])
		bpb.FSVersion = binary.LittleEndian.Uint16(ext[6:8])
		bpb.RootCluster = vfat.ClusterID(binary.LittleEndian.Uint32(ext[8:12]))
		bpb.FSInfoSector = binary.LittleEndian.Uint16(ext[12:14])
		bpb.BackupBootSector = binary.LittleEndian.Uint16(ext[14:16])
		bpb.DriveNumber = ext[28]
		bpb.VolumeID = binary.LittleEndian.Uint32(ext[31:35])
		bpb.VolumeLabel = trimPadding(ext[35:46])
		bpb.FileSystemType = trimPadding(ext[46:54])
	} else {
		if len(sector) < bpbSize+fat1x16ExtraSize {
			return nil, errors.BadFormat.WithMessage("boot sector too short for a FAT12/16 extended BPB")
		}
		ext := sector[bpbSize:]
		bpb.DriveNumber = ext[0]
		bpb.VolumeID = binary.LittleEndian.Uint32(ext[3:7])
		bpb.VolumeLabel = trimPadding(ext[7:18])
		bpb.FileSystemType = trimPadding(ext[18:26])
	}

	totalFATSectors := uint64(bpb.NumFATs) * bpb.SectorsPerFAT()
	totalSectors := bpb.TotalSectors()
	if totalSectors < uint64(bpb.ReservedSectors)+totalFATSectors+rootDirSectors {
		return nil, errors.BadFormat.WithMessage("total sector count is smaller than reserved+FAT+root regions")
	}
	dataSectors := totalSectors - uint64(bpb.ReservedSectors) - totalFATSectors - rootDirSectors
	totalClusters := dataSectors / uint64(bpb.SectorsPerCluster)

	kind := DetermineFATVersion(totalClusters)
	if kind == vfat.FSFAT32 && rootDirSectors != 0 {
		return nil, errors.BadFormat.WithMessage("RootEntryCount must be 0 on a FAT32 volume")
	}

	firstFATSector := uint64(bpb.ReservedSectors)
	firstRootDirSector := firstFATSector + totalFATSectors
	firstDataSector := firstRootDirSector + rootDirSectors

	return &Geometry{
		BPB:                bpb,
		Kind:               kind,
		RootDirSectors:     rootDirSectors,
		FirstFATSector:     firstFATSector,
		FirstRootDirSector: firstRootDirSector,
		FirstDataSector:    firstDataSector,
		TotalDataSectors:   dataSectors,
		TotalClusters:      totalClusters,
		BytesPerCluster:    uint64(bpb.BytesPerSector) * uint64(bpb.SectorsPerCluster),
	}, nil
}

// ReadBPB reads the boot sector from container and parses it.
func ReadBPB(container block.Container) (*Geometry, errors.DriverError) {
	sector, err := container.Read(0, container.SectorSize())
	if err != nil {
		return nil, err
	}
	return ParseBPB(sector)
}
