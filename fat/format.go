package fat

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// fixedRootEntryCount is the conventional FAT12/16 root directory
// capacity (32 sectors of 16 entries each at 512 bytes/sector).
const fixedRootEntryCount = 512

// chooseReservedSectors mirrors real-world mkfs.fat: FAT32 reserves
// room for a backup boot sector and FSInfo sector, FAT12/16 needs only
// the boot sector itself.
func chooseReservedSectors(kind vfat.FSKind) uint16 {
	if kind == vfat.FSFAT32 {
		return 32
	}
	return 1
}

// encodeBPB renders geometry's BPB fields into a 512-byte boot sector,
// the inverse of ParseBPB.
func encodeBPB(g *Geometry) []byte {
	sector := make([]byte, 512)
	copy(sector[3:11], []byte(padTo(g.OEMName, 8)))
	binary.LittleEndian.PutUint16(sector[11:13], g.BytesPerSector)
	sector[13] = g.SectorsPerCluster
	binary.LittleEndian.PutUint16(sector[14:16], g.ReservedSectors)
	sector[16] = g.NumFATs
	binary.LittleEndian.PutUint16(sector[17:19], g.RootEntryCount)
	sector[21] = g.Media
	binary.LittleEndian.PutUint16(sector[24:26], g.SectorsPerTrack)
	binary.LittleEndian.PutUint16(sector[26:28], g.NumHeads)
	binary.LittleEndian.PutUint32(sector[28:32], g.HiddenSectors)

	if g.Kind == vfat.FSFAT32 {
		binary.LittleEndian.PutUint32(sector[36:40], uint32(g.SectorsPerFAT()))
		binary.LittleEndian.PutUint16(sector[40:42], g.ExtFlags)
		binary.LittleEndian.PutUint16(sector[42:44], g.FSVersion)
		binary.LittleEndian.PutUint32(sector[44:48], uint32(g.RootCluster))
		binary.LittleEndian.PutUint16(sector[48:50], g.FSInfoSector)
		binary.LittleEndian.PutUint16(sector[50:52], g.BackupBootSector)
		sector[64] = g.DriveNumber
		sector[66] = 0x29 // extended boot signature
		binary.LittleEndian.PutUint32(sector[67:71], g.VolumeID)
		copy(sector[71:82], []byte(padTo(g.VolumeLabel, 11)))
		copy(sector[82:90], []byte(padTo(g.FileSystemType, 8)))
	} else {
		binary.LittleEndian.PutUint16(sector[22:24], uint16(g.SectorsPerFAT()))
		binary.LittleEndian.PutUint16(sector[19:21], uint16(g.TotalSectors()))
		if g.TotalSectors() > 0xFFFF {
			binary.LittleEndian.PutUint16(sector[19:21], 0)
			binary.LittleEndian.PutUint32(sector[32:36], uint32(g.TotalSectors()))
		}
		sector[36] = g.DriveNumber
		sector[38] = 0x29
		binary.LittleEndian.PutUint32(sector[39:43], g.VolumeID)
		copy(sector[43:54], []byte(padTo(g.VolumeLabel, 11)))
		copy(sector[54:62], []byte(padTo(g.FileSystemType, 8)))
	}
	if g.TotalSectors() <= 0xFFFF {
		binary.LittleEndian.PutUint16(sector[19:21], uint16(g.TotalSectors()))
	} else {
		binary.LittleEndian.PutUint32(sector[32:36], uint32(g.TotalSectors()))
	}

	binary.LittleEndian.PutUint16(sector[bootSignatureOffset:bootSignatureOffset+2], bootSignatureValue)
	return sector
}

func padTo(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	for len(s) < n {
		s += " "
	}
	return s
}

// Format writes a fresh boot sector and zeroes the FAT and fixed-root
// regions, returning a geometry, sector cache, allocator, and root
// directory all ready for immediate use. kind must be consistent with
// the cluster count the container's size and sectorsPerCluster produce
// (checked against DetermineFATVersion, same discriminator ReadBPB
// uses), so a caller can't silently format a FAT32-sized container as
// FAT12.
func Format(container block.Container, kind vfat.FSKind, sectorsPerCluster uint8, label string, cacheCapacity int) (
	*Geometry, *cache.Cache, *Table, *Directory, errors.DriverError,
) {
	sectorSize := uint16(container.SectorSize())
	totalSectors := uint64(container.Size()) / uint64(sectorSize)

	numFATs := uint8(2)
	reservedSectors := chooseReservedSectors(kind)
	rootEntryCount := uint16(fixedRootEntryCount)
	if kind == vfat.FSFAT32 {
		rootEntryCount = 0
	}
	rootDirSectors := (uint64(rootEntryCount)*32 + uint64(sectorSize) - 1) / uint64(sectorSize)

	entryBits := entryWidth(kind)
	var sectorsPerFAT uint64 = 1
	var totalClusters uint64
	for iter := 0; iter < 16; iter++ {
		totalFATSectors := uint64(numFATs) * sectorsPerFAT
		if totalSectors < uint64(reservedSectors)+totalFATSectors+rootDirSectors {
			return nil, nil, nil, nil, errors.BadFormat.WithMessage("container is too small for the requested geometry")
		}
		dataSectors := totalSectors - uint64(reservedSectors) - totalFATSectors - rootDirSectors
		totalClusters = dataSectors / uint64(sectorsPerCluster)

		fatBits := (totalClusters + 2) * uint64(entryBits)
		needed := (fatBits + 7) / 8
		newSectorsPerFAT := (needed + uint64(sectorSize) - 1) / uint64(sectorSize)
		if newSectorsPerFAT == 0 {
			newSectorsPerFAT = 1
		}
		if newSectorsPerFAT == sectorsPerFAT {
			break
		}
		sectorsPerFAT = newSectorsPerFAT
	}

	if got := DetermineFATVersion(totalClusters); got != kind {
		return nil, nil, nil, nil, errors.BadFormat.WithMessage(
			"requested FAT width does not match the cluster count this container's size produces")
	}

	bpb := BPB{
		BytesPerSector:    sectorSize,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   reservedSectors,
		NumFATs:           numFATs,
		RootEntryCount:    rootEntryCount,
		Media:             0xF8,
		sectorsPerFAT16:   0,
		sectorsPerFAT32:   0,
		VolumeLabel:       label,
		FileSystemType:    kind.String(),
	}
	if totalSectors <= 0xFFFF {
		bpb.totalSectors16 = uint16(totalSectors)
	} else {
		bpb.totalSectors32 = uint32(totalSectors)
	}
	if kind == vfat.FSFAT32 {
		bpb.sectorsPerFAT32 = uint32(sectorsPerFAT)
	} else {
		bpb.sectorsPerFAT16 = uint16(sectorsPerFAT)
	}

	firstFATSector := uint64(reservedSectors)
	firstRootDirSector := firstFATSector + uint64(numFATs)*sectorsPerFAT
	firstDataSector := firstRootDirSector + rootDirSectors

	geometry := &Geometry{
		BPB:                bpb,
		Kind:               kind,
		RootDirSectors:     rootDirSectors,
		FirstFATSector:     firstFATSector,
		FirstRootDirSector: firstRootDirSector,
		FirstDataSector:    firstDataSector,
		TotalDataSectors:   totalClusters * uint64(sectorsPerCluster),
		TotalClusters:      totalClusters,
		BytesPerCluster:    uint64(sectorSize) * uint64(sectorsPerCluster),
	}

	if err := container.Write(0, encodeBPB(geometry)); err != nil {
		return nil, nil, nil, nil, err
	}

	fatRegionBytes := int64(numFATs) * int64(sectorsPerFAT) * int64(sectorSize)
	if err := container.Write(int64(firstFATSector)*int64(sectorSize), make([]byte, fatRegionBytes)); err != nil {
		return nil, nil, nil, nil, err
	}
	if rootDirSectors > 0 {
		rootBytes := int64(rootDirSectors) * int64(sectorSize)
		if err := container.Write(int64(firstRootDirSector)*int64(sectorSize), make([]byte, rootBytes)); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	c := cache.New(container, cacheCapacity)
	table, err := NewTable(c, geometry)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var rootLoc Location
	if kind == vfat.FSFAT32 {
		firstCluster, aerr := table.Alloc(1, vfat.ClusterFirstValid)
		if aerr != nil {
			return nil, nil, nil, nil, aerr
		}
		geometry.RootCluster = firstCluster[0]
		if err := container.Write(0, encodeBPB(geometry)); err != nil {
			return nil, nil, nil, nil, err
		}
		rootLoc = Location{FirstCluster: firstCluster[0]}
	} else {
		rootLoc = Location{
			IsFixedRoot:    true,
			FixedRootStart: firstRootDirSector * uint64(sectorSize),
			FixedRootSlots: rootDirSectors * uint64(sectorSize) / 32,
		}
	}

	root, derr := OpenDirectory(c, table, geometry, rootLoc)
	if derr != nil {
		return nil, nil, nil, nil, derr
	}
	return geometry, c, table, root, nil
}
