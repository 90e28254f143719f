package exfat

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// log2 returns the base-2 logarithm of n, which must be an exact power
// of two in [1, 1<<30].
func log2(n uint64) uint8 {
	var shift uint8
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

// encodeBootSector renders geometry's BootSector fields into a 512-byte
// main boot sector, the inverse of ParseBootSector.
func encodeBootSector(g *Geometry) []byte {
	sector := make([]byte, bootSectorSize)
	sector[0] = 0xEB
	sector[1] = 0x76
	sector[2] = 0x90
	copy(sector[3:11], fileSystemNameField[:])
	binary.LittleEndian.PutUint64(sector[64:72], g.PartitionOffset)
	binary.LittleEndian.PutUint64(sector[72:80], g.VolumeLength)
	binary.LittleEndian.PutUint32(sector[80:84], g.FatOffset)
	binary.LittleEndian.PutUint32(sector[84:88], g.FatLength)
	binary.LittleEndian.PutUint32(sector[88:92], g.ClusterHeapOffset)
	binary.LittleEndian.PutUint32(sector[92:96], g.ClusterCount)
	binary.LittleEndian.PutUint32(sector[96:100], uint32(g.FirstClusterOfRootDirectory))
	binary.LittleEndian.PutUint32(sector[100:104], g.VolumeSerialNumber)
	binary.LittleEndian.PutUint16(sector[104:106], g.FileSystemRevision)
	binary.LittleEndian.PutUint16(sector[106:108], uint16(g.VolumeFlags))
	sector[108] = g.BytesPerSectorShift
	sector[109] = g.SectorsPerClusterShift
	sector[110] = g.NumberOfFats
	sector[111] = g.DriveSelect
	sector[112] = g.PercentInUse
	binary.LittleEndian.PutUint16(sector[bootSignatureOffset:bootSignatureOffset+2], bootSignatureValue)
	return sector
}

// rawAllocationBitmapEntry builds the type-0x81 directory entry
// describing the allocation bitmap's own extent.
func rawAllocationBitmapEntry(firstCluster vfat.ClusterID, dataLength uint64) []byte {
	raw := make([]byte, entrySize)
	raw[0] = uint8(EntryTypeAllocationBitmap)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(firstCluster))
	binary.LittleEndian.PutUint64(raw[24:32], dataLength)
	return raw
}

// rawUpcaseTableEntry builds the type-0x82 directory entry describing
// the upcase table's extent and checksum.
func rawUpcaseTableEntry(firstCluster vfat.ClusterID, dataLength uint64, checksum uint32) []byte {
	raw := make([]byte, entrySize)
	raw[0] = uint8(EntryTypeUpcaseTable)
	binary.LittleEndian.PutUint32(raw[4:8], checksum)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(firstCluster))
	binary.LittleEndian.PutUint64(raw[24:32], dataLength)
	return raw
}

// Format writes a fresh exFAT main (and backup) boot region, allocation
// bitmap, upcase table, and root directory, returning every structure a
// caller needs to start using the volume immediately. The allocation
// bitmap, upcase table and root directory are placed at the first three
// cluster positions in that order, matching the layout real exFAT
// formatters use.
func Format(container block.Container, sectorsPerClusterShift uint8, label string, cacheCapacity int) (
	*Geometry, *cache.Cache, *Fat, *AllocationBitmap, *UpcaseTable, *Directory, errors.DriverError,
) {
	sectorSize := uint64(container.SectorSize())
	bytesPerSectorShift := log2(sectorSize)
	totalSectors := uint64(container.Size()) / sectorSize

	const mainRegionSectors = mainBootSectorCount
	const backupRegionSectors = mainBootSectorCount
	fatOffsetSectors := uint64(2 * mainRegionSectors)

	sectorsPerCluster := uint64(1) << sectorsPerClusterShift
	bytesPerCluster := sectorSize * sectorsPerCluster

	var fatLengthSectors uint64 = 1
	var clusterCount uint64
	for iter := 0; iter < 16; iter++ {
		clusterHeapOffsetSectors := fatOffsetSectors + fatLengthSectors
		if totalSectors <= clusterHeapOffsetSectors {
			return nil, nil, nil, nil, nil, nil, errors.BadFormat.WithMessage("container is too small for the requested geometry")
		}
		dataSectors := totalSectors - clusterHeapOffsetSectors
		clusterCount = dataSectors / sectorsPerCluster

		fatBytes := (clusterCount + 2) * 4
		newFatLengthSectors := (fatBytes + sectorSize - 1) / sectorSize
		if newFatLengthSectors == 0 {
			newFatLengthSectors = 1
		}
		if newFatLengthSectors == fatLengthSectors {
			break
		}
		fatLengthSectors = newFatLengthSectors
	}
	clusterHeapOffsetSectors := fatOffsetSectors + fatLengthSectors

	upcase := DefaultUpcaseTable()
	upcaseRaw := upcase.Encode()
	upcaseClusters := (uint64(len(upcaseRaw)) + bytesPerCluster - 1) / bytesPerCluster
	if upcaseClusters == 0 {
		upcaseClusters = 1
	}

	bitmapByteLen := (clusterCount + 7) / 8
	bitmapClusters := (bitmapByteLen + bytesPerCluster - 1) / bytesPerCluster
	if bitmapClusters == 0 {
		bitmapClusters = 1
	}

	rootClusters := uint64(1)

	bitmapFirstCluster := vfat.ClusterFirstValid
	upcaseFirstCluster := bitmapFirstCluster + vfat.ClusterID(bitmapClusters)
	rootFirstCluster := upcaseFirstCluster + vfat.ClusterID(upcaseClusters)
	reservedClusters := uint64(bitmapClusters + upcaseClusters + rootClusters)
	if reservedClusters >= clusterCount {
		return nil, nil, nil, nil, nil, nil, errors.BadFormat.WithMessage("container too small to hold the bitmap, upcase table and root directory")
	}

	geometry := &Geometry{
		BootSector: BootSector{
			VolumeLength:                totalSectors,
			FatOffset:                   uint32(fatOffsetSectors),
			FatLength:                   uint32(fatLengthSectors),
			ClusterHeapOffset:           uint32(clusterHeapOffsetSectors),
			ClusterCount:                uint32(clusterCount),
			FirstClusterOfRootDirectory: rootFirstCluster,
			FileSystemRevision:          0x0100,
			BytesPerSectorShift:         bytesPerSectorShift,
			SectorsPerClusterShift:      sectorsPerClusterShift,
			NumberOfFats:                1,
			DriveSelect:                 0x80,
			PercentInUse:                0xFF,
		},
		BytesPerSector:         sectorSize,
		BytesPerCluster:        bytesPerCluster,
		ClusterHeapOffsetBytes: int64(clusterHeapOffsetSectors) * int64(sectorSize),
	}

	mainRegion := make([]byte, mainRegionSectors*int(sectorSize))
	copy(mainRegion, encodeBootSector(geometry))
	if err := WriteBootChecksum(mainRegion, int(sectorSize)); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	if err := container.Write(0, mainRegion); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	if err := container.Write(int64(mainRegionSectors)*int64(sectorSize), mainRegion); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	c := cache.New(container, cacheCapacity)

	fatRegionBytes := int64(fatLengthSectors) * int64(sectorSize)
	if err := c.Write(int64(fatOffsetSectors)*int64(sectorSize), make([]byte, fatRegionBytes)); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	bitmapRaw := make([]byte, bitmapClusters*bytesPerCluster)
	markAllocated := func(bit uint64) {
		bitmapRaw[bit/8] |= 1 << (bit % 8)
	}
	for bit := uint64(0); bit < reservedClusters; bit++ {
		markAllocated(bit)
	}
	if err := c.Write(geometry.ClusterByteOffset(bitmapFirstCluster), bitmapRaw); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	upcasePadded := make([]byte, upcaseClusters*bytesPerCluster)
	copy(upcasePadded, upcaseRaw)
	if err := c.Write(geometry.ClusterByteOffset(upcaseFirstCluster), upcasePadded); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	rootRaw := make([]byte, rootClusters*bytesPerCluster)
	copy(rootRaw[0:entrySize], rawAllocationBitmapEntry(bitmapFirstCluster, bitmapByteLen))
	copy(rootRaw[entrySize:2*entrySize], rawUpcaseTableEntry(upcaseFirstCluster, uint64(len(upcaseRaw)), upcase.Checksum()))
	if err := c.Write(geometry.ClusterByteOffset(rootFirstCluster), rootRaw); err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	fat := NewFat(c, geometry)
	if lerr := fat.LinkChain([]vfat.ClusterID{rootFirstCluster}); lerr != nil {
		return nil, nil, nil, nil, nil, nil, lerr
	}
	bitmap, berr := LoadAllocationBitmap(c, geometry, bitmapFirstCluster, clusterCount)
	if berr != nil {
		return nil, nil, nil, nil, nil, nil, berr
	}
	root, derr := OpenDirectory(c, fat, bitmap, upcase, geometry, rootFirstCluster)
	if derr != nil {
		return nil, nil, nil, nil, nil, nil, derr
	}
	return geometry, c, fat, bitmap, upcase, root, nil
}
