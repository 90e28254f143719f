// Package vmdk implements the VMware monolithic sparse extent format:
// sparse extent header, grain directory, grain tables, and grains,
// presented as a block.Container. Differencing/split-extent VMDK
// variants are out of scope; this package handles one self-contained
// sparse extent file.
package vmdk

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vdisk/sparse"
)

const (
	magicNumber = 0x564d444b // "VMDK" as a big-endian reading of the on-disk bytes
	version     = 1

	headerSize = 512
	sectorSize = 512

	grainUnallocated = 0

	defaultGrainSectors = 128 // 64 KiB grains
	defaultGTEsPerGT    = 512
)

// header is the subset of the VMware sparse extent header this
// package reads and writes.
type header struct {
	Capacity      uint64 // sectors
	GrainSectors  uint64 // sectors per grain
	GDOffset      uint64 // sectors to the grain directory
	NumGTEsPerGT  uint32
	OverheadSects uint64 // sectors reserved for header+tables before grain data
}

func decodeHeader(buf []byte) (header, errors.DriverError) {
	if binary.LittleEndian.Uint32(buf[0:4]) != magicNumber {
		return header{}, errors.BadFormat.WithMessage("not a VMDK sparse extent: bad magic number")
	}
	var h header
	h.Capacity = binary.LittleEndian.Uint64(buf[12:20])
	h.GrainSectors = binary.LittleEndian.Uint64(buf[20:28])
	h.GDOffset = binary.LittleEndian.Uint64(buf[56:64])
	h.OverheadSects = binary.LittleEndian.Uint64(buf[64:72])
	h.NumGTEsPerGT = binary.LittleEndian.Uint32(buf[44:48])
	if h.NumGTEsPerGT == 0 {
		h.NumGTEsPerGT = defaultGTEsPerGT
	}
	return h, nil
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicNumber)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint64(buf[12:20], h.Capacity)
	binary.LittleEndian.PutUint64(buf[20:28], h.GrainSectors)
	binary.LittleEndian.PutUint32(buf[44:48], h.NumGTEsPerGT)
	binary.LittleEndian.PutUint64(buf[56:64], h.GDOffset)
	binary.LittleEndian.PutUint64(buf[64:72], h.OverheadSects)
	return buf
}

// Disk is an open VMDK sparse extent presented as a block.Container.
type Disk struct {
	host     block.Container
	readOnly bool
	hdr      header

	grainDir    []uint32 // sector offsets to grain tables, one per GT
	grainTables [][]uint32
}

var _ block.Container = (*Disk)(nil)
var _ sparse.BlockMap = (*Disk)(nil)

func grainTableCount(grainCount uint64, gtesPerGT uint32) uint64 {
	return (grainCount + uint64(gtesPerGT) - 1) / uint64(gtesPerGT)
}

// Open parses an existing VMDK sparse extent.
func Open(host block.Container, readOnly bool) (*Disk, errors.DriverError) {
	raw, err := host.Read(0, headerSize)
	if err != nil {
		return nil, err
	}
	h, herr := decodeHeader(raw)
	if herr != nil {
		return nil, herr
	}

	grainCount := (h.Capacity + h.GrainSectors - 1) / h.GrainSectors
	gtCount := grainTableCount(grainCount, h.NumGTEsPerGT)

	gdBytes := int(gtCount) * 4
	gdAligned := (gdBytes + sectorSize - 1) / sectorSize * sectorSize
	gdRaw, err := host.Read(int64(h.GDOffset)*sectorSize, gdAligned)
	if err != nil {
		return nil, err
	}
	grainDir := make([]uint32, gtCount)
	for i := range grainDir {
		grainDir[i] = binary.LittleEndian.Uint32(gdRaw[i*4 : i*4+4])
	}

	grainTables := make([][]uint32, gtCount)
	gtBytes := int(h.NumGTEsPerGT) * 4
	for i, gtSector := range grainDir {
		gtRaw, gerr := host.Read(int64(gtSector)*sectorSize, gtBytes)
		if gerr != nil {
			return nil, gerr
		}
		gt := make([]uint32, h.NumGTEsPerGT)
		for j := range gt {
			gt[j] = binary.LittleEndian.Uint32(gtRaw[j*4 : j*4+4])
		}
		grainTables[i] = gt
	}

	return &Disk{host: host, readOnly: readOnly, hdr: h, grainDir: grainDir, grainTables: grainTables}, nil
}

// BlockSize implements sparse.BlockMap; one "block" is one grain.
func (d *Disk) BlockSize() int64 { return int64(d.hdr.GrainSectors) * sectorSize }

// Lookup implements sparse.BlockMap via the two-level grain directory
// and grain table indirection.
func (d *Disk) Lookup(blockIndex uint64) (int64, bool, errors.DriverError) {
	gtIndex := blockIndex / uint64(d.hdr.NumGTEsPerGT)
	gteIndex := blockIndex % uint64(d.hdr.NumGTEsPerGT)
	if gtIndex >= uint64(len(d.grainTables)) {
		return 0, false, errors.IOError.WithMessage("block index past end of grain directory")
	}
	sector := d.grainTables[gtIndex][gteIndex]
	if sector == grainUnallocated {
		return 0, false, nil
	}
	return int64(sector) * sectorSize, true, nil
}

// Allocate implements sparse.BlockMap: appends a new zeroed grain at
// end-of-file and records its sector offset in the grain table.
func (d *Disk) Allocate(blockIndex uint64) (int64, errors.DriverError) {
	if d.readOnly {
		return 0, errors.ReadOnly.WithMessage("cannot extend a read-only VMDK extent")
	}
	resizer, ok := d.host.(block.Resizable)
	if !ok {
		return 0, errors.IOError.WithMessage("VMDK host container does not support growth")
	}

	gtIndex := blockIndex / uint64(d.hdr.NumGTEsPerGT)
	gteIndex := blockIndex % uint64(d.hdr.NumGTEsPerGT)
	if gtIndex >= uint64(len(d.grainTables)) {
		return 0, errors.IOError.WithMessage("block index past end of grain directory")
	}

	newOffset := d.host.Size()
	grainBytes := d.BlockSize()
	newSize := newOffset + grainBytes
	if err := resizer.Resize(newSize); err != nil {
		return 0, err
	}
	if err := d.host.Write(newOffset, make([]byte, grainBytes)); err != nil {
		return 0, err
	}

	grainSector := uint32(newOffset / sectorSize)
	d.grainTables[gtIndex][gteIndex] = grainSector
	if err := d.writeGrainTableEntry(gtIndex, gteIndex); err != nil {
		return 0, err
	}
	return newOffset, nil
}

func (d *Disk) writeGrainTableEntry(gtIndex, gteIndex uint64) errors.DriverError {
	gtSector := d.grainDir[gtIndex]
	entryOffset := int64(gtSector)*sectorSize + int64(gteIndex)*4
	sectorOffset := entryOffset - entryOffset%sectorSize
	raw, err := d.host.Read(sectorOffset, sectorSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(raw[entryOffset%sectorSize:entryOffset%sectorSize+4], d.grainTables[gtIndex][gteIndex])
	return d.host.Write(sectorOffset, raw)
}

// Read implements block.Container.
func (d *Disk) Read(offset int64, length int) ([]byte, errors.DriverError) {
	return sparse.Read(d, d.host, nil, offset, length)
}

// Write implements block.Container.
func (d *Disk) Write(offset int64, data []byte) errors.DriverError {
	if d.readOnly {
		return errors.ReadOnly.WithMessage("VMDK extent is mounted read-only")
	}
	return sparse.Write(d, d.host, offset, data)
}

func (d *Disk) Size() int64     { return int64(d.hdr.Capacity) * sectorSize }
func (d *Disk) SectorSize() int { return sectorSize }
func (d *Disk) ReadOnly() bool  { return d.readOnly }
func (d *Disk) Close() error    { return d.host.Close() }

// Create formats host as a fresh monolithic sparse VMDK extent: a
// header, a fully pre-allocated (but empty) grain directory and grain
// tables, and no grain data.
func Create(host block.Container, sizeBytes int64, grainSectors uint64) (*Disk, errors.DriverError) {
	if grainSectors == 0 {
		grainSectors = defaultGrainSectors
	}
	capacitySectors := uint64((sizeBytes + sectorSize - 1) / sectorSize)
	grainCount := (capacitySectors + grainSectors - 1) / grainSectors
	gtCount := grainTableCount(grainCount, defaultGTEsPerGT)

	gdOffsetSectors := uint64(headerSize / sectorSize)
	gdBytes := int(gtCount) * 4
	gdAlignedSectors := uint64((gdBytes + sectorSize - 1) / sectorSize)

	gtBytes := int(defaultGTEsPerGT) * 4
	gtAlignedSectors := uint64((gtBytes + sectorSize - 1) / sectorSize)

	grainTablesStartSector := gdOffsetSectors + gdAlignedSectors
	overheadSectors := grainTablesStartSector + gtCount*gtAlignedSectors

	h := header{
		Capacity:      capacitySectors,
		GrainSectors:  grainSectors,
		GDOffset:      gdOffsetSectors,
		NumGTEsPerGT:  defaultGTEsPerGT,
		OverheadSects: overheadSectors,
	}

	resizer, ok := host.(block.Resizable)
	if !ok {
		return nil, errors.IOError.WithMessage("host container does not support growth")
	}
	if host.Size() < int64(overheadSectors)*sectorSize {
		if err := resizer.Resize(int64(overheadSectors) * sectorSize); err != nil {
			return nil, err
		}
	}

	if err := host.Write(0, encodeHeader(h)); err != nil {
		return nil, err
	}

	grainDir := make([]uint32, gtCount)
	grainTables := make([][]uint32, gtCount)
	for i := range grainDir {
		grainDir[i] = uint32(grainTablesStartSector + uint64(i)*gtAlignedSectors)
		grainTables[i] = make([]uint32, defaultGTEsPerGT)
	}

	gdRaw := make([]byte, gdAlignedSectors*sectorSize)
	for i, sector := range grainDir {
		binary.LittleEndian.PutUint32(gdRaw[i*4:i*4+4], sector)
	}
	if err := host.Write(int64(gdOffsetSectors)*sectorSize, gdRaw); err != nil {
		return nil, err
	}

	emptyGT := make([]byte, gtAlignedSectors*sectorSize)
	for _, sector := range grainDir {
		if err := host.Write(int64(sector)*sectorSize, emptyGT); err != nil {
			return nil, err
		}
	}

	return &Disk{host: host, hdr: h, grainDir: grainDir, grainTables: grainTables}, nil
}
