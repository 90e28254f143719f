// Package vdi implements the VirtualBox VDI virtual disk image format:
// preheader signature, header, block map and data area, presented as
// a block.Container.
package vdi

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vdisk/sparse"
)

const (
	signature     = 0xbeda107f
	version       = 0x00010001
	preHeaderText = "<<< Oracle VM VirtualBox Disk Image >>>\n"
	preHeaderSize = 64
	headerSize    = 400

	imageTypeDynamic = 1
	imageTypeFixed   = 2

	blockFree = 0xFFFFFFFF
	blockZero = 0xFFFFFFFE

	defaultBlockSize = 1 * 1024 * 1024
	sectorSize       = 512
)

// header is the subset of the VDI header this package reads and
// writes; unused legacy geometry fields are skipped over, not stored.
type header struct {
	ImageType       uint32
	OffsetBlocks    uint32
	OffsetData      uint32
	SectorSize      uint32
	DiskSize        uint64
	BlockSize       uint32
	BlocksInHDD     uint32
	BlocksAllocated uint32
	UUIDCreate      uuid.UUID
}

// Layout: [0, preHeaderSize) holds the zero-padded text comment; the
// binary preheader (signature, version) and the header proper both
// live in the headerSize region that follows, so the two never
// overlap the text or each other.
const (
	sigOffset  = preHeaderSize
	hdrOffset  = preHeaderSize + 8
)

func decodeHeader(buf []byte) (header, errors.DriverError) {
	if binary.LittleEndian.Uint32(buf[sigOffset:sigOffset+4]) != signature {
		return header{}, errors.BadFormat.WithMessage("not a VDI image: bad preheader signature")
	}
	var h header
	h.ImageType = binary.LittleEndian.Uint32(buf[hdrOffset+4 : hdrOffset+8])
	h.OffsetBlocks = binary.LittleEndian.Uint32(buf[hdrOffset+56 : hdrOffset+60])
	h.OffsetData = binary.LittleEndian.Uint32(buf[hdrOffset+60 : hdrOffset+64])
	h.SectorSize = binary.LittleEndian.Uint32(buf[hdrOffset+68 : hdrOffset+72])
	h.BlockSize = binary.LittleEndian.Uint32(buf[hdrOffset+76 : hdrOffset+80])
	h.DiskSize = binary.LittleEndian.Uint64(buf[hdrOffset+88 : hdrOffset+96])
	h.BlocksInHDD = binary.LittleEndian.Uint32(buf[hdrOffset+96 : hdrOffset+100])
	h.BlocksAllocated = binary.LittleEndian.Uint32(buf[hdrOffset+100 : hdrOffset+104])
	id, _ := uuid.FromBytes(swapGUIDBytes(buf[hdrOffset+112 : hdrOffset+128]))
	h.UUIDCreate = id
	if h.SectorSize == 0 {
		h.SectorSize = sectorSize
	}
	return h, nil
}

func encodeHeader(h header) []byte {
	buf := make([]byte, preHeaderSize+headerSize)
	copy(buf[0:len(preHeaderText)], preHeaderText)
	binary.LittleEndian.PutUint32(buf[sigOffset:sigOffset+4], signature)
	binary.LittleEndian.PutUint32(buf[sigOffset+4:sigOffset+8], version)

	binary.LittleEndian.PutUint32(buf[hdrOffset+4:hdrOffset+8], h.ImageType)
	binary.LittleEndian.PutUint32(buf[hdrOffset+56:hdrOffset+60], h.OffsetBlocks)
	binary.LittleEndian.PutUint32(buf[hdrOffset+60:hdrOffset+64], h.OffsetData)
	binary.LittleEndian.PutUint32(buf[hdrOffset+68:hdrOffset+72], h.SectorSize)
	binary.LittleEndian.PutUint32(buf[hdrOffset+76:hdrOffset+80], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[hdrOffset+88:hdrOffset+96], h.DiskSize)
	binary.LittleEndian.PutUint32(buf[hdrOffset+96:hdrOffset+100], h.BlocksInHDD)
	binary.LittleEndian.PutUint32(buf[hdrOffset+100:hdrOffset+104], h.BlocksAllocated)
	idBytes, _ := h.UUIDCreate.MarshalBinary()
	copy(buf[hdrOffset+112:hdrOffset+128], swapGUIDBytes(idBytes))
	return buf
}

func swapGUIDBytes(raw []byte) []byte {
	out := append([]byte(nil), raw...)
	reverse := func(b []byte) {
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	}
	reverse(out[0:4])
	reverse(out[4:6])
	reverse(out[6:8])
	return out
}

// Disk is an open VDI image presented as a block.Container.
type Disk struct {
	host     block.Container
	readOnly bool
	hdr      header
	bat      []uint32
}

var _ block.Container = (*Disk)(nil)
var _ sparse.BlockMap = (*Disk)(nil)

// Open parses an existing VDI image.
func Open(host block.Container, readOnly bool) (*Disk, errors.DriverError) {
	raw, err := host.Read(0, (preHeaderSize+headerSize+sectorSize-1)/sectorSize*sectorSize)
	if err != nil {
		return nil, err
	}
	h, herr := decodeHeader(raw)
	if herr != nil {
		return nil, herr
	}

	batBytes := int(h.BlocksInHDD) * 4
	alignedBatLen := (batBytes + sectorSize - 1) / sectorSize * sectorSize
	batRaw, err := host.Read(int64(h.OffsetBlocks), alignedBatLen)
	if err != nil {
		return nil, err
	}
	bat := make([]uint32, h.BlocksInHDD)
	for i := range bat {
		bat[i] = binary.LittleEndian.Uint32(batRaw[i*4 : i*4+4])
	}

	return &Disk{host: host, readOnly: readOnly, hdr: h, bat: bat}, nil
}

func (d *Disk) blockByteOffset(dataBlockIndex uint32) int64 {
	return int64(d.hdr.OffsetData) + int64(dataBlockIndex)*int64(d.hdr.BlockSize)
}

// BlockSize implements sparse.BlockMap.
func (d *Disk) BlockSize() int64 { return int64(d.hdr.BlockSize) }

// Lookup implements sparse.BlockMap.
func (d *Disk) Lookup(blockIndex uint64) (int64, bool, errors.DriverError) {
	if blockIndex >= uint64(len(d.bat)) {
		return 0, false, errors.IOError.WithMessage("block index past end of block map")
	}
	entry := d.bat[blockIndex]
	if entry == blockFree || entry == blockZero {
		return 0, false, nil
	}
	return d.blockByteOffset(entry), true, nil
}

// Allocate implements sparse.BlockMap: appends a new zeroed data block
// at end-of-file, assigning it the next sequential data-block index.
func (d *Disk) Allocate(blockIndex uint64) (int64, errors.DriverError) {
	if d.readOnly {
		return 0, errors.ReadOnly.WithMessage("cannot extend a read-only VDI image")
	}
	resizer, ok := d.host.(block.Resizable)
	if !ok {
		return 0, errors.IOError.WithMessage("VDI host container does not support growth")
	}

	dataBlockIndex := d.hdr.BlocksAllocated
	newOffset := d.blockByteOffset(dataBlockIndex)
	newSize := newOffset + int64(d.hdr.BlockSize)
	if err := resizer.Resize(newSize); err != nil {
		return 0, err
	}
	if err := d.host.Write(newOffset, make([]byte, d.hdr.BlockSize)); err != nil {
		return 0, err
	}

	d.bat[blockIndex] = dataBlockIndex
	d.hdr.BlocksAllocated++

	if err := d.writeBATEntry(blockIndex); err != nil {
		return 0, err
	}
	if err := d.writeHeader(); err != nil {
		return 0, err
	}
	return newOffset, nil
}

func (d *Disk) writeBATEntry(blockIndex uint64) errors.DriverError {
	entryOffset := int64(d.hdr.OffsetBlocks) + int64(blockIndex)*4
	sectorOffset := entryOffset - entryOffset%sectorSize
	raw, err := d.host.Read(sectorOffset, sectorSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(raw[entryOffset%sectorSize:entryOffset%sectorSize+4], d.bat[blockIndex])
	return d.host.Write(sectorOffset, raw)
}

func (d *Disk) writeHeader() errors.DriverError {
	buf := encodeHeader(d.hdr)
	aligned := (len(buf) + sectorSize - 1) / sectorSize * sectorSize
	padded := make([]byte, aligned)
	copy(padded, buf)
	return d.host.Write(0, padded)
}

// Read implements block.Container.
func (d *Disk) Read(offset int64, length int) ([]byte, errors.DriverError) {
	return sparse.Read(d, d.host, nil, offset, length)
}

// Write implements block.Container.
func (d *Disk) Write(offset int64, data []byte) errors.DriverError {
	if d.readOnly {
		return errors.ReadOnly.WithMessage("VDI image is mounted read-only")
	}
	return sparse.Write(d, d.host, offset, data)
}

func (d *Disk) Size() int64     { return int64(d.hdr.DiskSize) }
func (d *Disk) SectorSize() int { return int(d.hdr.SectorSize) }
func (d *Disk) ReadOnly() bool  { return d.readOnly }
func (d *Disk) Close() error    { return d.host.Close() }

// Create formats host as a fresh dynamic VDI image: preheader+header,
// an all-free block map, and no data blocks.
func Create(host block.Container, sizeBytes int64, blockSizeBytes int) (*Disk, errors.DriverError) {
	if blockSizeBytes <= 0 {
		blockSizeBytes = defaultBlockSize
	}
	blockCount := uint32((sizeBytes + int64(blockSizeBytes) - 1) / int64(blockSizeBytes))

	headerBlock := (preHeaderSize + headerSize + sectorSize - 1) / sectorSize * sectorSize
	offsetBlocks := uint32(headerBlock)
	batBytes := int(blockCount) * 4
	alignedBatLen := (batBytes + sectorSize - 1) / sectorSize * sectorSize
	offsetData := offsetBlocks + uint32(alignedBatLen)

	h := header{
		ImageType:    imageTypeDynamic,
		OffsetBlocks: offsetBlocks,
		OffsetData:   offsetData,
		SectorSize:   sectorSize,
		DiskSize:     uint64(sizeBytes),
		BlockSize:    uint32(blockSizeBytes),
		BlocksInHDD:  blockCount,
		UUIDCreate:   uuid.New(),
	}

	resizer, ok := host.(block.Resizable)
	if !ok {
		return nil, errors.IOError.WithMessage("host container does not support growth")
	}
	if host.Size() < int64(offsetData) {
		if err := resizer.Resize(int64(offsetData)); err != nil {
			return nil, err
		}
	}

	d := &Disk{host: host, hdr: h, bat: make([]uint32, blockCount)}
	for i := range d.bat {
		d.bat[i] = blockFree
	}

	if err := d.writeHeader(); err != nil {
		return nil, err
	}
	batRaw := make([]byte, alignedBatLen)
	for i, entry := range d.bat {
		binary.LittleEndian.PutUint32(batRaw[i*4:i*4+4], entry)
	}
	if err := host.Write(int64(offsetBlocks), batRaw); err != nil {
		return nil, err
	}
	return d, nil
}
