// Package vhdx implements the Microsoft VHDX virtual hard disk format:
// file identifier, header pair, region table, metadata table, BAT, and
// log-region validation, presented as a block.Container.
package vhdx

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vdisk/sparse"
)

const (
	fileIDSignature = "vhdxfile"
	headSignature   = "head"
	regiSignature   = "regi"
	metaSignature   = "metadata"
	logSignature    = "loge"

	headerRegionSize = 64 * 1024
	header1Offset    = 1 * headerRegionSize
	header2Offset    = 2 * headerRegionSize
	regionTable1Off  = 3 * headerRegionSize
	regionTable2Off  = 4 * headerRegionSize
	regionTableSize  = headerRegionSize
	metadataTableLen = 64 * 1024

	batStateNotPresent     = 0
	batStatePayloadPresent = 6

	defaultBlockMB = 32
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	batRegionGUID  = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
	metaRegionGUID = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")

	blockSizeItemGUID  = uuid.MustParse("CAA16737-FA36-4D43-B3B6-33F0AA44E76B")
	diskSizeItemGUID   = uuid.MustParse("2FA54224-CD1B-4876-B211-5DBED83BF4B8")
	sectorSizeItemGUID = uuid.MustParse("1DBF4108-56F4-4FA5-9AB8-1A4C5F9AF95B")
)

// header is one copy of the VHDX header pair.
type header struct {
	SequenceNumber uint64
	LogGuid        uuid.UUID
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

func decodeHeader(buf []byte) (header, bool) {
	var h header
	if string(buf[0:4]) != headSignature {
		return h, false
	}
	wantChecksum := binary.LittleEndian.Uint32(buf[4:8])
	scratch := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(scratch[4:8], 0)
	if crc32.Checksum(scratch[:4096], crc32cTable) != wantChecksum {
		return h, false
	}
	h.SequenceNumber = binary.LittleEndian.Uint64(buf[8:16])
	id, _ := uuid.FromBytes(swapGUIDBytes(buf[16:32]))
	h.LogGuid = id
	h.LogVersion = binary.LittleEndian.Uint16(buf[32:34])
	h.Version = binary.LittleEndian.Uint16(buf[34:36])
	h.LogLength = binary.LittleEndian.Uint32(buf[36:40])
	h.LogOffset = binary.LittleEndian.Uint64(buf[40:48])
	return h, true
}

func encodeHeader(h header) []byte {
	buf := make([]byte, 4096)
	copy(buf[0:4], headSignature)
	binary.LittleEndian.PutUint64(buf[8:16], h.SequenceNumber)
	idBytes, _ := h.LogGuid.MarshalBinary()
	copy(buf[16:32], swapGUIDBytes(idBytes))
	binary.LittleEndian.PutUint16(buf[32:34], h.LogVersion)
	binary.LittleEndian.PutUint16(buf[34:36], 1) // Version, always 1
	binary.LittleEndian.PutUint32(buf[36:40], h.LogLength)
	binary.LittleEndian.PutUint64(buf[40:48], h.LogOffset)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf, crc32cTable))
	return buf
}

// swapGUIDBytes exchanges a GUID's on-disk mixed-endian field order for
// uuid.UUID's big-endian byte order (and is its own inverse).
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

type regionEntry struct {
	GUID       uuid.UUID
	FileOffset uint64
	Length     uint32
	Required   bool
}

func decodeRegionTable(buf []byte) ([]regionEntry, errors.DriverError) {
	if string(buf[0:4]) != regiSignature {
		return nil, errors.BadFormat.WithMessage("not a VHDX region table: bad signature")
	}
	wantChecksum := binary.LittleEndian.Uint32(buf[4:8])
	scratch := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(scratch[4:8], 0)
	if crc32.Checksum(scratch[:regionTableSize], crc32cTable) != wantChecksum {
		return nil, errors.BadFormat.WithMessage("VHDX region table checksum mismatch")
	}
	count := binary.LittleEndian.Uint32(buf[8:12])
	entries := make([]regionEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		base := 16 + int(i)*32
		id, _ := uuid.FromBytes(swapGUIDBytes(buf[base : base+16]))
		entries = append(entries, regionEntry{
			GUID:       id,
			FileOffset: binary.LittleEndian.Uint64(buf[base+16 : base+24]),
			Length:     binary.LittleEndian.Uint32(buf[base+24 : base+28]),
			Required:   binary.LittleEndian.Uint32(buf[base+28:base+32])&1 != 0,
		})
	}
	return entries, nil
}

func encodeRegionTable(entries []regionEntry) []byte {
	buf := make([]byte, regionTableSize)
	copy(buf[0:4], regiSignature)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(entries)))
	for i, e := range entries {
		base := 16 + i*32
		idBytes, _ := e.GUID.MarshalBinary()
		copy(buf[base:base+16], swapGUIDBytes(idBytes))
		binary.LittleEndian.PutUint64(buf[base+16:base+24], e.FileOffset)
		binary.LittleEndian.PutUint32(buf[base+24:base+28], e.Length)
		if e.Required {
			binary.LittleEndian.PutUint32(buf[base+28:base+32], 1)
		}
	}
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf, crc32cTable))
	return buf
}

// metadata holds the subset of metadata-region items this package acts
// on: block size, logical sector size and virtual disk size.
type metadata struct {
	BlockSize      uint32
	LogicalSector  uint32
	VirtualDiskLen uint64
}

func decodeMetadata(host block.Container, region regionEntry) (metadata, errors.DriverError) {
	raw, err := host.Read(int64(region.FileOffset), metadataTableLen)
	if err != nil {
		return metadata{}, err
	}
	if string(raw[0:8]) != metaSignature {
		return metadata{}, errors.BadFormat.WithMessage("not a VHDX metadata table: bad signature")
	}
	count := binary.LittleEndian.Uint16(raw[10:12])

	var m metadata
	for i := uint16(0); i < count; i++ {
		base := 32 + int(i)*24
		id, _ := uuid.FromBytes(swapGUIDBytes(raw[base : base+16]))
		offset := binary.LittleEndian.Uint32(raw[base+16 : base+20])
		length := binary.LittleEndian.Uint32(raw[base+20 : base+24])
		itemOffset := int64(region.FileOffset) + int64(offset)
		itemRaw, rerr := host.Read(itemOffset-(itemOffset%512), int((int64(length)+int64(itemOffset%512)+511)/512*512))
		if rerr != nil {
			return metadata{}, rerr
		}
		itemBuf := itemRaw[itemOffset%512:]

		switch id {
		case blockSizeItemGUID:
			m.BlockSize = binary.LittleEndian.Uint32(itemBuf[0:4])
		case diskSizeItemGUID:
			m.VirtualDiskLen = binary.LittleEndian.Uint64(itemBuf[0:8])
		case sectorSizeItemGUID:
			m.LogicalSector = binary.LittleEndian.Uint32(itemBuf[0:4])
		}
	}
	return m, nil
}

// validateLog scans the log region (when non-empty) and rejects any
// sequence gap or checksum mismatch rather than attempting partial
// recovery, per this implementation's explicit choice not to guess at
// a corrupt log's intent.
func validateLog(host block.Container, h header) errors.DriverError {
	if h.LogGuid == (uuid.UUID{}) || h.LogLength == 0 {
		return nil
	}
	var lastSeq uint64
	offset := int64(h.LogOffset)
	end := offset + int64(h.LogLength)
	seen := false

	for offset < end {
		raw, err := host.Read(offset, 4096)
		if err != nil {
			return err
		}
		if string(raw[0:4]) != logSignature {
			break // end of written entries; the rest of the region is unused
		}
		wantChecksum := binary.LittleEndian.Uint32(raw[4:8])
		scratch := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(scratch[4:8], 0)
		if crc32.Checksum(scratch, crc32cTable) != wantChecksum {
			return errors.BadFormat.WithMessage("VHDX log entry checksum mismatch")
		}
		seq := binary.LittleEndian.Uint64(raw[8:16])
		if seen && seq != lastSeq+1 {
			return errors.BadFormat.WithMessage("VHDX log has a sequence-number gap")
		}
		lastSeq, seen = seq, true
		entryLength := binary.LittleEndian.Uint32(raw[16:20])
		if entryLength == 0 {
			break
		}
		offset += int64(entryLength)
	}
	return nil
}

// Disk is an open VHDX image presented as a block.Container.
type Disk struct {
	host     block.Container
	readOnly bool
	size     int64

	meta       metadata
	batRegion  regionEntry
	bat        []uint64
	batOffset  int64
}

var _ block.Container = (*Disk)(nil)
var _ sparse.BlockMap = (*Disk)(nil)

// Open parses an existing VHDX image.
func Open(host block.Container, readOnly bool) (*Disk, errors.DriverError) {
	idRaw, err := host.Read(0, headerRegionSize)
	if err != nil {
		return nil, err
	}
	if string(idRaw[0:8]) != fileIDSignature {
		return nil, errors.BadFormat.WithMessage("not a VHDX image: bad file identifier")
	}

	h1Raw, err := host.Read(header1Offset, 4096)
	if err != nil {
		return nil, err
	}
	h2Raw, err := host.Read(header2Offset, 4096)
	if err != nil {
		return nil, err
	}
	h1, ok1 := decodeHeader(h1Raw)
	h2, ok2 := decodeHeader(h2Raw)
	var current header
	switch {
	case ok1 && ok2:
		current = h1
		if h2.SequenceNumber > h1.SequenceNumber {
			current = h2
		}
	case ok1:
		current = h1
	case ok2:
		current = h2
	default:
		return nil, errors.BadFormat.WithMessage("no valid VHDX header found")
	}

	if err := validateLog(host, current); err != nil {
		return nil, err
	}

	rtRaw, err := host.Read(regionTable1Off, regionTableSize)
	if err != nil {
		return nil, err
	}
	entries, rterr := decodeRegionTable(rtRaw)
	if rterr != nil {
		rtRaw2, err2 := host.Read(regionTable2Off, regionTableSize)
		if err2 != nil {
			return nil, err2
		}
		entries, rterr = decodeRegionTable(rtRaw2)
		if rterr != nil {
			return nil, rterr
		}
	}

	var batRegion, metaRegion regionEntry
	var haveBat, haveMeta bool
	for _, e := range entries {
		switch e.GUID {
		case batRegionGUID:
			batRegion, haveBat = e, true
		case metaRegionGUID:
			metaRegion, haveMeta = e, true
		}
	}
	if !haveBat || !haveMeta {
		return nil, errors.BadFormat.WithMessage("VHDX region table is missing the BAT or metadata region")
	}

	meta, merr := decodeMetadata(host, metaRegion)
	if merr != nil {
		return nil, merr
	}

	d := &Disk{
		host:      host,
		readOnly:  readOnly,
		size:      int64(meta.VirtualDiskLen),
		meta:      meta,
		batRegion: batRegion,
		batOffset: int64(batRegion.FileOffset),
	}
	if err := d.loadBAT(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) blockCount() uint64 {
	return (uint64(d.size) + uint64(d.meta.BlockSize) - 1) / uint64(d.meta.BlockSize)
}

func (d *Disk) loadBAT() errors.DriverError {
	count := d.blockCount()
	batBytes := int64(count) * 8
	alignedLen := (batBytes + 4095) / 4096 * 4096
	raw, err := d.host.Read(d.batOffset, int(alignedLen))
	if err != nil {
		return err
	}
	d.bat = make([]uint64, count)
	for i := range d.bat {
		d.bat[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	return nil
}

func (d *Disk) writeBATEntry(blockIndex uint64) errors.DriverError {
	entryOffset := d.batOffset + int64(blockIndex)*8
	sectorOffset := entryOffset - entryOffset%512
	raw, err := d.host.Read(sectorOffset, 512)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(raw[entryOffset%512:entryOffset%512+8], d.bat[blockIndex])
	return d.host.Write(sectorOffset, raw)
}

// BlockSize implements sparse.BlockMap.
func (d *Disk) BlockSize() int64 { return int64(d.meta.BlockSize) }

// Lookup implements sparse.BlockMap, decoding the 3-bit State and the
// upper FileOffsetMB field of a BAT entry.
func (d *Disk) Lookup(blockIndex uint64) (int64, bool, errors.DriverError) {
	if blockIndex >= uint64(len(d.bat)) {
		return 0, false, errors.IOError.WithMessage("block index past end of BAT")
	}
	entry := d.bat[blockIndex]
	state := entry & 0x7
	if state != batStatePayloadPresent {
		return 0, false, nil
	}
	fileOffsetMB := entry >> 20
	return int64(fileOffsetMB) * 1024 * 1024, true, nil
}

// Allocate implements sparse.BlockMap: appends a new zeroed block at
// end-of-file and records its FileOffsetMB with State fully-present.
func (d *Disk) Allocate(blockIndex uint64) (int64, errors.DriverError) {
	if d.readOnly {
		return 0, errors.ReadOnly.WithMessage("cannot extend a read-only VHDX image")
	}
	resizer, ok := d.host.(block.Resizable)
	if !ok {
		return 0, errors.IOError.WithMessage("VHDX host container does not support growth")
	}
	newBlockOffset := d.host.Size()
	if newBlockOffset%(1024*1024) != 0 {
		newBlockOffset += 1024*1024 - newBlockOffset%(1024*1024)
	}
	newSize := newBlockOffset + int64(d.meta.BlockSize)
	if err := resizer.Resize(newSize); err != nil {
		return 0, err
	}
	if err := d.host.Write(newBlockOffset, make([]byte, d.meta.BlockSize)); err != nil {
		return 0, err
	}

	d.bat[blockIndex] = (uint64(newBlockOffset/(1024*1024)) << 20) | batStatePayloadPresent
	if err := d.writeBATEntry(blockIndex); err != nil {
		return 0, err
	}
	return newBlockOffset, nil
}

// Read implements block.Container.
func (d *Disk) Read(offset int64, length int) ([]byte, errors.DriverError) {
	return sparse.Read(d, d.host, nil, offset, length)
}

// Write implements block.Container.
func (d *Disk) Write(offset int64, data []byte) errors.DriverError {
	if d.readOnly {
		return errors.ReadOnly.WithMessage("VHDX image is mounted read-only")
	}
	return sparse.Write(d, d.host, offset, data)
}

func (d *Disk) Size() int64     { return d.size }
func (d *Disk) SectorSize() int { return int(d.meta.LogicalSector) }
func (d *Disk) ReadOnly() bool  { return d.readOnly }
func (d *Disk) Close() error    { return d.host.Close() }

// Create formats host as a fresh dynamic VHDX image: file identifier,
// both header copies, both region table copies, a metadata region
// (block size, logical sector size, virtual disk size) and an
// all-unallocated BAT.
func Create(host block.Container, sizeBytes int64, blockSizeMB int, logicalSectorSize int) (*Disk, errors.DriverError) {
	if blockSizeMB <= 0 {
		blockSizeMB = defaultBlockMB
	}
	if logicalSectorSize == 0 {
		logicalSectorSize = 512
	}
	blockSize := uint32(blockSizeMB) * 1024 * 1024
	blockCount := uint64((sizeBytes + int64(blockSize) - 1) / int64(blockSize))

	metadataRegionLen := uint32(metadataTableLen)
	batRegionOff := uint64(5 * headerRegionSize)
	metaRegionOff := uint64(5*headerRegionSize) + uint64(blockCount)*8
	metaRegionOff = (metaRegionOff + 1024*1024 - 1) / (1024 * 1024) * (1024 * 1024)
	dataStart := metaRegionOff + uint64(metadataRegionLen)
	dataStart = (dataStart + 1024*1024 - 1) / (1024 * 1024) * (1024 * 1024)

	resizer, ok := host.(block.Resizable)
	if !ok {
		return nil, errors.IOError.WithMessage("host container does not support growth")
	}
	if host.Size() < int64(dataStart) {
		if err := resizer.Resize(int64(dataStart)); err != nil {
			return nil, err
		}
	}

	idRaw := make([]byte, headerRegionSize)
	copy(idRaw[0:8], fileIDSignature)
	if err := host.Write(0, idRaw); err != nil {
		return nil, err
	}

	h := header{SequenceNumber: 1}
	if err := host.Write(header1Offset, encodeHeader(h)); err != nil {
		return nil, err
	}
	if err := host.Write(header2Offset, encodeHeader(h)); err != nil {
		return nil, err
	}

	entries := []regionEntry{
		{GUID: batRegionGUID, FileOffset: batRegionOff, Length: uint32(blockCount * 8), Required: true},
		{GUID: metaRegionGUID, FileOffset: metaRegionOff, Length: metadataRegionLen, Required: true},
	}
	rt := encodeRegionTable(entries)
	if err := host.Write(regionTable1Off, rt); err != nil {
		return nil, err
	}
	if err := host.Write(regionTable2Off, rt); err != nil {
		return nil, err
	}

	metaRaw := encodeMetadataRegion(blockSize, uint32(logicalSectorSize), uint64(sizeBytes))
	if err := host.Write(int64(metaRegionOff), metaRaw); err != nil {
		return nil, err
	}

	batBytes := int64(blockCount) * 8
	alignedBatLen := (batBytes + 4095) / 4096 * 4096
	if err := host.Write(int64(batRegionOff), make([]byte, alignedBatLen)); err != nil {
		return nil, err
	}

	d := &Disk{
		host:     host,
		size:     sizeBytes,
		meta:     metadata{BlockSize: blockSize, LogicalSector: uint32(logicalSectorSize), VirtualDiskLen: uint64(sizeBytes)},
		batRegion: entries[0],
		batOffset: int64(batRegionOff),
		bat:      make([]uint64, blockCount),
	}
	return d, nil
}

func encodeMetadataRegion(blockSize, logicalSector uint32, diskLen uint64) []byte {
	buf := make([]byte, metadataTableLen)
	copy(buf[0:8], metaSignature)
	binary.LittleEndian.PutUint16(buf[10:12], 3) // entry count

	items := []struct {
		id     uuid.UUID
		offset uint32
		length uint32
	}{
		{blockSizeItemGUID, 256, 4},
		{diskSizeItemGUID, 264, 8},
		{sectorSizeItemGUID, 280, 4},
	}
	for i, item := range items {
		base := 32 + i*24
		idBytes, _ := item.id.MarshalBinary()
		copy(buf[base:base+16], swapGUIDBytes(idBytes))
		binary.LittleEndian.PutUint32(buf[base+16:base+20], item.offset)
		binary.LittleEndian.PutUint32(buf[base+20:base+24], item.length)
	}

	binary.LittleEndian.PutUint32(buf[256:260], blockSize)
	binary.LittleEndian.PutUint64(buf[264:272], diskLen)
	binary.LittleEndian.PutUint32(buf[280:284], logicalSector)
	return buf
}
