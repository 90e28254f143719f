// Package vhd implements the Microsoft Virtual Hard Disk format (fixed,
// dynamic, and differencing), presenting each image as a
// block.Container of the guest's own sector-addressable space.
package vhd

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vdisk/sparse"
)

const (
	sectorSize     = 512
	footerSize     = 512
	dynHeaderSize  = 1024
	footerCookie   = "conectix"
	dynCookie      = "cxsparse"
	blockUnmapped  = 0xFFFFFFFF
	defaultBlockMB = 2 // default dynamic-disk block size, in MiB
)

// DiskType is the VHD footer's disk type field.
type DiskType uint32

const (
	TypeFixed         DiskType = 2
	TypeDynamic       DiskType = 3
	TypeDifferencing  DiskType = 4
)

// footer is the 512-byte structure present at the end of every VHD
// image (and, for dynamic/differencing disks, duplicated at offset 0).
type footer struct {
	Features          uint32
	FileFormatVersion uint32
	DataOffset        uint64 // 0xFFFFFFFFFFFFFFFF for fixed disks
	Timestamp         uint32
	CreatorApp        [4]byte
	CreatorVersion    uint32
	CreatorHostOS     [4]byte
	OriginalSize      uint64
	CurrentSize       uint64
	DiskGeometryCHS   uint32
	DiskType          DiskType
	Checksum          uint32
	UniqueID          uuid.UUID
	SavedState        byte
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, footerSize)
	copy(buf[0:8], footerCookie)
	binary.BigEndian.PutUint32(buf[8:12], f.Features)
	binary.BigEndian.PutUint32(buf[12:16], f.FileFormatVersion)
	binary.BigEndian.PutUint64(buf[16:24], f.DataOffset)
	binary.BigEndian.PutUint32(buf[24:28], f.Timestamp)
	copy(buf[28:32], f.CreatorApp[:])
	binary.BigEndian.PutUint32(buf[32:36], f.CreatorVersion)
	copy(buf[36:40], f.CreatorHostOS[:])
	binary.BigEndian.PutUint64(buf[40:48], f.OriginalSize)
	binary.BigEndian.PutUint64(buf[48:56], f.CurrentSize)
	binary.BigEndian.PutUint32(buf[56:60], f.DiskGeometryCHS)
	binary.BigEndian.PutUint32(buf[60:64], uint32(f.DiskType))
	// Checksum field (64:68) written last, after the checksum itself is
	// computed over this buffer with the field zeroed.
	idBytes, _ := f.UniqueID.MarshalBinary()
	copy(buf[68:84], idBytes)
	buf[84] = f.SavedState

	binary.BigEndian.PutUint32(buf[64:68], footerChecksum(buf))
	return buf
}

// footerChecksum is the ones'-complement sum of every byte of the
// footer with the checksum field itself treated as zero.
func footerChecksum(buf []byte) uint32 {
	var sum uint32
	for i, b := range buf {
		if i >= 64 && i < 68 {
			continue
		}
		sum += uint32(b)
	}
	return ^sum
}

func decodeFooter(buf []byte) (footer, errors.DriverError) {
	var f footer
	if len(buf) < footerSize || string(buf[0:8]) != footerCookie {
		return f, errors.BadFormat.WithMessage("not a VHD footer: bad cookie")
	}
	f.Features = binary.BigEndian.Uint32(buf[8:12])
	f.FileFormatVersion = binary.BigEndian.Uint32(buf[12:16])
	f.DataOffset = binary.BigEndian.Uint64(buf[16:24])
	f.Timestamp = binary.BigEndian.Uint32(buf[24:28])
	copy(f.CreatorApp[:], buf[28:32])
	f.CreatorVersion = binary.BigEndian.Uint32(buf[32:36])
	copy(f.CreatorHostOS[:], buf[36:40])
	f.OriginalSize = binary.BigEndian.Uint64(buf[40:48])
	f.CurrentSize = binary.BigEndian.Uint64(buf[48:56])
	f.DiskGeometryCHS = binary.BigEndian.Uint32(buf[56:60])
	f.DiskType = DiskType(binary.BigEndian.Uint32(buf[60:64]))
	f.Checksum = binary.BigEndian.Uint32(buf[64:68])
	id, err := uuid.FromBytes(buf[68:84])
	if err == nil {
		f.UniqueID = id
	}
	f.SavedState = buf[84]

	want := footerChecksum(buf)
	if want != f.Checksum {
		return f, errors.BadFormat.WithMessage("VHD footer checksum mismatch")
	}
	return f, nil
}

// parentLocator is one entry of a differencing disk's 8-slot parent
// locator table, identifying the parent image by platform-specific path
// encoding (relative or absolute Windows Unicode path codes).
type parentLocator struct {
	PlatformCode      [4]byte
	PlatformDataSpace uint32
	PlatformDataLen   uint32
	DataOffset        uint64
	Path              string
}

var (
	platformNone = [4]byte{0, 0, 0, 0}
	platformW2RU = [4]byte{'W', '2', 'r', 'u'} // relative Unicode path
	platformW2KU = [4]byte{'W', '2', 'k', 'u'} // absolute Unicode path
)

// dynamicHeader describes a dynamic or differencing disk's BAT and
// (for differencing disks) parent image.
type dynamicHeader struct {
	TableOffset     uint64
	MaxTableEntries uint32
	BlockSize       uint32
	ParentUniqueID  uuid.UUID
	ParentTimestamp uint32
	ParentName      string
	Locators        [8]parentLocator
}

func decodeDynamicHeader(buf []byte) (dynamicHeader, errors.DriverError) {
	var h dynamicHeader
	if len(buf) < dynHeaderSize || string(buf[0:8]) != dynCookie {
		return h, errors.BadFormat.WithMessage("not a VHD dynamic header: bad cookie")
	}
	h.TableOffset = binary.BigEndian.Uint64(buf[16:24])
	h.MaxTableEntries = binary.BigEndian.Uint32(buf[28:32])
	h.BlockSize = binary.BigEndian.Uint32(buf[32:36])

	checksum := binary.BigEndian.Uint32(buf[36:40])
	sumBuf := append([]byte(nil), buf...)
	binary.BigEndian.PutUint32(sumBuf[36:40], 0)
	var sum uint32
	for _, b := range sumBuf {
		sum += uint32(b)
	}
	if ^sum != checksum {
		return h, errors.BadFormat.WithMessage("VHD dynamic header checksum mismatch")
	}

	id, err := uuid.FromBytes(buf[40:56])
	if err == nil {
		h.ParentUniqueID = id
	}
	h.ParentTimestamp = binary.BigEndian.Uint32(buf[56:60])

	var units []uint16
	for i := 0; i < 256; i += 2 {
		u := binary.BigEndian.Uint16(buf[64+i : 64+i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	h.ParentName = string(utf16.Decode(units))

	for i := 0; i < 8; i++ {
		base := 320 + i*24
		var loc parentLocator
		copy(loc.PlatformCode[:], buf[base:base+4])
		loc.PlatformDataSpace = binary.BigEndian.Uint32(buf[base+4 : base+8])
		loc.PlatformDataLen = binary.BigEndian.Uint32(buf[base+8 : base+12])
		loc.DataOffset = binary.BigEndian.Uint64(buf[base+16 : base+24])
		h.Locators[i] = loc
	}
	return h, nil
}

func encodeDynamicHeader(h dynamicHeader) []byte {
	buf := make([]byte, dynHeaderSize)
	copy(buf[0:8], dynCookie)
	binary.BigEndian.PutUint64(buf[8:16], 0xFFFFFFFFFFFFFFFF) // DataOffset, unused
	binary.BigEndian.PutUint64(buf[16:24], h.TableOffset)
	binary.BigEndian.PutUint32(buf[28:32], h.MaxTableEntries)
	binary.BigEndian.PutUint32(buf[32:36], h.BlockSize)
	// Checksum (36:40) computed last below.

	if h.ParentUniqueID != uuid.Nil {
		idBytes, _ := h.ParentUniqueID.MarshalBinary()
		copy(buf[40:56], idBytes)
	}
	binary.BigEndian.PutUint32(buf[56:60], h.ParentTimestamp)

	nameUnits := utf16.Encode([]rune(h.ParentName))
	if len(nameUnits) > 128 {
		nameUnits = nameUnits[:128]
	}
	for i, u := range nameUnits {
		binary.BigEndian.PutUint16(buf[64+i*2:64+i*2+2], u)
	}

	for i, loc := range h.Locators {
		base := 320 + i*24
		copy(buf[base:base+4], loc.PlatformCode[:])
		binary.BigEndian.PutUint32(buf[base+4:base+8], loc.PlatformDataSpace)
		binary.BigEndian.PutUint32(buf[base+8:base+12], loc.PlatformDataLen)
		binary.BigEndian.PutUint64(buf[base+16:base+24], loc.DataOffset)
	}

	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	binary.BigEndian.PutUint32(buf[36:40], ^sum)
	return buf
}

// Disk is an open VHD image presented as a sector-addressable
// block.Container over the guest's own address space (excluding the
// footer).
type Disk struct {
	host     block.Container
	readOnly bool

	diskType DiskType
	size     int64

	dyn dynamicHeader
	bat []uint32

	parent  *Disk
	invalid bool // set once Merge folds this differencing disk into parent
}

var _ block.Container = (*Disk)(nil)
var _ sparse.BlockMap = (*Disk)(nil)

// Open parses an existing VHD image backed by host, recursing into a
// parent image for a differencing disk.
func Open(host block.Container, readOnly bool, openParent func(path string) (block.Container, errors.DriverError)) (*Disk, errors.DriverError) {
	raw, err := host.Read(host.Size()-footerSize, footerSize)
	if err != nil {
		return nil, err
	}
	f, ferr := decodeFooter(raw)
	if ferr != nil {
		return nil, ferr
	}

	d := &Disk{host: host, readOnly: readOnly, diskType: f.DiskType, size: int64(f.CurrentSize)}
	switch f.DiskType {
	case TypeFixed:
		return d, nil
	case TypeDynamic, TypeDifferencing:
		hdrRaw, herr := host.Read(int64(f.DataOffset), dynHeaderSize)
		if herr != nil {
			return nil, herr
		}
		dyn, derr := decodeDynamicHeader(hdrRaw)
		if derr != nil {
			return nil, derr
		}
		d.dyn = dyn
		if batErr := d.loadBAT(); batErr != nil {
			return nil, batErr
		}
		if f.DiskType == TypeDifferencing {
			if openParent == nil {
				return nil, errors.BadFormat.WithMessage("differencing VHD requires a parent resolver")
			}
			if lerr := d.loadParentLocatorPaths(); lerr != nil {
				return nil, lerr
			}
			parentContainer, perr := resolveParent(d.dyn, openParent)
			if perr != nil {
				return nil, perr
			}
			parentDisk, ok := parentContainer.(*Disk)
			if !ok {
				return nil, errors.BadFormat.WithMessage("differencing VHD parent must itself be a vhd.Disk")
			}
			d.parent = parentDisk
		}
		return d, nil
	default:
		return nil, errors.BadFormat.WithMessage(fmt.Sprintf("unsupported VHD disk type %d", f.DiskType))
	}
}

// loadParentLocatorPaths fills in each populated locator's Path by
// reading its raw UTF-16 path data from the host image.
func (d *Disk) loadParentLocatorPaths() errors.DriverError {
	for i := range d.dyn.Locators {
		loc := &d.dyn.Locators[i]
		if loc.PlatformCode == platformNone || loc.PlatformDataLen == 0 {
			continue
		}
		alignedLen := (int(loc.PlatformDataLen) + sectorSize - 1) / sectorSize * sectorSize
		raw, err := d.host.Read(int64(loc.DataOffset), alignedLen)
		if err != nil {
			return err
		}
		raw = raw[:loc.PlatformDataLen]
		units := make([]uint16, len(raw)/2)
		for j := range units {
			units[j] = binary.BigEndian.Uint16(raw[j*2 : j*2+2])
		}
		loc.Path = string(utf16.Decode(units))
	}
	return nil
}

func resolveParent(dyn dynamicHeader, openParent func(string) (block.Container, errors.DriverError)) (block.Container, errors.DriverError) {
	for _, loc := range dyn.Locators {
		if loc.PlatformCode == platformNone {
			continue
		}
		if loc.PlatformCode != platformW2RU && loc.PlatformCode != platformW2KU {
			continue
		}
		path := strings.ReplaceAll(loc.Path, "\\", "/")
		if path == "" {
			continue
		}
		container, err := openParent(path)
		if err == nil {
			return container, nil
		}
	}
	return nil, errors.NotFound.WithMessage("no usable parent locator could be opened")
}

func (d *Disk) bitmapSectors() int64 {
	sectorsPerBlock := int64(d.dyn.BlockSize) / sectorSize
	return (sectorsPerBlock + 8*sectorSize - 1) / (8 * sectorSize)
}

func (d *Disk) loadBAT() errors.DriverError {
	batBytes := int(d.dyn.MaxTableEntries) * 4
	alignedLen := (batBytes + sectorSize - 1) / sectorSize * sectorSize
	raw, err := d.host.Read(int64(d.dyn.TableOffset), alignedLen)
	if err != nil {
		return err
	}
	d.bat = make([]uint32, d.dyn.MaxTableEntries)
	for i := range d.bat {
		d.bat[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}
	return nil
}

// BlockSize implements sparse.BlockMap.
func (d *Disk) BlockSize() int64 { return int64(d.dyn.BlockSize) }

// Lookup implements sparse.BlockMap.
func (d *Disk) Lookup(blockIndex uint64) (int64, bool, errors.DriverError) {
	if blockIndex >= uint64(len(d.bat)) {
		return 0, false, errors.IOError.WithMessage("block index past end of BAT")
	}
	entry := d.bat[blockIndex]
	if entry == blockUnmapped {
		return 0, false, nil
	}
	return int64(entry)*sectorSize + d.bitmapSectors()*sectorSize, true, nil
}

// Allocate implements sparse.BlockMap: appends a new block (sector
// bitmap, fully marked in-use, plus zeroed data, or for a differencing
// disk a copy of the parent's data for that block) at end-of-file and
// rewrites the footer past it.
func (d *Disk) Allocate(blockIndex uint64) (int64, errors.DriverError) {
	if d.readOnly {
		return 0, errors.ReadOnly.WithMessage("cannot extend a read-only dynamic VHD")
	}
	blockStartSector := (d.host.Size() - footerSize) / sectorSize
	blockTotalBytes := d.bitmapSectors()*sectorSize + int64(d.dyn.BlockSize)
	writeOffset := blockStartSector * sectorSize
	newHostSize := writeOffset + blockTotalBytes + footerSize

	resizer, ok := d.host.(block.Resizable)
	if !ok {
		return 0, errors.IOError.WithMessage("dynamic VHD host container does not support growth")
	}
	if err := resizer.Resize(newHostSize); err != nil {
		return 0, err
	}

	bitmap := make([]byte, d.bitmapSectors()*sectorSize)
	for i := range bitmap {
		bitmap[i] = 0xFF // mark every sector in the new block in-use
	}
	data := make([]byte, d.dyn.BlockSize)
	if d.parent != nil {
		parentData, perr := d.parent.Read(int64(blockIndex)*int64(d.dyn.BlockSize), int(d.dyn.BlockSize))
		if perr != nil {
			return 0, perr
		}
		data = parentData
	}
	payload := append(bitmap, data...)

	if err := d.host.Write(writeOffset, payload); err != nil {
		return 0, err
	}
	if err := d.writeFooterAt(writeOffset + blockTotalBytes); err != nil {
		return 0, err
	}

	d.bat[blockIndex] = uint32(blockStartSector)
	if err := d.writeBATEntry(blockIndex); err != nil {
		return 0, err
	}
	return writeOffset + d.bitmapSectors()*sectorSize, nil
}

func (d *Disk) writeBATEntry(blockIndex uint64) errors.DriverError {
	sectorIndex := blockIndex * 4 / sectorSize
	sectorOffset := int64(d.dyn.TableOffset) + int64(sectorIndex)*sectorSize
	raw, err := d.host.Read(sectorOffset, sectorSize)
	if err != nil {
		return err
	}
	offsetInSector := (blockIndex * 4) % sectorSize
	binary.BigEndian.PutUint32(raw[offsetInSector:offsetInSector+4], d.bat[blockIndex])
	return d.host.Write(sectorOffset, raw)
}

func (d *Disk) writeFooterAt(offset int64) errors.DriverError {
	f := footer{
		Features:          2,
		FileFormatVersion: 0x00010000,
		DataOffset:        0xFFFFFFFFFFFFFFFF,
		Timestamp:         uint32(time.Now().Unix()),
		CreatorApp:        [4]byte{'g', 'o', 'f', 't'},
		CurrentSize:       uint64(d.size),
		OriginalSize:      uint64(d.size),
		DiskType:          d.diskType,
		UniqueID:          uuid.New(),
	}
	if d.diskType != TypeFixed {
		f.DataOffset = footerSize
	}
	return d.host.Write(offset, encodeFooter(f))
}

// Read implements block.Container over the guest address space.
func (d *Disk) Read(offset int64, length int) ([]byte, errors.DriverError) {
	if d.invalid {
		return nil, errors.BadFormat.WithMessage("differencing disk was merged into its parent and is no longer valid")
	}
	if d.diskType == TypeFixed {
		return d.host.Read(offset, length)
	}
	var parentContainer block.Container
	if d.parent != nil {
		parentContainer = d.parent
	}
	return sparse.Read(d, d.host, parentContainer, offset, length)
}

// Write implements block.Container over the guest address space.
func (d *Disk) Write(offset int64, data []byte) errors.DriverError {
	if d.invalid {
		return errors.BadFormat.WithMessage("differencing disk was merged into its parent and is no longer valid")
	}
	if d.readOnly {
		return errors.ReadOnly.WithMessage("VHD image is mounted read-only")
	}
	if d.diskType == TypeFixed {
		return d.host.Write(offset, data)
	}
	return sparse.Write(d, d.host, offset, data)
}

func (d *Disk) Size() int64     { return d.size }
func (d *Disk) SectorSize() int { return sectorSize }
func (d *Disk) ReadOnly() bool  { return d.readOnly }
func (d *Disk) Close() error    { return d.host.Close() }

// CreateFixed formats host (already sized to sizeBytes+footerSize) as a
// fixed-disk VHD image: raw guest bytes followed by one footer sector.
func CreateFixed(host block.Container, sizeBytes int64) (*Disk, errors.DriverError) {
	d := &Disk{host: host, diskType: TypeFixed, size: sizeBytes}
	if err := d.writeFooterAt(sizeBytes); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDynamic formats host as a dynamic-disk VHD image: a footer
// copy, a dynamic header, an empty BAT (every entry unmapped), and a
// trailing footer. host must already be sized to fit the header region.
func CreateDynamic(host block.Container, sizeBytes int64, blockSizeMB int) (*Disk, errors.DriverError) {
	if blockSizeMB <= 0 {
		blockSizeMB = defaultBlockMB
	}
	blockSize := uint32(blockSizeMB) * 1024 * 1024
	maxEntries := uint32((sizeBytes + int64(blockSize) - 1) / int64(blockSize))

	d := &Disk{
		host:     host,
		diskType: TypeDynamic,
		size:     sizeBytes,
		dyn: dynamicHeader{
			TableOffset:     footerSize + dynHeaderSize,
			MaxTableEntries: maxEntries,
			BlockSize:       blockSize,
		},
	}
	d.bat = make([]uint32, maxEntries)
	for i := range d.bat {
		d.bat[i] = blockUnmapped
	}

	batBytesLen := int64(maxEntries) * 4
	alignedBatLen := (batBytesLen + sectorSize - 1) / sectorSize * sectorSize
	headerRegionSize := footerSize + dynHeaderSize + alignedBatLen + footerSize
	if host.Size() < headerRegionSize {
		resizer, ok := host.(block.Resizable)
		if !ok {
			return nil, errors.IOError.WithMessage("host container is too small and does not support growth")
		}
		if err := resizer.Resize(headerRegionSize); err != nil {
			return nil, err
		}
	}

	if err := d.writeFooterAt(0); err != nil {
		return nil, err
	}
	if err := host.Write(footerSize, encodeDynamicHeader(d.dyn)); err != nil {
		return nil, err
	}

	raw := make([]byte, alignedBatLen)
	for i, entry := range d.bat {
		binary.BigEndian.PutUint32(raw[i*4:i*4+4], entry)
	}
	if err := host.Write(int64(d.dyn.TableOffset), raw); err != nil {
		return nil, err
	}

	footerOffset := int64(d.dyn.TableOffset) + alignedBatLen
	if err := d.writeFooterAt(footerOffset); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDifferencing formats host as a fresh differencing VHD whose
// every block starts unmapped, falling through to parent on read until
// the child itself writes to that block. parentPath is persisted as a
// relative Unicode parent locator so a later process can reopen the
// chain from disk via Open; the returned Disk also keeps parent linked
// in memory, so it is usable immediately without that round trip.
func CreateDifferencing(host block.Container, parent *Disk, parentPath string, blockSizeMB int) (*Disk, errors.DriverError) {
	if blockSizeMB <= 0 {
		blockSizeMB = defaultBlockMB
	}
	sizeBytes := parent.Size()
	blockSize := uint32(blockSizeMB) * 1024 * 1024
	maxEntries := uint32((sizeBytes + int64(blockSize) - 1) / int64(blockSize))

	normalizedPath := strings.ReplaceAll(parentPath, "\\", "/")
	pathUnits := utf16.Encode([]rune(normalizedPath))
	pathBytes := make([]byte, len(pathUnits)*2)
	for i, u := range pathUnits {
		binary.BigEndian.PutUint16(pathBytes[i*2:i*2+2], u)
	}
	alignedPathLen := int64((len(pathBytes) + sectorSize - 1) / sectorSize * sectorSize)

	batBytesLen := int64(maxEntries) * 4
	alignedBatLen := (batBytesLen + sectorSize - 1) / sectorSize * sectorSize
	locatorOffset := int64(footerSize + dynHeaderSize) + alignedBatLen
	headerRegionSize := locatorOffset + alignedPathLen + footerSize

	d := &Disk{
		host:     host,
		diskType: TypeDifferencing,
		size:     sizeBytes,
		parent:   parent,
		dyn: dynamicHeader{
			TableOffset:     footerSize + dynHeaderSize,
			MaxTableEntries: maxEntries,
			BlockSize:       blockSize,
			ParentUniqueID:  uuid.New(),
			ParentTimestamp: uint32(time.Now().Unix()),
			ParentName:      normalizedPath,
			Locators: [8]parentLocator{{
				PlatformCode:      platformW2RU,
				PlatformDataSpace: uint32(alignedPathLen),
				PlatformDataLen:   uint32(len(pathBytes)),
				DataOffset:        uint64(locatorOffset),
				Path:              normalizedPath,
			}},
		},
	}
	d.bat = make([]uint32, maxEntries)
	for i := range d.bat {
		d.bat[i] = blockUnmapped
	}

	if host.Size() < headerRegionSize {
		resizer, ok := host.(block.Resizable)
		if !ok {
			return nil, errors.IOError.WithMessage("host container is too small and does not support growth")
		}
		if err := resizer.Resize(headerRegionSize); err != nil {
			return nil, err
		}
	}

	if err := d.writeFooterAt(0); err != nil {
		return nil, err
	}
	if err := host.Write(footerSize, encodeDynamicHeader(d.dyn)); err != nil {
		return nil, err
	}

	batRaw := make([]byte, alignedBatLen)
	for i, entry := range d.bat {
		binary.BigEndian.PutUint32(batRaw[i*4:i*4+4], entry)
	}
	if err := host.Write(int64(d.dyn.TableOffset), batRaw); err != nil {
		return nil, err
	}

	paddedPath := make([]byte, alignedPathLen)
	copy(paddedPath, pathBytes)
	if err := host.Write(locatorOffset, paddedPath); err != nil {
		return nil, err
	}

	return d, d.writeFooterAt(locatorOffset + alignedPathLen)
}

// Merge copies every allocated block of a differencing disk into its
// parent, in ascending block order, then drops the in-memory parent
// link. The caller is responsible for discarding the now-redundant
// child image afterward.
func (d *Disk) Merge() errors.DriverError {
	if d.diskType != TypeDifferencing || d.parent == nil {
		return errors.BadFormat.WithMessage("Merge requires an open differencing disk")
	}
	for blockIndex := uint64(0); blockIndex < uint64(len(d.bat)); blockIndex++ {
		hostOffset, allocated, err := d.Lookup(blockIndex)
		if err != nil {
			return err
		}
		if !allocated {
			continue
		}
		data, rerr := d.host.Read(hostOffset, int(d.dyn.BlockSize))
		if rerr != nil {
			return rerr
		}
		guestOffset := int64(blockIndex) * int64(d.dyn.BlockSize)
		if werr := d.parent.Write(guestOffset, data); werr != nil {
			return werr
		}
	}
	d.parent = nil
	d.invalid = true
	return nil
}
