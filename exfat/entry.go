package exfat

import (
	"encoding/binary"
	"time"

	"github.com/go-restruct/restruct"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// EntryType is the first byte of every 32-byte directory entry. Its bit
// layout partially describes the entry without needing to look at its
// payload: bit 7 marks it in-use, bit 6 marks it a secondary entry (one
// that accompanies a primary entry rather than starting a new one), bit
// 5 marks it benign (safe to ignore if unrecognized), and the low 5 bits
// are a type code.
type EntryType uint8

const (
	EntryTypeEndOfDirectory   EntryType = 0x00
	EntryTypeAllocationBitmap EntryType = 0x81
	EntryTypeUpcaseTable      EntryType = 0x82
	EntryTypeVolumeLabel      EntryType = 0x83
	EntryTypeFile             EntryType = 0x85
	EntryTypeStreamExtension  EntryType = 0xC0
	EntryTypeFileName         EntryType = 0xC1
)

func (t EntryType) IsEndOfDirectory() bool { return t == EntryTypeEndOfDirectory }
func (t EntryType) IsUnusedMarker() bool   { return t >= 0x01 && t <= 0x7F }
func (t EntryType) IsInUse() bool          { return t&0x80 != 0 }
func (t EntryType) IsSecondary() bool      { return t&0x40 != 0 }
func (t EntryType) IsBenign() bool         { return t&0x20 != 0 }
func (t EntryType) TypeCode() uint8        { return uint8(t) & 0x1F }

// FileAttrs is the exFAT FileAttributes field: the same bit positions
// FAT12/16/32 use (ReadOnly/Hidden/System/Directory/Archive), widened to
// 16 bits; the extra bits are reserved.
type FileAttrs uint16

const (
	FileAttrReadOnly  FileAttrs = 1 << 0
	FileAttrHidden    FileAttrs = 1 << 1
	FileAttrSystem    FileAttrs = 1 << 2
	FileAttrDirectory FileAttrs = 1 << 4
	FileAttrArchive   FileAttrs = 1 << 5
)

func (a FileAttrs) IsDir() bool { return a&FileAttrDirectory != 0 }

// ToVFAT maps an exFAT FileAttrs onto the cross-format vfat.FileAttrs,
// dropping bits vfat.FileAttrs has no room for (there are none below bit
// 6 in either encoding, so this is lossless for the bits that matter).
func (a FileAttrs) ToVFAT() vfat.FileAttrs { return vfat.FileAttrs(a & 0x3F) }

// Timestamp is the packed exFAT date+time field: bits [0:5) double
// seconds, [5:11) minutes, [11:16) hours, [16:21) day, [21:25) month,
// [25:32) year offset from 1980 — the same bit widths FAT12/16/32 use,
// just packed into a single 32-bit word instead of two 16-bit ones.
type Timestamp uint32

func (t Timestamp) Second() int { return int(t&0x1F) * 2 }
func (t Timestamp) Minute() int { return int((t >> 5) & 0x3F) }
func (t Timestamp) Hour() int   { return int((t >> 11) & 0x1F) }
func (t Timestamp) Day() int    { return int((t >> 16) & 0x1F) }
func (t Timestamp) Month() int  { return int((t >> 21) & 0xF) }
func (t Timestamp) Year() int   { return int((t>>25)&0x7F) + 1980 }

// WithOffset applies UtcOffset (see below) and returns the corresponding
// time.Time, or vfat.UndefinedTimestamp if t is zero (unset).
func (t Timestamp) WithOffset(utcOffset UtcOffset) time.Time {
	if t == 0 {
		return vfat.UndefinedTimestamp
	}
	loc := time.FixedZone("", utcOffset.Minutes()*60)
	return time.Date(t.Year(), time.Month(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

// TimestampFromTime packs a time.Time into an exFAT Timestamp, discarding
// sub-second precision below 2-second granularity.
func TimestampFromTime(t time.Time) Timestamp {
	if t.Equal(vfat.UndefinedTimestamp) {
		return 0
	}
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	return Timestamp(t.Second()/2) |
		Timestamp(t.Minute())<<5 |
		Timestamp(t.Hour())<<11 |
		Timestamp(t.Day())<<16 |
		Timestamp(t.Month())<<21 |
		Timestamp(year)<<25
}

// UtcOffset is exFAT's 7-bit signed, 15-minute-granularity UTC offset
// field plus its validity bit (bit 7): when invalid, the companion
// timestamp is local time of unknown zone and WithOffset should be
// called with UtcOffset(0) (UTC, the common and safe default).
type UtcOffset uint8

func (o UtcOffset) Valid() bool { return o&0x80 != 0 }
func (o UtcOffset) Minutes() int {
	if !o.Valid() {
		return 0
	}
	raw := int8(o << 1) >> 1 // sign-extend the low 7 bits
	return int(raw) * 15
}

// FileEntry is the primary "File" directory entry (type 0x85): one per
// logical object, followed by exactly SecondaryCount more entries (a
// Stream Extension, then SecondaryCount-1 File Name entries).
type FileEntry struct {
	SecondaryCount   uint8
	SetChecksum      uint16
	FileAttributes   FileAttrs
	CreateTimestamp  Timestamp
	ModifiedTimestamp Timestamp
	AccessedTimestamp Timestamp
	Create10msIncrement   uint8
	Modified10msIncrement uint8
	CreateUtcOffset       UtcOffset
	ModifiedUtcOffset     UtcOffset
	AccessedUtcOffset     UtcOffset
}

// GeneralSecondaryFlags is shared by the Stream Extension and File Name
// secondary entries.
type GeneralSecondaryFlags uint8

func (f GeneralSecondaryFlags) AllocationPossible() bool { return f&1 != 0 }
func (f GeneralSecondaryFlags) NoFatChain() bool         { return f&2 != 0 }

// StreamExtensionEntry is the secondary entry (type 0xC0) describing a
// File entry's data stream: name length/hash and the cluster run.
type StreamExtensionEntry struct {
	Flags           GeneralSecondaryFlags
	NameLength      uint8
	NameHash        uint16
	ValidDataLength uint64
	FirstCluster    vfat.ClusterID
	DataLength      uint64
}

// FileNameEntry is one 15-UTF-16-character fragment (type 0xC1) of a
// File entry's name; SecondaryCount-1 of these follow the Stream
// Extension entry, each carrying 15 characters of the name in order.
type FileNameEntry struct {
	Flags    GeneralSecondaryFlags
	FileName [15]uint16
}

const fileNameCharsPerSlot = 15

// The three on-disk entry layouts below exist only to drive
// restruct.Pack/Unpack; callers use the friendlier FileEntry/
// StreamExtensionEntry/FileNameEntry types instead. Field order and
// width must match the on-disk byte layout exactly since restruct packs
// fields back to back with no implicit padding.

type rawFileEntry struct {
	EntryType             uint8
	SecondaryCount        uint8
	SetChecksum           uint16
	FileAttributes        uint16
	Reserved1             uint16
	CreateTimestamp       uint32
	ModifiedTimestamp     uint32
	AccessedTimestamp     uint32
	Create10msIncrement   uint8
	Modified10msIncrement uint8
	CreateUtcOffset       uint8
	ModifiedUtcOffset     uint8
	AccessedUtcOffset     uint8
	Reserved2             [7]uint8
}

type rawStreamExtensionEntry struct {
	EntryType       uint8
	Flags           uint8
	Reserved1       uint8
	NameLength      uint8
	NameHash        uint16
	Reserved2       uint16
	ValidDataLength uint64
	Reserved3       uint32
	FirstCluster    uint32
	DataLength      uint64
}

type rawFileNameEntry struct {
	EntryType uint8
	Flags     uint8
	FileName  [15]uint16
}

// DecodeFileEntry parses a 32-byte File primary entry.
func DecodeFileEntry(raw []byte) (FileEntry, errors.DriverError) {
	var r rawFileEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &r); err != nil {
		return FileEntry{}, errors.BadFormat.WrapError(err)
	}
	return FileEntry{
		SecondaryCount:        r.SecondaryCount,
		SetChecksum:           r.SetChecksum,
		FileAttributes:        FileAttrs(r.FileAttributes),
		CreateTimestamp:       Timestamp(r.CreateTimestamp),
		ModifiedTimestamp:     Timestamp(r.ModifiedTimestamp),
		AccessedTimestamp:     Timestamp(r.AccessedTimestamp),
		Create10msIncrement:   r.Create10msIncrement,
		Modified10msIncrement: r.Modified10msIncrement,
		CreateUtcOffset:       UtcOffset(r.CreateUtcOffset),
		ModifiedUtcOffset:     UtcOffset(r.ModifiedUtcOffset),
		AccessedUtcOffset:     UtcOffset(r.AccessedUtcOffset),
	}, nil
}

// EncodeFileEntry serializes a File primary entry into a fresh 32-byte
// slot. SetChecksum is written as given; callers recompute it over the
// whole entry set with entrySetChecksum after every member is encoded.
func EncodeFileEntry(e FileEntry) ([]byte, errors.DriverError) {
	r := rawFileEntry{
		EntryType:             uint8(EntryTypeFile),
		SecondaryCount:        e.SecondaryCount,
		SetChecksum:           e.SetChecksum,
		FileAttributes:        uint16(e.FileAttributes),
		CreateTimestamp:       uint32(e.CreateTimestamp),
		ModifiedTimestamp:     uint32(e.ModifiedTimestamp),
		AccessedTimestamp:     uint32(e.AccessedTimestamp),
		Create10msIncrement:   e.Create10msIncrement,
		Modified10msIncrement: e.Modified10msIncrement,
		CreateUtcOffset:       uint8(e.CreateUtcOffset),
		ModifiedUtcOffset:     uint8(e.ModifiedUtcOffset),
		AccessedUtcOffset:     uint8(e.AccessedUtcOffset),
	}
	raw, err := restruct.Pack(binary.LittleEndian, &r)
	if err != nil {
		return nil, errors.BadFormat.WrapError(err)
	}
	return raw, nil
}

// DecodeStreamExtensionEntry parses a 32-byte Stream Extension entry.
func DecodeStreamExtensionEntry(raw []byte) (StreamExtensionEntry, errors.DriverError) {
	var r rawStreamExtensionEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &r); err != nil {
		return StreamExtensionEntry{}, errors.BadFormat.WrapError(err)
	}
	return StreamExtensionEntry{
		Flags:           GeneralSecondaryFlags(r.Flags),
		NameLength:      r.NameLength,
		NameHash:        r.NameHash,
		ValidDataLength: r.ValidDataLength,
		FirstCluster:    vfat.ClusterID(r.FirstCluster),
		DataLength:      r.DataLength,
	}, nil
}

// EncodeStreamExtensionEntry serializes a Stream Extension entry.
func EncodeStreamExtensionEntry(e StreamExtensionEntry) ([]byte, errors.DriverError) {
	r := rawStreamExtensionEntry{
		EntryType:       uint8(EntryTypeStreamExtension),
		Flags:           uint8(e.Flags),
		NameLength:      e.NameLength,
		NameHash:        e.NameHash,
		ValidDataLength: e.ValidDataLength,
		FirstCluster:    uint32(e.FirstCluster),
		DataLength:      e.DataLength,
	}
	raw, err := restruct.Pack(binary.LittleEndian, &r)
	if err != nil {
		return nil, errors.BadFormat.WrapError(err)
	}
	return raw, nil
}

// DecodeFileNameEntry parses a 32-byte File Name fragment entry.
func DecodeFileNameEntry(raw []byte) (FileNameEntry, errors.DriverError) {
	var r rawFileNameEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &r); err != nil {
		return FileNameEntry{}, errors.BadFormat.WrapError(err)
	}
	return FileNameEntry{Flags: GeneralSecondaryFlags(r.Flags), FileName: r.FileName}, nil
}

// EncodeFileNameEntry serializes a File Name fragment entry.
func EncodeFileNameEntry(e FileNameEntry) ([]byte, errors.DriverError) {
	r := rawFileNameEntry{
		EntryType: uint8(EntryTypeFileName),
		Flags:     uint8(e.Flags),
		FileName:  e.FileName,
	}
	raw, err := restruct.Pack(binary.LittleEndian, &r)
	if err != nil {
		return nil, errors.BadFormat.WrapError(err)
	}
	return raw, nil
}

// EncodeNameFragments splits name (already upcase-normalized by the
// caller if case-folded comparison is desired) into ceil(len/15)
// FileNameEntry values.
func EncodeNameFragments(name []uint16) []FileNameEntry {
	count := (len(name) + fileNameCharsPerSlot - 1) / fileNameCharsPerSlot
	if count == 0 {
		count = 1
	}
	fragments := make([]FileNameEntry, count)
	for i := range fragments {
		start := i * fileNameCharsPerSlot
		end := start + fileNameCharsPerSlot
		if end > len(name) {
			end = len(name)
		}
		copy(fragments[i].FileName[:], name[start:end])
	}
	return fragments
}

// DecodeUTF16Name reconstitutes a name from its File Name fragments and
// the Stream Extension's declared character count.
func DecodeUTF16Name(fragments []FileNameEntry, nameLength uint8) string {
	units := make([]uint16, 0, int(nameLength))
	for _, f := range fragments {
		for _, u := range f.FileName {
			if len(units) >= int(nameLength) {
				break
			}
			units = append(units, u)
		}
	}
	return vfat.DecodeUTF16(units)
}

// entrySetChecksum computes the File entry's SetChecksum: a 16-bit
// rotate-right-then-add running over every byte of the primary entry and
// every secondary entry in the set, skipping the SetChecksum field
// itself (bytes 2-3 of the primary entry).
func entrySetChecksum(entries [][]byte) uint16 {
	var sum uint16
	for entryIndex, raw := range entries {
		for i, b := range raw {
			if entryIndex == 0 && (i == 2 || i == 3) {
				continue
			}
			sum = ((sum << 15) | (sum >> 1)) + uint16(b)
		}
	}
	return sum
}

// nameHash computes the Stream Extension's NameHash: a 16-bit
// rotate-right-then-add running over the upcase-normalized name's raw
// little-endian UTF-16 bytes.
func nameHash(upcasedName []uint16) uint16 {
	var sum uint16
	for _, unit := range upcasedName {
		lo, hi := byte(unit), byte(unit>>8)
		sum = ((sum << 15) | (sum >> 1)) + uint16(lo)
		sum = ((sum << 15) | (sum >> 1)) + uint16(hi)
	}
	return sum
}
