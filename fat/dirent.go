package fat

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// DirentSize is the size of a single raw short (8.3) directory entry, in
// bytes. LFN entries reuse the same 32-byte slot shape with a different
// field layout; see lfn.go.
const DirentSize = 32

const (
	direntFreeMarker    = 0x00
	direntDeletedMarker = 0xE5
	direntEscapedE5     = 0x05
)

// ShortDirent is the decoded form of a raw 32-byte short directory entry:
// name split from extension, attribute byte, timestamps, first cluster and
// size. It does not carry any LFN information; see lfn.go for how that
// layers in front of a ShortDirent's associated slot.
type ShortDirent struct {
	Name       string // 8.3 name, e.g. "README.TXT"; empty name means free
	Deleted    bool
	Attrs      vfat.FileAttrs
	NTReserved uint8

	// Created holds the creation timestamp, valid only when !Deleted: a
	// deleted slot has repurposed the hundredths-of-a-second byte to stash
	// the name's true first character, so the sub-second component is
	// gone and DeletedAt is populated instead.
	Created      time.Time
	DeletedAt    time.Time
	LastAccessed time.Time
	LastModified time.Time

	FirstCluster vfat.ClusterID
	FileSize     uint32
}

// dateFromFAT converts a FAT on-disk date field into a time.Time (year,
// month, day only).
func dateFromFAT(value uint16) time.Time {
	day := int(value & 0x001F)
	month := time.Month((value >> 5) & 0x000F)
	year := 1980 + int(value>>9)
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// dateToFAT is the inverse of dateFromFAT.
func dateToFAT(t time.Time) uint16 {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	return uint16(year<<9) | uint16(t.Month()&0x0F)<<5 | uint16(t.Day()&0x1F)
}

// timestampFromFAT combines a FAT date field, time field and an optional
// hundredths-of-a-second field (0-199; 0 if the source has no sub-second
// resolution) into a single time.Time. The time field's 5-bit seconds component is
// stored as a count of 2-second increments.
func timestampFromFAT(datePart, timePart uint16, tenths uint8) time.Time {
	d := dateFromFAT(datePart)
	seconds := int(timePart&0x001F) * 2
	nanoseconds := 0
	if tenths >= 100 {
		seconds++
		tenths -= 100
	}
	nanoseconds = int(tenths) * 10_000_000
	minutes := int((timePart >> 5) & 0x003F)
	hours := int(timePart >> 11)
	return time.Date(d.Year(), d.Month(), d.Day(), hours, minutes, seconds, nanoseconds, time.UTC)
}

// timestampToFAT is the inverse of timestampFromFAT, returning the date
// field, time field, and hundredths-of-a-second byte.
func timestampToFAT(t time.Time) (date, clock uint16, tenths uint8) {
	date = dateToFAT(t)
	clock = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenths = uint8((t.Second() % 2) * 100)
	return
}

// DecodeShortDirent parses a 32-byte directory entry slot. A free slot
// (first byte 0x00) decodes to a ShortDirent with an empty Name; the
// caller is expected to stop scanning a directory at the first free slot
// it meets, matching how FAT directories are terminated.
func DecodeShortDirent(raw []byte) (ShortDirent, errors.DriverError) {
	if len(raw) != DirentSize {
		return ShortDirent{}, errors.BadFormat.WithMessage("directory entry must be exactly 32 bytes")
	}

	nameBytes := append([]byte(nil), raw[0:8]...)
	extBytes := raw[8:11]
	firstByte := raw[0]

	entry := ShortDirent{
		Attrs:      vfat.FileAttrs(raw[11]),
		NTReserved: raw[12],
		FirstCluster: vfat.ClusterID(
			uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(raw[26:28])),
		),
		FileSize: binary.LittleEndian.Uint32(raw[28:32]),
	}

	if firstByte == direntFreeMarker {
		return entry, nil
	}

	entry.Deleted = firstByte == direntDeletedMarker
	if entry.Deleted {
		// The true first character was overwritten by the deletion marker;
		// FAT stashes it in the creation-time-hundredths byte instead.
		nameBytes[0] = raw[13]
	} else if firstByte == direntEscapedE5 {
		// 0xE5 as a genuine first character is escaped as 0x05 on disk so
		// it isn't mistaken for the deleted marker.
		nameBytes[0] = 0xE5
	}

	trimmedName := strings.TrimRight(string(nameBytes), " ")
	trimmedExt := strings.TrimRight(string(extBytes), " ")
	if trimmedExt != "" {
		entry.Name = trimmedName + "." + trimmedExt
	} else {
		entry.Name = trimmedName
	}

	if entry.Deleted {
		// The hundredths byte was overwritten by the stashed name
		// character, so only whole-second resolution survives.
		entry.DeletedAt = timestampFromFAT(
			binary.LittleEndian.Uint16(raw[16:18]),
			binary.LittleEndian.Uint16(raw[14:16]),
			0,
		)
	} else {
		entry.Created = timestampFromFAT(
			binary.LittleEndian.Uint16(raw[16:18]),
			binary.LittleEndian.Uint16(raw[14:16]),
			raw[13],
		)
	}
	entry.LastAccessed = dateFromFAT(binary.LittleEndian.Uint16(raw[18:20]))
	entry.LastModified = timestampFromFAT(
		binary.LittleEndian.Uint16(raw[24:26]),
		binary.LittleEndian.Uint16(raw[22:24]),
		0,
	)

	return entry, nil
}

// splitShortName divides an already-validated 8.3 name like "README.TXT"
// into its padded 8-byte base and 3-byte extension, for EncodeShortDirent.
func splitShortName(name string) (base [8]byte, ext [3]byte) {
	for i := range base {
		base[i] = ' '
	}
	for i := range ext {
		ext[i] = ' '
	}
	baseName, extension, _ := strings.Cut(name, ".")
	copy(base[:], baseName)
	copy(ext[:], extension)
	return
}

// EncodeShortDirent serializes entry into a 32-byte directory entry slot.
// entry.Name must already be a valid, uppercased 8.3 name (see lfn.go for
// short-name generation from an arbitrary long name).
func EncodeShortDirent(entry ShortDirent) []byte {
	raw := make([]byte, DirentSize)

	base, ext := splitShortName(entry.Name)
	copy(raw[0:8], base[:])
	copy(raw[8:11], ext[:])

	raw[11] = byte(entry.Attrs)
	raw[12] = entry.NTReserved

	if entry.Deleted {
		deletedDate, deletedTime, _ := timestampToFAT(entry.DeletedAt)
		binary.LittleEndian.PutUint16(raw[14:16], deletedTime)
		binary.LittleEndian.PutUint16(raw[16:18], deletedDate)
		raw[0] = direntDeletedMarker
		raw[13] = base[0] // stash the true first character
	} else {
		createdDate, createdTime, createdTenths := timestampToFAT(entry.Created)
		raw[13] = createdTenths
		binary.LittleEndian.PutUint16(raw[14:16], createdTime)
		binary.LittleEndian.PutUint16(raw[16:18], createdDate)
		if base[0] == 0xE5 {
			raw[0] = direntEscapedE5
		}
	}
	binary.LittleEndian.PutUint16(raw[18:20], dateToFAT(entry.LastAccessed))

	binary.LittleEndian.PutUint16(raw[20:22], uint16(uint32(entry.FirstCluster)>>16))

	modDate, modTime, _ := timestampToFAT(entry.LastModified)
	binary.LittleEndian.PutUint16(raw[22:24], modTime)
	binary.LittleEndian.PutUint16(raw[24:26], modDate)

	binary.LittleEndian.PutUint16(raw[26:28], uint16(uint32(entry.FirstCluster)&0xFFFF))
	binary.LittleEndian.PutUint32(raw[28:32], entry.FileSize)

	return raw
}

// IsFreeSlot reports whether raw (a 32-byte directory entry) marks an
// unused slot: either never used (0x00) or holding a deleted entry
// (0xE5). Both are available for reuse; only 0x00 terminates a scan.
func IsFreeSlot(raw []byte) bool {
	return raw[0] == direntFreeMarker || raw[0] == direntDeletedMarker
}

// IsEndOfDirectory reports whether raw marks the end of the in-use
// portion of a directory: a never-used slot.
func IsEndOfDirectory(raw []byte) bool {
	return raw[0] == direntFreeMarker
}
