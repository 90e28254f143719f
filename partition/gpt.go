package partition

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
)

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

const (
	gptHeaderSize    = 92
	gptEntrySize     = 128
	gptRevision      = 0x00010000
	gptNameRunes     = 36 // 72 bytes of UTF-16
	defaultGPTCount  = 128
)

// GPTEntry is one partition entry in the GUID partition table.
type GPTEntry struct {
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	StartLBA   uint64
	EndLBA     uint64 // inclusive, matching the on-disk field
	Attributes uint64
	Name       string
}

// GPT is a parsed GUID partition table: the primary header plus its
// partition entry array. ReadGPT cross-checks the backup header's CRC as
// well and refuses a disk where the two disagree, rather than silently
// preferring one.
type GPT struct {
	DiskGUID        uuid.UUID
	FirstUsableLBA  uint64
	LastUsableLBA   uint64
	Entries         []GPTEntry
}

func encodeName(name string) [gptNameRunes * 2]byte {
	var out [gptNameRunes * 2]byte
	units := utf16.Encode([]rune(name))
	if len(units) > gptNameRunes {
		units = units[:gptNameRunes]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], u)
	}
	return out
}

func decodeName(raw []byte) string {
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

func encodeGPTEntry(e GPTEntry) []byte {
	raw := make([]byte, gptEntrySize)
	typeBytes, _ := e.TypeGUID.MarshalBinary()
	uniqueBytes, _ := e.UniqueGUID.MarshalBinary()
	copy(raw[0:16], typeBytes)
	copy(raw[16:32], uniqueBytes)
	binary.LittleEndian.PutUint64(raw[32:40], e.StartLBA)
	binary.LittleEndian.PutUint64(raw[40:48], e.EndLBA)
	binary.LittleEndian.PutUint64(raw[48:56], e.Attributes)
	name := encodeName(e.Name)
	copy(raw[56:56+len(name)], name[:])
	return raw
}

func decodeGPTEntry(raw []byte) GPTEntry {
	var typeGUID, uniqueGUID uuid.UUID
	copy(typeGUID[:], raw[0:16])
	copy(uniqueGUID[:], raw[16:32])
	return GPTEntry{
		TypeGUID:   typeGUID,
		UniqueGUID: uniqueGUID,
		StartLBA:   binary.LittleEndian.Uint64(raw[32:40]),
		EndLBA:     binary.LittleEndian.Uint64(raw[40:48]),
		Attributes: binary.LittleEndian.Uint64(raw[48:56]),
		Name:       decodeName(raw[56:128]),
	}
}

func isEntryEmpty(raw []byte) bool {
	for _, b := range raw[0:16] {
		if b != 0 {
			return false
		}
	}
	return true
}

type gptHeaderFields struct {
	currentLBA       uint64
	backupLBA        uint64
	firstUsableLBA   uint64
	lastUsableLBA    uint64
	diskGUID         uuid.UUID
	partitionLBA     uint64
	numEntries       uint32
	entrySize        uint32
	entriesCRC       uint32
	headerCRC        uint32
}

func parseHeader(sector []byte) (gptHeaderFields, errors.DriverError) {
	var h gptHeaderFields
	if !bytes.Equal(sector[0:8], gptSignature[:]) {
		return h, errors.BadFormat.WithMessage("missing EFI PART signature")
	}
	headerSize := binary.LittleEndian.Uint32(sector[12:16])
	h.headerCRC = binary.LittleEndian.Uint32(sector[16:20])

	// CRC is computed over the header with the CRC field itself zeroed.
	verify := make([]byte, headerSize)
	copy(verify, sector[:headerSize])
	binary.LittleEndian.PutUint32(verify[16:20], 0)
	if crc32.ChecksumIEEE(verify) != h.headerCRC {
		return h, errors.BadFormat.WithMessage("GPT header CRC32 mismatch")
	}

	h.currentLBA = binary.LittleEndian.Uint64(sector[24:32])
	h.backupLBA = binary.LittleEndian.Uint64(sector[32:40])
	h.firstUsableLBA = binary.LittleEndian.Uint64(sector[40:48])
	h.lastUsableLBA = binary.LittleEndian.Uint64(sector[48:56])
	copy(h.diskGUID[:], sector[56:72])
	h.partitionLBA = binary.LittleEndian.Uint64(sector[72:80])
	h.numEntries = binary.LittleEndian.Uint32(sector[80:84])
	h.entrySize = binary.LittleEndian.Uint32(sector[84:88])
	h.entriesCRC = binary.LittleEndian.Uint32(sector[88:92])
	return h, nil
}

// ReadGPT parses the primary GPT header at LBA 1 and its partition entry
// array, validating both the header CRC32 and the entry array CRC32. It
// also reads and validates the backup header at the disk's last LBA; if
// the two headers' entry-array CRCs disagree, ReadGPT refuses rather than
// guessing which is authoritative.
func ReadGPT(container block.Container) (*GPT, errors.DriverError) {
	sectorSize := container.SectorSize()
	primaryRaw, err := container.Read(int64(sectorSize), sectorSize)
	if err != nil {
		return nil, err
	}
	primary, derr := parseHeader(primaryRaw)
	if derr != nil {
		return nil, derr
	}

	lastLBA := uint64(container.Size()/int64(sectorSize)) - 1
	backupRaw, err := container.Read(int64(lastLBA)*int64(sectorSize), sectorSize)
	if err != nil {
		return nil, err
	}
	backup, derr := parseHeader(backupRaw)
	if derr != nil {
		return nil, errors.InconsistentFS.WithMessage("backup GPT header is unreadable: " + derr.Error())
	}
	if backup.entriesCRC != primary.entriesCRC {
		return nil, errors.InconsistentFS.WithMessage("primary and backup GPT headers disagree on partition entries CRC32")
	}

	entryBytes, err := container.Read(int64(primary.partitionLBA)*int64(sectorSize), int(primary.numEntries*primary.entrySize))
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(entryBytes) != primary.entriesCRC {
		return nil, errors.BadFormat.WithMessage("GPT partition entry array CRC32 mismatch")
	}

	gpt := &GPT{
		DiskGUID:       primary.diskGUID,
		FirstUsableLBA: primary.firstUsableLBA,
		LastUsableLBA:  primary.lastUsableLBA,
	}
	for i := uint32(0); i < primary.numEntries; i++ {
		raw := entryBytes[i*primary.entrySize : i*primary.entrySize+gptEntrySize]
		if isEntryEmpty(raw) {
			continue
		}
		gpt.Entries = append(gpt.Entries, decodeGPTEntry(raw))
	}
	return gpt, nil
}

func buildHeaderSector(sectorSize int, currentLBA, backupLBA, firstUsable, lastUsable, partitionLBA uint64,
	diskGUID uuid.UUID, numEntries uint32, entriesCRC uint32) []byte {
	sector := make([]byte, sectorSize)
	copy(sector[0:8], gptSignature[:])
	binary.LittleEndian.PutUint32(sector[8:12], gptRevision)
	binary.LittleEndian.PutUint32(sector[12:16], gptHeaderSize)
	binary.LittleEndian.PutUint64(sector[24:32], currentLBA)
	binary.LittleEndian.PutUint64(sector[32:40], backupLBA)
	binary.LittleEndian.PutUint64(sector[40:48], firstUsable)
	binary.LittleEndian.PutUint64(sector[48:56], lastUsable)
	diskGUIDBytes, _ := diskGUID.MarshalBinary()
	copy(sector[56:72], diskGUIDBytes)
	binary.LittleEndian.PutUint64(sector[72:80], partitionLBA)
	binary.LittleEndian.PutUint32(sector[80:84], numEntries)
	binary.LittleEndian.PutUint32(sector[84:88], gptEntrySize)
	binary.LittleEndian.PutUint32(sector[88:92], entriesCRC)

	crc := crc32.ChecksumIEEE(sector[:gptHeaderSize])
	binary.LittleEndian.PutUint32(sector[16:20], crc)
	return sector
}

// CreateGPT writes a protective MBR, a primary GPT header and entry array
// at LBA 1/2, and a backup header and entry array at the end of the disk.
// Capacity for up to 128 entries is reserved regardless of len(entries),
// matching the UEFI specification's minimum partition entry array size.
func CreateGPT(container block.Container, diskGUID uuid.UUID, entries []GPTEntry) errors.DriverError {
	sectorSize := container.SectorSize()
	totalLBA := uint64(container.Size() / int64(sectorSize))

	entryArrayLBAs := uint64(defaultGPTCount*gptEntrySize) / uint64(sectorSize)
	if uint64(defaultGPTCount*gptEntrySize)%uint64(sectorSize) != 0 {
		entryArrayLBAs++
	}

	primaryEntriesLBA := uint64(2)
	firstUsable := primaryEntriesLBA + entryArrayLBAs
	backupEntriesLBA := totalLBA - 1 - entryArrayLBAs
	lastUsable := backupEntriesLBA - 1

	entryBytes := make([]byte, defaultGPTCount*gptEntrySize)
	for i, e := range entries {
		copy(entryBytes[i*gptEntrySize:(i+1)*gptEntrySize], encodeGPTEntry(e))
	}
	entriesCRC := crc32.ChecksumIEEE(entryBytes)

	if err := CreateMBR(container, 0, []MBREntry{{
		Type:      0xEE,
		StartLBA:  1,
		LengthLBA: uint32(totalLBA - 1),
	}}); err != nil {
		return err
	}

	if err := container.Write(int64(primaryEntriesLBA)*int64(sectorSize), entryBytes); err != nil {
		return err
	}
	if err := container.Write(int64(backupEntriesLBA)*int64(sectorSize), entryBytes); err != nil {
		return err
	}

	primaryHeader := buildHeaderSector(sectorSize, 1, totalLBA-1, firstUsable, lastUsable, primaryEntriesLBA,
		diskGUID, defaultGPTCount, entriesCRC)
	if err := container.Write(int64(sectorSize), primaryHeader); err != nil {
		return err
	}

	backupHeader := buildHeaderSector(sectorSize, totalLBA-1, 1, firstUsable, lastUsable, backupEntriesLBA,
		diskGUID, defaultGPTCount, entriesCRC)
	return container.Write(int64(totalLBA-1)*int64(sectorSize), backupHeader)
}
