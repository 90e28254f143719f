package partition

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
)

const (
	mbrPartitionTableOffset = 0x1BE
	mbrEntrySize            = 16
	mbrMaxEntries           = 4
	mbrSignatureOffset      = 0x1FE
	mbrSignature            = 0xAA55

	maxCHSCylinder = 1023
	maxCHSHead     = 254
	maxCHSSector   = 63
)

// MBREntry is one 16-byte entry of a master boot record partition table:
// plain binary.LittleEndian field access over a byte window, the same
// idiom used for VHD/VHDX headers below.
type MBREntry struct {
	Bootable  bool
	Type      byte
	StartLBA  uint32
	LengthLBA uint32
}

// MBR is a parsed master boot record: the 440-byte bootstrap area, an
// optional 4-byte disk signature, and up to four primary partition table
// entries. Extended partitions are expanded into a flat chain of logical
// volumes by ReadMBR (type 0x05/0x0F in a primary slot chains to further
// EBRs, each holding one logical partition and a pointer to the next).
type MBR struct {
	Bootstrap     [440]byte
	DiskSignature uint32
	Entries       []MBREntry
}

func chsBytes(lba uint32) [3]byte {
	// CHS is clamped to 1023/254/63 and left purely informational; every
	// reader is expected to trust the LBA fields instead.
	cylinder := lba / (maxCHSHead * maxCHSSector)
	head := (lba / maxCHSSector) % maxCHSHead
	sector := (lba % maxCHSSector) + 1
	if cylinder > maxCHSCylinder {
		cylinder = maxCHSCylinder
		head = maxCHSHead
		sector = maxCHSSector
	}
	return [3]byte{
		byte(head),
		byte(sector) | byte((cylinder>>8)<<6),
		byte(cylinder),
	}
}

func decodeEntry(raw []byte) MBREntry {
	return MBREntry{
		Bootable:  raw[0] == 0x80,
		Type:      raw[4],
		StartLBA:  binary.LittleEndian.Uint32(raw[8:12]),
		LengthLBA: binary.LittleEndian.Uint32(raw[12:16]),
	}
}

func encodeEntry(e MBREntry) [mbrEntrySize]byte {
	var raw [mbrEntrySize]byte
	if e.Bootable {
		raw[0] = 0x80
	}
	raw[4] = e.Type
	startCHS := chsBytes(e.StartLBA)
	endCHS := chsBytes(e.StartLBA + e.LengthLBA - 1)
	copy(raw[1:4], startCHS[:])
	copy(raw[5:8], endCHS[:])
	binary.LittleEndian.PutUint32(raw[8:12], e.StartLBA)
	binary.LittleEndian.PutUint32(raw[12:16], e.LengthLBA)
	return raw
}

// ReadMBR parses sector 0 of container as a master boot record. It
// returns errors.BadFormat if the trailing 0xAA55 signature is absent.
// Extended partition chains (type 0x05/0x0F) are walked and flattened
// into additional entries appended after the four primary slots.
func ReadMBR(container block.Container) (*MBR, errors.DriverError) {
	sector, err := container.Read(0, container.SectorSize())
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(sector[mbrSignatureOffset:mbrSignatureOffset+2]) != mbrSignature {
		return nil, errors.BadFormat.WithMessage("missing 0xAA55 MBR signature")
	}

	mbr := &MBR{DiskSignature: binary.LittleEndian.Uint32(sector[440:444])}
	copy(mbr.Bootstrap[:], sector[:440])

	for i := 0; i < mbrMaxEntries; i++ {
		raw := sector[mbrPartitionTableOffset+i*mbrEntrySize : mbrPartitionTableOffset+(i+1)*mbrEntrySize]
		entry := decodeEntry(raw)
		if entry.Type == 0 {
			continue
		}
		mbr.Entries = append(mbr.Entries, entry)
		if entry.Type == 0x05 || entry.Type == 0x0F {
			logical, err := readExtendedChain(container, entry.StartLBA, entry.StartLBA, container.SectorSize())
			if err != nil {
				return nil, err
			}
			mbr.Entries = append(mbr.Entries, logical...)
		}
	}
	return mbr, nil
}

// readExtendedChain walks a chain of extended boot records starting at
// ebrLBA (relative to extendedBaseLBA, the first EBR's own LBA), returning
// the logical partitions it defines in order.
func readExtendedChain(container block.Container, ebrLBA, extendedBaseLBA uint32, sectorSize int) ([]MBREntry, errors.DriverError) {
	var out []MBREntry
	for ebrLBA != 0 {
		sector, err := container.Read(int64(ebrLBA)*int64(sectorSize), sectorSize)
		if err != nil {
			return nil, err
		}
		if binary.LittleEndian.Uint16(sector[mbrSignatureOffset:mbrSignatureOffset+2]) != mbrSignature {
			return nil, errors.BadFormat.WithMessage("missing 0xAA55 signature in extended boot record")
		}
		first := decodeEntry(sector[mbrPartitionTableOffset : mbrPartitionTableOffset+mbrEntrySize])
		second := decodeEntry(sector[mbrPartitionTableOffset+mbrEntrySize : mbrPartitionTableOffset+2*mbrEntrySize])

		if first.Type != 0 {
			first.StartLBA += ebrLBA
			out = append(out, first)
		}
		if second.Type == 0x05 || second.Type == 0x0F {
			ebrLBA = extendedBaseLBA + second.StartLBA
		} else {
			ebrLBA = 0
		}
	}
	return out, nil
}

// CreateMBR writes a new master boot record to container's first sector,
// encoding entries as the four primary partition slots. At most four
// entries are supported; extended partition chains are not synthesized
// by this function.
func CreateMBR(container block.Container, diskSignature uint32, entries []MBREntry) errors.DriverError {
	if len(entries) > mbrMaxEntries {
		return errors.BadFormat.WithMessage("CreateMBR supports at most 4 primary entries")
	}

	sector := make([]byte, container.SectorSize())
	binary.LittleEndian.PutUint32(sector[440:444], diskSignature)
	for i, e := range entries {
		raw := encodeEntry(e)
		copy(sector[mbrPartitionTableOffset+i*mbrEntrySize:mbrPartitionTableOffset+(i+1)*mbrEntrySize], raw[:])
	}
	binary.LittleEndian.PutUint16(sector[mbrSignatureOffset:mbrSignatureOffset+2], mbrSignature)
	return container.Write(0, sector)
}
