package exfat

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// UpcaseTable is exFAT's case-folding table (type 0x82 directory
// entry): a mapping from a UTF-16 code unit to its uppercase form, used
// for case-insensitive lookups and NameHash computation. Entries beyond
// the table's length map to themselves (most of the Unicode range has
// no case distinction the table bothers to record).
type UpcaseTable struct {
	mapping []uint16
}

// upcaseTableChecksum computes the 32-bit rotate-right-then-add running
// checksum the Upcase Table directory entry's TableChecksum field must
// match, over the table's raw on-disk bytes.
func upcaseTableChecksum(raw []byte) uint32 {
	var sum uint32
	for _, b := range raw {
		sum = ((sum << 31) | (sum >> 1)) + uint32(b)
	}
	return sum
}

// LoadUpcaseTable reads dataLength bytes of upcase-table data starting
// at firstCluster and verifies it against wantChecksum.
func LoadUpcaseTable(c *cache.Cache, geometry *Geometry, firstCluster vfat.ClusterID, dataLength uint64, wantChecksum uint32) (*UpcaseTable, errors.DriverError) {
	raw := make([]byte, dataLength)
	if err := c.Read(geometry.ClusterByteOffset(firstCluster), raw); err != nil {
		return nil, err
	}
	if upcaseTableChecksum(raw) != wantChecksum {
		return nil, errors.BadFormat.WithMessage("upcase table checksum mismatch")
	}

	mapping := make([]uint16, len(raw)/2)
	for i := range mapping {
		mapping[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	return &UpcaseTable{mapping: mapping}, nil
}

// DefaultUpcaseTable returns the identity table: every code unit maps
// to itself except 'a'-'z', which map to 'A'-'Z'. This is a conforming
// (if minimal) table for newly formatted volumes — exFAT only requires
// that implementations honor whatever table a volume carries, not that
// formatters reproduce Microsoft's full compressed default table.
func DefaultUpcaseTable() *UpcaseTable {
	mapping := make([]uint16, 128)
	for i := range mapping {
		mapping[i] = uint16(i)
	}
	for c := 'a'; c <= 'z'; c++ {
		mapping[c] = uint16(c - 'a' + 'A')
	}
	return &UpcaseTable{mapping: mapping}
}

// Encode serializes the table back to its on-disk byte form, for
// writing out a freshly formatted volume's Upcase Table entry.
func (t *UpcaseTable) Encode() []byte {
	raw := make([]byte, len(t.mapping)*2)
	for i, u := range t.mapping {
		binary.LittleEndian.PutUint16(raw[i*2:i*2+2], u)
	}
	return raw
}

// Checksum returns this table's on-disk checksum.
func (t *UpcaseTable) Checksum() uint32 { return upcaseTableChecksum(t.Encode()) }

// ToUpper uppercases a single UTF-16 code unit per the table.
func (t *UpcaseTable) ToUpper(unit uint16) uint16 {
	if int(unit) < len(t.mapping) {
		return t.mapping[unit]
	}
	return unit
}

// Normalize uppercases every code unit of name, for case-insensitive
// comparison and NameHash computation.
func (t *UpcaseTable) Normalize(name []uint16) []uint16 {
	out := make([]uint16, len(name))
	for i, u := range name {
		out[i] = t.ToUpper(u)
	}
	return out
}

// EncodeName converts a Go string to its UTF-16 code units, the form
// File Name entries store.
func EncodeName(name string) []uint16 { return vfat.EncodeUTF16(name) }
