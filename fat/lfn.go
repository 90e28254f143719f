package fat

import (
	"fmt"
	"strings"

	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// lfnAttr is the attribute byte value that marks a directory entry slot as
// an LFN fragment rather than a short entry: the read-only, hidden and
// system bits plus volume-label set, a combination no short entry ever uses.
const lfnAttr = vfat.AttrReadOnly | vfat.AttrHidden | vfat.AttrSystem | vfat.AttrVolumeLabel

const (
	lfnLastEntryBit = 0x40
	lfnMaxOrdinal   = 0x14 // 20 fragments * 13 chars covers the 255-char max name
	lfnCharsPerSlot = 13
)

// IsLFNSlot reports whether raw (a 32-byte directory entry) is an LFN
// fragment rather than a short entry.
func IsLFNSlot(raw []byte) bool {
	return vfat.FileAttrs(raw[11]) == lfnAttr && raw[0] != direntFreeMarker
}

// shortNameChecksum computes the single-byte checksum LFN fragments carry
// to detect an LFN sequence orphaned from its short entry: a rotate-and-add
// over the raw 11-byte name+extension field.
func shortNameChecksum(rawNameExt []byte) byte {
	var sum byte
	for _, b := range rawNameExt {
		sum = (sum>>1 | sum<<7) + b
	}
	return sum
}

// encodeLFNSlot packs one 13-UTF16-unit chunk into a 32-byte LFN fragment.
// ordinal is 1-based; isLast marks the fragment farthest from the short
// entry (the highest ordinal), which FAT stores first on disk.
func encodeLFNSlot(ordinal int, isLast bool, checksum byte, chunk [13]uint16) []byte {
	raw := make([]byte, DirentSize)

	ord := byte(ordinal)
	if isLast {
		ord |= lfnLastEntryBit
	}
	raw[0] = ord
	raw[11] = byte(lfnAttr)
	raw[13] = checksum

	putUTF16Run(raw[1:11], chunk[0:5])
	putUTF16Run(raw[14:26], chunk[5:11])
	putUTF16Run(raw[28:32], chunk[11:13])

	return raw
}

func putUTF16Run(dst []byte, units []uint16) {
	for i, u := range units {
		dst[i*2] = byte(u)
		dst[i*2+1] = byte(u >> 8)
	}
}

func getUTF16Run(src []byte) []uint16 {
	units := make([]uint16, len(src)/2)
	for i := range units {
		units[i] = uint16(src[i*2]) | uint16(src[i*2+1])<<8
	}
	return units
}

// decodeLFNSlot extracts a fragment's ordinal, last-entry flag, checksum
// and 13 UTF-16 code units from a raw 32-byte LFN entry.
func decodeLFNSlot(raw []byte) (ordinal int, isLast bool, checksum byte, chunk [13]uint16) {
	ordinal = int(raw[0] &^ lfnLastEntryBit)
	isLast = raw[0]&lfnLastEntryBit != 0
	checksum = raw[13]

	copy(chunk[0:5], getUTF16Run(raw[1:11]))
	copy(chunk[5:11], getUTF16Run(raw[14:26]))
	copy(chunk[11:13], getUTF16Run(raw[28:32]))
	return
}

// EncodeLFN builds the sequence of raw 32-byte LFN fragment entries for
// longName, in on-disk order (highest ordinal first, ordinal 1 last,
// immediately preceding the short entry). shortNameRawNameExt is the raw
// 11-byte name+extension field of the short entry the LFN belongs to, used
// to compute the checksum every fragment carries.
func EncodeLFN(longName string, shortNameRawNameExt []byte) ([][]byte, errors.DriverError) {
	units := vfat.EncodeUTF16(longName)
	fragmentCount := (len(units) + lfnCharsPerSlot - 1) / lfnCharsPerSlot
	if fragmentCount == 0 {
		fragmentCount = 1
	}
	if fragmentCount > lfnMaxOrdinal {
		return nil, errors.InvalidName.WithMessage("name is too long for VFAT LFN encoding")
	}

	checksum := shortNameChecksum(shortNameRawNameExt)

	padded := make([]uint16, fragmentCount*lfnCharsPerSlot)
	for i := range padded {
		padded[i] = 0xFFFF // unused slots in the final fragment are padded with 0xFFFF
	}
	copy(padded, units)
	if len(units) < len(padded) {
		padded[len(units)] = 0x0000 // NUL-terminate, then 0xFFFF pads the remainder
	}

	fragments := make([][]byte, fragmentCount)
	for i := 0; i < fragmentCount; i++ {
		ordinal := i + 1
		var chunk [13]uint16
		copy(chunk[:], padded[i*lfnCharsPerSlot:(i+1)*lfnCharsPerSlot])
		// Fragment ordinal `fragmentCount` is the one farthest from the
		// short entry and is written first on disk, so disk order is descending
		// ordinal; build in that order directly.
		fragments[fragmentCount-1-i] = encodeLFNSlot(ordinal, ordinal == fragmentCount, checksum, chunk)
	}
	return fragments, nil
}

// DecodeLFN reassembles the long name from a run of raw LFN fragment
// entries in on-disk order (as DecodeLFN expects to receive them: highest
// ordinal first). It validates that ordinals are contiguous and that
// checksum matches shortNameRawNameExt.
func DecodeLFN(fragments [][]byte, shortNameRawNameExt []byte) (string, errors.DriverError) {
	if len(fragments) == 0 {
		return "", errors.BadFormat.WithMessage("empty LFN fragment run")
	}

	expectedChecksum := shortNameChecksum(shortNameRawNameExt)
	units := make([]uint16, 0, len(fragments)*lfnCharsPerSlot)

	for i, raw := range fragments {
		ordinal, isLast, checksum, chunk := decodeLFNSlot(raw)
		if checksum != expectedChecksum {
			return "", errors.InconsistentFS.WithMessage("LFN fragment checksum does not match its short entry")
		}
		wantOrdinal := len(fragments) - i
		if ordinal != wantOrdinal {
			return "", errors.InconsistentFS.WithMessage("LFN fragment ordinals are not contiguous")
		}
		if isLast != (i == 0) {
			return "", errors.InconsistentFS.WithMessage("LFN last-entry marker is on the wrong fragment")
		}
		units = append(units, chunk[:]...)
	}

	// Trim at the first NUL; anything after (0xFFFF padding) is discarded.
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return vfat.DecodeUTF16(units), nil
}

var shortNameInvalidChars = " +,;=[]\"*/\\:?<>|\x00\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f"

func sanitizeShortNameChars(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r > 0x7E || strings.ContainsRune(shortNameInvalidChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GenerateShortName derives an 8.3 short name for longName that doesn't
// collide with any name in existingShortNames (already-uppercased "BASE.EXT"
// strings from other entries in the same directory), following the
// standard "truncate to 6 chars + ~N numeric tail" Windows convention.
func GenerateShortName(longName string, existingShortNames map[string]bool) string {
	base, ext := longName, ""
	if idx := strings.LastIndex(longName, "."); idx >= 0 {
		base, ext = longName[:idx], longName[idx+1:]
	}

	base = sanitizeShortNameChars(base)
	ext = sanitizeShortNameChars(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	if base == "" {
		base = "NONAME"
	}

	joinName := func(b string) string {
		if ext == "" {
			return b
		}
		return b + "." + ext
	}

	if len(base) <= 8 {
		if candidate := joinName(base); !existingShortNames[candidate] {
			return candidate
		}
	}

	for n := 1; n < 1_000_000; n++ {
		tail := fmt.Sprintf("~%d", n)
		maxBaseLen := 8 - len(tail)
		if maxBaseLen < 1 {
			maxBaseLen = 1
		}
		truncated := base
		if len(truncated) > maxBaseLen {
			truncated = truncated[:maxBaseLen]
		}
		if candidate := joinName(truncated + tail); !existingShortNames[candidate] {
			return candidate
		}
	}
	// Unreachable in practice: a directory with a million colliding names.
	return joinName(base[:1] + "~1")
}
