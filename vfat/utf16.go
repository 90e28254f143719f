package vfat

import (
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

// utf16LE is the codec used for every on-disk UTF-16 name field shared by
// VFAT long file names and exFAT File Name entries: both store names as
// little-endian UTF-16 with no byte-order mark.
var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16 converts a Go string to its UTF-16LE code units, using a
// codec that handles surrogate pairs the way Windows-authored tools
// expect rather than a hand-rolled conversion. A Go string is always
// valid UTF-8, so the encoder cannot fail in practice; the stdlib path is
// kept only as a defensive fallback.
func EncodeUTF16(s string) []uint16 {
	raw, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return utf16.Encode([]rune(s))
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
	}
	return units
}

// DecodeUTF16 converts UTF-16LE code units back to a Go string.
func DecodeUTF16(units []uint16) string {
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		raw[i*2] = byte(u)
		raw[i*2+1] = byte(u >> 8)
	}
	out, err := utf16LE.NewDecoder().Bytes(raw)
	if err != nil {
		return string(utf16.Decode(units))
	}
	return string(out)
}
