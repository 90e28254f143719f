package exfat

import (
	"testing"
	"time"

	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func TestFileEntryEncodeDecodeRoundTrip(t *testing.T) {
	want := FileEntry{
		SecondaryCount:    2,
		FileAttributes:    FileAttrArchive,
		CreateTimestamp:   TimestampFromTime(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)),
		ModifiedTimestamp: TimestampFromTime(time.Date(2024, 3, 15, 10, 31, 0, 0, time.UTC)),
		AccessedTimestamp: TimestampFromTime(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)),
		CreateUtcOffset:   0x80,
		ModifiedUtcOffset: 0x80,
		AccessedUtcOffset: 0x80,
	}
	raw, err := EncodeFileEntry(want)
	require.Nil(t, err)
	require.Len(t, raw, 32)
	require.Equal(t, uint8(EntryTypeFile), raw[0])

	got, derr := DecodeFileEntry(raw)
	require.Nil(t, derr)
	require.Equal(t, want.SecondaryCount, got.SecondaryCount)
	require.Equal(t, want.FileAttributes, got.FileAttributes)
	require.Equal(t, want.CreateTimestamp, got.CreateTimestamp)
	require.Equal(t, want.ModifiedTimestamp, got.ModifiedTimestamp)
}

func TestStreamExtensionEntryEncodeDecodeRoundTrip(t *testing.T) {
	want := StreamExtensionEntry{
		Flags:           3,
		NameLength:      8,
		NameHash:        0x1234,
		ValidDataLength: 4096,
		FirstCluster:    vfat.ClusterID(10),
		DataLength:      4096,
	}
	raw, err := EncodeStreamExtensionEntry(want)
	require.Nil(t, err)
	require.Equal(t, uint8(EntryTypeStreamExtension), raw[0])

	got, derr := DecodeStreamExtensionEntry(raw)
	require.Nil(t, derr)
	require.Equal(t, want, got)
}

func TestFileNameEntryEncodeDecodeRoundTrip(t *testing.T) {
	var frag FileNameEntry
	copy(frag.FileName[:], EncodeName("HELLO.TXT"))

	raw, err := EncodeFileNameEntry(frag)
	require.Nil(t, err)
	require.Equal(t, uint8(EntryTypeFileName), raw[0])

	got, derr := DecodeFileNameEntry(raw)
	require.Nil(t, derr)
	require.Equal(t, frag.FileName, got.FileName)
}

func TestEncodeNameFragmentsAndDecodeUTF16Name(t *testing.T) {
	name := "a_name_that_is_definitely_longer_than_fifteen_characters.txt"
	units := EncodeName(name)
	fragments := EncodeNameFragments(units)
	require.Greater(t, len(fragments), 1)

	got := DecodeUTF16Name(fragments, uint8(len(units)))
	require.Equal(t, name, got)
}

func TestEntrySetChecksumSkipsItsOwnField(t *testing.T) {
	primary := make([]byte, 32)
	primary[0] = byte(EntryTypeFile)
	primary[2], primary[3] = 0xAB, 0xCD // SetChecksum bytes, must be ignored
	secondary := make([]byte, 32)
	secondary[0] = byte(EntryTypeStreamExtension)

	sum1 := entrySetChecksum([][]byte{primary, secondary})

	primary2 := append([]byte(nil), primary...)
	primary2[2], primary2[3] = 0x00, 0x00
	sum2 := entrySetChecksum([][]byte{primary2, secondary})

	require.Equal(t, sum1, sum2)
}

func TestNameHashIsCaseInsensitive(t *testing.T) {
	table := DefaultUpcaseTable()
	h1 := nameHash(table.Normalize(EncodeName("Report.txt")))
	h2 := nameHash(table.Normalize(EncodeName("REPORT.TXT")))
	require.Equal(t, h1, h2)
}

func TestTimestampPackUnpackRoundTrip(t *testing.T) {
	original := time.Date(2023, 11, 2, 14, 6, 30, 0, time.UTC)
	packed := TimestampFromTime(original)

	require.Equal(t, 2023, packed.Year())
	require.Equal(t, 11, packed.Month())
	require.Equal(t, 2, packed.Day())
	require.Equal(t, 14, packed.Hour())
	require.Equal(t, 6, packed.Minute())
	require.Equal(t, 30, packed.Second())
}

func TestTimestampZeroMeansUndefined(t *testing.T) {
	var zero Timestamp
	require.Equal(t, vfat.UndefinedTimestamp, zero.WithOffset(0x80))
}

func TestUtcOffsetInvalidDefaultsToZeroMinutes(t *testing.T) {
	var invalid UtcOffset
	require.False(t, invalid.Valid())
	require.Equal(t, 0, invalid.Minutes())
}

func TestUtcOffsetNegativeMinutes(t *testing.T) {
	// -60 minutes as a 7-bit two's complement value, valid bit set.
	offset := UtcOffset(0x80 | 0x7C) // 0x7C is -4 in 7 bits; -4 * 15min = -60min
	require.Equal(t, -60, offset.Minutes())
}
