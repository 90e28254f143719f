package partition_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/maxpat78/FATtools/partition"
	"github.com/stretchr/testify/require"
)

func TestCreateAndReadGPTRoundTrips(t *testing.T) {
	disk := newDisk(t, 4096)
	diskGUID := uuid.New()
	partGUID := uuid.New()
	typeGUID := uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7") // basic data partition

	entries := []partition.GPTEntry{
		{TypeGUID: typeGUID, UniqueGUID: partGUID, StartLBA: 40, EndLBA: 2000, Name: "DATA"},
	}
	require.Nil(t, partition.CreateGPT(disk, diskGUID, entries))

	gpt, err := partition.ReadGPT(disk)
	require.Nil(t, err)
	require.Equal(t, diskGUID, gpt.DiskGUID)
	require.Len(t, gpt.Entries, 1)
	require.Equal(t, "DATA", gpt.Entries[0].Name)
	require.Equal(t, typeGUID, gpt.Entries[0].TypeGUID)
	require.Equal(t, uint64(40), gpt.Entries[0].StartLBA)
	require.Equal(t, uint64(2000), gpt.Entries[0].EndLBA)
}

func TestReadGPTDetectsHeaderCorruption(t *testing.T) {
	disk := newDisk(t, 4096)
	require.Nil(t, partition.CreateGPT(disk, uuid.New(), nil))

	// Corrupt a byte inside the primary header after creation.
	raw, err := disk.Read(512, 512)
	require.Nil(t, err)
	raw[40] ^= 0xFF
	require.Nil(t, disk.Write(512, raw))

	_, rerr := partition.ReadGPT(disk)
	require.NotNil(t, rerr)
}
