package partition_test

import (
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/partition"
	"github.com/stretchr/testify/require"
)

func newDisk(t *testing.T, sectors int64) *block.MemoryContainer {
	c, err := block.NewMemoryContainer(sectors*512, 512)
	require.Nil(t, err)
	return c
}

func TestCreateAndReadMBRRoundTrips(t *testing.T) {
	disk := newDisk(t, 2048)

	entries := []partition.MBREntry{
		{Bootable: true, Type: 0x0C, StartLBA: 2048 / 2, LengthLBA: 512},
		{Type: 0x83, StartLBA: 1536, LengthLBA: 512},
	}
	require.Nil(t, partition.CreateMBR(disk, 0xDEADBEEF, entries))

	mbr, err := partition.ReadMBR(disk)
	require.Nil(t, err)
	require.Equal(t, uint32(0xDEADBEEF), mbr.DiskSignature)
	require.Equal(t, entries, mbr.Entries)
}

func TestReadMBRRejectsMissingSignature(t *testing.T) {
	disk := newDisk(t, 16)
	_, err := partition.ReadMBR(disk)
	require.NotNil(t, err)
	require.Equal(t, errors.BadFormat, err.Kind())
}

func TestViewRejectsWritePastBoundary(t *testing.T) {
	disk := newDisk(t, 16)
	view := partition.NewView(disk, 4, 4) // sectors [4,8)

	err := view.Write(4*512, make([]byte, 512))
	require.NotNil(t, err)
}

func TestViewReadWriteStaysWithinWindow(t *testing.T) {
	disk := newDisk(t, 16)
	view := partition.NewView(disk, 4, 4)

	payload := make([]byte, 512)
	payload[0] = 0x42
	require.Nil(t, view.Write(512, payload))

	raw, err := disk.Read(5*512, 512)
	require.Nil(t, err)
	require.Equal(t, payload, raw)
}
