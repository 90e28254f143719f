package vhd

import (
	"bytes"
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/stretchr/testify/require"
)

func TestCreateFixedRoundTrip(t *testing.T) {
	const guestSize = 64 * 1024
	host, err := block.NewMemoryContainer(guestSize+footerSize, sectorSize)
	require.Nil(t, err)

	disk, cerr := CreateFixed(host, guestSize)
	require.Nil(t, cerr)

	payload := bytes.Repeat([]byte{0xAB}, sectorSize)
	require.Nil(t, disk.Write(sectorSize*3, payload))

	got, rerr := disk.Read(sectorSize*3, sectorSize)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(payload, got))
	require.Equal(t, int64(guestSize), disk.Size())
}

func TestOpenFixedReparsesFooter(t *testing.T) {
	const guestSize = 32 * 1024
	host, err := block.NewMemoryContainer(guestSize+footerSize, sectorSize)
	require.Nil(t, err)
	_, cerr := CreateFixed(host, guestSize)
	require.Nil(t, cerr)

	reopened, operr := Open(host, true, nil)
	require.Nil(t, operr)
	require.Equal(t, int64(guestSize), reopened.Size())
	require.Equal(t, TypeFixed, reopened.diskType)
}

func TestCreateDynamicReadsZerosBeforeAnyWrite(t *testing.T) {
	const guestSize = 16 * 1024 * 1024
	host, err := block.NewMemoryContainer(0, sectorSize)
	require.Nil(t, err)

	disk, cerr := CreateDynamic(host, guestSize, 2)
	require.Nil(t, cerr)

	got, rerr := disk.Read(sectorSize, sectorSize)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(make([]byte, sectorSize), got))
}

func TestDynamicWriteAllocatesBlockOnMiss(t *testing.T) {
	const guestSize = 16 * 1024 * 1024
	host, err := block.NewMemoryContainer(0, sectorSize)
	require.Nil(t, err)

	disk, cerr := CreateDynamic(host, guestSize, 2)
	require.Nil(t, cerr)

	payload := bytes.Repeat([]byte{0x5A}, sectorSize)
	require.Nil(t, disk.Write(0, payload))

	got, rerr := disk.Read(0, sectorSize)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(payload, got))

	hostOffset, ok, lerr := disk.Lookup(0)
	require.Nil(t, lerr)
	require.True(t, ok)
	require.Greater(t, hostOffset, int64(0))
}

func TestDynamicWriteAcrossTwoBlocksKeepsThemDistinct(t *testing.T) {
	const guestSize = 16 * 1024 * 1024
	host, err := block.NewMemoryContainer(0, sectorSize)
	require.Nil(t, err)

	disk, cerr := CreateDynamic(host, guestSize, 2)
	require.Nil(t, cerr)

	blockSize := disk.BlockSize()
	a := bytes.Repeat([]byte{0x11}, sectorSize)
	b := bytes.Repeat([]byte{0x22}, sectorSize)
	require.Nil(t, disk.Write(0, a))
	require.Nil(t, disk.Write(blockSize, b))

	gotA, _ := disk.Read(0, sectorSize)
	gotB, _ := disk.Read(blockSize, sectorSize)
	require.True(t, bytes.Equal(a, gotA))
	require.True(t, bytes.Equal(b, gotB))

	_, allocatedA, _ := disk.Lookup(0)
	_, allocatedB, _ := disk.Lookup(1)
	require.True(t, allocatedA)
	require.True(t, allocatedB)
}

func TestFooterChecksumRejectsCorruption(t *testing.T) {
	const guestSize = 8 * 1024
	host, err := block.NewMemoryContainer(guestSize+footerSize, sectorSize)
	require.Nil(t, err)
	_, cerr := CreateFixed(host, guestSize)
	require.Nil(t, cerr)

	raw, rerr := host.Read(guestSize, footerSize)
	require.Nil(t, rerr)
	raw[20] ^= 0xFF
	require.Nil(t, host.Write(guestSize, raw))

	_, operr := Open(host, true, nil)
	require.NotNil(t, operr)
}

func TestReadOnlyDynamicRejectsWrite(t *testing.T) {
	const guestSize = 4 * 1024 * 1024
	host, err := block.NewMemoryContainer(0, sectorSize)
	require.Nil(t, err)
	disk, cerr := CreateDynamic(host, guestSize, 1)
	require.Nil(t, cerr)
	disk.readOnly = true

	werr := disk.Write(0, make([]byte, sectorSize))
	require.NotNil(t, werr)
}
