package vdi

import (
	"bytes"
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T) block.Container {
	t.Helper()
	host, err := block.NewMemoryContainer(0, sectorSize)
	require.Nil(t, err)
	return host
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	const guestSize = 16 * 1024 * 1024
	host := newHost(t)

	disk, cerr := Create(host, guestSize, 1024*1024)
	require.Nil(t, cerr)
	require.Equal(t, int64(guestSize), disk.Size())

	reopened, operr := Open(host, true)
	require.Nil(t, operr)
	require.Equal(t, int64(guestSize), reopened.Size())
	require.Equal(t, int64(1024*1024), reopened.BlockSize())
}

func TestReadBeforeAnyWriteIsZero(t *testing.T) {
	const guestSize = 4 * 1024 * 1024
	host := newHost(t)
	disk, cerr := Create(host, guestSize, 1024*1024)
	require.Nil(t, cerr)

	got, rerr := disk.Read(sectorSize, sectorSize)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(make([]byte, sectorSize), got))
}

func TestWriteAllocatesBlockOnMiss(t *testing.T) {
	const guestSize = 4 * 1024 * 1024
	host := newHost(t)
	disk, cerr := Create(host, guestSize, 1024*1024)
	require.Nil(t, cerr)

	payload := bytes.Repeat([]byte{0x99}, sectorSize)
	require.Nil(t, disk.Write(0, payload))

	got, rerr := disk.Read(0, sectorSize)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(payload, got))

	hostOffset, allocated, lerr := disk.Lookup(0)
	require.Nil(t, lerr)
	require.True(t, allocated)
	require.Greater(t, hostOffset, int64(0))
}

func TestTwoBlocksStayDistinctAfterReopen(t *testing.T) {
	const guestSize = 4 * 1024 * 1024
	host := newHost(t)
	disk, cerr := Create(host, guestSize, 1024*1024)
	require.Nil(t, cerr)

	blockSize := disk.BlockSize()
	a := bytes.Repeat([]byte{0x11}, sectorSize)
	b := bytes.Repeat([]byte{0x22}, sectorSize)
	require.Nil(t, disk.Write(0, a))
	require.Nil(t, disk.Write(blockSize, b))

	reopened, operr := Open(host, true)
	require.Nil(t, operr)
	gotA, _ := reopened.Read(0, sectorSize)
	gotB, _ := reopened.Read(blockSize, sectorSize)
	require.True(t, bytes.Equal(a, gotA))
	require.True(t, bytes.Equal(b, gotB))
}

func TestBadSignatureRejectsOpen(t *testing.T) {
	const guestSize = 2 * 1024 * 1024
	host := newHost(t)
	_, cerr := Create(host, guestSize, 1024*1024)
	require.Nil(t, cerr)

	raw, rerr := host.Read(0, sectorSize)
	require.Nil(t, rerr)
	raw[sigOffset] ^= 0xFF
	require.Nil(t, host.Write(0, raw))

	_, operr := Open(host, true)
	require.NotNil(t, operr)
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	const guestSize = 2 * 1024 * 1024
	host := newHost(t)
	disk, cerr := Create(host, guestSize, 1024*1024)
	require.Nil(t, cerr)
	disk.readOnly = true

	werr := disk.Write(0, make([]byte, sectorSize))
	require.NotNil(t, werr)
}
