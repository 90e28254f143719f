package fat

import (
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func newHandleFixture(t *testing.T) (*cache.Cache, *Table, *Geometry) {
	const bytesPerSector = 512
	const sectorsPerCluster = 2
	const sectorsPerFAT = 2
	const numFATs = 2
	const dataClusters = 10

	container, err := block.NewMemoryContainer(
		int64((1+numFATs*sectorsPerFAT+dataClusters*sectorsPerCluster)*bytesPerSector), bytesPerSector)
	require.Nil(t, err)

	geometry := &Geometry{
		BPB: BPB{
			BytesPerSector:    bytesPerSector,
			SectorsPerCluster: sectorsPerCluster,
			NumFATs:           numFATs,
			sectorsPerFAT16:   sectorsPerFAT,
		},
		Kind:            vfat.FSFAT12,
		FirstFATSector:  1,
		FirstDataSector: 1 + numFATs*sectorsPerFAT,
		TotalClusters:   dataClusters,
		BytesPerCluster: bytesPerSector * sectorsPerCluster,
	}

	c := cache.New(container, 16)
	table, err := NewTable(c, geometry)
	require.Nil(t, err)
	return c, table, geometry
}

func TestHandleWriteReadRoundTrip(t *testing.T) {
	c, table, geometry := newHandleFixture(t)
	h := OpenHandle(c, table, geometry, vfat.ClusterFree, 0, OpenReadWrite, nil)

	payload := make([]byte, 3000) // spans multiple 1024-byte clusters
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := h.Write(payload)
	require.Nil(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, uint64(len(payload)), h.Size())

	_, serr := h.Seek(0, 0)
	require.Nil(t, serr)

	readBack := make([]byte, len(payload))
	n, err = h.Read(readBack)
	require.Nil(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
}

func TestHandleReadPastEndReturnsZero(t *testing.T) {
	c, table, geometry := newHandleFixture(t)
	h := OpenHandle(c, table, geometry, vfat.ClusterFree, 0, OpenReadWrite, nil)

	_, err := h.Write([]byte("hello"))
	require.Nil(t, err)

	_, serr := h.Seek(100, 0)
	require.Nil(t, serr)

	buf := make([]byte, 10)
	n, err := h.Read(buf)
	require.Nil(t, err)
	require.Equal(t, 0, n)
}

func TestHandleTruncateShrinkFreesClusters(t *testing.T) {
	c, table, geometry := newHandleFixture(t)
	h := OpenHandle(c, table, geometry, vfat.ClusterFree, 0, OpenReadWrite, nil)

	_, err := h.Write(make([]byte, 3000))
	require.Nil(t, err)
	freeAfterWrite := table.FreeClusters()

	require.Nil(t, h.Truncate(10))
	require.Equal(t, uint64(10), h.Size())
	require.Greater(t, table.FreeClusters(), freeAfterWrite)
}

func TestHandleTruncateToZeroFreesWholeChain(t *testing.T) {
	c, table, geometry := newHandleFixture(t)
	freeBefore := table.FreeClusters()

	h := OpenHandle(c, table, geometry, vfat.ClusterFree, 0, OpenReadWrite, nil)
	_, err := h.Write(make([]byte, 2000))
	require.Nil(t, err)

	require.Nil(t, h.Truncate(0))
	require.Equal(t, uint64(0), h.Size())
	require.Equal(t, freeBefore, table.FreeClusters())
}

func TestHandleCloseInvokesCallback(t *testing.T) {
	c, table, geometry := newHandleFixture(t)

	var gotSize uint64
	var gotCluster vfat.ClusterID
	h := OpenHandle(c, table, geometry, vfat.ClusterFree, 0, OpenReadWrite, func(size uint64, firstCluster vfat.ClusterID) errors.DriverError {
		gotSize = size
		gotCluster = firstCluster
		return nil
	})

	_, err := h.Write([]byte("data"))
	require.Nil(t, err)
	require.Nil(t, h.Close())
	require.Equal(t, uint64(4), gotSize)
	require.NotEqual(t, vfat.ClusterFree, gotCluster)
}

func TestHandleReadOnlyRejectsWrite(t *testing.T) {
	c, table, geometry := newHandleFixture(t)
	h := OpenHandle(c, table, geometry, vfat.ClusterFree, 0, OpenRead, nil)
	_, err := h.Write([]byte("x"))
	require.NotNil(t, err)
}
