package cache_test

import (
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/stretchr/testify/require"
)

func newContainer(t *testing.T) *block.MemoryContainer {
	c, err := block.NewMemoryContainer(8*512, 512)
	require.Nil(t, err)
	return c
}

func TestCacheSmallAlignedWriteIsCoalesced(t *testing.T) {
	container := newContainer(t)
	c := cache.New(container, 4)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	require.Nil(t, c.Write(512, payload))

	// Not yet flushed: the underlying container still reads zeros.
	raw, err := container.Read(512, 512)
	require.Nil(t, err)
	require.Equal(t, make([]byte, 512), raw)

	readBack := make([]byte, 100)
	require.Nil(t, c.Read(512, readBack))
	require.Equal(t, payload, readBack)

	require.Nil(t, c.Flush())
	raw, err = container.Read(512, 512)
	require.Nil(t, err)
	require.Equal(t, payload, raw[:100])
}

func TestCacheCapacityTriggersFlushAllAndReset(t *testing.T) {
	container := newContainer(t)
	c := cache.New(container, 2)

	for i := int64(0); i < 3; i++ {
		require.Nil(t, c.Write(i*512, []byte{byte(i + 1)}))
	}

	// All three writes must have reached the container: the third write
	// forced a capacity flush of the first two before loading a fresh slot.
	for i := int64(0); i < 2; i++ {
		raw, err := container.Read(i*512, 512)
		require.Nil(t, err)
		require.Equal(t, byte(i+1), raw[0])
	}

	require.Nil(t, c.Flush())
	raw, err := container.Read(2*512, 512)
	require.Nil(t, err)
	require.Equal(t, byte(3), raw[0])
}

func TestCacheLargeIOBypasses(t *testing.T) {
	container := newContainer(t)
	c := cache.New(container, 4)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = 0xAB
	}
	require.Nil(t, c.Write(0, payload))

	raw, err := container.Read(0, 1024)
	require.Nil(t, err)
	require.Equal(t, payload, raw)
}
