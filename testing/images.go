// Package testing provides fixture builders for exercising block, fat,
// exfat and volume against containers that look like real media instead
// of an all-zero buffer, continuing the teacher's testing/images.go and
// testing/blockcache.go idiom of random-backed fixtures.
package testing

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/block"
)

// CreateRandomImage returns sectorSize*totalSectors random bytes. It is
// guaranteed to either return a valid slice or fail the test and abort,
// so a formatter operating on it can never pass by coincidence of an
// all-zero backing buffer.
func CreateRandomImage(t *testing.T, sectorSize, totalSectors int) []byte {
	t.Helper()
	data := make([]byte, sectorSize*totalSectors)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to fill %d sectors of %d bytes with random data", totalSectors, sectorSize)
	return data
}

// NewRandomContainer wraps sizeBytes of fresh random data as a
// block.Container, ready for a formatter to write real structure over.
func NewRandomContainer(t *testing.T, sizeBytes int64, sectorSize int) block.Container {
	t.Helper()
	data := CreateRandomImage(t, sectorSize, int(sizeBytes)/sectorSize)
	c, err := block.WrapMemoryContainer(data, sectorSize, false)
	require.Nil(t, err)
	return c
}
