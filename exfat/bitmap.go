package exfat

import (
	"github.com/boljen/go-bitmap"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

// AllocationBitmap is the authoritative free-cluster record for an
// exFAT volume: one bit per cluster, 0 meaning free, backed by the
// Allocation Bitmap directory entry (type 0x81) in the root directory.
// Unlike fat.Table, which scans every FAT entry to rebuild its free
// map, an exFAT volume's FAT is mostly unused (contiguous files are
// NoFatChain and carry no FAT entries at all), so the bitmap — not the
// FAT — is what mount-time free-space discovery reads.
type AllocationBitmap struct {
	cache        *cache.Cache
	byteOffset   int64
	totalClusters uint64
	bits         bitmap.Bitmap
	freeMap      *rle.Map
}

// LoadAllocationBitmap reads the bitmap's DataLength bytes starting at
// firstCluster's byte offset and builds the free-run map by scanning it.
func LoadAllocationBitmap(c *cache.Cache, geometry *Geometry, firstCluster vfat.ClusterID, totalClusters uint64) (*AllocationBitmap, errors.DriverError) {
	byteOffset := geometry.ClusterByteOffset(firstCluster)
	byteLen := int((totalClusters + 7) / 8)

	raw := make([]byte, byteLen)
	if err := c.Read(byteOffset, raw); err != nil {
		return nil, err
	}

	ab := &AllocationBitmap{
		cache:         c,
		byteOffset:    byteOffset,
		totalClusters: totalClusters,
		bits:          bitmap.Bitmap(raw),
		freeMap:       rle.NewMap(),
	}

	var runStart uint64
	inRun := false
	for i := uint64(0); i < totalClusters; i++ {
		if !ab.bits.Get(int(i)) {
			if !inRun {
				runStart = i
				inRun = true
			}
		} else if inRun {
			ab.freeMap.Insert(runStart, i-runStart)
			inRun = false
		}
	}
	if inRun {
		ab.freeMap.Insert(runStart, totalClusters-runStart)
	}

	return ab, nil
}

// clusterBit maps a ClusterID (counting from 2) to its bit index
// (counting from 0).
func clusterBit(cluster vfat.ClusterID) uint64 { return uint64(cluster - vfat.ClusterFirstValid) }

// IsFree reports whether cluster's bit is clear.
func (ab *AllocationBitmap) IsFree(cluster vfat.ClusterID) bool {
	return !ab.bits.Get(int(clusterBit(cluster)))
}

// setRun marks [start, start+length) allocated or free in both the bit
// array and the backing store; the backing write goes through the
// sector cache so it coalesces with nearby bitmap updates the same way
// a FAT mirror write does.
func (ab *AllocationBitmap) setRun(start vfat.ClusterID, length uint64, allocated bool) errors.DriverError {
	for i := uint64(0); i < length; i++ {
		ab.bits.Set(int(clusterBit(start)+i), allocated)
	}
	firstByte := int(clusterBit(start)) / 8
	lastByte := int(clusterBit(start)+length-1)/8 + 1
	return ab.cache.Write(ab.byteOffset+int64(firstByte), []byte(ab.bits[firstByte:lastByte]))
}

// Allocate reserves `count` clusters from the free map, marks them
// allocated in the bitmap, and reports whether the whole request landed
// in one contiguous run (letting the caller use NoFatChain) or had to be
// satisfied from multiple runs (requiring an explicit FAT chain).
func (ab *AllocationBitmap) Allocate(count uint64, near vfat.ClusterID) (runs []rle.Run, contiguous bool, err errors.DriverError) {
	if count == 0 {
		return nil, true, nil
	}
	allocated, allocErr := ab.freeMap.Allocate(count, clusterBit(near))
	if allocErr != nil {
		return nil, false, errors.NoSpace.WrapError(allocErr)
	}
	for _, r := range allocated {
		if serr := ab.setRun(vfat.ClusterID(r.Start)+vfat.ClusterFirstValid, r.Length, true); serr != nil {
			return nil, false, serr
		}
	}
	return allocated, len(allocated) == 1, nil
}

// Free releases a single contiguous run of `length` clusters starting
// at `start` back to the free map and clears their bitmap bits.
func (ab *AllocationBitmap) Free(start vfat.ClusterID, length uint64) errors.DriverError {
	if length == 0 {
		return nil
	}
	if err := ab.setRun(start, length, false); err != nil {
		return err
	}
	ab.freeMap.Insert(clusterBit(start), length)
	return nil
}

// FreeClusters returns the number of clusters currently marked free.
func (ab *AllocationBitmap) FreeClusters() uint64 { return ab.freeMap.Total() }

// FreeRuns returns the free-cluster extents as absolute cluster numbers,
// converting from the bitmap's own bit-offset-from-cluster-2 indexing.
func (ab *AllocationBitmap) FreeRuns() []rle.Run {
	bitRuns := ab.freeMap.Runs()
	out := make([]rle.Run, len(bitRuns))
	for i, r := range bitRuns {
		out[i] = rle.Run{Start: r.Start + uint64(vfat.ClusterFirstValid), Length: r.Length}
	}
	return out
}

// FreeList releases a set of clusters that aren't necessarily contiguous
// with one another, such as a FAT chain's member clusters discovered by
// a walk. Each cluster is freed individually since the caller can't
// offer a single run.
func (ab *AllocationBitmap) FreeList(clusters []vfat.ClusterID) errors.DriverError {
	for _, cluster := range clusters {
		if err := ab.Free(cluster, 1); err != nil {
			return err
		}
	}
	return nil
}
