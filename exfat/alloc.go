package exfat

import (
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// AllocateExtent reserves `count` clusters for a data stream, preferring
// a single contiguous run. When the allocation bitmap can satisfy the
// request contiguously, the returned chain can be addressed implicitly
// (NoFatChain) and no FAT entries are written; otherwise the clusters
// are linked into an explicit FAT chain before returning.
func AllocateExtent(bitmap *AllocationBitmap, fat *Fat, count uint64, near vfat.ClusterID) (first vfat.ClusterID, clusters []vfat.ClusterID, noFatChain bool, err errors.DriverError) {
	if count == 0 {
		return vfat.ClusterFree, nil, true, nil
	}
	runs, contiguous, aerr := bitmap.Allocate(count, near)
	if aerr != nil {
		return 0, nil, false, aerr
	}
	for _, r := range runs {
		for i := uint64(0); i < r.Length; i++ {
			clusters = append(clusters, vfat.ClusterID(r.Start+i)+vfat.ClusterFirstValid)
		}
	}
	if !contiguous {
		if err := fat.LinkChain(clusters); err != nil {
			return 0, nil, false, err
		}
	}
	return clusters[0], clusters, contiguous, nil
}

// FreeExtent releases a data stream's clusters back to the allocation
// bitmap, walking the FAT first to discover the full cluster list when
// the stream isn't NoFatChain.
func FreeExtent(bitmap *AllocationBitmap, fat *Fat, firstCluster vfat.ClusterID, clusterCount uint64, noFatChain bool) errors.DriverError {
	if firstCluster == vfat.ClusterFree || clusterCount == 0 {
		return nil
	}
	if noFatChain {
		return bitmap.Free(firstCluster, clusterCount)
	}
	chain, err := fat.Chain(firstCluster)
	if err != nil {
		return err
	}
	if err := fat.ClearChain(firstCluster); err != nil {
		return err
	}
	return bitmap.FreeList(chain)
}

// ResolveChain returns the ordered cluster list backing a data stream:
// an implicit contiguous range for a NoFatChain stream, or a FAT walk
// otherwise.
func ResolveChain(fat *Fat, firstCluster vfat.ClusterID, dataLength uint64, bytesPerCluster uint64, noFatChain bool) ([]vfat.ClusterID, errors.DriverError) {
	if firstCluster == vfat.ClusterFree {
		return nil, nil
	}
	if noFatChain {
		count := (dataLength + bytesPerCluster - 1) / bytesPerCluster
		if count == 0 {
			count = 1
		}
		chain := make([]vfat.ClusterID, count)
		for i := range chain {
			chain[i] = firstCluster + vfat.ClusterID(i)
		}
		return chain, nil
	}
	return fat.Chain(firstCluster)
}

// AllocateFatChain reserves `count` clusters and always links them into
// an explicit FAT chain, ignoring any contiguous run the bitmap could
// have offered. Directories in this implementation are always FAT-chained
// rather than NoFatChain, so OpenDirectory never needs to consult a
// parent entry's NoFatChain flag to resolve its own chain.
func AllocateFatChain(bitmap *AllocationBitmap, fat *Fat, count uint64, near vfat.ClusterID) (vfat.ClusterID, errors.DriverError) {
	runs, _, err := bitmap.Allocate(count, near)
	if err != nil {
		return 0, err
	}
	var clusters []vfat.ClusterID
	for _, r := range runs {
		for i := uint64(0); i < r.Length; i++ {
			clusters = append(clusters, vfat.ClusterID(r.Start+i)+vfat.ClusterFirstValid)
		}
	}
	if err := fat.LinkChain(clusters); err != nil {
		return 0, err
	}
	return clusters[0], nil
}
