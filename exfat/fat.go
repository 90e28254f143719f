package exfat

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

const (
	fatEntryFree vfat.ClusterID = 0
	fatEntryBad  vfat.ClusterID = 0xFFFFFFF7
	fatEntryEOF  vfat.ClusterID = 0xFFFFFFFF
)

// Fat is the exFAT FAT: consulted only for clusters whose directory
// entry has NoFatChain cleared, since NoFatChain's whole point is to
// let contiguous files skip the FAT entirely. Entries are always 32
// bits wide and unmasked — exFAT, unlike FAT32, doesn't reserve the top
// 4 bits of an entry for anything.
type Fat struct {
	cache    *cache.Cache
	geometry *Geometry
	chains   map[vfat.ClusterID][]vfat.ClusterID
}

// NewFat wraps the first FAT copy; geometry.TexFATShadowed() must be
// false (checked at OpenVolume time) since a second, TexFAT-managed copy
// is never written here.
func NewFat(c *cache.Cache, geometry *Geometry) *Fat {
	return &Fat{cache: c, geometry: geometry, chains: make(map[vfat.ClusterID][]vfat.ClusterID)}
}

func (f *Fat) get(cluster vfat.ClusterID) (vfat.ClusterID, errors.DriverError) {
	buf := make([]byte, 4)
	if err := f.cache.Read(f.geometry.FatByteOffset(0, cluster), buf); err != nil {
		return 0, err
	}
	return vfat.ClusterID(binary.LittleEndian.Uint32(buf)), nil
}

func (f *Fat) set(cluster vfat.ClusterID, value vfat.ClusterID) errors.DriverError {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(value))
	if err := f.cache.Write(f.geometry.FatByteOffset(0, cluster), buf); err != nil {
		return err
	}
	f.chains = make(map[vfat.ClusterID][]vfat.ClusterID)
	return nil
}

// Chain walks the explicit FAT chain starting at start, memoized like
// fat.Table.Chain.
func (f *Fat) Chain(start vfat.ClusterID) ([]vfat.ClusterID, errors.DriverError) {
	if cached, ok := f.chains[start]; ok {
		return cached, nil
	}
	var chain []vfat.ClusterID
	cluster := start
	for {
		chain = append(chain, cluster)
		next, err := f.get(cluster)
		if err != nil {
			return nil, err
		}
		switch next {
		case fatEntryEOF:
			f.chains[start] = chain
			return chain, nil
		case fatEntryFree, fatEntryBad:
			return nil, errors.InconsistentFS.WithMessage("exFAT cluster chain references a free or bad cluster")
		default:
			cluster = next
		}
	}
}

// LinkChain writes FAT entries chaining clusters together in order and
// terminating with EOF, materializing a chain for a set of clusters that
// couldn't be allocated contiguously (so NoFatChain can't be used).
func (f *Fat) LinkChain(clusters []vfat.ClusterID) errors.DriverError {
	for i := 0; i < len(clusters)-1; i++ {
		if err := f.set(clusters[i], clusters[i+1]); err != nil {
			return err
		}
	}
	if len(clusters) > 0 {
		if err := f.set(clusters[len(clusters)-1], fatEntryEOF); err != nil {
			return err
		}
	}
	return nil
}

// ClearChain zeroes the FAT entries for a chain being freed or converted
// to NoFatChain representation; it does not touch the allocation bitmap.
func (f *Fat) ClearChain(start vfat.ClusterID) errors.DriverError {
	chain, err := f.Chain(start)
	if err != nil {
		return err
	}
	for _, cluster := range chain {
		if err := f.set(cluster, fatEntryFree); err != nil {
			return err
		}
	}
	return nil
}

// TruncateChain cuts the chain starting at start so it holds exactly
// keep clusters, zeroing the FAT entries of the remainder and returning
// the freed clusters so the caller can return them to the allocation
// bitmap. A no-op, returning nil, if keep is at or past the chain's
// current length.
func (f *Fat) TruncateChain(start vfat.ClusterID, keep uint64) ([]vfat.ClusterID, errors.DriverError) {
	chain, err := f.Chain(start)
	if err != nil {
		return nil, err
	}
	if uint64(len(chain)) <= keep {
		return nil, nil
	}
	if keep == 0 {
		if err := f.ClearChain(start); err != nil {
			return nil, err
		}
		return chain, nil
	}

	if err := f.set(chain[keep-1], fatEntryEOF); err != nil {
		return nil, err
	}
	freed := chain[keep:]
	for _, cluster := range freed {
		if err := f.set(cluster, fatEntryFree); err != nil {
			return nil, err
		}
	}
	return freed, nil
}
