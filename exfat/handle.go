package exfat

import (
	"time"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// HandleMode is the access mode a Handle was opened with.
type HandleMode int

const (
	OpenRead HandleMode = iota
	OpenWrite
	OpenReadWrite
	closed
)

func (m HandleMode) canRead() bool  { return m == OpenRead || m == OpenReadWrite }
func (m HandleMode) canWrite() bool { return m == OpenWrite || m == OpenReadWrite }

// CloseCallback publishes a handle's final size, first cluster and
// NoFatChain state back to the directory entry it was opened from.
type CloseCallback func(size uint64, firstCluster vfat.ClusterID, noFatChain bool) errors.DriverError

// Handle is an open file: a byte-addressable view over a data stream
// that may be either an implicit contiguous run (NoFatChain) or an
// explicit FAT chain, with a seek position and lazy, allocate-on-write
// extension. The zero value is not usable; construct with OpenHandle.
type Handle struct {
	store    *cache.Cache
	fat      *Fat
	bitmap   *AllocationBitmap
	geometry *Geometry
	mode     HandleMode

	firstCluster vfat.ClusterID
	noFatChain   bool
	size         uint64
	pos          uint64

	// chain is the cluster list discovered so far: computed formulaically
	// for a NoFatChain stream, walked from the FAT for an explicit one.
	chain []vfat.ClusterID

	onClose CloseCallback
}

// OpenHandle creates a Handle over the data stream starting at
// firstCluster (ClusterFree for a brand new, still-empty file) with the
// given declared size and NoFatChain state. onClose, if non-nil, is
// invoked by Close with the handle's final size, first cluster and
// NoFatChain state.
func OpenHandle(store *cache.Cache, fat *Fat, bitmap *AllocationBitmap, geometry *Geometry, firstCluster vfat.ClusterID, size uint64, noFatChain bool, mode HandleMode, onClose CloseCallback) *Handle {
	return &Handle{
		store:        store,
		fat:          fat,
		bitmap:       bitmap,
		geometry:     geometry,
		mode:         mode,
		firstCluster: firstCluster,
		noFatChain:   noFatChain,
		size:         size,
		onClose:      onClose,
	}
}

// ensureChainLoaded grows h.chain until it has at least `count` clusters
// or the stream's real extent is exhausted.
func (h *Handle) ensureChainLoaded(count int) errors.DriverError {
	if h.firstCluster == vfat.ClusterFree || len(h.chain) >= count {
		return nil
	}
	if h.noFatChain {
		chain, err := ResolveChain(h.fat, h.firstCluster, h.size, h.geometry.BytesPerCluster, true)
		if err != nil {
			return err
		}
		h.chain = chain
		return nil
	}
	chain, err := h.fat.Chain(h.firstCluster)
	if err != nil {
		return err
	}
	h.chain = chain
	return nil
}

// extendTo grows the chain so it has at least `count` clusters,
// allocating new ones as needed. A NoFatChain stream stays NoFatChain
// only as long as its extension lands immediately after its current
// tail; any other outcome converts it to an explicit FAT chain.
func (h *Handle) extendTo(count int) errors.DriverError {
	if err := h.ensureChainLoaded(count); err != nil {
		return err
	}
	if len(h.chain) >= count {
		return nil
	}
	needed := uint64(count - len(h.chain))

	if len(h.chain) == 0 {
		first, clusters, contiguous, err := AllocateExtent(h.bitmap, h.fat, needed, vfat.ClusterFirstValid)
		if err != nil {
			return err
		}
		h.firstCluster = first
		h.chain = clusters
		h.noFatChain = contiguous
		return nil
	}

	tail := h.chain[len(h.chain)-1]
	_, newClusters, contiguous, err := AllocateExtent(h.bitmap, h.fat, needed, tail+1)
	if err != nil {
		return err
	}

	if h.noFatChain && contiguous && newClusters[0] == tail+1 {
		h.chain = append(h.chain, newClusters...)
		return nil
	}

	full := append(append([]vfat.ClusterID{}, h.chain...), newClusters...)
	if err := h.fat.LinkChain(full); err != nil {
		return err
	}
	h.chain = full
	h.noFatChain = false
	return nil
}

// Seek sets the position for the next Read/Write, per io.Seeker's whence
// values (0 start, 1 current, 2 end).
func (h *Handle) Seek(offset int64, whence int) (int64, errors.DriverError) {
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = int64(h.pos)
	case 2:
		base = int64(h.size)
	default:
		return 0, errors.IOError.WithMessage("invalid whence value")
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, errors.IOError.WithMessage("resulting seek position is negative")
	}
	h.pos = uint64(newPos)
	return newPos, nil
}

// Read fills buffer starting at the current position, returning the
// number of bytes actually read. Reading at or past the declared size
// returns (0, nil).
func (h *Handle) Read(buffer []byte) (int, errors.DriverError) {
	if !h.mode.canRead() {
		return 0, errors.ReadOnly.WithMessage("handle was not opened for reading")
	}
	if h.pos >= h.size {
		return 0, nil
	}

	toRead := uint64(len(buffer))
	if h.pos+toRead > h.size {
		toRead = h.size - h.pos
	}

	lastClusterIndex := int((h.pos + toRead - 1) / h.geometry.BytesPerCluster)
	if err := h.ensureChainLoaded(lastClusterIndex + 1); err != nil {
		return 0, err
	}

	var read uint64
	for read < toRead {
		absPos := h.pos + read
		clusterIndex := int(absPos / h.geometry.BytesPerCluster)
		offsetInCluster := absPos % h.geometry.BytesPerCluster
		chunk := h.geometry.BytesPerCluster - offsetInCluster
		if chunk > toRead-read {
			chunk = toRead - read
		}

		cluster := h.chain[clusterIndex]
		byteOffset := h.geometry.ClusterByteOffset(cluster) + int64(offsetInCluster)
		if err := h.store.Read(byteOffset, buffer[read:read+chunk]); err != nil {
			return int(read), err
		}
		read += chunk
	}

	h.pos += read
	return int(read), nil
}

// Write writes buffer starting at the current position, allocating new
// clusters as needed when the write extends past the current chain
// length. The declared size grows if the write extends past it.
func (h *Handle) Write(buffer []byte) (int, errors.DriverError) {
	if !h.mode.canWrite() {
		return 0, errors.ReadOnly.WithMessage("handle was not opened for writing")
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	endPos := h.pos + uint64(len(buffer))
	lastClusterIndex := int((endPos - 1) / h.geometry.BytesPerCluster)
	if err := h.extendTo(lastClusterIndex + 1); err != nil {
		return 0, err
	}

	var written uint64
	total := uint64(len(buffer))
	for written < total {
		absPos := h.pos + written
		clusterIndex := int(absPos / h.geometry.BytesPerCluster)
		offsetInCluster := absPos % h.geometry.BytesPerCluster
		chunk := h.geometry.BytesPerCluster - offsetInCluster
		if chunk > total-written {
			chunk = total - written
		}

		cluster := h.chain[clusterIndex]
		byteOffset := h.geometry.ClusterByteOffset(cluster) + int64(offsetInCluster)
		if err := h.store.Write(byteOffset, buffer[written:written+chunk]); err != nil {
			return int(written), err
		}
		written += chunk
	}

	h.pos += written
	if h.pos > h.size {
		h.size = h.pos
	}
	return int(written), nil
}

// Truncate resizes the stream to exactly newSize bytes. Shrinking frees
// the clusters beyond the cut point; growing reserves additional
// clusters without zeroing them, except that Close always zeroes the
// unused tail of the final cluster.
func (h *Handle) Truncate(newSize uint64) errors.DriverError {
	if !h.mode.canWrite() {
		return errors.ReadOnly.WithMessage("handle was not opened for writing")
	}

	if newSize == 0 {
		if h.firstCluster != vfat.ClusterFree {
			clusterCount := (h.size + h.geometry.BytesPerCluster - 1) / h.geometry.BytesPerCluster
			if err := FreeExtent(h.bitmap, h.fat, h.firstCluster, clusterCount, h.noFatChain); err != nil {
				return err
			}
		}
		h.firstCluster = vfat.ClusterFree
		h.noFatChain = true
		h.chain = nil
		h.size = 0
		if h.pos > 0 {
			h.pos = 0
		}
		return nil
	}

	neededClusters := (newSize + h.geometry.BytesPerCluster - 1) / h.geometry.BytesPerCluster
	if newSize <= h.size {
		if err := h.ensureChainLoaded(int(neededClusters)); err != nil {
			return err
		}
		if uint64(len(h.chain)) > neededClusters {
			freed := h.chain[neededClusters:]
			if h.noFatChain {
				if err := h.bitmap.Free(freed[0], uint64(len(freed))); err != nil {
					return err
				}
			} else {
				freedByFat, err := h.fat.TruncateChain(h.firstCluster, neededClusters)
				if err != nil {
					return err
				}
				if err := h.bitmap.FreeList(freedByFat); err != nil {
					return err
				}
			}
			h.chain = h.chain[:neededClusters]
		}
	} else {
		if err := h.extendTo(int(neededClusters)); err != nil {
			return err
		}
	}

	if h.noFatChain && newSize%h.geometry.BytesPerCluster != 0 {
		if err := h.fat.LinkChain(h.chain); err != nil {
			return err
		}
		h.noFatChain = false
	}

	h.size = newSize
	if h.pos > h.size {
		h.pos = h.size
	}
	return nil
}

// zeroTail clears the unused bytes of the final cluster beyond the
// declared size, so a later extension or a crash-recovered scan never
// exposes prior cluster content.
func (h *Handle) zeroTail() errors.DriverError {
	if h.size == 0 || h.firstCluster == vfat.ClusterFree {
		return nil
	}
	usedInLastCluster := h.size % h.geometry.BytesPerCluster
	if usedInLastCluster == 0 {
		return nil
	}

	lastClusterIndex := int(h.size / h.geometry.BytesPerCluster)
	if err := h.ensureChainLoaded(lastClusterIndex + 1); err != nil {
		return err
	}
	cluster := h.chain[lastClusterIndex]
	byteOffset := h.geometry.ClusterByteOffset(cluster) + int64(usedInLastCluster)
	zeroLength := h.geometry.BytesPerCluster - usedInLastCluster

	zeros := make([]byte, zeroLength)
	return h.store.Write(byteOffset, zeros)
}

// Close zeroes the tail of the final cluster, flushes the sector cache,
// and publishes the final size, first cluster and NoFatChain state via
// onClose.
func (h *Handle) Close() errors.DriverError {
	if h.mode == closed {
		return nil
	}
	if h.mode.canWrite() {
		if err := h.zeroTail(); err != nil {
			return err
		}
	}
	if err := h.store.Flush(); err != nil {
		return err
	}
	if h.onClose != nil {
		if err := h.onClose(h.size, h.firstCluster, h.noFatChain); err != nil {
			return err
		}
	}
	h.mode = closed
	return nil
}

// Size returns the handle's current declared size.
func (h *Handle) Size() uint64 { return h.size }

// touchModTime is a convenience CloseCallback wrapper that also stamps
// the directory entry's modification time with the current time; the
// caller supplies `now` so tests and mount-time clock policy stay
// explicit rather than reaching for time.Now() deep inside this package.
func touchModTime(dir *Directory, name string, now time.Time) CloseCallback {
	return func(size uint64, firstCluster vfat.ClusterID, noFatChain bool) errors.DriverError {
		return dir.UpdateStat(name, size, firstCluster, noFatChain, now)
	}
}
