package fat

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

// CloseCallback publishes a handle's final size and first cluster back
// to the directory entry it was opened from.
type CloseCallback func(size uint64, firstCluster vfat.ClusterID) errors.DriverError

// Handle is an open file: a byte-addressable view over a cluster chain,
// with a seek position and lazy, allocate-on-write extension. The zero
// value is not usable; construct with OpenHandle.
type Handle struct {
	store    *cache.Cache
	table    *Table
	geometry *Geometry
	mode     HandleMode

	firstCluster vfat.ClusterID
	size         uint64
	pos          uint64

	// chain is the cluster chain discovered so far, grown lazily: a fully
	// read sequential stream only ever walks the FAT once per cluster
	// instead of re-resolving position-to-cluster from scratch.
	chain []vfat.ClusterID

	onClose CloseCallback
}

// OpenHandle creates a Handle over the cluster chain starting at
// firstCluster (ClusterFree for a brand new, still-empty file) with the
// given declared size. onClose, if non-nil, is invoked by Close with the
// handle's final size and first cluster.
func OpenHandle(store *cache.Cache, table *Table, geometry *Geometry, firstCluster vfat.ClusterID, size uint64, mode HandleMode, onClose CloseCallback) *Handle {
	return &Handle{
		store:        store,
		table:        table,
		geometry:     geometry,
		mode:         mode,
		firstCluster: firstCluster,
		size:         size,
		onClose:      onClose,
	}
}

// ensureChainLoaded grows h.chain, by walking the FAT, until it has at
// least `count` clusters or the chain is exhausted.
func (h *Handle) ensureChainLoaded(count int) errors.DriverError {
	if h.firstCluster == vfat.ClusterFree || len(h.chain) >= count {
		return nil
	}
	full, err := h.table.Chain(h.firstCluster)
	if err != nil {
		return err
	}
	h.chain = full
	return nil
}

// extendTo grows the chain so it has at least `count` clusters,
// allocating new ones as needed.
func (h *Handle) extendTo(count int) errors.DriverError {
	if err := h.ensureChainLoaded(count); err != nil {
		return err
	}
	if len(h.chain) >= count {
		return nil
	}

	needed := uint64(count - len(h.chain))
	if len(h.chain) == 0 {
		newClusters, err := h.table.Alloc(needed, vfat.ClusterFirstValid)
		if err != nil {
			return err
		}
		h.firstCluster = newClusters[0]
		h.chain = newClusters
		return nil
	}

	tail := h.chain[len(h.chain)-1]
	newClusters, err := h.table.Extend(tail, needed, tail+1)
	if err != nil {
		return err
	}
	h.chain = append(h.chain, newClusters...)
	return nil
}

// Seek sets the position for the next Read/Write, per io.Seeker's whence
// values (0 start, 1 current, 2 end). A negative resulting position is
// rejected; there is no upper bound, matching the "positions in [0, inf)"
// contract — a seek past the current size is allowed and simply makes the
// next Write extend the chain to cover the gap.
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
// returns (0, nil), matching an EOF-less short read.
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
// length (lazy extension). The declared size grows if the write extends
// past it.
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

// Truncate resizes the file to exactly newSize bytes. Shrinking frees the
// clusters beyond the cut point; growing reserves the additional
// clusters without zeroing them (callers needing zeroed content must
// write explicitly), except that Close always zeroes the unused tail of
// the final cluster so no prior content leaks past the declared size.
func (h *Handle) Truncate(newSize uint64) errors.DriverError {
	if !h.mode.canWrite() {
		return errors.ReadOnly.WithMessage("handle was not opened for writing")
	}

	if newSize == 0 {
		if h.firstCluster != vfat.ClusterFree {
			if err := h.table.FreeChain(h.firstCluster); err != nil {
				return err
			}
		}
		h.firstCluster = vfat.ClusterFree
		h.chain = nil
		h.size = 0
		if h.pos > 0 {
			h.pos = 0
		}
		return nil
	}

	neededClusters := int((newSize + h.geometry.BytesPerCluster - 1) / h.geometry.BytesPerCluster)
	if newSize <= h.size {
		if err := h.ensureChainLoaded(neededClusters); err != nil {
			return err
		}
		if len(h.chain) > neededClusters {
			if err := h.table.TruncateChain(h.firstCluster, uint64(neededClusters)); err != nil {
				return err
			}
			h.chain = h.chain[:neededClusters]
		}
	} else {
		if err := h.extendTo(neededClusters); err != nil {
			return err
		}
	}

	h.size = newSize
	if h.pos > h.size {
		h.pos = h.size
	}
	return nil
}

// zeroTail clears the unused bytes of the final cluster beyond the
// declared size, so a later Truncate-extend or a crash-recovered scan
// never exposes prior cluster content.
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
// and publishes the final size and first cluster via onClose.
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
		if err := h.onClose(h.size, h.firstCluster); err != nil {
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
	return func(size uint64, firstCluster vfat.ClusterID) errors.DriverError {
		return dir.UpdateStat(name, uint32(size), firstCluster, now)
	}
}
