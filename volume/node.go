// Package volume composes the block, partition, fat and exfat packages
// into a single filesystem-kind-agnostic interface: Mount recognizes
// whichever of FAT12/16/32 or exFAT a container holds and returns a
// Volume that can list, stat, open, create, remove and rename paths
// without the caller ever branching on which on-disk format it is.
package volume

import (
	"time"

	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

// File is the data-stream side of an open object: read/write/seek over
// a cluster chain plus truncate and close. *fat.Handle and *exfat.Handle
// both already satisfy this directly, with no adapter needed.
type File interface {
	Read(buffer []byte) (int, errors.DriverError)
	Write(buffer []byte) (int, errors.DriverError)
	Seek(offset int64, whence int) (int64, errors.DriverError)
	Truncate(newSize uint64) errors.DriverError
	Close() errors.DriverError
	Size() uint64
}

// nodeEntry is one directory entry as seen by the dirNode layer,
// flattened from whichever of fat.DirEntry / exfat.DirEntry produced it.
type nodeEntry struct {
	Name         string
	Attrs        vfat.FileAttrs
	FirstCluster vfat.ClusterID
	Size         uint64
	NoFatChain   bool
	CreatedAt    time.Time
	ModifiedAt   time.Time
	AccessedAt   time.Time
}

func (e nodeEntry) toFileStat() vfat.FileStat {
	return vfat.FileStat{
		Name:         e.Name,
		Size:         int64(e.Size),
		Attrs:        e.Attrs,
		FirstCluster: e.FirstCluster,
		CreatedAt:    e.CreatedAt,
		LastAccessed: e.AccessedAt,
		LastModified: e.ModifiedAt,
	}
}

// Extent is one contiguous run of clusters backing part of a file's data,
// as reported by dirNode.Extents for fragmentation accounting.
type Extent struct {
	StartCluster vfat.ClusterID
	Length       uint64
}

// groupClusterRuns collapses a cluster chain into its maximal contiguous
// extents. A chain need not already be sorted, but both fat.Table.Chain
// and exfat.Fat.Chain walk in on-disk link order, which is the order a
// reader actually touches clusters in, so no sort is applied here.
func groupClusterRuns(chain []vfat.ClusterID) []Extent {
	if len(chain) == 0 {
		return nil
	}
	out := make([]Extent, 0, len(chain))
	runStart := chain[0]
	runLen := uint64(1)
	for i := 1; i < len(chain); i++ {
		if chain[i] == chain[i-1]+1 {
			runLen++
			continue
		}
		out = append(out, Extent{StartCluster: runStart, Length: runLen})
		runStart = chain[i]
		runLen = 1
	}
	out = append(out, Extent{StartCluster: runStart, Length: runLen})
	return out
}

// dirNode abstracts over fat.Directory and exfat.Directory, whose
// Create/UpdateStat signatures differ (exFAT entries carry a Size and a
// NoFatChain bit that FAT's don't), behind one shared shape the Volume
// code walks paths through without knowing which format it's on.
type dirNode interface {
	Find(name string) (nodeEntry, bool)
	Iter() []nodeEntry
	CreateFile(name string, attrs vfat.FileAttrs, now time.Time) (nodeEntry, errors.DriverError)
	CreateDir(name string, attrs vfat.FileAttrs, now time.Time) (nodeEntry, errors.DriverError)
	Remove(name string) errors.DriverError
	Rename(oldName, newName string) errors.DriverError
	Sort(less func(a, b nodeEntry) bool) errors.DriverError
	OpenHandle(entry nodeEntry, mode openHandleMode) (File, errors.DriverError)
	OpenSubdirectory(entry nodeEntry) (dirNode, errors.DriverError)
	Extents(entry nodeEntry) ([]Extent, errors.DriverError)
	FreeClusters() uint64
	FreeRuns() []rle.Run
	ClusterAllocated(cluster vfat.ClusterID) (bool, errors.DriverError)
}

// openHandleMode mirrors fat.HandleMode/exfat.HandleMode without forcing
// callers to import either package directly.
type openHandleMode int

const (
	modeRead openHandleMode = iota
	modeWrite
	modeReadWrite
)
