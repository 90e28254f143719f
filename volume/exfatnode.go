package volume

import (
	"time"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/exfat"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

// exfatDirNode adapts a *exfat.Directory to the dirNode interface.
type exfatDirNode struct {
	store    *cache.Cache
	fat      *exfat.Fat
	bitmap   *exfat.AllocationBitmap
	upcase   *exfat.UpcaseTable
	geometry *exfat.Geometry
	dir      *exfat.Directory
}

func newExfatDirNode(store *cache.Cache, f *exfat.Fat, bitmap *exfat.AllocationBitmap, upcase *exfat.UpcaseTable, geometry *exfat.Geometry, dir *exfat.Directory) *exfatDirNode {
	return &exfatDirNode{store: store, fat: f, bitmap: bitmap, upcase: upcase, geometry: geometry, dir: dir}
}

func exfatEntryToNode(e *exfat.DirEntry) nodeEntry {
	return nodeEntry{
		Name:         e.Name,
		Attrs:        e.Attrs.ToVFAT(),
		FirstCluster: e.FirstCluster,
		Size:         e.Size,
		NoFatChain:   e.NoFatChain,
		CreatedAt:    e.CreatedAt,
		ModifiedAt:   e.ModifiedAt,
		AccessedAt:   e.AccessedAt,
	}
}

func (n *exfatDirNode) Find(name string) (nodeEntry, bool) {
	e, ok := n.dir.Find(name)
	if !ok {
		return nodeEntry{}, false
	}
	return exfatEntryToNode(e), true
}

func (n *exfatDirNode) Iter() []nodeEntry {
	entries := n.dir.Iter()
	out := make([]nodeEntry, len(entries))
	for i, e := range entries {
		out[i] = exfatEntryToNode(e)
	}
	return out
}

func (n *exfatDirNode) CreateFile(name string, attrs vfat.FileAttrs, now time.Time) (nodeEntry, errors.DriverError) {
	e, err := n.dir.Create(name, toExfatAttrs(attrs), vfat.ClusterFree, 0, true, now)
	if err != nil {
		return nodeEntry{}, err
	}
	return exfatEntryToNode(e), nil
}

func (n *exfatDirNode) CreateDir(name string, attrs vfat.FileAttrs, now time.Time) (nodeEntry, errors.DriverError) {
	runs, _, aerr := n.bitmap.Allocate(1, vfat.ClusterFirstValid)
	if aerr != nil {
		return nodeEntry{}, aerr
	}
	first := vfat.ClusterID(runs[0].Start) + vfat.ClusterFirstValid
	zero := make([]byte, n.geometry.BytesPerCluster)
	if werr := n.store.Write(n.geometry.ClusterByteOffset(first), zero); werr != nil {
		return nodeEntry{}, werr
	}
	e, cerr := n.dir.Create(name, toExfatAttrs(attrs)|exfat.FileAttrDirectory, first, 0, true, now)
	if cerr != nil {
		return nodeEntry{}, cerr
	}
	return exfatEntryToNode(e), nil
}

func toExfatAttrs(attrs vfat.FileAttrs) exfat.FileAttrs {
	return exfat.FileAttrs(attrs) & 0x3F
}

func (n *exfatDirNode) Remove(name string) errors.DriverError {
	return n.dir.Remove(name)
}

func (n *exfatDirNode) Rename(oldName, newName string) errors.DriverError {
	return n.dir.Rename(oldName, newName)
}

func (n *exfatDirNode) Sort(less func(a, b nodeEntry) bool) errors.DriverError {
	return n.dir.Sort(func(a, b *exfat.DirEntry) bool {
		return less(exfatEntryToNode(a), exfatEntryToNode(b))
	})
}

// Extents reports a single whole-file extent for a contiguous (NoFatChain)
// entry without ever touching the FAT, since such a file has no chain to
// walk; fragmented entries fall back to walking the FAT like fat.Table does.
func (n *exfatDirNode) Extents(entry nodeEntry) ([]Extent, errors.DriverError) {
	if entry.FirstCluster == vfat.ClusterFree {
		return nil, nil
	}
	if entry.NoFatChain {
		length := (entry.Size + n.geometry.BytesPerCluster - 1) / n.geometry.BytesPerCluster
		if length == 0 {
			length = 1
		}
		return []Extent{{StartCluster: entry.FirstCluster, Length: length}}, nil
	}
	chain, err := n.fat.Chain(entry.FirstCluster)
	if err != nil {
		return nil, err
	}
	return groupClusterRuns(chain), nil
}

func (n *exfatDirNode) OpenHandle(entry nodeEntry, mode openHandleMode) (File, errors.DriverError) {
	hmode := exfat.OpenRead
	switch mode {
	case modeWrite:
		hmode = exfat.OpenWrite
	case modeReadWrite:
		hmode = exfat.OpenReadWrite
	}
	name := entry.Name
	onClose := func(size uint64, firstCluster vfat.ClusterID, noFatChain bool) errors.DriverError {
		return n.dir.UpdateStat(name, size, firstCluster, noFatChain, time.Now())
	}
	return exfat.OpenHandle(n.store, n.fat, n.bitmap, n.geometry, entry.FirstCluster, entry.Size, entry.NoFatChain, hmode, onClose), nil
}

func (n *exfatDirNode) OpenSubdirectory(entry nodeEntry) (dirNode, errors.DriverError) {
	sub, err := exfat.OpenDirectory(n.store, n.fat, n.bitmap, n.upcase, n.geometry, entry.FirstCluster)
	if err != nil {
		return nil, err
	}
	return newExfatDirNode(n.store, n.fat, n.bitmap, n.upcase, n.geometry, sub), nil
}

func (n *exfatDirNode) FreeClusters() uint64 { return n.bitmap.FreeClusters() }

func (n *exfatDirNode) FreeRuns() []rle.Run { return n.bitmap.FreeRuns() }

func (n *exfatDirNode) ClusterAllocated(cluster vfat.ClusterID) (bool, errors.DriverError) {
	return !n.bitmap.IsFree(cluster), nil
}
