package volume

import (
	"time"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/fat"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

// fatDirNode adapts a *fat.Directory to the dirNode interface.
type fatDirNode struct {
	store    *cache.Cache
	table    *fat.Table
	geometry *fat.Geometry
	dir      *fat.Directory
}

func newFatDirNode(store *cache.Cache, table *fat.Table, geometry *fat.Geometry, dir *fat.Directory) *fatDirNode {
	return &fatDirNode{store: store, table: table, geometry: geometry, dir: dir}
}

func fatEntryToNode(e *fat.DirEntry) nodeEntry {
	return nodeEntry{
		Name:         e.Name,
		Attrs:        e.Attrs,
		FirstCluster: e.FirstCluster,
		Size:         uint64(e.Size),
		CreatedAt:    e.Dirent.Created,
		ModifiedAt:   e.Dirent.LastModified,
		AccessedAt:   e.Dirent.LastAccessed,
	}
}

func (n *fatDirNode) Find(name string) (nodeEntry, bool) {
	e, ok := n.dir.Find(name)
	if !ok {
		return nodeEntry{}, false
	}
	return fatEntryToNode(e), true
}

func (n *fatDirNode) Iter() []nodeEntry {
	entries := n.dir.Iter()
	out := make([]nodeEntry, len(entries))
	for i, e := range entries {
		out[i] = fatEntryToNode(e)
	}
	return out
}

func (n *fatDirNode) CreateFile(name string, attrs vfat.FileAttrs, now time.Time) (nodeEntry, errors.DriverError) {
	e, err := n.dir.Create(name, attrs, vfat.ClusterFree)
	if err != nil {
		return nodeEntry{}, err
	}
	return fatEntryToNode(e), nil
}

func (n *fatDirNode) CreateDir(name string, attrs vfat.FileAttrs, now time.Time) (nodeEntry, errors.DriverError) {
	clusters, err := n.table.Alloc(1, vfat.ClusterFirstValid)
	if err != nil {
		return nodeEntry{}, err
	}
	first := clusters[0]
	zero := make([]byte, n.geometry.BytesPerCluster)
	if werr := n.store.Write(n.geometry.ClusterByteOffset(first), zero); werr != nil {
		return nodeEntry{}, werr
	}
	e, cerr := n.dir.Create(name, attrs|vfat.AttrDirectory, first)
	if cerr != nil {
		return nodeEntry{}, cerr
	}
	return fatEntryToNode(e), nil
}

func (n *fatDirNode) Remove(name string) errors.DriverError {
	return n.dir.Remove(name)
}

func (n *fatDirNode) Rename(oldName, newName string) errors.DriverError {
	return n.dir.Rename(oldName, newName)
}

func (n *fatDirNode) Sort(less func(a, b nodeEntry) bool) errors.DriverError {
	return n.dir.Sort(func(a, b *fat.DirEntry) bool {
		return less(fatEntryToNode(a), fatEntryToNode(b))
	})
}

func (n *fatDirNode) Extents(entry nodeEntry) ([]Extent, errors.DriverError) {
	if entry.FirstCluster == vfat.ClusterFree {
		return nil, nil
	}
	chain, err := n.table.Chain(entry.FirstCluster)
	if err != nil {
		return nil, err
	}
	return groupClusterRuns(chain), nil
}

func (n *fatDirNode) OpenHandle(entry nodeEntry, mode openHandleMode) (File, errors.DriverError) {
	hmode := fat.OpenRead
	switch mode {
	case modeWrite:
		hmode = fat.OpenWrite
	case modeReadWrite:
		hmode = fat.OpenReadWrite
	}
	name := entry.Name
	onClose := func(size uint64, firstCluster vfat.ClusterID) errors.DriverError {
		return n.dir.UpdateStat(name, uint32(size), firstCluster, time.Now())
	}
	return fat.OpenHandle(n.store, n.table, n.geometry, entry.FirstCluster, entry.Size, hmode, onClose), nil
}

func (n *fatDirNode) OpenSubdirectory(entry nodeEntry) (dirNode, errors.DriverError) {
	loc := fat.Location{FirstCluster: entry.FirstCluster}
	sub, err := fat.OpenDirectory(n.store, n.table, n.geometry, loc)
	if err != nil {
		return nil, err
	}
	return newFatDirNode(n.store, n.table, n.geometry, sub), nil
}

func (n *fatDirNode) FreeClusters() uint64 { return n.table.FreeClusters() }

func (n *fatDirNode) FreeRuns() []rle.Run { return n.table.FreeRuns() }

func (n *fatDirNode) ClusterAllocated(cluster vfat.ClusterID) (bool, errors.DriverError) {
	free, err := n.table.IsFree(cluster)
	if err != nil {
		return false, err
	}
	return !free, nil
}
