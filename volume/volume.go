package volume

import (
	"encoding/binary"
	"time"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/exfat"
	"github.com/maxpat78/FATtools/fat"
	"github.com/maxpat78/FATtools/vfat"
)

// Volume is a mounted FAT12/16/32 or exFAT file system: one entry point
// that exposes path-based operations regardless of which on-disk format
// the container actually holds.
type Volume struct {
	container block.Container
	store     *cache.Cache
	kind      vfat.FSKind
	flags     vfat.MountFlags
	root      dirNode

	fatGeometry   *fat.Geometry
	fatTable      *fat.Table
	exfatGeometry *exfat.Geometry
}

// Mount recognizes and opens the file system held by container. An exFAT
// volume carrying a TexFAT shadow copy is refused whatever the flags,
// since exfat.OpenVolume rejects it outright.
func Mount(container block.Container, flags vfat.MountFlags, cacheCapacity int) (*Volume, errors.DriverError) {
	kind, rerr := fat.RecognizeKind(container)
	if rerr != nil {
		return nil, rerr
	}
	if kind == vfat.FSExFAT {
		return mountExFAT(container, flags, cacheCapacity)
	}
	return mountFAT(container, flags, cacheCapacity)
}

func mountFAT(container block.Container, flags vfat.MountFlags, cacheCapacity int) (*Volume, errors.DriverError) {
	geometry, err := fat.ReadBPB(container)
	if err != nil {
		return nil, err
	}
	store := cache.New(container, cacheCapacity)
	table, terr := fat.NewTable(store, geometry)
	if terr != nil {
		return nil, terr
	}

	var loc fat.Location
	if geometry.Kind == vfat.FSFAT32 {
		loc = fat.Location{FirstCluster: geometry.RootCluster}
	} else {
		loc = fat.Location{
			IsFixedRoot:    true,
			FixedRootStart: geometry.FirstRootDirSector * uint64(geometry.BytesPerSector),
			FixedRootSlots: geometry.RootDirSectors * uint64(geometry.BytesPerSector) / 32,
		}
	}
	root, derr := fat.OpenDirectory(store, table, geometry, loc)
	if derr != nil {
		return nil, derr
	}

	return &Volume{
		container:   container,
		store:       store,
		kind:        geometry.Kind,
		flags:       flags,
		root:        newFatDirNode(store, table, geometry, root),
		fatGeometry: geometry,
		fatTable:    table,
	}, nil
}

// mountExFAT resolves the allocation-bitmap-and-upcase-table bootstrap
// ordering problem: OpenDirectory needs both already built, but they are
// only discoverable via special entries inside the root directory
// itself. This walks the root directory's raw cluster chain by hand to
// find them before any exfat.Directory exists.
func mountExFAT(container block.Container, flags vfat.MountFlags, cacheCapacity int) (*Volume, errors.DriverError) {
	geometry, store, err := exfat.OpenVolume(container, cacheCapacity)
	if err != nil {
		return nil, err
	}

	fatTable := exfat.NewFat(store, geometry)
	chain, cerr := fatTable.Chain(geometry.FirstClusterOfRootDirectory)
	if cerr != nil {
		return nil, cerr
	}

	bitmapCluster, bitmapLength, bitmapFound, upcaseCluster, upcaseLength, upcaseChecksum, upcaseFound, scanErr :=
		scanRootForSystemEntries(store, geometry, chain)
	if scanErr != nil {
		return nil, scanErr
	}
	if !bitmapFound {
		return nil, errors.InconsistentFS.WithMessage("root directory has no allocation bitmap entry")
	}
	if !upcaseFound {
		return nil, errors.InconsistentFS.WithMessage("root directory has no upcase table entry")
	}

	bitmap, berr := exfat.LoadAllocationBitmap(store, geometry, bitmapCluster, uint64(geometry.ClusterCount))
	if berr != nil {
		return nil, berr
	}
	_ = bitmapLength // bit count is driven by ClusterCount; DataLength is not checked
	upcase, uerr := exfat.LoadUpcaseTable(store, geometry, upcaseCluster, upcaseLength, upcaseChecksum)
	if uerr != nil {
		return nil, uerr
	}

	root, derr := exfat.OpenDirectory(store, fatTable, bitmap, upcase, geometry, geometry.FirstClusterOfRootDirectory)
	if derr != nil {
		return nil, derr
	}

	return &Volume{
		container:     container,
		store:         store,
		kind:          vfat.FSExFAT,
		flags:         flags,
		root:          newExfatDirNode(store, fatTable, bitmap, upcase, geometry, root),
		exfatGeometry: geometry,
	}, nil
}

// scanRootForSystemEntries reads every 32-byte slot of the root
// directory's cluster chain directly, looking for the type-0x81
// allocation bitmap entry and the type-0x82 upcase table entry. It does
// not build a Directory: those two entries must exist before one can be
// opened.
func scanRootForSystemEntries(store *cache.Cache, geometry *exfat.Geometry, chain []vfat.ClusterID) (
	bitmapCluster vfat.ClusterID, bitmapLength uint64, bitmapFound bool,
	upcaseCluster vfat.ClusterID, upcaseLength uint64, upcaseChecksum uint32, upcaseFound bool,
	err errors.DriverError,
) {
	const entrySize = 32
	slotsPerCluster := geometry.BytesPerCluster / entrySize

	for _, cluster := range chain {
		clusterBase := geometry.ClusterByteOffset(cluster)
		raw := make([]byte, geometry.BytesPerCluster)
		if rerr := store.Read(clusterBase, raw); rerr != nil {
			return 0, 0, false, 0, 0, 0, false, rerr
		}
		for slot := uint64(0); slot < slotsPerCluster; slot++ {
			entry := raw[slot*entrySize : (slot+1)*entrySize]
			switch entry[0] {
			case 0x81: // allocation bitmap
				bitmapCluster = vfat.ClusterID(binary.LittleEndian.Uint32(entry[20:24]))
				bitmapLength = binary.LittleEndian.Uint64(entry[24:32])
				bitmapFound = true
			case 0x82: // upcase table
				upcaseChecksum = binary.LittleEndian.Uint32(entry[4:8])
				upcaseCluster = vfat.ClusterID(binary.LittleEndian.Uint32(entry[20:24]))
				upcaseLength = binary.LittleEndian.Uint64(entry[24:32])
				upcaseFound = true
			case 0x00: // end of directory
				return bitmapCluster, bitmapLength, bitmapFound, upcaseCluster, upcaseLength, upcaseChecksum, upcaseFound, nil
			}
		}
	}
	return bitmapCluster, bitmapLength, bitmapFound, upcaseCluster, upcaseLength, upcaseChecksum, upcaseFound, nil
}

// resolve walks path's components down from the root, returning the
// final directory and, if the path doesn't name the root itself, the
// entry within it.
func (v *Volume) resolve(path string) (dirNode, *nodeEntry, errors.DriverError) {
	parts := splitPath(path)
	dir := v.root
	if len(parts) == 0 {
		return dir, nil, nil
	}
	for i, part := range parts {
		entry, ok := dir.Find(part)
		if !ok {
			return nil, nil, errors.NotFound.WithMessage("no such file or directory: " + part)
		}
		if i == len(parts)-1 {
			return dir, &entry, nil
		}
		if !entry.Attrs.IsDir() {
			return nil, nil, errors.NotFound.WithMessage(part + " is not a directory")
		}
		sub, serr := dir.OpenSubdirectory(entry)
		if serr != nil {
			return nil, nil, serr
		}
		dir = sub
	}
	return dir, nil, nil
}

// List returns every entry of the directory at path ("" or "/" for the
// root).
func (v *Volume) List(path string) ([]vfat.FileStat, errors.DriverError) {
	dir, entry, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if !entry.Attrs.IsDir() {
			return nil, errors.NotFound.WithMessage(path + " is not a directory")
		}
		dir, err = dir.OpenSubdirectory(*entry)
		if err != nil {
			return nil, err
		}
	}
	entries := dir.Iter()
	out := make([]vfat.FileStat, len(entries))
	for i, e := range entries {
		out[i] = e.toFileStat()
	}
	return out, nil
}

// Stat returns the metadata for the object at path.
func (v *Volume) Stat(path string) (vfat.FileStat, errors.DriverError) {
	_, entry, err := v.resolve(path)
	if err != nil {
		return vfat.FileStat{}, err
	}
	if entry == nil {
		return vfat.FileStat{Name: "/", Attrs: vfat.AttrDirectory}, nil
	}
	return entry.toFileStat(), nil
}

// Open returns a byte-addressable handle over the file at path.
func (v *Volume) Open(path string, flags vfat.OpenFlags) (File, errors.DriverError) {
	if flags.Write() && !v.flags.CanWrite() {
		return nil, errors.ReadOnly.WithMessage("volume is not mounted for writing")
	}
	dir, entry, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.NotFound.WithMessage("cannot open the root directory as a file")
	}
	if entry.Attrs.IsDir() {
		return nil, errors.NotFound.WithMessage(path + " is a directory")
	}
	mode := modeRead
	switch {
	case flags.Write() && flags.Read():
		mode = modeReadWrite
	case flags.Write():
		mode = modeWrite
	}
	return dir.OpenHandle(*entry, mode)
}

// Mkdir creates a new, empty subdirectory at path.
func (v *Volume) Mkdir(path string) (vfat.FileStat, errors.DriverError) {
	if !v.flags.CanInsert() {
		return vfat.FileStat{}, errors.ReadOnly.WithMessage("volume does not permit inserting new entries")
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return vfat.FileStat{}, err
	}
	entry, cerr := parent.CreateDir(name, 0, time.Now())
	if cerr != nil {
		return vfat.FileStat{}, cerr
	}
	return entry.toFileStat(), nil
}

// Create creates a new, empty file at path.
func (v *Volume) Create(path string) (File, errors.DriverError) {
	if !v.flags.CanInsert() {
		return nil, errors.ReadOnly.WithMessage("volume does not permit inserting new entries")
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return nil, err
	}
	entry, cerr := parent.CreateFile(name, 0, time.Now())
	if cerr != nil {
		return nil, cerr
	}
	return parent.OpenHandle(entry, modeReadWrite)
}

// Remove deletes the file or empty directory at path.
func (v *Volume) Remove(path string) errors.DriverError {
	if !v.flags.CanDelete() {
		return errors.ReadOnly.WithMessage("volume does not permit deleting entries")
	}
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	return parent.Remove(name)
}

// Rename renames oldPath to newName within the same directory.
func (v *Volume) Rename(oldPath, newName string) errors.DriverError {
	if !v.flags.CanWrite() {
		return errors.ReadOnly.WithMessage("volume is not mounted for writing")
	}
	parent, name, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	return parent.Rename(name, newName)
}

// resolveParent splits path into the directory holding its final
// component and that component's own name.
func (v *Volume) resolveParent(path string) (dirNode, string, errors.DriverError) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", errors.NotFound.WithMessage("path must name an object, not the root")
	}
	dir := v.root
	for _, part := range parts[:len(parts)-1] {
		entry, ok := dir.Find(part)
		if !ok {
			return nil, "", errors.NotFound.WithMessage("no such file or directory: " + part)
		}
		if !entry.Attrs.IsDir() {
			return nil, "", errors.NotFound.WithMessage(part + " is not a directory")
		}
		sub, serr := dir.OpenSubdirectory(entry)
		if serr != nil {
			return nil, "", serr
		}
		dir = sub
	}
	return dir, parts[len(parts)-1], nil
}

// Statfs reports aggregate volume statistics.
func (v *Volume) Statfs() vfat.FSStat {
	var blockSize int64
	var totalBlocks, blocksFree uint64
	switch {
	case v.fatGeometry != nil:
		blockSize = int64(v.fatGeometry.BytesPerCluster)
		totalBlocks = v.fatGeometry.TotalClusters
		blocksFree = v.fatTable.FreeClusters()
	case v.exfatGeometry != nil:
		blockSize = int64(v.exfatGeometry.BytesPerCluster)
		totalBlocks = uint64(v.exfatGeometry.ClusterCount)
		blocksFree = v.root.FreeClusters()
	}
	return vfat.FSStat{
		Kind:            v.kind,
		BlockSize:       blockSize,
		TotalBlocks:     totalBlocks,
		BlocksFree:      blocksFree,
		BlocksAvailable: blocksFree,
	}
}

// Close flushes any cached dirty sectors and closes the container.
func (v *Volume) Close() errors.DriverError {
	if err := v.store.Close(); err != nil {
		return errors.IOError.WrapError(err)
	}
	return nil
}
