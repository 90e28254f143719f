package fat

import (
	"sort"
	"strings"
	"time"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

// Location describes where a directory's slots physically live: the
// fixed, non-extendable root region of a FAT12/16 volume, or a cluster
// chain (every subdirectory, and the root of FAT32).
type Location struct {
	IsFixedRoot    bool
	FixedRootStart uint64 // byte offset of slot 0, valid only if IsFixedRoot
	FixedRootSlots uint64 // capacity in slots, valid only if IsFixedRoot
	FirstCluster   vfat.ClusterID
}

// DirEntry is one logical directory entry: an optional run of LFN
// fragments plus the short entry they describe, exposed as a single
// flattened record.
type DirEntry struct {
	Name         string
	ShortName    string
	Attrs        vfat.FileAttrs
	FirstCluster vfat.ClusterID
	Size         uint32
	Dirent       ShortDirent

	slotStart uint64
	slotCount uint64
}

// Directory is the engine behind one directory table: slot scanning,
// name lookup, and structural edits (create/remove/rename/sort/shrink).
type Directory struct {
	store    *cache.Cache
	table    *Table
	geometry *Geometry
	loc      Location

	chain         []vfat.ClusterID // only used when !loc.IsFixedRoot
	slotsPerCluster uint64

	freeSlots *rle.Map
	byName    map[string]*DirEntry // lookup key is strings.ToUpper(Name)
	entries   []*DirEntry          // in physical slot order
}

// OpenDirectory scans every slot in loc and builds the indices Find,
// Iter, Create, Remove, Rename, Sort and Shrink all operate on.
func OpenDirectory(store *cache.Cache, table *Table, geometry *Geometry, loc Location) (*Directory, errors.DriverError) {
	d := &Directory{
		store:           store,
		table:           table,
		geometry:        geometry,
		loc:             loc,
		slotsPerCluster: geometry.BytesPerCluster / DirentSize,
		freeSlots:       rle.NewMap(),
		byName:          make(map[string]*DirEntry),
	}
	if !loc.IsFixedRoot {
		chain, err := table.Chain(loc.FirstCluster)
		if err != nil {
			return nil, err
		}
		d.chain = chain
	}
	if err := d.rescan(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) capacitySlots() uint64 {
	if d.loc.IsFixedRoot {
		return d.loc.FixedRootSlots
	}
	return uint64(len(d.chain)) * d.slotsPerCluster
}

// slotOffset returns the byte offset, in the underlying container, of
// slot index `slot`.
func (d *Directory) slotOffset(slot uint64) int64 {
	if d.loc.IsFixedRoot {
		return int64(d.loc.FixedRootStart) + int64(slot)*DirentSize
	}
	clusterIndex := slot / d.slotsPerCluster
	offsetWithinCluster := (slot % d.slotsPerCluster) * DirentSize
	cluster := d.chain[clusterIndex]
	return d.geometry.ClusterByteOffset(cluster) + int64(offsetWithinCluster)
}

func (d *Directory) readSlot(slot uint64) ([]byte, errors.DriverError) {
	raw := make([]byte, DirentSize)
	if err := d.store.Read(d.slotOffset(slot), raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (d *Directory) writeSlot(slot uint64, raw []byte) errors.DriverError {
	return d.store.Write(d.slotOffset(slot), raw)
}

// rescan rebuilds freeSlots, byName and entries from scratch by reading
// every slot in the directory's current capacity.
func (d *Directory) rescan() errors.DriverError {
	d.freeSlots = rle.NewMap()
	d.byName = make(map[string]*DirEntry)
	d.entries = nil

	capacity := d.capacitySlots()
	var pending [][]byte
	var pendingStart uint64

	for slot := uint64(0); slot < capacity; slot++ {
		raw, err := d.readSlot(slot)
		if err != nil {
			return err
		}

		if IsFreeSlot(raw) {
			d.freeSlots.Insert(slot, 1)
			pending = nil
			continue
		}

		if IsLFNSlot(raw) {
			if len(pending) == 0 {
				pendingStart = slot
			}
			pending = append(pending, raw)
			continue
		}

		short, err := DecodeShortDirent(raw)
		if err != nil {
			return err
		}

		name := short.Name
		nameExt := append(append([]byte{}, raw[0:8]...), raw[8:11]...)
		if len(pending) > 0 {
			if longName, lfnErr := DecodeLFN(pending, nameExt); lfnErr == nil {
				name = longName
			}
			// A checksum/ordinal mismatch leaves the orphaned LFN slots
			// attached to this entry (slotStart/slotCount cover them); they
			// are reclaimed when the entry is removed or by a later Sort.
		}

		entry := &DirEntry{
			Name:         name,
			ShortName:    short.Name,
			Attrs:        short.Attrs,
			FirstCluster: short.FirstCluster,
			Size:         short.FileSize,
			Dirent:       short,
			slotStart:    pendingStart,
			slotCount:    uint64(len(pending)) + 1,
		}
		if len(pending) == 0 {
			entry.slotStart = slot
		}
		d.entries = append(d.entries, entry)
		d.byName[strings.ToUpper(name)] = entry
		pending = nil
	}
	return nil
}

// Find looks up name case-insensitively.
func (d *Directory) Find(name string) (*DirEntry, bool) {
	entry, ok := d.byName[strings.ToUpper(name)]
	return entry, ok
}

// Iter returns every live entry in physical slot order.
func (d *Directory) Iter() []*DirEntry {
	out := make([]*DirEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *Directory) shortNameSet() map[string]bool {
	set := make(map[string]bool, len(d.entries))
	for _, e := range d.entries {
		set[e.ShortName] = true
	}
	return set
}

// ensureSlots guarantees `count` contiguous free slots exist starting
// somewhere in the directory, growing the cluster chain by one cluster
// at a time (zeroing it) if the fixed capacity can't satisfy the request.
// Fixed (FAT12/16 root) directories return errors.DirFull instead of
// growing, since they can't be extended.
func (d *Directory) ensureSlots(count uint64) (uint64, errors.DriverError) {
	for _, r := range d.freeSlots.Runs() {
		if r.Length >= count {
			return r.Start, nil
		}
	}

	if d.loc.IsFixedRoot {
		return 0, errors.DirFull.WithMessage("root directory has no room for additional entries")
	}

	tail := d.chain[len(d.chain)-1]
	newClusters, err := d.table.Extend(tail, 1, tail+1)
	if err != nil {
		return 0, err
	}
	d.chain = append(d.chain, newClusters...)

	zero := make([]byte, DirentSize)
	newSlotBase := (uint64(len(d.chain)) - 1) * d.slotsPerCluster
	for i := uint64(0); i < d.slotsPerCluster; i++ {
		if err := d.writeSlot(newSlotBase+i, zero); err != nil {
			return 0, err
		}
	}
	d.freeSlots.Insert(newSlotBase, d.slotsPerCluster)

	// The new cluster's free run merges with any free run ending at the
	// old tail, so repeating grows the run until the group fits.
	return d.ensureSlots(count)
}

// Create allocates a new logical entry for name with the given
// attributes and an as-yet-unallocated first cluster (FirstCluster is
// set by the caller, e.g. after the file handle layer reserves its
// first cluster; pass vfat.ClusterFree for an empty file or directory
// stub). It fails with errors.AlreadyExists if name is already present.
func (d *Directory) Create(name string, attrs vfat.FileAttrs, firstCluster vfat.ClusterID) (*DirEntry, errors.DriverError) {
	if _, exists := d.Find(name); exists {
		return nil, errors.AlreadyExists.WithMessage("an entry with this name already exists")
	}

	shortName := name
	needsLFN := !isValidBareShortName(name)
	if needsLFN {
		shortName = GenerateShortName(name, d.shortNameSet())
	} else {
		shortName = strings.ToUpper(name)
	}

	short := ShortDirent{Name: shortName, Attrs: attrs, FirstCluster: firstCluster}
	shortRaw := EncodeShortDirent(short)
	nameExt := append(append([]byte{}, shortRaw[0:8]...), shortRaw[8:11]...)

	var fragments [][]byte
	if needsLFN {
		var err errors.DriverError
		fragments, err = EncodeLFN(name, nameExt)
		if err != nil {
			return nil, err
		}
	}

	slotCount := uint64(len(fragments)) + 1
	start, err := d.ensureSlots(slotCount)
	if err != nil {
		return nil, err
	}

	for i, frag := range fragments {
		if err := d.writeSlot(start+uint64(i), frag); err != nil {
			return nil, err
		}
	}
	if err := d.writeSlot(start+uint64(len(fragments)), shortRaw); err != nil {
		return nil, err
	}
	d.freeSlots.Remove(start, slotCount)

	entry := &DirEntry{
		Name:         name,
		ShortName:    shortName,
		Attrs:        attrs,
		FirstCluster: firstCluster,
		Dirent:       short,
		slotStart:    start,
		slotCount:    slotCount,
	}
	d.entries = append(d.entries, entry)
	d.byName[strings.ToUpper(name)] = entry
	return entry, nil
}

// Remove marks name's slots free and releases its cluster chain, if any.
func (d *Directory) Remove(name string) errors.DriverError {
	entry, ok := d.Find(name)
	if !ok {
		return errors.NotFound.WithMessage("no such directory entry")
	}

	deleted := make([]byte, DirentSize)
	deleted[0] = direntDeletedMarker
	for i := uint64(0); i < entry.slotCount; i++ {
		if err := d.writeSlot(entry.slotStart+i, deleted); err != nil {
			return err
		}
	}
	d.freeSlots.Insert(entry.slotStart, entry.slotCount)

	if entry.FirstCluster != vfat.ClusterFree {
		if err := d.table.FreeChain(entry.FirstCluster); err != nil {
			return err
		}
	}

	delete(d.byName, strings.ToUpper(entry.Name))
	for i, e := range d.entries {
		if e == entry {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Rename moves the entry at oldName to newName, rewriting in place when
// the new name's slot group is the same size as the old one's, and
// falling back to remove-then-create (preserving FirstCluster, Size and
// Attrs) otherwise.
func (d *Directory) Rename(oldName, newName string) errors.DriverError {
	entry, ok := d.Find(oldName)
	if !ok {
		return errors.NotFound.WithMessage("no such directory entry")
	}
	if _, exists := d.Find(newName); exists {
		return errors.AlreadyExists.WithMessage("rename target already exists")
	}

	shortName := newName
	needsLFN := !isValidBareShortName(newName)
	if needsLFN {
		existing := d.shortNameSet()
		delete(existing, entry.ShortName)
		shortName = GenerateShortName(newName, existing)
	} else {
		shortName = strings.ToUpper(newName)
	}

	short := entry.Dirent
	short.Name = shortName
	shortRaw := EncodeShortDirent(short)
	nameExt := append(append([]byte{}, shortRaw[0:8]...), shortRaw[8:11]...)

	var fragments [][]byte
	if needsLFN {
		var err errors.DriverError
		fragments, err = EncodeLFN(newName, nameExt)
		if err != nil {
			return err
		}
	}
	newSlotCount := uint64(len(fragments)) + 1

	attrs, firstCluster, size := entry.Attrs, entry.FirstCluster, entry.Size
	if newSlotCount == entry.slotCount {
		for i, frag := range fragments {
			if err := d.writeSlot(entry.slotStart+uint64(i), frag); err != nil {
				return err
			}
		}
		if err := d.writeSlot(entry.slotStart+uint64(len(fragments)), shortRaw); err != nil {
			return err
		}
		delete(d.byName, strings.ToUpper(oldName))
		entry.Name = newName
		entry.ShortName = shortName
		entry.Dirent = short
		d.byName[strings.ToUpper(newName)] = entry
		return nil
	}

	entry.FirstCluster = vfat.ClusterFree // detach the chain so Remove frees only the slots
	if err := d.Remove(oldName); err != nil {
		return err
	}
	if _, err := d.Create(newName, attrs, firstCluster); err != nil {
		return err
	}
	return d.UpdateStat(newName, size, firstCluster, entry.Dirent.LastModified)
}

// UpdateStat rewrites name's short entry with a new size, first cluster
// and modification time, leaving its slot position and any LFN fragments
// untouched. A file handle calls this on close to publish the final
// size and, for a file that was empty when opened, its first allocated
// cluster.
func (d *Directory) UpdateStat(name string, size uint32, firstCluster vfat.ClusterID, modified time.Time) errors.DriverError {
	entry, ok := d.Find(name)
	if !ok {
		return errors.NotFound.WithMessage("no such directory entry")
	}

	entry.Size = size
	entry.FirstCluster = firstCluster
	entry.Dirent.FileSize = size
	entry.Dirent.FirstCluster = firstCluster
	entry.Dirent.LastModified = modified

	raw := EncodeShortDirent(entry.Dirent)
	return d.writeSlot(entry.slotStart+entry.slotCount-1, raw)
}

// Sort rewrites the directory's live entries in the order produced by
// less, discarding erased slots, without reallocating any cluster.
func (d *Directory) Sort(less func(a, b *DirEntry) bool) errors.DriverError {
	live := append([]*DirEntry(nil), d.entries...)
	sort.SliceStable(live, func(i, j int) bool { return less(live[i], live[j]) })

	slot := uint64(0)
	for _, entry := range live {
		shortRaw := EncodeShortDirent(entry.Dirent)
		nameExt := append(append([]byte{}, shortRaw[0:8]...), shortRaw[8:11]...)

		var fragments [][]byte
		if !isValidBareShortName(entry.Name) {
			var err errors.DriverError
			fragments, err = EncodeLFN(entry.Name, nameExt)
			if err != nil {
				return err
			}
		}

		for i, frag := range fragments {
			if err := d.writeSlot(slot+uint64(i), frag); err != nil {
				return err
			}
		}
		if err := d.writeSlot(slot+uint64(len(fragments)), shortRaw); err != nil {
			return err
		}
		entry.slotStart = slot
		entry.slotCount = uint64(len(fragments)) + 1
		slot += entry.slotCount
	}

	zero := make([]byte, DirentSize)
	capacity := d.capacitySlots()
	for ; slot < capacity; slot++ {
		if err := d.writeSlot(slot, zero); err != nil {
			return err
		}
	}

	d.entries = live
	d.freeSlots = rle.NewMap()
	usedSlots := uint64(0)
	for _, e := range live {
		usedSlots += e.slotCount
	}
	if usedSlots < capacity {
		d.freeSlots.Insert(usedSlots, capacity-usedSlots)
	}
	return nil
}

// Shrink releases trailing clusters that hold only free slots. It is a
// no-op on a fixed-capacity root directory.
func (d *Directory) Shrink() errors.DriverError {
	if d.loc.IsFixedRoot || len(d.chain) == 0 {
		return nil
	}

	keepClusters := uint64(len(d.chain))
	for keepClusters > 1 {
		lastClusterStart := (keepClusters - 1) * d.slotsPerCluster
		if !d.clusterIsEntirelyFree(lastClusterStart) {
			break
		}
		keepClusters--
	}
	oldCapacity := uint64(len(d.chain)) * d.slotsPerCluster
	if keepClusters == uint64(len(d.chain)) {
		return nil
	}

	if err := d.table.TruncateChain(d.loc.FirstCluster, keepClusters); err != nil {
		return err
	}
	d.chain = d.chain[:keepClusters]
	newCapacity := keepClusters * d.slotsPerCluster
	d.freeSlots.Remove(newCapacity, oldCapacity-newCapacity)
	return nil
}

func (d *Directory) clusterIsEntirelyFree(slotStart uint64) bool {
	for s := slotStart; s < slotStart+d.slotsPerCluster; s++ {
		if !d.freeSlots.Contains(s) {
			return false
		}
	}
	return true
}

// isValidBareShortName reports whether name is already, byte for byte, a
// valid 8.3 short name that needs no LFN fragments to preserve it: at
// most 8 base characters, at most 3 extension characters, no character
// sanitizeShortNameChars would strip, and no lowercase letters (a short
// entry stores uppercase only, so any lowercase input needs an LFN to
// keep its case).
func isValidBareShortName(name string) bool {
	base, ext := name, ""
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		base, ext = name[:idx], name[idx+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return false
	}
	return name == strings.ToUpper(name) &&
		sanitizeShortNameChars(base) == base &&
		sanitizeShortNameChars(ext) == ext
}
