package exfat

import (
	"sort"
	"time"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

const entrySize = 32

// DirEntry is one logical directory object: the File entry plus its
// Stream Extension and File Name secondary entries, flattened into a
// single record. Directories in this package are always FAT-chained
// (never NoFatChain) for simplicity; only ordinary data streams use the
// contiguous, implicit representation.
type DirEntry struct {
	Name         string
	Attrs        FileAttrs
	FirstCluster vfat.ClusterID
	Size         uint64
	NoFatChain   bool
	CreatedAt    time.Time
	ModifiedAt   time.Time
	AccessedAt   time.Time

	file   FileEntry
	stream StreamExtensionEntry

	slotStart uint64
	slotCount uint64
}

// Directory is the engine behind one exFAT directory table: entry-set
// scanning, case-insensitive name lookup, and structural edits.
// Root and subdirectories are both plain FAT-chained cluster runs; the
// root has no File entry of its own (its first cluster comes straight
// from the boot sector), so it's opened the same way a subdirectory is.
type Directory struct {
	store    *cache.Cache
	geometry *Geometry
	fat      *Fat
	bitmap   *AllocationBitmap
	upcase   *UpcaseTable

	firstCluster    vfat.ClusterID
	chain           []vfat.ClusterID
	slotsPerCluster uint64

	freeSlots *rle.Map
	reserved  map[uint64][]byte // system entries (bitmap/upcase/label): slot -> raw bytes, never moved
	byName    map[string]*DirEntry
	entries   []*DirEntry
}

// OpenDirectory scans every slot of firstCluster's chain and builds the
// indices Find, Iter, Create, Remove, Rename and Sort operate on.
func OpenDirectory(store *cache.Cache, fat *Fat, bitmap *AllocationBitmap, upcase *UpcaseTable, geometry *Geometry, firstCluster vfat.ClusterID) (*Directory, errors.DriverError) {
	chain, err := fat.Chain(firstCluster)
	if err != nil {
		return nil, err
	}
	d := &Directory{
		store:           store,
		geometry:        geometry,
		fat:             fat,
		bitmap:          bitmap,
		upcase:          upcase,
		firstCluster:    firstCluster,
		chain:           chain,
		slotsPerCluster: geometry.BytesPerCluster / entrySize,
		freeSlots:       rle.NewMap(),
		reserved:        make(map[uint64][]byte),
		byName:          make(map[string]*DirEntry),
	}
	if err := d.rescan(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) capacitySlots() uint64 {
	return uint64(len(d.chain)) * d.slotsPerCluster
}

func (d *Directory) slotOffset(slot uint64) int64 {
	clusterIndex := slot / d.slotsPerCluster
	offsetWithinCluster := (slot % d.slotsPerCluster) * entrySize
	cluster := d.chain[clusterIndex]
	return d.geometry.ClusterByteOffset(cluster) + int64(offsetWithinCluster)
}

func (d *Directory) readSlot(slot uint64) ([]byte, errors.DriverError) {
	raw := make([]byte, entrySize)
	if err := d.store.Read(d.slotOffset(slot), raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (d *Directory) writeSlot(slot uint64, raw []byte) errors.DriverError {
	return d.store.Write(d.slotOffset(slot), raw)
}

// rescan rebuilds freeSlots, reserved, byName and entries from scratch.
func (d *Directory) rescan() errors.DriverError {
	d.freeSlots = rle.NewMap()
	d.reserved = make(map[uint64][]byte)
	d.byName = make(map[string]*DirEntry)
	d.entries = nil

	capacity := d.capacitySlots()
	for slot := uint64(0); slot < capacity; {
		raw, err := d.readSlot(slot)
		if err != nil {
			return err
		}
		entryType := EntryType(raw[0])

		switch {
		case entryType.IsEndOfDirectory():
			d.freeSlots.Insert(slot, capacity-slot)
			slot = capacity

		case entryType.IsUnusedMarker():
			d.freeSlots.Insert(slot, 1)
			slot++

		case entryType == EntryTypeFile:
			file, ferr := DecodeFileEntry(raw)
			if ferr != nil {
				return ferr
			}
			total := uint64(file.SecondaryCount) + 1
			if slot+total > capacity {
				return errors.InconsistentFS.WithMessage("directory entry set runs past the end of its cluster chain")
			}
			streamRaw, serr := d.readSlot(slot + 1)
			if serr != nil {
				return serr
			}
			stream, serr2 := DecodeStreamExtensionEntry(streamRaw)
			if serr2 != nil {
				return serr2
			}
			var fragments []FileNameEntry
			for i := uint64(2); i < total; i++ {
				nameRaw, nerr := d.readSlot(slot + i)
				if nerr != nil {
					return nerr
				}
				frag, derr := DecodeFileNameEntry(nameRaw)
				if derr != nil {
					return derr
				}
				fragments = append(fragments, frag)
			}
			name := DecodeUTF16Name(fragments, stream.NameLength)

			entry := &DirEntry{
				Name:         name,
				Attrs:        file.FileAttributes,
				FirstCluster: stream.FirstCluster,
				Size:         stream.DataLength,
				NoFatChain:   stream.Flags.NoFatChain(),
				CreatedAt:    file.CreateTimestamp.WithOffset(file.CreateUtcOffset),
				ModifiedAt:   file.ModifiedTimestamp.WithOffset(file.ModifiedUtcOffset),
				AccessedAt:   file.AccessedTimestamp.WithOffset(file.AccessedUtcOffset),
				file:         file,
				stream:       stream,
				slotStart:    slot,
				slotCount:    total,
			}
			d.entries = append(d.entries, entry)
			d.byName[d.normalize(name)] = entry
			slot += total

		default:
			// Allocation Bitmap, Upcase Table or Volume Label entry: kept
			// in place, never reordered or reclaimed by this package.
			d.reserved[slot] = raw
			slot++
		}
	}
	return nil
}

func (d *Directory) normalize(name string) string {
	units := d.upcase.Normalize(EncodeName(name))
	return string(units16ToRunes(units))
}

// units16ToRunes is a small local helper so normalize doesn't need to
// round-trip through utf16.Decode's surrogate handling just to get a
// comparable map key.
func units16ToRunes(units []uint16) []rune {
	out := make([]rune, len(units))
	for i, u := range units {
		out[i] = rune(u)
	}
	return out
}

// Find looks up name case-insensitively, per the volume's upcase table.
func (d *Directory) Find(name string) (*DirEntry, bool) {
	entry, ok := d.byName[d.normalize(name)]
	return entry, ok
}

// Iter returns every live entry in physical slot order.
func (d *Directory) Iter() []*DirEntry {
	out := make([]*DirEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// ensureSlots guarantees `count` contiguous free slots exist, growing the
// chain by one FAT-linked cluster at a time when the current capacity
// can't satisfy the request.
func (d *Directory) ensureSlots(count uint64) (uint64, errors.DriverError) {
	for _, r := range d.freeSlots.Runs() {
		if r.Length >= count {
			return r.Start, nil
		}
	}

	tail := d.chain[len(d.chain)-1]
	newCluster, err := AllocateFatChain(d.bitmap, d.fat, 1, tail+1)
	if err != nil {
		return 0, err
	}
	if lerr := d.fat.LinkChain([]vfat.ClusterID{tail, newCluster}); lerr != nil {
		return 0, lerr
	}
	d.chain = append(d.chain, newCluster)

	zero := make([]byte, entrySize)
	newSlotBase := (uint64(len(d.chain)) - 1) * d.slotsPerCluster
	for i := uint64(0); i < d.slotsPerCluster; i++ {
		if werr := d.writeSlot(newSlotBase+i, zero); werr != nil {
			return 0, werr
		}
	}
	d.freeSlots.Insert(newSlotBase, d.slotsPerCluster)

	// The new cluster's free run merges with any free run ending at the
	// old tail, so repeating grows the run until the group fits.
	return d.ensureSlots(count)
}

// encodeEntrySet builds the raw byte slices for a File/StreamExtension/
// FileName* entry set with a correct SetChecksum and NameHash, ready to
// write starting at some slot.
func (d *Directory) encodeEntrySet(name string, attrs FileAttrs, firstCluster vfat.ClusterID, size uint64, noFatChain bool, created, modified, accessed time.Time) (file FileEntry, stream StreamExtensionEntry, raws [][]byte, err errors.DriverError) {
	units := EncodeName(name)
	upcased := d.upcase.Normalize(units)
	fragments := EncodeNameFragments(units)

	flags := GeneralSecondaryFlags(1) // AllocationPossible
	if noFatChain {
		flags |= GeneralSecondaryFlags(2)
	}

	stream = StreamExtensionEntry{
		Flags:           flags,
		NameLength:      uint8(len(units)),
		NameHash:        nameHash(upcased),
		ValidDataLength: size,
		FirstCluster:    firstCluster,
		DataLength:      size,
	}
	file = FileEntry{
		SecondaryCount:        uint8(1 + len(fragments)),
		FileAttributes:        attrs,
		CreateTimestamp:       TimestampFromTime(created),
		ModifiedTimestamp:     TimestampFromTime(modified),
		AccessedTimestamp:     TimestampFromTime(accessed),
		CreateUtcOffset:       0x80,
		ModifiedUtcOffset:     0x80,
		AccessedUtcOffset:     0x80,
	}

	fileRaw, ferr := EncodeFileEntry(file)
	if ferr != nil {
		return FileEntry{}, StreamExtensionEntry{}, nil, ferr
	}
	streamRaw, serr := EncodeStreamExtensionEntry(stream)
	if serr != nil {
		return FileEntry{}, StreamExtensionEntry{}, nil, serr
	}
	raws = append(raws, fileRaw, streamRaw)
	for _, frag := range fragments {
		frag.Flags = GeneralSecondaryFlags(0)
		fragRaw, nerr := EncodeFileNameEntry(frag)
		if nerr != nil {
			return FileEntry{}, StreamExtensionEntry{}, nil, nerr
		}
		raws = append(raws, fragRaw)
	}

	checksum := entrySetChecksum(raws)
	raws[0][2] = byte(checksum)
	raws[0][3] = byte(checksum >> 8)
	file.SetChecksum = checksum

	return file, stream, raws, nil
}

// Create allocates a new logical entry for name with the given
// attributes and timestamps. FirstCluster starts unallocated
// (vfat.ClusterFree, size 0, NoFatChain true) for an ordinary new file;
// callers creating a directory pass the cluster they've already
// allocated for its content and noFatChain=false.
func (d *Directory) Create(name string, attrs FileAttrs, firstCluster vfat.ClusterID, size uint64, noFatChain bool, now time.Time) (*DirEntry, errors.DriverError) {
	return d.createWithTimestamps(name, attrs, firstCluster, size, noFatChain, now, now, now)
}

func (d *Directory) createWithTimestamps(name string, attrs FileAttrs, firstCluster vfat.ClusterID, size uint64, noFatChain bool, created, modified, accessed time.Time) (*DirEntry, errors.DriverError) {
	if _, exists := d.Find(name); exists {
		return nil, errors.AlreadyExists.WithMessage("an entry with this name already exists")
	}

	file, stream, raws, err := d.encodeEntrySet(name, attrs, firstCluster, size, noFatChain, created, modified, accessed)
	if err != nil {
		return nil, err
	}

	start, serr := d.ensureSlots(uint64(len(raws)))
	if serr != nil {
		return nil, serr
	}
	for i, raw := range raws {
		if werr := d.writeSlot(start+uint64(i), raw); werr != nil {
			return nil, werr
		}
	}
	d.freeSlots.Remove(start, uint64(len(raws)))

	entry := &DirEntry{
		Name:         name,
		Attrs:        attrs,
		FirstCluster: firstCluster,
		Size:         size,
		NoFatChain:   noFatChain,
		CreatedAt:    created,
		ModifiedAt:   modified,
		AccessedAt:   accessed,
		file:         file,
		stream:       stream,
		slotStart:    start,
		slotCount:    uint64(len(raws)),
	}
	d.entries = append(d.entries, entry)
	d.byName[d.normalize(name)] = entry
	return entry, nil
}

// Remove frees name's data stream, if any, and marks its slots free by
// clearing each member entry's in-use bit in place.
func (d *Directory) Remove(name string) errors.DriverError {
	entry, ok := d.Find(name)
	if !ok {
		return errors.NotFound.WithMessage("no such directory entry")
	}

	if entry.FirstCluster != vfat.ClusterFree {
		clusterCount := (entry.Size + d.geometry.BytesPerCluster - 1) / d.geometry.BytesPerCluster
		if clusterCount == 0 {
			clusterCount = 1
		}
		if err := FreeExtent(d.bitmap, d.fat, entry.FirstCluster, clusterCount, entry.NoFatChain); err != nil {
			return err
		}
	}

	for i := uint64(0); i < entry.slotCount; i++ {
		raw, err := d.readSlot(entry.slotStart + i)
		if err != nil {
			return err
		}
		raw[0] &^= 0x80
		if err := d.writeSlot(entry.slotStart+i, raw); err != nil {
			return err
		}
	}
	d.freeSlots.Insert(entry.slotStart, entry.slotCount)

	delete(d.byName, d.normalize(entry.Name))
	for i, e := range d.entries {
		if e == entry {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Rename moves the entry at oldName to newName, rewriting in place when
// the new name needs the same slot count, else falling back to
// remove-then-create while preserving stream state.
func (d *Directory) Rename(oldName, newName string) errors.DriverError {
	entry, ok := d.Find(oldName)
	if !ok {
		return errors.NotFound.WithMessage("no such directory entry")
	}
	if _, exists := d.Find(newName); exists {
		return errors.AlreadyExists.WithMessage("rename target already exists")
	}

	file, stream, raws, err := d.encodeEntrySet(newName, entry.Attrs, entry.FirstCluster, entry.Size, entry.NoFatChain, entry.CreatedAt, entry.ModifiedAt, entry.AccessedAt)
	if err != nil {
		return err
	}

	if uint64(len(raws)) == entry.slotCount {
		for i, raw := range raws {
			if werr := d.writeSlot(entry.slotStart+uint64(i), raw); werr != nil {
				return werr
			}
		}
		delete(d.byName, d.normalize(oldName))
		entry.Name = newName
		entry.file = file
		entry.stream = stream
		d.byName[d.normalize(newName)] = entry
		return nil
	}

	attrs, firstCluster, size, noFatChain := entry.Attrs, entry.FirstCluster, entry.Size, entry.NoFatChain
	created, modified, accessed := entry.CreatedAt, entry.ModifiedAt, entry.AccessedAt
	if err := d.removeSlotsOnly(entry); err != nil {
		return err
	}
	_, err2 := d.createWithTimestamps(newName, attrs, firstCluster, size, noFatChain, created, modified, accessed)
	return err2
}

// removeSlotsOnly clears oldEntry's slots without touching its data
// stream, used by Rename when it needs to relocate the entry set.
func (d *Directory) removeSlotsOnly(entry *DirEntry) errors.DriverError {
	for i := uint64(0); i < entry.slotCount; i++ {
		raw, err := d.readSlot(entry.slotStart + i)
		if err != nil {
			return err
		}
		raw[0] &^= 0x80
		if err := d.writeSlot(entry.slotStart+i, raw); err != nil {
			return err
		}
	}
	d.freeSlots.Insert(entry.slotStart, entry.slotCount)
	delete(d.byName, d.normalize(entry.Name))
	for i, e := range d.entries {
		if e == entry {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateStat rewrites name's Stream Extension with a new size, first
// cluster and NoFatChain state, recomputing the entry set's checksum. A
// file handle calls this on close to publish the final size and, for a
// stream that was empty when opened, its first allocated cluster.
func (d *Directory) UpdateStat(name string, size uint64, firstCluster vfat.ClusterID, noFatChain bool, modified time.Time) errors.DriverError {
	entry, ok := d.Find(name)
	if !ok {
		return errors.NotFound.WithMessage("no such directory entry")
	}

	entry.Size = size
	entry.FirstCluster = firstCluster
	entry.NoFatChain = noFatChain
	entry.ModifiedAt = modified

	file, stream, raws, err := d.encodeEntrySet(name, entry.Attrs, firstCluster, size, noFatChain, entry.CreatedAt, modified, entry.AccessedAt)
	if err != nil {
		return err
	}
	if uint64(len(raws)) != entry.slotCount {
		return errors.InconsistentFS.WithMessage("UpdateStat must not change an entry's slot count")
	}
	for i, raw := range raws {
		if werr := d.writeSlot(entry.slotStart+uint64(i), raw); werr != nil {
			return werr
		}
	}
	entry.file = file
	entry.stream = stream
	return nil
}

// Sort rewrites the directory's live entries in the order produced by
// less, discarding erased slots, without reallocating any cluster.
// Reserved system entries (allocation bitmap, upcase table, volume
// label) are left exactly where they are.
func (d *Directory) Sort(less func(a, b *DirEntry) bool) errors.DriverError {
	live := append([]*DirEntry(nil), d.entries...)
	sort.SliceStable(live, func(i, j int) bool { return less(live[i], live[j]) })

	capacity := d.capacitySlots()
	reservedSlots := make(map[uint64]bool, len(d.reserved))
	for slot := range d.reserved {
		reservedSlots[slot] = true
	}

	slot := uint64(0)
	nextFree := func(need uint64) uint64 {
		for reservedSlots[slot] {
			slot++
		}
		return slot
	}

	for _, entry := range live {
		start := nextFree(entry.slotCount)
		_, _, raws, err := d.encodeEntrySet(entry.Name, entry.Attrs, entry.FirstCluster, entry.Size, entry.NoFatChain, entry.CreatedAt, entry.ModifiedAt, entry.AccessedAt)
		if err != nil {
			return err
		}
		for i, raw := range raws {
			if werr := d.writeSlot(start+uint64(i), raw); werr != nil {
				return werr
			}
		}
		entry.slotStart = start
		entry.slotCount = uint64(len(raws))
		slot = start + entry.slotCount
	}

	zero := make([]byte, entrySize)
	for ; slot < capacity; slot++ {
		if reservedSlots[slot] {
			continue
		}
		if werr := d.writeSlot(slot, zero); werr != nil {
			return werr
		}
	}

	d.entries = live
	d.freeSlots = rle.NewMap()
	used := make(map[uint64]bool)
	for _, e := range live {
		for i := uint64(0); i < e.slotCount; i++ {
			used[e.slotStart+i] = true
		}
	}
	var runStart uint64
	inRun := false
	for s := uint64(0); s < capacity; s++ {
		free := !used[s] && !reservedSlots[s]
		if free && !inRun {
			runStart, inRun = s, true
		} else if !free && inRun {
			d.freeSlots.Insert(runStart, s-runStart)
			inRun = false
		}
	}
	if inRun {
		d.freeSlots.Insert(runStart, capacity-runStart)
	}
	return nil
}
