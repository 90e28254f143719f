package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/maxpat78/FATtools/block/cache"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/utilities/rle"
	"github.com/maxpat78/FATtools/vfat"
)

// EntryKind classifies what a single FAT entry holds.
type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryNext
	EntryEOF
	EntryBad
)

// Entry is one decoded FAT table slot.
type Entry struct {
	Kind EntryKind
	Next vfat.ClusterID // valid only when Kind == EntryNext
}

// Table is the FAT allocator: cluster chain lookups, allocation from a
// run-length-encoded free map, and mirror-consistent writes across every
// FAT copy.
type Table struct {
	cache    *cache.Cache
	geometry *Geometry

	freeMap *rle.Map
	chains  map[vfat.ClusterID][]vfat.ClusterID

	entrySizeBits uint // 12, 16, or 32
}

func entryWidth(kind vfat.FSKind) uint {
	switch kind {
	case vfat.FSFAT12:
		return 12
	case vfat.FSFAT16:
		return 16
	default:
		return 32
	}
}

// eofSentinel and badSentinel are the lowest value in each width's
// reserved "end of chain" and "bad cluster" ranges; any value at or
// above eofSentinel (and not equal to badSentinel) is treated as EOF,
// matching how real FAT implementations tolerate the many
// implementation-defined EOF marker values above 0xFF8/0xFFF8/0x0FFFFFF8.
func eofSentinel(bits uint) uint32 {
	switch bits {
	case 12:
		return 0xFF8
	case 16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

func badSentinel(bits uint) uint32 {
	switch bits {
	case 12:
		return 0xFF7
	case 16:
		return 0xFFF7
	default:
		return 0x0FFFFFF7
	}
}

func maxValidEntry(bits uint) uint32 {
	switch bits {
	case 12:
		return 0xFFF
	case 16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// NewTable reads the first FAT copy in sector-sized windows, builds the
// free-cluster run map by merging consecutive free clusters, and returns
// a ready-to-use Table. Mirror FATs are assumed identical to the first;
// a caller that needs to verify mirror consistency up front should use
// VerifyMirrors.
func NewTable(c *cache.Cache, geometry *Geometry) (*Table, errors.DriverError) {
	t := &Table{
		cache:         c,
		geometry:      geometry,
		chains:        make(map[vfat.ClusterID][]vfat.ClusterID),
		entrySizeBits: entryWidth(geometry.Kind),
	}

	t.freeMap = rle.NewMap()
	var runStart vfat.ClusterID
	inRun := false

	for cluster := vfat.ClusterFirstValid; uint64(cluster) < uint64(vfat.ClusterFirstValid)+geometry.TotalClusters; cluster++ {
		entry, err := t.get(cluster)
		if err != nil {
			return nil, err
		}
		if entry.Kind == EntryFree {
			if !inRun {
				runStart = cluster
				inRun = true
			}
		} else if inRun {
			t.freeMap.Insert(uint64(runStart), uint64(cluster-runStart))
			inRun = false
		}
	}
	if inRun {
		end := vfat.ClusterID(uint64(vfat.ClusterFirstValid) + geometry.TotalClusters)
		t.freeMap.Insert(uint64(runStart), uint64(end-runStart))
	}

	return t, nil
}

// entryByteOffset returns the byte offset, within one FAT copy, of the
// bit-range holding `cluster`'s entry. For FAT12 this is the first of
// the two bytes the entry straddles.
func (t *Table) entryByteOffset(cluster vfat.ClusterID) int64 {
	switch t.entrySizeBits {
	case 12:
		return int64(cluster) * 3 / 2
	case 16:
		return int64(cluster) * 2
	default:
		return int64(cluster) * 4
	}
}

func (t *Table) fatCopyOffset(fatIndex int) int64 {
	return (int64(t.geometry.FirstFATSector) + int64(fatIndex)*int64(t.geometry.SectorsPerFAT())) *
		int64(t.geometry.BytesPerSector)
}

func (t *Table) readRaw(cluster vfat.ClusterID) (uint32, errors.DriverError) {
	base := t.fatCopyOffset(0) + t.entryByteOffset(cluster)

	switch t.entrySizeBits {
	case 12:
		buf := make([]byte, 2)
		if err := t.cache.Read(base, buf); err != nil {
			return 0, err
		}
		word := binary.LittleEndian.Uint16(buf)
		if cluster%2 == 0 {
			return uint32(word & 0x0FFF), nil
		}
		return uint32(word >> 4), nil
	case 16:
		buf := make([]byte, 2)
		if err := t.cache.Read(base, buf); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(buf)), nil
	default:
		buf := make([]byte, 4)
		if err := t.cache.Read(base, buf); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF, nil
	}
}

// writeRaw writes a new entry value to every FAT copy, FAT #0 first, per
// the write-through mirror policy.
func (t *Table) writeRaw(cluster vfat.ClusterID, value uint32) errors.DriverError {
	for fatIndex := 0; fatIndex < int(t.geometry.NumFATs); fatIndex++ {
		base := t.fatCopyOffset(fatIndex) + t.entryByteOffset(cluster)

		switch t.entrySizeBits {
		case 12:
			buf := make([]byte, 2)
			if err := t.cache.Read(base, buf); err != nil {
				return err
			}
			word := binary.LittleEndian.Uint16(buf)
			if cluster%2 == 0 {
				word = (word & 0xF000) | uint16(value&0x0FFF)
			} else {
				word = (word & 0x000F) | (uint16(value&0x0FFF) << 4)
			}
			binary.LittleEndian.PutUint16(buf, word)
			if err := t.cache.Write(base, buf); err != nil {
				return err
			}
		case 16:
			buf := make([]byte, 2)
			binary.LittleEndian.PutUint16(buf, uint16(value))
			if err := t.cache.Write(base, buf); err != nil {
				return err
			}
		default:
			buf := make([]byte, 4)
			if err := t.cache.Read(base, buf); err != nil {
				return err
			}
			existing := binary.LittleEndian.Uint32(buf)
			newValue := (existing & 0xF0000000) | (value & 0x0FFFFFFF)
			binary.LittleEndian.PutUint32(buf, newValue)
			if err := t.cache.Write(base, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// get decodes the entry for `cluster`.
func (t *Table) get(cluster vfat.ClusterID) (Entry, errors.DriverError) {
	raw, err := t.readRaw(cluster)
	if err != nil {
		return Entry{}, err
	}
	switch {
	case raw == 0:
		return Entry{Kind: EntryFree}, nil
	case raw == badSentinel(t.entrySizeBits):
		return Entry{Kind: EntryBad}, nil
	case raw >= eofSentinel(t.entrySizeBits):
		return Entry{Kind: EntryEOF}, nil
	default:
		return Entry{Kind: EntryNext, Next: vfat.ClusterID(raw)}, nil
	}
}

// set writes a new value for `cluster` across every FAT mirror and
// invalidates any cached chain that starts at or passes through it.
func (t *Table) set(cluster vfat.ClusterID, entry Entry) errors.DriverError {
	var raw uint32
	switch entry.Kind {
	case EntryFree:
		raw = 0
	case EntryBad:
		raw = badSentinel(t.entrySizeBits)
	case EntryEOF:
		raw = maxValidEntry(t.entrySizeBits)
	default:
		raw = uint32(entry.Next)
	}
	if err := t.writeRaw(cluster, raw); err != nil {
		return err
	}
	t.chains = make(map[vfat.ClusterID][]vfat.ClusterID)
	return nil
}

// Chain returns the full, ordered list of clusters starting at `start`,
// memoized so repeated sequential access only walks the FAT once.
func (t *Table) Chain(start vfat.ClusterID) ([]vfat.ClusterID, errors.DriverError) {
	if cached, ok := t.chains[start]; ok {
		return cached, nil
	}

	var chain []vfat.ClusterID
	cluster := start
	for {
		chain = append(chain, cluster)
		entry, err := t.get(cluster)
		if err != nil {
			return nil, err
		}
		switch entry.Kind {
		case EntryEOF:
			t.chains[start] = chain
			return chain, nil
		case EntryNext:
			cluster = entry.Next
		default:
			return nil, errors.InconsistentFS.WithMessage("cluster chain references a free or bad cluster")
		}
	}
}

// Alloc reserves `count` clusters, contiguous where possible, and links
// them into a single chain terminated by EOF. `near` is a hint cluster;
// the free map's best-fit search prefers runs starting at or after it.
func (t *Table) Alloc(count uint64, near vfat.ClusterID) ([]vfat.ClusterID, errors.DriverError) {
	if count == 0 {
		return nil, nil
	}

	runs, err := t.freeMap.Allocate(count, uint64(near))
	if err != nil {
		return nil, errors.NoSpace.WrapError(err)
	}

	var clusters []vfat.ClusterID
	for _, run := range runs {
		for i := uint64(0); i < run.Length; i++ {
			clusters = append(clusters, vfat.ClusterID(run.Start+i))
		}
	}

	for i := 0; i < len(clusters)-1; i++ {
		if err := t.set(clusters[i], Entry{Kind: EntryNext, Next: clusters[i+1]}); err != nil {
			return nil, err
		}
	}
	if err := t.set(clusters[len(clusters)-1], Entry{Kind: EntryEOF}); err != nil {
		return nil, err
	}
	return clusters, nil
}

// Extend allocates `count` additional clusters and appends them to the
// chain currently ending at `tail`, returning the newly allocated
// clusters in order.
func (t *Table) Extend(tail vfat.ClusterID, count uint64, near vfat.ClusterID) ([]vfat.ClusterID, errors.DriverError) {
	newClusters, err := t.Alloc(count, near)
	if err != nil {
		return nil, err
	}
	if err := t.set(tail, Entry{Kind: EntryNext, Next: newClusters[0]}); err != nil {
		return nil, err
	}
	return newClusters, nil
}

// FreeChain walks the chain starting at `start`, returns every cluster
// in it to the free map, and zeroes their FAT entries.
func (t *Table) FreeChain(start vfat.ClusterID) errors.DriverError {
	chain, err := t.Chain(start)
	if err != nil {
		return err
	}
	for _, cluster := range chain {
		if err := t.set(cluster, Entry{Kind: EntryFree}); err != nil {
			return err
		}
		t.freeMap.Insert(uint64(cluster), 1)
	}
	return nil
}

// TruncateChain cuts the chain starting at `start` so it holds exactly
// `keep` clusters, freeing the remainder. If keep >= the chain's current
// length, TruncateChain is a no-op.
func (t *Table) TruncateChain(start vfat.ClusterID, keep uint64) errors.DriverError {
	if keep == 0 {
		return t.FreeChain(start)
	}
	chain, err := t.Chain(start)
	if err != nil {
		return err
	}
	if uint64(len(chain)) <= keep {
		return nil
	}

	if err := t.set(chain[keep-1], Entry{Kind: EntryEOF}); err != nil {
		return err
	}
	for _, cluster := range chain[keep:] {
		if err := t.set(cluster, Entry{Kind: EntryFree}); err != nil {
			return err
		}
		t.freeMap.Insert(uint64(cluster), 1)
	}
	return nil
}

// FreeClusters returns the number of clusters currently marked free.
func (t *Table) FreeClusters() uint64 { return t.freeMap.Total() }

// FreeRuns returns the free-cluster extents as absolute cluster numbers,
// letting a caller zero free space one run at a time instead of walking
// every cluster individually.
func (t *Table) FreeRuns() []rle.Run { return t.freeMap.Runs() }

// IsFree reports whether cluster currently holds EntryFree.
func (t *Table) IsFree(cluster vfat.ClusterID) (bool, errors.DriverError) {
	entry, err := t.get(cluster)
	if err != nil {
		return false, err
	}
	return entry.Kind == EntryFree, nil
}

// VerifyMirrors compares every FAT copy beyond the first against copy 0
// byte-for-byte, reporting one error per copy that disagrees. A
// single-FAT volume always reports no mismatches.
func (t *Table) VerifyMirrors() ([]error, errors.DriverError) {
	if t.geometry.NumFATs < 2 {
		return nil, nil
	}
	fatSize := int64(t.geometry.SectorsPerFAT()) * int64(t.geometry.BytesPerSector)
	primary := make([]byte, fatSize)
	if err := t.cache.Read(t.fatCopyOffset(0), primary); err != nil {
		return nil, err
	}

	var mismatches []error
	for fatIndex := 1; fatIndex < int(t.geometry.NumFATs); fatIndex++ {
		mirror := make([]byte, fatSize)
		if err := t.cache.Read(t.fatCopyOffset(fatIndex), mirror); err != nil {
			return nil, err
		}
		if !bytes.Equal(primary, mirror) {
			mismatches = append(mismatches, fmt.Errorf("FAT copy %d disagrees with FAT copy 0", fatIndex))
		}
	}
	return mismatches, nil
}
