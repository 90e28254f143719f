// Package cache implements a write-back sector cache of fixed capacity
// that coalesces small, single-sector I/O and flushes dirty entries in
// ascending LBA order.
//
// This generalizes a cache that holds a contiguous range of blocks
// backing a single file into one that holds a bounded number of
// *arbitrary, non-contiguous* sector slots addressed by LBA against an
// entire container: the bitmap-per-slot bookkeeping becomes a map from
// LBA to slot index, and capacity overflow triggers a full flush instead
// of blockwise eviction.
package cache

import (
	"sort"

	"github.com/boljen/go-bitmap"
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// DefaultCapacity is the default number of one-sector slots held by a new
// Cache.
const DefaultCapacity = 128

// Cache is a write-back sector cache sitting in front of a block.Container.
// I/O of at most half a sector that fits within a single sector is served
// through the cache; anything larger, or spanning more than one sector,
// bypasses it and goes straight to the container.
type Cache struct {
	container  block.Container
	capacity   int
	sectorSize int

	// slot data, one sectorSize-byte entry per occupied slot.
	data []byte
	// lba -> slot index, for every occupied slot.
	slotOf map[vfat.LBA]int
	// lba for each occupied slot, slot index -> LBA; needed to identify a
	// slot's address when flushing or resetting.
	lbaOf []vfat.LBA
	// present/dirty bitmaps, indexed by slot.
	present bitmap.Bitmap
	dirty   bitmap.Bitmap
	used    int
}

// New wraps container in a Cache of the given slot capacity.
func New(container block.Container, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sectorSize := container.SectorSize()
	return &Cache{
		container:  container,
		capacity:   capacity,
		sectorSize: sectorSize,
		data:       make([]byte, capacity*sectorSize),
		slotOf:     make(map[vfat.LBA]int, capacity),
		lbaOf:      make([]vfat.LBA, capacity),
		present:    bitmap.New(capacity),
		dirty:      bitmap.New(capacity),
	}
}

func (c *Cache) lbaToOffset(lba vfat.LBA) int64 { return int64(lba) * int64(c.sectorSize) }

// bypassThreshold is the largest I/O size, in bytes, that the cache will
// serve itself; anything larger reads/writes the container directly.
func (c *Cache) bypassThreshold() int { return c.sectorSize / 2 }

// fitsOneSector reports whether [offset, offset+length) lies entirely
// within a single sector, i.e. doesn't cross a sector boundary. The
// offset itself need not be a multiple of the sector size — a 32-byte
// directory entry in the middle of a sector is exactly the kind of I/O
// the cache exists to coalesce.
func (c *Cache) fitsOneSector(offset int64, length int) bool {
	if length == 0 {
		return true
	}
	sectorSize := int64(c.sectorSize)
	firstSector := offset / sectorSize
	lastSector := (offset + int64(length) - 1) / sectorSize
	return firstSector == lastSector
}

// Read fills buffer starting at byte offset. If the read fits within a
// single sector and is small enough, it's served through the cache;
// otherwise it bypasses straight to the container.
func (c *Cache) Read(offset int64, buffer []byte) errors.DriverError {
	if len(buffer) > c.bypassThreshold() || !c.fitsOneSector(offset, len(buffer)) {
		start := alignDown(offset, int64(c.sectorSize))
		end := alignUpInt64(offset+int64(len(buffer)), int64(c.sectorSize))
		data, err := c.container.Read(start, int(end-start))
		if err != nil {
			return err
		}
		copy(buffer, data[offset-start:])
		return nil
	}

	lba := vfat.LBA(offset / int64(c.sectorSize))
	slot, err := c.ensureLoaded(lba)
	if err != nil {
		return err
	}
	sectorOffset := int(offset % int64(c.sectorSize))
	copy(buffer, c.data[slot*c.sectorSize+sectorOffset:slot*c.sectorSize+sectorOffset+len(buffer)])
	return nil
}

// Write copies buffer into the cache at byte offset, marking the
// affected sector dirty. Oversized writes, or writes spanning more than
// one sector, bypass the cache entirely. A bypass write that is already
// sector-aligned on both ends goes straight to the container; one that
// isn't is read-modify-written across the covering sector range, the
// same widening Read does on its own bypass path, so callers never have
// to sector-align file-data writes themselves.
func (c *Cache) Write(offset int64, buffer []byte) errors.DriverError {
	if len(buffer) > c.bypassThreshold() || !c.fitsOneSector(offset, len(buffer)) {
		sectorSize := int64(c.sectorSize)
		if offset%sectorSize == 0 && int64(len(buffer))%sectorSize == 0 {
			return c.container.Write(offset, buffer)
		}
		start := alignDown(offset, sectorSize)
		end := alignUpInt64(offset+int64(len(buffer)), sectorSize)
		data, err := c.container.Read(start, int(end-start))
		if err != nil {
			return err
		}
		copy(data[offset-start:], buffer)
		return c.container.Write(start, data)
	}

	lba := vfat.LBA(offset / int64(c.sectorSize))
	slot, err := c.ensureLoaded(lba)
	if err != nil {
		return err
	}
	sectorOffset := int(offset % int64(c.sectorSize))
	copy(c.data[slot*c.sectorSize+sectorOffset:slot*c.sectorSize+sectorOffset+len(buffer)], buffer)
	c.dirty.Set(slot, true)
	return nil
}

// ensureLoaded returns the slot index holding lba, loading it from the
// container on a miss. If the cache is full, it flushes everything and
// resets before loading.
func (c *Cache) ensureLoaded(lba vfat.LBA) (int, errors.DriverError) {
	if slot, ok := c.slotOf[lba]; ok {
		return slot, nil
	}

	if c.used == c.capacity {
		if err := c.flushAndReset(); err != nil {
			return 0, err
		}
	}

	slot := c.used
	c.used++
	c.lbaOf[slot] = lba
	c.slotOf[lba] = slot

	raw, err := c.container.Read(c.lbaToOffset(lba), c.sectorSize)
	if err != nil {
		delete(c.slotOf, lba)
		c.used--
		return 0, err
	}
	copy(c.data[slot*c.sectorSize:(slot+1)*c.sectorSize], raw)
	c.present.Set(slot, true)
	c.dirty.Set(slot, false)
	return slot, nil
}

// Flush writes dirty entries and resets dirty bits; clean entries are
// kept so a subsequent read doesn't re-fetch them.
func (c *Cache) Flush() errors.DriverError {
	type pending struct {
		lba  vfat.LBA
		slot int
	}
	var dirtySlots []pending
	for slot := 0; slot < c.used; slot++ {
		if c.dirty.Get(slot) {
			dirtySlots = append(dirtySlots, pending{lba: c.lbaOf[slot], slot: slot})
		}
	}

	sort.Slice(dirtySlots, func(i, j int) bool { return dirtySlots[i].lba < dirtySlots[j].lba })

	for _, p := range dirtySlots {
		offset := c.lbaToOffset(p.lba)
		if err := c.container.Write(offset, c.data[p.slot*c.sectorSize:(p.slot+1)*c.sectorSize]); err != nil {
			return err
		}
		c.dirty.Set(p.slot, false)
	}
	return nil
}

// flushAndReset flushes all dirty entries in ascending LBA order then
// empties the table, rather than evicting one slot at a time.
func (c *Cache) flushAndReset() errors.DriverError {
	if err := c.Flush(); err != nil {
		return err
	}
	c.slotOf = make(map[vfat.LBA]int, c.capacity)
	c.present = bitmap.New(c.capacity)
	c.dirty = bitmap.New(c.capacity)
	c.used = 0
	return nil
}

// Close flushes and releases the underlying container.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.container.Close()
}

func alignDown(v int64, n int64) int64 { return (v / n) * n }
func alignUpInt64(v int64, n int64) int64 {
	if v%n == 0 {
		return v
	}
	return ((v / n) + 1) * n
}
