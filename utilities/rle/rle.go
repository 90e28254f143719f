// Package rle implements a run-length-encoded map from a starting integer
// to a run length, used by package fat for the free-cluster map and the
// directory free-slot map, and by package volume for skipping allocated
// regions during wipe.
//
// This generalizes a run-length-encoded stream of (value, run-length)
// pairs with merge-on-insert semantics from "runs of a repeated byte
// value in a stream" to "runs of consecutive integers in a set": a
// free-cluster map is exactly a set of integers (free cluster numbers)
// represented as maximal, disjoint runs.
package rle

import (
	"errors"
	"sort"
)

// ErrNoSpace is returned by Allocate when the map doesn't hold enough
// free units to satisfy the request, even after combining every run.
var ErrNoSpace = errors.New("not enough free units in the run map")

// Run is a maximal, closed-open range [Start, Start+Length).
type Run struct {
	Start  uint64
	Length uint64
}

func (r Run) End() uint64 { return r.Start + r.Length }

// Map holds a set of non-negative integers as a sorted list of maximal,
// disjoint runs. The zero value is an empty map.
type Map struct {
	runs []Run
}

// NewMap creates an empty Map.
func NewMap() *Map { return &Map{} }

// NewMapFromRuns builds a Map from unsorted, possibly-adjacent runs,
// merging as needed. Used to seed a map from the result of a FAT or
// allocation-bitmap scan.
func NewMapFromRuns(runs []Run) *Map {
	m := NewMap()
	for _, r := range runs {
		if r.Length > 0 {
			m.Insert(r.Start, r.Length)
		}
	}
	return m
}

// Runs returns the maximal, disjoint runs in ascending order. The slice
// is a copy; callers may not mutate the Map through it.
func (m *Map) Runs() []Run {
	out := make([]Run, len(m.runs))
	copy(out, m.runs)
	return out
}

// Total returns the number of units covered by the map.
func (m *Map) Total() uint64 {
	var total uint64
	for _, r := range m.runs {
		total += r.Length
	}
	return total
}

// Contains reports whether v is a member of some run.
func (m *Map) Contains(v uint64) bool {
	i := sort.Search(len(m.runs), func(i int) bool { return m.runs[i].Start+m.runs[i].Length > v })
	return i < len(m.runs) && m.runs[i].Start <= v
}

// Insert adds [start, start+length) to the map, merging with adjacent or
// overlapping runs so the invariant of maximal, disjoint runs holds.
func (m *Map) Insert(start, length uint64) {
	if length == 0 {
		return
	}
	newRun := Run{Start: start, Length: length}

	// Find the first run that could be adjacent to or overlap newRun.
	i := sort.Search(len(m.runs), func(i int) bool { return m.runs[i].End() >= newRun.Start })

	j := i
	for j < len(m.runs) && m.runs[j].Start <= newRun.End() {
		if m.runs[j].Start < newRun.Start {
			newRun.Start = m.runs[j].Start
		}
		if m.runs[j].End() > newRun.End() {
			newRun.Length = m.runs[j].End() - newRun.Start
		} else {
			newRun.Length = newRun.End() - newRun.Start
		}
		j++
	}

	merged := make([]Run, 0, len(m.runs)-(j-i)+1)
	merged = append(merged, m.runs[:i]...)
	merged = append(merged, newRun)
	merged = append(merged, m.runs[j:]...)
	m.runs = merged
}

// removeFromRunStart cuts [start, start+length) off the *front* of the
// run that begins exactly at start, shrinking or removing it. Callers
// must only call this with a (start, length) that Allocate produced.
func (m *Map) removeFromRunStart(start, length uint64) {
	i := sort.Search(len(m.runs), func(i int) bool { return m.runs[i].Start >= start })
	if i >= len(m.runs) || m.runs[i].Start != start || m.runs[i].Length < length {
		return
	}
	if m.runs[i].Length == length {
		m.runs = append(m.runs[:i], m.runs[i+1:]...)
		return
	}
	m.runs[i] = Run{Start: start + length, Length: m.runs[i].Length - length}
}

// Remove deletes [start, start+length) from the map even if it only
// partially overlaps one or more existing runs, splitting runs as
// needed. Used when a caller frees a specific, arbitrary sub-range.
func (m *Map) Remove(start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	var out []Run
	for _, r := range m.runs {
		switch {
		case r.End() <= start || r.Start >= end:
			out = append(out, r)
		default:
			if r.Start < start {
				out = append(out, Run{Start: r.Start, Length: start - r.Start})
			}
			if r.End() > end {
				out = append(out, Run{Start: end, Length: r.End() - end})
			}
		}
	}
	m.runs = out
}

// bestFit finds the shortest run at least `length` units long, preferring
// a run starting at or after `near` among ties, else the lowest start.
func (m *Map) bestFit(length uint64, near uint64) (Run, bool) {
	var best Run
	found := false
	for _, r := range m.runs {
		if r.Length < length {
			continue
		}
		switch {
		case !found:
			best, found = r, true
		case r.Length < best.Length:
			best = r
		case r.Length == best.Length:
			bestIsAfterNear := best.Start >= near
			rIsAfterNear := r.Start >= near
			switch {
			case rIsAfterNear && !bestIsAfterNear:
				best = r
			case rIsAfterNear == bestIsAfterNear && r.Start < best.Start:
				best = r
			}
		}
	}
	return best, found
}

// largestRun returns the single longest run in the map.
func (m *Map) largestRun() (Run, bool) {
	var best Run
	found := false
	for _, r := range m.runs {
		if !found || r.Length > best.Length {
			best, found = r, true
		}
	}
	return best, found
}

// Allocate removes `count` units from the map and returns the extents
// that were consumed: best-fit with first-of-ties if a single run can
// satisfy the whole request contiguously, otherwise the largest available
// runs are consumed in descending-size order until the request is
// satisfied. The map is left unmodified if there isn't enough total free
// space to satisfy the request.
func (m *Map) Allocate(count uint64, near uint64) ([]Run, error) {
	if count == 0 {
		return nil, nil
	}
	if m.Total() < count {
		return nil, ErrNoSpace
	}

	if run, ok := m.bestFit(count, near); ok {
		m.removeFromRunStart(run.Start, count)
		return []Run{{Start: run.Start, Length: count}}, nil
	}

	var allocated []Run
	remaining := count
	for remaining > 0 {
		run, ok := m.largestRun()
		if !ok {
			// Unreachable: Total() already confirmed enough space exists.
			return nil, ErrNoSpace
		}
		take := run.Length
		if take > remaining {
			take = remaining
		}
		allocated = append(allocated, Run{Start: run.Start, Length: take})
		m.removeFromRunStart(run.Start, take)
		remaining -= take
	}
	return allocated, nil
}
