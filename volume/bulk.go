package volume

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// SortKey selects the comparison Sort orders a directory's live entries
// by. Sorting is stable and idempotent: sorting an already-sorted
// directory by the same key rewrites it identically.
type SortKey int

const (
	SortByName SortKey = iota
	SortBySize
	SortByModifiedTime
)

func (k SortKey) less() func(a, b nodeEntry) bool {
	switch k {
	case SortBySize:
		return func(a, b nodeEntry) bool { return a.Size < b.Size }
	case SortByModifiedTime:
		return func(a, b nodeEntry) bool { return a.ModifiedAt.Before(b.ModifiedAt) }
	default:
		return func(a, b nodeEntry) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) }
	}
}

// Sort rewrites the directory at path in place, ordering its live entries
// by key without touching any other directory or reallocating clusters.
func (v *Volume) Sort(path string, key SortKey) errors.DriverError {
	if !v.flags.CanWrite() {
		return errors.ReadOnly.WithMessage("volume is not mounted for writing")
	}
	dir, entry, err := v.resolve(path)
	if err != nil {
		return err
	}
	if entry != nil {
		if !entry.Attrs.IsDir() {
			return errors.NotFound.WithMessage(path + " is not a directory")
		}
		dir, err = dir.OpenSubdirectory(*entry)
		if err != nil {
			return err
		}
	}
	return dir.Sort(key.less())
}

// wipeChunkBytes bounds how much zero-filled memory a single Wipe write
// holds at once, so zeroing a run spanning gigabytes doesn't require
// allocating a buffer that large.
const wipeChunkBytes = 1 << 20

// Wipe overwrites every free cluster with zeros, walking the volume's
// free-cluster run map so allocated regions are never touched.
func (v *Volume) Wipe() errors.DriverError {
	if !v.flags.CanWrite() {
		return errors.ReadOnly.WithMessage("volume is not mounted for writing")
	}

	var clusterByteOffset func(vfat.ClusterID) int64
	var bytesPerCluster uint64
	switch {
	case v.fatGeometry != nil:
		clusterByteOffset = v.fatGeometry.ClusterByteOffset
		bytesPerCluster = v.fatGeometry.BytesPerCluster
	default:
		clusterByteOffset = v.exfatGeometry.ClusterByteOffset
		bytesPerCluster = v.exfatGeometry.BytesPerCluster
	}

	chunk := make([]byte, wipeChunkBytes)
	for _, run := range v.root.FreeRuns() {
		offset := clusterByteOffset(vfat.ClusterID(run.Start))
		remaining := run.Length * bytesPerCluster
		for remaining > 0 {
			n := uint64(len(chunk))
			if remaining < n {
				n = remaining
			}
			if werr := v.store.Write(offset, chunk[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
			remaining -= n
		}
	}
	return nil
}

// FileFragmentation is one file's extent list: the contiguous cluster
// runs backing its data, in the order a reader walks them.
type FileFragmentation struct {
	Path    string
	Extents []Extent
}

// FragmentationReport is the result of walking every file on a volume
// and recording how many contiguous extents each one occupies.
type FragmentationReport struct {
	Files              []FileFragmentation
	TotalFiles         int
	FragmentedFiles    int
	FragmentationRatio float64
	TotalSize          uint64
	TotalSizeHuman     string
}

// FragmentationReport walks the whole directory tree and reports, per
// file, how many contiguous cluster extents hold its data, plus the
// fraction of files that aren't stored in a single extent.
func (v *Volume) FragmentationReport() (FragmentationReport, errors.DriverError) {
	report := FragmentationReport{}

	var walk func(dir dirNode, path string) errors.DriverError
	walk = func(dir dirNode, path string) errors.DriverError {
		for _, e := range dir.Iter() {
			entryPath := joinPath(path, e.Name)
			if e.Attrs.IsDir() {
				sub, serr := dir.OpenSubdirectory(e)
				if serr != nil {
					return serr
				}
				if werr := walk(sub, entryPath); werr != nil {
					return werr
				}
				continue
			}
			extents, eerr := dir.Extents(e)
			if eerr != nil {
				return eerr
			}
			report.TotalFiles++
			report.TotalSize += e.Size
			if len(extents) > 1 {
				report.FragmentedFiles++
			}
			report.Files = append(report.Files, FileFragmentation{Path: entryPath, Extents: extents})
		}
		return nil
	}

	if err := walk(v.root, ""); err != nil {
		return FragmentationReport{}, err
	}
	if report.TotalFiles > 0 {
		report.FragmentationRatio = float64(report.FragmentedFiles) / float64(report.TotalFiles)
	}
	report.TotalSizeHuman = humanize.Bytes(report.TotalSize)
	return report, nil
}
