package volume

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/vfat"
)

// Validate runs mount-time structural consistency checks that go beyond
// what Mount itself requires in order to open a volume: FAT mirror
// agreement on FAT12/16/32 (every copy beyond the first must agree with
// copy 0), and orphan-slot detection (a directory entry whose first
// cluster the allocator considers free, rather than belonging to that
// entry). Every finding is accumulated rather than stopping at the
// first, so a caller sees the whole picture in one pass.
func (v *Volume) Validate() error {
	var result *multierror.Error

	if v.fatTable != nil {
		mismatches, verr := v.fatTable.VerifyMirrors()
		if verr != nil {
			result = multierror.Append(result, verr)
		}
		for _, m := range mismatches {
			result = multierror.Append(result, m)
		}
	}

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
			if e.FirstCluster == vfat.ClusterFree {
				continue
			}
			allocated, aerr := dir.ClusterAllocated(e.FirstCluster)
			if aerr != nil {
				return aerr
			}
			if !allocated {
				result = multierror.Append(result, fmt.Errorf(
					"%s: first cluster %d is marked free", entryPath, e.FirstCluster))
			}
		}
		return nil
	}
	if werr := walk(v.root, ""); werr != nil {
		result = multierror.Append(result, werr)
	}

	return result.ErrorOrNil()
}
