//go:build !linux

package block

import (
	"errors"
	"os"
)

// blockDeviceSize has no portable implementation outside Linux; callers
// fall back to the file's reported size (which is correct for image
// files, the common case on non-Linux hosts).
func blockDeviceSize(f *os.File, sectorSize int) (int64, error) {
	return 0, errors.New("raw block device size detection is only implemented on linux")
}
