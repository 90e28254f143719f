package block

import (
	"fmt"
	"os"

	"github.com/maxpat78/FATtools/errors"
)

// OpenFile opens a raw disk image or block device file at path as a
// Container. Device-backed containers issue aligned reads directly;
// short reads near EOF fail unless readOnly is false and the size is
// being extended by a subsequent Resize (callers go through
// vdisk/partition/volume for that).
func OpenFile(path string, readOnly bool, sectorSize int) (*FileContainer, errors.DriverError) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.IOError.WrapError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.IOError.WrapError(err)
	}

	size := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		deviceSize, derr := blockDeviceSize(f, sectorSize)
		if derr == nil {
			size = deviceSize
		}
	}

	container, cerr := NewFileContainer(f, size, sectorSize, readOnly)
	if cerr != nil {
		f.Close()
		return nil, cerr
	}
	return container, nil
}

// CreateFile creates a new raw disk image of exactly `size` bytes,
// zero-filled, and returns it as a writable Container.
func CreateFile(path string, size int64, sectorSize int) (*FileContainer, errors.DriverError) {
	if size%int64(sectorSize) != 0 {
		return nil, errors.BadFormat.WithMessage(fmt.Sprintf("size %d is not a multiple of sector size %d", size, sectorSize))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.IOError.WrapError(err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.IOError.WrapError(err)
	}

	return NewFileContainer(f, size, sectorSize, false)
}
