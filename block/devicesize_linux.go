//go:build linux

package block

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// blockDeviceSize asks the kernel for the size of a raw block device via
// the BLKGETSIZE64 ioctl, since os.File.Stat().Size() reports 0 for
// device nodes. Grounded on ostafen/digler's use of golang.org/x/sys for
// raw device access.
func blockDeviceSize(f *os.File, sectorSize int) (int64, error) {
	var size uint64
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		f.Fd(),
		unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(&size)),
	)
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}
