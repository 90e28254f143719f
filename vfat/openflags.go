package vfat

// OpenFlags selects how volume.Volume.Open opens a file handle,
// analogous to the flags passed to POSIX open(2). This replaces the
// teacher's flags.go, which carried a full table of Linux S_* permission
// bits and MS_* mount-option bits that have no counterpart in a FAT/exFAT
// volume; the iota bitmask idiom is kept, applied to our domain instead.
type OpenFlags int

const (
	// ORead allows Handle.Read.
	ORead = OpenFlags(1 << iota)
	// OWrite allows Handle.Write / Handle.Truncate.
	OWrite
	// OAppend is accepted but not acted on: writes start at the handle's
	// current position.
	OAppend
	// OTruncate is accepted but not acted on: opening leaves the file's
	// length unchanged.
	OTruncate
	// OSync is accepted but not acted on: writes do not flush the sector
	// cache before returning.
	OSync
)

const ORdWr = ORead | OWrite

func (flags OpenFlags) Read() bool        { return flags&ORead != 0 }
func (flags OpenFlags) Write() bool       { return flags&OWrite != 0 }
func (flags OpenFlags) Append() bool      { return flags&OAppend != 0 }
func (flags OpenFlags) Truncate() bool    { return flags&OTruncate != 0 }
func (flags OpenFlags) Synchronous() bool { return flags&OSync != 0 }
