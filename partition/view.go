// Package partition parses MBR and GPT partition tables and exposes each
// partition as a block.Container view clamped to its own bounds: parse a
// header, then expose a sub-range of the wider stream underneath it.
package partition

import (
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
)

// View is a block.Container clamped to [startLBA, startLBA+lengthLBA) of
// an underlying container. Writing past its boundaries fails.
type View struct {
	parent     block.Container
	startByte  int64
	sizeBytes  int64
	sectorSize int
	readOnly   bool
}

// NewView creates a sub-container view over [startLBA, startLBA+lengthLBA)
// sectors of parent.
func NewView(parent block.Container, startLBA, lengthLBA uint64) *View {
	sectorSize := parent.SectorSize()
	return &View{
		parent:     parent,
		startByte:  int64(startLBA) * int64(sectorSize),
		sizeBytes:  int64(lengthLBA) * int64(sectorSize),
		sectorSize: sectorSize,
		readOnly:   parent.ReadOnly(),
	}
}

func (v *View) Read(offset int64, length int) ([]byte, errors.DriverError) {
	if offset < 0 || int64(length) > v.sizeBytes-offset {
		return nil, errors.IOError.WithMessage("read extends past partition boundary")
	}
	return v.parent.Read(v.startByte+offset, length)
}

func (v *View) Write(offset int64, data []byte) errors.DriverError {
	if v.readOnly {
		return errors.ReadOnly.WithMessage("partition view is read-only")
	}
	if offset < 0 || int64(len(data)) > v.sizeBytes-offset {
		return errors.IOError.WithMessage("write extends past partition boundary")
	}
	return v.parent.Write(v.startByte+offset, data)
}

func (v *View) Size() int64       { return v.sizeBytes }
func (v *View) SectorSize() int   { return v.sectorSize }
func (v *View) ReadOnly() bool    { return v.readOnly }
func (v *View) Close() error      { return nil }
