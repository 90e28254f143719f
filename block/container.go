// Package block defines the Container abstraction: a linear,
// sector-addressed byte store backed by a file, a raw device, or an
// in-memory buffer. It is the generalization of the
// teacher's drivers/common/blockdevice.go BlockDevice type from
// fixed-size "block" I/O to arbitrary sector-aligned byte ranges, since
// the layers above it (sector cache, virtual-disk engines, partitions)
// all need plain ReadAt/WriteAt semantics rather than block-counted
// Read/Write.
package block

import (
	"fmt"
	"io"

	"github.com/maxpat78/FATtools/errors"
	"github.com/xaionaro-go/bytesextra"
)

// Container is a byte-addressable, sector-aligned store of known total
// size. Every offset and length passed to Read/Write must be a multiple
// of SectorSize.
type Container interface {
	// Read fills and returns a buffer of `length` bytes starting at
	// `offset`. Both must be sector-multiples.
	Read(offset int64, length int) ([]byte, errors.DriverError)
	// Write writes `data` at `offset`. Both the offset and len(data) must
	// be sector-multiples.
	Write(offset int64, data []byte) errors.DriverError
	// Size returns the total size of the container, in bytes.
	Size() int64
	// SectorSize returns the size of one sector, in bytes (512 or 4096).
	SectorSize() int
	// ReadOnly reports whether the container rejects Write calls.
	ReadOnly() bool
	// Close flushes any pending state and releases underlying resources.
	Close() error
}

// checkBounds validates that an I/O of `length` bytes at `offset` is
// sector-aligned and within [0, size).
func checkBounds(offset int64, length int, size int64, sectorSize int) errors.DriverError {
	if offset < 0 || length < 0 {
		return errors.IOError.WithMessage("negative offset or length")
	}
	if offset%int64(sectorSize) != 0 || length%sectorSize != 0 {
		return errors.IOError.WithMessage(
			fmt.Sprintf(
				"offset %d and length %d must be multiples of the sector size (%d)",
				offset, length, sectorSize,
			),
		)
	}
	if offset+int64(length) > size {
		return errors.IOError.WithMessage(
			fmt.Sprintf("range [%d, %d) extends past end of container (%d bytes)", offset, offset+int64(length), size),
		)
	}
	return nil
}

// FileContainer is a Container backed by an os.File-like
// io.ReaderAt+io.WriterAt+io.Closer, used for raw disk image files and
// (via a small wrapper) physical block devices.
type FileContainer struct {
	stream     io.ReaderAt
	writer     io.WriterAt
	closer     io.Closer
	size       int64
	sectorSize int
	readOnly   bool
}

// NewFileContainer wraps an already-open stream. If the stream doesn't
// implement io.WriterAt, or readOnly is true, all Write calls fail with
// errors.ReadOnly.
func NewFileContainer(stream io.ReaderAt, size int64, sectorSize int, readOnly bool) (*FileContainer, errors.DriverError) {
	if sectorSize != 512 && sectorSize != 4096 {
		return nil, errors.BadFormat.WithMessage(fmt.Sprintf("unsupported sector size %d", sectorSize))
	}
	if size%int64(sectorSize) != 0 {
		return nil, errors.BadFormat.WithMessage("container size is not a multiple of the sector size")
	}

	container := &FileContainer{stream: stream, size: size, sectorSize: sectorSize, readOnly: readOnly}
	if writer, ok := stream.(io.WriterAt); ok && !readOnly {
		container.writer = writer
	} else {
		container.readOnly = true
	}
	if closer, ok := stream.(io.Closer); ok {
		container.closer = closer
	}
	return container, nil
}

func (c *FileContainer) Read(offset int64, length int) ([]byte, errors.DriverError) {
	if err := checkBounds(offset, length, c.size, c.sectorSize); err != nil {
		return nil, err
	}

	buffer := make([]byte, length)
	n, err := c.stream.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return nil, errors.IOError.WrapError(err)
	}
	if n < length && offset+int64(length) < c.size {
		return nil, errors.IOError.WithMessage(fmt.Sprintf("short read: got %d of %d bytes", n, length))
	}
	return buffer, nil
}

func (c *FileContainer) Write(offset int64, data []byte) errors.DriverError {
	if c.readOnly {
		return errors.ReadOnly.WithMessage("container was opened read-only")
	}
	if err := checkBounds(offset, len(data), c.size, c.sectorSize); err != nil {
		return err
	}
	if _, err := c.writer.WriteAt(data, offset); err != nil {
		return errors.IOError.WrapError(err)
	}
	return nil
}

func (c *FileContainer) Size() int64       { return c.size }
func (c *FileContainer) SectorSize() int   { return c.sectorSize }
func (c *FileContainer) ReadOnly() bool    { return c.readOnly }

func (c *FileContainer) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// truncater is implemented by *os.File; FileContainer.Resize uses it
// when the wrapped stream supports growing or shrinking in place.
type truncater interface {
	Truncate(size int64) error
}

// Resize implements Resizable when the wrapped stream supports
// truncation (e.g. an *os.File backing a raw image or sparse vdisk
// engine). Containers over other io.ReaderAt/WriterAt streams (network
// blobs, fixed-size test buffers) return errors.IOError.
func (c *FileContainer) Resize(newSize int64) errors.DriverError {
	if c.readOnly {
		return errors.ReadOnly.WithMessage("container was opened read-only")
	}
	if newSize%int64(c.sectorSize) != 0 {
		return errors.IOError.WithMessage("new size is not a multiple of the sector size")
	}
	t, ok := c.stream.(truncater)
	if !ok {
		return errors.IOError.WithMessage("underlying stream does not support resizing")
	}
	if err := t.Truncate(newSize); err != nil {
		return errors.IOError.WrapError(err)
	}
	c.size = newSize
	return nil
}

// MemoryContainer is a Container backed entirely by an in-memory byte
// slice, used for tests and for small images assembled before being
// flushed to disk. Reads are served through
// github.com/xaionaro-go/bytesextra's []byte-to-io.ReaderAt adapter;
// writes go through github.com/noxer/bytewriter's bounded []byte window
// writer.
type MemoryContainer struct {
	data       []byte
	reader     io.ReaderAt
	sectorSize int
	readOnly   bool
}

// NewMemoryContainer creates a Container over a freshly zeroed buffer of
// `size` bytes.
func NewMemoryContainer(size int64, sectorSize int) (*MemoryContainer, errors.DriverError) {
	if sectorSize != 512 && sectorSize != 4096 {
		return nil, errors.BadFormat.WithMessage(fmt.Sprintf("unsupported sector size %d", sectorSize))
	}
	if size%int64(sectorSize) != 0 {
		return nil, errors.BadFormat.WithMessage("container size is not a multiple of the sector size")
	}
	return WrapMemoryContainer(make([]byte, size), sectorSize, false)
}

// WrapMemoryContainer adapts an existing byte slice (e.g. a decompressed
// fixture image) into a Container without copying it.
func WrapMemoryContainer(data []byte, sectorSize int, readOnly bool) (*MemoryContainer, errors.DriverError) {
	if int64(len(data))%int64(sectorSize) != 0 {
		return nil, errors.BadFormat.WithMessage("buffer length is not a multiple of the sector size")
	}
	return &MemoryContainer{
		data:       data,
		reader:     bytesextra.NewReadWriteSeeker(data),
		sectorSize: sectorSize,
		readOnly:   readOnly,
	}, nil
}

func (c *MemoryContainer) Read(offset int64, length int) ([]byte, errors.DriverError) {
	if err := checkBounds(offset, length, int64(len(c.data)), c.sectorSize); err != nil {
		return nil, err
	}
	buffer := make([]byte, length)
	if _, err := c.reader.ReadAt(buffer, offset); err != nil && err != io.EOF {
		return nil, errors.IOError.WrapError(err)
	}
	return buffer, nil
}

func (c *MemoryContainer) Write(offset int64, data []byte) errors.DriverError {
	if c.readOnly {
		return errors.ReadOnly.WithMessage("container was opened read-only")
	}
	if err := checkBounds(offset, len(data), int64(len(c.data)), c.sectorSize); err != nil {
		return err
	}

	w := newBoundedWriter(c.data, int(offset))
	if _, err := w.Write(data); err != nil {
		return errors.IOError.WrapError(err)
	}
	return nil
}

func (c *MemoryContainer) Size() int64     { return int64(len(c.data)) }
func (c *MemoryContainer) SectorSize() int { return c.sectorSize }
func (c *MemoryContainer) ReadOnly() bool  { return c.readOnly }
func (c *MemoryContainer) Close() error    { return nil }

// Bytes exposes the backing buffer directly, for tests and for callers
// writing out a finished in-memory image.
func (c *MemoryContainer) Bytes() []byte { return c.data }

// Resize implements Resizable by reallocating the backing buffer,
// zero-extending on growth or truncating on shrink.
func (c *MemoryContainer) Resize(newSize int64) errors.DriverError {
	if c.readOnly {
		return errors.ReadOnly.WithMessage("container was opened read-only")
	}
	if newSize%int64(c.sectorSize) != 0 {
		return errors.IOError.WithMessage("new size is not a multiple of the sector size")
	}
	grown := make([]byte, newSize)
	copy(grown, c.data)
	c.data = grown
	c.reader = bytesextra.NewReadWriteSeeker(c.data)
	return nil
}

// Resizable is implemented by containers that can grow or shrink their
// backing store in place, such as the dynamic-block allocation vdisk
// engines need as a sparse image's block count grows. Not every
// Container supports this — physical block devices never do.
type Resizable interface {
	Resize(newSize int64) errors.DriverError
}
