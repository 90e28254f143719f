// Package sparse implements the block-lookup algorithm shared by every
// BAT-style virtual-disk format (VHD, VHDX, VDI, VMDK): translate a
// guest offset into a block index, look it up, fall back to zeros or
// allocate-at-end-of-file on demand, then delegate the sector I/O to
// the host container. Each format package supplies its own BlockMap,
// carrying its own on-disk table layout and host translation.
package sparse

import (
	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
)

// BlockMap is the per-format BAT abstraction: map a guest block index
// to a host byte offset, allocating a new block on demand.
type BlockMap interface {
	// BlockSize returns the size in bytes of one guest block.
	BlockSize() int64
	// Lookup returns the host byte offset of blockIndex's data and
	// whether it is allocated. When unallocated, hostOffset is ignored.
	Lookup(blockIndex uint64) (hostOffset int64, allocated bool, err errors.DriverError)
	// Allocate reserves storage for blockIndex (e.g. at end-of-file,
	// block-size aligned), updates the on-disk table, and returns the
	// new block's host byte offset. Called only on a write miss.
	Allocate(blockIndex uint64) (hostOffset int64, err errors.DriverError)
}

// Read performs a guest-level read through bm, reading real data from
// host for allocated blocks and synthesizing zeros for unallocated
// ones (or, when parent is non-nil, recursing into it for the
// differencing-disk case).
func Read(bm BlockMap, host block.Container, parent block.Container, offset int64, length int) ([]byte, errors.DriverError) {
	out := make([]byte, length)
	blockSize := bm.BlockSize()

	var done int64
	for done < int64(length) {
		absPos := offset + done
		blockIndex := uint64(absPos / blockSize)
		offsetInBlock := absPos % blockSize
		chunk := blockSize - offsetInBlock
		if chunk > int64(length)-done {
			chunk = int64(length) - done
		}

		hostOffset, allocated, err := bm.Lookup(blockIndex)
		if err != nil {
			return nil, err
		}
		if !allocated {
			if parent != nil {
				sub, perr := parent.Read(absPos, int(chunk))
				if perr != nil {
					return nil, perr
				}
				copy(out[done:done+chunk], sub)
			}
			// else: leave this window zeroed, already the default.
			done += chunk
			continue
		}

		buffer, rerr := host.Read(hostOffset+offsetInBlock, int(chunk))
		if rerr != nil {
			return nil, rerr
		}
		copy(out[done:done+chunk], buffer)
		done += chunk
	}
	return out, nil
}

// Write performs a guest-level write through bm, allocating a new
// block at end-of-file on a write miss before delegating to host.
func Write(bm BlockMap, host block.Container, offset int64, data []byte) errors.DriverError {
	blockSize := bm.BlockSize()

	var done int64
	length := int64(len(data))
	for done < length {
		absPos := offset + done
		blockIndex := uint64(absPos / blockSize)
		offsetInBlock := absPos % blockSize
		chunk := blockSize - offsetInBlock
		if chunk > length-done {
			chunk = length - done
		}

		hostOffset, allocated, err := bm.Lookup(blockIndex)
		if err != nil {
			return err
		}
		if !allocated {
			hostOffset, err = bm.Allocate(blockIndex)
			if err != nil {
				return err
			}
		}

		if err := host.Write(hostOffset+offsetInBlock, data[done:done+chunk]); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}
