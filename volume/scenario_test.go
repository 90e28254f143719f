package volume_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/exfat"
	"github.com/maxpat78/FATtools/fat"
	"github.com/maxpat78/FATtools/partition"
	"github.com/maxpat78/FATtools/vdisk/vhd"
	"github.com/maxpat78/FATtools/vdisk/vhdx"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/maxpat78/FATtools/volume"
)

// A 64 MiB raw image formatted FAT16 with 2 KiB clusters survives a
// write, close, and read-only reopen with byte-identical content.
func TestRawFAT16WriteCloseReopenRoundTrip(t *testing.T) {
	host, err := block.NewMemoryContainer(64*1024*1024, 512)
	require.Nil(t, err)

	_, formatCache, _, _, ferr := fat.Format(host, vfat.FSFAT16, 4, "RAWVOL", 64)
	require.Nil(t, ferr)
	require.Nil(t, formatCache.Flush())

	vol, merr := volume.Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, merr)

	f, cerr := vol.Create("a.txt")
	require.Nil(t, cerr)
	_, werr := f.Write([]byte("hello\n"))
	require.Nil(t, werr)
	require.Nil(t, f.Close())
	require.Nil(t, vol.Close())

	reopened, rerr := volume.Mount(host, vfat.MountFlagsAllowRead, 64)
	require.Nil(t, rerr)

	entries, lerr := reopened.List("")
	require.Nil(t, lerr)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, int64(6), entries[0].Size)

	handle, operr := reopened.Open("a.txt", vfat.ORead)
	require.Nil(t, operr)
	got := make([]byte, 6)
	_, rderr := handle.Read(got)
	require.Nil(t, rderr)
	require.Equal(t, "hello\n", string(got))
}

// An 8 TiB dynamic VHDX behind a single GPT partition, formatted exFAT
// with 128 KiB clusters, keeps four empty files created as a, b, c, d in
// exact alphabetical order through a sort by name. The VHDX's BAT only
// allocates host storage for the blocks actually touched (boot region,
// FAT, allocation bitmap, upcase table, root directory, and the two GPT
// header/entry regions),
// so the virtual 8 TiB size never demands anywhere near that much host
// memory.
func TestDynamicVHDXGPTExFATSortsEmptyFilesByName(t *testing.T) {
	const diskSize = 8 * 1024 * 1024 * 1024 * 1024 // 8 TiB
	const sectorSize = 4096

	host, err := block.NewMemoryContainer(512, 512)
	require.Nil(t, err)

	disk, cerr := vhdx.Create(host, diskSize, 0, sectorSize)
	require.Nil(t, cerr)

	totalLBA := uint64(diskSize / sectorSize)
	startLBA := uint64(2048)
	endLBA := totalLBA - 2048 - 1

	gerr := partition.CreateGPT(disk, uuid.New(), []partition.GPTEntry{{
		TypeGUID:   uuid.New(),
		UniqueGUID: uuid.New(),
		StartLBA:   startLBA,
		EndLBA:     endLBA,
		Name:       "EXFAT",
	}})
	require.Nil(t, gerr)

	gpt, grerr := partition.ReadGPT(disk)
	require.Nil(t, grerr)
	require.Len(t, gpt.Entries, 1)

	part := partition.NewView(disk, startLBA, endLBA-startLBA+1)

	// 128 KiB clusters over 4 KiB sectors is a shift of 5 (2^5 == 32
	// sectors per cluster).
	_, formatCache, _, _, _, _, ferr := exfat.Format(part, 5, "BIGVOL", 64)
	require.Nil(t, ferr)
	require.Nil(t, formatCache.Flush())

	vol, merr := volume.Mount(part, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, merr)

	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		f, fcerr := vol.Create(name)
		require.Nil(t, fcerr)
		require.Nil(t, f.Close())
	}

	require.Nil(t, vol.Sort("", volume.SortByName))

	entries, lerr := vol.List("")
	require.Nil(t, lerr)
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Name
	}
	require.Equal(t, []string{"a.txt", "b.txt", "c.txt", "d.txt"}, got)
}

// A VHD differencing chain isolates writes to the child: the parent
// keeps its original content until a merge folds the child's changes
// back in, after which the child is no longer usable.
func TestVHDDifferencingChainReadsFallThroughThenMerges(t *testing.T) {
	const diskSize = 8 * 1024 * 1024

	parentHost, perr := block.NewMemoryContainer(512, 512)
	require.Nil(t, perr)
	parentDisk, pcerr := vhd.CreateDynamic(parentHost, diskSize, 0)
	require.Nil(t, pcerr)

	_, parentFormatCache, _, _, pferr := fat.Format(parentDisk, vfat.FSFAT16, 1, "PARENT", 64)
	require.Nil(t, pferr)
	require.Nil(t, parentFormatCache.Flush())

	parentVol, pmerr := volume.Mount(parentDisk, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, pmerr)
	pf, pfcerr := parentVol.Create("x.txt")
	require.Nil(t, pfcerr)
	_, pwerr := pf.Write([]byte("A"))
	require.Nil(t, pwerr)
	require.Nil(t, pf.Close())
	require.Nil(t, parentVol.Close())

	childHost, cherr := block.NewMemoryContainer(512, 512)
	require.Nil(t, cherr)
	childDisk, ccerr := vhd.CreateDifferencing(childHost, parentDisk, "parent.vhd", 0)
	require.Nil(t, ccerr)

	childVol, cmerr := volume.Mount(childDisk, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, cmerr)
	ch, chopenerr := childVol.Open("x.txt", vfat.ORdWr)
	require.Nil(t, chopenerr)
	_, chwerr := ch.Write([]byte("B"))
	require.Nil(t, chwerr)
	require.Nil(t, ch.Close())
	require.Nil(t, childVol.Close())

	// Reading through the child sees "B"; the parent disk, untouched by
	// the child's write, still holds "A" at the same guest offset.
	childReopenVol, crmerr := volume.Mount(childDisk, vfat.MountFlagsAllowRead, 64)
	require.Nil(t, crmerr)
	childHandle, chrerr := childReopenVol.Open("x.txt", vfat.ORead)
	require.Nil(t, chrerr)
	childGot := make([]byte, 1)
	_, chrderr := childHandle.Read(childGot)
	require.Nil(t, chrderr)
	require.Equal(t, "B", string(childGot))
	require.Nil(t, childReopenVol.Close())

	parentReopenVol, prmerr := volume.Mount(parentDisk, vfat.MountFlagsAllowRead, 64)
	require.Nil(t, prmerr)
	parentHandle, prerr := parentReopenVol.Open("x.txt", vfat.ORead)
	require.Nil(t, prerr)
	parentGot := make([]byte, 1)
	_, prderr := parentHandle.Read(parentGot)
	require.Nil(t, prderr)
	require.Equal(t, "A", string(parentGot))
	require.Nil(t, parentReopenVol.Close())

	require.Nil(t, childDisk.Merge())

	mergedParentVol, mpmerr := volume.Mount(parentDisk, vfat.MountFlagsAllowRead, 64)
	require.Nil(t, mpmerr)
	mergedHandle, mperr := mergedParentVol.Open("x.txt", vfat.ORead)
	require.Nil(t, mperr)
	mergedGot := make([]byte, 1)
	_, mpderr := mergedHandle.Read(mergedGot)
	require.Nil(t, mpderr)
	require.Equal(t, "B", string(mergedGot))

	_, invalidErr := childDisk.Read(0, 1)
	require.NotNil(t, invalidErr)
}
