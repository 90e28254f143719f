package volume

import (
	"bytes"
	"testing"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/exfat"
	"github.com/maxpat78/FATtools/fat"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/stretchr/testify/require"
)

func newFatVolume(t *testing.T, kind vfat.FSKind, sizeBytes int64, sectorsPerCluster uint8) block.Container {
	t.Helper()
	host, err := block.NewMemoryContainer(sizeBytes, 512)
	require.Nil(t, err)
	_, formatCache, _, _, ferr := fat.Format(host, kind, sectorsPerCluster, "TESTVOL", 64)
	require.Nil(t, ferr)
	require.Nil(t, formatCache.Flush())
	return host
}

func newExfatVolume(t *testing.T, sizeBytes int64) block.Container {
	t.Helper()
	host, err := block.NewMemoryContainer(sizeBytes, 512)
	require.Nil(t, err)
	_, formatCache, _, _, _, _, ferr := exfat.Format(host, 3, "TESTVOL", 64)
	require.Nil(t, ferr)
	require.Nil(t, formatCache.Flush())
	return host
}

func TestMountRecognizesFAT16(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)
	require.Equal(t, vfat.FSFAT16, vol.Statfs().Kind)
}

func TestMountRecognizesExFAT(t *testing.T) {
	host := newExfatVolume(t, 16*1024*1024)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)
	require.Equal(t, vfat.FSExFAT, vol.Statfs().Kind)
}

func TestFATCreateWriteReadRoundTrip(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	f, cerr := vol.Create("hello.txt")
	require.Nil(t, cerr)
	payload := []byte("hello, world")
	n, werr := f.Write(payload)
	require.Nil(t, werr)
	require.Equal(t, len(payload), n)
	require.Nil(t, f.Close())

	stat, serr := vol.Stat("hello.txt")
	require.Nil(t, serr)
	require.Equal(t, int64(len(payload)), stat.Size)

	handle, operr := vol.Open("hello.txt", vfat.ORead)
	require.Nil(t, operr)
	got := make([]byte, len(payload))
	_, rerr := handle.Read(got)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(payload, got))
	require.Nil(t, handle.Close())
}

func TestExFATCreateWriteReadRoundTrip(t *testing.T) {
	host := newExfatVolume(t, 16*1024*1024)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	f, cerr := vol.Create("hello.txt")
	require.Nil(t, cerr)
	payload := []byte("hello from exfat")
	_, werr := f.Write(payload)
	require.Nil(t, werr)
	require.Nil(t, f.Close())

	handle, operr := vol.Open("hello.txt", vfat.ORead)
	require.Nil(t, operr)
	got := make([]byte, len(payload))
	_, rerr := handle.Read(got)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(payload, got))
}

func TestMkdirThenListNestedDirectory(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	_, merr := vol.Mkdir("docs")
	require.Nil(t, merr)

	_, cerr := vol.Create("docs/readme.txt")
	require.Nil(t, cerr)

	entries, lerr := vol.List("docs")
	require.Nil(t, lerr)
	require.Len(t, entries, 1)
	require.Equal(t, "readme.txt", entries[0].Name)
}

func TestExFATMkdirThenListNestedDirectory(t *testing.T) {
	host := newExfatVolume(t, 16*1024*1024)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	_, merr := vol.Mkdir("docs")
	require.Nil(t, merr)

	_, cerr := vol.Create("docs/readme.txt")
	require.Nil(t, cerr)

	entries, lerr := vol.List("docs")
	require.Nil(t, lerr)
	require.Len(t, entries, 1)
	require.Equal(t, "readme.txt", entries[0].Name)
}

func TestRemoveDeletesFile(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	_, cerr := vol.Create("gone.txt")
	require.Nil(t, cerr)
	require.Nil(t, vol.Remove("gone.txt"))

	_, serr := vol.Stat("gone.txt")
	require.NotNil(t, serr)
}

func TestRenameChangesLookupName(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	_, cerr := vol.Create("old.txt")
	require.Nil(t, cerr)
	require.Nil(t, vol.Rename("old.txt", "new.txt"))

	_, serr := vol.Stat("new.txt")
	require.Nil(t, serr)
}

func TestOpenRejectsWriteOnReadOnlyMount(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowRead, 64)
	require.Nil(t, err)

	_, cerr := vol.Create("x.txt")
	require.NotNil(t, cerr)
}

func TestStatfsReportsFreeClusters(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	stat := vol.Statfs()
	require.Greater(t, stat.TotalBlocks, uint64(0))
	require.LessOrEqual(t, stat.BlocksFree, stat.TotalBlocks)
}

func TestSortOrdersEntriesByName(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	for _, name := range []string{"d.txt", "b.txt", "a.txt", "c.txt"} {
		_, cerr := vol.Create(name)
		require.Nil(t, cerr)
	}

	require.Nil(t, vol.Sort("", SortByName))

	entries, lerr := vol.List("")
	require.Nil(t, lerr)
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Name
	}
	require.Equal(t, []string{"a.txt", "b.txt", "c.txt", "d.txt"}, got)
}

func TestSortIsIdempotent(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	for _, name := range []string{"z.txt", "m.txt", "a.txt"} {
		_, cerr := vol.Create(name)
		require.Nil(t, cerr)
	}

	require.Nil(t, vol.Sort("", SortByName))
	first, lerr := vol.List("")
	require.Nil(t, lerr)

	require.Nil(t, vol.Sort("", SortByName))
	second, lerr2 := vol.List("")
	require.Nil(t, lerr2)

	require.Equal(t, first, second)
}

func TestWipeZeroesFreeClustersOnly(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	f, cerr := vol.Create("keep.txt")
	require.Nil(t, cerr)
	payload := []byte("do not zero me")
	_, werr := f.Write(payload)
	require.Nil(t, werr)
	require.Nil(t, f.Close())

	require.Nil(t, vol.Wipe())

	handle, operr := vol.Open("keep.txt", vfat.ORead)
	require.Nil(t, operr)
	got := make([]byte, len(payload))
	_, rerr := handle.Read(got)
	require.Nil(t, rerr)
	require.True(t, bytes.Equal(payload, got))
	require.Nil(t, handle.Close())
}

func TestValidateAcceptsFreshlyFormattedVolume(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	_, cerr := vol.Create("hello.txt")
	require.Nil(t, cerr)

	require.NoError(t, vol.Validate())
}

func TestExFATValidateAcceptsFreshlyFormattedVolume(t *testing.T) {
	host := newExfatVolume(t, 16*1024*1024)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	_, cerr := vol.Create("hello.txt")
	require.Nil(t, cerr)

	require.NoError(t, vol.Validate())
}

func TestFragmentationReportCountsWholeFileAsOneExtent(t *testing.T) {
	host := newFatVolume(t, vfat.FSFAT16, 8*1024*1024, 1)
	vol, err := Mount(host, vfat.MountFlagsAllowAll, 64)
	require.Nil(t, err)

	f, cerr := vol.Create("whole.txt")
	require.Nil(t, cerr)
	_, werr := f.Write([]byte("contiguous"))
	require.Nil(t, werr)
	require.Nil(t, f.Close())

	report, rerr := vol.FragmentationReport()
	require.Nil(t, rerr)
	require.Equal(t, 1, report.TotalFiles)
	require.Equal(t, 0, report.FragmentedFiles)
	require.Len(t, report.Files, 1)
	require.Equal(t, "whole.txt", report.Files[0].Path)
	require.Len(t, report.Files[0].Extents, 1)
}
