package imagefmt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/vfat"
)

func TestLookupFindsKnownPreset(t *testing.T) {
	p, err := Lookup("fd1440")
	require.NoError(t, err)
	require.Equal(t, int64(1474560), p.TotalSizeBytes)
	require.Equal(t, vfat.FSFAT12, p.Kind())
}

func TestLookupRejectsUnknownSlug(t *testing.T) {
	_, err := Lookup("does-not-exist")
	require.Error(t, err)
}

func TestAllReturnsSortedSlugs(t *testing.T) {
	presets := All()
	require.NotEmpty(t, presets)
	for i := 1; i < len(presets); i++ {
		require.Less(t, presets[i-1].Slug, presets[i].Slug)
	}
}

func TestExfatPresetsReportExfatKind(t *testing.T) {
	p, err := Lookup("sdxc256g")
	require.NoError(t, err)
	require.Equal(t, vfat.FSExFAT, p.Kind())
}
