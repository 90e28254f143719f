// Package imagefmt holds named container presets (floppy/CF/SD/USB
// geometries, with the default cluster size each form factor is
// conventionally formatted with) for the testing and cmd/vfatutil
// packages to build fixture images and offer mkvdisk-style defaults
// without hand-typing geometry numbers at every call site.
package imagefmt

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/maxpat78/FATtools/vfat"
)

// Preset is one named container geometry, loaded from presets.csv.
type Preset struct {
	Slug              string `csv:"slug"`
	Name              string `csv:"name"`
	FormFactor        string `csv:"form_factor"`
	TotalSizeBytes    int64  `csv:"total_size_bytes"`
	SectorSize        int    `csv:"sector_size"`
	FilesystemKind    string `csv:"filesystem_kind"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	Notes             string `csv:"notes"`
}

// Kind maps the preset's textual FilesystemKind to a vfat.FSKind,
// defaulting to FSFAT16 if the CSV cell names something unrecognized.
func (p Preset) Kind() vfat.FSKind {
	switch strings.ToUpper(p.FilesystemKind) {
	case "FAT12":
		return vfat.FSFAT12
	case "FAT16":
		return vfat.FSFAT16
	case "FAT32":
		return vfat.FSFAT32
	case "EXFAT":
		return vfat.FSExFAT
	default:
		return vfat.FSFAT16
	}
}

//go:embed presets.csv
var presetsRawCSV string

var presets map[string]Preset

func init() {
	presets = make(map[string]Preset)
	err := gocsv.UnmarshalToCallback(strings.NewReader(presetsRawCSV), func(row Preset) error {
		if _, exists := presets[row.Slug]; exists {
			return fmt.Errorf("duplicate preset slug %q", row.Slug)
		}
		presets[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(err)
	}
}

// Lookup returns the preset registered under slug.
func Lookup(slug string) (Preset, error) {
	p, ok := presets[slug]
	if !ok {
		return Preset{}, fmt.Errorf("no predefined container preset with slug %q", slug)
	}
	return p, nil
}

// All returns every preset, sorted by slug.
func All() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
