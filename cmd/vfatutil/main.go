// Command vfatutil is a thin demonstration front-end over the volume
// package: format, list, create, extract and remove files inside a raw,
// VHD, VHDX, VDI or VMDK container, continuing the teacher's
// cmd/main.go idiom of one urfave/cli App with a handful of Commands.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/block"
	"github.com/maxpat78/FATtools/errors"
	"github.com/maxpat78/FATtools/exfat"
	"github.com/maxpat78/FATtools/fat"
	"github.com/maxpat78/FATtools/imagefmt"
	"github.com/maxpat78/FATtools/partition"
	"github.com/maxpat78/FATtools/vdisk/vdi"
	"github.com/maxpat78/FATtools/vdisk/vhd"
	"github.com/maxpat78/FATtools/vdisk/vhdx"
	"github.com/maxpat78/FATtools/vdisk/vmdk"
	"github.com/maxpat78/FATtools/vfat"
	"github.com/maxpat78/FATtools/volume"
)

func main() {
	app := &cli.App{
		Usage: "Inspect and manipulate FAT12/16/32 and exFAT volumes inside raw, VHD, VHDX, VDI and VMDK containers",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "partition", Value: -1, Usage: "0-based MBR/GPT partition index to mount instead of the whole container"},
		},
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create a new raw image and format it with a FAT or exFAT file system",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "preset", Usage: "imagefmt preset name (e.g. fd1440, sdhc32g) supplying defaults"},
					&cli.Int64Flag{Name: "size", Usage: "container size in bytes, overriding the preset"},
					&cli.StringFlag{Name: "kind", Value: "fat16", Usage: "fat12, fat16, fat32 or exfat"},
					&cli.IntFlag{Name: "spc", Value: 1, Usage: "sectors per cluster (exfat: cluster-size shift)"},
					&cli.StringFlag{Name: "label", Value: "NONAME"},
				},
				Action: formatImage,
			},
			{
				Name:      "mkvdisk",
				Usage:     "Create a virtual disk container and format it with a file system",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "preset", Usage: "imagefmt preset name supplying size/kind/cluster-size defaults"},
					&cli.Int64Flag{Name: "size"},
					&cli.StringFlag{Name: "format", Value: "vhd", Usage: "vhd, vhd-fixed, vhdx, vdi or vmdk"},
					&cli.StringFlag{Name: "kind", Value: "fat16"},
					&cli.IntFlag{Name: "spc", Value: 1},
					&cli.StringFlag{Name: "label", Value: "NONAME"},
				},
				Action: makeVirtualDisk,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "IMAGE [PATH]",
				Action:    listDirectory,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "IMAGE PATH",
				Action:    makeDirectory,
			},
			{
				Name:      "cat",
				Usage:     "Print a file's contents to stdout",
				ArgsUsage: "IMAGE PATH",
				Action:    catFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a host file into the volume",
				ArgsUsage: "IMAGE HOST_FILE VOLUME_PATH",
				Action:    putFile,
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory",
				ArgsUsage: "IMAGE PATH",
				Action:    removePath,
			},
			{
				Name:      "mv",
				Usage:     "Rename a file within its directory",
				ArgsUsage: "IMAGE OLD_PATH NEW_NAME",
				Action:    renamePath,
			},
			{
				Name:      "df",
				Usage:     "Report volume capacity and free space",
				ArgsUsage: "IMAGE",
				Action:    statVolume,
			},
			{
				Name:      "sort",
				Usage:     "Rewrite a directory's entries in name, size or mtime order",
				ArgsUsage: "IMAGE [PATH]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Value: "name", Usage: "name, size or mtime"},
				},
				Action: sortDirectory,
			},
			{
				Name:      "wipe",
				Usage:     "Overwrite every free cluster with zeros",
				ArgsUsage: "IMAGE",
				Action:    wipeVolume,
			},
			{
				Name:      "fragmentation",
				Usage:     "Report per-file extent counts and the overall fragmentation ratio",
				ArgsUsage: "IMAGE",
				Action:    reportFragmentation,
			},
			{
				Name:      "validate",
				Usage:     "Check FAT mirror agreement and directory entries against the allocator",
				ArgsUsage: "IMAGE",
				Action:    validateVolume,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("vfatutil: %s", err)
	}
}

// presetDefaults resolves size/kind/sectorsPerCluster from an imagefmt
// preset, letting explicit flags win over the preset's own values.
func presetDefaults(ctx *cli.Context) (sizeBytes int64, kindName string, spc uint8, err error) {
	sizeBytes = ctx.Int64("size")
	kindName = strings.ToLower(ctx.String("kind"))
	spc = uint8(ctx.Int("spc"))

	slug := ctx.String("preset")
	if slug == "" {
		return sizeBytes, kindName, spc, nil
	}
	preset, lerr := imagefmt.Lookup(slug)
	if lerr != nil {
		return 0, "", 0, lerr
	}
	if sizeBytes == 0 {
		sizeBytes = preset.TotalSizeBytes
	}
	if !ctx.IsSet("kind") {
		kindName = strings.ToLower(preset.FilesystemKind)
	}
	if !ctx.IsSet("spc") {
		spc = preset.SectorsPerCluster
		if preset.Kind() == vfat.FSExFAT {
			// exfat.Format takes log2(sectors per cluster), not a count.
			shift := uint8(0)
			for n := spc; n > 1; n >>= 1 {
				shift++
			}
			spc = shift
		}
	}
	return sizeBytes, kindName, spc, nil
}

// formatVolume runs fat.Format or exfat.Format over host and flushes the
// formatter's own cache, since its writes are otherwise left buffered
// rather than committed to host.
func formatVolume(host block.Container, kindName string, spc uint8, label string) errors.DriverError {
	switch kindName {
	case "fat12":
		_, c, _, _, err := fat.Format(host, vfat.FSFAT12, spc, label, 64)
		if err != nil {
			return err
		}
		return c.Flush()
	case "fat16":
		_, c, _, _, err := fat.Format(host, vfat.FSFAT16, spc, label, 64)
		if err != nil {
			return err
		}
		return c.Flush()
	case "fat32":
		_, c, _, _, err := fat.Format(host, vfat.FSFAT32, spc, label, 64)
		if err != nil {
			return err
		}
		return c.Flush()
	case "exfat":
		_, c, _, _, _, _, err := exfat.Format(host, spc, label, 64)
		if err != nil {
			return err
		}
		return c.Flush()
	default:
		return errors.BadFormat.WithMessage(fmt.Sprintf("unrecognized file system kind %q", kindName))
	}
}

func formatImage(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("format requires an image path", 1)
	}
	sizeBytes, kindName, spc, err := presetDefaults(ctx)
	if err != nil {
		return err
	}
	if sizeBytes <= 0 {
		return cli.Exit("either --preset or a positive --size is required", 1)
	}

	f, oerr := os.Create(imagePath)
	if oerr != nil {
		return oerr
	}
	if terr := f.Truncate(sizeBytes); terr != nil {
		f.Close()
		return terr
	}
	host, cerr := block.NewFileContainer(f, sizeBytes, 512, false)
	if cerr != nil {
		f.Close()
		return cerr
	}
	defer host.Close()

	return formatVolume(host, kindName, spc, ctx.String("label"))
}

func makeVirtualDisk(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("mkvdisk requires an image path", 1)
	}
	sizeBytes, kindName, spc, err := presetDefaults(ctx)
	if err != nil {
		return err
	}
	if sizeBytes <= 0 {
		return cli.Exit("either --preset or a positive --size is required", 1)
	}

	format := strings.ToLower(ctx.String("format"))
	initialSize := sizeBytes
	if format != "vhd-fixed" {
		initialSize = 512 // the growth-on-demand formats self-resize via block.Resizable
	} else {
		initialSize += 512 // room for the trailing VHD footer
	}

	f, oerr := os.Create(imagePath)
	if oerr != nil {
		return oerr
	}
	if terr := f.Truncate(initialSize); terr != nil {
		f.Close()
		return terr
	}
	raw, cerr := block.NewFileContainer(f, initialSize, 512, false)
	if cerr != nil {
		f.Close()
		return cerr
	}
	defer raw.Close()

	var disk block.Container
	switch format {
	case "vhd":
		disk, err = vhd.CreateDynamic(raw, sizeBytes, 0)
	case "vhd-fixed":
		disk, err = vhd.CreateFixed(raw, sizeBytes)
	case "vhdx":
		disk, err = vhdx.Create(raw, sizeBytes, 0, 0)
	case "vdi":
		disk, err = vdi.Create(raw, sizeBytes, 0)
	case "vmdk":
		disk, err = vmdk.Create(raw, sizeBytes, 0)
	default:
		return cli.Exit(fmt.Sprintf("unrecognized virtual disk format %q", format), 1)
	}
	if err != nil {
		return err
	}

	return formatVolume(disk, kindName, spc, ctx.String("label"))
}

// openParentDisk resolves a VHD differencing disk's parent locator to a
// read-only container, for callers that pass one of those images here.
func openParentDisk(path string) (block.Container, errors.DriverError) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IOError.WrapError(err)
	}
	info, serr := f.Stat()
	if serr != nil {
		f.Close()
		return nil, errors.IOError.WrapError(serr)
	}
	return block.NewFileContainer(f, info.Size(), 512, true)
}

// openContainer opens imagePath, recognizing VHD/VHDX/VDI/VMDK by
// extension and falling back to a raw sector-addressed container
// otherwise.
func openContainer(imagePath string, readOnly bool) (block.Container, errors.DriverError) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(imagePath, flags, 0644)
	if err != nil {
		return nil, errors.IOError.WrapError(err)
	}
	info, serr := f.Stat()
	if serr != nil {
		f.Close()
		return nil, errors.IOError.WrapError(serr)
	}
	raw, cerr := block.NewFileContainer(f, info.Size(), 512, readOnly)
	if cerr != nil {
		f.Close()
		return nil, cerr
	}

	switch strings.ToLower(filepath.Ext(imagePath)) {
	case ".vhd":
		return vhd.Open(raw, readOnly, openParentDisk)
	case ".vhdx":
		return vhdx.Open(raw, readOnly)
	case ".vdi":
		return vdi.Open(raw, readOnly)
	case ".vmdk":
		return vmdk.Open(raw, readOnly)
	default:
		return raw, nil
	}
}

// resolvePartition narrows container to the index-th MBR or GPT
// partition when index is non-negative, trying GPT first.
func resolvePartition(container block.Container, index int) (block.Container, errors.DriverError) {
	if index < 0 {
		return container, nil
	}
	if gpt, err := partition.ReadGPT(container); err == nil {
		if index >= len(gpt.Entries) {
			return nil, errors.NotFound.WithMessage("no such partition index")
		}
		e := gpt.Entries[index]
		return partition.NewView(container, e.StartLBA, e.EndLBA-e.StartLBA+1), nil
	}
	mbr, merr := partition.ReadMBR(container)
	if merr != nil {
		return nil, merr
	}
	if index >= len(mbr.Entries) {
		return nil, errors.NotFound.WithMessage("no such partition index")
	}
	e := mbr.Entries[index]
	return partition.NewView(container, uint64(e.StartLBA), uint64(e.LengthLBA)), nil
}

// mountImage opens imagePath and mounts it as a Volume. The returned
// Volume's Close flushes any buffered writes and closes the underlying
// container in one step; closing the container directly instead would
// silently drop whatever the sector cache hadn't yet flushed.
func mountImage(ctx *cli.Context, imagePath string, flags vfat.MountFlags) (*volume.Volume, error) {
	readOnly := !flags.CanWrite()
	container, err := openContainer(imagePath, readOnly)
	if err != nil {
		return nil, err
	}
	target, perr := resolvePartition(container, ctx.Int("partition"))
	if perr != nil {
		container.Close()
		return nil, perr
	}
	vol, merr := volume.Mount(target, flags, 64)
	if merr != nil {
		container.Close()
		return nil, merr
	}
	return vol, nil
}

func listDirectory(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("ls requires an image path", 1)
	}
	path := ctx.Args().Get(1)

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer vol.Close()

	entries, lerr := vol.List(path)
	if lerr != nil {
		return lerr
	}
	for _, e := range entries {
		kind := "-"
		if e.IsDir() {
			kind = "d"
		}
		fmt.Printf("%s %10s %s\n", kind, humanize.Bytes(uint64(e.Size)), e.Name)
	}
	return nil
}

func makeDirectory(ctx *cli.Context) error {
	imagePath, path := ctx.Args().Get(0), ctx.Args().Get(1)
	if imagePath == "" || path == "" {
		return cli.Exit("mkdir requires an image path and a directory path", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer vol.Close()

	_, merr := vol.Mkdir(path)
	return merr
}

func catFile(ctx *cli.Context) error {
	imagePath, path := ctx.Args().Get(0), ctx.Args().Get(1)
	if imagePath == "" || path == "" {
		return cli.Exit("cat requires an image path and a file path", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer vol.Close()

	handle, operr := vol.Open(path, vfat.ORead)
	if operr != nil {
		return operr
	}
	defer handle.Close()

	buffer := make([]byte, 32*1024)
	for {
		n, rerr := handle.Read(buffer)
		if rerr != nil {
			return rerr
		}
		if n == 0 {
			break
		}
		if _, werr := os.Stdout.Write(buffer[:n]); werr != nil {
			return werr
		}
	}
	return nil
}

func putFile(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	hostPath := ctx.Args().Get(1)
	volumePath := ctx.Args().Get(2)
	if imagePath == "" || hostPath == "" || volumePath == "" {
		return cli.Exit("put requires an image path, a host file path and a volume path", 1)
	}

	source, serr := os.Open(hostPath)
	if serr != nil {
		return serr
	}
	defer source.Close()

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer vol.Close()

	dest, cerr := vol.Create(volumePath)
	if cerr != nil {
		return cerr
	}
	defer dest.Close()

	buffer := make([]byte, 32*1024)
	for {
		n, rerr := source.Read(buffer)
		if n > 0 {
			if _, werr := dest.Write(buffer[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func removePath(ctx *cli.Context) error {
	imagePath, path := ctx.Args().Get(0), ctx.Args().Get(1)
	if imagePath == "" || path == "" {
		return cli.Exit("rm requires an image path and a path to remove", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer vol.Close()

	return vol.Remove(path)
}

func renamePath(ctx *cli.Context) error {
	imagePath, oldPath, newName := ctx.Args().Get(0), ctx.Args().Get(1), ctx.Args().Get(2)
	if imagePath == "" || oldPath == "" || newName == "" {
		return cli.Exit("mv requires an image path, the old path and the new name", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer vol.Close()

	return vol.Rename(oldPath, newName)
}

func statVolume(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("df requires an image path", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer vol.Close()

	stat := vol.Statfs()
	total := uint64(stat.BlockSize) * stat.TotalBlocks
	free := uint64(stat.BlockSize) * stat.BlocksFree
	fmt.Printf("%-8s %10s %10s %10s\n", stat.Kind, humanize.Bytes(total), humanize.Bytes(total-free), humanize.Bytes(free))
	return nil
}

func sortDirectory(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("sort requires an image path", 1)
	}
	path := ctx.Args().Get(1)

	var key volume.SortKey
	switch strings.ToLower(ctx.String("key")) {
	case "size":
		key = volume.SortBySize
	case "mtime":
		key = volume.SortByModifiedTime
	default:
		key = volume.SortByName
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer vol.Close()

	return vol.Sort(path, key)
}

func wipeVolume(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("wipe requires an image path", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowAll)
	if err != nil {
		return err
	}
	defer vol.Close()

	return vol.Wipe()
}

func reportFragmentation(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("fragmentation requires an image path", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer vol.Close()

	report, rerr := vol.FragmentationReport()
	if rerr != nil {
		return rerr
	}
	for _, f := range report.Files {
		fmt.Printf("%-4d extents  %s\n", len(f.Extents), f.Path)
	}
	fmt.Printf("%d/%d files fragmented (%.1f%%), %s total\n",
		report.FragmentedFiles, report.TotalFiles, report.FragmentationRatio*100, report.TotalSizeHuman)
	return nil
}

func validateVolume(ctx *cli.Context) error {
	imagePath := ctx.Args().Get(0)
	if imagePath == "" {
		return cli.Exit("validate requires an image path", 1)
	}

	vol, err := mountImage(ctx, imagePath, vfat.MountFlagsAllowRead)
	if err != nil {
		return err
	}
	defer vol.Close()

	if verr := vol.Validate(); verr != nil {
		return cli.Exit(verr, 1)
	}
	fmt.Println("ok")
	return nil
}
