//go:build linux
// +build linux

package linux

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"machinerun.io/devtree"
)

func (ls *linuxSystem) Execute(a *devtree.Action) error {
	devtree.Log.WithField("action", a.ID).Debugf("linux execute %s", a)

	switch {
	case a.IsCreate() && a.IsDevice():
		return ls.createDevice(a.Device)
	case a.IsDestroy() && a.IsDevice():
		return ls.destroyDevice(a.Device)
	case a.IsCreate() && a.IsFormat():
		return ls.createFormat(a.Device, a.Format)
	case a.IsDestroy() && a.IsFormat():
		return ls.destroyFormat(a.Device, a.Format)
	}

	return errors.Wrapf(devtree.ErrInvalidAction, "cannot execute %s", a)
}

func (ls *linuxSystem) createDevice(d *devtree.Device) error {
	switch {
	case d.Kind == devtree.KindPartition:
		disk, err := ls.parent(d)
		if err != nil {
			return err
		}

		return addPartition(d, disk)
	case d.Kind == devtree.KindLVMVG:
		return ls.createVG(d, ls.parents(d))
	case d.Kind.IsLV():
		vg, err := ls.parent(d)
		if err != nil {
			return err
		}

		return ls.createLV(d, vg)
	case d.Kind == devtree.KindMDArray:
		return runCommandSettled(mdCreateArgs(d, ls.parents(d))...)
	case d.Kind == devtree.KindBTRFSVolume:
		args := []string{"mkfs.btrfs", "--force"}
		if d.Format.Label != "" {
			args = append(args, "--label="+d.Format.Label)
		}

		for _, p := range ls.parents(d) {
			args = append(args, p.Path())
		}

		return runCommandSettled(args...)
	case d.Kind == devtree.KindBTRFSSubVolume || d.Kind == devtree.KindBTRFSSnapshot:
		return ls.withVolume(d, func(dir string) error {
			return runCommand("btrfs", "subvolume", "create", path.Join(dir, d.Name))
		})
	case d.Kind == devtree.KindFile, d.Kind == devtree.KindLoop,
		d.Kind == devtree.KindDMLinear, d.Kind == devtree.KindLUKS:
		return ls.Setup(d)
	}

	return errors.Wrapf(devtree.ErrInvalidAction, "cannot create %s devices", d.Type())
}

// mdCreateArgs returns the mdadm command that creates array d from members.
func mdCreateArgs(d *devtree.Device, members []*devtree.Device) []string {
	args := []string{"mdadm", "--create", d.Path(), "--run"}

	if d.MD != nil {
		args = append(args, "--level="+d.MD.Level)

		if d.MD.MetadataVersion != "" {
			args = append(args, "--metadata="+d.MD.MetadataVersion)
		}
	}

	args = append(args, "--raid-devices="+strconv.Itoa(len(members)))

	for _, m := range members {
		args = append(args, m.Path())
	}

	return args
}

// withVolume runs fn with the top level of the btrfs volume holding d
// mounted at a temporary directory.
func (ls *linuxSystem) withVolume(d *devtree.Device, fn func(dir string) error) error {
	vol := d

	for vol.Kind != devtree.KindBTRFSVolume {
		p, err := ls.parent(vol)
		if err != nil {
			return err
		}

		vol = p
	}

	dir, err := os.MkdirTemp("", "devtree-btrfs-")
	if err != nil {
		return err
	}
	defer os.Remove(dir)

	if err := runCommand("mount", "-t", "btrfs", "-o", "subvolid=5", vol.Path(), dir); err != nil {
		return err
	}

	ferr := fn(dir)

	if err := runCommand("umount", dir); err != nil && ferr == nil {
		return err
	}

	return ferr
}

func (ls *linuxSystem) destroyDevice(d *devtree.Device) error {
	switch {
	case d.Kind == devtree.KindPartition:
		disk, err := ls.parent(d)
		if err != nil {
			return err
		}

		return deletePartition(d.Part.Number, disk)
	case d.Kind == devtree.KindLVMVG:
		return ls.removeVG(d)
	case d.Kind.IsLV():
		return ls.removeLV(d)
	case d.Kind == devtree.KindMDArray:
		if ls.Status(d) {
			if err := ls.DeactivateMD(d.Path()); err != nil {
				return err
			}
		}

		for _, m := range ls.parents(d) {
			if err := runCommand("mdadm", "--zero-superblock", m.Path()); err != nil {
				return err
			}
		}

		return nil
	case d.Kind == devtree.KindBTRFSSubVolume || d.Kind == devtree.KindBTRFSSnapshot:
		return ls.withVolume(d, func(dir string) error {
			return runCommand("btrfs", "subvolume", "delete", path.Join(dir, d.Name))
		})
	case d.Kind == devtree.KindLoop, d.Kind == devtree.KindDMLinear,
		d.Kind == devtree.KindLUKS:
		return ls.Teardown(d, false)
	case d.IsDisk(), d.Kind == devtree.KindFile, d.Kind == devtree.KindBTRFSVolume:
		// nothing to remove, the content goes with the format
		return nil
	}

	return errors.Wrapf(devtree.ErrInvalidAction, "cannot destroy %s devices", d.Type())
}

// mkfsArgs returns the command creating filesystem f on devPath, or nil for
// formats that have nothing to write.
func mkfsArgs(f devtree.Format, devPath string) []string {
	switch f.Kind {
	case devtree.FormatSwap:
		args := []string{"mkswap"}
		if f.Label != "" {
			args = append(args, "--label="+f.Label)
		}

		return append(args, devPath)
	case devtree.FormatEFI:
		args := []string{"mkfs.vfat"}
		if f.Label != "" {
			args = append(args, "-n", f.Label)
		}

		return append(args, devPath)
	case devtree.FormatMacEFI:
		return []string{"mkfs.hfsplus", "-v", devtree.MacEFIName, devPath}
	case devtree.FormatBTRFS:
		args := []string{"mkfs.btrfs", "--force"}
		if f.Label != "" {
			args = append(args, "--label="+f.Label)
		}

		return append(args, devPath)
	case devtree.FormatFS:
		args := []string{"mkfs." + f.Type}

		switch {
		case f.Type == "xfs":
			args = append(args, "-f")
		case strings.HasPrefix(f.Type, "ext"):
			args = append(args, "-F")
		}

		if f.Label != "" {
			if f.Type == "vfat" {
				args = append(args, "-n", f.Label)
			} else {
				args = append(args, "-L", f.Label)
			}
		}

		return append(args, devPath)
	}

	return nil
}

func (ls *linuxSystem) createFormat(d *devtree.Device, f devtree.Format) error {
	switch f.Kind {
	case devtree.FormatDiskLabel:
		return createDiskLabel(d, f.LabelType)
	case devtree.FormatLUKS:
		if f.Passphrase == "" {
			return errors.Wrapf(devtree.ErrInvalidFormat, "no passphrase for %s", d.Name)
		}

		return runCommandStdinSettled(f.Passphrase, "cryptsetup", "luksFormat",
			"--batch-mode", "--key-file=-", d.Path())
	case devtree.FormatLVMPV:
		return ls.lvmCommand("pvcreate", "--force", "--yes", "--zero=y", d.Path())
	case devtree.FormatMDMember, devtree.FormatDMRaidMember,
		devtree.FormatMultipathMember, devtree.FormatAppleBoot, devtree.FormatNone:
		// written by whatever owns the member
		return nil
	case devtree.FormatISO9660, devtree.FormatNoDev, devtree.FormatInvalidDiskLabel:
		return errors.Wrapf(devtree.ErrInvalidFormat, "cannot create %s", f.TypeName())
	}

	args := mkfsArgs(f, d.Path())
	if args == nil {
		return fmt.Errorf("no way to create %s on %s", f.TypeName(), d.Name)
	}

	return runCommandSettled(args...)
}

func (ls *linuxSystem) destroyFormat(d *devtree.Device, f devtree.Format) error {
	if d.Kind.IsBTRFS() && d.Kind != devtree.KindBTRFSVolume {
		return nil
	}

	if f.Kind == devtree.FormatLVMPV {
		return ls.lvmCommand("pvremove", "--force", "--force", "--yes", d.Path())
	}

	return runCommandSettled("wipefs", "--all", d.Path())
}

func (ls *linuxSystem) PreCommitFixup(d *devtree.Device, mountpoints []string) error {
	return nil
}

// RefreshDiskLabel is a no-op: labels are read from the disk on every use.
func (ls *linuxSystem) RefreshDiskLabel(d *devtree.Device) error {
	return nil
}

func (ls *linuxSystem) PartitionName(d *devtree.Device, disk *devtree.Device) string {
	if d.Part == nil {
		return ""
	}

	if disk.Kind.IsDM() {
		for _, name := range []string{
			disk.MapName() + strconv.Itoa(d.Part.Number),
			disk.MapName() + "p" + strconv.Itoa(d.Part.Number),
		} {
			if pathExists(path.Join("/dev/mapper", name)) {
				return name
			}
		}

		return ""
	}

	return getPartKname(disk.Name, uint(d.Part.Number))
}

func getPartKname(diskName string, num uint) string {
	sep := ""

	if diskName != "" && diskName[len(diskName)-1] >= '0' && diskName[len(diskName)-1] <= '9' {
		sep = "p"
	}

	return fmt.Sprintf("%s%s%d", diskName, sep, num)
}
