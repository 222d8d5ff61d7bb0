//go:build linux
// +build linux

package linux

import (
	"fmt"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/deniswernert/go-fstab"
	"github.com/pkg/errors"
	"machinerun.io/devtree"
)

type linuxSystem struct {
	graph  *devtree.DeviceGraph
	filter *devtree.LVMFilter
}

// System returns a linux specific implementation of the devtree.System interface.
func System() devtree.System {
	return &linuxSystem{}
}

func (ls *linuxSystem) BindGraph(g *devtree.DeviceGraph) {
	ls.graph = g
}

// filterConfig returns the lvm --config value for the tree's filter.
func (ls *linuxSystem) filterConfig() string {
	return ls.filter.Config()
}

func (ls *linuxSystem) parents(d *devtree.Device) []*devtree.Device {
	if ls.graph == nil {
		return []*devtree.Device{}
	}

	ret := make([]*devtree.Device, 0, len(d.Parents))

	for _, id := range d.Parents {
		if p := ls.graph.Node(id); p != nil {
			ret = append(ret, p)
		}
	}

	return ret
}

func (ls *linuxSystem) parent(d *devtree.Device) (*devtree.Device, error) {
	parents := ls.parents(d)
	if len(parents) == 0 {
		return nil, errors.Wrapf(devtree.ErrParentNotInTree, "%s has no parent", d.Name)
	}

	return parents[0], nil
}

func (ls *linuxSystem) Setup(d *devtree.Device) error {
	for _, p := range ls.parents(d) {
		if err := ls.Setup(p); err != nil {
			return errors.Wrapf(err, "failed to set up %s for %s", p.Name, d.Name)
		}
	}

	if ls.Status(d) {
		return nil
	}

	switch {
	case d.Kind == devtree.KindFile:
		if !pathExists(d.Name) {
			return fmt.Errorf("file %s does not exist", d.Name)
		}
	case d.Kind == devtree.KindLoop:
		return ls.setupLoop(d)
	case d.Kind == devtree.KindDMLinear:
		return ls.setupLinear(d)
	case d.Kind == devtree.KindLUKS:
		p, err := ls.parent(d)
		if err != nil {
			return err
		}

		if p.Format.Passphrase == "" {
			return errors.Wrapf(devtree.ErrInvalidFormat, "no passphrase for %s", p.Name)
		}

		return ls.OpenLUKS(p, p.Format.Passphrase)
	case d.Kind.IsLV():
		return ls.activateLV(d, true)
	case d.Kind == devtree.KindMDArray || d.Kind == devtree.KindMDContainer:
		args := []string{"mdadm", "--assemble", d.Path()}
		for _, p := range ls.parents(d) {
			args = append(args, p.Path())
		}

		return runCommandSettled(args...)
	case d.Kind == devtree.KindDMRaidArray:
		return runCommandSettled("dmraid", "-ay", "-i", "-p", d.Name)
	}

	return nil
}

func (ls *linuxSystem) setupLoop(d *devtree.Device) error {
	file, err := ls.parent(d)
	if err != nil {
		return err
	}

	out, stderr, rc := runCommandWithOutputErrorRc("losetup", "--find", "--show", file.Name)
	if rc != 0 {
		return fmt.Errorf("failed to set up loop device for %s [%d]: %s", file.Name, rc, stderr)
	}

	d.Name = path.Base(strings.TrimSpace(string(out)))
	d.SysfsPath = "/class/block/" + d.Name

	return udevSettle()
}

func (ls *linuxSystem) setupLinear(d *devtree.Device) error {
	p, err := ls.parent(d)
	if err != nil {
		return err
	}

	sectors := readSysFile(path.Join("/class/block", path.Base(p.Path()), "size"))
	if sectors == "" {
		return fmt.Errorf("unknown size for %s", p.Path())
	}

	args := []string{"dmsetup", "create", d.Name}
	if uuid := d.Attrs["dm_uuid"]; uuid != "" {
		args = append(args, "--uuid", uuid)
	}

	args = append(args, "--table", fmt.Sprintf("0 %s linear %s 0", sectors, p.Path()))

	return runCommandSettled(args...)
}

func (ls *linuxSystem) Teardown(d *devtree.Device, recursive bool) error {
	var err error

	if d.Exists {
		err = ls.teardownFormat(d)
	}

	if err == nil && ls.Status(d) {
		err = ls.deactivate(d)
	}

	if err != nil {
		return err
	}

	if recursive {
		for _, p := range ls.parents(d) {
			if err := ls.Teardown(p, true); err != nil {
				return err
			}
		}
	}

	return nil
}

func (ls *linuxSystem) teardownFormat(d *devtree.Device) error {
	f := d.Format

	switch {
	case f.Kind == devtree.FormatLUKS:
		if f.MapName != "" && pathExists(path.Join("/dev/mapper", f.MapName)) {
			return runCommandSettled("cryptsetup", "close", f.MapName)
		}
	case f.IsFilesystem() && f.ActiveMountpoint != "":
		if err := runCommand("umount", f.ActiveMountpoint); err != nil {
			return err
		}

		d.Format.ActiveMountpoint = ""
	}

	return nil
}

func (ls *linuxSystem) deactivate(d *devtree.Device) error {
	switch {
	case d.Kind == devtree.KindLoop:
		return runCommandSettled("losetup", "--detach", d.Path())
	case d.Kind == devtree.KindLUKS:
		return runCommandSettled("cryptsetup", "close", d.Name)
	case d.Kind.IsLV():
		return ls.activateLV(d, false)
	case d.Kind == devtree.KindLVMVG:
		return ls.activateVG(d, false)
	case d.Kind.IsMD():
		return ls.DeactivateMD(d.Path())
	case d.Kind == devtree.KindDMRaidArray:
		return runCommandSettled("dmraid", "-an", "-i", "-p", d.Name)
	case d.Kind == devtree.KindMultipath:
		return runCommandSettled("multipath", "-f", d.Name)
	case d.Kind == devtree.KindDMLinear || d.Kind == devtree.KindDM:
		return runCommandSettled("dmsetup", "remove", d.Name)
	}

	return nil
}

func (ls *linuxSystem) Status(d *devtree.Device) bool {
	switch {
	case d.Kind == devtree.KindFile:
		return pathExists(d.Name)
	case d.Kind == devtree.KindLoop:
		return d.Name != "" && ls.LoopBackingFile(d.Name) != ""
	case d.Kind == devtree.KindLVMVG:
		for _, p := range ls.parents(d) {
			if !ls.Status(p) {
				return false
			}
		}

		return true
	case d.Kind.IsBTRFS() || d.Kind == devtree.KindNoDevice:
		return true
	case d.Kind.IsMD():
		if !pathExists(d.Path()) {
			return false
		}

		node, err := realBase(d.Path())
		if err != nil {
			return false
		}

		state := readSysFile(path.Join("/class/block", node, "md/array_state"))

		return state != "" && state != "clear" && state != "inactive"
	}

	return d.Exists && pathExists(d.Path())
}

func (ls *linuxSystem) FormatStatus(d *devtree.Device) bool {
	f := d.Format

	switch {
	case f.Kind == devtree.FormatLUKS:
		return f.MapName != "" && pathExists(path.Join("/dev/mapper", f.MapName))
	case f.IsFilesystem():
		return mountpointOf(d.Path()) != ""
	}

	return false
}

// mountpointOf returns where the device at devPath is mounted, or "".
func mountpointOf(devPath string) string {
	mounts, err := fstab.ParseFile("/proc/self/mounts")
	if err != nil {
		devtree.Log.WithError(err).Warn("failed to read mount table")
		return ""
	}

	real, err := realPath(devPath)
	if err != nil {
		real = devPath
	}

	for _, m := range mounts {
		if m.Spec == devPath || m.Spec == real {
			return m.File
		}
	}

	return ""
}

func (ls *linuxSystem) MediaPresent(d *devtree.Device) bool {
	if !d.IsDisk() && d.Kind != devtree.KindOptical {
		return true
	}

	f, err := os.Open(d.Path())
	if err != nil {
		// ENOMEDIUM will occur on a empty sd reader.
		if e, ok := err.(*os.PathError); ok && e.Err == syscall.ENOMEDIUM {
			return false
		}

		devtree.Log.WithError(err).Debugf("cannot open %s", d.Path())

		return true
	}

	f.Close()

	return true
}

func (ls *linuxSystem) OpenLUKS(d *devtree.Device, passphrase string) error {
	if d.Format.MapName == "" {
		return errors.Wrapf(devtree.ErrInvalidFormat, "%s has no luks map name", d.Name)
	}

	return runCommandStdinSettled(passphrase, "cryptsetup", "open", "--type=luks",
		"--key-file=-", d.Path(), d.Format.MapName)
}

func (ls *linuxSystem) ActivateRaidSet(rs devtree.RaidSet) error {
	return runCommandSettled("dmraid", "-ay", "-i", "-p", rs.Name)
}

func (ls *linuxSystem) DeactivateMD(p string) error {
	return runCommandSettled("mdadm", "--stop", p)
}

func (ls *linuxSystem) SysfsPath(d *devtree.Device) (string, error) {
	if d.Kind == devtree.KindLoop && d.Name != "" {
		return sysPathFor(d.Name)
	}

	return sysPathFor(d.Path())
}

func runCommandStdinSettled(input string, args ...string) error {
	if err := runCommandStdin(input, args...); err != nil {
		return err
	}

	return udevSettle()
}
