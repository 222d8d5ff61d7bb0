//go:build linux
// +build linux

package linux

import (
	"fmt"

	"machinerun.io/devtree"
)

func (d *lvmPVData) toPVInfo() devtree.PVInfo {
	return devtree.PVInfo{
		Path:          d.Path,
		UUID:          d.UUID,
		VGName:        d.VGName,
		VGUUID:        d.VGUUID,
		PEStart:       d.PEStart,
		VGSize:        d.VGSize,
		VGFree:        d.VGFree,
		VGExtentSize:  d.VGExtentSize,
		VGExtentCount: d.VGExtentCount,
		VGFreeCount:   d.VGFreeCount,
		VGPVCount:     d.VGPVCount,
	}
}

func (d *lvmLVData) toLVInfo() devtree.LVInfo {
	return devtree.LVInfo{
		Name:    d.Name,
		VGName:  d.VGName,
		UUID:    d.UUID,
		Attr:    d.Attr,
		SegType: d.SegType,
		Origin:  d.Origin,
		PoolLV:  d.Pool,
		Size:    d.Size,
	}
}

func (ls *linuxSystem) PVs(filter *devtree.LVMFilter) ([]devtree.PVInfo, error) {
	ls.filter = filter

	pvdatum, err := getPvReport(filter.Config())
	if err != nil {
		return nil, err
	}

	pvs := make([]devtree.PVInfo, 0, len(pvdatum))
	for i := range pvdatum {
		pvs = append(pvs, pvdatum[i].toPVInfo())
	}

	return pvs, nil
}

func (ls *linuxSystem) LVs(filter *devtree.LVMFilter) ([]devtree.LVInfo, error) {
	ls.filter = filter

	lvdatum, err := getLvReport(filter.Config())
	if err != nil {
		return nil, err
	}

	lvs := make([]devtree.LVInfo, 0, len(lvdatum))
	for i := range lvdatum {
		lvs = append(lvs, lvdatum[i].toLVInfo())
	}

	return lvs, nil
}

// lvmCommand runs an lvm subcommand with the tree's filter applied.
func (ls *linuxSystem) lvmCommand(sub string, args ...string) error {
	cmd := []string{"lvm", sub}
	cmd = append(cmd, lvmConfigArgs(ls.filterConfig())...)
	cmd = append(cmd, args...)

	return runCommandSettled(cmd...)
}

func (ls *linuxSystem) createVG(d *devtree.Device, pvs []*devtree.Device) error {
	args := []string{"--zero=y", d.Name}
	for _, pv := range pvs {
		args = append(args, pv.Path())
	}

	return ls.lvmCommand("vgcreate", args...)
}

func (ls *linuxSystem) createLV(d *devtree.Device, vg *devtree.Device) error {
	args := []string{"--zero=y", "--wipesignatures=y", fmt.Sprintf("--size=%dB", d.Size)}

	switch d.Kind {
	case devtree.KindLVMThinPool:
		args = append(args, "--type=thin-pool", vg.Name, "--name="+d.LV.LVName)
	case devtree.KindLVMThinLV:
		// vg is the pool here
		args = []string{fmt.Sprintf("--virtualsize=%dB", d.Size),
			"--thinpool=" + vgLv(ls.vgOf(vg), vg.LV.LVName), "--name=" + d.LV.LVName}
	default:
		args = append(args, vg.Name, "--name="+d.LV.LVName)
	}

	return ls.lvmCommand("lvcreate", args...)
}

// vgOf returns the vg name of an lv device.
func (ls *linuxSystem) vgOf(lv *devtree.Device) string {
	if lv.LV == nil {
		return lv.Name
	}

	return lv.Name[:len(lv.Name)-len(lv.LV.LVName)-1]
}

func (ls *linuxSystem) removeLV(d *devtree.Device) error {
	return ls.lvmCommand("lvremove", "--force", vgLv(ls.vgOf(d), d.LV.LVName))
}

func (ls *linuxSystem) removeVG(d *devtree.Device) error {
	return ls.lvmCommand("vgremove", "--force", d.Name)
}

func (ls *linuxSystem) activateLV(d *devtree.Device, active bool) error {
	flag := "--activate=n"
	if active {
		flag = "--activate=y"
	}

	return ls.lvmCommand("lvchange", flag, vgLv(ls.vgOf(d), d.LV.LVName))
}

func (ls *linuxSystem) activateVG(d *devtree.Device, active bool) error {
	flag := "--activate=n"
	if active {
		flag = "--activate=y"
	}

	return ls.lvmCommand("vgchange", flag, d.Name)
}
