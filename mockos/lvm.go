package mockos

import (
	"path"
	"strings"

	"machinerun.io/devtree"
)

func rejected(filter *devtree.LVMFilter, devPath string) bool {
	if filter == nil {
		return false
	}

	for _, r := range filter.Rejects() {
		if r == path.Base(devPath) {
			return true
		}
	}

	return false
}

func (ms *Sys) PVs(filter *devtree.LVMFilter) ([]devtree.PVInfo, error) {
	pvs := []devtree.PVInfo{}

	for _, pv := range ms.Layout.PVs {
		if !rejected(filter, pv.Path) {
			pvs = append(pvs, pv)
		}
	}

	return pvs, nil
}

func (ms *Sys) LVs(filter *devtree.LVMFilter) ([]devtree.LVInfo, error) {
	// an lv is hidden when every pv of its vg is rejected
	vgs := map[string]bool{}

	for _, pv := range ms.Layout.PVs {
		if !rejected(filter, pv.Path) {
			vgs[pv.VGName] = true
		}
	}

	lvs := []devtree.LVInfo{}

	for _, lv := range ms.Layout.LVs {
		if vgs[lv.VGName] {
			lvs = append(lvs, lv)
		}
	}

	return lvs, nil
}

func (ms *Sys) pvIndex(devPath string) int {
	for i, pv := range ms.Layout.PVs {
		if pv.Path == devPath {
			return i
		}
	}

	return -1
}

func (ms *Sys) createPV(d *devtree.Device) {
	if ms.pvIndex(d.Path()) >= 0 {
		return
	}

	ms.Layout.PVs = append(ms.Layout.PVs, devtree.PVInfo{
		Path:    d.Path(),
		UUID:    devtree.GenGUID().String(),
		PEStart: devtree.Mebibyte,
	})
}

func (ms *Sys) removePV(devPath string) {
	if i := ms.pvIndex(devPath); i >= 0 {
		ms.Layout.PVs = append(ms.Layout.PVs[:i], ms.Layout.PVs[i+1:]...)
	}
}

const extentSize = 4 * devtree.Mebibyte

// createLVM updates the pv and lv reports for a new vg or lv.
func (ms *Sys) createLVM(d *devtree.Device) {
	if d.Kind == devtree.KindLVMVG {
		uuid := devtree.GenGUID().String()
		pvs := ms.parents(d)

		size := uint64(0)
		for _, p := range pvs {
			size += p.Size
		}

		for _, p := range pvs {
			i := ms.pvIndex(p.Path())
			if i < 0 {
				continue
			}

			pv := &ms.Layout.PVs[i]
			pv.VGName = d.Name
			pv.VGUUID = uuid
			pv.VGSize = size
			pv.VGFree = size
			pv.VGExtentSize = extentSize
			pv.VGExtentCount = size / extentSize
			pv.VGFreeCount = size / extentSize
			pv.VGPVCount = len(pvs)
		}

		return
	}

	vg := ms.parents(d)
	if len(vg) == 0 || d.LV == nil {
		return
	}

	vgName := vg[0].Name
	pool := ""

	if d.Kind == devtree.KindLVMThinLV {
		// the parent is the pool
		pool = vg[0].LV.LVName
		vgName = strings.TrimSuffix(vg[0].Name, "-"+pool)
	}

	attr := "-wi-a-----"

	switch d.Kind {
	case devtree.KindLVMThinPool:
		attr = "twi-a-tz--"
	case devtree.KindLVMThinLV:
		attr = "Vwi-a-tz--"
	}

	ms.Layout.LVs = append(ms.Layout.LVs, devtree.LVInfo{
		Name:    d.LV.LVName,
		VGName:  vgName,
		UUID:    devtree.GenGUID().String(),
		Attr:    attr,
		SegType: d.LV.SegType,
		PoolLV:  pool,
		Size:    d.Size,
	})
}

// removeLVM drops a removed vg or lv from the reports.
func (ms *Sys) removeLVM(d *devtree.Device) {
	switch {
	case d.Kind == devtree.KindLVMVG:
		for i := range ms.Layout.PVs {
			if ms.Layout.PVs[i].VGName == d.Name {
				ms.Layout.PVs[i] = devtree.PVInfo{Path: ms.Layout.PVs[i].Path, UUID: ms.Layout.PVs[i].UUID}
			}
		}
	case d.Kind.IsLV() && d.LV != nil:
		for i, lv := range ms.Layout.LVs {
			if lv.FullName() == d.Name {
				ms.Layout.LVs = append(ms.Layout.LVs[:i], ms.Layout.LVs[i+1:]...)
				return
			}
		}
	}
}
