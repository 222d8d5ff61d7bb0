package devtree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/devtree"
	"machinerun.io/devtree/mockos"
)

// lvmLayout returns a machine with a single pv sdi holding vg1 and lvs.
func lvmLayout(lvs ...devtree.LVInfo) mockos.Layout {
	return mockos.Layout{
		Records: []devtree.DeviceInfo{
			diskRecord("sdi", map[string]string{
				"ID_FS_TYPE": "LVM2_member",
				"ID_FS_UUID": "q2Vd1x-3kLm-Ab9P-0cTz-Yw4E-Rr7N-Hs5GuJ",
			}),
		},
		PVs: []devtree.PVInfo{{
			Path:          "/dev/sdi",
			UUID:          "q2Vd1x-3kLm-Ab9P-0cTz-Yw4E-Rr7N-Hs5GuJ",
			VGName:        "vg1",
			VGUUID:        "Zt8sWq-1aBc-2dEf-3gHi-4jKl-5mNo-6pQrSt",
			PEStart:       devtree.Mebibyte,
			VGSize:        1020 * devtree.Mebibyte,
			VGExtentSize:  4 * devtree.Mebibyte,
			VGExtentCount: 255,
			VGPVCount:     1,
		}},
		LVs: lvs,
	}
}

func lvInfo(name string, attr string, size uint64) devtree.LVInfo {
	return devtree.LVInfo{Name: name, VGName: "vg1", Attr: attr, Size: size}
}

func TestPopulateLVKinds(t *testing.T) {
	assert := assert.New(t)

	snap := lvInfo("snap", "swi-a-s---", 64*devtree.Mebibyte)
	snap.Origin = "base"

	sparse := lvInfo("sparse", "swi-a-s---", 64*devtree.Mebibyte)
	sparse.Origin = "[sparse_vorigin]"

	thin := lvInfo("thin", "Vwi-a-tz--", 256*devtree.Mebibyte)
	thin.PoolLV = "pool"

	thinSnap := lvInfo("thinsnap", "Vwi---tz-k", 256*devtree.Mebibyte)
	thinSnap.PoolLV = "pool"
	thinSnap.Origin = "thin"

	sys := mockos.New(lvmLayout(
		lvInfo("data", "rwi-a-r---", 128*devtree.Mebibyte),
		lvInfo("[data_rimage_0]", "iwi-aor---", 128*devtree.Mebibyte),
		lvInfo("[data_rimage_1]", "iwi-aor---", 128*devtree.Mebibyte),
		lvInfo("[data_rmeta_0]", "ewi-aor---", 4*devtree.Mebibyte),
		lvInfo("[data_rmeta_1]", "ewi-aor---", 4*devtree.Mebibyte),
		lvInfo("mirror", "mwi-a-m---", 64*devtree.Mebibyte),
		lvInfo("[mirror_mimage_0]", "iwi-aom---", 64*devtree.Mebibyte),
		lvInfo("[mirror_mimage_1]", "iwi-aom---", 64*devtree.Mebibyte),
		lvInfo("[mirror_mlog]", "lwi-aom---", 4*devtree.Mebibyte),
		lvInfo("base", "owi-a-s---", 128*devtree.Mebibyte),
		snap,
		sparse,
		lvInfo("[sparse_vorigin]", "vwi-a-v---", devtree.Gibibyte),
		lvInfo("pool", "twi-aotz--", 256*devtree.Mebibyte),
		lvInfo("[pool_tdata]", "Twi-ao----", 256*devtree.Mebibyte),
		lvInfo("[pool_tmeta]", "ewi-ao----", 8*devtree.Mebibyte),
		lvInfo("[lvol0_pmspare]", "ewi-------", 8*devtree.Mebibyte),
		thin,
		thinSnap,
	))

	tree := devtree.New(sys, devtree.Config{})
	if !assert.Nil(tree.Populate(false)) {
		return
	}

	g := tree.Graph

	vg := g.ByName("vg1")
	if !assert.NotNil(vg) {
		return
	}

	for _, td := range []struct {
		name     string
		kind     devtree.DeviceKind
		copies   int
		metaSize uint64
		logSize  uint64
	}{
		{"vg1-data", devtree.KindLVMLV, 2, 8 * devtree.Mebibyte, 0},
		{"vg1-mirror", devtree.KindLVMLV, 2, 0, 4 * devtree.Mebibyte},
		{"vg1-base", devtree.KindLVMLV, 1, 0, 0},
		{"vg1-snap", devtree.KindLVMSnapshot, 1, 0, 0},
		{"vg1-sparse", devtree.KindLVMSnapshot, 1, 0, 0},
		{"vg1-pool", devtree.KindLVMThinPool, 1, 8 * devtree.Mebibyte, 0},
		{"vg1-thin", devtree.KindLVMThinLV, 1, 0, 0},
		{"vg1-thinsnap", devtree.KindLVMThinSnapshot, 1, 0, 0},
	} {
		lv := g.ByName(td.name)
		if !assert.NotNil(lv, td.name) {
			continue
		}

		assert.Equal(td.kind, lv.Kind, td.name)
		assert.Equal(td.copies, lv.LV.Copies, td.name)
		assert.Equal(td.metaSize, lv.LV.MetaDataSize, td.name)
		assert.Equal(td.logSize, lv.LV.LogSize, td.name)
	}

	base := g.ByName("vg1-base")
	pool := g.ByName("vg1-pool")
	thinLV := g.ByName("vg1-thin")

	assert.Equal(base.ID, g.ByName("vg1-snap").LV.Origin)
	assert.Equal([]int{vg.ID}, g.ByName("vg1-snap").Parents)

	assert.True(g.ByName("vg1-sparse").LV.VOrigin)
	assert.Equal(-1, g.ByName("vg1-sparse").LV.Origin)

	assert.Equal([]int{vg.ID}, pool.Parents)
	assert.Equal([]int{pool.ID}, thinLV.Parents)
	assert.Equal([]int{pool.ID}, g.ByName("vg1-thinsnap").Parents)
	assert.Equal(thinLV.ID, g.ByName("vg1-thinsnap").LV.Origin)

	// internal volumes are folded into the lvs they belong to
	for _, name := range []string{"vg1-data_rimage_0", "vg1-data_rmeta_0", "vg1-mirror_mlog",
		"vg1-sparse_vorigin", "vg1-pool_tdata", "vg1-pool_tmeta", "vg1-lvol0_pmspare"} {
		assert.Nil(g.ByName(name), name)
	}

	lvs := 0
	for _, d := range g.All() {
		if d.Kind.IsLV() {
			lvs++
		}
	}

	assert.Equal(8, lvs)
}

func TestPopulateLVMissingRequired(t *testing.T) {
	snap := lvInfo("snap", "swi-a-s---", 64*devtree.Mebibyte)
	snap.Origin = "gone"

	thin := lvInfo("thin", "Vwi-a-tz--", 256*devtree.Mebibyte)
	thin.PoolLV = "gone"

	for _, td := range []struct {
		name string
		lv   devtree.LVInfo
	}{
		{"snapshot origin", snap},
		{"thin pool", thin},
		{"raid image", lvInfo("[gone_rimage_0]", "iwi-aor---", 128*devtree.Mebibyte)},
		{"mirror log", lvInfo("[gone_mlog]", "lwi-aom---", 4*devtree.Mebibyte)},
	} {
		tree := devtree.New(mockos.New(lvmLayout(td.lv)), devtree.Config{})
		assert.ErrorIs(t, tree.Populate(false), devtree.ErrDeviceTree, td.name)
	}
}

func dmraidLayout() mockos.Layout {
	const setName = "nvidia_bfcciffh"

	return mockos.Layout{
		Records: []devtree.DeviceInfo{
			diskRecord("sdj", map[string]string{"ID_FS_TYPE": "nvidia_raid_member"}),
			diskRecord("sdk", map[string]string{"ID_FS_TYPE": "nvidia_raid_member"}),
		},
		Inactive: []devtree.DeviceInfo{{
			Name:    "dm-5",
			SysPath: "/sys/devices/virtual/block/dm-5",
			Properties: map[string]string{
				"DEVNAME":            "/dev/dm-5",
				"DEVTYPE":            "disk",
				"SUBSYSTEM":          "block",
				"DM_NAME":            setName,
				"DM_UUID":            "DMRAID-" + setName,
				"ID_PART_TABLE_TYPE": "gpt",
			},
			Attributes: map[string]string{"size": "2097152"},
		}},
		RaidSets: []devtree.RaidSet{{Name: setName, Members: []string{"/dev/sdj", "/dev/sdk"}}},
	}
}

func TestPopulateDMRaid(t *testing.T) {
	assert := assert.New(t)

	sys := mockos.New(dmraidLayout())
	tree := devtree.New(sys, devtree.Config{DMRaid: true})
	assert.Nil(tree.Populate(false))

	array := tree.Graph.ByName("nvidia_bfcciffh")
	if !assert.NotNil(array) {
		return
	}

	assert.Equal(devtree.KindDMRaidArray, array.Kind)
	assert.Equal([]string{"sdj", "sdk"}, names(tree.Graph.ParentsOf(array)))
	assert.Equal("/sys/devices/virtual/block/dm-5", array.SysfsPath)

	// the label is read as soon as the set is active
	assert.True(array.Partitioned())
	assert.Equal("gpt", array.Format.LabelType)

	activations := 0
	for _, c := range sys.Calls() {
		if c == "activate nvidia_bfcciffh" {
			activations++
		}
	}

	assert.Equal(1, activations)

	for _, name := range []string{"sdj", "sdk"} {
		assert.Equal(devtree.FormatDMRaidMember, tree.Graph.ByName(name).Format.Kind, name)
	}
}

func TestPopulateDMRaidDisabled(t *testing.T) {
	assert := assert.New(t)

	sys := mockos.New(dmraidLayout())
	tree := devtree.New(sys, devtree.Config{})
	assert.Nil(tree.Populate(false))

	assert.Nil(tree.Graph.ByName("nvidia_bfcciffh"))
	assert.NotContains(sys.Calls(), "activate nvidia_bfcciffh")
	assert.Equal(devtree.FormatDMRaidMember, tree.Graph.ByName("sdj").Format.Kind)
}
