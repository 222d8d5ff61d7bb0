package devtree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/devtree"
	"machinerun.io/devtree/mockos"
)

func diskRecord(name string, props map[string]string) devtree.DeviceInfo {
	p := map[string]string{
		"DEVNAME":   "/dev/" + name,
		"DEVTYPE":   "disk",
		"SUBSYSTEM": "block",
	}

	for k, v := range props {
		p[k] = v
	}

	return devtree.DeviceInfo{
		Name:       name,
		SysPath:    "/sys/block/" + name,
		Properties: p,
		Attributes: map[string]string{"size": "2097152"},
	}
}

func names(devs []*devtree.Device) []string {
	ret := []string{}
	for _, d := range devs {
		ret = append(ret, d.Name)
	}

	return ret
}

func TestPopulateMultipath(t *testing.T) {
	assert := assert.New(t)

	// the map is listed before its paths
	mpath := devtree.DeviceInfo{
		Name:    "dm-3",
		SysPath: "/sys/devices/virtual/block/dm-3",
		Properties: map[string]string{
			"DEVNAME":   "/dev/dm-3",
			"DEVTYPE":   "disk",
			"SUBSYSTEM": "block",
			"DM_NAME":   "mpatha",
			"DM_UUID":   "mpath-3600508b400105e210000900000490000",
		},
		Attributes: map[string]string{"size": "2097152"},
		Slaves:     []string{"/sys/block/sdd", "/sys/block/sde"},
	}

	sys := mockos.New(mockos.Layout{
		Records: []devtree.DeviceInfo{
			mpath,
			diskRecord("sdd", map[string]string{"ID_FS_TYPE": "multipath_member"}),
			diskRecord("sde", map[string]string{"ID_FS_TYPE": "multipath_member"}),
		},
		MultipathMembers: []string{"sdd", "sde"},
	})

	tree := devtree.New(sys, devtree.Config{})
	assert.Nil(tree.Populate(false))

	mp := tree.Graph.ByName("mpatha")
	if !assert.NotNil(mp) {
		return
	}

	assert.Equal(devtree.KindMultipath, mp.Kind)
	assert.Equal("3600508b400105e210000900000490000", mp.Serial)
	assert.Equal(uint64(devtree.Gibibyte), mp.Size)
	assert.Equal([]string{"sdd", "sde"}, names(tree.Graph.ParentsOf(mp)))

	for _, name := range []string{"sdd", "sde"} {
		path := tree.Graph.ByName(name)
		if assert.NotNil(path, name) {
			assert.Equal(devtree.FormatMultipathMember, path.Format.Kind, name)
			assert.Equal(1, path.Kids(), name)
		}
	}

	assert.Len(tree.Graph.All(), 3)
}

func mdLayout(members ...string) mockos.Layout {
	const mdUUID = "a1b2c3d4:e5f60718:293a4b5c:6d7e8f90"

	array := devtree.DeviceInfo{
		Name:    "md127",
		SysPath: "/sys/devices/virtual/block/md127",
		Properties: map[string]string{
			"DEVNAME":     "/dev/md127",
			"DEVTYPE":     "disk",
			"SUBSYSTEM":   "block",
			"MD_LEVEL":    "raid1",
			"MD_UUID":     mdUUID,
			"MD_DEVNAME":  "home",
			"MD_DEVICES":  "2",
			"MD_METADATA": "1.2",
			"ID_FS_TYPE":  "ext4",
			"ID_FS_UUID":  "0f1e2d3c-4b5a-4968-8776-a5b4c3d2e1f0",
			"ID_FS_LABEL": "mdhome",
		},
		Attributes: map[string]string{"size": "2093056"},
	}

	l := mockos.Layout{
		Records:   []devtree.DeviceInfo{},
		MDExamine: map[string]map[string]string{},
	}

	for _, m := range members {
		array.Slaves = append(array.Slaves, "/sys/block/"+m)
		l.MDExamine["/dev/"+m] = map[string]string{
			"MD_LEVEL":   "raid1",
			"MD_UUID":    mdUUID,
			"MD_DEVICES": "2",
		}
	}

	l.Records = append(l.Records, array)
	for _, m := range members {
		l.Records = append(l.Records, diskRecord(m, map[string]string{"ID_FS_TYPE": "linux_raid_member"}))
	}

	return l
}

func TestPopulateMDArray(t *testing.T) {
	assert := assert.New(t)

	tree := devtree.New(mockos.New(mdLayout("sdf", "sdg")), devtree.Config{})
	assert.Nil(tree.Populate(false))

	md := tree.Graph.ByName("home")
	if !assert.NotNil(md) {
		return
	}

	assert.Equal(devtree.KindMDArray, md.Kind)
	assert.Equal("raid1", md.MD.Level)
	assert.Equal(2, md.MD.MemberDevices)
	assert.Equal("1.2", md.MD.MetadataVersion)
	assert.Equal("/sys/devices/virtual/block/md127", md.SysfsPath)
	assert.Equal([]string{"sdf", "sdg"}, names(tree.Graph.ParentsOf(md)))

	assert.Equal("ext4", md.Format.Type)
	assert.Equal(md, tree.Graph.ByLabel("mdhome"))

	for _, name := range []string{"sdf", "sdg"} {
		assert.Equal(devtree.FormatMDMember, tree.Graph.ByName(name).Format.Kind, name)
	}
}

func TestPopulateMDArrayDegraded(t *testing.T) {
	assert := assert.New(t)

	sys := mockos.New(mdLayout("sdf"))
	tree := devtree.New(sys, devtree.Config{})
	assert.Nil(tree.Populate(false))

	// one of two members is not enough
	assert.Nil(tree.Graph.ByName("home"))
	assert.NotNil(tree.Graph.ByName("home", devtree.Incomplete()))
	assert.Contains(sys.Calls(), "stop /dev/md/home")

	devices, err := tree.Devices()
	assert.Nil(err)
	assert.Equal([]string{"sdf"}, names(devices))
}

func partitionRecord(disk string, n int, props map[string]string, sectors string) devtree.DeviceInfo {
	name := disk + string(rune('0'+n))
	p := map[string]string{
		"DEVNAME":              "/dev/" + name,
		"DEVTYPE":              "partition",
		"SUBSYSTEM":            "block",
		"ID_PART_ENTRY_NUMBER": string(rune('0' + n)),
	}

	for k, v := range props {
		p[k] = v
	}

	return devtree.DeviceInfo{
		Name:       name,
		SysPath:    "/sys/block/" + disk + "/" + name,
		Properties: p,
		Attributes: map[string]string{"size": sectors},
	}
}

func TestPopulateAppleBoot(t *testing.T) {
	assert := assert.New(t)

	sys := mockos.New(mockos.Layout{
		Records: []devtree.DeviceInfo{
			diskRecord("sdh", map[string]string{"ID_PART_TABLE_TYPE": "dos"}),
			partitionRecord("sdh", 1, map[string]string{
				"ID_FS_TYPE": "hfs", "ID_PART_ENTRY_TYPE": "0xaf", "ID_PART_ENTRY_FLAGS": "0x80",
			}, "2048"),
			partitionRecord("sdh", 2, map[string]string{
				"ID_FS_TYPE": "hfs", "ID_PART_ENTRY_TYPE": "0xaf", "ID_PART_ENTRY_FLAGS": "0x0",
			}, "2048"),
		},
	})

	tree := devtree.New(sys, devtree.Config{})
	assert.Nil(tree.Populate(false))

	boot := tree.Graph.ByName("sdh1")
	if assert.NotNil(boot) {
		assert.True(boot.Part.Bootable)
		assert.Equal(devtree.FormatAppleBoot, boot.Format.Kind)
	}

	// same size and type, but not bootable
	plain := tree.Graph.ByName("sdh2")
	if assert.NotNil(plain) {
		assert.False(plain.Part.Bootable)
		assert.Equal(uint64(devtree.Mebibyte), plain.Size)
		assert.Equal(devtree.FormatFS, plain.Format.Kind)
		assert.Equal("hfs", plain.Format.Type)
	}
}
