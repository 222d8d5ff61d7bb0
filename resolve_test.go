package devtree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/devtree"
)

func TestResolveDevice(t *testing.T) {
	tree, _ := layoutTree(t, devtree.Config{EDD: map[string]int{"sda": 0x80, "sdb": 0x81}})

	for _, td := range []struct {
		spec    string
		options string
		name    string
	}{
		{"sda1", "", "sda1"},
		{"UUID=5d0c2a8e-7f31-4b6c-8e2d-1a9f4c3b7e60", "", "sdb"},
		{`UUID="5d0c2a8e-7f31-4b6c-8e2d-1a9f4c3b7e60"`, "", "sdb"},
		{"LABEL=root", "", "vg0-root"},
		{"LABEL=pool", "", "pool"},
		{"/dev/sda2", "", "sda2"},
		{"/dev/mapper/vg0-root", "", "vg0-root"},
		{"/dev/vg0/swap", "", "vg0-swap"},
		{"/dev/dm-1", "", "vg0-swap"},
		{"/dev/disk/by-label/data", "", "sdb"},
		{"0x81", "", "sdb"},
		{"/dev/sdc", "subvol=home/.snapshots", "home/.snapshots"},
		{"/dev/sdc", "subvol=/home,rw", "home"},
		{"/dev/sdc", "subvolid=257", "home/.snapshots"},
		{"/dev/sdc", "rw,noatime", "home"},
	} {
		res := tree.ResolveDevice(td.spec, devtree.ResolveOptions{Options: td.options})
		if !res.Ok() {
			t.Errorf("failed to resolve %s (%s)", td.spec, td.options)
			continue
		}

		if res.Device.Name != td.name {
			t.Errorf("%s (%s) resolved to %s, expected %s",
				td.spec, td.options, res.Device.Name, td.name)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	assert := assert.New(t)
	tree, _ := layoutTree(t, devtree.Config{})

	for _, spec := range []string{"sdz", "UUID=nope", "LABEL=nope", "/dev/vg1/root", "/dev/dm-7"} {
		res := tree.ResolveDevice(spec, devtree.ResolveOptions{})
		assert.False(res.Ok(), spec)
		assert.Nil(res.Err, spec)
	}
}

func TestResolveTables(t *testing.T) {
	assert := assert.New(t)
	tree, _ := layoutTree(t, devtree.Config{Passphrase: passphrase})

	res := tree.ResolveDevice("/dev/old", devtree.ResolveOptions{
		BlkidTab: map[string]map[string]string{
			"/dev/old": {"UUID": "3c8a6f0e-2b1d-4e57-9f3a-6d2c1b0e9a77"},
		},
	})
	if assert.True(res.Ok()) {
		assert.Equal(luksName, res.Device.Name)
	}

	res = tree.ResolveDevice("/dev/mapper/cryptroot", devtree.ResolveOptions{
		CryptTab: map[string]string{"cryptroot": "/dev/sda3"},
	})
	if assert.True(res.Ok()) {
		assert.Equal(luksName, res.Device.Name)
	}
}

func TestGetActiveMounts(t *testing.T) {
	assert := assert.New(t)
	tree, _ := layoutTree(t, devtree.Config{})

	assert.Nil(tree.GetActiveMounts())

	root := tree.Graph.ByName("vg0-root")
	if assert.NotNil(root) {
		assert.Equal("/", root.Format.Mountpoint)
		assert.Equal("/", root.Format.ActiveMountpoint)
		assert.Equal("relatime,rw", root.Format.MountOpts)
	}

	assert.Equal("/boot/efi", tree.Graph.ByName("sda1").Format.Mountpoint)
	assert.Equal("/home", tree.Graph.ByName("home").Format.Mountpoint)
	assert.Equal("", tree.Graph.ByName("pool").Format.Mountpoint)
	assert.Empty(tree.Graph.DevicesByKind(devtree.KindNoDevice))
}

func TestGetActiveMountsNodev(t *testing.T) {
	assert := assert.New(t)
	tree, _ := layoutTree(t, devtree.Config{IncludeNodev: true})

	assert.Nil(tree.GetActiveMounts())

	nodev := tree.Graph.DevicesByKind(devtree.KindNoDevice)
	if assert.Len(nodev, 2) {
		assert.Equal("proc.0", nodev[0].Name)
		assert.Equal("/proc", nodev[0].Format.Mountpoint)
		assert.Equal("tmpfs.0", nodev[1].Name)
		assert.Equal("/run", nodev[1].Format.Mountpoint)
	}
}

func TestResolveIncompleteVG(t *testing.T) {
	assert := assert.New(t)
	tree, _ := layoutTree(t, devtree.Config{})

	// a second pv of vg0 went missing
	tree.Graph.ByName("vg0").VG.PVCount = 2

	res := tree.ResolveDevice("LABEL=root", devtree.ResolveOptions{})
	assert.False(res.Ok())
	assert.Nil(res.Err)

	res = tree.ResolveDevice("LABEL=data", devtree.ResolveOptions{})
	if assert.True(res.Ok()) {
		assert.Equal("sdb", res.Device.Name)
	}
}
