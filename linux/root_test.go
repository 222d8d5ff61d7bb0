//go:build linux && !skipIntegration
// +build linux,!skipIntegration

//nolint:errcheck,funlen
package linux_test

import (
	"fmt"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/devtree"
	"machinerun.io/devtree/linux"
)

const MiB = 1024 * 1024

// runLog - run command and Printf, useful for debugging errors.
func runLog(args ...string) {
	out, err, rc := runCommandWithOutputErrorRc(args...)
	fmt.Printf("%s\n", cmdString(args, out, err, rc))
}

// loopDisk connects a new sparse file of size bytes to a loop device and
// returns its name.
func loopDisk(t *testing.T, size int64, cl *cleanList) string {
	fpath := getTempFile(size)
	cl.AddF(func() error { return runCommand("rm", "-f", fpath) }, "remove "+fpath)

	cleanup, devPath, err := connectLoop(fpath)
	if err != nil {
		t.Fatalf("failed to connect loop: %s", err)
	}

	cl.AddF(cleanup, "detach "+devPath)

	return path.Base(devPath)
}

func populated(t *testing.T) *devtree.Tree {
	tree := devtree.New(linux.System(), devtree.Config{})

	if err := tree.Populate(false); err != nil {
		t.Fatalf("populate failed: %s", err)
	}

	return tree
}

func TestRootFilesystem(t *testing.T) {
	iSkipOrFail(t, isRoot, canUseLoop, func() error { return hasCommand("mkfs.ext4") })

	ast := assert.New(t)

	var cl = cleanList{}
	defer cl.Cleanup(t)

	name := loopDisk(t, 64*MiB, &cl)
	label := "dt" + randStr(8)

	tree := populated(t)

	loop := tree.Graph.ByName(name)
	if loop == nil {
		t.Fatalf("loop device %s not found", name)
	}

	a, err := devtree.NewCreateFormat(loop, devtree.Format{
		Kind: devtree.FormatFS, Type: "ext4", Label: label})
	ast.Nil(err)
	ast.Nil(tree.RegisterAction(a))

	if err := tree.Process(false); err != nil {
		runLog("blkid", path.Join("/dev", name))
		t.Fatalf("process failed: %s", err)
	}

	ast.Len(tree.Actions.Completed(), 1)

	tree = populated(t)
	loop = tree.Graph.ByName(name)

	if ast.NotNil(loop) {
		ast.Equal(devtree.KindLoop, loop.Kind)
		ast.Equal(devtree.FormatFS, loop.Format.Kind)
		ast.Equal("ext4", loop.Format.Type)
		ast.Equal(label, loop.Format.Label)
		ast.True(loop.Format.Exists)
	}

	ast.Equal(loop, tree.Graph.ByLabel(label))
}

func TestRootLVMCreate(t *testing.T) {
	iSkipOrFail(t, isRoot, canUseLoop, canUseLVM)

	ast := assert.New(t)

	var cl = cleanList{}
	defer cl.Cleanup(t)

	name := loopDisk(t, 128*MiB, &cl)
	vgName := "devtree_" + randStr(8)

	tree := populated(t)

	loop := tree.Graph.ByName(name)
	if loop == nil {
		t.Fatalf("loop device %s not found", name)
	}

	pvFmt, err := devtree.NewCreateFormat(loop, devtree.Format{Kind: devtree.FormatLVMPV})
	ast.Nil(err)
	ast.Nil(tree.RegisterAction(pvFmt))

	vg := tree.Graph.NewDevice(devtree.KindLVMVG, vgName, loop)
	vgCreate, err := devtree.NewCreateDevice(vg)
	ast.Nil(err)
	ast.Nil(tree.RegisterAction(vgCreate))

	lv := tree.Graph.NewDevice(devtree.KindLVMLV, vgName+"-lv0", vg)
	lv.LV.LVName = "lv0"
	lv.Size = 16 * MiB
	lvCreate, err := devtree.NewCreateDevice(lv)
	ast.Nil(err)
	ast.Nil(tree.RegisterAction(lvCreate))

	cl.AddF(func() error { return runCommand("lvm", "vgremove", "--force", vgName) },
		"remove vg "+vgName)

	if err := tree.Process(false); err != nil {
		runLog("lvm", "pvs")
		t.Fatalf("process failed: %s", err)
	}

	completed := tree.Actions.Completed()
	if ast.Len(completed, 3) {
		ast.Equal(pvFmt, completed[0])
		ast.Equal(vgCreate, completed[1])
		ast.Equal(lvCreate, completed[2])
	}

	tree = populated(t)

	found := tree.Graph.ByName(vgName)
	if ast.NotNil(found) {
		ast.Equal(devtree.KindLVMVG, found.Kind)
	}

	foundLV := tree.Graph.ByName(vgName + "-lv0")
	if ast.NotNil(foundLV) {
		ast.Equal(devtree.KindLVMLV, foundLV.Kind)
		ast.Equal("lv0", foundLV.LV.LVName)
		ast.Equal(uint64(16*MiB), foundLV.Size)
	}

	loop = tree.Graph.ByName(name)
	if ast.NotNil(loop) {
		ast.Equal(devtree.FormatLVMPV, loop.Format.Kind)
		ast.Equal(vgName, loop.Format.VGName)
	}
}
