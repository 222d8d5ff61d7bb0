//go:build linux
// +build linux

package linux

import (
	"errors"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/devtree"
	"machinerun.io/devtree/partid"
)

func genEmptyDisk(t *testing.T, size int64) *devtree.Device {
	fpath := path.Join(t.TempDir(), "disk.img")

	fp, err := os.Create(fpath)
	if err != nil {
		t.Fatalf("failed to create %s: %s", fpath, err)
	}

	if err := fp.Truncate(size); err != nil {
		t.Fatalf("failed to truncate %s: %s", fpath, err)
	}

	fp.Close()

	return &devtree.Device{Kind: devtree.KindFile, Name: fpath, Exists: true}
}

func newPartition(number int, size uint64, f devtree.Format) *devtree.Device {
	return &devtree.Device{
		Kind:   devtree.KindPartition,
		Name:   "part",
		Size:   size,
		Format: f,
		Part:   &devtree.PartitionAttrs{Number: number},
	}
}

func readParts(t *testing.T, disk *devtree.Device) []partEntry {
	fp, err := os.Open(disk.Path())
	if err != nil {
		t.Fatalf("failed to open %s: %s", disk.Path(), err)
	}
	defer fp.Close()

	if disk.Format.LabelType == "msdos" {
		parts, err := readMBRTable(fp)
		if err != nil {
			t.Fatalf("failed to read mbr: %s", err)
		}

		return parts
	}

	parts, _, err := readGPTPartitions(fp)
	if err != nil {
		t.Fatalf("failed to read gpt: %s", err)
	}

	return parts
}

func TestGPTLabel(t *testing.T) {
	ast := assert.New(t)
	disk := genEmptyDisk(t, 100*devtree.Mebibyte)
	disk.Format = devtree.Format{Kind: devtree.FormatDiskLabel, LabelType: "gpt"}

	ast.Nil(createDiskLabel(disk, "gpt"))

	fp, err := os.Open(disk.Path())
	ast.Nil(err)
	ast.Nil(probeDiskLabel(fp, "gpt"))
	fp.Close()

	ast.Len(readParts(t, disk), 0)

	ast.Nil(addPartition(newPartition(1, 10*devtree.Mebibyte,
		devtree.Format{Kind: devtree.FormatLVMPV}), disk))
	ast.Nil(addPartition(newPartition(2, 20*devtree.Mebibyte,
		devtree.Format{Kind: devtree.FormatEFI}), disk))

	parts := readParts(t, disk)
	if ast.Len(parts, 2) {
		ast.Equal(uint(1), parts[0].Number)
		ast.Equal(uint64(devtree.Mebibyte), parts[0].Start)
		ast.Equal(uint64(10*devtree.Mebibyte), parts[0].Size())
		ast.Equal(partid.LinuxLVM, parts[0].Type)

		ast.Equal(uint(2), parts[1].Number)
		ast.Equal(uint64(11*devtree.Mebibyte), parts[1].Start)
		ast.Equal(partid.EFI, parts[1].Type)
	}

	ast.Nil(deletePartition(1, disk))

	parts = readParts(t, disk)
	if ast.Len(parts, 1) {
		ast.Equal(uint(2), parts[0].Number)
	}
}

func TestMBRLabel(t *testing.T) {
	ast := assert.New(t)
	disk := genEmptyDisk(t, 50*devtree.Mebibyte)
	disk.Format = devtree.Format{Kind: devtree.FormatDiskLabel, LabelType: "msdos"}

	ast.Nil(createDiskLabel(disk, "msdos"))
	ast.Len(readParts(t, disk), 0)

	ast.Nil(addPartition(newPartition(1, 4*devtree.Mebibyte,
		devtree.Format{Kind: devtree.FormatSwap}), disk))

	parts := readParts(t, disk)
	if ast.Len(parts, 1) {
		ast.Equal(uint64(devtree.Mebibyte), parts[0].Start)
		ast.Equal(uint64(4*devtree.Mebibyte), parts[0].Size())
		ast.Equal(byte(0x82), parts[0].Type[15])
	}

	ast.NotNil(deletePartition(5, disk))
	ast.Nil(deletePartition(1, disk))
	ast.Len(readParts(t, disk), 0)
}

func TestProbeDiskLabelEmpty(t *testing.T) {
	ast := assert.New(t)
	disk := genEmptyDisk(t, 10*devtree.Mebibyte)

	fp, err := os.Open(disk.Path())
	ast.Nil(err)

	defer fp.Close()

	err = probeDiskLabel(fp, "gpt")
	ast.True(errors.Is(err, devtree.ErrInvalidDiskLabel))

	err = probeDiskLabel(fp, "sun")
	ast.True(errors.Is(err, devtree.ErrInvalidDiskLabel))
}

func TestFirstFit(t *testing.T) {
	ast := assert.New(t)
	mib := uint64(devtree.Mebibyte)
	diskSize := 100 * mib

	p, err := firstFit([]partEntry{}, diskSize, sectorSize512, 10*mib)
	ast.Nil(err)
	ast.Equal(mib, p.Start)
	ast.Equal(11*mib-1, p.Last)

	used := []partEntry{{Start: mib, Last: 11*mib - 1}, {Start: 20 * mib, Last: 30*mib - 1}}

	p, err = firstFit(used, diskSize, sectorSize512, 5*mib)
	ast.Nil(err)
	ast.Equal(11*mib, p.Start)

	p, err = firstFit(used, diskSize, sectorSize512, 15*mib)
	ast.Nil(err)
	ast.Equal(30*mib, p.Start)

	_, err = firstFit(used, diskSize, sectorSize512, 90*mib)
	ast.NotNil(err)
}

func TestPartitionTypeFor(t *testing.T) {
	ast := assert.New(t)
	ast.Equal(partid.LinuxLVM, partitionTypeFor(devtree.Format{Kind: devtree.FormatLVMPV}))
	ast.Equal(partid.LinuxRAID, partitionTypeFor(devtree.Format{Kind: devtree.FormatMDMember}))
	ast.Equal(partid.LinuxFS, partitionTypeFor(devtree.Format{Kind: devtree.FormatFS, Type: "ext4"}))
}

func TestGetPartName(t *testing.T) {
	ast := assert.New(t)
	b := getPartName("ab")
	ast.Equal(byte('a'), b[0])
	ast.Equal(byte(0), b[1])
	ast.Equal(byte('b'), b[2])
	ast.Equal(byte(0), b[4])
}
