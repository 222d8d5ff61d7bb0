package partid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/devtree"
	"machinerun.io/devtree/partid"
)

func TestPartID(t *testing.T) {
	// Not a very good test, but something.
	for id, text := range map[[16]byte]string{
		partid.LinuxFS:   "Linux-FS",
		partid.LinuxLVM:  "LVM",
		partid.LinuxRAID: "RAID",
	} {
		if partid.Text[id] != text {
			t.Errorf("Unexpected text. found %s expected %s",
				partid.Text[id], text)
		}
	}
}

func TestPartIDStrings(t *testing.T) {
	ast := assert.New(t)

	for id, s := range map[[16]byte]string{
		partid.EFI:       "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
		partid.BIOSBoot:  "21686148-6449-6E6F-744E-656564454649",
		partid.LinuxLVM:  "E6D6D379-F507-44C2-A23C-238F2A3DF928",
		partid.LinuxRAID: "A19D880F-05FC-4D3B-A006-743F0F84911E",
		partid.LinuxSwap: "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F",
		partid.AppleHFS:  "48465300-0000-11AA-AA11-00306543ECAC",
		partid.AppleBoot: "426F6F74-0000-11AA-AA11-00306543ECAC",
	} {
		ast.Equal(s, devtree.GUIDToString(id), partid.Text[id])
	}
}

func TestBootable(t *testing.T) {
	ast := assert.New(t)

	ast.True(partid.Bootable(partid.EFI))
	ast.True(partid.Bootable(partid.AppleBoot))
	ast.False(partid.Bootable(partid.LinuxFS))
}
