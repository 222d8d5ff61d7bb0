package devtree_test

import (
	"regexp"
	"testing"

	"machinerun.io/devtree"
	"machinerun.io/devtree/partid"
)

func TestStringRoundtrip(t *testing.T) {
	guidfmt := "^[0-9A-F]{8}-([0-9A-F]{4}-){3}[0-9A-F]{12}$"
	matcher := regexp.MustCompile(guidfmt)
	myGUID := devtree.GenGUID()

	asStr := devtree.GUIDToString(myGUID)

	if !matcher.MatchString(asStr) {
		t.Errorf(
			"guid %#v as a string (%s) did not match format %s",
			myGUID, asStr, guidfmt)
	}

	back, err := devtree.StringToGUID(asStr)
	if err != nil {
		t.Errorf("StringToGUID failed %#v -> %s: %s)", myGUID, asStr, back)
	}

	if back != myGUID {
		t.Errorf("Round trip failed. %#v -> %#v", myGUID, back)
	}
}

func TestStringKnown(t *testing.T) {
	for _, td := range []struct {
		guid  devtree.GUID
		asStr string
	}{
		{partid.LinuxFS, "0FC63DAF-8483-4772-8E79-3D69D8477DE4"},
		{devtree.GUID{0x67, 0x45, 0x23, 0x1, 0xab, 0x89, 0xef, 0xcd, 0x1,
			0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
			"01234567-89AB-CDEF-0123-456789ABCDEF"},
	} {
		found := td.guid.String()

		if found != td.asStr {
			t.Errorf("GUIDToString(%#v) got %s. expected %s",
				td.guid, found, td.asStr)
		}

		back, err := devtree.StringToGUID(found)
		if err != nil {
			t.Errorf("Failed StringToGUID(%#v): %s", found, err)
		}

		if td.guid != back {
			t.Errorf("StringToGuid(%s) returned %#v. expected %#v",
				found, back, td.guid)
		}
	}
}

func TestStringLowerCase(t *testing.T) {
	g, err := devtree.StringToGUID("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")
	if err != nil {
		t.Fatalf("StringToGUID failed: %s", err)
	}

	if g != devtree.GUID(partid.EFI) {
		t.Errorf("got %s, expected %s", g, devtree.GUID(partid.EFI))
	}
}
