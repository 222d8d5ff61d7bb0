//go:build linux
// +build linux

package linux

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunCommandWithOutputErrorRc(t *testing.T) {
	assert := assert.New(t)
	out, err, rc := runCommandWithOutputErrorRc(
		"sh", "-c", "echo -n STDOUT; echo STDERR 1>&2; exit 99")
	assert.Equal(out, []byte("STDOUT"))
	assert.Equal(err, []byte("STDERR\n"))
	assert.Equal(rc, 99)
}

func TestRunCommandWithOutputErrorRcStdin(t *testing.T) {
	assert := assert.New(t)
	out, err, rc := runCommandWithOutputErrorRcStdin(
		"line1\nline2\n0\n",
		"sh", "-c",
		`read o; echo "$o"; read o; echo "$o" 1>&2; read rc; exit $rc`)
	assert.Equal(out, []byte("line1\n"))
	assert.Equal(err, []byte("line2\n"))
	assert.Equal(rc, 0)
}

func TestRunCommandWithStdin(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(runCommandStdin("the-stdin", "sh", "-c", "exit 0"))
	assert.NotNil(runCommandStdin("", "sh", "-c", "exit 1"))
}

func TestRunCommand(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(runCommand("sh", "-c", "exit 0"))
	assert.NotNil(runCommand("sh", "-c", "exit 1"))
}

func TestCeilingUp(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(100), Ceiling(98, 4))
}

func TestCeilingEven(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(100), Ceiling(100, 4))
	assert.Equal(uint64(97), Ceiling(97, 1))
}

func TestFloorDown(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(96), Floor(98, 4))
}

func TestFloorEven(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(100), Floor(100, 4))
	assert.Equal(uint64(97), Floor(97, 1))
}

func TestGetFileSize(t *testing.T) {
	data := "This is my data in the file"

	fp, err := os.CreateTemp("", "testSize")
	defer os.Remove(fp.Name())

	if err != nil {
		t.Fatalf("Failed to make test file: %s", err)
	}

	if _, err := fp.WriteString(data); err != nil {
		t.Fatalf("failed writing to file %s: %s", fp.Name(), err)
	}

	if err := fp.Sync(); err != nil {
		t.Fatal("failed sync")
	}

	found, err := getFileSize(fp)
	if err != nil {
		t.Errorf("Failed to getFileSize: %s", err)
	}

	if found != uint64(len(data)) {
		t.Errorf("Found size %d expected %d", found, len(data))
	}
}

func TestVgLv(t *testing.T) {
	tables := []struct{ vgName, lvName, expected string }{
		{"vg0", "lv0", "vg0/lv0"},
		{"vg0", "my-foo_bar", "vg0/my-foo_bar"},
	}

	for _, table := range tables {
		found := vgLv(table.vgName, table.lvName)
		if found != table.expected {
			t.Errorf("vgLv(%s, %s) returned '%s'. expected '%s'",
				table.vgName, table.lvName, found, table.expected)
		}
	}
}

func TestFindRangeGaps(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(
		[]uRange{{0, 9}, {41, 49}, {101, 110}},
		findRangeGaps([]uRange{{10, 40}, {50, 100}}, 0, 110))

	assert.Equal([]uRange{{0, 110}}, findRangeGaps([]uRange{}, 0, 110))
	assert.Equal([]uRange{}, findRangeGaps([]uRange{{0, 200}}, 0, 110))
}

func TestGetPartKname(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("sda1", getPartKname("sda", 1))
	assert.Equal("nvme0n1p3", getPartKname("nvme0n1", 3))
	assert.Equal("loop7p2", getPartKname("loop7", 2))
}
