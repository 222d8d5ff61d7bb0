//go:build linux
// +build linux

package linux

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"machinerun.io/devtree"
)

func realPath(p string) (string, error) {
	return filepath.EvalSymlinks(p)
}

// realBase returns the kernel name of the device node at p.
func realBase(p string) (string, error) {
	real, err := realPath(p)
	if err != nil {
		return "", err
	}

	return path.Base(real), nil
}

// parseKeyValues reads KEY=VALUE lines, as written by 'mdadm --export'.
func parseKeyValues(out []byte) map[string]string {
	ret := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if k, v, ok := strings.Cut(line, "="); ok && k != "" {
			ret[k] = v
		}
	}

	return ret
}

func (ls *linuxSystem) MDExamine(devPath string) (map[string]string, error) {
	out, stderr, rc := runCommandWithOutputErrorRc("mdadm", "--examine", "--export", devPath)
	if rc != 0 {
		return nil, fmt.Errorf("mdadm --examine %s failed [%d]: %s", devPath, rc, stderr)
	}

	return parseKeyValues(out), nil
}

func (ls *linuxSystem) MDNameFromNode(node string) (string, error) {
	entries, err := os.ReadDir("/dev/md")
	if err != nil {
		return "", errors.Wrapf(devtree.ErrNotFound, "no md names: %s", err)
	}

	for _, e := range entries {
		if b, err := realBase(path.Join("/dev/md", e.Name())); err == nil && b == node {
			return e.Name(), nil
		}
	}

	return "", errors.Wrapf(devtree.ErrNotFound, "no md name for %s", node)
}

func (ls *linuxSystem) DMNameFromNode(node string) (string, error) {
	name := readSysFile(path.Join("/class/block", node, "dm/name"))
	if name == "" {
		return "", errors.Wrapf(devtree.ErrNotFound, "no dm name for %s", node)
	}

	return name, nil
}

func (ls *linuxSystem) LoopBackingFile(name string) string {
	return readSysFile(path.Join("/class/block", name, "loop/backing_file"))
}

func (ls *linuxSystem) LoopName(file string) string {
	out, _, rc := runCommandWithOutputErrorRc("losetup", "--list", "--noheadings",
		"--output=NAME", "--associated", file)
	if rc != 0 {
		return ""
	}

	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return path.Base(line)
		}
	}

	return ""
}

func (ls *linuxSystem) IsMultipathMember(devPath string) bool {
	_, _, rc := runCommandWithOutputErrorRc("multipath", "-c", devPath)
	return rc == 0
}

// parseRaidMembers reads the output of 'dmraid -r -c -c -c', one
// device:format:set:... line per member, into raid sets.
func parseRaidMembers(out []byte) []devtree.RaidSet {
	members := map[string][]string{}

	for _, line := range strings.Split(string(out), "\n") {
		toks := strings.Split(strings.TrimSpace(line), ":")
		if len(toks) < 3 || toks[2] == "" {
			continue
		}

		members[toks[2]] = append(members[toks[2]], toks[0])
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}

	sort.Strings(names)

	sets := make([]devtree.RaidSet, 0, len(names))
	for _, name := range names {
		sets = append(sets, devtree.RaidSet{Name: name, Members: members[name]})
	}

	return sets
}

func (ls *linuxSystem) RaidSets(info devtree.DeviceInfo) ([]devtree.RaidSet, error) {
	out, stderr, rc := runCommandWithOutputErrorRc("dmraid", "-r", "-c", "-c", "-c")
	if rc != 0 {
		return nil, fmt.Errorf("dmraid -r failed [%d]: %s", rc, stderr)
	}

	devPath := path.Join("/dev", info.Name)
	ret := []devtree.RaidSet{}

	for _, rs := range parseRaidMembers(out) {
		for _, m := range rs.Members {
			if m == devPath {
				ret = append(ret, rs)
				break
			}
		}
	}

	return ret, nil
}

// parseSubvolumeList reads 'btrfs subvolume list -p' output, lines like
//  ID 257 gen 8 parent 5 top level 5 path home
func parseSubvolumeList(out []byte) ([]devtree.SubvolInfo, error) {
	ret := []devtree.SubvolInfo{}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		head, p, ok := strings.Cut(line, " path ")
		if !ok {
			return ret, fmt.Errorf("bad subvolume line: %s", line)
		}

		toks := strings.Fields(head)
		sv := devtree.SubvolInfo{Path: p}

		for i := 0; i+1 < len(toks); i++ {
			var err error

			switch toks[i] {
			case "ID":
				sv.ID, err = strconv.Atoi(toks[i+1])
			case "parent":
				sv.Parent, err = strconv.Atoi(toks[i+1])
			}

			if err != nil {
				return ret, fmt.Errorf("bad subvolume line %q: %s", line, err)
			}
		}

		ret = append(ret, sv)
	}

	return ret, nil
}

// parseDefaultSubvolume reads the id from 'btrfs subvolume get-default'.
func parseDefaultSubvolume(out []byte) (int, error) {
	toks := strings.Fields(string(out))
	if len(toks) < 2 || toks[0] != "ID" {
		return 0, fmt.Errorf("bad get-default output: %s", out)
	}

	return strconv.Atoi(toks[1])
}

func (ls *linuxSystem) BtrfsSubvolumes(vol *devtree.Device) ([]devtree.SubvolInfo, error) {
	dir, err := os.MkdirTemp("", "devtree-btrfs-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(dir)

	if err := runCommand("mount", "-t", "btrfs", "-o", "subvolid=5,ro", vol.Path(), dir); err != nil {
		return nil, err
	}

	defer func() {
		if err := runCommand("umount", dir); err != nil {
			devtree.Log.WithError(err).Warnf("failed to unmount %s", dir)
		}
	}()

	out, stderr, rc := runCommandWithOutputErrorRc("btrfs", "subvolume", "list", "-p", dir)
	if rc != 0 {
		return nil, fmt.Errorf("btrfs subvolume list failed [%d]: %s", rc, stderr)
	}

	subvols, err := parseSubvolumeList(out)
	if err != nil {
		return nil, err
	}

	snapshots := map[int]bool{}

	if out, _, rc := runCommandWithOutputErrorRc("btrfs", "subvolume", "list", "-s", dir); rc == 0 {
		snaps, err := parseSnapshotList(out)
		if err != nil {
			return nil, err
		}

		for _, id := range snaps {
			snapshots[id] = true
		}
	}

	def := 0

	if out, _, rc := runCommandWithOutputErrorRc("btrfs", "subvolume", "get-default", dir); rc == 0 {
		if def, err = parseDefaultSubvolume(out); err != nil {
			return nil, err
		}
	}

	for i := range subvols {
		subvols[i].Snapshot = snapshots[subvols[i].ID]
		subvols[i].Default = subvols[i].ID == def
	}

	return subvols, nil
}

// parseSnapshotList returns the ids in 'btrfs subvolume list -s' output.
func parseSnapshotList(out []byte) ([]int, error) {
	ids := []int{}

	for _, line := range strings.Split(string(out), "\n") {
		toks := strings.Fields(line)
		if len(toks) < 2 || toks[0] != "ID" {
			continue
		}

		id, err := strconv.Atoi(toks[1])
		if err != nil {
			return ids, fmt.Errorf("bad snapshot line %q: %s", line, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func (ls *linuxSystem) ProbeDiskLabel(d *devtree.Device, labelType string) error {
	fp, err := os.Open(d.Path())
	if err != nil {
		return errors.Wrapf(devtree.ErrInvalidDiskLabel, "%s: %s", d.Path(), err)
	}
	defer fp.Close()

	return probeDiskLabel(fp, labelType)
}

func (ls *linuxSystem) MountTable() ([]byte, error) {
	return os.ReadFile("/proc/self/mounts")
}

func (ls *linuxSystem) RealPath(p string) (string, error) {
	return realPath(p)
}

func (ls *linuxSystem) ResolveDevSpec(spec string) string {
	devPath := spec

	if !strings.HasPrefix(spec, "/") {
		out, _, rc := runCommandWithOutputErrorRc("blkid", "--output=device", "--match-token="+spec)
		if rc != 0 {
			return ""
		}

		devPath = strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]) //nolint:gomnd
		if devPath == "" {
			return ""
		}
	}

	name, err := realBase(devPath)
	if err != nil {
		return ""
	}

	// the tree knows maps and arrays by their names, not their nodes
	if strings.HasPrefix(name, "dm-") {
		if dm, err := ls.DMNameFromNode(name); err == nil {
			return dm
		}
	} else if strings.HasPrefix(name, "md") {
		if md, err := ls.MDNameFromNode(name); err == nil {
			return md
		}
	}

	return name
}
