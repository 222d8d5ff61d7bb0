//go:build linux
// +build linux

package linux

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"machinerun.io/devtree"
)

// sysfs attributes copied into every record, relative to the device dir.
//
//nolint:gochecknoglobals
var recordAttrs = []string{
	"ro", "size", "removable", "loop/backing_file", "dm/name", "dm/uuid",
	"device/readonly", "device/use_diag", "device/erplog", "device/failfast",
	"device/hba_id", "device/wwpn", "device/fcp_lun", "fcoe/nic",
}

// parseUdevInfo reads the output of 'udevadm info --query=all --export'
// for a single device.
func parseUdevInfo(out []byte, info *devtree.DeviceInfo) error {
	var toks [][]byte
	var payload, s string
	var err error

	if info.Properties == nil {
		info.Properties = map[string]string{}
	}

	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		toks = bytes.SplitN(line, []byte(": "), 2)
		if len(toks) != 2 || len(toks[0]) != 1 {
			return fmt.Errorf("error parsing line: %s", line)
		}

		payload = string(toks[1])

		switch toks[0][0] {
		case 'P':
			info.SysPath = payload
		case 'N':
			info.Name = payload
		case 'S':
			info.Symlinks = append(info.Symlinks, strings.Split(payload, " ")...)
		case 'E':
			kv := strings.SplitN(payload, "=", 2)
			if len(kv) != 2 {
				return fmt.Errorf("error parsing property: %s", payload)
			}

			// --export quotes values with single quotes
			v := kv[1]
			if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
				v = v[1 : len(v)-1]
			}

			// use of Unquote is to decode \x20, \x2f and friends.
			// example: ID_MODEL_ENC=Integrated\x20Camera
			// and values often have trailing whitespace.
			s, err = strconv.Unquote("\"" + strings.ReplaceAll(v, `"`, `\"`) + "\"")
			if err != nil {
				return fmt.Errorf("failed to unquote %#v: %s", v, err)
			}

			info.Properties[kv[0]] = strings.TrimSpace(s)
		default:
			// M: (kernel name), L: (link priority), Q:, V:, ... carry
			// nothing a record needs
		}
	}

	return nil
}

// parseUdevDB splits the output of 'udevadm info --export-db' into the
// records of the block devices in it.
func parseUdevDB(out []byte) ([]devtree.DeviceInfo, error) {
	recs := []devtree.DeviceInfo{}

	for _, block := range bytes.Split(out, []byte("\n\n")) {
		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}

		info := devtree.DeviceInfo{}
		if err := parseUdevInfo(block, &info); err != nil {
			return recs, err
		}

		if info.Prop("SUBSYSTEM") != "block" {
			continue
		}

		if info.Name == "" {
			info.Name = strings.TrimPrefix(info.Prop("DEVNAME"), "/dev/")
		}

		recs = append(recs, info)
	}

	return recs, nil
}

// addSysfsData fills in the sysfs attributes and the slaves of info.
func addSysfsData(info *devtree.DeviceInfo) {
	info.Attributes = map[string]string{}

	for _, a := range recordAttrs {
		if v := readSysFile(path.Join(info.SysPath, a)); v != "" {
			info.Attributes[a] = v
		}
	}

	info.Slaves = []string{}

	entries, err := os.ReadDir(path.Join("/sys", info.SysPath, "slaves"))
	if err != nil {
		return
	}

	for _, e := range entries {
		full, err := filepath.EvalSymlinks(path.Join("/sys", info.SysPath, "slaves", e.Name()))
		if err != nil {
			devtree.Log.WithError(err).Warnf("failed to resolve slave %s of %s", e.Name(), info.Name)
			continue
		}

		info.Slaves = append(info.Slaves, strings.TrimPrefix(full, "/sys"))
	}
}

// sysPathFor returns the sysfs path, without /sys, of a device given its
// name or node path.
func sysPathFor(nameOrPath string) (string, error) {
	name := nameOrPath

	if strings.Contains(nameOrPath, "/") {
		real, err := filepath.EvalSymlinks(nameOrPath)
		if err != nil {
			return "", err
		}

		name = path.Base(real)
	}

	full, err := filepath.EvalSymlinks(path.Join("/sys/class/block", name))
	if err != nil {
		return "", err
	}

	return strings.TrimPrefix(full, "/sys"), nil
}

func (ls *linuxSystem) Records() ([]devtree.DeviceInfo, error) {
	out, stderr, rc := runCommandWithOutputErrorRc("udevadm", "info", "--export-db")
	if rc != 0 {
		return nil, fmt.Errorf("error reading udev database [%d]: %s", rc, stderr)
	}

	recs, err := parseUdevDB(out)
	if err != nil {
		return nil, err
	}

	for i := range recs {
		addSysfsData(&recs[i])
	}

	return recs, nil
}

func (ls *linuxSystem) Record(sysPath string) (devtree.DeviceInfo, error) {
	info := devtree.DeviceInfo{}

	if !pathExists(path.Join("/sys", sysPath)) {
		return info, errors.Wrapf(devtree.ErrNotFound, "no device at %s", sysPath)
	}

	out, stderr, rc := runCommandWithOutputErrorRc(
		"udevadm", "info", "--query=all", "--export", "--path="+sysPath)
	if rc != 0 {
		return info,
			fmt.Errorf("error querying path '%s' [%d]: %s", sysPath, rc, stderr)
	}

	if err := parseUdevInfo(out, &info); err != nil {
		return info, err
	}

	if info.Name == "" {
		info.Name = path.Base(sysPath)
	}

	addSysfsData(&info)

	return info, nil
}

func (ls *linuxSystem) Settle() error {
	return udevSettle()
}
