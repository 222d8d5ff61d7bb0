package devtree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/deniswernert/go-fstab"
)

// filesystems that are not backed by a block device
//
//nolint:gochecknoglobals
var nodevFilesystems = []string{
	"autofs", "bdev", "binfmt_misc", "bpf", "cgroup", "cgroup2", "configfs",
	"cpuset", "debugfs", "devpts", "devtmpfs", "efivarfs", "fusectl",
	"hugetlbfs", "mqueue", "nfsd", "pipefs", "proc", "pstore", "ramfs",
	"rpc_pipefs", "securityfs", "selinuxfs", "sockfs", "sysfs", "tmpfs",
	"tracefs",
}

// parseMountTable returns the entries of an fstab formatted table.
func parseMountTable(content []byte) []*fstab.Mount {
	mounts := []*fstab.Mount{}

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m, err := fstab.ParseLine(line)
		if err != nil {
			Log.WithError(err).Errorf("failed to parse mount table line: %s", line)
			continue
		}

		mounts = append(mounts, m)
	}

	return mounts
}

// mountOptions returns the options of m as a comma separated string with
// the options in a stable order.
func mountOptions(m *fstab.Mount) string {
	keys := make([]string, 0, len(m.MntOps))
	for k := range m.MntOps {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	opts := make([]string, 0, len(keys))

	for _, k := range keys {
		if v := m.MntOps[k]; v != "" {
			opts = append(opts, k+"="+v)
		} else {
			opts = append(opts, k)
		}
	}

	return strings.Join(opts, ",")
}

// activeMounts reads the system mount table.
func (t *Tree) activeMounts() []*fstab.Mount {
	content, err := t.sys.MountTable()
	if err != nil {
		Log.WithError(err).Error("failed to read mount table")
		return []*fstab.Mount{}
	}

	return parseMountTable(content)
}

// findLiveDevice returns the name of the device mounted at the live image
// mount point, or "".
func (t *Tree) findLiveDevice() string {
	for _, m := range t.activeMounts() {
		if m.File != t.cfg.LiveMountpoint {
			continue
		}

		parts := strings.Split(m.Spec, "/")

		return parts[len(parts)-1]
	}

	return ""
}

// GetActiveMounts records the current mount point and options of every
// mounted device in its format.
func (t *Tree) GetActiveMounts() error {
	Log.Info("collecting information about active mounts")

	for _, m := range t.activeMounts() {
		spec := m.Spec
		options := mountOptions(m)

		if containsString(nodevFilesystems, m.VfsType) {
			if !t.cfg.IncludeNodev {
				continue
			}

			Log.Infof("found nodev %s filesystem mounted at %s", m.VfsType, m.File)

			n := 0

			for _, d := range t.Graph.All() {
				if d.Kind == KindNoDevice && d.Format.Device == m.VfsType {
					n++
				}
			}

			d := t.Graph.NewDevice(KindNoDevice, fmt.Sprintf("%s.%d", m.VfsType, n))
			d.Exists = true
			d.Format = Format{Kind: FormatNoDev, Type: m.VfsType, Device: m.VfsType, Exists: true}

			if err := t.Graph.AddDevice(d); err != nil {
				return err
			}

			spec = d.Name
		}

		res := t.ResolveDevice(spec, ResolveOptions{Options: options})
		if res.Err != nil {
			return res.Err
		}

		if d := res.Device; d != nil {
			d.Format.Mountpoint = m.File
			d.Format.ActiveMountpoint = m.File
			d.Format.MountOpts = options
		}
	}

	return nil
}
