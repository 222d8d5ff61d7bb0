package devtree

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const configBackupSuffix = ".anacbak"

// Populate scans the system and fills the tree with every device found.
// With cleanupOnly set, devices of disk images may be changed and open
// LUKS devices are accepted without a passphrase so that they can be torn
// down.
func (t *Tree) Populate(cleanupOnly bool) (err error) {
	t.backupConfigs(false)

	if cleanupOnly {
		t.cleanup = true
	}

	defer func() {
		if herr := t.hideIgnoredDisks(); herr != nil && err == nil {
			err = herr
		}

		t.backupConfigs(true)
	}()

	return t.populate()
}

func (t *Tree) populate() error {
	Log.Infof("populating device tree, ignored disks %v, exclusive disks %v",
		t.ignoredDisks, t.exclusiveDisks)

	if err := t.sys.Settle(); err != nil {
		Log.WithError(err).Warn("settle failed")
	}

	t.DropLVMCache()
	t.populated = false

	if err := t.setupDiskImages(); err != nil {
		return err
	}

	for _, spec := range t.cfg.ProtectedDevSpecs {
		name := t.sys.ResolveDevSpec(spec)
		Log.Debugf("protected device spec %s resolved to %s", spec, name)

		if name != "" && !containsString(t.protectedDevNames, name) {
			t.protectedDevNames = append(t.protectedDevNames, name)
		}
	}

	if live := t.findLiveDevice(); live != "" {
		Log.Infof("%s looks to be the live device", live)

		if !containsString(t.protectedDevNames, live) {
			t.protectedDevNames = append(t.protectedDevNames, live)
		}

		t.liveBackingDevice = live
	}

	// adding a device can activate more, eg luks maps and lvs, so go until
	// a pass turns up nothing new
	seen := map[string]bool{}

	for {
		recs, err := t.sys.Records()
		if err != nil {
			return errors.Wrap(err, "failed to enumerate block devices")
		}

		todo := []DeviceInfo{}
		names := []string{}

		for _, r := range recs {
			if !seen[r.Name] {
				seen[r.Name] = true
				todo = append(todo, r)
				names = append(names, r.Name)
			}
		}

		if len(todo) == 0 {
			break
		}

		Log.Infof("devices to scan: %v", names)

		for _, r := range todo {
			if _, err := t.addRecord(r); err != nil {
				return err
			}
		}
	}

	t.populated = true

	t.handleInconsistencies()

	if t.cfg.InstallerMode {
		t.TeardownAll()
	}

	return nil
}

// handleInconsistencies hides the pvs of incomplete volume groups from lvm.
func (t *Tree) handleInconsistencies() {
	for _, vg := range t.Graph.DevicesByKind(KindLVMVG) {
		if t.Graph.complete(vg) {
			continue
		}

		for _, pv := range t.Graph.ParentsOf(vg) {
			devLog(pv).Infof("pv of incomplete vg %s, hiding from lvm", vg.Name)
			t.filter.AddReject(pv.Name)
		}
	}
}

// setupDiskImages exposes every disk image as a dm-linear map on a loop
// device and adds the three devices to the tree.
func (t *Tree) setupDiskImages() error {
	g := t.Graph

	names := make([]string, 0, len(t.diskImages))
	for name := range t.diskImages {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		p := t.diskImages[name]
		Log.Infof("setting up disk image file %s as %s", p, name)

		file := g.NewDevice(KindFile, p)
		file.Exists = true

		if err := t.sys.Setup(file); err != nil {
			devLog(file).WithError(err).Error("failed to set up disk image file")
			continue
		}

		loop := g.NewDevice(KindLoop, t.sys.LoopName(p), file)
		loop.Exists = true

		if loop.Name != "" {
			loop.SysfsPath = "/class/block/" + loop.Name
		}

		if err := t.sys.Setup(loop); err != nil {
			devLog(loop).WithError(err).Error("failed to set up loop device")
			continue
		}

		dm := g.NewDevice(KindDMLinear, name, loop)
		dm.Exists = true
		dm.Attrs = map[string]string{"dm_uuid": "DEVTREE-" + name}

		if err := t.sys.Setup(dm); err != nil {
			devLog(dm).WithError(err).Error("failed to set up disk image map")
			continue
		}

		if sp, err := t.sys.SysfsPath(dm); err == nil {
			dm.SysfsPath = sp
		}

		for _, d := range []*Device{file, loop, dm} {
			if err := g.AddDevice(d); err != nil {
				return err
			}
		}

		rec, err := t.sys.Record(dm.SysfsPath)
		if err != nil {
			devLog(dm).WithError(err).Error("failed to get udev data for disk image")
			continue
		}

		if _, err := t.addRecord(rec); err != nil {
			return err
		}
	}

	return nil
}

// TeardownAll deactivates every unprotected leaf and what it is built on.
func (t *Tree) TeardownAll() {
	for _, d := range t.Graph.Leaves() {
		if d.Protected {
			continue
		}

		if err := t.sys.Teardown(d, true); err != nil {
			devLog(d).WithError(err).Info("teardown failed")
		}
	}
}

// SetupAll activates every leaf and what it is built on.
func (t *Tree) SetupAll() {
	for _, d := range t.Graph.Leaves() {
		if err := t.sys.Setup(d); err != nil {
			devLog(d).WithError(err).Error("setup failed")
		}
	}
}

// TeardownDiskImages removes the maps and loop devices of the disk images.
func (t *Tree) TeardownDiskImages() {
	t.TeardownAll()

	for name := range t.diskImages {
		dm := t.Graph.ByName(name)
		if dm == nil {
			continue
		}

		if err := t.sys.Teardown(dm, false); err != nil {
			devLog(dm).WithError(err).Info("failed to remove disk image map")
		}

		for _, loop := range t.Graph.ParentsOf(dm) {
			if err := t.sys.Teardown(loop, false); err != nil {
				devLog(loop).WithError(err).Info("failed to remove disk image loop device")
			}
		}
	}
}

func writable(p string) bool {
	return unix.Access(p, unix.W_OK) == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// backupConfigs moves the configured files out of the way while the tree
// is populated so that tools like mdadm do not act on them. With restore
// set the backups are put back, and files created in the meantime are
// removed.
func (t *Tree) backupConfigs(restore bool) {
	for _, cfg := range t.cfg.BackupConfigs {
		backup := cfg + configBackupSuffix
		src, dst := cfg, backup

		if restore {
			src, dst = backup, cfg
		}

		if writable(dst) {
			if err := os.Remove(dst); err != nil {
				Log.WithError(err).Infof("failed to remove %s", dst)
			}
		}

		switch {
		case writable(src) && restore:
			Log.Infof("restoring %s from %s", dst, src)

			if err := os.Rename(src, dst); err != nil {
				Log.WithError(err).Errorf("failed to restore %s", dst)
			}
		case writable(src):
			Log.Infof("backing up %s to %s", src, dst)

			if err := copyFile(src, dst); err != nil {
				Log.WithError(err).Errorf("failed to back up %s", src)
			}
		default:
			Log.Debugf("no %s to move to %s", src, dst)
		}
	}
}
