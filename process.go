package devtree

import (
	"strings"

	"github.com/pkg/errors"
)

// ActiveDevicesOnActionDisks returns the names of active devices built on
// disks whose partitions or disklabels the queued actions change.
func (t *Tree) ActiveDevicesOnActionDisks() ([]string, error) {
	disks := map[int]bool{}

	for _, a := range t.Actions.Actions() {
		switch {
		case a.IsDevice() && a.Device.Kind == KindPartition && len(a.Device.Parents) > 0:
			disks[a.Device.Parents[0]] = true
		case a.IsFormat() && a.Format.Kind == FormatDiskLabel:
			disks[a.Device.ID] = true
		}
	}

	devices, err := t.Graph.Devices()
	if err != nil {
		return nil, err
	}

	ret := []string{}

	for _, d := range devices {
		if d.IsDisk() || d.Kind == KindPartition || !t.sys.Status(d) {
			continue
		}

		for _, disk := range t.Graph.Disks(d) {
			if disks[disk.ID] {
				ret = append(ret, d.Name)
				break
			}
		}
	}

	return ret, nil
}

func (t *Tree) preProcess() error {
	for _, a := range t.Actions.Actions() {
		Log.Debugf("action: %s", a)
	}

	Log.Info("pruning action queue...")
	t.Actions.Prune()

	problematic, err := t.ActiveDevicesOnActionDisks()
	if err != nil {
		return err
	}

	if len(problematic) > 0 {
		if !t.cfg.InstallerMode {
			return errors.Wrapf(ErrDevicesInUse, "%s", strings.Join(problematic, ","))
		}

		t.TeardownAll()
	}

	devices, err := t.Graph.Devices()
	if err != nil {
		return err
	}

	Log.Info("resetting disklabels...")

	for _, d := range devices {
		if d.Partitioned() ||
			(d.OriginalFormat.Kind == FormatDiskLabel && d.OriginalFormat != d.Format) {
			if err := t.sys.RefreshDiskLabel(d); err != nil {
				return errors.Wrapf(err, "failed to reset disklabel of %s", d.Name)
			}
		}
	}

	mountpoints := []string{}

	for _, d := range devices {
		if d.Format.Mountpoint != "" {
			mountpoints = append(mountpoints, d.Format.Mountpoint)
		}
	}

	fixup := append([]*Device{}, devices...)

	// devices being destroyed are no longer in the tree
	for _, a := range t.Actions.FindActions(ActionFilter{Type: ActionDestroy, Object: ObjectDevice}) {
		fixup = append(fixup, a.Device)
	}

	for _, d := range fixup {
		if err := t.sys.PreCommitFixup(d, mountpoints); err != nil {
			return errors.Wrapf(err, "pre-commit fixup of %s failed", d.Name)
		}
	}

	// extended partitions added to hold logical partitions have no action
	// of their own. There can be several devices with the same path at this
	// point so look at the raw list.
	for _, d := range t.Graph.All() {
		if !d.IsExtended() || d.Exists {
			continue
		}

		if len(t.Actions.FindActions(ActionFilter{Device: d, Type: ActionCreate})) > 0 {
			continue
		}

		a, err := NewCreateDevice(d)
		if err != nil {
			return err
		}

		t.Actions.push(a)
	}

	Log.Info("sorting actions...")

	if err := t.Actions.Sort(); err != nil {
		return err
	}

	for _, a := range t.Actions.Actions() {
		Log.Debugf("action: %s", a)

		for _, d := range t.Graph.All() {
			if t.Graph.DependsOn(d, a.Device) {
				t.filter.RemoveReject(d.Name)
			}
		}
	}

	return nil
}

func (t *Tree) postProcess() error {
	devices, err := t.Graph.Devices()
	if err != nil {
		return err
	}

	for _, d := range devices {
		if d.Partitioned() {
			d.OriginalFormat = d.Format
		}
	}

	return nil
}

// actionDisk returns the disk whose label an action changes.
func (t *Tree) actionDisk(a *Action) *Device {
	if a.Device.Kind == KindPartition && len(a.Device.Parents) > 0 {
		return t.Graph.Node(a.Device.Parents[0])
	}

	return a.Device
}

// teardownDiskUsers tears down every existing device built on disk,
// including devices that pending actions removed from the tree.
func (t *Tree) teardownDiskUsers(disk *Device) {
	seen := map[int]bool{}
	devs := t.Graph.All()

	for _, a := range t.Actions.Actions() {
		devs = append(devs, a.Device)
	}

	for _, d := range devs {
		if seen[d.ID] {
			continue
		}

		seen[d.ID] = true

		if d.Exists && t.Graph.DependsOn(d, disk) {
			if err := t.sys.Teardown(d, true); err != nil {
				devLog(d).WithError(err).Warn("teardown failed")
			}
		}
	}
}

func (t *Tree) execute(a *Action) error {
	err := t.sys.Execute(a)
	if errors.Is(err, ErrDiskLabelCommit) {
		// likely a previous action set up an lvm or md device on the disk
		disk := t.actionDisk(a)
		Log.WithError(err).Warnf("tearing down users of %s and retrying", disk.Name)
		t.teardownDiskUsers(disk)

		err = t.sys.Execute(a)
	}

	return err
}

// renamePartitions picks up any renumbering of the partitions done while
// the disklabel was committed.
func (t *Tree) renamePartitions() {
	for _, d := range t.Graph.All() {
		if !d.Exists || d.Kind != KindPartition || len(d.Parents) == 0 {
			continue
		}

		disk := t.Graph.Node(d.Parents[0])
		if name := t.sys.PartitionName(d, disk); name != "" && name != d.Name {
			devLog(d).Infof("partition renamed to %s", name)
			d.Name = name
		}

		d.Format.Device = d.Path()
	}
}

// Process executes the queued actions in dependency order. With dryRun set
// the queue is prepared but nothing is executed.
func (t *Tree) Process(dryRun bool) error {
	if err := t.preProcess(); err != nil {
		return err
	}

	for _, a := range t.Actions.Actions() {
		Log.WithField("action", a.ID).Infof("executing action: %s", a)

		if dryRun {
			continue
		}

		if err := t.execute(a); err != nil {
			return errors.Wrapf(err, "failed to execute %s", a)
		}

		a.committed()

		if err := t.sys.Settle(); err != nil {
			Log.WithError(err).Warn("settle failed")
		}

		t.renamePartitions()
		t.Actions.complete(a)
	}

	return t.postProcess()
}
