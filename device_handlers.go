package devtree

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"machinerun.io/devtree/partid"
)

//nolint:gochecknoglobals
var (
	mdNodeName   = regexp.MustCompile(`^md\d+$`)
	mdHostSuffix = regexp.MustCompile(`_\d+$`)
)

// recordName returns the name a record's device is known by. Device-mapper
// devices go by their map name.
func recordName(info DeviceInfo) string {
	if info.IsDM() {
		return info.DMName()
	}

	return info.Name
}

// devicePathToName returns the device name for a node path like
// '/dev/mapper/vg-root' or '/dev/md/boot'.
func devicePathToName(p string) string {
	name := strings.TrimPrefix(p, "/dev/")

	for _, prefix := range []string{"mapper/", "md/"} {
		name = strings.TrimPrefix(name, prefix)
	}

	return name
}

// isDiskRecord returns true if info looks like a directly usable disk: a
// disk, a firmware raid array or a multipath device.
func (t *Tree) isDiskRecord(info *DeviceInfo) bool {
	return info.IsDisk() &&
		!(info.IsCDROM() || info.IsPartition() || info.IsDMPartition() ||
			info.IsDMLVM() || info.IsDMCrypt() ||
			(info.IsMD() && info.MDContainer() == ""))
}

// isIgnored returns true if the device described by info is to be left out
// of the tree.
func (t *Tree) isIgnored(info *DeviceInfo) bool {
	if info.SysPath == "" {
		return false
	}

	name := recordName(*info)

	// md containers never show up in the exclusive disks
	if info.IsMD() && info.MDLevel() == "container" {
		return false
	}

	// firmware raid sets are listed in exclusive disks under their dmraid
	// name; switch to the md name of the set
	if info.MDContainer() != "" && info.IsMD() && info.MDName() != "" {
		mdName := info.MDName()
		altName := mdHostSuffix.ReplaceAllString(mdName, "")

		for i, disk := range t.exclusiveDisks {
			for _, n := range []string{mdName, altName} {
				if m, _ := regexp.MatchString("^isw_[a-z]*_"+regexp.QuoteMeta(n), disk); m {
					t.exclusiveDisks[i] = name
					return false
				}
			}
		}
	}

	if info.IsDMDiskImage() || info.IsDMLiveCD() {
		return false
	}

	if strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "mtd") {
		return true
	}

	if strings.HasPrefix(name, "loop") {
		return t.loopBackingFile(info) == ""
	}

	if t.isDiskRecord(info) && info.ReadOnly() {
		Log.Debugf("ignoring read only device %s", name)
		t.AddIgnoredDisk(name)

		return true
	}

	return false
}

func (t *Tree) loopBackingFile(info *DeviceInfo) string {
	if f := info.Attr("loop/backing_file"); f != "" {
		return f
	}

	return t.sys.LoopBackingFile(info.Name)
}

// slaveName returns the name of the device behind a slave link.
func (t *Tree) slaveName(sysPath string) string {
	if rec, err := t.sys.Record(sysPath); err == nil {
		if rec.IsMD() && rec.MDName() != "" && rec.MDContainer() == "" {
			return rec.MDName()
		}

		return recordName(rec)
	}

	node := path.Base(sysPath)
	if strings.HasPrefix(node, "dm-") {
		if name, err := t.sys.DMNameFromNode(node); err == nil {
			return name
		}
	}

	// cciss
	return strings.ReplaceAll(node, "!", "/")
}

// pullSlaves adds the devices info is built on to the tree, deepest first.
// Every missing slave record is processed once.
func (t *Tree) pullSlaves(info *DeviceInfo) error {
	type frame struct {
		rec      DeviceInfo
		expanded bool
	}

	visited := map[string]bool{info.SysPath: true}
	stack := []frame{}

	push := func(rec *DeviceInfo) {
		for i := len(rec.Slaves) - 1; i >= 0; i-- {
			slave, err := t.sys.Record(rec.Slaves[i])
			if err != nil {
				Log.WithError(err).Warnf("no record for slave %s of %s", rec.Slaves[i], rec.Name)
				continue
			}

			stack = append(stack, frame{rec: slave})
		}
	}

	push(info)

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.expanded {
			if t.Graph.ByName(t.slaveName(top.rec.SysPath)) == nil {
				if _, err := t.addRecord(top.rec); err != nil {
					return err
				}
			}

			continue
		}

		if visited[top.rec.SysPath] {
			continue
		}

		visited[top.rec.SysPath] = true

		if t.Graph.ByName(t.slaveName(top.rec.SysPath)) != nil {
			continue
		}

		stack = append(stack, frame{rec: top.rec, expanded: true})
		push(&top.rec)
	}

	return nil
}

// slaveDevices returns the devices info is built on, discovering them
// first if needed. ok is false if a slave could not be added.
func (t *Tree) slaveDevices(info *DeviceInfo) (devs []*Device, recs []DeviceInfo, ok bool, err error) {
	if err := t.pullSlaves(info); err != nil {
		return nil, nil, false, err
	}

	for _, sp := range info.Slaves {
		name := t.slaveName(sp)

		d := t.Graph.ByName(name)
		if d == nil {
			Log.Errorf("failure scanning device %s: could not add slave %s",
				recordName(*info), name)
			return nil, nil, false, nil
		}

		rec, _ := t.sys.Record(sp)
		devs = append(devs, d)
		recs = append(recs, rec)
	}

	return devs, recs, true, nil
}

// addRecord adds the device described by info to the tree, along with
// whatever it is built on, and resolves its format. It returns nil and no
// error when the record is skipped.
func (t *Tree) addRecord(record DeviceInfo) (*Device, error) {
	info := record.Copy()
	name := recordName(info)
	uuid := info.UUID()
	sysPath := info.SysPath
	g := t.Graph

	removed := []*Device{}
	for _, a := range t.Actions.FindActions(ActionFilter{Type: ActionDestroy, Object: ObjectDevice}) {
		removed = append(removed, a.Device)
	}

	for i, ignored := range append(removed, g.Hidden()...) {
		if (sysPath != "" && ignored.SysfsPath == sysPath) ||
			(uuid != "" && (uuid == ignored.UUID || uuid == ignored.Format.UUID)) {
			reason := "hidden"
			if i < len(removed) {
				reason = "removed"
			}

			Log.Debugf("skipping %s device %s", reason, name)

			return nil, nil
		}
	}

	g.AddName(name)

	if t.isIgnored(&info) {
		Log.Infof("ignoring %s (%s)", name, sysPath)

		if !containsString(t.ignoredDisks, name) {
			t.AddIgnoredDisk(name)
		}

		return nil, nil
	}

	Log.Infof("scanning %s (%s)...", name, sysPath)

	device := g.ByName(name)
	if device == nil && info.IsMD() {
		device = g.ByName(info.MDName())
		if device != nil && !device.Kind.IsMD() {
			device = nil
		}
	}

	if device != nil && device.IsDisk() && t.sys.IsMultipathMember(device.Path()) {
		info.Merge(map[string]string{"ID_FS_TYPE": "multipath_member"})

		// a new path, eg an iscsi login, can turn a disk into a
		// multipath member
		if device.Format.Kind != FormatNone && device.Format.Kind != FormatMultipathMember {
			devLog(device).Debug("newly detected as multipath member, dropping old format and removing kids")

			if err := t.removeChildrenFromTree(device); err != nil {
				return nil, err
			}

			device.Format = Format{}
		}
	}

	var err error

	switch {
	case device != nil:
	case info.IsLoop():
		Log.Infof("%s is a loop device", name)
		device, err = t.addLoopDevice(&info)
	case info.IsDMMultipath() && !info.IsDMPartition():
		Log.Infof("%s is a multipath device", name)
		device, err = t.addMultipathDevice(&info)
	case info.IsDMLVM():
		Log.Infof("%s is an lvm logical volume", name)
		err = t.addLVDevice(&info)
	case info.IsDM():
		Log.Infof("%s is a device-mapper device", name)
		device, err = t.addDMDevice(&info)
	case info.IsMD() && info.MDContainer() == "":
		Log.Infof("%s is an md device", name)

		device = g.ByUUID(info.MDUUID())
		if device == nil {
			device, err = t.addMDDevice(&info)
		}
	case info.IsCDROM():
		Log.Infof("%s is a cdrom", name)
		device, err = t.addOpticalDevice(&info)
	case info.IsBiosRaidMember() && info.IsDisk():
		Log.Infof("%s is part of a biosraid", name)

		device = g.NewDevice(KindDisk, name)
		t.fillFromRecord(device, &info)

		err = g.AddDevice(device)
	case info.IsDisk():
		device, err = t.addDiskDevice(&info)
	case info.IsPartition():
		Log.Infof("%s is a partition", name)
		device, err = t.addPartitionDevice(&info, nil)
	default:
		Log.Errorf("unknown block device type for: %s", name)
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if device == nil {
		Log.Debugf("no device obtained for %s", name)
		return nil, nil
	}

	if containsString(t.protectedDevNames, device.Name) {
		device.Protected = true

		if device.Name == t.liveBackingDevice {
			for _, p := range g.ParentsOf(device) {
				p.Protected = true
			}
		}
	}

	// members of an exclusive multipath or firmware raid disk are
	// exclusive too
	switch device.Kind {
	case KindDMRaidArray, KindMDArray, KindMDBiosRaidArray, KindMultipath:
		if device.IsDisk() && containsString(t.exclusiveDisks, device.Name) {
			for _, p := range g.ParentsOf(device) {
				if !containsString(t.exclusiveDisks, p.Name) {
					t.exclusiveDisks = append(t.exclusiveDisks, p.Name)
				}
			}
		}
	}

	devLog(device).Info("got device")

	if err := t.handleFormat(&info, device); err != nil {
		return nil, err
	}

	device.OriginalFormat = device.Format
	device.DeviceLinks = append([]string{}, info.Symlinks...)

	return device, nil
}

// fillFromRecord copies the common record fields into d.
func (t *Tree) fillFromRecord(d *Device, info *DeviceInfo) {
	d.SysfsPath = info.SysPath
	d.Major = info.Major()
	d.Minor = info.Minor()
	d.Size = info.Size()
	d.Exists = true
}

// removeChildrenFromTree removes everything built on d, leaves first.
func (t *Tree) removeChildrenFromTree(d *Device) error {
	devs := t.Graph.Dependents(d)

	for len(devs) > 0 {
		remaining := []*Device{}

		for _, dev := range devs {
			if !dev.IsLeaf() {
				remaining = append(remaining, dev)
				continue
			}

			if err := t.Graph.RemoveDevice(dev, false, false); err != nil {
				return err
			}
		}

		if len(remaining) == 1 && remaining[0].IsExtended() {
			return t.Graph.RemoveDevice(remaining[0], true, false)
		}

		if len(remaining) == len(devs) {
			return errors.Wrapf(ErrDeviceTree, "cannot remove devices built on %s", d.Name)
		}

		devs = remaining
	}

	return nil
}

func (t *Tree) addLoopDevice(info *DeviceInfo) (*Device, error) {
	g := t.Graph
	backing := t.loopBackingFile(info)

	file := g.ByName(backing)
	if file == nil {
		file = g.NewDevice(KindFile, backing)
		file.Exists = true

		if err := g.AddDevice(file); err != nil {
			return nil, err
		}
	}

	d := g.NewDevice(KindLoop, info.Name, file)
	t.fillFromRecord(d, info)

	// only loop devices of disk images may be changed, and only during
	// cleanup
	isImage := false

	for _, p := range t.diskImages {
		if p == backing {
			isImage = true
		}
	}

	if !t.cleanup || !isImage {
		file.Controllable = false
		d.Controllable = false
	}

	return d, g.AddDevice(d)
}

func (t *Tree) addMultipathDevice(info *DeviceInfo) (*Device, error) {
	name := recordName(*info)

	slaves, _, ok, err := t.slaveDevices(info)
	if err != nil || !ok || len(slaves) == 0 {
		return nil, err
	}

	_, serial, found := strings.Cut(info.Prop("DM_UUID"), "-")
	if !found {
		Log.Errorf("multipath device %s has no DM_UUID", name)
		return nil, errors.Wrapf(ErrDeviceTree, "multipath %s has no DM_UUID", name)
	}

	d := t.Graph.NewDevice(KindMultipath, name, slaves...)
	t.fillFromRecord(d, info)
	d.Serial = serial
	d.Attrs = map[string]string{"dm_uuid": info.Prop("DM_UUID")}

	return d, t.Graph.AddDevice(d)
}

// addLVDevice scans the pvs of an lv. The volume group handler adds the
// lv, so no device is returned.
func (t *Tree) addLVDevice(info *DeviceInfo) error {
	g := t.Graph
	vgName := info.LVVGName()

	vg := g.ByName(vgName, Hidden())
	if vg != nil && vg.Kind != KindLVMVG {
		Log.Warnf("found non-vg device with name %s", vgName)
		vg = nil
	}

	if vg == nil {
		if err := t.pullSlaves(info); err != nil {
			return err
		}
	}

	if g.ByName(vgName) == nil {
		Log.Errorf("failed to find vg '%s' after scanning pvs", vgName)
	}

	return nil
}

func (t *Tree) addDMDevice(info *DeviceInfo) (*Device, error) {
	g := t.Graph
	name := recordName(*info)

	var device *Device

	node := path.Base(info.SysPath)

	for _, d := range g.All() {
		// same dm node, different name
		if d.Kind.IsDM() && d.SysfsPath != "" && path.Base(d.SysfsPath) == node {
			device = d
			break
		}
	}

	if device != nil {
		return device, nil
	}

	handleLUKS := info.IsDMLUKS() && (t.cleanup || !t.cfg.InstallerMode)

	slaves, recs, ok, err := t.slaveDevices(info)
	if err != nil || !ok {
		return nil, err
	}

	var slave *Device

	var slaveInfo *DeviceInfo

	if len(slaves) > 0 {
		slave = slaves[len(slaves)-1]

		if handleLUKS {
			slaveInfo = &recs[len(recs)-1]
		}
	}

	device = g.ByName(name)

	if device == nil && info.IsDMPartition() {
		return t.addPartitionDevice(info, g.ByName(info.DMPartitionDisk()))
	}

	// a luks map whose name is not what we expect
	if device == nil && slaveInfo != nil && slave != nil {
		slave.Format.MapName = name

		if err := t.handleLUKSFormat(slaveInfo, slave); err != nil {
			return nil, err
		}

		device = g.ByName(name)
	}

	if device == nil && info.IsDMLiveCD() {
		parents := []*Device{}
		if slave != nil {
			parents = append(parents, slave)
		}

		device = g.NewDevice(KindDM, name, parents...)
		t.fillFromRecord(device, info)
		device.Attrs = map[string]string{"dm_uuid": info.Prop("DM_UUID")}
		device.Protected = true
		device.Controllable = false

		if err := g.AddDevice(device); err != nil {
			return nil, err
		}
	}

	// every slave is in the tree, so this device should be too
	if device == nil {
		t.filter.AddReject(name)
		Log.Warnf("ignoring dm device %s", name)
	}

	return device, nil
}

func (t *Tree) addMDDevice(info *DeviceInfo) (*Device, error) {
	g := t.Graph
	name := info.MDName()

	_, _, ok, err := t.slaveDevices(info)
	if err != nil || !ok {
		return nil, err
	}

	var device *Device

	if name != "" {
		device = g.ByName(name)
	}

	if device == nil {
		device = g.ByUUID(info.MDUUID())
	}

	if device == nil {
		p := "/dev/md/" + name
		if name == "" {
			name = info.Name
			p = "/dev/" + name
		}

		Log.Errorf("failed to scan md array %s", name)

		if err := t.sys.DeactivateMD(p); err != nil {
			Log.WithError(err).Errorf("failed to stop broken md array %s", name)
		}
	}

	return device, nil
}

func (t *Tree) addOpticalDevice(info *DeviceInfo) (*Device, error) {
	d := t.Graph.NewDevice(KindOptical, info.Name)
	t.fillFromRecord(d, info)
	d.Vendor = info.Vendor()
	d.Model = info.Model()

	return d, t.Graph.AddDevice(d)
}

// mdNameFromNode converts an 'md127' style node name to the array name,
// or returns node.
func (t *Tree) mdNameFromNode(node string) string {
	if !strings.HasPrefix(node, "md") {
		return node
	}

	name, err := t.sys.MDNameFromNode(node)
	if err != nil || name == "" {
		return node
	}

	return name
}

func (t *Tree) addPartitionDevice(info *DeviceInfo, disk *Device) (*Device, error) {
	g := t.Graph
	name := recordName(*info)

	if strings.HasPrefix(name, "md") {
		name = t.mdNameFromNode(name)
		if d := g.ByName(name); d != nil {
			return d, nil
		}
	}

	if disk == nil {
		diskName := strings.ReplaceAll(path.Base(path.Dir(info.SysPath)), "!", "/")
		diskName = t.mdNameFromNode(diskName)

		disk = g.ByName(diskName)
		if disk == nil {
			if rec, err := t.sys.Record(path.Dir(info.SysPath)); err == nil {
				if _, err := t.addRecord(rec); err != nil {
					return nil, err
				}

				disk = g.ByName(diskName)
			}
		}

		if disk == nil {
			Log.Errorf("failure scanning device %s", diskName)
			t.filter.AddReject(name)

			return nil, nil
		}
	}

	if !disk.Partitioned() {
		// partitions of multipath and firmware raid members are already
		// hidden from lvm
		if !disk.Format.Hidden() {
			t.filter.AddReject(name)
		}

		Log.Debugf("ignoring partition %s on %s", name, disk.Format.TypeName())

		return nil, nil
	}

	d := g.NewDevice(KindPartition, name, disk)
	t.fillFromRecord(d, info)

	if info.IsDM() {
		d.SetPath("/dev/mapper/" + name)
	}

	fillPartition(d.Part, info, disk.Format.LabelType)

	return d, g.AddDevice(d)
}

// fillPartition reads the partition table entry data of a record.
func fillPartition(p *PartitionAttrs, info *DeviceInfo, labelType string) {
	p.Number, _ = strconv.Atoi(info.Prop("ID_PART_ENTRY_NUMBER"))
	if p.Number == 0 {
		p.Number, _ = strconv.Atoi(info.Prop("PARTN"))
	}

	p.Name = info.Prop("ID_PART_ENTRY_NAME")
	ptype := info.Prop("ID_PART_ENTRY_TYPE")

	switch labelType {
	case "gpt":
		if id, err := StringToGUID(ptype); err == nil {
			p.Bootable = partid.Bootable(id)
		}
	case "msdos":
		flags, _ := strconv.ParseUint(strings.TrimPrefix(info.Prop("ID_PART_ENTRY_FLAGS"), "0x"), 16, 8)
		p.Bootable = flags&0x80 != 0 //nolint:gomnd
		p.Extended = ptype == "0x5" || ptype == "0xf" || ptype == "0x85"
		p.Logical = p.Number > 4 //nolint:gomnd
	}
}

func (t *Tree) addDiskDevice(info *DeviceInfo) (*Device, error) {
	g := t.Graph
	name := info.Name
	kind := KindDisk
	parents := []*Device{}
	attrs := map[string]string{}

	switch {
	case info.IsISCSI():
		kind = KindISCSI
		attrs["id_path"] = info.Prop("ID_PATH")

		Log.Infof("%s is an iscsi disk", name)
	case info.IsFCoE():
		kind = KindFCoE
		attrs["nic"] = info.Attr("fcoe/nic")
		attrs["identifier"] = info.Prop("ID_PATH")

		Log.Infof("%s is an fcoe disk", name)
	case info.MDContainer() != "":
		kind = KindMDBiosRaidArray
		name = info.MDName()
		parentName := devicePathToName(info.MDContainer())

		container, err := t.mdContainer(parentName)
		if err != nil || container == nil {
			return nil, err
		}

		parents = append(parents, container)
	case info.IsDASD():
		kind = KindDASD
		attrs["busid"] = info.DASDBusID()

		for _, a := range []string{"readonly", "use_diag", "erplog", "failfast"} {
			attrs[a] = info.Attr("device/" + a)
		}

		Log.Infof("%s is a dasd device", name)
	case info.IsZFCP():
		kind = KindZFCP

		for _, a := range []string{"hba_id", "wwpn", "fcp_lun"} {
			attrs[a] = info.Attr("device/" + a)
		}

		Log.Infof("%s is a zfcp device", name)
	default:
		Log.Infof("%s is a disk", name)
	}

	d := g.NewDevice(kind, name, parents...)
	t.fillFromRecord(d, info)

	if kind == KindMDBiosRaidArray {
		d.MD.Level = info.MDLevel()
		d.MD.MemberDevices, _ = info.MDDevices()
		d.UUID = info.MDUUID()
	} else {
		d.Serial = info.Serial()
		d.Vendor = info.Vendor()
		d.Model = info.Model()
		d.Bus = info.Bus()
	}

	if len(attrs) > 0 {
		d.Attrs = attrs
	}

	if t.sys.IsMultipathMember(d.Path()) {
		info.Merge(map[string]string{"ID_FS_TYPE": "multipath_member"})
	}

	return d, g.AddDevice(d)
}

// mdContainer returns the md container named name, adding it if needed.
func (t *Tree) mdContainer(name string) (*Device, error) {
	if c := t.Graph.ByName(name); c != nil {
		return c, nil
	}

	recs, err := t.sys.Records()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate block devices")
	}

	for _, rec := range recs {
		if rec.IsMD() && (rec.MDName() == name || rec.Name == name) {
			if _, err := t.addRecord(rec); err != nil {
				return nil, err
			}

			if c := t.Graph.ByName(name); c != nil {
				return c, nil
			}

			Log.Errorf("failed to scan md container %s", name)

			return nil, nil
		}
	}

	Log.Errorf("failed to find md container %s", name)

	return nil, nil
}
