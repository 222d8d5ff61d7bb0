package devtree

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// luksPlaceholder stands in for the passphrase of a LUKS device that is
// already open when the tree is only being torn down.
const luksPlaceholder = "yabbadabbadoo"

// btrfsTopLevelID is the vol id of the top level subvolume of every btrfs
// volume.
const btrfsTopLevelID = 5

//nolint:gochecknoglobals
var (
	lvImageSuffix = regexp.MustCompile(`_[rm]image.+`)
	lvMetaSuffix  = regexp.MustCompile(`_[tr]meta.*`)
	lvLogSuffix   = regexp.MustCompile(`_mlog.*`)
)

// handleFormat sets the format of d from the signature in info and runs the
// format specific handler, which may add more devices.
func (t *Tree) handleFormat(info *DeviceInfo, d *Device) error {
	if !t.sys.MediaPresent(d) {
		devLog(d).Debug("no media present")
		return nil
	}

	formatType := info.FormatType()

	if !info.IsBiosRaidMember() && !info.IsMultipathMember() && formatType != "iso9660" {
		t.handleDiskLabelFormat(info, d)

		if d.Partitioned() || t.isIgnored(info) ||
			(!d.Partitionable() && d.Format.Kind == FormatDiskLabel) {
			return nil
		}
	}

	if formatType == "" {
		devLog(d).Debug("no type or existing type for device, skipping")
		return nil
	}

	if d.Format.Kind != FormatNone {
		devLog(d).Debugf("format already set to %s, skipping", d.Format.TypeName())
		return nil
	}

	uuid := info.UUID()
	f := Format{
		Kind:   FormatFS,
		Type:   formatType,
		UUID:   uuid,
		Label:  info.Label(),
		Device: d.Path(),
		Serial: info.Serial(),
		Exists: true,
	}

	switch {
	case formatType == "crypto_LUKS":
		f.Kind = FormatLUKS
		f.MapName = "luks-" + uuid

	case containsString(mdMemberTypes, formatType):
		f.Kind = FormatMDMember

		if props, err := t.sys.MDExamine(d.Path()); err != nil {
			devLog(d).WithError(err).Warn("failed to examine md member")
		} else {
			info.Merge(props)
		}

		f.MDUUID = info.MDUUID()
		if f.MDUUID == "" {
			devLog(d).Warn("mdraid member has no md uuid")
		}

		f.BiosRaid = info.IsBiosRaidMember()

	case containsString(biosRaidMemberTypes, formatType):
		f.Kind = FormatDMRaidMember

	case formatType == "multipath_member":
		f.Kind = FormatMultipathMember

	case formatType == "LVM2_member":
		f.Kind = FormatLVMPV

		if pv, ok := t.lvm.pvs()[d.Path()]; ok {
			f.VGName = pv.VGName
			f.VGUUID = pv.VGUUID
			f.PEStart = pv.PEStart
		} else {
			devLog(d).Warn("pv has no vg info")
		}

	case formatType == "vfat":
		if d.Part != nil && d.Part.Bootable && d.Size >= efiMinSize && d.Size <= efiMaxSize {
			f.Kind = FormatEFI
		}

	case formatType == "hfsplus":
		if d.Part != nil && d.Part.Name == MacEFIName &&
			d.Size >= macEFIMinSize && d.Size <= macEFIMaxSize {
			f.Kind = FormatMacEFI
		}

	case formatType == "hfs":
		if d.Part != nil && d.Part.Bootable &&
			d.Size >= appleBootMinSize && d.Size <= appleBootMaxSize {
			f.Kind = FormatAppleBoot
		}

	case formatType == "btrfs":
		sub := info.Prop("ID_FS_UUID_SUB")
		if sub == "" {
			devLog(d).Warnf("type '%s' on '%s' invalid, assuming no format", formatType, d.Name)
			d.Format = Format{}

			return nil
		}

		f.Kind = FormatBTRFS
		f.UUID = sub
		f.VolUUID = uuid

	case formatType == "swap":
		f.Kind = FormatSwap

	case formatType == "iso9660":
		f.Kind = FormatISO9660
	}

	d.Format = f
	devLog(d).WithField("format", f.TypeName()).Info("got format")

	switch f.Kind {
	case FormatLUKS:
		return t.handleLUKSFormat(info, d)
	case FormatMDMember:
		return t.handleMDMember(info, d)
	case FormatDMRaidMember:
		return t.handleDMRaidMember(info, d)
	case FormatLVMPV:
		return t.handleLVMPV(d)
	case FormatBTRFS:
		return t.handleBTRFS(info, d)
	}

	return nil
}

// handleDiskLabelFormat reads the partition table of d, if there is one.
func (t *Tree) handleDiskLabelFormat(info *DeviceInfo, d *Device) {
	labelType := info.DiskLabelType()
	if labelType == "" {
		devLog(d).Debug("no disklabel")
		return
	}

	if d.Partitioned() {
		return
	}

	if err := t.sys.Setup(d); err != nil {
		devLog(d).WithError(err).Warn("failed to set up device for disklabel")
		return
	}

	if labelType == "dos" {
		labelType = "msdos"
	}

	label := Format{
		Kind:      FormatDiskLabel,
		Type:      "disklabel",
		LabelType: labelType,
		Device:    d.Path(),
		Exists:    true,
	}

	if err := t.sys.ProbeDiskLabel(d, labelType); err != nil {
		if !d.Partitionable() {
			devLog(d).WithError(err).Warn("disklabel detected but not usable")
			return
		}

		devLog(d).WithError(err).Info("no usable disklabel")

		if labelType == "gpt" {
			d.Format = Format{Kind: FormatInvalidDiskLabel, Type: "disklabel",
				LabelType: labelType, Device: d.Path(), Exists: true}
		}

		return
	}

	d.Format = label
}

// luksCandidates returns the passphrases to try on a LUKS device.
func (t *Tree) luksCandidates() []string {
	ret := append([]string{}, t.passphrases...)

	uuids := make([]string, 0, len(t.luksDevs))
	for uuid := range t.luksDevs {
		uuids = append(uuids, uuid)
	}

	sort.Strings(uuids)

	for _, uuid := range uuids {
		if p := t.luksDevs[uuid]; p != "" && !containsString(ret, p) {
			ret = append(ret, p)
		}
	}

	return ret
}

// handleLUKSFormat opens the LUKS format on d and adds the mapped device.
// A LUKS device that cannot be opened is left closed.
func (t *Tree) handleLUKSFormat(info *DeviceInfo, d *Device) error {
	g := t.Graph
	f := &d.Format

	if f.UUID == "" {
		devLog(d).Info("luks device has no uuid")
		return nil
	}

	if g.ByName(f.MapName) != nil {
		devLog(d).Warnf("luks device %s already in the tree", f.MapName)
		return nil
	}

	known, seen := t.luksDevs[f.UUID]
	opened := false

	switch {
	case f.Configured:
		// a passphrase was set when the format was assigned
	case known != "":
		f.Passphrase = known
		f.Configured = true
	case seen:
		// it may have been opened since, setup below picks that up
		devLog(d).Info("previously skipped luks device")
	case t.cleanup || t.cfg.Testing:
		if t.sys.FormatStatus(d) {
			f.Passphrase = luksPlaceholder
			f.Configured = true
			opened = true
		}
	default:
		for _, p := range t.luksCandidates() {
			if err := t.sys.OpenLUKS(d, p); err != nil {
				continue
			}

			f.Passphrase = p
			f.Configured = true
			opened = true

			break
		}

		if !opened {
			t.luksDevs[f.UUID] = ""
		}
	}

	luks := g.NewDevice(KindLUKS, f.MapName, d)
	luks.Exists = true

	var err error

	switch {
	case opened || t.sys.FormatStatus(d):
	case f.Passphrase == "":
		err = errors.Wrapf(ErrInvalidFormat, "no passphrase for %s", d.Name)
	default:
		err = t.sys.OpenLUKS(d, f.Passphrase)
	}

	if err == nil {
		err = t.sys.Setup(luks)
	}

	if err != nil {
		devLog(d).WithError(err).Info("failed to set up luks device")
		return nil
	}

	if sp, err := t.sys.SysfsPath(luks); err == nil {
		luks.SysfsPath = sp
	}

	if err := g.AddDevice(luks); err != nil {
		return err
	}

	if f.Passphrase != "" && f.Passphrase != luksPlaceholder {
		t.savePassphrase(d, f.Passphrase)
	}

	return nil
}

// handleMDMember adds d to the array it is a member of, creating the array
// if needed.
func (t *Tree) handleMDMember(info *DeviceInfo, d *Device) error {
	g := t.Graph

	if d.Format.MDUUID != "" {
		if array := g.ByUUID(d.Format.MDUUID, Incomplete()); array != nil {
			return g.AddParent(array, d)
		}
	}

	level := info.MDLevel()
	mdUUID := info.MDUUID()

	members, err := info.MDDevices()
	if level == "" || mdUUID == "" || err != nil {
		devLog(d).Warn("invalid data for md member")
		return nil
	}

	metadata := info.Prop("MD_METADATA")
	mdName := ""

	recs, err := t.sys.Records()
	if err != nil {
		Log.WithError(err).Warn("failed to enumerate block devices")
	}

	for _, r := range recs {
		if !r.IsMD() || r.MDUUID() != mdUUID || r.MDLevel() != level {
			continue
		}

		metadata = r.Prop("MD_METADATA")

		mdName = r.MDName()
		if mdName == "" {
			mdName = r.Name
			if level != "container" && mdNodeName.MatchString(mdName) {
				mdName = mdName[2:]
			}
		}

		break
	}

	if metadata == "" {
		metadata = info.Prop("METADATA")
		if metadata == "" {
			metadata = "0.90"
		}
	}

	if mdName == "" {
		if p := info.Prop("DEVICE"); p != "" {
			mdName = devicePathToName(p)
			if mdNodeName.MatchString(mdName) {
				mdName = mdName[2:]
			}

			if other := g.ByName(mdName, Incomplete()); other != nil && other.UUID != mdUUID {
				Log.Errorf("found multiple devices with the name %s", mdName)
			}
		}
	}

	if mdName == "" {
		devLog(d).Error("failed to name md array")
		return nil
	}

	Log.Infof("using name %s for md array containing member %s", mdName, d.Name)

	kind := KindMDArray
	if level == "container" {
		kind = KindMDContainer
	}

	array := g.NewDevice(kind, mdName, d)
	array.UUID = mdUUID
	array.Exists = true
	array.MD.Level = level
	array.MD.MemberDevices = members
	array.MD.MetadataVersion = metadata

	if sp, err := t.sys.SysfsPath(array); err == nil {
		array.SysfsPath = sp
	}

	return g.AddDevice(array)
}

// handleDMRaidMember activates the firmware raid sets d is a member of.
func (t *Tree) handleDMRaidMember(info *DeviceInfo, d *Device) error {
	g := t.Graph

	if !t.cfg.DMRaid {
		return nil
	}

	sets, err := t.sys.RaidSets(*info)
	if err != nil {
		devLog(d).WithError(err).Warn("failed to list raid sets")
		return nil
	}

	if len(sets) == 0 {
		devLog(d).Warn("device does not appear to be a member of a raid set")
		return nil
	}

	for _, rs := range sets {
		if array := g.ByName(rs.Name, Incomplete()); array != nil {
			devLog(array).Infof("found raid set, adding member %s", d.Name)

			if err := g.AddParent(array, d); err != nil {
				return err
			}

			continue
		}

		if err := t.sys.ActivateRaidSet(rs); err != nil {
			Log.WithError(err).Warnf("failed to activate raid set %s", rs.Name)
			continue
		}

		t.raidSets[rs.Name] = true

		array := g.NewDevice(KindDMRaidArray, rs.Name, d)
		array.Exists = true

		if err := g.AddDevice(array); err != nil {
			return err
		}

		if err := t.sys.Settle(); err != nil {
			Log.WithError(err).Warn("settle failed")
		}

		sp, err := t.sys.SysfsPath(array)
		if err != nil {
			continue
		}

		array.SysfsPath = sp

		if rec, err := t.sys.Record(sp); err == nil {
			t.handleDiskLabelFormat(&rec, array)
		}
	}

	return nil
}

// handleLVMPV adds d to its volume group, creating the group if needed,
// and adds the group's logical volumes.
func (t *Tree) handleLVMPV(d *Device) error {
	g := t.Graph
	f := d.Format

	if f.VGName == "" {
		devLog(d).Info("lvm pv has no vg")
		return nil
	}

	vg := g.ByUUID(f.VGUUID, Incomplete())
	if vg != nil {
		if err := g.AddParent(vg, d); err != nil {
			return err
		}
	} else {
		pv, ok := t.lvm.pvs()[d.Path()]
		if !ok {
			devLog(d).Warn("invalid pv data")
			return nil
		}

		vg = g.NewDevice(KindLVMVG, f.VGName, d)
		vg.UUID = f.VGUUID
		vg.Size = pv.VGSize
		vg.Exists = true
		vg.VG.Free = pv.VGFree
		vg.VG.PESize = pv.VGExtentSize
		vg.VG.PECount = pv.VGExtentCount
		vg.VG.PEFree = pv.VGFreeCount
		vg.VG.PVCount = pv.VGPVCount

		if err := g.AddDevice(vg); err != nil {
			return err
		}
	}

	return t.handleVGLVs(vg)
}

// raidData accumulates what the internal volumes of an lv add up to.
type raidData struct {
	copies   int
	metaSize uint64
	logSize  uint64
}

type vgScan struct {
	t    *Tree
	vg   *Device
	lvs  map[string]LVInfo
	raid map[string]*raidData
}

func stripBrackets(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
}

// handleVGLVs adds the logical volumes of vg once every pv of vg is in the
// tree.
func (t *Tree) handleVGLVs(vg *Device) error {
	g := t.Graph
	s := &vgScan{t: t, vg: vg, lvs: map[string]LVInfo{}, raid: map[string]*raidData{}}

	for name, lv := range t.lvm.lvs() {
		if lv.VGName == vg.Name {
			s.lvs[name] = lv
			g.AddName(name)
		}
	}

	if !g.complete(vg) {
		devLog(vg).Warn("vg is incomplete, skipping lvs")
		return nil
	}

	if len(s.lvs) == 0 {
		devLog(vg).Debug("no lvs listed for vg")
		return nil
	}

	names := make([]string, 0, len(s.lvs))
	for name, lv := range s.lvs {
		names = append(names, name)
		s.raid[vg.Name+"-"+stripBrackets(lv.Name)] = &raidData{}
	}

	sort.Strings(names)

	for _, name := range names {
		if err := s.addLV(s.lvs[name]); err != nil {
			return err
		}
	}

	for name, data := range s.raid {
		lv := g.ByName(name)
		if lv == nil || lv.LV == nil {
			continue
		}

		lv.LV.Copies = data.copies
		if lv.LV.Copies < 1 {
			lv.LV.Copies = 1
		}

		lv.LV.MetaDataSize = data.metaSize
		lv.LV.LogSize = data.logSize
	}

	return nil
}

func (s *vgScan) raidEntry(name string) *raidData {
	r, ok := s.raid[name]
	if !ok {
		r = &raidData{}
		s.raid[name] = r
	}

	return r
}

// requireLV returns the volume name, adding it first if it is listed.
func (s *vgScan) requireLV(name string, msg string) (*Device, error) {
	g := s.t.Graph

	if lv := g.ByName(name); lv != nil {
		return lv, nil
	}

	if info, ok := s.lvs[name]; ok {
		if err := s.addLV(info); err != nil {
			return nil, err
		}
	}

	if lv := g.ByName(name); lv != nil {
		return lv, nil
	}

	return nil, errors.Wrapf(ErrDeviceTree, "%s: %s", msg, name)
}

//nolint:funlen,gocyclo
func (s *vgScan) addLV(info LVInfo) error {
	t := s.t
	g := t.Graph
	vgName := s.vg.Name
	lvName := info.Name
	name := vgName + "-" + lvName

	if g.ByName(name) != nil {
		return nil
	}

	kind := KindLVMLV
	parents := []*Device{s.vg}
	origin := -1
	vorigin := false

	attr := info.Attr
	if attr == "" {
		attr = "-"
	}

	switch c := attr[0]; c {
	case 'S', 's':
		if info.Origin == "" {
			Log.Errorf("lv %s has unknown origin", name)
			return nil
		}

		if strings.HasSuffix(info.Origin, "_vorigin]") {
			vorigin = true
		} else {
			o, err := s.requireLV(vgName+"-"+info.Origin, "failed to locate origin lv")
			if err != nil {
				return err
			}

			origin = o.ID
		}

		kind = KindLVMSnapshot

	case 'v':
		// vorigins are not real devices
		return nil

	case 'I', 'i':
		base := vgName + "-" + lvImageSuffix.ReplaceAllString(stripBrackets(lvName), "")
		if _, err := s.requireLV(base, "failed to look up raid lv"); err != nil {
			return err
		}

		s.raidEntry(base).copies++

		return nil

	case 'e':
		if strings.HasSuffix(lvName, "_pmspare]") {
			return nil
		}

		base := vgName + "-" + lvMetaSuffix.ReplaceAllString(stripBrackets(lvName), "")
		if _, err := s.requireLV(base, "failed to look up raid lv"); err != nil {
			return err
		}

		s.raidEntry(base).metaSize += info.Size

		return nil

	case 'l':
		base := vgName + "-" + lvLogSuffix.ReplaceAllString(stripBrackets(lvName), "")
		if _, err := s.requireLV(base, "failed to look up log lv"); err != nil {
			return err
		}

		s.raidEntry(base).logSize = info.Size

		return nil

	case 't':
		kind = KindLVMThinPool

	case 'V':
		pool, err := s.requireLV(vgName+"-"+info.PoolLV, "failed to look up thin pool")
		if err != nil {
			return err
		}

		kind = KindLVMThinLV

		if info.Origin != "" {
			o, err := s.requireLV(vgName+"-"+info.Origin, "failed to locate origin lv")
			if err != nil {
				return err
			}

			origin = o.ID
			kind = KindLVMThinSnapshot
		}

		parents = []*Device{pool}

	default:
		// internal volume
		if strings.HasSuffix(lvName, "]") {
			return nil
		}

		if !strings.ContainsRune("-mMrRoO", rune(c)) {
			return nil
		}
	}

	if info.UUID != "" && g.ByUUID(info.UUID) != nil {
		return nil
	}

	lv := g.NewDevice(kind, name, parents...)
	lv.UUID = info.UUID
	lv.Size = info.Size
	lv.Exists = true
	lv.LV.LVName = lvName
	lv.LV.SegType = info.SegType
	lv.LV.Origin = origin
	lv.LV.VOrigin = vorigin

	if err := g.AddDevice(lv); err != nil {
		return err
	}

	if t.cfg.InstallerMode {
		if err := t.sys.Setup(lv); err != nil {
			devLog(lv).WithError(err).Warn("failed to activate lv")
		}
	}

	if !t.sys.Status(lv) {
		return nil
	}

	sp, err := t.sys.SysfsPath(lv)
	if err != nil {
		devLog(lv).WithError(err).Error("failed to find sysfs path of active lv")
		return nil
	}

	lv.SysfsPath = sp

	rec, err := t.sys.Record(sp)
	if err != nil {
		devLog(lv).WithError(err).Error("failed to get udev data for lv")
		return nil
	}

	_, err = t.addRecord(rec)

	return err
}

// handleBTRFS adds d to its btrfs volume, creating the volume and its
// subvolumes if needed.
func (t *Tree) handleBTRFS(info *DeviceInfo, d *Device) error {
	g := t.Graph
	uuid := info.UUID()

	var vol *Device

	for _, x := range g.All() {
		if x.Kind == KindBTRFSVolume && x.UUID == uuid {
			vol = x
			break
		}
	}

	if vol != nil {
		devLog(vol).Infof("found btrfs volume, adding member %s", d.Name)

		if err := g.AddParent(vol, d); err != nil {
			return err
		}
	} else {
		label := info.Label()

		vol = g.NewDevice(KindBTRFSVolume, label, d)
		if label == "" {
			vol.Name = fmt.Sprintf("btrfs.%d", vol.ID)
		}

		vol.UUID = uuid
		vol.Exists = true
		vol.Btrfs.VolID = btrfsTopLevelID
		vol.SetPath(d.Path())
		vol.Format = Format{
			Kind:    FormatBTRFS,
			Type:    "btrfs",
			Label:   label,
			VolUUID: uuid,
			Device:  d.Path(),
			Exists:  true,
		}

		Log.Infof("creating btrfs volume %s", vol.Name)

		if err := g.AddDevice(vol); err != nil {
			return err
		}
	}

	if len(t.Subvolumes(vol)) > 0 {
		return nil
	}

	subvols, err := t.sys.BtrfsSubvolumes(vol)
	if err != nil {
		devLog(vol).WithError(err).Warn("failed to list subvolumes")
		return nil
	}

	for _, sv := range subvols {
		if sv.Default {
			vol.Btrfs.DefaultSubVolume = sv.ID
		}

		var parent *Device

		for _, c := range append([]*Device{vol}, t.Subvolumes(vol)...) {
			if c.Btrfs != nil && c.Btrfs.VolID == sv.Parent {
				parent = c
				break
			}
		}

		if parent == nil {
			Log.Errorf("failed to find parent (%d) for subvol %s", sv.Parent, sv.Path)
			return errors.Wrapf(ErrDeviceTree, "could not find parent for subvol %s", sv.Path)
		}

		kind := KindBTRFSSubVolume
		if sv.Snapshot {
			kind = KindBTRFSSnapshot
		}

		s := g.NewDevice(kind, sv.Path, parent)
		s.Exists = true
		s.Btrfs.VolID = sv.ID
		s.SetPath(vol.Path())
		s.Format = Format{
			Kind:      FormatBTRFS,
			Type:      "btrfs",
			VolUUID:   vol.Format.VolUUID,
			Device:    vol.Path(),
			MountOpts: "subvol=" + sv.Path,
			Exists:    true,
		}

		if err := g.AddDevice(s); err != nil {
			return err
		}
	}

	return nil
}

// UpdateDeviceFormat re-reads the format of d from the system.
func (t *Tree) UpdateDeviceFormat(d *Device) error {
	devLog(d).Info("updating format")

	if err := t.sys.Settle(); err != nil {
		Log.WithError(err).Warn("settle failed")
	}

	rec, err := t.sys.Record(d.SysfsPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read record of %s", d.Name)
	}

	d.Format = Format{}

	return t.handleFormat(&rec, d)
}
