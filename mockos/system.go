// Package mockos is an in-memory devtree.System driven by a json layout.
package mockos

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"machinerun.io/devtree"
)

// Layout describes the machine a mock system pretends to be.
type Layout struct {
	// Records are the udev records of the block devices present.
	Records []devtree.DeviceInfo `json:"records"`

	// Inactive are records that only appear once the device they describe
	// is set up, eg a luks map or an lv.
	Inactive []devtree.DeviceInfo `json:"inactive,omitempty"`

	PVs []devtree.PVInfo `json:"pvs,omitempty"`
	LVs []devtree.LVInfo `json:"lvs,omitempty"`

	// MDExamine holds the md superblock properties by member device path.
	MDExamine map[string]map[string]string `json:"mdExamine,omitempty"`

	// MDNames and DMNames map nodes like md127 or dm-0 to names.
	MDNames map[string]string `json:"mdNames,omitempty"`
	DMNames map[string]string `json:"dmNames,omitempty"`

	// LoopFiles maps a loop device name to its backing file.
	LoopFiles map[string]string `json:"loopFiles,omitempty"`

	// MultipathMembers are the names of multipath paths.
	MultipathMembers []string                        `json:"multipathMembers,omitempty"`
	RaidSets         []devtree.RaidSet               `json:"raidSets,omitempty"`
	Subvolumes       map[string][]devtree.SubvolInfo `json:"subvolumes,omitempty"`

	// InvalidLabels are the names of devices whose disklabel is unusable.
	InvalidLabels []string `json:"invalidLabels,omitempty"`

	// NoMedia are the names of drives without media.
	NoMedia []string `json:"noMedia,omitempty"`

	// Mounts is the mount table in fstab format.
	Mounts string `json:"mounts,omitempty"`

	// Links maps a path to what it resolves to.
	Links map[string]string `json:"links,omitempty"`

	// Specs maps device specifiers like UUID=... to kernel names.
	Specs map[string]string `json:"specs,omitempty"`

	// Passphrases maps a luks uuid to the passphrase that opens it.
	Passphrases map[string]string `json:"passphrases,omitempty"`
}

// Sys is a mock devtree.System. It records every call that changes state.
type Sys struct {
	Layout

	// CommitBusy is the number of times Execute fails with
	// devtree.ErrDiskLabelCommit before it succeeds on a label change.
	CommitBusy int

	graph    *devtree.DeviceGraph
	active   map[string]bool
	calls    []string
	executed []*devtree.Action
}

// System returns a mock os implementation of the devtree.System interface
// for the layout in the json file.
func System(layout string) *Sys {
	file, err := os.ReadFile(layout)
	if err != nil {
		panic(err)
	}

	l := Layout{}

	if err := json.Unmarshal(file, &l); err != nil {
		panic(err)
	}

	return New(l)
}

// New returns a mock system for l.
func New(l Layout) *Sys {
	ms := &Sys{Layout: l, active: map[string]bool{}}

	for _, r := range l.Records {
		ms.active[recordName(r)] = true
	}

	return ms
}

func recordName(r devtree.DeviceInfo) string {
	if n := r.DMName(); n != "" {
		return n
	}

	return r.Name
}

// Calls returns the state changing calls made so far, eg 'setup sda1'.
func (ms *Sys) Calls() []string {
	return append([]string{}, ms.calls...)
}

// Executed returns the actions executed so far.
func (ms *Sys) Executed() []*devtree.Action {
	return append([]*devtree.Action{}, ms.executed...)
}

// Active returns true if the device with the given name is set up.
func (ms *Sys) Active(name string) bool {
	return ms.active[name]
}

func (ms *Sys) call(format string, args ...interface{}) {
	ms.calls = append(ms.calls, fmt.Sprintf(format, args...))
}

func (ms *Sys) BindGraph(g *devtree.DeviceGraph) {
	ms.graph = g
}

func (ms *Sys) Records() ([]devtree.DeviceInfo, error) {
	ret := make([]devtree.DeviceInfo, 0, len(ms.Layout.Records))

	for _, r := range ms.Layout.Records {
		ret = append(ret, r.Copy())
	}

	for _, r := range ms.Inactive {
		if ms.active[recordName(r)] {
			ret = append(ret, r.Copy())
		}
	}

	return ret, nil
}

func (ms *Sys) Record(sysPath string) (devtree.DeviceInfo, error) {
	recs, _ := ms.Records()

	for _, r := range recs {
		if r.SysPath == sysPath {
			return r, nil
		}
	}

	return devtree.DeviceInfo{}, errors.Wrapf(devtree.ErrNotFound, "no device at %s", sysPath)
}

func (ms *Sys) Settle() error {
	return nil
}

func (ms *Sys) MDExamine(devPath string) (map[string]string, error) {
	if props, ok := ms.Layout.MDExamine[devPath]; ok {
		return props, nil
	}

	return nil, fmt.Errorf("%s is not an md member", devPath)
}

func (ms *Sys) MDNameFromNode(node string) (string, error) {
	if name, ok := ms.MDNames[node]; ok {
		return name, nil
	}

	return "", errors.Wrapf(devtree.ErrNotFound, "no md name for %s", node)
}

func (ms *Sys) DMNameFromNode(node string) (string, error) {
	if name, ok := ms.DMNames[node]; ok {
		return name, nil
	}

	for _, r := range ms.Layout.Records {
		if r.Name == node && r.DMName() != "" {
			return r.DMName(), nil
		}
	}

	return "", errors.Wrapf(devtree.ErrNotFound, "no dm name for %s", node)
}

func (ms *Sys) LoopBackingFile(name string) string {
	return ms.LoopFiles[name]
}

func (ms *Sys) LoopName(file string) string {
	names := make([]string, 0, len(ms.LoopFiles))
	for n := range ms.LoopFiles {
		names = append(names, n)
	}

	sort.Strings(names)

	for _, n := range names {
		if ms.LoopFiles[n] == file {
			return n
		}
	}

	return ""
}

func (ms *Sys) IsMultipathMember(devPath string) bool {
	for _, m := range ms.MultipathMembers {
		if m == path.Base(devPath) {
			return true
		}
	}

	return false
}

func (ms *Sys) RaidSets(info devtree.DeviceInfo) ([]devtree.RaidSet, error) {
	ret := []devtree.RaidSet{}

	for _, rs := range ms.Layout.RaidSets {
		for _, m := range rs.Members {
			if m == path.Join("/dev", info.Name) {
				ret = append(ret, rs)
				break
			}
		}
	}

	return ret, nil
}

func (ms *Sys) BtrfsSubvolumes(vol *devtree.Device) ([]devtree.SubvolInfo, error) {
	if subvols, ok := ms.Subvolumes[vol.UUID]; ok {
		return subvols, nil
	}

	return []devtree.SubvolInfo{}, nil
}

func (ms *Sys) ProbeDiskLabel(d *devtree.Device, labelType string) error {
	for _, n := range ms.InvalidLabels {
		if n == d.Name {
			return errors.Wrapf(devtree.ErrInvalidDiskLabel, "%s label on %s", labelType, d.Name)
		}
	}

	return nil
}

func (ms *Sys) MountTable() ([]byte, error) {
	return []byte(ms.Mounts), nil
}

func (ms *Sys) RealPath(p string) (string, error) {
	if real, ok := ms.Links[p]; ok {
		return real, nil
	}

	return p, nil
}

func (ms *Sys) ResolveDevSpec(spec string) string {
	if name, ok := ms.Specs[spec]; ok {
		return name
	}

	if strings.HasPrefix(spec, "/dev/") {
		real, _ := ms.RealPath(spec)
		return strings.TrimPrefix(real, "/dev/")
	}

	return ""
}

func (ms *Sys) parents(d *devtree.Device) []*devtree.Device {
	if ms.graph == nil {
		return []*devtree.Device{}
	}

	return ms.graph.ParentsOf(d)
}

func (ms *Sys) Setup(d *devtree.Device) error {
	for _, p := range ms.parents(d) {
		if err := ms.Setup(p); err != nil {
			return err
		}
	}

	if ms.Status(d) {
		return nil
	}

	name := d.MapName()
	if parents := ms.parents(d); d.Kind == devtree.KindLoop && name == "" && len(parents) > 0 {
		name = ms.LoopName(parents[0].Name)
		d.Name = name
	}

	ms.call("setup %s", name)
	ms.active[name] = true

	return nil
}

func (ms *Sys) Teardown(d *devtree.Device, recursive bool) error {
	if ms.active[d.MapName()] {
		ms.call("teardown %s", d.MapName())
		delete(ms.active, d.MapName())
	}

	if d.Format.Kind == devtree.FormatLUKS && ms.active[d.Format.MapName] {
		ms.call("close %s", d.Format.MapName)
		delete(ms.active, d.Format.MapName)
	}

	if recursive {
		for _, p := range ms.parents(d) {
			if err := ms.Teardown(p, true); err != nil {
				return err
			}
		}
	}

	return nil
}

func (ms *Sys) Status(d *devtree.Device) bool {
	switch d.Kind {
	case devtree.KindFile, devtree.KindNoDevice, devtree.KindBTRFSVolume,
		devtree.KindBTRFSSubVolume, devtree.KindBTRFSSnapshot, devtree.KindLVMVG:
		return d.Exists
	}

	return ms.active[d.MapName()]
}

func (ms *Sys) FormatStatus(d *devtree.Device) bool {
	switch {
	case d.Format.Kind == devtree.FormatLUKS:
		return ms.active[d.Format.MapName]
	case d.Format.IsFilesystem():
		for _, line := range strings.Split(ms.Mounts, "\n") {
			if f := strings.Fields(line); len(f) > 1 && f[0] == d.Path() {
				return true
			}
		}
	}

	return false
}

func (ms *Sys) MediaPresent(d *devtree.Device) bool {
	for _, n := range ms.NoMedia {
		if n == d.Name {
			return false
		}
	}

	return true
}

func (ms *Sys) OpenLUKS(d *devtree.Device, passphrase string) error {
	if p, ok := ms.Passphrases[d.Format.UUID]; !ok || p != passphrase {
		return fmt.Errorf("wrong passphrase for %s", d.Name)
	}

	ms.call("open %s", d.Format.MapName)
	ms.active[d.Format.MapName] = true

	return nil
}

func (ms *Sys) ActivateRaidSet(rs devtree.RaidSet) error {
	ms.call("activate %s", rs.Name)
	ms.active[rs.Name] = true

	return nil
}

func (ms *Sys) DeactivateMD(p string) error {
	ms.call("stop %s", p)
	return nil
}

func (ms *Sys) SysfsPath(d *devtree.Device) (string, error) {
	all := append(append([]devtree.DeviceInfo{}, ms.Layout.Records...), ms.Inactive...)

	for _, r := range all {
		if recordName(r) == d.MapName() || (r.MDName() != "" && r.MDName() == d.Name) {
			return r.SysPath, nil
		}
	}

	return "", errors.Wrapf(devtree.ErrNotFound, "no sysfs path for %s", d.Name)
}

func (ms *Sys) Execute(a *devtree.Action) error {
	label := (a.IsDevice() && a.Device.Kind == devtree.KindPartition) ||
		(a.IsFormat() && a.Format.Kind == devtree.FormatDiskLabel)

	if label && ms.CommitBusy > 0 {
		ms.CommitBusy--
		return errors.Wrapf(devtree.ErrDiskLabelCommit, "%s is busy", a.Device.Name)
	}

	ms.call("execute %s %s %s", a.Type, a.Object, a.Device.Name)
	ms.executed = append(ms.executed, a)

	switch {
	case a.IsCreate() && a.IsDevice():
		ms.createDevice(a.Device)
	case a.IsDestroy() && a.IsDevice():
		ms.removeRecord(a.Device.MapName())
		ms.removeLVM(a.Device)
	case a.IsCreate() && a.IsFormat():
		ms.setFormat(a.Device, a.Format)
	case a.IsDestroy() && a.IsFormat():
		ms.setFormat(a.Device, devtree.Format{})
	}

	return nil
}

func (ms *Sys) PreCommitFixup(d *devtree.Device, mountpoints []string) error {
	return nil
}

func (ms *Sys) RefreshDiskLabel(d *devtree.Device) error {
	ms.call("refresh %s", d.Name)
	return nil
}

func (ms *Sys) PartitionName(d *devtree.Device, disk *devtree.Device) string {
	return d.Name
}

func (ms *Sys) recordIndex(name string) int {
	for i, r := range ms.Layout.Records {
		if recordName(r) == name {
			return i
		}
	}

	return -1
}

func (ms *Sys) removeRecord(name string) {
	if i := ms.recordIndex(name); i >= 0 {
		ms.Layout.Records = append(ms.Layout.Records[:i], ms.Layout.Records[i+1:]...)
	}

	delete(ms.active, name)
}

// createDevice adds a record for a new partition and the lvm reports for
// new volumes.
func (ms *Sys) createDevice(d *devtree.Device) {
	ms.active[d.MapName()] = true

	if d.Kind.IsLV() || d.Kind == devtree.KindLVMVG {
		ms.createLVM(d)
		return
	}

	if d.Kind != devtree.KindPartition || d.Part == nil {
		return
	}

	disk := ms.parents(d)
	if len(disk) == 0 {
		return
	}

	ms.Layout.Records = append(ms.Layout.Records, devtree.DeviceInfo{
		Name:    d.Name,
		SysPath: path.Join(disk[0].SysfsPath, d.Name),
		Properties: map[string]string{
			"DEVNAME":              "/dev/" + d.Name,
			"DEVTYPE":              "partition",
			"SUBSYSTEM":            "block",
			"ID_PART_ENTRY_NUMBER": strconv.Itoa(d.Part.Number),
		},
		Attributes: map[string]string{
			"size": strconv.FormatUint(d.Size/512, 10), //nolint:gomnd
		},
	})
}

// setFormat updates the udev properties of d to show f.
func (ms *Sys) setFormat(d *devtree.Device, f devtree.Format) {
	i := ms.recordIndex(d.MapName())
	if i < 0 {
		return
	}

	r := &ms.Layout.Records[i]
	for _, k := range []string{"ID_FS_TYPE", "ID_FS_UUID", "ID_FS_LABEL", "ID_PART_TABLE_TYPE"} {
		delete(r.Properties, k)
	}

	switch f.Kind {
	case devtree.FormatNone:
		ms.removePV(d.Path())
		return
	case devtree.FormatDiskLabel:
		r.Merge(map[string]string{"ID_PART_TABLE_TYPE": f.LabelType})
		return
	}

	fsType := f.Type
	if fsType == "" {
		fsType = f.Kind.String()
	}

	switch f.Kind {
	case devtree.FormatLVMPV:
		fsType = "LVM2_member"
		ms.createPV(d)
	case devtree.FormatLUKS:
		fsType = "crypto_LUKS"
	case devtree.FormatEFI:
		fsType = "vfat"
	}

	r.Merge(map[string]string{"ID_FS_TYPE": fsType, "ID_FS_UUID": f.UUID, "ID_FS_LABEL": f.Label})
}
