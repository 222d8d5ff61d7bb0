package devtree

import (
	"strings"

	"github.com/pkg/errors"
)

// DeviceGraph owns every device the tree knows about. Devices live in an
// arena indexed by id; the visible and hidden lists refer into it.
type DeviceGraph struct {
	nodes  map[int]*Device
	nextID int

	devices []*Device
	hidden  []*Device

	// names of every device seen, used to pick unique names for new
	// devices.
	names []string
}

// NewDeviceGraph returns an empty graph.
func NewDeviceGraph() *DeviceGraph {
	return &DeviceGraph{nodes: map[int]*Device{}}
}

// NewDevice allocates a device in the arena. The device is not visible
// until it is passed to AddDevice.
func (g *DeviceGraph) NewDevice(kind DeviceKind, name string, parents ...*Device) *Device {
	d := &Device{
		ID:           g.nextID,
		Kind:         kind,
		Name:         name,
		Parents:      []int{},
		Controllable: true,
	}
	g.nextID++

	for _, p := range parents {
		d.Parents = append(d.Parents, p.ID)
	}

	switch {
	case kind == KindPartition:
		d.Part = &PartitionAttrs{}
	case kind.IsMD():
		d.MD = &MDAttrs{}
	case kind == KindLVMVG:
		d.VG = &VGAttrs{}
	case kind.IsLV():
		d.LV = &LVAttrs{Origin: -1, Copies: 1}
	case kind.IsBTRFS():
		d.Btrfs = &BtrfsAttrs{}
	}

	g.nodes[d.ID] = d

	return d
}

// Node returns the arena entry for id whether or not it is visible.
func (g *DeviceGraph) Node(id int) *Device {
	return g.nodes[id]
}

// ParentsOf returns the parent devices of d.
func (g *DeviceGraph) ParentsOf(d *Device) []*Device {
	ret := make([]*Device, 0, len(d.Parents))

	for _, id := range d.Parents {
		if p := g.nodes[id]; p != nil {
			ret = append(ret, p)
		}
	}

	return ret
}

func indexOf(list []*Device, d *Device) int {
	for i, x := range list {
		if x == d {
			return i
		}
	}

	return -1
}

func removeFrom(list []*Device, d *Device) []*Device {
	if i := indexOf(list, d); i >= 0 {
		return append(list[:i], list[i+1:]...)
	}

	return list
}

// Contains returns true if d is visible.
func (g *DeviceGraph) Contains(d *Device) bool {
	return indexOf(g.devices, d) >= 0
}

// IsHidden returns true if d is in the hidden set.
func (g *DeviceGraph) IsHidden(d *Device) bool {
	return indexOf(g.hidden, d) >= 0
}

// AddDevice makes d visible. Every parent of d must already be visible and
// no visible device may share d's uuid.
func (g *DeviceGraph) AddDevice(d *Device) error {
	if g.Contains(d) {
		return errors.Wrapf(ErrAlreadyInTree, "%s", d.Name)
	}

	if d.UUID != "" && !d.Kind.UUIDExempt() {
		for _, o := range g.devices {
			if o.UUID == d.UUID {
				return errors.Wrapf(ErrDuplicateUUID, "%s and %s share uuid %s",
					d.Name, o.Name, d.UUID)
			}
		}
	}

	for _, p := range g.ParentsOf(d) {
		if !g.Contains(p) {
			return errors.Wrapf(ErrParentNotInTree, "%s parent %s", d.Name, p.Name)
		}
	}

	if _, ok := g.nodes[d.ID]; !ok {
		g.nodes[d.ID] = d
	}

	g.devices = append(g.devices, d)

	for _, p := range g.ParentsOf(d) {
		p.kids++
	}

	// don't include "req%d" partition names
	if (d.Kind != KindPartition || !strings.HasPrefix(d.Name, "req")) &&
		d.Kind != KindBTRFSVolume {
		g.AddName(d.Name)
	}

	devLog(d).Info("added device to tree")

	return nil
}

// AddParent adds p as an additional parent of the visible device d.
func (g *DeviceGraph) AddParent(d *Device, p *Device) error {
	if !g.Contains(p) {
		return errors.Wrapf(ErrParentNotInTree, "%s parent %s", d.Name, p.Name)
	}

	if d.HasParent(p.ID) {
		return nil
	}

	if p == d || g.DependsOn(p, d) {
		return errors.Wrapf(ErrDeviceTree, "%s cannot be a parent of %s, it depends on it", p.Name, d.Name)
	}

	d.Parents = append(d.Parents, p.ID)

	if g.Contains(d) {
		p.kids++
	}

	return nil
}

// RemoveDevice removes d from the visible list. Only leaves may be removed
// unless force is set. With moddisk set, removing a partition updates the
// numbering of its siblings.
func (g *DeviceGraph) RemoveDevice(d *Device, force bool, moddisk bool) error {
	if !g.Contains(d) {
		return errors.Wrapf(ErrNotInTree, "%s", d.Name)
	}

	if !d.IsLeaf() && !force {
		devLog(d).Debugf("%s has %d kids", d.Name, d.kids)
		return errors.Wrapf(ErrNotLeaf, "%s", d.Name)
	}

	if moddisk && d.Kind == KindPartition {
		if err := g.removePartition(d); err != nil {
			return err
		}
	}

	g.devices = removeFrom(g.devices, d)

	if g.complete(d) {
		g.removeName(d.Name)
	}

	for _, p := range g.ParentsOf(d) {
		if p.kids > 0 {
			p.kids--
		}
	}

	devLog(d).Info("removed device from tree")

	return nil
}

// removePartition adjusts the siblings of partition d on its disk. Logical
// partitions following a removed logical partition move down by one.
func (g *DeviceGraph) removePartition(d *Device) error {
	parents := g.ParentsOf(d)
	if len(parents) == 0 || d.Part == nil {
		return nil
	}

	disk := parents[0]
	siblings := []*Device{}

	for _, c := range g.Children(disk) {
		if c != d && c.Kind == KindPartition && c.Part != nil {
			siblings = append(siblings, c)
		}
	}

	if d.Part.Extended {
		for _, s := range siblings {
			if s.Part.Logical {
				return errors.Wrapf(ErrNotLeaf,
					"cannot remove extended partition %s, logical partitions present",
					d.Name)
			}
		}
	}

	if !d.Part.Logical {
		return nil
	}

	for _, s := range siblings {
		if s.Part.Logical && s.Part.Number > d.Part.Number {
			s.Part.Number--
			s.Name = partitionName(disk.Name, s.Part.Number)
		}
	}

	return nil
}

// logicalSiblings returns the logical partitions on d's disk that removing
// the logical partition d would renumber.
func (g *DeviceGraph) logicalSiblings(d *Device) []*Device {
	ret := []*Device{}

	parents := g.ParentsOf(d)
	if d.Kind != KindPartition || d.Part == nil || !d.Part.Logical || len(parents) == 0 {
		return ret
	}

	for _, c := range g.Children(parents[0]) {
		if c != d && c.Part != nil && c.Part.Logical && c.Part.Number > d.Part.Number {
			ret = append(ret, c)
		}
	}

	return ret
}

// Children returns the visible devices that have d as a parent.
func (g *DeviceGraph) Children(d *Device) []*Device {
	ret := []*Device{}

	for _, c := range g.devices {
		if c.HasParent(d.ID) {
			ret = append(ret, c)
		}
	}

	return ret
}

// DependsOn returns true if dep is an ancestor of d.
func (g *DeviceGraph) DependsOn(d *Device, dep *Device) bool {
	seen := map[int]bool{}
	work := append([]int{}, d.Parents...)

	for len(work) > 0 {
		id := work[0]
		work = work[1:]

		if id == dep.ID {
			return true
		}

		if seen[id] {
			continue
		}

		seen[id] = true

		if p := g.nodes[id]; p != nil {
			work = append(work, p.Parents...)
		}
	}

	return false
}

// Dependents returns every visible device that directly or indirectly
// depends on dep, including incomplete ones.
func (g *DeviceGraph) Dependents(dep *Device) []*Device {
	ret := []*Device{}

	if dep.IsLeaf() {
		return ret
	}

	for _, d := range g.devices {
		if g.DependsOn(d, dep) {
			ret = append(ret, d)
		}
	}

	return ret
}

// Disks returns the disks d is built on, d itself if it is a disk.
func (g *DeviceGraph) Disks(d *Device) []*Device {
	if d.IsDisk() {
		return []*Device{d}
	}

	ret := []*Device{}
	seen := map[int]bool{d.ID: true}
	work := g.ParentsOf(d)

	for len(work) > 0 {
		p := work[0]
		work = work[1:]

		if seen[p.ID] {
			continue
		}

		seen[p.ID] = true

		if p.IsDisk() {
			ret = append(ret, p)
			continue
		}

		work = append(work, g.ParentsOf(p)...)
	}

	return ret
}

// Complete returns false for aggregate devices that are missing members.
func (g *DeviceGraph) Complete(d *Device) bool {
	return g.complete(d)
}

func (g *DeviceGraph) complete(d *Device) bool {
	switch {
	case d.Kind == KindLVMVG && d.VG != nil:
		return len(d.Parents) >= d.VG.PVCount
	case d.Kind.IsLV():
		for _, p := range g.ParentsOf(d) {
			if p.Kind == KindLVMVG || p.Kind == KindLVMThinPool {
				return g.complete(p)
			}
		}
	case d.Kind == KindMDArray && d.MD != nil && d.Exists:
		return len(d.Parents) >= d.MD.MemberDevices
	}

	return true
}

// Devices returns the complete visible devices. It fails if two of them
// share a uuid.
func (g *DeviceGraph) Devices() ([]*Device, error) {
	ret := []*Device{}
	seen := map[string]bool{}

	for _, d := range g.devices {
		if !g.complete(d) {
			continue
		}

		if d.UUID != "" && !d.Kind.UUIDExempt() {
			if seen[d.UUID] {
				return nil, errors.Wrapf(ErrDuplicateUUID, "%s", d.UUID)
			}

			seen[d.UUID] = true
		}

		ret = append(ret, d)
	}

	return ret, nil
}

// All returns every visible device, complete or not, in insertion order.
func (g *DeviceGraph) All() []*Device {
	return append([]*Device{}, g.devices...)
}

// Hidden returns the hidden devices in the order they were hidden.
func (g *DeviceGraph) Hidden() []*Device {
	return append([]*Device{}, g.hidden...)
}

// Leaves returns the visible devices no other device is built on.
func (g *DeviceGraph) Leaves() []*Device {
	ret := []*Device{}

	for _, d := range g.devices {
		if d.IsLeaf() {
			ret = append(ret, d)
		}
	}

	return ret
}

// Filesystems returns the formats of leaf devices that have a mount point.
func (g *DeviceGraph) Filesystems() []Format {
	ret := []Format{}

	for _, d := range g.Leaves() {
		if d.Format.Mountpoint != "" {
			ret = append(ret, d.Format)
		}
	}

	return ret
}

// UUIDs maps every device and format uuid of a complete device to the
// device.
func (g *DeviceGraph) UUIDs() map[string]*Device {
	ret := map[string]*Device{}

	for _, d := range g.devices {
		if !g.complete(d) {
			continue
		}

		if d.UUID != "" {
			ret[d.UUID] = d
		}

		if d.Format.UUID != "" {
			ret[d.Format.UUID] = d
		}
	}

	return ret
}

// Labels maps every format label to its device. btrfs member devices are
// left out since the volume carries the label.
func (g *DeviceGraph) Labels() map[string]*Device {
	ret := map[string]*Device{}

	for _, d := range g.devices {
		if d.Format.Label == "" || !g.complete(d) {
			continue
		}

		if d.Format.Kind == FormatBTRFS && !d.Kind.IsBTRFS() {
			continue
		}

		ret[d.Format.Label] = d
	}

	return ret
}

// DevicesByType returns the visible devices with type string t.
func (g *DeviceGraph) DevicesByType(t string) []*Device {
	ret := []*Device{}

	for _, d := range g.devices {
		if d.Type() == t {
			ret = append(ret, d)
		}
	}

	return ret
}

// DevicesByKind returns the visible devices of any of the given kinds.
func (g *DeviceGraph) DevicesByKind(kinds ...DeviceKind) []*Device {
	ret := []*Device{}

	for _, d := range g.devices {
		for _, k := range kinds {
			if d.Kind == k {
				ret = append(ret, d)
				break
			}
		}
	}

	return ret
}

// Names returns every device name seen so far.
func (g *DeviceGraph) Names() []string {
	return append([]string{}, g.names...)
}

// AddName reserves name.
func (g *DeviceGraph) AddName(name string) {
	if !containsString(g.names, name) {
		g.names = append(g.names, name)
	}
}

// HasName returns true if name has been seen.
func (g *DeviceGraph) HasName(name string) bool {
	return containsString(g.names, name)
}

func (g *DeviceGraph) removeName(name string) {
	for i, n := range g.names {
		if n == name {
			g.names = append(g.names[:i], g.names[i+1:]...)
			return
		}
	}
}

// hide moves d from the visible list to the hidden set. d must be a leaf
// by the time it is called.
func (g *DeviceGraph) hide(d *Device) error {
	if err := g.RemoveDevice(d, true, false); err != nil {
		return err
	}

	g.hidden = append(g.hidden, d)
	g.AddName(d.Name)

	return nil
}

// unhide moves d from the hidden set back to the visible list.
func (g *DeviceGraph) unhide(d *Device) {
	g.hidden = removeFrom(g.hidden, d)
	g.devices = append(g.devices, d)

	for _, p := range g.ParentsOf(d) {
		p.kids++
	}
}

// reset empties the graph. Ids keep increasing across resets.
func (g *DeviceGraph) reset() {
	g.nodes = map[int]*Device{}
	g.devices = nil
	g.hidden = nil
	g.names = nil
}
