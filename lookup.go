package devtree

import "strings"

type lookupOpts struct {
	incomplete   bool
	hidden       bool
	preferLeaves bool
}

// LookupOption changes the set of devices a lookup considers.
type LookupOption func(*lookupOpts)

// Incomplete makes a lookup consider incomplete devices.
func Incomplete() LookupOption {
	return func(o *lookupOpts) { o.incomplete = true }
}

// Hidden makes a lookup consider hidden devices.
func Hidden() LookupOption {
	return func(o *lookupOpts) { o.hidden = true }
}

// PreferLeaves controls the tie break of ByPath when several devices have
// the same path. Leaves win by default.
func PreferLeaves(prefer bool) LookupOption {
	return func(o *lookupOpts) { o.preferLeaves = prefer }
}

func (g *DeviceGraph) candidates(opts []LookupOption) ([]*Device, lookupOpts) {
	o := lookupOpts{preferLeaves: true}
	for _, opt := range opts {
		opt(&o)
	}

	ret := []*Device{}

	for _, d := range g.devices {
		if o.incomplete || g.complete(d) {
			ret = append(ret, d)
		}
	}

	if o.hidden {
		ret = append(ret, g.hidden...)
	}

	return ret, o
}

// lvmNormalize collapses the doubled dashes of a device-mapper lvm name.
func lvmNormalize(s string) string {
	return strings.ReplaceAll(s, "--", "-")
}

func isLVMKind(d *Device) bool {
	return d.Kind.IsLV() || d.Kind == KindLVMVG
}

// ByID returns the device with the given id, or nil.
func (g *DeviceGraph) ByID(id int, opts ...LookupOption) *Device {
	devs, _ := g.candidates(opts)

	for _, d := range devs {
		if d.ID == id {
			return d
		}
	}

	return nil
}

// ByName returns the device named name, or nil.
func (g *DeviceGraph) ByName(name string, opts ...LookupOption) *Device {
	if name == "" {
		return nil
	}

	devs, _ := g.candidates(opts)

	for _, d := range devs {
		if d.Name == name {
			return d
		}

		if isLVMKind(d) && d.Name == lvmNormalize(name) {
			return d
		}
	}

	return nil
}

// ByUUID returns the device whose device or format uuid is uuid, or nil.
func (g *DeviceGraph) ByUUID(uuid string, opts ...LookupOption) *Device {
	if uuid == "" {
		return nil
	}

	devs, _ := g.candidates(opts)

	for _, d := range devs {
		if d.UUID == uuid || d.Format.UUID == uuid {
			return d
		}
	}

	return nil
}

// ByLabel returns the device whose format has label, or nil.
func (g *DeviceGraph) ByLabel(label string, opts ...LookupOption) *Device {
	if label == "" {
		return nil
	}

	devs, _ := g.candidates(opts)

	for _, d := range devs {
		if d.Format.Label == label {
			return d
		}
	}

	return nil
}

// BySerial returns every device with the given serial.
func (g *DeviceGraph) BySerial(serial string, opts ...LookupOption) []*Device {
	ret := []*Device{}

	if serial == "" {
		return ret
	}

	devs, _ := g.candidates(opts)

	for _, d := range devs {
		if d.Serial == serial {
			ret = append(ret, d)
		}
	}

	return ret
}

// BySysfsPath returns the device with sysfs path p, or nil.
func (g *DeviceGraph) BySysfsPath(p string, opts ...LookupOption) *Device {
	if p == "" {
		return nil
	}

	devs, _ := g.candidates(opts)

	for _, d := range devs {
		if d.SysfsPath == p {
			return d
		}
	}

	return nil
}

// ByPath returns the device with node path p, or nil. When several devices
// share the path, a leaf is returned unless PreferLeaves(false) is given.
func (g *DeviceGraph) ByPath(p string, opts ...LookupOption) *Device {
	if p == "" {
		return nil
	}

	devs, o := g.candidates(opts)
	matches := []*Device{}

	for _, d := range devs {
		if d.Path() == p {
			matches = append(matches, d)
			continue
		}

		if isLVMKind(d) && lvmNormalize(d.Path()) == lvmNormalize(p) {
			matches = append(matches, d)
		}
	}

	if len(matches) == 0 {
		return nil
	}

	for _, d := range matches {
		if d.IsLeaf() == o.preferLeaves {
			return d
		}
	}

	return matches[0]
}
