package devtree

import (
	"regexp"
	"strconv"
	"strings"
)

// ResolveOptions holds the tables and mount options that help resolve a
// device specifier.
type ResolveOptions struct {
	// BlkidTab maps a device path to its blkid attributes, eg UUID.
	BlkidTab map[string]map[string]string

	// CryptTab maps a dm-crypt map name to the name or path of the device
	// holding the LUKS format.
	CryptTab map[string]string

	// Options are the mount options, eg 'subvol=root,noatime'.
	Options string
}

//nolint:gochecknoglobals
var (
	eddSpec    = regexp.MustCompile(`^(0x)?[A-Za-z0-9]{2}(p\d+)?$`)
	mdNodeSpec = regexp.MustCompile(`^/dev/md\d+(p\d+)?$`)
)

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}

	return s
}

// optionValue returns the value of option name in a comma separated list
// of mount options.
func optionValue(name string, options string) string {
	for _, opt := range strings.Split(options, ",") {
		if k, v, ok := strings.Cut(opt, "="); ok && k == name {
			return v
		}
	}

	return ""
}

func hasOption(name string, options string) bool {
	for _, opt := range strings.Split(options, ",") {
		if opt == name {
			return true
		}
	}

	return false
}

// ResolveDevice returns the device described by spec. The spec can be a
// name ('sda3'), a node path ('/dev/mapper/vg-root', '/dev/dm-2'),
// 'UUID=...', 'LABEL=...', a BIOS drive number ('0x80') or an lvm 'vg/lv'
// path.
func (t *Tree) ResolveDevice(spec string, opts ResolveOptions) Lookup {
	var device *Device

	g := t.Graph

	// the uuid and label tables are only valid on a consistent tree
	if _, err := g.Devices(); err != nil {
		return Failed(err)
	}

	switch {
	case strings.HasPrefix(spec, "UUID="):
		device = g.UUIDs()[unquote(strings.TrimPrefix(spec, "UUID="))]

	case strings.HasPrefix(spec, "LABEL="):
		device = g.Labels()[unquote(strings.TrimPrefix(spec, "LABEL="))]

	case eddSpec.MatchString(spec) && t.eddDevice(spec) != nil:
		device = t.eddDevice(spec)

	case opts.Options != "" && hasOption("nodev", opts.Options):
		device = g.ByName(spec)

	default:
		device = t.resolvePath(spec, opts)
	}

	if device != nil && device.Kind.IsBTRFS() && opts.Options != "" {
		device = t.resolveSubvolume(device, opts.Options)
	}

	if device == nil {
		Log.Debugf("failed to resolve '%s'", spec)
		return NotFound()
	}

	Log.Debugf("resolved '%s' to '%s' (%s)", spec, device.Name, device.Type())

	return Found(device)
}

// eddDevice returns the disk with BIOS drive number spec.
func (t *Tree) eddDevice(spec string) *Device {
	s := strings.TrimPrefix(spec, "0x")
	if len(s) > 2 {
		s = s[:2]
	}

	n, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return nil
	}

	for name, num := range t.cfg.EDD {
		if int64(num) == n {
			return t.Graph.ByName(name)
		}
	}

	return nil
}

func (t *Tree) resolvePath(spec string, opts ResolveOptions) *Device {
	var device *Device

	g := t.Graph

	if !strings.HasPrefix(spec, "/dev/") {
		device = g.ByName(spec)
		if device == nil {
			spec = "/dev/" + spec
		}
	}

	if device == nil {
		if strings.HasPrefix(spec, "/dev/disk/") {
			if p, err := t.sys.RealPath(spec); err == nil {
				spec = p
			}
		}

		if strings.HasPrefix(spec, "/dev/dm-") {
			name, err := t.sys.DMNameFromNode(strings.TrimPrefix(spec, "/dev/"))
			if err != nil {
				Log.WithError(err).Infof("failed to resolve %s", spec)
			} else if name != "" {
				spec = "/dev/mapper/" + name
			}
		}

		if mdNodeSpec.MatchString(spec) {
			name, err := t.sys.MDNameFromNode(strings.TrimPrefix(spec, "/dev/"))
			if err != nil {
				Log.WithError(err).Infof("failed to resolve %s", spec)
			} else if name != "" {
				spec = "/dev/md/" + name
			}
		}

		device = g.ByPath(spec)
	}

	if device != nil {
		return device
	}

	if ent, ok := opts.BlkidTab[spec]; ok && ent["UUID"] != "" {
		Log.Debugf("found blkid.tab entry for '%s'", spec)

		device = g.ByUUID(ent["UUID"])
		if device != nil && device.Format.Kind == FormatLUKS {
			if mapped := g.ByName(device.Format.MapName); mapped != nil {
				device = mapped
			}
		}
	}

	switch {
	case device == nil && opts.CryptTab != nil && strings.HasPrefix(spec, "/dev/mapper/"):
		parts := strings.Split(spec, "/")

		if ent, ok := opts.CryptTab[parts[len(parts)-1]]; ok {
			luks := g.ByName(ent)
			if luks == nil {
				luks = g.ByPath(ent)
			}

			if luks != nil {
				if kids := g.Children(luks); len(kids) > 0 {
					device = kids[0]
				}
			}
		}

	case device == nil:
		vg, lv, ok := strings.Cut(strings.TrimPrefix(spec, "/dev/"), "/")
		if ok && lv != "" && !strings.Contains(lv, "/") {
			device = g.ByName(vg + "-" + lv)
		}
	}

	return device
}

// btrfsVolume returns the volume a btrfs device belongs to.
func (t *Tree) btrfsVolume(d *Device) *Device {
	for d != nil && d.Kind != KindBTRFSVolume {
		parents := t.Graph.ParentsOf(d)
		if len(parents) == 0 {
			return nil
		}

		d = parents[0]
	}

	return d
}

// Subvolumes returns the subvolumes and snapshots of the btrfs volume vol.
func (t *Tree) Subvolumes(vol *Device) []*Device {
	ret := []*Device{}

	for _, d := range t.Graph.All() {
		if (d.Kind == KindBTRFSSubVolume || d.Kind == KindBTRFSSnapshot) &&
			t.Graph.DependsOn(d, vol) {
			ret = append(ret, d)
		}
	}

	return ret
}

func (t *Tree) resolveSubvolume(device *Device, options string) *Device {
	vol := t.btrfsVolume(device)
	if vol == nil {
		return device
	}

	subvols := t.Subvolumes(vol)

	switch {
	case strings.Contains(options, "subvol="):
		// the kernel reports subvol=/home for the subvolume listed as home
		if val := strings.TrimPrefix(optionValue("subvol", options), "/"); val != "" {
			for _, sv := range subvols {
				if sv.Name == val {
					return sv
				}
			}
		}
	case strings.Contains(options, "subvolid="):
		id, err := strconv.Atoi(optionValue("subvolid", options))
		if err == nil {
			for _, sv := range subvols {
				if sv.Btrfs != nil && sv.Btrfs.VolID == id {
					return sv
				}
			}
		}
	case vol.Btrfs != nil && vol.Btrfs.DefaultSubVolume != 0:
		for _, sv := range subvols {
			if sv.Btrfs != nil && sv.Btrfs.VolID == vol.Btrfs.DefaultSubVolume {
				return sv
			}
		}
	}

	return vol
}
