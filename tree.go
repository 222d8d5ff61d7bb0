package devtree

import "sort"

// Tree is the device tree engine. It owns the device graph and the action
// queue and keeps them in sync with the system it was created for.
type Tree struct {
	Graph   *DeviceGraph
	Actions *ActionQueue

	sys    System
	cfg    Config
	filter *LVMFilter
	lvm    *lvmInfo

	exclusiveDisks []string
	ignoredDisks   []string
	diskImages     map[string]string

	// passphrases is every passphrase that may open a LUKS device, in the
	// order they are tried. luksDevs maps a LUKS uuid to the passphrase
	// that opened it, or to "" for a device that could not be opened.
	passphrases []string
	luksDevs    map[string]string

	protectedDevNames []string
	liveBackingDevice string

	cleanup   bool
	populated bool

	// raidSets are the dmraid sets that have been activated.
	raidSets map[string]bool
}

// New returns an empty tree for sys configured by cfg.
func New(sys System, cfg Config) *Tree {
	t := &Tree{sys: sys, filter: NewLVMFilter()}
	t.lvm = newLVMInfo(sys, t.filter)
	t.Graph = NewDeviceGraph()
	t.Actions = NewActionQueue(t.Graph)

	if ga, ok := sys.(GraphAware); ok {
		ga.BindGraph(t.Graph)
	}

	t.Reset(cfg)

	return t
}

// Reset drops every device and action and takes on cfg.
func (t *Tree) Reset(cfg Config) {
	cfg.fill()
	t.cfg = cfg

	t.Graph.reset()
	t.Actions.reset()

	t.exclusiveDisks = append([]string{}, cfg.ExclusiveDisks...)
	t.ignoredDisks = append([]string{}, cfg.IgnoredDisks...)
	t.diskImages = map[string]string{}

	if len(cfg.DiskImages) > 0 {
		t.SetDiskImages(cfg.DiskImages)
	}

	t.protectedDevNames = []string{}
	t.liveBackingDevice = ""
	t.raidSets = map[string]bool{}

	t.DropLVMCache()

	t.passphrases = []string{}
	if cfg.Passphrase != "" {
		t.passphrases = append(t.passphrases, cfg.Passphrase)
	}

	t.luksDevs = map[string]string{}
	uuids := make([]string, 0, len(cfg.LUKSPassphrases))

	for uuid := range cfg.LUKSPassphrases {
		uuids = append(uuids, uuid)
	}

	sort.Strings(uuids)

	for _, uuid := range uuids {
		p := cfg.LUKSPassphrases[uuid]
		t.luksDevs[uuid] = p

		if p != "" {
			t.passphrases = append(t.passphrases, p)
		}
	}

	t.filter.Reset()

	t.cleanup = false
	t.populated = false
}

// Config returns the configuration the tree was last reset with.
func (t *Tree) Config() Config {
	return t.cfg
}

// System returns the system the tree works on.
func (t *Tree) System() System {
	return t.sys
}

// Filter returns the lvm filter of the tree.
func (t *Tree) Filter() *LVMFilter {
	return t.filter
}

// Populated returns true once Populate has finished scanning.
func (t *Tree) Populated() bool {
	return t.populated
}

// SetDiskImages sets the disk images. Disk images are exclusive, so any
// disk not backed by an image is left out of the tree.
func (t *Tree) SetDiskImages(images map[string]string) {
	t.diskImages = map[string]string{}
	t.exclusiveDisks = []string{}

	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		t.diskImages[name] = images[name]
		t.exclusiveDisks = append(t.exclusiveDisks, name)
	}
}

// ExclusiveDisks returns the disks the tree is limited to.
func (t *Tree) ExclusiveDisks() []string {
	return append([]string{}, t.exclusiveDisks...)
}

// IgnoredDisks returns the disks left out of the tree.
func (t *Tree) IgnoredDisks() []string {
	return append([]string{}, t.ignoredDisks...)
}

// AddIgnoredDisk leaves disk out of the tree and hides it from lvm.
func (t *Tree) AddIgnoredDisk(disk string) {
	if !containsString(t.ignoredDisks, disk) {
		t.ignoredDisks = append(t.ignoredDisks, disk)
	}

	t.filter.AddReject(disk)
}

// DropLVMCache forgets the cached pv and lv reports.
func (t *Tree) DropLVMCache() {
	t.lvm.drop()
}

// ProtectedDevNames returns the names of the protected devices.
func (t *Tree) ProtectedDevNames() []string {
	return append([]string{}, t.protectedDevNames...)
}

// LiveBackingDevice returns the name of the device holding the live image,
// or "".
func (t *Tree) LiveBackingDevice() string {
	return t.liveBackingDevice
}

// RegisterAction applies a and adds it to the queue.
func (t *Tree) RegisterAction(a *Action) error {
	return t.Actions.Register(a)
}

// CancelAction reverts a and removes it from the queue.
func (t *Tree) CancelAction(a *Action) error {
	return t.Actions.Cancel(a)
}

// Devices returns the complete visible devices.
func (t *Tree) Devices() ([]*Device, error) {
	return t.Graph.Devices()
}

// savePassphrase remembers p as the passphrase for the LUKS device d.
func (t *Tree) savePassphrase(d *Device, p string) {
	if d.Format.UUID != "" {
		t.luksDevs[d.Format.UUID] = p
	}

	if !containsString(t.passphrases, p) {
		t.passphrases = append(t.passphrases, p)
	}
}
