package devtree

// Enumerator lists the block device records known to the kernel.
type Enumerator interface {
	// Records returns a record for every block device on the system.
	Records() ([]DeviceInfo, error)

	// Record returns the record with the given sysfs path. It returns
	// ErrNotFound if there is no such device.
	Record(sysPath string) (DeviceInfo, error)

	// Settle waits for pending device events to be processed.
	Settle() error
}

// RaidSet is a firmware raid set as reported by dmraid.
type RaidSet struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// SubvolInfo describes a btrfs subvolume.
type SubvolInfo struct {
	ID       int    `json:"id"`
	Parent   int    `json:"parent"`
	Path     string `json:"path"`
	Snapshot bool   `json:"snapshot,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// Prober queries subsystems for information the device records do not
// carry.
type Prober interface {
	// PVs returns the lvm physical volumes visible through filter.
	PVs(filter *LVMFilter) ([]PVInfo, error)

	// LVs returns the lvm logical volumes visible through filter,
	// including hidden and internal volumes.
	LVs(filter *LVMFilter) ([]LVInfo, error)

	// MDExamine returns the md superblock of the member at devPath as
	// udev style MD_* properties.
	MDExamine(devPath string) (map[string]string, error)

	// MDNameFromNode returns the /dev/md name for a node like 'md127'.
	MDNameFromNode(node string) (string, error)

	// DMNameFromNode returns the map name for a node like 'dm-3'.
	DMNameFromNode(node string) (string, error)

	// LoopBackingFile returns the backing file of loop device name, or ""
	// if it has none.
	LoopBackingFile(name string) string

	// LoopName returns the name of the loop device backed by file, or "".
	LoopName(file string) string

	// IsMultipathMember returns true if the device at devPath is a path of
	// a multipath device.
	IsMultipathMember(devPath string) bool

	// RaidSets returns the dmraid sets the member described by info
	// belongs to.
	RaidSets(info DeviceInfo) ([]RaidSet, error)

	// BtrfsSubvolumes lists the subvolumes of the btrfs volume vol.
	BtrfsSubvolumes(vol *Device) ([]SubvolInfo, error)

	// ProbeDiskLabel checks the disklabel on d. It returns
	// ErrInvalidDiskLabel if a label is present but unusable.
	ProbeDiskLabel(d *Device, labelType string) error

	// MountTable returns the contents of the active mount table in fstab
	// format.
	MountTable() ([]byte, error)

	// RealPath resolves symlinks in p.
	RealPath(p string) (string, error)

	// ResolveDevSpec returns the kernel name for a device specifier like
	// 'UUID=...' or '/dev/disk/by-id/...', or "".
	ResolveDevSpec(spec string) string
}

// Capability performs setup and teardown of devices.
type Capability interface {
	Setup(d *Device) error
	Teardown(d *Device, recursive bool) error

	// Status returns true if the device is active.
	Status(d *Device) bool

	// FormatStatus returns true if the device's format is active, eg an
	// open LUKS map or a mounted filesystem.
	FormatStatus(d *Device) bool

	MediaPresent(d *Device) bool

	// OpenLUKS opens the LUKS format of d as d.Format.MapName.
	OpenLUKS(d *Device, passphrase string) error

	ActivateRaidSet(rs RaidSet) error
	DeactivateMD(path string) error

	// SysfsPath returns the current sysfs path of an active device.
	SysfsPath(d *Device) (string, error)
}

// Executor commits actions to the system.
type Executor interface {
	// Execute commits a. It returns an error wrapping ErrDiskLabelCommit if
	// a disklabel could not be written because the disk is in use.
	Execute(a *Action) error

	// PreCommitFixup gives d a chance to adjust itself before any action
	// is executed.
	PreCommitFixup(d *Device, mountpoints []string) error

	// RefreshDiskLabel drops any cached partition table of d.
	RefreshDiskLabel(d *Device) error

	// PartitionName returns the current kernel name of partition d.
	PartitionName(d *Device, disk *Device) string
}

// System provides everything the device tree needs from the machine.
type System interface {
	Enumerator
	Prober
	Capability
	Executor
}

// GraphAware is implemented by systems that need to look up the parents of
// the devices they are handed. New binds the tree's graph to them.
type GraphAware interface {
	BindGraph(g *DeviceGraph)
}
