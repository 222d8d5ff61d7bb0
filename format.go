package devtree

import "fmt"

// FormatKind enumerates the content formats a device may carry.
type FormatKind int

const (
	// FormatNone - no recognized format. This is the zero value.
	FormatNone FormatKind = iota

	// FormatDiskLabel - a partition table.
	FormatDiskLabel

	// FormatInvalidDiskLabel - a partition table that was found but cannot be used.
	FormatInvalidDiskLabel

	// FormatLUKS - a LUKS encrypted volume.
	FormatLUKS

	// FormatLVMPV - an lvm physical volume.
	FormatLVMPV

	// FormatMDMember - a member of an mdraid array.
	FormatMDMember

	// FormatDMRaidMember - a member of a dmraid BIOS raid set.
	FormatDMRaidMember

	// FormatMultipathMember - a path of a multipath device.
	FormatMultipathMember

	// FormatBTRFS - a btrfs member or subvolume.
	FormatBTRFS

	// FormatSwap - swap space.
	FormatSwap

	// FormatFS - any other filesystem, Type holds the signature.
	FormatFS

	// FormatEFI - an EFI system partition filesystem.
	FormatEFI

	// FormatMacEFI - an hfs+ Apple EFI system partition.
	FormatMacEFI

	// FormatAppleBoot - an Apple bootstrap partition.
	FormatAppleBoot

	// FormatISO9660 - an iso9660 image.
	FormatISO9660

	// FormatNoDev - a filesystem that is not backed by a block device.
	FormatNoDev
)

//nolint:gochecknoglobals
var formatTypes = map[FormatKind]string{
	FormatNone:             "",
	FormatDiskLabel:        "disklabel",
	FormatInvalidDiskLabel: "Invalid Disk Label",
	FormatLUKS:             "luks",
	FormatLVMPV:            "lvmpv",
	FormatMDMember:         "mdmember",
	FormatDMRaidMember:     "dmraidmember",
	FormatMultipathMember:  "multipath_member",
	FormatBTRFS:            "btrfs",
	FormatSwap:             "swap",
	FormatFS:               "fs",
	FormatEFI:              "efi",
	FormatMacEFI:           "macefi",
	FormatAppleBoot:        "appleboot",
	FormatISO9660:          "iso9660",
	FormatNoDev:            "nodev",
}

func (k FormatKind) String() string {
	if s, ok := formatTypes[k]; ok {
		return s
	}

	return fmt.Sprintf("FormatKind(%d)", int(k))
}

// Format is the interpretation of a device's content. A Device always holds
// a Format by value; the zero Format means "no format".
type Format struct {
	Kind FormatKind `json:"kind"`

	// Type is the signature reported for the content, eg 'ext4' or
	// 'crypto_LUKS'.  For FormatFS it is the filesystem type.
	Type string `json:"type,omitempty"`

	UUID   string `json:"uuid,omitempty"`
	Label  string `json:"label,omitempty"`
	Device string `json:"device,omitempty"`
	Serial string `json:"serial,omitempty"`
	Exists bool   `json:"exists"`

	// Mountpoint is where the filesystem is to be mounted, ActiveMountpoint
	// where it is mounted right now.
	Mountpoint       string `json:"mountpoint,omitempty"`
	ActiveMountpoint string `json:"activeMountpoint,omitempty"`
	MountOpts        string `json:"mountOpts,omitempty"`

	// disklabel
	LabelType string `json:"labelType,omitempty"`

	// luks
	MapName    string `json:"mapName,omitempty"`
	Passphrase string `json:"-"`
	Configured bool   `json:"-"`

	// mdmember
	MDUUID   string `json:"mdUuid,omitempty"`
	BiosRaid bool   `json:"biosRaid,omitempty"`

	// lvmpv
	VGName  string `json:"vgName,omitempty"`
	VGUUID  string `json:"vgUuid,omitempty"`
	PEStart uint64 `json:"peStart,omitempty"`

	// btrfs
	VolUUID string `json:"volUuid,omitempty"`
}

// TypeName returns the short type name of the format, eg 'lvmpv' or 'ext4'.
func (f Format) TypeName() string {
	if f.Kind == FormatFS {
		return f.Type
	}

	return f.Kind.String()
}

// Hidden returns true for formats whose device is consumed by an aggregate
// that represents it (multipath paths, firmware raid members).
func (f Format) Hidden() bool {
	switch f.Kind {
	case FormatMultipathMember, FormatDMRaidMember:
		return true
	case FormatMDMember:
		return f.BiosRaid
	}

	return false
}

// IsFilesystem returns true if the format can be mounted.
func (f Format) IsFilesystem() bool {
	switch f.Kind {
	case FormatBTRFS, FormatFS, FormatEFI, FormatMacEFI, FormatAppleBoot,
		FormatISO9660, FormatNoDev:
		return true
	}

	return false
}

// Size limits for the boot-related formats that are recognized by size.
const (
	efiMinSize       = 50 * Mebibyte
	efiMaxSize       = 2 * Gibibyte
	macEFIMinSize    = 50 * Mebibyte
	macEFIMaxSize    = 300 * Mebibyte
	appleBootMinSize = 800 * Kibibyte
	appleBootMaxSize = 1 * Mebibyte

	// MacEFIName is the partition name used for an Apple EFI system partition.
	MacEFIName = "Linux HFS+ ESP"
)

// md and firmware raid member signatures as reported by blkid.
//
//nolint:gochecknoglobals
var (
	mdMemberTypes = []string{"linux_raid_member", "isw_raid_member", "ddf_raid_member"}

	biosRaidMemberTypes = []string{
		"adaptec_raid_member", "ddf_raid_member", "hpt37x_raid_member",
		"hpt45x_raid_member", "isw_raid_member", "jmicron_raid_member",
		"lsi_mega_raid_member", "nvidia_raid_member",
		"promise_fasttrack_raid_member", "silicon_medley_raid_member",
		"via_raid_member",
	}
)

func containsString(list []string, s string) bool {
	for _, i := range list {
		if i == s {
			return true
		}
	}

	return false
}
