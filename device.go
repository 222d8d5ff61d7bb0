package devtree

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// PartitionAttrs holds partition specific device data.
type PartitionAttrs struct {
	Number   int    `json:"number"`
	Bootable bool   `json:"bootable"`
	Name     string `json:"name,omitempty"`
	Extended bool   `json:"extended,omitempty"`
	Logical  bool   `json:"logical,omitempty"`
}

// MDAttrs holds mdraid array data.
type MDAttrs struct {
	Level           string `json:"level"`
	MemberDevices   int    `json:"memberDevices"`
	MetadataVersion string `json:"metadataVersion,omitempty"`
}

// VGAttrs holds lvm volume group data.
type VGAttrs struct {
	Free    uint64 `json:"free"`
	PESize  uint64 `json:"peSize"`
	PECount uint64 `json:"peCount"`
	PEFree  uint64 `json:"peFree"`
	PVCount int    `json:"pvCount"`
}

// LVAttrs holds lvm logical volume data. Origin is the device id of the
// origin volume of a snapshot, or -1.
type LVAttrs struct {
	LVName       string `json:"lvName"`
	SegType      string `json:"segType,omitempty"`
	Origin       int    `json:"origin"`
	VOrigin      bool   `json:"vorigin,omitempty"`
	Copies       int    `json:"copies"`
	LogSize      uint64 `json:"logSize,omitempty"`
	MetaDataSize uint64 `json:"metaDataSize,omitempty"`
}

// BtrfsAttrs holds btrfs volume and subvolume data.
type BtrfsAttrs struct {
	VolID int `json:"volId"`

	// DefaultSubVolume is the vol id of the default subvolume of a volume,
	// 0 when unknown.
	DefaultSubVolume int `json:"defaultSubVolume,omitempty"`
}

// Device is a node in the device graph. Devices are created by
// DeviceGraph.NewDevice and refer to their parents by id.
type Device struct {
	ID        int        `json:"id"`
	Kind      DeviceKind `json:"kind"`
	Name      string     `json:"name"`
	UUID      string     `json:"uuid,omitempty"`
	Serial    string     `json:"serial,omitempty"`
	Vendor    string     `json:"vendor,omitempty"`
	Model     string     `json:"model,omitempty"`
	Bus       string     `json:"bus,omitempty"`
	SysfsPath string     `json:"sysfsPath,omitempty"`
	Major     int        `json:"major,omitempty"`
	Minor     int        `json:"minor,omitempty"`
	Size      uint64     `json:"size"`
	Parents   []int      `json:"parents"`

	Exists       bool `json:"exists"`
	Protected    bool `json:"protected"`
	Controllable bool `json:"controllable"`

	Format         Format   `json:"format"`
	OriginalFormat Format   `json:"-"`
	DeviceLinks    []string `json:"deviceLinks,omitempty"`

	// Attrs are kind specific key/value attributes: iscsi, fcoe, dasd and
	// zfcp settings, dm uuid.
	Attrs map[string]string `json:"attrs,omitempty"`

	Part  *PartitionAttrs `json:"partition,omitempty"`
	MD    *MDAttrs        `json:"md,omitempty"`
	VG    *VGAttrs        `json:"vg,omitempty"`
	LV    *LVAttrs        `json:"lv,omitempty"`
	Btrfs *BtrfsAttrs     `json:"btrfs,omitempty"`

	kids int

	// path overrides the kind derived device node path.
	path string
}

// Type returns the type string of the device, eg 'lvmlv'.
func (d *Device) Type() string {
	return d.Kind.Type()
}

// Kids returns the number of visible devices that have d as a parent.
func (d *Device) Kids() int {
	return d.kids
}

// IsLeaf returns true if no visible device is built on d.
func (d *Device) IsLeaf() bool {
	return d.kids == 0
}

// IsDisk returns true if the device is a directly usable disk.
func (d *Device) IsDisk() bool {
	return d.Kind.IsDisk()
}

// Partitionable returns true if a disklabel on the device holds partitions.
func (d *Device) Partitionable() bool {
	return d.Kind.Partitionable()
}

// Partitioned returns true if the device carries a usable disklabel.
func (d *Device) Partitioned() bool {
	return d.Format.Kind == FormatDiskLabel && d.Partitionable()
}

// IsExtended returns true for an msdos extended partition.
func (d *Device) IsExtended() bool {
	return d.Kind == KindPartition && d.Part != nil && d.Part.Extended
}

// HasParent returns true if id is one of the device's parents.
func (d *Device) HasParent(id int) bool {
	for _, p := range d.Parents {
		if p == id {
			return true
		}
	}

	return false
}

// MapName returns the device-mapper name of the device. lvm doubles any
// dash in the vg and lv names when building the map name.
func (d *Device) MapName() string {
	if d.Kind.IsLV() && d.LV != nil {
		vg := strings.TrimSuffix(d.Name, "-"+d.LV.LVName)
		return strings.ReplaceAll(vg, "-", "--") + "-" +
			strings.ReplaceAll(d.LV.LVName, "-", "--")
	}

	return d.Name
}

// Path returns the device node path of the device.
func (d *Device) Path() string {
	if d.path != "" {
		return d.path
	}

	switch {
	case d.Kind == KindFile:
		return d.Name
	case d.Kind == KindNoDevice:
		return d.Name
	case d.Kind.IsDM():
		return path.Join("/dev/mapper", d.MapName())
	case d.Kind.IsMD():
		return path.Join("/dev/md", d.Name)
	}

	return path.Join("/dev", d.Name)
}

// SetPath overrides the kind derived device node path.
func (d *Device) SetPath(p string) {
	d.path = p
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %s (id %d) size=%s exists=%t format=%s",
		d.Type(), d.Name, d.ID, humanize.IBytes(d.Size), d.Exists,
		d.Format.TypeName())
}

// partitionName returns the kernel name of partition number n of disk.
// Disks whose names end in a digit get a 'p' separator, eg nvme0n1p1.
func partitionName(disk string, n int) string {
	if disk != "" && disk[len(disk)-1] >= '0' && disk[len(disk)-1] <= '9' {
		return disk + "p" + strconv.Itoa(n)
	}

	return disk + strconv.Itoa(n)
}
