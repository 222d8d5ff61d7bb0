package devtree

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

// DeviceInfo captures what the kernel and udev report about a block device.
type DeviceInfo struct {
	// Name is the kernel name of the device, eg 'sda1' or 'dm-0'.
	Name string `json:"name"`

	// SysPath is the sysfs path of this device without the /sys prefix,
	// eg /devices/pci0000:00/.../block/sda.
	SysPath string `json:"sysPath"`

	// Symlinks for the device.
	Symlinks []string `json:"symlinks,omitempty"`

	// Properties is udev information as a map of key, value pairs.
	Properties map[string]string `json:"properties"`

	// Attributes are sysfs attributes of the device, eg 'ro', 'size' or
	// 'loop/backing_file'.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Slaves are the sysfs paths of the devices this device is built on.
	Slaves []string `json:"slaves,omitempty"`
}

// Prop returns the udev property key, or "" if it is not set.
func (i DeviceInfo) Prop(key string) string {
	if i.Properties == nil {
		return ""
	}

	return i.Properties[key]
}

// Attr returns the sysfs attribute name, or "" if it is not set.
func (i DeviceInfo) Attr(name string) string {
	if i.Attributes == nil {
		return ""
	}

	return strings.TrimSpace(i.Attributes[name])
}

// Has returns true if the udev property key is present.
func (i DeviceInfo) Has(key string) bool {
	_, ok := i.Properties[key]
	return ok
}

// Merge copies props into the record's properties, overwriting existing keys.
func (i *DeviceInfo) Merge(props map[string]string) {
	if i.Properties == nil {
		i.Properties = map[string]string{}
	}

	for k, v := range props {
		i.Properties[k] = v
	}
}

// Copy returns a deep copy of the record.
func (i DeviceInfo) Copy() DeviceInfo {
	n := DeviceInfo{
		Name:     i.Name,
		SysPath:  i.SysPath,
		Symlinks: append([]string{}, i.Symlinks...),
		Slaves:   append([]string{}, i.Slaves...),
	}
	n.Merge(i.Properties)

	if i.Attributes != nil {
		n.Attributes = map[string]string{}
		for k, v := range i.Attributes {
			n.Attributes[k] = v
		}
	}

	return n
}

func (i DeviceInfo) dmUUID() string {
	return i.Prop("DM_UUID")
}

// IsDM returns true for device-mapper devices.
func (i DeviceInfo) IsDM() bool {
	return i.Has("DM_NAME")
}

// DMName returns the device-mapper map name.
func (i DeviceInfo) DMName() string {
	return i.Prop("DM_NAME")
}

// IsDMLVM returns true for lvm logical volumes.
func (i DeviceInfo) IsDMLVM() bool {
	return i.IsDM() && strings.HasPrefix(i.dmUUID(), "LVM-")
}

// IsDMCrypt returns true for dm-crypt maps.
func (i DeviceInfo) IsDMCrypt() bool {
	return i.IsDM() && strings.HasPrefix(i.dmUUID(), "CRYPT-")
}

// IsDMLUKS returns true for LUKS dm-crypt maps.
func (i DeviceInfo) IsDMLUKS() bool {
	return i.IsDM() && strings.HasPrefix(i.dmUUID(), "CRYPT-LUKS")
}

// IsDMRaid returns true for dmraid sets.
func (i DeviceInfo) IsDMRaid() bool {
	return i.IsDM() && strings.HasPrefix(i.dmUUID(), "DMRAID-")
}

// IsDMMultipath returns true for multipath maps.
func (i DeviceInfo) IsDMMultipath() bool {
	return i.IsDM() && strings.HasPrefix(i.dmUUID(), "mpath-")
}

var dmPartitionUUID = regexp.MustCompile(`^part\d+-`) //nolint:gochecknoglobals

// IsDMPartition returns true for partitions on device-mapper devices.
func (i DeviceInfo) IsDMPartition() bool {
	return i.IsDM() && dmPartitionUUID.MatchString(i.dmUUID())
}

var dmPartitionSuffix = regexp.MustCompile(`p?\d+$`) //nolint:gochecknoglobals

// DMPartitionDisk returns the map name of the device holding a dm partition.
func (i DeviceInfo) DMPartitionDisk() string {
	return dmPartitionSuffix.ReplaceAllString(i.DMName(), "")
}

// IsDMLiveCD returns true for the maps of a live image.
func (i DeviceInfo) IsDMLiveCD() bool {
	name := i.DMName()
	return i.IsDM() && (name == "live-rw" || name == "live-base")
}

// IsDMDiskImage returns true for maps created for disk images.
func (i DeviceInfo) IsDMDiskImage() bool {
	return i.IsDM() && strings.HasPrefix(i.dmUUID(), "DEVTREE-")
}

// IsMD returns true for mdraid arrays and containers.
func (i DeviceInfo) IsMD() bool {
	return i.Has("MD_LEVEL") && i.Prop("DEVTYPE") != "partition"
}

// MDLevel returns the raid level, eg 'raid1' or 'container'.
func (i DeviceInfo) MDLevel() string {
	return i.Prop("MD_LEVEL")
}

// MDUUID returns the array uuid.
func (i DeviceInfo) MDUUID() string {
	return i.Prop("MD_UUID")
}

// MDName returns the name of the array as it appears under /dev/md.
func (i DeviceInfo) MDName() string {
	if n := i.Prop("MD_DEVNAME"); n != "" {
		return n
	}

	return ""
}

// MDContainer returns the device path of the container the array lives
// in, or "".
func (i DeviceInfo) MDContainer() string {
	return i.Prop("MD_CONTAINER")
}

// MDDevices returns the number of member devices of the array.
func (i DeviceInfo) MDDevices() (int, error) {
	return strconv.Atoi(i.Prop("MD_DEVICES"))
}

// IsCDROM returns true for optical drives.
func (i DeviceInfo) IsCDROM() bool {
	return i.Prop("ID_CDROM") == "1"
}

// IsLoop returns true for loop devices.
func (i DeviceInfo) IsLoop() bool {
	return strings.HasPrefix(i.Name, "loop")
}

// IsPartition returns true for partitions.
func (i DeviceInfo) IsPartition() bool {
	return i.Prop("DEVTYPE") == "partition"
}

// IsDisk returns true for whole block devices other than optical drives.
// Many things look like disks to the kernel, see Tree.isDiskRecord.
func (i DeviceInfo) IsDisk() bool {
	return i.Prop("DEVTYPE") == "disk" && !i.IsCDROM()
}

// IsBiosRaidMember returns true for members of a firmware raid set.
func (i DeviceInfo) IsBiosRaidMember() bool {
	return containsString(biosRaidMemberTypes, i.FormatType())
}

// IsMultipathMember returns true for a path of a multipath device.
func (i DeviceInfo) IsMultipathMember() bool {
	return i.FormatType() == "multipath_member" ||
		i.Prop("DM_MULTIPATH_DEVICE_PATH") == "1"
}

// IsISCSI returns true for disks attached over iSCSI.
func (i DeviceInfo) IsISCSI() bool {
	return strings.Contains(i.Prop("ID_PATH"), "-iscsi-")
}

// IsFCoE returns true for disks attached over FCoE.
func (i DeviceInfo) IsFCoE() bool {
	return strings.Contains(i.Prop("ID_PATH"), "-fc-") && i.Attr("fcoe/nic") != ""
}

// IsDASD returns true for s390 DASDs.
func (i DeviceInfo) IsDASD() bool {
	return strings.HasPrefix(i.Name, "dasd")
}

// IsZFCP returns true for s390 zFCP disks.
func (i DeviceInfo) IsZFCP() bool {
	return strings.Contains(i.Prop("ID_PATH"), "-zfcp-")
}

// DASDBusID returns the ccw bus id of a DASD.
func (i DeviceInfo) DASDBusID() string {
	return strings.TrimPrefix(i.Prop("ID_PATH"), "ccw-")
}

// FormatType returns the content signature, eg 'ext4'.
func (i DeviceInfo) FormatType() string {
	return i.Prop("ID_FS_TYPE")
}

// UUID returns the content uuid.
func (i DeviceInfo) UUID() string {
	return i.Prop("ID_FS_UUID")
}

// Label returns the content label.
func (i DeviceInfo) Label() string {
	return i.Prop("ID_FS_LABEL")
}

// Serial returns the device serial.
func (i DeviceInfo) Serial() string {
	for _, k := range []string{"ID_SERIAL_RAW", "ID_SERIAL_SHORT", "ID_SERIAL"} {
		if v := i.Prop(k); v != "" {
			return v
		}
	}

	return ""
}

// Vendor returns the device vendor.
func (i DeviceInfo) Vendor() string {
	if v := i.Prop("ID_VENDOR_FROM_DATABASE"); v != "" {
		return v
	}

	return i.Prop("ID_VENDOR")
}

// Model returns the device model.
func (i DeviceInfo) Model() string {
	if v := i.Prop("ID_MODEL_FROM_DATABASE"); v != "" {
		return v
	}

	return i.Prop("ID_MODEL")
}

// Bus returns the bus the device is attached to.
func (i DeviceInfo) Bus() string {
	return i.Prop("ID_BUS")
}

// DiskLabelType returns the partition table type, or "".
func (i DeviceInfo) DiskLabelType() string {
	return i.Prop("ID_PART_TABLE_TYPE")
}

// Major returns the major device number.
func (i DeviceInfo) Major() int {
	n, _ := strconv.Atoi(i.Prop("MAJOR"))
	return n
}

// Minor returns the minor device number.
func (i DeviceInfo) Minor() int {
	n, _ := strconv.Atoi(i.Prop("MINOR"))
	return n
}

// Size returns the size in bytes from the sysfs 'size' attribute.
func (i DeviceInfo) Size() uint64 {
	n, err := strconv.ParseUint(i.Attr("size"), 10, 64)
	if err != nil {
		return 0
	}

	return n * 512 //nolint:gomnd
}

// ReadOnly returns true if the kernel reports the device read only.
func (i DeviceInfo) ReadOnly() bool {
	return i.Attr("ro") == "1"
}

// LVVGName returns the volume group name of an lvm logical volume.
func (i DeviceInfo) LVVGName() string {
	return i.Prop("DM_VG_NAME")
}

// ParentSysPath returns the sysfs path of the directory holding this
// device, which for a partition is its disk.
func (i DeviceInfo) ParentSysPath() string {
	return path.Dir(i.SysPath)
}
