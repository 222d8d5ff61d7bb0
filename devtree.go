// Package devtree models the block storage topology of a machine as a graph
// of devices and mediates changes to it through a queue of actions.
package devtree

import "fmt"

// DeviceKind enumerates the supported device types.
type DeviceKind int

const (
	// KindDisk - a plain disk.
	KindDisk DeviceKind = iota

	// KindISCSI - a disk attached over iSCSI.
	KindISCSI

	// KindFCoE - a disk attached over Fibre Channel over Ethernet.
	KindFCoE

	// KindDASD - an s390 direct access storage device.
	KindDASD

	// KindZFCP - an s390 zFCP attached disk.
	KindZFCP

	// KindPartition - a partition on a disk like device.
	KindPartition

	// KindFile - a regular file, used as a loop device backing store.
	KindFile

	// KindLoop - a loop device.
	KindLoop

	// KindDM - a generic device-mapper device.
	KindDM

	// KindDMLinear - a device-mapper linear map.
	KindDMLinear

	// KindMultipath - a device-mapper multipath device.
	KindMultipath

	// KindDMRaidArray - a BIOS raid set activated with dmraid.
	KindDMRaidArray

	// KindMDArray - an mdraid array.
	KindMDArray

	// KindMDContainer - an mdraid container holding external metadata.
	KindMDContainer

	// KindMDBiosRaidArray - an mdraid array living inside a container.
	KindMDBiosRaidArray

	// KindLUKS - the mapped (open) side of a LUKS device.
	KindLUKS

	// KindLVMVG - an lvm volume group.
	KindLVMVG

	// KindLVMLV - an lvm logical volume.
	KindLVMLV

	// KindLVMSnapshot - an lvm snapshot volume.
	KindLVMSnapshot

	// KindLVMThinPool - an lvm thin pool.
	KindLVMThinPool

	// KindLVMThinLV - an lvm thin volume.
	KindLVMThinLV

	// KindLVMThinSnapshot - a snapshot of an lvm thin volume.
	KindLVMThinSnapshot

	// KindOptical - an optical drive.
	KindOptical

	// KindBTRFSVolume - a btrfs volume spanning one or more member devices.
	KindBTRFSVolume

	// KindBTRFSSubVolume - a btrfs subvolume.
	KindBTRFSSubVolume

	// KindBTRFSSnapshot - a btrfs snapshot.
	KindBTRFSSnapshot

	// KindNoDevice - a placeholder for filesystems without a backing device.
	KindNoDevice
)

//nolint:gochecknoglobals
var kindTypes = map[DeviceKind]string{
	KindDisk:            "disk",
	KindISCSI:           "iscsi",
	KindFCoE:            "fcoe",
	KindDASD:            "dasd",
	KindZFCP:            "zfcp",
	KindPartition:       "partition",
	KindFile:            "file",
	KindLoop:            "loop",
	KindDM:              "dm",
	KindDMLinear:        "dm-linear",
	KindMultipath:       "dm-multipath",
	KindDMRaidArray:     "dm-raid array",
	KindMDArray:         "mdarray",
	KindMDContainer:     "mdcontainer",
	KindMDBiosRaidArray: "mdbiosraidarray",
	KindLUKS:            "luks/dm-crypt",
	KindLVMVG:           "lvmvg",
	KindLVMLV:           "lvmlv",
	KindLVMSnapshot:     "lvmsnapshot",
	KindLVMThinPool:     "lvmthinpool",
	KindLVMThinLV:       "lvmthinlv",
	KindLVMThinSnapshot: "lvmthinsnapshot",
	KindOptical:         "cdrom",
	KindBTRFSVolume:     "btrfs volume",
	KindBTRFSSubVolume:  "btrfs subvolume",
	KindBTRFSSnapshot:   "btrfs snapshot",
	KindNoDevice:        "nodev",
}

// Type returns the type string of the kind, eg 'lvmlv' or 'btrfs volume'.
func (k DeviceKind) Type() string {
	if s, ok := kindTypes[k]; ok {
		return s
	}

	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

func (k DeviceKind) String() string {
	return k.Type()
}

// KindFromType returns the DeviceKind with the given type string.
func KindFromType(t string) (DeviceKind, bool) {
	for k, s := range kindTypes {
		if s == t {
			return k, true
		}
	}

	return KindDisk, false
}

// IsDisk returns true for kinds that are directly usable disks: plain
// disks, firmware raid sets and multipath devices.
func (k DeviceKind) IsDisk() bool {
	switch k {
	case KindDisk, KindISCSI, KindFCoE, KindDASD, KindZFCP,
		KindMultipath, KindDMRaidArray, KindMDBiosRaidArray:
		return true
	}

	return false
}

// Partitionable returns true if a disklabel on this kind may hold partitions.
func (k DeviceKind) Partitionable() bool {
	switch k {
	case KindDisk, KindISCSI, KindFCoE, KindDASD, KindZFCP,
		KindMultipath, KindDMRaidArray, KindMDArray, KindMDBiosRaidArray:
		return true
	}

	return false
}

// IsDM returns true for kinds backed by a device-mapper map.
func (k DeviceKind) IsDM() bool {
	switch k {
	case KindDM, KindDMLinear, KindMultipath, KindDMRaidArray, KindLUKS,
		KindLVMLV, KindLVMSnapshot, KindLVMThinPool, KindLVMThinLV,
		KindLVMThinSnapshot:
		return true
	}

	return false
}

// IsMD returns true for mdraid kinds.
func (k DeviceKind) IsMD() bool {
	return k == KindMDArray || k == KindMDContainer || k == KindMDBiosRaidArray
}

// IsLV returns true for every kind of lvm logical volume.
func (k DeviceKind) IsLV() bool {
	switch k {
	case KindLVMLV, KindLVMSnapshot, KindLVMThinPool, KindLVMThinLV,
		KindLVMThinSnapshot:
		return true
	}

	return false
}

// IsBTRFS returns true for the btrfs volume, subvolume and snapshot kinds.
func (k DeviceKind) IsBTRFS() bool {
	return k == KindBTRFSVolume || k == KindBTRFSSubVolume || k == KindBTRFSSnapshot
}

// UUIDExempt returns true for kinds excluded from the unique uuid rule.
func (k DeviceKind) UUIDExempt() bool {
	return k == KindNoDevice
}

const (
	// Kibibyte is 1024 bytes
	Kibibyte = 1024

	// Mebibyte is 1024 Kibibytes
	Mebibyte = Kibibyte * 1024

	// Gibibyte is 1024 Mebibytes
	Gibibyte = Mebibyte * 1024
)
