// Package partid holds well known GPT partition type GUIDs.
package partid

// The GUIDs are in on-disk byte order.
//
//nolint:gochecknoglobals
var (
	// EFI - EFI System Partition
	EFI = [16]byte{0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
		0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b}

	// BIOSBoot - BIOS boot partition for grub on gpt
	BIOSBoot = [16]byte{0x48, 0x61, 0x68, 0x21, 0x49, 0x64, 0x6f, 0x6e,
		0x74, 0x4e, 0x65, 0x65, 0x64, 0x45, 0x46, 0x49}

	// LinuxFS - Linux filesystem data
	LinuxFS = [16]byte{0xaf, 0x3d, 0xc6, 0x0f, 0x83, 0x84, 0x72, 0x47,
		0x8e, 0x79, 0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4}

	// LinuxLVM - Linux LVM physical volume
	LinuxLVM = [16]byte{0x79, 0xd3, 0xd6, 0xe6, 0x07, 0xf5, 0xc2, 0x44,
		0xa2, 0x3c, 0x23, 0x8f, 0x2a, 0x3d, 0xf9, 0x28}

	// LinuxRAID - Linux software raid member
	LinuxRAID = [16]byte{0x0f, 0x88, 0x9d, 0xa1, 0xfc, 0x05, 0x3b, 0x4d,
		0xa0, 0x06, 0x74, 0x3f, 0x0f, 0x84, 0x91, 0x1e}

	// LinuxSwap - Linux swap
	LinuxSwap = [16]byte{0x6d, 0xfd, 0x57, 0x06, 0xab, 0xa4, 0xc4, 0x43,
		0x84, 0xe5, 0x09, 0x33, 0xc8, 0x4b, 0x4f, 0x4f}

	// AppleHFS - Apple HFS+
	AppleHFS = [16]byte{0x00, 0x53, 0x46, 0x48, 0x00, 0x00, 0xaa, 0x11,
		0xaa, 0x11, 0x00, 0x30, 0x65, 0x43, 0xec, 0xac}

	// AppleBoot - Apple boot partition
	AppleBoot = [16]byte{0x74, 0x6f, 0x6f, 0x42, 0x00, 0x00, 0xaa, 0x11,
		0xaa, 0x11, 0x00, 0x30, 0x65, 0x43, 0xec, 0xac}
)

// Text is a short human readable name for each type.
//
//nolint:gochecknoglobals
var Text = map[[16]byte]string{
	EFI:       "EFI",
	BIOSBoot:  "BIOS-Boot",
	LinuxFS:   "Linux-FS",
	LinuxLVM:  "LVM",
	LinuxRAID: "RAID",
	LinuxSwap: "Swap",
	AppleHFS:  "Apple-HFS",
	AppleBoot: "Apple-Boot",
}

// Bootable returns true for partition types firmware boots from. These
// carry the boot flag implicitly.
func Bootable(id [16]byte) bool {
	return id == EFI || id == AppleBoot
}
