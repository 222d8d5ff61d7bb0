package devtree

import "github.com/pkg/errors"

// Structural errors. These are never absorbed by the engine.
var (
	ErrDuplicateUUID   = errors.New("duplicate uuids in device tree")
	ErrParentNotInTree = errors.New("parent device not in tree")
	ErrNotInTree       = errors.New("device is not in the tree")
	ErrAlreadyInTree   = errors.New("device is already in the tree")
	ErrNotLeaf         = errors.New("cannot remove non-leaf device")
	ErrDeviceTree      = errors.New("device tree error")
)

// Action errors signal a scheduling bug in the caller.
var (
	ErrInvalidAction   = errors.New("invalid action")
	ErrActionCycle     = errors.New("action dependency cycle")
	ErrMountpointInUse = errors.New("mountpoint already in use")
	ErrDevicesInUse    = errors.New("devices in use on disks with changes pending")
)

// ErrDiskLabelCommit is returned by an Executor when a disklabel could not
// be committed because a device on the disk is still active.
var ErrDiskLabelCommit = errors.New("disklabel commit failed")

// ErrInvalidDiskLabel is returned when a disklabel is present but unusable.
var ErrInvalidDiskLabel = errors.New("invalid disklabel")

// ErrInvalidFormat is returned when a format signature is found but its
// data is not usable.
var ErrInvalidFormat = errors.New("invalid format")

// ErrNotFound is returned by collaborators when a requested record or
// object does not exist.
var ErrNotFound = errors.New("not found")

// Lookup is the result of a lookup that can find a device, find nothing
// or fail.
type Lookup struct {
	Device *Device
	Err    error
}

// Found returns a Lookup holding d.
func Found(d *Device) Lookup {
	return Lookup{Device: d}
}

// NotFound is the Lookup for a missing device.
func NotFound() Lookup {
	return Lookup{}
}

// Failed returns a Lookup holding err.
func Failed(err error) Lookup {
	return Lookup{Err: err}
}

// Ok returns true if a device was found.
func (l Lookup) Ok() bool {
	return l.Err == nil && l.Device != nil
}
