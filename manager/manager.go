// Package manager exposes a device tree to management clients. Devices are
// addressed by object paths and clients are told about devices that come
// and go when the tree is reset.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/r3labs/diff/v3"
	"machinerun.io/devtree"
)

// DevicesPath is the prefix of every device object path.
const DevicesPath = "/org/machinerun/devtree/Devices"

// NotificationKind says what happened to a device.
type NotificationKind int

const (
	// Added - the device appeared in the tree.
	Added NotificationKind = iota + 1

	// Removed - the device left the tree.
	Removed
)

func (k NotificationKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	}

	return fmt.Sprintf("NotificationKind(%d)", int(k))
}

// Notification is sent to subscribers for every device added or removed by
// Reset.
type Notification struct {
	Kind       NotificationKind
	ObjectPath string
	Device     *devtree.Device
}

// Manager owns a tree and publishes its devices.
type Manager struct {
	tree        *devtree.Tree
	cfg         devtree.Config
	subscribers []func(Notification)

	// published maps the object path of every published device to it.
	published map[string]*devtree.Device
}

// New returns a manager for a tree on sys. Nothing is populated until the
// first Reset.
func New(sys devtree.System, cfg devtree.Config) *Manager {
	return &Manager{
		tree:      devtree.New(sys, cfg),
		cfg:       cfg,
		published: map[string]*devtree.Device{},
	}
}

// ObjectPath returns the object path of d.
func ObjectPath(d *devtree.Device) string {
	return DevicesPath + "/" + strconv.Itoa(d.ID)
}

func objectID(p string) int {
	id, err := strconv.Atoi(strings.TrimPrefix(p, DevicesPath+"/"))
	if err != nil {
		return -1
	}

	return id
}

// Tree returns the managed tree.
func (m *Manager) Tree() *devtree.Tree {
	return m.tree
}

// Subscribe registers fn to be called for every notification.
func (m *Manager) Subscribe(fn func(Notification)) {
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) notify(n Notification) {
	devtree.Log.WithField("path", n.ObjectPath).Debugf("device %s", n.Kind)

	for _, fn := range m.subscribers {
		fn(n)
	}
}

// snapshot maps the object path of every visible device to its type.
func (m *Manager) snapshot() (map[string]string, map[string]*devtree.Device) {
	types := map[string]string{}
	devices := map[string]*devtree.Device{}

	for _, d := range m.tree.Graph.All() {
		p := ObjectPath(d)
		types[p] = d.Type()
		devices[p] = d
	}

	return types, devices
}

// Reset drops the tree and populates it again, then tells subscribers
// which devices were removed and which were added.
func (m *Manager) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	old := map[string]string{}
	for p, d := range m.published {
		old[p] = d.Type()
	}

	m.tree.Reset(m.cfg)

	if err := m.tree.Populate(false); err != nil {
		return errors.Wrap(err, "failed to populate device tree")
	}

	current, devices := m.snapshot()

	changes, err := diff.Diff(old, current)
	if err != nil {
		return errors.Wrap(err, "failed to compare device lists")
	}

	removed := []Notification{}
	added := []Notification{}

	for _, c := range changes {
		if len(c.Path) == 0 {
			continue
		}

		p := c.Path[0]

		switch c.Type {
		case diff.CREATE:
			added = append(added, Notification{Kind: Added, ObjectPath: p, Device: devices[p]})
		case diff.DELETE:
			removed = append(removed, Notification{Kind: Removed, ObjectPath: p, Device: m.published[p]})
		case diff.UPDATE:
			// same id with a new type is a different device
			removed = append(removed, Notification{Kind: Removed, ObjectPath: p, Device: m.published[p]})
			added = append(added, Notification{Kind: Added, ObjectPath: p, Device: devices[p]})
		}
	}

	byID := func(list []Notification) {
		sort.Slice(list, func(i, j int) bool {
			return objectID(list[i].ObjectPath) < objectID(list[j].ObjectPath)
		})
	}

	byID(removed)
	byID(added)

	m.published = devices

	for _, n := range removed {
		m.notify(n)
	}

	for _, n := range added {
		m.notify(n)
	}

	devtree.Log.Infof("reset done: %d devices removed, %d added", len(removed), len(added))

	return nil
}

// ListDevices returns the object paths of the visible devices ordered by
// device id.
func (m *Manager) ListDevices() []string {
	devices := m.tree.Graph.All()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID < devices[j].ID
	})

	ret := make([]string, 0, len(devices))
	for _, d := range devices {
		ret = append(ret, ObjectPath(d))
	}

	return ret
}

// Device returns the visible device at object path p, or nil.
func (m *Manager) Device(p string) *devtree.Device {
	id := objectID(p)
	if id < 0 {
		return nil
	}

	return m.tree.Graph.ByID(id)
}

// ResolveDevice returns the object path of the device spec refers to, or ""
// if there is no such device.
func (m *Manager) ResolveDevice(spec string) string {
	res := m.tree.ResolveDevice(spec, devtree.ResolveOptions{})
	if res.Err != nil {
		devtree.Log.WithError(res.Err).Warnf("failed to resolve %s", spec)
		return ""
	}

	if !res.Ok() {
		return ""
	}

	return ObjectPath(res.Device)
}
