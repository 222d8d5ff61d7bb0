package devtree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ActionType is create or destroy. The zero value matches any type in an
// ActionFilter.
type ActionType int

const (
	ActionCreate ActionType = iota + 1
	ActionDestroy
)

func (t ActionType) String() string {
	switch t {
	case ActionCreate:
		return "create"
	case ActionDestroy:
		return "destroy"
	}

	return ""
}

// ObjectType is device or format. The zero value matches any object in an
// ActionFilter.
type ObjectType int

const (
	ObjectDevice ObjectType = iota + 1
	ObjectFormat
)

func (o ObjectType) String() string {
	switch o {
	case ObjectDevice:
		return "device"
	case ObjectFormat:
		return "format"
	}

	return ""
}

// Action is a pending change to a device or its format. Registering an
// action applies it to the graph right away; executing it commits it to
// the system.
type Action struct {
	ID     int        `json:"id"`
	Type   ActionType `json:"type"`
	Object ObjectType `json:"object"`
	Device *Device    `json:"device"`

	// Format is the format being created, or for a destroy the format that
	// was on the device when the action was applied.
	Format Format `json:"format"`

	// origFormat is the device's format before a create format was applied.
	origFormat Format
	applied    bool

	// renumbered holds the logical partitions a destroy moved down, with
	// their number and name from before the removal.
	renumbered []partitionState
}

type partitionState struct {
	device *Device
	number int
	name   string
}

// NewCreateDevice returns an action creating d.
func NewCreateDevice(d *Device) (*Action, error) {
	if d.Exists {
		return nil, errors.Wrapf(ErrInvalidAction, "device %s already exists", d.Name)
	}

	return &Action{Type: ActionCreate, Object: ObjectDevice, Device: d}, nil
}

// NewDestroyDevice returns an action destroying d.
func NewDestroyDevice(d *Device) (*Action, error) {
	if d.Protected {
		return nil, errors.Wrapf(ErrInvalidAction, "device %s is protected", d.Name)
	}

	return &Action{Type: ActionDestroy, Object: ObjectDevice, Device: d}, nil
}

// NewCreateFormat returns an action putting f on d.
func NewCreateFormat(d *Device, f Format) (*Action, error) {
	if f.Kind == FormatDiskLabel && !d.Partitionable() {
		return nil, errors.Wrapf(ErrInvalidAction, "device %s cannot hold a disklabel", d.Name)
	}

	if d.Protected {
		return nil, errors.Wrapf(ErrInvalidAction, "device %s is protected", d.Name)
	}

	f.Exists = false

	return &Action{Type: ActionCreate, Object: ObjectFormat, Device: d, Format: f}, nil
}

// NewDestroyFormat returns an action removing the format of d.
func NewDestroyFormat(d *Device) (*Action, error) {
	if d.Protected {
		return nil, errors.Wrapf(ErrInvalidAction, "device %s is protected", d.Name)
	}

	return &Action{Type: ActionDestroy, Object: ObjectFormat, Device: d}, nil
}

func (a *Action) String() string {
	s := fmt.Sprintf("[%d] %s %s %s %s (id %d)", a.ID, a.Type, a.Object,
		a.Device.Type(), a.Device.Name, a.Device.ID)

	if a.Object == ObjectFormat {
		s += " format " + a.Format.TypeName()
	}

	return s
}

// IsCreate returns true for create actions.
func (a *Action) IsCreate() bool { return a.Type == ActionCreate }

// IsDestroy returns true for destroy actions.
func (a *Action) IsDestroy() bool { return a.Type == ActionDestroy }

// IsDevice returns true for device actions.
func (a *Action) IsDevice() bool { return a.Object == ObjectDevice }

// IsFormat returns true for format actions.
func (a *Action) IsFormat() bool { return a.Object == ObjectFormat }

// apply makes the action's change to its device.
func (a *Action) apply() {
	if a.applied {
		return
	}

	switch {
	case a.IsCreate() && a.IsFormat():
		a.origFormat = a.Device.Format
		a.Device.Format = a.Format
	case a.IsDestroy() && a.IsFormat():
		a.Format = a.Device.Format
		a.Device.Format = Format{}
	}

	a.applied = true
}

// cancel reverts apply.
func (a *Action) cancel() {
	if !a.applied {
		return
	}

	switch {
	case a.IsCreate() && a.IsFormat():
		a.Device.Format = a.origFormat
	case a.IsDestroy() && a.IsFormat():
		a.Device.Format = a.Format
	}

	a.applied = false
}

// committed updates the device after the action was executed.
func (a *Action) committed() {
	switch {
	case a.IsCreate() && a.IsDevice():
		a.Device.Exists = true
	case a.IsDestroy() && a.IsDevice():
		a.Device.Exists = false
	case a.IsCreate() && a.IsFormat():
		a.Device.Format.Exists = true
		a.Device.Format.Device = a.Device.Path()
		a.Format.Exists = true
	case a.IsDestroy() && a.IsFormat():
		a.Format.Exists = false
	}
}

// partitionDisk returns the disk id of a partition, or -1.
func partitionDisk(d *Device) int {
	if d.Kind != KindPartition || d.Part == nil || len(d.Parents) == 0 {
		return -1
	}

	return d.Parents[0]
}

func samePartitionDisk(a, b *Device) bool {
	da := partitionDisk(a)
	return da >= 0 && da == partitionDisk(b)
}

func isSnapshot(d *Device) bool {
	return (d.Kind == KindLVMSnapshot || d.Kind == KindLVMThinSnapshot) && d.LV != nil
}

// Obsoletes returns true if a makes other unnecessary.
func (a *Action) Obsoletes(other *Action) bool {
	if a.Device.ID != other.Device.ID {
		return false
	}

	switch {
	case a.IsDestroy() && a.IsDevice():
		// destroying a device that does not exist cancels everything
		// done to it, including itself
		if !a.Device.Exists && a.ID >= other.ID {
			return true
		}

		return a.ID > other.ID && !(other.IsDestroy() && other.IsFormat())

	case a.IsCreate() && a.IsFormat():
		return other.IsCreate() && other.IsFormat() && a.ID > other.ID

	case a.IsDestroy() && a.IsFormat():
		if !other.IsFormat() {
			return false
		}

		return a.ID > other.ID || (a.ID == other.ID && !a.Format.Exists)
	}

	return false
}

// Requires returns true if a must be executed after other.
func (a *Action) Requires(other *Action, g *DeviceGraph) bool {
	if a == other {
		return false
	}

	switch {
	case a.IsCreate() && a.IsDevice():
		if other.IsCreate() && g.DependsOn(a.Device, other.Device) {
			return true
		}

		if other.IsCreate() && other.IsDevice() {
			if samePartitionDisk(a.Device, other.Device) &&
				a.Device.Part.Number > other.Device.Part.Number {
				return true
			}

			// snapshots after their origin
			if isSnapshot(a.Device) && a.Device.LV.Origin == other.Device.ID {
				return true
			}
		}

	case a.IsDestroy() && a.IsDevice():
		if other.IsDestroy() && g.DependsOn(other.Device, a.Device) {
			return true
		}

		if other.IsDestroy() && other.IsDevice() &&
			samePartitionDisk(a.Device, other.Device) &&
			a.Device.Part.Number < other.Device.Part.Number {
			return true
		}

		if other.IsDestroy() && other.IsFormat() && other.Device.ID == a.Device.ID {
			return true
		}

	case a.IsCreate() && a.IsFormat():
		if other.IsCreate() && g.DependsOn(a.Device, other.Device) {
			return true
		}

		if other.Device.ID == a.Device.ID {
			return (other.IsCreate() && other.IsDevice()) ||
				(other.IsDestroy() && other.IsFormat())
		}

	case a.IsDestroy() && a.IsFormat():
		return other.IsDestroy() && g.DependsOn(other.Device, a.Device)
	}

	return false
}

// ActionFilter selects actions in FindActions. Zero fields match anything.
type ActionFilter struct {
	Device   *Device
	Type     ActionType
	Object   ObjectType
	Path     string
	DeviceID *int
}

// ActionQueue holds the pending actions on a graph.
type ActionQueue struct {
	graph     *DeviceGraph
	actions   []*Action
	completed []*Action
	nextID    int
}

// NewActionQueue returns an empty queue operating on g.
func NewActionQueue(g *DeviceGraph) *ActionQueue {
	return &ActionQueue{graph: g}
}

// Actions returns the pending actions in queue order.
func (q *ActionQueue) Actions() []*Action {
	return append([]*Action{}, q.actions...)
}

// Completed returns the executed actions in execution order.
func (q *ActionQueue) Completed() []*Action {
	return append([]*Action{}, q.completed...)
}

// Len returns the number of pending actions.
func (q *ActionQueue) Len() int {
	return len(q.actions)
}

func (q *ActionQueue) contains(a *Action) bool {
	for _, x := range q.actions {
		if x == a {
			return true
		}
	}

	return false
}

func (q *ActionQueue) remove(a *Action) {
	for i, x := range q.actions {
		if x == a {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}

// push appends an already applied action without the graph changes of
// Register.
func (q *ActionQueue) push(a *Action) {
	a.ID = q.nextID
	q.nextID++
	a.apply()
	q.actions = append(q.actions, a)
}

// Register validates a against the graph, applies it and queues it.
func (q *ActionQueue) Register(a *Action) error {
	g := q.graph

	if a.IsCreate() && a.IsDevice() {
		if g.Contains(a.Device) {
			return errors.Wrapf(ErrAlreadyInTree, "%s", a.Device.Name)
		}
	} else if !g.Contains(a.Device) {
		return errors.Wrapf(ErrNotInTree, "%s", a.Device.Name)
	}

	switch {
	case a.IsCreate() && a.IsDevice():
		if err := g.AddDevice(a.Device); err != nil {
			return err
		}
	case a.IsDestroy() && a.IsDevice():
		saved := []partitionState{}
		for _, s := range g.logicalSiblings(a.Device) {
			saved = append(saved, partitionState{device: s, number: s.Part.Number, name: s.Name})
		}

		if err := g.RemoveDevice(a.Device, false, true); err != nil {
			return err
		}

		a.renumbered = saved
	case a.IsCreate() && a.IsFormat():
		if a.Format.IsFilesystem() && a.Format.Mountpoint != "" {
			for _, f := range g.Filesystems() {
				if f.Mountpoint == a.Format.Mountpoint {
					return errors.Wrapf(ErrMountpointInUse, "%s", a.Format.Mountpoint)
				}
			}
		}
	}

	q.push(a)
	Log.WithField("action", a.ID).Infof("registered action: %s", a)

	return nil
}

// Cancel reverts a and removes it from the queue.
func (q *ActionQueue) Cancel(a *Action) error {
	if !q.contains(a) {
		return errors.Wrapf(ErrInvalidAction, "action %d is not queued", a.ID)
	}

	switch {
	case a.IsCreate() && a.IsDevice():
		if err := q.graph.RemoveDevice(a.Device, false, true); err != nil {
			return err
		}
	case a.IsDestroy() && a.IsDevice():
		for _, s := range a.renumbered {
			s.device.Part.Number = s.number
			s.device.Name = s.name
		}

		if err := q.graph.AddDevice(a.Device); err != nil {
			return err
		}

		a.renumbered = nil
	}

	a.cancel()
	q.remove(a)
	Log.WithField("action", a.ID).Infof("canceled action %s", a)

	return nil
}

// Prune removes actions made unnecessary by later ones. Mutually obsolete
// actions are both removed.
func (q *ActionQueue) Prune() {
	all := append([]*Action{}, q.actions...)

	for i := len(all) - 1; i >= 0; i-- {
		a := all[i]
		if !q.contains(a) {
			Log.Debugf("action %d already pruned", a.ID)
			continue
		}

		for _, obsolete := range append([]*Action{}, q.actions...) {
			if !a.Obsoletes(obsolete) {
				continue
			}

			Log.Infof("removing obsolete action %d (%d)", obsolete.ID, a.ID)
			q.remove(obsolete)

			if obsolete.Obsoletes(a) && q.contains(a) {
				Log.Infof("removing mutually-obsolete action %d (%d)", a.ID, obsolete.ID)
				q.remove(a)
			}
		}
	}
}

// Sort orders the queue so every action comes after the actions it
// requires. Ties are broken by queue position, so sorting a sorted queue
// does not change it.
func (q *ActionQueue) Sort() error {
	n := len(q.actions)
	if n == 0 {
		return nil
	}

	dg := simple.NewDirectedGraph()
	for i := 0; i < n; i++ {
		dg.AddNode(simple.Node(i))
	}

	for i, a := range q.actions {
		for j, b := range q.actions {
			if i != j && b.Requires(a, q.graph) {
				dg.SetEdge(dg.NewEdge(simple.Node(i), simple.Node(j)))
			}
		}
	}

	sorted, err := topo.SortStabilized(dg, byQueuePosition)
	if err != nil {
		return q.cycleError(err)
	}

	order := make([]*Action, 0, n)
	for _, node := range sorted {
		order = append(order, q.actions[node.ID()])
	}

	q.actions = order

	return nil
}

func byQueuePosition(nodes []graph.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
}

func (q *ActionQueue) cycleError(err error) error {
	var cycles topo.Unorderable
	if !errors.As(err, &cycles) || len(cycles) == 0 {
		return errors.Wrapf(ErrActionCycle, "%s", err)
	}

	ids := []string{}

	for _, node := range cycles[0] {
		ids = append(ids, fmt.Sprintf("%d", q.actions[node.ID()].ID))
	}

	return errors.Wrapf(ErrActionCycle, "actions %s", strings.Join(ids, ", "))
}

// FindActions returns the queued actions matching f.
func (q *ActionQueue) FindActions(f ActionFilter) []*Action {
	ret := []*Action{}

	for _, a := range q.actions {
		if f.Device != nil && a.Device != f.Device {
			continue
		}

		if f.Type != 0 && a.Type != f.Type {
			continue
		}

		if f.Object != 0 && a.Object != f.Object {
			continue
		}

		if f.Path != "" && a.Device.Path() != f.Path {
			continue
		}

		if f.DeviceID != nil && a.Device.ID != *f.DeviceID {
			continue
		}

		ret = append(ret, a)
	}

	return ret
}

// complete moves a to the completed list.
func (q *ActionQueue) complete(a *Action) {
	q.remove(a)
	q.completed = append(q.completed, a)
}

func (q *ActionQueue) reset() {
	q.actions = nil
	q.completed = nil
}
