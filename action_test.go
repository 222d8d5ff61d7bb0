package devtree

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

// testGraph returns a graph holding a gpt labeled sda and an lvm stack
// on sdb with the root filesystem on vg0-root.
func testGraph(t *testing.T) (*DeviceGraph, *ActionQueue) {
	g := NewDeviceGraph()

	sda := g.NewDevice(KindDisk, "sda")
	sda.Exists = true
	sda.Size = 20 * Gibibyte
	sda.Format = Format{Kind: FormatDiskLabel, Type: "disklabel", LabelType: "gpt", Exists: true}

	sdb := g.NewDevice(KindDisk, "sdb")
	sdb.Exists = true
	sdb.Format = Format{Kind: FormatLVMPV, VGName: "vg0", Exists: true}

	vg := g.NewDevice(KindLVMVG, "vg0", sdb)
	vg.Exists = true

	root := g.NewDevice(KindLVMLV, "vg0-root", vg)
	root.Exists = true
	root.LV.LVName = "root"
	root.Format = Format{Kind: FormatFS, Type: "ext4", Mountpoint: "/", Exists: true}

	for _, d := range []*Device{sda, sdb, vg, root} {
		if err := g.AddDevice(d); err != nil {
			t.Fatalf("failed to add %s: %s", d.Name, err)
		}
	}

	return g, NewActionQueue(g)
}

func actionIDs(actions []*Action) []int {
	ids := []int{}
	for _, a := range actions {
		ids = append(ids, a.ID)
	}

	return ids
}

func addPartition(t *testing.T, g *DeviceGraph, q *ActionQueue, n int) *Action {
	disk := g.ByName("sda")
	part := g.NewDevice(KindPartition, partitionName(disk.Name, n), disk)
	part.Part.Number = n

	a, err := NewCreateDevice(part)
	if err != nil {
		t.Fatalf("failed to create partition %d: %s", n, err)
	}

	if err := q.Register(a); err != nil {
		t.Fatalf("failed to register partition %d: %s", n, err)
	}

	return a
}

func TestActionSortPartitions(t *testing.T) {
	g, q := testGraph(t)

	addPartition(t, g, q, 3)
	addPartition(t, g, q, 1)
	addPartition(t, g, q, 2)

	f, _ := NewCreateFormat(g.ByName("sda1"), Format{Kind: FormatFS, Type: "xfs"})
	if err := q.Register(f); err != nil {
		t.Fatalf("failed to register format: %s", err)
	}

	if err := q.Sort(); err != nil {
		t.Fatalf("sort failed: %s", err)
	}

	if diff := cmp.Diff([]int{1, 2, 0, 3}, actionIDs(q.Actions())); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	// sorting is stable
	if err := q.Sort(); err != nil {
		t.Fatalf("sort failed: %s", err)
	}

	if diff := cmp.Diff([]int{1, 2, 0, 3}, actionIDs(q.Actions())); diff != "" {
		t.Errorf("second sort changed the order (-want +got):\n%s", diff)
	}
}

func TestActionSortDestroy(t *testing.T) {
	assert := assert.New(t)
	g, q := testGraph(t)

	for _, name := range []string{"vg0-root", "vg0"} {
		a, err := NewDestroyDevice(g.ByName(name))
		assert.Nil(err)
		assert.Nil(q.Register(a), name)
	}

	a, err := NewDestroyFormat(g.ByName("sdb"))
	assert.Nil(err)
	assert.Nil(q.Register(a))

	// reverse the queue so the sort has work to do
	for i, j := 0, len(q.actions)-1; i < j; i, j = i+1, j-1 {
		q.actions[i], q.actions[j] = q.actions[j], q.actions[i]
	}

	assert.Nil(q.Sort())

	if diff := cmp.Diff([]int{0, 1, 2}, actionIDs(q.Actions())); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	assert.Equal(FormatNone, g.ByName("sdb").Format.Kind)
	assert.Equal(FormatLVMPV, a.Format.Kind)
}

func TestActionSortCycle(t *testing.T) {
	g, q := testGraph(t)

	a := g.NewDevice(KindDM, "a")
	b := g.NewDevice(KindDM, "b", a)
	a.Parents = []int{b.ID}

	ca, _ := NewCreateDevice(a)
	cb, _ := NewCreateDevice(b)
	q.push(ca)
	q.push(cb)

	err := q.Sort()
	assert.ErrorIs(t, err, ErrActionCycle)
	assert.Contains(t, err.Error(), "actions ")
	assert.Equal(t, []*Action{ca, cb}, q.Actions())
}

func TestActionSortIndependent(t *testing.T) {
	g, q := testGraph(t)

	parts := []*Action{}
	for _, n := range []int{1, 2, 3} {
		parts = append(parts, addPartition(t, g, q, n))
	}

	// formats on different partitions do not depend on each other
	formats := []*Action{}
	for _, name := range []string{"sda3", "sda1", "sda2"} {
		f, _ := NewCreateFormat(g.ByName(name), Format{Kind: FormatSwap, Type: "swap"})
		if err := q.Register(f); err != nil {
			t.Fatalf("failed to register format on %s: %s", name, err)
		}

		formats = append(formats, f)
	}

	if err := q.Sort(); err != nil {
		t.Fatalf("sort failed: %s", err)
	}

	want := actionIDs(append(parts, formats...))
	if diff := cmp.Diff(want, actionIDs(q.Actions())); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestActionPrune(t *testing.T) {
	assert := assert.New(t)
	g, q := testGraph(t)

	// a partition created and destroyed again needs no action at all
	create := addPartition(t, g, q, 1)
	destroy, err := NewDestroyDevice(create.Device)
	assert.Nil(err)
	assert.Nil(q.Register(destroy))
	assert.Nil(g.ByName("sda1"))

	// a format created on a device that is then destroyed
	root := g.ByName("vg0-root")
	f, err := NewCreateFormat(root, Format{Kind: FormatFS, Type: "xfs"})
	assert.Nil(err)
	assert.Nil(q.Register(f))

	rm, err := NewDestroyDevice(root)
	assert.Nil(err)
	assert.Nil(q.Register(rm))

	// two formats in a row
	sda := g.ByName("sda")
	label, _ := NewCreateFormat(sda, Format{Kind: FormatDiskLabel, LabelType: "msdos"})
	relabel, _ := NewCreateFormat(sda, Format{Kind: FormatDiskLabel, LabelType: "gpt"})
	assert.Nil(q.Register(label))
	assert.Nil(q.Register(relabel))

	q.Prune()

	if diff := cmp.Diff([]int{rm.ID, relabel.ID}, actionIDs(q.Actions())); diff != "" {
		t.Errorf("unexpected actions after prune (-want +got):\n%s", diff)
	}
}

func TestActionRegister(t *testing.T) {
	assert := assert.New(t)
	g, q := testGraph(t)

	part := addPartition(t, g, q, 1)
	assert.Equal(1, g.ByName("sda").Kids())

	again, _ := NewCreateDevice(part.Device)
	assert.ErrorIs(q.Register(again), ErrAlreadyInTree)

	stray := g.NewDevice(KindDisk, "sdz")
	sf, _ := NewDestroyFormat(stray)
	assert.ErrorIs(q.Register(sf), ErrNotInTree)

	f, _ := NewCreateFormat(part.Device, Format{Kind: FormatFS, Type: "ext4", Mountpoint: "/"})
	assert.ErrorIs(q.Register(f), ErrMountpointInUse)

	_, err := NewCreateFormat(g.ByName("vg0"), Format{Kind: FormatDiskLabel, LabelType: "gpt"})
	assert.ErrorIs(err, ErrInvalidAction)

	_, err = NewCreateDevice(g.ByName("sda"))
	assert.ErrorIs(err, ErrInvalidAction)

	assert.Equal(1, q.Len())
}

func TestActionCancel(t *testing.T) {
	assert := assert.New(t)
	g, q := testGraph(t)

	part := addPartition(t, g, q, 1)

	sdb := g.ByName("sdb")
	destroy, _ := NewDestroyFormat(g.ByName("vg0-root"))
	assert.Nil(q.Register(destroy))
	assert.Equal(FormatNone, g.ByName("vg0-root").Format.Kind)

	assert.Nil(q.Cancel(part))
	assert.Nil(g.ByName("sda1"))
	assert.Equal(0, g.ByName("sda").Kids())

	assert.Nil(q.Cancel(destroy))
	assert.Equal("ext4", g.ByName("vg0-root").Format.Type)
	assert.Equal(0, q.Len())

	assert.ErrorIs(q.Cancel(destroy), ErrInvalidAction)
	assert.Equal(FormatLVMPV, sdb.Format.Kind)
}

func TestActionFind(t *testing.T) {
	assert := assert.New(t)
	g, q := testGraph(t)

	p1 := addPartition(t, g, q, 1)
	p2 := addPartition(t, g, q, 2)

	f, _ := NewCreateFormat(p1.Device, Format{Kind: FormatFS, Type: "xfs"})
	assert.Nil(q.Register(f))

	assert.Len(q.FindActions(ActionFilter{}), 3)
	assert.Equal([]*Action{p1, p2}, q.FindActions(ActionFilter{Object: ObjectDevice}))
	assert.Equal([]*Action{p1, f}, q.FindActions(ActionFilter{Device: p1.Device}))
	assert.Equal([]*Action{p2}, q.FindActions(ActionFilter{Path: "/dev/sda2"}))

	id := p2.Device.ID
	assert.Equal([]*Action{p2}, q.FindActions(ActionFilter{DeviceID: &id}))
	assert.Empty(q.FindActions(ActionFilter{Type: ActionDestroy}))
}

func TestActionSortLVM(t *testing.T) {
	assert := assert.New(t)
	g, q := testGraph(t)

	part := addPartition(t, g, q, 1)

	pv, err := NewCreateFormat(part.Device, Format{Kind: FormatLVMPV, VGName: "vg1"})
	assert.Nil(err)
	assert.Nil(q.Register(pv))

	vg := g.NewDevice(KindLVMVG, "vg1", part.Device)
	cvg, err := NewCreateDevice(vg)
	assert.Nil(err)
	assert.Nil(q.Register(cvg))

	lv := g.NewDevice(KindLVMLV, "vg1-data", vg)
	lv.LV.LVName = "data"
	lv.Size = Gibibyte
	clv, err := NewCreateDevice(lv)
	assert.Nil(err)
	assert.Nil(q.Register(clv))

	fs, err := NewCreateFormat(lv, Format{Kind: FormatFS, Type: "xfs", Mountpoint: "/data"})
	assert.Nil(err)
	assert.Nil(q.Register(fs))

	for i, j := 0, len(q.actions)-1; i < j; i, j = i+1, j-1 {
		q.actions[i], q.actions[j] = q.actions[j], q.actions[i]
	}

	assert.Nil(q.Sort())

	want := []int{part.ID, pv.ID, cvg.ID, clv.ID, fs.ID}
	if diff := cmp.Diff(want, actionIDs(q.Actions())); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestActionCancelLogicalDestroy(t *testing.T) {
	assert := assert.New(t)
	g := NewDeviceGraph()
	q := NewActionQueue(g)

	sda := g.NewDevice(KindDisk, "sda")
	sda.Exists = true
	sda.Format = Format{Kind: FormatDiskLabel, Type: "disklabel", LabelType: "msdos", Exists: true}
	assert.Nil(g.AddDevice(sda))

	ext := g.NewDevice(KindPartition, "sda4", sda)
	ext.Exists = true
	ext.Part.Number = 4
	ext.Part.Extended = true
	assert.Nil(g.AddDevice(ext))

	logical := []*Device{}

	for n := 5; n <= 6; n++ {
		p := g.NewDevice(KindPartition, partitionName("sda", n), sda)
		p.Exists = true
		p.Part.Number = n
		p.Part.Logical = true
		assert.Nil(g.AddDevice(p))

		logical = append(logical, p)
	}

	destroy, err := NewDestroyDevice(logical[0])
	assert.Nil(err)
	assert.Nil(q.Register(destroy))

	assert.Equal("sda5", logical[1].Name)
	assert.Equal(5, logical[1].Part.Number)

	assert.Nil(q.Cancel(destroy))

	assert.ElementsMatch([]string{"sda4", "sda5", "sda6"}, deviceNames(g.Children(sda)))
	assert.Equal("sda5", logical[0].Name)
	assert.Equal(5, logical[0].Part.Number)
	assert.Equal("sda6", logical[1].Name)
	assert.Equal(6, logical[1].Part.Number)
	assert.Equal(logical[1], g.ByName("sda6"))
	assert.Equal(0, q.Len())
}
