package manager_test

import (
	"context"
	"sort"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"machinerun.io/devtree"
	"machinerun.io/devtree/manager"
	"machinerun.io/devtree/mockos"
)

const layoutFile = "../mockos/testdata/layout.json"

func TestManager(t *testing.T) {
	Convey("testing manager", t, func() {
		m := manager.New(mockos.System(layoutFile), devtree.Config{})
		notes := []manager.Notification{}

		m.Subscribe(func(n manager.Notification) {
			notes = append(notes, n)
		})

		So(m.ListDevices(), ShouldBeEmpty)
		So(m.Reset(context.Background()), ShouldBeNil)

		paths := m.ListDevices()
		So(len(paths), ShouldBeGreaterThan, 0)
		So(len(notes), ShouldEqual, len(paths))

		for i, n := range notes {
			So(n.Kind, ShouldEqual, manager.Added)
			So(n.ObjectPath, ShouldEqual, paths[i])
			So(manager.ObjectPath(n.Device), ShouldEqual, n.ObjectPath)
		}

		Convey("resolve returns object paths", func() {
			p := m.ResolveDevice("LABEL=root")
			So(p, ShouldNotEqual, "")
			So(m.Device(p).Name, ShouldEqual, "vg0-root")
			So(m.ResolveDevice("/dev/mapper/vg0-root"), ShouldEqual, p)
			So(m.ResolveDevice("/dev/vg0/root"), ShouldEqual, p)
			So(m.ResolveDevice("UUID=nope"), ShouldEqual, "")
			So(m.Device("/org/machinerun/devtree/Devices/nope"), ShouldBeNil)
		})

		Convey("reset replaces every device", func() {
			notes = notes[:0]
			So(m.Reset(context.Background()), ShouldBeNil)

			again := m.ListDevices()
			So(len(again), ShouldEqual, len(paths))
			So(len(notes), ShouldEqual, 2*len(paths))

			removed := []string{}
			for _, n := range notes[:len(paths)] {
				So(n.Kind, ShouldEqual, manager.Removed)
				removed = append(removed, n.ObjectPath)
			}

			for _, n := range notes[len(paths):] {
				So(n.Kind, ShouldEqual, manager.Added)
				So(paths, ShouldNotContain, n.ObjectPath)
			}

			sort.Strings(removed)
			sorted := append([]string{}, paths...)
			sort.Strings(sorted)
			So(removed, ShouldResemble, sorted)
		})

		Convey("a canceled reset leaves the tree alone", func() {
			notes = notes[:0]
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			So(m.Reset(ctx), ShouldEqual, context.Canceled)
			So(notes, ShouldBeEmpty)
			So(m.ListDevices(), ShouldResemble, paths)
		})

		Convey("notification kinds have names", func() {
			So(manager.Added.String(), ShouldEqual, "added")
			So(manager.Removed.String(), ShouldEqual, "removed")
		})
	})
}
