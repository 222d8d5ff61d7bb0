package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
	"machinerun.io/devtree"
)

//nolint:gochecknoglobals
var lvmCommands = cli.Command{
	Name:  "lvm",
	Usage: "lvm commands",
	Subcommands: []*cli.Command{
		{
			Name:   "dump-vgs",
			Usage:  "Populate the tree and dump its VGs with their LVs.  Optionally give a vg name.",
			Action: lvmDumpVGs,
		},
	},
}

type vgDump struct {
	VG  *devtree.Device   `json:"vg"`
	PVs []*devtree.Device `json:"pvs"`
	LVs []*devtree.Device `json:"lvs"`
}

func lvmDumpVGs(c *cli.Context) error {
	var filter func(d *devtree.Device) bool

	if c.Args().Len() == 0 {
		filter = func(d *devtree.Device) bool { return true }
	} else if c.Args().Len() == 1 {
		filter = func(d *devtree.Device) bool { return d.Name == c.Args().First() }
	} else {
		return fmt.Errorf("too many args. Really just want 1. Got %d", c.Args().Len())
	}

	tree, err := getTree(c)
	if err != nil {
		return err
	}

	g := tree.Graph
	vgs := []vgDump{}

	for _, vg := range g.DevicesByKind(devtree.KindLVMVG) {
		if !filter(vg) {
			continue
		}

		dump := vgDump{VG: vg, PVs: g.ParentsOf(vg), LVs: []*devtree.Device{}}

		for _, d := range g.Dependents(vg) {
			if d.Kind.IsLV() {
				dump.LVs = append(dump.LVs, d)
			}
		}

		vgs = append(vgs, dump)
	}

	jbytes, err := json.MarshalIndent(&vgs, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(jbytes))

	return nil
}
