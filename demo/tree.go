package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"machinerun.io/devtree"
)

//nolint:gochecknoglobals
var treeCommands = cli.Command{
	Name:  "tree",
	Usage: "device tree commands",
	Subcommands: []*cli.Command{
		{
			Name:   "dump",
			Usage:  "Populate the tree and dump the devices (json)",
			Action: treeDump,
		},
		{
			Name:   "show",
			Usage:  "Populate the tree and show the devices (human)",
			Action: treeShow,
		},
		{
			Name:      "resolve",
			Usage:     "Find the device a spec like UUID=, LABEL= or /dev/... refers to",
			ArgsUsage: "spec",
			Action:    treeResolve,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "options",
					Usage: "Mount options, used to pick a btrfs subvolume",
				},
			},
		},
		{
			Name:   "mounts",
			Usage:  "Show the mounted filesystems of the tree",
			Action: treeMounts,
		},
		{
			Name:      "hide",
			Usage:     "Hide a device and everything built on it, then show the tree",
			ArgsUsage: "name",
			Action:    treeHide,
		},
		{
			Name:      "unhide",
			Usage:     "Hide and unhide a device, then show the tree",
			ArgsUsage: "name",
			Action:    treeUnhide,
		},
	},
}

func treeDump(c *cli.Context) error {
	tree, err := getTree(c)
	if err != nil {
		return err
	}

	jbytes, err := json.MarshalIndent(tree.Graph.All(), "", "  ")
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", string(jbytes))

	return nil
}

func showDevices(g *devtree.DeviceGraph) {
	data := [][]string{{"ID", "Name", "Type", "Size", "Format", "Label", "Parents"}}

	for _, d := range g.All() {
		parents := []string{}
		for _, p := range g.ParentsOf(d) {
			parents = append(parents, p.Name)
		}

		data = append(data, []string{
			strconv.Itoa(d.ID), d.Name, d.Type(), humanize.IBytes(d.Size),
			d.Format.TypeName(), d.Format.Label, strings.Join(parents, ","),
		})
	}

	printTextTable(data)
}

func treeShow(c *cli.Context) error {
	tree, err := getTree(c)
	if err != nil {
		return err
	}

	showDevices(tree.Graph)

	return nil
}

func treeResolve(c *cli.Context) error {
	spec := c.Args().First()
	if spec == "" {
		return fmt.Errorf("must provide a device spec")
	}

	tree, err := getTree(c)
	if err != nil {
		return err
	}

	res := tree.ResolveDevice(spec, devtree.ResolveOptions{Options: c.String("options")})
	if res.Err != nil {
		return res.Err
	}

	if !res.Ok() {
		return fmt.Errorf("no device found for %s", spec)
	}

	fmt.Printf("%s\n", res.Device)

	return nil
}

func treeMounts(c *cli.Context) error {
	tree, err := getTree(c)
	if err != nil {
		return err
	}

	if err := tree.GetActiveMounts(); err != nil {
		return err
	}

	data := [][]string{{"Name", "Path", "Mountpoint", "Options"}}

	for _, d := range tree.Graph.All() {
		if d.Format.Mountpoint == "" {
			continue
		}

		data = append(data, []string{d.Name, d.Path(), d.Format.Mountpoint, d.Format.MountOpts})
	}

	printTextTable(data)

	return nil
}

func hideDevice(c *cli.Context) (*devtree.Tree, *devtree.Device, error) {
	name := c.Args().First()
	if name == "" {
		return nil, nil, fmt.Errorf("must provide a device name")
	}

	tree, err := getTree(c)
	if err != nil {
		return nil, nil, err
	}

	d := tree.Graph.ByName(name)
	if d == nil {
		return nil, nil, fmt.Errorf("no device named %s", name)
	}

	if err := tree.Hide(d); err != nil {
		return nil, nil, err
	}

	hidden := []string{}
	for _, h := range tree.Graph.Hidden() {
		hidden = append(hidden, h.Name)
	}

	fmt.Printf("hidden: %s\n", strings.Join(hidden, " "))

	return tree, d, nil
}

func treeHide(c *cli.Context) error {
	tree, _, err := hideDevice(c)
	if err != nil {
		return err
	}

	showDevices(tree.Graph)

	return nil
}

func treeUnhide(c *cli.Context) error {
	tree, d, err := hideDevice(c)
	if err != nil {
		return err
	}

	tree.Unhide(d)
	showDevices(tree.Graph)

	return nil
}
