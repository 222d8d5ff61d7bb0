package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"machinerun.io/devtree"
)

//nolint:gochecknoglobals
var diskCommands = cli.Command{
	Name:  "disk",
	Usage: "disk / partition commands",
	Subcommands: []*cli.Command{
		{
			Name:   "show",
			Usage:  "Show the disks of the tree and their partitions (human)",
			Action: diskShow,
		},
		{
			Name:      "new-part",
			Usage:     "Queue a new partition on a disk and process the queue",
			ArgsUsage: "disk",
			Action:    diskNewPartition,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "size",
					Value: "1GiB",
					Usage: "Size of the partition",
				},
				&cli.StringFlag{
					Name:  "fstype",
					Usage: "Create a filesystem of this type on the partition",
				},
				&cli.BoolFlag{
					Name:  "commit",
					Value: false,
					Usage: "Execute the actions instead of only listing them",
				},
			},
		},
	},
}

func diskShow(c *cli.Context) error {
	tree, err := getTree(c)
	if err != nil {
		return err
	}

	disks := tree.Graph.DevicesByKind(devtree.KindDisk, devtree.KindISCSI, devtree.KindFCoE,
		devtree.KindDASD, devtree.KindZFCP, devtree.KindMultipath)

	sort.Slice(disks, func(i, j int) bool { return disks[i].Name < disks[j].Name })

	for _, d := range disks {
		fmt.Printf("%s\n", d)

		if !d.Partitioned() {
			continue
		}

		data := [][]string{{"Number", "Name", "Size", "Format", "Part Name"}}

		for _, p := range tree.Graph.Children(d) {
			if p.Part == nil {
				continue
			}

			data = append(data, []string{
				strconv.Itoa(p.Part.Number), p.Name, humanize.IBytes(p.Size),
				p.Format.TypeName(), p.Part.Name,
			})
		}

		printTextTable(data)
	}

	return nil
}

// nextPartition returns the lowest partition number not in use on disk.
func nextPartition(g *devtree.DeviceGraph, disk *devtree.Device) int {
	used := map[int]bool{}

	for _, p := range g.Children(disk) {
		if p.Part != nil {
			used[p.Part.Number] = true
		}
	}

	n := 1
	for used[n] {
		n++
	}

	return n
}

func diskNewPartition(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("must provide disk to partition")
	}

	size, err := humanize.ParseBytes(c.String("size"))
	if err != nil {
		return fmt.Errorf("bad size %s: %s", c.String("size"), err)
	}

	tree, err := getTree(c)
	if err != nil {
		return err
	}

	disk := tree.Graph.ByName(name)
	if disk == nil {
		return fmt.Errorf("no disk named %s", name)
	}

	if !disk.Partitioned() {
		label, err := devtree.NewCreateFormat(disk, devtree.Format{
			Kind: devtree.FormatDiskLabel, Type: "disklabel", LabelType: "gpt"})
		if err != nil {
			return err
		}

		if err := tree.RegisterAction(label); err != nil {
			return err
		}
	}

	num := nextPartition(tree.Graph, disk)
	part := tree.Graph.NewDevice(devtree.KindPartition, "", disk)
	part.Part.Number = num
	part.Name = fmt.Sprintf("%s%d", disk.Name, num)
	part.Size = size

	if last := disk.Name[len(disk.Name)-1]; last >= '0' && last <= '9' {
		part.Name = fmt.Sprintf("%sp%d", disk.Name, num)
	}

	create, err := devtree.NewCreateDevice(part)
	if err != nil {
		return err
	}

	if err := tree.RegisterAction(create); err != nil {
		return err
	}

	if fstype := c.String("fstype"); fstype != "" {
		f, err := devtree.NewCreateFormat(part, devtree.Format{Kind: devtree.FormatFS, Type: fstype})
		if err != nil {
			return err
		}

		if err := tree.RegisterAction(f); err != nil {
			return err
		}
	}

	if err := tree.Process(!c.Bool("commit")); err != nil {
		return err
	}

	for _, a := range append(tree.Actions.Completed(), tree.Actions.Actions()...) {
		fmt.Printf("%s\n", a)
	}

	return nil
}
