package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"machinerun.io/devtree"
	"machinerun.io/devtree/linux"
	"machinerun.io/devtree/mockos"
)

var version string

func printTextTable(data [][]string) {
	var lengths = make([]int, len(data[0]))

	for _, line := range data {
		for i, field := range line {
			if len(field) > lengths[i] {
				lengths[i] = len(field)
			}
		}
	}

	fmts := make([]string, len(lengths))

	for i, l := range lengths {
		fmts[i] = fmt.Sprintf("%%-%ds", l)
	}

	pfmt := strings.Join(fmts, " | ") + " |\n"

	for _, line := range data {
		s := make([]interface{}, len(line))
		for i, v := range line {
			s[i] = v
		}

		fmt.Printf(pfmt, s...)
	}
}

// getSystem returns the mock system of --layout, or the running system.
func getSystem(c *cli.Context) devtree.System {
	if layout := c.String("layout"); layout != "" {
		return mockos.System(layout)
	}

	return linux.System()
}

func getConfig(c *cli.Context) (devtree.Config, error) {
	if p := c.String("config"); p != "" {
		return devtree.LoadConfig(p)
	}

	return devtree.DefaultConfig(), nil
}

// getTree returns a populated tree.
func getTree(c *cli.Context) (*devtree.Tree, error) {
	cfg, err := getConfig(c)
	if err != nil {
		return nil, err
	}

	tree := devtree.New(getSystem(c), cfg)
	if err := tree.Populate(false); err != nil {
		return nil, err
	}

	return tree, nil
}

func main() {
	app := &cli.App{
		Name:    "devtree-demo",
		Version: version,
		Usage:   "Play around or test devtree",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "layout",
				Usage: "Use the mock system described by this json layout",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Read the tree configuration from this yaml file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Value: false,
				Usage: "Log at debug level",
			},
		},
		Before: func(c *cli.Context) error {
			devtree.Log.SetLevel(logrus.WarnLevel)

			if c.Bool("debug") {
				devtree.Log.SetLevel(logrus.DebugLevel)
			}

			return nil
		},
		Commands: []*cli.Command{
			&treeCommands,
			&diskCommands,
			&lvmCommands,
			&miscCommands,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
