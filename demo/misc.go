package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"machinerun.io/devtree/manager"
)

//nolint:gochecknoglobals
var miscCommands = cli.Command{
	Name:  "misc",
	Usage: "miscellaneous test/debug",
	Subcommands: []*cli.Command{
		{
			Name:   "reset",
			Usage:  "Reset the device manager and print the devices added and removed",
			Action: miscReset,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "loops",
					Value: 1,
					Usage: "Number of resets to do",
				},
			},
		},
		{
			Name:      "resolve",
			Usage:     "Print the object path of a device spec",
			ArgsUsage: "spec",
			Action:    miscResolve,
		},
	},
}

func getManager(c *cli.Context) (*manager.Manager, error) {
	cfg, err := getConfig(c)
	if err != nil {
		return nil, err
	}

	return manager.New(getSystem(c), cfg), nil
}

func miscReset(c *cli.Context) error {
	m, err := getManager(c)
	if err != nil {
		return err
	}

	m.Subscribe(func(n manager.Notification) {
		fmt.Printf("%-8s %s %s\n", n.Kind, n.ObjectPath, n.Device.Name)
	})

	for i := 0; i < c.Int("loops"); i++ {
		fmt.Printf("[%d] reset\n", i)

		if err := m.Reset(context.Background()); err != nil {
			return err
		}
	}

	return nil
}

func miscResolve(c *cli.Context) error {
	spec := c.Args().First()
	if spec == "" {
		return fmt.Errorf("must provide a device spec")
	}

	m, err := getManager(c)
	if err != nil {
		return err
	}

	if err := m.Reset(context.Background()); err != nil {
		return err
	}

	p := m.ResolveDevice(spec)
	if p == "" {
		return fmt.Errorf("no device found for %s", spec)
	}

	fmt.Println(p)

	return nil
}
