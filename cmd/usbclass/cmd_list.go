package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squilla/usbclass/pkg/config"
	"github.com/squilla/usbclass/pkg/driver"
	"github.com/squilla/usbclass/pkg/hub"
	"github.com/squilla/usbclass/pkg/usbms"
)

// registry returns a registry of every class driver in this program.
func registry(ctx context.Context, cfg *config.Config, events hub.Events) *driver.Registry {
	reg := &driver.Registry{}
	reg.Register(usbms.Driver(cfg.MassStorage(), nil))
	reg.Register(hub.Driver(ctx, cfg.Hub(), events))
	return reg
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List USB devices and the drivers that would serve them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		devs, err := app.Devices()
		if err != nil {
			return fmt.Errorf("when enumerating devices: %w", err)
		}
		reg := registry(cmd.Context(), app.cfg, hub.EventChannel(nil))
		for _, dev := range devs {
			fmt.Printf("%s\n", dev)
			for _, c := range driver.Candidates(dev) {
				name := "-"
				if d, ok := reg.Lookup(c.Class, dev, c.Interface); ok {
					name = d.Name
				}
				fmt.Printf("  interface %d: %s subclass %#02x protocol %#02x: %s\n",
					c.Interface.Number, c.Class, c.Interface.SubClass, c.Interface.Protocol, name)
				for _, ep := range c.Interface.Endpoints {
					fmt.Printf("    %s\n", ep)
				}
			}
		}
		return nil
	},
}
