package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/driver"
	"github.com/squilla/usbclass/pkg/hub"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Inspect and monitor USB hubs",
}

var hubWatchInterval time.Duration

// openHub claims the hub interface of the first hub passing the filter.
func (d *desktopApp) openHub() (*hub.Requests, *devices.Device, io.Closer, error) {
	devs, err := d.Devices()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("when enumerating devices: %w", err)
	}
	for _, dev := range devs {
		for _, c := range driver.Candidates(dev) {
			if c.Class != devices.ClassHub {
				continue
			}
			t, closer, err := d.Open(dev, c.Interface)
			if err != nil {
				return nil, nil, nil, err
			}
			return hub.NewRequests(t), dev, closer, nil
		}
	}
	return nil, nil, nil, fmt.Errorf("no hub found")
}

var hubInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the hub descriptor and the status of every port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		r, dev, closer, err := app.openHub()
		if err != nil {
			return err
		}
		defer closer.Close()

		desc, err := r.GetHubDescriptor()
		if err != nil {
			return fmt.Errorf("could not get hub descriptor: %w", err)
		}
		fmt.Printf("%s\n", dev)
		fmt.Printf("  %s\n", desc)
		fmt.Printf("  power on to good: %dms\n", desc.PowerOnToGoodMillis())
		st, err := r.GetHubStatus()
		if err != nil {
			return fmt.Errorf("could not get hub status: %w", err)
		}
		fmt.Printf("  local power lost: %v, over-current: %v\n", st.LocalPowerLost(), st.OverCurrent())
		for port := 1; port <= desc.Ports; port++ {
			ps, err := r.GetPortStatus(port)
			if err != nil {
				fmt.Printf("  port %d: %v\n", port, err)
				continue
			}
			removable := "fixed"
			if desc.Removable(port) {
				removable = "removable"
			}
			fmt.Printf("  port %d (%s): %s\n", port, removable, ps)
		}
		return nil
	},
}

var hubResetCmd = &cobra.Command{
	Use:   "reset [port]",
	Short: "Reset a hub port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := parseNumber(args[0])
		if err != nil || port == 0 || port > hub.MaxPorts {
			return fmt.Errorf("invalid port")
		}

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		r, dev, closer, err := app.openHub()
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		slog.Info("Resetting port...", "hub", dev.Key(), "port", port)
		st, err := r.ResetPort(ctx, int(port), 10*time.Millisecond)
		if err != nil {
			return fmt.Errorf("port reset failed: %w", err)
		}
		slog.Info("Done!", "status", st.String())
		return nil
	},
}

var hubWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Attach to every hub and report port status changes",
	Long:  "Powers up the ports of every hub passing the filter and logs status change events until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		events := make(hub.EventChannel, 64)
		reg := &driver.Registry{}
		reg.Register(hub.Driver(ctx, app.cfg.Hub(), events))
		app.mgr = driver.NewManager(reg, app.Open)

		errC := make(chan error, 1)
		go func() {
			errC <- app.Watch(ctx, app.mgr, hubWatchInterval)
		}()

		for {
			select {
			case e := <-events:
				slog.Info("Hub event", "event", e.String(), "attached", app.mgr.Attached())
			case err := <-errC:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	},
}
