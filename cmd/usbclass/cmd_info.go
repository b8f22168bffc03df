package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var infoFormat string

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe a mass storage logical unit",
	Long:  "Gathers INQUIRY, serial number, capacity and write protection of the configured LUN and prints them as text or as an XML property list.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch infoFormat {
		case "text", "plist":
		default:
			return fmt.Errorf("invalid format %q, want one of 'text', 'plist'", infoFormat)
		}

		app, err := newStorage(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		r, err := app.storage.SCSI.Report()
		if err != nil {
			return fmt.Errorf("could not describe unit: %w", err)
		}
		if infoFormat == "plist" {
			data, err := r.Plist()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		fmt.Printf("Device:        %s\n", app.dev)
		fmt.Printf("Vendor:        %s\n", r.Vendor)
		fmt.Printf("Product:       %s\n", r.Product)
		fmt.Printf("Revision:      %s\n", r.Revision)
		if r.SerialNumber != "" {
			fmt.Printf("Serial number: %s\n", r.SerialNumber)
		}
		fmt.Printf("LUN:           %d of %d\n", r.LUN, r.MaxLUN+1)
		fmt.Printf("Removable:     %v\n", r.Removable)
		fmt.Printf("Write protect: %v\n", r.WriteProtect)
		fmt.Printf("Capacity:      %d blocks of %d bytes\n", r.Blocks, r.BlockLength)
		return nil
	},
}
