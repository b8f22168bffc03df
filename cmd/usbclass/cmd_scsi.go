package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/squilla/usbclass/pkg/usbms"
)

var scsiCmd = &cobra.Command{
	Use:   "scsi",
	Short: "Send single SCSI commands to a mass storage device",
}

// withSCSI runs fn against the configured LUN of the first mass storage
// device.
func withSCSI(cmd *cobra.Command, fn func(s *usbms.SCSI) error) error {
	app, err := newStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app.storage.SCSI)
}

var scsiInquiryCmd = &cobra.Command{
	Use:   "inquiry",
	Short: "Print the standard INQUIRY data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSCSI(cmd, func(s *usbms.SCSI) error {
			inq, err := s.StandardInquiry()
			if err != nil {
				return err
			}
			fmt.Printf("Vendor:          %s\n", inq.Vendor)
			fmt.Printf("Product:         %s\n", inq.Product)
			fmt.Printf("Revision:        %s\n", inq.Revision)
			fmt.Printf("Peripheral type: %#02x\n", inq.PeripheralType)
			fmt.Printf("Removable:       %v\n", inq.Removable)
			fmt.Printf("Version:         %d\n", inq.Version)
			return nil
		})
	},
}

var scsiCapacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Print READ CAPACITY data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSCSI(cmd, func(s *usbms.SCSI) error {
			c, err := s.Capacity()
			if err != nil {
				return err
			}
			fmt.Printf("Last LBA:     %d\n", c.LastLBA)
			fmt.Printf("Block length: %d\n", c.BlockLength)
			fmt.Printf("Size:         %d bytes (%.1f MiB)\n", c.Bytes(), float64(c.Bytes())/(1<<20))
			return nil
		})
	},
}

var scsiSenseCmd = &cobra.Command{
	Use:   "sense",
	Short: "Run REQUEST SENSE and print the pending condition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSCSI(cmd, func(s *usbms.SCSI) error {
			sense, err := s.Sense()
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", sense)
			if err := sense.Err(); err != nil {
				fmt.Printf("Condition: %v\n", err)
			}
			return nil
		})
	},
}

var scsiTURCmd = &cobra.Command{
	Use:   "tur",
	Short: "Run TEST UNIT READY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSCSI(cmd, func(s *usbms.SCSI) error {
			if err := s.CheckCondition(s.TestUnitReady(0)); err != nil {
				return fmt.Errorf("unit not ready: %w", err)
			}
			fmt.Printf("Unit ready.\n")
			return nil
		})
	},
}
