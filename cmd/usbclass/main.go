package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "usbclass",
	Short: "usbclass talks to USB mass storage devices and hubs from userspace",
	Long: `Drives USB mass storage devices (Bulk-Only Transport, SCSI) and hubs
directly through libusb, without the kernel's class drivers.

Devices can be selected with --vid/--pid or with the devices list in the
configuration file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
			if err := flag.Set("v", "2"); err != nil {
				return err
			}
		}
		return nil
	},
}

var (
	configPath    string
	verboseLog    bool
	metricsListen string
	filterVID     string
	filterPID     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: $XDG_CONFIG_HOME/usbclass/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verboseLog, "verbose", false, "Enable verbose debug logging, including protocol traces")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address, e.g. :9100")
	rootCmd.PersistentFlags().StringVar(&filterVID, "vid", "", "Only use devices with this vendor ID")
	rootCmd.PersistentFlags().StringVar(&filterPID, "pid", "", "Only use devices with this product ID (requires --vid)")

	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "text", "Output format, one of 'text', 'plist'")
	dumpCmd.Flags().BoolVar(&dumpXZ, "xz", false, "Compress the image with xz")
	dumpCmd.Flags().StringVarP(&dumpCount, "count", "n", "", "Number of blocks to dump (default: whole device)")
	restoreCmd.Flags().BoolVar(&restoreXZ, "xz", false, "Image is xz compressed (default: guessed from .xz suffix)")
	hubWatchCmd.Flags().DurationVar(&hubWatchInterval, "interval", defaultWatchInterval, "Bus enumeration interval")

	rootCmd.AddCommand(listCmd)
	scsiCmd.AddCommand(scsiInquiryCmd)
	scsiCmd.AddCommand(scsiCapacityCmd)
	scsiCmd.AddCommand(scsiSenseCmd)
	scsiCmd.AddCommand(scsiTURCmd)
	rootCmd.AddCommand(scsiCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(restoreCmd)
	hubCmd.AddCommand(hubInfoCmd)
	hubCmd.AddCommand(hubResetCmd)
	hubCmd.AddCommand(hubWatchCmd)
	rootCmd.AddCommand(hubCmd)
}

func parseNumber(s string) (uint32, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid number")
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 32)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid number")
			}
		}
	}
	return uint32(res), nil
}
