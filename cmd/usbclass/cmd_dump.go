package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"

	"github.com/squilla/usbclass/pkg/usbms"
)

// chunkBlocks is the number of blocks moved per READ(10)/WRITE(10).
const chunkBlocks = 128

var (
	dumpXZ    bool
	dumpCount string
)

var dumpCmd = &cobra.Command{
	Use:   "dump [file]",
	Short: "Dump a logical unit to file",
	Long:  "Reads the configured LUN of a mass storage device block by block and writes it to a file, optionally xz compressed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newStorage(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		bd, err := usbms.OpenBlockDevice(app.storage.SCSI)
		if err != nil {
			return fmt.Errorf("could not open block device: %w", err)
		}
		bl := int64(bd.BlockLength())
		size := bd.Size()
		if dumpCount != "" {
			n, err := parseNumber(dumpCount)
			if err != nil {
				return fmt.Errorf("invalid count")
			}
			size = min(size, int64(n)*bl)
		}

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("could not open file for writing: %w", err)
		}
		defer f.Close()

		var w io.Writer = f
		var xw *xz.Writer
		if dumpXZ {
			xw, err = xz.NewWriter(f)
			if err != nil {
				return fmt.Errorf("could not create xz stream: %w", err)
			}
			w = xw
		}

		start := time.Now()
		buf := make([]byte, chunkBlocks*bl)
		for off := int64(0); off < size; off += int64(len(buf)) {
			slog.Info("Dumping...", "block", off/bl, "blocks", size/bl)
			chunk := buf[:min(int64(len(buf)), size-off)]
			n, err := bd.ReadAt(chunk, off)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read block %d: %w", off/bl, err)
			}
			if _, err := w.Write(chunk[:n]); err != nil {
				return fmt.Errorf("failed to write: %w", err)
			}
		}
		if xw != nil {
			if err := xw.Close(); err != nil {
				return fmt.Errorf("failed to finish xz stream: %w", err)
			}
		}
		took := time.Since(start)
		slog.Info("Done!", "bytes", size, "seconds", int(took.Seconds()), "bps", int(float64(size)/took.Seconds()))
		return nil
	},
}
