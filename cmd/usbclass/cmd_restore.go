package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"

	"github.com/squilla/usbclass/pkg/usbms"
)

var restoreXZ bool

var restoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Write an image file to a logical unit",
	Long:  "Writes an image, optionally xz compressed, to the start of the configured LUN. A trailing partial block is padded with zeroes. You _will_ lose the data it overwrites.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("could not open file for reading: %w", err)
		}
		defer f.Close()

		var r io.Reader = f
		if restoreXZ || strings.HasSuffix(args[0], ".xz") {
			xr, err := xz.NewReader(f)
			if err != nil {
				return fmt.Errorf("could not read xz stream: %w", err)
			}
			r = xr
		}

		app, err := newStorage(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		bd, err := usbms.OpenBlockDevice(app.storage.SCSI)
		if err != nil {
			return fmt.Errorf("could not open block device: %w", err)
		}
		bl := bd.BlockLength()

		start := time.Now()
		buf := make([]byte, chunkBlocks*bl)
		var off int64
		for {
			n, err := io.ReadFull(r, buf)
			if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				break
			}
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("failed to read image: %w", err)
			}
			chunk := buf[:n]
			if pad := n % bl; pad != 0 {
				chunk = buf[:n+bl-pad]
				clear(chunk[n:])
			}
			if off+int64(len(chunk)) > bd.Size() {
				return fmt.Errorf("image is larger than the device (%d bytes)", bd.Size())
			}
			slog.Info("Restoring...", "block", off/int64(bl))
			if _, err := bd.WriteAt(chunk, off); err != nil {
				return fmt.Errorf("failed to write: %w", err)
			}
			off += int64(len(chunk))
			if n < len(buf) {
				break
			}
		}
		took := time.Since(start)
		slog.Info("Done!", "bytes", off, "seconds", int(took.Seconds()), "bps", int(float64(off)/took.Seconds()))
		return nil
	},
}
