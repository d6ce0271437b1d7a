package main

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newFrameCommand(root *rootOptions) *cobra.Command {
	var (
		at  float64
		out string
	)

	cmd := &cobra.Command{
		Use:   "frame <video>",
		Short: "Save the frame at a timecode as JPEG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at < 0 {
				return errors.New("--at must not be negative")
			}

			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openFFmpeg(); err != nil {
				return err
			}

			offset := time.Duration(at * float64(time.Second))
			data, err := a.ffmpeg.ExtractJPEG(cmd.Context(), args[0], offset, 0, 0)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return errors.Wrapf(err, "failed to write %s", out)
			}

			pterm.Success.Printf("Frame at %s written to %s\n", offset, out)
			return nil
		},
	}

	cmd.Flags().Float64Var(&at, "at", 0, "Timecode in seconds")
	cmd.Flags().StringVarP(&out, "out", "o", "frame.jpg", "Output file")

	return cmd
}
