package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/vzahanych/fallwatch/internal/library"
	"github.com/vzahanych/fallwatch/internal/pipeline"
	"github.com/vzahanych/fallwatch/internal/service"
)

type processOptions struct {
	delay         float64
	outputDir     string
	removePartial bool
}

func newProcessCommand(root *rootOptions) *cobra.Command {
	opts := &processOptions{}

	cmd := &cobra.Command{
		Use:   "process <video>...",
		Short: "Annotate videos and list the moments someone fell",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), root, opts, cmd, args)
		},
	}

	cmd.Flags().Float64Var(&opts.delay, "delay", 0, "Seconds of video between submitted frames (overrides api.frame_sending_delay)")
	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", "", "Directory for annotated videos (overrides processing.output_dir)")
	cmd.Flags().BoolVar(&opts.removePartial, "remove-partial", false, "Delete the output of a failed run")

	return cmd
}

func runProcess(ctx context.Context, root *rootOptions, opts *processOptions, cmd *cobra.Command, paths []string) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.openPipeline(ctx); err != nil {
		return err
	}

	settings := pipeline.SettingsFromConfig(a.config())
	if cmd.Flags().Changed("delay") {
		settings.FrameSendingDelay = opts.delay
	}
	if opts.outputDir != "" {
		if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
			return errors.Wrapf(err, "output directory %s", opts.outputDir)
		}
		settings.OutputDir = opts.outputDir
	}
	if opts.removePartial {
		settings.RemovePartialOutput = true
	}

	failed := 0
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if err := processOne(ctx, a, abs, settings); err != nil {
			failed++
			if errors.Is(err, context.Canceled) {
				break
			}
		}
	}

	if failed > 0 {
		return errors.Newf("%d of %d videos failed", failed, len(paths))
	}
	return nil
}

func processOne(ctx context.Context, a *app, path string, settings pipeline.Settings) error {
	if _, err := os.Stat(path); err != nil {
		pterm.Error.Printf("Cannot open %s: %v\n", path, err)
		return err
	}

	thumb, err := a.ffmpeg.Thumbnail(ctx, path)
	if err != nil {
		pterm.Error.Printf("%s is not a readable video\n", path)
		return err
	}

	item, err := a.library.Add(ctx, path, thumb)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Processing %s", filepath.Base(path)))

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go followRun(progressCtx, a, spinner, filepath.Base(path))

	res, err := a.runner.Run(ctx, item, settings)
	stopProgress()

	if err != nil {
		if res != nil {
			spinner.Fail(fmt.Sprintf("%s: %s", filepath.Base(path), res.Alert))
			a.log.Debug("Run failed", "path", path, "error", err)
		} else {
			spinner.Fail(err.Error())
		}
		return err
	}

	spinner.Success(fmt.Sprintf("%s: %d frames, %d submitted, %s",
		filepath.Base(path), res.Frames, res.Submissions, res.Duration.Round(time.Millisecond)))
	printTimeCodes(res.Item)
	return nil
}

// followRun mirrors run events onto the spinner text.
func followRun(ctx context.Context, a *app, spinner *pterm.SpinnerPrinter, name string) {
	events := a.bus.SubscribeAll()
	defer a.bus.UnsubscribeAll(events)

	falls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case service.EventTypeRunState:
				spinner.UpdateText(fmt.Sprintf("%s: %v", name, ev.Data["state"]))
			case service.EventTypeRunTimeCode:
				falls++
				spinner.UpdateText(fmt.Sprintf("%s: fall #%d at %.2fs", name, falls, ev.Data["timecode"]))
			}
		}
	}
}

func printTimeCodes(item library.VideoItem) {
	pterm.Info.Printf("Annotated copy: %s\n", item.ProcessedPath)
	if len(item.TimeCodes) == 0 {
		pterm.Info.Println("No falls detected")
		return
	}

	data := pterm.TableData{{"#", "Seconds", "Time"}}
	for i, tc := range item.TimeCodes {
		seconds := float64(tc)
		data = append(data, []string{
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%.2f", seconds),
			time.Duration(seconds * float64(time.Second)).Truncate(10 * time.Millisecond).String(),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
