package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fallwatch",
		Short: "Find falls in recorded video",
		Long: `fallwatch sends sampled frames of a video to a person detection service,
draws the returned boxes on every frame and records the moments a tracked
person goes from standing to lying.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	cmd.AddCommand(
		newProcessCommand(opts),
		newServeCommand(opts),
		newHealthCommand(opts),
		newLoginCommand(opts),
		newRegisterCommand(opts),
		newFrameCommand(opts),
		newVideosCommand(opts),
		newRunsCommand(opts),
	)

	return cmd
}
