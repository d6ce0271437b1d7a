package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/vzahanych/fallwatch/internal/health"
)

// unavailable stands in for a component that could not be opened.
type unavailable struct{ err error }

func (u unavailable) GetVersion() (string, error)          { return "", u.err }
func (u unavailable) Ping(ctx context.Context) error        { return u.err }
func (u unavailable) HealthCheck(ctx context.Context) error { return u.err }

func newHealthCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the detection service, ffmpeg, the database and the output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.config()
			client := a.detectionClient(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout+5*time.Second)
			defer cancel()

			mgr := health.NewManager(a.log, nil)
			mgr.RegisterChecker(health.NewDetectionChecker(client, client.Conn().BaseURL))
			if err := a.openFFmpeg(); err != nil {
				mgr.RegisterChecker(health.NewFFmpegChecker(unavailable{err}))
			} else {
				mgr.RegisterChecker(health.NewFFmpegChecker(a.ffmpeg))
			}
			if err := a.openLibrary(ctx); err != nil {
				mgr.RegisterChecker(health.NewDatabaseChecker(unavailable{err}))
			} else {
				mgr.RegisterChecker(health.NewDatabaseChecker(a.store))
			}
			mgr.RegisterChecker(health.NewOutputDirChecker(func() string { return a.config().OutputDir() }))

			report := mgr.Check(ctx)
			printReport(report)

			switch {
			case report.Status == health.StatusUnhealthy:
				return errors.New("fallwatch is unhealthy")
			case report.Checks["detection_service"].Status != health.StatusHealthy:
				return errors.Newf("detection service at %s is unreachable", client.Conn().BaseURL())
			}
			return nil
		},
	}
}

func printReport(report health.Report) {
	data := pterm.TableData{{"Check", "Status", "Message"}}
	for _, name := range report.Names() {
		check := report.Checks[name]
		status := string(check.Status)
		switch check.Status {
		case health.StatusHealthy:
			status = pterm.Green(status)
		case health.StatusDegraded:
			status = pterm.Yellow(status)
		default:
			status = pterm.Red(status)
		}
		data = append(data, []string{name, status, check.Message})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	switch report.Status {
	case health.StatusHealthy:
		pterm.Success.Println("All checks passed")
	case health.StatusDegraded:
		pterm.Warning.Println("Some checks are degraded")
	default:
		pterm.Error.Println("Some checks failed")
	}
}
