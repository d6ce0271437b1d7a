package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/vzahanych/fallwatch/internal/config"
	"github.com/vzahanych/fallwatch/internal/health"
	"github.com/vzahanych/fallwatch/internal/pipeline"
	"github.com/vzahanych/fallwatch/internal/service"
	"github.com/vzahanych/fallwatch/internal/web"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API with live preview and config reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root)
		},
	}
}

func runServe(ctx context.Context, root *rootOptions) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.close()

	a.log.Info("Starting fallwatch",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.openPipeline(ctx); err != nil {
		return err
	}
	cfg := a.config()

	poller := pipeline.NewConnectivityPoller(a.detectors, cfg.Connectivity.PollInterval, a.log)

	// The manager owns the bus from here on; a.close must not close it twice.
	svcMgr := service.NewManagerWithBus(a.log, a.bus)
	a.bus = nil

	checks := health.NewManager(a.log, svcMgr)
	checks.RegisterChecker(health.NewDetectionChecker(a.detectors, func() string {
		return a.detectionClient(a.config()).Conn().BaseURL()
	}))
	checks.RegisterChecker(health.NewFFmpegChecker(a.ffmpeg))
	checks.RegisterChecker(health.NewDatabaseChecker(a.store))
	checks.RegisterChecker(health.NewOutputDirChecker(func() string { return a.config().OutputDir() }))

	server := web.NewServer(&cfg.Web, web.Dependencies{
		Library:      a.library,
		Runner:       a.runner,
		Preview:      a.preview,
		Frames:       a.ffmpeg,
		Runs:         a.store,
		Connectivity: poller,
		Health:       checks,
		Settings: func() pipeline.Settings {
			return pipeline.SettingsFromConfig(a.config())
		},
	}, a.log)
	server.SetVersion(version)

	svcMgr.Register(a.runner)
	svcMgr.Register(poller)
	svcMgr.Register(config.NewFileWatcher(a.cfgSvc, a.log))
	svcMgr.Register(server)

	a.cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if oldCfg.API != newCfg.API {
			a.detectors.Set(a.detectionClient(newCfg))
			a.log.Info("Detection client reconfigured",
				"host", newCfg.API.Host,
				"port", newCfg.API.Port,
			)
		}
		if oldCfg.Log.Level != newCfg.Log.Level && root.logLevel == "" {
			a.log.SetLevel(newCfg.Log.Level)
			a.log.Info("Log level changed", "level", a.log.Level())
		}
		if oldCfg.Processing.PreviewFPS != newCfg.Processing.PreviewFPS {
			a.preview.SetRate(newCfg.Processing.PreviewFPS)
		}
		svcMgr.GetEventBus().Publish(service.Event{
			Type:      service.EventTypeConfigReloaded,
			Source:    "config",
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"path": a.cfgSvc.Path()},
		})
		return nil
	})

	if err := svcMgr.Start(ctx); err != nil {
		a.log.Error("Failed to start services", "error", err)
		return err
	}
	if server.Addr() != "" {
		pterm.Success.Printf("Listening on http://%s\n", server.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		a.log.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		a.log.Error("Error during shutdown", "error", err)
		return err
	}

	a.log.Info("Shutdown complete")
	return nil
}
