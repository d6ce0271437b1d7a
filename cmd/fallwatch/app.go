package main

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/config"
	"github.com/vzahanych/fallwatch/internal/detection"
	"github.com/vzahanych/fallwatch/internal/library"
	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/pipeline"
	"github.com/vzahanych/fallwatch/internal/service"
	"github.com/vzahanych/fallwatch/internal/store"
	"github.com/vzahanych/fallwatch/internal/video"
)

// app holds the components shared by the commands. Fields beyond config and
// logger are filled in by the open* helpers as a command needs them.
type app struct {
	cfgSvc *config.Service
	log    *logger.Logger

	ffmpeg    *video.FFmpegWrapper
	store     *store.Store
	bus       *service.EventBus
	library   *library.Library
	detectors *pipeline.DetectorHolder
	preview   *pipeline.Preview
	runner    *pipeline.Runner
}

func newApp(opts *rootOptions) (*app, error) {
	cfgSvc, err := config.NewService(opts.configPath, logger.NewNopLogger())
	if err != nil {
		return nil, err
	}
	cfg := cfgSvc.Get()

	logCfg := logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}

	cfgSvc.SetLogger(log)

	return &app{cfgSvc: cfgSvc, log: log}, nil
}

func (a *app) config() *config.Config {
	return a.cfgSvc.Get()
}

func (a *app) detectionClient(cfg *config.Config) *detection.Client {
	return detection.NewClient(detection.ConnConfig{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Timeout:     cfg.API.Timeout,
		MaxAttempts: cfg.API.MaxAttempts,
		RetryDelay:  cfg.API.RetryDelay,
	}, a.log)
}

func (a *app) openFFmpeg() error {
	if a.ffmpeg != nil {
		return nil
	}
	ffmpeg, err := video.NewFFmpegWrapper(a.log)
	if err != nil {
		return err
	}
	a.ffmpeg = ffmpeg
	return nil
}

// openLibrary opens the database and restores the persisted library.
func (a *app) openLibrary(ctx context.Context) error {
	if a.library != nil {
		return nil
	}
	cfg := a.config()

	st, err := store.New(cfg.DatabasePath(), a.log)
	if err != nil {
		return err
	}
	a.store = st
	a.bus = service.NewEventBus(256)

	a.library = library.New(st, a.bus, a.log)
	if err := a.library.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load library")
	}
	return nil
}

// openPipeline wires everything a run needs on top of openLibrary.
func (a *app) openPipeline(ctx context.Context) error {
	if err := a.openFFmpeg(); err != nil {
		return err
	}
	if err := a.openLibrary(ctx); err != nil {
		return err
	}
	cfg := a.config()

	if err := os.MkdirAll(cfg.OutputDir(), 0755); err != nil {
		return errors.Wrapf(err, "output directory %s", cfg.OutputDir())
	}

	opener := video.NewOpener(a.ffmpeg, video.FFmpegOpenerConfig{VideoCodec: cfg.Processing.VideoCodec}, a.log)
	a.log.Debug("Video backend", "backend", video.Backend)

	a.detectors = pipeline.NewDetectorHolder(a.detectionClient(cfg))
	a.preview = pipeline.NewPreview(cfg.Processing.PreviewFPS)
	a.runner = pipeline.NewRunner(pipeline.RunnerConfig{
		Opener:    opener,
		Detectors: a.detectors,
		Library:   a.library,
		Runs:      a.store,
		Preview:   a.preview,
	}, a.log)
	a.runner.SetEventBus(a.bus)
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	a.log.Sync()
}

