package config

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := loadResolved(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load initial configuration")
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// NewStaticService wraps an already-built configuration. Reload is a no-op.
func NewStaticService(cfg *Config, log *logger.Logger) *Service {
	return &Service{config: cfg, logger: log}
}

func loadResolved(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetLogger replaces the logger used for reload messages. The service is
// created before logging is configured, since logging is configured from it.
func (s *Service) SetLogger(log *logger.Logger) {
	s.mu.Lock()
	s.logger = log
	s.mu.Unlock()
}

// Get returns the current configuration (thread-safe). Callers must treat the
// result as read-only; a reload swaps the pointer instead of mutating it.
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Path returns the file the configuration was loaded from ("" for defaults).
func (s *Service) Path() string {
	return s.configPath
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}

	newConfig, err := loadResolved(s.configPath)
	if err != nil {
		return errors.Wrap(err, "failed to reload configuration")
	}

	s.mu.Lock()
	oldConfig := s.config
	s.config = newConfig
	watchers := append([]ConfigWatcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, watcher := range watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FALLWATCH_API_HOST"); val != "" {
		cfg.API.Host = val
	}
	if val := os.Getenv("FALLWATCH_API_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.API.Port = port
		}
	}
	if val := os.Getenv("FALLWATCH_FRAME_SENDING_DELAY"); val != "" {
		if delay, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.API.FrameSendingDelay = delay
		}
	}
	if val := os.Getenv("FALLWATCH_API_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.API.Timeout = d
		}
	}

	if val := os.Getenv("FALLWATCH_OUTPUT_DIR"); val != "" {
		cfg.Processing.OutputDir = val
	}
	if val := os.Getenv("FALLWATCH_DATA_DIR"); val != "" {
		cfg.Storage.DataDir = val
	}

	if val := os.Getenv("FALLWATCH_WEB_ENABLED"); val != "" {
		cfg.Web.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("FALLWATCH_WEB_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Web.Port = port
		}
	}

	if val := os.Getenv("FALLWATCH_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("FALLWATCH_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
}
