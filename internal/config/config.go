package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	API          APIConfig          `yaml:"api"`
	Processing   ProcessingConfig   `yaml:"processing"`
	Storage      StorageConfig      `yaml:"storage"`
	Web          WebConfig          `yaml:"web"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Log          LogConfig          `yaml:"log,omitempty"`
}

// APIConfig describes how to reach the detection service.
type APIConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	FrameSendingDelay float64       `yaml:"frame_sending_delay"` // seconds between submitted frames
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

// ProcessingConfig controls the annotate loop and its output.
type ProcessingConfig struct {
	OutputDir                   string              `yaml:"output_dir"` // OS temp dir when empty
	VideoCodec                  string              `yaml:"video_codec"`
	Container                   string              `yaml:"container"`
	RemovePartialOutput         bool                `yaml:"remove_partial_output"`
	UpdateOnUntrackedTransition bool                `yaml:"update_on_untracked_transition"`
	PreviewFPS                  float64             `yaml:"preview_fps"`
	Triggers                    []TransitionTrigger `yaml:"triggers"`
}

// TransitionTrigger is a class change that produces a timecode.
type TransitionTrigger struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// StorageConfig contains local storage configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// WebConfig contains control API configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ConnectivityConfig controls the background health poll.
type ConnectivityConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. A missing file is not an
// error when no explicit path was given: defaults are used instead.
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		configPath = getDefaultConfigPath()
	}

	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse configuration %s", configPath)
		}
	case os.IsNotExist(err) && !explicit:
	case os.IsNotExist(err):
		return nil, errors.Newf("configuration file not found: %s", configPath)
	default:
		return nil, errors.Wrap(err, "failed to read configuration file")
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/fallwatch.yaml",
		"./fallwatch.yaml",
	}
	if home, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(home, "fallwatch", "config.yaml"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.API.FrameSendingDelay == 0 {
		c.API.FrameSendingDelay = 0.5
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.MaxAttempts == 0 {
		c.API.MaxAttempts = 5
	}

	if c.Processing.VideoCodec == "" {
		c.Processing.VideoCodec = "mpeg4"
	}
	if c.Processing.Container == "" {
		c.Processing.Container = "avi"
	}
	if c.Processing.PreviewFPS == 0 {
		c.Processing.PreviewFPS = 5
	}
	if len(c.Processing.Triggers) == 0 {
		c.Processing.Triggers = []TransitionTrigger{{From: "Standing", To: "Lying"}}
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8090
	}

	if c.Connectivity.PollInterval == 0 {
		c.Connectivity.PollInterval = time.Second
	}
}

// OutputDir resolves the directory processed videos are written to.
func (c *Config) OutputDir() string {
	if c.Processing.OutputDir != "" {
		return c.Processing.OutputDir
	}
	return os.TempDir()
}

// DatabasePath is where the item/run history lives.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "db", "fallwatch.db")
}
