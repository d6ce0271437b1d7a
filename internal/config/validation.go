package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var problems []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		problems = append(problems, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.API.Host == "" {
		problems = append(problems, "api.host is required")
	} else if strings.ContainsAny(c.API.Host, "/ ") {
		problems = append(problems, fmt.Sprintf("api.host must be a bare host name or address, got: %q", c.API.Host))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		problems = append(problems, fmt.Sprintf("api.port must be between 1 and 65535, got: %d", c.API.Port))
	}
	if c.API.FrameSendingDelay <= 0 {
		problems = append(problems, fmt.Sprintf("api.frame_sending_delay must be > 0, got: %v", c.API.FrameSendingDelay))
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("api.timeout must be > 0, got: %v", c.API.Timeout))
	}
	if c.API.MaxAttempts <= 0 {
		problems = append(problems, fmt.Sprintf("api.max_attempts must be > 0, got: %d", c.API.MaxAttempts))
	}
	if c.API.RetryDelay < 0 {
		problems = append(problems, fmt.Sprintf("api.retry_delay must be >= 0, got: %v", c.API.RetryDelay))
	}

	if c.Processing.PreviewFPS < 0 {
		problems = append(problems, fmt.Sprintf("processing.preview_fps must be >= 0, got: %v", c.Processing.PreviewFPS))
	}
	if strings.HasPrefix(c.Processing.Container, ".") {
		problems = append(problems, fmt.Sprintf("processing.container must not start with a dot, got: %s", c.Processing.Container))
	}
	for i, trig := range c.Processing.Triggers {
		if trig.From == "" || trig.To == "" {
			problems = append(problems, fmt.Sprintf("processing.triggers[%d] needs both from and to", i))
		} else if trig.From == trig.To {
			problems = append(problems, fmt.Sprintf("processing.triggers[%d] from and to are both %q", i, trig.From))
		}
	}

	if c.Storage.DataDir == "" {
		problems = append(problems, "storage.data_dir is required")
	}

	if c.Web.Enabled {
		if c.Web.Port <= 0 || c.Web.Port > 65535 {
			problems = append(problems, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
		}
		if ip := net.ParseIP(c.Web.Host); ip == nil && c.Web.Host != "localhost" {
			problems = append(problems, fmt.Sprintf("web.host must be an IP address or localhost, got: %s", c.Web.Host))
		}
	}

	if c.Connectivity.PollInterval <= 0 {
		problems = append(problems, fmt.Sprintf("connectivity.poll_interval must be > 0, got: %v", c.Connectivity.PollInterval))
	}

	if len(problems) > 0 {
		return errors.Newf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return nil
}
