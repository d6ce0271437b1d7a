package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vzahanych/fallwatch/internal/logger"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fallwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "{}\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, 8000, cfg.API.Port)
	assert.Equal(t, 0.5, cfg.API.FrameSendingDelay)
	assert.Equal(t, 5, cfg.API.MaxAttempts)
	assert.Equal(t, time.Duration(0), cfg.API.RetryDelay)
	assert.Equal(t, "avi", cfg.Processing.Container)
	assert.Equal(t, []TransitionTrigger{{From: "Standing", To: "Lying"}}, cfg.Processing.Triggers)
	assert.Equal(t, time.Second, cfg.Connectivity.PollInterval)
	assert.Equal(t, os.TempDir(), cfg.OutputDir())
	require.NoError(t, cfg.Validate())
}

func TestLoad_ParsesValues(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
api:
  host: detector.local
  port: 9000
  frame_sending_delay: 0.25
  retry_delay: 200ms
processing:
  output_dir: /var/fallwatch
  triggers:
    - {from: Sitting, to: Lying}
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "detector.local", cfg.API.Host)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, 0.25, cfg.API.FrameSendingDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.API.RetryDelay)
	assert.Equal(t, "/var/fallwatch", cfg.OutputDir())
	assert.Equal(t, []TransitionTrigger{{From: "Sitting", To: "Lying"}}, cfg.Processing.Triggers)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "api: [unclosed\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.API.Port = 0
	cfg.API.FrameSendingDelay = -1
	cfg.Log.Format = "xml"
	cfg.Processing.Triggers = []TransitionTrigger{{From: "Lying", To: "Lying"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "api.port")
	assert.Contains(t, msg, "api.frame_sending_delay")
	assert.Contains(t, msg, "log.format")
	assert.Contains(t, msg, "processing.triggers[0]")
}

func TestService_EnvOverridesAndReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "api:\n  port: 8001\n")
	t.Setenv("FALLWATCH_API_HOST", "10.0.0.7")

	svc, err := NewService(path, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", svc.Get().API.Host)
	assert.Equal(t, 8001, svc.Get().API.Port)

	var seenOld, seenNew int
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		seenOld, seenNew = oldConfig.API.Port, newConfig.API.Port
		return nil
	})

	writeConfig(t, dir, "api:\n  port: 8002\n")
	require.NoError(t, svc.Reload(context.Background()))

	assert.Equal(t, 8001, seenOld)
	assert.Equal(t, 8002, seenNew)
	assert.Equal(t, 8002, svc.Get().API.Port)
}

func TestService_ReloadKeepsPreviousOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "api:\n  port: 8001\n")

	svc, err := NewService(path, logger.NewNopLogger())
	require.NoError(t, err)

	writeConfig(t, dir, "api:\n  port: 70000\n")
	require.Error(t, svc.Reload(context.Background()))
	assert.Equal(t, 8001, svc.Get().API.Port)
}

func TestFileWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "api:\n  frame_sending_delay: 0.5\n")

	svc, err := NewService(path, logger.NewNopLogger())
	require.NoError(t, err)

	reloaded := make(chan float64, 16)
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		select {
		case reloaded <- newConfig.API.FrameSendingDelay:
		default:
		}
		return nil
	})

	w := NewFileWatcher(svc, logger.NewNopLogger())
	w.debouncePeriod = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	writeConfig(t, dir, "api:\n  frame_sending_delay: 1.5\n")

	timeout := time.After(5 * time.Second)
	for {
		select {
		case delay := <-reloaded:
			if delay == 1.5 {
				return
			}
		case <-timeout:
			t.Fatal("configuration was not reloaded")
		}
	}
}
