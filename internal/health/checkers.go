package health

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Pinger is anything with a cheap reachability probe.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// DetectionChecker checks the detection service
type DetectionChecker struct {
	service Pinger
	baseURL func() string
	timeout time.Duration
}

// NewDetectionChecker probes svc; baseURL, when set, is reported in details.
func NewDetectionChecker(svc Pinger, baseURL func() string) *DetectionChecker {
	return &DetectionChecker{service: svc, baseURL: baseURL, timeout: 3 * time.Second}
}

func (c *DetectionChecker) Name() string {
	return "detection_service"
}

func (c *DetectionChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	if c.baseURL != nil {
		check.Details["url"] = c.baseURL()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Runs cannot start without it, but the library stays usable.
	if err := c.service.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Detection service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Detection service is reachable"
	return check
}

// DatabasePinger is satisfied by store.Store
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db DatabasePinger
}

func NewDatabaseChecker(db DatabasePinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// VersionReporter is satisfied by video.FFmpegWrapper
type VersionReporter interface {
	GetVersion() (string, error)
}

// FFmpegChecker checks that ffmpeg runs
type FFmpegChecker struct {
	ffmpeg VersionReporter
}

func NewFFmpegChecker(ffmpeg VersionReporter) *FFmpegChecker {
	return &FFmpegChecker{ffmpeg: ffmpeg}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	version, err := c.ffmpeg.GetVersion()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("ffmpeg is not usable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	check.Details["version"] = version
	return check
}

// OutputDirChecker checks that annotated videos can be written
type OutputDirChecker struct {
	dir func() string
}

// NewOutputDirChecker re-reads dir on every check so config reloads apply.
func NewOutputDirChecker(dir func() string) *OutputDirChecker {
	return &OutputDirChecker{dir: dir}
}

func (c *OutputDirChecker) Name() string {
	return "output_dir"
}

func (c *OutputDirChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	dir := c.dir()
	check.Details["path"] = dir

	if err := os.MkdirAll(dir, 0755); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to create output directory: %v", err)
		return check
	}

	f, err := os.CreateTemp(dir, ".fallwatch-probe-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Output directory is not writable: %v", err)
		return check
	}
	f.Close()
	os.Remove(f.Name())

	check.Status = StatusHealthy
	check.Message = "Output directory writable"
	return check
}

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}
