package video

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
)

// FFmpegWrapper locates the ffmpeg/ffprobe binaries and builds commands for them.
type FFmpegWrapper struct {
	logger          *logger.Logger
	ffmpegPath      string
	ffprobePath     string
	availableCodecs map[string]bool
	mu              sync.RWMutex
}

// StreamInfo describes the first video stream of a file.
type StreamInfo struct {
	Width     int // as displayed, after rotation
	Height    int
	FPS       float64
	NumFrames int // 0 when the container does not say
	Rotation  int // degrees, normalized to 0, 90, 180 or 270
}

// NewFFmpegWrapper creates a new FFmpeg wrapper
func NewFFmpegWrapper(log *logger.Logger) (*FFmpegWrapper, error) {
	wrapper := &FFmpegWrapper{
		logger:          log,
		availableCodecs: make(map[string]bool),
	}

	ffmpegPath, err := detectBinary("ffmpeg")
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg not found")
	}
	wrapper.ffmpegPath = ffmpegPath

	ffprobePath, err := detectBinary("ffprobe")
	if err != nil {
		return nil, errors.Wrap(err, "ffprobe not found")
	}
	wrapper.ffprobePath = ffprobePath

	codecs, err := wrapper.detectEncoders()
	if err != nil {
		log.Warn("Failed to detect encoders", "error", err)
	} else {
		wrapper.availableCodecs = codecs
	}

	log.Debug("FFmpeg wrapper initialized",
		"ffmpeg", wrapper.ffmpegPath,
		"ffprobe", wrapper.ffprobePath,
		"encoders", len(wrapper.availableCodecs),
	)

	return wrapper, nil
}

// detectBinary finds an executable in PATH or a common install location
func detectBinary(name string) (string, error) {
	paths := []string{name, "/usr/bin/" + name, "/usr/local/bin/" + name, "/opt/homebrew/bin/" + name}

	for _, path := range paths {
		cmd := exec.Command(path, "-version")
		if err := cmd.Run(); err == nil {
			return path, nil
		}
	}

	return "", errors.Newf("%s not found in PATH or common locations", name)
}

// detectEncoders lists the video encoders this ffmpeg build ships with.
func (f *FFmpegWrapper) detectEncoders() (map[string]bool, error) {
	codecs := make(map[string]bool)

	output, err := exec.Command(f.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list encoders")
	}

	for _, line := range strings.Split(string(output), "\n") {
		parts := strings.Fields(line)
		// Encoder lines look like " V....D libx264   libx264 H.264 ..."
		if len(parts) > 1 && strings.HasPrefix(parts[0], "V") && len(parts[0]) == 6 {
			codecs[parts[1]] = true
		}
	}

	return codecs, nil
}

// IsCodecAvailable reports whether an encoder is available. When the encoder
// list could not be read every codec is assumed available and ffmpeg itself
// gets to reject it.
func (f *FFmpegWrapper) IsCodecAvailable(codec string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.availableCodecs) == 0 {
		return true
	}
	return f.availableCodecs[codec]
}

// EncoderFor maps a configured codec family to an ffmpeg encoder name.
func EncoderFor(codec string) string {
	switch codec {
	case "h264":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	case "xvid":
		return "mpeg4"
	default:
		return codec
	}
}

// BuildCommand builds an FFmpeg command bound to ctx
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.ffmpegPath, args...)
}

// GetVersion returns FFmpeg version
func (f *FFmpegWrapper) GetVersion() (string, error) {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", errors.Wrap(err, "failed to get ffmpeg version")
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}

	return "unknown", nil
}

// Probe reads the geometry and frame rate of the first video stream.
func (f *FFmpegWrapper) Probe(ctx context.Context, path string) (*StreamInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-of", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "ffprobe %s: %s", path, strings.TrimSpace(stderr.String()))
	}

	return parseProbeOutput(stdout.Bytes())
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NumFrames    string `json:"nb_frames"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideData []struct {
			Rotation *float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

func parseProbeOutput(data []byte) (*StreamInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "failed to parse ffprobe output")
	}
	if len(out.Streams) == 0 {
		return nil, errors.New("no video stream")
	}

	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return nil, errors.Newf("invalid frame size %dx%d", s.Width, s.Height)
	}

	fps, err := parseFrameRate(s.AvgFrameRate)
	if err != nil || fps <= 0 {
		fps, err = parseFrameRate(s.RFrameRate)
	}
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		return nil, errors.Newf("invalid frame rate %q", s.RFrameRate)
	}

	info := &StreamInfo{Width: s.Width, Height: s.Height, FPS: fps}
	if n, err := strconv.Atoi(s.NumFrames); err == nil {
		info.NumFrames = n
	}

	// The decoder applies the display rotation, so frames come out with
	// the displayed geometry, not the coded one.
	rotation := 0.0
	if r, err := strconv.ParseFloat(s.Tags.Rotate, 64); err == nil {
		rotation = r
	}
	for _, sd := range s.SideData {
		if sd.Rotation != nil {
			rotation = *sd.Rotation
		}
	}
	info.Rotation = int(math.Round(rotation)) % 360
	if info.Rotation < 0 {
		info.Rotation += 360
	}
	if info.Rotation == 90 || info.Rotation == 270 {
		info.Width, info.Height = info.Height, info.Width
	}
	return info, nil
}

// parseFrameRate parses ffprobe rationals like "30000/1001" or plain "25".
func parseFrameRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid frame rate %q", rate)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid frame rate %q", rate)
	}
	if d == 0 {
		return 0, nil
	}
	return n / d, nil
}
