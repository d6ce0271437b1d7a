package video

import (
	"bytes"
	"context"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
)

// stderrBuffer collects a subprocess's stderr. exec copies into it from its
// own goroutine while the process runs.
type stderrBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *stderrBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

// FFmpegOpenerConfig contains encoder settings for sinks
type FFmpegOpenerConfig struct {
	VideoCodec string // "mpeg4" (xvid-tagged in avi) by default
	Quality    int    // -q:v for mpeg4, 2 (best) .. 31
}

// FFmpegOpener decodes and encodes through ffmpeg subprocesses connected by
// raw RGBA pipes.
type FFmpegOpener struct {
	ffmpeg *FFmpegWrapper
	config FFmpegOpenerConfig
	logger *logger.Logger
}

// NewFFmpegOpener creates an opener backed by ffmpeg
func NewFFmpegOpener(ffmpeg *FFmpegWrapper, config FFmpegOpenerConfig, log *logger.Logger) *FFmpegOpener {
	if config.VideoCodec == "" {
		config.VideoCodec = "mpeg4"
	}
	if config.Quality == 0 {
		config.Quality = 4
	}
	return &FFmpegOpener{ffmpeg: ffmpeg, config: config, logger: log}
}

// OpenSource probes path and starts decoding it.
func (o *FFmpegOpener) OpenSource(ctx context.Context, path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, markOpen(errors.Wrapf(err, "cannot open %s", path))
	}

	info, err := o.ffmpeg.Probe(ctx, path)
	if err != nil {
		return nil, markOpen(errors.Wrapf(err, "cannot read video stream of %s", path))
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := o.ffmpeg.BuildCommand(procCtx, args)
	stderr := &stderrBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, markOpen(errors.Wrap(err, "failed to create decoder pipe"))
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, markOpen(errors.Wrap(err, "failed to start decoder"))
	}

	o.logger.Debug("Video source opened",
		"path", path,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
	)

	return &ffmpegSource{
		info:   *info,
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// OpenSink starts an encoder writing to path.
func (o *FFmpegOpener) OpenSink(ctx context.Context, path string, fps float64, width, height int) (Sink, error) {
	if fps <= 0 || width <= 0 || height <= 0 {
		return nil, markOpen(errors.Newf("invalid sink geometry %dx%d@%v", width, height, fps))
	}

	dir := filepath.Dir(path)
	if st, err := os.Stat(dir); err != nil {
		return nil, markOpen(errors.Wrapf(err, "output directory %s", dir))
	} else if !st.IsDir() {
		return nil, markOpen(errors.Newf("output directory %s is not a directory", dir))
	}

	encoder := EncoderFor(o.config.VideoCodec)
	if !o.ffmpeg.IsCodecAvailable(encoder) {
		return nil, markOpen(errors.Newf("encoder %s is not available", encoder))
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(width) + "x" + strconv.Itoa(height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-an",
		// yuv420p needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", encoder,
	}
	if encoder == "mpeg4" {
		args = append(args, "-q:v", strconv.Itoa(o.config.Quality))
		if strings.EqualFold(filepath.Ext(path), ".avi") {
			args = append(args, "-vtag", "xvid")
		}
	}
	args = append(args, "-pix_fmt", "yuv420p", path)

	// Unbound from ctx so Close can still finalize the container after cancellation.
	cmd := o.ffmpeg.BuildCommand(context.Background(), args)
	stderr := &stderrBuffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, markOpen(errors.Wrap(err, "failed to create encoder pipe"))
	}
	if err := cmd.Start(); err != nil {
		return nil, markOpen(errors.Wrap(err, "failed to start encoder"))
	}

	o.logger.Debug("Video sink opened",
		"path", path,
		"encoder", encoder,
		"width", width,
		"height", height,
		"fps", fps,
	)

	return &ffmpegSink{
		path:   path,
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
	}, nil
}

type ffmpegSource struct {
	info   StreamInfo
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr *stderrBuffer

	index     int
	done      bool
	waited    bool
	closeOnce sync.Once
}

func (s *ffmpegSource) FPS() float64 { return s.info.FPS }
func (s *ffmpegSource) Width() int   { return s.info.Width }
func (s *ffmpegSource) Height() int  { return s.info.Height }

func (s *ffmpegSource) Next(ctx context.Context) (*Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		s.done = true
		// A trailing partial frame is dropped like a clean end of stream.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.waited = true
			if waitErr := s.cmd.Wait(); waitErr != nil {
				return nil, errors.Wrapf(waitErr, "decoder failed: %s", s.stderr.String())
			}
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read frame")
	}

	frame := &Frame{Index: s.index, Image: img}
	s.index++
	return frame, nil
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if !s.waited {
			// Killed by cancel; the exit error carries no information.
			_ = s.cmd.Wait()
			s.waited = true
		}
		s.done = true
	})
	return nil
}

type ffmpegSink struct {
	path   string
	width  int
	height int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *stderrBuffer

	mu     sync.Mutex
	closed bool
}

func (s *ffmpegSink) Write(ctx context.Context, frame *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sink is closed")
	}

	b := frame.Image.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return errors.Newf("frame %d is %dx%d, sink expects %dx%d", frame.Index, b.Dx(), b.Dy(), s.width, s.height)
	}

	if _, err := s.stdin.Write(packedPixels(frame.Image)); err != nil {
		return errors.Wrapf(err, "failed to write frame %d: %s", frame.Index, s.stderr.String())
	}
	return nil
}

func (s *ffmpegSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return errors.Wrapf(err, "encoder failed for %s: %s", s.path, s.stderr.String())
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "failed to close encoder input")
	}
	return nil
}
