//go:build gocv

package video

import (
	"context"
	"image"
	"image/draw"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
	"gocv.io/x/gocv"
)

// GoCVOpener decodes and encodes through OpenCV. Built with -tags gocv.
type GoCVOpener struct {
	fourcc string
	logger *logger.Logger
}

// NewGoCVOpener creates an OpenCV-backed opener; fourcc defaults to XVID.
func NewGoCVOpener(fourcc string, log *logger.Logger) *GoCVOpener {
	if fourcc == "" {
		fourcc = "XVID"
	}
	return &GoCVOpener{fourcc: fourcc, logger: log}
}

func (o *GoCVOpener) OpenSource(ctx context.Context, path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, markOpen(errors.Wrapf(err, "cannot open %s", path))
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, markOpen(errors.Wrapf(err, "cannot open %s", path))
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, markOpen(errors.Newf("cannot decode %s", path))
	}

	src := &gocvSource{
		capture: capture,
		fps:     capture.Get(gocv.VideoCaptureFPS),
	}

	// Geometry comes from a decoded frame: the capture properties report
	// the coded size, which differs from rotated footage.
	first := gocv.NewMat()
	if !capture.Read(&first) || first.Empty() {
		first.Close()
		capture.Close()
		return nil, markOpen(errors.Newf("no decodable frame in %s", path))
	}
	src.pending = &first
	src.width, src.height = first.Cols(), first.Rows()

	if src.fps <= 0 || src.width <= 0 || src.height <= 0 {
		src.Close()
		return nil, markOpen(errors.Newf("no usable video stream in %s", path))
	}

	o.logger.Debug("Video source opened", "path", path, "backend", "gocv", "fps", src.fps)
	return src, nil
}

func (o *GoCVOpener) OpenSink(ctx context.Context, path string, fps float64, width, height int) (Sink, error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, markOpen(errors.Wrapf(err, "output directory of %s", path))
	}

	writer, err := gocv.VideoWriterFile(path, o.fourcc, fps, width, height, true)
	if err != nil {
		return nil, markOpen(errors.Wrapf(err, "cannot create %s", path))
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, markOpen(errors.Newf("encoder %s unavailable for %s", o.fourcc, path))
	}

	return &gocvSink{writer: writer}, nil
}

type gocvSource struct {
	capture *gocv.VideoCapture
	pending *gocv.Mat
	fps     float64
	width   int
	height  int
	index   int
	closed  bool
}

func (s *gocvSource) FPS() float64 { return s.fps }
func (s *gocvSource) Width() int   { return s.width }
func (s *gocvSource) Height() int  { return s.height }

func (s *gocvSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mat gocv.Mat
	if s.pending != nil {
		mat = *s.pending
		s.pending = nil
	} else {
		mat = gocv.NewMat()
		if !s.capture.Read(&mat) || mat.Empty() {
			mat.Close()
			return nil, io.EOF
		}
	}
	defer mat.Close()

	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert frame %d", s.index)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}

	frame := &Frame{Index: s.index, Image: rgba}
	s.index++
	return frame, nil
}

func (s *gocvSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pending != nil {
		s.pending.Close()
		s.pending = nil
	}
	return s.capture.Close()
}

type gocvSink struct {
	writer *gocv.VideoWriter
	closed bool
}

func (s *gocvSink) Write(ctx context.Context, frame *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return errors.New("sink is closed")
	}

	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return errors.Wrapf(err, "failed to convert frame %d", frame.Index)
	}
	defer mat.Close()

	return errors.Wrapf(s.writer.Write(mat), "failed to write frame %d", frame.Index)
}

func (s *gocvSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
