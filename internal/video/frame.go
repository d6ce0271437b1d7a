package video

import (
	"context"
	"image"

	"github.com/cockroachdb/errors"
)

// ErrOpen marks failures to open a source or sink: missing or corrupt file,
// no video stream, unsupported codec, unwritable output path.
var ErrOpen = errors.New("video open failed")

// Frame is one decoded picture. Index is zero-based in stream order.
type Frame struct {
	Index int
	Image *image.RGBA
}

// Source reads frames sequentially. Next returns io.EOF at end of stream.
type Source interface {
	FPS() float64
	Width() int
	Height() int
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Sink appends frames to an output video. Close finalizes the container and
// must be called once on every exit path; further calls are no-ops.
type Sink interface {
	Write(ctx context.Context, frame *Frame) error
	Close() error
}

// Opener is the narrow decode/encode capability the pipeline depends on.
type Opener interface {
	OpenSource(ctx context.Context, path string) (Source, error)
	OpenSink(ctx context.Context, path string, fps float64, width, height int) (Sink, error)
}

// markOpen attaches ErrOpen to err so callers can classify it with errors.Is.
func markOpen(err error) error {
	return errors.Mark(err, ErrOpen)
}

// packedPixels returns img's pixels as tightly packed RGBA rows.
func packedPixels(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen && len(img.Pix) == rowLen*b.Dy() {
		return img.Pix
	}

	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[start:start+rowLen]...)
	}
	return out
}
