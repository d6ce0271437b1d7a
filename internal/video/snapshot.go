package video

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	ThumbnailOffset = time.Second
	ThumbnailWidth  = 640
	ThumbnailHeight = 360
)

// ExtractJPEG grabs the frame at offset as a JPEG. A zero width or height
// keeps the source size.
func (f *FFmpegWrapper) ExtractJPEG(ctx context.Context, path string, offset time.Duration, width, height int) ([]byte, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
	}
	if width > 0 && height > 0 {
		args = append(args, "-vf", "scale="+strconv.Itoa(width)+":"+strconv.Itoa(height))
	}
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"-",
	)

	cmd := f.BuildCommand(ctx, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "ffmpeg failed: %s", strings.TrimSpace(stderr.String()))
	}

	if stdout.Len() == 0 {
		return nil, errors.Newf("no frame at %v in %s", offset, path)
	}
	return stdout.Bytes(), nil
}

// Thumbnail extracts a 640x360 preview one second in, falling back to the
// first frame for clips shorter than that.
func (f *FFmpegWrapper) Thumbnail(ctx context.Context, path string) ([]byte, error) {
	data, err := f.ExtractJPEG(ctx, path, ThumbnailOffset, ThumbnailWidth, ThumbnailHeight)
	if err == nil {
		return data, nil
	}
	f.logger.Debug("Thumbnail at offset failed, using first frame", "path", path, "error", err)
	return f.ExtractJPEG(ctx, path, 0, ThumbnailWidth, ThumbnailHeight)
}
