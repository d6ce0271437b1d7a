//go:build gocv

package video

import "github.com/vzahanych/fallwatch/internal/logger"

// NewOpener returns the opener compiled into this binary. ffmpeg is still
// used for probing thumbnails and single frames.
func NewOpener(ffmpeg *FFmpegWrapper, config FFmpegOpenerConfig, log *logger.Logger) Opener {
	fourcc := "XVID"
	if config.VideoCodec == "h264" {
		fourcc = "avc1"
	}
	return NewGoCVOpener(fourcc, log)
}

// Backend names the decode/encode backend compiled into this binary.
const Backend = "gocv"
