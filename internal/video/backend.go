//go:build !gocv

package video

import "github.com/vzahanych/fallwatch/internal/logger"

// NewOpener returns the opener compiled into this binary.
func NewOpener(ffmpeg *FFmpegWrapper, config FFmpegOpenerConfig, log *logger.Logger) Opener {
	return NewFFmpegOpener(ffmpeg, config, log)
}

// Backend names the decode/encode backend compiled into this binary.
const Backend = "ffmpeg"
