package pipeline

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/detection"
)

var (
	// ErrOpen: the source or sink could not be opened. The item is discarded.
	ErrOpen = errors.New("open error")

	// ErrConnectivity: the pre-run health check failed. No files are touched.
	ErrConnectivity = errors.New("connectivity error")

	// ErrSubmission: a frame could not be submitted within the retry budget.
	ErrSubmission = errors.New("submission error")

	// ErrFrameIO: reading or writing a frame failed mid-run.
	ErrFrameIO = errors.New("frame i/o error")

	// ErrBusy: another run is in progress.
	ErrBusy = errors.New("a run is already in progress")
)

// alertFor turns a run error into the message shown to the user.
func alertFor(err error) string {
	switch {
	case errors.Is(err, ErrConnectivity):
		return "Cannot connect to the detection service"
	case errors.Is(err, ErrOpen):
		return "The video file cannot be opened"
	case errors.Is(err, ErrSubmission):
		return "Failed to receive data from the detection service"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Processing was cancelled"
	default:
		return "Video processing failed"
	}
}

// removesItem reports whether a failure means the item itself is unusable.
func removesItem(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrSubmission) || errors.Is(err, ErrFrameIO)
}

// classifySubmit marks every submission failure except cancellation.
func classifySubmit(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !errors.Is(err, detection.ErrSubmission) {
		err = errors.Wrap(err, "frame submission failed")
	}
	return errors.Mark(err, ErrSubmission)
}
