// Package sampling decides which frames of a run are submitted for detection.
package sampling

import "math"

// Policy selects every Interval-th frame, starting with frame 0.
type Policy struct {
	interval int
}

// New computes the interval as round(fps*delay), never less than one frame.
// Non-positive inputs yield an interval of one (submit every frame).
func New(fps, delaySeconds float64) Policy {
	frames := math.Round(fps * delaySeconds)
	if math.IsNaN(frames) || frames < 1 {
		return Policy{interval: 1}
	}
	if frames > math.MaxInt32 {
		frames = math.MaxInt32
	}
	return Policy{interval: int(frames)}
}

// Interval returns the frame spacing between submissions.
func (p Policy) Interval() int {
	if p.interval < 1 {
		return 1
	}
	return p.interval
}

// IsCandidate reports whether the zero-based frame index should be submitted.
func (p Policy) IsCandidate(index int) bool {
	return index >= 0 && index%p.Interval() == 0
}
