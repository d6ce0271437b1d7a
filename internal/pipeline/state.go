package pipeline

import "time"

// State is a run's position in Idle → Connecting → Processing → Success | Aborted.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateAborted    State = "aborted"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateAborted
}

// Status is a snapshot of the current or last run.
type Status struct {
	RunID       string    `json:"run_id,omitempty"`
	VideoID     string    `json:"video_id,omitempty"`
	State       State     `json:"state"`
	Frames      int       `json:"frames"`
	Submissions int       `json:"submissions"`
	TimeCodes   int       `json:"timecodes"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}
