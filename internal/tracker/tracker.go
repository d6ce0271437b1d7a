// Package tracker follows per-object class labels across the frames of one
// run and records the moments a watched transition happens.
package tracker

import (
	"math"

	"github.com/vzahanych/fallwatch/internal/detection"
)

// TimeCode is a transition offset in seconds, rounded to two decimals.
type TimeCode float64

// Transition is a class change that produces a TimeCode.
type Transition struct {
	From string
	To   string
}

// DefaultTriggers watches for a person falling.
var DefaultTriggers = []Transition{{From: "Standing", To: "Lying"}}

// Options configures a Tracker.
type Options struct {
	Triggers []Transition // DefaultTriggers when empty

	// UpdateOnUntracked stores the new label when an object changes class in
	// a way no trigger watches. Off by default: the first label sticks until a
	// trigger consumes it.
	UpdateOnUntracked bool
}

// Tracker is run-scoped and not safe for concurrent use.
type Tracker struct {
	history           map[int]string
	triggers          map[Transition]struct{}
	updateOnUntracked bool
}

func New(opts Options) *Tracker {
	triggers := opts.Triggers
	if len(triggers) == 0 {
		triggers = DefaultTriggers
	}

	set := make(map[Transition]struct{}, len(triggers))
	for _, tr := range triggers {
		set[tr] = struct{}{}
	}

	return &Tracker{
		history:           make(map[int]string),
		triggers:          set,
		updateOnUntracked: opts.UpdateOnUntracked,
	}
}

// Observe feeds one frame's detection set and returns the timecodes it
// produced, in detection order.
func (t *Tracker) Observe(frameIndex int, fps float64, dets []detection.Detection) []TimeCode {
	var events []TimeCode

	for _, d := range dets {
		prev, seen := t.history[d.ObjectID]
		if !seen {
			t.history[d.ObjectID] = d.ClassName
			continue
		}
		if prev == d.ClassName {
			continue
		}

		if _, watched := t.triggers[Transition{From: prev, To: d.ClassName}]; watched {
			events = append(events, At(frameIndex, fps))
			// Consumed: the object starts over on its next detection.
			delete(t.history, d.ObjectID)
			continue
		}

		if t.updateOnUntracked {
			t.history[d.ObjectID] = d.ClassName
		}
	}

	return events
}

// Label returns the stored label for an object.
func (t *Tracker) Label(objectID int) (string, bool) {
	label, ok := t.history[objectID]
	return label, ok
}

// Len returns the number of tracked objects.
func (t *Tracker) Len() int {
	return len(t.history)
}

// At converts a frame index to a TimeCode.
func At(frameIndex int, fps float64) TimeCode {
	if fps <= 0 {
		return 0
	}
	return TimeCode(math.Round(float64(frameIndex)/fps*100) / 100)
}
