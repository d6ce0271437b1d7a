package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Interval(t *testing.T) {
	tests := []struct {
		name  string
		fps   float64
		delay float64
		want  int
	}{
		{"default delay at 30fps", 30, 0.5, 15},
		{"ten fps half second", 10, 0.5, 5},
		{"rounds up", 29.97, 0.5, 15},
		{"rounds down", 24, 0.1, 2},
		{"clamped to one", 10, 0.01, 1},
		{"zero delay", 25, 0, 1},
		{"negative fps", -5, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.fps, tt.delay).Interval())
		})
	}
}

func TestPolicy_Candidates(t *testing.T) {
	p := New(10, 0.5)

	var got []int
	for i := 0; i < 23; i++ {
		if p.IsCandidate(i) {
			got = append(got, i)
		}
	}
	assert.Equal(t, []int{0, 5, 10, 15, 20}, got)
}

func TestPolicy_FirstFrameAlwaysCandidate(t *testing.T) {
	for _, fps := range []float64{1, 23.976, 30, 60, 120} {
		for _, delay := range []float64{0.01, 0.5, 1, 3.3} {
			assert.True(t, New(fps, delay).IsCandidate(0), "fps=%v delay=%v", fps, delay)
		}
	}
}

func TestPolicy_ZeroValueSubmitsEveryFrame(t *testing.T) {
	var p Policy
	assert.Equal(t, 1, p.Interval())
	assert.True(t, p.IsCandidate(7))
	assert.False(t, p.IsCandidate(-1))
}
