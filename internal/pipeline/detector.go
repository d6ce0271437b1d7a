package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/vzahanych/fallwatch/internal/detection"
)

// Detector is the slice of the detection client a run needs.
type Detector interface {
	HealthCheck(ctx context.Context) error
	ResetTracking(ctx context.Context) error
	Submit(ctx context.Context, img image.Image, label string) ([]detection.Detection, error)
}

// DetectorHolder hands out the current detector. Swapping it on
// reconfiguration affects runs started afterwards only.
type DetectorHolder struct {
	mu       sync.RWMutex
	detector Detector
}

func NewDetectorHolder(d Detector) *DetectorHolder {
	return &DetectorHolder{detector: d}
}

func (h *DetectorHolder) Get() Detector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.detector
}

func (h *DetectorHolder) Set(d Detector) {
	h.mu.Lock()
	h.detector = d
	h.mu.Unlock()
}

// HealthCheck checks whichever detector is current.
func (h *DetectorHolder) HealthCheck(ctx context.Context) error {
	return h.Get().HealthCheck(ctx)
}
