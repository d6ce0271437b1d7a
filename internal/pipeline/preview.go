package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Preview keeps the most recent annotated frame as a JPEG. Offers beyond the
// configured rate are dropped so a slow reader never holds up processing.
type Preview struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	data    []byte
	index   int
	seq     uint64
	updated time.Time
}

// NewPreview accepts up to fps frames per second; fps <= 0 disables it.
func NewPreview(fps float64) *Preview {
	p := &Preview{}
	p.SetRate(fps)
	return p
}

// SetRate changes the accepted frame rate.
func (p *Preview) SetRate(fps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fps <= 0 {
		p.limiter = nil
		return
	}
	p.limiter = rate.NewLimiter(rate.Limit(fps), 1)
}

// Offer encodes img into the slot if the rate allows it.
func (p *Preview) Offer(index int, img image.Image) {
	p.mu.RLock()
	limiter := p.limiter
	p.mu.RUnlock()
	if limiter == nil || !limiter.Allow() {
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return
	}

	p.mu.Lock()
	p.data = buf.Bytes()
	p.index = index
	p.seq++
	p.updated = time.Now()
	p.mu.Unlock()
}

// Latest returns the last accepted frame and its index.
func (p *Preview) Latest() ([]byte, int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.data == nil {
		return nil, 0, false
	}
	return p.data, p.index, true
}

// Seq increases every time a frame is accepted.
func (p *Preview) Seq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}

// Updated is when the stored frame was accepted; zero when there is none.
func (p *Preview) Updated() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updated
}

// Reset drops the stored frame.
func (p *Preview) Reset() {
	p.mu.Lock()
	p.data = nil
	p.index = 0
	p.updated = time.Time{}
	p.mu.Unlock()
}
