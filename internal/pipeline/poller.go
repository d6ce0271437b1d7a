package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/vzahanych/fallwatch/internal/logger"
	"github.com/vzahanych/fallwatch/internal/service"
)

// ConnectivityPoller checks the detection service periodically and
// publishes a connectivity.changed event whenever reachability flips.
type ConnectivityPoller struct {
	detectors *DetectorHolder
	interval  time.Duration
	bus       *service.EventBus
	logger    *logger.Logger

	mu        sync.RWMutex
	connected bool
	checked   bool
	lastErr   error
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewConnectivityPoller creates a poller; interval defaults to one second.
func NewConnectivityPoller(detectors *DetectorHolder, interval time.Duration, log *logger.Logger) *ConnectivityPoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &ConnectivityPoller{
		detectors: detectors,
		interval:  interval,
		logger:    log.Named("connectivity"),
	}
}

func (p *ConnectivityPoller) Name() string {
	return "connectivity-poller"
}

func (p *ConnectivityPoller) SetEventBus(bus *service.EventBus) {
	p.bus = bus
}

func (p *ConnectivityPoller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx)
	return nil
}

func (p *ConnectivityPoller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Connected reports the result of the most recent check.
func (p *ConnectivityPoller) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// LastError is the most recent check failure, nil while connected.
func (p *ConnectivityPoller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func (p *ConnectivityPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check runs one health check and reports the new state.
func (p *ConnectivityPoller) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	err := p.detectors.Get().HealthCheck(checkCtx)
	if ctx.Err() != nil {
		return p.Connected()
	}
	connected := err == nil

	p.mu.Lock()
	changed := !p.checked || p.connected != connected
	p.connected = connected
	p.checked = true
	p.lastErr = err
	p.mu.Unlock()

	if changed {
		if connected {
			p.logger.Info("Detection service reachable")
		} else {
			p.logger.Warn("Detection service unreachable", "error", err)
		}
		if p.bus != nil {
			data := map[string]interface{}{"connected": connected}
			if err != nil {
				data["error"] = err.Error()
			}
			p.bus.Publish(service.Event{
				Type:      service.EventTypeConnectivityChanged,
				Source:    p.Name(),
				Timestamp: time.Now(),
				Data:      data,
			})
		}
	}
	return connected
}
