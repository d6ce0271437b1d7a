package service

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks one service's lifecycle (thread-safe)
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	status Status
	err    error
	mu     sync.RWMutex
}

// NewServiceStatus creates a status in the stopped state
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{Name: name, status: StatusStopped}
}

// SetStatus updates the state. Entering running clears any error and
// records the start time.
func (s *ServiceStatus) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	switch status {
	case StatusRunning:
		s.err = nil
		s.StartedAt = time.Now()
	case StatusStopped:
		s.StartedAt = time.Time{}
	}
}

// SetError moves the service to the error state
func (s *ServiceStatus) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.err = err
}

func (s *ServiceStatus) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *ServiceStatus) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ServiceStatus) IsRunning() bool {
	return s.GetStatus() == StatusRunning
}

// GetUptime returns time since the service entered running, or 0.
func (s *ServiceStatus) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}
