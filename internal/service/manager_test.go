package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vzahanych/fallwatch/internal/logger"
)

type mockService struct {
	name       string
	startError error
	stopError  error
	onStop     func()

	mu       sync.Mutex
	started  bool
	stopped  bool
	eventBus *EventBus
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startError != nil {
		return m.startError
	}
	m.started = true
	return nil
}

func (m *mockService) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.onStop != nil {
		m.onStop()
	}
	return m.stopError
}

type mockServiceWithEvents struct {
	mockService
}

func (m *mockServiceWithEvents) SetEventBus(bus *EventBus) {
	m.eventBus = bus
}

func TestNewManager(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	if mgr.GetServiceCount() != 0 {
		t.Errorf("Expected 0 services, got %d", mgr.GetServiceCount())
	}
	if mgr.GetEventBus() == nil {
		t.Error("Event bus should be initialized")
	}
}

func TestManager_Register(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	mgr.Register(&mockService{name: "test-service"})
	withEvents := &mockServiceWithEvents{mockService{name: "event-service"}}
	mgr.Register(withEvents)

	if mgr.GetServiceCount() != 2 {
		t.Errorf("Expected 2 services, got %d", mgr.GetServiceCount())
	}
	if mgr.GetServiceStatus("test-service").GetStatus() != StatusStopped {
		t.Error("Registered service should start out stopped")
	}
	if withEvents.eventBus != mgr.GetEventBus() {
		t.Error("Event bus should be set for service with events")
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	var stopOrder []string
	names := []string{"service-1", "service-2", "service-3"}
	mocks := make([]*mockService, len(names))
	for i, name := range names {
		name := name
		mocks[i] = &mockService{name: name, onStop: func() { stopOrder = append(stopOrder, name) }}
		mgr.Register(mocks[i])
	}

	started := mgr.GetEventBus().Subscribe(EventTypeServiceStarted)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := mgr.Start(context.Background()); err == nil {
		t.Error("Second Start should fail")
	}

	for _, name := range names {
		if !mgr.GetServiceStatus(name).IsRunning() {
			t.Errorf("%s should be running", name)
		}
	}

	select {
	case ev := <-started:
		if ev.Data["service"] != "service-1" {
			t.Errorf("Expected service-1 to start first, got %v", ev.Data["service"])
		}
	case <-time.After(time.Second):
		t.Fatal("No service.started event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	expected := []string{"service-3", "service-2", "service-1"}
	if len(stopOrder) != len(expected) {
		t.Fatalf("Expected %d stops, got %v", len(expected), stopOrder)
	}
	for i := range expected {
		if stopOrder[i] != expected[i] {
			t.Errorf("Stop order %d: expected %s, got %s", i, expected[i], stopOrder[i])
		}
	}
	for _, name := range names {
		if mgr.GetServiceStatus(name).GetStatus() != StatusStopped {
			t.Errorf("%s should be stopped", name)
		}
	}
}

func TestManager_Start_ServiceError(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	failing := &mockService{name: "failing-service", startError: errors.New("start failed")}
	healthy := &mockService{name: "healthy-service"}
	mgr.Register(failing)
	mgr.Register(healthy)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start should not fail even if a service fails: %v", err)
	}

	status := mgr.GetServiceStatus("failing-service")
	if status.GetStatus() != StatusError || status.GetError() == nil {
		t.Errorf("Expected error status, got %s", status.GetStatus())
	}
	if !mgr.GetServiceStatus("healthy-service").IsRunning() {
		t.Error("Healthy service should still start")
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if failing.stopped {
		t.Error("A service that never started should not be stopped")
	}
}

func TestManager_ShutdownRecordsStopError(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(&mockService{name: "stubborn", stopError: errors.New("stuck")})

	mgr.Start(context.Background())
	mgr.Shutdown(context.Background())

	if mgr.GetServiceStatus("stubborn").GetStatus() != StatusError {
		t.Error("Stop error should be recorded in status")
	}
}
