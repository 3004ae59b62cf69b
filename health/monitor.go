package health

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/transport"
)

// Monitor holds statuses pushed by event sources, such as broker link changes
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records the status of a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy records name as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records name as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records name as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[name]
	return status, ok
}

// GetAll returns a copy of every recorded status
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.statuses)
}

// Remove forgets name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Track records broker link events under "link.<transport>" until ctx is
// done or events is closed. Disconnects and reconnect attempts degrade the
// link; they do not make it unhealthy because the broker client retries.
func (m *Monitor) Track(ctx context.Context, events <-chan transport.Event, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.record(ev, logger)
		}
	}
}

func (m *Monitor) record(ev transport.Event, logger *slog.Logger) {
	name := "link." + ev.Transport
	status := NewDegraded(name, string(ev.Type))
	if ev.Type == transport.EventConnected {
		status = NewHealthy(name, string(ev.Type))
	}
	if ev.Err != nil {
		status.Message = string(ev.Type) + ": " + sanitizeErrorMessage(ev.Err.Error())
	}
	if !ev.Time.IsZero() {
		status.Timestamp = ev.Time
	}
	m.Update(name, status)

	if ev.Type == transport.EventConnected {
		logger.Info("Broker link up", "transport", ev.Transport)
		return
	}
	logger.Warn("Broker link changed", "transport", ev.Transport, "event", ev.Type, "error", ev.Err)
}
