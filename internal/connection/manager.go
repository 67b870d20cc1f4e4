package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager tracks the state of one connection and notifies listeners.
//
// Listeners run synchronously on the goroutine that changed the state, in
// registration order. They may read the manager but must not change its
// state.
type Manager struct {
	mu    sync.Mutex
	stats Stats

	// notifyMu serializes whole transitions so listeners observe changes
	// in the order they were applied
	notifyMu sync.Mutex

	listenersMu     sync.Mutex
	nextListenerID  uint64
	statusListeners []statusEntry
	statsListeners  []statsEntry

	logger zerolog.Logger
	now    func() time.Time
}

type statusEntry struct {
	id uint64
	fn StatusListener
}

type statsEntry struct {
	id uint64
	fn StatsListener
}

// NewManager creates a new Manager in the disconnected state
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		stats:  Stats{Status: StatusDisconnected},
		logger: logger.With().Str("component", "connection").Logger(),
		now:    time.Now,
	}
}

// UpdateStatus applies a transition. A transition to the current status is
// a no-op: nothing is recorded and nobody is notified.
func (m *Manager) UpdateStatus(status Status, err error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	previous := m.stats.Status
	if previous == status {
		m.mu.Unlock()
		return
	}

	m.stats.Status = status
	switch status {
	case StatusConnected:
		m.stats.ConnectedAt = m.now()
		m.stats.TotalConnections++
		m.stats.ReconnectAttempts = 0
		m.stats.LastError = nil
	case StatusDisconnected:
		m.stats.DisconnectedAt = m.now()
		if previous == StatusConnected {
			m.stats.TotalDisconnections++
		}
	case StatusError:
		m.stats.LastError = err
	}
	snapshot := m.stats
	m.mu.Unlock()

	event := m.logger.Debug()
	if status == StatusError {
		event = m.logger.Warn().Err(err)
	}
	event.Str("from", string(previous)).Str("to", string(status)).Msg("connection status changed")

	for _, l := range m.statusSnapshot() {
		l(status)
	}
	m.emitStats(snapshot)
}

// IncrementReconnectAttempts bumps the attempt counter and notifies stats listeners
func (m *Manager) IncrementReconnectAttempts() int {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.stats.ReconnectAttempts++
	attempts := m.stats.ReconnectAttempts
	snapshot := m.stats
	m.mu.Unlock()

	m.emitStats(snapshot)
	return attempts
}

// ResetReconnectAttempts sets the attempt counter back to zero
func (m *Manager) ResetReconnectAttempts() {
	m.mu.Lock()
	m.stats.ReconnectAttempts = 0
	m.mu.Unlock()
}

// Stats returns a snapshot of the connection record
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.Status
}

// IsConnected returns true if the status is connected
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// OnStatusChange registers a status listener and returns its unsubscribe func
func (m *Manager) OnStatusChange(fn StatusListener) func() {
	m.listenersMu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.statusListeners = append(m.statusListeners, statusEntry{id: id, fn: fn})
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, e := range m.statusListeners {
			if e.id == id {
				m.statusListeners = append(m.statusListeners[:i:i], m.statusListeners[i+1:]...)
				return
			}
		}
	}
}

// OnStats registers a stats listener and returns its unsubscribe func
func (m *Manager) OnStats(fn StatsListener) func() {
	m.listenersMu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.statsListeners = append(m.statsListeners, statsEntry{id: id, fn: fn})
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, e := range m.statsListeners {
			if e.id == id {
				m.statsListeners = append(m.statsListeners[:i:i], m.statsListeners[i+1:]...)
				return
			}
		}
	}
}

// WaitForConnection blocks until the status is connected, the timeout
// passes or ctx is done. A zero timeout means DefaultWaitTimeout.
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	connected := make(chan struct{})
	var once sync.Once
	unsubscribe := m.OnStatusChange(func(status Status) {
		if status == StatusConnected {
			once.Do(func() { close(connected) })
		}
	})
	defer unsubscribe()

	// the status may have changed before the listener was added
	if m.IsConnected() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-connected:
		return nil
	case <-timer.C:
		return ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) statusSnapshot() []StatusListener {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	out := make([]StatusListener, len(m.statusListeners))
	for i, e := range m.statusListeners {
		out[i] = e.fn
	}
	return out
}

func (m *Manager) emitStats(stats Stats) {
	m.listenersMu.Lock()
	listeners := make([]StatsListener, len(m.statsListeners))
	for i, e := range m.statsListeners {
		listeners[i] = e.fn
	}
	m.listenersMu.Unlock()

	for _, l := range listeners {
		l(stats)
	}
}
