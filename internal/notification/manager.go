package notification

import (
	"context"
	"sync"
	"time"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

// Notifier is one delivery channel
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert *Alert) error
}

// Manager fans alerts out to every enabled channel. Alerts sharing a
// throttle key are suppressed inside their throttle window; critical
// alerts always go through.
type Manager struct {
	mu        sync.Mutex
	notifiers []Notifier
	lastSent  map[string]time.Time
	logger    *logging.Logger
	metrics   *metrics.Registry
	nowFn     func() time.Time
}

// NewManager creates an alert manager with no channels attached
func NewManager(logger *logging.Logger, m *metrics.Registry) *Manager {
	return &Manager{
		lastSent: make(map[string]time.Time),
		logger:   logger.WithComponent("notification"),
		metrics:  m,
		nowFn:    time.Now,
	}
}

// AddNotifier attaches a delivery channel
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Dispatch sends the alert to every enabled channel and records the
// per-channel outcome on the alert. Returns true when at least one
// channel delivered.
func (m *Manager) Dispatch(ctx context.Context, alert *Alert) bool {
	if alert.Delivery == nil {
		alert.Delivery = make(map[string]DeliveryStatus)
	}

	if m.throttled(alert) {
		m.logger.Debug("alert throttled",
			"type", string(alert.Type), "title", alert.Title)
		m.metrics.AlertsDispatched.WithLabelValues("all", "throttled").Inc()
		return false
	}

	m.mu.Lock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.Unlock()

	delivered := false
	for _, n := range notifiers {
		if !n.Enabled() {
			continue
		}
		status := DeliveryStatus{At: m.nowFn()}
		if err := n.Send(ctx, alert); err != nil {
			status.Error = err.Error()
			m.metrics.AlertsDispatched.WithLabelValues(n.Name(), "error").Inc()
			m.logger.WithError(err).Warn("alert delivery failed",
				"channel", n.Name(), "priority", string(alert.Priority))
		} else {
			status.Delivered = true
			delivered = true
			m.metrics.AlertsDispatched.WithLabelValues(n.Name(), "ok").Inc()
		}
		alert.Delivery[n.Name()] = status
	}

	if delivered && alert.Throttle > 0 {
		m.mu.Lock()
		m.lastSent[alert.throttleKey()] = m.nowFn()
		m.mu.Unlock()
	}
	return delivered
}

// throttled reports whether the alert falls inside its throttle window.
// Critical alerts never throttle.
func (m *Manager) throttled(alert *Alert) bool {
	if alert.Priority == PriorityCritical || alert.Throttle <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[alert.throttleKey()]
	return ok && m.nowFn().Sub(last) < alert.Throttle
}
