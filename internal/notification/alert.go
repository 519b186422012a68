// Package notification dispatches alerts to configured channels with
// per-alert throttling and per-channel delivery status.
package notification

import (
	"time"

	"github.com/google/uuid"

	"crypto-trading-core/internal/errs"
)

// Priority orders alerts by urgency
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityInfo     Priority = "info"
)

// AlertType classifies what the alert is about
type AlertType string

const (
	AlertPrice       AlertType = "price"
	AlertPerformance AlertType = "performance"
	AlertRisk        AlertType = "risk"
	AlertHealth      AlertType = "health"
	AlertMilestone   AlertType = "milestone"
	AlertCustom      AlertType = "custom"
)

// DeliveryStatus records one channel's outcome for an alert
type DeliveryStatus struct {
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Alert is one outbound notification. Delivery is filled in by the
// manager, one entry per channel it attempted.
type Alert struct {
	ID        string                    `json:"id"`
	Priority  Priority                  `json:"priority"`
	Type      AlertType                 `json:"type"`
	Title     string                    `json:"title"`
	Message   string                    `json:"message"`
	Symbol    string                    `json:"symbol,omitempty"`
	Value     float64                   `json:"value,omitempty"`
	Throttle  time.Duration             `json:"throttle"`
	CreatedAt time.Time                 `json:"created_at"`
	Delivery  map[string]DeliveryStatus `json:"delivery"`
}

// NewAlert creates an alert with an id and timestamp filled in
func NewAlert(priority Priority, alertType AlertType, title, message string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Priority:  priority,
		Type:      alertType,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
		Delivery:  make(map[string]DeliveryStatus),
	}
}

// throttleKey buckets alerts that should share a throttle window
func (a *Alert) throttleKey() string {
	return string(a.Type) + ":" + a.Symbol + ":" + a.Title
}

// FromError builds an alert for a failed operation. Invariant violations
// are critical: the affected entity is quarantined and someone has to look.
func FromError(err error) *Alert {
	priority := PriorityHigh
	alertType := AlertHealth
	if errs.KindOf(err) == errs.KindLogic {
		priority = PriorityCritical
		alertType = AlertRisk
	}
	a := NewAlert(priority, alertType, "operation failed", err.Error())
	return a
}
