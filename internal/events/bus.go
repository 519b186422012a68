package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionOpened      EventType = "POSITION_OPENED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventPositionUpdate      EventType = "POSITION_UPDATE"
	EventPositionQuarantined EventType = "POSITION_QUARANTINED"
	EventStopTriggered       EventType = "STOP_TRIGGERED"
	EventLadderLevelHit      EventType = "LADDER_LEVEL_HIT"
	EventHedgeOpened         EventType = "HEDGE_OPENED"
	EventPlanCreated         EventType = "PLAN_CREATED"
	EventPlanCompleted       EventType = "PLAN_COMPLETED"
	EventPlanCancelled       EventType = "PLAN_CANCELLED"
	EventSliceExecuted       EventType = "SLICE_EXECUTED"
	EventSliceFailed         EventType = "SLICE_FAILED"
	EventPartialExecution    EventType = "PARTIAL_EXECUTION"
	EventPriceUpdate         EventType = "PRICE_UPDATE"
	EventRegimeChanged       EventType = "REGIME_CHANGED"
	EventStrategyActivated   EventType = "STRATEGY_ACTIVATED"
	EventStrategyDeactivated EventType = "STRATEGY_DEACTIVATED"
	EventBacktestCompleted   EventType = "BACKTEST_COMPLETED"
	EventRateLimitDenied     EventType = "RATE_LIMIT_DENIED"
	EventServiceStarted      EventType = "SERVICE_STARTED"
	EventServiceStopped      EventType = "SERVICE_STOPPED"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(positionID, symbol, side string, entryPrice, size float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"size":        size,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(positionID, symbol string, realizedPnL, realizedPnLPct float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id":      positionID,
			"symbol":           symbol,
			"realized_pnl":     realizedPnL,
			"realized_pnl_pct": realizedPnLPct,
		},
	})
}

// PublishSliceExecuted publishes a slice executed event
func (eb *EventBus) PublishSliceExecuted(planID, sliceID, exchange string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventSliceExecuted,
		Data: map[string]interface{}{
			"plan_id":  planID,
			"slice_id": sliceID,
			"exchange": exchange,
			"price":    price,
			"quantity": quantity,
		},
	})
}

// PublishRegimeChanged publishes a regime change event
func (eb *EventBus) PublishRegimeChanged(oldRegime, newRegime string, volatility float64) {
	eb.Publish(Event{
		Type: EventRegimeChanged,
		Data: map[string]interface{}{
			"old_regime": oldRegime,
			"new_regime": newRegime,
			"volatility": volatility,
		},
	})
}

// PublishStrategyActivation publishes an activation decision event
func (eb *EventBus) PublishStrategyActivation(strategyID, action, reason string, expectedSharpe float64) {
	eventType := EventStrategyActivated
	if action == "deactivate" {
		eventType = EventStrategyDeactivated
	}
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"strategy_id":     strategyID,
			"action":          action,
			"reason":          reason,
			"expected_sharpe": expectedSharpe,
		},
	})
}

// PublishPriceUpdate publishes a price update event
func (eb *EventBus) PublishPriceUpdate(symbol string, price float64) {
	eb.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
