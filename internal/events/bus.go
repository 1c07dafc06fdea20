package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventStrategyExecuted EventType = "STRATEGY_EXECUTED"
	EventStrategyPaused   EventType = "STRATEGY_PAUSED"
	EventOrderFailed      EventType = "ORDER_FAILED"
	EventPositionUpdate   EventType = "POSITION_UPDATE"
	EventBalanceSnapshot  EventType = "BALANCE_SNAPSHOT"
	EventNotification     EventType = "NOTIFICATION"
	EventJobStateChanged  EventType = "JOB_STATE_CHANGED"
	EventError            EventType = "ERROR"
)

// Event represents a system event. UserID scopes delivery: the websocket
// layer only fans an event out to its owner's connections.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so a
// slow subscriber never blocks the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishStrategyExecuted publishes a strategy execution event
func (b *Bus) PublishStrategyExecuted(userID, strategyID, token, action, reason string, price, amount, pnl float64) {
	b.Publish(Event{
		Type:   EventStrategyExecuted,
		UserID: userID,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"token":       token,
			"action":      action,
			"reason":      reason,
			"price":       price,
			"amount":      amount,
			"pnl_usd":     pnl,
		},
	})
}

// PublishOrderFailed publishes an order failure event
func (b *Bus) PublishOrderFailed(userID, strategyID, token, reason string, err error) {
	data := map[string]interface{}{
		"strategy_id": strategyID,
		"token":       token,
		"reason":      reason,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventOrderFailed, UserID: userID, Data: data})
}

// PublishStrategyPaused publishes a circuit-breaker pause event
func (b *Bus) PublishStrategyPaused(userID, strategyID, token, window string) {
	b.Publish(Event{
		Type:   EventStrategyPaused,
		UserID: userID,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"token":       token,
			"window":      window,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
