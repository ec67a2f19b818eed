package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event being published.
type EventType string

const (
	EventClientConnected     EventType = "client.connected"
	EventClientDisconnected  EventType = "client.disconnected"
	EventTextReceived        EventType = "message.text"
	EventErrorReceived       EventType = "message.error"
	EventInvocationCompleted EventType = "invocation.completed"
	EventBackplaneDegraded   EventType = "backplane.degraded"
	EventBackplaneRecovered  EventType = "backplane.recovered"
)

// Event is the envelope published on the observation bus.
type Event struct {
	Type         EventType       `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time. payload may be nil.
func NewEvent(t EventType, connID string, payload any) Event {
	e := Event{Type: t, Timestamp: time.Now(), ConnectionID: connID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}

// EventHandler processes an event.
type EventHandler func(ctx context.Context, event Event)

// EventBus publishes lifecycle events to observers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
