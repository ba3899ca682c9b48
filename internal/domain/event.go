package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventPromptOpened       EventType = "prompt.opened"
	EventPromptResolved     EventType = "prompt.resolved"
	EventPromptCancelled    EventType = "prompt.cancelled"
	EventReactionCorrelated EventType = "reaction.correlated"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RoomID    string          `json:"room_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PromptEventPayload is the payload of prompt lifecycle events.
type PromptEventPayload struct {
	ListenerName string `json:"listener_name,omitempty"`
	Key          string `json:"key,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Reactions    int    `json:"reactions,omitempty"`
}

// NewPromptEvent builds a bus envelope for a prompt lifecycle change.
func NewPromptEvent(t EventType, roomID, eventID string, payload PromptEventPayload) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		RoomID:    roomID,
		EventID:   eventID,
		Payload:   raw,
	}
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
