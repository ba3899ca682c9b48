package domain

import "context"

// RoomEventGetter fetches a single persisted event.
type RoomEventGetter interface {
	GetEvent(ctx context.Context, roomID, eventID string) (RoomEvent, error)
}

// RoomReactionSender annotates an event with a reaction and returns the reaction's event id.
type RoomReactionSender interface {
	SendReaction(ctx context.Context, roomID, eventID, key string) (string, error)
}

// RoomMessageSender posts a message event with arbitrary content.
type RoomMessageSender interface {
	SendMessage(ctx context.Context, roomID string, content map[string]any) (string, error)
}

// RelationFilter selects which relations ForEachRelation enumerates.
type RelationFilter struct {
	RelType   string
	EventType string
}

// RoomEventRelationsGetter enumerates the events related to a parent event.
// The callback is invoked once per matching relation, in server order.
type RoomEventRelationsGetter interface {
	ForEachRelation(ctx context.Context, roomID, eventID string, filter RelationFilter, fn func(RoomEvent)) error
}

// RoomEventRedacter redacts an event. An empty reason is omitted.
type RoomEventRedacter interface {
	RedactEvent(ctx context.Context, roomID, eventID, reason string) error
}

// RoomEventHandler receives one inbound timeline event.
type RoomEventHandler func(ctx context.Context, roomID string, event RoomEvent)

// RoomEventSource delivers inbound timeline events until stopped.
type RoomEventSource interface {
	Start(ctx context.Context, handler RoomEventHandler) error
	Stop(ctx context.Context) error
}

// PromptClient is the capability set the prompt lifecycle needs.
type PromptClient interface {
	RoomMessageSender
	RoomReactionSender
	RoomEventRelationsGetter
	RoomEventRedacter
}
