package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"promptbot/internal/domain"
	"promptbot/internal/infra/tracer"
)

// Resolution is what a listener receives for a correlated reaction.
type Resolution struct {
	ListenerName      string
	Key               string
	Value             string
	AdditionalContext json.RawMessage
	// ReactionMap is a copy; listeners may modify it freely.
	ReactionMap    domain.ReactionMap
	AnnotatedEvent domain.RoomEvent
	ReactionEvent  domain.RoomEvent
}

// Listener handles a resolved reaction. Listeners run synchronously on the
// delivering goroutine and must handle their own failures.
type Listener func(ctx context.Context, r Resolution)

type listenerEntry struct {
	id uint64
	fn Listener
}

// HandlerConfig binds a ReactionHandler to one room and one client identity.
type HandlerConfig struct {
	RoomID    string
	UserID    string
	Namespace string
}

// HandlerOption configures a ReactionHandler.
type HandlerOption func(*ReactionHandler)

// WithEventBus publishes a reaction.correlated event for every dispatch.
func WithEventBus(bus domain.EventBus) HandlerOption {
	return func(h *ReactionHandler) { h.bus = bus }
}

// ReactionHandler correlates reactions in one room with the annotated prompts
// they target and dispatches them to listeners registered by name.
// All prompt state lives in the room's event history; the handler keeps none.
type ReactionHandler struct {
	filter Filter
	codec  *Codec
	getter domain.RoomEventGetter
	logger *slog.Logger
	bus    domain.EventBus

	mu        sync.RWMutex
	listeners map[string][]listenerEntry
	nextID    atomic.Uint64
}

// NewReactionHandler creates a handler bound to cfg.RoomID and cfg.UserID.
func NewReactionHandler(cfg HandlerConfig, getter domain.RoomEventGetter, logger *slog.Logger, opts ...HandlerOption) (*ReactionHandler, error) {
	if cfg.RoomID == "" || cfg.UserID == "" {
		return nil, domain.NewDomainError("NewReactionHandler", domain.ErrInvalidInput, "room id and user id are required")
	}
	codec, err := NewCodec(cfg.Namespace)
	if err != nil {
		return nil, err
	}
	h := &ReactionHandler{
		filter:    Filter{RoomID: cfg.RoomID, UserID: cfg.UserID},
		codec:     codec,
		getter:    getter,
		logger:    logger,
		listeners: make(map[string][]listenerEntry),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Codec returns the codec used to build annotations for this handler.
func (h *ReactionHandler) Codec() *Codec { return h.codec }

// RoomID returns the watched room.
func (h *ReactionHandler) RoomID() string { return h.filter.RoomID }

// On registers fn under name. Several listeners may share a name; they run in
// registration order. Returns a function that removes the registration.
func (h *ReactionHandler) On(name string, fn Listener) func() {
	id := h.nextID.Add(1)

	h.mu.Lock()
	h.listeners[name] = append(h.listeners[name], listenerEntry{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		entries := h.listeners[name]
		for i, e := range entries {
			if e.id == id {
				h.listeners[name] = append(entries[:i:i], entries[i+1:]...)
				if len(h.listeners[name]) == 0 {
					delete(h.listeners, name)
				}
				return
			}
		}
	}
}

// ListenerCount returns how many listeners are registered under name.
func (h *ReactionHandler) ListenerCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[name])
}

// Emit invokes every listener registered under name over a snapshot taken at
// call time, so listeners may register or unregister without affecting this dispatch.
// Returns the number of listeners invoked.
func (h *ReactionHandler) Emit(ctx context.Context, name string, r Resolution) int {
	h.mu.RLock()
	snapshot := make([]listenerEntry, len(h.listeners[name]))
	copy(snapshot, h.listeners[name])
	h.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(ctx, r)
	}
	return len(snapshot)
}

// HandleEvent processes one inbound event. It never fails: irrelevant traffic
// is ignored and failures are logged.
func (h *ReactionHandler) HandleEvent(ctx context.Context, roomID string, event domain.RoomEvent) {
	ref, ok := h.filter.Match(roomID, event)
	if !ok {
		return
	}

	ctx, span := tracer.StartSpan(ctx, "reaction.handle_event")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("room_id", ref.RoomID),
		tracer.StringAttr("target_event_id", ref.TargetEventID),
		tracer.StringAttr("reaction.key", ref.Key),
	)

	res, err := h.Correlate(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotAnnotated):
		return
	case errors.Is(err, domain.ErrUnknownReaction):
		h.logger.Info("reaction key not in reaction map",
			"room_id", ref.RoomID, "event_id", ref.TargetEventID, "key", ref.Key)
		return
	case errors.Is(err, domain.ErrMalformedAnnotation):
		h.logger.Error("malformed prompt annotation",
			"room_id", ref.RoomID, "event_id", ref.TargetEventID, "error", err)
		return
	default:
		tracer.RecordError(span, err)
		h.logger.Error("could not fetch reaction target",
			"room_id", ref.RoomID, "event_id", ref.TargetEventID,
			"code", domain.ErrorCodeOf(err), "error", err)
		return
	}

	n := h.Emit(ctx, res.ListenerName, res)
	span.SetAttributes(tracer.IntAttr("listeners", n))
	tracer.SetOK(span)
	h.logger.Debug("reaction dispatched",
		"listener", res.ListenerName, "key", res.Key, "listeners", n)

	if h.bus != nil {
		h.bus.Publish(ctx, domain.NewPromptEvent(domain.EventReactionCorrelated, ref.RoomID, ref.TargetEventID,
			domain.PromptEventPayload{ListenerName: res.ListenerName, Key: res.Key}))
	}
}

// Correlate fetches the reaction's target, decodes its annotation and looks up
// the reaction key. Errors wrap domain.ErrNotAnnotated, domain.ErrMalformedAnnotation,
// domain.ErrUnknownReaction or the transport failure.
func (h *ReactionHandler) Correlate(ctx context.Context, ref ReactionRef) (Resolution, error) {
	target, err := h.getter.GetEvent(ctx, ref.RoomID, ref.TargetEventID)
	if err != nil {
		return Resolution{}, fmt.Errorf("get event %s: %w", ref.TargetEventID, err)
	}

	annotation, err := h.codec.Decode(target.Content)
	if err != nil {
		return Resolution{}, err
	}

	value, ok := annotation.ReactionMap.Get(ref.Key)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", domain.ErrUnknownReaction, ref.Key)
	}

	return Resolution{
		ListenerName:      annotation.Name,
		Key:               ref.Key,
		Value:             value,
		AdditionalContext: annotation.AdditionalContext,
		ReactionMap:       annotation.ReactionMap.Clone(),
		AnnotatedEvent:    target,
		ReactionEvent:     ref.Event,
	}, nil
}
