package reaction

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"promptbot/internal/domain"
	"promptbot/internal/infra/tracer"
)

// Terminal markers posted by the prompt owner. The redaction sweep never removes them.
const (
	CompleteMarker = "✅"
	CancelMarker   = "❌"
)

// DefaultCancelReason is the redaction reason used when CancelPrompt gets none.
const DefaultCancelReason = "prompt cancelled"

func isTerminalMarker(key string) bool {
	return key == CompleteMarker || key == CancelMarker
}

// Lifecycle opens prompts by seeding their reactions and closes them by
// redacting every non-terminal reaction.
type Lifecycle struct {
	client domain.PromptClient
	codec  *Codec
	logger *slog.Logger
	bus    domain.EventBus
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleEventBus publishes prompt.opened, prompt.resolved and prompt.cancelled events.
func WithLifecycleEventBus(bus domain.EventBus) LifecycleOption {
	return func(l *Lifecycle) { l.bus = bus }
}

// NewLifecycle creates a lifecycle manager. codec is only used by CreatePrompt.
func NewLifecycle(client domain.PromptClient, codec *Codec, logger *slog.Logger, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{client: client, codec: codec, logger: logger}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CreatePrompt posts content merged with an annotation for listener and then opens it.
// Returns the new prompt's event id, which is set even when opening fails part way.
func (l *Lifecycle) CreatePrompt(ctx context.Context, roomID string, content map[string]any, listener string, reactionMap domain.ReactionMap, additionalContext any) (string, error) {
	fragment, err := l.codec.Encode(listener, reactionMap, additionalContext)
	if err != nil {
		return "", domain.WrapOp("Lifecycle.CreatePrompt", err)
	}
	merged := make(map[string]any, len(content)+len(fragment))
	maps.Copy(merged, content)
	maps.Copy(merged, fragment)

	eventID, err := l.client.SendMessage(ctx, roomID, merged)
	if err != nil {
		return "", domain.WrapOp("Lifecycle.CreatePrompt", err)
	}
	return eventID, l.OpenPrompt(ctx, roomID, eventID, reactionMap)
}

// OpenPrompt reacts to the prompt with every key of reactionMap, in order, one
// at a time. The first failure stops the sequence; reactions already sent stay.
func (l *Lifecycle) OpenPrompt(ctx context.Context, roomID, eventID string, reactionMap domain.ReactionMap) error {
	ctx, span := tracer.StartSpan(ctx, "prompt.open")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("room_id", roomID), tracer.StringAttr("event_id", eventID))

	keys := reactionMap.Keys()
	for i, key := range keys {
		if _, err := l.client.SendReaction(ctx, roomID, eventID, key); err != nil {
			tracer.RecordError(span, err)
			l.logger.Error("failed to seed prompt reaction",
				"room_id", roomID, "event_id", eventID, "key", key,
				"sent", i, "total", len(keys), "error", err)
			return domain.NewDomainError("Lifecycle.OpenPrompt", err, fmt.Sprintf("reaction %d/%d %q", i+1, len(keys), key))
		}
	}
	tracer.SetOK(span)
	l.publish(ctx, domain.EventPromptOpened, roomID, eventID, domain.PromptEventPayload{Reactions: len(keys)})
	return nil
}

// ResolvePrompt redacts every reaction on the prompt except the terminal
// markers. Redactions run concurrently and are all awaited; an enumeration
// failure or the first redaction failure is returned. Reactions that are
// already redacted are skipped, so a second sweep redacts nothing.
func (l *Lifecycle) ResolvePrompt(ctx context.Context, roomID, eventID, reason string) error {
	ctx, span := tracer.StartSpan(ctx, "prompt.resolve")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("room_id", roomID), tracer.StringAttr("event_id", eventID))

	redacted, err := l.sweep(ctx, roomID, eventID, reason)
	span.SetAttributes(tracer.IntAttr("redacted", redacted))
	if err != nil {
		tracer.RecordError(span, err)
		l.logger.Error("prompt redaction sweep failed",
			"room_id", roomID, "event_id", eventID, "error", err)
		return domain.WrapOp("Lifecycle.ResolvePrompt", err)
	}
	tracer.SetOK(span)
	l.publish(ctx, domain.EventPromptResolved, roomID, eventID, domain.PromptEventPayload{Reason: reason, Reactions: redacted})
	return nil
}

func (l *Lifecycle) sweep(ctx context.Context, roomID, eventID, reason string) (int, error) {
	var (
		g     errgroup.Group
		count atomic.Int32
	)
	filter := domain.RelationFilter{RelType: domain.RelTypeAnnotation, EventType: domain.EventTypeReaction}
	enumErr := l.client.ForEachRelation(ctx, roomID, eventID, filter, func(rel domain.RoomEvent) {
		if rel.Redacted() {
			return
		}
		key, _, ok := relationKey(rel)
		if !ok || isTerminalMarker(key) {
			return
		}
		relID := rel.EventID
		g.Go(func() error {
			if err := l.client.RedactEvent(ctx, roomID, relID, reason); err != nil {
				return fmt.Errorf("redact %s: %w", relID, err)
			}
			count.Add(1)
			return nil
		})
	})
	redactErr := g.Wait()
	if enumErr != nil {
		return int(count.Load()), fmt.Errorf("enumerate reactions: %w", enumErr)
	}
	return int(count.Load()), redactErr
}

// CancelPrompt resolves the prompt with reason (DefaultCancelReason when empty)
// and then reacts with CancelMarker and "cancelled by <sender>". CancelMarker is
// terminal, so the prompt stays visibly cancelled through later sweeps. Failing
// to send either reaction is logged and does not fail the cancellation.
func (l *Lifecycle) CancelPrompt(ctx context.Context, prompt domain.RoomEvent, reason string) error {
	if reason == "" {
		reason = DefaultCancelReason
	}
	ctx, span := tracer.StartSpan(ctx, "prompt.cancel")
	defer span.End()

	roomID := prompt.RoomID
	if err := l.ResolvePrompt(ctx, roomID, prompt.EventID, reason); err != nil {
		tracer.RecordError(span, err)
		return err
	}

	for _, key := range []string{CancelMarker, CancelledBy(prompt.Sender)} {
		if _, err := l.client.SendReaction(ctx, roomID, prompt.EventID, key); err != nil {
			l.logger.Error("failed to mark prompt cancelled",
				"room_id", roomID, "event_id", prompt.EventID, "key", key, "error", err)
		}
	}
	tracer.SetOK(span)
	l.publish(ctx, domain.EventPromptCancelled, roomID, prompt.EventID, domain.PromptEventPayload{Reason: reason})
	return nil
}

// CancelledBy is the reaction key posted on a cancelled prompt.
func CancelledBy(sender string) string {
	return "cancelled by " + sender
}

func (l *Lifecycle) publish(ctx context.Context, t domain.EventType, roomID, eventID string, payload domain.PromptEventPayload) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, domain.NewPromptEvent(t, roomID, eventID, payload))
}
