package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"promptbot/internal/adapter/matrix"
	"promptbot/internal/domain"
	"promptbot/internal/usecase/reaction"
)

const (
	pollListener    = "poll.vote"
	pollCommand     = "!poll"
	cancelCommand   = "!cancel"
	pollCloseReason = "poll closed"
	maxPollOptions  = 10
)

// roomClient is everything the poll bot needs from the homeserver.
type roomClient interface {
	domain.PromptClient
	domain.RoomEventGetter
}

// pollContext travels in the annotation's additional_context.
type pollContext struct {
	Question string `json:"question"`
}

// pollBot turns "!poll question | a | b" messages into reaction prompts and
// announces the first vote.
type pollBot struct {
	client    roomClient
	handler   *reaction.ReactionHandler
	lifecycle *reaction.Lifecycle
	userID    string
	logger    *slog.Logger
}

func newPollBot(client roomClient, handler *reaction.ReactionHandler, lifecycle *reaction.Lifecycle, userID string, logger *slog.Logger) *pollBot {
	return &pollBot{
		client:    client,
		handler:   handler,
		lifecycle: lifecycle,
		userID:    userID,
		logger:    logger,
	}
}

// register subscribes the vote listener and returns its unsubscribe function.
func (p *pollBot) register() func() {
	return p.handler.On(pollListener, p.onVote)
}

// HandleEvent routes one timeline event: reactions go to the correlator,
// messages from other users are checked for commands.
func (p *pollBot) HandleEvent(ctx context.Context, roomID string, ev domain.RoomEvent) {
	switch ev.Type {
	case domain.EventTypeReaction:
		p.handler.HandleEvent(ctx, roomID, ev)
	case domain.EventTypeMessage:
		if roomID != p.handler.RoomID() || ev.Sender == p.userID {
			return
		}
		body, _ := ev.ContentString("body")
		p.handleCommand(ctx, roomID, ev, body)
	}
}

func (p *pollBot) handleCommand(ctx context.Context, roomID string, ev domain.RoomEvent, body string) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(body), " ")
	switch cmd {
	case pollCommand:
		question, options, err := parsePoll(rest)
		if err != nil {
			p.reply(ctx, roomID, "Usage: !poll question | option | option ("+err.Error()+")")
			return
		}
		if _, err := p.openPoll(ctx, roomID, question, options); err != nil {
			p.logger.Error("open poll failed", "room_id", roomID, "error", err)
		}
	case cancelCommand:
		if err := p.cancelPoll(ctx, roomID, strings.TrimSpace(rest), ev.Sender); err != nil {
			p.logger.Warn("cancel poll failed", "room_id", roomID, "error", err)
			p.reply(ctx, roomID, cancelFailureText(err))
		}
	}
}

// parsePoll splits "question | a | b" into its question and options.
func parsePoll(s string) (string, []string, error) {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 3 || parts[0] == "" {
		return "", nil, errors.New("need a question and at least two options")
	}
	options := parts[1:]
	if len(options) > maxPollOptions {
		return "", nil, fmt.Errorf("at most %d options", maxPollOptions)
	}
	for _, o := range options {
		if o == "" {
			return "", nil, errors.New("empty option")
		}
	}
	return parts[0], options, nil
}

func (p *pollBot) openPoll(ctx context.Context, roomID, question string, options []string) (string, error) {
	rm := reaction.Itemize(options)

	var b strings.Builder
	b.WriteString(question)
	for _, key := range rm.Keys() {
		value, _ := rm.Get(key)
		fmt.Fprintf(&b, "\n%s %s", key, value)
	}

	content := map[string]any{"msgtype": "m.text", "body": b.String()}
	eventID, err := p.lifecycle.CreatePrompt(ctx, roomID, content, pollListener, rm, pollContext{Question: question})
	if err != nil {
		return eventID, err
	}
	p.logger.Info("poll opened", "room_id", roomID, "event_id", eventID, "options", rm.Len())
	return eventID, nil
}

// onVote closes the poll on its first vote. Votes on a poll the bot has
// already marked complete or cancelled are ignored.
func (p *pollBot) onVote(ctx context.Context, r reaction.Resolution) {
	roomID := r.AnnotatedEvent.RoomID
	closed, err := p.pollClosed(ctx, roomID, r.AnnotatedEvent.EventID)
	if err != nil {
		p.logger.Warn("poll state unreadable", "event_id", r.AnnotatedEvent.EventID, "error", err)
	}
	if closed {
		p.logger.Debug("vote on closed poll ignored",
			"event_id", r.AnnotatedEvent.EventID, "sender", r.ReactionEvent.Sender)
		return
	}

	var pc pollContext
	if len(r.AdditionalContext) > 0 {
		if err := json.Unmarshal(r.AdditionalContext, &pc); err != nil {
			p.logger.Warn("poll context unreadable", "event_id", r.AnnotatedEvent.EventID, "error", err)
		}
	}

	msg := fmt.Sprintf("%s chose %s", r.ReactionEvent.Sender, r.Value)
	if pc.Question != "" {
		msg = fmt.Sprintf("%s: %s", pc.Question, msg)
	}
	p.reply(ctx, roomID, msg)

	if err := p.lifecycle.ResolvePrompt(ctx, roomID, r.AnnotatedEvent.EventID, pollCloseReason); err != nil {
		p.logger.Error("resolve poll failed", "event_id", r.AnnotatedEvent.EventID, "error", err)
		return
	}
	if _, err := p.client.SendReaction(ctx, roomID, r.AnnotatedEvent.EventID, reaction.CompleteMarker); err != nil {
		p.logger.Warn("complete marker failed", "event_id", r.AnnotatedEvent.EventID, "error", err)
	}
}

// pollClosed reports whether the bot has put a live terminal marker on the poll.
func (p *pollBot) pollClosed(ctx context.Context, roomID, eventID string) (bool, error) {
	closed := false
	filter := domain.RelationFilter{RelType: domain.RelTypeAnnotation, EventType: domain.EventTypeReaction}
	err := p.client.ForEachRelation(ctx, roomID, eventID, filter, func(ev domain.RoomEvent) {
		if closed || ev.Redacted() || ev.Sender != p.userID {
			return
		}
		var rel domain.RelatesTo
		if json.Unmarshal(ev.Content[domain.ContentKeyRelation], &rel) != nil {
			return
		}
		closed = rel.Key == reaction.CompleteMarker || rel.Key == reaction.CancelMarker
	})
	return closed, err
}

// cancelPoll cancels the poll posted as eventID.
func (p *pollBot) cancelPoll(ctx context.Context, roomID, eventID, requester string) error {
	if eventID == "" {
		return errors.New("usage: !cancel <event id>")
	}
	prompt, err := p.client.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return err
	}
	annotation, err := p.handler.Codec().Decode(prompt.Content)
	if err != nil {
		return err
	}
	if annotation.Name != pollListener {
		return fmt.Errorf("%s is not a poll", eventID)
	}
	return p.lifecycle.CancelPrompt(ctx, prompt, reaction.CancelledBy(requester))
}

func cancelFailureText(err error) string {
	if matrix.IsMatrixError(err, matrix.ErrCodeForbidden) {
		return "Could not cancel: I am not allowed to redact reactions in this room"
	}
	return "Could not cancel: " + err.Error()
}

func (p *pollBot) reply(ctx context.Context, roomID, text string) {
	if _, err := p.client.SendMessage(ctx, roomID, map[string]any{"msgtype": "m.notice", "body": text}); err != nil {
		p.logger.Warn("reply failed", "room_id", roomID, "error", err)
	}
}
