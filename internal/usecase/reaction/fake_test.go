package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"promptbot/internal/domain"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRoom is an in-memory room implementing domain.PromptClient and domain.RoomEventGetter.
type fakeRoom struct {
	mu       sync.Mutex
	roomID   string
	userID   string
	events   map[string]domain.RoomEvent
	parent   map[string]string
	order    []string
	seq      int
	getCalls int

	getErr      error
	sendErrAt   int // fail the n-th SendReaction call (1-based); 0 never
	sendCalls   int
	sendErr     error
	relationErr error
	redactErr   error
	redactions  []string
	reasons     []string
}

func newFakeRoom(roomID, userID string) *fakeRoom {
	return &fakeRoom{roomID: roomID, userID: userID, events: make(map[string]domain.RoomEvent), parent: make(map[string]string)}
}

func (f *fakeRoom) nextID() string {
	f.seq++
	return fmt.Sprintf("$ev%d", f.seq)
}

func (f *fakeRoom) put(ev domain.RoomEvent) domain.RoomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.EventID == "" {
		ev.EventID = f.nextID()
	}
	if ev.RoomID == "" {
		ev.RoomID = f.roomID
	}
	f.events[ev.EventID] = ev
	f.order = append(f.order, ev.EventID)
	var rel domain.RelatesTo
	if raw, ok := ev.Content[domain.ContentKeyRelation]; ok && json.Unmarshal(raw, &rel) == nil {
		f.parent[ev.EventID] = rel.EventID
	}
	return ev
}

// addReaction stores a reaction from sender as if it came over the network.
func (f *fakeRoom) addReaction(sender, target, key string) domain.RoomEvent {
	rel, _ := json.Marshal(domain.RelatesTo{RelType: domain.RelTypeAnnotation, EventID: target, Key: key})
	return f.put(domain.RoomEvent{
		Type:    domain.EventTypeReaction,
		Sender:  sender,
		Content: map[string]json.RawMessage{domain.ContentKeyRelation: rel},
	})
}

func (f *fakeRoom) GetEvent(_ context.Context, roomID, eventID string) (domain.RoomEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return domain.RoomEvent{}, f.getErr
	}
	ev, ok := f.events[eventID]
	if !ok || roomID != f.roomID {
		return domain.RoomEvent{}, domain.NewDomainError("fake.GetEvent", domain.ErrNotFound, eventID)
	}
	return ev, nil
}

func (f *fakeRoom) SendMessage(_ context.Context, roomID string, content map[string]any) (string, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	ev := f.put(domain.RoomEvent{RoomID: roomID, Type: domain.EventTypeMessage, Sender: f.userID, Content: raw})
	return ev.EventID, nil
}

func (f *fakeRoom) SendReaction(_ context.Context, roomID, eventID, key string) (string, error) {
	f.mu.Lock()
	f.sendCalls++
	fail := f.sendErr != nil && (f.sendErrAt == 0 || f.sendCalls == f.sendErrAt)
	f.mu.Unlock()
	if fail {
		return "", f.sendErr
	}
	return f.addReaction(f.userID, eventID, key).EventID, nil
}

func (f *fakeRoom) ForEachRelation(_ context.Context, _ string, eventID string, filter domain.RelationFilter, fn func(domain.RoomEvent)) error {
	if f.relationErr != nil {
		return f.relationErr
	}
	f.mu.Lock()
	var matches []domain.RoomEvent
	for _, id := range f.order {
		ev := f.events[id]
		if ev.Type == filter.EventType && filter.RelType == domain.RelTypeAnnotation && f.parent[id] == eventID {
			matches = append(matches, ev)
		}
	}
	f.mu.Unlock()
	for _, ev := range matches {
		fn(ev)
	}
	return nil
}

// RedactEvent strips the content the way a homeserver does; the relation
// stays listed with no key.
func (f *fakeRoom) RedactEvent(_ context.Context, _ string, eventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redactErr != nil {
		return f.redactErr
	}
	ev, ok := f.events[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Content = map[string]json.RawMessage{}
	ev.Unsigned = &domain.EventUnsigned{RedactedBecause: json.RawMessage(`{"type":"m.room.redaction"}`)}
	f.events[eventID] = ev
	f.redactions = append(f.redactions, eventID)
	f.reasons = append(f.reasons, reason)
	return nil
}

// activeKeys lists the keys of unredacted reactions on target, in send order.
func (f *fakeRoom) activeKeys(target string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, id := range f.order {
		ev := f.events[id]
		if ev.Type != domain.EventTypeReaction || ev.Redacted() || f.parent[id] != target {
			continue
		}
		var rel domain.RelatesTo
		_ = json.Unmarshal(ev.Content[domain.ContentKeyRelation], &rel)
		keys = append(keys, rel.Key)
	}
	return keys
}

func (f *fakeRoom) redactionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.redactions)
}

var _ domain.PromptClient = (*fakeRoom)(nil)
var _ domain.RoomEventGetter = (*fakeRoom)(nil)
