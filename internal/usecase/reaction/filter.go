package reaction

import (
	"encoding/json"

	"promptbot/internal/domain"
)

// ReactionRef is a reaction that passed the relevance filter.
type ReactionRef struct {
	RoomID        string
	TargetEventID string
	Key           string
	Event         domain.RoomEvent
}

// Filter decides whether an inbound event is a reaction this instance should correlate.
type Filter struct {
	RoomID string
	UserID string
}

// Match returns the reaction reference when event is a reaction in the watched
// room from someone other than the bound user. Irrelevant events return false.
func (f Filter) Match(roomID string, event domain.RoomEvent) (ReactionRef, bool) {
	if roomID != f.RoomID {
		return ReactionRef{}, false
	}
	if event.Sender == f.UserID {
		return ReactionRef{}, false
	}
	if event.Type != domain.EventTypeReaction {
		return ReactionRef{}, false
	}
	key, target, ok := relationKey(event)
	if !ok {
		return ReactionRef{}, false
	}
	return ReactionRef{
		RoomID:        roomID,
		TargetEventID: target,
		Key:           key,
		Event:         event,
	}, true
}

// relationKey extracts the string key and event_id from m.relates_to.
func relationKey(event domain.RoomEvent) (key, eventID string, ok bool) {
	raw, present := event.Content[domain.ContentKeyRelation]
	if !present {
		return "", "", false
	}
	var rel map[string]any
	if err := json.Unmarshal(raw, &rel); err != nil {
		return "", "", false
	}
	key, keyOK := rel["key"].(string)
	eventID, idOK := rel["event_id"].(string)
	if !keyOK || !idOK {
		return "", "", false
	}
	return key, eventID, true
}
