package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Matrix event and relation type names used by the reaction protocol.
const (
	EventTypeReaction  = "m.reaction"
	EventTypeMessage   = "m.room.message"
	RelTypeAnnotation  = "m.annotation"
	ContentKeyRelation = "m.relates_to"
)

// RoomEvent is a persisted Matrix room event.
// Content keeps every top-level value raw so nested object order survives decoding.
type RoomEvent struct {
	EventID        string                     `json:"event_id"`
	RoomID         string                     `json:"room_id,omitempty"`
	Type           string                     `json:"type"`
	Sender         string                     `json:"sender"`
	OriginServerTS int64                      `json:"origin_server_ts,omitempty"`
	Content        map[string]json.RawMessage `json:"content"`
	Unsigned       *EventUnsigned             `json:"unsigned,omitempty"`
}

// EventUnsigned carries server-computed metadata that is not part of the signed event.
type EventUnsigned struct {
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
}

// Redacted reports whether the server has redacted this event.
func (e RoomEvent) Redacted() bool {
	return e.Unsigned != nil && len(e.Unsigned.RedactedBecause) > 0
}

// ContentString returns a top-level string field of the content, if present.
func (e RoomEvent) ContentString(key string) (string, bool) {
	raw, ok := e.Content[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// RelatesTo is the m.relates_to block of a reaction event.
type RelatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
	Key     string `json:"key,omitempty"`
}

// ReactionContent builds the content of an m.reaction event annotating eventID with key.
func ReactionContent(eventID, key string) map[string]any {
	return map[string]any{
		ContentKeyRelation: RelatesTo{
			RelType: RelTypeAnnotation,
			EventID: eventID,
			Key:     key,
		},
	}
}

// ReactionMap is an insertion-ordered mapping from reaction symbol to an opaque value.
// The zero value is an empty map ready to use.
type ReactionMap struct {
	m *orderedmap.OrderedMap[string, string]
}

// NewReactionMap creates a map holding pairs in the given order: key, value, key, value...
// A trailing key without a value is ignored.
func NewReactionMap(pairs ...string) ReactionMap {
	rm := ReactionMap{m: orderedmap.New[string, string]()}
	for i := 0; i+1 < len(pairs); i += 2 {
		rm.m.Set(pairs[i], pairs[i+1])
	}
	return rm
}

func (r *ReactionMap) init() {
	if r.m == nil {
		r.m = orderedmap.New[string, string]()
	}
}

// Set adds or replaces a symbol. Replacing keeps the original position.
func (r *ReactionMap) Set(key, value string) {
	r.init()
	r.m.Set(key, value)
}

// Get looks up the value for a symbol.
func (r ReactionMap) Get(key string) (string, bool) {
	if r.m == nil {
		return "", false
	}
	return r.m.Get(key)
}

// Len returns the number of symbols.
func (r ReactionMap) Len() int {
	if r.m == nil {
		return 0
	}
	return r.m.Len()
}

// Keys returns the symbols in insertion order.
func (r ReactionMap) Keys() []string {
	if r.m == nil {
		return nil
	}
	keys := make([]string, 0, r.m.Len())
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Clone returns an independent copy with the same order.
func (r ReactionMap) Clone() ReactionMap {
	out := ReactionMap{m: orderedmap.New[string, string]()}
	if r.m == nil {
		return out
	}
	for pair := r.m.Oldest(); pair != nil; pair = pair.Next() {
		out.m.Set(pair.Key, pair.Value)
	}
	return out
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (r ReactionMap) MarshalJSON() ([]byte, error) {
	if r.m == nil {
		return []byte("{}"), nil
	}
	return r.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object of string values, keeping document order.
func (r *ReactionMap) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("reaction map: expected JSON object")
	}
	m := orderedmap.New[string, string]()
	if err := m.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("reaction map: %w", err)
	}
	r.m = m
	return nil
}

// Annotation is the reaction-handling metadata embedded in a prompt event's content.
type Annotation struct {
	ReactionMap       ReactionMap     `json:"reaction_map"`
	Name              string          `json:"name"`
	AdditionalContext json.RawMessage `json:"additional_context,omitempty"`
}
