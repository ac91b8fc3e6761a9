package entities

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned for type codes outside the closed enumeration
var ErrUnknownEventType = errors.New("unknown event type")

// EventType is the closed enumeration of renderer user intents
type EventType uint16

const (
	EventToggleOverlay    EventType = 1
	EventToggleFollowMode EventType = 2
	EventToggleCompact    EventType = 3
	EventSessionStart     EventType = 4
	EventSessionStop      EventType = 5
	EventBookmarkRequest  EventType = 6
)

var eventTypeNames = map[EventType]string{
	EventToggleOverlay:    "toggle_overlay",
	EventToggleFollowMode: "toggle_follow_mode",
	EventToggleCompact:    "toggle_compact",
	EventSessionStart:     "session_start",
	EventSessionStop:      "session_stop",
	EventBookmarkRequest:  "bookmark_request",
}

// String returns the wire name of the event type
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint16(t))
}

// Valid reports whether t is part of the enumeration
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// MarshalText encodes the type by name
func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, uint16(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name
func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseEventType resolves a wire name into an EventType
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
}

// EventFlagTruncated is set on a slot whose payload exceeded the slot cap
const EventFlagTruncated uint16 = 1 << 0

// Event is a discrete, non-idempotent user intent published by a renderer
type Event struct {
	Type        EventType
	Flags       uint16
	TimestampMs int64
	Payload     []byte
}

// Truncated reports whether the payload was cut to fit a ring slot
func (e Event) Truncated() bool {
	return e.Flags&EventFlagTruncated != 0
}

// TogglePayload optionally forces a toggle to a value instead of flipping it
type TogglePayload struct {
	Value *bool `json:"value,omitempty"`
}

// SessionPayload accompanies session start/stop events
type SessionPayload struct {
	System string `json:"system,omitempty"`
}

// BookmarkPayload accompanies bookmark requests
type BookmarkPayload struct {
	System string `json:"system,omitempty"`
	Body   string `json:"body,omitempty"`
	Note   string `json:"note,omitempty"`
}

// DecodePayload unmarshals the event payload into v. An empty payload leaves v untouched.
func (e Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// EventRecord is the server-side history copy of a drained event
type EventRecord struct {
	ID           uint64          `json:"id"`
	Type         EventType       `json:"type"`
	TimestampMs  int64           `json:"timestamp_ms"`
	ReceivedAtMs int64           `json:"received_at_ms"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEventRecord builds a history record for a drained event
func NewEventRecord(id uint64, e Event, receivedAtMs int64) EventRecord {
	rec := EventRecord{
		ID:           id,
		Type:         e.Type,
		TimestampMs:  e.TimestampMs,
		ReceivedAtMs: receivedAtMs,
	}
	if len(e.Payload) > 0 && json.Valid(e.Payload) {
		rec.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return rec
}
