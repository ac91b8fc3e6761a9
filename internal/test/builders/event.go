package builders

import (
	"encoding/json"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// EventBuilder helps build renderer Events for testing
type EventBuilder struct {
	event entities.Event
}

// NewEventBuilder creates an event builder for the given type
func NewEventBuilder(eventType entities.EventType) *EventBuilder {
	return &EventBuilder{event: entities.Event{Type: eventType, TimestampMs: 1}}
}

// At sets the producer timestamp
func (b *EventBuilder) At(timestampMs int64) *EventBuilder {
	b.event.TimestampMs = timestampMs
	return b
}

// WithPayload sets the JSON payload
func (b *EventBuilder) WithPayload(v interface{}) *EventBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	b.event.Payload = data
	return b
}

// WithRawPayload sets the payload bytes as-is
func (b *EventBuilder) WithRawPayload(payload []byte) *EventBuilder {
	b.event.Payload = append([]byte(nil), payload...)
	return b
}

// Truncated marks the event as cut to fit its slot
func (b *EventBuilder) Truncated() *EventBuilder {
	b.event.Flags |= entities.EventFlagTruncated
	return b
}

// Build returns the event with its own payload copy
func (b *EventBuilder) Build() entities.Event {
	out := b.event
	if b.event.Payload != nil {
		out.Payload = append([]byte(nil), b.event.Payload...)
	}
	return out
}

// Toggle builds a toggle event, forcing the value when one is given
func Toggle(eventType entities.EventType, value ...bool) entities.Event {
	b := NewEventBuilder(eventType)
	if len(value) > 0 {
		b.WithPayload(entities.TogglePayload{Value: &value[0]})
	}
	return b.Build()
}

// Bookmark builds a bookmark request for a system
func Bookmark(system, note string) entities.Event {
	return NewEventBuilder(entities.EventBookmarkRequest).
		WithPayload(entities.BookmarkPayload{System: system, Note: note}).
		Build()
}

// EventSequence builds count toggle events with increasing timestamps
func EventSequence(count int) []entities.Event {
	events := make([]entities.Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, NewEventBuilder(entities.EventToggleCompact).At(int64(i+1)).Build())
	}
	return events
}
