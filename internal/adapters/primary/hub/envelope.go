package hub

import (
	"encoding/json"
	"fmt"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// Protocol identifies the envelope format announced in hello
const Protocol = "overlaysync/1"

// Capabilities lists the message types this server pushes
var Capabilities = []string{
	ports.MessageTypeOverlayState,
	ports.MessageTypeOverlayEvents,
	ports.MessageTypePing,
}

// HelloMessage is sent once to every new connection
type HelloMessage struct {
	Type         string   `json:"type"`
	Protocol     string   `json:"protocol"`
	Capabilities []string `json:"capabilities"`
	ServerTimeMs int64    `json:"server_time_ms"`
	ConnectionID string   `json:"connection_id,omitempty"`
}

// StateMessage wraps a serialized snapshot
type StateMessage struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// EventsMessage carries one drained event batch
type EventsMessage struct {
	Type      string                 `json:"type"`
	Events    []entities.EventRecord `json:"events"`
	Dropped   uint64                 `json:"dropped"`
	NextSince uint64                 `json:"next_since"`
}

// PingMessage is the keepalive control message
type PingMessage struct {
	Type string `json:"type"`
	TsMs int64  `json:"ts_ms"`
}

func encodeHello(connID string, nowMs int64) ([]byte, error) {
	return json.Marshal(HelloMessage{
		Type:         ports.MessageTypeHello,
		Protocol:     Protocol,
		Capabilities: Capabilities,
		ServerTimeMs: nowMs,
		ConnectionID: connID,
	})
}

func encodeState(state []byte) ([]byte, error) {
	if !json.Valid(state) {
		return nil, fmt.Errorf("encoding %s: state is not valid JSON", ports.MessageTypeOverlayState)
	}
	return json.Marshal(StateMessage{Type: ports.MessageTypeOverlayState, State: state})
}

func encodeEvents(records []entities.EventRecord, dropped, nextSince uint64) ([]byte, error) {
	if records == nil {
		records = []entities.EventRecord{}
	}
	data, err := json.Marshal(EventsMessage{
		Type:      ports.MessageTypeOverlayEvents,
		Events:    records,
		Dropped:   dropped,
		NextSince: nextSince,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", ports.MessageTypeOverlayEvents, err)
	}
	return data, nil
}

func encodePing(nowMs int64) ([]byte, error) {
	return json.Marshal(PingMessage{Type: ports.MessageTypePing, TsMs: nowMs})
}
