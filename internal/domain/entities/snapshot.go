package entities

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SnapshotSchemaVersion is the schema version written by this build
const SnapshotSchemaVersion = 1

// Snapshot is the canonical synchronized overlay state record.
// It is replaced wholesale on every accepted update; holders must treat it as
// immutable and use Clone before mutating.
type Snapshot struct {
	SchemaVersion int   `json:"schema_version"`
	ProducedAtMs  int64 `json:"produced_at_ms"`
	HeartbeatMs   int64 `json:"heartbeat_ms"`
	Online        bool  `json:"online"`

	// External client owned
	Route            []RouteNode        `json:"route,omitempty"`
	ActiveRouteIndex *int               `json:"active_route_index,omitempty"`
	Identity         *Identity          `json:"identity,omitempty"`
	Proximity        []ProximityContact `json:"proximity,omitempty"`

	// Log-tailer owned
	Player       *PlayerMarker    `json:"player,omitempty"`
	Combat       *CombatTelemetry `json:"combat,omitempty"`
	Mining       *MiningTelemetry `json:"mining,omitempty"`
	TailerStatus *ProducerStatus  `json:"tailer_status,omitempty"`

	// Renderer owned, applied from drained events
	Controls *OverlayControls `json:"controls,omitempty"`
}

// RouteNode is one hop of the route computed by the external client
type RouteNode struct {
	System     string  `json:"system"`
	Notes      string  `json:"notes,omitempty"`
	DistanceLy float64 `json:"distance_ly,omitempty"`
	Jumps      int     `json:"jumps,omitempty"`
	Refuel     bool    `json:"refuel,omitempty"`
}

// Identity holds the authenticated user as reported by the external client
type Identity struct {
	Commander     string `json:"commander"`
	UserID        string `json:"user_id,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// ProximityContact is one result of a proximity scan
type ProximityContact struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind,omitempty"`
	DistanceLy float64 `json:"distance_ly"`
}

// PlayerMarker is the player location derived from game logs
type PlayerMarker struct {
	System    string  `json:"system"`
	Body      string  `json:"body,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Docked    bool    `json:"docked,omitempty"`
	UpdatedMs int64   `json:"updated_ms,omitempty"`
}

// CombatTelemetry summarises combat facts parsed from game logs
type CombatTelemetry struct {
	InCombat    bool   `json:"in_combat"`
	Kills       int    `json:"kills"`
	BountyTotal int64  `json:"bounty_total"`
	LastTarget  string `json:"last_target,omitempty"`
}

// MiningTelemetry summarises mining facts parsed from game logs
type MiningTelemetry struct {
	RefinedTons  int    `json:"refined_tons"`
	Prospected   int    `json:"prospected"`
	LastMaterial string `json:"last_material,omitempty"`
}

// OverlayControls are user-facing toggles driven by renderer events
type OverlayControls struct {
	Visible            bool   `json:"visible"`
	FollowMode         bool   `json:"follow_mode"`
	Compact            bool   `json:"compact"`
	SessionID          string `json:"session_id,omitempty"`
	BookmarksRequested int    `json:"bookmarks_requested,omitempty"`
}

// DefaultControls returns the controls a fresh overlay starts with
func DefaultControls() OverlayControls {
	return OverlayControls{Visible: true, FollowMode: true}
}

// NewSnapshot creates an empty snapshot at the current schema version
func NewSnapshot() Snapshot {
	return Snapshot{SchemaVersion: SnapshotSchemaVersion}
}

// ParseSnapshot decodes a serialized snapshot payload
func ParseSnapshot(data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return Snapshot{}, errors.New("empty snapshot payload")
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return s, nil
}

// Marshal encodes the snapshot to its wire form
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// HasRoute reports whether a route with at least one hop beyond the origin exists
func (s Snapshot) HasRoute() bool {
	return len(s.Route) > 1
}

// ActiveNode returns the active route node, if any
func (s Snapshot) ActiveNode() (RouteNode, bool) {
	if s.ActiveRouteIndex == nil {
		return RouteNode{}, false
	}
	idx := *s.ActiveRouteIndex
	if idx < 0 || idx >= len(s.Route) {
		return RouteNode{}, false
	}
	return s.Route[idx], true
}

// Validate checks the structural requirements of an incoming snapshot
func (s Snapshot) Validate() error {
	if s.SchemaVersion <= 0 {
		return errors.New("schema_version is required")
	}
	if s.SchemaVersion > SnapshotSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", s.SchemaVersion)
	}

	for i, node := range s.Route {
		if node.System == "" {
			return fmt.Errorf("route[%d]: system is required", i)
		}
		if node.DistanceLy < 0 {
			return fmt.Errorf("route[%d]: distance must be non-negative", i)
		}
	}

	if s.ActiveRouteIndex != nil {
		idx := *s.ActiveRouteIndex
		if idx < 0 || (len(s.Route) > 0 && idx >= len(s.Route)) {
			return fmt.Errorf("active_route_index %d out of range", idx)
		}
	}

	if s.Player != nil && s.Player.System == "" {
		return errors.New("player.system is required")
	}

	for i, c := range s.Proximity {
		if c.Name == "" {
			return fmt.Errorf("proximity[%d]: name is required", i)
		}
	}

	return nil
}

// Clone returns a deep copy of the snapshot
func (s Snapshot) Clone() Snapshot {
	out := s

	if s.Route != nil {
		out.Route = make([]RouteNode, len(s.Route))
		copy(out.Route, s.Route)
	}
	if s.ActiveRouteIndex != nil {
		idx := *s.ActiveRouteIndex
		out.ActiveRouteIndex = &idx
	}
	if s.Identity != nil {
		v := *s.Identity
		out.Identity = &v
	}
	if s.Proximity != nil {
		out.Proximity = make([]ProximityContact, len(s.Proximity))
		copy(out.Proximity, s.Proximity)
	}
	if s.Player != nil {
		v := *s.Player
		out.Player = &v
	}
	if s.Combat != nil {
		v := *s.Combat
		out.Combat = &v
	}
	if s.Mining != nil {
		v := *s.Mining
		out.Mining = &v
	}
	if s.TailerStatus != nil {
		v := *s.TailerStatus
		out.TailerStatus = &v
	}
	if s.Controls != nil {
		v := *s.Controls
		out.Controls = &v
	}

	return out
}

// IntPtr returns a pointer to v. Used for optional indices.
func IntPtr(v int) *int {
	return &v
}
