package builders

import (
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// SnapshotBuilder helps build Snapshot entities for testing
type SnapshotBuilder struct {
	snapshot entities.Snapshot
}

// NewSnapshotBuilder creates a new snapshot builder at the current schema version
func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{snapshot: entities.NewSnapshot()}
}

// WithSchemaVersion overrides the schema version
func (b *SnapshotBuilder) WithSchemaVersion(version int) *SnapshotBuilder {
	b.snapshot.SchemaVersion = version
	return b
}

// WithHeartbeat sets the online flag and heartbeat timestamp
func (b *SnapshotBuilder) WithHeartbeat(online bool, heartbeatMs int64) *SnapshotBuilder {
	b.snapshot.Online = online
	b.snapshot.HeartbeatMs = heartbeatMs
	b.snapshot.ProducedAtMs = heartbeatMs
	return b
}

// WithRoute sets a route through the given systems with the first hop active
func (b *SnapshotBuilder) WithRoute(systems ...string) *SnapshotBuilder {
	route := make([]entities.RouteNode, 0, len(systems))
	for i, system := range systems {
		route = append(route, entities.RouteNode{System: system, Jumps: i})
	}
	b.snapshot.Route = route
	if len(route) > 0 {
		b.snapshot.ActiveRouteIndex = entities.IntPtr(0)
	}
	return b
}

// WithActiveIndex sets the active route index
func (b *SnapshotBuilder) WithActiveIndex(idx int) *SnapshotBuilder {
	b.snapshot.ActiveRouteIndex = entities.IntPtr(idx)
	return b
}

// WithIdentity sets an authenticated commander
func (b *SnapshotBuilder) WithIdentity(commander string) *SnapshotBuilder {
	b.snapshot.Identity = &entities.Identity{Commander: commander, Authenticated: true}
	return b
}

// WithContact adds one proximity contact
func (b *SnapshotBuilder) WithContact(name string, distanceLy float64) *SnapshotBuilder {
	b.snapshot.Proximity = append(b.snapshot.Proximity, entities.ProximityContact{
		Name:       name,
		DistanceLy: distanceLy,
	})
	return b
}

// WithPlayer sets the player marker
func (b *SnapshotBuilder) WithPlayer(system string, x, y, z float64) *SnapshotBuilder {
	b.snapshot.Player = &entities.PlayerMarker{System: system, X: x, Y: y, Z: z}
	return b
}

// WithCombat sets combat telemetry
func (b *SnapshotBuilder) WithCombat(inCombat bool, kills int) *SnapshotBuilder {
	b.snapshot.Combat = &entities.CombatTelemetry{InCombat: inCombat, Kills: kills}
	return b
}

// WithMining sets mining telemetry
func (b *SnapshotBuilder) WithMining(refinedTons int) *SnapshotBuilder {
	b.snapshot.Mining = &entities.MiningTelemetry{RefinedTons: refinedTons}
	return b
}

// WithTailerStatus sets the log-tailer status
func (b *SnapshotBuilder) WithTailerStatus(state entities.TailerState) *SnapshotBuilder {
	b.snapshot.TailerStatus = &entities.ProducerStatus{State: state}
	return b
}

// WithControls sets the overlay controls
func (b *SnapshotBuilder) WithControls(controls entities.OverlayControls) *SnapshotBuilder {
	b.snapshot.Controls = &controls
	return b
}

// Build returns an independent copy of the snapshot
func (b *SnapshotBuilder) Build() entities.Snapshot {
	return b.snapshot.Clone()
}

// JSON returns the serialized snapshot. It panics on encoding failure, which
// cannot happen for builder output.
func (b *SnapshotBuilder) JSON() []byte {
	data, err := b.snapshot.Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

// Common snapshots for testing

// ClientSnapshot is a typical external client contribution
func ClientSnapshot() entities.Snapshot {
	return NewSnapshotBuilder().
		WithRoute("Sol", "Alpha Centauri", "Barnard's Star").
		WithIdentity("CMDR Test").
		WithContact("Station One", 12.5).
		Build()
}

// TailerSnapshot is a typical log-tailer contribution
func TailerSnapshot() entities.Snapshot {
	return NewSnapshotBuilder().
		WithPlayer("Sol", 0, 0, 0).
		WithCombat(false, 3).
		WithMining(40).
		WithTailerStatus(entities.TailerStateTailing).
		Build()
}
