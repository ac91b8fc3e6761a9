package services

import "github.com/fredcamaral/overlaysync/internal/domain/entities"

// FieldAuthority binds one snapshot field group to the only producer allowed
// to change it. Copy moves the field from an incoming update into the next
// snapshot; a nil field in the update means "not submitted" and is skipped.
type FieldAuthority struct {
	Field string
	Owner entities.ProducerTag
	Copy  func(dst, src *entities.Snapshot)
}

// AuthorityTable is the ordered set of field rules applied on merge
type AuthorityTable []FieldAuthority

// DefaultAuthorityTable returns the field ownership used by the helper
func DefaultAuthorityTable() AuthorityTable {
	return AuthorityTable{
		{Field: "route", Owner: entities.ProducerExternalClient, Copy: copyRoute},
		{Field: "identity", Owner: entities.ProducerExternalClient, Copy: func(dst, src *entities.Snapshot) {
			if src.Identity != nil {
				dst.Identity = src.Identity
			}
		}},
		{Field: "proximity", Owner: entities.ProducerExternalClient, Copy: func(dst, src *entities.Snapshot) {
			if src.Proximity != nil {
				dst.Proximity = src.Proximity
			}
		}},
		{Field: "player", Owner: entities.ProducerLogTailer, Copy: func(dst, src *entities.Snapshot) {
			if src.Player != nil {
				dst.Player = src.Player
			}
		}},
		{Field: "combat", Owner: entities.ProducerLogTailer, Copy: func(dst, src *entities.Snapshot) {
			if src.Combat != nil {
				dst.Combat = src.Combat
			}
		}},
		{Field: "mining", Owner: entities.ProducerLogTailer, Copy: func(dst, src *entities.Snapshot) {
			if src.Mining != nil {
				dst.Mining = src.Mining
			}
		}},
		{Field: "tailer_status", Owner: entities.ProducerLogTailer, Copy: func(dst, src *entities.Snapshot) {
			if src.TailerStatus != nil {
				dst.TailerStatus = src.TailerStatus
			}
		}},
		{Field: "controls", Owner: entities.ProducerRenderer, Copy: func(dst, src *entities.Snapshot) {
			if src.Controls != nil {
				dst.Controls = src.Controls
			}
		}},
		// Written by the reconciler on every publish; no producer may set them.
		{Field: "heartbeat_ms", Owner: entities.ProducerReconciler},
		{Field: "online", Owner: entities.ProducerReconciler},
		{Field: "produced_at_ms", Owner: entities.ProducerReconciler},
		{Field: "schema_version", Owner: entities.ProducerReconciler},
	}
}

// copyRoute replaces the route and active node together. A submitted route of
// zero or one node means no route is computed and clears both fields.
func copyRoute(dst, src *entities.Snapshot) {
	if src.Route == nil {
		if src.ActiveRouteIndex != nil && *src.ActiveRouteIndex < len(dst.Route) {
			dst.ActiveRouteIndex = src.ActiveRouteIndex
		}
		return
	}

	if !src.HasRoute() {
		dst.Route = nil
		dst.ActiveRouteIndex = nil
		return
	}

	dst.Route = src.Route
	switch {
	case src.ActiveRouteIndex != nil:
		dst.ActiveRouteIndex = src.ActiveRouteIndex
	case dst.ActiveRouteIndex != nil && *dst.ActiveRouteIndex >= len(dst.Route):
		dst.ActiveRouteIndex = nil
	}
}

// Owner returns the producer that owns field, if the table names it
func (t AuthorityTable) Owner(field string) (entities.ProducerTag, bool) {
	for _, rule := range t {
		if rule.Field == field {
			return rule.Owner, true
		}
	}
	return "", false
}

// Merge builds the next snapshot from prior and an update by producer. Fields
// the producer does not own are carried over from prior unchanged.
func (t AuthorityTable) Merge(prior, incoming entities.Snapshot, producer entities.ProducerTag) entities.Snapshot {
	next := prior.Clone()
	src := incoming.Clone()

	for _, rule := range t {
		if rule.Owner == producer && rule.Copy != nil {
			rule.Copy(&next, &src)
		}
	}

	// Clearing the route never erases position: the marker rides along with
	// the clearing update when the client sends one.
	if producer == entities.ProducerExternalClient && src.Route != nil && !src.HasRoute() && src.Player != nil {
		next.Player = src.Player
	}

	return next
}
