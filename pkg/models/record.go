package models

import "time"

// CurrentSchemaVersion is stamped on persisted records.
const CurrentSchemaVersion = 1

// NodeRecord is the registry's unit of truth for one endpoint.
type NodeRecord struct {
	SchemaVersion int         `json:"schema_version"`
	Endpoint      Endpoint    `json:"endpoint"`
	Origin        NodeOrigin  `json:"origin"`
	State         NodeState   `json:"state"`
	Profile       NodeProfile `json:"profile"`
	Health        NodeHealth  `json:"health"`

	DiscoveredAt       time.Time `json:"discovered_at"`
	LastSeenAt         time.Time `json:"last_seen_at,omitempty"`
	LastProbeAttemptAt time.Time `json:"last_probe_attempt_at,omitempty"`
	StateChangedAt     time.Time `json:"state_changed_at,omitempty"`
}

// NewNodeRecord creates a fresh candidate.
func NewNodeRecord(endpoint Endpoint, origin NodeOrigin, now time.Time) *NodeRecord {
	return &NodeRecord{
		SchemaVersion:  CurrentSchemaVersion,
		Endpoint:       endpoint,
		Origin:         origin,
		State:          StateCandidate,
		Profile:        NodeProfile{Hints: NetworkHints{Prefix24: endpoint.Prefix24()}},
		DiscoveredAt:   now,
		StateChangedAt: now,
	}
}

// Key returns the endpoint key.
func (r NodeRecord) Key() string {
	return r.Endpoint.Key()
}

// Clone returns a deep copy safe to hand out of the registry.
func (r NodeRecord) Clone() NodeRecord {
	clone := r
	clone.Profile = r.Profile.Clone()
	clone.Health = r.Health.Clone()
	return clone
}

// LastActivity is the latest of discovery, success and failure times; used for idle pruning.
func (r NodeRecord) LastActivity() time.Time {
	latest := r.DiscoveredAt
	for _, t := range []time.Time{r.LastSeenAt, r.Health.LastSuccessAt, r.Health.LastFailureAt} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
