package models

import "time"

// NodeProfile is the self-reported capability snapshot of a node plus soft network hints.
type NodeProfile struct {
	NetworkID             string    `json:"network_id,omitempty"`
	IsSynced              bool      `json:"is_synced"`
	IsUtxoIndexed         bool      `json:"is_utxo_indexed"`
	ServerVersion         string    `json:"server_version,omitempty"`
	LargePayloadReachable *bool     `json:"large_payload_reachable,omitempty"`
	ProbedAt              time.Time `json:"probed_at,omitempty"`

	Hints NetworkHints `json:"hints"`
}

// NetworkHints are best-effort priors. They never gate selection.
type NetworkHints struct {
	ASN               string    `json:"asn,omitempty"`
	CountryCode       string    `json:"country_code,omitempty"`
	Prefix24          string    `json:"prefix24,omitempty"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	PredictedMinRTTMs *float64  `json:"predicted_min_rtt_ms,omitempty"`
	GeoDistanceKm     *float64  `json:"geo_distance_km,omitempty"`
	GeoCheckedAt      time.Time `json:"geo_checked_at,omitempty"`
}

// Answered reports whether the node ever answered a capability probe.
func (p NodeProfile) Answered() bool {
	return !p.ProbedAt.IsZero()
}

// IsStale reports whether the snapshot is older than ttl.
func (p NodeProfile) IsStale(now time.Time, ttl time.Duration) bool {
	if !p.Answered() {
		return true
	}
	return ttl > 0 && now.Sub(p.ProbedAt) > ttl
}

// Clone returns a deep copy.
func (p NodeProfile) Clone() NodeProfile {
	clone := p
	clone.LargePayloadReachable = cloneBool(p.LargePayloadReachable)
	clone.Hints.Latitude = cloneFloat(p.Hints.Latitude)
	clone.Hints.Longitude = cloneFloat(p.Hints.Longitude)
	clone.Hints.PredictedMinRTTMs = cloneFloat(p.Hints.PredictedMinRTTMs)
	clone.Hints.GeoDistanceKm = cloneFloat(p.Hints.GeoDistanceKm)
	return clone
}

// ProbeResult is what a capability probe reports back.
type ProbeResult struct {
	NetworkID             string  `json:"network_id"`
	IsSynced              bool    `json:"is_synced"`
	IsUtxoIndexed         bool    `json:"is_utxo_indexed"`
	ServerVersion         string  `json:"server_version"`
	LargePayloadReachable *bool   `json:"large_payload_reachable,omitempty"`
	LatencyMs             float64 `json:"latency_ms"`
}

// Apply copies the capability fields of r into p and stamps the probe time.
func (r ProbeResult) Apply(p *NodeProfile, probedAt time.Time) {
	p.NetworkID = r.NetworkID
	p.IsSynced = r.IsSynced
	p.IsUtxoIndexed = r.IsUtxoIndexed
	p.ServerVersion = r.ServerVersion
	if r.LargePayloadReachable != nil {
		p.LargePayloadReachable = cloneBool(r.LargePayloadReachable)
	}
	p.ProbedAt = probedAt
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}
