package models

import (
	"time"

	"nodepool/pkg/ewma"
)

// HealthStats groups the smoothed request outcomes of one time scale.
type HealthStats struct {
	LatencyMs   ewma.Average `json:"latency_ms"`
	ErrorRate   ewma.Average `json:"error_rate"`
	TimeoutRate ewma.Average `json:"timeout_rate"`
}

// Add records one outcome. A nil latency leaves the latency average untouched.
func (h *HealthStats) Add(alpha float64, latencyMs *float64, isTimeout, isError bool) {
	if latencyMs != nil {
		h.LatencyMs.Add(alpha, *latencyMs)
	}
	h.ErrorRate.Add(alpha, indicator(isError || isTimeout))
	h.TimeoutRate.Add(alpha, indicator(isTimeout))
}

// TCPPing is the last pre-screen outcome.
type TCPPing struct {
	Passed    bool      `json:"passed"`
	CheckedAt time.Time `json:"checked_at"`
	RTTMs     *float64  `json:"rtt_ms,omitempty"`
}

// NodeHealth holds live health bookkeeping. Fast stats are scoped to EpochID;
// Global stats survive network path changes.
type NodeHealth struct {
	EpochID uint64      `json:"epoch_id"`
	Fast    HealthStats `json:"fast"`
	Global  HealthStats `json:"global"`

	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	QuarantineUntil      time.Time `json:"quarantine_until,omitempty"`

	BreakerFailures  int       `json:"breaker_failures"`
	BreakerOpenUntil time.Time `json:"breaker_open_until,omitempty"`

	TCPPing *TCPPing `json:"tcp_ping,omitempty"`
}

// IsQuarantined reports whether the node is backed off at now.
func (h NodeHealth) IsQuarantined(now time.Time) bool {
	return now.Before(h.QuarantineUntil)
}

// IsCircuitOpen reports whether the registry-level breaker rejects attempts at now.
func (h NodeHealth) IsCircuitOpen(now time.Time) bool {
	return now.Before(h.BreakerOpenUntil)
}

// ResetFast drops epoch-scoped stats and counters and adopts epochID.
func (h *NodeHealth) ResetFast(epochID uint64) {
	h.EpochID = epochID
	h.Fast = HealthStats{}
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveFailures = 0
}

// Clone returns a deep copy.
func (h NodeHealth) Clone() NodeHealth {
	clone := h
	if h.TCPPing != nil {
		ping := *h.TCPPing
		ping.RTTMs = cloneFloat(h.TCPPing.RTTMs)
		clone.TCPPing = &ping
	}
	return clone
}

func indicator(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
