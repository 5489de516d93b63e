package profiler

import "nodepool/pkg/models"

// Mode selects the probe cadence.
type Mode int

const (
	// ModeConservative probes at the slow per-state intervals.
	ModeConservative Mode = iota
	// ModeAggressive probes roughly ten times as often to rebuild the pool.
	ModeAggressive
)

const aggressiveActiveThreshold = 5

func (m Mode) String() string {
	if m == ModeAggressive {
		return "aggressive"
	}
	return "conservative"
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// DecideMode is aggressive while fewer than five nodes are active or fewer than
// fastTarget active nodes measure under lowLatencyMs.
func DecideMode(records []models.NodeRecord, lowLatencyMs float64, fastTarget int) Mode {
	active, fast := 0, 0
	for _, record := range records {
		if record.State != models.StateActive {
			continue
		}
		active++
		if latency, ok := measuredLatency(record); ok && latency < lowLatencyMs {
			fast++
		}
	}
	if active < aggressiveActiveThreshold || fast < fastTarget {
		return ModeAggressive
	}
	return ModeConservative
}

// measuredLatency ignores geo predictions; only real samples count as fast.
func measuredLatency(record models.NodeRecord) (float64, bool) {
	switch {
	case record.Health.Fast.LatencyMs.HasSamples():
		return record.Health.Fast.LatencyMs.Value, true
	case record.Health.Global.LatencyMs.HasSamples():
		return record.Health.Global.LatencyMs.Value, true
	}
	return 0, false
}
