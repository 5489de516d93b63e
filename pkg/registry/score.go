package registry

import "nodepool/pkg/models"

const (
	unknownLatencyMs  = 5000.0
	errorRateWeight   = 4.0
	timeoutRateWeight = 6.0
)

// LatencyEstimate returns the best available latency guess for the node in milliseconds:
// the epoch-scoped EWMA, then the global EWMA, then the geo-predicted RTT.
func LatencyEstimate(record models.NodeRecord) float64 {
	health := record.Health
	switch {
	case health.Fast.LatencyMs.HasSamples():
		return health.Fast.LatencyMs.Value
	case health.Global.LatencyMs.HasSamples():
		return health.Global.LatencyMs.Value
	case record.Profile.Hints.PredictedMinRTTMs != nil:
		return *record.Profile.Hints.PredictedMinRTTMs
	default:
		return unknownLatencyMs
	}
}

// Score ranks a node for routing; lower is better.
func Score(record models.NodeRecord) float64 {
	stats := record.Health.Fast
	if !stats.ErrorRate.HasSamples() {
		stats = record.Health.Global
	}
	penalty := 1 + errorRateWeight*stats.ErrorRate.Value + timeoutRateWeight*stats.TimeoutRate.Value
	return LatencyEstimate(record) * penalty
}
