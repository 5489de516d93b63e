package registry

import (
	"sort"
)

// PrefixStats aggregates long-run performance of the nodes sharing one IPv4 /24.
type PrefixStats struct {
	Prefix          string  `json:"prefix"`
	Samples         int     `json:"samples"`
	MedianLatencyMs float64 `json:"median_latency_ms"`
	MedianErrorRate float64 `json:"median_error_rate"`
}

// PrefixPerformanceStats returns per-/24 medians over nodes with global latency history.
// Prefixes with fewer than minSamples such nodes are omitted.
func (r *Registry) PrefixPerformanceStats(minSamples int) map[string]PrefixStats {
	latencies := make(map[string][]float64)
	errorRates := make(map[string][]float64)

	r.mu.RLock()
	for _, record := range r.records {
		prefix := record.Profile.Hints.Prefix24
		if prefix == "" {
			prefix = record.Endpoint.Prefix24()
		}
		if prefix == "" || !record.Health.Global.LatencyMs.HasSamples() {
			continue
		}
		latencies[prefix] = append(latencies[prefix], record.Health.Global.LatencyMs.Value)
		errorRates[prefix] = append(errorRates[prefix], record.Health.Global.ErrorRate.Value)
	}
	r.mu.RUnlock()

	stats := make(map[string]PrefixStats, len(latencies))
	for prefix, values := range latencies {
		if len(values) < max(1, minSamples) {
			continue
		}
		stats[prefix] = PrefixStats{
			Prefix:          prefix,
			Samples:         len(values),
			MedianLatencyMs: median(values),
			MedianErrorRate: median(errorRates[prefix]),
		}
	}
	return stats
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
