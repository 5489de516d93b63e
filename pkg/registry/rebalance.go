package registry

import (
	"sort"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
)

// RebalanceResult summarises one RebalanceActivePool call.
type RebalanceResult struct {
	Promoted []models.Endpoint `json:"promoted"`
	Demoted  []models.Endpoint `json:"demoted"`
	Swaps    int               `json:"swaps"`
	Active   int               `json:"active"`
	BelowMin bool              `json:"below_min"`
}

// Changed reports whether the active set moved.
func (r RebalanceResult) Changed() bool {
	return len(r.Promoted) > 0 || len(r.Demoted) > 0
}

type scored struct {
	record *models.NodeRecord
	score  float64
}

// RebalanceActivePool adjusts the active working set: ineligible members are demoted,
// the set is trimmed to maxActive, empty slots are filled with the best verified nodes,
// and at most maxReplacements swaps are made where a challenger scores at least
// minImprovementRatio better than the worst member.
func (r *Registry) RebalanceActivePool(minActive, maxActive, maxReplacements int, minImprovementRatio float64) RebalanceResult {
	var result RebalanceResult

	r.mu.Lock()
	now := r.now()

	var active, bench []scored
	for _, record := range r.records {
		wasActive := record.State == models.StateActive
		r.applyStateLocked(record, now)
		switch {
		case record.State == models.StateActive:
			active = append(active, scored{record: record, score: Score(*record)})
		case wasActive:
			result.Demoted = append(result.Demoted, record.Endpoint)
		case record.State == models.StateVerified:
			bench = append(bench, scored{record: record, score: Score(*record)})
		}
	}
	sortScored(active)
	sortScored(bench)

	for len(active) > maxActive {
		worst := active[len(active)-1]
		active = active[:len(active)-1]
		r.setStateLocked(worst.record, models.StateVerified, now)
		result.Demoted = append(result.Demoted, worst.record.Endpoint)
		bench = append(bench, worst)
	}
	sortScored(bench)

	for len(active) < maxActive && len(bench) > 0 {
		best := bench[0]
		bench = bench[1:]
		r.setStateLocked(best.record, models.StateActive, now)
		result.Promoted = append(result.Promoted, best.record.Endpoint)
		active = append(active, best)
	}
	sortScored(active)

	for result.Swaps < maxReplacements && len(active) > 0 && len(bench) > 0 {
		worst := active[len(active)-1]
		challenger := bench[0]
		if !(challenger.score < worst.score && challenger.score <= worst.score*(1-minImprovementRatio)) {
			break
		}
		r.setStateLocked(worst.record, models.StateVerified, now)
		r.setStateLocked(challenger.record, models.StateActive, now)
		result.Demoted = append(result.Demoted, worst.record.Endpoint)
		result.Promoted = append(result.Promoted, challenger.record.Endpoint)
		result.Swaps++

		active[len(active)-1] = challenger
		bench[0] = worst
		sortScored(active)
		sortScored(bench)
	}

	result.Active = len(active)
	result.BelowMin = len(active) < minActive
	healthChanged := r.healthChangedLocked()
	r.mu.Unlock()

	if result.Changed() {
		log.Info().
			Int("promoted", len(result.Promoted)).
			Int("demoted", len(result.Demoted)).
			Int("swaps", result.Swaps).
			Int("active", result.Active).
			Msg("Active pool rebalanced")
	}
	if result.BelowMin {
		log.Warn().
			Int("active", result.Active).
			Int("min_active", minActive).
			Msg("Active pool below minimum")
	}
	if result.Changed() || healthChanged {
		r.notify()
	}
	return result
}

func sortScored(items []scored) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score < items[j].score
		}
		return items[i].record.Key() < items[j].record.Key()
	})
}
