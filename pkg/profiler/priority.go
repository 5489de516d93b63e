package profiler

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"nodepool/pkg/config"
	"nodepool/pkg/models"
	"nodepool/pkg/registry"

	mapset "github.com/deckarep/golang-set/v2"
)

var stateBase = map[models.NodeState]float64{
	models.StateSuspect:     60,
	models.StateCandidate:   50,
	models.StateProfiled:    35,
	models.StateActive:      30,
	models.StateVerified:    25,
	models.StateQuarantined: 10,
}

const (
	pinnedOriginBonus = 15.0

	tcpPassBonus   = 20.0
	tcpFailPenalty = 40.0

	prefixFastBonus      = 10.0
	prefixErrorPenalty   = 15.0
	prefixBadErrorRate   = 0.5
	prefixMinSamples     = 3
	geoNearBonus         = 8.0
	geoFarPenalty        = 4.0
	geoFarDistanceKm     = 10000.0
	overdueBonusMax      = 25.0
	geoRecheckInterval   = 24 * time.Hour
	defaultProbeInterval = time.Minute
)

// planner scores due records for one cycle.
type planner struct {
	now          time.Time
	intervals    config.StateIntervals
	lowLatencyMs float64
	prefixes     map[string]registry.PrefixStats
}

func (p planner) interval(record models.NodeRecord) time.Duration {
	interval := p.intervals.For(record.State)
	if interval <= 0 {
		return defaultProbeInterval
	}
	return interval
}

// due reports whether the record's probe interval has elapsed. Quarantined nodes wait
// for their backoff.
func (p planner) due(record models.NodeRecord) bool {
	if record.Health.IsQuarantined(p.now) {
		return false
	}
	if record.LastProbeAttemptAt.IsZero() {
		return true
	}
	return p.now.Sub(record.LastProbeAttemptAt) >= p.interval(record)
}

// priority is higher for nodes that should be probed sooner.
func (p planner) priority(record models.NodeRecord) float64 {
	score := stateBase[record.State]

	if record.Origin.IsPinned() {
		score += pinnedOriginBonus
	}

	if ping := record.Health.TCPPing; ping != nil {
		if ping.Passed {
			score += tcpPassBonus
		} else {
			score -= tcpFailPenalty
		}
	}

	if stats, ok := p.prefixes[record.Endpoint.Prefix24()]; ok {
		if stats.MedianLatencyMs < p.lowLatencyMs {
			score += prefixFastBonus
		}
		if stats.MedianErrorRate > prefixBadErrorRate {
			score -= prefixErrorPenalty
		}
	}

	hints := record.Profile.Hints
	if hints.PredictedMinRTTMs != nil && *hints.PredictedMinRTTMs < p.lowLatencyMs/2 {
		score += geoNearBonus
	}
	if hints.GeoDistanceKm != nil && *hints.GeoDistanceKm > geoFarDistanceKm {
		score -= geoFarPenalty
	}

	score += p.overdueBonus(record)
	return score
}

func (p planner) overdueBonus(record models.NodeRecord) float64 {
	if record.LastProbeAttemptAt.IsZero() {
		return overdueBonusMax
	}
	interval := p.interval(record)
	overdue := p.now.Sub(record.LastProbeAttemptAt) - interval
	if overdue <= 0 {
		return 0
	}
	return math.Min(overdueBonusMax, overdueBonusMax*float64(overdue)/float64(interval))
}

type ranked struct {
	record   models.NodeRecord
	priority float64
}

func (p planner) rank(records []models.NodeRecord) []ranked {
	out := make([]ranked, 0, len(records))
	for _, record := range records {
		out = append(out, ranked{record: record, priority: p.priority(record)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].record.Key() < out[j].record.Key()
	})
	return out
}

// selectBatch takes the top of ranked deterministically and fills an exploration slice of
// the batch with random picks from the rest.
func selectBatch(items []ranked, batchSize int, explorationRatio float64, rng *rand.Rand) []models.NodeRecord {
	if batchSize <= 0 {
		return nil
	}
	if len(items) <= batchSize {
		out := make([]models.NodeRecord, 0, len(items))
		for _, item := range items {
			out = append(out, item.record)
		}
		return out
	}

	explore := int(math.Round(float64(batchSize) * explorationRatio))
	if explore == 0 && explorationRatio > 0 && batchSize > 1 {
		explore = 1
	}
	exploit := batchSize - explore

	out := make([]models.NodeRecord, 0, batchSize)
	for _, item := range items[:exploit] {
		out = append(out, item.record)
	}

	remainder := items[exploit:]
	picked := mapset.NewThreadUnsafeSet[int]()
	for picked.Cardinality() < explore {
		picked.Add(rng.IntN(len(remainder)))
	}
	indices := picked.ToSlice()
	sort.Ints(indices)
	for _, i := range indices {
		out = append(out, remainder[i].record)
	}
	return out
}
