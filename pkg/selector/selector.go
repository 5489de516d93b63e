// Package selector picks routing endpoints from registry records by capability, state tier and score.
package selector

import (
	"sort"
	"time"

	"nodepool/pkg/models"
	"nodepool/pkg/registry"
)

// RecordSource supplies record snapshots.
type RecordSource interface {
	AllRecords() []models.NodeRecord
}

// Requirements are capability constraints of one request.
type Requirements struct {
	NeedUtxoIndex    bool
	NeedLargePayload bool
}

// Penalized reports whether an endpoint key should be ranked last for now.
type Penalized func(key string) bool

var tierOrder = map[models.NodeState]int{
	models.StateActive:   0,
	models.StateVerified: 1,
	models.StateSuspect:  2,
	models.StateProfiled: 3,
}

// Selector is stateless apart from its collaborators and is safe for concurrent use.
type Selector struct {
	source    RecordSource
	penalized Penalized
	clock     func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithPenalty deprioritises endpoints for which fn returns true.
func WithPenalty(fn Penalized) Option {
	return func(s *Selector) { s.penalized = fn }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Selector) { s.clock = clock }
}

// New creates a selector over source.
func New(source RecordSource, opts ...Option) *Selector {
	s := &Selector{
		source: source,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pick returns up to n usable endpoints, best first. Candidates, quarantined nodes and
// nodes whose breaker is open are never returned. Keys in exclude are skipped.
func (s *Selector) Pick(n int, req Requirements, exclude ...string) []models.Endpoint {
	ranked := s.Rank(req, exclude...)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	endpoints := make([]models.Endpoint, len(ranked))
	for i, record := range ranked {
		endpoints[i] = record.Endpoint
	}
	return endpoints
}

// Rank returns every usable record ordered by penalty, state tier, score and key.
func (s *Selector) Rank(req Requirements, exclude ...string) []models.NodeRecord {
	now := s.clock()
	skip := make(map[string]struct{}, len(exclude))
	for _, key := range exclude {
		skip[key] = struct{}{}
	}

	type entry struct {
		record    models.NodeRecord
		tier      int
		score     float64
		penalized bool
	}

	var entries []entry
	for _, record := range s.source.AllRecords() {
		tier, usable := tierOrder[record.State]
		if !usable || !Satisfies(record, req) {
			continue
		}
		if record.Health.IsQuarantined(now) || record.Health.IsCircuitOpen(now) {
			continue
		}
		if _, excluded := skip[record.Key()]; excluded {
			continue
		}
		entries = append(entries, entry{
			record:    record,
			tier:      tier,
			score:     registry.Score(record),
			penalized: s.penalized != nil && s.penalized(record.Key()),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.penalized != b.penalized {
			return !a.penalized
		}
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.score != b.score {
			return a.score < b.score
		}
		return a.record.Key() < b.record.Key()
	})

	out := make([]models.NodeRecord, len(entries))
	for i, e := range entries {
		out[i] = e.record
	}
	return out
}

// Satisfies reports whether record meets req. An unknown large-payload capability is
// accepted; only a node known to fail large payloads is rejected.
func Satisfies(record models.NodeRecord, req Requirements) bool {
	if req.NeedUtxoIndex && !record.Profile.IsUtxoIndexed {
		return false
	}
	if req.NeedLargePayload {
		if reachable := record.Profile.LargePayloadReachable; reachable != nil && !*reachable {
			return false
		}
	}
	return true
}
