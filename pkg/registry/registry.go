// Package registry is the single serialized source of truth for node records: health
// bookkeeping, state derivation, active-pool rebalancing and persistence.
package registry

import (
	"sort"
	"sync"
	"time"

	"nodepool/pkg/breaker"
	"nodepool/pkg/ewma"
	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/store"
)

// Registry owns every NodeRecord. All reads return clones; all writes go through its methods.
// Mutators on unknown endpoints are silent no-ops.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*models.NodeRecord
	policy  Policy
	epochID uint64
	dirty   bool

	lastHealth models.PoolHealth

	store            store.RecordStore
	clock            func() time.Time
	jitter           func() float64
	breakerThreshold int
	breakerCooldown  time.Duration

	subMu       sync.Mutex
	subscribers []chan struct{}

	persistMu sync.Mutex
	persistCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// Option customises a Registry.
type Option func(*Registry)

// WithStore sets the durable store used by Load and PersistNow.
func WithStore(s store.RecordStore) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithJitter replaces the quarantine jitter source. The function returns a fraction in [0, 0.3].
func WithJitter(jitter func() float64) Option {
	return func(r *Registry) {
		r.jitter = jitter
	}
}

// WithBreaker overrides the circuit-breaker threshold and cool-down.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(r *Registry) {
		r.breakerThreshold = threshold
		r.breakerCooldown = cooldown
	}
}

// New creates an empty registry.
func New(policy Policy, opts ...Option) *Registry {
	r := &Registry{
		records:          make(map[string]*models.NodeRecord),
		policy:           policy,
		clock:            time.Now,
		jitter:           defaultJitter,
		breakerThreshold: breaker.DefaultThreshold,
		breakerCooldown:  breaker.DefaultCooldown,
		persistCh:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.clock()
}

// Policy returns the validation policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// CurrentEpoch returns the epoch last passed to ResetEpochStats.
func (r *Registry) CurrentEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epochID
}

// Upsert inserts a candidate for endpoint. It returns false when the endpoint already
// exists; the existing origin always wins.
func (r *Registry) Upsert(endpoint models.Endpoint, origin models.NodeOrigin) bool {
	if !origin.Valid() {
		origin = models.OriginDiscovered
	}

	r.mu.Lock()
	key := endpoint.Key()
	if _, exists := r.records[key]; exists {
		r.mu.Unlock()
		return false
	}
	record := models.NewNodeRecord(endpoint, origin, r.now())
	record.Health.EpochID = r.epochID
	r.records[key] = record
	r.dirty = true
	r.mu.Unlock()

	log.Debug().
		Str("endpoint", key).
		Str("origin", string(origin)).
		Msg("Node added")
	return true
}

// Remove deletes endpoint regardless of origin.
func (r *Registry) Remove(endpoint models.Endpoint) bool {
	r.mu.Lock()
	key := endpoint.Key()
	if _, exists := r.records[key]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.records, key)
	r.dirty = true
	changed := r.healthChangedLocked()
	r.mu.Unlock()

	log.Info().Str("endpoint", key).Msg("Node removed")
	if changed {
		r.notify()
	}
	return true
}

// UpdateProfile applies mutator to the node's profile and recomputes its state.
func (r *Registry) UpdateProfile(endpoint models.Endpoint, mutator func(*models.NodeProfile)) {
	r.mutate(endpoint, func(record *models.NodeRecord, _ time.Time) {
		mutator(&record.Profile)
	})
}

// RecordResult books one request or probe outcome. latencyMs is only used on success.
// An epochID different from the record's resets its fast stats first.
func (r *Registry) RecordResult(endpoint models.Endpoint, epochID uint64, latencyMs *float64, isTimeout, isError bool) {
	r.mutate(endpoint, func(record *models.NodeRecord, now time.Time) {
		health := &record.Health
		if health.EpochID != epochID {
			health.ResetFast(epochID)
		}

		if !isTimeout && !isError {
			health.Fast.Add(ewma.FastAlpha, latencyMs, false, false)
			health.Global.Add(ewma.SlowAlpha, latencyMs, false, false)
			health.ConsecutiveSuccesses++
			health.ConsecutiveFailures = 0
			health.LastSuccessAt = now
			health.QuarantineUntil = time.Time{}
			health.BreakerFailures = 0
			health.BreakerOpenUntil = time.Time{}
			record.LastSeenAt = now
			return
		}

		health.Fast.Add(ewma.FastAlpha, nil, isTimeout, isError)
		health.Global.Add(ewma.SlowAlpha, nil, isTimeout, isError)
		health.ConsecutiveFailures++
		health.ConsecutiveSuccesses = 0
		health.LastFailureAt = now

		health.BreakerFailures++
		if health.BreakerFailures >= r.breakerThreshold {
			health.BreakerOpenUntil = now.Add(r.breakerCooldown)
		}
		if health.ConsecutiveFailures >= quarantineFailureThreshold {
			health.QuarantineUntil = now.Add(QuarantineBackoff(health.ConsecutiveFailures, r.jitter()))
		}
	})
}

// UpdateTCPPingResult stores a pre-screen outcome. It does not affect request health.
func (r *Registry) UpdateTCPPingResult(endpoint models.Endpoint, passed bool, checkedAt time.Time, rttMs *float64) {
	r.mutate(endpoint, func(record *models.NodeRecord, _ time.Time) {
		record.Health.TCPPing = &models.TCPPing{
			Passed:    passed,
			CheckedAt: checkedAt,
			RTTMs:     rttMs,
		}
	})
}

// MarkProbeAttempt stamps the last probe attempt time used for scheduling.
func (r *Registry) MarkProbeAttempt(endpoint models.Endpoint, at time.Time) {
	r.mutate(endpoint, func(record *models.NodeRecord, _ time.Time) {
		record.LastProbeAttemptAt = at
	})
}

func (r *Registry) mutate(endpoint models.Endpoint, fn func(*models.NodeRecord, time.Time)) {
	r.mu.Lock()
	record, exists := r.records[endpoint.Key()]
	if !exists {
		r.mu.Unlock()
		return
	}
	now := r.now()
	fn(record, now)
	r.dirty = true
	stateChanged := r.applyStateLocked(record, now)
	healthChanged := r.healthChangedLocked()
	r.mu.Unlock()

	if stateChanged || healthChanged {
		r.notify()
	}
}

// applyStateLocked recomputes the record state and reports whether it changed.
func (r *Registry) applyStateLocked(record *models.NodeRecord, now time.Time) bool {
	next := resolveState(record.State, DeriveState(record.Profile, record.Health, now, r.policy))
	return r.setStateLocked(record, next, now)
}

func (r *Registry) setStateLocked(record *models.NodeRecord, next models.NodeState, now time.Time) bool {
	if record.State == next {
		return false
	}
	log.Info().
		Str("endpoint", record.Key()).
		Str("from", record.State.String()).
		Str("to", next.String()).
		Msg("Node state changed")
	record.State = next
	record.StateChangedAt = now
	r.dirty = true
	return true
}

// healthChangedLocked reports a pool-health transition since the last call.
func (r *Registry) healthChangedLocked() bool {
	health := models.PoolHealthFor(r.countLocked(models.StateActive))
	if health == r.lastHealth {
		return false
	}
	log.Info().
		Str("from", r.lastHealth.String()).
		Str("to", health.String()).
		Msg("Pool health changed")
	r.lastHealth = health
	return true
}

func (r *Registry) countLocked(state models.NodeState) int {
	count := 0
	for _, record := range r.records {
		if record.State == state {
			count++
		}
	}
	return count
}

// Has reports whether endpoint is known.
func (r *Registry) Has(endpoint models.Endpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.records[endpoint.Key()]
	return exists
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Record returns a copy of the record for endpoint.
func (r *Registry) Record(endpoint models.Endpoint) (models.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, exists := r.records[endpoint.Key()]
	if !exists {
		return models.NodeRecord{}, false
	}
	return record.Clone(), true
}

// Records returns copies of all records in state, sorted by key.
func (r *Registry) Records(state models.NodeState) []models.NodeRecord {
	return r.collect(func(record *models.NodeRecord) bool {
		return record.State == state
	})
}

// AllRecords returns copies of every record, sorted by key.
func (r *Registry) AllRecords() []models.NodeRecord {
	return r.collect(func(*models.NodeRecord) bool {
		return true
	})
}

func (r *Registry) collect(keep func(*models.NodeRecord) bool) []models.NodeRecord {
	r.mu.RLock()
	out := make([]models.NodeRecord, 0, len(r.records))
	for _, record := range r.records {
		if keep(record) {
			out = append(out, record.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// StateCounts returns the number of records per state, including zero entries.
func (r *Registry) StateCounts() models.StateCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(models.StateCounts, len(models.AllStates))
	for _, state := range models.AllStates {
		counts[state] = 0
	}
	for _, record := range r.records {
		counts[record.State]++
	}
	return counts
}

// PoolHealth classifies the current active set.
func (r *Registry) PoolHealth() models.PoolHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.PoolHealthFor(r.countLocked(models.StateActive))
}

// ResetEpochStats zeroes fast stats and consecutive counters of every record and adopts
// newEpochID. Global stats are untouched.
func (r *Registry) ResetEpochStats(newEpochID uint64) {
	r.mu.Lock()
	r.epochID = newEpochID
	now := r.now()
	changed := false
	for _, record := range r.records {
		record.Health.ResetFast(newEpochID)
		if r.applyStateLocked(record, now) {
			changed = true
		}
	}
	r.dirty = true
	if r.healthChangedLocked() {
		changed = true
	}
	count := len(r.records)
	r.mu.Unlock()

	log.Info().
		Uint64("epoch_id", newEpochID).
		Int("records", count).
		Msg("Fast health stats reset for new network epoch")
	if changed {
		r.notify()
	}
}

// RefreshStates re-derives every state at the current time so quarantine expiry and
// profile staleness take effect. It returns the number of records that changed state.
func (r *Registry) RefreshStates() int {
	r.mu.Lock()
	now := r.now()
	changed := 0
	for _, record := range r.records {
		if r.applyStateLocked(record, now) {
			changed++
		}
	}
	healthChanged := r.healthChangedLocked()
	r.mu.Unlock()

	if changed > 0 || healthChanged {
		r.notify()
	}
	return changed
}

// PruneOldNodes removes discovered, non-active records idle for longer than idleWindow.
// Seed and user-added nodes are exempt.
func (r *Registry) PruneOldNodes(idleWindow time.Duration) int {
	r.mu.Lock()
	cutoff := r.now().Add(-idleWindow)
	pruned := 0
	for key, record := range r.records {
		if record.Origin.IsPinned() || record.State == models.StateActive {
			continue
		}
		if record.LastActivity().Before(cutoff) {
			delete(r.records, key)
			pruned++
		}
	}
	if pruned > 0 {
		r.dirty = true
	}
	r.mu.Unlock()

	if pruned > 0 {
		log.Info().
			Int("pruned", pruned).
			Dur("idle_window", idleWindow).
			Msg("Pruned idle nodes")
	}
	return pruned
}

// ClearDiscoveredNodes drops every discovered record, keeping seeds and user-added nodes.
func (r *Registry) ClearDiscoveredNodes() int {
	r.mu.Lock()
	cleared := 0
	for key, record := range r.records {
		if record.Origin == models.OriginDiscovered {
			delete(r.records, key)
			cleared++
		}
	}
	if cleared > 0 {
		r.dirty = true
	}
	changed := r.healthChangedLocked()
	r.mu.Unlock()

	log.Info().Int("cleared", cleared).Msg("Cleared discovered nodes")
	if changed {
		r.notify()
	}
	return cleared
}
