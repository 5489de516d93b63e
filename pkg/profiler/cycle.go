package profiler

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"nodepool/pkg/connection"
	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/registry"

	"golang.org/x/sync/errgroup"
)

// RunProbeCycle runs one probe cycle: re-derive states, pre-screen candidates, probe the
// selected batch, rebalance and look for a better primary. Failures never escape.
func (p *Profiler) RunProbeCycle(ctx context.Context) CycleReport {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	snapshot := p.snapshot()
	lowLatency := p.lowLatencyMs(snapshot.Quality)

	p.registry.RefreshStates()
	records := p.registry.AllRecords()
	now := p.clock()

	report := CycleReport{
		Mode:   DecideMode(records, lowLatency, p.cfg.Profiler.FastNodesTarget),
		Paused: p.pause.paused(records, now, lowLatency),
	}

	if !report.Paused {
		report.Screened = p.prescreenCandidates(ctx, records, snapshot.Quality)
		if report.Screened > 0 {
			records = p.registry.AllRecords()
		}
	}

	intervals := p.cfg.Profiler.Conservative
	if report.Mode == ModeAggressive {
		intervals = p.cfg.Profiler.Aggressive
	}
	plan := planner{
		now:          now,
		intervals:    intervals,
		lowLatencyMs: lowLatency,
		prefixes:     p.registry.PrefixPerformanceStats(prefixMinSamples),
	}

	due := make([]models.NodeRecord, 0, len(records))
	for _, record := range records {
		if !plan.due(record) {
			continue
		}
		if record.State == models.StateCandidate {
			if report.Paused {
				continue
			}
			if p.screener != nil && !p.screener.Allow(record.Endpoint) {
				continue
			}
		}
		due = append(due, record)
	}

	batch := selectBatch(plan.rank(due), p.cfg.Profiler.BatchSize, p.cfg.Profiler.ExplorationRatio, p.rng)
	report.Probed = len(batch)
	if len(batch) > 0 {
		report.Succeeded, report.Failed = p.probeBatch(ctx, batch, snapshot)
	}

	if ctx.Err() != nil {
		return report
	}

	report.Rebalance = p.registry.RebalanceActivePool(
		p.cfg.Pool.MinActive,
		p.cfg.Pool.MaxActive,
		p.cfg.Pool.MaxReplacements,
		p.cfg.Pool.MinImprovementRatio,
	)
	if report.Rebalance.Changed() {
		p.metrics.Rebalanced(len(report.Rebalance.Promoted), len(report.Rebalance.Demoted), report.Rebalance.Swaps)
		p.registry.RequestPersist()
	}
	if report.Rebalance.BelowMin {
		p.TriggerDiscovery()
	}
	p.metrics.ObservePool(p.registry.StateCounts(), p.registry.PoolHealth())

	if better, ok := p.detectBetterNode(); ok {
		report.BetterNode = &better
	}

	p.setStatus(func(s *Status) {
		s.Mode = report.Mode
		s.Paused = report.Paused
		s.LastCycleAt = now
	})

	log.Debug().
		Str("mode", report.Mode.String()).
		Bool("paused", report.Paused).
		Int("screened", report.Screened).
		Int("probed", report.Probed).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("active", report.Rebalance.Active).
		Msg("Probe cycle finished")

	return report
}

func (p *Profiler) prescreenCandidates(ctx context.Context, records []models.NodeRecord, quality models.NetworkQuality) int {
	if p.screener == nil {
		return 0
	}

	var candidates []models.Endpoint
	for _, record := range records {
		if record.State == models.StateCandidate {
			candidates = append(candidates, record.Endpoint)
		}
	}
	pending := p.screener.Pending(candidates)
	if limit := p.cfg.Profiler.BatchSize * prescreenBatchFactor; len(pending) > limit {
		pending = pending[:limit]
	}
	if len(pending) == 0 {
		return 0
	}
	return len(p.screener.Screen(ctx, pending, quality))
}

func (p *Profiler) probeBatch(ctx context.Context, batch []models.NodeRecord, snapshot models.NetworkSnapshot) (int, int) {
	concurrency := p.cfg.Profiler.Concurrency.For(snapshot.Quality)
	if concurrency <= 0 {
		concurrency = 1
	}

	var succeeded, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, record := range batch {
		g.Go(func() error {
			switch p.probe(gctx, record, snapshot.EpochID) {
			case probeSucceeded:
				succeeded.Add(1)
			case probeFailed:
				failed.Add(1)
			}
			p.enrich(gctx, record)
			return nil
		})
	}
	_ = g.Wait()

	return int(succeeded.Load()), int(failed.Load())
}

type probeOutcome int

const (
	probeSkipped probeOutcome = iota
	probeSucceeded
	probeFailed
)

func (p *Profiler) probe(ctx context.Context, record models.NodeRecord, epochID uint64) probeOutcome {
	endpoint := record.Endpoint
	p.registry.MarkProbeAttempt(endpoint, p.clock())

	probeCtx := ctx
	if timeout := p.cfg.Profiler.ProbeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := p.clock()
	result, err := p.prober.Probe(probeCtx, endpoint)
	elapsed := p.clock().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			return probeSkipped
		}
		if errors.Is(err, connection.ErrCircuitOpen) || errors.Is(err, connection.ErrPoolExhausted) {
			log.Debug().Str("endpoint", endpoint.Key()).Err(err).Msg("Probe skipped")
			return probeSkipped
		}
		isTimeout := isTimeoutError(err)
		p.registry.RecordResult(endpoint, epochID, nil, isTimeout, !isTimeout)
		outcome := "error"
		if isTimeout {
			outcome = "timeout"
		}
		p.metrics.Probe(outcome, 0)
		log.Debug().
			Str("endpoint", endpoint.Key()).
			Str("state", record.State.String()).
			Err(err).
			Msg("Probe failed")
		return probeFailed
	}

	latency := result.LatencyMs
	if latency <= 0 {
		latency = float64(elapsed) / float64(time.Millisecond)
	}
	probedAt := p.clock()
	p.registry.UpdateProfile(endpoint, func(profile *models.NodeProfile) {
		result.Apply(profile, probedAt)
	})
	p.registry.RecordResult(endpoint, epochID, models.Float(latency), false, false)
	p.metrics.Probe("success", latency/1000)
	return probeSucceeded
}

func (p *Profiler) enrich(ctx context.Context, record models.NodeRecord) {
	if !p.geo.Enabled() || ctx.Err() != nil {
		return
	}
	checked := record.Profile.Hints.GeoCheckedAt
	if !checked.IsZero() && p.clock().Sub(checked) < geoRecheckInterval {
		return
	}
	if mutator := p.geo.Enrich(ctx, record.Endpoint, p.clock()); mutator != nil {
		p.registry.UpdateProfile(record.Endpoint, mutator)
	}
}

func (p *Profiler) detectBetterNode() (models.Endpoint, bool) {
	if p.primary == nil {
		return models.Endpoint{}, false
	}
	primary, ok := p.primary()
	better, fire := p.better.observe(primary, ok, p.registry.AllRecords())
	if !fire {
		return models.Endpoint{}, false
	}

	log.Info().
		Str("primary", primary.Key()).
		Str("better", better.Key()).
		Msg("Better node detected")
	if p.onBetterNode != nil {
		p.onBetterNode(primary, better)
	}
	return better, true
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, connection.ErrTimeout) ||
		errors.Is(err, connection.ErrConnectTimeout) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// RunDiscovery resolves DNS seeds, exchanges peers with healthy nodes and prunes idle
// records. It is skipped while the hard pause holds.
func (p *Profiler) RunDiscovery(ctx context.Context) int {
	now := p.clock()
	defer p.setStatus(func(s *Status) { s.LastDiscoveryAt = now })

	pruned := p.registry.PruneOldNodes(p.cfg.Registry.PruneIdleWindow)
	if pruned > 0 {
		p.registry.RequestPersist()
	}
	if p.discoverer == nil {
		return 0
	}

	snapshot := p.snapshot()
	records := p.registry.AllRecords()
	if p.pause.paused(records, now, p.lowLatencyMs(snapshot.Quality)) {
		log.Debug().Msg("Discovery paused")
		return 0
	}

	inserted, err := p.discoverer.DiscoverDNS(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("DNS discovery failed")
	}

	fanout := p.cfg.Discovery.PeerExchangeFanout
	if sources := peerSources(records, fanout*peerSourceFactor); fanout > 0 && len(sources) > 0 {
		inserted += p.discoverer.DiscoverPeers(ctx, sources, fanout)
	}

	if inserted > 0 {
		p.registry.RequestPersist()
		p.Trigger()
		log.Info().Int("inserted", inserted).Msg("Discovery added nodes")
	}
	return inserted
}

// peerSources returns the best-scoring active and verified nodes.
func peerSources(records []models.NodeRecord, limit int) []models.Endpoint {
	var healthy []models.NodeRecord
	for _, record := range records {
		if record.State == models.StateActive || record.State == models.StateVerified {
			healthy = append(healthy, record)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		return registry.Score(healthy[i]) < registry.Score(healthy[j])
	})
	if len(healthy) > limit {
		healthy = healthy[:limit]
	}

	out := make([]models.Endpoint, 0, len(healthy))
	for _, record := range healthy {
		out = append(out, record.Endpoint)
	}
	return out
}
