// Package profiler drives all outward activity of the pool: probing, pre-screening,
// discovery, geo enrichment and rebalancing, at a cadence adapted to pool health.
package profiler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"nodepool/pkg/config"
	"nodepool/pkg/discovery"
	"nodepool/pkg/geo"
	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"
	"nodepool/pkg/netmon"
	"nodepool/pkg/prescreen"
	"nodepool/pkg/registry"
)

const (
	prescreenBatchFactor = 4
	peerSourceFactor     = 3
)

// Prober runs a full capability probe against one node.
type Prober interface {
	Probe(ctx context.Context, endpoint models.Endpoint) (models.ProbeResult, error)
}

// Config groups the settings the profiler reads.
type Config struct {
	Profiler  config.ProfilerConfig
	Pool      config.PoolConfig
	Discovery config.DiscoveryConfig
	Registry  config.RegistryConfig
}

// ConfigFrom extracts the profiler settings from the full configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Profiler:  cfg.Profiler,
		Pool:      cfg.Pool,
		Discovery: cfg.Discovery,
		Registry:  cfg.Registry,
	}
}

// BetterNodeHandler is called when a node has been clearly faster than the primary.
type BetterNodeHandler func(primary, better models.Endpoint)

// Option configures a Profiler.
type Option func(*Profiler)

// WithDiscoverer enables DNS and peer-exchange discovery.
func WithDiscoverer(d *discovery.Discoverer) Option {
	return func(p *Profiler) {
		p.discoverer = d
	}
}

// WithScreener enables TCP pre-screening of candidates.
func WithScreener(s *prescreen.Screener) Option {
	return func(p *Profiler) {
		p.screener = s
	}
}

// WithGeo enables geo enrichment.
func WithGeo(r *geo.Resolver) Option {
	return func(p *Profiler) {
		p.geo = r
	}
}

// WithMetrics records probe and pool metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Profiler) {
		p.metrics = m
	}
}

// WithPrimary supplies the endpoint the subscription layer treats as primary.
func WithPrimary(primary func() (models.Endpoint, bool)) Option {
	return func(p *Profiler) {
		p.primary = primary
	}
}

// WithBetterNodeHandler sets the reconnect callback.
func WithBetterNodeHandler(h BetterNodeHandler) Option {
	return func(p *Profiler) {
		p.onBetterNode = h
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(p *Profiler) {
		p.clock = clock
	}
}

// WithRand sets the exploration random source.
func WithRand(rng *rand.Rand) Option {
	return func(p *Profiler) {
		p.rng = rng
	}
}

// Status is a snapshot of the profiler for diagnostics.
type Status struct {
	Running         bool      `json:"running"`
	Mode            Mode      `json:"mode"`
	Paused          bool      `json:"paused"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty"`
	LastDiscoveryAt time.Time `json:"last_discovery_at,omitempty"`
}

// CycleReport summarises one probe cycle.
type CycleReport struct {
	Mode       Mode
	Paused     bool
	Screened   int
	Probed     int
	Succeeded  int
	Failed     int
	Rebalance  registry.RebalanceResult
	BetterNode *models.Endpoint
}

// Profiler owns the probe and discovery loops.
type Profiler struct {
	cfg        Config
	registry   *registry.Registry
	prober     Prober
	monitor    netmon.Source
	discoverer *discovery.Discoverer
	screener   *prescreen.Screener
	geo        *geo.Resolver
	metrics    *metrics.Metrics

	primary      func() (models.Endpoint, bool)
	onBetterNode BetterNodeHandler
	clock        func() time.Time
	rng          *rand.Rand
	pause        *pauseGate

	cycleMu sync.Mutex
	better  betterNodeDetector

	statusMu sync.RWMutex
	status   Status

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	probeKick chan struct{}
	discKick  chan struct{}
}

// New creates a stopped profiler.
func New(cfg Config, reg *registry.Registry, prober Prober, monitor netmon.Source, opts ...Option) *Profiler {
	p := &Profiler{
		cfg:       cfg,
		registry:  reg,
		prober:    prober,
		monitor:   monitor,
		clock:     time.Now,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		better:    betterNodeDetector{ratio: cfg.Profiler.BetterNodeRatio, cycles: cfg.Profiler.BetterNodeCycles},
		probeKick: make(chan struct{}, 1),
		discKick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pause = newPauseGate(cfg.Profiler.HardPauseCacheTTL, cfg.Profiler.HardPauseErrorWindow, cfg.Profiler.FastNodesTarget)
	return p
}

// Start launches the probe and discovery loops. It is a no-op when already running.
func (p *Profiler) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.setStatus(func(s *Status) { s.Running = true })

	p.wg.Add(2)
	go p.probeLoop(ctx)
	go p.discoveryLoop(ctx)

	log.Info().Msg("Profiler started")
}

// Stop cancels in-flight work and waits for both loops. Start may be called again afterwards.
func (p *Profiler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.setStatus(func(s *Status) { s.Running = false })
	log.Info().Msg("Profiler stopped")
}

// Trigger asks the probe loop to run a cycle now.
func (p *Profiler) Trigger() {
	kick(p.probeKick)
}

// TriggerDiscovery asks the discovery loop to run now.
func (p *Profiler) TriggerDiscovery() {
	kick(p.discKick)
}

// InvalidatePause drops the cached hard-pause verdict, e.g. after a network change.
func (p *Profiler) InvalidatePause() {
	p.pause.invalidate()
}

// Status returns a snapshot for diagnostics.
func (p *Profiler) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *Profiler) setStatus(fn func(*Status)) {
	p.statusMu.Lock()
	fn(&p.status)
	p.statusMu.Unlock()
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *Profiler) probeLoop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.probeKick:
		case <-timer.C:
		}

		p.RunProbeCycle(ctx)
		timer.Reset(p.cfg.Profiler.CycleInterval.For(p.registry.PoolHealth()))
	}
}

func (p *Profiler) discoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.discKick:
		case <-timer.C:
		}

		p.RunDiscovery(ctx)
		timer.Reset(p.cfg.Discovery.Interval.For(p.registry.PoolHealth()))
	}
}

func (p *Profiler) lowLatencyMs(quality models.NetworkQuality) float64 {
	return float64(p.cfg.Profiler.LowLatencyMs.For(quality))
}

func (p *Profiler) snapshot() models.NetworkSnapshot {
	if p.monitor == nil {
		return models.NetworkSnapshot{EpochID: p.registry.CurrentEpoch()}
	}
	return p.monitor.Snapshot()
}
