// Package router is the public face of the node pool. It owns the composition of
// registry, connection pool, profiler and epoch handling, and executes requests with
// sequential failover or staggered hedging.
package router

import (
	"context"
	"io"
	"sync"
	"time"

	"nodepool/pkg/config"
	"nodepool/pkg/connection"
	"nodepool/pkg/discovery"
	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"
	"nodepool/pkg/netmon"
	"nodepool/pkg/prescreen"
	"nodepool/pkg/profiler"
	"nodepool/pkg/registry"
	"nodepool/pkg/rpc"
	"nodepool/pkg/selector"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/multierr"
)

const defaultPenaltyTTL = 30 * time.Second

// Deps are the collaborators the router composes. Registry, Dialer, Codec and Monitor are
// required.
type Deps struct {
	Config   config.Config
	Registry *registry.Registry
	Dialer   connection.Dialer
	Codec    rpc.Codec
	Monitor  netmon.Source
	Screener *prescreen.Screener
	Metrics  *metrics.Metrics
	Hooks    SubscriptionHooks
	// Closers are closed last on Shutdown, typically the record store.
	Closers []io.Closer
}

// Router routes requests over the healthiest nodes.
type Router struct {
	cfg        config.Config
	registry   *registry.Registry
	pool       *connection.Pool
	selector   *selector.Selector
	monitor    netmon.Source
	discoverer *discovery.Discoverer
	screener   *prescreen.Screener
	metrics    *metrics.Metrics
	hooks      SubscriptionHooks
	closers    []io.Closer
	penalties  *ttlcache.Cache[string, struct{}]
	factory    connection.Factory
	profiler   *profiler.Profiler

	primaryMu sync.RWMutex
	primary   *models.Endpoint

	mu          sync.Mutex
	initialized bool
	lastEpoch   uint64
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New wires a router. Nothing runs until Initialize.
func New(deps Deps) *Router {
	hooks := deps.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	penaltyTTL := deps.Config.Router.PenaltyTTL
	if penaltyTTL <= 0 {
		penaltyTTL = defaultPenaltyTTL
	}

	r := &Router{
		cfg:        deps.Config,
		registry:   deps.Registry,
		monitor:    deps.Monitor,
		screener:   deps.Screener,
		metrics:    deps.Metrics,
		hooks:      hooks,
		closers:    deps.Closers,
		penalties: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](penaltyTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
	r.selector = selector.New(deps.Registry, selector.WithPenalty(r.penalized))

	dialer, codec := deps.Dialer, deps.Codec
	poolCfg := deps.Config.Pool
	requestTimeout := deps.Config.Router.RequestTimeout
	r.factory = func(endpoint models.Endpoint) *connection.Connection {
		opts := []connection.Option{connection.WithNotificationHandler(r.notify)}
		if poolCfg.ConnectTimeout > 0 {
			opts = append(opts, connection.WithConnectTimeout(poolCfg.ConnectTimeout))
		}
		if requestTimeout > 0 {
			opts = append(opts, connection.WithRequestTimeout(requestTimeout))
		}
		return connection.New(endpoint, dialer, codec, opts...)
	}
	r.pool = connection.NewPool(r.factory, poolCfg.MaxConnections, poolCfg.IdleTimeout)
	return r
}

// SetDiscoverer enables bootstrap DNS discovery. The discoverer usually exchanges peers
// through Prober, so it is attached after New. Call it before Initialize.
func (r *Router) SetDiscoverer(d *discovery.Discoverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoverer = d
}

// SetProfiler attaches the background profiler. Call it before Initialize.
func (r *Router) SetProfiler(p *profiler.Profiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiler = p
}

// Prober returns a prober that runs capability probes through this router's pool.
func (r *Router) Prober() *Prober {
	return NewProber(r.pool, r.factory)
}

// Initialize loads persisted records, bootstraps seeds and starts every background loop.
// Calling it twice is a no-op.
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	loaded, err := r.registry.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted node records")
	}

	seeded := 0
	for _, address := range r.cfg.Network.SeedEndpoints {
		endpoint, err := models.ParseEndpoint(address)
		if err != nil {
			log.Warn().Str("endpoint", address).Err(err).Msg("Skipping invalid seed endpoint")
			continue
		}
		if r.registry.Upsert(endpoint, models.OriginSeed) {
			seeded++
		}
	}

	if r.registry.Len() == 0 && r.discoverer != nil {
		inserted, err := r.discoverer.DiscoverDNS(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Bootstrap DNS discovery failed")
		}
		seeded += inserted
	}
	if r.registry.Len() == 0 {
		log.Warn().Msg("Node pool is empty after bootstrap")
	}

	r.lastEpoch = r.monitor.Snapshot().EpochID
	if r.registry.CurrentEpoch() != r.lastEpoch {
		r.registry.ResetEpochStats(r.lastEpoch)
	}

	r.penalties.DeleteAll()
	go r.penalties.Start()
	r.registry.Start(r.cfg.Registry.PersistInterval)
	r.pool.Start(r.cfg.Pool.PruneInterval)
	if r.screener != nil {
		r.screener.Start()
	}
	if r.profiler != nil {
		r.profiler.Start()
	}

	r.stopCh = make(chan struct{})
	epochCh := r.monitor.Subscribe()
	poolCh := r.registry.Subscribe()
	r.wg.Add(2)
	go r.watchEpoch(epochCh, r.stopCh)
	go r.watchPool(poolCh, r.stopCh)

	r.initialized = true
	log.Info().
		Int("loaded", loaded).
		Int("seeded", seeded).
		Int("nodes", r.registry.Len()).
		Uint64("epoch_id", r.lastEpoch).
		Msg("Node pool initialized")
	return nil
}

// Shutdown stops every loop, flushes the registry and closes all connections and closers.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = false
	close(r.stopCh)
	r.mu.Unlock()

	if r.profiler != nil {
		r.profiler.Stop()
	}
	r.wg.Wait()

	// Stop flushes the registry one last time.
	r.registry.Stop()

	r.pool.Stop()
	err := r.pool.CloseAll()
	if r.screener != nil {
		r.screener.Stop()
	}
	r.penalties.Stop()
	for _, closer := range r.closers {
		err = multierr.Append(err, closer.Close())
	}

	log.Info().Msg("Node pool shut down")
	return err
}

func (r *Router) isInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

func (r *Router) watchEpoch(ch chan struct{}, stopCh chan struct{}) {
	defer r.wg.Done()
	defer r.monitor.Unsubscribe(ch)

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			r.handleSnapshot(r.monitor.Snapshot())
		case <-stopCh:
			return
		}
	}
}

func (r *Router) watchPool(ch chan struct{}, stopCh chan struct{}) {
	defer r.wg.Done()
	defer r.registry.Unsubscribe(ch)

	last := r.registry.PoolHealth()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			health := r.registry.PoolHealth()
			if health != last {
				log.Info().
					Str("from", last.String()).
					Str("to", health.String()).
					Msg("Pool health changed")
				last = health
			}
			r.metrics.ObservePool(r.registry.StateCounts(), health)
			r.hooks.PoolChanged(health)
		case <-stopCh:
			return
		}
	}
}

// handleSnapshot reacts to a monitor signal. Quality-only changes need nothing here:
// cadence and stagger read the quality on use.
func (r *Router) handleSnapshot(snapshot models.NetworkSnapshot) {
	r.mu.Lock()
	changed := snapshot.EpochID != r.lastEpoch
	r.lastEpoch = snapshot.EpochID
	r.mu.Unlock()
	if !changed {
		return
	}

	r.registry.ResetEpochStats(snapshot.EpochID)
	r.penalties.DeleteAll()
	r.pool.ResetBreakers()
	if r.profiler != nil {
		r.profiler.InvalidatePause()
		r.profiler.Trigger()
	}
	r.metrics.ObserveEpoch(snapshot.EpochID)

	log.Info().
		Uint64("epoch_id", snapshot.EpochID).
		Str("quality", snapshot.Quality.String()).
		Msg("Network path changed, epoch stats reset")
	r.hooks.EpochChanged(snapshot)
}

// AddEndpoint adds a user-supplied node. It is probed on the next cycle.
func (r *Router) AddEndpoint(address string) (models.Endpoint, error) {
	endpoint, err := models.ParseEndpoint(address)
	if err != nil {
		return models.Endpoint{}, err
	}
	if r.registry.Upsert(endpoint, models.OriginUserAdded) {
		log.Info().Str("endpoint", endpoint.Key()).Msg("Endpoint added")
	}
	r.registry.RequestPersist()
	if r.profiler != nil {
		r.profiler.Trigger()
	}
	return endpoint, nil
}

// RemoveEndpoint forgets a node and closes its connection.
func (r *Router) RemoveEndpoint(endpoint models.Endpoint) bool {
	removed := r.registry.Remove(endpoint)
	if err := r.pool.Remove(endpoint); err != nil {
		log.Debug().Str("endpoint", endpoint.Key()).Err(err).Msg("Close on remove failed")
	}
	r.penalties.Delete(endpoint.Key())
	if removed {
		r.registry.RequestPersist()
		log.Info().Str("endpoint", endpoint.Key()).Msg("Endpoint removed")
	}
	return removed
}

// PoolHealth classifies the active working set.
func (r *Router) PoolHealth() models.PoolHealth {
	return r.registry.PoolHealth()
}

// AllRecords returns a snapshot of every node record.
func (r *Router) AllRecords() []models.NodeRecord {
	return r.registry.AllRecords()
}

// SetPrimary records the subscription manager's primary node and pins its connection.
func (r *Router) SetPrimary(endpoint models.Endpoint) {
	r.primaryMu.Lock()
	previous := r.primary
	r.primary = &endpoint
	r.primaryMu.Unlock()

	if previous != nil && previous.Key() != endpoint.Key() {
		r.pool.Pin(*previous, false)
	}
	r.pool.Pin(endpoint, true)
}

// ClearPrimary drops the primary and unpins its connection.
func (r *Router) ClearPrimary() {
	r.primaryMu.Lock()
	previous := r.primary
	r.primary = nil
	r.primaryMu.Unlock()

	if previous != nil {
		r.pool.Pin(*previous, false)
	}
}

// Primary returns the current primary node, if any.
func (r *Router) Primary() (models.Endpoint, bool) {
	r.primaryMu.RLock()
	defer r.primaryMu.RUnlock()
	if r.primary == nil {
		return models.Endpoint{}, false
	}
	return *r.primary, true
}

// OnBetterNode forwards the profiler's better-node signal to the subscription hooks.
func (r *Router) OnBetterNode(primary, better models.Endpoint) {
	r.hooks.BetterNode(primary, better)
}

func (r *Router) notify(endpoint models.Endpoint, msg rpc.Message) {
	r.hooks.Notification(endpoint, msg)
}

// Connect returns a live pooled connection for the subscription manager.
func (r *Router) Connect(ctx context.Context, endpoint models.Endpoint) (*connection.Connection, error) {
	return r.pool.Acquire(ctx, endpoint)
}

// Pick exposes the ranked endpoint choice to the subscription manager.
func (r *Router) Pick(n int, req selector.Requirements, exclude ...string) []models.Endpoint {
	return r.selector.Pick(n, req, exclude...)
}

func (r *Router) penalized(key string) bool {
	return r.penalties.Get(key) != nil
}

func (r *Router) penalize(endpoint models.Endpoint) {
	r.penalties.Set(endpoint.Key(), struct{}{}, ttlcache.DefaultTTL)
}

// Registry returns the node registry.
func (r *Router) Registry() *registry.Registry { return r.registry }

// Pool returns the connection pool.
func (r *Router) Pool() *connection.Pool { return r.pool }

// Monitor returns the network-quality source.
func (r *Router) Monitor() netmon.Source { return r.monitor }

// Profiler returns the attached profiler, or nil.
func (r *Router) Profiler() *profiler.Profiler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiler
}
