// Package prescreen runs a cheap two-stage TCP reachability sweep over candidates so dead
// hosts are rejected before a full capability probe.
package prescreen

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"nodepool/pkg/config"
	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

const (
	StageA = "a"
	StageB = "b"

	retryInitialInterval = 200 * time.Millisecond
)

// Gate decides how pre-screen results constrain full probing.
type Gate int

const (
	// GateSoft only reorders probing.
	GateSoft Gate = iota
	// GateHard skips full probes of candidates without a passing result.
	GateHard
)

// ParseGate maps "soft" / "hard" to a Gate; anything else is soft.
func ParseGate(name string) Gate {
	if strings.EqualFold(strings.TrimSpace(name), "hard") {
		return GateHard
	}
	return GateSoft
}

func (g Gate) String() string {
	if g == GateHard {
		return "hard"
	}
	return "soft"
}

// DialFunc opens a TCP connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Recorder receives every verdict. *registry.Registry satisfies it.
type Recorder interface {
	UpdateTCPPingResult(endpoint models.Endpoint, passed bool, checkedAt time.Time, rttMs *float64)
}

// Result is one pre-screen verdict.
type Result struct {
	Endpoint  models.Endpoint `json:"endpoint"`
	Passed    bool            `json:"passed"`
	Stage     string          `json:"stage"`
	RTTMs     *float64        `json:"rtt_ms,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Option configures a Screener.
type Option func(*Screener)

// WithDialer replaces the TCP dial function.
func WithDialer(dial DialFunc) Option {
	return func(s *Screener) {
		s.dial = dial
	}
}

// WithMetrics counts verdicts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Screener) {
		s.metrics = m
	}
}

// WithClock sets the time source for CheckedAt and RTT measurement.
func WithClock(clock func() time.Time) Option {
	return func(s *Screener) {
		s.clock = clock
	}
}

// Screener runs sweeps and caches their verdicts.
type Screener struct {
	cfg      config.PrescreenConfig
	gate     Gate
	dial     DialFunc
	recorder Recorder
	metrics  *metrics.Metrics
	clock    func() time.Time
	cache    *ttlcache.Cache[string, Result]

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Screener. recorder may be nil.
func New(cfg config.PrescreenConfig, recorder Recorder, opts ...Option) *Screener {
	dialer := &net.Dialer{}
	s := &Screener{
		cfg:      cfg,
		gate:     ParseGate(cfg.Gate),
		dial:     dialer.DialContext,
		recorder: recorder,
		clock:    time.Now,
		cache: ttlcache.New[string, Result](
			ttlcache.WithTTL[string, Result](cfg.TTL),
			ttlcache.WithDisableTouchOnHit[string, Result](),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the cache expiry loop.
func (s *Screener) Start() {
	s.startOnce.Do(func() {
		go s.cache.Start()
	})
}

// Stop ends the cache expiry loop.
func (s *Screener) Stop() {
	s.stopOnce.Do(s.cache.Stop)
}

// Gate returns the configured gate mode.
func (s *Screener) Gate() Gate {
	return s.gate
}

// Cached returns the fresh verdict for endpoint.
func (s *Screener) Cached(endpoint models.Endpoint) (Result, bool) {
	item := s.cache.Get(endpoint.Key())
	if item == nil {
		return Result{}, false
	}
	return item.Value(), true
}

// Allow reports whether endpoint may receive a full probe under the gate.
func (s *Screener) Allow(endpoint models.Endpoint) bool {
	if s.gate == GateSoft {
		return true
	}
	result, ok := s.Cached(endpoint)
	return ok && result.Passed
}

// Pending returns the endpoints that have no fresh verdict.
func (s *Screener) Pending(endpoints []models.Endpoint) []models.Endpoint {
	pending := make([]models.Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if _, ok := s.Cached(endpoint); !ok {
			pending = append(pending, endpoint)
		}
	}
	return pending
}

// Screen sweeps the endpoints without a fresh verdict and returns the verdicts for all of
// them. Stage A dials everything with a short timeout; Stage B re-confirms the fastest
// StageBMax survivors with the normal timeout and retries. Other survivors pass on their
// Stage A RTT.
func (s *Screener) Screen(ctx context.Context, endpoints []models.Endpoint, quality models.NetworkQuality) []Result {
	results := make(map[models.Endpoint]Result, len(endpoints))
	for _, endpoint := range endpoints {
		if cached, ok := s.Cached(endpoint); ok {
			results[endpoint] = cached
		}
	}

	pending := s.Pending(endpoints)
	if len(pending) > 0 {
		for _, result := range s.sweep(ctx, pending, quality) {
			results[result.Endpoint] = result
		}
	}

	out := make([]Result, 0, len(results))
	for _, endpoint := range endpoints {
		if result, ok := results[endpoint]; ok {
			out = append(out, result)
			delete(results, endpoint)
		}
	}
	return out
}

func (s *Screener) sweep(ctx context.Context, endpoints []models.Endpoint, quality models.NetworkQuality) []Result {
	parallelism := s.cfg.Parallelism.For(quality)
	if parallelism <= 0 {
		parallelism = 1
	}

	stageA := s.stage(ctx, endpoints, parallelism, func(ctx context.Context, endpoint models.Endpoint) (float64, error) {
		return s.ping(ctx, endpoint, s.cfg.StageATimeout)
	})

	var survivors []Result
	for _, result := range stageA {
		if ctx.Err() != nil {
			return nil
		}
		if result.Passed {
			survivors = append(survivors, result)
			continue
		}
		s.commit(result)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return *survivors[i].RTTMs < *survivors[j].RTTMs
	})

	confirm := survivors
	if len(confirm) > s.cfg.StageBMax {
		confirm = survivors[:s.cfg.StageBMax]
	}
	rest := survivors[len(confirm):]

	targets := make([]models.Endpoint, 0, len(confirm))
	for _, result := range confirm {
		targets = append(targets, result.Endpoint)
	}
	stageB := s.stage(ctx, targets, parallelism, s.confirm)
	if ctx.Err() != nil {
		return nil
	}

	out := make([]Result, 0, len(endpoints))
	for _, result := range stageA {
		if !result.Passed {
			out = append(out, result)
		}
	}
	for _, result := range stageB {
		result.Stage = StageB
		s.commit(result)
		out = append(out, result)
	}
	for _, result := range rest {
		s.commit(result)
		out = append(out, result)
	}

	log.Debug().
		Int("screened", len(endpoints)).
		Int("stage_a_survivors", len(survivors)).
		Int("stage_b_confirmed", len(confirm)).
		Msg("TCP pre-screen finished")
	return out
}

type pinger func(ctx context.Context, endpoint models.Endpoint) (float64, error)

func (s *Screener) stage(ctx context.Context, endpoints []models.Endpoint, parallelism int, ping pinger) []Result {
	results := make([]Result, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			result := Result{Endpoint: endpoint, Stage: StageA}
			rtt, err := ping(gctx, endpoint)
			result.CheckedAt = s.clock()
			if err == nil {
				result.Passed = true
				result.RTTMs = models.Float(rtt)
			} else {
				log.Debug().Str("endpoint", endpoint.Key()).Err(err).Msg("TCP pre-screen failed")
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Screener) confirm(ctx context.Context, endpoint models.Endpoint) (float64, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = 0

	var rtt float64
	err := backoff.Retry(func() error {
		var err error
		rtt, err = s.ping(ctx, endpoint, s.cfg.StageBTimeout)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.StageBRetries)), ctx))
	return rtt, err
}

func (s *Screener) ping(ctx context.Context, endpoint models.Endpoint, timeout time.Duration) (float64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := s.clock()
	conn, err := s.dial(ctx, "tcp", endpoint.Key())
	if err != nil {
		return 0, err
	}
	rtt := float64(s.clock().Sub(start)) / float64(time.Millisecond)
	_ = conn.Close()
	return rtt, nil
}

func (s *Screener) commit(result Result) {
	s.cache.Set(result.Endpoint.Key(), result, ttlcache.DefaultTTL)
	s.metrics.Prescreen(result.Stage, result.Passed)
	if s.recorder != nil {
		s.recorder.UpdateTCPPingResult(result.Endpoint, result.Passed, result.CheckedAt, result.RTTMs)
	}
}
