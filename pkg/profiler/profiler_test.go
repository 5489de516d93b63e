package profiler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"testing"
	"time"

	"nodepool/pkg/config"
	"nodepool/pkg/discovery"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"
	"nodepool/pkg/netmon"
	"nodepool/pkg/prescreen"
	"nodepool/pkg/registry"

	"github.com/stretchr/testify/suite"
)

const testNetworkID = "kaspa-mainnet"

type probeReply struct {
	result models.ProbeResult
	err    error
}

type fakeProber struct {
	mu      sync.Mutex
	replies map[string]probeReply
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{replies: make(map[string]probeReply), calls: make(map[string]int)}
}

func (f *fakeProber) set(endpoint models.Endpoint, reply probeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[endpoint.Key()] = reply
}

func (f *fakeProber) count(endpoint models.Endpoint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint.Key()]
}

func (f *fakeProber) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeProber) Probe(_ context.Context, endpoint models.Endpoint) (models.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint.Key()]++
	reply, ok := f.replies[endpoint.Key()]
	if !ok {
		return models.ProbeResult{}, errors.New("connection refused")
	}
	return reply.result, reply.err
}

func healthyReply(latencyMs float64) probeReply {
	return probeReply{result: models.ProbeResult{
		NetworkID:     testNetworkID,
		IsSynced:      true,
		IsUtxoIndexed: true,
		ServerVersion: "0.14.2",
		LatencyMs:     latencyMs,
	}}
}

type ProfilerTestSuite struct {
	suite.Suite
	mu       sync.Mutex
	now      time.Time
	registry *registry.Registry
	prober   *fakeProber
	monitor  *netmon.Manual
	cfg      Config
	seq      int
}

func (s *ProfilerTestSuite) SetupTest() {
	s.now = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	policy, err := registry.NewPolicy(testNetworkID, true, "0.14.0", 30*time.Minute)
	s.Require().NoError(err)
	s.registry = registry.New(policy,
		registry.WithClock(s.clock),
		registry.WithJitter(func() float64 { return 0 }),
	)
	s.prober = newFakeProber()
	s.monitor = netmon.NewManual(models.QualityGood)
	s.cfg = ConfigFrom(config.Default())
	s.cfg.Pool.MinActive = 1
	s.cfg.Pool.MaxActive = 2
	s.seq = 0
}

func (s *ProfilerTestSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ProfilerTestSuite) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *ProfilerTestSuite) profiler(opts ...Option) *Profiler {
	opts = append([]Option{WithClock(s.clock), WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return New(s.cfg, s.registry, s.prober, s.monitor, opts...)
}

func (s *ProfilerTestSuite) candidate() models.Endpoint {
	s.seq++
	endpoint := models.NewEndpoint(fmt.Sprintf("45.0.%d.1", s.seq), 16110)
	s.registry.Upsert(endpoint, models.OriginDiscovered)
	return endpoint
}

func (s *ProfilerTestSuite) TestCycleVerifiesAndPromotes() {
	a, b, dead := s.candidate(), s.candidate(), s.candidate()
	s.prober.set(a, healthyReply(40))
	s.prober.set(b, healthyReply(80))

	p := s.profiler(WithMetrics(metrics.New()))
	report := p.RunProbeCycle(context.Background())

	s.Equal(ModeAggressive, report.Mode)
	s.Equal(3, report.Probed)
	s.Equal(2, report.Succeeded)
	s.Equal(1, report.Failed)
	s.ElementsMatch([]models.Endpoint{a, b}, report.Rebalance.Promoted)

	counts := s.registry.StateCounts()
	s.Equal(2, counts[models.StateActive])
	s.Equal(1, counts[models.StateCandidate])

	record, ok := s.registry.Record(dead)
	s.Require().True(ok)
	s.Equal(1, record.Health.ConsecutiveFailures)
	s.Equal(s.now, record.LastProbeAttemptAt)

	status := p.Status()
	s.Equal(ModeAggressive, status.Mode)
	s.Equal(s.now, status.LastCycleAt)
}

func (s *ProfilerTestSuite) TestProbesRespectIntervals() {
	a := s.candidate()
	s.prober.set(a, healthyReply(40))
	p := s.profiler()

	p.RunProbeCycle(context.Background())
	s.Equal(1, s.prober.count(a))

	p.RunProbeCycle(context.Background())
	s.Equal(1, s.prober.count(a))

	s.advance(s.cfg.Profiler.Aggressive.Active)
	p.RunProbeCycle(context.Background())
	s.Equal(2, s.prober.count(a))
}

func (s *ProfilerTestSuite) TestTimeoutFeedsTimeoutRate() {
	slow := s.candidate()
	s.prober.set(slow, probeReply{err: fmt.Errorf("probe: %w", context.DeadlineExceeded)})

	s.profiler().RunProbeCycle(context.Background())

	record, ok := s.registry.Record(slow)
	s.Require().True(ok)
	s.InDelta(1, record.Health.Fast.TimeoutRate.Value, 1e-9)
	s.InDelta(1, record.Health.Fast.ErrorRate.Value, 1e-9)
}

func (s *ProfilerTestSuite) TestCancelledCycleRecordsNothing() {
	a := s.candidate()
	s.prober.set(a, probeReply{err: context.Canceled})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.profiler().RunProbeCycle(ctx)

	record, ok := s.registry.Record(a)
	s.Require().True(ok)
	s.Zero(record.Health.ConsecutiveFailures)
}

func (s *ProfilerTestSuite) TestHardGateSkipsUnreachableCandidates() {
	a := s.candidate()
	s.prober.set(a, healthyReply(40))

	cfg := config.Default().Prescreen
	cfg.Gate = "hard"
	screener := prescreen.New(cfg, s.registry,
		prescreen.WithClock(s.clock),
		prescreen.WithDialer(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("refused")
		}),
	)

	report := s.profiler(WithScreener(screener)).RunProbeCycle(context.Background())
	s.Equal(1, report.Screened)
	s.Zero(report.Probed)
	s.Zero(s.prober.count(a))

	record, ok := s.registry.Record(a)
	s.Require().True(ok)
	s.Require().NotNil(record.Health.TCPPing)
	s.False(record.Health.TCPPing.Passed)
}

func (s *ProfilerTestSuite) TestBetterNodeCallback() {
	primary, fast := s.candidate(), s.candidate()
	s.prober.set(primary, healthyReply(400))
	s.prober.set(fast, healthyReply(100))

	var fired []models.Endpoint
	p := s.profiler(
		WithPrimary(func() (models.Endpoint, bool) { return primary, true }),
		WithBetterNodeHandler(func(_, better models.Endpoint) { fired = append(fired, better) }),
	)

	p.RunProbeCycle(context.Background())
	s.Empty(fired)

	p.RunProbeCycle(context.Background())
	s.Equal([]models.Endpoint{fast}, fired)

	p.RunProbeCycle(context.Background())
	s.Len(fired, 1)
}

func (s *ProfilerTestSuite) TestStartStop() {
	a := s.candidate()
	s.prober.set(a, healthyReply(40))

	p := s.profiler()
	p.Start()
	p.Start()
	s.Eventually(func() bool { return s.prober.count(a) > 0 }, 2*time.Second, 10*time.Millisecond)
	s.True(p.Status().Running)

	p.Stop()
	p.Stop()
	s.False(p.Status().Running)

	p.Start()
	p.Trigger()
	p.Stop()
}

type stubResolver map[string][]string

func (r stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, errors.New("nxdomain")
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func (s *ProfilerTestSuite) TestRunDiscovery() {
	network := models.Mainnet
	network.DNSSeeds = []string{"seed"}
	d := discovery.New(discovery.Config{
		Network:  network,
		Resolver: stubResolver{"seed": {"8.8.8.8", "10.0.0.1", "1.1.1.1"}},
		Inserter: discovery.NewInserter(s.registry, 100, nil),
	})

	inserted := s.profiler(WithDiscoverer(d)).RunDiscovery(context.Background())
	s.Equal(2, inserted)
	s.True(s.registry.Has(models.NewEndpoint("8.8.8.8", 16110)))
	s.False(s.registry.Has(models.NewEndpoint("10.0.0.1", 16110)))
}

func TestProfilerTestSuite(t *testing.T) {
	suite.Run(t, new(ProfilerTestSuite))
}
