package prescreen

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"nodepool/pkg/config"
	"nodepool/pkg/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

var errRefused = errors.New("connection refused")

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) UpdateTCPPingResult(endpoint models.Endpoint, passed bool, checkedAt time.Time, rttMs *float64) {
	m.Called(endpoint, passed, checkedAt, rttMs)
}

// host script: a list of per-attempt behaviours, the last one repeats.
type attempt struct {
	delay time.Duration
	err   error
	hang  bool
}

type fakeNet struct {
	mu      sync.Mutex
	scripts map[string][]attempt
	dials   map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{scripts: make(map[string][]attempt), dials: make(map[string]int)}
}

func (f *fakeNet) script(address string, attempts ...attempt) {
	f.scripts[address] = attempts
}

func (f *fakeNet) count(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[address]
}

func (f *fakeNet) dial(ctx context.Context, _, address string) (net.Conn, error) {
	f.mu.Lock()
	n := f.dials[address]
	f.dials[address] = n + 1
	script := f.scripts[address]
	f.mu.Unlock()

	if len(script) == 0 {
		return nil, errRefused
	}
	step := script[len(script)-1]
	if n < len(script) {
		step = script[n]
	}
	if step.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.delay > 0 {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

type PrescreenTestSuite struct {
	suite.Suite
	net      *fakeNet
	recorder *mockRecorder
	cfg      config.PrescreenConfig
}

func (s *PrescreenTestSuite) SetupTest() {
	s.net = newFakeNet()
	s.recorder = &mockRecorder{}
	s.cfg = config.Default().Prescreen
	s.cfg.StageATimeout = 100 * time.Millisecond
	s.cfg.StageBTimeout = 200 * time.Millisecond
	s.cfg.StageBMax = 1
	s.cfg.StageBRetries = 2
}

func (s *PrescreenTestSuite) screener() *Screener {
	return New(s.cfg, s.recorder, WithDialer(s.net.dial))
}

func ep(host string) models.Endpoint {
	return models.NewEndpoint(host, 16110)
}

func (s *PrescreenTestSuite) TestTwoStages() {
	fast, slow, dead := ep("1.1.1.1"), ep("2.2.2.2"), ep("3.3.3.3")
	s.net.script(fast.Key(), attempt{delay: time.Millisecond})
	s.net.script(slow.Key(), attempt{delay: 40 * time.Millisecond})

	s.recorder.On("UpdateTCPPingResult", dead, false, mock.Anything, (*float64)(nil)).Once()
	s.recorder.On("UpdateTCPPingResult", fast, true, mock.Anything, mock.AnythingOfType("*float64")).Once()
	s.recorder.On("UpdateTCPPingResult", slow, true, mock.Anything, mock.AnythingOfType("*float64")).Once()

	results := s.screener().Screen(context.Background(), []models.Endpoint{fast, slow, dead}, models.QualityGood)
	s.Require().Len(results, 3)

	byEndpoint := make(map[models.Endpoint]Result)
	for _, result := range results {
		byEndpoint[result.Endpoint] = result
	}
	s.Equal(StageB, byEndpoint[fast].Stage)
	s.True(byEndpoint[fast].Passed)
	s.Equal(StageA, byEndpoint[slow].Stage)
	s.True(byEndpoint[slow].Passed)
	s.Require().NotNil(byEndpoint[slow].RTTMs)
	s.GreaterOrEqual(*byEndpoint[slow].RTTMs, 40.0)
	s.False(byEndpoint[dead].Passed)

	s.Equal(2, s.net.count(fast.Key()))
	s.Equal(1, s.net.count(slow.Key()))
	s.recorder.AssertExpectations(s.T())
}

func (s *PrescreenTestSuite) TestStageBRetries() {
	flaky := ep("4.4.4.4")
	s.net.script(flaky.Key(), attempt{}, attempt{err: errRefused}, attempt{})
	s.recorder.On("UpdateTCPPingResult", flaky, true, mock.Anything, mock.Anything).Once()

	results := s.screener().Screen(context.Background(), []models.Endpoint{flaky}, models.QualityFair)
	s.Require().Len(results, 1)
	s.True(results[0].Passed)
	s.Equal(StageB, results[0].Stage)
	s.Equal(3, s.net.count(flaky.Key()))
}

func (s *PrescreenTestSuite) TestStageBExhaustsRetries() {
	gone := ep("5.5.5.5")
	s.net.script(gone.Key(), attempt{}, attempt{err: errRefused})
	s.cfg.StageBRetries = 1
	s.recorder.On("UpdateTCPPingResult", gone, false, mock.Anything, (*float64)(nil)).Once()

	results := s.screener().Screen(context.Background(), []models.Endpoint{gone}, models.QualityFair)
	s.Require().Len(results, 1)
	s.False(results[0].Passed)
	s.Equal(StageB, results[0].Stage)
	s.Equal(3, s.net.count(gone.Key()))
}

func (s *PrescreenTestSuite) TestStageATimeout() {
	hung := ep("6.6.6.6")
	s.net.script(hung.Key(), attempt{hang: true})
	s.recorder.On("UpdateTCPPingResult", hung, false, mock.Anything, (*float64)(nil)).Once()

	start := time.Now()
	results := s.screener().Screen(context.Background(), []models.Endpoint{hung}, models.QualityPoor)
	s.Less(time.Since(start), time.Second)
	s.Require().Len(results, 1)
	s.False(results[0].Passed)
	s.Equal(StageA, results[0].Stage)
}

func (s *PrescreenTestSuite) TestCachedVerdictsSkipDial() {
	node := ep("7.7.7.7")
	s.net.script(node.Key(), attempt{})
	s.recorder.On("UpdateTCPPingResult", node, true, mock.Anything, mock.Anything).Once()

	screener := s.screener()
	screener.Screen(context.Background(), []models.Endpoint{node}, models.QualityGood)
	dials := s.net.count(node.Key())

	results := screener.Screen(context.Background(), []models.Endpoint{node}, models.QualityGood)
	s.Require().Len(results, 1)
	s.True(results[0].Passed)
	s.Equal(dials, s.net.count(node.Key()))
	s.Empty(screener.Pending([]models.Endpoint{node}))
}

func (s *PrescreenTestSuite) TestCacheExpires() {
	node := ep("8.8.4.4")
	s.net.script(node.Key(), attempt{})
	s.recorder.On("UpdateTCPPingResult", node, true, mock.Anything, mock.Anything).Twice()
	s.cfg.TTL = 30 * time.Millisecond

	screener := s.screener()
	screener.Screen(context.Background(), []models.Endpoint{node}, models.QualityGood)
	time.Sleep(60 * time.Millisecond)

	_, ok := screener.Cached(node)
	s.False(ok)
	screener.Screen(context.Background(), []models.Endpoint{node}, models.QualityGood)
	s.recorder.AssertExpectations(s.T())
}

func (s *PrescreenTestSuite) TestGate() {
	alive, dead, unknown := ep("9.9.9.1"), ep("9.9.9.2"), ep("9.9.9.3")
	s.net.script(alive.Key(), attempt{})
	s.recorder.On("UpdateTCPPingResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	s.cfg.Gate = "hard"
	hard := s.screener()
	s.Equal(GateHard, hard.Gate())
	hard.Screen(context.Background(), []models.Endpoint{alive, dead}, models.QualityGood)
	s.True(hard.Allow(alive))
	s.False(hard.Allow(dead))
	s.False(hard.Allow(unknown))

	s.cfg.Gate = "soft"
	soft := s.screener()
	soft.Screen(context.Background(), []models.Endpoint{dead}, models.QualityGood)
	s.True(soft.Allow(dead))
	s.True(soft.Allow(unknown))
}

func (s *PrescreenTestSuite) TestParseGate() {
	s.Equal(GateHard, ParseGate(" HARD "))
	s.Equal(GateSoft, ParseGate("soft"))
	s.Equal(GateSoft, ParseGate("bogus"))
	s.Equal("hard", GateHard.String())
}

func (s *PrescreenTestSuite) TestCancelledSweepRecordsNothing() {
	hung := ep("6.6.6.7")
	s.net.script(hung.Key(), attempt{hang: true})
	s.cfg.StageATimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := s.screener().Screen(ctx, []models.Endpoint{hung}, models.QualityGood)
	s.Empty(results)
	s.recorder.AssertNotCalled(s.T(), "UpdateTCPPingResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPrescreenTestSuite(t *testing.T) {
	suite.Run(t, new(PrescreenTestSuite))
}
