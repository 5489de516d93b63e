package registry

import (
	"fmt"
	"testing"
	"time"

	"nodepool/pkg/models"

	"github.com/stretchr/testify/suite"
)

const testNetworkID = "kaspa-mainnet"

// registryFixture carries the shared clock and helpers; it declares no tests itself.
type registryFixture struct {
	suite.Suite
	now      time.Time
	registry *Registry
	seq      int
}

type RegistryTestSuite struct {
	registryFixture
}

func (s *registryFixture) SetupTest() {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	policy, err := NewPolicy(testNetworkID, true, "0.14.0", 30*time.Minute)
	s.Require().NoError(err)
	s.registry = New(policy,
		WithClock(func() time.Time { return s.now }),
		WithJitter(func() float64 { return 0 }),
	)
	s.seq = 0
}

func (s *registryFixture) endpoint(address string) models.Endpoint {
	ep, err := models.ParseEndpoint(address)
	s.Require().NoError(err)
	return ep
}

func (s *registryFixture) addVerified(address string, latencyMs float64) models.Endpoint {
	ep := s.endpoint(address)
	s.registry.Upsert(ep, models.OriginDiscovered)
	s.registry.UpdateProfile(ep, verifiedProfile(s.now))
	s.registry.RecordResult(ep, 0, models.Float(latencyMs), false, false)
	return ep
}

// addAnonymous adds a verified node on a fresh address.
func (s *registryFixture) addAnonymous(latencyMs float64) models.Endpoint {
	s.seq++
	return s.addVerified(fmt.Sprintf("45.%d.%d.1:16110", s.seq/200, s.seq%200+1), latencyMs)
}

func verifiedProfile(at time.Time) func(*models.NodeProfile) {
	return func(p *models.NodeProfile) {
		models.ProbeResult{
			NetworkID:     testNetworkID,
			IsSynced:      true,
			IsUtxoIndexed: true,
			ServerVersion: "0.14.1",
		}.Apply(p, at)
	}
}

func (s *registryFixture) state(ep models.Endpoint) models.NodeState {
	record, ok := s.registry.Record(ep)
	s.Require().True(ok)
	return record.State
}

func (s *RegistryTestSuite) TestUpsertKeepsExistingOrigin() {
	ep := s.endpoint("1.2.3.4:16110")
	s.True(s.registry.Upsert(ep, models.OriginSeed))
	s.False(s.registry.Upsert(ep, models.OriginDiscovered))

	record, ok := s.registry.Record(ep)
	s.Require().True(ok)
	s.Equal(models.OriginSeed, record.Origin)
	s.Equal(models.StateCandidate, record.State)
	s.Equal("1.2.3.0/24", record.Profile.Hints.Prefix24)
}

func (s *RegistryTestSuite) TestUnknownEndpointIsNoop() {
	ep := s.endpoint("9.9.9.9:16110")
	s.registry.RecordResult(ep, 0, models.Float(10), false, false)
	s.registry.UpdateProfile(ep, verifiedProfile(s.now))
	s.registry.UpdateTCPPingResult(ep, true, s.now, nil)
	s.registry.MarkProbeAttempt(ep, s.now)
	s.Equal(0, s.registry.Len())
	s.False(s.registry.Has(ep))
}

func (s *RegistryTestSuite) TestCountersAreMutuallyExclusive() {
	ep := s.endpoint("1.2.3.4:16110")
	s.registry.Upsert(ep, models.OriginDiscovered)

	outcomes := []bool{true, true, false, true, false, false, false, true, false, true, true}
	for _, ok := range outcomes {
		before, _ := s.registry.Record(ep)
		s.registry.RecordResult(ep, 0, models.Float(50), false, !ok)
		after, _ := s.registry.Record(ep)

		if ok {
			s.Equal(before.Health.ConsecutiveSuccesses+1, after.Health.ConsecutiveSuccesses)
			s.Zero(after.Health.ConsecutiveFailures)
		} else {
			s.Equal(before.Health.ConsecutiveFailures+1, after.Health.ConsecutiveFailures)
			s.Zero(after.Health.ConsecutiveSuccesses)
		}
	}
}

func (s *RegistryTestSuite) TestBreakerOpensAfterThreeFailures() {
	ep := s.addVerified("1.2.3.4:16110", 40)
	for range 3 {
		s.registry.RecordResult(ep, 0, nil, false, true)
	}

	record, _ := s.registry.Record(ep)
	s.True(record.Health.IsCircuitOpen(s.now))
	s.True(record.Health.IsCircuitOpen(s.now.Add(29 * time.Second)))
	s.False(record.Health.IsCircuitOpen(s.now.Add(31 * time.Second)))
	s.False(record.Health.IsQuarantined(s.now))
	s.Equal(models.StateSuspect, record.State)
}

func (s *RegistryTestSuite) TestQuarantineAfterFiveFailures() {
	ep := s.addVerified("1.2.3.4:16110", 40)
	for range 5 {
		s.registry.RecordResult(ep, 0, nil, true, false)
	}

	record, _ := s.registry.Record(ep)
	s.True(record.Health.QuarantineUntil.After(s.now))
	s.Equal(15*time.Second, record.Health.QuarantineUntil.Sub(s.now))
	s.Equal(models.StateQuarantined, record.State)
	s.Greater(record.Health.Fast.TimeoutRate.Value, 0.7)

	s.registry.RecordResult(ep, 0, nil, true, false)
	record, _ = s.registry.Record(ep)
	s.Equal(30*time.Second, record.Health.QuarantineUntil.Sub(s.now))

	// Expiry is picked up by the periodic scan.
	s.now = s.now.Add(time.Minute)
	s.Equal(1, s.registry.RefreshStates())
	s.Equal(models.StateSuspect, s.state(ep))
}

func (s *RegistryTestSuite) TestSuccessClearsQuarantineAndBreaker() {
	ep := s.addVerified("1.2.3.4:16110", 40)
	for range 7 {
		s.registry.RecordResult(ep, 0, nil, false, true)
	}
	s.registry.RecordResult(ep, 0, models.Float(35), false, false)

	record, _ := s.registry.Record(ep)
	s.True(record.Health.QuarantineUntil.IsZero())
	s.True(record.Health.BreakerOpenUntil.IsZero())
	s.Zero(record.Health.BreakerFailures)
	s.Equal(models.StateVerified, record.State)
}

func (s *RegistryTestSuite) TestQuarantineBackoffIsMonotonicAndCapped() {
	s.Zero(QuarantineBackoff(4, 0))
	s.Equal(15*time.Second, QuarantineBackoff(5, 0))
	s.Equal(19500*time.Millisecond, QuarantineBackoff(5, 0.3))
	s.Equal(15*time.Second, QuarantineBackoff(5, -1))

	for failures := 5; failures < 40; failures++ {
		s.LessOrEqual(QuarantineBackoff(failures, 0.3), QuarantineBackoff(failures+1, 0))
		s.LessOrEqual(QuarantineBackoff(failures, 0.3), time.Hour)
	}
	s.Equal(time.Hour, QuarantineBackoff(1000, 0.3))
}

func (s *RegistryTestSuite) TestEpochMismatchResetsFastStats() {
	ep := s.addVerified("1.2.3.4:16110", 40)
	s.registry.RecordResult(ep, 0, nil, false, true)
	s.registry.RecordResult(ep, 0, nil, false, true)
	s.Equal(models.StateSuspect, s.state(ep))

	s.registry.RecordResult(ep, 1, nil, false, true)
	record, _ := s.registry.Record(ep)
	s.Equal(uint64(1), record.Health.EpochID)
	s.Equal(1, record.Health.ConsecutiveFailures)
	s.Equal(1, record.Health.Fast.ErrorRate.Samples)
	s.Equal(4, record.Health.Global.ErrorRate.Samples)
}

func (s *RegistryTestSuite) TestResetEpochStatsKeepsGlobal() {
	a := s.addVerified("1.2.3.4:16110", 40)
	b := s.addVerified("5.6.7.8:16110", 80)
	s.registry.RecordResult(b, 0, nil, false, true)

	before := map[string]models.NodeRecord{}
	for _, record := range s.registry.AllRecords() {
		before[record.Key()] = record
	}

	s.registry.ResetEpochStats(7)
	s.Equal(uint64(7), s.registry.CurrentEpoch())

	for _, ep := range []models.Endpoint{a, b} {
		record, _ := s.registry.Record(ep)
		s.Equal(models.HealthStats{}, record.Health.Fast)
		s.Zero(record.Health.ConsecutiveFailures)
		s.Zero(record.Health.ConsecutiveSuccesses)
		s.Equal(before[ep.Key()].Health.Global, record.Health.Global)
		s.Equal(uint64(7), record.Health.EpochID)
	}
}

func (s *RegistryTestSuite) TestDeriveState() {
	policy := s.registry.Policy()
	valid := models.NodeProfile{}
	verifiedProfile(s.now)(&valid)

	s.Equal(models.StateCandidate, DeriveState(models.NodeProfile{}, models.NodeHealth{}, s.now, policy))
	s.Equal(models.StateVerified, DeriveState(valid, models.NodeHealth{}, s.now, policy))

	wrongNetwork := valid
	wrongNetwork.NetworkID = "kaspa-testnet-10"
	s.Equal(models.StateProfiled, DeriveState(wrongNetwork, models.NodeHealth{}, s.now, policy))

	oldVersion := valid
	oldVersion.ServerVersion = "0.13.4"
	s.Equal(models.StateProfiled, DeriveState(oldVersion, models.NodeHealth{}, s.now, policy))

	unindexed := valid
	unindexed.IsUtxoIndexed = false
	s.Equal(models.StateProfiled, DeriveState(unindexed, models.NodeHealth{}, s.now, policy))

	s.Equal(models.StateProfiled, DeriveState(valid, models.NodeHealth{}, s.now.Add(time.Hour), policy))

	failing := models.NodeHealth{ConsecutiveFailures: 2}
	s.Equal(models.StateSuspect, DeriveState(valid, failing, s.now, policy))

	quarantined := models.NodeHealth{QuarantineUntil: s.now.Add(time.Second)}
	s.Equal(models.StateQuarantined, DeriveState(models.NodeProfile{}, quarantined, s.now, policy))
}

func (s *RegistryTestSuite) TestNewPolicyRejectsBadVersion() {
	_, err := NewPolicy(testNetworkID, false, "not-a-version", 0)
	s.ErrorIs(err, ErrInvalidPolicy)
}

func (s *RegistryTestSuite) TestScore() {
	record := models.NodeRecord{}
	s.InDelta(unknownLatencyMs, Score(record), 1e-9)

	record.Profile.Hints.PredictedMinRTTMs = models.Float(80)
	s.InDelta(80, Score(record), 1e-9)

	record.Health.Global.Add(0.05, models.Float(120), false, false)
	s.InDelta(120, Score(record), 1e-9)

	record.Health.Fast.Add(0.25, models.Float(100), false, false)
	record.Health.Fast.Add(0.25, nil, true, false)
	// latency 100, error rate 0.25, timeout rate 0.25
	s.InDelta(100*(1+4*0.25+6*0.25), Score(record), 1e-9)
}

func (s *RegistryTestSuite) TestPrefixPerformanceStats() {
	s.addVerified("1.2.3.4:16110", 10)
	s.addVerified("1.2.3.5:16110", 30)
	s.addVerified("1.2.3.6:16110", 20)
	s.addVerified("5.6.7.8:16110", 50)
	s.registry.Upsert(s.endpoint("9.9.9.9:16110"), models.OriginDiscovered)

	stats := s.registry.PrefixPerformanceStats(2)
	s.Require().Len(stats, 1)
	prefix := stats["1.2.3.0/24"]
	s.Equal(3, prefix.Samples)
	s.InDelta(20, prefix.MedianLatencyMs, 1e-9)
	s.InDelta(0, prefix.MedianErrorRate, 1e-9)

	s.Len(s.registry.PrefixPerformanceStats(1), 2)
}

func (s *RegistryTestSuite) TestPruneOldNodesSparesPinnedOrigins() {
	discovered := s.endpoint("1.2.3.4:16110")
	seed := s.endpoint("5.6.7.8:16110")
	user := s.endpoint("9.9.9.9:16110")
	s.registry.Upsert(discovered, models.OriginDiscovered)
	s.registry.Upsert(seed, models.OriginSeed)
	s.registry.Upsert(user, models.OriginUserAdded)

	s.now = s.now.Add(48 * time.Hour)
	fresh := s.endpoint("2.2.2.2:16110")
	s.registry.Upsert(fresh, models.OriginDiscovered)

	s.Equal(1, s.registry.PruneOldNodes(24*time.Hour))
	s.False(s.registry.Has(discovered))
	s.True(s.registry.Has(seed))
	s.True(s.registry.Has(user))
	s.True(s.registry.Has(fresh))
}

func (s *RegistryTestSuite) TestClearDiscoveredNodes() {
	s.registry.Upsert(s.endpoint("1.2.3.4:16110"), models.OriginDiscovered)
	s.registry.Upsert(s.endpoint("1.2.3.5:16110"), models.OriginDiscovered)
	s.registry.Upsert(s.endpoint("5.6.7.8:16110"), models.OriginSeed)

	s.Equal(2, s.registry.ClearDiscoveredNodes())
	s.Equal(1, s.registry.Len())
}

func (s *RegistryTestSuite) TestStateCountsIncludeZeroes() {
	s.addVerified("1.2.3.4:16110", 10)
	s.registry.Upsert(s.endpoint("5.6.7.8:16110"), models.OriginSeed)

	counts := s.registry.StateCounts()
	s.Len(counts, len(models.AllStates))
	s.Equal(1, counts[models.StateVerified])
	s.Equal(1, counts[models.StateCandidate])
	s.Zero(counts[models.StateActive])
	s.Len(s.registry.Records(models.StateVerified), 1)
}

func (s *RegistryTestSuite) TestSubscribeSignalsStateChanges() {
	ch := s.registry.Subscribe()
	ep := s.endpoint("1.2.3.4:16110")
	s.registry.Upsert(ep, models.OriginDiscovered)
	s.registry.UpdateProfile(ep, verifiedProfile(s.now))

	select {
	case <-ch:
	default:
		s.Fail("expected a change signal")
	}

	s.registry.Unsubscribe(ch)
	_, open := <-ch
	s.False(open)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
