package selector

import (
	"testing"
	"time"

	"nodepool/pkg/models"

	"github.com/stretchr/testify/suite"
)

type staticSource []models.NodeRecord

func (s staticSource) AllRecords() []models.NodeRecord {
	return s
}

type SelectorTestSuite struct {
	suite.Suite
	now time.Time
}

func (s *SelectorTestSuite) SetupTest() {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *SelectorTestSuite) record(address string, state models.NodeState, latencyMs float64) models.NodeRecord {
	ep, err := models.ParseEndpoint(address)
	s.Require().NoError(err)
	record := models.NewNodeRecord(ep, models.OriginDiscovered, s.now)
	record.State = state
	record.Profile.IsUtxoIndexed = true
	record.Profile.ProbedAt = s.now
	record.Health.Fast.Add(0.25, models.Float(latencyMs), false, false)
	return *record
}

func (s *SelectorTestSuite) newSelector(records []models.NodeRecord, opts ...Option) *Selector {
	opts = append(opts, WithClock(func() time.Time { return s.now }))
	return New(staticSource(records), opts...)
}

func keys(eps []models.Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Key()
	}
	return out
}

func (s *SelectorTestSuite) TestTierThenScore() {
	records := []models.NodeRecord{
		s.record("1.1.1.1:16110", models.StateVerified, 10),
		s.record("2.2.2.2:16110", models.StateActive, 90),
		s.record("3.3.3.3:16110", models.StateActive, 40),
		s.record("4.4.4.4:16110", models.StateSuspect, 5),
		s.record("5.5.5.5:16110", models.StateProfiled, 1),
		s.record("6.6.6.6:16110", models.StateCandidate, 1),
	}
	picked := s.newSelector(records).Pick(0, Requirements{})
	s.Equal([]string{
		"3.3.3.3:16110", "2.2.2.2:16110", "1.1.1.1:16110", "4.4.4.4:16110", "5.5.5.5:16110",
	}, keys(picked))
}

func (s *SelectorTestSuite) TestSkipsQuarantinedAndOpenBreaker() {
	quarantined := s.record("1.1.1.1:16110", models.StateActive, 10)
	quarantined.Health.QuarantineUntil = s.now.Add(time.Minute)
	open := s.record("2.2.2.2:16110", models.StateActive, 10)
	open.Health.BreakerOpenUntil = s.now.Add(time.Second)
	healthy := s.record("3.3.3.3:16110", models.StateVerified, 100)

	picked := s.newSelector([]models.NodeRecord{quarantined, open, healthy}).Pick(3, Requirements{})
	s.Equal([]string{"3.3.3.3:16110"}, keys(picked))
}

func (s *SelectorTestSuite) TestCapabilities() {
	plain := s.record("1.1.1.1:16110", models.StateActive, 10)
	plain.Profile.IsUtxoIndexed = false
	noLarge := s.record("2.2.2.2:16110", models.StateActive, 20)
	noLarge.Profile.LargePayloadReachable = models.Bool(false)
	unknown := s.record("3.3.3.3:16110", models.StateActive, 30)

	sel := s.newSelector([]models.NodeRecord{plain, noLarge, unknown})
	s.Equal([]string{"2.2.2.2:16110", "3.3.3.3:16110"}, keys(sel.Pick(0, Requirements{NeedUtxoIndex: true})))
	s.Equal([]string{"1.1.1.1:16110", "3.3.3.3:16110"}, keys(sel.Pick(0, Requirements{NeedLargePayload: true})))
}

func (s *SelectorTestSuite) TestPenaltyAndExclude() {
	records := []models.NodeRecord{
		s.record("1.1.1.1:16110", models.StateActive, 10),
		s.record("2.2.2.2:16110", models.StateActive, 20),
		s.record("3.3.3.3:16110", models.StateVerified, 30),
	}
	sel := s.newSelector(records, WithPenalty(func(key string) bool {
		return key == "1.1.1.1:16110"
	}))
	s.Equal([]string{"2.2.2.2:16110", "3.3.3.3:16110", "1.1.1.1:16110"}, keys(sel.Pick(0, Requirements{})))
	s.Equal([]string{"3.3.3.3:16110"}, keys(sel.Pick(1, Requirements{}, "2.2.2.2:16110")))
}

func (s *SelectorTestSuite) TestDeterministicTieBreak() {
	records := []models.NodeRecord{
		s.record("9.9.9.9:16110", models.StateActive, 10),
		s.record("1.1.1.1:16110", models.StateActive, 10),
	}
	for range 5 {
		s.Equal([]string{"1.1.1.1:16110", "9.9.9.9:16110"}, keys(s.newSelector(records).Pick(2, Requirements{})))
	}
}

func TestSelectorTestSuite(t *testing.T) {
	suite.Run(t, new(SelectorTestSuite))
}
