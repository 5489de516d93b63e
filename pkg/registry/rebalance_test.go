package registry

import (
	"testing"
	"time"

	"nodepool/pkg/models"

	"github.com/stretchr/testify/suite"
)

type RebalanceTestSuite struct {
	registryFixture
}

func (s *RebalanceTestSuite) addNodes(latencies ...float64) []models.Endpoint {
	eps := make([]models.Endpoint, 0, len(latencies))
	for _, latency := range latencies {
		eps = append(eps, s.addAnonymous(latency))
	}
	return eps
}

func (s *RebalanceTestSuite) activeKeys() []string {
	records := s.registry.Records(models.StateActive)
	keys := make([]string, 0, len(records))
	for _, record := range records {
		keys = append(keys, record.Key())
	}
	return keys
}

func (s *RebalanceTestSuite) TestFillsEmptySlotsWithBest() {
	eps := s.addNodes(60, 10, 50, 20, 40, 30)

	result := s.registry.RebalanceActivePool(2, 4, 2, 0.2)
	s.Len(result.Promoted, 4)
	s.Empty(result.Demoted)
	s.Zero(result.Swaps)
	s.Equal(4, result.Active)
	s.False(result.BelowMin)

	s.ElementsMatch([]string{eps[1].Key(), eps[3].Key(), eps[5].Key(), eps[4].Key()}, s.activeKeys())
	s.Equal(models.PoolDegraded, s.registry.PoolHealth())

	again := s.registry.RebalanceActivePool(2, 4, 2, 0.2)
	s.False(again.Changed())
}

func (s *RebalanceTestSuite) TestTrimsToMaxActiveWorstFirst() {
	eps := s.addNodes(10, 20, 30, 40, 50, 60)
	s.registry.RebalanceActivePool(1, 6, 0, 0.2)
	s.Len(s.activeKeys(), 6)
	s.Equal(models.PoolHealthy, s.registry.PoolHealth())

	result := s.registry.RebalanceActivePool(1, 3, 0, 0.2)
	s.Equal(3, result.Active)
	s.ElementsMatch([]models.Endpoint{eps[3], eps[4], eps[5]}, result.Demoted)
	s.Equal(models.StateVerified, s.state(eps[5]))
}

func (s *RebalanceTestSuite) TestSwapsRequireImprovementAndRespectCap() {
	s.addNodes(100, 110, 120, 130)
	s.registry.RebalanceActivePool(1, 4, 1, 0.2)

	// 110 is not 20% better than the worst member (130).
	s.addNodes(110)
	result := s.registry.RebalanceActivePool(1, 4, 1, 0.2)
	s.Zero(result.Swaps)
	s.False(result.Changed())

	challengers := s.addNodes(90, 95)
	result = s.registry.RebalanceActivePool(1, 4, 1, 0.2)
	s.Equal(1, result.Swaps)
	s.Equal([]models.Endpoint{challengers[0]}, result.Promoted)
	s.Len(s.activeKeys(), 4)

	// Worst member is now 120; 95 <= 96 qualifies on the next call.
	result = s.registry.RebalanceActivePool(1, 4, 1, 0.2)
	s.Equal(1, result.Swaps)
	s.Equal([]models.Endpoint{challengers[1]}, result.Promoted)

	result = s.registry.RebalanceActivePool(1, 4, 5, 0.2)
	s.Zero(result.Swaps)
}

func (s *RebalanceTestSuite) TestNeverExceedsBounds() {
	s.addNodes(10, 80, 30, 70, 20, 60, 40, 50, 90, 15)
	for round := range 5 {
		maxActive := 2 + round
		result := s.registry.RebalanceActivePool(1, maxActive, 2, 0.1)
		s.LessOrEqual(result.Active, maxActive)
		s.LessOrEqual(result.Swaps, 2)
		s.Len(s.activeKeys(), result.Active)
	}
}

func (s *RebalanceTestSuite) TestDemotesIneligibleMembers() {
	eps := s.addNodes(10, 20, 30)
	s.registry.RebalanceActivePool(1, 2, 0, 0.2)
	s.Equal(models.StateActive, s.state(eps[0]))

	// Failures demote immediately; the freed slot is refilled on the next pass.
	s.registry.RecordResult(eps[0], 0, nil, false, true)
	s.registry.RecordResult(eps[0], 0, nil, false, true)
	s.Equal(models.StateSuspect, s.state(eps[0]))
	result := s.registry.RebalanceActivePool(1, 2, 0, 0.2)
	s.Equal([]models.Endpoint{eps[2]}, result.Promoted)

	// A stale profile is caught by the rebalancer itself.
	s.now = s.now.Add(time.Hour)
	result = s.registry.RebalanceActivePool(1, 2, 0, 0.2)
	s.ElementsMatch([]models.Endpoint{eps[1], eps[2]}, result.Demoted)
	s.Zero(result.Active)
	s.True(result.BelowMin)
	s.Equal(models.PoolFailed, s.registry.PoolHealth())
}

func (s *RebalanceTestSuite) TestBelowMinReported() {
	s.addNodes(10)
	result := s.registry.RebalanceActivePool(3, 5, 1, 0.2)
	s.True(result.BelowMin)
	s.Equal(1, result.Active)
	s.Equal(models.PoolCritical, s.registry.PoolHealth())
}

func TestRebalanceTestSuite(t *testing.T) {
	suite.Run(t, new(RebalanceTestSuite))
}
