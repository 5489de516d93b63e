package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"nodepool/pkg/models"

	"github.com/stretchr/testify/suite"
)

type MetricsTestSuite struct {
	suite.Suite
	metrics *Metrics
}

func (s *MetricsTestSuite) SetupTest() {
	s.metrics = New()
}

func (s *MetricsTestSuite) scrape() string {
	rec := httptest.NewRecorder()
	s.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	s.Require().NoError(err)
	return string(body)
}

func (s *MetricsTestSuite) TestCounters() {
	s.metrics.RouterAttempt("hedged", "success", 0.05)
	s.metrics.RouterAttempt("hedged", "timeout", 0)
	s.metrics.Discovered("dns", 3)
	s.metrics.Discovered("dns", 0)
	s.metrics.Prescreen("a", false)

	body := s.scrape()
	s.Contains(body, `nodepool_router_attempts_total{mode="hedged",outcome="success"} 1`)
	s.Contains(body, `nodepool_router_attempts_total{mode="hedged",outcome="timeout"} 1`)
	s.Contains(body, `nodepool_router_attempt_latency_seconds_count{mode="hedged"} 1`)
	s.Contains(body, `nodepool_discovery_inserted_total{source="dns"} 3`)
	s.Contains(body, `nodepool_prescreen_results_total{outcome="failed",stage="a"} 1`)
}

func (s *MetricsTestSuite) TestObservePool() {
	counts := models.StateCounts{models.StateActive: 4, models.StateCandidate: 10}
	s.metrics.ObservePool(counts, models.PoolDegraded)
	s.metrics.ObserveEpoch(3)

	body := s.scrape()
	s.Contains(body, `nodepool_nodes{state="active"} 4`)
	s.Contains(body, `nodepool_nodes{state="suspect"} 0`)
	s.Contains(body, "nodepool_pool_health 2")
	s.Contains(body, "nodepool_network_epoch 3")
}

func (s *MetricsTestSuite) TestNilIsSafe() {
	var m *Metrics
	m.RouterAttempt("failover", "error", 0)
	m.Probe("success", 0.1)
	m.Rebalanced(1, 1, 1)
	m.ObservePool(models.StateCounts{}, models.PoolHealthy)
}

func TestMetricsTestSuite(t *testing.T) {
	suite.Run(t, new(MetricsTestSuite))
}
