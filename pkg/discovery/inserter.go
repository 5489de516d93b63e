package discovery

import (
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"

	"golang.org/x/time/rate"
)

// Sink is where discovered nodes land.
type Sink interface {
	Has(endpoint models.Endpoint) bool
	Upsert(endpoint models.Endpoint, origin models.NodeOrigin) bool
}

// Inserter caps new insertions with a token bucket of perHour tokens refilled over an hour.
// Already-known endpoints cost nothing.
type Inserter struct {
	sink    Sink
	limiter *rate.Limiter
	metrics *metrics.Metrics
	clock   func() time.Time
}

// NewInserter creates an inserter with a full bucket.
func NewInserter(sink Sink, perHour int, m *metrics.Metrics) *Inserter {
	if perHour <= 0 {
		perHour = 1
	}
	return &Inserter{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
		metrics: m,
		clock:   time.Now,
	}
}

// Insert upserts endpoints as discovered nodes and returns how many were new.
func (i *Inserter) Insert(endpoints []models.Endpoint, source string) int {
	inserted, limited := 0, 0
	for _, endpoint := range endpoints {
		if i.sink.Has(endpoint) {
			continue
		}
		if !i.limiter.AllowN(i.clock(), 1) {
			limited++
			i.metrics.DiscoveryDropped("rate_limited")
			continue
		}
		if i.sink.Upsert(endpoint, models.OriginDiscovered) {
			inserted++
		}
	}

	i.metrics.Discovered(source, inserted)
	if inserted > 0 || limited > 0 {
		log.Debug().
			Str("source", source).
			Int("inserted", inserted).
			Int("rate_limited", limited).
			Msg("Discovery insert")
	}
	return inserted
}

// Tokens returns the tokens currently available.
func (i *Inserter) Tokens() float64 {
	return i.limiter.TokensAt(i.clock())
}
