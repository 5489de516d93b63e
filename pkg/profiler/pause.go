package profiler

import (
	"time"

	"nodepool/pkg/models"

	"github.com/jellydator/ttlcache/v3"
)

const pauseKey = "hard_pause"

// pauseGate caches the hard-pause verdict briefly so every caller in a cycle agrees and
// nobody recomputes it in a tight loop.
type pauseGate struct {
	cache      *ttlcache.Cache[string, bool]
	window     time.Duration
	fastTarget int
}

func newPauseGate(ttl, window time.Duration, fastTarget int) *pauseGate {
	return &pauseGate{
		cache: ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](ttl),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
		window:     window,
		fastTarget: fastTarget,
	}
}

func (g *pauseGate) paused(records []models.NodeRecord, now time.Time, lowLatencyMs float64) bool {
	if item := g.cache.Get(pauseKey); item != nil {
		return item.Value()
	}
	paused := shouldPause(records, now, lowLatencyMs, g.fastTarget, g.window)
	g.cache.Set(pauseKey, paused, ttlcache.DefaultTTL)
	return paused
}

func (g *pauseGate) invalidate() {
	g.cache.DeleteAll()
}

// shouldPause holds when at least fastTarget active nodes measure under lowLatencyMs and
// no active node failed within window.
func shouldPause(records []models.NodeRecord, now time.Time, lowLatencyMs float64, fastTarget int, window time.Duration) bool {
	fast := 0
	for _, record := range records {
		if record.State != models.StateActive {
			continue
		}
		if failed := record.Health.LastFailureAt; !failed.IsZero() && now.Sub(failed) < window {
			return false
		}
		if latency, ok := measuredLatency(record); ok && latency < lowLatencyMs {
			fast++
		}
	}
	return fast >= fastTarget
}
