package profiler

import "nodepool/pkg/models"

// betterNodeDetector fires once when the same non-primary node beats the primary by ratio
// on cycles consecutive observations.
type betterNodeDetector struct {
	ratio  float64
	cycles int

	primary   string
	candidate string
	streak    int
	fired     bool
}

func (d *betterNodeDetector) reset() {
	d.candidate = ""
	d.streak = 0
	d.fired = false
}

// observe returns the better node when the callback should fire.
func (d *betterNodeDetector) observe(primary models.Endpoint, hasPrimary bool, records []models.NodeRecord) (models.Endpoint, bool) {
	if !hasPrimary {
		d.primary = ""
		d.reset()
		return models.Endpoint{}, false
	}
	if primary.Key() != d.primary {
		d.primary = primary.Key()
		d.reset()
	}

	var (
		primaryLatency float64
		havePrimary    bool
		best           models.NodeRecord
		bestLatency    float64
		haveBest       bool
	)
	for _, record := range records {
		latency, ok := measuredLatency(record)
		if !ok {
			continue
		}
		if record.Key() == d.primary {
			primaryLatency, havePrimary = latency, true
			continue
		}
		if record.State != models.StateActive && record.State != models.StateVerified {
			continue
		}
		if !haveBest || latency < bestLatency {
			best, bestLatency, haveBest = record, latency, true
		}
	}

	if !havePrimary || !haveBest || primaryLatency < d.ratio*bestLatency {
		d.reset()
		return models.Endpoint{}, false
	}

	if best.Key() != d.candidate {
		d.candidate = best.Key()
		d.streak = 0
		d.fired = false
	}
	d.streak++
	if d.streak >= d.cycles && !d.fired {
		d.fired = true
		return best.Endpoint, true
	}
	return models.Endpoint{}, false
}
