// Package ewma provides the exponentially weighted moving average used by node health tracking.
package ewma

const (
	// FastAlpha weights recent samples heavily; used for epoch-scoped stats.
	FastAlpha = 0.25
	// SlowAlpha is used for the long-lived global stats.
	SlowAlpha = 0.05
)

// Average is a serialisable EWMA. The zero value holds no samples.
type Average struct {
	Value   float64 `json:"value"`
	Samples int     `json:"samples"`
}

// Add folds sample into the average. The first sample seeds the value directly.
func (a *Average) Add(alpha, sample float64) {
	if a.Samples == 0 {
		a.Value = sample
	} else {
		a.Value = alpha*sample + (1-alpha)*a.Value
	}
	a.Samples++
}

// HasSamples reports whether at least one sample was recorded.
func (a Average) HasSamples() bool {
	return a.Samples > 0
}

// Reset drops all samples.
func (a *Average) Reset() {
	*a = Average{}
}
