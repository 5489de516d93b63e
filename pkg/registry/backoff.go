package registry

import (
	"math/rand/v2"
	"time"
)

const (
	quarantineFailureThreshold = 5
	quarantineBaseDelay        = 15 * time.Second
	maxQuarantine              = time.Hour
	maxJitterFraction          = 0.3

	// 15s << 8 already exceeds the cap.
	maxBackoffShift = 8
)

// QuarantineBackoff returns the quarantine length after failures consecutive failures:
// min(1h, 2^(failures-5) * 15s) stretched by 1+jitter and capped again at one hour.
// jitter is clamped to [0, 0.3]. Below five failures there is no quarantine.
func QuarantineBackoff(failures int, jitter float64) time.Duration {
	if failures < quarantineFailureThreshold {
		return 0
	}

	base := maxQuarantine
	if shift := failures - quarantineFailureThreshold; shift < maxBackoffShift {
		base = min(maxQuarantine, quarantineBaseDelay<<shift)
	}

	jitter = max(0, min(jitter, maxJitterFraction))
	return min(maxQuarantine, time.Duration(float64(base)*(1+jitter)))
}

func defaultJitter() float64 {
	return rand.Float64() * maxJitterFraction //nolint:gosec // jitter, not crypto
}
