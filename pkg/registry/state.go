package registry

import (
	"time"

	"nodepool/pkg/models"
)

const suspectFailureThreshold = 2

// DeriveState computes the state implied by profile and health alone. It never returns
// StateActive; that assignment belongs to the rebalancer.
func DeriveState(profile models.NodeProfile, health models.NodeHealth, now time.Time, policy Policy) models.NodeState {
	switch {
	case health.IsQuarantined(now):
		return models.StateQuarantined
	case !profile.Answered():
		return models.StateCandidate
	case health.ConsecutiveFailures >= suspectFailureThreshold || health.IsCircuitOpen(now):
		return models.StateSuspect
	case policy.Accepts(profile, now):
		return models.StateVerified
	default:
		return models.StateProfiled
	}
}

// resolveState keeps an active assignment only while the node still derives to verified.
func resolveState(current, derived models.NodeState) models.NodeState {
	if current == models.StateActive && derived == models.StateVerified {
		return models.StateActive
	}
	return derived
}
