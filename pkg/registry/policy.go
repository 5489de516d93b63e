package registry

import (
	"fmt"
	"time"

	"nodepool/pkg/models"

	"github.com/hashicorp/go-version"
)

// Policy decides whether a profiled node qualifies as verified.
type Policy struct {
	NetworkID        string
	RequireUtxoIndex bool
	MinVersion       *version.Version
	ProfileTTL       time.Duration
}

// NewPolicy builds a policy. An empty minVersion disables version gating.
func NewPolicy(networkID string, requireUtxoIndex bool, minVersion string, profileTTL time.Duration) (Policy, error) {
	policy := Policy{
		NetworkID:        networkID,
		RequireUtxoIndex: requireUtxoIndex,
		ProfileTTL:       profileTTL,
	}
	if minVersion != "" {
		v, err := version.NewVersion(minVersion)
		if err != nil {
			return Policy{}, fmt.Errorf("%w: min version %q: %w", ErrInvalidPolicy, minVersion, err)
		}
		policy.MinVersion = v
	}
	return policy, nil
}

// Accepts reports whether profile passes network, sync, capability, version and freshness checks.
func (p Policy) Accepts(profile models.NodeProfile, now time.Time) bool {
	if !profile.Answered() || profile.IsStale(now, p.ProfileTTL) {
		return false
	}
	if p.NetworkID != "" && profile.NetworkID != p.NetworkID {
		return false
	}
	if !profile.IsSynced {
		return false
	}
	if p.RequireUtxoIndex && !profile.IsUtxoIndexed {
		return false
	}
	return p.versionOK(profile.ServerVersion)
}

func (p Policy) versionOK(serverVersion string) bool {
	if p.MinVersion == nil {
		return true
	}
	v, err := version.NewVersion(serverVersion)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(p.MinVersion)
}
