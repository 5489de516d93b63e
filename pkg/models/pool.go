package models

// PoolHealth classifies the active working set and drives cadence everywhere.
type PoolHealth int

const (
	PoolFailed PoolHealth = iota
	PoolCritical
	PoolDegraded
	PoolHealthy
)

const (
	healthyActiveThreshold  = 5
	degradedActiveThreshold = 2
)

// PoolHealthFor derives the pool health from the number of active nodes.
func PoolHealthFor(active int) PoolHealth {
	switch {
	case active >= healthyActiveThreshold:
		return PoolHealthy
	case active >= degradedActiveThreshold:
		return PoolDegraded
	case active == 1:
		return PoolCritical
	default:
		return PoolFailed
	}
}

func (p PoolHealth) String() string {
	switch p {
	case PoolHealthy:
		return "healthy"
	case PoolDegraded:
		return "degraded"
	case PoolCritical:
		return "critical"
	default:
		return "failed"
	}
}

// MarshalText encodes the pool health by name.
func (p PoolHealth) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StateCounts maps each state to the number of records in it.
type StateCounts map[NodeState]int
