package models

import "fmt"

// NodeState is ordered by trust, lowest first.
type NodeState int

const (
	// StateCandidate has never answered a capability probe.
	StateCandidate NodeState = iota
	// StateProfiled answered a probe but failed validation.
	StateProfiled
	// StateVerified passes network, sync and capability checks and is healthy.
	StateVerified
	// StateActive is a verified node promoted into the working set by the rebalancer.
	StateActive
	// StateSuspect has recent failures but is not yet quarantined.
	StateSuspect
	// StateQuarantined is backed off until Health.QuarantineUntil.
	StateQuarantined
)

// AllStates lists every state in trust order.
var AllStates = []NodeState{
	StateCandidate, StateProfiled, StateVerified, StateActive, StateSuspect, StateQuarantined,
}

var stateNames = map[NodeState]string{
	StateCandidate:   "candidate",
	StateProfiled:    "profiled",
	StateVerified:    "verified",
	StateActive:      "active",
	StateSuspect:     "suspect",
	StateQuarantined: "quarantined",
}

func (s NodeState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseNodeState maps a state name back to its value.
func ParseNodeState(name string) (NodeState, bool) {
	for state, stateName := range stateNames {
		if stateName == name {
			return state, true
		}
	}
	return StateCandidate, false
}

// MarshalText encodes the state by name so stored records survive renumbering.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name. Unknown names from newer schemas decode as candidate;
// the registry recomputes the real state after load anyway.
func (s *NodeState) UnmarshalText(text []byte) error {
	state, _ := ParseNodeState(string(text))
	*s = state
	return nil
}
