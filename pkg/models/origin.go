package models

// NodeOrigin records how a node entered the registry. It is set once and never escalated.
type NodeOrigin string

const (
	OriginSeed       NodeOrigin = "seed"
	OriginDiscovered NodeOrigin = "discovered"
	OriginUserAdded  NodeOrigin = "user_added"
)

// IsPinned reports whether the origin exempts a node from idle pruning.
func (o NodeOrigin) IsPinned() bool {
	return o == OriginSeed || o == OriginUserAdded
}

// Valid reports whether o is one of the known origins.
func (o NodeOrigin) Valid() bool {
	switch o {
	case OriginSeed, OriginDiscovered, OriginUserAdded:
		return true
	}
	return false
}
