package registry

import "errors"

var (
	// ErrInvalidPolicy is returned when validation parameters cannot be parsed.
	ErrInvalidPolicy = errors.New("invalid validation policy")

	// ErrPersist wraps store failures surfaced by PersistNow and Load.
	ErrPersist = errors.New("registry persistence failed")
)
