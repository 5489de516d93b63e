package models

import "errors"

var (
	// ErrInvalidEndpoint is returned when an address cannot be parsed as host:port.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrUnknownNetwork is returned for network names with no built-in parameters.
	ErrUnknownNetwork = errors.New("unknown network")
)
