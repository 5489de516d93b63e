package geo

import "errors"

var (
	// ErrInvalidDatabase is returned for an unreadable offline database.
	ErrInvalidDatabase = errors.New("invalid geo database")

	// ErrNotFound is returned when no source knows the address.
	ErrNotFound = errors.New("location not found")

	// ErrRateLimited is returned when the online lookup budget is spent.
	ErrRateLimited = errors.New("online geo lookup rate limited")

	// ErrLookupFailed wraps online lookup failures.
	ErrLookupFailed = errors.New("online geo lookup failed")
)
