package discovery

import "errors"

var (
	// ErrPortNotAllowed rejects addresses outside the port allow-list.
	ErrPortNotAllowed = errors.New("port not allowed")

	// ErrNonPublicAddress rejects private, loopback, link-local, CGNAT and similar ranges.
	ErrNonPublicAddress = errors.New("non-public address")

	// ErrNotIP rejects hostnames; discovery only accepts literal addresses.
	ErrNotIP = errors.New("not an IP address")

	// ErrNoSeeds is returned when every DNS seed failed to resolve.
	ErrNoSeeds = errors.New("no DNS seed resolved")
)

// Reason maps a filter error to a short metrics label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrPortNotAllowed):
		return "port"
	case errors.Is(err, ErrNonPublicAddress):
		return "non_public"
	case errors.Is(err, ErrNotIP):
		return "not_ip"
	default:
		return "invalid"
	}
}
