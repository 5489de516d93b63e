package models

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

const maxPort = 65535

// Endpoint identifies a remote RPC-capable node. It is immutable and keyed by "host:port".
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewEndpoint builds an endpoint, normalising the host to lower case.
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: strings.ToLower(strings.TrimSpace(host)), Port: port}
}

// ParseEndpoint parses "host:port" (IPv6 hosts in brackets).
func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host in %q", ErrInvalidEndpoint, address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > maxPort {
		return Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, address)
	}
	return NewEndpoint(host, port), nil
}

// Key returns the canonical identity string.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Key()
}

// Addr returns the host as an IP address when it is a literal.
func (e Endpoint) Addr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(e.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Prefix24 returns the IPv4 /24 network of the host, or "" for hostnames and IPv6.
func (e Endpoint) Prefix24() string {
	addr, ok := e.Addr()
	if !ok || !addr.Is4() {
		return ""
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return ""
	}
	return prefix.String()
}
