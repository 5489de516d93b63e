// Package discovery finds candidate nodes through DNS seeds and peer exchange, and
// normalises what it finds before it reaches the registry.
package discovery

import (
	"fmt"
	"net/netip"

	"nodepool/pkg/models"

	mapset "github.com/deckarep/golang-set/v2"
)

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Filter accepts public IP endpoints on allow-listed ports and rewrites the P2P port
// to the RPC port.
type Filter struct {
	allowed mapset.Set[int]
	p2pPort int
	rpcPort int
}

// NewFilter builds a filter for network. An empty allowedPorts allows the network's
// RPC and P2P ports.
func NewFilter(network models.Network, allowedPorts []int) *Filter {
	if len(allowedPorts) == 0 {
		allowedPorts = []int{network.RPCPort, network.P2PPort}
	}
	return &Filter{
		allowed: mapset.NewThreadUnsafeSet(allowedPorts...),
		p2pPort: network.P2PPort,
		rpcPort: network.RPCPort,
	}
}

// Normalize parses and validates address ("host:port").
func (f *Filter) Normalize(address string) (models.Endpoint, error) {
	endpoint, err := models.ParseEndpoint(address)
	if err != nil {
		return models.Endpoint{}, err
	}
	return f.NormalizeEndpoint(endpoint)
}

// NormalizeEndpoint validates endpoint and maps a P2P port to the RPC port.
func (f *Filter) NormalizeEndpoint(endpoint models.Endpoint) (models.Endpoint, error) {
	addr, ok := endpoint.Addr()
	if !ok {
		return models.Endpoint{}, fmt.Errorf("%w: %s", ErrNotIP, endpoint.Host)
	}
	if !IsPublic(addr) {
		return models.Endpoint{}, fmt.Errorf("%w: %s", ErrNonPublicAddress, addr)
	}
	if !f.allowed.Contains(endpoint.Port) {
		return models.Endpoint{}, fmt.Errorf("%w: %d", ErrPortNotAllowed, endpoint.Port)
	}

	port := endpoint.Port
	if port == f.p2pPort {
		port = f.rpcPort
	}
	return models.NewEndpoint(addr.String(), port), nil
}

// IsPublic reports whether addr is globally routable unicast.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast():
		return false
	case addr.Is4() && cgnat.Contains(addr):
		return false
	case addr.Is4() && addr.As4()[0] == 0:
		return false
	}
	return true
}
