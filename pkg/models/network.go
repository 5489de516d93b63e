package models

import (
	"fmt"
	"strings"
)

// NetworkQuality is the coarse tier supplied by the external epoch monitor.
type NetworkQuality int

const (
	QualityUnknown NetworkQuality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

var qualityNames = map[NetworkQuality]string{
	QualityUnknown:   "unknown",
	QualityPoor:      "poor",
	QualityFair:      "fair",
	QualityGood:      "good",
	QualityExcellent: "excellent",
}

func (q NetworkQuality) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return "unknown"
}

// ParseNetworkQuality maps a tier name to its value; unknown names map to QualityUnknown.
func ParseNetworkQuality(name string) NetworkQuality {
	name = strings.ToLower(strings.TrimSpace(name))
	for quality, qualityName := range qualityNames {
		if qualityName == name {
			return quality
		}
	}
	return QualityUnknown
}

// MarshalText encodes the tier by name.
func (q NetworkQuality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText decodes a tier name.
func (q *NetworkQuality) UnmarshalText(text []byte) error {
	*q = ParseNetworkQuality(string(text))
	return nil
}

// NetworkSnapshot is one reading of the epoch monitor.
type NetworkSnapshot struct {
	EpochID uint64         `json:"epoch_id"`
	Quality NetworkQuality `json:"quality"`
}

// Network carries the protocol constants of one chain network.
type Network struct {
	Name      string   `json:"name"`
	NetworkID string   `json:"network_id"`
	RPCPort   int      `json:"rpc_port"`
	P2PPort   int      `json:"p2p_port"`
	DNSSeeds  []string `json:"dns_seeds"`
}

// P2PToRPCOffset is the port distance from the P2P listener to the RPC listener.
func (n Network) P2PToRPCOffset() int {
	return n.RPCPort - n.P2PPort
}

var (
	// Mainnet parameters.
	Mainnet = Network{
		Name:      "mainnet",
		NetworkID: "kaspa-mainnet",
		RPCPort:   16110,
		P2PPort:   16111,
		DNSSeeds: []string{
			"seeder1.kaspad.net",
			"seeder2.kaspad.net",
			"seeder3.kaspad.net",
			"seeder4.kaspad.net",
			"kaspadns.kaspacalc.net",
			"n-mainnet.kaspa.ws",
		},
	}

	// Testnet10 parameters.
	Testnet10 = Network{
		Name:      "testnet-10",
		NetworkID: "kaspa-testnet-10",
		RPCPort:   16210,
		P2PPort:   16211,
		DNSSeeds: []string{
			"seeder1-testnet.kaspad.net",
			"n-testnet-10.kaspa.ws",
		},
	}
)

// LookupNetwork returns the built-in parameters for name.
func LookupNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Mainnet.Name:
		return Mainnet, nil
	case Testnet10.Name, "testnet":
		return Testnet10, nil
	}
	return Network{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
}
