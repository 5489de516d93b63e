package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"nodepool/pkg/models"

	"github.com/stretchr/testify/suite"
)

type fakeResolver struct {
	answers map[string][]string
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f.answers[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return addrs, nil
}

type fakePeers struct {
	peers map[string][]string
}

func (f *fakePeers) PeerAddresses(_ context.Context, endpoint models.Endpoint) ([]string, error) {
	addresses, ok := f.peers[endpoint.Key()]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return addresses, nil
}

type memorySink struct {
	mu    sync.Mutex
	known map[models.Endpoint]models.NodeOrigin
}

func newMemorySink() *memorySink {
	return &memorySink{known: make(map[models.Endpoint]models.NodeOrigin)}
}

func (m *memorySink) Has(endpoint models.Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[endpoint]
	return ok
}

func (m *memorySink) Upsert(endpoint models.Endpoint, origin models.NodeOrigin) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[endpoint]; ok {
		return false
	}
	m.known[endpoint] = origin
	return true
}

type DiscoveryTestSuite struct {
	suite.Suite
	filter *Filter
}

func (s *DiscoveryTestSuite) SetupTest() {
	s.filter = NewFilter(models.Mainnet, nil)
}

func (s *DiscoveryTestSuite) TestPrivateAddressRejected() {
	_, err := s.filter.Normalize("10.0.0.5:16111")
	s.Require().ErrorIs(err, ErrNonPublicAddress)
}

func (s *DiscoveryTestSuite) TestP2PPortMappedToRPC() {
	endpoint, err := s.filter.Normalize("1.2.3.4:16111")
	s.Require().NoError(err)
	s.Equal(models.NewEndpoint("1.2.3.4", 16110), endpoint)

	endpoint, err = s.filter.Normalize("1.2.3.4:16110")
	s.Require().NoError(err)
	s.Equal(16110, endpoint.Port)
}

func (s *DiscoveryTestSuite) TestNonPublicRanges() {
	for _, address := range []string{
		"127.0.0.1:16110",
		"100.64.1.1:16110",
		"169.254.3.4:16110",
		"192.168.1.1:16110",
		"172.16.0.9:16110",
		"0.1.2.3:16110",
		"[::1]:16110",
		"[fd00::1]:16110",
		"[fe80::1]:16110",
		"224.0.0.1:16110",
	} {
		_, err := s.filter.Normalize(address)
		s.ErrorIs(err, ErrNonPublicAddress, address)
	}
}

func (s *DiscoveryTestSuite) TestPortAllowList() {
	_, err := s.filter.Normalize("1.2.3.4:8080")
	s.Require().ErrorIs(err, ErrPortNotAllowed)
	s.Equal("port", Reason(err))

	custom := NewFilter(models.Mainnet, []int{16110})
	_, err = custom.Normalize("1.2.3.4:16111")
	s.ErrorIs(err, ErrPortNotAllowed)
}

func (s *DiscoveryTestSuite) TestHostnameRejected() {
	_, err := s.filter.Normalize("node.example.com:16110")
	s.Require().ErrorIs(err, ErrNotIP)
	s.Equal("not_ip", Reason(err))

	_, err = s.filter.Normalize("garbage")
	s.Equal("invalid", Reason(err))
}

func (s *DiscoveryTestSuite) TestIPv6Public() {
	endpoint, err := s.filter.Normalize("[2001:4860::8888]:16111")
	s.Require().NoError(err)
	s.Equal("[2001:4860::8888]:16110", endpoint.Key())
}

func (s *DiscoveryTestSuite) TestIsPublicMappedIPv4() {
	s.False(IsPublic(netip.MustParseAddr("::ffff:10.0.0.1")))
	s.True(IsPublic(netip.MustParseAddr("::ffff:8.8.8.8")))
}

func (s *DiscoveryTestSuite) TestInserterTokenBucket() {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sink := newMemorySink()
	inserter := NewInserter(sink, 2, nil)
	inserter.clock = func() time.Time { return now }

	batch := []models.Endpoint{
		models.NewEndpoint("1.1.1.1", 16110),
		models.NewEndpoint("1.1.1.2", 16110),
		models.NewEndpoint("1.1.1.3", 16110),
	}
	s.Equal(2, inserter.Insert(batch, "dns"))
	s.InDelta(0, inserter.Tokens(), 0.001)

	// Known endpoints never spend tokens.
	s.Equal(0, inserter.Insert(batch[:2], "dns"))

	now = now.Add(time.Hour)
	s.InDelta(2, inserter.Tokens(), 0.001)
	s.Equal(1, inserter.Insert(batch, "peers"))
	s.Equal(models.OriginDiscovered, sink.known[batch[2]])
}

func (s *DiscoveryTestSuite) TestResolveSeeds() {
	network := models.Mainnet
	network.DNSSeeds = []string{"seed-a", "seed-b", "seed-dead"}
	resolver := &fakeResolver{answers: map[string][]string{
		"seed-a": {"1.2.3.4", "10.0.0.1", "5.6.7.8"},
		"seed-b": {"5.6.7.8", "2001:4860::1"},
	}}
	d := New(Config{Network: network, Resolver: resolver})

	endpoints, err := d.ResolveSeeds(context.Background())
	s.Require().NoError(err)

	keys := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		keys = append(keys, endpoint.Key())
	}
	s.Equal([]string{"1.2.3.4:16110", "5.6.7.8:16110", "[2001:4860::1]:16110"}, keys)
}

func (s *DiscoveryTestSuite) TestResolveSeedsAllFail() {
	network := models.Mainnet
	network.DNSSeeds = []string{"seed-a", "seed-b"}
	d := New(Config{Network: network, Resolver: &fakeResolver{}})

	_, err := d.ResolveSeeds(context.Background())
	s.Require().ErrorIs(err, ErrNoSeeds)
}

func (s *DiscoveryTestSuite) TestDiscoverDNSInserts() {
	network := models.Mainnet
	network.DNSSeeds = []string{"seed-a"}
	sink := newMemorySink()
	d := New(Config{
		Network:  network,
		Resolver: &fakeResolver{answers: map[string][]string{"seed-a": {"1.2.3.4", "5.6.7.8"}}},
		Inserter: NewInserter(sink, 100, nil),
	})

	inserted, err := d.DiscoverDNS(context.Background())
	s.Require().NoError(err)
	s.Equal(2, inserted)
	s.True(sink.Has(models.NewEndpoint("5.6.7.8", 16110)))
}

func (s *DiscoveryTestSuite) TestPeerExchange() {
	peers := &fakePeers{peers: map[string][]string{
		"1.1.1.1:16110": {"2.2.2.2:16111", "10.1.1.1:16111", "3.3.3.3:9999"},
		"4.4.4.4:16110": {"2.2.2.2:16110", "5.5.5.5:16111"},
	}}
	sink := newMemorySink()
	d := New(Config{
		Network:  models.Mainnet,
		Peers:    peers,
		Inserter: NewInserter(sink, 100, nil),
	})

	from := []models.Endpoint{
		models.NewEndpoint("1.1.1.1", 16110),
		models.NewEndpoint("4.4.4.4", 16110),
		models.NewEndpoint("9.9.9.9", 16110),
	}
	endpoints := d.ExchangePeers(context.Background(), from, 2)
	s.Equal([]models.Endpoint{
		models.NewEndpoint("2.2.2.2", 16110),
		models.NewEndpoint("5.5.5.5", 16110),
	}, endpoints)

	s.Equal(2, d.DiscoverPeers(context.Background(), from, 3))
	s.Equal(0, d.DiscoverPeers(context.Background(), from, 3))
}

func TestDiscoveryTestSuite(t *testing.T) {
	suite.Run(t, new(DiscoveryTestSuite))
}
