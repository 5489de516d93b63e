package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout      = 10 * time.Second
	maxParallelLookups  = 8
	maxPeersPerResponse = 1000
)

// Resolver looks up every address record of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// PeerSource asks a node for the peer addresses it knows.
type PeerSource interface {
	PeerAddresses(ctx context.Context, endpoint models.Endpoint) ([]string, error)
}

// Discoverer runs DNS-seed and peer-exchange discovery into an Inserter.
type Discoverer struct {
	network  models.Network
	filter   *Filter
	resolver Resolver
	peers    PeerSource
	inserter *Inserter
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// Config groups Discoverer collaborators.
type Config struct {
	Network  models.Network
	Filter   *Filter
	Resolver Resolver
	Peers    PeerSource
	Inserter *Inserter
	Metrics  *metrics.Metrics
	Timeout  time.Duration
}

// New creates a Discoverer. A nil Resolver uses net.DefaultResolver.
func New(cfg Config) *Discoverer {
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Filter == nil {
		cfg.Filter = NewFilter(cfg.Network, nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Discoverer{
		network:  cfg.Network,
		filter:   cfg.Filter,
		resolver: cfg.Resolver,
		peers:    cfg.Peers,
		inserter: cfg.Inserter,
		metrics:  cfg.Metrics,
		timeout:  cfg.Timeout,
	}
}

// Filter returns the address filter.
func (d *Discoverer) Filter() *Filter {
	return d.filter
}

// ResolveSeeds resolves every DNS seed to all of its address records and returns the
// normalised, de-duplicated endpoints. It fails only when no seed resolved.
func (d *Discoverer) ResolveSeeds(ctx context.Context) ([]models.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		found    = mapset.NewThreadUnsafeSet[models.Endpoint]()
		failures error
		resolved int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)
	for _, seed := range d.network.DNSSeeds {
		g.Go(func() error {
			addrs, err := d.resolver.LookupIPAddr(gctx, seed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = multierr.Append(failures, fmt.Errorf("%s: %w", seed, err))
				log.Debug().Str("seed", seed).Err(err).Msg("DNS seed lookup failed")
				return nil
			}
			resolved++
			for _, ipAddr := range addrs {
				endpoint, ok := d.normalizeIP(ipAddr.IP)
				if ok {
					found.Add(endpoint)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if resolved == 0 && len(d.network.DNSSeeds) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoSeeds, failures)
	}
	return sortedEndpoints(found), nil
}

func (d *Discoverer) normalizeIP(ip net.IP) (models.Endpoint, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		d.metrics.DiscoveryDropped("invalid")
		return models.Endpoint{}, false
	}
	endpoint, err := d.filter.NormalizeEndpoint(models.NewEndpoint(addr.Unmap().String(), d.network.P2PPort))
	if err != nil {
		d.metrics.DiscoveryDropped(Reason(err))
		return models.Endpoint{}, false
	}
	return endpoint, true
}

// DiscoverDNS resolves the seeds and inserts what it finds.
func (d *Discoverer) DiscoverDNS(ctx context.Context) (int, error) {
	endpoints, err := d.ResolveSeeds(ctx)
	if err != nil {
		return 0, err
	}
	inserted := 0
	if d.inserter != nil {
		inserted = d.inserter.Insert(endpoints, "dns")
	}
	log.Info().
		Int("resolved", len(endpoints)).
		Int("inserted", inserted).
		Msg("DNS discovery finished")
	return inserted, nil
}

// ExchangePeers asks each node in from for its peers, at most fanout at a time, and
// returns the normalised union. Failing nodes are skipped.
func (d *Discoverer) ExchangePeers(ctx context.Context, from []models.Endpoint, fanout int) []models.Endpoint {
	if d.peers == nil || len(from) == 0 {
		return nil
	}
	if fanout <= 0 {
		fanout = 1
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var mu sync.Mutex
	found := mapset.NewThreadUnsafeSet[models.Endpoint]()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for _, endpoint := range from {
		g.Go(func() error {
			addresses, err := d.peers.PeerAddresses(gctx, endpoint)
			if err != nil {
				log.Debug().Str("endpoint", endpoint.Key()).Err(err).Msg("Peer exchange failed")
				return nil
			}
			if len(addresses) > maxPeersPerResponse {
				addresses = addresses[:maxPeersPerResponse]
			}
			for _, address := range addresses {
				normalized, err := d.filter.Normalize(address)
				if err != nil {
					d.metrics.DiscoveryDropped(Reason(err))
					continue
				}
				mu.Lock()
				found.Add(normalized)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return sortedEndpoints(found)
}

// DiscoverPeers runs ExchangePeers and inserts the result.
func (d *Discoverer) DiscoverPeers(ctx context.Context, from []models.Endpoint, fanout int) int {
	endpoints := d.ExchangePeers(ctx, from, fanout)
	if d.inserter == nil || len(endpoints) == 0 {
		return 0
	}
	return d.inserter.Insert(endpoints, "peers")
}

func sortedEndpoints(set mapset.Set[models.Endpoint]) []models.Endpoint {
	endpoints := set.ToSlice()
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Key() < endpoints[j].Key()
	})
	return endpoints
}
