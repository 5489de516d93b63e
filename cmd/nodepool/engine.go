package main

import (
	"fmt"
	"io"

	"nodepool/pkg/config"
	"nodepool/pkg/connection"
	"nodepool/pkg/discovery"
	"nodepool/pkg/geo"
	"nodepool/pkg/log"
	"nodepool/pkg/metrics"
	"nodepool/pkg/models"
	"nodepool/pkg/netmon"
	"nodepool/pkg/prescreen"
	"nodepool/pkg/profiler"
	"nodepool/pkg/registry"
	"nodepool/pkg/router"
	"nodepool/pkg/rpc/envelope"
	"nodepool/pkg/store"
	"nodepool/pkg/store/leveldb"
	"nodepool/pkg/store/sqlite"
)

// engine is the composition root: every long-lived object is built here once and passed down.
type engine struct {
	cfg        config.Config
	network    models.Network
	store      store.RecordStore
	registry   *registry.Registry
	monitor    *netmon.Manual
	metrics    *metrics.Metrics
	screener   *prescreen.Screener
	discoverer *discovery.Discoverer
	profiler   *profiler.Profiler
	router     *router.Router
}

func newEngine(cfg config.Config, dialer connection.Dialer) (*engine, error) {
	network, err := cfg.ResolveNetwork()
	if err != nil {
		return nil, err
	}

	policy, err := registry.NewPolicy(
		network.NetworkID,
		cfg.Registry.RequireUtxoIndex,
		cfg.Registry.MinServerVersion,
		cfg.Registry.ProfileTTL,
	)
	if err != nil {
		return nil, err
	}

	geoResolver, err := openGeo(cfg.Geo)
	if err != nil {
		return nil, err
	}

	recordStore, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	reg := registry.New(policy, registry.WithStore(recordStore))
	monitor := netmon.NewManual(models.QualityFair)
	screener := prescreen.New(cfg.Prescreen, reg, prescreen.WithMetrics(m))

	r := router.New(router.Deps{
		Config:   cfg,
		Registry: reg,
		Dialer:   dialer,
		Codec:    envelope.NewCodec(),
		Monitor:  monitor,
		Screener: screener,
		Metrics:  m,
		Closers:  []io.Closer{recordStore},
	})

	disc := discovery.New(discovery.Config{
		Network:  network,
		Filter:   discovery.NewFilter(network, cfg.AllowedPorts(network)),
		Peers:    r.Prober(),
		Inserter: discovery.NewInserter(reg, cfg.Discovery.InsertionsPerHour, m),
		Metrics:  m,
		Timeout:  cfg.Discovery.Timeout,
	})
	r.SetDiscoverer(disc)

	prof := profiler.New(profiler.ConfigFrom(cfg), reg, r.Prober(), monitor,
		profiler.WithDiscoverer(disc),
		profiler.WithScreener(screener),
		profiler.WithGeo(geoResolver),
		profiler.WithMetrics(m),
		profiler.WithPrimary(r.Primary),
		profiler.WithBetterNodeHandler(r.OnBetterNode),
	)
	r.SetProfiler(prof)

	log.Info().
		Str("network", network.Name).
		Str("storage", cfg.Storage.Driver).
		Bool("geo", geoResolver.Enabled()).
		Str("gate", screener.Gate().String()).
		Msg("Engine assembled")

	return &engine{
		cfg:        cfg,
		network:    network,
		store:      recordStore,
		registry:   reg,
		monitor:    monitor,
		metrics:    m,
		screener:   screener,
		discoverer: disc,
		profiler:   prof,
		router:     r,
	}, nil
}

func openStore(cfg config.StorageConfig) (store.RecordStore, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.New(cfg.Path)
	case "leveldb":
		return leveldb.New(cfg.Path)
	case "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Driver)
}

// openGeo returns nil when neither an offline database nor an online service is configured.
func openGeo(cfg config.GeoConfig) (*geo.Resolver, error) {
	var (
		offline *geo.Database
		online  *geo.Online
		device  *geo.Point
		err     error
	)
	if cfg.OfflineDBPath != "" {
		offline, err = geo.LoadDatabase(cfg.OfflineDBPath)
		if err != nil {
			return nil, err
		}
		log.Info().Int("blocks", offline.Len()).Str("path", cfg.OfflineDBPath).Msg("Offline geo database loaded")
	}
	if cfg.OnlineURL != "" {
		online, err = geo.NewOnline(cfg.OnlineURL, cfg.OnlineRequestsPerMinute)
		if err != nil {
			return nil, err
		}
	}
	if offline == nil && online == nil {
		return nil, nil
	}
	if cfg.DeviceLatitude != nil && cfg.DeviceLongitude != nil {
		device = &geo.Point{Latitude: *cfg.DeviceLatitude, Longitude: *cfg.DeviceLongitude}
	}
	return geo.NewResolver(offline, online, device), nil
}
