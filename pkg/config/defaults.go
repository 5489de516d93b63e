package config

import "time"

// Default returns the tuned defaults for a mobile client on mainnet.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			Name: "mainnet",
		},
		Pool: PoolConfig{
			MinActive:           3,
			MaxActive:           8,
			MaxReplacements:     2,
			MinImprovementRatio: 0.2,
			MaxConnections:      12,
			IdleTimeout:         2 * time.Minute,
			PruneInterval:       30 * time.Second,
			ConnectTimeout:      3 * time.Second,
		},
		Registry: RegistryConfig{
			PersistInterval:  time.Minute,
			PruneIdleWindow:  7 * 24 * time.Hour,
			ProfileTTL:       30 * time.Minute,
			MinServerVersion: "0.14.0",
			RequireUtxoIndex: true,
		},
		Profiler: ProfilerConfig{
			Aggressive: StateIntervals{
				Candidate:   15 * time.Second,
				Profiled:    30 * time.Second,
				Verified:    time.Minute,
				Active:      30 * time.Second,
				Suspect:     20 * time.Second,
				Quarantined: time.Minute,
			},
			Conservative: StateIntervals{
				Candidate:   150 * time.Second,
				Profiled:    5 * time.Minute,
				Verified:    10 * time.Minute,
				Active:      5 * time.Minute,
				Suspect:     200 * time.Second,
				Quarantined: 10 * time.Minute,
			},
			CycleInterval: PoolIntervals{
				Healthy:  30 * time.Second,
				Degraded: 10 * time.Second,
				Critical: 5 * time.Second,
				Failed:   2 * time.Second,
			},
			BatchSize:        20,
			ExplorationRatio: 0.15,
			Concurrency:      QualityInts{Poor: 10, Fair: 15, Good: 20, Excellent: 30},
			LowLatencyMs:     QualityInts{Poor: 600, Fair: 400, Good: 250, Excellent: 150},
			FastNodesTarget:  5,
			ProbeTimeout:     5 * time.Second,

			HardPauseErrorWindow: 5 * time.Minute,
			HardPauseCacheTTL:    10 * time.Second,
			BetterNodeRatio:      1.7,
			BetterNodeCycles:     2,
		},
		Prescreen: PrescreenConfig{
			StageATimeout: 800 * time.Millisecond,
			StageBTimeout: 3 * time.Second,
			Parallelism:   QualityInts{Poor: 16, Fair: 32, Good: 48, Excellent: 64},
			StageBMax:     24,
			StageBRetries: 2,
			TTL:           15 * time.Minute,
			Gate:          "soft",
		},
		Discovery: DiscoveryConfig{
			Interval: PoolIntervals{
				Healthy:  30 * time.Minute,
				Degraded: 5 * time.Minute,
				Critical: 2 * time.Minute,
				Failed:   time.Minute,
			},
			InsertionsPerHour:  200,
			PeerExchangeFanout: 3,
			Timeout:            10 * time.Second,
		},
		Geo: GeoConfig{
			OnlineRequestsPerMinute: 30,
		},
		Router: RouterConfig{
			FailoverAttempts: 3,
			HedgeFanout:      2,
			HedgeStaggerMs:   QualityInts{Poor: 0, Fair: 150, Good: 300, Excellent: 500},
			RequestTimeout:   10 * time.Second,
			PenaltyTTL:       30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "nodepool.db",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
