// Package config loads engine settings from an optional file plus NODEPOOL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nodepool/pkg/models"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/go-playground/validator.v9"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

const envPrefix = "NODEPOOL"

// Config is the root of all settings.
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Profiler  ProfilerConfig  `mapstructure:"profiler"`
	Prescreen PrescreenConfig `mapstructure:"prescreen"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Geo       GeoConfig       `mapstructure:"geo"`
	Router    RouterConfig    `mapstructure:"router"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// NetworkConfig selects the chain network. Zero ports and empty seed lists fall back
// to the built-in network parameters.
type NetworkConfig struct {
	Name          string   `mapstructure:"name" validate:"required"`
	DNSSeeds      []string `mapstructure:"dns_seeds"`
	SeedEndpoints []string `mapstructure:"seed_endpoints"`
	RPCPort       int      `mapstructure:"rpc_port" validate:"min=0,max=65535"`
	P2PPort       int      `mapstructure:"p2p_port" validate:"min=0,max=65535"`
	AllowedPorts  []int    `mapstructure:"allowed_ports" validate:"dive,min=1,max=65535"`
}

// PoolConfig sizes the active working set and the connection pool.
type PoolConfig struct {
	MinActive           int           `mapstructure:"min_active" validate:"min=1"`
	MaxActive           int           `mapstructure:"max_active" validate:"gtefield=MinActive"`
	MaxReplacements     int           `mapstructure:"max_replacements" validate:"min=0"`
	MinImprovementRatio float64       `mapstructure:"min_improvement_ratio" validate:"gte=0,lt=1"`
	MaxConnections      int           `mapstructure:"max_connections" validate:"min=1"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	PruneInterval       time.Duration `mapstructure:"prune_interval"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
}

// RegistryConfig controls validation policy, pruning and persistence cadence.
type RegistryConfig struct {
	PersistInterval  time.Duration `mapstructure:"persist_interval"`
	PruneIdleWindow  time.Duration `mapstructure:"prune_idle_window"`
	ProfileTTL       time.Duration `mapstructure:"profile_ttl"`
	MinServerVersion string        `mapstructure:"min_server_version"`
	RequireUtxoIndex bool          `mapstructure:"require_utxo_index"`
}

// StateIntervals is a probe interval per node state.
type StateIntervals struct {
	Candidate   time.Duration `mapstructure:"candidate"`
	Profiled    time.Duration `mapstructure:"profiled"`
	Verified    time.Duration `mapstructure:"verified"`
	Active      time.Duration `mapstructure:"active"`
	Suspect     time.Duration `mapstructure:"suspect"`
	Quarantined time.Duration `mapstructure:"quarantined"`
}

// For returns the interval for state.
func (s StateIntervals) For(state models.NodeState) time.Duration {
	switch state {
	case models.StateCandidate:
		return s.Candidate
	case models.StateProfiled:
		return s.Profiled
	case models.StateVerified:
		return s.Verified
	case models.StateActive:
		return s.Active
	case models.StateSuspect:
		return s.Suspect
	default:
		return s.Quarantined
	}
}

// PoolIntervals is a loop cadence per pool health.
type PoolIntervals struct {
	Healthy  time.Duration `mapstructure:"healthy"`
	Degraded time.Duration `mapstructure:"degraded"`
	Critical time.Duration `mapstructure:"critical"`
	Failed   time.Duration `mapstructure:"failed"`
}

// For returns the cadence for health.
func (p PoolIntervals) For(health models.PoolHealth) time.Duration {
	switch health {
	case models.PoolHealthy:
		return p.Healthy
	case models.PoolDegraded:
		return p.Degraded
	case models.PoolCritical:
		return p.Critical
	default:
		return p.Failed
	}
}

// QualityInts is an integer setting per network-quality tier. Unknown quality uses Fair.
type QualityInts struct {
	Poor      int `mapstructure:"poor"`
	Fair      int `mapstructure:"fair"`
	Good      int `mapstructure:"good"`
	Excellent int `mapstructure:"excellent"`
}

// For returns the value for quality.
func (q QualityInts) For(quality models.NetworkQuality) int {
	switch quality {
	case models.QualityPoor:
		return q.Poor
	case models.QualityGood:
		return q.Good
	case models.QualityExcellent:
		return q.Excellent
	default:
		return q.Fair
	}
}

// ProfilerConfig drives probing cadence and prioritisation.
type ProfilerConfig struct {
	Aggressive           StateIntervals `mapstructure:"aggressive"`
	Conservative         StateIntervals `mapstructure:"conservative"`
	CycleInterval        PoolIntervals  `mapstructure:"cycle_interval"`
	BatchSize            int            `mapstructure:"batch_size" validate:"min=1"`
	ExplorationRatio     float64        `mapstructure:"exploration_ratio" validate:"gte=0,lte=0.5"`
	Concurrency          QualityInts    `mapstructure:"concurrency"`
	LowLatencyMs         QualityInts    `mapstructure:"low_latency_ms"`
	FastNodesTarget      int            `mapstructure:"fast_nodes_target" validate:"min=1"`
	ProbeTimeout         time.Duration  `mapstructure:"probe_timeout"`
	HardPauseErrorWindow time.Duration  `mapstructure:"hard_pause_error_window"`
	HardPauseCacheTTL    time.Duration  `mapstructure:"hard_pause_cache_ttl"`
	BetterNodeRatio      float64        `mapstructure:"better_node_ratio" validate:"gt=1"`
	BetterNodeCycles     int            `mapstructure:"better_node_cycles" validate:"min=1"`
}

// PrescreenConfig drives the two-stage TCP sweep.
type PrescreenConfig struct {
	StageATimeout time.Duration `mapstructure:"stage_a_timeout"`
	StageBTimeout time.Duration `mapstructure:"stage_b_timeout"`
	Parallelism   QualityInts   `mapstructure:"parallelism"`
	StageBMax     int           `mapstructure:"stage_b_max" validate:"min=0"`
	StageBRetries int           `mapstructure:"stage_b_retries" validate:"min=0,max=5"`
	TTL           time.Duration `mapstructure:"ttl"`
	Gate          string        `mapstructure:"gate" validate:"oneof=soft hard"`
}

// DiscoveryConfig controls DNS and peer-exchange discovery.
type DiscoveryConfig struct {
	Interval           PoolIntervals `mapstructure:"interval"`
	InsertionsPerHour  int           `mapstructure:"insertions_per_hour" validate:"min=1"`
	PeerExchangeFanout int           `mapstructure:"peer_exchange_fanout" validate:"min=0"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// GeoConfig controls IP geolocation enrichment.
type GeoConfig struct {
	OfflineDBPath           string   `mapstructure:"offline_db_path"`
	OnlineURL               string   `mapstructure:"online_url"`
	OnlineRequestsPerMinute float64  `mapstructure:"online_requests_per_minute" validate:"gte=0"`
	DeviceLatitude          *float64 `mapstructure:"device_latitude"`
	DeviceLongitude         *float64 `mapstructure:"device_longitude"`
}

// RouterConfig controls request execution.
type RouterConfig struct {
	FailoverAttempts int           `mapstructure:"failover_attempts" validate:"min=1"`
	HedgeFanout      int           `mapstructure:"hedge_fanout" validate:"min=1"`
	HedgeStaggerMs   QualityInts   `mapstructure:"hedge_stagger_ms"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PenaltyTTL       time.Duration `mapstructure:"penalty_ttl"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite leveldb memory"`
	Path   string `mapstructure:"path"`
}

// ServerConfig configures the diagnostics API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	File  string `mapstructure:"file"`
}

// ResolveNetwork merges the configured overrides onto the built-in network parameters.
func (c Config) ResolveNetwork() (models.Network, error) {
	network, err := models.LookupNetwork(c.Network.Name)
	if err != nil {
		return models.Network{}, err
	}
	if len(c.Network.DNSSeeds) > 0 {
		network.DNSSeeds = append([]string(nil), c.Network.DNSSeeds...)
	}
	if c.Network.RPCPort > 0 {
		network.RPCPort = c.Network.RPCPort
	}
	if c.Network.P2PPort > 0 {
		network.P2PPort = c.Network.P2PPort
	}
	return network, nil
}

// AllowedPorts returns the configured discovery port allow-list, defaulting to the
// network's RPC and P2P ports.
func (c Config) AllowedPorts(network models.Network) []int {
	if len(c.Network.AllowedPorts) > 0 {
		return append([]int(nil), c.Network.AllowedPorts...)
	}
	return []int{network.RPCPort, network.P2PPort}
}

// Validate checks struct constraints.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := c.ResolveNetwork(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path (optional) and the environment on top of Default.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := registerDefaults(v, Default()); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// registerDefaults teaches viper every key so AutomaticEnv can override any of them.
func registerDefaults(v *viper.Viper, cfg Config) error {
	var tree map[string]interface{}
	if err := mapstructure.Decode(cfg, &tree); err != nil {
		return fmt.Errorf("flatten defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, fullKey, nested)
			continue
		}
		v.SetDefault(fullKey, value)
	}
}
