package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"nodepool/pkg/models"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	tempDir string
}

func (s *ConfigTestSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
}

func (s *ConfigTestSuite) TestDefaultIsValid() {
	s.Require().NoError(Default().Validate())
}

func (s *ConfigTestSuite) TestLoadWithoutFile() {
	cfg, err := Load("")
	s.Require().NoError(err)
	defaults := Default()
	s.Equal(defaults.Pool, cfg.Pool)
	s.Equal(defaults.Profiler.Aggressive, cfg.Profiler.Aggressive)
	s.Equal(defaults.Router, cfg.Router)
	s.Equal(defaults.Storage, cfg.Storage)
	s.Empty(cfg.Network.DNSSeeds)
}

func (s *ConfigTestSuite) TestLoadFileOverrides() {
	path := filepath.Join(s.tempDir, "nodepool.yaml")
	content := []byte(`
network:
  name: testnet-10
pool:
  min_active: 2
  max_active: 4
router:
  request_timeout: 4s
prescreen:
  gate: hard
`)
	s.Require().NoError(os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	s.Require().NoError(err)
	s.Equal("testnet-10", cfg.Network.Name)
	s.Equal(2, cfg.Pool.MinActive)
	s.Equal(4, cfg.Pool.MaxActive)
	s.Equal(4*time.Second, cfg.Router.RequestTimeout)
	s.Equal("hard", cfg.Prescreen.Gate)
	// Untouched keys keep their defaults.
	s.Equal(Default().Pool.MaxReplacements, cfg.Pool.MaxReplacements)
}

func (s *ConfigTestSuite) TestEnvOverrides() {
	s.T().Setenv("NODEPOOL_POOL_MAX_ACTIVE", "10")
	s.T().Setenv("NODEPOOL_STORAGE_DRIVER", "leveldb")

	cfg, err := Load("")
	s.Require().NoError(err)
	s.Equal(10, cfg.Pool.MaxActive)
	s.Equal("leveldb", cfg.Storage.Driver)
}

func (s *ConfigTestSuite) TestValidateRejectsBadValues() {
	cfg := Default()
	cfg.Pool.MaxActive = cfg.Pool.MinActive - 1
	s.ErrorIs(cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Prescreen.Gate = "maybe"
	s.ErrorIs(cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Network.Name = "simnet"
	s.ErrorIs(cfg.Validate(), ErrInvalidConfig)
}

func (s *ConfigTestSuite) TestResolveNetwork() {
	cfg := Default()
	cfg.Network.RPCPort = 17110
	cfg.Network.DNSSeeds = []string{"seed.example.org"}

	network, err := cfg.ResolveNetwork()
	s.Require().NoError(err)
	s.Equal(17110, network.RPCPort)
	s.Equal(models.Mainnet.P2PPort, network.P2PPort)
	s.Equal([]string{"seed.example.org"}, network.DNSSeeds)
	s.Equal([]int{17110, models.Mainnet.P2PPort}, cfg.AllowedPorts(network))
}

func (s *ConfigTestSuite) TestPerTierLookups() {
	cfg := Default()
	s.Equal(cfg.Profiler.Concurrency.Fair, cfg.Profiler.Concurrency.For(models.QualityUnknown))
	s.Equal(cfg.Profiler.Concurrency.Excellent, cfg.Profiler.Concurrency.For(models.QualityExcellent))
	s.Equal(cfg.Profiler.Aggressive.Suspect, cfg.Profiler.Aggressive.For(models.StateSuspect))
	s.Equal(cfg.Discovery.Interval.Failed, cfg.Discovery.Interval.For(models.PoolFailed))

	// Conservative intervals are roughly ten times the aggressive ones.
	for _, state := range models.AllStates {
		ratio := float64(cfg.Profiler.Conservative.For(state)) / float64(cfg.Profiler.Aggressive.For(state))
		s.InDelta(10, ratio, 0.5, state.String())
	}
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
