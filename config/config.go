package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "150s"
// or "15m" as well as raw nanosecond integers.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	// Node configuration
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// Swarm schedule configuration
	Swarm SwarmConfig `yaml:"swarm"`

	// Coordinator contract proxy configuration
	Chain ChainConfig `yaml:"chain"`

	// P2P configuration
	P2P P2PConfig `yaml:"p2p"`

	// Gossip publisher configuration
	Gossip GossipConfig `yaml:"gossip"`

	// API configuration
	API APIConfig `yaml:"api"`
}

type SwarmConfig struct {
	MaxRound         int64    `yaml:"max_round"`
	MaxStage         int64    `yaml:"max_stage"`
	CheckInterval    Duration `yaml:"check_interval"`
	LogTimeout       Duration `yaml:"log_timeout"`
	MaxCheckInterval Duration `yaml:"max_check_interval"`
	TrainTimeout     Duration `yaml:"train_timeout"`
}

type ChainConfig struct {
	ProxyURL string   `yaml:"proxy_url"`
	OrgID    string   `yaml:"org_id"`
	Timeout  Duration `yaml:"timeout"`

	// JudgeURL enables the prediction side-game when set.
	JudgeURL string `yaml:"judge_url"`
}

type P2PConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenPort     int      `yaml:"listen_port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	ClientMode     bool     `yaml:"client_mode"`
}

type GossipConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	MaxPerBatch  int      `yaml:"max_per_batch"`
	StreamURL    string   `yaml:"stream_url"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// Default returns the baseline configuration a swarm peer runs with when no
// config file is supplied.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Swarm: SwarmConfig{
			MaxRound:         1_000_000,
			MaxStage:         1,
			CheckInterval:    Duration(5 * time.Second),
			LogTimeout:       Duration(10 * time.Second),
			MaxCheckInterval: Duration(15 * time.Minute),
			TrainTimeout:     Duration(31 * 24 * time.Hour), // 1 month
		},
		Chain: ChainConfig{
			Timeout: Duration(30 * time.Second),
		},
		P2P: P2PConfig{
			Enabled:    true,
			ListenPort: 9000,
		},
		Gossip: GossipConfig{
			PollInterval: Duration(150 * time.Second), // 2.5 minutes
			MaxPerBatch:  200,
		},
		API: APIConfig{
			ListenAddr: ":8000",
			EnableCORS: true,
		},
	}
}

// Load reads a yaml config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
