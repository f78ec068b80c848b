package config

// Package config provides a reusable loader for the consensus node's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/synnergy-chain/shardbft/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for a shardbft node. It
// mirrors the structure of the YAML files Load looks for (default.yaml and
// an optional <env>.yaml under cmd/config or config; none ship with this
// repository) and the keys named in §6 of the specification.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		NumPreshards   uint32   `mapstructure:"num_preshards" json:"num_preshards"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		AnnounceOnGossip bool   `mapstructure:"announce_on_gossip" json:"announce_on_gossip"`
		ReachabilityMode string `mapstructure:"reachability_mode" json:"reachability_mode"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		MaxCommandsPerBlock int           `mapstructure:"max_commands_per_block" json:"max_commands_per_block"`
		MaxBlockSizeBytes   int           `mapstructure:"max_block_size_bytes" json:"max_block_size_bytes"`
		ViewTimeoutBase     time.Duration `mapstructure:"view_timeout_base" json:"view_timeout_base"`
		ViewTimeoutMax      time.Duration `mapstructure:"view_timeout_max" json:"view_timeout_max"`
		ExhaustDivisor      uint64        `mapstructure:"exhaust_divisor" json:"exhaust_divisor"`
	} `mapstructure:"consensus" json:"consensus"`

	Executor struct {
		MaxCallDepth int `mapstructure:"max_call_depth" json:"max_call_depth"`
	} `mapstructure:"executor" json:"executor"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Diagnostics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"diagnostics" json:"diagnostics"`
}

// Default returns a Config populated with the conservative defaults used
// when no configuration file is present (e.g. in tests).
func Default() Config {
	var c Config
	c.Network.NumPreshards = 64
	c.Network.ReachabilityMode = "direct"
	c.Consensus.MaxCommandsPerBlock = 500
	c.Consensus.MaxBlockSizeBytes = 1 << 20
	c.Consensus.ViewTimeoutBase = 5 * time.Second
	c.Consensus.ViewTimeoutMax = 60 * time.Second
	c.Consensus.ExhaustDivisor = 100
	c.Executor.MaxCallDepth = 16
	c.Storage.DBPath = "data/shardbft.db"
	c.Logging.Level = "info"
	c.Diagnostics.ListenAddr = "127.0.0.1:9090"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config = Default()

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded. A missing default config file is tolerated: Default() values
// remain in effect and only environment variables are applied on top. A
// missing <env> overlay file for a non-empty env is an error.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env via godotenv in cmd

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SHARDBFT_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SHARDBFT_ENV", ""))
}
