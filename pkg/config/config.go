package config

// Package config provides a reusable loader for latticenode configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"latticenode/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a latticenode process, covering
// every collaborator wired in cmd/latticenode/main.go.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Ledger struct {
		WALPath string `mapstructure:"wal_path" json:"wal_path"`
	} `mapstructure:"ledger" json:"ledger"`

	Confirming struct {
		BatchSize              int `mapstructure:"batch_size" json:"batch_size"`
		MaxBlocks              int `mapstructure:"max_blocks" json:"max_blocks"`
		MaxQueuedNotifications int `mapstructure:"max_queued_notifications" json:"max_queued_notifications"`
	} `mapstructure:"confirming" json:"confirming"`

	VoteCache struct {
		MaxSize int `mapstructure:"max_size" json:"max_size"`
	} `mapstructure:"vote_cache" json:"vote_cache"`

	Aggregator struct {
		MaxQueue  int `mapstructure:"max_queue" json:"max_queue"`
		Threads   int `mapstructure:"threads" json:"threads"`
		BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	} `mapstructure:"aggregator" json:"aggregator"`

	Bootstrap struct {
		MaxQueue  int `mapstructure:"max_queue" json:"max_queue"`
		Threads   int `mapstructure:"threads" json:"threads"`
		BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	} `mapstructure:"bootstrap" json:"bootstrap"`

	Logging struct {
		Level       string `mapstructure:"level" json:"level"`
		File        string `mapstructure:"file" json:"file"`
		MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional; a missing .env is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LATTICENODE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LATTICENODE_ENV", ""))
}
