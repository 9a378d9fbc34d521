package config

// Package config provides a reusable loader for Quarry node configuration
// files and environment variables.

import (
	"fmt"

	"github.com/spf13/viper"

	"quarry-network/pkg/utils"
)

// Config is the node-level configuration. It mirrors the structure of the
// YAML files under cmd/config; chain-level parameters (the cost table, the
// cron schedule) live on-chain, not here.
type Config struct {
	Chain struct {
		ID          string `mapstructure:"id" json:"id"`
		GenesisFile string `mapstructure:"genesis_file" json:"genesis_file"`
	} `mapstructure:"chain" json:"chain"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
		// PruneKeep is the number of recent Merkle versions kept when
		// pruning is enabled.
		PruneKeep uint64 `mapstructure:"prune_keep" json:"prune_keep"`
	} `mapstructure:"storage" json:"storage"`

	VM struct {
		// QueryGasLimit bounds node-side query cost.
		QueryGasLimit uint64 `mapstructure:"query_gas_limit" json:"query_gas_limit"`
	} `mapstructure:"vm" json:"vm"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		JSON  bool   `mapstructure:"json" json:"json"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
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

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the QUARRY_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("QUARRY_ENV", ""))
}

// Defaults returns a usable configuration when no config file is present.
func Defaults() *Config {
	var cfg Config
	cfg.Chain.ID = "quarry-dev"
	cfg.Chain.GenesisFile = "genesis.json"
	cfg.Storage.DBPath = utils.EnvOrDefault("QUARRY_DB_PATH", "data")
	cfg.Storage.PruneKeep = 10_000
	cfg.VM.QueryGasLimit = utils.EnvOrDefaultUint64("QUARRY_QUERY_GAS_LIMIT", 100_000_000)
	cfg.Logging.Level = "info"
	return &cfg
}
