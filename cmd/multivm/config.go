package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortiblox/multivm/pkg/node"
)

const envPrefix = "MULTIVM"

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"data-dir":       "data_dir",
	"store":          "store",
	"sync-writes":    "sync_writes",
	"block-interval": "block_interval",
	"skip-proof":     "skip_proof",
	"chain-id":       "chain_id",
	"genesis-time":   "genesis_time",
	"cache-size":     "cache_size",
	"max-pending":    "max_pending",
	"metrics-addr":   "metrics_addr",
	"log-level":      "log_level",
}

func addConfigFlags(fs *pflag.FlagSet) {
	def := node.DefaultConfig()
	fs.String("config", "", "YAML configuration file")
	fs.String("data-dir", def.DataDir, "Data directory of the state store")
	fs.String("store", def.Store, "State store backend: memory, badger, bolt")
	fs.Bool("sync-writes", def.SyncWrites, "Sync the store after every block")
	fs.Duration("block-interval", def.BlockInterval, "Block production interval")
	fs.Bool("skip-proof", def.SkipProof, "Produce receipts without certificates")
	fs.Uint64("chain-id", def.ChainID, "EIP-155 chain id of EVM transactions")
	fs.Uint64("genesis-time", def.GenesisTime, "Genesis timestamp in unix seconds (0 = now)")
	fs.Int("cache-size", def.CacheSize, "Compiled program cache size")
	fs.Int("max-pending", def.MaxPending, "Transaction pool capacity")
	fs.String("metrics-addr", def.MetricsAddr, "Prometheus listen address (empty = disabled)")
	fs.String("log-level", def.LogLevel, "Log level: debug, info, warn, error")
	fs.Bool("dev", false, "Human readable development logging")
}

// loadConfig layers flags over MULTIVM_* environment variables over the
// configuration file over defaults.
func loadConfig(fs *pflag.FlagSet) (node.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return node.Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	path, err := fs.GetString("config")
	if err != nil {
		return node.Config{}, err
	}
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return node.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := node.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return node.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func buildLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
