package node

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fortiblox/multivm/internal/types"
	"github.com/fortiblox/multivm/pkg/codec"
	"github.com/fortiblox/multivm/pkg/store"
)

// GenesisAccount is an account created in the genesis block.
type GenesisAccount struct {
	// Handle is the native handle of the account.
	Handle string `mapstructure:"handle" yaml:"handle"`

	// PublicKey is the hex encoded secp256k1 public key, compressed or not.
	// Accounts without a key cannot sign transactions.
	PublicKey string `mapstructure:"public_key" yaml:"public_key"`

	// Balance is the initial balance in base units, as a decimal string.
	Balance string `mapstructure:"balance" yaml:"balance"`
}

func (g GenesisAccount) decode() ([]byte, *uint256.Int, error) {
	var pub []byte
	if g.PublicKey != "" {
		var err error
		if pub, err = hex.DecodeString(g.PublicKey); err != nil {
			return nil, nil, fmt.Errorf("public key: %w", err)
		}
		if _, err := codec.AddressFromPublicKey(pub); err != nil {
			return nil, nil, fmt.Errorf("public key: %w", err)
		}
	}
	balance := new(uint256.Int)
	if g.Balance != "" {
		if err := balance.SetFromDecimal(g.Balance); err != nil {
			return nil, nil, fmt.Errorf("balance: %w", err)
		}
	}
	if err := types.CheckAmount(balance); err != nil {
		return nil, nil, fmt.Errorf("balance: %w", err)
	}
	return pub, balance, nil
}

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory of the state store. Unused by the
	// memory backend.
	DataDir string `mapstructure:"data_dir"`

	// Store selects the state store backend: memory, badger or bolt.
	Store string `mapstructure:"store"`

	// SyncWrites makes persistent backends fsync every block.
	SyncWrites bool `mapstructure:"sync_writes"`

	// BlockInterval is the production period used by Start.
	BlockInterval time.Duration `mapstructure:"block_interval"`

	// SkipProof disables certificates on produced receipts.
	SkipProof bool `mapstructure:"skip_proof"`

	// ChainID is the EIP-155 chain id. EVM transactions signed for another
	// chain are refused by AddTx.
	ChainID uint64 `mapstructure:"chain_id"`

	// Genesis lists the accounts created next to the system account when
	// the store holds no chain yet.
	Genesis []GenesisAccount `mapstructure:"genesis"`

	// GenesisTime is the genesis block timestamp in unix seconds. Zero means
	// the time of first start.
	GenesisTime uint64 `mapstructure:"genesis_time"`

	// CacheSize bounds the compiled program cache.
	CacheSize int `mapstructure:"cache_size"`

	// MaxPending bounds the transaction pool.
	MaxPending int `mapstructure:"max_pending"`

	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// LogLevel is read by the command line to build the logger.
	LogLevel string `mapstructure:"log_level"`

	// Registry receives the node metrics. Nil means a private registry.
	Registry *prometheus.Registry `mapstructure:"-"`

	// Clock supplies block timestamps. Nil means time.Now.
	Clock func() time.Time `mapstructure:"-"`

	Logger *zap.Logger `mapstructure:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:       "./data",
		Store:         store.BackendBadger,
		BlockInterval: time.Second,
		ChainID:       types.ChainID,
		CacheSize:     256,
		MaxPending:    10_000,
		LogLevel:      "info",
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]interface{}{ErrConfigInvalid}, args...)...))
	}

	if err := (store.Config{Backend: c.Store, Path: c.DataDir}).Validate(); err != nil {
		add("store: %v", err)
	}
	if c.BlockInterval <= 0 {
		add("block interval must be positive")
	}
	if c.ChainID != types.ChainID {
		add("chain id %d is not supported (want %d)", c.ChainID, types.ChainID)
	}
	if c.CacheSize <= 0 {
		add("cache size must be positive")
	}
	if c.MaxPending <= 0 {
		add("max pending must be positive")
	}
	seen := make(map[string]struct{}, len(c.Genesis))
	for i, g := range c.Genesis {
		if err := types.ValidateHandle(g.Handle); err != nil {
			add("genesis account %d: %v", i, err)
		}
		if g.Handle == types.SystemHandle {
			add("genesis account %d: %q is reserved", i, g.Handle)
		}
		if _, dup := seen[g.Handle]; dup {
			add("genesis account %d: duplicate handle %q", i, g.Handle)
		}
		seen[g.Handle] = struct{}{}
		if _, _, err := g.decode(); err != nil {
			add("genesis account %q: %v", g.Handle, err)
		}
	}
	return result.ErrorOrNil()
}
