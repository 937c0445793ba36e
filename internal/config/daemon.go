package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
)

// Storage drivers.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Adapter types.
const (
	AdapterEVM = "evm"
	AdapterSim = "sim"
)

// Config holds all configuration for the bridge daemon.
type Config struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Protection ProtectionConfig `yaml:"protection"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Notify     NotifyConfig     `yaml:"notify"`

	// Chains holds one adapter configuration per chain symbol.
	Chains map[string]*ChainConfig `yaml:"chains"`

	// Limits overrides the static per-chain amount bounds.
	Limits map[string]LimitConfig `yaml:"limits,omitempty"`
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == Testnet
}

// ChainNetwork returns the network used for address rules and key derivation.
func (c *Config) ChainNetwork() chain.Network {
	if c.IsTestnet() {
		return chain.Testnet
	}
	return chain.Mainnet
}

// Bridge returns the static configuration for the configured network.
func (c *Config) Bridge() *BridgeConfig {
	return NewBridgeConfig(c.NetworkType)
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// Driver is one of sqlite, postgres or memory.
	Driver string `yaml:"driver"`

	// DataDir is the directory for the SQLite database and keys.
	DataDir string `yaml:"data_dir"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// RetryConfig bounds the exponential backoff applied to adapter calls.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

// EngineConfig holds swap engine settings.
type EngineConfig struct {
	SwapTTL   time.Duration `yaml:"swap_ttl"`
	LockGrace time.Duration `yaml:"lock_grace"`
	Retry     RetryConfig   `yaml:"retry"`
}

// ReconcilerConfig holds event reconciler settings.
type ReconcilerConfig struct {
	// MinConfirmations overrides the network confirmation depth per chain.
	MinConfirmations map[string]uint64 `yaml:"min_confirmations,omitempty"`

	// Resubscribe bounds the backoff applied when a chain stream fails.
	ResubscribeInitial time.Duration `yaml:"resubscribe_initial"`
	ResubscribeMax     time.Duration `yaml:"resubscribe_max"`
}

// SweeperConfig holds expiry sweeper settings.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// ProtectionConfig holds post-quantum protection settings.
type ProtectionConfig struct {
	// KeyFile stores the operator's KEM and signing keys.
	KeyFile string `yaml:"key_file"`

	// KeyIDPrefix is prepended to every quantum key id.
	KeyIDPrefix string `yaml:"key_id_prefix"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// NotifyConfig holds NATS publishing settings.
type NotifyConfig struct {
	// NATSURL enables the NATS sink when set.
	NATSURL string `yaml:"nats_url,omitempty"`
	Subject string `yaml:"subject"`
}

// ChainConfig configures the adapter for one chain.
type ChainConfig struct {
	// Type is evm or sim.
	Type string `yaml:"type"`

	// RPCURL overrides the network default RPC endpoint.
	RPCURL string `yaml:"rpc_url,omitempty"`

	// BridgeContract is the EVM bridge contract address.
	BridgeContract string `yaml:"bridge_contract,omitempty"`

	// MnemonicEnv names the environment variable holding the signer mnemonic.
	MnemonicEnv string `yaml:"mnemonic_env,omitempty"`

	// SeedFile is an encrypted seed used when MnemonicEnv is unset; its
	// password is read from PasswordEnv.
	SeedFile    string `yaml:"seed_file,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`

	// AccountIndex selects the BIP44 account for the signer.
	AccountIndex uint32 `yaml:"account_index,omitempty"`

	// PollInterval is how often the adapter polls for new blocks.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// LimitConfig overrides amount bounds, as decimal strings in asset units.
type LimitConfig struct {
	Min string `yaml:"min,omitempty"`
	Max string `yaml:"max,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	swap := DefaultSwapConfig()
	return &Config{
		NetworkType: Mainnet,
		Storage: StorageConfig{
			Driver:  StorageSQLite,
			DataDir: "~/.klingon-bridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			SwapTTL:   swap.TTL,
			LockGrace: swap.LockGrace,
			Retry: RetryConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
				MaxRetries:      5,
			},
		},
		Reconciler: ReconcilerConfig{
			ResubscribeInitial: time.Second,
			ResubscribeMax:     time.Minute,
		},
		Sweeper: SweeperConfig{
			Interval:  swap.SweepInterval,
			BatchSize: 100,
		},
		Protection: ProtectionConfig{
			KeyFile:     "bridge_pq.key",
			KeyIDPrefix: "qk",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9464",
		},
		Notify: NotifyConfig{
			Subject: "bridge.swap.status",
		},
		Chains: map[string]*ChainConfig{
			"ETH": {
				Type:         AdapterEVM,
				MnemonicEnv:  "BRIDGE_ETH_MNEMONIC",
				PollInterval: 12 * time.Second,
			},
			"NEAR": {
				Type:         AdapterSim,
				PollInterval: time.Second,
			},
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	return LoadConfigFile(ConfigPath(dataDir), dataDir)
}

// LoadConfigFile loads configuration from path, creating it with defaults
// (storage rooted at dataDir) when it does not exist.
func LoadConfigFile(path, dataDir string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	defaultChains := cfg.Chains
	cfg.Chains = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Chains == nil {
		cfg.Chains = defaultChains
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.NetworkType {
	case Mainnet, Testnet:
	default:
		return fmt.Errorf("unknown network_type %q", c.NetworkType)
	}

	switch c.Storage.Driver {
	case StorageSQLite, StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Engine.SwapTTL <= 0 {
		return fmt.Errorf("engine.swap_ttl must be positive")
	}
	if c.Engine.LockGrace < 0 {
		return fmt.Errorf("engine.lock_grace must not be negative")
	}
	if c.Engine.Retry.Multiplier < 1 {
		return fmt.Errorf("engine.retry.multiplier must be at least 1")
	}

	for symbol, cc := range c.Chains {
		chain, ok := GetChain(symbol)
		if !ok {
			return fmt.Errorf("chains.%s: unsupported chain", symbol)
		}
		switch cc.Type {
		case AdapterSim:
		case AdapterEVM:
			if !chain.IsEVM() {
				return fmt.Errorf("chains.%s: evm adapter on non-EVM chain", symbol)
			}
			if cc.BridgeContract != "" && !common.IsHexAddress(cc.BridgeContract) {
				return fmt.Errorf("chains.%s: invalid bridge_contract %q", symbol, cc.BridgeContract)
			}
		default:
			return fmt.Errorf("chains.%s: unknown adapter type %q", symbol, cc.Type)
		}
	}

	for symbol := range c.Limits {
		if !IsChainSupported(symbol) {
			return fmt.Errorf("limits.%s: unsupported chain", symbol)
		}
	}

	return nil
}

// MinConfirmations returns the confirmation depth the reconciler requires
// for chain: the configured override, else the network default.
func (c *Config) MinConfirmations(chain string) uint64 {
	if n, ok := c.Reconciler.MinConfirmations[chain]; ok {
		return n
	}
	if params, ok := c.Bridge().GetChainParams(chain); ok {
		return uint64(params.Confirmations)
	}
	return 0
}

// RPCURL returns the RPC endpoint for chain.
func (c *Config) RPCURL(chain string) string {
	if cc := c.Chains[chain]; cc != nil && cc.RPCURL != "" {
		return cc.RPCURL
	}
	if params, ok := c.Bridge().GetChainParams(chain); ok {
		return params.RPCEndpoint
	}
	return ""
}

// ApplyContracts registers configured bridge contract addresses.
func (c *Config) ApplyContracts() {
	for symbol, cc := range c.Chains {
		if cc.BridgeContract == "" {
			continue
		}
		if params, ok := c.Bridge().GetChainParams(symbol); ok && params.ChainID != 0 {
			SetBridgeContract(params.ChainID, common.HexToAddress(cc.BridgeContract))
		}
	}
}

// ApplyLimits overrides the static amount bounds with configured limits.
func (c *Config) ApplyLimits() error {
	for symbol, lim := range c.Limits {
		chain, ok := SupportedChains[symbol]
		if !ok {
			return fmt.Errorf("limits.%s: unsupported chain", symbol)
		}
		if lim.Min != "" {
			v, err := helpers.ParseAmount(lim.Min, BridgeAssetDecimals)
			if err != nil {
				return fmt.Errorf("limits.%s.min: %w", symbol, err)
			}
			chain.MinAmount = v
		}
		if lim.Max != "" {
			v, err := helpers.ParseAmount(lim.Max, BridgeAssetDecimals)
			if err != nil {
				return fmt.Errorf("limits.%s.max: %w", symbol, err)
			}
			chain.MaxAmount = v
		}
		if chain.MaxAmount > 0 && chain.MinAmount > chain.MaxAmount {
			return fmt.Errorf("limits.%s: min above max", symbol)
		}
		SupportedChains[symbol] = chain
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon Bridge Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	return expandPath(path)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
