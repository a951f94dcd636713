// Package config holds the core's runtime configuration: defaults, an
// optional TOML override file, and first-boot example generation, in the
// teacher's config.go/config_examples.go style.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"

	"atomiq-core/internal/logx"
)

const (
	defaultDataDir               = "./data"
	defaultMaxPoolSize           = 100_000
	defaultMaxTxDataSize         = 1 << 20 // 1 MiB, per spec.md §3
	defaultBlockIntervalMS       = 10
	defaultMaxTxPerBlock         = 5_000
	defaultFairnessConcurrency   = 32
	defaultNotifierChannelCap    = 10_000
	defaultFinalizationTimeout   = 5 * time.Second
	defaultFairnessWaitTimeout   = 5 * time.Second
	defaultFairnessPollInterval  = 100 * time.Millisecond
	defaultSettlementPageLimit   = 50
	defaultSettlementPageMaxSize = 500
)

// NonceMode selects how the state executor validates per-sender nonces.
type NonceMode int

const (
	NonceModeNone NonceMode = iota
	NonceModeBasic
	NonceModeFull
)

// Config is the single source of runtime tuning for the core. Fields mirror
// the teacher's flat Config struct: typed fields with doc-comment defaults.
type Config struct {
	// DataDir is the root directory for the KV store file and generated
	// example config files.
	DataDir string

	// MaxPoolSize bounds the number of pending transactions the intake
	// pool will hold before rejecting submissions with PoolFull.
	MaxPoolSize int
	// MaxTxDataSize bounds Transaction.Data in bytes.
	MaxTxDataSize int

	// BlockIntervalMS is the direct-commit producer's tick period.
	BlockIntervalMS int
	// MaxTransactionsPerBlock caps how many transactions a single drain
	// may seal into one block.
	MaxTransactionsPerBlock int
	// NonceValidation selects the executor's validation mode.
	NonceValidation NonceMode

	// FairnessMaxConcurrency bounds concurrent VRF derivations per height.
	FairnessMaxConcurrency int
	// FairnessPollInterval is the period of the fairness worker's
	// cursor-driven catch-up tick, which runs alongside commit events and
	// picks up heights whose events were dropped.
	FairnessPollInterval time.Duration

	// NotifierChannelCapacity bounds the block-commit/fairness-persisted
	// broadcast channels.
	NotifierChannelCapacity int
	// FinalizationWaitTimeout is the default wait passed by callers of the
	// finalization notifier.
	FinalizationWaitTimeout time.Duration
	// FairnessWaitTimeout is the default wait for the fairness notifier.
	FairnessWaitTimeout time.Duration

	// SettlementPageLimit/MaxPageSize hold default and maximum sizes for the
	// settlement list page. No package in this module reads them;
	// gamestore.LoadPendingSettlements uses the limit its caller passes.
	SettlementPageLimit  int
	SettlementMaxPageSize int

	// VRFKeyPath is not read by any package in this module: cmd/atomiqd
	// always persists the VRF keypair inside the KV store under a reserved
	// key.
	VRFKeyPath string
}

// Default returns the baseline configuration, matching the teacher's
// defaultConfig() constructor.
func Default() Config {
	return Config{
		DataDir:                 defaultDataDir,
		MaxPoolSize:             defaultMaxPoolSize,
		MaxTxDataSize:           defaultMaxTxDataSize,
		BlockIntervalMS:         defaultBlockIntervalMS,
		MaxTransactionsPerBlock: defaultMaxTxPerBlock,
		NonceValidation:         NonceModeBasic,
		FairnessMaxConcurrency:  defaultFairnessConcurrency,
		FairnessPollInterval:    defaultFairnessPollInterval,
		NotifierChannelCapacity: defaultNotifierChannelCap,
		FinalizationWaitTimeout: defaultFinalizationTimeout,
		FairnessWaitTimeout:     defaultFairnessWaitTimeout,
		SettlementPageLimit:     defaultSettlementPageLimit,
		SettlementMaxPageSize:   defaultSettlementPageMaxSize,
	}
}

// fileConfig is the TOML-facing projection of Config; only fields an
// operator should reasonably override are exposed here, matching the
// teacher's buildBaseFileConfig split between base and tuning files.
type fileConfig struct {
	DataDir                 string `toml:"data_dir"`
	MaxPoolSize             int    `toml:"max_pool_size"`
	MaxTxDataSize           int    `toml:"max_tx_data_size"`
	BlockIntervalMS         int    `toml:"block_interval_ms"`
	MaxTransactionsPerBlock int    `toml:"max_transactions_per_block"`
	FairnessMaxConcurrency  int    `toml:"fairness_max_concurrency"`
}

func toFileConfig(cfg Config) fileConfig {
	return fileConfig{
		DataDir:                 cfg.DataDir,
		MaxPoolSize:             cfg.MaxPoolSize,
		MaxTxDataSize:           cfg.MaxTxDataSize,
		BlockIntervalMS:         cfg.BlockIntervalMS,
		MaxTransactionsPerBlock: cfg.MaxTransactionsPerBlock,
		FairnessMaxConcurrency:  cfg.FairnessMaxConcurrency,
	}
}

// Load reads path (if it exists) on top of Default(), matching the
// teacher's "defaults, then override with whatever the TOML file sets"
// convention.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyFileConfig(&cfg, fc)
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.MaxPoolSize > 0 {
		cfg.MaxPoolSize = fc.MaxPoolSize
	}
	if fc.MaxTxDataSize > 0 {
		cfg.MaxTxDataSize = fc.MaxTxDataSize
	}
	if fc.BlockIntervalMS > 0 {
		cfg.BlockIntervalMS = fc.BlockIntervalMS
	}
	if fc.MaxTransactionsPerBlock > 0 {
		cfg.MaxTransactionsPerBlock = fc.MaxTransactionsPerBlock
	}
	if fc.FairnessMaxConcurrency > 0 {
		cfg.FairnessMaxConcurrency = fc.FairnessMaxConcurrency
	}
}

// EnsureExampleFile writes config/examples/config.toml.example under dataDir,
// holding the default values, matching the teacher's ensureExampleFiles
// helper. It rewrites the file on every call.
func EnsureExampleFile(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	examplesDir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(examplesDir, 0o755); err != nil {
		logx.L.Warn("create config examples directory failed", "dir", examplesDir, "error", err)
		return
	}

	path := filepath.Join(examplesDir, "config.toml.example")
	fc := toFileConfig(Default())
	data, err := toml.Marshal(fc)
	if err != nil {
		logx.L.Warn("encode config example failed", "error", err)
		return
	}
	header := []byte("# Generated base config example (copy to a real config and edit as needed)\n\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		logx.L.Warn("write example config failed", "path", path, "error", err)
	}
}
