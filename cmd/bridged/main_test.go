package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter"
	"github.com/klingon-exchange/klingon-bridge/internal/config"
	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/storage/memory"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/internal/wallet"
)

func simConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NetworkType = config.Testnet
	cfg.Storage.DataDir = t.TempDir()
	cfg.Chains = map[string]*config.ChainConfig{
		"NEAR": {Type: config.AdapterSim, PollInterval: 5 * time.Millisecond},
		"ETH":  {Type: config.AdapterSim, PollInterval: 5 * time.Millisecond},
	}
	return cfg
}

func TestOpenRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := simConfig(t)
		cfg.Storage.Driver = config.StorageMemory

		repo, err := openRepository(ctx, cfg)
		require.NoError(t, err)
		defer repo.Close()
		assert.IsType(t, &memory.SwapStore{}, repo.countingStore)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := simConfig(t)

		repo, err := openRepository(ctx, cfg)
		require.NoError(t, err)
		defer repo.Close()
		assert.IsType(t, &storage.Storage{}, repo.countingStore)

		counts, err := repo.SwapCount(ctx)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})
}

func TestBuildSimAdapters(t *testing.T) {
	cfg := simConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	chains, err := buildAdapters(ctx, cfg)
	require.NoError(t, err)

	adapters := chains.Adapters()
	require.Len(t, adapters, 2)
	assert.Equal(t, "ETH", adapters[0].Chain())
	assert.Equal(t, "NEAR", adapters[1].Chain())

	near := adapters[1].(*adapter.SimChain)
	start := near.Height()
	chains.Start(ctx)
	assert.Eventually(t, func() bool { return near.Height() > start+2 }, time.Second, 5*time.Millisecond)

	cancel()
	chains.Close()
}

func TestBuildEVMAdapterNeedsContract(t *testing.T) {
	cfg := simConfig(t)
	cfg.Chains["ETH"] = &config.ChainConfig{Type: config.AdapterEVM, MnemonicEnv: "BRIDGED_TEST_UNSET_MNEMONIC"}

	_, err := buildAdapters(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge contract not configured")
}

func TestBuildEVMAdapterNeedsKey(t *testing.T) {
	cfg := simConfig(t)
	cfg.Chains["ETH"] = &config.ChainConfig{
		Type:           config.AdapterEVM,
		BridgeContract: "0x00000000000000000000000000000000000000b1",
		MnemonicEnv:    "BRIDGED_TEST_UNSET_MNEMONIC",
	}

	_, err := buildAdapters(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operator key")
}

func TestReconcilerConfig(t *testing.T) {
	cfg := simConfig(t)
	cfg.Reconciler.MinConfirmations = map[string]uint64{"NEAR": 4}
	cfg.Reconciler.ResubscribeInitial = 2 * time.Second

	rc := reconcilerConfig(cfg)
	assert.Equal(t, uint64(2), rc.MinConfirmations["ETH"])
	assert.Equal(t, uint64(4), rc.MinConfirmations["NEAR"])
	assert.Equal(t, 2*time.Second, rc.ResubscribeInitial)
	assert.Equal(t, swap.DefaultReconcilerConfig().ResubscribeMax, rc.ResubscribeMax)
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridged.log")

	log, closeLog, err := newLogger(config.LoggingConfig{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	log.Info("hello", "k", "v")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestSealSeedFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.seed")

	t.Setenv(seedMnemonicEnv, "")
	require.Error(t, sealSeedFile(path))

	mnemonic, err := wallet.GenerateMnemonic()
	require.NoError(t, err)
	t.Setenv(seedMnemonicEnv, mnemonic)
	t.Setenv(seedPasswordEnv, "Operator-Pass-42")
	require.NoError(t, sealSeedFile(path))

	// The daemon reads it back through the chain config.
	got, err := wallet.ResolveMnemonic("", path, seedPasswordEnv)
	require.NoError(t, err)
	assert.Equal(t, mnemonic, got)
}
