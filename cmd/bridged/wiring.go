package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter"
	"github.com/klingon-exchange/klingon-bridge/internal/config"
	"github.com/klingon-exchange/klingon-bridge/internal/contracts/bridge"
	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/storage/memory"
	"github.com/klingon-exchange/klingon-bridge/internal/storage/postgres"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/internal/wallet"
)

// Environment variables read by -seal-seed.
const (
	seedMnemonicEnv = "BRIDGE_SEED_MNEMONIC"
	seedPasswordEnv = "BRIDGE_SEED_PASSWORD"
)

// sealSeedFile writes the mnemonic in seedMnemonicEnv to path, encrypted
// with the password in seedPasswordEnv.
func sealSeedFile(path string) error {
	mnemonic := os.Getenv(seedMnemonicEnv)
	if mnemonic == "" {
		return fmt.Errorf("%s is not set", seedMnemonicEnv)
	}
	password := os.Getenv(seedPasswordEnv)
	if password == "" {
		return fmt.Errorf("%s is not set", seedPasswordEnv)
	}
	return wallet.SealSeedFile(mnemonic, password, path)
}

// countingStore is a swap repository that can report per-status totals.
type countingStore interface {
	swap.Repository
	SwapCount(ctx context.Context) (map[swap.Status]int, error)
}

// Compile-time interface checks.
var (
	_ countingStore = (*storage.Storage)(nil)
	_ countingStore = (*postgres.SwapStore)(nil)
	_ countingStore = (*memory.SwapStore)(nil)
)

// repository is the configured store plus its release function.
type repository struct {
	countingStore
	close func()
}

// Close releases the underlying database.
func (r *repository) Close() {
	if r.close != nil {
		r.close()
	}
}

// openRepository opens the store selected by storage.driver.
func openRepository(ctx context.Context, cfg *config.Config) (*repository, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		return &repository{countingStore: memory.NewSwapStore()}, nil

	case config.StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &repository{countingStore: postgres.NewSwapStore(pool), close: pool.Close}, nil

	default:
		store, err := storage.New(&storage.Config{DataDir: config.ExpandPath(cfg.Storage.DataDir)})
		if err != nil {
			return nil, err
		}
		return &repository{countingStore: store, close: func() { _ = store.Close() }}, nil
	}
}

// simProducer advances a simulated chain one block per interval so its
// legs gain confirmations.
type simProducer struct {
	chain    *adapter.SimChain
	interval time.Duration
}

// chainSet holds the adapters built from config and the resources behind them.
type chainSet struct {
	adapters []swap.ChainAdapter
	sims     []simProducer
	clients  []*bridge.Client
	wg       sync.WaitGroup
}

// Adapters returns the adapters in symbol order.
func (c *chainSet) Adapters() []swap.ChainAdapter {
	return c.adapters
}

// Start runs block production for simulated chains until ctx is done.
func (c *chainSet) Start(ctx context.Context) {
	for _, p := range c.sims {
		c.wg.Add(1)
		go func(p simProducer) {
			defer c.wg.Done()
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.chain.Mine(1)
				}
			}
		}(p)
	}
}

// Close waits for block production to stop and closes RPC clients. The
// context passed to Start must be cancelled first.
func (c *chainSet) Close() {
	c.wg.Wait()
	for _, cl := range c.clients {
		cl.Close()
	}
}

// buildAdapters creates one adapter per configured chain.
func buildAdapters(ctx context.Context, cfg *config.Config) (*chainSet, error) {
	set := &chainSet{}
	for _, symbol := range slices.Sorted(maps.Keys(cfg.Chains)) {
		cc := cfg.Chains[symbol]
		switch cc.Type {
		case config.AdapterEVM:
			a, client, err := newEVMAdapter(ctx, cfg, symbol, cc)
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			set.adapters = append(set.adapters, a)
			set.clients = append(set.clients, client)

		case config.AdapterSim:
			sim := adapter.NewSimChain(symbol, adapter.SimOptions{
				Confirmations: cfg.MinConfirmations(symbol),
				Events:        true,
			})
			interval := cc.PollInterval
			if interval <= 0 {
				interval = time.Second
			}
			set.adapters = append(set.adapters, sim)
			set.sims = append(set.sims, simProducer{chain: sim, interval: interval})

		default:
			set.Close()
			return nil, fmt.Errorf("%s: unknown adapter type %q", symbol, cc.Type)
		}
	}
	return set, nil
}

func newEVMAdapter(ctx context.Context, cfg *config.Config, symbol string, cc *config.ChainConfig) (*adapter.EVMAdapter, *bridge.Client, error) {
	addr, err := bridgeAddress(cfg, symbol, cc)
	if err != nil {
		return nil, nil, err
	}

	mnemonic, err := wallet.ResolveMnemonic(cc.MnemonicEnv, config.ExpandPath(cc.SeedFile), cc.PasswordEnv)
	if err != nil {
		return nil, nil, fmt.Errorf("operator key: %w", err)
	}
	w, err := wallet.NewFromMnemonic(mnemonic, "", cfg.ChainNetwork())
	if err != nil {
		return nil, nil, fmt.Errorf("operator wallet: %w", err)
	}
	signer, err := wallet.NewSigner(w, symbol, cc.AccountIndex, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("operator signer: %w", err)
	}

	client, err := bridge.NewClient(ctx, cfg.RPCURL(symbol), addr)
	if err != nil {
		return nil, nil, err
	}

	ec := adapter.DefaultEVMConfig(symbol)
	ec.Confirmations = cfg.MinConfirmations(symbol)
	if cc.PollInterval > 0 {
		ec.PollInterval = cc.PollInterval
	}
	return adapter.NewEVMAdapter(ec, client, signer), client, nil
}

// bridgeAddress returns the configured contract, falling back to the
// registry entry for the chain id.
func bridgeAddress(cfg *config.Config, symbol string, cc *config.ChainConfig) (common.Address, error) {
	if cc.BridgeContract != "" {
		return common.HexToAddress(cc.BridgeContract), nil
	}
	params, ok := cfg.Bridge().GetChainParams(symbol)
	if !ok || params.ChainID == 0 {
		return common.Address{}, fmt.Errorf("no chain id for %s", symbol)
	}
	addr := config.GetBridgeContract(params.ChainID)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("bridge contract not configured for chain id %d", params.ChainID)
	}
	return addr, nil
}
