// Package main provides the bridged daemon - the swap engine, event
// reconciler and expiry sweeper behind one process.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/config"
	"github.com/klingon-exchange/klingon-bridge/internal/metrics"
	"github.com/klingon-exchange/klingon-bridge/internal/notify"
	"github.com/klingon-exchange/klingon-bridge/internal/pqcrypto"
	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.klingon-bridge", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data directory)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
		sealSeed    = flag.String("seal-seed", "", "Write an encrypted operator seed file from "+seedMnemonicEnv+" and "+seedPasswordEnv+", then exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("bridged %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *sealSeed != "" {
		path := config.ExpandPath(*sealSeed)
		if err := sealSeedFile(path); err != nil {
			log.Fatal("Failed to seal seed", "error", err)
		}
		log.Info("Seed file written", "path", path)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfgPath := config.ConfigPath(effectiveDataDir)
	if *configFile != "" {
		cfgPath = *configFile
	}
	cfg, err := config.LoadConfigFile(cfgPath, effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *testnet {
		cfg.NetworkType = config.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = effectiveDataDir
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ExpandPath(cfgPath))

	cfg.ApplyContracts()
	if err := cfg.ApplyLimits(); err != nil {
		log.Fatal("Invalid limits", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer repo.Close()
	log.Info("Storage initialized", "driver", cfg.Storage.Driver)

	// Post-quantum protection
	keyPath := filepath.Join(config.ExpandPath(cfg.Storage.DataDir), cfg.Protection.KeyFile)
	keys, created, err := pqcrypto.LoadOrGenerateKeySet(keyPath)
	if err != nil {
		log.Fatal("Failed to load protection keys", "error", err)
	}
	if created {
		log.Warn("Generated new protection key set", "path", keyPath)
	}
	provider := pqcrypto.NewProvider(keys, cfg.Protection.KeyIDPrefix)
	log.Info("Protection provider ready", "key_id", provider.KeyID())

	// Chain adapters
	chains, err := buildAdapters(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize chain adapters", "error", err)
	}
	defer chains.Close()

	recorder := metrics.NewRecorder(metrics.DefaultNamespace)

	// Status notifications
	sinks := []swap.EventSink{notify.NewLogSink()}
	var relay *notify.Relay
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.Connect(cfg.Notify.NATSURL, "bridged")
		if err != nil {
			log.Fatal("Failed to connect to NATS", "error", err)
		}
		defer nc.Close()

		if outbox, ok := repo.countingStore.(*storage.Storage); ok {
			sinks = append(sinks, notify.NewOutboxSink(outbox, cfg.Notify.Subject))
			relay = notify.NewRelay(outbox, nc, recorder, notify.DefaultRelayConfig())
		} else {
			sinks = append(sinks, notify.NewNATSSink(nc, cfg.Notify.Subject))
		}
		log.Info("NATS notifications enabled", "subject", cfg.Notify.Subject, "outbox", relay != nil)
	}

	engine, err := swap.NewEngine(swap.EngineConfig{
		Repository: repo,
		Protection: provider,
		Adapters:   chains.Adapters(),
		Network:    cfg.ChainNetwork(),
		SwapTTL:    cfg.Engine.SwapTTL,
		LockGrace:  cfg.Engine.LockGrace,
		Retry: swap.RetryPolicy{
			InitialInterval: cfg.Engine.Retry.InitialInterval,
			MaxInterval:     cfg.Engine.Retry.MaxInterval,
			Multiplier:      cfg.Engine.Retry.Multiplier,
			MaxRetries:      cfg.Engine.Retry.MaxRetries,
		},
		Recorder: recorder,
		Sinks:    sinks,
	})
	if err != nil {
		log.Fatal("Failed to create swap engine", "error", err)
	}

	reconciler := swap.NewReconciler(engine, reconcilerConfig(cfg))
	sweeper := swap.NewSweeper(engine, swap.SweeperConfig{
		Interval:  cfg.Sweeper.Interval,
		BatchSize: cfg.Sweeper.BatchSize,
	})

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	reconciler.Start()
	sweeper.Start()
	chains.Start(ctx)
	if relay != nil {
		relay.Start()
	}

	// Swaps interrupted by a previous shutdown
	if n, err := engine.ResumePending(ctx); err != nil {
		log.Warn("Failed to resume swaps", "error", err)
	} else {
		log.Info("In-flight swaps resumed", "count", n)
	}

	printBanner(log, cfg, chains, provider.KeyID())

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := repo.SwapCount(ctx)
				if err != nil {
					log.Warn("Failed to count swaps", "error", err)
					continue
				}
				recorder.SetSwapCounts(counts)
				log.Info("Status",
					"pending", counts[swap.StatusPending],
					"locked", counts[swap.StatusSourceLocked],
					"settled", counts[swap.StatusDestinationSettled],
					"manual_review", counts[swap.StatusManualReview])
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown
	cancel()

	if relay != nil {
		relay.Stop()
	}
	sweeper.Stop()
	reconciler.Stop()

	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error stopping metrics server", "error", err)
		}
		done()
	}

	log.Info("Goodbye!")
}

// newLogger builds the daemon logger from config. The returned close
// function releases the log file, if any.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, func(), error) {
	lc := &logging.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		TimeFormat: time.TimeOnly,
	}
	if cfg.File == "" {
		return logging.New(lc), func() {}, nil
	}

	path := config.ExpandPath(cfg.File)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return logging.GetDefault(), func() {}, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return logging.GetDefault(), func() {}, err
	}
	lc.Output = f
	return logging.New(lc), func() { _ = f.Close() }, nil
}

func reconcilerConfig(cfg *config.Config) swap.ReconcilerConfig {
	rc := swap.DefaultReconcilerConfig()
	for symbol := range cfg.Chains {
		rc.MinConfirmations[symbol] = cfg.MinConfirmations(symbol)
	}
	if cfg.Reconciler.ResubscribeInitial > 0 {
		rc.ResubscribeInitial = cfg.Reconciler.ResubscribeInitial
	}
	if cfg.Reconciler.ResubscribeMax > 0 {
		rc.ResubscribeMax = cfg.Reconciler.ResubscribeMax
	}
	return rc
}

func printBanner(log *logging.Logger, cfg *config.Config, chains *chainSet, keyID string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon Bridge (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Info("  Chains:")
	for _, a := range chains.Adapters() {
		log.Infof("    %-5s %-4s confirmations=%d", a.Chain(), cfg.Chains[a.Chain()].Type, cfg.MinConfirmations(a.Chain()))
	}
	log.Info("")
	log.Infof("  Quantum key: %s", keyID)
	log.Infof("  Storage: %s", cfg.Storage.Driver)
	if cfg.Metrics.Enabled {
		log.Infof("  Metrics: http://%s/metrics", cfg.Metrics.ListenAddr)
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
