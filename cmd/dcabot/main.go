package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dcabot/internal/broker"
	"dcabot/internal/config"
	"dcabot/internal/engine"
	"dcabot/internal/notify"
	"dcabot/internal/store"
	"dcabot/internal/strategy"
	"dcabot/internal/workers"
)

const pidFile = "dcabot.pid"

func main() {
	// Load .env if present
	godotenv.Load()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Bool("dry_run", cfg.DryRun).
		Bool("testing_mode", cfg.TestingMode).
		Bool("paper", cfg.IsPaperTrading()).
		Msg("🤖 DCA bot starting")

	if err := writePIDFile(); err != nil {
		log.Fatal().Err(err).Msg("Failed to write PID file")
	}
	defer os.Remove(pidFile)

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	notifier := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	brokerClient := broker.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret, cfg.DryRun)
	decider := &strategy.Decider{TestingMode: cfg.TestingMode}
	eng := engine.New(st, brokerClient, decider, notifier, cfg.OrderCooldown)

	assets, err := st.ListEnabledAssets()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list assets")
	}
	if len(assets) == 0 {
		log.Warn().Msg("No enabled assets configured, nothing to trade")
	}
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	log.Info().Strs("symbols", symbols).Msg("Trading assets loaded")

	// Reconciliation workers share the engine's per-asset locks.
	runner := workers.NewRunner(
		workers.NewBootstrapper(st, cfg.BootstrapInterval),
		workers.NewOrderCleaner(st, brokerClient, eng, cfg.CleanerInterval, cfg.StaleOrderThreshold),
		workers.NewStuckSellCleaner(st, brokerClient, eng, cfg.CleanerInterval, cfg.StuckSellTimeout),
		workers.NewConsistencyChecker(st, brokerClient, eng, notifier, cfg.ConsistencyInterval),
	)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	runner.Start(workerCtx)

	runtime := engine.NewRuntime(eng, symbols)
	handlerCtx, stopHandlers := context.WithCancel(context.Background())
	runtime.Start(handlerCtx)

	streamCtx, stopStreams := context.WithCancel(context.Background())
	quotes := broker.NewQuoteStream(cfg.BrokerDataWSURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret, symbols, runtime.OnQuote)
	trades := broker.NewTradeStream(cfg.BrokerTradeWSURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret, runtime.OnTradeUpdate)
	go quotes.Run(streamCtx)
	go trades.Run(streamCtx)

	notifier.Critical("DCA bot started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down...")

	// Stop intake first, then let in-flight events finish.
	stopStreams()
	runtime.Drain(cfg.DrainTimeout)
	stopHandlers()
	stopWorkers()
	runner.Wait()

	notifier.Critical("DCA bot stopped")
	log.Info().Msg("👋 Shutdown complete")
}

func writePIDFile() error {
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
