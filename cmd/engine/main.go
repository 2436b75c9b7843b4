// Command engine runs the signal engine: the scheduler ticks every
// configured symbol through the prediction pipeline, validated signals
// are published to the board, connected EAs, and the optional bus, and
// execution reports flow back into the trade ledger.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/fxengine/internal/alerts"
	"github.com/quantflow/fxengine/internal/board"
	"github.com/quantflow/fxengine/internal/config"
	"github.com/quantflow/fxengine/internal/ensemble"
	"github.com/quantflow/fxengine/internal/features"
	"github.com/quantflow/fxengine/internal/ledger"
	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/metrics"
	"github.com/quantflow/fxengine/internal/publish"
	"github.com/quantflow/fxengine/internal/risk"
	"github.com/quantflow/fxengine/internal/scheduler"
	sig "github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/status"
	"github.com/quantflow/fxengine/internal/transport"
	"github.com/quantflow/fxengine/internal/validate"
)

const trainingBars = 1500

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("environment", cfg.App.Environment).
		Strs("symbols", cfg.Market.Symbols).
		Msg("Starting signal engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets")
	}

	// Market data.
	feed := buildFeed(cfg)

	// Model: train the ensemble on the lead symbol's history.
	engineer := features.NewEngineer(features.DefaultConfig())
	combiner := ensemble.NewDefault(time.Now().UnixNano())
	if err := trainCombiner(ctx, feed, engineer, combiner, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to train model")
	}

	// Risk parameters with hot reload.
	riskStore, err := cfg.RiskStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid risk parameters")
	}
	cfg.WatchRisk(riskStore)

	// Trade ledger, optionally archiving closed trades to Postgres.
	var archive ledger.Archive
	if cfg.Database.Enabled {
		store, err := ledger.Connect(ctx, cfg.Database.URL, config.NewLogger("ledger_store"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to trade archive")
		}
		archive = store
	}
	led := ledger.New(cfg.Account.FallbackEquity, archive, config.NewLogger("ledger"))

	// EA transport.
	tcfg := transport.DefaultConfig()
	tcfg.Addr = cfg.Transport.Addr
	tcfg.HeartbeatInterval = cfg.Transport.HeartbeatInterval
	tcfg.SlowConsumerTimeout = cfg.Transport.SlowConsumerTimeout
	tcfg.EAInfoWindow = cfg.Transport.EAInfoWindow
	eaServer := transport.NewServer(tcfg, config.NewLogger("transport"))
	wireLedger(eaServer, led)

	// Signal board.
	writer, err := board.NewWriter(board.Config{
		Dir:          cfg.Board.Dir,
		MaxSignalAge: cfg.Board.MaxSignalAge,
		MaxSignals:   cfg.Board.MaxSignals,
	}, config.NewLogger("board"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create signal board")
	}

	// Validator with memory or Redis dedupe index, gated on the account
	// risk limits.
	validator := buildValidator(cfg, feed, riskStore, led)

	// Alert channels.
	alertMgr := buildAlerts(cfg)

	// Status API.
	statusServer := status.NewServer(status.Config{
		Host:       cfg.Status.Host,
		Port:       cfg.Status.Port,
		BackendURL: cfg.Status.BackendURL,
	}, nil, writer, led, eaServer, log.Logger)

	// Publisher fan-out.
	opts := []publish.Option{
		publish.WithBroadcaster(eaServer),
		publish.WithBroadcaster(statusServer.Stream()),
		publish.WithCommitter(validator),
	}
	var bus *publish.Bus
	if cfg.NATS.Enabled {
		bus, err = publish.ConnectBus(publish.BusConfig{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		opts = append(opts, publish.WithBus(bus))
	}
	if alertMgr != nil {
		opts = append(opts, publish.WithAlerts(alertMgr, sig.Strength(cfg.Telegram.MinStrength)))
	}
	publisher := publish.New(writer, log.Logger, opts...)

	// Prediction pipeline and scheduler.
	ctor := sig.NewConstructor(sig.DefaultConstructorConfig(), log.Logger)
	pipeline := scheduler.NewPipeline(
		feed, engineer, combiner, ctor, validator, riskStore, led,
		market.Timeframe(cfg.Market.Timeframe), cfg.Market.HistoryBars, log.Logger,
	)
	sched := scheduler.New(scheduler.Config{
		TickInterval:         cfg.Scheduler.TickInterval,
		Guard:                cfg.Scheduler.Guard,
		Workers:              cfg.Scheduler.Workers,
		KillThreshold:        cfg.Scheduler.KillThreshold,
		MaxConcurrentSignals: cfg.Scheduler.MaxConcurrentSignals,
	}, cfg.Market.Symbols, pipeline, publisher, log.Logger)
	statusServer.SetScheduler(sched)
	if alertMgr != nil {
		sched.OnDisable(func(symbol string, failures int) {
			if err := alertMgr.SymbolDisabled(ctx, symbol, failures); err != nil {
				log.Error().Err(err).Msg("Symbol-disabled alert failed")
			}
		})
		eaServer.OnClose(func(connID, reason string) {
			if err := alertMgr.EADisconnected(ctx, connID, reason); err != nil {
				log.Error().Err(err).Msg("EA-disconnect alert failed")
			}
		})
	}

	// Start everything.
	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}
	if err := eaServer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start EA transport")
	}

	errors := make(chan error, 2)
	go func() { errors <- statusServer.Start() }()
	go func() { errors <- sched.Run(ctx) }()
	go sweepBoard(ctx, writer)

	select {
	case err := <-errors:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Component failed")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	// Graceful shutdown.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := eaServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("EA transport shutdown failed")
	}
	if err := statusServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if bus != nil {
		bus.Close()
	}
	if err := writer.Sweep(); err != nil {
		log.Error().Err(err).Msg("Final board sweep failed")
	}
	log.Info().Msg("Engine stopped")
}

// buildFeed selects the configured price feed behind a circuit breaker.
func buildFeed(cfg *config.Config) market.Feed {
	switch cfg.Market.Feed {
	case "binance":
		inner := market.NewBinanceFeed(
			os.Getenv("BINANCE_API_KEY"),
			os.Getenv("BINANCE_SECRET_KEY"),
			os.Getenv("BINANCE_TESTNET") == "true",
		)
		return market.NewBreakerFeed(inner)
	default:
		profiles := make(map[string]market.SymbolProfile, len(cfg.Market.Symbols))
		for _, sym := range cfg.Market.Symbols {
			profiles[sym] = mockProfile(sym)
		}
		return market.NewMockFeed(profiles, 42)
	}
}

// mockProfile gives each major a plausible base price for synthetic data.
func mockProfile(symbol string) market.SymbolProfile {
	base := map[string]float64{
		"EURUSD": 1.08, "GBPUSD": 1.27, "USDJPY": 151.0,
		"AUDUSD": 0.66, "USDCAD": 1.36, "USDCHF": 0.88, "NZDUSD": 0.61,
	}
	price, ok := base[symbol]
	if !ok {
		price = 1.0
	}
	return market.SymbolProfile{
		BasePrice:  price,
		Drift:      0.00002,
		Volatility: 0.0012,
		SpreadPips: price * 0.0001,
	}
}

func trainCombiner(ctx context.Context, feed market.Feed, engineer *features.Engineer, combiner *ensemble.Combiner, cfg *config.Config) error {
	tf := market.Timeframe(cfg.Market.Timeframe)
	bars, err := feed.Historical(ctx, cfg.Market.Symbols[0], tf, trainingBars, time.Now().UTC())
	if err != nil {
		return err
	}
	set, err := engineer.BuildTraining(bars)
	if err != nil {
		return err
	}
	report, err := combiner.Train(set)
	if err != nil {
		return err
	}
	log.Info().
		Str("symbol", cfg.Market.Symbols[0]).
		Int("bars", len(bars)).
		Interface("report", report).
		Msg("Ensemble trained")
	return nil
}

func buildValidator(cfg *config.Config, feed market.Feed, riskStore *risk.Store, led *ledger.Ledger) *validate.Validator {
	var index validate.Index = validate.NewMemoryIndex()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		index = validate.NewRedisIndex(client, cfg.Validator.DedupeWindow)
	}
	return validate.New(validate.Config{
		Timeframes:   cfg.ValidatorTimeframes(),
		MinAgreement: cfg.Validator.MinAgreement,
		DedupeWindow: cfg.Validator.DedupeWindow,
	}, feed, index, config.NewLogger("validator")).WithRiskGate(riskStore, led)
}

func buildAlerts(cfg *config.Config) *alerts.Manager {
	channels := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatIDs)
		if err != nil {
			log.Error().Err(err).Msg("Telegram alerter unavailable, continuing without it")
		} else {
			channels = append(channels, tg)
		}
	}
	return alerts.NewManager(channels...)
}

// sweepBoard re-applies board eviction once a minute so expiries publish
// even when no new signals arrive.
func sweepBoard(ctx context.Context, writer *board.Writer) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.Sweep(); err != nil {
				log.Error().Err(err).Msg("Board sweep failed")
			}
		}
	}
}
