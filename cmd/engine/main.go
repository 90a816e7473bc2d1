package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"edgeengine/internal/backend/clobapi"
	"edgeengine/internal/backend/manual"
	"edgeengine/internal/backend/relay"
	"edgeengine/internal/config"
	cronrunner "edgeengine/internal/cron"
	"edgeengine/internal/db"
	"edgeengine/internal/engine"
	"edgeengine/internal/execution"
	"edgeengine/internal/journal"
	"edgeengine/internal/logger"
	"edgeengine/internal/marketsource"
	"edgeengine/internal/repository"
	"edgeengine/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("EDGE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if raw := os.Getenv("EDGE_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder session.Recorder
	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		dbConn, err := db.Open(cfg.DB)
		if err != nil {
			log.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.Ping(dbConn); err != nil {
			log.Fatal("db ping failed", zap.Error(err))
		}
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			log.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			log.Fatal("auto-migrate failed", zap.Error(err))
		}
		repo := repository.New(dbConn.Gorm)
		jnl = journal.New(repo, log)
		recorder = jnl
		if recent, err := repo.ListPositions(ctx, 5); err != nil {
			log.Warn("journal read failed", zap.Error(err))
		} else {
			log.Info("journal ready", zap.Int("recent_positions", len(recent)))
		}
	}

	source, overlay := buildSource(cfg, log)
	if overlay != nil {
		go func() {
			if err := overlay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("quote stream stopped", zap.Error(err))
			}
		}()
	}

	backends := buildBackends(cfg, log)
	orchestrator := execution.NewOrchestrator(backends, execution.Config{
		AttemptsPerBackend: cfg.Execution.AttemptsPerBackend,
		RetryDelay:         cfg.Execution.RetryDelay,
		BackoffBase:        cfg.Execution.BackoffBase,
		BackoffMax:         cfg.Execution.BackoffCeiling,
	}, log)

	analyzer := engine.NewAnalyzer(engine.AnalyzerConfig{
		MinEdgeThreshold: cfg.Engine.MinEdgeThreshold,
		SentimentWeight:  cfg.Engine.SentimentWeight,
		VolumeNormalizer: cfg.Engine.VolumeNormalizer,
		ConfidenceCap:    cfg.Engine.ConfidenceCap,
		FixedBias:        cfg.Engine.FixedBias,
		ProbFloor:        cfg.Engine.ProbFloor,
		ProbCeil:         cfg.Engine.ProbCeil,
		PriceFloor:       cfg.Engine.PriceFloor,
		PriceCeil:        cfg.Engine.PriceCeil,
	}, nil)
	sizer := engine.NewSizer(engine.SizerConfig{
		KellyShrinkFactor:   cfg.Engine.KellyShrinkFactor,
		MinStake:            decimal.NewFromFloat(cfg.Engine.MinStake),
		MaxStake:            decimal.NewFromFloat(cfg.Engine.MaxStake),
		MaxBankrollFraction: cfg.Engine.MaxBankrollFraction,
	})

	startingBankroll := decimal.NewFromFloat(cfg.Session.StartingBankroll)
	if cfg.Journal.ResumeBankroll && jnl != nil {
		switch cp, err := jnl.LatestBankroll(ctx); {
		case err != nil:
			log.Warn("latest checkpoint read failed", zap.Error(err))
		case cp != nil && cp.Bankroll.IsPositive():
			startingBankroll = cp.Bankroll
			log.Info("resuming bankroll from last checkpoint",
				zap.String("bankroll", cp.Bankroll.String()),
				zap.Time("checkpoint_at", cp.CreatedAt))
		}
	}

	sess := session.New(session.Config{
		StartingBankroll:      startingBankroll,
		InitialStake:          decimal.NewFromFloat(cfg.Session.InitialStake),
		MinStake:              decimal.NewFromFloat(cfg.Engine.MinStake),
		MaxStake:              decimal.NewFromFloat(cfg.Engine.MaxStake),
		DailyTradeLimit:       cfg.Session.DailyTradeLimit,
		DrawdownStopFraction:  cfg.Session.DrawdownStopFraction,
		BackendFailureCeiling: cfg.Session.BackendFailureCeiling,
		TradingInterval:       cfg.Session.TradingInterval,
		IdleInterval:          cfg.Session.IdleInterval,
		WinStakeFactor:        cfg.Session.WinStakeFactor,
		LossStakeFactor:       cfg.Session.LossStakeFactor,
		WinMultiplierFactor:   cfg.Session.WinMultiplierFactor,
		LossMultiplierFactor:  cfg.Session.LossMultiplierFactor,
		MinMultiplier:         cfg.Session.MinMultiplier,
		MaxMultiplier:         cfg.Session.MaxMultiplier,
		ScanWorkers:           cfg.Session.ScanWorkers,
		PerMarketTimeout:      cfg.Session.PerMarketTimeout,
	}, source, analyzer, sizer, orchestrator, recorder, log)

	var runner *cronrunner.Runner
	if cfg.Cron.Enabled {
		runner = cronrunner.New(log, ctx)
		if _, err := runner.Add(cfg.Cron.Status, func(context.Context) {
			sess.LogStatus()
		}); err != nil {
			log.Warn("schedule status job failed", zap.Error(err))
		}
		if recorder != nil {
			if _, err := runner.Add(cfg.Cron.Checkpoint, func(jobCtx context.Context) {
				cpCtx, cancel := context.WithTimeout(jobCtx, 10*time.Second)
				defer cancel()
				if err := sess.Checkpoint(cpCtx); err != nil {
					log.Warn("checkpoint failed", zap.Error(err))
				}
			}); err != nil {
				log.Warn("schedule checkpoint job failed", zap.Error(err))
			}
		}
		runner.Start()
		defer runner.Stop()
	}

	log.Info("engine starting",
		zap.String("env", cfg.App.Env),
		zap.String("source", cfg.Source.Mode),
		zap.Strings("backend_order", cfg.Execution.BackendOrder),
		zap.Bool("journal", cfg.Journal.Enabled))

	err = sess.Run(ctx)
	switch {
	case errors.Is(err, session.ErrHalted):
		snap := sess.Snapshot()
		log.Warn("session halted; operator restart required",
			zap.String("reason", string(snap.HaltReason)),
			zap.String("bankroll", snap.Bankroll.String()),
			zap.Int("trades_today", snap.TradesToday))
	case errors.Is(err, context.Canceled):
		log.Info("engine stopped")
	case err != nil:
		log.Error("session exited", zap.Error(err))
	}
}

// buildSource assembles the configured market source, optionally wrapped
// with the live quote stream overlay.
func buildSource(cfg config.Config, log *zap.Logger) (marketsource.Source, *marketsource.StreamOverlay) {
	var base marketsource.Source
	switch strings.ToLower(cfg.Source.Mode) {
	case "file":
		base = marketsource.NewFileSource(marketsource.FileConfig{
			Path:      cfg.Source.SnapshotPath,
			MinVolume: cfg.Source.MinVolume,
		}, log)
	default:
		base = marketsource.NewRESTSource(marketsource.RESTConfig{
			GammaURL:   cfg.Source.GammaURL,
			CLOBURL:    cfg.Source.ClobURL,
			Timeout:    cfg.Source.Timeout,
			MinVolume:  cfg.Source.MinVolume,
			MaxMarkets: cfg.Source.MaxMarkets,
		}, log)
	}

	if !cfg.Source.Stream.Enabled {
		return base, nil
	}
	overlay := marketsource.NewStreamOverlay(base, marketsource.StreamConfig{
		URL:         cfg.Source.Stream.URL,
		MaxQuoteAge: cfg.Source.Stream.MaxQuoteAge,
	}, log)
	return overlay, overlay
}

// buildBackends instantiates the execution chain in configured order.
// Unknown names are skipped with a warning rather than failing startup.
func buildBackends(cfg config.Config, log *zap.Logger) []execution.Backend {
	order := cfg.Execution.BackendOrder
	if len(order) == 0 {
		order = []string{clobapi.Name, relay.Name, manual.Name}
	}
	backends := make([]execution.Backend, 0, len(order))
	for _, name := range order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case clobapi.Name:
			backends = append(backends, clobapi.New(clobapi.Config{
				BaseURL:           cfg.Execution.ClobAPI.BaseURL,
				APIKey:            cfg.Execution.ClobAPI.APIKey,
				Timeout:           cfg.Execution.ClobAPI.Timeout,
				RequestsPerSecond: cfg.Execution.ClobAPI.RequestsPerSecond,
				Burst:             cfg.Execution.ClobAPI.Burst,
			}, log))
		case relay.Name:
			backends = append(backends, relay.New(relay.Config{
				Endpoint: cfg.Execution.Relay.Endpoint,
				Timeout:  cfg.Execution.Relay.Timeout,
			}, log))
		case manual.Name:
			backends = append(backends, manual.New(log, nil))
		default:
			log.Warn("unknown execution backend in order", zap.String("name", name))
		}
	}
	return backends
}
