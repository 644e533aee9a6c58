package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convexfund/cbsearch/internal/config"
	"github.com/convexfund/cbsearch/internal/database"
	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/catalog"
	"github.com/convexfund/cbsearch/internal/modules/objective"
	"github.com/convexfund/cbsearch/internal/modules/space"
	"github.com/convexfund/cbsearch/internal/modules/trials"
	"github.com/convexfund/cbsearch/internal/pipeline"
	"github.com/convexfund/cbsearch/internal/scheduler"
	"github.com/convexfund/cbsearch/internal/server"
	"github.com/convexfund/cbsearch/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})

	log.Info().Msg("Starting convertible-bond strategy search")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	// trials.db - append-only trial history, maximum-safety profile
	trialsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/trials.db",
		Profile: database.ProfileLedger,
		Name:    "trials",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize trials database")
	}
	defer trialsDB.Close()

	store := trials.NewRepository(trialsDB.Conn(), log)
	if err := store.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate trials schema")
	}

	// The strategy catalog is mandatory; a missing or malformed file is a
	// fatal configuration error with no fallback.
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load strategy catalog")
	}
	log.Info().
		Int("strategies", len(cat.StrategyNames())).
		Int("factors", len(cat.FactorPool())).
		Msg("Strategy catalog loaded")

	searchSpace := space.New(cat)
	log.Info().Int("parameters", searchSpace.Size()).Msg("Parameter space built")

	scorer := backtest.NewClient(cfg.BacktestServiceURL, log)
	window := backtest.Window{
		StartDate: cfg.StartDate,
		EndDate:   cfg.EndDate,
		PriceMin:  cfg.PriceMin,
		PriceMax:  cfg.PriceMax,
		HoldNum:   cfg.HoldNum,
	}
	obj := objective.New(objective.NewDecoder(cat), scorer, window, cfg.TrialTimeout, log)

	// Each run gets its own seed stream so scheduled runs keep exploring
	// instead of replaying the same trajectory.
	factory := func(iteration int64) scheduler.SearchRunner {
		return pipeline.NewRunner(pipeline.RunConfig{
			Seed:             cfg.Seed + iteration,
			TrialsPhase1:     cfg.TrialsPhase1,
			TrialsPhase2:     cfg.TrialsPhase2,
			TopN:             cfg.TopN,
			Workers:          cfg.Workers,
			ExplorationRatio: cfg.ExplorationRatio,
			ErrorPolicy:      cfg.ScorerPolicy,
		}, searchSpace, obj, store, log)
	}
	searchJob := scheduler.NewSearchRunJob(factory, log)

	sched := scheduler.New(log)
	if cfg.CronSchedule != "" {
		if err := sched.AddJob(cfg.CronSchedule, searchJob); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.CronSchedule).Msg("Failed to register search run job")
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Store:     store,
		SearchJob: searchJob,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	if cfg.RunOnStart {
		go func() {
			if err := sched.RunNow(searchJob); err != nil {
				log.Error().Err(err).Msg("Startup search run failed")
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
