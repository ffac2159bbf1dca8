// Package main is the entry point for the Price service: market-data and FX
// tick ingestion, the two-tier cache, reverse-index fan-out, conflated
// revaluation push, and the hedge-analytics read API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-am/fxhedge/internal/aggregator"
	"github.com/meridian-am/fxhedge/internal/analytics"
	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/database"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/fabric"
	"github.com/meridian-am/fxhedge/internal/kv"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/pricecache"
	"github.com/meridian-am/fxhedge/internal/pricing"
	"github.com/meridian-am/fxhedge/internal/refdata"
	"github.com/meridian-am/fxhedge/internal/reliability"
	"github.com/meridian-am/fxhedge/internal/resilience"
	"github.com/meridian-am/fxhedge/internal/server"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("Starting Price service")

	m := metrics.New("price_service")

	// market.db is owned here; positions, refdata and fills are opened for
	// read-only lookups (revaluation quantities, base currencies, forwards).
	marketDB := mustDB(log, database.Config{Path: cfg.DataDir + "/market.db", Profile: database.ProfileStandard, Name: "market"})
	defer marketDB.Close()
	positionsDB := mustDB(log, database.Config{Path: cfg.DataDir + "/positions.db", Profile: database.ProfileStandard, Name: "positions"})
	defer positionsDB.Close()
	refdataDB := mustDB(log, database.Config{Path: cfg.DataDir + "/refdata.db", Profile: database.ProfileStandard, Name: "refdata"})
	defer refdataDB.Close()
	fillsDB := mustDB(log, database.Config{Path: cfg.DataDir + "/fills.db", Profile: database.ProfileLedger, Name: "fills"})
	defer fillsDB.Close()

	store, err := kv.New(kv.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to distributed store")
	}
	defer store.Close()

	guards := resilience.NewRegistry(cfg.Resilience, m, log)
	bus := fabric.New(store.Client(), fabric.Config{
		Partitions: cfg.FabricPartitions,
		MaxLen:     cfg.FabricMaxLen,
		Block:      cfg.FabricBlock,
		BatchSize:  cfg.ConsumerBatchSize,
	}, m, log)

	marketRepo := pricing.NewRepository(marketDB.Conn(), log)
	cache := pricecache.New(pricecache.Config{
		PriceL1Cap:   cfg.PriceL1Cap,
		FxL1Cap:      cfg.FxL1Cap,
		PriceL1TTL:   cfg.PriceL1TTL,
		FxL1TTL:      cfg.FxL1TTL,
		L2TTL:        cfg.L2TTL,
		StalenessFor: cfg.StalenessFor,
	}, store, marketRepo, m, log)

	refRepo := refdata.NewRepository(refdataDB.Conn(), log)
	symbology := refdata.NewSymbologyResolver(refRepo, log)
	if err := symbology.Refresh(); err != nil {
		log.Warn().Err(err).Msg("Initial symbology refresh failed, continuing with empty cache")
	}

	posStore := positions.NewStore(positionsDB.Conn(), log)
	index := positions.NewReverseIndex(log)
	revaluer := pricing.NewRevaluer(cache, posStore, refRepo, refRepo, getEnv("PIVOT_CURRENCY", "USD"), m, log)
	hub := pricing.NewHub(log)
	conflator := pricing.NewConflator(cfg.ConflationInterval, hub.Push, m, log)

	svc := pricing.NewService(cache, marketRepo, symbology, index, posStore, revaluer, conflator, guards, cfg.PriceFlushEvery, m, log)
	if err := svc.RebuildIndex(); err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild reverse index")
	}

	// Analytics read model over positions + cache + rate history + forwards.
	fillsRepo := aggregator.NewRepository(fillsDB.Conn(), log)
	analyticsSvc := analytics.NewService(posStore, refRepo, cache, marketRepo, fillsRepo, cfg.MaturityAlertWindow, log)

	dbs := map[string]*database.DB{"market": marketDB, "positions": positionsDB, "refdata": refdataDB, "fills": fillsDB}
	health := reliability.NewHealthService(dbs, store, guards, cfg.DataDir, log)
	httpServer := server.New(server.Config{Port: cfg.Port, ShardIndex: cfg.ShardIndex, ShardTotal: cfg.TotalShards}, server.Deps{
		Health:    health,
		Metrics:   m,
		Analytics: analyticsSvc,
		PushHub:   hub,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	consumerName := fmt.Sprintf("price-%d", cfg.ShardIndex)
	tickRetry := fabric.RetryPolicy{MaxAttempts: 3, Wait: 250 * time.Millisecond}
	priceConsumer := bus.NewConsumer("price-service", consumerName, events.TopicMarketData, tickRetry,
		func(ctx context.Context, msg *fabric.Message) error {
			var tick events.PriceTick
			if err := msg.Decode(&tick); err != nil {
				return err
			}
			return svc.HandlePriceTick(ctx, tick)
		})
	fxConsumer := bus.NewConsumer("price-service", consumerName, events.TopicFxRates, tickRetry,
		func(ctx context.Context, msg *fabric.Message) error {
			var tick events.FxRateTick
			if err := msg.Decode(&tick); err != nil {
				return err
			}
			return svc.HandleFxTick(ctx, tick)
		})
	changeConsumer := bus.NewConsumer("price-service", consumerName, events.TopicPositionChange,
		fabric.RetryPolicy{MaxAttempts: 5, Wait: 500 * time.Millisecond, Exponential: true},
		func(ctx context.Context, msg *fabric.Message) error {
			var change events.PositionChange
			if err := msg.Decode(&change); err != nil {
				return err
			}
			return svc.HandlePositionChange(ctx, change)
		})

	group.Go(func() error { return priceConsumer.Start(groupCtx) })
	group.Go(func() error { return fxConsumer.Start(groupCtx) })
	group.Go(func() error { return changeConsumer.Start(groupCtx) })
	group.Go(func() error { conflator.Run(groupCtx); return nil })
	group.Go(func() error { svc.RunFlusher(groupCtx); return nil })
	group.Go(func() error { return httpServer.Start() })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")

	cancel()
	waitDone := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(cfg.ShutdownGrace):
		log.Warn().Msg("In-flight work did not finish within grace period")
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cfg.CleanupGrace)
	defer cleanupCancel()
	_ = httpServer.Shutdown(cleanupCtx)
	log.Info().Msg("Price service stopped")
}

func mustDB(log zerolog.Logger, cfg database.Config) *database.DB {
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to migrate database")
	}
	return db
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
