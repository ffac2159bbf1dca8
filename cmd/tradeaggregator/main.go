// Package main is the entry point for the trade aggregator: the per-order
// fill state machine, VWAP accumulation, orphan detection, and the synthetic
// intraday feed back to the Position Loader.
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
	"github.com/meridian-am/fxhedge/internal/audit"
	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/database"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/fabric"
	"github.com/meridian-am/fxhedge/internal/kv"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/refdata"
	"github.com/meridian-am/fxhedge/internal/reliability"
	"github.com/meridian-am/fxhedge/internal/resilience"
	"github.com/meridian-am/fxhedge/internal/scheduler"
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
	log.Info().Msg("Starting trade aggregator")

	m := metrics.New("trade_aggregator")

	fillsDB := mustDB(log, database.Config{Path: cfg.DataDir + "/fills.db", Profile: database.ProfileLedger, Name: "fills"})
	defer fillsDB.Close()
	refdataDB := mustDB(log, database.Config{Path: cfg.DataDir + "/refdata.db", Profile: database.ProfileStandard, Name: "refdata"})
	defer refdataDB.Close()
	auditDB := mustDB(log, database.Config{Path: cfg.DataDir + "/audit.db", Profile: database.ProfileLedger, Name: "audit"})
	defer auditDB.Close()

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

	fillsRepo := aggregator.NewRepository(fillsDB.Conn(), log)
	states := kv.NewOrderStateStore(store, cfg.OrderStateTTL, log)
	fillIdem := kv.NewIdempotencyStore(store, "fill", cfg.FillIdempotencyTTL, m, log)
	auditRepo := audit.NewRepository(auditDB.Conn(), log)

	refRepo := refdata.NewRepository(refdataDB.Conn(), log)
	symbology := refdata.NewSymbologyResolver(refRepo, log)
	if err := symbology.Refresh(); err != nil {
		log.Warn().Err(err).Msg("Initial symbology refresh failed, continuing with empty cache")
	}
	products := productResolver{symbology: symbology, repo: refRepo}

	svc := aggregator.NewService(fillsRepo, states, fillIdem, bus, products, guards, cfg.FillCountCap, m, log)

	cronSched := scheduler.New(log)
	orphanScan := aggregator.NewOrphanScan(fillsRepo, states, auditRepo, cfg.OrphanThreshold, m, log)
	orphanSchedule := fmt.Sprintf("0 */%d * * * *", int(cfg.OrphanScanInterval.Minutes()))
	if err := cronSched.AddJob(orphanSchedule, orphanScan); err != nil {
		log.Fatal().Err(err).Msg("Failed to register orphan scan")
	}
	dbs := map[string]*database.DB{"fills": fillsDB, "refdata": refdataDB, "audit": auditDB}
	if err := cronSched.AddJob("@hourly", reliability.NewWALCheckpointJob(dbs, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}
	cronSched.Start()

	health := reliability.NewHealthService(dbs, store, guards, cfg.DataDir, log)
	httpServer := server.New(server.Config{Port: cfg.Port, ShardIndex: cfg.ShardIndex, ShardTotal: cfg.TotalShards}, server.Deps{
		Health:  health,
		Metrics: m,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	consumerName := fmt.Sprintf("aggregator-%d", cfg.ShardIndex)
	// Fill ingestion retries are fixed 1s x 3; validation errors short-circuit
	// to the DLQ via the non-retryable flag.
	fillConsumer := bus.NewConsumer("trade-aggregator", consumerName, events.TopicExecReports,
		fabric.RetryPolicy{MaxAttempts: 3, Wait: time.Second},
		func(ctx context.Context, msg *fabric.Message) error {
			var rep events.ExecReport
			if err := msg.Decode(&rep); err != nil {
				return err
			}
			return svc.HandleExecutionReport(ctx, rep.ExecutionReport)
		})

	group.Go(func() error { return fillConsumer.Start(groupCtx) })
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
	cronSched.Stop()
	log.Info().Msg("Trade aggregator stopped")
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

// productResolver combines the symbology cache and the product repository
// into the aggregator's resolver dependency.
type productResolver struct {
	symbology *refdata.SymbologyResolver
	repo      *refdata.Repository
}

func (p productResolver) ResolveTicker(ticker string) (int64, bool) {
	return p.symbology.ResolveTicker(ticker)
}

func (p productResolver) GetProduct(productID int64) (*domain.Product, error) {
	return p.repo.GetProduct(productID)
}
