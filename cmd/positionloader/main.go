// Package main is the entry point for the Position Loader service: EOD
// orchestration, intraday apply, manual upload and client sign-off for the
// accounts this shard owns.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-am/fxhedge/internal/audit"
	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/database"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/fabric"
	"github.com/meridian-am/fxhedge/internal/kv"
	"github.com/meridian-am/fxhedge/internal/loader"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/pricecache"
	"github.com/meridian-am/fxhedge/internal/pricing"
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
	log.Info().
		Int("shard_index", cfg.ShardIndex).
		Int("total_shards", cfg.TotalShards).
		Msg("Starting Position Loader")

	m := metrics.New("position_loader")

	// Databases. Positions and refdata are owned by this service; market is
	// opened for the read-only rate lookups at snapshot load.
	refdataDB := mustDB(log, database.Config{Path: cfg.DataDir + "/refdata.db", Profile: database.ProfileStandard, Name: "refdata"})
	defer refdataDB.Close()
	positionsDB := mustDB(log, database.Config{Path: cfg.DataDir + "/positions.db", Profile: database.ProfileStandard, Name: "positions"})
	defer positionsDB.Close()
	marketDB := mustDB(log, database.Config{Path: cfg.DataDir + "/market.db", Profile: database.ProfileStandard, Name: "market"})
	defer marketDB.Close()
	auditDB := mustDB(log, database.Config{Path: cfg.DataDir + "/audit.db", Profile: database.ProfileLedger, Name: "audit"})
	defer auditDB.Close()

	// Distributed store: locks, intraday idempotency, L2 cache tier.
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

	refRepo := refdata.NewRepository(refdataDB.Conn(), log)
	posStore := positions.NewStore(positionsDB.Conn(), log)
	eodStatus := positions.NewEodStatusRepository(positionsDB.Conn(), log)
	auditRepo := audit.NewRepository(auditDB.Conn(), log)

	marketRepo := pricing.NewRepository(marketDB.Conn(), log)
	rateCache := pricecache.New(pricecache.Config{
		PriceL1Cap:   cfg.PriceL1Cap,
		FxL1Cap:      cfg.FxL1Cap,
		PriceL1TTL:   cfg.PriceL1TTL,
		FxL1TTL:      cfg.FxL1TTL,
		L2TTL:        cfg.L2TTL,
		StalenessFor: cfg.StalenessFor,
	}, store, marketRepo, m, log)

	svc := loader.NewService(loader.Deps{
		Shard:     loader.Shard{Index: cfg.ShardIndex, Total: cfg.TotalShards},
		Store:     posStore,
		EodStatus: eodStatus,
		Refdata:   refRepo,
		Validator: loader.NewValidator(cfg.RejectRowThreshold, log),
		IntraIdem: kv.NewIdempotencyStore(store, "intraday", cfg.IntradayIdempotencyTTL, m, log),
		Locks:     lockAdapter{kv.NewLockManager(store, log)},
		Publisher: bus,
		Rates:     rateAdapter{cache: rateCache},
		Audit:     auditRepo,
		Guards:    guards,
		Upstream: &httpUpstream{
			baseURL: getEnv("MSPM_URL", "http://localhost:8080"),
			client:  &http.Client{},
		},
		LockTTL:     cfg.EodLockTTL,
		ConflictMax: cfg.IntradayConflictMax,
		NotifyMode:  cfg.NotificationMode,
		Metrics:     m,
		Log:         log,
	})

	// Background jobs
	cronSched := scheduler.New(log)
	deadlineWatch := loader.NewDeadlineWatch(
		loader.Shard{Index: cfg.ShardIndex, Total: cfg.TotalShards},
		eodStatus, refRepo, cfg.EodDeadline, m, log)
	if err := cronSched.AddJob("0 * * * * *", deadlineWatch); err != nil {
		log.Fatal().Err(err).Msg("Failed to register deadline watch")
	}
	dbs := map[string]*database.DB{"refdata": refdataDB, "positions": positionsDB, "audit": auditDB}
	if err := cronSched.AddJob("@hourly", reliability.NewWALCheckpointJob(dbs, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}
	if cfg.BackupBucket != "" {
		backup, err := reliability.NewBackupService(dbs, cfg.DataDir, reliability.S3Config{
			Bucket: cfg.BackupBucket, Endpoint: cfg.BackupEndpoint,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialise backup service")
		}
		if err := cronSched.AddJob("@hourly", backup); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	}
	cronSched.Start()

	// HTTP surface
	health := reliability.NewHealthService(dbs, store, guards, cfg.DataDir, log)
	httpServer := server.New(server.Config{Port: cfg.Port, ShardIndex: cfg.ShardIndex, ShardTotal: cfg.TotalShards}, server.Deps{
		Health:    health,
		Metrics:   m,
		Positions: posStore,
		EodStatus: eodStatus,
	}, log)

	// Consumers: EOD triggers and intraday snapshots, both keyed by account.
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	consumerName := fmt.Sprintf("loader-%d", cfg.ShardIndex)
	eodConsumer := bus.NewConsumer("position-loader", consumerName, events.TopicEodTrigger,
		fabric.RetryPolicy{MaxAttempts: 5, Wait: 500 * time.Millisecond, Exponential: true},
		func(ctx context.Context, msg *fabric.Message) error {
			var trigger events.EodTrigger
			if err := msg.Decode(&trigger); err != nil {
				return err
			}
			if trigger.BusinessDate == "" {
				trigger.BusinessDate = time.Now().Format("2006-01-02")
			}
			return svc.RunEod(ctx, trigger.AccountID, trigger.BusinessDate)
		})
	intradayConsumer := bus.NewConsumer("position-loader", consumerName, events.TopicIntraday,
		fabric.RetryPolicy{MaxAttempts: 5, Wait: 500 * time.Millisecond, Exponential: true},
		func(ctx context.Context, msg *fabric.Message) error {
			var snap events.AccountSnapshot
			if err := msg.Decode(&snap); err != nil {
				return err
			}
			return svc.ApplyIntraday(ctx, &snap)
		})

	group.Go(func() error { return eodConsumer.Start(groupCtx) })
	group.Go(func() error { return intradayConsumer.Start(groupCtx) })
	group.Go(func() error { return httpServer.Start() })

	// Shutdown: stop intake, wait for in-flight work, run cleanup tasks.
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
	log.Info().Msg("Position Loader stopped")
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

// lockAdapter bridges kv.LockManager's concrete lease to loader.Locker.
type lockAdapter struct {
	manager *kv.LockManager
}

func (a lockAdapter) Acquire(ctx context.Context, name string, ttl time.Duration) (loader.Lease, error) {
	lock, err := a.manager.Acquire(ctx, name, ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// rateAdapter exposes the FX cache's effective rate as a loader.RateSource.
type rateAdapter struct {
	cache *pricecache.Cache
}

func (a rateAdapter) GetRate(ctx context.Context, pair string) (decimal.Decimal, bool) {
	lookup, ok := a.cache.GetRate(ctx, pair)
	if !ok {
		return decimal.Decimal{}, false
	}
	return lookup.Value, true
}

// httpUpstream pulls EOD snapshots from the portfolio-management feed.
type httpUpstream struct {
	baseURL string
	client  *http.Client
}

func (u *httpUpstream) FetchSnapshot(ctx context.Context, accountID int64, businessDate string) (*events.AccountSnapshot, error) {
	url := fmt.Sprintf("%s/accounts/%d/snapshot?date=%s", u.baseURL, accountID, businessDate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d for account %d", resp.StatusCode, accountID)
	}
	var snap events.AccountSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
