// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables (.env file supported via
// godotenv). Every tunable the platform recognises lives on the Config struct:
// sharding, EOD deadline, cache TTLs and caps, staleness deadlines per price
// source, resilience settings per named dependency, and per-call timeouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Dependency names used by the resilience registry. Every cross-process call
// is wrapped with the breaker/retry/limiter configured for one of these.
const (
	DepDatabase     = "database"
	DepCache        = "cache"
	DepMessaging    = "messaging"
	DepUpstream     = "upstream"
	DepTradeChannel = "tradechannel"
)

// NotificationMode selects how cache-invalidation notifications are delivered.
type NotificationMode string

const (
	NotifyDirect NotificationMode = "direct"
	NotifyFabric NotificationMode = "fabric"
	NotifyBoth   NotificationMode = "both"
)

// ResilienceConfig holds breaker, retry and rate-limiter settings for one
// named dependency.
type ResilienceConfig struct {
	FailureRateThreshold float64       // breaker opens past this failure ratio
	SlowCallThreshold    time.Duration // calls slower than this count as failures
	MinCalls             int           // minimum observations before the breaker can open
	HalfOpenProbes       int           // probe calls allowed in half-open state
	OpenWait             time.Duration // time spent open before half-opening
	RetryMaxAttempts     int
	RetryWait            time.Duration // base wait; exponential when RetryExponential
	RetryExponential     bool
	RatePermits          int           // permits per period (0 = unlimited)
	RatePeriod           time.Duration
	CallTimeout          time.Duration // per-call deadline
}

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string // debug, info, warn, error
	Port     int    // Admin/read HTTP server port
	DevMode  bool

	// Sharding. An account is owned by shard |accountId| mod TotalShards.
	ShardIndex  int
	TotalShards int

	// Redis (distributed KV + messaging fabric).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Messaging fabric.
	FabricPartitions  int           // partition streams per topic
	FabricBlock       time.Duration // consumer poll block time
	FabricMaxLen      int64         // approximate stream retention length
	ConsumerBatchSize int

	// Idempotency TTLs.
	FillIdempotencyTTL     time.Duration // default 24h
	IntradayIdempotencyTTL time.Duration // default 60m

	// Price/FX cache.
	PriceL1Cap      int           // default 50_000
	FxL1Cap         int           // default 1_000
	PriceL1TTL      time.Duration // default 30s
	FxL1TTL         time.Duration // default 60s
	L2TTL           time.Duration // default 5m
	StaleRealtime   time.Duration // default 30s
	StaleOverride   time.Duration // default 24h
	StaleRcpSnap    time.Duration // default 24h
	StaleMspa       time.Duration // default 24h
	PriceFlushEvery time.Duration // throttled dirty-row DB flush, default 1s

	// Revaluation push.
	ConflationInterval time.Duration // default 250ms

	// Position loader.
	EodDeadline          string        // "HH:MM" local time of day
	EodLockTTL           time.Duration // per-account lease duration
	RejectRowThreshold   float64       // fraction of rejected rows that fails a snapshot
	IntradayConflictMax  int           // bounded optimistic-concurrency retries

	// Trade aggregator.
	OrderStateTTL      time.Duration // default 4h
	OrphanThreshold    time.Duration // default 30m
	OrphanScanInterval time.Duration // default 5m
	FillCountCap       int           // completion cap when no terminal report arrives

	// Analytics.
	MaturityAlertWindow int // days ahead for forward maturity alerts

	// Notifications.
	NotificationMode NotificationMode

	// Shutdown.
	ShutdownGrace time.Duration // wait for in-flight work
	CleanupGrace  time.Duration // second budget for cleanup tasks

	// Snapshot backups (optional; disabled when bucket is empty).
	BackupBucket   string
	BackupEndpoint string
	BackupInterval time.Duration

	// Resilience table per named dependency.
	Resilience map[string]ResilienceConfig
}

// Load reads configuration from environment variables. A .env file is loaded
// first when present; explicit environment variables win.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	dataDir := ""
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("FXHEDGE_DATA_DIR", "./data")
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("HTTP_PORT", 8041),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		ShardIndex:  getEnvAsInt("SHARD_INDEX", 0),
		TotalShards: getEnvAsInt("TOTAL_SHARDS", 1),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		FabricPartitions:  getEnvAsInt("FABRIC_PARTITIONS", 8),
		FabricBlock:       getEnvAsDuration("FABRIC_BLOCK", 2*time.Second),
		FabricMaxLen:      int64(getEnvAsInt("FABRIC_MAXLEN", 100_000)),
		ConsumerBatchSize: getEnvAsInt("CONSUMER_BATCH_SIZE", 64),

		FillIdempotencyTTL:     getEnvAsDuration("FILL_IDEMPOTENCY_TTL", 24*time.Hour),
		IntradayIdempotencyTTL: getEnvAsDuration("INTRADAY_IDEMPOTENCY_TTL", 60*time.Minute),

		PriceL1Cap:      getEnvAsInt("PRICE_L1_CAP", 50_000),
		FxL1Cap:         getEnvAsInt("FX_L1_CAP", 1_000),
		PriceL1TTL:      getEnvAsDuration("PRICE_L1_TTL", 30*time.Second),
		FxL1TTL:         getEnvAsDuration("FX_L1_TTL", 60*time.Second),
		L2TTL:           getEnvAsDuration("L2_TTL", 5*time.Minute),
		StaleRealtime:   getEnvAsDuration("STALE_REALTIME", 30*time.Second),
		StaleOverride:   getEnvAsDuration("STALE_OVERRIDE", 24*time.Hour),
		StaleRcpSnap:    getEnvAsDuration("STALE_RCP_SNAP", 24*time.Hour),
		StaleMspa:       getEnvAsDuration("STALE_MSPA", 24*time.Hour),
		PriceFlushEvery: getEnvAsDuration("PRICE_FLUSH_EVERY", time.Second),

		ConflationInterval: getEnvAsDuration("CONFLATION_INTERVAL", 250*time.Millisecond),

		EodDeadline:         getEnv("EOD_DEADLINE", "21:30"),
		EodLockTTL:          getEnvAsDuration("EOD_LOCK_TTL", 10*time.Minute),
		RejectRowThreshold:  getEnvAsFloat("REJECT_ROW_THRESHOLD", 0.1),
		IntradayConflictMax: getEnvAsInt("INTRADAY_CONFLICT_MAX", 3),

		OrderStateTTL:      getEnvAsDuration("ORDER_STATE_TTL", 4*time.Hour),
		OrphanThreshold:    getEnvAsDuration("ORPHAN_THRESHOLD", 30*time.Minute),
		OrphanScanInterval: getEnvAsDuration("ORPHAN_SCAN_INTERVAL", 5*time.Minute),
		FillCountCap:       getEnvAsInt("FILL_COUNT_CAP", 200),

		MaturityAlertWindow: getEnvAsInt("MATURITY_ALERT_WINDOW_DAYS", 7),

		NotificationMode: NotificationMode(getEnv("NOTIFICATION_MODE", string(NotifyFabric))),

		ShutdownGrace: getEnvAsDuration("SHUTDOWN_GRACE", 30*time.Second),
		CleanupGrace:  getEnvAsDuration("CLEANUP_GRACE", 10*time.Second),

		BackupBucket:   getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint: getEnv("BACKUP_ENDPOINT", ""),
		BackupInterval: getEnvAsDuration("BACKUP_INTERVAL", time.Hour),

		Resilience: defaultResilience(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behaviour.
func (c *Config) Validate() error {
	if c.TotalShards < 1 {
		return fmt.Errorf("TOTAL_SHARDS must be >= 1, got %d", c.TotalShards)
	}
	if c.ShardIndex < 0 || c.ShardIndex >= c.TotalShards {
		return fmt.Errorf("SHARD_INDEX %d out of range for %d shards", c.ShardIndex, c.TotalShards)
	}
	if c.FabricPartitions < 1 {
		return fmt.Errorf("FABRIC_PARTITIONS must be >= 1, got %d", c.FabricPartitions)
	}
	switch c.NotificationMode {
	case NotifyDirect, NotifyFabric, NotifyBoth:
	default:
		return fmt.Errorf("invalid NOTIFICATION_MODE %q", c.NotificationMode)
	}
	if _, err := time.Parse("15:04", c.EodDeadline); err != nil {
		return fmt.Errorf("invalid EOD_DEADLINE %q: %w", c.EodDeadline, err)
	}
	return nil
}

// StalenessFor returns the maximum age a cached value from the given source
// is considered fresh.
func (c *Config) StalenessFor(source string) time.Duration {
	switch source {
	case "REALTIME":
		return c.StaleRealtime
	case "OVERRIDE":
		return c.StaleOverride
	case "RCP_SNAP":
		return c.StaleRcpSnap
	default:
		return c.StaleMspa
	}
}

// defaultResilience builds the per-dependency resilience table. Values follow
// the platform defaults: DB calls 10s, cache 500ms, messaging 3s, upstream
// feed 15s, trade channel 5s.
func defaultResilience() map[string]ResilienceConfig {
	return map[string]ResilienceConfig{
		DepDatabase: {
			FailureRateThreshold: 0.5,
			SlowCallThreshold:    5 * time.Second,
			MinCalls:             10,
			HalfOpenProbes:       3,
			OpenWait:             15 * time.Second,
			RetryMaxAttempts:     5,
			RetryWait:            500 * time.Millisecond,
			RetryExponential:     true,
			CallTimeout:          10 * time.Second,
		},
		DepCache: {
			FailureRateThreshold: 0.5,
			SlowCallThreshold:    200 * time.Millisecond,
			MinCalls:             20,
			HalfOpenProbes:       5,
			OpenWait:             5 * time.Second,
			RetryMaxAttempts:     2,
			RetryWait:            50 * time.Millisecond,
			RetryExponential:     false,
			CallTimeout:          500 * time.Millisecond,
		},
		DepMessaging: {
			FailureRateThreshold: 0.5,
			SlowCallThreshold:    time.Second,
			MinCalls:             10,
			HalfOpenProbes:       3,
			OpenWait:             10 * time.Second,
			RetryMaxAttempts:     3,
			RetryWait:            time.Second,
			RetryExponential:     false,
			CallTimeout:          3 * time.Second,
		},
		DepUpstream: {
			FailureRateThreshold: 0.4,
			SlowCallThreshold:    10 * time.Second,
			MinCalls:             5,
			HalfOpenProbes:       2,
			OpenWait:             30 * time.Second,
			RetryMaxAttempts:     4,
			RetryWait:            2 * time.Second,
			RetryExponential:     true,
			RatePermits:          20,
			RatePeriod:           time.Second,
			CallTimeout:          15 * time.Second,
		},
		DepTradeChannel: {
			FailureRateThreshold: 0.5,
			SlowCallThreshold:    2 * time.Second,
			MinCalls:             10,
			HalfOpenProbes:       3,
			OpenWait:             20 * time.Second,
			RetryMaxAttempts:     3,
			RetryWait:            time.Second,
			RetryExponential:     false,
			RatePermits:          50,
			RatePeriod:           time.Second,
			CallTimeout:          5 * time.Second,
		},
	}
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as a float with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsDuration retrieves an environment variable as a duration ("30s",
// "5m") with a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
