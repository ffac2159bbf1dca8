package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.ShardIndex)
	assert.Equal(t, 1, cfg.TotalShards)
	assert.Equal(t, 24*time.Hour, cfg.FillIdempotencyTTL)
	assert.Equal(t, 60*time.Minute, cfg.IntradayIdempotencyTTL)
	assert.Equal(t, 50_000, cfg.PriceL1Cap)
	assert.Equal(t, 1_000, cfg.FxL1Cap)
	assert.Equal(t, 30*time.Second, cfg.PriceL1TTL)
	assert.Equal(t, 60*time.Second, cfg.FxL1TTL)
	assert.Equal(t, 5*time.Minute, cfg.L2TTL)
	assert.Equal(t, 250*time.Millisecond, cfg.ConflationInterval)
	assert.Equal(t, 30*time.Minute, cfg.OrphanThreshold)
	assert.Equal(t, 5*time.Minute, cfg.OrphanScanInterval)
	assert.Equal(t, 4*time.Hour, cfg.OrderStateTTL)
	assert.Equal(t, NotifyFabric, cfg.NotificationMode)
}

func TestStalenessFor(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.StalenessFor("REALTIME"))
	assert.Equal(t, 24*time.Hour, cfg.StalenessFor("RCP_SNAP"))
	assert.Equal(t, 24*time.Hour, cfg.StalenessFor("MSPA"))
	assert.Equal(t, 24*time.Hour, cfg.StalenessFor("UNKNOWN"))
}

func TestValidation(t *testing.T) {
	t.Run("shard index out of range", func(t *testing.T) {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		cfg.ShardIndex = 5
		cfg.TotalShards = 3
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad notification mode", func(t *testing.T) {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		cfg.NotificationMode = "carrier-pigeon"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad deadline format", func(t *testing.T) {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		cfg.EodDeadline = "25:99"
		assert.Error(t, cfg.Validate())
	})
}

func TestResilienceTable(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	for _, dep := range []string{DepDatabase, DepCache, DepMessaging, DepUpstream, DepTradeChannel} {
		rc, ok := cfg.Resilience[dep]
		require.True(t, ok, "missing resilience config for %s", dep)
		assert.Greater(t, rc.FailureRateThreshold, 0.0)
		assert.Greater(t, rc.CallTimeout, time.Duration(0))
	}

	// Per-dependency call timeout defaults
	assert.Equal(t, 10*time.Second, cfg.Resilience[DepDatabase].CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Resilience[DepCache].CallTimeout)
	assert.Equal(t, 3*time.Second, cfg.Resilience[DepMessaging].CallTimeout)
	assert.Equal(t, 15*time.Second, cfg.Resilience[DepUpstream].CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Resilience[DepTradeChannel].CallTimeout)
}
