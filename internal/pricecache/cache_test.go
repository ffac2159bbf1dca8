package pricecache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

func newTestCache() *Cache {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return New(Config{
		PriceL1Cap: 100,
		FxL1Cap:    10,
		PriceL1TTL: time.Minute,
		FxL1TTL:    time.Minute,
		L2TTL:      5 * time.Minute,
		StalenessFor: func(source string) time.Duration {
			if source == "REALTIME" {
				return 30 * time.Second
			}
			return 24 * time.Hour
		},
	}, nil, nil, nil, log)
}

func TestSourceRankGate(t *testing.T) {
	ctx := context.Background()

	t.Run("higher rank displaces lower", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("100.5"), Source: domain.SourceMspa, Ts: time.Now(),
		}))
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("101.5"), Source: domain.SourceRealtime, Ts: time.Now(),
		}))

		lookup, ok := c.GetPrice(ctx, 42)
		require.True(t, ok)
		assert.Equal(t, domain.SourceRealtime, lookup.Source)
		assert.True(t, decimal.RequireFromString("101.5").Equal(lookup.Value))
	})

	t.Run("lower rank is gated by a fresh higher-rank entry", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("99"), Source: domain.SourceOverride, Ts: time.Now(),
		}))
		err := c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("98"), Source: domain.SourceRealtime, Ts: time.Now(),
		})
		require.Error(t, err)

		lookup, ok := c.GetPrice(ctx, 42)
		require.True(t, ok)
		assert.Equal(t, domain.SourceOverride, lookup.Source)
	})

	t.Run("lower rank displaces a stale entry", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("99"), Source: domain.SourceRealtime,
			Ts: time.Now().Add(-time.Minute), // past the 30s REALTIME deadline
		}))
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("98.5"), Source: domain.SourceMspa, Ts: time.Now(),
		}))

		lookup, ok := c.GetPrice(ctx, 42)
		require.True(t, ok)
		assert.Equal(t, domain.SourceMspa, lookup.Source)
	})

	t.Run("equal rank always writes", func(t *testing.T) {
		c := newTestCache()
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("1"), Source: domain.SourceRealtime, Ts: time.Now(),
		}))
		require.NoError(t, c.PutPrice(ctx, 42, Entry{
			Value: decimal.RequireFromString("2"), Source: domain.SourceRealtime, Ts: time.Now(),
		}))
		lookup, _ := c.GetPrice(ctx, 42)
		assert.True(t, decimal.RequireFromString("2").Equal(lookup.Value))
	})
}

func TestZeroPriceNeverCached(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	require.NoError(t, c.PutPrice(ctx, 7, Entry{
		Value: decimal.RequireFromString("55"), Source: domain.SourceRealtime, Ts: time.Now(),
	}))

	err := c.PutPrice(ctx, 7, Entry{
		Value: decimal.Zero, Source: domain.SourceOverride, Ts: time.Now(),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeZeroPrice, domain.CodeOf(err))

	// Prior price remains in effect
	lookup, ok := c.GetPrice(ctx, 7)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("55").Equal(lookup.Value))
}

func TestStaleReadsAreTagged(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	require.NoError(t, c.PutPrice(ctx, 9, Entry{
		Value: decimal.RequireFromString("12"), Source: domain.SourceRealtime,
		Ts: time.Now().Add(-time.Minute),
	}))

	lookup, ok := c.GetPrice(ctx, 9)
	require.True(t, ok)
	assert.True(t, lookup.Stale)
}

func TestFxRates(t *testing.T) {
	ctx := context.Background()
	c := newTestCache()

	require.NoError(t, c.PutRate(ctx, "EUR/USD", Entry{
		Value: decimal.RequireFromString("1.0540"), Source: domain.SourceRealtime, Ts: time.Now(),
	}))
	lookup, ok := c.GetRate(ctx, "EUR/USD")
	require.True(t, ok)
	assert.False(t, lookup.Stale)
	assert.True(t, decimal.RequireFromString("1.0540").Equal(lookup.Value))

	c.EvictRate(ctx, "EUR/USD")
	_, ok = c.GetRate(ctx, "EUR/USD")
	assert.False(t, ok)
}

func TestMissWithoutBackingStore(t *testing.T) {
	c := newTestCache()
	_, ok := c.GetPrice(context.Background(), 12345)
	assert.False(t, ok)
}
