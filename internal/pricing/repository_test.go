package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/domain"
	fxtesting "github.com/meridian-am/fxhedge/internal/testing"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

func newMarketRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := fxtesting.NewTestDB(t, "market")
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return NewRepository(db.Conn(), log), cleanup
}

func TestLatestPricePrefersHigherRankedSource(t *testing.T) {
	repo, cleanup := newMarketRepo(t)
	defer cleanup()

	date := time.Now().Format("2006-01-02")
	require.NoError(t, repo.UpsertPrice(domain.Price{
		ProductID: 42, PriceDate: date, Source: domain.SourceMspa,
		Value: decimal.RequireFromString("99"), UpdatedAt: time.Now(),
	}))
	require.NoError(t, repo.UpsertPrice(domain.Price{
		ProductID: 42, PriceDate: date, Source: domain.SourceRealtime,
		Value: decimal.RequireFromString("101"), UpdatedAt: time.Now(),
	}))

	best, err := repo.LatestPrice(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, domain.SourceRealtime, best.Source)
	assert.True(t, decimal.RequireFromString("101").Equal(best.Value))
}

func TestUpsertPriceCoalesces(t *testing.T) {
	repo, cleanup := newMarketRepo(t)
	defer cleanup()

	date := time.Now().Format("2006-01-02")
	for _, v := range []string{"100", "101", "102"} {
		require.NoError(t, repo.UpsertPrice(domain.Price{
			ProductID: 7, PriceDate: date, Source: domain.SourceRealtime,
			Value: decimal.RequireFromString(v), UpdatedAt: time.Now(),
		}))
	}

	best, err := repo.LatestPrice(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.True(t, decimal.RequireFromString("102").Equal(best.Value))
}

func TestRateHistoryOldestFirst(t *testing.T) {
	repo, cleanup := newMarketRepo(t)
	defer cleanup()

	dates := []string{"2026-07-28", "2026-07-29", "2026-07-30"}
	for i, d := range dates {
		require.NoError(t, repo.UpsertRate(domain.FxRate{
			CurrencyPair: "EUR/USD", RateDate: d, Source: domain.SourceRcpSnap,
			Rate:      decimal.NewFromInt(int64(i + 1)),
			UpdatedAt: time.Now(),
		}))
	}

	history, err := repo.RateHistory("EUR/USD", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "2026-07-28", history[0].RateDate)
	assert.Equal(t, "2026-07-30", history[2].RateDate)
}

func TestLatestRateWithForwardPoints(t *testing.T) {
	repo, cleanup := newMarketRepo(t)
	defer cleanup()

	points := decimal.RequireFromString("0.00125")
	require.NoError(t, repo.UpsertRate(domain.FxRate{
		CurrencyPair: "EUR/USD", RateDate: "2026-07-31", Source: domain.SourceRealtime,
		Rate: decimal.RequireFromString("1.0540"), ForwardPoints: &points, UpdatedAt: time.Now(),
	}))

	rate, err := repo.LatestRate(context.Background(), "EUR/USD")
	require.NoError(t, err)
	require.NotNil(t, rate)
	require.NotNil(t, rate.ForwardPoints)
	assert.True(t, points.Equal(*rate.ForwardPoints))
}
