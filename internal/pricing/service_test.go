package pricing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/pricecache"
	"github.com/meridian-am/fxhedge/internal/refdata"
	"github.com/meridian-am/fxhedge/internal/resilience"
	fxtesting "github.com/meridian-am/fxhedge/internal/testing"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

type priceFixture struct {
	svc       *Service
	cache     *pricecache.Cache
	index     *positions.ReverseIndex
	store     *positions.Store
	sink      *updateSink
	conflator *Conflator
	cleanup   func()
}

type updateSink struct {
	mu      sync.Mutex
	updates []Revaluation
}

func (s *updateSink) push(u Revaluation) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *updateSink) all() []Revaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Revaluation(nil), s.updates...)
}

func newPriceFixture(t *testing.T) *priceFixture {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Pretty: false})

	marketDB, cleanupMarket := fxtesting.NewTestDB(t, "market")
	positionsDB, cleanupPositions := fxtesting.NewTestDB(t, "positions")
	refdataDB, cleanupRefdata := fxtesting.NewTestDB(t, "refdata")

	seed := []string{
		`INSERT INTO clients (id, name, base_currency) VALUES (1, 'Meridian Capital', 'USD')`,
		`INSERT INTO funds (id, client_id, name, base_currency) VALUES (1, 1, 'Global Macro', 'USD')`,
		`INSERT INTO accounts (id, fund_id, number, type, base_currency) VALUES (1001, 1, 'ACC-1001', 'CUSTODY', 'USD')`,
		`INSERT INTO products (id, identifier_type, identifier, ticker, asset_class, issue_currency, settle_currency, risk_region, active)
			VALUES (42, 'ISIN', 'GB0002374006', 'DGE', 'EQUITY', 'GBP', 'GBP', 'EU', 1)`,
	}
	for _, stmt := range seed {
		_, err := refdataDB.Exec(stmt)
		require.NoError(t, err)
	}

	refRepo := refdata.NewRepository(refdataDB.Conn(), log)
	symbology := refdata.NewSymbologyResolver(refRepo, log)
	require.NoError(t, symbology.Refresh())

	marketRepo := NewRepository(marketDB.Conn(), log)
	cache := pricecache.New(pricecache.Config{
		PriceL1Cap: 1000, FxL1Cap: 100,
		PriceL1TTL: time.Minute, FxL1TTL: time.Minute, L2TTL: 5 * time.Minute,
		StalenessFor: func(string) time.Duration { return time.Hour },
	}, nil, marketRepo, nil, log)

	store := positions.NewStore(positionsDB.Conn(), log)
	index := positions.NewReverseIndex(log)
	revaluer := NewRevaluer(cache, store, refRepo, refRepo, "USD", nil, log)

	sink := &updateSink{}
	conflator := NewConflator(time.Hour, sink.push, nil, log)

	svc := NewService(cache, marketRepo, symbology, index, store, revaluer, conflator, resilience.NewRegistry(nil, nil, log), time.Second, nil, log)

	return &priceFixture{
		svc: svc, cache: cache, index: index, store: store, sink: sink, conflator: conflator,
		cleanup: func() {
			cleanupMarket()
			cleanupPositions()
			cleanupRefdata()
		},
	}
}

func seedPosition(t *testing.T, store *positions.Store, accountID, productID int64, qty string) {
	t.Helper()
	batchID, err := store.CreateBatch(accountID)
	require.NoError(t, err)
	require.NoError(t, store.InsertPositions(accountID, batchID, []domain.Position{{
		AccountID: accountID, ProductID: productID, BusinessDate: "2026-07-31",
		Quantity:   decimal.RequireFromString(qty),
		PriceUsed:  decimal.NewFromInt(100), FxRateUsed: decimal.NewFromInt(1),
		MarketValueLocal: decimal.NewFromInt(100), MarketValueBase: decimal.NewFromInt(100),
		CostBasisLocal: decimal.Zero, CostBasisBase: decimal.Zero,
		UnrealizedPnlLocal: decimal.Zero, UnrealizedPnlBase: decimal.Zero,
		SourceSystem: "MSPM", PositionType: domain.PositionPhysical,
		ValidFrom: "2026-07-31", ValidTo: domain.ValidToOpen,
	}}))
	require.NoError(t, store.ActivateBatch(accountID, batchID))
}

func TestZeroPriceDefence(t *testing.T) {
	f := newPriceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	// Establish a good price first
	require.NoError(t, f.svc.HandlePriceTick(ctx, events.PriceTick{
		ProductID: 42, Price: decimal.RequireFromString("30.50"),
		Source: domain.SourceRealtime, Ts: time.Now(),
	}))

	// Zero tick: consumed without error, cache untouched
	require.NoError(t, f.svc.HandlePriceTick(ctx, events.PriceTick{
		ProductID: 42, Price: decimal.Zero,
		Source: domain.SourceRealtime, Ts: time.Now(),
	}))

	lookup, ok := f.cache.GetPrice(ctx, 42)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("30.50").Equal(lookup.Value),
		"prior cached price remains in effect")
}

func TestTickFansOutToHolders(t *testing.T) {
	f := newPriceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	seedPosition(t, f.store, 1001, 42, "100")
	require.NoError(t, f.svc.RebuildIndex())

	// GBP -> USD via the direct pair
	require.NoError(t, f.svc.HandleFxTick(ctx, events.FxRateTick{
		CurrencyPair: "GBP/USD", Rate: decimal.RequireFromString("1.2700"),
		Source: domain.SourceRealtime, Ts: time.Now(),
	}))
	require.NoError(t, f.svc.HandlePriceTick(ctx, events.PriceTick{
		ProductID: 42, Price: decimal.RequireFromString("30.00"),
		Source: domain.SourceRealtime, Ts: time.Now(),
	}))

	f.conflator.flush()
	updates := f.sink.all()
	require.Len(t, updates, 1)
	assert.Equal(t, int64(1001), updates[0].AccountID)
	assert.Equal(t, int64(42), updates[0].ProductID)
	// 100 * 30.00 * 1.27 = 3810
	assert.True(t, decimal.RequireFromString("3810").Equal(updates[0].MarketValueBase),
		"got %s", updates[0].MarketValueBase)
}

func TestUnresolvableTickerGoesToDLQ(t *testing.T) {
	f := newPriceFixture(t)
	defer f.cleanup()

	err := f.svc.HandlePriceTick(context.Background(), events.PriceTick{
		Ticker: "NOPE", Price: decimal.NewFromInt(1),
		Source: domain.SourceRealtime, Ts: time.Now(),
	})
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err), "unknown products short-circuit to the DLQ")
}

func TestTickerResolutionFallback(t *testing.T) {
	f := newPriceFixture(t)
	defer f.cleanup()

	// ProductID 0 but resolvable ticker
	require.NoError(t, f.svc.HandlePriceTick(context.Background(), events.PriceTick{
		Ticker: "DGE", Price: decimal.RequireFromString("29.10"),
		Source: domain.SourceRealtime, Ts: time.Now(),
	}))

	lookup, ok := f.cache.GetPrice(context.Background(), 42)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("29.10").Equal(lookup.Value))
}

func TestPositionChangeRefreshesIndex(t *testing.T) {
	f := newPriceFixture(t)
	defer f.cleanup()

	seedPosition(t, f.store, 1001, 42, "100")
	require.NoError(t, f.svc.HandlePositionChange(context.Background(), events.PositionChange{
		AccountID: 1001, ClientID: 1, EventType: events.ChangeIntraday, Ts: time.Now(),
	}))

	assert.ElementsMatch(t, []int64{1001}, f.index.GetAccountsHoldingProduct(42))
}
