package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/resilience"
	fxtesting "github.com/meridian-am/fxhedge/internal/testing"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

// memStates is an in-memory StateStore / OpenStateLister.
type memStates struct {
	states map[string]domain.OrderState
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string]domain.OrderState)}
}

func (m *memStates) Get(_ context.Context, id string) (*domain.OrderState, error) {
	st, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	copied := st
	return &copied, nil
}

func (m *memStates) Put(_ context.Context, st *domain.OrderState) error {
	m.states[st.ClientOrderID] = *st
	return nil
}

func (m *memStates) Delete(_ context.Context, id string) error {
	delete(m.states, id)
	return nil
}

func (m *memStates) ListOpen(_ context.Context) ([]domain.OrderState, error) {
	out := make([]domain.OrderState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out, nil
}

// memTracker is an in-memory idempotency store.
type memTracker struct {
	seen map[string]bool
}

func (m *memTracker) CheckAndMark(_ context.Context, ref string) bool {
	if ref == "" {
		return true
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[ref] {
		return false
	}
	m.seen[ref] = true
	return true
}

// staticProducts resolves everything onto one FX spot product.
type staticProducts struct {
	product domain.Product
}

func (s staticProducts) ResolveTicker(string) (int64, bool) { return s.product.ID, true }
func (s staticProducts) GetProduct(int64) (*domain.Product, error) {
	copied := s.product
	return &copied, nil
}

type aggFixture struct {
	svc       *Service
	repo      *Repository
	states    *memStates
	publisher *fxtesting.FakePublisher
	cleanup   func()
}

func newAggFixture(t *testing.T, product domain.Product) *aggFixture {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	db, cleanup := fxtesting.NewTestDB(t, "fills")

	repo := NewRepository(db.Conn(), log)
	states := newMemStates()
	publisher := &fxtesting.FakePublisher{}

	svc := NewService(repo, states, &memTracker{}, publisher, staticProducts{product: product},
		resilience.NewRegistry(nil, nil, log), 200, nil, log)

	return &aggFixture{svc: svc, repo: repo, states: states, publisher: publisher, cleanup: cleanup}
}

func fxSpotProduct() domain.Product {
	return domain.Product{
		ID: 90, IdentifierType: "ISIN", Identifier: "FX-EURUSD", Ticker: "EUR/USD",
		AssetClass: domain.AssetFxSpot, IssueCurrency: "EUR", SettleCurrency: "USD", Active: true,
	}
}

func report(execID, orderID string, qty, px string, status domain.OrderStatus) domain.ExecutionReport {
	return domain.ExecutionReport{
		ExecID:        execID,
		ClientOrderID: orderID,
		AccountID:     1001,
		Ticker:        "EUR/USD",
		Side:          domain.SideBuy,
		LastQty:       decimal.RequireFromString(qty),
		LastPx:        decimal.RequireFromString(px),
		CumQty:        decimal.RequireFromString(qty),
		OrderStatus:   status,
		TransactTime:  time.Now(),
	}
}

func TestFillAggregationAndVWAP(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E1", "ORD-7", "30", "1.0540", domain.OrderPartialFill)))
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E2", "ORD-7", "50", "1.0545", domain.OrderPartialFill)))
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E3", "ORD-7", "20", "1.0530", domain.OrderFilled)))

	t.Run("three unique rows in the fills log", func(t *testing.T) {
		fills, err := f.repo.FillsForOrder("ORD-7")
		require.NoError(t, err)
		assert.Len(t, fills, 3)
	})

	t.Run("one terminal intraday event with the VWAP", func(t *testing.T) {
		published := f.publisher.ByTopic(events.TopicIntraday)
		require.Len(t, published, 1)
		snap := published[0].(events.AccountSnapshot)
		require.Len(t, snap.Positions, 1)
		row := snap.Positions[0]

		assert.Equal(t, int64(1001), snap.AccountID)
		assert.True(t, decimal.NewFromInt(100).Equal(row.Quantity), "got %s", row.Quantity)
		// (30*1.0540 + 50*1.0545 + 20*1.0530) / 100 = 1.05405
		assert.True(t, decimal.RequireFromString("1.05405").Equal(row.Price), "got %s", row.Price)
		assert.Equal(t, events.TxnTypeTrade, row.TxnType)
	})

	t.Run("short-term state removed", func(t *testing.T) {
		st, err := f.states.Get(context.Background(), "ORD-7")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("durable summary is terminal", func(t *testing.T) {
		status, err := f.repo.SummaryStatus("ORD-7")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderFilled, status)
	})
}

func TestDuplicateExecID(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E1", "ORD-8", "30", "1.05", domain.OrderPartialFill)))
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E1", "ORD-8", "30", "1.05", domain.OrderPartialFill)))

	fills, err := f.repo.FillsForOrder("ORD-8")
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	st, err := f.states.Get(ctx, "ORD-8")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, decimal.NewFromInt(30).Equal(st.FilledQty), "filled qty must not double-count")
}

func TestFilledQtyMonotonic(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E1", "ORD-9", "30", "1.05", domain.OrderPartialFill)))
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E2", "ORD-9", "20", "1.05", domain.OrderPartialFill)))

	st, err := f.states.Get(ctx, "ORD-9")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(st.FilledQty))

	err = f.svc.HandleExecutionReport(ctx, report("E3", "ORD-9", "-10", "1.05", domain.OrderPartialFill))
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestLateFillAfterTerminal(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E1", "ORD-10", "100", "1.05", domain.OrderFilled)))

	// Late fill: logged, not applied
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E2", "ORD-10", "5", "1.05", domain.OrderPartialFill)))

	fills, err := f.repo.FillsForOrder("ORD-10")
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	published := f.publisher.ByTopic(events.TopicIntraday)
	assert.Len(t, published, 1)
}

func TestSellPublishesNegativeQuantity(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()

	rep := report("E1", "ORD-11", "40", "1.0600", domain.OrderFilled)
	rep.Side = domain.SideSell
	require.NoError(t, f.svc.HandleExecutionReport(context.Background(), rep))

	published := f.publisher.ByTopic(events.TopicIntraday)
	require.Len(t, published, 1)
	row := published[0].(events.AccountSnapshot).Positions[0]
	assert.True(t, decimal.NewFromInt(-40).Equal(row.Quantity), "got %s", row.Quantity)
}

func TestRejectedOrderPublishesNothing(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()

	rep := report("E1", "ORD-12", "0", "0", domain.OrderRejected)
	require.NoError(t, f.svc.HandleExecutionReport(context.Background(), rep))

	assert.Empty(t, f.publisher.ByTopic(events.TopicIntraday))

	status, err := f.repo.SummaryStatus("ORD-12")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, status)
}

func TestForwardContractRecorded(t *testing.T) {
	forward := fxSpotProduct()
	forward.AssetClass = domain.AssetFxForward
	f := newAggFixture(t, forward)
	defer f.cleanup()

	require.NoError(t, f.svc.HandleExecutionReport(context.Background(),
		report("E1", "ORD-13", "1000", "1.0700", domain.OrderFilled)))

	horizon := time.Now().AddDate(0, 2, 0).Format("2006-01-02")
	contracts, err := f.repo.ForwardsMaturingBy(horizon)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "ORD-13", contracts[0].ClientOrderID)
	assert.True(t, decimal.RequireFromString("1.07").Equal(contracts[0].ForwardRate))
}

func TestOrphanScan(t *testing.T) {
	f := newAggFixture(t, fxSpotProduct())
	defer f.cleanup()
	ctx := context.Background()
	log := logger.New(logger.Config{Level: "error", Pretty: false})

	// ORD-14 stuck in PARTIALLY_FILLED, last touched 40 minutes ago
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E1", "ORD-14", "10", "1.05", domain.OrderPartialFill)))
	st, err := f.states.Get(ctx, "ORD-14")
	require.NoError(t, err)
	st.UpdatedAt = time.Now().Add(-40 * time.Minute)
	require.NoError(t, f.states.Put(ctx, st))

	// ORD-15 is fresh and must survive
	require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E2", "ORD-15", "10", "1.05", domain.OrderPartialFill)))

	scan := NewOrphanScan(f.repo, f.states, nil, 30*time.Minute, nil, log)
	require.NoError(t, scan.Run())

	status, err := f.repo.SummaryStatus("ORD-14")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOrphaned, status)

	gone, err := f.states.Get(ctx, "ORD-14")
	require.NoError(t, err)
	assert.Nil(t, gone)

	fresh, err := f.states.Get(ctx, "ORD-15")
	require.NoError(t, err)
	assert.NotNil(t, fresh)

	t.Run("late fills for an orphaned order are not applied", func(t *testing.T) {
		require.NoError(t, f.svc.HandleExecutionReport(ctx, report("E3", "ORD-14", "5", "1.05", domain.OrderPartialFill)))
		fills, err := f.repo.FillsForOrder("ORD-14")
		require.NoError(t, err)
		assert.Len(t, fills, 1)
	})
}
