package positions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/domain"
	fxtesting "github.com/meridian-am/fxhedge/internal/testing"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	db, cleanup := fxtesting.NewTestDB(t, "positions")
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return NewStore(db.Conn(), log), cleanup
}

func position(accountID, productID int64, qty, px string) domain.Position {
	return domain.Position{
		AccountID:          accountID,
		ProductID:          productID,
		BusinessDate:       "2026-07-31",
		Quantity:           decimal.RequireFromString(qty),
		PriceUsed:          decimal.RequireFromString(px),
		FxRateUsed:         decimal.NewFromInt(1),
		MarketValueLocal:   decimal.RequireFromString(qty).Mul(decimal.RequireFromString(px)),
		MarketValueBase:    decimal.RequireFromString(qty).Mul(decimal.RequireFromString(px)),
		CostBasisLocal:     decimal.Zero,
		CostBasisBase:      decimal.Zero,
		UnrealizedPnlLocal: decimal.Zero,
		UnrealizedPnlBase:  decimal.Zero,
		SourceSystem:       "MSPM",
		PositionType:       domain.PositionPhysical,
		ValidFrom:          "2026-07-31",
		ValidTo:            domain.ValidToOpen,
	}
}

func loadBatch(t *testing.T, store *Store, accountID int64, rows []domain.Position) string {
	t.Helper()
	batchID, err := store.CreateBatch(accountID)
	require.NoError(t, err)
	require.NoError(t, store.InsertPositions(accountID, batchID, rows))
	require.NoError(t, store.ActivateBatch(accountID, batchID))
	return batchID
}

func TestBatchLifecycle(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	t.Run("insert and activate", func(t *testing.T) {
		batchID := loadBatch(t, store, 1001, []domain.Position{
			position(1001, 1, "100", "150"),
			position(1001, 2, "50", "2800"),
			position(1001, 3, "200", "300"),
		})

		active, err := store.GetActiveBatchID(1001)
		require.NoError(t, err)
		assert.Equal(t, batchID, active)

		rows, err := store.GetActivePositions(1001)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.True(t, decimal.NewFromInt(100).Equal(rows[0].Quantity))
	})

	t.Run("swap replaces the full set atomically", func(t *testing.T) {
		first, err := store.GetActiveBatchID(1001)
		require.NoError(t, err)

		loadBatch(t, store, 1001, []domain.Position{
			position(1001, 1, "110", "151"),
		})

		rows, err := store.GetActivePositions(1001)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, decimal.NewFromInt(110).Equal(rows[0].Quantity))

		active, err := store.GetActiveBatchID(1001)
		require.NoError(t, err)
		assert.NotEqual(t, first, active)
	})

	t.Run("empty batch activates cleanly", func(t *testing.T) {
		loadBatch(t, store, 2002, nil)
		rows, err := store.GetActivePositions(2002)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestInsertDuplicateWithinBatch(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	batchID, err := store.CreateBatch(1001)
	require.NoError(t, err)

	err = store.InsertPositions(1001, batchID, []domain.Position{
		position(1001, 1, "100", "150"),
		position(1001, 1, "200", "150"),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeConstraintViolation, domain.CodeOf(err))
}

func TestClearBatch(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	active := loadBatch(t, store, 1001, []domain.Position{position(1001, 1, "100", "150")})

	t.Run("refuses to clear the active batch", func(t *testing.T) {
		err := store.ClearBatch(1001, active)
		require.Error(t, err)
	})

	t.Run("clears a reserved batch", func(t *testing.T) {
		reserved, err := store.CreateBatch(1001)
		require.NoError(t, err)
		require.NoError(t, store.InsertPositions(1001, reserved, []domain.Position{position(1001, 9, "5", "10")}))
		require.NoError(t, store.ClearBatch(1001, reserved))

		// Active batch untouched
		rows, err := store.GetActivePositions(1001)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

func TestBitemporalSupersession(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	loadBatch(t, store, 1001, []domain.Position{position(1001, 1, "100", "150")})
	beforeUpdate := time.Now()
	time.Sleep(2 * time.Millisecond)

	update := position(1001, 1, "110", "151")
	require.NoError(t, store.UpdatePositions(1001, []domain.Position{update}))

	t.Run("current knowledge reflects the update", func(t *testing.T) {
		qty, err := store.GetQuantityAsOf(1001, 1, time.Now())
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(110).Equal(qty), "got %s", qty)
	})

	t.Run("historical system time reproduces past knowledge", func(t *testing.T) {
		qty, err := store.GetQuantityAsOf(1001, 1, beforeUpdate)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(100).Equal(qty), "got %s", qty)
	})

	t.Run("current row count stays one per product", func(t *testing.T) {
		rows, err := store.GetActivePositions(1001)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, domain.SystemTimeOpen, rows[0].SystemTo)
	})

	t.Run("bitemporal round-trip matches the active batch", func(t *testing.T) {
		rows, err := store.GetActivePositions(1001)
		require.NoError(t, err)
		qty, err := store.GetQuantityAsOf(1001, 1, time.Now())
		require.NoError(t, err)
		assert.True(t, rows[0].Quantity.Equal(qty))
	})
}

func TestReservedBatchInvisibleToSystemTimeQueries(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	loadBatch(t, store, 1001, []domain.Position{position(1001, 1, "100", "150")})

	// Rows staged into a reserved batch are not knowledge yet
	reserved, err := store.CreateBatch(1001)
	require.NoError(t, err)
	require.NoError(t, store.InsertPositions(1001, reserved, []domain.Position{position(1001, 1, "999", "1")}))

	qty, err := store.GetQuantityAsOf(1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(qty), "got %s", qty)
}

func TestBatchSwapClosesPriorKnowledge(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	loadBatch(t, store, 1001, []domain.Position{position(1001, 1, "100", "150")})
	time.Sleep(2 * time.Millisecond)
	beforeSwap := time.Now()
	time.Sleep(2 * time.Millisecond)

	loadBatch(t, store, 1001, []domain.Position{position(1001, 1, "70", "150")})

	qtyNow, err := store.GetQuantityAsOf(1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(qtyNow))

	qtyBefore, err := store.GetQuantityAsOf(1001, 1, beforeSwap)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(qtyBefore))
}

func TestGetPositionsAsOf(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	loadBatch(t, store, 1001, []domain.Position{position(1001, 1, "100", "150")})

	rows, err := store.GetPositionsAsOf(1001, "2026-07-31")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// Before the business-time interval opens
	rows, err = store.GetPositionsAsOf(1001, "2026-07-30")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGetAllActiveHoldings(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	loadBatch(t, store, 1001, []domain.Position{
		position(1001, 1, "100", "150"),
		position(1001, 2, "50", "2800"),
	})
	loadBatch(t, store, 1002, []domain.Position{
		position(1002, 1, "10", "150"),
	})

	holdings, err := store.GetAllActiveHoldings()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1001, 1002}, holdings[1])
	assert.ElementsMatch(t, []int64{1001}, holdings[2])
}
