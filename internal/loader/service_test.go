package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/internal/database"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/refdata"
	"github.com/meridian-am/fxhedge/internal/resilience"
	fxtesting "github.com/meridian-am/fxhedge/internal/testing"
	"github.com/meridian-am/fxhedge/pkg/logger"
)

// fakeTracker is an in-memory idempotency store.
type fakeTracker struct {
	seen map[string]bool
}

func (f *fakeTracker) CheckAndMark(_ context.Context, ref string) bool {
	if ref == "" {
		return true
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[ref] {
		return false
	}
	f.seen[ref] = true
	return true
}

// fakeLocker always grants the lease.
type fakeLocker struct{}

type fakeLease struct{}

func (fakeLease) Release(context.Context) {}

func (fakeLocker) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return fakeLease{}, nil
}

type loaderFixture struct {
	svc       *Service
	store     *positions.Store
	eodStatus *positions.EodStatusRepository
	publisher *fxtesting.FakePublisher
	upstream  *fxtesting.FakeUpstream
	cleanup   func()
}

func newLoaderFixture(t *testing.T, shard Shard) *loaderFixture {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Pretty: false})

	positionsDB, cleanupPositions := fxtesting.NewTestDB(t, "positions")
	refdataDB, cleanupRefdata := fxtesting.NewTestDB(t, "refdata")
	seedRefdata(t, refdataDB)

	store := positions.NewStore(positionsDB.Conn(), log)
	eodStatus := positions.NewEodStatusRepository(positionsDB.Conn(), log)
	publisher := &fxtesting.FakePublisher{}
	upstream := &fxtesting.FakeUpstream{Snapshots: map[int64]*events.AccountSnapshot{}}

	svc := NewService(Deps{
		Shard:     shard,
		Store:     store,
		EodStatus: eodStatus,
		Refdata:   refdata.NewRepository(refdataDB.Conn(), log),
		Validator: NewValidator(0.1, log),
		IntraIdem: &fakeTracker{},
		Locks:     fakeLocker{},
		Publisher: publisher,
		Rates:     &fxtesting.FakeRates{Rates: map[string]decimal.Decimal{}},
		Guards:    resilience.NewRegistry(nil, nil, log),
		Upstream:  upstream,
		Metrics:   nil,
		Log:       log,
	})

	return &loaderFixture{
		svc:       svc,
		store:     store,
		eodStatus: eodStatus,
		publisher: publisher,
		upstream:  upstream,
		cleanup: func() {
			cleanupPositions()
			cleanupRefdata()
		},
	}
}

func seedRefdata(t *testing.T, db *database.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO clients (id, name, base_currency) VALUES (1, 'Meridian Capital', 'USD')`,
		`INSERT INTO funds (id, client_id, name, base_currency) VALUES (1, 1, 'Global Macro', 'USD')`,
		`INSERT INTO accounts (id, fund_id, number, type, base_currency) VALUES (1001, 1, 'ACC-1001', 'CUSTODY', 'USD')`,
		`INSERT INTO products (id, identifier_type, identifier, ticker, asset_class, issue_currency, settle_currency, risk_region, active)
			VALUES (1, 'ISIN', 'US0378331005', 'AAPL', 'EQUITY', 'USD', 'USD', 'US', 1)`,
		`INSERT INTO products (id, identifier_type, identifier, ticker, asset_class, issue_currency, settle_currency, risk_region, active)
			VALUES (2, 'ISIN', 'US02079K3059', 'GOOGL', 'EQUITY', 'USD', 'USD', 'US', 1)`,
		`INSERT INTO products (id, identifier_type, identifier, ticker, asset_class, issue_currency, settle_currency, risk_region, active)
			VALUES (3, 'ISIN', 'US5949181045', 'MSFT', 'EQUITY', 'USD', 'USD', 'US', 1)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func happySnapshot() *events.AccountSnapshot {
	return &events.AccountSnapshot{
		AccountID:    1001,
		ClientID:     1,
		FundID:       1,
		BaseCurrency: "USD",
		Positions: []events.SnapshotPosition{
			{ProductID: 1, Ticker: "AAPL", AssetClass: "EQUITY", IssueCurrency: "USD",
				Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(150)},
			{ProductID: 2, Ticker: "GOOGL", AssetClass: "EQUITY", IssueCurrency: "USD",
				Quantity: decimal.NewFromInt(50), Price: decimal.NewFromInt(2800)},
			{ProductID: 3, Ticker: "MSFT", AssetClass: "EQUITY", IssueCurrency: "USD",
				Quantity: decimal.NewFromInt(200), Price: decimal.NewFromInt(300)},
		},
	}
}

func TestRunEodHappyPath(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()
	f.upstream.Snapshots[1001] = happySnapshot()

	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))

	rows, err := f.store.GetActivePositions(1001)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	st, err := f.eodStatus.Get(1001, "2026-07-31")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, domain.EodCompleted, st.Status)
	assert.Equal(t, 3, st.PositionCount)

	changes := f.publisher.ByTopic(events.TopicPositionChange)
	require.Len(t, changes, 1)
	change := changes[0].(events.PositionChange)
	assert.Equal(t, int64(1001), change.AccountID)
	assert.Equal(t, events.ChangeEodComplete, change.EventType)
	assert.Equal(t, "1001", changes[0].Key())

	// The client's only account completed, so sign-off fires too
	signoffs := f.publisher.ByTopic(events.TopicClientSignoff)
	require.Len(t, signoffs, 1)
	assert.Equal(t, 1, signoffs[0].(events.ClientSignoff).AccountCount)
}

func TestRunEodIdempotent(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()
	f.upstream.Snapshots[1001] = happySnapshot()

	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))
	eventsBefore := len(f.publisher.Events)

	// Second invocation observes COMPLETED and returns
	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))
	assert.Equal(t, eventsBefore, len(f.publisher.Events))
}

func TestManualUploadReplayIsNoOp(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()

	snap := happySnapshot()
	snap.BusinessDate = "2026-07-31"
	require.NoError(t, f.svc.ManualUpload(context.Background(), snap, "ops@meridian"))

	firstBatch, err := f.store.GetActiveBatchID(1001)
	require.NoError(t, err)
	rowsBefore, err := f.store.GetActivePositions(1001)
	require.NoError(t, err)

	// Bit-identical replay: no new batch, no system-time advance
	replay := happySnapshot()
	replay.BusinessDate = "2026-07-31"
	require.NoError(t, f.svc.ManualUpload(context.Background(), replay, "ops@meridian"))

	secondBatch, err := f.store.GetActiveBatchID(1001)
	require.NoError(t, err)
	assert.Equal(t, firstBatch, secondBatch)

	rowsAfter, err := f.store.GetActivePositions(1001)
	require.NoError(t, err)
	require.Equal(t, len(rowsBefore), len(rowsAfter))
	for i := range rowsBefore {
		assert.Equal(t, rowsBefore[i].SystemFrom, rowsAfter[i].SystemFrom)
	}
}

func TestRunEodEmptySnapshot(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()
	f.upstream.Snapshots[1001] = &events.AccountSnapshot{
		AccountID: 1001, ClientID: 1, BaseCurrency: "USD",
	}

	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))

	rows, err := f.store.GetActivePositions(1001)
	require.NoError(t, err)
	assert.Empty(t, rows)

	st, err := f.eodStatus.Get(1001, "2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, domain.EodCompleted, st.Status)

	batchID, err := f.store.GetActiveBatchID(1001)
	require.NoError(t, err)
	assert.NotEmpty(t, batchID)
}

func TestRunEodUpstreamFailure(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()

	// Establish an active batch first
	f.upstream.Snapshots[1001] = happySnapshot()
	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-30"))
	batchBefore, err := f.store.GetActiveBatchID(1001)
	require.NoError(t, err)

	f.upstream.Err = errors.New("connection reset")
	err = f.svc.RunEod(context.Background(), 1001, "2026-07-31")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	st, err := f.eodStatus.Get(1001, "2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, domain.EodFailed, st.Status)

	// The existing active batch is untouched
	batchAfter, err := f.store.GetActiveBatchID(1001)
	require.NoError(t, err)
	assert.Equal(t, batchBefore, batchAfter)
}

func TestShardFilter(t *testing.T) {
	// |1001| mod 3 == 2, so shard 1 of 3 must silently ignore it
	f := newLoaderFixture(t, Shard{Index: 1, Total: 3})
	defer f.cleanup()
	f.upstream.Snapshots[1001] = happySnapshot()

	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))

	st, err := f.eodStatus.Get(1001, "2026-07-31")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Empty(t, f.publisher.Events)
}

func TestApplyIntradayDuplicateRef(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()
	f.upstream.Snapshots[1001] = happySnapshot()
	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))
	eventsBefore := len(f.publisher.ByTopic(events.TopicPositionChange))

	intraday := func() *events.AccountSnapshot {
		return &events.AccountSnapshot{
			AccountID: 1001, ClientID: 1, BaseCurrency: "USD",
			Positions: []events.SnapshotPosition{{
				ProductID: 1, Ticker: "AAPL", IssueCurrency: "USD",
				Quantity: decimal.NewFromInt(10), TxnType: events.TxnTypeTrade,
				Price: decimal.NewFromInt(151), ExternalRefID: "REF-X",
			}},
		}
	}

	require.NoError(t, f.svc.ApplyIntraday(context.Background(), intraday()))
	require.NoError(t, f.svc.ApplyIntraday(context.Background(), intraday()))

	// Exactly one update applied: 100 + 10
	pos, err := f.store.GetCurrentPosition(1001, 1)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, decimal.NewFromInt(110).Equal(pos.Quantity), "got %s", pos.Quantity)

	// Exactly one outgoing position-change event
	changes := f.publisher.ByTopic(events.TopicPositionChange)
	assert.Equal(t, eventsBefore+1, len(changes))
}

func TestApplyIntradaySetRow(t *testing.T) {
	f := newLoaderFixture(t, Shard{Index: 0, Total: 1})
	defer f.cleanup()
	f.upstream.Snapshots[1001] = happySnapshot()
	require.NoError(t, f.svc.RunEod(context.Background(), 1001, "2026-07-31"))

	snap := &events.AccountSnapshot{
		AccountID: 1001, ClientID: 1, BaseCurrency: "USD",
		Positions: []events.SnapshotPosition{{
			ProductID: 2, Ticker: "GOOGL", IssueCurrency: "USD",
			Quantity: decimal.NewFromInt(75), TxnType: events.TxnTypeSet,
			Price: decimal.NewFromInt(2810), ExternalRefID: "REF-SET-1",
		}},
	}
	require.NoError(t, f.svc.ApplyIntraday(context.Background(), snap))

	pos, err := f.store.GetCurrentPosition(1001, 2)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(75).Equal(pos.Quantity))
	assert.True(t, decimal.NewFromInt(2810).Equal(pos.PriceUsed))
}

func TestValidatorThreshold(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	v := NewValidator(0.25, log)

	snap := &events.AccountSnapshot{
		AccountID: 1001, BaseCurrency: "USD", BusinessDate: "2026-07-31",
		Positions: []events.SnapshotPosition{
			{ProductID: 1, IssueCurrency: "USD", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(10)},
			{ProductID: 2, IssueCurrency: "USD", Quantity: decimal.Zero, Price: decimal.NewFromInt(10)},     // zero qty
			{ProductID: 3, IssueCurrency: "USD", Quantity: decimal.NewFromInt(1), Price: decimal.Zero},      // zero price
			{ProductID: 4, IssueCurrency: "usd", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(10)}, // bad ccy
		},
	}

	_, rejected, err := v.ValidateSnapshot(snap)
	require.Error(t, err, "3 of 4 rejected exceeds the 25%% threshold")
	assert.Equal(t, 3, rejected)

	// Below the threshold the snapshot continues with accepted rows only
	v = NewValidator(0.9, log)
	accepted, rejected, err := v.ValidateSnapshot(snap)
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
	assert.Equal(t, 3, rejected)
}
