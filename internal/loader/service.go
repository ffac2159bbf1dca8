// Package loader implements the Position Loader service: EOD orchestration,
// intraday apply, manual upload and client sign-off. Position rows are
// exclusively owned by this service.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/audit"
	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/refdata"
	"github.com/meridian-am/fxhedge/internal/resilience"
)

// Upstream is the portfolio-management feed the EOD path pulls snapshots
// from. The concrete client is an external collaborator.
type Upstream interface {
	FetchSnapshot(ctx context.Context, accountID int64, businessDate string) (*events.AccountSnapshot, error)
}

// Publisher abstracts the fabric producer for tests.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// RateSource is the read-only view of the FX cache the loader uses for base
// conversion at snapshot load. The cache itself is owned by the Price service.
type RateSource interface {
	GetRate(ctx context.Context, pair string) (decimal.Decimal, bool)
}

// RefTracker is the idempotency store's claim operation (satisfied by
// kv.IdempotencyStore).
type RefTracker interface {
	CheckAndMark(ctx context.Context, ref string) bool
}

// Lease is a held distributed lock.
type Lease interface {
	Release(ctx context.Context)
}

// Locker provides per-account lease locks (satisfied by an adapter over
// kv.LockManager).
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// DirectNotifier is the optional in-process notification path. When the
// delivery mode is "direct" or "both", position changes are handed straight
// to it in addition to (or instead of) the fabric.
type DirectNotifier interface {
	NotifyPositionChange(change events.PositionChange)
}

// Service orchestrates position loading for the accounts this shard owns.
type Service struct {
	shard     Shard
	store     *positions.Store
	eodStatus *positions.EodStatusRepository
	refdata   *refdata.Repository
	validator *Validator
	intraIdem RefTracker
	locks     Locker
	publisher Publisher
	rates     RateSource
	audit     *audit.Repository
	guards    *resilience.Registry
	upstream  Upstream
	notifier  DirectNotifier

	lockTTL      time.Duration
	conflictMax  int
	notifyMode   config.NotificationMode
	sourceSystem string

	m   *metrics.Metrics
	log zerolog.Logger
}

// Deps bundles the service dependencies.
type Deps struct {
	Shard     Shard
	Store     *positions.Store
	EodStatus *positions.EodStatusRepository
	Refdata   *refdata.Repository
	Validator *Validator
	IntraIdem RefTracker
	Locks     Locker
	Publisher Publisher
	Rates     RateSource
	Audit     *audit.Repository
	Guards    *resilience.Registry
	Upstream  Upstream
	Notifier  DirectNotifier

	LockTTL     time.Duration
	ConflictMax int
	NotifyMode  config.NotificationMode

	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// NewService creates the Position Loader service.
func NewService(d Deps) *Service {
	if d.ConflictMax <= 0 {
		d.ConflictMax = 3
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 10 * time.Minute
	}
	if d.NotifyMode == "" {
		d.NotifyMode = config.NotifyFabric
	}
	return &Service{
		shard:        d.Shard,
		store:        d.Store,
		eodStatus:    d.EodStatus,
		refdata:      d.Refdata,
		validator:    d.Validator,
		intraIdem:    d.IntraIdem,
		locks:        d.Locks,
		publisher:    d.Publisher,
		rates:        d.Rates,
		audit:        d.Audit,
		guards:       d.Guards,
		upstream:     d.Upstream,
		notifier:     d.Notifier,
		lockTTL:      d.LockTTL,
		conflictMax:  d.ConflictMax,
		notifyMode:   d.NotifyMode,
		sourceSystem: "MSPM",
		m:            d.Metrics,
		log:          d.Log.With().Str("service", "position_loader").Logger(),
	}
}

// RunEod processes end-of-day for one account: fetch, validate, load into a
// fresh batch, activate, mark COMPLETED, publish. Idempotent for the same
// (account, business date): a second invocation observes COMPLETED and
// returns. Failures leave the existing active batch untouched.
func (s *Service) RunEod(ctx context.Context, accountID int64, businessDate string) error {
	if !s.shard.Owns(accountID) {
		s.log.Debug().Int64("account_id", accountID).Msg("Ignoring EOD trigger for non-owned account")
		return nil
	}

	st, err := s.eodStatus.Get(accountID, businessDate)
	if err != nil {
		return err
	}
	if st != nil && st.Status == domain.EodCompleted {
		s.log.Info().Int64("account_id", accountID).Str("business_date", businessDate).
			Msg("EOD already completed, skipping")
		return nil
	}

	lock, err := s.locks.Acquire(ctx, fmt.Sprintf("eod:%d", accountID), s.lockTTL)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	if err := s.eodStatus.Transition(accountID, businessDate, domain.EodInProgress, 0, ""); err != nil {
		return err
	}

	var snap *events.AccountSnapshot
	err = s.guards.Guard(config.DepUpstream).Execute(ctx, func(ctx context.Context) error {
		var ferr error
		snap, ferr = s.upstream.FetchSnapshot(ctx, accountID, businessDate)
		if ferr != nil {
			return domain.NewError(domain.CodeUpstreamUnavailable, "snapshot fetch failed", ferr)
		}
		return nil
	})
	if err != nil {
		return s.fail(accountID, businessDate, err)
	}
	snap.BusinessDate = businessDate

	if err := s.loadSnapshot(ctx, snap, "system", events.ChangeEodComplete); err != nil {
		return s.fail(accountID, businessDate, err)
	}
	return nil
}

// ManualUpload loads an externally supplied snapshot under an audit actor.
// Semantics match EOD: full batch swap, COMPLETED status, change event.
func (s *Service) ManualUpload(ctx context.Context, snap *events.AccountSnapshot, actor string) error {
	if snap == nil {
		return domain.Errorf(domain.CodeMissingField, "nil snapshot")
	}
	if !s.shard.Owns(snap.AccountID) {
		return domain.Errorf(domain.CodeValidationFailed,
			"account %d not owned by shard %d/%d", snap.AccountID, s.shard.Index, s.shard.Total)
	}

	lock, err := s.locks.Acquire(ctx, fmt.Sprintf("eod:%d", snap.AccountID), s.lockTTL)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	if err := s.eodStatus.Transition(snap.AccountID, snap.BusinessDate, domain.EodInProgress, 0, ""); err != nil {
		// A completed day may still be manually re-uploaded; only surface
		// genuine storage errors.
		if domain.CodeOf(err) != domain.CodeValidationFailed {
			return err
		}
	}

	if err := s.loadSnapshot(ctx, snap, actor, events.ChangeManualUpload); err != nil {
		return s.fail(snap.AccountID, snap.BusinessDate, err)
	}
	return nil
}

// loadSnapshot is the shared EOD / manual-upload path: validate, build
// bitemporal rows, reserve a batch, insert, activate, mark COMPLETED,
// publish and audit. A snapshot bit-identical to the active batch is a
// no-op: status moves to COMPLETED but system time does not advance.
func (s *Service) loadSnapshot(ctx context.Context, snap *events.AccountSnapshot, actor string, changeType events.PositionChangeType) error {
	accepted, rejected, err := s.validator.ValidateSnapshot(snap)
	if err != nil {
		return err
	}
	if rejected > 0 && s.m != nil {
		s.m.RowsRejected.Add(float64(rejected))
	}

	rows, err := s.buildPositions(ctx, snap, accepted)
	if err != nil {
		return err
	}

	if identical, err := s.matchesActiveBatch(snap.AccountID, rows); err != nil {
		return err
	} else if identical {
		s.log.Info().Int64("account_id", snap.AccountID).Msg("Snapshot identical to active batch, no-op")
		if s.m != nil {
			s.m.EodRuns.WithLabelValues("noop").Inc()
		}
		return s.complete(ctx, snap, len(rows), actor, changeType, false)
	}

	batchID, err := s.store.CreateBatch(snap.AccountID)
	if err != nil {
		return err
	}

	if err := s.store.InsertPositions(snap.AccountID, batchID, rows); err != nil {
		if clearErr := s.store.ClearBatch(snap.AccountID, batchID); clearErr != nil {
			s.log.Error().Err(clearErr).Str("batch_id", batchID).Msg("Failed to clear batch after insert failure")
		}
		return err
	}

	if err := s.store.ActivateBatch(snap.AccountID, batchID); err != nil {
		if clearErr := s.store.ClearBatch(snap.AccountID, batchID); clearErr != nil {
			s.log.Error().Err(clearErr).Str("batch_id", batchID).Msg("Failed to clear batch after activation failure")
		}
		return err
	}

	s.log.Info().
		Int64("account_id", snap.AccountID).
		Str("batch_id", batchID).
		Int("positions", len(rows)).
		Str("business_date", snap.BusinessDate).
		Msg("Batch activated")
	if s.m != nil {
		s.m.EodRuns.WithLabelValues("completed").Inc()
	}
	if s.audit != nil {
		s.audit.Record(actor, "EOD_ACTIVATED", fmt.Sprintf("account:%d", snap.AccountID), map[string]interface{}{
			"batch_id":      batchID,
			"business_date": snap.BusinessDate,
			"positions":     len(rows),
		})
	}

	return s.complete(ctx, snap, len(rows), actor, changeType, true)
}

// complete marks the EOD row COMPLETED, publishes the change event (unless
// it was a no-op) and checks client sign-off.
func (s *Service) complete(ctx context.Context, snap *events.AccountSnapshot, positionCount int, actor string, changeType events.PositionChangeType, publish bool) error {
	if err := s.eodStatus.Transition(snap.AccountID, snap.BusinessDate, domain.EodCompleted, positionCount, ""); err != nil {
		return err
	}

	if publish {
		s.publishChange(ctx, snap.AccountID, snap.ClientID, changeType)
	}

	return s.checkSignoff(ctx, snap.ClientID, snap.BusinessDate)
}

// fail records the FAILED state and surfaces the original error to the
// caller (the consumer's retry layer consults its retryable flag).
func (s *Service) fail(accountID int64, businessDate string, cause error) error {
	if err := s.eodStatus.Transition(accountID, businessDate, domain.EodFailed, 0, cause.Error()); err != nil {
		s.log.Error().Err(err).Int64("account_id", accountID).Msg("Failed to record EOD failure")
	}
	if s.m != nil {
		s.m.EodRuns.WithLabelValues("failed").Inc()
	}
	if s.audit != nil {
		s.audit.Record("system", "EOD_FAILED", fmt.Sprintf("account:%d", accountID), map[string]interface{}{
			"business_date": businessDate,
			"error":         cause.Error(),
		})
	}
	s.log.Error().Err(cause).Int64("account_id", accountID).Str("business_date", businessDate).Msg("EOD failed")
	return cause
}

// buildPositions converts accepted snapshot rows into bitemporal position
// rows, pricing base-currency values through the FX cache.
func (s *Service) buildPositions(ctx context.Context, snap *events.AccountSnapshot, rows []events.SnapshotPosition) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		qty := row.Quantity.Round(domain.QuantityScale)
		px := row.Price.Round(domain.PriceScale)
		local := qty.Mul(px).Round(domain.PriceScale)

		fx := decimal.NewFromInt(1)
		if row.IssueCurrency != snap.BaseCurrency {
			if rate, ok := s.lookupRate(ctx, row.IssueCurrency, snap.BaseCurrency); ok {
				fx = rate
			} else {
				s.log.Warn().
					Str("pair", row.IssueCurrency+"/"+snap.BaseCurrency).
					Int64("product_id", row.ProductID).
					Msg("No FX rate for base conversion, using 1")
				if s.m != nil {
					s.m.ValuationWarnings.WithLabelValues("missing_rate").Inc()
				}
			}
		}
		base := local.Mul(fx).Round(domain.PriceScale)

		posType := domain.PositionPhysical
		if row.TxnType == events.TxnTypeTrade {
			posType = domain.PositionSynthetic
		}

		out = append(out, domain.Position{
			AccountID:          snap.AccountID,
			ProductID:          row.ProductID,
			BusinessDate:       snap.BusinessDate,
			Quantity:           qty,
			PriceUsed:          px,
			FxRateUsed:         fx.Round(domain.FxRateScale),
			MarketValueLocal:   local,
			MarketValueBase:    base,
			CostBasisLocal:     local,
			CostBasisBase:      base,
			UnrealizedPnlLocal: decimal.Zero,
			UnrealizedPnlBase:  decimal.Zero,
			SourceSystem:       s.sourceSystem,
			PositionType:       posType,
			ExternalRef:        row.ExternalRefID,
			ValidFrom:          snap.BusinessDate,
			ValidTo:            domain.ValidToOpen,
		})
	}
	return out, nil
}

// lookupRate resolves a rate from the direct pair or, failing that, the
// inverse pair. It does not triangulate; triangulation is done only by the
// price service.
func (s *Service) lookupRate(ctx context.Context, from, to string) (decimal.Decimal, bool) {
	if s.rates == nil {
		return decimal.Decimal{}, false
	}
	if rate, ok := s.rates.GetRate(ctx, from+"/"+to); ok && !rate.IsZero() {
		return rate, true
	}
	if inv, ok := s.rates.GetRate(ctx, to+"/"+from); ok && !inv.IsZero() {
		return decimal.NewFromInt(1).DivRound(inv, domain.FxRateScale), true
	}
	return decimal.Decimal{}, false
}

// matchesActiveBatch reports whether the new rows are bit-identical to the
// current active batch (same products, quantities, prices, business date).
func (s *Service) matchesActiveBatch(accountID int64, rows []domain.Position) (bool, error) {
	current, err := s.store.GetActivePositions(accountID)
	if err != nil {
		return false, err
	}
	if len(current) != len(rows) {
		return false, nil
	}
	if len(rows) == 0 {
		// An empty snapshot over an empty active batch is a no-op only when
		// a batch exists at all.
		batchID, err := s.store.GetActiveBatchID(accountID)
		if err != nil {
			return false, err
		}
		return batchID != "", nil
	}

	byProduct := make(map[int64]domain.Position, len(current))
	for _, p := range current {
		byProduct[p.ProductID] = p
	}
	for _, p := range rows {
		cur, ok := byProduct[p.ProductID]
		if !ok {
			return false, nil
		}
		if !cur.Quantity.Equal(p.Quantity) || !cur.PriceUsed.Equal(p.PriceUsed) ||
			cur.BusinessDate != p.BusinessDate {
			return false, nil
		}
	}
	return true, nil
}

// publishChange emits the position-change event over the configured
// delivery path(s).
func (s *Service) publishChange(ctx context.Context, accountID, clientID int64, changeType events.PositionChangeType) {
	change := events.PositionChange{
		AccountID: accountID,
		ClientID:  clientID,
		EventType: changeType,
		Ts:        time.Now(),
	}

	if s.notifyMode == config.NotifyDirect || s.notifyMode == config.NotifyBoth {
		if s.notifier != nil {
			s.notifier.NotifyPositionChange(change)
		}
	}
	if s.notifyMode == config.NotifyFabric || s.notifyMode == config.NotifyBoth || s.notifier == nil {
		err := s.guards.Guard(config.DepMessaging).Execute(ctx, func(ctx context.Context) error {
			return s.publisher.Publish(ctx, change)
		})
		if err != nil {
			s.log.Error().Err(err).Int64("account_id", accountID).Msg("Failed to publish position change")
		}
	}
}

// checkSignoff publishes the client sign-off exactly once when every account
// of the client has COMPLETED for the business date.
func (s *Service) checkSignoff(ctx context.Context, clientID int64, businessDate string) error {
	if clientID == 0 {
		return nil
	}

	accounts, err := s.refdata.GetAccountsForClient(clientID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	ids := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	completed, err := s.eodStatus.CountCompletedForAccounts(ids, businessDate)
	if err != nil {
		return err
	}
	if completed != len(ids) {
		return nil
	}

	created, err := s.eodStatus.RecordSignoff(clientID, businessDate, len(ids))
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	signoff := events.ClientSignoff{
		ClientID:     clientID,
		BusinessDate: businessDate,
		AccountCount: len(ids),
		Ts:           time.Now(),
	}
	err = s.guards.Guard(config.DepMessaging).Execute(ctx, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, signoff)
	})
	if err != nil {
		s.log.Error().Err(err).Int64("client_id", clientID).Msg("Failed to publish sign-off")
		return err
	}
	if s.m != nil {
		s.m.SignoffsPublished.Inc()
	}
	if s.audit != nil {
		s.audit.Record("system", "SIGNOFF", fmt.Sprintf("client:%d", clientID), map[string]interface{}{
			"business_date": businessDate,
			"accounts":      len(ids),
		})
	}
	s.log.Info().Int64("client_id", clientID).Str("business_date", businessDate).Msg("Client sign-off published")
	return nil
}
