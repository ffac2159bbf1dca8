package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/resilience"
)

// forwardMaturityConvention is applied when a forward fill carries no
// explicit maturity: spot plus one month.
const forwardMaturityConvention = 30 * 24 * time.Hour

// Publisher abstracts the fabric producer for tests.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// StateStore is the short-term order accumulator tier (satisfied by
// kv.OrderStateStore).
type StateStore interface {
	Get(ctx context.Context, clientOrderID string) (*domain.OrderState, error)
	Put(ctx context.Context, state *domain.OrderState) error
	Delete(ctx context.Context, clientOrderID string) error
}

// RefTracker is the idempotency store's claim operation (satisfied by
// kv.IdempotencyStore).
type RefTracker interface {
	CheckAndMark(ctx context.Context, ref string) bool
}

// ProductResolver resolves tickers to products (synthetic intraday events
// need the internal product id; forwards need the asset class).
type ProductResolver interface {
	ResolveTicker(ticker string) (int64, bool)
	GetProduct(productID int64) (*domain.Product, error)
}

// Service processes execution reports keyed by client order id. Per order,
// reports arrive in fabric order; across orders no ordering is guaranteed.
type Service struct {
	repo     *Repository
	states   StateStore
	fillIdem RefTracker
	pub      Publisher
	products ProductResolver
	guards   *resilience.Registry

	fillCountCap int

	m   *metrics.Metrics
	log zerolog.Logger
}

// NewService creates the trade aggregator service.
func NewService(
	repo *Repository,
	states StateStore,
	fillIdem RefTracker,
	pub Publisher,
	products ProductResolver,
	guards *resilience.Registry,
	fillCountCap int,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Service {
	if fillCountCap <= 0 {
		fillCountCap = 200
	}
	return &Service{
		repo:         repo,
		states:       states,
		fillIdem:     fillIdem,
		pub:          pub,
		products:     products,
		guards:       guards,
		fillCountCap: fillCountCap,
		m:            m,
		log:          log.With().Str("service", "trade_aggregator").Logger(),
	}
}

// HandleExecutionReport runs the fill state machine for one report:
// dedup, persist to the append-only log, accumulate, summarise, and on
// completion publish the synthetic intraday trade event.
func (s *Service) HandleExecutionReport(ctx context.Context, rep domain.ExecutionReport) error {
	if rep.ExecID == "" || rep.ClientOrderID == "" {
		return domain.Errorf(domain.CodeMissingField, "execution report missing exec id or client order id")
	}
	if rep.LastQty.IsNegative() {
		return domain.Errorf(domain.CodeValidationFailed,
			"negative fill quantity on %s", rep.ExecID)
	}

	// 1. Dedup on execution id
	if !s.fillIdem.CheckAndMark(ctx, rep.ExecID) {
		if s.m != nil {
			s.m.DuplicatesDropped.WithLabelValues("fill").Inc()
		}
		s.log.Info().Str("exec_id", rep.ExecID).Msg("Duplicate fill dropped")
		return nil
	}

	// Terminal orders accept no further fills; late fills are logged only.
	durableStatus, err := s.repo.SummaryStatus(rep.ClientOrderID)
	if err != nil {
		return err
	}
	if durableStatus.Terminal() {
		if s.m != nil {
			s.m.LateFillsDropped.Inc()
		}
		s.log.Warn().
			Str("client_order_id", rep.ClientOrderID).
			Str("exec_id", rep.ExecID).
			Str("status", string(durableStatus)).
			Msg("Late fill for terminal order logged, not applied")
		return nil
	}

	// 2. Persist the raw fill; the unique constraint absorbs idempotency
	// store misses.
	err = s.guards.Guard(config.DepDatabase).Execute(ctx, func(ctx context.Context) error {
		return s.repo.InsertFill(rep)
	})
	if err != nil {
		if domain.CodeOf(err) == domain.CodeIdempotencyViolation {
			if s.m != nil {
				s.m.DuplicatesDropped.WithLabelValues("fill").Inc()
			}
			return nil
		}
		return err
	}

	// 3. Load or initialise the accumulator
	state, err := s.states.Get(ctx, rep.ClientOrderID)
	if err != nil {
		return domain.NewError(domain.CodeStorageUnavailable, "order state read failed", err)
	}
	if state == nil {
		state = &domain.OrderState{
			ClientOrderID: rep.ClientOrderID,
			AccountID:     rep.AccountID,
			Ticker:        rep.Ticker,
			Side:          rep.Side,
			FilledQty:     decimal.Zero,
			Notional:      decimal.Zero,
			Status:        domain.OrderNew,
			FirstSeen:     time.Now(),
		}
	}

	// 4. Accumulate
	state.FilledQty = state.FilledQty.Add(rep.LastQty)
	state.Notional = state.Notional.Add(rep.LastQty.Mul(rep.LastPx))
	state.FillCount++
	state.UpdatedAt = time.Now()
	state.Status = deriveStatus(rep.OrderStatus, state.FilledQty)

	// 5. Persist short-term state and the durable summary
	if err := s.states.Put(ctx, state); err != nil {
		s.log.Warn().Err(err).Str("client_order_id", rep.ClientOrderID).
			Msg("Order state write failed, durable summary still updated")
	}
	err = s.guards.Guard(config.DepDatabase).Execute(ctx, func(ctx context.Context) error {
		return s.repo.UpsertSummary(*state)
	})
	if err != nil {
		return err
	}
	if s.m != nil {
		s.m.FillsProcessed.Inc()
	}

	// 6. Completion
	if rep.OrderStatus.Terminal() || state.FillCount >= s.fillCountCap {
		return s.complete(ctx, state)
	}
	return nil
}

// complete publishes the synthetic intraday trade event (VWAP-priced,
// signed quantity) and drops the short-term state. Rejected/zero-filled
// orders publish nothing.
func (s *Service) complete(ctx context.Context, state *domain.OrderState) error {
	vwap := state.VWAP()
	s.log.Info().
		Str("client_order_id", state.ClientOrderID).
		Str("filled_qty", state.FilledQty.String()).
		Str("vwap", vwap.String()).
		Str("status", string(state.Status)).
		Msg("Order complete")

	if state.FilledQty.IsPositive() {
		if err := s.publishTrade(ctx, state, vwap); err != nil {
			return err
		}
		s.recordForward(state, vwap)
	}

	if err := s.states.Delete(ctx, state.ClientOrderID); err != nil {
		s.log.Warn().Err(err).Str("client_order_id", state.ClientOrderID).
			Msg("Failed to delete order state, TTL will reap it")
	}
	return nil
}

func (s *Service) publishTrade(ctx context.Context, state *domain.OrderState, vwap decimal.Decimal) error {
	qty := state.FilledQty.Round(domain.QuantityScale)
	if state.Side == domain.SideSell {
		qty = qty.Neg()
	}

	productID, _ := s.products.ResolveTicker(state.Ticker)
	snap := events.AccountSnapshot{
		AccountID: state.AccountID,
		Positions: []events.SnapshotPosition{{
			ProductID:     productID,
			Ticker:        state.Ticker,
			Quantity:      qty,
			TxnType:       events.TxnTypeTrade,
			Price:         vwap,
			ExternalRefID: "trade:" + state.ClientOrderID,
		}},
	}

	err := s.guards.Guard(config.DepMessaging).Execute(ctx, func(ctx context.Context) error {
		return s.pub.Publish(ctx, snap)
	})
	if err != nil {
		return err
	}
	if s.m != nil {
		s.m.TradeEventsOut.Inc()
	}
	return nil
}

// recordForward stores a forward contract when the filled product is an FX
// forward. Maturity follows the spot-plus-one-month convention when the
// channel does not carry one.
func (s *Service) recordForward(state *domain.OrderState, vwap decimal.Decimal) {
	productID, ok := s.products.ResolveTicker(state.Ticker)
	if !ok {
		return
	}
	prod, err := s.products.GetProduct(productID)
	if err != nil || prod == nil || prod.AssetClass != domain.AssetFxForward {
		return
	}

	fc := domain.ForwardContract{
		ClientOrderID: state.ClientOrderID,
		CurrencyPair:  state.Ticker,
		Notional:      state.FilledQty.Mul(vwap).Round(domain.PriceScale),
		ForwardRate:   vwap,
		MaturityDate:  time.Now().Add(forwardMaturityConvention).Format("2006-01-02"),
	}
	if err := s.repo.InsertForward(fc); err != nil {
		s.log.Error().Err(err).Str("client_order_id", state.ClientOrderID).Msg("Failed to record forward contract")
	}
}

// deriveStatus maps a report status and the accumulated quantity onto the
// order state machine.
func deriveStatus(reported domain.OrderStatus, filledQty decimal.Decimal) domain.OrderStatus {
	switch reported {
	case domain.OrderFilled, domain.OrderRejected, domain.OrderCanceled:
		return reported
	}
	if filledQty.IsPositive() {
		return domain.OrderPartialFill
	}
	return domain.OrderNew
}
