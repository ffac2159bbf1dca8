package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/config"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/pricecache"
	"github.com/meridian-am/fxhedge/internal/refdata"
	"github.com/meridian-am/fxhedge/internal/resilience"
)

// Service is the Price service: it consumes market-data and FX topics,
// updates the two-tier cache, marks rows dirty for a throttled database
// flush, and fans each tick out through the reverse index into conflated
// per-account revaluations. The price/FX cache and reverse index are owned
// by this service; other services only read.
type Service struct {
	cache     *pricecache.Cache
	repo      *Repository
	symbology *refdata.SymbologyResolver
	index     *positions.ReverseIndex
	store     *positions.Store
	revaluer  *Revaluer
	conflator *Conflator
	guards    *resilience.Registry

	flushEvery time.Duration
	dirtyMu    sync.Mutex
	dirtyPx    map[int64]domain.Price
	dirtyFx    map[string]domain.FxRate

	// Change notifications may arrive on both the direct and the fabric
	// path; dedup on (account, event type, timestamp).
	seenMu      sync.Mutex
	seenChanges map[string]struct{}

	m   *metrics.Metrics
	log zerolog.Logger
}

// NewService wires the Price service.
func NewService(
	cache *pricecache.Cache,
	repo *Repository,
	symbology *refdata.SymbologyResolver,
	index *positions.ReverseIndex,
	store *positions.Store,
	revaluer *Revaluer,
	conflator *Conflator,
	guards *resilience.Registry,
	flushEvery time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Service {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Service{
		cache:      cache,
		repo:       repo,
		symbology:  symbology,
		index:      index,
		store:      store,
		revaluer:   revaluer,
		conflator:  conflator,
		guards:     guards,
		flushEvery: flushEvery,
		dirtyPx:     make(map[int64]domain.Price),
		dirtyFx:     make(map[string]domain.FxRate),
		seenChanges: make(map[string]struct{}),
		m:          m,
		log:        log.With().Str("service", "price").Logger(),
	}
}

// HandlePriceTick ingests one market-data tick: resolve symbology, gate and
// cache, mark dirty, fan out revaluations.
func (s *Service) HandlePriceTick(ctx context.Context, tick events.PriceTick) error {
	productID := tick.ProductID
	if productID == 0 {
		id, ok := s.symbology.ResolveTicker(tick.Ticker)
		if !ok {
			return domain.Errorf(domain.CodeUnknownProduct,
				"tick for unresolvable ticker %q", tick.Ticker)
		}
		productID = id
	}

	if tick.Price.IsZero() {
		// The canonical upstream failure mode: never cached, never valued.
		if s.m != nil {
			s.m.ZeroPricesDetected.Inc()
		}
		s.log.Warn().
			Int64("product_id", productID).
			Str("source", string(tick.Source)).
			Msg("Zero price tick dropped")
		return nil
	}

	ts := tick.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := pricecache.Entry{Value: tick.Price, Source: tick.Source, Ts: ts}
	if err := s.cache.PutPrice(ctx, productID, entry); err != nil {
		// Rank-gated write: the tick is consumed, the cached entry stands.
		s.log.Debug().Err(err).Int64("product_id", productID).Msg("Price write gated")
		return nil
	}

	s.markPriceDirty(domain.Price{
		ProductID: productID,
		PriceDate: ts.Format("2006-01-02"),
		Source:    tick.Source,
		Value:     tick.Price,
		UpdatedAt: ts,
	})

	s.fanOut(ctx, productID)
	return nil
}

// HandleFxTick ingests one FX-rate tick and fans out to holders of FX
// products quoted on the pair.
func (s *Service) HandleFxTick(ctx context.Context, tick events.FxRateTick) error {
	if tick.CurrencyPair == "" {
		return domain.Errorf(domain.CodeMissingField, "fx tick missing currency pair")
	}
	if tick.Rate.IsZero() {
		if s.m != nil {
			s.m.ZeroPricesDetected.Inc()
		}
		s.log.Warn().Str("pair", tick.CurrencyPair).Msg("Zero FX rate tick dropped")
		return nil
	}

	ts := tick.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := pricecache.Entry{Value: tick.Rate, Source: tick.Source, Ts: ts}
	if err := s.cache.PutRate(ctx, tick.CurrencyPair, entry); err != nil {
		s.log.Debug().Err(err).Str("pair", tick.CurrencyPair).Msg("FX write gated")
		return nil
	}

	s.markRateDirty(domain.FxRate{
		CurrencyPair:  tick.CurrencyPair,
		RateDate:      ts.Format("2006-01-02"),
		Source:        tick.Source,
		Rate:          tick.Rate,
		ForwardPoints: tick.ForwardPoints,
		UpdatedAt:     ts,
	})

	// FX products are tickered by their pair; rate moves revalue their holders.
	if productID, ok := s.symbology.ResolveTicker(tick.CurrencyPair); ok {
		s.fanOut(ctx, productID)
	}
	return nil
}

// HandlePositionChange keeps the reverse index (and, on invalidation events,
// the symbology cache) fresh. Recipients tolerate duplicate delivery from
// the direct and fabric paths.
func (s *Service) HandlePositionChange(ctx context.Context, change events.PositionChange) error {
	key := fmt.Sprintf("%d:%s:%d", change.AccountID, change.EventType, change.Ts.UnixNano())
	s.seenMu.Lock()
	if _, dup := s.seenChanges[key]; dup {
		s.seenMu.Unlock()
		return nil
	}
	s.seenChanges[key] = struct{}{}
	if len(s.seenChanges) > 10_000 {
		s.seenChanges = map[string]struct{}{key: {}}
	}
	s.seenMu.Unlock()

	if change.EventType == events.ChangeCacheInvalidate {
		if err := s.symbology.Refresh(); err != nil {
			return domain.NewError(domain.CodeStorageUnavailable, "symbology refresh failed", err)
		}
	}

	current, err := s.store.GetActivePositions(change.AccountID)
	if err != nil {
		return domain.NewError(domain.CodeStorageUnavailable, "active position read failed", err)
	}
	productIDs := make([]int64, 0, len(current))
	for _, p := range current {
		if !p.Quantity.IsZero() {
			productIDs = append(productIDs, p.ProductID)
		}
	}
	s.index.ReplaceAccount(change.AccountID, productIDs)
	return nil
}

// NotifyPositionChange implements the loader's direct notification path when
// both services share a process.
func (s *Service) NotifyPositionChange(change events.PositionChange) {
	if err := s.HandlePositionChange(context.Background(), change); err != nil {
		s.log.Warn().Err(err).Int64("account_id", change.AccountID).Msg("Direct position change handling failed")
	}
}

// RebuildIndex seeds the reverse index from the position store (startup).
func (s *Service) RebuildIndex() error {
	holdings, err := s.store.GetAllActiveHoldings()
	if err != nil {
		return err
	}
	s.index.Rebuild(holdings)
	return nil
}

// fanOut enqueues a conflated revaluation for every account holding the
// product.
func (s *Service) fanOut(ctx context.Context, productID int64) {
	accounts := s.index.GetAccountsHoldingProduct(productID)
	for _, accountID := range accounts {
		update, err := s.revaluer.Revalue(ctx, accountID, productID)
		if err != nil {
			s.log.Warn().Err(err).
				Int64("account_id", accountID).
				Int64("product_id", productID).
				Msg("Revaluation failed")
			continue
		}
		if update != nil {
			s.conflator.Offer(*update)
		}
	}
}

// RunFlusher drives the throttled dirty-row database flush until the context
// is cancelled. Multiple writes per key within an interval coalesce into one
// statement.
func (s *Service) RunFlusher(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushDirty(context.Background())
			return
		case <-ticker.C:
			s.flushDirty(ctx)
		}
	}
}

func (s *Service) markPriceDirty(p domain.Price) {
	s.dirtyMu.Lock()
	s.dirtyPx[p.ProductID] = p
	s.dirtyMu.Unlock()
}

func (s *Service) markRateDirty(fx domain.FxRate) {
	s.dirtyMu.Lock()
	s.dirtyFx[fx.CurrencyPair] = fx
	s.dirtyMu.Unlock()
}

func (s *Service) flushDirty(ctx context.Context) {
	s.dirtyMu.Lock()
	px := s.dirtyPx
	fx := s.dirtyFx
	s.dirtyPx = make(map[int64]domain.Price)
	s.dirtyFx = make(map[string]domain.FxRate)
	s.dirtyMu.Unlock()

	if len(px) == 0 && len(fx) == 0 {
		return
	}

	err := s.guards.Guard(config.DepDatabase).Execute(ctx, func(ctx context.Context) error {
		for _, p := range px {
			if err := s.repo.UpsertPrice(p); err != nil {
				return domain.NewError(domain.CodeStorageUnavailable, "price flush failed", err)
			}
		}
		for _, r := range fx {
			if err := s.repo.UpsertRate(r); err != nil {
				return domain.NewError(domain.CodeStorageUnavailable, "rate flush failed", err)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Int("prices", len(px)).Int("rates", len(fx)).Msg("Dirty flush failed, re-queueing")
		// Re-mark so the next interval retries; newer ticks win the merge.
		s.dirtyMu.Lock()
		for id, p := range px {
			if _, exists := s.dirtyPx[id]; !exists {
				s.dirtyPx[id] = p
			}
		}
		for pair, r := range fx {
			if _, exists := s.dirtyFx[pair]; !exists {
				s.dirtyFx[pair] = r
			}
		}
		s.dirtyMu.Unlock()
	}
}
