// Package analytics provides the hedge-analytics read model: six views
// computed over the position store and the price/FX cache. The package only
// reads; it owns no state.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/pricecache"
)

// PositionSource is the read side of the position store.
type PositionSource interface {
	GetActivePositions(accountID int64) ([]domain.Position, error)
}

// ProductSource resolves product metadata.
type ProductSource interface {
	GetProduct(productID int64) (*domain.Product, error)
}

// RateHistorySource returns stored daily rates, oldest first.
type RateHistorySource interface {
	RateHistory(pair string, limit int) ([]domain.FxRate, error)
}

// ForwardSource lists forward contracts maturing by a date.
type ForwardSource interface {
	ForwardsMaturingBy(date string) ([]domain.ForwardContract, error)
}

// Service computes the analytic views.
type Service struct {
	positions PositionSource
	products  ProductSource
	cache     *pricecache.Cache
	rates     RateHistorySource
	forwards  ForwardSource

	maturityWindowDays int

	log zerolog.Logger
}

// NewService creates the analytics service.
func NewService(
	positions PositionSource,
	products ProductSource,
	cache *pricecache.Cache,
	rates RateHistorySource,
	forwards ForwardSource,
	maturityWindowDays int,
	log zerolog.Logger,
) *Service {
	if maturityWindowDays <= 0 {
		maturityWindowDays = 7
	}
	return &Service{
		positions:          positions,
		products:           products,
		cache:              cache,
		rates:              rates,
		forwards:           forwards,
		maturityWindowDays: maturityWindowDays,
		log:                log.With().Str("service", "analytics").Logger(),
	}
}

// CurrencyExposure is the per-currency notional breakdown for one account.
type CurrencyExposure struct {
	Currency   string          `json:"currency"`
	GrossLocal decimal.Decimal `json:"gross_local"`
	NetLocal   decimal.Decimal `json:"net_local"`
	Weight     float64         `json:"weight"` // share of gross base value
	Positions  int             `json:"positions"`
}

// ExposureSummary is view 1 plus concentration statistics.
type ExposureSummary struct {
	AccountID     int64              `json:"account_id"`
	Exposures     []CurrencyExposure `json:"exposures"`
	MeanWeight    float64            `json:"mean_weight"`
	WeightStdDev  float64            `json:"weight_std_dev"`
	TotalBase     decimal.Decimal    `json:"total_base"`
}

// CurrencyExposureView computes view 1: gross/net local notional per
// currency with gonum-derived concentration stats.
func (s *Service) CurrencyExposureView(accountID int64) (*ExposureSummary, error) {
	rows, err := s.positions.GetActivePositions(accountID)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		gross, net, base decimal.Decimal
		count            int
	}
	buckets := make(map[string]*bucket)
	totalBase := decimal.Zero

	for _, p := range rows {
		if p.Excluded {
			continue
		}
		ccy, err := s.productCurrency(p.ProductID)
		if err != nil {
			return nil, err
		}
		b, ok := buckets[ccy]
		if !ok {
			b = &bucket{}
			buckets[ccy] = b
		}
		b.gross = b.gross.Add(p.MarketValueLocal.Abs())
		b.net = b.net.Add(p.MarketValueLocal)
		b.base = b.base.Add(p.MarketValueBase.Abs())
		b.count++
		totalBase = totalBase.Add(p.MarketValueBase.Abs())
	}

	summary := &ExposureSummary{AccountID: accountID, TotalBase: totalBase}
	weights := make([]float64, 0, len(buckets))
	for ccy, b := range buckets {
		weight := 0.0
		if !totalBase.IsZero() {
			weight, _ = b.base.DivRound(totalBase, 8).Float64()
		}
		weights = append(weights, weight)
		summary.Exposures = append(summary.Exposures, CurrencyExposure{
			Currency:   ccy,
			GrossLocal: b.gross,
			NetLocal:   b.net,
			Weight:     weight,
			Positions:  b.count,
		})
	}
	sort.Slice(summary.Exposures, func(i, j int) bool {
		return summary.Exposures[i].Currency < summary.Exposures[j].Currency
	})

	if len(weights) > 0 {
		summary.MeanWeight = stat.Mean(weights, nil)
		if len(weights) > 1 {
			summary.WeightStdDev = stat.StdDev(weights, nil)
		}
	}
	return summary, nil
}

// HedgeCoverage is view 2: synthetic hedge notional against physical
// exposure, per currency.
type HedgeCoverage struct {
	Currency        string          `json:"currency"`
	PhysicalLocal   decimal.Decimal `json:"physical_local"`
	SyntheticLocal  decimal.Decimal `json:"synthetic_local"`
	CoverageRatio   decimal.Decimal `json:"coverage_ratio"` // |synthetic| / |physical|
}

// HedgeCoverageView computes view 2.
func (s *Service) HedgeCoverageView(accountID int64) ([]HedgeCoverage, error) {
	rows, err := s.positions.GetActivePositions(accountID)
	if err != nil {
		return nil, err
	}

	physical := make(map[string]decimal.Decimal)
	synthetic := make(map[string]decimal.Decimal)
	for _, p := range rows {
		if p.Excluded {
			continue
		}
		ccy, err := s.productCurrency(p.ProductID)
		if err != nil {
			return nil, err
		}
		if p.PositionType == domain.PositionSynthetic {
			synthetic[ccy] = synthetic[ccy].Add(p.MarketValueLocal)
		} else {
			physical[ccy] = physical[ccy].Add(p.MarketValueLocal)
		}
	}

	seen := make(map[string]struct{})
	var out []HedgeCoverage
	for ccy := range physical {
		seen[ccy] = struct{}{}
	}
	for ccy := range synthetic {
		seen[ccy] = struct{}{}
	}
	for ccy := range seen {
		phys := physical[ccy]
		synth := synthetic[ccy]
		ratio := decimal.Zero
		if !phys.IsZero() {
			ratio = synth.Abs().DivRound(phys.Abs(), 4)
		}
		out = append(out, HedgeCoverage{
			Currency:       ccy,
			PhysicalLocal:  phys,
			SyntheticLocal: synth,
			CoverageRatio:  ratio,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// PnlByClass is one slice of view 3.
type PnlByClass struct {
	AssetClass domain.AssetClass `json:"asset_class"`
	PnlLocal   decimal.Decimal   `json:"pnl_local"`
	PnlBase    decimal.Decimal   `json:"pnl_base"`
	Positions  int               `json:"positions"`
}

// PnlSummaryView computes view 3: unrealized P&L by asset class.
func (s *Service) PnlSummaryView(accountID int64) ([]PnlByClass, error) {
	rows, err := s.positions.GetActivePositions(accountID)
	if err != nil {
		return nil, err
	}

	buckets := make(map[domain.AssetClass]*PnlByClass)
	for _, p := range rows {
		if p.Excluded {
			continue
		}
		prod, err := s.products.GetProduct(p.ProductID)
		if err != nil {
			return nil, err
		}
		class := domain.AssetClass("UNKNOWN")
		if prod != nil {
			class = prod.AssetClass
		}
		b, ok := buckets[class]
		if !ok {
			b = &PnlByClass{AssetClass: class}
			buckets[class] = b
		}
		b.PnlLocal = b.PnlLocal.Add(p.UnrealizedPnlLocal)
		b.PnlBase = b.PnlBase.Add(p.UnrealizedPnlBase)
		b.Positions++
	}

	out := make([]PnlByClass, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetClass < out[j].AssetClass })
	return out, nil
}

// MaturityRung is one entry of view 4.
type MaturityRung struct {
	Contract domain.ForwardContract `json:"contract"`
	Alert    bool                   `json:"alert"` // maturing inside the alert window
}

// MaturityLadderView computes view 4: forwards by maturity with alerts for
// contracts maturing within the configured window.
func (s *Service) MaturityLadderView() ([]MaturityRung, error) {
	horizon := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
	contracts, err := s.forwards.ForwardsMaturingBy(horizon)
	if err != nil {
		return nil, err
	}

	alertCutoff := time.Now().AddDate(0, 0, s.maturityWindowDays).Format("2006-01-02")
	out := make([]MaturityRung, 0, len(contracts))
	for _, fc := range contracts {
		out = append(out, MaturityRung{
			Contract: fc,
			Alert:    fc.MaturityDate <= alertCutoff,
		})
	}
	return out, nil
}

// Mover is one entry of view 5: the revaluation drift between the stored
// price and the cache's current effective price.
type Mover struct {
	ProductID     int64           `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	StoredPrice   decimal.Decimal `json:"stored_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	DriftBase     decimal.Decimal `json:"drift_base"`
	StalePrice    bool            `json:"stale_price"`
}

// ValuationMoversView computes view 5: top movers by absolute base-value
// drift between the stored valuation and the live cache price.
func (s *Service) ValuationMoversView(ctx context.Context, accountID int64, topN int) ([]Mover, error) {
	if topN <= 0 {
		topN = 10
	}
	rows, err := s.positions.GetActivePositions(accountID)
	if err != nil {
		return nil, err
	}

	var movers []Mover
	for _, p := range rows {
		if p.Excluded || p.Quantity.IsZero() {
			continue
		}
		lookup, ok := s.cache.GetPrice(ctx, p.ProductID)
		if !ok || lookup.Value.IsZero() {
			continue
		}
		drift := p.Quantity.Mul(lookup.Value.Sub(p.PriceUsed)).Mul(p.FxRateUsed).Round(domain.PriceScale)
		movers = append(movers, Mover{
			ProductID:    p.ProductID,
			Quantity:     p.Quantity,
			StoredPrice:  p.PriceUsed,
			CurrentPrice: lookup.Value,
			DriftBase:    drift,
			StalePrice:   lookup.Stale,
		})
	}

	sort.Slice(movers, func(i, j int) bool {
		return movers[i].DriftBase.Abs().GreaterThan(movers[j].DriftBase.Abs())
	})
	if len(movers) > topN {
		movers = movers[:topN]
	}
	return movers, nil
}

// RateTrend is view 6: smoothed rate history for one pair.
type RateTrend struct {
	CurrencyPair string    `json:"currency_pair"`
	LastRate     float64   `json:"last_rate"`
	SMA          []float64 `json:"sma"`
	EMA          []float64 `json:"ema"`
	Rising       bool      `json:"rising"` // last SMA above previous
}

// RateTrendView computes view 6 with talib SMA/EMA over the stored daily
// rate history. Returns nil when fewer than period+1 observations exist.
func (s *Service) RateTrendView(pair string, period int) (*RateTrend, error) {
	if period <= 0 {
		period = 10
	}
	history, err := s.rates.RateHistory(pair, period*4)
	if err != nil {
		return nil, err
	}
	if len(history) <= period {
		return nil, nil
	}

	values := make([]float64, len(history))
	for i, fx := range history {
		values[i], _ = fx.Rate.Float64()
	}

	sma := talib.Sma(values, period)
	ema := talib.Ema(values, period)

	trend := &RateTrend{
		CurrencyPair: pair,
		LastRate:     values[len(values)-1],
		SMA:          sma,
		EMA:          ema,
	}
	if len(sma) >= 2 {
		trend.Rising = sma[len(sma)-1] > sma[len(sma)-2]
	}
	return trend, nil
}

func (s *Service) productCurrency(productID int64) (string, error) {
	prod, err := s.products.GetProduct(productID)
	if err != nil {
		return "", err
	}
	if prod == nil || prod.IssueCurrency == "" {
		return "UNK", nil
	}
	return prod.IssueCurrency, nil
}
