package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/pricecache"
)

// Revaluation is one pushed market-value update for an (account, product).
type Revaluation struct {
	AccountID       int64           `json:"account_id"`
	ProductID       int64           `json:"product_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	FxRate          decimal.Decimal `json:"fx_rate"`
	MarketValueBase decimal.Decimal `json:"market_value_base"`
	Warnings        []string        `json:"warnings,omitempty"`
	Ts              time.Time       `json:"ts"`
}

// PositionReader is the loader-owned store's read side.
type PositionReader interface {
	GetCurrentPosition(accountID, productID int64) (*domain.Position, error)
}

// AccountInfo resolves account base currencies (cached reference data).
type AccountInfo interface {
	GetAccount(accountID int64) (*domain.Account, error)
}

// ProductInfo resolves product issue currencies.
type ProductInfo interface {
	GetProduct(productID int64) (*domain.Product, error)
}

// Revaluer computes marketValue = quantity * price * fxRate(productCcy ->
// accountBaseCcy), triangulating through the pivot currency when the direct
// pair is missing. A valuation that would use a zero price refuses and
// surfaces a warning instead of writing a zero market value.
type Revaluer struct {
	cache     *pricecache.Cache
	positions PositionReader
	accounts  AccountInfo
	products  ProductInfo
	pivot     string // triangulation pivot, e.g. "USD"
	m         *metrics.Metrics
	log       zerolog.Logger
}

// NewRevaluer creates a revaluer.
func NewRevaluer(cache *pricecache.Cache, pos PositionReader, accounts AccountInfo, products ProductInfo, pivot string, m *metrics.Metrics, log zerolog.Logger) *Revaluer {
	if pivot == "" {
		pivot = "USD"
	}
	return &Revaluer{
		cache:     cache,
		positions: pos,
		accounts:  accounts,
		products:  products,
		pivot:     pivot,
		m:         m,
		log:       log.With().Str("component", "revaluer").Logger(),
	}
}

// Revalue computes the update for one (account, product). Returns nil when
// the account no longer holds the product or no usable price exists.
func (r *Revaluer) Revalue(ctx context.Context, accountID, productID int64) (*Revaluation, error) {
	pos, err := r.positions.GetCurrentPosition(accountID, productID)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Quantity.IsZero() || pos.Excluded {
		return nil, nil
	}

	acc, err := r.accounts.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, domain.Errorf(domain.CodeValidationFailed, "unknown account %d", accountID)
	}
	prod, err := r.products.GetProduct(productID)
	if err != nil {
		return nil, err
	}
	if prod == nil {
		return nil, domain.Errorf(domain.CodeUnknownProduct, "unknown product %d", productID)
	}

	var warnings []string

	priceLookup, ok := r.cache.GetPrice(ctx, productID)
	if !ok {
		r.warn(&warnings, "no_price")
		return nil, nil
	}
	if priceLookup.Value.IsZero() {
		// Zero prices are filtered on ingestion; a zero here means corrupted
		// state and the valuation refuses rather than writing zero.
		r.warn(&warnings, "zero_price")
		if r.m != nil {
			r.m.ValuationWarnings.WithLabelValues("zero_price").Inc()
		}
		return nil, domain.Errorf(domain.CodeZeroPrice, "zero cached price for product %d", productID)
	}
	if priceLookup.Stale {
		r.warn(&warnings, "stale_price")
		if r.m != nil {
			r.m.StalePriceReads.Inc()
		}
	}

	fx, fxWarnings, ok := r.resolveRate(ctx, prod.IssueCurrency, acc.BaseCurrency)
	warnings = append(warnings, fxWarnings...)
	if !ok {
		if r.m != nil {
			r.m.ValuationWarnings.WithLabelValues("missing_rate").Inc()
		}
		return nil, nil
	}

	mv := pos.Quantity.Mul(priceLookup.Value).Mul(fx).Round(domain.PriceScale)
	return &Revaluation{
		AccountID:       accountID,
		ProductID:       productID,
		Quantity:        pos.Quantity,
		Price:           priceLookup.Value,
		FxRate:          fx.Round(domain.FxRateScale),
		MarketValueBase: mv,
		Warnings:        warnings,
		Ts:              time.Now(),
	}, nil
}

// resolveRate finds fxRate(from -> to): identity, direct pair, inverse pair,
// then triangulation through the pivot currency. Stale legs are used but
// tagged with a warning.
func (r *Revaluer) resolveRate(ctx context.Context, from, to string) (decimal.Decimal, []string, bool) {
	if from == to || from == "" {
		return decimal.NewFromInt(1), nil, true
	}

	var warnings []string

	if lk, ok := r.cache.GetRate(ctx, from+"/"+to); ok && !lk.Value.IsZero() {
		if lk.Stale {
			warnings = append(warnings, "stale_rate")
		}
		return lk.Value, warnings, true
	}
	if lk, ok := r.cache.GetRate(ctx, to+"/"+from); ok && !lk.Value.IsZero() {
		if lk.Stale {
			warnings = append(warnings, "stale_rate")
		}
		return decimal.NewFromInt(1).DivRound(lk.Value, domain.FxRateScale), warnings, true
	}

	// Triangulate: from/to = (from/pivot) * (pivot/to)
	if from == r.pivot || to == r.pivot {
		return decimal.Decimal{}, warnings, false
	}
	leg1, w1, ok1 := r.directOrInverse(ctx, from, r.pivot)
	leg2, w2, ok2 := r.directOrInverse(ctx, r.pivot, to)
	if !ok1 || !ok2 {
		return decimal.Decimal{}, warnings, false
	}
	warnings = append(warnings, w1...)
	warnings = append(warnings, w2...)
	if r.m != nil {
		r.m.TriangulationUsed.Inc()
		if len(w1)+len(w2) > 0 {
			r.m.ValuationWarnings.WithLabelValues("stale_rate").Inc()
		}
	}
	return leg1.Mul(leg2).Round(domain.FxRateScale), warnings, true
}

func (r *Revaluer) directOrInverse(ctx context.Context, from, to string) (decimal.Decimal, []string, bool) {
	var warnings []string
	if lk, ok := r.cache.GetRate(ctx, from+"/"+to); ok && !lk.Value.IsZero() {
		if lk.Stale {
			warnings = append(warnings, "stale_rate")
		}
		return lk.Value, warnings, true
	}
	if lk, ok := r.cache.GetRate(ctx, to+"/"+from); ok && !lk.Value.IsZero() {
		if lk.Stale {
			warnings = append(warnings, "stale_rate")
		}
		return decimal.NewFromInt(1).DivRound(lk.Value, domain.FxRateScale), warnings, true
	}
	return decimal.Decimal{}, nil, false
}

func (r *Revaluer) warn(warnings *[]string, reason string) {
	*warnings = append(*warnings, reason)
}
