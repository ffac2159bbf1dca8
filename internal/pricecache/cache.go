// Package pricecache implements the two-tier price and FX-rate cache: a
// bounded in-process L1 with write-TTL, a distributed L2 with a longer TTL,
// and read-through to the market database. Writes are gated by source rank;
// zero values are never cached.
package pricecache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/kv"
	"github.com/meridian-am/fxhedge/internal/metrics"
)

// Entry is one cached observation.
type Entry struct {
	Value  decimal.Decimal    `msgpack:"value"`
	Source domain.PriceSource `msgpack:"source"`
	Ts     time.Time          `msgpack:"ts"`
}

// Lookup is a cache read result. Stale entries are returned only when no
// fresh value exists, tagged so the valuation path can surface a warning.
type Lookup struct {
	Entry
	Stale bool
}

// Config tunes the cache tiers.
type Config struct {
	PriceL1Cap int           // ~50k entries
	FxL1Cap    int           // ~1k entries
	PriceL1TTL time.Duration // 30s
	FxL1TTL    time.Duration // 60s
	L2TTL      time.Duration // 5m
	// StalenessFor returns the maximum fresh age for a source.
	StalenessFor func(source string) time.Duration
}

// Repository is the read-through backing store (market database).
type Repository interface {
	LatestPrice(ctx context.Context, productID int64) (*domain.Price, error)
	LatestRate(ctx context.Context, pair string) (*domain.FxRate, error)
}

// Cache is the two-tier price and FX cache. Owned by the Price service;
// other services read via its interface or consume pushed revaluations.
type Cache struct {
	cfg    Config
	prices *expirable.LRU[int64, Entry]
	rates  *expirable.LRU[string, Entry]
	l2     *kv.Store
	repo   Repository
	m      *metrics.Metrics
	log    zerolog.Logger
}

// New creates the cache. repo may be nil (no read-through; used in tests).
func New(cfg Config, l2 *kv.Store, repo Repository, m *metrics.Metrics, log zerolog.Logger) *Cache {
	if cfg.StalenessFor == nil {
		cfg.StalenessFor = func(string) time.Duration { return 24 * time.Hour }
	}
	return &Cache{
		cfg:    cfg,
		prices: expirable.NewLRU[int64, Entry](cfg.PriceL1Cap, nil, cfg.PriceL1TTL),
		rates:  expirable.NewLRU[string, Entry](cfg.FxL1Cap, nil, cfg.FxL1TTL),
		l2:     l2,
		repo:   repo,
		m:      m,
		log:    log.With().Str("component", "pricecache").Logger(),
	}
}

func (c *Cache) fresh(e Entry, now time.Time) bool {
	return now.Sub(e.Ts) <= c.cfg.StalenessFor(string(e.Source))
}

// GetPrice returns the effective price for a product: L1, then L2 (promoting
// to L1 on hit), then the database. A stale price is returned tagged when no
// fresh one exists.
func (c *Cache) GetPrice(ctx context.Context, productID int64) (Lookup, bool) {
	now := time.Now()

	if e, ok := c.prices.Get(productID); ok {
		c.hit("l1", "price")
		return Lookup{Entry: e, Stale: !c.fresh(e, now)}, true
	}
	c.miss("l1", "price")

	if e, ok := c.l2Get(ctx, priceKey(productID)); ok {
		c.hit("l2", "price")
		c.prices.Add(productID, e)
		return Lookup{Entry: e, Stale: !c.fresh(e, now)}, true
	}
	c.miss("l2", "price")

	if c.repo == nil {
		return Lookup{}, false
	}
	p, err := c.repo.LatestPrice(ctx, productID)
	if err != nil || p == nil {
		if err != nil {
			c.log.Warn().Err(err).Int64("product_id", productID).Msg("Price read-through failed")
		}
		return Lookup{}, false
	}
	e := Entry{Value: p.Value, Source: p.Source, Ts: p.UpdatedAt}
	c.prices.Add(productID, e)
	c.l2Set(ctx, priceKey(productID), e)
	return Lookup{Entry: e, Stale: !c.fresh(e, now)}, true
}

// PutPrice writes a price observation through both tiers. The write is
// accepted only when its source rank is >= the cached entry's rank, or the
// cached entry is past its staleness deadline. Zero prices are rejected.
func (c *Cache) PutPrice(ctx context.Context, productID int64, e Entry) error {
	if err := c.gate(ctx, priceKey(productID), func() (Entry, bool) { return c.prices.Get(productID) }, e); err != nil {
		return err
	}
	c.prices.Add(productID, e)
	c.l2Set(ctx, priceKey(productID), e)
	return nil
}

// EvictPrice drops a product from both tiers.
func (c *Cache) EvictPrice(ctx context.Context, productID int64) {
	c.prices.Remove(productID)
	c.l2Del(ctx, priceKey(productID))
}

// GetRate returns the effective rate for a currency pair ("EUR/USD").
func (c *Cache) GetRate(ctx context.Context, pair string) (Lookup, bool) {
	now := time.Now()

	if e, ok := c.rates.Get(pair); ok {
		c.hit("l1", "fx")
		return Lookup{Entry: e, Stale: !c.fresh(e, now)}, true
	}
	c.miss("l1", "fx")

	if e, ok := c.l2Get(ctx, rateKey(pair)); ok {
		c.hit("l2", "fx")
		c.rates.Add(pair, e)
		return Lookup{Entry: e, Stale: !c.fresh(e, now)}, true
	}
	c.miss("l2", "fx")

	if c.repo == nil {
		return Lookup{}, false
	}
	r, err := c.repo.LatestRate(ctx, pair)
	if err != nil || r == nil {
		if err != nil {
			c.log.Warn().Err(err).Str("pair", pair).Msg("Rate read-through failed")
		}
		return Lookup{}, false
	}
	e := Entry{Value: r.Rate, Source: r.Source, Ts: r.UpdatedAt}
	c.rates.Add(pair, e)
	c.l2Set(ctx, rateKey(pair), e)
	return Lookup{Entry: e, Stale: !c.fresh(e, now)}, true
}

// PutRate writes an FX observation through both tiers under the same gate as
// prices.
func (c *Cache) PutRate(ctx context.Context, pair string, e Entry) error {
	if err := c.gate(ctx, rateKey(pair), func() (Entry, bool) { return c.rates.Get(pair) }, e); err != nil {
		return err
	}
	c.rates.Add(pair, e)
	c.l2Set(ctx, rateKey(pair), e)
	return nil
}

// EvictRate drops a pair from both tiers.
func (c *Cache) EvictRate(ctx context.Context, pair string) {
	c.rates.Remove(pair)
	c.l2Del(ctx, rateKey(pair))
}

// gate enforces zero rejection and the source-rank rule against the highest
// tier that still has the key.
func (c *Cache) gate(ctx context.Context, l2Key string, l1Get func() (Entry, bool), e Entry) error {
	if e.Value.IsZero() {
		if c.m != nil {
			c.m.ZeroPricesDetected.Inc()
		}
		return domain.Errorf(domain.CodeZeroPrice, "zero value from %s not cached", e.Source)
	}

	current, ok := l1Get()
	if !ok {
		current, ok = c.l2Get(ctx, l2Key)
	}
	if ok && e.Source.Rank() < current.Source.Rank() && c.fresh(current, time.Now()) {
		if c.m != nil {
			c.m.PriceWritesGated.Inc()
		}
		return domain.Errorf(domain.CodeValidationFailed,
			"write from %s gated by fresh %s entry", e.Source, current.Source)
	}
	return nil
}

// l2Get reads the distributed tier. Errors are swallowed and counted; the
// cache continues from L1 only.
func (c *Cache) l2Get(ctx context.Context, key string) (Entry, bool) {
	if c.l2 == nil {
		return Entry{}, false
	}
	raw, err := c.l2.Client().Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.l2Err(err)
		}
		return Entry{}, false
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		c.l2Err(err)
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) l2Set(ctx context.Context, key string, e Entry) {
	if c.l2 == nil {
		return
	}
	raw, err := msgpack.Marshal(e)
	if err != nil {
		c.l2Err(err)
		return
	}
	if err := c.l2.Client().Set(ctx, key, raw, c.cfg.L2TTL).Err(); err != nil {
		c.l2Err(err)
	}
}

func (c *Cache) l2Del(ctx context.Context, key string) {
	if c.l2 == nil {
		return
	}
	if err := c.l2.Client().Del(ctx, key).Err(); err != nil {
		c.l2Err(err)
	}
}

func (c *Cache) l2Err(err error) {
	c.log.Warn().Err(err).Msg("L2 cache error, continuing from L1")
	if c.m != nil {
		c.m.L2Errors.Inc()
	}
}

func (c *Cache) hit(tier, kind string) {
	if c.m != nil {
		c.m.CacheHits.WithLabelValues(tier, kind).Inc()
	}
}

func (c *Cache) miss(tier, kind string) {
	if c.m != nil {
		c.m.CacheMisses.WithLabelValues(tier, kind).Inc()
	}
}

func priceKey(productID int64) string {
	return "px:" + strconv.FormatInt(productID, 10)
}

func rateKey(pair string) string {
	return "fx:" + pair
}
