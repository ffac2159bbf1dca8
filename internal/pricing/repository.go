// Package pricing implements the Price service: market-data and FX tick
// ingestion into the two-tier cache, throttled persistence, reverse-index
// fan-out, and conflated revaluation push to per-account subscribers.
package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// Repository persists prices and FX rates in market.db. It backs the cache's
// read-through path and the analytics rate history.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the market data repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "market").Logger(),
	}
}

// UpsertPrice writes one (product, date, source) observation.
func (r *Repository) UpsertPrice(p domain.Price) error {
	_, err := r.db.Exec(`INSERT INTO prices (product_id, price_date, source, price_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id, price_date, source) DO UPDATE SET
			price_value = excluded.price_value, updated_at = excluded.updated_at`,
		p.ProductID, p.PriceDate, string(p.Source), p.Value.String(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert price for product %d: %w", p.ProductID, err)
	}
	return nil
}

// UpsertRate writes one (pair, date, source) observation.
func (r *Repository) UpsertRate(fx domain.FxRate) error {
	var points interface{}
	if fx.ForwardPoints != nil {
		points = fx.ForwardPoints.String()
	}
	_, err := r.db.Exec(`INSERT INTO fx_rates (currency_pair, rate_date, source, rate, forward_points, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(currency_pair, rate_date, source) DO UPDATE SET
			rate = excluded.rate, forward_points = excluded.forward_points, updated_at = excluded.updated_at`,
		fx.CurrencyPair, fx.RateDate, string(fx.Source), fx.Rate.String(), points, fx.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert rate for %s: %w", fx.CurrencyPair, err)
	}
	return nil
}

// LatestPrice returns the effective price for a product: the highest-ranked
// source among the most recent date's observations.
func (r *Repository) LatestPrice(ctx context.Context, productID int64) (*domain.Price, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT product_id, price_date, source, price_value, updated_at
		FROM prices WHERE product_id = ?
		AND price_date = (SELECT MAX(price_date) FROM prices WHERE product_id = ?)`,
		productID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest price: %w", err)
	}
	defer rows.Close()

	var best *domain.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		if best == nil || p.Source.Rank() > best.Source.Rank() {
			best = p
		}
	}
	return best, rows.Err()
}

// LatestRate returns the effective rate for a pair, preferring the highest
// ranked source on the most recent date.
func (r *Repository) LatestRate(ctx context.Context, pair string) (*domain.FxRate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT currency_pair, rate_date, source, rate, forward_points, updated_at
		FROM fx_rates WHERE currency_pair = ?
		AND rate_date = (SELECT MAX(rate_date) FROM fx_rates WHERE currency_pair = ?)`,
		pair, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest rate: %w", err)
	}
	defer rows.Close()

	var best *domain.FxRate
	for rows.Next() {
		fx, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		if best == nil || fx.Source.Rank() > best.Source.Rank() {
			best = fx
		}
	}
	return best, rows.Err()
}

// RateHistory returns up to limit daily rates for a pair, oldest first.
// Used by the analytics rate-trend view.
func (r *Repository) RateHistory(pair string, limit int) ([]domain.FxRate, error) {
	rows, err := r.db.Query(`SELECT currency_pair, rate_date, source, rate, forward_points, updated_at
		FROM fx_rates WHERE currency_pair = ?
		ORDER BY rate_date DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate history: %w", err)
	}
	defer rows.Close()

	var history []domain.FxRate
	for rows.Next() {
		fx, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *fx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for the indicator math
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrice(row rowScanner) (*domain.Price, error) {
	var p domain.Price
	var source, value string
	var updatedAt int64
	if err := row.Scan(&p.ProductID, &p.PriceDate, &source, &value, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan price: %w", err)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("bad decimal %q in price row: %w", value, err)
	}
	p.Source = domain.PriceSource(source)
	p.Value = d
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

func scanRate(row rowScanner) (*domain.FxRate, error) {
	var fx domain.FxRate
	var source, value string
	var points sql.NullString
	var updatedAt int64
	if err := row.Scan(&fx.CurrencyPair, &fx.RateDate, &source, &value, &points, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan rate: %w", err)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("bad decimal %q in rate row: %w", value, err)
	}
	fx.Source = domain.PriceSource(source)
	fx.Rate = d
	fx.UpdatedAt = time.Unix(0, updatedAt)
	if points.Valid {
		fp, err := decimal.NewFromString(points.String)
		if err == nil {
			fx.ForwardPoints = &fp
		}
	}
	return &fx, nil
}
