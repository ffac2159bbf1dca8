// Package aggregator implements the trade-fill aggregator: a per-order state
// machine that deduplicates fills, accumulates a VWAP, detects orphan
// orders, and feeds synthetic intraday updates back to the Position Loader.
// Fill and order rows are exclusively owned by this service.
package aggregator

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// Repository persists fills, order summaries and forward contracts in
// fills.db (ledger profile: synchronous FULL, append-only fills).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the fills repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "fills").Logger(),
	}
}

// InsertFill appends one execution report to the fills log. The primary key
// on exec_id is the on-disk idempotency key; a duplicate returns
// IDEMPOTENCY_VIOLATION.
func (r *Repository) InsertFill(rep domain.ExecutionReport) error {
	_, err := r.db.Exec(`INSERT INTO fills
		(exec_id, client_order_id, account_id, ticker, side, last_qty, last_px, cum_qty, order_status, transact_time, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ExecID, rep.ClientOrderID, rep.AccountID, rep.Ticker, string(rep.Side),
		rep.LastQty.String(), rep.LastPx.String(), rep.CumQty.String(),
		string(rep.OrderStatus), rep.TransactTime.UnixNano(), time.Now().UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.Errorf(domain.CodeIdempotencyViolation, "fill %s already persisted", rep.ExecID)
		}
		return domain.NewError(domain.CodeStorageUnavailable, "fill insert failed", err)
	}
	return nil
}

// FillsForOrder returns the persisted fills for one order, oldest first.
func (r *Repository) FillsForOrder(clientOrderID string) ([]domain.ExecutionReport, error) {
	rows, err := r.db.Query(`SELECT exec_id, client_order_id, account_id, ticker, side,
		last_qty, last_px, cum_qty, order_status, transact_time
		FROM fills WHERE client_order_id = ? ORDER BY received_at`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills for %s: %w", clientOrderID, err)
	}
	defer rows.Close()

	var fills []domain.ExecutionReport
	for rows.Next() {
		var rep domain.ExecutionReport
		var side, qty, px, cum, status string
		var transactTime int64
		if err := rows.Scan(&rep.ExecID, &rep.ClientOrderID, &rep.AccountID, &rep.Ticker,
			&side, &qty, &px, &cum, &status, &transactTime); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		rep.Side = domain.Side(side)
		rep.OrderStatus = domain.OrderStatus(status)
		rep.TransactTime = time.Unix(0, transactTime)
		if rep.LastQty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if rep.LastPx, err = decimal.NewFromString(px); err != nil {
			return nil, err
		}
		if rep.CumQty, err = decimal.NewFromString(cum); err != nil {
			return nil, err
		}
		fills = append(fills, rep)
	}
	return fills, rows.Err()
}

// UpsertSummary unconditionally updates the durable order-summary row.
func (r *Repository) UpsertSummary(state domain.OrderState) error {
	_, err := r.db.Exec(`INSERT INTO order_summary
		(client_order_id, account_id, ticker, side, filled_qty, notional, avg_px, status, fill_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			notional = excluded.notional,
			avg_px = excluded.avg_px,
			status = excluded.status,
			fill_count = excluded.fill_count,
			updated_at = excluded.updated_at`,
		state.ClientOrderID, state.AccountID, state.Ticker, string(state.Side),
		state.FilledQty.String(), state.Notional.String(), state.VWAP().String(),
		string(state.Status), state.FillCount, time.Now().UnixNano())
	if err != nil {
		return domain.NewError(domain.CodeStorageUnavailable, "order summary upsert failed", err)
	}
	return nil
}

// SummaryStatus returns the durable status for one order, or "" when the
// order is unknown.
func (r *Repository) SummaryStatus(clientOrderID string) (domain.OrderStatus, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM order_summary WHERE client_order_id = ?`, clientOrderID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", domain.NewError(domain.CodeStorageUnavailable, "order summary read failed", err)
	}
	return domain.OrderStatus(status), nil
}

// MarkOrphaned flips the durable summary to ORPHANED unless already
// terminal. Returns true when the row changed.
func (r *Repository) MarkOrphaned(clientOrderID string) (bool, error) {
	res, err := r.db.Exec(`UPDATE order_summary SET status = ?, updated_at = ?
		WHERE client_order_id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(domain.OrderOrphaned), time.Now().UnixNano(), clientOrderID,
		string(domain.OrderFilled), string(domain.OrderRejected),
		string(domain.OrderCanceled), string(domain.OrderOrphaned))
	if err != nil {
		return false, domain.NewError(domain.CodeStorageUnavailable, "orphan mark failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertForward records a forward contract derived from an executed forward
// fill.
func (r *Repository) InsertForward(fc domain.ForwardContract) error {
	_, err := r.db.Exec(`INSERT INTO forward_contracts
		(client_order_id, currency_pair, notional, forward_rate, maturity_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fc.ClientOrderID, fc.CurrencyPair, fc.Notional.String(), fc.ForwardRate.String(),
		fc.MaturityDate, time.Now().UnixNano())
	if err != nil {
		return domain.NewError(domain.CodeStorageUnavailable, "forward insert failed", err)
	}
	return nil
}

// ForwardsMaturingBy returns contracts maturing on or before the date,
// soonest first. Drives the analytics maturity ladder and alerts.
func (r *Repository) ForwardsMaturingBy(date string) ([]domain.ForwardContract, error) {
	rows, err := r.db.Query(`SELECT id, client_order_id, currency_pair, notional, forward_rate, maturity_date, created_at
		FROM forward_contracts WHERE maturity_date <= ? ORDER BY maturity_date`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query maturing forwards: %w", err)
	}
	defer rows.Close()

	var out []domain.ForwardContract
	for rows.Next() {
		var fc domain.ForwardContract
		var notional, rate string
		var createdAt int64
		if err := rows.Scan(&fc.ID, &fc.ClientOrderID, &fc.CurrencyPair, &notional, &rate, &fc.MaturityDate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan forward: %w", err)
		}
		if fc.Notional, err = decimal.NewFromString(notional); err != nil {
			return nil, err
		}
		if fc.ForwardRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		fc.CreatedAt = time.Unix(0, createdAt)
		out = append(out, fc)
	}
	return out, rows.Err()
}
