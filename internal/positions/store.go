// Package positions implements the authoritative per-account position store:
// batched, bitemporal, with atomic batch activation. Position rows are
// exclusively owned by the Position Loader.
//
// Both time dimensions use half-open intervals [from, to). A row is visible
// for a query (B, S) iff valid_from <= B < valid_to and
// system_from <= S < system_to. Activation closes the outgoing batch's
// current rows and re-stamps the incoming batch's rows at a single instant
// inside one transaction, so readers observe either the full prior batch or
// the full new batch, never a mixture.
package positions

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-am/fxhedge/internal/database"
	"github.com/meridian-am/fxhedge/internal/domain"
)

// insertChunk bounds multi-row INSERT statements (sqlite variable limit).
const insertChunk = 40

// Store handles position and batch persistence against positions.db.
type Store struct {
	db *sql.DB

	// Active batch ids are read on every intraday apply and every tick
	// fan-out, so they are cached; activation invalidates.
	mu          sync.RWMutex
	activeBatch map[int64]string

	log zerolog.Logger
}

// NewStore creates a position store.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:          db,
		activeBatch: make(map[int64]string),
		log:         log.With().Str("repo", "positions").Logger(),
	}
}

// GetActiveBatchID returns the account's active batch id, or "" when the
// account has never published a batch.
func (s *Store) GetActiveBatchID(accountID int64) (string, error) {
	s.mu.RLock()
	if id, ok := s.activeBatch[accountID]; ok {
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(`SELECT active_batch_id FROM batch_control WHERE account_id = ?`, accountID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query active batch for account %d: %w", accountID, err)
	}

	s.mu.Lock()
	s.activeBatch[accountID] = id
	s.mu.Unlock()
	return id, nil
}

// CreateBatch reserves a new non-active batch slot for the account.
func (s *Store) CreateBatch(accountID int64) (string, error) {
	batchID := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO batches (batch_id, account_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		batchID, accountID, string(domain.BatchReserved), time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to reserve batch for account %d: %w", accountID, err)
	}
	return batchID, nil
}

// InsertPositions writes rows into a reserved batch. The partial unique index
// on (batch_id, account_id, product_id) rejects duplicates within a batch;
// a duplicate fails the whole insert so the loader can clear and retry.
func (s *Store) InsertPositions(accountID int64, batchID string, rows []domain.Position) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now().UnixNano()
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for start := 0; start < len(rows); start += insertChunk {
			end := start + insertChunk
			if end > len(rows) {
				end = len(rows)
			}
			if err := insertChunkTx(tx, accountID, batchID, rows[start:end], now); err != nil {
				if isConstraintViolation(err) {
					return domain.NewError(domain.CodeConstraintViolation,
						fmt.Sprintf("duplicate (account, product) in batch %s", batchID), err)
				}
				return err
			}
		}
		return nil
	})
}

func insertChunkTx(tx *sql.Tx, accountID int64, batchID string, rows []domain.Position, now int64) error {
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*21)
	for _, p := range rows {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		systemFrom := p.SystemFrom
		if systemFrom == 0 {
			systemFrom = now
		}
		validTo := p.ValidTo
		if validTo == "" {
			validTo = domain.ValidToOpen
		}
		args = append(args,
			accountID, p.ProductID, batchID, p.BusinessDate,
			p.Quantity.String(), p.PriceUsed.String(), p.FxRateUsed.String(),
			p.MarketValueLocal.String(), p.MarketValueBase.String(),
			p.CostBasisLocal.String(), p.CostBasisBase.String(),
			p.UnrealizedPnlLocal.String(), p.UnrealizedPnlBase.String(),
			p.SourceSystem, string(p.PositionType), boolToInt(p.Excluded), p.ExternalRef,
			p.ValidFrom, validTo, systemFrom, domain.SystemTimeOpen)
	}

	query := `INSERT INTO positions
		(account_id, product_id, batch_id, business_date, quantity, price_used, fx_rate_used,
		 market_value_local, market_value_base, cost_basis_local, cost_basis_base,
		 unrealized_pnl_local, unrealized_pnl_base, source_system, position_type, excluded,
		 external_ref, valid_from, valid_to, system_from, system_to)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := tx.Exec(query, args...)
	return err
}

// UpdatePositions upserts rows into the account's active batch with
// bitemporal supersession: each current row is closed at now and a fresh row
// is written with system_from = now, in one transaction.
func (s *Store) UpdatePositions(accountID int64, rows []domain.Position) error {
	if len(rows) == 0 {
		return nil
	}

	batchID, err := s.GetActiveBatchID(accountID)
	if err != nil {
		return err
	}
	if batchID == "" {
		return domain.Errorf(domain.CodeValidationFailed, "account %d has no active batch", accountID)
	}

	now := time.Now().UnixNano()
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for _, p := range rows {
			if _, err := tx.Exec(`UPDATE positions SET system_to = ?
				WHERE account_id = ? AND product_id = ? AND batch_id = ? AND system_to = ?`,
				now, accountID, p.ProductID, batchID, domain.SystemTimeOpen); err != nil {
				return err
			}
			p.BatchID = batchID
			p.SystemFrom = now
			if err := insertChunkTx(tx, accountID, batchID, []domain.Position{p}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isConflict(err) {
			return domain.NewError(domain.CodeStorageConflict, "position update conflict", err)
		}
		return err
	}
	return nil
}

// ActivateBatch atomically swaps the account's active batch. The outgoing
// batch's current rows are closed and the incoming batch's rows re-stamped at
// the same instant, inside one transaction.
func (s *Store) ActivateBatch(accountID int64, batchID string) error {
	now := time.Now().UnixNano()

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var oldBatch string
		err := tx.QueryRow(`SELECT active_batch_id FROM batch_control WHERE account_id = ?`, accountID).Scan(&oldBatch)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if oldBatch != "" {
			if _, err := tx.Exec(`UPDATE positions SET system_to = ?
				WHERE account_id = ? AND batch_id = ? AND system_to = ?`,
				now, accountID, oldBatch, domain.SystemTimeOpen); err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE batches SET status = ? WHERE batch_id = ?`,
				string(domain.BatchHistorical), oldBatch); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(`UPDATE positions SET system_from = ?
			WHERE account_id = ? AND batch_id = ? AND system_to = ?`,
			now, accountID, batchID, domain.SystemTimeOpen); err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE batches SET status = ?, activated_at = ? WHERE batch_id = ? AND account_id = ?`,
			string(domain.BatchActive), now, batchID, accountID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Errorf(domain.CodeValidationFailed, "batch %s not found for account %d", batchID, accountID)
		}

		_, err = tx.Exec(`INSERT INTO batch_control (account_id, active_batch_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET active_batch_id = excluded.active_batch_id,
				updated_at = excluded.updated_at`,
			accountID, batchID, now)
		return err
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.activeBatch[accountID] = batchID
	s.mu.Unlock()
	return nil
}

// ClearBatch deletes all positions in a non-active batch (failed EOD cleanup).
func (s *Store) ClearBatch(accountID int64, batchID string) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRow(`SELECT status FROM batches WHERE batch_id = ?`, batchID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if status == string(domain.BatchActive) {
			return domain.Errorf(domain.CodeValidationFailed, "refusing to clear active batch %s", batchID)
		}
		if _, err := tx.Exec(`DELETE FROM positions WHERE account_id = ? AND batch_id = ?`, accountID, batchID); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE batches SET status = ? WHERE batch_id = ?`, string(domain.BatchCleared), batchID)
		return err
	})
}

const positionColumns = `account_id, product_id, batch_id, business_date, quantity, price_used,
	fx_rate_used, market_value_local, market_value_base, cost_basis_local, cost_basis_base,
	unrealized_pnl_local, unrealized_pnl_base, source_system, position_type, excluded,
	COALESCE(external_ref, ''), valid_from, valid_to, system_from, system_to`

// GetActivePositions returns the current rows of the account's active batch.
func (s *Store) GetActivePositions(accountID int64) ([]domain.Position, error) {
	batchID, err := s.GetActiveBatchID(accountID)
	if err != nil {
		return nil, err
	}
	if batchID == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND batch_id = ? AND system_to = ?
		ORDER BY product_id`, accountID, batchID, domain.SystemTimeOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions for account %d: %w", accountID, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetPositionsAsOf returns the active batch's rows visible at the given
// business date (point-in-business-time, current system knowledge).
func (s *Store) GetPositionsAsOf(accountID int64, businessDate string) ([]domain.Position, error) {
	batchID, err := s.GetActiveBatchID(accountID)
	if err != nil {
		return nil, err
	}
	if batchID == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND batch_id = ? AND system_to = ?
		AND valid_from <= ? AND ? < valid_to
		ORDER BY product_id`,
		accountID, batchID, domain.SystemTimeOpen, businessDate, businessDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions as of %s for account %d: %w", businessDate, accountID, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetQuantityAsOf answers "what quantity did we know at system instant S" for
// one (account, product). Returns zero when no row was visible.
func (s *Store) GetQuantityAsOf(accountID, productID int64, systemInstant time.Time) (decimal.Decimal, error) {
	s64 := systemInstant.UnixNano()
	var qty string
	// Rows in a still-reserved batch are not knowledge yet; they only become
	// visible once activation re-stamps them.
	err := s.db.QueryRow(`SELECT p.quantity FROM positions p
		JOIN batches b ON b.batch_id = p.batch_id
		WHERE p.account_id = ? AND p.product_id = ? AND p.system_from <= ? AND ? < p.system_to
		AND b.status IN ('ACTIVE', 'HISTORICAL')
		ORDER BY p.system_from DESC LIMIT 1`,
		accountID, productID, s64, s64).Scan(&qty)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query quantity as of: %w", err)
	}
	return decimal.NewFromString(qty)
}

// GetCurrentPosition returns the account's current row for one product in
// the active batch, or nil when not held.
func (s *Store) GetCurrentPosition(accountID, productID int64) (*domain.Position, error) {
	batchID, err := s.GetActiveBatchID(accountID)
	if err != nil {
		return nil, err
	}
	if batchID == "" {
		return nil, nil
	}

	row := s.db.QueryRow(`SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND product_id = ? AND batch_id = ? AND system_to = ?`,
		accountID, productID, batchID, domain.SystemTimeOpen)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetAllActiveHoldings returns (account, product) pairs across every active
// batch. Used to rebuild the reverse index on startup.
func (s *Store) GetAllActiveHoldings() (map[int64][]int64, error) {
	rows, err := s.db.Query(`SELECT p.product_id, p.account_id FROM positions p
		JOIN batch_control bc ON bc.account_id = p.account_id AND bc.active_batch_id = p.batch_id
		WHERE p.system_to = ?`, domain.SystemTimeOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query active holdings: %w", err)
	}
	defer rows.Close()

	holdings := make(map[int64][]int64)
	for rows.Next() {
		var productID, accountID int64
		if err := rows.Scan(&productID, &accountID); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings[productID] = append(holdings[productID], accountID)
	}
	return holdings, rows.Err()
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var qty, px, fx, mvl, mvb, cbl, cbb, pnl, pnb, posType string
	var excluded int
	err := row.Scan(&p.AccountID, &p.ProductID, &p.BatchID, &p.BusinessDate,
		&qty, &px, &fx, &mvl, &mvb, &cbl, &cbb, &pnl, &pnb,
		&p.SourceSystem, &posType, &excluded, &p.ExternalRef,
		&p.ValidFrom, &p.ValidTo, &p.SystemFrom, &p.SystemTo)
	if err != nil {
		return nil, err
	}

	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Quantity, qty}, {&p.PriceUsed, px}, {&p.FxRateUsed, fx},
		{&p.MarketValueLocal, mvl}, {&p.MarketValueBase, mvb},
		{&p.CostBasisLocal, cbl}, {&p.CostBasisBase, cbb},
		{&p.UnrealizedPnlLocal, pnl}, {&p.UnrealizedPnlBase, pnb},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q in position row: %w", pair.src, err)
		}
		*pair.dst = d
	}
	p.PositionType = domain.PositionType(posType)
	p.Excluded = excluded == 1
	return &p, nil
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
