package positions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// EodStatusRepository persists the per-(account, business date) EOD state
// machine. At most one row exists per key; transitions are monotonic:
// PENDING -> IN_PROGRESS -> {COMPLETED | FAILED}, FAILED -> IN_PROGRESS on
// retry, COMPLETED terminal.
type EodStatusRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEodStatusRepository creates the repository.
func NewEodStatusRepository(db *sql.DB, log zerolog.Logger) *EodStatusRepository {
	return &EodStatusRepository{
		db:  db,
		log: log.With().Str("repo", "eod_status").Logger(),
	}
}

// Get returns the status row, or nil when none exists yet.
func (r *EodStatusRepository) Get(accountID int64, businessDate string) (*domain.EodDailyStatus, error) {
	row := r.db.QueryRow(`SELECT account_id, business_date, status, completed_at,
		position_count, COALESCE(error_text, ''), attempts
		FROM eod_daily_status WHERE account_id = ? AND business_date = ?`,
		accountID, businessDate)

	var st domain.EodDailyStatus
	var status string
	var completedAt sql.NullInt64
	err := row.Scan(&st.AccountID, &st.BusinessDate, &status, &completedAt,
		&st.PositionCount, &st.ErrorText, &st.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query eod status: %w", err)
	}
	st.Status = domain.EodStatus(status)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		st.CompletedAt = &t
	}
	return &st, nil
}

// Transition moves the state machine, enforcing monotonicity. Illegal
// transitions return a non-retryable validation error; callers treat a
// concurrent COMPLETED as "already done".
func (r *EodStatusRepository) Transition(accountID int64, businessDate string, to domain.EodStatus, positionCount int, errorText string) error {
	current, err := r.Get(accountID, businessDate)
	if err != nil {
		return err
	}

	if current == nil {
		if to != domain.EodPending && to != domain.EodInProgress {
			return domain.Errorf(domain.CodeValidationFailed,
				"cannot transition absent eod row to %s", to)
		}
		_, err := r.db.Exec(`INSERT INTO eod_daily_status
			(account_id, business_date, status, position_count, error_text, attempts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			accountID, businessDate, string(to), positionCount, errorText,
			boolCount(to == domain.EodInProgress), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert eod status: %w", err)
		}
		return nil
	}

	if !legalTransition(current.Status, to) {
		return domain.Errorf(domain.CodeValidationFailed,
			"illegal eod transition %s -> %s for account %d", current.Status, to, accountID)
	}

	var completedAt interface{}
	if to == domain.EodCompleted {
		completedAt = time.Now().UnixNano()
	}
	attempts := current.Attempts
	if to == domain.EodInProgress {
		attempts++
	}

	_, err = r.db.Exec(`UPDATE eod_daily_status
		SET status = ?, completed_at = ?, position_count = ?, error_text = ?, attempts = ?, updated_at = ?
		WHERE account_id = ? AND business_date = ?`,
		string(to), completedAt, positionCount, errorText, attempts, time.Now().UnixNano(),
		accountID, businessDate)
	if err != nil {
		return fmt.Errorf("failed to update eod status: %w", err)
	}
	return nil
}

// ListNonCompleted returns accounts not yet COMPLETED for a business date
// (deadline watch).
func (r *EodStatusRepository) ListNonCompleted(businessDate string) ([]int64, error) {
	rows, err := r.db.Query(`SELECT account_id FROM eod_daily_status
		WHERE business_date = ? AND status != ?`, businessDate, string(domain.EodCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query non-completed accounts: %w", err)
	}
	defer rows.Close()

	var accounts []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

// CountCompletedForAccounts returns how many of the given accounts are
// COMPLETED for the business date (sign-off check).
func (r *EodStatusRepository) CountCompletedForAccounts(accountIDs []int64, businessDate string) (int, error) {
	completed := 0
	for _, id := range accountIDs {
		st, err := r.Get(id, businessDate)
		if err != nil {
			return 0, err
		}
		if st != nil && st.Status == domain.EodCompleted {
			completed++
		}
	}
	return completed, nil
}

// RecordSignoff writes the (client, business date) sign-off row. Returns
// true when this call created the row; the unique key makes the publish
// exactly-once.
func (r *EodStatusRepository) RecordSignoff(clientID int64, businessDate string, accountCount int) (bool, error) {
	res, err := r.db.Exec(`INSERT OR IGNORE INTO client_signoffs
		(client_id, business_date, account_count, signed_off_at)
		VALUES (?, ?, ?, ?)`,
		clientID, businessDate, accountCount, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to record signoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func legalTransition(from, to domain.EodStatus) bool {
	// Same-state refreshes are no-ops, not violations (idempotent re-runs
	// re-assert COMPLETED).
	if from == to {
		return true
	}
	switch from {
	case domain.EodPending:
		return to == domain.EodInProgress || to == domain.EodFailed
	case domain.EodInProgress:
		return to == domain.EodCompleted || to == domain.EodFailed
	case domain.EodFailed:
		return to == domain.EodInProgress
	case domain.EodCompleted:
		return false
	}
	return false
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
