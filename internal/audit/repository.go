// Package audit provides the append-only audit trail. Rows are written for
// EOD activations, manual uploads, orphan marks and sign-offs, and are never
// updated or deleted.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one audit row.
type Entry struct {
	EventID   string
	Actor     string // "system" or the upload actor
	Action    string // EOD_ACTIVATED, MANUAL_UPLOAD, ORPHAN_MARKED, SIGNOFF, EOD_FAILED
	Entity    string // "account:1001", "order:ORD-7", "client:42"
	Details   map[string]interface{}
	CreatedAt time.Time
}

// Repository writes audit rows to audit.db (ledger profile).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the audit repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// Record appends one entry. Audit failures are logged but never fail the
// business operation that produced them.
func (r *Repository) Record(actor, action, entity string, details map[string]interface{}) {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			r.log.Warn().Err(err).Str("action", action).Msg("Failed to encode audit details")
		}
	}

	_, err := r.db.Exec(`INSERT INTO audit_log (event_id, actor, action, entity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), actor, action, entity, string(detailsJSON), time.Now().UnixNano())
	if err != nil {
		r.log.Error().Err(err).Str("action", action).Str("entity", entity).Msg("Failed to write audit row")
	}
}

// ListByEntity returns recent entries for one entity, newest first.
func (r *Repository) ListByEntity(entity string, limit int) ([]Entry, error) {
	rows, err := r.db.Query(`SELECT event_id, actor, action, entity, COALESCE(details, ''), created_at
		FROM audit_log WHERE entity = ? ORDER BY created_at DESC LIMIT ?`, entity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailsJSON string
		var createdAt int64
		if err := rows.Scan(&e.EventID, &e.Actor, &e.Action, &e.Entity, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		}
		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
