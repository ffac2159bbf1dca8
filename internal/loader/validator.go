package loader

import (
	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
)

// Validator checks snapshot rows before they reach the position store.
// Per-row errors do not fail the whole snapshot unless the rejected fraction
// exceeds the configured threshold.
type Validator struct {
	rejectThreshold float64 // fraction of rejected rows that fails the snapshot
	log             zerolog.Logger
}

// NewValidator creates a validator.
func NewValidator(rejectThreshold float64, log zerolog.Logger) *Validator {
	return &Validator{
		rejectThreshold: rejectThreshold,
		log:             log.With().Str("component", "validator").Logger(),
	}
}

// ValidateSnapshot returns the accepted rows and the number rejected. An
// error is returned only when the snapshot as a whole must be refused.
func (v *Validator) ValidateSnapshot(snap *events.AccountSnapshot) ([]events.SnapshotPosition, int, error) {
	if snap == nil {
		return nil, 0, domain.Errorf(domain.CodeMissingField, "nil snapshot")
	}
	if snap.AccountID == 0 {
		return nil, 0, domain.Errorf(domain.CodeMissingField, "snapshot missing account id")
	}
	if !validCurrency(snap.BaseCurrency) {
		return nil, 0, domain.Errorf(domain.CodeInvalidCurrency,
			"snapshot for account %d has invalid base currency %q", snap.AccountID, snap.BaseCurrency)
	}
	if snap.BusinessDate == "" {
		return nil, 0, domain.Errorf(domain.CodeMissingField,
			"snapshot for account %d missing business date", snap.AccountID)
	}

	accepted := make([]events.SnapshotPosition, 0, len(snap.Positions))
	rejected := 0
	for _, row := range snap.Positions {
		if err := v.validateRow(row); err != nil {
			rejected++
			v.log.Warn().
				Err(err).
				Int64("account_id", snap.AccountID).
				Int64("product_id", row.ProductID).
				Msg("Snapshot row rejected")
			continue
		}
		accepted = append(accepted, row)
	}

	if len(snap.Positions) > 0 {
		frac := float64(rejected) / float64(len(snap.Positions))
		if frac > v.rejectThreshold {
			return nil, rejected, domain.Errorf(domain.CodeValidationFailed,
				"snapshot for account %d rejected: %d of %d rows invalid",
				snap.AccountID, rejected, len(snap.Positions))
		}
	}

	return accepted, rejected, nil
}

func (v *Validator) validateRow(row events.SnapshotPosition) error {
	if row.ProductID == 0 {
		return domain.Errorf(domain.CodeMissingField, "row missing product id")
	}
	if !validCurrency(row.IssueCurrency) {
		return domain.Errorf(domain.CodeInvalidCurrency, "invalid currency %q", row.IssueCurrency)
	}
	if row.Quantity.IsZero() {
		return domain.Errorf(domain.CodeZeroQuantity, "zero quantity for product %d", row.ProductID)
	}
	if row.Price.IsNegative() || row.Price.IsZero() {
		return domain.Errorf(domain.CodeZeroPrice, "non-positive price for product %d", row.ProductID)
	}
	return nil
}

func validCurrency(ccy string) bool {
	if len(ccy) != 3 {
		return false
	}
	for _, r := range ccy {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
