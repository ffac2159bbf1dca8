package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/audit"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/metrics"
)

// OpenStateLister extends StateStore with the scan over open accumulators
// (satisfied by kv.OrderStateStore).
type OpenStateLister interface {
	StateStore
	ListOpen(ctx context.Context) ([]domain.OrderState, error)
}

// OrphanScan is the scheduled job that reaps stuck orders: any short-term
// order state in a non-terminal status older than the threshold is marked
// ORPHANED in the durable summary and its short-term state deleted. An
// orphaned order accepts no further fills unless manually reopened.
type OrphanScan struct {
	repo      *Repository
	states    OpenStateLister
	audit     *audit.Repository
	threshold time.Duration

	m   *metrics.Metrics
	log zerolog.Logger
}

// NewOrphanScan creates the job. Threshold default is 30 minutes.
func NewOrphanScan(repo *Repository, states OpenStateLister, auditRepo *audit.Repository, threshold time.Duration, m *metrics.Metrics, log zerolog.Logger) *OrphanScan {
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &OrphanScan{
		repo:      repo,
		states:    states,
		audit:     auditRepo,
		threshold: threshold,
		m:         m,
		log:       log.With().Str("job", "orphan_scan").Logger(),
	}
}

// Name implements scheduler.Job.
func (o *OrphanScan) Name() string { return "aggregator:orphan_scan" }

// Run implements scheduler.Job.
func (o *OrphanScan) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	states, err := o.states.ListOpen(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	orphaned := 0
	for _, state := range states {
		if state.Status.Terminal() {
			continue
		}
		age := now.Sub(state.UpdatedAt)
		if state.UpdatedAt.IsZero() {
			age = now.Sub(state.FirstSeen)
		}
		if age < o.threshold {
			continue
		}

		changed, err := o.repo.MarkOrphaned(state.ClientOrderID)
		if err != nil {
			o.log.Error().Err(err).Str("client_order_id", state.ClientOrderID).Msg("Failed to mark order orphaned")
			continue
		}
		if err := o.states.Delete(ctx, state.ClientOrderID); err != nil {
			o.log.Warn().Err(err).Str("client_order_id", state.ClientOrderID).Msg("Failed to delete orphaned state")
		}
		if !changed {
			continue
		}

		orphaned++
		if o.m != nil {
			o.m.OrphanedOrders.Inc()
		}
		if o.audit != nil {
			o.audit.Record("system", "ORPHAN_MARKED", "order:"+state.ClientOrderID, map[string]interface{}{
				"age_minutes": int(age.Minutes()),
				"status":      string(state.Status),
			})
		}
		o.log.Warn().
			Str("client_order_id", state.ClientOrderID).
			Dur("age", age).
			Msg("Order marked orphaned")
	}

	if orphaned > 0 {
		o.log.Info().Int("orphaned", orphaned).Int("scanned", len(states)).Msg("Orphan scan complete")
	}
	return nil
}
