package loader

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/refdata"
)

// DeadlineWatch is the scheduled job surfacing the deadline-missed condition:
// past the configured EOD time of day, any owned account still not COMPLETED
// for the current business date flips the gauge. Processing continues either
// way.
type DeadlineWatch struct {
	shard     Shard
	eodStatus *positions.EodStatusRepository
	refdata   *refdata.Repository
	deadline  string // "HH:MM" local
	m         *metrics.Metrics
	log       zerolog.Logger
}

// NewDeadlineWatch creates the job.
func NewDeadlineWatch(shard Shard, eodStatus *positions.EodStatusRepository, ref *refdata.Repository, deadline string, m *metrics.Metrics, log zerolog.Logger) *DeadlineWatch {
	return &DeadlineWatch{
		shard:     shard,
		eodStatus: eodStatus,
		refdata:   ref,
		deadline:  deadline,
		m:         m,
		log:       log.With().Str("job", "eod_deadline").Logger(),
	}
}

// Name implements scheduler.Job.
func (w *DeadlineWatch) Name() string { return "eod:deadline_watch" }

// Run implements scheduler.Job.
func (w *DeadlineWatch) Run() error {
	now := time.Now()
	deadline, err := time.ParseInLocation("15:04", w.deadline, now.Location())
	if err != nil {
		return err
	}
	deadlineToday := time.Date(now.Year(), now.Month(), now.Day(),
		deadline.Hour(), deadline.Minute(), 0, 0, now.Location())
	if now.Before(deadlineToday) {
		if w.m != nil {
			w.m.EodDeadlineMissed.Set(0)
		}
		return nil
	}

	businessDate := now.Format("2006-01-02")
	accounts, err := w.refdata.GetAllAccounts()
	if err != nil {
		return err
	}

	missed := 0
	for _, acc := range accounts {
		if !w.shard.Owns(acc.ID) {
			continue
		}
		st, err := w.eodStatus.Get(acc.ID, businessDate)
		if err != nil {
			return err
		}
		if st == nil || st.Status != domain.EodCompleted {
			missed++
			w.log.Warn().
				Int64("account_id", acc.ID).
				Str("business_date", businessDate).
				Str("status", string(statusOrPending(st))).
				Msg("Account past EOD deadline")
		}
	}

	if w.m != nil {
		if missed > 0 {
			w.m.EodDeadlineMissed.Set(1)
		} else {
			w.m.EodDeadlineMissed.Set(0)
		}
	}
	return nil
}

func statusOrPending(st *domain.EodDailyStatus) domain.EodStatus {
	if st == nil {
		return domain.EodPending
	}
	return st.Status
}
