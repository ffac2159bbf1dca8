// Package scheduler wraps cron for the platform's background jobs: the
// orphan scan, EOD deadline watch, WAL checkpoints and snapshot backups.
// Beyond scheduling it enforces unique job registration and keeps per-job
// run statistics for the operational surface.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// JobStats tracks one job's execution history.
type JobStats struct {
	Schedule     string        `json:"schedule"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu    sync.Mutex
	stats map[string]*JobStats
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		log:   log.With().Str("component", "scheduler").Logger(),
		stats: make(map[string]*JobStats),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule. Job names are unique: a
// second registration under the same name is refused so two schedules can
// never race the same scan or backup.
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	name := job.Name()
	if name == "" {
		return fmt.Errorf("job has no name")
	}

	s.mu.Lock()
	if _, exists := s.stats[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", name)
	}
	s.stats[name] = &JobStats{Schedule: schedule}
	s.mu.Unlock()

	_, err := s.cron.AddFunc(schedule, func() {
		s.runJob(job)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.stats, name)
		s.mu.Unlock()
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}

	s.log.Info().Str("job", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// runJob executes one job, recording its outcome and duration.
func (s *Scheduler) runJob(job Job) {
	name := job.Name()
	s.log.Debug().Str("job", name).Msg("Running job")

	start := time.Now()
	err := job.Run()
	elapsed := time.Since(start)

	s.mu.Lock()
	if st, ok := s.stats[name]; ok {
		st.Runs++
		st.LastRun = start
		st.LastDuration = elapsed
		if err != nil {
			st.Failures++
			st.LastError = err.Error()
		} else {
			st.LastError = ""
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", name).
			Dur("elapsed", elapsed).
			Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("elapsed", elapsed).Msg("Job completed")
}

// Stats returns a copy of the per-job execution statistics.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]JobStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}
