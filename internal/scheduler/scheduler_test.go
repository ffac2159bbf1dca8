package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-am/fxhedge/pkg/logger"
)

type stubJob struct {
	name string
	err  error
	runs int
}

func (j *stubJob) Name() string { return j.name }
func (j *stubJob) Run() error {
	j.runs++
	return j.err
}

func TestAddJobRejectsDuplicateNames(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	s := New(log)

	require.NoError(t, s.AddJob("@hourly", &stubJob{name: "reliability:backup"}))
	err := s.AddJob("@every 30s", &stubJob{name: "reliability:backup"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestAddJobRejectsUnnamedAndBadSchedule(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	s := New(log)

	require.Error(t, s.AddJob("@hourly", &stubJob{name: ""}))

	err := s.AddJob("not-a-schedule", &stubJob{name: "aggregator:orphan_scan"})
	require.Error(t, err)

	// A failed registration frees the name for a retry
	require.NoError(t, s.AddJob("@hourly", &stubJob{name: "aggregator:orphan_scan"}))
}

func TestRunJobRecordsStats(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	s := New(log)

	ok := &stubJob{name: "eod:deadline_watch"}
	failing := &stubJob{name: "reliability:wal_checkpoint", err: errors.New("disk full")}
	require.NoError(t, s.AddJob("@hourly", ok))
	require.NoError(t, s.AddJob("@hourly", failing))

	s.runJob(ok)
	s.runJob(ok)
	s.runJob(failing)

	stats := s.Stats()
	require.Contains(t, stats, "eod:deadline_watch")
	assert.Equal(t, 2, stats["eod:deadline_watch"].Runs)
	assert.Equal(t, 0, stats["eod:deadline_watch"].Failures)
	assert.False(t, stats["eod:deadline_watch"].LastRun.IsZero())

	assert.Equal(t, 1, stats["reliability:wal_checkpoint"].Failures)
	assert.Equal(t, "disk full", stats["reliability:wal_checkpoint"].LastError)

	// A later success clears the recorded error
	failing.err = nil
	s.runJob(failing)
	assert.Empty(t, s.Stats()["reliability:wal_checkpoint"].LastError)
}
