package jobtier

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JanitorConfig configures the Janitor.
type JanitorConfig struct {
	// StuckAfter is how long a job may stay RUNNING (default: 2h).
	StuckAfter time.Duration
	// Interval between sweeps (default: 10m).
	Interval time.Duration
}

// Janitor fails jobs left RUNNING by a crashed worker, so that their
// redelivered submit messages are acknowledged instead of retained forever.
type Janitor struct {
	store  JobStore
	config JanitorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor creates a janitor.
func NewJanitor(store JobStore, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Janitor{store: store, config: cfg, logger: logger, now: time.Now}
}

// SweepStuckJobs marks every job RUNNING for longer than StuckAfter as
// FAILED. The write is conditional on RUNNING, so a job finishing at the
// same moment keeps its result. It returns the number of jobs failed.
func (j *Janitor) SweepStuckJobs(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.config.StuckAfter).Unix()
	stuck, err := j.store.QueryJobs(ctx, JobQuery{JobStatus: JobStatusRunning, StartedBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("failed to query running jobs: %w", err)
	}

	failed := 0
	for _, rec := range stuck {
		res, err := j.store.UpdateJob(ctx, rec.Key(), JobUpdate{
			JobStatus:     JobStatusFailed,
			FailureReason: "stuck",
		}, IfJobStatus(JobStatusRunning))
		if err != nil {
			j.logger.Error("janitor: failed to mark stuck job", "jobID", rec.JobID, "error", err)
			continue
		}
		if res == WriteApplied {
			failed++
			j.logger.Warn("janitor: stuck job failed", "jobID", rec.JobID, "startTime", rec.StartTime)
		}
	}
	return failed, nil
}

// Watch sweeps every Interval until ctx is done.
func (j *Janitor) Watch(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()
	for {
		if n, err := j.SweepStuckJobs(ctx); err != nil {
			j.logger.Error("janitor: sweep failed", "error", err)
		} else if n > 0 {
			j.logger.Info("janitor: sweep finished", "failed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
