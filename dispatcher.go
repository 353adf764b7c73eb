package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrWorkspaceEscape is returned when a job's ids would place its workspace
// outside the jobs root.
var ErrWorkspaceEscape = errors.New("workspace escapes jobs root")

// DispatcherConfig configures the Dispatcher.
type DispatcherConfig struct {
	// JobsRoot holds one workspace per job at JobsRoot/user_id/job_id.
	JobsRoot string
	// MaxAttempts is the delivery count at which a job that is still
	// RUNNING is marked FAILED. Zero leaves such jobs to the Janitor.
	MaxAttempts int
}

// Dispatcher consumes submit messages: it claims the job with a conditional
// PENDING→RUNNING write and runs the annotation engine.
type Dispatcher struct {
	store  JobStore
	blobs  BlobStore
	engine AnnotationEngine
	config DispatcherConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store JobStore, blobs BlobStore, engine AnnotationEngine, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		blobs:  blobs,
		engine: engine,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, msg *Message) Disposition {
	return d.ClaimAndRun(ctx, msg)
}

// Workspace returns the per-job local directory. It fails unless the
// directory lies strictly below JobsRoot/userID.
func (d *Dispatcher) Workspace(userID, jobID string) (string, error) {
	root := filepath.Clean(d.config.JobsRoot)
	userDir := filepath.Join(root, userID)
	p := filepath.Join(userDir, jobID)
	if !strings.HasPrefix(userDir, root+string(os.PathSeparator)) ||
		!strings.HasPrefix(p, userDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: user %q job %q", ErrWorkspaceEscape, userID, jobID)
	}
	return p, nil
}

// Claim performs the conditional PENDING→RUNNING transition. It reports
// false when another worker got there first.
func (d *Dispatcher) Claim(ctx context.Context, key JobKey) (bool, error) {
	res, err := d.store.UpdateJob(ctx, key, JobUpdate{
		JobStatus: JobStatusRunning,
		StartTime: d.now().Unix(),
	}, IfJobStatus(JobStatusPending))
	if err != nil {
		return false, err
	}
	return res == WriteApplied, nil
}

// ClaimAndRun processes one submit message. The message is acknowledged
// only after the engine exited zero, or when the job is already terminal.
func (d *Dispatcher) ClaimAndRun(ctx context.Context, msg *Message) Disposition {
	m, err := DecodeSubmitMessage(msg.Body)
	if err != nil {
		d.logger.Error("dispatcher: rejecting malformed submit message", "messageID", msg.ID, "error", err)
		return Retain
	}
	key := m.Key()
	logger := d.logger.With("jobID", m.JobID, "userID", m.UserID)

	workspace, err := d.Workspace(m.UserID, m.JobID)
	if err != nil {
		logger.Error("dispatcher: rejecting submit message", "messageID", msg.ID, "error", err)
		return Retain
	}
	inputPath := filepath.Join(workspace, path.Base(m.InputFileKey))

	// The download happens before the claim and may repeat on redelivery;
	// it replaces the file atomically so a concurrent run never sees a
	// partial input.
	if err := DownloadToFile(ctx, d.blobs, m.InputsBucket, m.InputFileKey, inputPath); err != nil {
		logger.Error("dispatcher: failed to download input", "bucket", m.InputsBucket, "key", m.InputFileKey, "error", err)
		return Retain
	}

	claimed, err := d.Claim(ctx, key)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			logger.Warn("dispatcher: no record for submitted job")
		} else {
			logger.Error("dispatcher: claim failed", "error", err)
		}
		return Retain
	}
	if !claimed {
		return d.resolveConflict(ctx, key, msg.ReceiveCount, workspace, logger)
	}
	logger.Info("job claimed", "receiveCount", msg.ReceiveCount)

	jc := JobContext{
		JobID:      m.JobID,
		UserID:     m.UserID,
		UserRole:   m.UserRole,
		SubmitTime: key.SubmitTime,
		Workspace:  workspace,
	}
	outcome, err := d.engine.Run(ctx, inputPath, jc)
	if err != nil {
		outcome = &ExitOutcome{ExitCode: -1, Stderr: err.Error()}
	}
	if outcome.Success() {
		logger.Info("engine finished", "duration", outcome.Duration)
		return Ack
	}

	return d.handleEngineFailure(ctx, key, msg.ReceiveCount, outcome, logger)
}

// resolveConflict decides what to do with a message whose claim lost.
// A terminal record means the work is done and the message is redundant.
// A RUNNING record may still be in flight elsewhere, until the delivery
// count reaches MaxAttempts and the job is failed.
func (d *Dispatcher) resolveConflict(ctx context.Context, key JobKey, receiveCount int, workspace string, logger *slog.Logger) Disposition {
	rec, err := d.store.GetJob(ctx, key)
	if err != nil {
		logger.Error("dispatcher: failed to re-read job after claim conflict", "error", err)
		return Retain
	}
	if rec.JobStatus.IsTerminal() {
		logger.Info("dispatcher: job already finished; acknowledging duplicate", "status", rec.JobStatus)
		// The download above recreated the workspace.
		if err := os.RemoveAll(workspace); err != nil {
			logger.Warn("dispatcher: failed to remove workspace", "workspace", workspace, "error", err)
		}
		return Ack
	}
	if rec.JobStatus == JobStatusRunning && d.attemptsExhausted(receiveCount) {
		reason := fmt.Sprintf("no successful run after %d deliveries", receiveCount)
		return d.failJob(ctx, key, reason, logger)
	}
	logger.Info("dispatcher: job claimed elsewhere; leaving message", "status", rec.JobStatus)
	return Retain
}

func (d *Dispatcher) attemptsExhausted(receiveCount int) bool {
	return d.config.MaxAttempts > 0 && receiveCount >= d.config.MaxAttempts
}

// failJob performs the conditional RUNNING→FAILED write. The message is
// acknowledged once the job is terminal.
func (d *Dispatcher) failJob(ctx context.Context, key JobKey, reason string, logger *slog.Logger) Disposition {
	res, err := d.store.UpdateJob(ctx, key, JobUpdate{
		JobStatus:     JobStatusFailed,
		FailureReason: reason,
	}, IfJobStatus(JobStatusRunning))
	if err != nil {
		logger.Error("dispatcher: failed to mark job failed", "error", err)
		return Retain
	}
	if res == WriteConflict {
		// Finished or failed by someone else; the next delivery sees it.
		return Retain
	}
	logger.Error("job failed", "reason", reason)
	return Ack
}

// handleEngineFailure leaves the job RUNNING and the message in the queue,
// or marks the job FAILED once the attempts are used up. A job that became
// terminal during the run (the Janitor failed it) is acknowledged.
func (d *Dispatcher) handleEngineFailure(ctx context.Context, key JobKey, receiveCount int, outcome *ExitOutcome, logger *slog.Logger) Disposition {
	reason := fmt.Sprintf("engine exited with code %d: %s", outcome.ExitCode, tail(outcome.Stderr, 512))

	rec, err := d.store.GetJob(ctx, key)
	if err != nil {
		logger.Error("dispatcher: failed to re-read job after failed run", "reason", reason, "error", err)
		return Retain
	}
	if rec.JobStatus.IsTerminal() {
		logger.Warn("engine failed on a finished job", "status", rec.JobStatus, "reason", reason)
		return Ack
	}
	if d.attemptsExhausted(receiveCount) {
		return d.failJob(ctx, key, reason, logger)
	}
	logger.Warn("engine failed; job left RUNNING for redelivery", "attempt", receiveCount, "reason", reason)
	return Retain
}
