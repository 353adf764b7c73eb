package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrMissingArtifacts is returned when the workspace lacks the result or log file.
	ErrMissingArtifacts = errors.New("missing annotation artifacts")
	// ErrJobNotRunning is returned when finalize finds the job no longer
	// RUNNING, e.g. failed by the Janitor while the engine was still busy.
	ErrJobNotRunning = errors.New("job is not running")
)

// FinalizeConfig configures the finalize step.
type FinalizeConfig struct {
	OperatorNamespace string
	ResultsBucket     string
	// KeepWorkspace skips the cleanup of the job workspace.
	KeepWorkspace bool
}

// Finalizer uploads the artifacts of a finished run and marks the job COMPLETED.
type Finalizer struct {
	store     JobStore
	blobs     BlobStore
	publisher EventPublisher
	config    FinalizeConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewFinalizer creates a finalizer. publisher may be nil.
func NewFinalizer(store JobStore, blobs BlobStore, publisher EventPublisher, cfg FinalizeConfig, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Artifacts are the files a successful annotation leaves in its workspace.
type Artifacts struct {
	ResultFile string
	LogFile    string
}

// FindArtifacts requires exactly one result file and one log file in dir.
func FindArtifacts(dir string) (*Artifacts, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	var results, logs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch name := e.Name(); {
		case strings.HasSuffix(name, resultSuffix):
			results = append(results, name)
		case strings.HasSuffix(name, logSuffix):
			logs = append(logs, name)
		}
	}
	if len(results) == 0 || len(logs) == 0 {
		return nil, fmt.Errorf("%w: %d result file(s), %d log file(s) in %s", ErrMissingArtifacts, len(results), len(logs), dir)
	}
	if len(results) > 1 || len(logs) > 1 {
		return nil, fmt.Errorf("ambiguous artifacts in %s: results=%v logs=%v", dir, results, logs)
	}
	return &Artifacts{ResultFile: results[0], LogFile: logs[0]}, nil
}

// Finalize uploads both artifacts, then records COMPLETED over RUNNING,
// then emits the completion event and removes the workspace. The record is
// only written after both uploads succeeded; event and cleanup failures
// are logged only.
func (f *Finalizer) Finalize(ctx context.Context, jc JobContext) (*CompletionEvent, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}

	artifacts, err := FindArtifacts(jc.Workspace)
	if err != nil {
		f.logger.Error("finalize: artifacts not ready", "jobID", jc.JobID, "error", err)
		return nil, err
	}

	for _, name := range []string{artifacts.ResultFile, artifacts.LogFile} {
		data, err := os.ReadFile(filepath.Join(jc.Workspace, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
		}
		key := ResultObjectKey(f.config.OperatorNamespace, jc.UserID, name)
		if err := f.blobs.Put(ctx, f.config.ResultsBucket, key, data); err != nil {
			f.logger.Error("finalize: upload failed", "jobID", jc.JobID, "key", key, "error", err)
			return nil, fmt.Errorf("failed to upload %s: %w", key, err)
		}
		f.logger.Debug("finalize: uploaded", "jobID", jc.JobID, "bucket", f.config.ResultsBucket, "key", key)
	}

	completeTime := f.now().Unix()
	res, err := f.store.UpdateJob(ctx, jc.Key(), JobUpdate{
		JobStatus:     JobStatusCompleted,
		ResultsBucket: f.config.ResultsBucket,
		ResultFileKey: artifacts.ResultFile,
		LogFileKey:    artifacts.LogFile,
		CompleteTime:  completeTime,
	}, IfJobStatus(JobStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to mark job completed: %w", err)
	}
	if res == WriteConflict {
		// FAILED is terminal; the uploaded files stay unreferenced.
		f.logger.Error("finalize: job left RUNNING before completion", "jobID", jc.JobID, "resultFile", artifacts.ResultFile)
		f.cleanup(jc)
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, jc.JobID)
	}
	f.logger.Info("job completed", "jobID", jc.JobID, "userID", jc.UserID, "resultFile", artifacts.ResultFile)

	event := &CompletionEvent{
		JobID:         jc.JobID,
		SubmitTime:    jc.SubmitTime,
		UserID:        jc.UserID,
		UserRole:      jc.UserRole,
		Status:        JobStatusCompleted,
		ResultsBucket: f.config.ResultsBucket,
		ResultFileKey: artifacts.ResultFile,
		LogFileKey:    artifacts.LogFile,
		CompleteTime:  completeTime,
	}
	if f.publisher != nil {
		if err := f.publisher.PublishCompletion(ctx, *event); err != nil {
			f.logger.Error("finalize: failed to publish completion event", "jobID", jc.JobID, "error", err)
		}
	}

	f.cleanup(jc)
	return event, nil
}

func (f *Finalizer) cleanup(jc JobContext) {
	if f.config.KeepWorkspace {
		return
	}
	if err := os.RemoveAll(jc.Workspace); err != nil {
		f.logger.Warn("finalize: failed to clean up workspace", "jobID", jc.JobID, "workspace", jc.Workspace, "error", err)
	}
}
