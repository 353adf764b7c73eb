package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ArchiveOutcome is the terminal result of one archive request.
type ArchiveOutcome int

const (
	Skipped ArchiveOutcome = iota
	Archived
)

func (o ArchiveOutcome) String() string {
	if o == Archived {
		return "archived"
	}
	return "skipped"
}

// ArchiverConfig configures the Archiver.
type ArchiverConfig struct {
	OperatorNamespace string
	// ResultsBucket is used when the record does not name its bucket.
	ResultsBucket string
}

// Archiver moves the result file of a free-tier job from hot storage into
// the vault.
type Archiver struct {
	store  JobStore
	blobs  BlobStore
	vault  Vault
	config ArchiverConfig
	logger *slog.Logger
}

// NewArchiver creates an archiver.
func NewArchiver(store JobStore, blobs BlobStore, vault Vault, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		blobs:  blobs,
		vault:  vault,
		config: cfg,
		logger: logger,
	}
}

// Handle implements Handler. Both outcomes acknowledge the message; only
// errors leave it for redelivery.
func (a *Archiver) Handle(ctx context.Context, msg *Message) Disposition {
	req, err := DecodeArchiveRequest(msg.Body)
	if err != nil {
		a.logger.Error("archiver: rejecting malformed archive request", "messageID", msg.ID, "error", err)
		return Retain
	}
	outcome, err := a.ArchiveIfEligible(ctx, req)
	if err != nil {
		a.logger.Error("archiver: archive request failed", "jobID", req.JobID, "outcome", outcome.String(), "error", err)
		return Retain
	}
	return Ack
}

// ArchiveIfEligible archives the job's result iff its archive_status is
// still PENDING. The record is re-read; the message payload only names the job.
func (a *Archiver) ArchiveIfEligible(ctx context.Context, req *ArchiveRequest) (ArchiveOutcome, error) {
	key := req.Key()
	logger := a.logger.With("jobID", req.JobID)

	rec, err := a.store.GetJob(ctx, key)
	if errors.Is(err, ErrJobNotFound) {
		logger.Warn("archiver: job not found; skipping")
		return Skipped, nil
	}
	if err != nil {
		return Skipped, fmt.Errorf("failed to read job: %w", err)
	}

	switch rec.ArchiveStatus {
	case ArchiveStatusPending:
	case ArchiveStatusArchived:
		// A crash between the ARCHIVED write and the hot delete leaves the
		// hot copy behind; the repeated delete converges.
		if err := a.blobs.Delete(ctx, a.bucket(rec), a.resultKey(rec)); err != nil {
			return Skipped, fmt.Errorf("failed to delete hot copy: %w", err)
		}
		logger.Debug("archiver: already archived; skipping")
		return Skipped, nil
	default:
		logger.Info("archiver: job not pending archival; skipping", "archiveStatus", rec.ArchiveStatus)
		return Skipped, nil
	}

	switch rec.JobStatus {
	case JobStatusCompleted:
	case JobStatusFailed:
		logger.Info("archiver: job failed; nothing to archive")
		return Skipped, nil
	default:
		return Skipped, fmt.Errorf("job %s is %s, not completed yet", req.JobID, rec.JobStatus)
	}

	bucket, blobKey := a.bucket(rec), a.resultKey(rec)
	data, err := a.blobs.Get(ctx, bucket, blobKey)
	if err != nil {
		return Skipped, fmt.Errorf("failed to fetch result %s/%s: %w", bucket, blobKey, err)
	}

	archiveID, err := a.vault.CreateArchive(ctx, data, fmt.Sprintf("job_id=%s user_id=%s", rec.JobID, rec.UserID))
	if err != nil {
		return Skipped, fmt.Errorf("failed to create archive: %w", err)
	}

	res, err := a.store.UpdateJob(ctx, key, JobUpdate{
		ArchiveStatus: SetArchiveStatus(ArchiveStatusArchived),
		ArchiveID:     archiveID,
	}, IfArchiveStatus(ArchiveStatusPending))
	if err != nil {
		// The write may have landed; deleting the archive could lose the
		// only copy once the hot object is gone.
		logger.Error("archiver: archive written but record update failed", "archiveID", archiveID, "reconcile", true, "error", err)
		return Skipped, fmt.Errorf("failed to record archive: %w", err)
	}
	if res == WriteConflict {
		a.compensate(ctx, archiveID, logger)
		return Skipped, nil
	}
	logger.Info("job archived", "archiveID", archiveID, "bytes", len(data))

	if err := a.blobs.Delete(ctx, bucket, blobKey); err != nil {
		return Archived, fmt.Errorf("failed to delete hot copy: %w", err)
	}
	return Archived, nil
}

// compensate removes an archive created for a job whose status changed
// underneath the archiver.
func (a *Archiver) compensate(ctx context.Context, archiveID string, logger *slog.Logger) {
	err := a.vault.DeleteArchive(ctx, archiveID)
	if err == nil || errors.Is(err, ErrArchiveNotFound) {
		logger.Info("archiver: archive status changed concurrently; orphan archive removed", "archiveID", archiveID)
		return
	}
	logger.Error("archiver: orphaned archive", "archiveID", archiveID, "reconcile", true, "error", err)
}

func (a *Archiver) bucket(rec *JobRecord) string {
	if rec.ResultsBucket != "" {
		return rec.ResultsBucket
	}
	return a.config.ResultsBucket
}

func (a *Archiver) resultKey(rec *JobRecord) string {
	return ResultObjectKey(a.config.OperatorNamespace, rec.UserID, rec.ResultFileKey)
}
