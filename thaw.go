package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Restore messages recorded with the chosen retrieval tier.
const (
	msgExpeditedStarted = "Expedited retrieval started"
	msgStandardFallback = "Standard retrieval started - unable to expedite"
	msgRestoreComplete  = "Restoration complete"
)

// ThawConfig configures the ThawInitiator.
type ThawConfig struct {
	// NotificationTarget is where the vault announces finished retrievals.
	NotificationTarget string
	// ResultsBucket is copied into the job description for the restore handler.
	ResultsBucket string
}

// ThawReport summarizes one RequestRestore call.
type ThawReport struct {
	UserID string
	// PendingCleared counts jobs whose pending archival was cancelled.
	PendingCleared int
	// Requested maps job ids to retrieval ids started by this call.
	Requested map[string]string
	// AlreadyInProgress lists jobs skipped because a retrieval is running.
	AlreadyInProgress []string
	// Failed maps job ids to the error that stopped them.
	Failed map[string]error
}

// ThawInitiator starts vault retrievals for a user who upgraded to premium.
type ThawInitiator struct {
	store  JobStore
	vault  Vault
	config ThawConfig
	logger *slog.Logger
}

// NewThawInitiator creates a thaw initiator.
func NewThawInitiator(store JobStore, vault Vault, cfg ThawConfig, logger *slog.Logger) *ThawInitiator {
	return &ThawInitiator{
		store:  store,
		vault:  vault,
		config: cfg,
		logger: logger,
	}
}

// Handle implements Handler. The message is kept when any job could not be
// handled, so the redelivery retries exactly those.
func (t *ThawInitiator) Handle(ctx context.Context, msg *Message) Disposition {
	req, err := DecodeThawRequest(msg.Body)
	if err != nil {
		t.logger.Error("thaw: rejecting malformed thaw request", "messageID", msg.ID, "error", err)
		return Retain
	}
	report, err := t.RequestRestore(ctx, req.UserID)
	if err != nil {
		t.logger.Error("thaw: restore request failed", "userID", req.UserID, "error", err)
		return Retain
	}
	if len(report.Failed) > 0 {
		return Retain
	}
	return Ack
}

// RequestRestore cancels the user's pending archivals, then requests a
// retrieval for every job that has an archive. Per-job failures are
// reported in the ThawReport; only query failures return an error.
func (t *ThawInitiator) RequestRestore(ctx context.Context, userID string) (*ThawReport, error) {
	report := &ThawReport{
		UserID:    userID,
		Requested: make(map[string]string),
		Failed:    make(map[string]error),
	}
	logger := t.logger.With("userID", userID)

	// The sweep runs first so a job archived concurrently is either left
	// alone here or picked up by the query below.
	pending, err := t.store.QueryJobs(ctx, JobQuery{UserID: userID, ArchiveStatus: SetArchiveStatus(ArchiveStatusPending)})
	if err != nil {
		return nil, fmt.Errorf("failed to query pending archivals: %w", err)
	}
	for _, rec := range pending {
		res, err := t.store.UpdateJob(ctx, rec.Key(), JobUpdate{
			ArchiveStatus: SetArchiveStatus(ArchiveStatusNone),
		}, IfArchiveStatus(ArchiveStatusPending))
		if err != nil {
			logger.Error("thaw: failed to cancel pending archival", "jobID", rec.JobID, "error", err)
			report.Failed[rec.JobID] = err
			continue
		}
		if res == WriteApplied {
			report.PendingCleared++
		}
	}

	archived, err := t.store.QueryJobs(ctx, JobQuery{UserID: userID, HasArchiveID: true})
	if err != nil {
		return nil, fmt.Errorf("failed to query archived jobs: %w", err)
	}
	for _, rec := range archived {
		if rec.RestoreStatus == RestoreStatusInProgress {
			report.AlreadyInProgress = append(report.AlreadyInProgress, rec.JobID)
			continue
		}
		retrievalID, err := t.restoreJob(ctx, rec, logger)
		if err != nil {
			logger.Error("thaw: failed to start retrieval", "jobID", rec.JobID, "archiveID", rec.ArchiveID, "error", err)
			report.Failed[rec.JobID] = err
			continue
		}
		report.Requested[rec.JobID] = retrievalID
	}

	logger.Info("thaw requested",
		"retrievals", len(report.Requested),
		"pendingCleared", report.PendingCleared,
		"inProgress", len(report.AlreadyInProgress),
		"failed", len(report.Failed))
	return report, nil
}

func (t *ThawInitiator) restoreJob(ctx context.Context, rec *JobRecord, logger *slog.Logger) (string, error) {
	desc, err := NewJobDescriptionField(JobDescription{
		JobID:         rec.JobID,
		ArchiveID:     rec.ArchiveID,
		SubmitTime:    EpochSeconds(rec.SubmitTime),
		UserID:        rec.UserID,
		ResultFileKey: rec.ResultFileKey,
		ResultsBucket: t.resultsBucket(rec),
	})
	if err != nil {
		return "", err
	}

	req := RetrievalRequest{
		ArchiveID:          rec.ArchiveID,
		Description:        desc.Raw,
		Tier:               TierExpedited,
		NotificationTarget: t.config.NotificationTarget,
	}
	message := msgExpeditedStarted
	retrievalID, err := t.vault.InitiateRetrieval(ctx, req)
	if errors.Is(err, ErrInsufficientCapacity) {
		logger.Info("thaw: expedited capacity exhausted; falling back to standard", "jobID", rec.JobID)
		req.Tier = TierStandard
		message = msgStandardFallback
		retrievalID, err = t.vault.InitiateRetrieval(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("failed to initiate %s retrieval: %w", req.Tier, err)
	}

	_, err = t.store.UpdateJob(ctx, rec.Key(), JobUpdate{
		RestoreJobID:   retrievalID,
		RestoreStatus:  RestoreStatusInProgress,
		RestoreMessage: message,
	}, Condition{})
	if err != nil {
		return "", fmt.Errorf("retrieval %s started but not recorded: %w", retrievalID, err)
	}
	logger.Debug("thaw: retrieval started", "jobID", rec.JobID, "retrievalID", retrievalID, "tier", req.Tier)
	return retrievalID, nil
}

func (t *ThawInitiator) resultsBucket(rec *JobRecord) string {
	if rec.ResultsBucket != "" {
		return rec.ResultsBucket
	}
	return t.config.ResultsBucket
}
