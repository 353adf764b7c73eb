package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RestoreOutcome is the result of handling one retrieval notification.
type RestoreOutcome int

const (
	Restored RestoreOutcome = iota
	ErrorRecorded
)

func (o RestoreOutcome) String() string {
	if o == Restored {
		return "restored"
	}
	return "error-recorded"
}

// RestoreConfig configures the RestoreHandler.
type RestoreConfig struct {
	OperatorNamespace string
	// ResultsBucket is used when the job description does not name one.
	ResultsBucket string
}

// RestoreHandler writes retrieved archives back to hot storage.
type RestoreHandler struct {
	store  JobStore
	blobs  BlobStore
	vault  Vault
	config RestoreConfig
	logger *slog.Logger
}

// NewRestoreHandler creates a restore completion handler.
func NewRestoreHandler(store JobStore, blobs BlobStore, vault Vault, cfg RestoreConfig, logger *slog.Logger) *RestoreHandler {
	return &RestoreHandler{
		store:  store,
		blobs:  blobs,
		vault:  vault,
		config: cfg,
		logger: logger,
	}
}

// Handle implements Handler. Each message is one record; the Poller acks
// records independently, so one failure does not hold back the others.
func (h *RestoreHandler) Handle(ctx context.Context, msg *Message) Disposition {
	n, err := DecodeVaultNotification(msg.Body)
	if err != nil {
		h.logger.Error("restore: rejecting malformed notification", "messageID", msg.ID, "error", err)
		return Retain
	}
	outcome, err := h.CompleteRestore(ctx, n)
	if err != nil {
		h.logger.Error("restore: failed", "retrievalID", n.JobID, "error", err)
		return Retain
	}
	h.logger.Debug("restore: handled", "retrievalID", n.JobID, "outcome", outcome.String())
	return Ack
}

// CompleteRestore writes the retrieved bytes back, records RESTORED and
// then deletes the archive. Every step is safe to repeat.
func (h *RestoreHandler) CompleteRestore(ctx context.Context, n *VaultNotification) (RestoreOutcome, error) {
	desc, err := n.JobDescription.Decode()
	if err != nil {
		return ErrorRecorded, err
	}
	key := desc.Key()
	logger := h.logger.With("jobID", desc.JobID, "retrievalID", n.JobID)

	if n.StatusCode == RetrievalFailed {
		_, err := h.store.UpdateJob(ctx, key, JobUpdate{
			ClearRestore:   true,
			RestoreMessage: fmt.Sprintf("Retrieval failed: %s", n.StatusMessage),
		}, Condition{})
		if err != nil {
			return ErrorRecorded, fmt.Errorf("failed to record retrieval failure: %w", err)
		}
		logger.Error("restore: vault reported failed retrieval", "archiveID", desc.ArchiveID, "status", n.StatusMessage)
		return ErrorRecorded, nil
	}

	data, err := h.vault.GetRetrievalOutput(ctx, n.JobID)
	if err != nil {
		return ErrorRecorded, fmt.Errorf("failed to get retrieval output: %w", err)
	}

	bucket := desc.ResultsBucket
	if bucket == "" {
		bucket = h.config.ResultsBucket
	}
	blobKey := ResultObjectKey(h.config.OperatorNamespace, desc.UserID, desc.ResultFileKey)
	if err := h.blobs.Put(ctx, bucket, blobKey, data); err != nil {
		return ErrorRecorded, fmt.Errorf("failed to write restored object: %w", err)
	}

	_, err = h.store.UpdateJob(ctx, key, JobUpdate{
		RemoveArchiveID: true,
		RestoreStatus:   RestoreStatusCompleted,
		RestoreMessage:  msgRestoreComplete,
		ArchiveStatus:   SetArchiveStatus(ArchiveStatusRestored),
	}, Condition{})
	if err != nil {
		return ErrorRecorded, fmt.Errorf("failed to record restore: %w", err)
	}

	if err := h.vault.DeleteArchive(ctx, desc.ArchiveID); err != nil && !errors.Is(err, ErrArchiveNotFound) {
		return ErrorRecorded, fmt.Errorf("failed to delete archive %s: %w", desc.ArchiveID, err)
	}
	logger.Info("job restored", "bucket", bucket, "key", blobKey, "bytes", len(data))
	return Restored, nil
}
