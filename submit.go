package jobtier

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubmitterConfig configures the Submitter.
type SubmitterConfig struct {
	OperatorNamespace string
	InputsBucket      string
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	// JobID is generated when empty.
	JobID    string
	UserID   string
	UserRole string
	// FileName is the user-visible input file name.
	FileName string
	// Input is uploaded to the inputs bucket when set. Otherwise
	// InputFileKey must name an object that already exists there.
	Input        []byte
	InputFileKey string
	// SubmitTime defaults to now.
	SubmitTime int64
}

// Submitter is the producer side of the pipeline: it creates job records
// and announces entitlement upgrades.
type Submitter struct {
	store       JobStore
	blobs       BlobStore
	submitQueue Queue
	thawQueue   Queue
	config      SubmitterConfig
	logger      *slog.Logger
}

// NewSubmitter creates a submitter.
func NewSubmitter(store JobStore, blobs BlobStore, submitQueue, thawQueue Queue, cfg SubmitterConfig, logger *slog.Logger) *Submitter {
	return &Submitter{
		store:       store,
		blobs:       blobs,
		submitQueue: submitQueue,
		thawQueue:   thawQueue,
		config:      cfg,
		logger:      logger,
	}
}

// Submit stores the input if given, creates the PENDING record and sends
// the submit message. Free-tier jobs start with archive_status PENDING.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*JobRecord, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if !isPathSegment(req.UserID) || !isPathSegment(req.JobID) {
		return nil, fmt.Errorf("%w: user %q job %q", ErrWorkspaceEscape, req.UserID, req.JobID)
	}
	if req.SubmitTime == 0 {
		req.SubmitTime = time.Now().Unix()
	}

	inputKey := req.InputFileKey
	if req.Input != nil {
		if req.FileName == "" {
			return nil, fmt.Errorf("file name is required when uploading input")
		}
		inputKey = InputObjectKey(s.config.OperatorNamespace, req.UserID, req.JobID, req.FileName)
		if err := s.blobs.Put(ctx, s.config.InputsBucket, inputKey, req.Input); err != nil {
			return nil, fmt.Errorf("failed to upload input: %w", err)
		}
	}
	if inputKey == "" {
		return nil, fmt.Errorf("input file key is required")
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = userFileName(inputKey)
	}

	rec := &JobRecord{
		JobID:         req.JobID,
		SubmitTime:    req.SubmitTime,
		UserID:        req.UserID,
		InputFileName: fileName,
		InputsBucket:  s.config.InputsBucket,
		InputFileKey:  inputKey,
		JobStatus:     JobStatusPending,
	}
	if req.UserRole == RoleFree {
		rec.ArchiveStatus = ArchiveStatusPending
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	body, err := EncodeMessage(SubmitMessage{
		JobID:        rec.JobID,
		UserID:       rec.UserID,
		UserRole:     req.UserRole,
		SubmitTime:   EpochSeconds(rec.SubmitTime),
		InputsBucket: rec.InputsBucket,
		InputFileKey: rec.InputFileKey,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.submitQueue.Send(ctx, body, 0); err != nil {
		return nil, fmt.Errorf("job %s created but not queued: %w", rec.JobID, err)
	}
	s.logger.Info("job submitted", "jobID", rec.JobID, "userID", rec.UserID, "role", req.UserRole)
	return rec, nil
}

// RequestUpgrade announces that userID became a premium user.
func (s *Submitter) RequestUpgrade(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	body, err := EncodeMessage(ThawRequest{UserID: userID})
	if err != nil {
		return err
	}
	if _, err := s.thawQueue.Send(ctx, body, 0); err != nil {
		return fmt.Errorf("failed to enqueue upgrade: %w", err)
	}
	s.logger.Info("upgrade requested", "userID", userID)
	return nil
}

// userFileName strips the directory and the job id prefix from an input key.
func userFileName(key string) string {
	base := path.Base(key)
	if _, name, ok := strings.Cut(base, "~"); ok {
		return name
	}
	return base
}

// isPathSegment mirrors the id pattern of the submit message schema.
func isPathSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
