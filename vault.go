package jobtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientCapacity is returned when the requested retrieval tier
	// cannot accept more work right now.
	ErrInsufficientCapacity = errors.New("insufficient retrieval capacity")
	// ErrArchiveNotFound is returned for an unknown or already deleted archive.
	ErrArchiveNotFound = errors.New("archive not found")
	// ErrRetrievalNotReady is returned when a retrieval's output is not available yet.
	ErrRetrievalNotReady = errors.New("retrieval output not ready")
	// ErrRetrievalNotFound is returned for an unknown retrieval job id.
	ErrRetrievalNotFound = errors.New("retrieval not found")
)

// RetrievalTier selects the speed and cost of a vault retrieval.
type RetrievalTier string

const (
	TierExpedited RetrievalTier = "Expedited"
	TierStandard  RetrievalTier = "Standard"
	TierBulk      RetrievalTier = "Bulk"
)

// RetrievalRequest asks the vault to make an archive readable.
type RetrievalRequest struct {
	ArchiveID string
	// Description is echoed back verbatim in the completion notification.
	Description string
	Tier        RetrievalTier
	// NotificationTarget names where the completion notification is delivered.
	NotificationTarget string
}

// Vault is write-once cold storage with asynchronous retrieval.
type Vault interface {
	// CreateArchive stores data and returns the new archive id.
	CreateArchive(ctx context.Context, data []byte, description string) (string, error)

	// InitiateRetrieval starts an asynchronous retrieval and returns its id.
	// It returns ErrInsufficientCapacity when the tier is saturated.
	InitiateRetrieval(ctx context.Context, req RetrievalRequest) (string, error)

	// GetRetrievalOutput returns the archive bytes of a completed retrieval.
	GetRetrievalOutput(ctx context.Context, retrievalID string) ([]byte, error)

	// DeleteArchive removes an archive. Returns ErrArchiveNotFound if absent.
	DeleteArchive(ctx context.Context, archiveID string) error
}

// LocalVault is an in-process Vault. Archives live in a BlobStore bucket;
// retrievals complete after a per-tier delay and are announced by sending
// a notification to the Queue registered for their target.
type LocalVault struct {
	name   string
	blobs  BlobStore
	logger *slog.Logger

	mu                sync.Mutex
	retrievals        map[string]*localRetrieval
	targets           map[string]Queue
	tierDelays        map[RetrievalTier]time.Duration
	expeditedCapacity int // negative means unlimited
}

type localRetrieval struct {
	id          string
	archiveID   string
	description string
	tier        RetrievalTier
	target      string
	readyAt     time.Time
	completed   bool
	failed      bool
	notified    bool
	output      []byte
}

// LocalVaultOption configures a LocalVault.
type LocalVaultOption func(*LocalVault)

// WithExpeditedCapacity limits how many expedited retrievals may be started.
// Zero rejects every expedited request; a negative value means unlimited.
func WithExpeditedCapacity(n int) LocalVaultOption {
	return func(v *LocalVault) { v.expeditedCapacity = n }
}

// WithTierDelay sets how long retrievals of tier take to complete.
func WithTierDelay(tier RetrievalTier, d time.Duration) LocalVaultOption {
	return func(v *LocalVault) { v.tierDelays[tier] = d }
}

// WithNotificationTarget registers q as the destination for target.
func WithNotificationTarget(target string, q Queue) LocalVaultOption {
	return func(v *LocalVault) { v.targets[target] = q }
}

// NewLocalVault creates a vault storing archives in blobs under bucket name.
func NewLocalVault(name string, blobs BlobStore, logger *slog.Logger, opts ...LocalVaultOption) *LocalVault {
	v := &LocalVault{
		name:       name,
		blobs:      blobs,
		logger:     logger,
		retrievals: make(map[string]*localRetrieval),
		targets:    make(map[string]Queue),
		tierDelays: map[RetrievalTier]time.Duration{
			TierExpedited: 2 * time.Second,
			TierStandard:  10 * time.Second,
			TierBulk:      30 * time.Second,
		},
		expeditedCapacity: -1,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CreateArchive stores data under a fresh archive id.
func (v *LocalVault) CreateArchive(ctx context.Context, data []byte, description string) (string, error) {
	id := uuid.NewString()
	if err := v.blobs.Put(ctx, v.name, id, data); err != nil {
		return "", fmt.Errorf("failed to store archive: %w", err)
	}
	v.logger.Debug("CreateArchive", "vault", v.name, "archiveID", id, "description", description, "size", len(data))
	return id, nil
}

// InitiateRetrieval schedules the retrieval for completion after the tier delay.
func (v *LocalVault) InitiateRetrieval(ctx context.Context, req RetrievalRequest) (string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	if _, err := v.blobs.Get(ctx, v.name, req.ArchiveID); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return "", fmt.Errorf("%w: %s", ErrArchiveNotFound, req.ArchiveID)
		}
		return "", fmt.Errorf("failed to look up archive: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tier := req.Tier
	if tier == "" {
		tier = TierStandard
	}
	if tier == TierExpedited && v.expeditedCapacity >= 0 {
		if v.expeditedCapacity == 0 {
			return "", fmt.Errorf("%w: %s tier", ErrInsufficientCapacity, tier)
		}
		v.expeditedCapacity--
	}

	r := &localRetrieval{
		id:          uuid.NewString(),
		archiveID:   req.ArchiveID,
		description: req.Description,
		tier:        tier,
		target:      req.NotificationTarget,
		readyAt:     time.Now().Add(v.tierDelays[tier]),
	}
	v.retrievals[r.id] = r
	v.logger.Debug("InitiateRetrieval", "vault", v.name, "retrievalID", r.id, "archiveID", r.archiveID, "tier", tier)
	return r.id, nil
}

// GetRetrievalOutput returns the bytes captured when the retrieval completed.
// The output stays readable after the archive itself is deleted.
func (v *LocalVault) GetRetrievalOutput(ctx context.Context, retrievalID string) ([]byte, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.retrievals[retrievalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRetrievalNotFound, retrievalID)
	}
	if !r.completed || r.failed {
		return nil, fmt.Errorf("%w: %s", ErrRetrievalNotReady, retrievalID)
	}
	return append([]byte(nil), r.output...), nil
}

// DeleteArchive removes the archive bytes.
func (v *LocalVault) DeleteArchive(ctx context.Context, archiveID string) error {
	if _, err := v.blobs.Get(ctx, v.name, archiveID); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, archiveID)
		}
		return fmt.Errorf("failed to look up archive: %w", err)
	}
	if err := v.blobs.Delete(ctx, v.name, archiveID); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	v.logger.Debug("DeleteArchive", "vault", v.name, "archiveID", archiveID)
	return nil
}

// Deliver completes every retrieval whose delay elapsed and sends the
// pending notifications. A notification that cannot be sent is retried on
// the next call. It returns the number of notifications sent.
func (v *LocalVault) Deliver(ctx context.Context) (int, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	v.mu.Lock()
	var due []*localRetrieval
	for _, r := range v.retrievals {
		if !r.notified && !r.readyAt.After(now) {
			due = append(due, r)
		}
	}
	v.mu.Unlock()

	sent := 0
	var errs []error
	for _, r := range due {
		if err := v.complete(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := v.notify(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (v *LocalVault) complete(ctx context.Context, r *localRetrieval) error {
	v.mu.Lock()
	done := r.completed
	v.mu.Unlock()
	if done {
		return nil
	}

	data, err := v.blobs.Get(ctx, v.name, r.archiveID)
	failed := false
	if errors.Is(err, ErrBlobNotFound) {
		failed = true
		v.logger.Warn("retrieval of missing archive failed", "retrievalID", r.id, "archiveID", r.archiveID)
	} else if err != nil {
		return fmt.Errorf("failed to read archive %s: %w", r.archiveID, err)
	}

	v.mu.Lock()
	r.completed = true
	r.failed = failed
	r.output = data
	v.mu.Unlock()
	return nil
}

func (v *LocalVault) notify(ctx context.Context, r *localRetrieval) error {
	v.mu.Lock()
	q := v.targets[r.target]
	n := VaultNotification{
		JobID:          r.id,
		Action:         "ArchiveRetrieval",
		ArchiveID:      r.archiveID,
		Completed:      true,
		StatusCode:     RetrievalSucceeded,
		JobDescription: JobDescriptionField{Raw: r.description},
		Tier:           r.tier,
	}
	if r.failed {
		n.StatusCode = RetrievalFailed
		n.StatusMessage = "archive not found"
	}
	v.mu.Unlock()

	if q == nil {
		v.logger.Warn("no queue registered for notification target; dropping notification", "target", r.target, "retrievalID", r.id)
		v.markNotified(r)
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if _, err := q.Send(ctx, body, 0); err != nil {
		return fmt.Errorf("failed to send notification for %s: %w", r.id, err)
	}
	v.markNotified(r)
	v.logger.Debug("retrieval notification sent", "retrievalID", r.id, "target", r.target, "status", n.StatusCode)
	return nil
}

func (v *LocalVault) markNotified(r *localRetrieval) {
	v.mu.Lock()
	r.notified = true
	v.mu.Unlock()
}

// Run calls Deliver every interval until ctx is done.
func (v *LocalVault) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := v.Deliver(ctx); err != nil {
				v.logger.Error("failed to deliver retrieval notifications", "vault", v.name, "error", err)
			}
		}
	}
}
