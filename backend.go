package jobtier

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when no record exists for a job key.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by CreateJob when the key is already taken.
	ErrJobExists = errors.New("job already exists")
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// WriteResult reports the outcome of a conditional write.
// A transient failure is reported as an error instead.
type WriteResult int

const (
	// WriteApplied means the condition held and the update was stored.
	WriteApplied WriteResult = iota
	// WriteConflict means the record exists but the condition did not hold.
	WriteConflict
)

func (r WriteResult) String() string {
	switch r {
	case WriteApplied:
		return "applied"
	case WriteConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Condition guards a conditional update. Nil fields are not checked.
type Condition struct {
	JobStatus     *JobStatus
	ArchiveStatus *ArchiveStatus
}

// IfJobStatus returns a condition on job_status.
func IfJobStatus(s JobStatus) Condition {
	return Condition{JobStatus: &s}
}

// IfArchiveStatus returns a condition on archive_status.
func IfArchiveStatus(s ArchiveStatus) Condition {
	return Condition{ArchiveStatus: &s}
}

// Matches reports whether rec satisfies the condition.
func (c Condition) Matches(rec *JobRecord) bool {
	if c.JobStatus != nil && rec.JobStatus != *c.JobStatus {
		return false
	}
	if c.ArchiveStatus != nil && rec.ArchiveStatus != *c.ArchiveStatus {
		return false
	}
	return true
}

// JobUpdate lists the attributes to set on a record. Zero-valued fields are
// left untouched, except where a Clear/Remove flag says otherwise.
type JobUpdate struct {
	JobStatus     JobStatus
	StartTime     int64
	FailureReason string

	ResultsBucket string
	ResultFileKey string
	LogFileKey    string
	CompleteTime  int64

	// ArchiveStatus is a pointer because the empty status is a meaningful value.
	ArchiveStatus   *ArchiveStatus
	ArchiveID       string
	RemoveArchiveID bool

	RestoreStatus  RestoreStatus
	RestoreJobID   string
	RestoreMessage string
	// ClearRestore removes restore_status and restore_job_id before the
	// Restore* fields above are applied.
	ClearRestore bool
}

// SetArchiveStatus returns a pointer suitable for JobUpdate.ArchiveStatus.
func SetArchiveStatus(s ArchiveStatus) *ArchiveStatus {
	return &s
}

// Apply writes the update onto rec.
func (u JobUpdate) Apply(rec *JobRecord) {
	if u.JobStatus != "" {
		rec.JobStatus = u.JobStatus
	}
	if u.StartTime != 0 {
		rec.StartTime = u.StartTime
	}
	if u.FailureReason != "" {
		rec.FailureReason = u.FailureReason
	}
	if u.ResultsBucket != "" {
		rec.ResultsBucket = u.ResultsBucket
	}
	if u.ResultFileKey != "" {
		rec.ResultFileKey = u.ResultFileKey
	}
	if u.LogFileKey != "" {
		rec.LogFileKey = u.LogFileKey
	}
	if u.CompleteTime != 0 {
		rec.CompleteTime = u.CompleteTime
	}
	if u.ArchiveStatus != nil {
		rec.ArchiveStatus = *u.ArchiveStatus
	}
	if u.RemoveArchiveID {
		rec.ArchiveID = ""
	}
	if u.ArchiveID != "" {
		rec.ArchiveID = u.ArchiveID
	}
	if u.ClearRestore {
		rec.RestoreStatus = RestoreStatusNone
		rec.RestoreJobID = ""
	}
	if u.RestoreStatus != "" {
		rec.RestoreStatus = u.RestoreStatus
	}
	if u.RestoreJobID != "" {
		rec.RestoreJobID = u.RestoreJobID
	}
	if u.RestoreMessage != "" {
		rec.RestoreMessage = u.RestoreMessage
	}
}

// JobQuery selects records of one user. Empty filters match everything.
type JobQuery struct {
	UserID        string
	JobStatus     JobStatus
	ArchiveStatus *ArchiveStatus
	// HasArchiveID restricts the result to records carrying results_file_archive_id.
	HasArchiveID bool
	// StartedBefore restricts the result to records with 0 < start_time < StartedBefore.
	StartedBefore int64
}

// Matches reports whether rec is selected by the query.
func (q JobQuery) Matches(rec *JobRecord) bool {
	if q.UserID != "" && rec.UserID != q.UserID {
		return false
	}
	if q.JobStatus != "" && rec.JobStatus != q.JobStatus {
		return false
	}
	if q.ArchiveStatus != nil && rec.ArchiveStatus != *q.ArchiveStatus {
		return false
	}
	if q.HasArchiveID && rec.ArchiveID == "" {
		return false
	}
	if q.StartedBefore != 0 && (rec.StartTime == 0 || rec.StartTime >= q.StartedBefore) {
		return false
	}
	return true
}

// JobStore is the durable job record store shared by all workers.
// Implementations must be safe for concurrent use, and UpdateJob must
// evaluate the condition and apply the update atomically.
type JobStore interface {
	// CreateJob stores a new record. Returns ErrJobExists if the key is taken.
	CreateJob(ctx context.Context, rec *JobRecord) error

	// GetJob returns a copy of the record or ErrJobNotFound.
	GetJob(ctx context.Context, key JobKey) (*JobRecord, error)

	// UpdateJob applies upd if cond holds on the stored record.
	// A missing record is reported as ErrJobNotFound.
	UpdateJob(ctx context.Context, key JobKey, upd JobUpdate, cond Condition) (WriteResult, error)

	// QueryJobs returns the records selected by q, ordered by submit time.
	QueryJobs(ctx context.Context, q JobQuery) ([]*JobRecord, error)

	Close() error
}

// storedMessage is the persisted form of a queued message.
type storedMessage struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	SentAt       time.Time `json:"sent_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
	// Token changes on every receive; a receipt with a stale token cannot delete.
	Token string `json:"token"`
}

// MessageBackend persists the messages of named local queues.
// LocalQueue adds long polling and receipt handling on top of it.
type MessageBackend interface {
	// PutMessage stores a new message in the named queue.
	PutMessage(ctx context.Context, queue string, msg *storedMessage) error

	// ClaimMessages makes up to max visible messages invisible until
	// now+visibility, assigns each a fresh token and increments its receive
	// count. It also returns the earliest VisibleAt among messages that are
	// still invisible, or the zero time if there are none.
	ClaimMessages(ctx context.Context, queue string, now time.Time, max int, visibility time.Duration) ([]*storedMessage, time.Time, error)

	// DeleteMessage removes a message if its current token matches.
	// Deleting an unknown message is not an error.
	DeleteMessage(ctx context.Context, queue, id, token string) error

	// CountMessages returns the number of stored messages, visible or not.
	CountMessages(ctx context.Context, queue string) (int, error)

	Close() error
}
