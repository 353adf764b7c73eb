package jobtier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend implements JobStore and MessageBackend using in-memory maps.
// It uses a single mutex for thread-safety and is suitable for testing and
// single-process local runs.
type InMemoryBackend struct {
	mu       sync.RWMutex
	jobs     map[JobKey]*JobRecord
	byUser   map[string]map[JobKey]bool // user_id -> keys (secondary index)
	messages map[string]map[string]*storedMessage
	closed   bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs:     make(map[JobKey]*JobRecord),
		byUser:   make(map[string]map[JobKey]bool),
		messages: make(map[string]map[string]*storedMessage),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateJob stores a new record.
func (b *InMemoryBackend) CreateJob(ctx context.Context, rec *JobRecord) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewRecord(rec); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	key := rec.Key()
	if _, exists := b.jobs[key]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, rec.JobID)
	}
	b.jobs[key] = cloneRecord(rec)
	if b.byUser[rec.UserID] == nil {
		b.byUser[rec.UserID] = make(map[JobKey]bool)
	}
	b.byUser[rec.UserID][key] = true
	return nil
}

// GetJob returns a copy of the record.
func (b *InMemoryBackend) GetJob(ctx context.Context, key JobKey) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	rec, ok := b.jobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	return cloneRecord(rec), nil
}

// UpdateJob applies upd if cond holds, under the write lock.
func (b *InMemoryBackend) UpdateJob(ctx context.Context, key JobKey, upd JobUpdate, cond Condition) (WriteResult, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return WriteConflict, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return WriteConflict, err
	}
	rec, ok := b.jobs[key]
	if !ok {
		return WriteConflict, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if !cond.Matches(rec) {
		return WriteConflict, nil
	}
	upd.Apply(rec)
	return WriteApplied, nil
}

// QueryJobs scans the user index (or every record when no user is given).
func (b *InMemoryBackend) QueryJobs(ctx context.Context, q JobQuery) ([]*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	var out []*JobRecord
	if q.UserID != "" {
		for key := range b.byUser[q.UserID] {
			if rec := b.jobs[key]; q.Matches(rec) {
				out = append(out, cloneRecord(rec))
			}
		}
	} else {
		for _, rec := range b.jobs {
			if q.Matches(rec) {
				out = append(out, cloneRecord(rec))
			}
		}
	}
	sortRecords(out)
	return out, nil
}

// PutMessage stores a new message in the named queue.
func (b *InMemoryBackend) PutMessage(ctx context.Context, queue string, msg *storedMessage) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if b.messages[queue] == nil {
		b.messages[queue] = make(map[string]*storedMessage)
	}
	m := *msg
	b.messages[queue][msg.ID] = &m
	return nil
}

// ClaimMessages hides up to max visible messages for the visibility period.
func (b *InMemoryBackend) ClaimMessages(ctx context.Context, queue string, now time.Time, max int, visibility time.Duration) ([]*storedMessage, time.Time, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, time.Time{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, time.Time{}, err
	}

	all := make([]*storedMessage, 0, len(b.messages[queue]))
	for _, m := range b.messages[queue] {
		all = append(all, m)
	}
	claimed, next := claimVisible(all, now, max, visibility)
	out := make([]*storedMessage, 0, len(claimed))
	for _, m := range claimed {
		c := *m
		out = append(out, &c)
	}
	return out, next, nil
}

// DeleteMessage removes a message if the token matches.
func (b *InMemoryBackend) DeleteMessage(ctx context.Context, queue, id, token string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if m, ok := b.messages[queue][id]; ok && m.Token == token {
		delete(b.messages[queue], id)
	}
	return nil
}

// CountMessages returns the number of stored messages in the queue.
func (b *InMemoryBackend) CountMessages(ctx context.Context, queue string) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return 0, err
	}
	return len(b.messages[queue]), nil
}

func validateNewRecord(rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if rec.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if rec.UserID == "" {
		return fmt.Errorf("user ID is required for job %s", rec.JobID)
	}
	if rec.JobStatus == "" {
		return fmt.Errorf("job %s has no status", rec.JobID)
	}
	return nil
}

func sortRecords(recs []*JobRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].SubmitTime != recs[j].SubmitTime {
			return recs[i].SubmitTime < recs[j].SubmitTime
		}
		return recs[i].JobID < recs[j].JobID
	})
}

// claimVisible picks messages visible at now in send order, updates them in
// place and reports the earliest VisibleAt among the rest.
func claimVisible(all []*storedMessage, now time.Time, max int, visibility time.Duration) ([]*storedMessage, time.Time) {
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].SentAt.Before(all[j].SentAt)
		}
		return all[i].ID < all[j].ID
	})

	var claimed []*storedMessage
	var next time.Time
	for _, m := range all {
		if len(claimed) < max && !m.VisibleAt.After(now) {
			m.ReceiveCount++
			m.VisibleAt = now.Add(visibility)
			m.Token = newToken()
			claimed = append(claimed, m)
			continue
		}
		if m.VisibleAt.After(now) && (next.IsZero() || m.VisibleAt.Before(next)) {
			next = m.VisibleAt
		}
	}
	return claimed, next
}
