package jobtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements JobStore and MessageBackend using BadgerDB.
// Conditional updates run inside an optimistic transaction, so two
// concurrent claims of the same record cannot both commit.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database. Calling it again is a no-op.
func (b *BadgerBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// fn may run several times and must not leak state between attempts.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob     = "job:"
	keyPrefixUser    = "user:"
	keyPrefixMessage = "q:"
)

// jobKey returns the key for a job record
func jobKey(key JobKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", keyPrefixJob, key.JobID, key.SubmitTime))
}

// userIndexKey returns the key for the user_id secondary index
func userIndexKey(userID string, key JobKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", keyPrefixUser, userID, key.SubmitTime, key.JobID))
}

func userIndexPrefix(userID string) []byte {
	return []byte(keyPrefixUser + userID + ":")
}

// parseUserIndexSuffix splits "<submit_time>:<job_id>" back into a JobKey.
func parseUserIndexSuffix(suffix string) (JobKey, error) {
	if len(suffix) < 22 || suffix[20] != ':' {
		return JobKey{}, fmt.Errorf("malformed index key suffix %q", suffix)
	}
	ts, err := strconv.ParseInt(suffix[:20], 10, 64)
	if err != nil {
		return JobKey{}, fmt.Errorf("malformed index key suffix %q: %w", suffix, err)
	}
	return JobKey{JobID: suffix[21:], SubmitTime: ts}, nil
}

func messageKey(queue, id string) []byte {
	return []byte(keyPrefixMessage + queue + ":m:" + id)
}

func messagePrefix(queue string) []byte {
	return []byte(keyPrefixMessage + queue + ":m:")
}

func readRecord(txn *badger.Txn, key []byte) (*JobRecord, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var rec JobRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &rec, nil
}

func writeRecord(txn *badger.Txn, rec *JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return txn.Set(jobKey(rec.Key()), data)
}

// CreateJob stores a new record together with its user index entry.
func (b *BadgerBackend) CreateJob(ctx context.Context, rec *JobRecord) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if err := validateNewRecord(rec); err != nil {
		return err
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(jobKey(rec.Key()))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrJobExists, rec.JobID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check job: %w", err)
		}
		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set(userIndexKey(rec.UserID, rec.Key()), nil)
	})
	if err != nil {
		return err
	}
	b.logger.Debug("CreateJob: stored", "jobID", rec.JobID, "userID", rec.UserID)
	return nil
}

// GetJob retrieves a job record by key
func (b *BadgerBackend) GetJob(ctx context.Context, key JobKey) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var rec *JobRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, jobKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// UpdateJob evaluates cond and applies upd in one transaction. A concurrent
// writer makes the commit fail with ErrConflict, and the retry re-evaluates
// cond against the winner's write.
func (b *BadgerBackend) UpdateJob(ctx context.Context, key JobKey, upd JobUpdate, cond Condition) (WriteResult, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return WriteConflict, err
	}

	var result WriteResult
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		result = WriteConflict
		rec, err := readRecord(txn, jobKey(key))
		if err != nil {
			return err
		}
		if !cond.Matches(rec) {
			return nil
		}
		upd.Apply(rec)
		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		result = WriteApplied
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return WriteConflict, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if err != nil {
		return WriteConflict, fmt.Errorf("failed to update job %s: %w", key.JobID, err)
	}
	b.logger.Debug("UpdateJob", "jobID", key.JobID, "result", result.String())
	return result, nil
}

// QueryJobs walks the user index, or every job record when no user is given.
func (b *BadgerBackend) QueryJobs(ctx context.Context, q JobQuery) ([]*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	var out []*JobRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		if q.UserID != "" {
			opts.PrefetchValues = false
			opts.Prefix = userIndexPrefix(q.UserID)
		} else {
			opts.Prefix = []byte(keyPrefixJob)
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec *JobRecord
			if q.UserID != "" {
				key, err := parseUserIndexSuffix(string(it.Item().Key()[len(opts.Prefix):]))
				if err != nil {
					return err
				}
				r, err := readRecord(txn, jobKey(key))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				rec = r
			} else {
				rec = &JobRecord{}
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, rec)
				}); err != nil {
					return fmt.Errorf("failed to unmarshal job: %w", err)
				}
			}
			if q.Matches(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	sortRecords(out)
	return out, nil
}

// PutMessage stores a new message in the named queue.
func (b *BadgerBackend) PutMessage(ctx context.Context, queue string, msg *storedMessage) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(queue, msg.ID), data)
	})
}

// ClaimMessages hides up to max visible messages for the visibility period.
func (b *BadgerBackend) ClaimMessages(ctx context.Context, queue string, now time.Time, max int, visibility time.Duration) ([]*storedMessage, time.Time, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	var claimed []*storedMessage
	var next time.Time
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		claimed, next = nil, time.Time{}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(queue)
		it := txn.NewIterator(opts)
		var all []*storedMessage
		for it.Rewind(); it.Valid(); it.Next() {
			var m storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				it.Close()
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			all = append(all, &m)
		}
		it.Close()

		claimed, next = claimVisible(all, now, max, visibility)
		for _, m := range claimed {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := txn.Set(messageKey(queue, m.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to claim messages: %w", err)
	}
	return claimed, next, nil
}

// DeleteMessage removes a message if the token matches.
func (b *BadgerBackend) DeleteMessage(ctx context.Context, queue, id, token string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(queue, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var m storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if m.Token != token {
			return nil
		}
		return txn.Delete(messageKey(queue, id))
	})
}

// CountMessages returns the number of stored messages in the queue.
func (b *BadgerBackend) CountMessages(ctx context.Context, queue string) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = messagePrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
