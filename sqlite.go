//go:build sqlite
// +build sqlite

package jobtier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements JobStore and MessageBackend using SQLite.
// It provides ACID transactions and is suitable for single-server deployments
// where several worker processes share one database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite job store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(jobTableSchema); err != nil {
		return err
	}
	_, err := s.db.Exec(messageTableSchema)
	return err
}

// CreateJob inserts a new record.
func (s *SQLiteStore) CreateJob(ctx context.Context, rec *JobRecord) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if err := validateNewRecord(rec); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertJobSQL(questionPlaceholder), recordArgs(rec)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrJobExists, rec.JobID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by key
func (s *SQLiteStore) GetJob(ctx context.Context, key JobKey) (*JobRecord, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ? AND submit_time = ?", key.JobID, key.SubmitTime)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// UpdateJob runs a single guarded UPDATE. SQLite serializes writers, so the
// condition and the write are atomic.
func (s *SQLiteStore) UpdateJob(ctx context.Context, key JobKey, upd JobUpdate, cond Condition) (WriteResult, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return WriteConflict, err
	}
	stmt, args := buildUpdateSQL(key, upd, cond, questionPlaceholder)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return WriteConflict, fmt.Errorf("failed to update job %s: %w", key.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WriteConflict, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return WriteApplied, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE job_id = ? AND submit_time = ?", key.JobID, key.SubmitTime).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteConflict, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if err != nil {
		return WriteConflict, fmt.Errorf("failed to check job: %w", err)
	}
	s.logger.Debug("UpdateJob: condition failed", "jobID", key.JobID)
	return WriteConflict, nil
}

// QueryJobs selects the records matching q.
func (s *SQLiteStore) QueryJobs(ctx context.Context, q JobQuery) ([]*JobRecord, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	stmt, args := buildQuerySQL(q, questionPlaceholder)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutMessage stores a new message in the named queue.
func (s *SQLiteStore) PutMessage(ctx context.Context, queue string, msg *storedMessage) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertMessageSQL(questionPlaceholder), insertMessageArgs(queue, msg)...); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ClaimMessages hides up to max visible messages for the visibility period.
// The transaction takes the write lock up front (_txlock=immediate), so two
// processes never claim the same message.
func (s *SQLiteStore) ClaimMessages(ctx context.Context, queue string, now time.Time, max int, visibility time.Duration) ([]*storedMessage, time.Time, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx, nextVisibleSQL(questionPlaceholder), queue, now.UnixNano()).Scan(&next); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read next visibility: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectVisibleSQL(questionPlaceholder, ""), queue, now.UnixNano(), max)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to select messages: %w", err)
	}
	var claimed []*storedMessage
	for rows.Next() {
		m, err := scanClaimable(rows)
		if err != nil {
			rows.Close()
			return nil, time.Time{}, fmt.Errorf("failed to scan message: %w", err)
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	visibleAt := now.Add(visibility)
	for _, m := range claimed {
		m.ReceiveCount++
		m.VisibleAt = visibleAt
		m.Token = newToken()
		if _, err := tx.ExecContext(ctx, claimMessageSQL(questionPlaceholder), visibleAt.UnixNano(), m.Token, queue, m.ID); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to claim message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to commit claim: %w", err)
	}

	var nextAt time.Time
	if next.Valid {
		nextAt = time.Unix(0, next.Int64)
	}
	return claimed, nextAt, nil
}

// DeleteMessage removes a message if the token matches.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, queue, id, token string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, deleteMessageSQL(questionPlaceholder), queue, id, token); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// CountMessages returns the number of stored messages in the queue.
func (s *SQLiteStore) CountMessages(ctx context.Context, queue string) (int, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, countMessagesSQL(questionPlaceholder), queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
