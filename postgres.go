package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds connection pool settings for PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// PostgresStore implements JobStore and MessageBackend on PostgreSQL
// through a pgx pool.
// Guarded UPDATE statements give the conditional-write semantics across
// any number of worker processes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const pgUniqueViolation = "23505"

// NewPostgresStore connects, pings and creates the jobs table if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "jobtier"

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, schema := range []string{jobTableSchema, messageTableSchema} {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Info("successfully connected to database")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateJob inserts a new record.
func (s *PostgresStore) CreateJob(ctx context.Context, rec *JobRecord) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if err := validateNewRecord(rec); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertJobSQL(dollarPlaceholder), recordArgs(rec)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrJobExists, rec.JobID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by key
func (s *PostgresStore) GetJob(ctx context.Context, key JobKey) (*JobRecord, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = $1 AND submit_time = $2", key.JobID, key.SubmitTime)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// UpdateJob runs a single guarded UPDATE; row locking makes it atomic.
func (s *PostgresStore) UpdateJob(ctx context.Context, key JobKey, upd JobUpdate, cond Condition) (WriteResult, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return WriteConflict, err
	}
	stmt, args := buildUpdateSQL(key, upd, cond, dollarPlaceholder)
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return WriteConflict, fmt.Errorf("failed to update job %s: %w", key.JobID, err)
	}
	if tag.RowsAffected() > 0 {
		return WriteApplied, nil
	}

	var exists int
	err = s.pool.QueryRow(ctx,
		"SELECT 1 FROM jobs WHERE job_id = $1 AND submit_time = $2", key.JobID, key.SubmitTime).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return WriteConflict, fmt.Errorf("%w: %s", ErrJobNotFound, key.JobID)
	}
	if err != nil {
		return WriteConflict, fmt.Errorf("failed to check job: %w", err)
	}
	s.logger.Debug("UpdateJob: condition failed", "jobID", key.JobID)
	return WriteConflict, nil
}

// QueryJobs selects the records matching q.
func (s *PostgresStore) QueryJobs(ctx context.Context, q JobQuery) ([]*JobRecord, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	stmt, args := buildQuerySQL(q, dollarPlaceholder)
	rows, err := s.pool.Query(ctx, stmt, args...)
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
func (s *PostgresStore) PutMessage(ctx context.Context, queue string, msg *storedMessage) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertMessageSQL(dollarPlaceholder), insertMessageArgs(queue, msg)...); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ClaimMessages hides up to max visible messages for the visibility period.
// SKIP LOCKED lets concurrent receivers claim disjoint batches.
func (s *PostgresStore) ClaimMessages(ctx context.Context, queue string, now time.Time, max int, visibility time.Duration) ([]*storedMessage, time.Time, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	var claimed []*storedMessage
	var next *int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		claimed, next = nil, nil
		if err := tx.QueryRow(ctx, nextVisibleSQL(dollarPlaceholder), queue, now.UnixNano()).Scan(&next); err != nil {
			return fmt.Errorf("failed to read next visibility: %w", err)
		}

		rows, err := tx.Query(ctx, selectVisibleSQL(dollarPlaceholder, "FOR UPDATE SKIP LOCKED"), queue, now.UnixNano(), max)
		if err != nil {
			return fmt.Errorf("failed to select messages: %w", err)
		}
		for rows.Next() {
			m, err := scanClaimable(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan message: %w", err)
			}
			claimed = append(claimed, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		visibleAt := now.Add(visibility)
		for _, m := range claimed {
			m.ReceiveCount++
			m.VisibleAt = visibleAt
			m.Token = newToken()
			if _, err := tx.Exec(ctx, claimMessageSQL(dollarPlaceholder), visibleAt.UnixNano(), m.Token, queue, m.ID); err != nil {
				return fmt.Errorf("failed to claim message %s: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return claimed, nanosToTime(next), nil
}

// DeleteMessage removes a message if the token matches.
func (s *PostgresStore) DeleteMessage(ctx context.Context, queue, id, token string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, deleteMessageSQL(dollarPlaceholder), queue, id, token); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// CountMessages returns the number of stored messages in the queue.
func (s *PostgresStore) CountMessages(ctx context.Context, queue string) (int, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, countMessagesSQL(dollarPlaceholder), queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
