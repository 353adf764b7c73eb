package jobtier

import (
	"fmt"
	"strings"
	"time"
)

// jobColumns is the column order used by every SQL store for inserts and selects.
const jobColumns = `job_id, submit_time, user_id, input_file_name, s3_inputs_bucket, s3_key_input_file,
	job_status, start_time, failure_reason, s3_results_bucket, s3_key_result_file, s3_key_log_file,
	complete_time, archive_status, results_file_archive_id, restore_status, restore_job_id, restore_message`

// jobTableSchema is portable between SQLite and PostgreSQL.
const jobTableSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT NOT NULL,
		submit_time BIGINT NOT NULL,
		user_id TEXT NOT NULL,
		input_file_name TEXT NOT NULL DEFAULT '',
		s3_inputs_bucket TEXT NOT NULL DEFAULT '',
		s3_key_input_file TEXT NOT NULL DEFAULT '',
		job_status TEXT NOT NULL,
		start_time BIGINT NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		s3_results_bucket TEXT NOT NULL DEFAULT '',
		s3_key_result_file TEXT NOT NULL DEFAULT '',
		s3_key_log_file TEXT NOT NULL DEFAULT '',
		complete_time BIGINT NOT NULL DEFAULT 0,
		archive_status TEXT NOT NULL DEFAULT '',
		results_file_archive_id TEXT NOT NULL DEFAULT '',
		restore_status TEXT NOT NULL DEFAULT '',
		restore_job_id TEXT NOT NULL DEFAULT '',
		restore_message TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (job_id, submit_time)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_job_status ON jobs(job_status);
	`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var jobStatus, archiveStatus, restoreStatus string
	err := row.Scan(
		&rec.JobID, &rec.SubmitTime, &rec.UserID, &rec.InputFileName, &rec.InputsBucket, &rec.InputFileKey,
		&jobStatus, &rec.StartTime, &rec.FailureReason, &rec.ResultsBucket, &rec.ResultFileKey, &rec.LogFileKey,
		&rec.CompleteTime, &archiveStatus, &rec.ArchiveID, &restoreStatus, &rec.RestoreJobID, &rec.RestoreMessage,
	)
	if err != nil {
		return nil, err
	}
	rec.JobStatus = JobStatus(jobStatus)
	rec.ArchiveStatus = ArchiveStatus(archiveStatus)
	rec.RestoreStatus = RestoreStatus(restoreStatus)
	return &rec, nil
}

func recordArgs(rec *JobRecord) []any {
	return []any{
		rec.JobID, rec.SubmitTime, rec.UserID, rec.InputFileName, rec.InputsBucket, rec.InputFileKey,
		string(rec.JobStatus), rec.StartTime, rec.FailureReason, rec.ResultsBucket, rec.ResultFileKey, rec.LogFileKey,
		rec.CompleteTime, string(rec.ArchiveStatus), rec.ArchiveID, string(rec.RestoreStatus), rec.RestoreJobID, rec.RestoreMessage,
	}
}

// placeholderFunc renders the n-th (1-based) bind parameter.
type placeholderFunc func(n int) string

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func insertJobSQL(ph placeholderFunc) string {
	params := make([]string, 18)
	for i := range params {
		params[i] = ph(i + 1)
	}
	return "INSERT INTO jobs (" + jobColumns + ") VALUES (" + strings.Join(params, ", ") + ")"
}

// buildUpdateSQL renders a conditional UPDATE for upd guarded by cond.
// The statement affects zero rows when the record is missing or cond fails.
func buildUpdateSQL(key JobKey, upd JobUpdate, cond Condition, ph placeholderFunc) (string, []any) {
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, ph(len(args))))
	}

	if upd.JobStatus != "" {
		set("job_status", string(upd.JobStatus))
	}
	if upd.StartTime != 0 {
		set("start_time", upd.StartTime)
	}
	if upd.FailureReason != "" {
		set("failure_reason", upd.FailureReason)
	}
	if upd.ResultsBucket != "" {
		set("s3_results_bucket", upd.ResultsBucket)
	}
	if upd.ResultFileKey != "" {
		set("s3_key_result_file", upd.ResultFileKey)
	}
	if upd.LogFileKey != "" {
		set("s3_key_log_file", upd.LogFileKey)
	}
	if upd.CompleteTime != 0 {
		set("complete_time", upd.CompleteTime)
	}
	if upd.ArchiveStatus != nil {
		set("archive_status", string(*upd.ArchiveStatus))
	}
	if upd.ArchiveID != "" {
		set("results_file_archive_id", upd.ArchiveID)
	} else if upd.RemoveArchiveID {
		set("results_file_archive_id", "")
	}
	switch {
	case upd.RestoreStatus != "":
		set("restore_status", string(upd.RestoreStatus))
	case upd.ClearRestore:
		set("restore_status", "")
	}
	switch {
	case upd.RestoreJobID != "":
		set("restore_job_id", upd.RestoreJobID)
	case upd.ClearRestore:
		set("restore_job_id", "")
	}
	if upd.RestoreMessage != "" {
		set("restore_message", upd.RestoreMessage)
	}
	if len(sets) == 0 {
		// An empty update still has to report whether cond holds.
		sets = append(sets, "job_id = job_id")
	}

	args = append(args, key.JobID)
	where := []string{"job_id = " + ph(len(args))}
	args = append(args, key.SubmitTime)
	where = append(where, "submit_time = "+ph(len(args)))
	if cond.JobStatus != nil {
		args = append(args, string(*cond.JobStatus))
		where = append(where, "job_status = "+ph(len(args)))
	}
	if cond.ArchiveStatus != nil {
		args = append(args, string(*cond.ArchiveStatus))
		where = append(where, "archive_status = "+ph(len(args)))
	}

	return "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

// buildQuerySQL renders a SELECT for q ordered by submit time.
func buildQuerySQL(q JobQuery, ph placeholderFunc) (string, []any) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, ph(len(args))))
	}
	if q.UserID != "" {
		add("user_id = %s", q.UserID)
	}
	if q.JobStatus != "" {
		add("job_status = %s", string(q.JobStatus))
	}
	if q.ArchiveStatus != nil {
		add("archive_status = %s", string(*q.ArchiveStatus))
	}
	if q.HasArchiveID {
		where = append(where, "results_file_archive_id <> ''")
	}
	if q.StartedBefore != 0 {
		where = append(where, "start_time > 0")
		add("start_time < %s", q.StartedBefore)
	}

	stmt := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	return stmt + " ORDER BY submit_time, job_id", args
}

// messageTableSchema backs LocalQueue on the SQL stores. Times are unix nanoseconds.
const messageTableSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		queue TEXT NOT NULL,
		id TEXT NOT NULL,
		body BYTEA NOT NULL,
		sent_at BIGINT NOT NULL,
		visible_at BIGINT NOT NULL,
		receive_count INTEGER NOT NULL DEFAULT 0,
		token TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (queue, id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_visible ON messages(queue, visible_at);
	`

func insertMessageSQL(ph placeholderFunc) string {
	return fmt.Sprintf(
		"INSERT INTO messages (queue, id, body, sent_at, visible_at, receive_count, token) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7))
}

func insertMessageArgs(queue string, msg *storedMessage) []any {
	return []any{queue, msg.ID, msg.Body, msg.SentAt.UnixNano(), msg.VisibleAt.UnixNano(), msg.ReceiveCount, msg.Token}
}

// selectVisibleSQL picks the oldest visible messages. suffix is appended
// after LIMIT for row locking clauses.
func selectVisibleSQL(ph placeholderFunc, suffix string) string {
	stmt := fmt.Sprintf(
		"SELECT id, body, sent_at, receive_count FROM messages WHERE queue = %s AND visible_at <= %s ORDER BY sent_at, id LIMIT %s",
		ph(1), ph(2), ph(3))
	if suffix != "" {
		stmt += " " + suffix
	}
	return stmt
}

func nextVisibleSQL(ph placeholderFunc) string {
	return fmt.Sprintf("SELECT MIN(visible_at) FROM messages WHERE queue = %s AND visible_at > %s", ph(1), ph(2))
}

func claimMessageSQL(ph placeholderFunc) string {
	return fmt.Sprintf(
		"UPDATE messages SET visible_at = %s, receive_count = receive_count + 1, token = %s WHERE queue = %s AND id = %s",
		ph(1), ph(2), ph(3), ph(4))
}

func deleteMessageSQL(ph placeholderFunc) string {
	return fmt.Sprintf("DELETE FROM messages WHERE queue = %s AND id = %s AND token = %s", ph(1), ph(2), ph(3))
}

func countMessagesSQL(ph placeholderFunc) string {
	return "SELECT COUNT(*) FROM messages WHERE queue = " + ph(1)
}

// scanClaimable reads one row of selectVisibleSQL.
func scanClaimable(row rowScanner) (*storedMessage, error) {
	var m storedMessage
	var sentAt int64
	if err := row.Scan(&m.ID, &m.Body, &sentAt, &m.ReceiveCount); err != nil {
		return nil, err
	}
	m.SentAt = time.Unix(0, sentAt)
	return &m, nil
}

// nanosToTime converts a nullable MIN() result.
func nanosToTime(v *int64) time.Time {
	if v == nil {
		return time.Time{}
	}
	return time.Unix(0, *v)
}
