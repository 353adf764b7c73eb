// Package jobtier runs annotation jobs through their lifecycle and tiers the
// results between hot and cold storage according to the owner's entitlement.
//
// The library is built from independent, queue-driven workers that share no
// in-process state:
//   - Dispatcher claims submitted jobs and runs the annotation engine
//   - Finalizer (run by the engine) uploads results and marks jobs COMPLETED
//   - Archiver moves free-tier results from hot storage into a cold vault
//   - ThawInitiator requests vault retrievals when a user upgrades
//   - RestoreHandler writes retrieved results back to hot storage
//
// The only shared mutable state is the JobStore; every transition that more
// than one worker could race for is a conditional write on the job record.
//
// Example usage:
//
//	store := jobtier.NewInMemoryBackend()
//	submitQ := jobtier.NewMemoryQueue("submit", 5*time.Minute, logger)
//	blobs := jobtier.NewMemoryBlobStore()
//	dispatcher := jobtier.NewDispatcher(store, blobs, engine, cfg, logger)
//	poller := jobtier.NewPoller("dispatcher", submitQ, dispatcher, pollCfg, logger)
//	poller.Start(ctx)
//	defer poller.Stop()
package jobtier

// JobStatus represents the processing status of an annotation job.
type JobStatus string

const (
	// JobStatusPending indicates the job was submitted and is waiting for a dispatcher.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusRunning indicates a dispatcher claimed the job and the engine is running.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusCompleted indicates the results were uploaded and recorded.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates the engine failed or the job got stuck. Terminal.
	JobStatusFailed JobStatus = "FAILED"
)

// IsTerminal reports whether no worker will move the job status any further.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ArchiveStatus tracks where the result file lives for free-tier jobs.
// The empty value means the job is not subject to archival.
type ArchiveStatus string

const (
	ArchiveStatusNone     ArchiveStatus = ""
	ArchiveStatusPending  ArchiveStatus = "PENDING"
	ArchiveStatusArchived ArchiveStatus = "ARCHIVED"
	ArchiveStatusRestored ArchiveStatus = "RESTORED"
)

// RestoreStatus tracks a vault retrieval started for an upgraded user.
type RestoreStatus string

const (
	RestoreStatusNone       RestoreStatus = ""
	RestoreStatusInProgress RestoreStatus = "IN_PROGRESS"
	RestoreStatusCompleted  RestoreStatus = "COMPLETED"
)

// User roles as carried on submit messages.
const (
	RoleFree    = "free_user"
	RolePremium = "premium_user"
)

// JobKey is the composite primary key of a job record.
type JobKey struct {
	JobID      string
	SubmitTime int64
}

// JobRecord is the single source of truth for a job's progress.
type JobRecord struct {
	JobID         string `json:"job_id" dynamodbav:"job_id"`
	SubmitTime    int64  `json:"submit_time" dynamodbav:"submit_time"`
	UserID        string `json:"user_id" dynamodbav:"user_id"`
	InputFileName string `json:"input_file_name,omitempty" dynamodbav:"input_file_name,omitempty"`
	InputsBucket  string `json:"s3_inputs_bucket" dynamodbav:"s3_inputs_bucket"`
	InputFileKey  string `json:"s3_key_input_file" dynamodbav:"s3_key_input_file"`

	JobStatus     JobStatus `json:"job_status" dynamodbav:"job_status"`
	StartTime     int64     `json:"start_time,omitempty" dynamodbav:"start_time,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty" dynamodbav:"failure_reason,omitempty"`

	ResultsBucket string `json:"s3_results_bucket,omitempty" dynamodbav:"s3_results_bucket,omitempty"`
	ResultFileKey string `json:"s3_key_result_file,omitempty" dynamodbav:"s3_key_result_file,omitempty"`
	LogFileKey    string `json:"s3_key_log_file,omitempty" dynamodbav:"s3_key_log_file,omitempty"`
	CompleteTime  int64  `json:"complete_time,omitempty" dynamodbav:"complete_time,omitempty"`

	ArchiveStatus ArchiveStatus `json:"archive_status" dynamodbav:"archive_status"`
	ArchiveID     string        `json:"results_file_archive_id,omitempty" dynamodbav:"results_file_archive_id,omitempty"`

	RestoreStatus  RestoreStatus `json:"restore_status,omitempty" dynamodbav:"restore_status,omitempty"`
	RestoreJobID   string        `json:"restore_job_id,omitempty" dynamodbav:"restore_job_id,omitempty"`
	RestoreMessage string        `json:"restore_message,omitempty" dynamodbav:"restore_message,omitempty"`
}

// Key returns the record's primary key.
func (r *JobRecord) Key() JobKey {
	return JobKey{JobID: r.JobID, SubmitTime: r.SubmitTime}
}

func cloneRecord(r *JobRecord) *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// CompletionEvent is emitted by the finalizer once a job reached COMPLETED.
type CompletionEvent struct {
	JobID         string    `json:"job_id"`
	SubmitTime    int64     `json:"submit_time"`
	UserID        string    `json:"user_id"`
	UserRole      string    `json:"user_role"`
	Status        JobStatus `json:"status"`
	ResultsBucket string    `json:"results_bucket"`
	ResultFileKey string    `json:"result_file_key"`
	LogFileKey    string    `json:"log_file_key"`
	CompleteTime  int64     `json:"complete_time"`
}

// ResultObjectKey returns the hot-storage key of a result or log file.
func ResultObjectKey(namespace, userID, filename string) string {
	return namespace + "/" + userID + "/" + filename
}

// InputObjectKey returns the hot-storage key of an uploaded input file.
// The job id prefix keeps inputs of one user apart.
func InputObjectKey(namespace, userID, jobID, filename string) string {
	return namespace + "/" + userID + "/" + jobID + "~" + filename
}
