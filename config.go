package jobtier

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents jobtier configuration shared by every worker process.
// Each worker receives the part it needs through its own config struct.
type Config struct {
	// OperatorNamespace prefixes every input and result object key (default: "jobtier").
	OperatorNamespace string
	InputsBucket      string
	ResultsBucket     string
	VaultName         string

	// JobsRoot is the parent of the per-job workspaces.
	JobsRoot string
	// DataDir holds the embedded database and the file blob store.
	DataDir string

	// Backend selects the storage stack: memory, badger, sqlite, postgres or aws.
	Backend     string
	SQLitePath  string
	PostgresDSN string

	// Engine selects how jobs run: "local" (in-process) or "process" (child process).
	Engine string
	// AnnotatorCommand is the external annotation tool; empty means passthrough.
	AnnotatorCommand []string

	QueueWaitTime     time.Duration
	VisibilityTimeout time.Duration
	MaxReceives       int
	MaxAttempts       int
	ReceiveBatchSize  int
	ArchiveDelay      time.Duration
	StuckAfter        time.Duration
	JanitorInterval   time.Duration
	VaultPollInterval time.Duration

	// Local vault capacity for expedited retrievals; negative is unlimited.
	ExpeditedCapacity int

	AWS AWSConfig
}

// AWSConfig names the managed resources used by the aws backend.
type AWSConfig struct {
	Region                 string
	JobsTable              string
	UserIndex              string
	SubmitQueueURL         string
	ArchiveQueueURL        string
	ThawQueueURL           string
	RestoreQueueURL        string
	DeadLetterQueueURL     string
	CompletionTopicARN     string
	RestoreTopicARN        string
	ArchiveStateMachineARN string
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - JOBTIER_NAMESPACE, JOBTIER_INPUTS_BUCKET, JOBTIER_RESULTS_BUCKET, JOBTIER_VAULT
//   - JOBTIER_JOBS_ROOT, JOBTIER_DATA_DIR
//   - JOBTIER_BACKEND, JOBTIER_SQLITE_PATH, JOBTIER_POSTGRES_DSN
//   - JOBTIER_ENGINE, JOBTIER_ANNOTATOR (space separated command)
//   - JOBTIER_QUEUE_WAIT, JOBTIER_VISIBILITY_TIMEOUT, JOBTIER_MAX_RECEIVES,
//     JOBTIER_MAX_ATTEMPTS, JOBTIER_BATCH_SIZE
//   - JOBTIER_ARCHIVE_DELAY, JOBTIER_STUCK_AFTER, JOBTIER_JANITOR_INTERVAL,
//     JOBTIER_VAULT_POLL_INTERVAL, JOBTIER_EXPEDITED_CAPACITY
//   - JOBTIER_AWS_* for the aws backend
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "1" = 1 day)
//   - Duration string (e.g., "20s", "5m", "2h")
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	dataDir := getEnv("JOBTIER_DATA_DIR", "./data")
	cfg := &Config{
		OperatorNamespace: getEnv("JOBTIER_NAMESPACE", "jobtier"),
		InputsBucket:      getEnv("JOBTIER_INPUTS_BUCKET", "inputs"),
		ResultsBucket:     getEnv("JOBTIER_RESULTS_BUCKET", "results"),
		VaultName:         getEnv("JOBTIER_VAULT", "results-vault"),

		JobsRoot: getEnv("JOBTIER_JOBS_ROOT", filepath.Join(dataDir, "jobs")),
		DataDir:  dataDir,

		Backend:     getEnv("JOBTIER_BACKEND", "badger"),
		SQLitePath:  getEnv("JOBTIER_SQLITE_PATH", filepath.Join(dataDir, "jobs.db")),
		PostgresDSN: getEnv("JOBTIER_POSTGRES_DSN", ""),

		Engine:           getEnv("JOBTIER_ENGINE", "local"),
		AnnotatorCommand: strings.Fields(getEnv("JOBTIER_ANNOTATOR", "")),

		QueueWaitTime:     getEnvDuration("JOBTIER_QUEUE_WAIT", 20*time.Second),
		VisibilityTimeout: getEnvDuration("JOBTIER_VISIBILITY_TIMEOUT", 10*time.Minute),
		MaxReceives:       getEnvInt("JOBTIER_MAX_RECEIVES", 10),
		MaxAttempts:       getEnvInt("JOBTIER_MAX_ATTEMPTS", 3),
		ReceiveBatchSize:  getEnvInt("JOBTIER_BATCH_SIZE", 10),
		ArchiveDelay:      getEnvDuration("JOBTIER_ARCHIVE_DELAY", 5*time.Minute),
		StuckAfter:        getEnvDuration("JOBTIER_STUCK_AFTER", 2*time.Hour),
		JanitorInterval:   getEnvDuration("JOBTIER_JANITOR_INTERVAL", 10*time.Minute),
		VaultPollInterval: getEnvDuration("JOBTIER_VAULT_POLL_INTERVAL", time.Second),
		ExpeditedCapacity: getEnvInt("JOBTIER_EXPEDITED_CAPACITY", -1),

		AWS: AWSConfig{
			Region:                 getEnv("JOBTIER_AWS_REGION", "us-east-1"),
			JobsTable:              getEnv("JOBTIER_AWS_JOBS_TABLE", "annotations"),
			UserIndex:              getEnv("JOBTIER_AWS_USER_INDEX", "user_id_index"),
			SubmitQueueURL:         getEnv("JOBTIER_AWS_SUBMIT_QUEUE_URL", ""),
			ArchiveQueueURL:        getEnv("JOBTIER_AWS_ARCHIVE_QUEUE_URL", ""),
			ThawQueueURL:           getEnv("JOBTIER_AWS_THAW_QUEUE_URL", ""),
			RestoreQueueURL:        getEnv("JOBTIER_AWS_RESTORE_QUEUE_URL", ""),
			DeadLetterQueueURL:     getEnv("JOBTIER_AWS_DEAD_LETTER_QUEUE_URL", ""),
			CompletionTopicARN:     getEnv("JOBTIER_AWS_COMPLETION_TOPIC_ARN", ""),
			RestoreTopicARN:        getEnv("JOBTIER_AWS_RESTORE_TOPIC_ARN", ""),
			ArchiveStateMachineARN: getEnv("JOBTIER_AWS_ARCHIVE_STATE_MACHINE_ARN", ""),
		},
	}

	return cfg
}

// DispatcherConfig returns the Dispatcher settings.
func (c *Config) DispatcherConfig() DispatcherConfig {
	return DispatcherConfig{JobsRoot: c.JobsRoot, MaxAttempts: c.MaxAttempts}
}

// FinalizeConfig returns the finalize settings.
func (c *Config) FinalizeConfig() FinalizeConfig {
	return FinalizeConfig{OperatorNamespace: c.OperatorNamespace, ResultsBucket: c.ResultsBucket}
}

// ArchiverConfig returns the Archiver settings.
func (c *Config) ArchiverConfig() ArchiverConfig {
	return ArchiverConfig{OperatorNamespace: c.OperatorNamespace, ResultsBucket: c.ResultsBucket}
}

// ThawConfig returns the ThawInitiator settings. target names where the
// vault delivers retrieval notifications.
func (c *Config) ThawConfig(target string) ThawConfig {
	return ThawConfig{NotificationTarget: target, ResultsBucket: c.ResultsBucket}
}

// RestoreConfig returns the RestoreHandler settings.
func (c *Config) RestoreConfig() RestoreConfig {
	return RestoreConfig{OperatorNamespace: c.OperatorNamespace, ResultsBucket: c.ResultsBucket}
}

// SubmitterConfig returns the Submitter settings.
func (c *Config) SubmitterConfig() SubmitterConfig {
	return SubmitterConfig{OperatorNamespace: c.OperatorNamespace, InputsBucket: c.InputsBucket}
}

// JanitorConfig returns the Janitor settings.
func (c *Config) JanitorConfig() JanitorConfig {
	return JanitorConfig{StuckAfter: c.StuckAfter, Interval: c.JanitorInterval}
}

// PollerConfig returns the Poller settings; deadLetter may be nil.
func (c *Config) PollerConfig(deadLetter Queue) PollerConfig {
	return PollerConfig{
		MaxMessages: c.ReceiveBatchSize,
		WaitTime:    c.QueueWaitTime,
		MaxReceives: c.MaxReceives,
		DeadLetter:  deadLetter,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
