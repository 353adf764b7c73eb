package jobtier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// JobContext carries what the engine needs to know about the job it runs.
type JobContext struct {
	JobID      string
	UserID     string
	UserRole   string
	SubmitTime int64
	// Workspace is the per-job directory holding the input and the artifacts.
	Workspace string
}

// Key returns the job record key.
func (jc JobContext) Key() JobKey {
	return JobKey{JobID: jc.JobID, SubmitTime: jc.SubmitTime}
}

// ExitOutcome is the result of one engine run. Only ExitCode decides success;
// the captured output is kept for diagnostics.
type ExitOutcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the engine exited zero.
func (o *ExitOutcome) Success() bool {
	return o != nil && o.ExitCode == 0
}

// AnnotationEngine runs the annotation of one job to completion.
// A successful run has already committed the COMPLETED transition.
type AnnotationEngine interface {
	Run(ctx context.Context, inputPath string, jc JobContext) (*ExitOutcome, error)
}

// EngineFunc adapts a function to AnnotationEngine.
type EngineFunc func(ctx context.Context, inputPath string, jc JobContext) (*ExitOutcome, error)

func (f EngineFunc) Run(ctx context.Context, inputPath string, jc JobContext) (*ExitOutcome, error) {
	return f(ctx, inputPath, jc)
}

// CommandRunner lets tests stub external commands.
type CommandRunner interface {
	// Run executes name and waits for it. A non-zero exit is reported through
	// exitCode with a nil error; err is set only if the command could not run.
	Run(name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

type execRunner struct {
	logger *slog.Logger
}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner(logger *slog.Logger) CommandRunner {
	return execRunner{logger: logger}
}

// Run starts the command without a cancellable context: once started, a
// child runs to completion even if the worker is asked to stop.
func (r execRunner) Run(name string, args ...string) ([]byte, []byte, int, error) {
	start := time.Now()

	cmd := exec.Command(name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.logger.Warn("command exited non-zero",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"exit_code", exitErr.ExitCode(),
			"stderr", truncate(errb.String(), 8<<10),
		)
		return out.Bytes(), errb.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		r.logger.Error("exec failed", "cmd", name, "error", err)
		return out.Bytes(), errb.Bytes(), -1, err
	}
	r.logger.Debug("exec ok",
		"cmd", name,
		"args", strings.Join(args, " "),
		"duration_ms", dur.Milliseconds(),
		"stdout_bytes", out.Len(),
		"stderr_bytes", errb.Len(),
	)
	return out.Bytes(), errb.Bytes(), 0, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// tail keeps the last max bytes of s.
func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// ProcessEngine runs each job in a child process, normally
// "jobtier annotate", and judges it by the exit code alone.
type ProcessEngine struct {
	// Command is the executable followed by its leading arguments.
	Command []string
	Runner  CommandRunner
	Logger  *slog.Logger
}

// Run spawns the child and waits for it.
func (e *ProcessEngine) Run(ctx context.Context, inputPath string, jc JobContext) (*ExitOutcome, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	args := append([]string{}, e.Command[1:]...)
	args = append(args,
		"--job-id", jc.JobID,
		"--user-id", jc.UserID,
		"--submit-time", strconv.FormatInt(jc.SubmitTime, 10),
		"--role", jc.UserRole,
		"--workspace", jc.Workspace,
		inputPath,
	)

	start := time.Now()
	stdout, stderr, code, err := e.Runner.Run(e.Command[0], args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	outcome := &ExitOutcome{
		ExitCode: code,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}
	e.Logger.Debug("engine exited", "jobID", jc.JobID, "exitCode", code, "duration", outcome.Duration)
	return outcome, nil
}

// Annotator produces the result and log artifacts for one input file.
type Annotator interface {
	Annotate(ctx context.Context, inputPath, workspace string) error
}

// ArtifactNames returns the result and log file names produced for an input file.
func ArtifactNames(inputPath string) (result, log string) {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + resultSuffix, stem + logSuffix
}

const (
	resultSuffix = ".annot.vcf"
	logSuffix    = ".log"
)

// CommandAnnotator runs an external annotation tool with the input path as
// its last argument. The tool must write its artifacts into the input's directory.
type CommandAnnotator struct {
	Command []string
	Runner  CommandRunner
}

func (a *CommandAnnotator) Annotate(ctx context.Context, inputPath, workspace string) error {
	if len(a.Command) == 0 {
		return fmt.Errorf("annotator command is empty")
	}
	args := append(append([]string{}, a.Command[1:]...), inputPath)
	_, stderr, code, err := a.Runner.Run(a.Command[0], args...)
	if err != nil {
		return fmt.Errorf("failed to run annotator: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("annotator exited with code %d: %s", code, tail(string(stderr), 512))
	}
	return nil
}

// PassthroughAnnotator copies the input into the result artifact and writes
// a short log. It stands in for a real tool in local runs.
type PassthroughAnnotator struct{}

func (PassthroughAnnotator) Annotate(ctx context.Context, inputPath, workspace string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	resultName, logName := ArtifactNames(inputPath)
	annotated := append([]byte("##annotated=passthrough\n"), data...)
	if err := os.WriteFile(filepath.Join(workspace, resultName), annotated, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	logText := fmt.Sprintf("input=%s\nbytes=%d\nfinished=%s\n", filepath.Base(inputPath), len(data), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(workspace, logName), []byte(logText), 0o644); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// RunAnnotation annotates the input and finalizes the job. It is the body of
// both the child-process entry point and LocalEngine.
func RunAnnotation(ctx context.Context, annotator Annotator, finalizer *Finalizer, inputPath string, jc JobContext) error {
	if err := annotator.Annotate(ctx, inputPath, jc.Workspace); err != nil {
		return fmt.Errorf("annotation failed: %w", err)
	}
	if _, err := finalizer.Finalize(ctx, jc); err != nil {
		return fmt.Errorf("finalize failed: %w", err)
	}
	return nil
}

// LocalEngine annotates and finalizes inside the worker process. It serves
// deployments whose embedded store cannot be opened by a second process.
type LocalEngine struct {
	Annotator Annotator
	Finalizer *Finalizer
}

func (e *LocalEngine) Run(ctx context.Context, inputPath string, jc JobContext) (*ExitOutcome, error) {
	start := time.Now()
	if err := RunAnnotation(ctx, e.Annotator, e.Finalizer, inputPath, jc); err != nil {
		return &ExitOutcome{ExitCode: 1, Stderr: err.Error(), Duration: time.Since(start)}, nil
	}
	return &ExitOutcome{ExitCode: 0, Duration: time.Since(start)}, nil
}
