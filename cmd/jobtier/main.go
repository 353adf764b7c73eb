package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VsevolodSauta/jobtier"
)

var (
	logFormat string
	logLevel  string
	backend   string
	engine    string

	cfg    *jobtier.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jobtier",
	Short: "Annotation job workers with hot and cold result storage",
	Long: `jobtier runs the workers of the annotation pipeline. Each worker reads
one queue; "run" hosts all of them in a single process.

Configuration is read from JOBTIER_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logFormat, logLevel)
		if err != nil {
			return err
		}
		logger = l
		cfg = jobtier.LoadConfig()
		if backend != "" {
			cfg.Backend = backend
		}
		if engine != "" {
			cfg.Engine = engine
		}
		return nil
	},
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withStack opens the configured stack around fn.
func withStack(fn func(ctx context.Context, s *stack) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	s, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close backend", "error", err)
		}
	}()
	return fn(ctx, s)
}

func newPoller(name string, q jobtier.Queue, h jobtier.Handler, s *stack) *jobtier.Poller {
	return jobtier.NewPoller(name, q, h, cfg.PollerConfig(s.deadLetter), logger)
}

func dispatcherPoller(s *stack) (*jobtier.Poller, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	eng, err := s.engine(cfg, self, logger)
	if err != nil {
		return nil, err
	}
	d := jobtier.NewDispatcher(s.store, s.blobs, eng, cfg.DispatcherConfig(), logger)
	// One job at a time per dispatcher; scale out with more processes.
	pc := cfg.PollerConfig(s.deadLetter)
	pc.MaxMessages = 1
	return jobtier.NewPoller("dispatcher", s.submitQueue, d, pc, logger), nil
}

func archiverPoller(s *stack) *jobtier.Poller {
	a := jobtier.NewArchiver(s.store, s.blobs, s.vault, cfg.ArchiverConfig(), logger)
	return newPoller("archiver", s.archiveQueue, a, s)
}

func thawPoller(s *stack) *jobtier.Poller {
	t := jobtier.NewThawInitiator(s.store, s.vault, cfg.ThawConfig(s.notificationTarget), logger)
	return newPoller("thaw", s.thawQueue, t, s)
}

func restorePoller(s *stack) *jobtier.Poller {
	r := jobtier.NewRestoreHandler(s.store, s.blobs, s.vault, cfg.RestoreConfig(), logger)
	return newPoller("restore", s.restoreQueue, r, s)
}

// pollerCmd builds a subcommand that runs a single worker.
func pollerCmd(use, short string, build func(s *stack) (*jobtier.Poller, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				p, err := build(s)
				if err != nil {
					return err
				}
				return p.Run(ctx)
			})
		},
	}
}

var dispatcherCmd = pollerCmd("dispatcher", "Claim submitted jobs and run the annotation engine", dispatcherPoller)

var archiverCmd = pollerCmd("archiver", "Move free-tier results into the vault", func(s *stack) (*jobtier.Poller, error) {
	return archiverPoller(s), nil
})

var thawCmd = pollerCmd("thaw", "Start vault retrievals for upgraded users", func(s *stack) (*jobtier.Poller, error) {
	if err := s.requireSharedVault("thaw"); err != nil {
		return nil, err
	}
	return thawPoller(s), nil
})

var restoreCmd = pollerCmd("restore", "Write retrieved results back to hot storage", func(s *stack) (*jobtier.Poller, error) {
	if err := s.requireSharedVault("restore"); err != nil {
		return nil, err
	}
	return restorePoller(s), nil
})

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Fail jobs stuck in RUNNING",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return withStack(func(ctx context.Context, s *stack) error {
			j := jobtier.NewJanitor(s.store, cfg.JanitorConfig(), logger)
			if once {
				n, err := j.SweepStuckJobs(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Failed %d stuck job(s)\n", n)
				return nil
			}
			j.Watch(ctx)
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every worker in one process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(func(ctx context.Context, s *stack) error {
			dispatcher, err := dispatcherPoller(s)
			if err != nil {
				return err
			}
			pollers := []*jobtier.Poller{dispatcher, archiverPoller(s), thawPoller(s), restorePoller(s)}
			janitor := jobtier.NewJanitor(s.store, cfg.JanitorConfig(), logger)

			g, gctx := errgroup.WithContext(ctx)
			for _, p := range pollers {
				g.Go(func() error { return p.Run(gctx) })
			}
			g.Go(func() error {
				janitor.Watch(gctx)
				return nil
			})
			if s.localVault != nil {
				g.Go(func() error { return s.localVault.Run(gctx, cfg.VaultPollInterval) })
			}
			logger.Info("all workers started", "backend", cfg.Backend, "engine", cfg.Engine)
			return g.Wait()
		})
	},
}

var annotateCmd = &cobra.Command{
	Use:   "annotate input-file",
	Short: "Annotate one input and finalize the job (engine child entry point)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		jobID, _ := flags.GetString("job-id")
		userID, _ := flags.GetString("user-id")
		submitTime, _ := flags.GetInt64("submit-time")
		role, _ := flags.GetString("role")
		workspace, _ := flags.GetString("workspace")
		if workspace == "" {
			workspace = filepath.Dir(args[0])
		}

		return withStack(func(ctx context.Context, s *stack) error {
			jc := jobtier.JobContext{
				JobID:      jobID,
				UserID:     userID,
				UserRole:   role,
				SubmitTime: submitTime,
				Workspace:  workspace,
			}
			return jobtier.RunAnnotation(ctx, s.annotator(cfg, logger), s.finalizer(cfg, logger), args[0], jc)
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit input-file",
	Short: "Submit an annotation job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		userID, _ := flags.GetString("user-id")
		role, _ := flags.GetString("role")
		jobID, _ := flags.GetString("job-id")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		return withStack(func(ctx context.Context, s *stack) error {
			sub := jobtier.NewSubmitter(s.store, s.blobs, s.submitQueue, s.thawQueue, cfg.SubmitterConfig(), logger)
			rec, err := sub.Submit(ctx, jobtier.SubmitRequest{
				JobID:    jobID,
				UserID:   userID,
				UserRole: role,
				FileName: filepath.Base(args[0]),
				Input:    data,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Job submitted: %s (submit_time %d)\n", rec.JobID, rec.SubmitTime)
			return nil
		})
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Announce that a user became premium",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		return withStack(func(ctx context.Context, s *stack) error {
			sub := jobtier.NewSubmitter(s.store, s.blobs, s.submitQueue, s.thawQueue, cfg.SubmitterConfig(), logger)
			if err := sub.RequestUpgrade(ctx, userID); err != nil {
				return err
			}
			fmt.Printf("Upgrade requested for %s\n", userID)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status job-id submit-time",
	Short: "Show a job record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var submitTime int64
		if _, err := fmt.Sscanf(args[1], "%d", &submitTime); err != nil {
			return fmt.Errorf("invalid submit time %q", args[1])
		}
		return withStack(func(ctx context.Context, s *stack) error {
			rec, err := s.store.GetJob(ctx, jobtier.JobKey{JobID: args[0], SubmitTime: submitTime})
			if err != nil {
				return err
			}
			body, err := jobtier.EncodeMessage(rec)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&backend, "backend", "", "storage backend: memory, badger, sqlite, postgres or aws (overrides JOBTIER_BACKEND)")
	pf.StringVar(&engine, "engine", "", "annotation engine: local or process (overrides JOBTIER_ENGINE)")

	janitorCmd.Flags().Bool("once", false, "sweep once and exit")

	af := annotateCmd.Flags()
	af.String("job-id", "", "job id")
	af.String("user-id", "", "owner of the job")
	af.Int64("submit-time", 0, "submit time of the job (epoch seconds)")
	af.String("role", "", "role of the owner")
	af.String("workspace", "", "job workspace (default: directory of the input)")
	annotateCmd.MarkFlagRequired("job-id")
	annotateCmd.MarkFlagRequired("user-id")
	annotateCmd.MarkFlagRequired("submit-time")

	sf := submitCmd.Flags()
	sf.String("user-id", "", "owner of the job")
	sf.String("role", jobtier.RoleFree, "role of the owner: free_user or premium_user")
	sf.String("job-id", "", "job id (default: generated)")
	submitCmd.MarkFlagRequired("user-id")

	upgradeCmd.Flags().String("user-id", "", "user who upgraded")
	upgradeCmd.MarkFlagRequired("user-id")

	rootCmd.AddCommand(dispatcherCmd, archiverCmd, thawCmd, restoreCmd, janitorCmd, runCmd,
		annotateCmd, submitCmd, upgradeCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
