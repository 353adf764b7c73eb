package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/VsevolodSauta/jobtier"
	"github.com/VsevolodSauta/jobtier/awsbackend"
)

// localNotificationTarget names the restore queue inside the local vault.
const localNotificationTarget = "restore"

// messageStore is what the local backends offer: job records and queue
// messages in one database.
type messageStore interface {
	jobtier.JobStore
	jobtier.MessageBackend
}

// stack is the set of collaborators shared by every worker.
type stack struct {
	store     jobtier.JobStore
	blobs     jobtier.BlobStore
	vault     jobtier.Vault
	publisher jobtier.EventPublisher

	// localVault is set when retrievals are simulated in process.
	localVault         *jobtier.LocalVault
	notificationTarget string

	submitQueue  jobtier.Queue
	archiveQueue jobtier.Queue
	thawQueue    jobtier.Queue
	restoreQueue jobtier.Queue
	deadLetter   jobtier.Queue

	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStack builds the collaborators for cfg.Backend.
func openStack(ctx context.Context, cfg *jobtier.Config, logger *slog.Logger) (*stack, error) {
	if cfg.Backend == "aws" {
		return openAWSStack(ctx, cfg, logger)
	}

	var ms messageStore
	var err error
	switch cfg.Backend {
	case "memory":
		ms = jobtier.NewInMemoryBackend()
	case "badger":
		ms, err = jobtier.NewBadgerBackend(filepath.Join(cfg.DataDir, "badger"), logger)
	case "sqlite":
		ms, err = openSQLite(cfg.SQLitePath, logger)
	case "postgres":
		ms, err = jobtier.NewPostgresStore(ctx, jobtier.PostgresConfig{DSN: cfg.PostgresDSN}, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}

	s := &stack{store: ms, notificationTarget: localNotificationTarget}
	s.closers = append(s.closers, ms.Close)

	if cfg.Backend == "memory" {
		s.blobs = jobtier.NewMemoryBlobStore()
	} else {
		fb, err := jobtier.NewFileBlobStore(filepath.Join(cfg.DataDir, "blobs"))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.blobs = fb
	}

	newQueue := func(name string) *jobtier.LocalQueue {
		q := jobtier.NewLocalQueue(name, ms, cfg.VisibilityTimeout, logger)
		s.closers = append(s.closers, q.Close)
		return q
	}
	s.submitQueue = newQueue("submit")
	s.archiveQueue = newQueue("archive")
	s.thawQueue = newQueue("thaw")
	s.restoreQueue = newQueue("restore")
	s.deadLetter = newQueue("dead-letter")

	s.localVault = jobtier.NewLocalVault(cfg.VaultName, s.blobs, logger,
		jobtier.WithExpeditedCapacity(cfg.ExpeditedCapacity),
		jobtier.WithNotificationTarget(localNotificationTarget, s.restoreQueue),
	)
	s.vault = s.localVault
	s.publisher = jobtier.NewArchiveRequestPublisher(s.archiveQueue, cfg.ArchiveDelay, logger)
	return s, nil
}

func openAWSStack(ctx context.Context, cfg *jobtier.Config, logger *slog.Logger) (*stack, error) {
	st, err := awsbackend.NewStack(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &stack{
		store:              st.Store,
		blobs:              st.Blobs,
		vault:              st.Vault,
		publisher:          st.Publisher,
		notificationTarget: cfg.AWS.RestoreTopicARN,
		submitQueue:        st.SubmitQueue,
		archiveQueue:       st.ArchiveQueue,
		thawQueue:          st.ThawQueue,
		restoreQueue:       st.RestoreQueue,
		deadLetter:         st.DeadLetter,
	}
	s.closers = append(s.closers, st.Store.Close)
	return s, nil
}

// requireSharedVault rejects standalone thaw and restore workers on the
// local vault, whose retrievals only exist inside one process.
func (s *stack) requireSharedVault(command string) error {
	if s.localVault != nil {
		return fmt.Errorf("%s needs a shared vault; use the run command with local backends", command)
	}
	return nil
}

func (s *stack) annotator(cfg *jobtier.Config, logger *slog.Logger) jobtier.Annotator {
	if len(cfg.AnnotatorCommand) == 0 {
		return jobtier.PassthroughAnnotator{}
	}
	return &jobtier.CommandAnnotator{Command: cfg.AnnotatorCommand, Runner: jobtier.NewExecRunner(logger)}
}

func (s *stack) finalizer(cfg *jobtier.Config, logger *slog.Logger) *jobtier.Finalizer {
	return jobtier.NewFinalizer(s.store, s.blobs, s.publisher, cfg.FinalizeConfig(), logger)
}

// engine returns the annotation engine for cfg.Engine. The process engine
// re-executes this binary with the annotate command.
func (s *stack) engine(cfg *jobtier.Config, self string, logger *slog.Logger) (jobtier.AnnotationEngine, error) {
	switch cfg.Engine {
	case "local":
		return &jobtier.LocalEngine{Annotator: s.annotator(cfg, logger), Finalizer: s.finalizer(cfg, logger)}, nil
	case "process":
		if cfg.Backend == "memory" || cfg.Backend == "badger" {
			return nil, fmt.Errorf("engine %q cannot share the %s backend with a child process", cfg.Engine, cfg.Backend)
		}
		return &jobtier.ProcessEngine{
			Command: []string{self, "annotate", "--backend", cfg.Backend},
			Runner:  jobtier.NewExecRunner(logger),
			Logger:  logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}
