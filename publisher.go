package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventPublisher forwards completion events downstream. Publishing is best
// effort: a failure never rolls back the COMPLETED state.
type EventPublisher interface {
	PublishCompletion(ctx context.Context, event CompletionEvent) error
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, event CompletionEvent) error

func (f PublisherFunc) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	return f(ctx, event)
}

// ArchiveRequestPublisher turns completion events of free-tier jobs into
// archive requests. The delay gives the user a window to download the
// result before it moves to the vault.
type ArchiveRequestPublisher struct {
	queue  Queue
	delay  time.Duration
	logger *slog.Logger
}

// NewArchiveRequestPublisher creates a publisher sending to queue after delay.
func NewArchiveRequestPublisher(queue Queue, delay time.Duration, logger *slog.Logger) *ArchiveRequestPublisher {
	return &ArchiveRequestPublisher{queue: queue, delay: delay, logger: logger}
}

// PublishCompletion enqueues an archive request for free-tier jobs only.
func (p *ArchiveRequestPublisher) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	if event.UserRole != RoleFree {
		p.logger.Debug("not archiving job of non-free user", "jobID", event.JobID, "role", event.UserRole)
		return nil
	}
	body, err := EncodeMessage(ArchiveRequest{
		JobID:      event.JobID,
		UserID:     event.UserID,
		SubmitTime: EpochSeconds(event.SubmitTime),
	})
	if err != nil {
		return err
	}
	id, err := p.queue.Send(ctx, body, p.delay)
	if err != nil {
		return fmt.Errorf("failed to enqueue archive request: %w", err)
	}
	p.logger.Debug("archive request enqueued", "jobID", event.JobID, "messageID", id, "delay", p.delay)
	return nil
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []EventPublisher

func (m MultiPublisher) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishCompletion(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
