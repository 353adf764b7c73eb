package jobtier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by Receive and Send after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Message is one delivery of a queued message.
type Message struct {
	ID   string
	Body []byte
	// ReceiptHandle identifies this delivery; only the latest receipt can delete.
	ReceiptHandle string
	// ReceiveCount is 1 on first delivery and grows with every redelivery.
	ReceiveCount int
	SentAt       time.Time
}

// Queue is an at-least-once work queue with long-poll receive and
// delete-to-acknowledge semantics. A received message becomes visible again
// after the visibility timeout unless it is deleted.
type Queue interface {
	// Name identifies the queue in logs.
	Name() string

	// Send enqueues body. A positive delay keeps the message invisible for that long.
	Send(ctx context.Context, body []byte, delay time.Duration) (string, error)

	// Receive returns up to max messages, waiting up to wait for at least one.
	// An empty result after the wait is not an error.
	Receive(ctx context.Context, max int, wait time.Duration) ([]*Message, error)

	// Delete acknowledges a delivery. Stale or unknown receipts are ignored.
	Delete(ctx context.Context, receiptHandle string) error

	Close() error
}

// LocalQueue implements Queue on top of a MessageBackend.
// Receivers block on a notification channel until a message is sent, the
// next invisible message becomes visible, or the wait expires.
type LocalQueue struct {
	name       string
	backend    MessageBackend
	visibility time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	waiters   map[uint64]chan struct{}
	nextWaitr uint64
	closed    bool
	closeCh   chan struct{}
}

// NewLocalQueue creates a queue stored in backend under name.
// visibility is how long a received message stays hidden.
func NewLocalQueue(name string, backend MessageBackend, visibility time.Duration, logger *slog.Logger) *LocalQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &LocalQueue{
		name:       name,
		backend:    backend,
		visibility: visibility,
		logger:     logger,
		waiters:    make(map[uint64]chan struct{}),
		closeCh:    make(chan struct{}),
	}
}

// NewMemoryQueue creates a LocalQueue with its own in-memory backend.
func NewMemoryQueue(name string, visibility time.Duration, logger *slog.Logger) *LocalQueue {
	return NewLocalQueue(name, NewInMemoryBackend(), visibility, logger)
}

// Name returns the queue name.
func (q *LocalQueue) Name() string {
	return q.name
}

// Send stores the message and wakes every waiting receiver.
func (q *LocalQueue) Send(ctx context.Context, body []byte, delay time.Duration) (string, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return "", err
	}
	if q.isClosed() {
		return "", ErrQueueClosed
	}

	now := time.Now()
	msg := &storedMessage{
		ID:        uuid.NewString(),
		Body:      append([]byte{}, body...),
		SentAt:    now,
		VisibleAt: now.Add(delay),
	}
	if err := q.backend.PutMessage(ctx, q.name, msg); err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	q.logger.Debug("Send: stored", "queue", q.name, "messageID", msg.ID, "delay", delay)
	q.notifyWaiters()
	return msg.ID, nil
}

// Receive long-polls for up to wait. It never sleeps on a fixed interval:
// it wakes on Send, on the next visibility deadline, or when wait expires.
func (q *LocalQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, fmt.Errorf("max must be > 0, got %d", max)
	}

	id, notifyCh := q.registerWaiter()
	defer q.unregisterWaiter(id)

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if q.isClosed() {
			return nil, ErrQueueClosed
		}
		now := time.Now()
		claimed, next, err := q.backend.ClaimMessages(ctx, q.name, now, max, q.visibility)
		if err != nil {
			return nil, fmt.Errorf("failed to claim messages: %w", err)
		}
		if len(claimed) > 0 {
			out := make([]*Message, 0, len(claimed))
			for _, m := range claimed {
				out = append(out, &Message{
					ID:            m.ID,
					Body:          m.Body,
					ReceiptHandle: m.ID + ":" + m.Token,
					ReceiveCount:  m.ReceiveCount,
					SentAt:        m.SentAt,
				})
			}
			q.logger.Debug("Receive: delivered", "queue", q.name, "count", len(out))
			return out, nil
		}

		if done, err := q.waitForWork(ctx, deadline.C, notifyCh, next.Sub(now), !next.IsZero()); done {
			return nil, err
		}
	}
}

// waitForWork blocks until something may have become receivable. It reports
// done when Receive should return with err instead of claiming again.
func (q *LocalQueue) waitForWork(ctx context.Context, deadline <-chan time.Time, notifyCh <-chan struct{}, untilVisible time.Duration, hasInvisible bool) (bool, error) {
	var visibleCh <-chan time.Time
	if hasInvisible {
		t := time.NewTimer(untilVisible)
		defer t.Stop()
		visibleCh = t.C
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-q.closeCh:
		return true, ErrQueueClosed
	case <-deadline:
		return true, nil
	case <-notifyCh:
		return false, nil
	case <-visibleCh:
		return false, nil
	}
}

// Delete acknowledges a delivery.
func (q *LocalQueue) Delete(ctx context.Context, receiptHandle string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	id, token, ok := strings.Cut(receiptHandle, ":")
	if !ok {
		return fmt.Errorf("malformed receipt handle %q", receiptHandle)
	}
	if err := q.backend.DeleteMessage(ctx, q.name, id, token); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// Len returns the number of messages stored in the queue, including in-flight ones.
func (q *LocalQueue) Len(ctx context.Context) (int, error) {
	return q.backend.CountMessages(ctx, q.name)
}

// Close wakes all receivers. The backend is owned by the caller and stays open.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closeCh)
	return nil
}

func (q *LocalQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *LocalQueue) registerWaiter() (uint64, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextWaitr
	q.nextWaitr++
	ch := make(chan struct{}, 1)
	q.waiters[id] = ch
	return id, ch
}

func (q *LocalQueue) unregisterWaiter(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.waiters, id)
}

// notifyWaiters sends at most one pending notification per waiter.
func (q *LocalQueue) notifyWaiters() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func newToken() string {
	return uuid.NewString()
}
