package jobtier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Disposition tells the Poller what to do with a handled message.
type Disposition int

const (
	// Ack deletes the message from the queue.
	Ack Disposition = iota
	// Retain leaves the message for redelivery after the visibility timeout.
	Retain
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}
	return "retain"
}

// Handler processes one queue message. Handlers must be idempotent: a
// message may be delivered more than once, to different workers.
type Handler interface {
	Handle(ctx context.Context, msg *Message) Disposition
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) Disposition

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) Disposition {
	return f(ctx, msg)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// MaxMessages is the receive batch size (default: 1).
	MaxMessages int
	// WaitTime bounds each long-poll receive (default: 20s).
	WaitTime time.Duration
	// MaxReceives moves a message to DeadLetter once it was received more
	// often than this. Zero disables dead-lettering.
	MaxReceives int
	// DeadLetter receives poisoned messages. If nil they are dropped with an error log.
	DeadLetter Queue
	// ErrorBackoff is the base delay after a failed receive (default: 1s).
	ErrorBackoff time.Duration
	// Concurrency is the number of receive loops (default: 1).
	Concurrency int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 1
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// 1s * 2^6 ~ one minute between failed receives at most
const maxBackoffMultiplier = 64

// Poller runs a Handler against a Queue until stopped. The long-poll
// receive is the only place a loop waits.
type Poller struct {
	name    string
	queue   Queue
	handler Handler
	config  PollerConfig
	logger  *slog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

// NewPoller creates a poller named name (used in logs).
func NewPoller(name string, queue Queue, handler Handler, cfg PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		name:    name,
		queue:   queue,
		handler: handler,
		config:  cfg.withDefaults(),
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the poller in the background. It returns immediately; a
// second call is ignored.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("poller already started", "poller", p.name)
		return
	}
	p.started = true
	p.mu.Unlock()
	go func() {
		defer close(p.doneCh)
		if err := p.Run(ctx); err != nil {
			p.logger.Error("poller stopped with error", "poller", p.name, "error", err)
		}
	}()
}

// Stop signals the poller to stop and waits until the batch in flight has
// been handled. No further receives are made after Stop.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.doneCh
	}
}

// Run blocks until ctx is done or Stop is called.
func (p *Poller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.logger.Info("poller started", "poller", p.name, "queue", p.queue.Name(), "concurrency", p.config.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i + 1)
	}
	wg.Wait()
	p.logger.Info("poller stopped", "poller", p.name)
	return nil
}

func (p *Poller) loop(ctx context.Context, id int) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := p.PollOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		backoff := p.backoff(failures)
		p.logger.Warn("receive failed", "poller", p.name, "loop", id, "failures", failures, "backoff", backoff, "error", err)
		if sleepContext(ctx, backoff) != nil {
			return
		}
	}
}

// backoff grows exponentially with jitter between 0.8 and 1.2 times the value.
func (p *Poller) backoff(failures int) time.Duration {
	multiplier := math.Pow(2, float64(failures-1))
	if multiplier > maxBackoffMultiplier {
		multiplier = maxBackoffMultiplier
	}
	return time.Duration(jitter(float64(p.config.ErrorBackoff) * multiplier))
}

func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.2*2*val
}

// PollOnce performs one receive and handles what it got. It returns the
// number of messages handled.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.queue.Receive(ctx, p.config.MaxMessages, p.config.WaitTime)
	if err != nil {
		return 0, fmt.Errorf("failed to receive from %s: %w", p.queue.Name(), err)
	}
	for _, msg := range msgs {
		// Handlers finish even if the poller is stopped meanwhile.
		p.process(context.WithoutCancel(ctx), msg)
	}
	return len(msgs), nil
}

func (p *Poller) process(ctx context.Context, msg *Message) {
	if p.config.MaxReceives > 0 && msg.ReceiveCount > p.config.MaxReceives {
		p.deadLetter(ctx, msg)
		return
	}

	disposition := p.safeHandle(ctx, msg)
	p.logger.Debug("message handled", "poller", p.name, "messageID", msg.ID, "receiveCount", msg.ReceiveCount, "disposition", disposition.String())
	if disposition != Ack {
		return
	}
	if err := p.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		p.logger.Error("failed to delete message", "poller", p.name, "messageID", msg.ID, "error", err)
	}
}

func (p *Poller) safeHandle(ctx context.Context, msg *Message) (d Disposition) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "poller", p.name, "messageID", msg.ID, "panic", r)
			d = Retain
		}
	}()
	return p.handler.Handle(ctx, msg)
}

func (p *Poller) deadLetter(ctx context.Context, msg *Message) {
	if p.config.DeadLetter != nil {
		if _, err := p.config.DeadLetter.Send(ctx, msg.Body, 0); err != nil {
			p.logger.Error("failed to dead-letter message", "poller", p.name, "messageID", msg.ID, "error", err)
			return
		}
		p.logger.Warn("message dead-lettered", "poller", p.name, "messageID", msg.ID, "receiveCount", msg.ReceiveCount, "deadLetter", p.config.DeadLetter.Name())
	} else {
		p.logger.Error("dropping message after too many receives", "poller", p.name, "messageID", msg.ID, "receiveCount", msg.ReceiveCount, "body", truncate(string(msg.Body), 1024))
	}
	if err := p.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		p.logger.Error("failed to delete dead-lettered message", "poller", p.name, "messageID", msg.ID, "error", err)
	}
}
