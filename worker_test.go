package jobtier_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Poller", func() {
	const visibility = 100 * time.Millisecond

	var (
		ctx   context.Context
		queue *jobtier.LocalQueue
	)

	BeforeEach(func() {
		ctx = context.Background()
		queue = jobtier.NewMemoryQueue("work", visibility, testLogger())
	})

	AfterEach(func() {
		_ = queue.Close()
	})

	send := func(body string) {
		_, err := queue.Send(ctx, []byte(body), 0)
		Expect(err).NotTo(HaveOccurred())
	}

	pollCfg := jobtier.PollerConfig{MaxMessages: 10, WaitTime: 50 * time.Millisecond}

	It("should delete acknowledged messages", func() {
		send("a")
		send("b")
		var seen []string
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			seen = append(seen, string(msg.Body))
			return jobtier.Ack
		}), pollCfg, testLogger())

		Expect(poller.PollOnce(ctx)).To(Equal(2))
		Expect(seen).To(ConsistOf("a", "b"))
		Expect(queue.Len(ctx)).To(Equal(0))
	})

	It("should leave retained messages for redelivery", func() {
		send("a")
		var calls int
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			calls++
			if msg.ReceiveCount < 2 {
				return jobtier.Retain
			}
			return jobtier.Ack
		}), jobtier.PollerConfig{MaxMessages: 1, WaitTime: time.Second}, testLogger())

		Expect(poller.PollOnce(ctx)).To(Equal(1))
		Expect(queue.Len(ctx)).To(Equal(1))

		Expect(poller.PollOnce(ctx)).To(Equal(1))
		Expect(calls).To(Equal(2))
		Expect(queue.Len(ctx)).To(Equal(0))
	})

	It("should retain a message whose handler panicked", func() {
		send("boom")
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			panic("handler bug")
		}), pollCfg, testLogger())

		Expect(poller.PollOnce(ctx)).To(Equal(1))
		Expect(queue.Len(ctx)).To(Equal(1))
	})

	It("should move a message to the dead-letter queue after too many receives", func() {
		deadLetter := jobtier.NewMemoryQueue("dead", time.Minute, testLogger())
		defer deadLetter.Close()

		send("poison")
		var calls int
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			calls++
			return jobtier.Retain
		}), jobtier.PollerConfig{MaxMessages: 1, WaitTime: time.Second, MaxReceives: 2, DeadLetter: deadLetter}, testLogger())

		for i := 0; i < 3; i++ {
			Expect(poller.PollOnce(ctx)).To(Equal(1))
		}
		Expect(calls).To(Equal(2))
		Expect(queue.Len(ctx)).To(Equal(0))

		msgs, err := deadLetter.Receive(ctx, 1, 10*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(string(msgs[0].Body)).To(Equal("poison"))
	})

	It("should handle messages in the background until stopped", func() {
		var handled atomic.Int32
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			handled.Add(1)
			return jobtier.Ack
		}), jobtier.PollerConfig{MaxMessages: 5, WaitTime: 20 * time.Millisecond, Concurrency: 2}, testLogger())

		poller.Start(ctx)
		for i := 0; i < 5; i++ {
			send("m")
		}
		Eventually(handled.Load, time.Second).Should(Equal(int32(5)))
		poller.Stop()
		Expect(queue.Len(ctx)).To(Equal(0))
	})

	It("should ignore a second Start", func() {
		var handled atomic.Int32
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			handled.Add(1)
			return jobtier.Ack
		}), pollCfg, testLogger())

		poller.Start(ctx)
		Expect(func() { poller.Start(ctx) }).NotTo(Panic())
		send("m")
		Eventually(handled.Load, time.Second).Should(Equal(int32(1)))

		stopped := make(chan struct{})
		go func() {
			poller.Stop()
			close(stopped)
		}()
		Eventually(stopped, time.Second).Should(BeClosed())
	})

	It("should wait for the handler in flight on Stop", func() {
		send("slow")
		started := make(chan struct{})
		release := make(chan struct{})
		var finished atomic.Bool
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			close(started)
			<-release
			finished.Store(true)
			return jobtier.Ack
		}), pollCfg, testLogger())

		poller.Start(ctx)
		Eventually(started, time.Second).Should(BeClosed())

		var wg sync.WaitGroup
		wg.Add(1)
		stopped := make(chan struct{})
		go func() {
			defer wg.Done()
			poller.Stop()
			close(stopped)
		}()

		Consistently(stopped, 50*time.Millisecond).ShouldNot(BeClosed())
		close(release)
		Eventually(stopped, time.Second).Should(BeClosed())
		wg.Wait()
		Expect(finished.Load()).To(BeTrue())
		Expect(queue.Len(ctx)).To(Equal(0))
	})

	It("should return from Run when the context is cancelled", func() {
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			return jobtier.Ack
		}), jobtier.PollerConfig{WaitTime: time.Minute}, testLogger())

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- poller.Run(runCtx) }()

		time.Sleep(20 * time.Millisecond)
		cancel()
		Eventually(done, time.Second).Should(Receive(BeNil()))
	})

	It("should report receive errors from PollOnce", func() {
		Expect(queue.Close()).To(Succeed())
		poller := jobtier.NewPoller("test", queue, jobtier.HandlerFunc(func(ctx context.Context, msg *jobtier.Message) jobtier.Disposition {
			return jobtier.Ack
		}), pollCfg, testLogger())

		_, err := poller.PollOnce(ctx)
		Expect(err).To(MatchError(jobtier.ErrQueueClosed))
	})
})
