package jobtier_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Janitor", func() {
	var (
		ctx   context.Context
		store *jobtier.InMemoryBackend
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = jobtier.NewInMemoryBackend()
	})

	AfterEach(func() {
		_ = store.Close()
	})

	running := func(jobID string, startedAgo time.Duration) *jobtier.JobRecord {
		rec := newRecord(jobID, "U1", 1000, jobtier.JobStatusRunning)
		rec.StartTime = time.Now().Add(-startedAgo).Unix()
		mustCreate(ctx, store, rec)
		return rec
	}

	It("should fail jobs running longer than the threshold", func() {
		stuck := running("J1", 3*time.Hour)
		fresh := running("J2", time.Minute)
		done := completedRecord("J3", "U1", 1000)
		mustCreate(ctx, store, done)

		janitor := jobtier.NewJanitor(store, jobtier.JanitorConfig{StuckAfter: 2 * time.Hour}, testLogger())
		Expect(janitor.SweepStuckJobs(ctx)).To(Equal(1))

		got := mustGet(ctx, store, stuck.Key())
		Expect(got.JobStatus).To(Equal(jobtier.JobStatusFailed))
		Expect(got.FailureReason).To(Equal("stuck"))
		Expect(mustGet(ctx, store, fresh.Key()).JobStatus).To(Equal(jobtier.JobStatusRunning))
		Expect(mustGet(ctx, store, done.Key()).JobStatus).To(Equal(jobtier.JobStatusCompleted))

		Expect(janitor.SweepStuckJobs(ctx)).To(Equal(0))
	})

	It("should let the redelivered submit message be acknowledged afterwards", func() {
		rec := running("J1", 3*time.Hour)
		janitor := jobtier.NewJanitor(store, jobtier.JanitorConfig{StuckAfter: time.Hour}, testLogger())
		Expect(janitor.SweepStuckJobs(ctx)).To(Equal(1))

		blobs := jobtier.NewMemoryBlobStore()
		Expect(blobs.Put(ctx, inputsBucket, rec.InputFileKey, []byte("x"))).To(Succeed())
		jobsRoot := GinkgoT().TempDir()
		dispatcher := jobtier.NewDispatcher(store, blobs, jobtier.EngineFunc(func(ctx context.Context, inputPath string, jc jobtier.JobContext) (*jobtier.ExitOutcome, error) {
			Fail("engine must not run for a failed job")
			return nil, nil
		}), jobtier.DispatcherConfig{JobsRoot: jobsRoot}, testLogger())

		msg := &jobtier.Message{ID: "m1", ReceiveCount: 4, Body: mustEncode(jobtier.SubmitMessage{
			JobID: rec.JobID, UserID: rec.UserID, SubmitTime: jobtier.EpochSeconds(rec.SubmitTime),
			InputsBucket: inputsBucket, InputFileKey: rec.InputFileKey,
		})}
		Expect(dispatcher.Handle(ctx, msg)).To(Equal(jobtier.Ack))
	})

	It("should keep a swept job FAILED when its engine finishes later", func() {
		rec := running("J1", 3*time.Hour)
		janitor := jobtier.NewJanitor(store, jobtier.JanitorConfig{StuckAfter: 2 * time.Hour}, testLogger())
		Expect(janitor.SweepStuckJobs(ctx)).To(Equal(1))

		root, err := os.MkdirTemp("", "jobtier_janitor_*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, root)
		workspace := filepath.Join(root, "U1", "J1")
		Expect(os.MkdirAll(workspace, 0o755)).To(Succeed())
		input := filepath.Join(workspace, "J1~input.vcf")
		Expect(os.WriteFile(input, []byte("1\t100\t.\tA\tG\n"), 0o644)).To(Succeed())

		finalizer := jobtier.NewFinalizer(store, jobtier.NewMemoryBlobStore(), nil, jobtier.FinalizeConfig{
			OperatorNamespace: testNamespace,
			ResultsBucket:     resultsBucket,
		}, testLogger())
		engine := &jobtier.LocalEngine{Annotator: jobtier.PassthroughAnnotator{}, Finalizer: finalizer}
		outcome, err := engine.Run(ctx, input, jobtier.JobContext{
			JobID: rec.JobID, UserID: rec.UserID, SubmitTime: rec.SubmitTime, Workspace: workspace,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success()).To(BeFalse())

		got := mustGet(ctx, store, rec.Key())
		Expect(got.JobStatus).To(Equal(jobtier.JobStatusFailed))
		Expect(got.FailureReason).To(Equal("stuck"))
	})

	It("should sweep on every interval until cancelled", func() {
		running("J1", 3*time.Hour)
		janitor := jobtier.NewJanitor(store, jobtier.JanitorConfig{StuckAfter: time.Hour, Interval: 10 * time.Millisecond}, testLogger())

		watchCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			janitor.Watch(watchCtx)
			close(done)
		}()

		Eventually(func() jobtier.JobStatus {
			return mustGet(ctx, store, jobtier.JobKey{JobID: "J1", SubmitTime: 1000}).JobStatus
		}, time.Second).Should(Equal(jobtier.JobStatusFailed))

		running2 := newRecord("J2", "U1", 2000, jobtier.JobStatusRunning)
		running2.StartTime = time.Now().Add(-2 * time.Hour).Unix()
		mustCreate(ctx, store, running2)
		Eventually(func() jobtier.JobStatus {
			return mustGet(ctx, store, running2.Key()).JobStatus
		}, time.Second).Should(Equal(jobtier.JobStatusFailed))

		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})
})
