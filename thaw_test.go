package jobtier_test

import (
	"context"
	"errors"
	"time"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ThawInitiator", func() {
	var (
		ctx   context.Context
		store *jobtier.InMemoryBackend
		blobs *jobtier.MemoryBlobStore
		local *jobtier.LocalVault
		vault *countingVault
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = jobtier.NewInMemoryBackend()
		blobs = jobtier.NewMemoryBlobStore()
	})

	AfterEach(func() {
		_ = store.Close()
	})

	setupVault := func(opts ...jobtier.LocalVaultOption) {
		local = jobtier.NewLocalVault(vaultName, blobs, testLogger(), opts...)
		vault = &countingVault{Vault: local, retrieveErr: map[jobtier.RetrievalTier]error{}}
	}

	archivedRecord := func(jobID string, submitTime int64) *jobtier.JobRecord {
		archiveID, err := local.CreateArchive(ctx, []byte("annotated "+jobID), jobID)
		Expect(err).NotTo(HaveOccurred())
		rec := completedRecord(jobID, "U1", submitTime)
		rec.ArchiveStatus = jobtier.ArchiveStatusArchived
		rec.ArchiveID = archiveID
		mustCreate(ctx, store, rec)
		return rec
	}

	newThaw := func() *jobtier.ThawInitiator {
		return jobtier.NewThawInitiator(store, vault, jobtier.ThawConfig{
			NotificationTarget: "restore",
			ResultsBucket:      resultsBucket,
		}, testLogger())
	}

	It("should cancel pending archivals and request expedited retrievals", func() {
		setupVault()
		archived := archivedRecord("J1", 1000)
		pending := completedRecord("J2", "U1", 2000)
		mustCreate(ctx, store, pending)
		other := completedRecord("J3", "U2", 3000)
		mustCreate(ctx, store, other)

		report, err := newThaw().RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.PendingCleared).To(Equal(1))
		Expect(report.Requested).To(HaveKey("J1"))
		Expect(report.Failed).To(BeEmpty())

		Expect(mustGet(ctx, store, pending.Key()).ArchiveStatus).To(Equal(jobtier.ArchiveStatusNone))
		Expect(mustGet(ctx, store, other.Key()).ArchiveStatus).To(Equal(jobtier.ArchiveStatusPending))

		got := mustGet(ctx, store, archived.Key())
		Expect(got.RestoreStatus).To(Equal(jobtier.RestoreStatusInProgress))
		Expect(got.RestoreJobID).To(Equal(report.Requested["J1"]))
		Expect(got.RestoreMessage).To(Equal("Expedited retrieval started"))

		Expect(vault.retrievals).To(HaveLen(1))
		r := vault.retrievals[0]
		Expect(r.Tier).To(Equal(jobtier.TierExpedited))
		Expect(r.NotificationTarget).To(Equal("restore"))
		Expect(r.ArchiveID).To(Equal(archived.ArchiveID))

		desc, err := jobtier.JobDescriptionField{Raw: r.Description}.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(desc.Key()).To(Equal(archived.Key()))
		Expect(desc.ArchiveID).To(Equal(archived.ArchiveID))
		Expect(desc.ResultFileKey).To(Equal(archived.ResultFileKey))
		Expect(desc.ResultsBucket).To(Equal(resultsBucket))
	})

	It("should fall back to a standard retrieval without expedited capacity", func() {
		setupVault(jobtier.WithExpeditedCapacity(0))
		archived := archivedRecord("J1", 1000)

		report, err := newThaw().RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Requested).To(HaveKey("J1"))

		got := mustGet(ctx, store, archived.Key())
		Expect(got.RestoreMessage).To(Equal("Standard retrieval started - unable to expedite"))
		Expect(vault.retrievals).To(HaveLen(2))
		Expect(vault.retrievals[1].Tier).To(Equal(jobtier.TierStandard))
	})

	It("should skip jobs with a retrieval in progress", func() {
		setupVault()
		archived := archivedRecord("J1", 1000)
		_, err := store.UpdateJob(ctx, archived.Key(), jobtier.JobUpdate{
			RestoreStatus: jobtier.RestoreStatusInProgress,
			RestoreJobID:  "R0",
		}, jobtier.Condition{})
		Expect(err).NotTo(HaveOccurred())

		report, err := newThaw().RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.AlreadyInProgress).To(ConsistOf("J1"))
		Expect(report.Requested).To(BeEmpty())
		Expect(vault.retrievals).To(BeEmpty())
		Expect(mustGet(ctx, store, archived.Key()).RestoreJobID).To(Equal("R0"))
	})

	It("should report per-job failures and keep going", func() {
		setupVault()
		archivedRecord("J1", 1000)
		broken := completedRecord("J2", "U1", 2000)
		broken.ArchiveStatus = jobtier.ArchiveStatusArchived
		broken.ArchiveID = "gone"
		mustCreate(ctx, store, broken)

		report, err := newThaw().RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Requested).To(HaveKey("J1"))
		Expect(report.Failed).To(HaveKey("J2"))
		Expect(errors.Is(report.Failed["J2"], jobtier.ErrArchiveNotFound)).To(BeTrue())
	})

	It("should do nothing for a user without archives", func() {
		setupVault()
		report, err := newThaw().RequestRestore(ctx, "nobody")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Requested).To(BeEmpty())
		Expect(report.PendingCleared).To(BeZero())
	})

	Describe("Handle", func() {
		It("should acknowledge a fully handled request", func() {
			setupVault()
			archivedRecord("J1", 1000)
			msg := &jobtier.Message{ID: "m1", Body: mustEncode(jobtier.ThawRequest{UserID: "U1"}), ReceiveCount: 1}
			Expect(newThaw().Handle(ctx, msg)).To(Equal(jobtier.Ack))
		})

		It("should keep the request when a retrieval could not start", func() {
			setupVault()
			archivedRecord("J1", 1000)
			vault.retrieveErr[jobtier.TierExpedited] = errors.New("throttled")
			msg := &jobtier.Message{ID: "m1", Body: mustEncode(jobtier.ThawRequest{UserID: "U1"}), ReceiveCount: 1}

			Expect(newThaw().Handle(ctx, msg)).To(Equal(jobtier.Retain))

			delete(vault.retrieveErr, jobtier.TierExpedited)
			Expect(newThaw().Handle(ctx, msg)).To(Equal(jobtier.Ack))
		})
	})

	It("should announce the retrieval on the notification queue", func() {
		restoreQ := jobtier.NewMemoryQueue("restore", time.Minute, testLogger())
		defer restoreQ.Close()
		setupVault(jobtier.WithTierDelay(jobtier.TierExpedited, 0), jobtier.WithNotificationTarget("restore", restoreQ))
		archivedRecord("J1", 1000)

		report, err := newThaw().RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(local.Deliver(ctx)).To(Equal(1))

		msgs, err := restoreQ.Receive(ctx, 1, 10*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		n, err := jobtier.DecodeVaultNotification(msgs[0].Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(n.JobID).To(Equal(report.Requested["J1"]))
	})
})
