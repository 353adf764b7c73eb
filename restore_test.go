package jobtier_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RestoreHandler", func() {
	var (
		ctx      context.Context
		store    *jobtier.InMemoryBackend
		blobs    *jobtier.MemoryBlobStore
		restoreQ *jobtier.LocalQueue
		local    *jobtier.LocalVault
		vault    *countingVault
		thaw     *jobtier.ThawInitiator
		handler  *jobtier.RestoreHandler
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = jobtier.NewInMemoryBackend()
		blobs = jobtier.NewMemoryBlobStore()
		restoreQ = jobtier.NewMemoryQueue("restore", 100*time.Millisecond, testLogger())
		local = jobtier.NewLocalVault(vaultName, blobs, testLogger(),
			jobtier.WithTierDelay(jobtier.TierExpedited, 0),
			jobtier.WithTierDelay(jobtier.TierStandard, 0),
			jobtier.WithNotificationTarget("restore", restoreQ),
		)
		vault = &countingVault{Vault: local}
		thaw = jobtier.NewThawInitiator(store, vault, jobtier.ThawConfig{NotificationTarget: "restore", ResultsBucket: resultsBucket}, testLogger())
		handler = jobtier.NewRestoreHandler(store, blobs, vault, jobtier.RestoreConfig{
			OperatorNamespace: testNamespace,
			ResultsBucket:     resultsBucket,
		}, testLogger())
	})

	AfterEach(func() {
		_ = restoreQ.Close()
		_ = store.Close()
	})

	archive := func(jobID string, submitTime int64, data []byte) *jobtier.JobRecord {
		archiveID, err := local.CreateArchive(ctx, data, jobID)
		Expect(err).NotTo(HaveOccurred())
		rec := completedRecord(jobID, "U1", submitTime)
		rec.ArchiveStatus = jobtier.ArchiveStatusArchived
		rec.ArchiveID = archiveID
		mustCreate(ctx, store, rec)
		return rec
	}

	// thawAndDeliver starts the retrievals and returns their notifications.
	thawAndDeliver := func(n int) []*jobtier.Message {
		_, err := thaw.RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(local.Deliver(ctx)).To(Equal(n))
		msgs, err := restoreQ.Receive(ctx, 10, 10*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(n))
		return msgs
	}

	decode := func(msg *jobtier.Message) *jobtier.VaultNotification {
		n, err := jobtier.DecodeVaultNotification(msg.Body)
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	It("should write the archived bytes back and clear the archive", func() {
		payload := []byte{0x00, 0x01, 0xfe, 0xff, '\n', 'v', 'c', 'f'}
		rec := archive("J1", 1000, payload)
		n := decode(thawAndDeliver(1)[0])

		outcome, err := handler.CompleteRestore(ctx, n)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(jobtier.Restored))

		restored, err := blobs.Get(ctx, resultsBucket, "ns/U1/J1.annot.vcf")
		Expect(err).NotTo(HaveOccurred())
		Expect(restored).To(Equal(payload))

		got := mustGet(ctx, store, rec.Key())
		Expect(got.ArchiveStatus).To(Equal(jobtier.ArchiveStatusRestored))
		Expect(got.RestoreStatus).To(Equal(jobtier.RestoreStatusCompleted))
		Expect(got.RestoreMessage).To(Equal("Restoration complete"))
		Expect(got.ArchiveID).To(BeEmpty())
		Expect(vault.Deletes()).To(ConsistOf(rec.ArchiveID))
		Expect(blobs.Exists(vaultName, rec.ArchiveID)).To(BeFalse())
	})

	It("should converge when a notification is replayed", func() {
		rec := archive("J1", 1000, []byte("annotated"))
		n := decode(thawAndDeliver(1)[0])

		_, err := handler.CompleteRestore(ctx, n)
		Expect(err).NotTo(HaveOccurred())
		outcome, err := handler.CompleteRestore(ctx, n)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(jobtier.Restored))

		got := mustGet(ctx, store, rec.Key())
		Expect(got.ArchiveStatus).To(Equal(jobtier.ArchiveStatusRestored))
		Expect(got.ArchiveID).To(BeEmpty())
	})

	It("should record a failed retrieval and leave the archive", func() {
		rec := archive("J1", 1000, []byte("annotated"))
		_, err := thaw.RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		desc, err := jobtier.NewJobDescriptionField(jobtier.JobDescription{
			JobID: "J1", ArchiveID: rec.ArchiveID, SubmitTime: 1000, UserID: "U1", ResultFileKey: rec.ResultFileKey,
		})
		Expect(err).NotTo(HaveOccurred())

		outcome, err := handler.CompleteRestore(ctx, &jobtier.VaultNotification{
			JobID:          "R1",
			Completed:      true,
			StatusCode:     jobtier.RetrievalFailed,
			StatusMessage:  "archive corrupt",
			JobDescription: desc,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(jobtier.ErrorRecorded))

		got := mustGet(ctx, store, rec.Key())
		Expect(got.RestoreStatus).To(Equal(jobtier.RestoreStatusNone))
		Expect(got.RestoreJobID).To(BeEmpty())
		Expect(got.RestoreMessage).To(Equal("Retrieval failed: archive corrupt"))
		Expect(got.ArchiveID).To(Equal(rec.ArchiveID))
		Expect(vault.Deletes()).To(BeEmpty())
		Expect(blobs.Exists(resultsBucket, "ns/U1/J1.annot.vcf")).To(BeFalse())
	})

	It("should accept a notification wrapped in a topic envelope", func() {
		archive("J1", 1000, []byte("annotated"))
		msg := thawAndDeliver(1)[0]

		env, err := json.Marshal(map[string]string{"Type": "Notification", "Message": string(msg.Body)})
		Expect(err).NotTo(HaveOccurred())

		Expect(handler.Handle(ctx, &jobtier.Message{ID: "m1", Body: env, ReceiveCount: 1})).To(Equal(jobtier.Ack))
		Expect(blobs.Exists(resultsBucket, "ns/U1/J1.annot.vcf")).To(BeTrue())
	})

	It("should keep the message when the restored object cannot be written", func() {
		rec := archive("J1", 1000, []byte("annotated"))
		msg := thawAndDeliver(1)[0]
		failing := jobtier.NewRestoreHandler(store,
			&failingBlobs{BlobStore: blobs, failPut: map[string]bool{"ns/U1/J1.annot.vcf": true}},
			vault, jobtier.RestoreConfig{OperatorNamespace: testNamespace, ResultsBucket: resultsBucket}, testLogger())

		Expect(failing.Handle(ctx, msg)).To(Equal(jobtier.Retain))
		got := mustGet(ctx, store, rec.Key())
		Expect(got.ArchiveStatus).To(Equal(jobtier.ArchiveStatusArchived))
		Expect(got.RestoreStatus).To(Equal(jobtier.RestoreStatusInProgress))
		Expect(vault.Deletes()).To(BeEmpty())
	})

	It("should retry the archive delete on redelivery", func() {
		rec := archive("J1", 1000, []byte("annotated"))
		msg := thawAndDeliver(1)[0]
		vault.deleteErr = errors.New("vault unavailable")

		Expect(handler.Handle(ctx, msg)).To(Equal(jobtier.Retain))
		Expect(mustGet(ctx, store, rec.Key()).ArchiveStatus).To(Equal(jobtier.ArchiveStatusRestored))

		vault.deleteErr = nil
		Expect(handler.Handle(ctx, msg)).To(Equal(jobtier.Ack))
		Expect(blobs.Exists(vaultName, rec.ArchiveID)).To(BeFalse())
	})

	It("should keep malformed notifications", func() {
		Expect(handler.Handle(ctx, &jobtier.Message{ID: "m1", Body: []byte(`{"JobId":""}`), ReceiveCount: 1})).To(Equal(jobtier.Retain))
	})

	It("should handle each notification of a batch independently", func() {
		first := archive("J1", 1000, []byte("one"))
		second := archive("J2", 2000, []byte("two"))
		_, err := thaw.RequestRestore(ctx, "U1")
		Expect(err).NotTo(HaveOccurred())
		Expect(local.Deliver(ctx)).To(Equal(2))

		failing := jobtier.NewRestoreHandler(store,
			&failingBlobs{BlobStore: blobs, failPut: map[string]bool{"ns/U1/J2.annot.vcf": true}},
			vault, jobtier.RestoreConfig{OperatorNamespace: testNamespace, ResultsBucket: resultsBucket}, testLogger())
		poller := jobtier.NewPoller("restore", restoreQ, failing, jobtier.PollerConfig{MaxMessages: 10, WaitTime: 10 * time.Millisecond}, testLogger())

		Expect(poller.PollOnce(ctx)).To(Equal(2))
		Expect(mustGet(ctx, store, first.Key()).ArchiveStatus).To(Equal(jobtier.ArchiveStatusRestored))
		Expect(mustGet(ctx, store, second.Key()).ArchiveStatus).To(Equal(jobtier.ArchiveStatusArchived))
		Expect(restoreQ.Len(ctx)).To(Equal(1))

		healthy := jobtier.NewPoller("restore", restoreQ, handler, jobtier.PollerConfig{MaxMessages: 10, WaitTime: time.Second}, testLogger())
		Expect(healthy.PollOnce(ctx)).To(Equal(1))
		Expect(mustGet(ctx, store, second.Key()).ArchiveStatus).To(Equal(jobtier.ArchiveStatusRestored))
		Expect(restoreQ.Len(ctx)).To(Equal(0))
	})
})
