package awsbackend_test

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"

	"github.com/VsevolodSauta/jobtier"
	"github.com/VsevolodSauta/jobtier/awsbackend"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("GlacierVault", func() {
	var (
		ctx    context.Context
		client *fakeGlacier
		vault  *awsbackend.GlacierVault
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &fakeGlacier{}
		vault = awsbackend.NewGlacierVault(client, "cold", testLogger())
	})

	It("should upload archives", func() {
		id, err := vault.CreateArchive(ctx, []byte("results"), "J1")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("archive-1"))
		Expect(client.uploaded).To(Equal([]byte("results")))
	})

	It("should start an archive retrieval that notifies the topic", func() {
		id, err := vault.InitiateRetrieval(ctx, jobtier.RetrievalRequest{
			ArchiveID:          "A1",
			Description:        `{"job_id":"J1"}`,
			Tier:               jobtier.TierExpedited,
			NotificationTarget: "arn:aws:sns:us-east-1:1:restore",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("retrieval-1"))

		in := client.initiated[0]
		Expect(aws.ToString(in.AccountId)).To(Equal("-"))
		Expect(aws.ToString(in.VaultName)).To(Equal("cold"))
		Expect(aws.ToString(in.JobParameters.Type)).To(Equal("archive-retrieval"))
		Expect(aws.ToString(in.JobParameters.Tier)).To(Equal("Expedited"))
		Expect(aws.ToString(in.JobParameters.SNSTopic)).To(Equal("arn:aws:sns:us-east-1:1:restore"))
		Expect(aws.ToString(in.JobParameters.Description)).To(Equal(`{"job_id":"J1"}`))
	})

	It("should map exhausted expedited capacity", func() {
		client.initiateErr = &types.InsufficientCapacityException{Message: aws.String("no capacity")}
		_, err := vault.InitiateRetrieval(ctx, jobtier.RetrievalRequest{ArchiveID: "A1", Tier: jobtier.TierExpedited})
		Expect(err).To(MatchError(jobtier.ErrInsufficientCapacity))
	})

	It("should map a missing archive", func() {
		client.initiateErr = &types.ResourceNotFoundException{Message: aws.String("gone")}
		_, err := vault.InitiateRetrieval(ctx, jobtier.RetrievalRequest{ArchiveID: "A1", Tier: jobtier.TierStandard})
		Expect(err).To(MatchError(jobtier.ErrArchiveNotFound))

		client.deleteErr = &types.ResourceNotFoundException{Message: aws.String("gone")}
		Expect(vault.DeleteArchive(ctx, "A1")).To(MatchError(jobtier.ErrArchiveNotFound))
	})

	It("should read retrieval output", func() {
		client.output = []byte{9, 8, 7}
		Expect(vault.GetRetrievalOutput(ctx, "retrieval-1")).To(Equal([]byte{9, 8, 7}))
	})

	It("should map an unknown retrieval", func() {
		client.outputErr = &types.ResourceNotFoundException{Message: aws.String("expired")}
		_, err := vault.GetRetrievalOutput(ctx, "retrieval-1")
		Expect(err).To(MatchError(jobtier.ErrRetrievalNotFound))
	})
})
