package awsbackend_test

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/VsevolodSauta/jobtier/awsbackend"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SQSQueue", func() {
	var (
		ctx    context.Context
		client *fakeSQS
		queue  *awsbackend.SQSQueue
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &fakeSQS{}
		queue = awsbackend.NewSQSQueue(client, "submit", "https://sqs.example/submit", testLogger())
	})

	It("should send the body with the delay in seconds", func() {
		id, err := queue.Send(ctx, []byte(`{"job_id":"J1"}`), 90*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("m1"))
		Expect(aws.ToString(client.sends[0].QueueUrl)).To(Equal("https://sqs.example/submit"))
		Expect(aws.ToString(client.sends[0].MessageBody)).To(Equal(`{"job_id":"J1"}`))
		Expect(client.sends[0].DelaySeconds).To(Equal(int32(90)))
	})

	It("should clamp long delays to the SQS maximum", func() {
		_, err := queue.Send(ctx, []byte("x"), time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.sends[0].DelaySeconds).To(Equal(int32(900)))
	})

	It("should clamp receive batch and wait", func() {
		_, err := queue.Receive(ctx, 25, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.receives[0].MaxNumberOfMessages).To(Equal(int32(10)))
		Expect(client.receives[0].WaitTimeSeconds).To(Equal(int32(20)))
		Expect(client.receives[0].MessageSystemAttributeNames).To(ContainElement(types.MessageSystemAttributeNameApproximateReceiveCount))
	})

	It("should read the receive count and sent time", func() {
		client.receiveOut = &sqs.ReceiveMessageOutput{Messages: []types.Message{
			{
				MessageId:     aws.String("m1"),
				Body:          aws.String("a"),
				ReceiptHandle: aws.String("r1"),
				Attributes: map[string]string{
					"ApproximateReceiveCount": "3",
					"SentTimestamp":           "1700000000000",
				},
			},
			{MessageId: aws.String("m2"), Body: aws.String("b"), ReceiptHandle: aws.String("r2")},
		}}

		msgs, err := queue.Receive(ctx, 10, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[0].ReceiveCount).To(Equal(3))
		Expect(msgs[0].SentAt.Equal(time.UnixMilli(1700000000000))).To(BeTrue())
		Expect(msgs[0].ReceiptHandle).To(Equal("r1"))
		Expect(string(msgs[1].Body)).To(Equal("b"))
		Expect(msgs[1].ReceiveCount).To(Equal(1))
	})

	It("should ignore an expired receipt handle", func() {
		client.deleteErr = &types.ReceiptHandleIsInvalid{Message: aws.String("expired")}
		Expect(queue.Delete(ctx, "r1")).To(Succeed())
	})

	It("should surface other delete errors", func() {
		client.deleteErr = errors.New("unavailable")
		Expect(queue.Delete(ctx, "r1")).To(MatchError(ContainSubstring("unavailable")))
	})
})
