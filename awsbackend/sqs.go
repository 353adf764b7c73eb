package awsbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/VsevolodSauta/jobtier"
)

// SQS service limits.
const (
	maxReceiveBatch = 10
	maxWaitTime     = 20 * time.Second
	maxSendDelay    = 15 * time.Minute
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue implements jobtier.Queue on a standard SQS queue. Visibility
// timeout and redrive are configured on the queue itself.
type SQSQueue struct {
	client SQSAPI
	name   string
	url    string
	logger *slog.Logger
}

// NewSQSQueue creates a queue bound to url.
func NewSQSQueue(client SQSAPI, name, url string, logger *slog.Logger) *SQSQueue {
	return &SQSQueue{client: client, name: name, url: url, logger: logger}
}

// Name returns the queue name.
func (q *SQSQueue) Name() string {
	return q.name
}

// Send enqueues body. Delays above the SQS maximum are clamped.
func (q *SQSQueue) Send(ctx context.Context, body []byte, delay time.Duration) (string, error) {
	if delay > maxSendDelay {
		q.logger.Warn("SQSQueue: delay clamped", "queue", q.name, "requested", delay, "max", maxSendDelay)
		delay = maxSendDelay
	}
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send to %s: %w", q.name, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls the queue.
func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*jobtier.Message, error) {
	if max <= 0 || max > maxReceiveBatch {
		max = maxReceiveBatch
	}
	if wait > maxWaitTime {
		wait = maxWaitTime
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.name, err)
	}

	msgs := make([]*jobtier.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := &jobtier.Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  1,
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				msg.ReceiveCount = n
			}
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				msg.SentAt = time.UnixMilli(ms)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete acknowledges a delivery. An expired receipt handle is ignored;
// the message will be delivered again.
func (q *SQSQueue) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receipt),
	})
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		q.logger.Debug("SQSQueue: stale receipt ignored", "queue", q.name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", q.name, err)
	}
	return nil
}

// Close is a no-op.
func (q *SQSQueue) Close() error {
	return nil
}
