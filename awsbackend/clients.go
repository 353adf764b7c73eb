package awsbackend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/VsevolodSauta/jobtier"
)

// Stack is the full set of AWS-backed components.
type Stack struct {
	Store        *DynamoStore
	Blobs        *S3BlobStore
	Vault        *GlacierVault
	SubmitQueue  *SQSQueue
	ArchiveQueue *SQSQueue
	ThawQueue    *SQSQueue
	RestoreQueue *SQSQueue
	// DeadLetter is nil when no dead letter queue URL is configured.
	DeadLetter jobtier.Queue
	// Publisher fans completion events out to SNS and the archive state machine.
	Publisher jobtier.MultiPublisher
}

// NewStack loads the default credential chain and builds every client.
func NewStack(ctx context.Context, cfg *jobtier.Config, logger *slog.Logger) (*Stack, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	st := &Stack{
		Store:        NewDynamoStore(ddb, cfg.AWS.JobsTable, cfg.AWS.UserIndex, logger),
		Blobs:        NewS3BlobStore(s3.NewFromConfig(awsCfg)),
		Vault:        NewGlacierVault(glacier.NewFromConfig(awsCfg), cfg.VaultName, logger),
		SubmitQueue:  NewSQSQueue(sqsClient, "submit", cfg.AWS.SubmitQueueURL, logger),
		ArchiveQueue: NewSQSQueue(sqsClient, "archive", cfg.AWS.ArchiveQueueURL, logger),
		ThawQueue:    NewSQSQueue(sqsClient, "thaw", cfg.AWS.ThawQueueURL, logger),
		RestoreQueue: NewSQSQueue(sqsClient, "restore", cfg.AWS.RestoreQueueURL, logger),
	}
	if cfg.AWS.DeadLetterQueueURL != "" {
		st.DeadLetter = NewSQSQueue(sqsClient, "dead-letter", cfg.AWS.DeadLetterQueueURL, logger)
	}
	if cfg.AWS.CompletionTopicARN != "" {
		st.Publisher = append(st.Publisher, NewTopicPublisher(sns.NewFromConfig(awsCfg), cfg.AWS.CompletionTopicARN, logger))
	}
	if cfg.AWS.ArchiveStateMachineARN != "" {
		st.Publisher = append(st.Publisher, NewStateMachinePublisher(sfn.NewFromConfig(awsCfg), cfg.AWS.ArchiveStateMachineARN, logger))
	} else {
		st.Publisher = append(st.Publisher, jobtier.NewArchiveRequestPublisher(st.ArchiveQueue, cfg.ArchiveDelay, logger))
	}
	return st, nil
}
