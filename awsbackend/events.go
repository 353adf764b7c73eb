package awsbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/VsevolodSauta/jobtier"
)

// SNSAPI is the subset of the SNS client used by TopicPublisher.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SFNAPI is the subset of the Step Functions client used by
// StateMachinePublisher.
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// TopicPublisher publishes every completion event to an SNS topic.
type TopicPublisher struct {
	client   SNSAPI
	topicARN string
	logger   *slog.Logger
}

// NewTopicPublisher creates a publisher for topicARN.
func NewTopicPublisher(client SNSAPI, topicARN string, logger *slog.Logger) *TopicPublisher {
	return &TopicPublisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *TopicPublisher) PublishCompletion(ctx context.Context, event jobtier.CompletionEvent) error {
	body, err := jobtier.EncodeMessage(event)
	if err != nil {
		return err
	}
	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String("job " + event.JobID + " completed"),
	})
	if err != nil {
		return fmt.Errorf("failed to publish completion of %s: %w", event.JobID, err)
	}
	p.logger.Debug("TopicPublisher: published", "jobID", event.JobID, "messageID", aws.ToString(out.MessageId))
	return nil
}

// StateMachinePublisher starts the archive state machine for free-tier
// completions. The state machine waits out the download window and then
// sends the archive request.
type StateMachinePublisher struct {
	client          SFNAPI
	stateMachineARN string
	logger          *slog.Logger
}

// NewStateMachinePublisher creates a publisher for stateMachineARN.
func NewStateMachinePublisher(client SFNAPI, stateMachineARN string, logger *slog.Logger) *StateMachinePublisher {
	return &StateMachinePublisher{client: client, stateMachineARN: stateMachineARN, logger: logger}
}

// PublishCompletion starts one execution per job. The execution name is
// derived from the job, so a repeated event does not start a second one.
func (p *StateMachinePublisher) PublishCompletion(ctx context.Context, event jobtier.CompletionEvent) error {
	if event.UserRole != jobtier.RoleFree {
		return nil
	}
	body, err := jobtier.EncodeMessage(jobtier.ArchiveRequest{
		JobID:      event.JobID,
		UserID:     event.UserID,
		SubmitTime: jobtier.EpochSeconds(event.SubmitTime),
	})
	if err != nil {
		return err
	}
	_, err = p.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(p.stateMachineARN),
		Name:            aws.String(executionName(event.JobID)),
		Input:           aws.String(string(body)),
	})
	var exists *sfntypes.ExecutionAlreadyExists
	if errors.As(err, &exists) {
		p.logger.Debug("StateMachinePublisher: execution already started", "jobID", event.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start archive execution for %s: %w", event.JobID, err)
	}
	return nil
}

// executionName keeps the name within the 80 character limit.
func executionName(jobID string) string {
	name := "archive-" + jobID
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}
