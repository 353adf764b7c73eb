// Package awsbackend binds the jobtier interfaces to AWS managed services:
// DynamoDB for the job store, SQS for queues, S3 for hot storage, Glacier as
// the vault, and SNS / Step Functions for completion events.
package awsbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/VsevolodSauta/jobtier"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements jobtier.JobStore on a DynamoDB table keyed by
// (job_id, submit_time) with a user_id global secondary index.
type DynamoStore struct {
	client    DynamoAPI
	table     string
	userIndex string
	logger    *slog.Logger
}

// NewDynamoStore creates a store on table; userIndex names the user_id GSI.
func NewDynamoStore(client DynamoAPI, table, userIndex string, logger *slog.Logger) *DynamoStore {
	return &DynamoStore{client: client, table: table, userIndex: userIndex, logger: logger}
}

// Close is a no-op; the client owns no connection.
func (s *DynamoStore) Close() error {
	return nil
}

func itemKey(key jobtier.JobKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"job_id":      &types.AttributeValueMemberS{Value: key.JobID},
		"submit_time": &types.AttributeValueMemberN{Value: strconv.FormatInt(key.SubmitTime, 10)},
	}
}

// CreateJob puts the record unless the key already exists.
func (s *DynamoStore) CreateJob(ctx context.Context, rec *jobtier.JobRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s", jobtier.ErrJobExists, rec.JobID)
	}
	if err != nil {
		return fmt.Errorf("failed to put job: %w", err)
	}
	return nil
}

// GetJob reads the record with strong consistency.
func (s *DynamoStore) GetJob(ctx context.Context, key jobtier.JobKey) (*jobtier.JobRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", jobtier.ErrJobNotFound, key.JobID)
	}
	var rec jobtier.JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &rec, nil
}

// updateExpression translates a JobUpdate into SET and REMOVE clauses.
func updateExpression(upd jobtier.JobUpdate) (expression.UpdateBuilder, bool) {
	var b expression.UpdateBuilder
	n := 0
	set := func(name string, v any) {
		b = b.Set(expression.Name(name), expression.Value(v))
		n++
	}
	remove := func(name string) {
		b = b.Remove(expression.Name(name))
		n++
	}

	if upd.JobStatus != "" {
		set("job_status", string(upd.JobStatus))
	}
	if upd.StartTime != 0 {
		set("start_time", upd.StartTime)
	}
	if upd.FailureReason != "" {
		set("failure_reason", upd.FailureReason)
	}
	if upd.ResultsBucket != "" {
		set("s3_results_bucket", upd.ResultsBucket)
	}
	if upd.ResultFileKey != "" {
		set("s3_key_result_file", upd.ResultFileKey)
	}
	if upd.LogFileKey != "" {
		set("s3_key_log_file", upd.LogFileKey)
	}
	if upd.CompleteTime != 0 {
		set("complete_time", upd.CompleteTime)
	}
	if upd.ArchiveStatus != nil {
		set("archive_status", string(*upd.ArchiveStatus))
	}
	switch {
	case upd.ArchiveID != "":
		set("results_file_archive_id", upd.ArchiveID)
	case upd.RemoveArchiveID:
		remove("results_file_archive_id")
	}
	switch {
	case upd.RestoreStatus != "":
		set("restore_status", string(upd.RestoreStatus))
	case upd.ClearRestore:
		remove("restore_status")
	}
	switch {
	case upd.RestoreJobID != "":
		set("restore_job_id", upd.RestoreJobID)
	case upd.ClearRestore:
		remove("restore_job_id")
	}
	if upd.RestoreMessage != "" {
		set("restore_message", upd.RestoreMessage)
	}
	return b, n > 0
}

// conditionExpression always requires the item to exist, so that a failed
// condition on a missing item can be told apart from a conflict.
func conditionExpression(cond jobtier.Condition) expression.ConditionBuilder {
	c := expression.AttributeExists(expression.Name("job_id"))
	if cond.JobStatus != nil {
		c = c.And(expression.Name("job_status").Equal(expression.Value(string(*cond.JobStatus))))
	}
	if cond.ArchiveStatus != nil {
		c = c.And(expression.Name("archive_status").Equal(expression.Value(string(*cond.ArchiveStatus))))
	}
	return c
}

// UpdateJob issues a conditional UpdateItem. On a failed condition the old
// item is returned with the error: present means conflict, absent means
// the job does not exist.
func (s *DynamoStore) UpdateJob(ctx context.Context, key jobtier.JobKey, upd jobtier.JobUpdate, cond jobtier.Condition) (jobtier.WriteResult, error) {
	ub, ok := updateExpression(upd)
	if !ok {
		return jobtier.WriteConflict, fmt.Errorf("empty update for job %s", key.JobID)
	}
	expr, err := expression.NewBuilder().WithUpdate(ub).WithCondition(conditionExpression(cond)).Build()
	if err != nil {
		return jobtier.WriteConflict, fmt.Errorf("failed to build update expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 itemKey(key),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return jobtier.WriteConflict, fmt.Errorf("%w: %s", jobtier.ErrJobNotFound, key.JobID)
		}
		s.logger.Debug("UpdateJob: condition failed", "jobID", key.JobID)
		return jobtier.WriteConflict, nil
	}
	if err != nil {
		return jobtier.WriteConflict, fmt.Errorf("failed to update job %s: %w", key.JobID, err)
	}
	return jobtier.WriteApplied, nil
}

func queryFilter(q jobtier.JobQuery) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder
	if q.JobStatus != "" {
		conds = append(conds, expression.Name("job_status").Equal(expression.Value(string(q.JobStatus))))
	}
	if q.ArchiveStatus != nil {
		conds = append(conds, expression.Name("archive_status").Equal(expression.Value(string(*q.ArchiveStatus))))
	}
	if q.HasArchiveID {
		conds = append(conds, expression.AttributeExists(expression.Name("results_file_archive_id")))
	}
	if q.StartedBefore != 0 {
		conds = append(conds,
			expression.Name("start_time").GreaterThan(expression.Value(0)),
			expression.Name("start_time").LessThan(expression.Value(q.StartedBefore)))
	}
	if len(conds) == 0 {
		return expression.ConditionBuilder{}, false
	}
	c := conds[0]
	for _, next := range conds[1:] {
		c = c.And(next)
	}
	return c, true
}

// QueryJobs queries the user index, or scans the table when no user is given.
func (s *DynamoStore) QueryJobs(ctx context.Context, q jobtier.JobQuery) ([]*jobtier.JobRecord, error) {
	builder := expression.NewBuilder()
	filter, hasFilter := queryFilter(q)
	if hasFilter {
		builder = builder.WithFilter(filter)
	}

	var items []map[string]types.AttributeValue
	if q.UserID != "" {
		builder = builder.WithKeyCondition(expression.Key("user_id").Equal(expression.Value(q.UserID)))
		expr, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build query expression: %w", err)
		}
		p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(s.userIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to query jobs: %w", err)
			}
			items = append(items, page.Items...)
		}
	} else {
		input := &dynamodb.ScanInput{TableName: aws.String(s.table)}
		if hasFilter {
			expr, err := builder.Build()
			if err != nil {
				return nil, fmt.Errorf("failed to build scan expression: %w", err)
			}
			input.FilterExpression = expr.Filter()
			input.ExpressionAttributeNames = expr.Names()
			input.ExpressionAttributeValues = expr.Values()
		}
		p := dynamodb.NewScanPaginator(s.client, input)
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to scan jobs: %w", err)
			}
			items = append(items, page.Items...)
		}
	}

	var recs []*jobtier.JobRecord
	if err := attributevalue.UnmarshalListOfMaps(items, &recs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jobs: %w", err)
	}
	// The user index is not sorted by submit time.
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].SubmitTime != recs[j].SubmitTime {
			return recs[i].SubmitTime < recs[j].SubmitTime
		}
		return recs[i].JobID < recs[j].JobID
	})
	return recs, nil
}
