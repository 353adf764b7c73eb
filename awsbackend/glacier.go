package awsbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"

	"github.com/VsevolodSauta/jobtier"
)

// accountSelf tells Glacier to use the account of the credentials.
const accountSelf = "-"

// GlacierAPI is the subset of the Glacier client used by GlacierVault.
type GlacierAPI interface {
	UploadArchive(ctx context.Context, params *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, params *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	GetJobOutput(ctx context.Context, params *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, params *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// GlacierVault implements jobtier.Vault on a Glacier vault. Retrieval
// completion is announced by Glacier on the SNS topic given as the
// request's NotificationTarget.
type GlacierVault struct {
	client GlacierAPI
	name   string
	logger *slog.Logger
}

// NewGlacierVault creates a vault client for the named vault.
func NewGlacierVault(client GlacierAPI, name string, logger *slog.Logger) *GlacierVault {
	return &GlacierVault{client: client, name: name, logger: logger}
}

func mapGlacierError(err error) error {
	var capacity *types.InsufficientCapacityException
	if errors.As(err, &capacity) {
		return fmt.Errorf("%w: %v", jobtier.ErrInsufficientCapacity, err)
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", jobtier.ErrArchiveNotFound, err)
	}
	return err
}

func (v *GlacierVault) CreateArchive(ctx context.Context, data []byte, description string) (string, error) {
	out, err := v.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String(accountSelf),
		VaultName:          aws.String(v.name),
		ArchiveDescription: aws.String(description),
		Body:               bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", mapGlacierError(err))
	}
	v.logger.Debug("GlacierVault: archive created", "vault", v.name, "archiveID", aws.ToString(out.ArchiveId))
	return aws.ToString(out.ArchiveId), nil
}

func (v *GlacierVault) InitiateRetrieval(ctx context.Context, req jobtier.RetrievalRequest) (string, error) {
	params := &types.JobParameters{
		Type:        aws.String("archive-retrieval"),
		ArchiveId:   aws.String(req.ArchiveID),
		Description: aws.String(req.Description),
		Tier:        aws.String(string(req.Tier)),
	}
	if req.NotificationTarget != "" {
		params.SNSTopic = aws.String(req.NotificationTarget)
	}
	out, err := v.client.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(accountSelf),
		VaultName:     aws.String(v.name),
		JobParameters: params,
	})
	if err != nil {
		return "", fmt.Errorf("failed to initiate %s retrieval: %w", req.Tier, mapGlacierError(err))
	}
	return aws.ToString(out.JobId), nil
}

func (v *GlacierVault) GetRetrievalOutput(ctx context.Context, retrievalID string) ([]byte, error) {
	out, err := v.client.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(accountSelf),
		VaultName: aws.String(v.name),
		JobId:     aws.String(retrievalID),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil, fmt.Errorf("%w: %s", jobtier.ErrRetrievalNotFound, retrievalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retrieval output: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read retrieval output: %w", err)
	}
	return data, nil
}

func (v *GlacierVault) DeleteArchive(ctx context.Context, archiveID string) error {
	_, err := v.client.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(accountSelf),
		VaultName: aws.String(v.name),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archive %s: %w", archiveID, mapGlacierError(err))
	}
	return nil
}
