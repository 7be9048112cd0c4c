// Package status records export progress and outcomes in the job
// status table shared with the wider pipeline.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cenkalti/backoff/v4"
)

// Job outcomes written to the status table.
const (
	StatusExported         = "Exported"
	StatusExportFailed     = "Export_Failed"
	StatusTableUnavailable = "Table_Unavailable"
	StatusBlockedTopic     = "Blocked_Topic"
)

// DynamoAPI is the slice of the DynamoDB client the service uses.
type DynamoAPI interface {
	UpdateItemWithContext(ctx aws.Context, input *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error)
	GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error)
}

// Service updates one job's row, keyed by correlation id and
// collection. Updates retry with exponential backoff; exhaustion is
// fatal to the caller.
type Service struct {
	client        DynamoAPI
	table         string
	correlationID string
	collection    string
	maxRetries    uint64
	logger        *slog.Logger
}

// NewService creates a status service for one export run.
func NewService(client DynamoAPI, table, correlationID, collection string, maxRetries int, logger *slog.Logger) *Service {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Service{
		client:        client,
		table:         table,
		correlationID: correlationID,
		collection:    collection,
		maxRetries:    uint64(maxRetries),
		logger:        logger,
	}
}

// IncrementExportedCount bumps the exported file counter after a batch
// lands in storage.
func (s *Service) IncrementExportedCount(ctx context.Context, objectKey string) error {
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(),
		UpdateExpression: aws.String("ADD FilesExported :increment"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":increment": {N: aws.String("1")},
		},
	}
	if err := s.update(ctx, input, "exported count increment"); err != nil {
		return err
	}
	s.logger.Debug("Incremented exported file count", "objectKey", objectKey)
	return nil
}

// SetCollectionStatus records the job's terminal status.
func (s *Service) SetCollectionStatus(ctx context.Context, jobStatus string) error {
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(),
		UpdateExpression: aws.String("SET CollectionStatus = :status"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":status": {S: aws.String(jobStatus)},
		},
	}
	if err := s.update(ctx, input, "status update"); err != nil {
		return err
	}
	s.logger.Info("Set collection status",
		"status", jobStatus,
		"collection", s.collection,
		"correlationId", s.correlationID)
	return nil
}

// ExportedFilesCount reads the exported file counter back, for the
// empty-export check at job end.
func (s *Service) ExportedFilesCount(ctx context.Context) (int64, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read status row: %w", err)
	}
	attr, ok := out.Item["FilesExported"]
	if !ok || attr.N == nil {
		return 0, nil
	}
	var count int64
	if _, err := fmt.Sscanf(*attr.N, "%d", &count); err != nil {
		return 0, fmt.Errorf("unreadable FilesExported value '%s': %w", *attr.N, err)
	}
	return count, nil
}

func (s *Service) key() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"CorrelationId":  {S: aws.String(s.correlationID)},
		"CollectionName": {S: aws.String(s.collection)},
	}
}

func (s *Service) update(ctx context.Context, input *dynamodb.UpdateItemInput, what string) error {
	operation := func() error {
		_, err := s.client.UpdateItemWithContext(ctx, input)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	notify := func(err error, next time.Duration) {
		s.logger.Warn(fmt.Sprintf("Status %s failed, retrying in %s", what, next.Round(time.Millisecond)),
			"error", err.Error())
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("status %s failed: %w", what, err)
	}
	return nil
}
