// Package notify tells the downstream snapshot consumer which exported
// objects are ready to collect.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/cenkalti/backoff/v4"
)

// SQSAPI is the slice of the SQS client the service uses.
type SQSAPI interface {
	SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error)
}

// message is the wire shape the downstream consumer expects. All
// values travel as strings.
type message struct {
	ShutdownFlag   string `json:"shutdown_flag"`
	CorrelationID  string `json:"correlation_id"`
	TopicName      string `json:"topic_name"`
	ExportDate     string `json:"export_date"`
	ReprocessFiles string `json:"reprocess_files"`
	S3FullFolder   string `json:"s3_full_folder"`
	SnapshotType   string `json:"snapshot_type"`
}

// Config carries the run-level fields stamped on every message.
type Config struct {
	QueueURL       string
	CorrelationID  string
	Topic          string
	ExportDate     string // YYYY-MM-DD
	SnapshotType   string // "full" or "incremental"
	ShutdownFlag   bool
	ReprocessFiles bool
	MaxRetries     int
}

// Service sends batch-ready notifications over SQS with bounded
// exponential backoff.
type Service struct {
	client SQSAPI
	config Config
	logger *slog.Logger
}

// NewService creates a notifier for one export run.
func NewService(client SQSAPI, config Config, logger *slog.Logger) *Service {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Service{client: client, config: config, logger: logger}
}

// NotifyBatchExported announces one sealed batch object.
func (s *Service) NotifyBatchExported(ctx context.Context, objectKey string) error {
	if err := s.send(ctx, objectKey); err != nil {
		return err
	}
	s.logger.Debug("Notified batch exported", "objectKey", objectKey)
	return nil
}

// NotifyNoFilesExported announces a run that completed without
// producing any objects, so the consumer does not wait forever.
func (s *Service) NotifyNoFilesExported(ctx context.Context) error {
	if err := s.send(ctx, ""); err != nil {
		return err
	}
	s.logger.Info("Notified downstream: no files exported", "topic", s.config.Topic)
	return nil
}

func (s *Service) send(ctx context.Context, objectKey string) error {
	body, err := json.Marshal(message{
		ShutdownFlag:   strconv.FormatBool(s.config.ShutdownFlag),
		CorrelationID:  s.config.CorrelationID,
		TopicName:      s.config.Topic,
		ExportDate:     s.config.ExportDate,
		ReprocessFiles: strconv.FormatBool(s.config.ReprocessFiles),
		S3FullFolder:   objectKey,
		SnapshotType:   s.config.SnapshotType,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:       aws.String(s.config.QueueURL),
		MessageBody:    aws.String(string(body)),
		MessageGroupId: aws.String(strings.ReplaceAll(s.config.Topic, ".", "_")),
	}

	operation := func() error {
		_, err := s.client.SendMessageWithContext(ctx, input)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.config.MaxRetries)), ctx)
	notifyRetry := func(err error, next time.Duration) {
		s.logger.Warn(fmt.Sprintf("Notification send failed, retrying in %s", next.Round(time.Millisecond)),
			"error", err.Error())
	}
	if err := backoff.RetryNotify(operation, policy, notifyRetry); err != nil {
		return fmt.Errorf("failed to send notification for '%s': %w", objectKey, err)
	}
	return nil
}
