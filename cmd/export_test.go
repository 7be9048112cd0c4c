package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/snapshotkit/exporter/notify"
	"github.com/snapshotkit/exporter/scan"
	"github.com/snapshotkit/exporter/status"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDynamo records status updates and serves a fixed row back.
type fakeDynamo struct {
	updates []*dynamodb.UpdateItemInput
	getItem map[string]*dynamodb.AttributeValue
}

func (f *fakeDynamo) UpdateItemWithContext(_ aws.Context, input *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, input)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, _ *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

type fakeSQS struct {
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessageWithContext(_ aws.Context, input *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, input)
	return &sqs.SendMessageOutput{}, nil
}

func newFinishExporter(dynamo *fakeDynamo, queue *fakeSQS) *Exporter {
	cfg := validConfig()
	logger := newTestLogger()
	e := NewExporter(&cfg, logger)
	e.status = status.NewService(dynamo, "JobStatus", "corr-1", cfg.Topic, 0, logger)
	if queue != nil {
		e.notifier = notify.NewService(queue, notify.Config{
			QueueURL:      "https://sqs.local/exports.fifo",
			CorrelationID: "corr-1",
			Topic:         cfg.Topic,
			ExportDate:    cfg.ExportDate,
			SnapshotType:  cfg.SnapshotType,
		}, logger)
	}
	return e
}

func lastStatus(t *testing.T, dynamo *fakeDynamo) string {
	t.Helper()
	if len(dynamo.updates) == 0 {
		t.Fatal("no status updates recorded")
	}
	input := dynamo.updates[len(dynamo.updates)-1]
	if aws.StringValue(input.UpdateExpression) != "SET CollectionStatus = :status" {
		t.Fatalf("expression = %s", aws.StringValue(input.UpdateExpression))
	}
	return aws.StringValue(input.ExpressionAttributeValues[":status"].S)
}

func TestFinishClassifiesMissingTable(t *testing.T) {
	dynamo := &fakeDynamo{}
	e := newFinishExporter(dynamo, nil)
	results := []partitionResult{
		{partition: scan.Partition{Start: 0, Stop: 128},
			err: fmt.Errorf("partition 0-128 scan failed: %w",
				errors.New("org.apache.hadoop.hbase.TableNotFoundException: core:claimant"))},
		{partition: scan.Partition{Start: 128, Stop: 0}},
	}

	err := e.finish(context.Background(), results)
	if !errors.Is(err, ErrPartitionsFailed) {
		t.Fatalf("expected partition failure, got %v", err)
	}
	if got := lastStatus(t, dynamo); got != status.StatusTableUnavailable {
		t.Errorf("status = %s, want %s", got, status.StatusTableUnavailable)
	}
}

func TestFinishRecordsExportFailed(t *testing.T) {
	dynamo := &fakeDynamo{}
	e := newFinishExporter(dynamo, nil)
	results := []partitionResult{
		{partition: scan.Partition{Start: 0, Stop: 0}, err: errors.New("upload failed")},
	}

	err := e.finish(context.Background(), results)
	if !errors.Is(err, ErrPartitionsFailed) {
		t.Fatalf("expected partition failure, got %v", err)
	}
	if got := lastStatus(t, dynamo); got != status.StatusExportFailed {
		t.Errorf("status = %s, want %s", got, status.StatusExportFailed)
	}
}

func TestFinishNotifiesWhenNothingExported(t *testing.T) {
	dynamo := &fakeDynamo{}
	queue := &fakeSQS{}
	e := newFinishExporter(dynamo, queue)
	results := []partitionResult{{partition: scan.Partition{Start: 0, Stop: 0}}}

	if err := e.finish(context.Background(), results); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := lastStatus(t, dynamo); got != status.StatusExported {
		t.Errorf("status = %s, want %s", got, status.StatusExported)
	}
	if len(queue.sent) != 1 {
		t.Errorf("expected the empty-export notification, got %d messages", len(queue.sent))
	}
}

func TestFinishReadsExportedCountBack(t *testing.T) {
	// A re-run sharing a correlation id may write nothing itself while
	// the status row already counts files from the earlier attempt.
	dynamo := &fakeDynamo{getItem: map[string]*dynamodb.AttributeValue{
		"FilesExported": {N: aws.String("3")},
	}}
	queue := &fakeSQS{}
	e := newFinishExporter(dynamo, queue)
	results := []partitionResult{{partition: scan.Partition{Start: 0, Stop: 0}}}

	if err := e.finish(context.Background(), results); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(queue.sent) != 0 {
		t.Errorf("expected no notification, got %d messages", len(queue.sent))
	}
}
