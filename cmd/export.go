package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/charmbracelet/lipgloss"

	"github.com/snapshotkit/exporter/compressors"
	"github.com/snapshotkit/exporter/encryption"
	"github.com/snapshotkit/exporter/keys"
	"github.com/snapshotkit/exporter/notify"
	"github.com/snapshotkit/exporter/pipeline"
	"github.com/snapshotkit/exporter/records"
	"github.com/snapshotkit/exporter/scan"
	"github.com/snapshotkit/exporter/status"
	"github.com/snapshotkit/exporter/writer"
)

// Error definitions
var (
	ErrTopicBlocked      = errors.New("topic is blocked from export")
	ErrPartitionsFailed  = errors.New("one or more partitions failed")
	ErrStoreNotConnected = errors.New("store client not initialized")
)

// partitionResult pairs a partition summary with its terminal error.
type partitionResult struct {
	partition scan.Partition
	summary   pipeline.Summary
	err       error
}

// Exporter runs one topic export end-to-end: plan partitions, fan out
// workers, aggregate outcomes, and record the final status.
type Exporter struct {
	config *Config
	logger *slog.Logger

	store        scan.Store
	storeCloser  func()
	keyService   keys.Service
	cipher       *encryption.Service
	compressor   compressors.Compressor
	exportSink   writer.Sink
	manifestSink writer.Sink
	status       *status.Service
	notifier     *notify.Service
	table        string
}

// NewExporter creates an exporter from validated configuration.
func NewExporter(config *Config, logger *slog.Logger) *Exporter {
	return &Exporter{
		config: config,
		logger: logger,
	}
}

// Run executes the export. The returned error is nil only when every
// partition completed without a fatal failure.
func (e *Exporter) Run(ctx context.Context) error {
	if e.config.TopicBlocked() {
		// A blocked topic is recorded, notified about, and refused.
		if err := e.connect(ctx); err != nil {
			return err
		}
		defer e.close()
		if e.status != nil {
			if err := e.status.SetCollectionStatus(ctx, status.StatusBlockedTopic); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: '%s'", ErrTopicBlocked, e.config.Topic)
	}

	if err := e.connect(ctx); err != nil {
		return err
	}
	defer e.close()

	plan, err := scan.PlanPartitions(e.config.Partitions)
	if err != nil {
		return err
	}

	e.logger.Info(fmt.Sprintf("Exporting topic '%s' (%s snapshot) across %d partitions with %d workers",
		e.config.Topic, e.config.SnapshotType, len(plan), e.config.Workers))

	results := e.runPartitions(ctx, plan)

	return e.finish(ctx, results)
}

// runPartitions fans the plan out over the worker pool. A partition's
// fatal failure does not preempt its siblings; every partition runs to
// its own conclusion.
func (e *Exporter) runPartitions(ctx context.Context, plan []scan.Partition) []partitionResult {
	jobs := make(chan scan.Partition)
	results := make([]partitionResult, 0, len(plan))

	var mu sync.Mutex
	var wg sync.WaitGroup

	workerCount := e.config.Workers
	if workerCount > len(plan) {
		workerCount = len(plan)
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for partition := range jobs {
				summary, err := e.runPartition(ctx, partition)
				mu.Lock()
				results = append(results, partitionResult{partition: partition, summary: summary, err: err})
				mu.Unlock()
			}
		}()
	}

	for _, partition := range plan {
		jobs <- partition
	}
	close(jobs)
	wg.Wait()

	return results
}

// runPartition wires and drives one partition worker.
func (e *Exporter) runPartition(ctx context.Context, partition scan.Partition) (pipeline.Summary, error) {
	extractor, err := records.NewExtractor(e.config.Topic)
	if err != nil {
		return pipeline.Summary{Partition: partition.Label()}, err
	}

	timeEnd := e.config.Scan.TimeRangeEnd
	if timeEnd == 0 {
		timeEnd = time.Now().UnixMilli()
	}
	query := scan.Query{
		Table:          e.table,
		TimeRangeStart: e.config.Scan.TimeRangeStart,
		TimeRangeEnd:   timeEnd,
		CacheBlocks:    e.config.Scan.CacheBlocks,
		CacheSize:      e.config.Scan.CacheSize,
	}
	scanner := scan.NewPartitionScanner(e.store, partition, query,
		e.config.Scan.MaxRetries,
		time.Duration(e.config.Scan.RetrySleepMs)*time.Millisecond,
		e.logger)

	batchWriter := writer.NewBatchWriter(
		writer.Config{
			Topic:            e.config.Topic,
			PartitionLabel:   partition.Label(),
			Prefix:           e.config.S3.Prefix,
			ManifestPrefix:   e.config.S3.ManifestPrefix,
			MaxBatchBytes:    e.config.Batch.MaxBytes,
			CompressionLevel: e.config.Batch.CompressionLevel,
		},
		e.exportSink,
		e.manifestSink,
		e.keyService,
		e.cipher,
		e.compressor,
		e.statusIncrementer(),
		e.exportNotifier(),
		e.logger,
	)

	runner := pipeline.NewRunner(
		scanner,
		extractor,
		pipeline.NewDecryptor(e.keyService, e.cipher, e.logger),
		pipeline.NewValidator(),
		pipeline.NewSanitiser(),
		pipeline.NewTransformer(e.config.Topic),
		batchWriter,
		partition,
		e.config.Incremental(),
		e.logger,
	)

	summary, err := runner.Run(ctx)
	if err != nil {
		e.logger.Error(fmt.Sprintf("❌ Partition %s failed: %s", partition.Label(), err.Error()))
		return summary, err
	}

	e.logger.Info(fmt.Sprintf("Partition %s done: %d read, %d written, %d skipped",
		partition.Label(), summary.RowsRead, summary.RecordsWritten, summary.RecordsSkipped))
	return summary, nil
}

// finish aggregates worker outcomes, records the terminal status, and
// sends the empty-export notification when nothing was produced.
func (e *Exporter) finish(ctx context.Context, results []partitionResult) error {
	var rowsRead, written, skipped int64
	var failed int
	for _, r := range results {
		rowsRead += r.summary.RowsRead
		written += r.summary.RecordsWritten
		skipped += r.summary.RecordsSkipped
		if r.err != nil {
			failed++
		}
	}

	e.printSummary(results, rowsRead, written, skipped, failed)

	if failed > 0 {
		jobStatus := status.StatusExportFailed
		for _, r := range results {
			if scan.IsTableUnavailable(r.err) {
				jobStatus = status.StatusTableUnavailable
				break
			}
		}
		if e.status != nil {
			if err := e.status.SetCollectionStatus(ctx, jobStatus); err != nil {
				e.logger.Error(fmt.Sprintf("❌ Failed to record failure status: %s", err.Error()))
			}
		}
		return fmt.Errorf("%w: %d of %d", ErrPartitionsFailed, failed, len(results))
	}

	if e.status != nil {
		if err := e.status.SetCollectionStatus(ctx, status.StatusExported); err != nil {
			return err
		}
	}

	exported := written
	if e.status != nil {
		// The table count survives re-runs that share a correlation
		// id, so prefer it over this run's in-memory tally.
		count, err := e.status.ExportedFilesCount(ctx)
		if err != nil {
			e.logger.Warn(fmt.Sprintf("Could not read back exported file count: %s", err.Error()))
		} else {
			exported = count
		}
	}

	if exported == 0 && e.notifier != nil {
		if err := e.notifier.NotifyNoFilesExported(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) printSummary(results []partitionResult, rowsRead, written, skipped int64, failed int) {
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	failStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)

	e.logger.Info("")
	e.logger.Info("📊 Export Summary")
	e.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	e.logger.Info(fmt.Sprintf("Partitions: %d (%d failed)", len(results), failed))
	e.logger.Info(fmt.Sprintf("Rows read: %d", rowsRead))
	e.logger.Info(fmt.Sprintf("Records written: %d", written))
	e.logger.Info(fmt.Sprintf("Records skipped: %d", skipped))
	for _, r := range results {
		if r.err != nil {
			e.logger.Info(failStyle.Render(fmt.Sprintf("  ✗ %s: %s", r.partition.Label(), r.err.Error())))
		} else if e.config.Debug {
			e.logger.Debug(okStyle.Render(fmt.Sprintf("  ✓ %s: %d written", r.partition.Label(), r.summary.RecordsWritten)))
		}
	}
}

// connect builds the shared clients: store, key service, sinks, status
// table, and notification queue.
func (e *Exporter) connect(ctx context.Context) error {
	table, err := scan.TableFromTopic(e.config.Topic)
	if err != nil {
		return err
	}
	e.table = table

	store := scan.NewHBaseStore(e.config.Scan.ZookeeperQuorum, e.config.Scan.Family)
	e.store = store
	e.storeCloser = store.Close

	e.keyService = keys.NewClient(e.config.Keys.URL, keys.NewMemoryCache(), e.logger)
	e.cipher = encryption.NewService()

	compressor, err := compressors.GetCompressor(e.config.Batch.Compression)
	if err != nil {
		return err
	}
	e.compressor = compressor

	needsAWS := e.config.Sink == "s3" || e.config.Status.Table != "" || e.config.Notify.QueueURL != ""
	var sess *session.Session
	if needsAWS {
		awsConfig := &aws.Config{
			Region: aws.String(e.config.S3.Region),
		}
		if e.config.S3.Endpoint != "" {
			awsConfig.Endpoint = aws.String(e.config.S3.Endpoint)
			awsConfig.S3ForcePathStyle = aws.Bool(true)
		}
		if e.config.S3.AccessKey != "" {
			awsConfig.Credentials = credentials.NewStaticCredentials(e.config.S3.AccessKey, e.config.S3.SecretKey, "")
		}
		sess, err = session.NewSession(awsConfig)
		if err != nil {
			return fmt.Errorf("failed to create AWS session: %w", err)
		}
	}

	switch e.config.Sink {
	case "file":
		e.exportSink = writer.NewFileSink(e.config.OutputDir, e.logger)
		e.manifestSink = e.exportSink
	default:
		client := s3.New(sess)
		uploader := s3manager.NewUploader(sess)
		e.exportSink = writer.NewS3Sink(client, uploader, e.config.S3.Bucket, e.config.S3.MaxRetries, e.logger)
		e.manifestSink = writer.NewS3Sink(client, uploader, e.config.S3.ManifestBucket, e.config.S3.MaxRetries, e.logger)
	}

	if e.config.Status.Table != "" {
		e.status = status.NewService(dynamodb.New(sess), e.config.Status.Table,
			e.config.CorrelationID, e.config.Topic, e.config.S3.MaxRetries, e.logger)
	}
	if e.config.Notify.QueueURL != "" {
		e.notifier = notify.NewService(sqs.New(sess), notify.Config{
			QueueURL:       e.config.Notify.QueueURL,
			CorrelationID:  e.config.CorrelationID,
			Topic:          e.config.Topic,
			ExportDate:     e.config.ExportDate,
			SnapshotType:   e.config.SnapshotType,
			ShutdownFlag:   e.config.Notify.ShutdownFlag,
			ReprocessFiles: e.config.Notify.ReprocessFiles,
			MaxRetries:     e.config.S3.MaxRetries,
		}, e.logger)
	}

	return nil
}

func (e *Exporter) statusIncrementer() writer.StatusIncrementer {
	if e.status == nil {
		return nil
	}
	return e.status
}

func (e *Exporter) exportNotifier() writer.ExportNotifier {
	if e.notifier == nil {
		return nil
	}
	return e.notifier
}

func (e *Exporter) close() {
	if e.storeCloser != nil {
		e.storeCloser()
	}
}

// runPartitions implements the partitions subcommand: print the plan
// for the configured partition count.
func runPartitions() {
	initLogger(debug, logFormat)

	plan, err := scan.PlanPartitions(partitions)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		return
	}

	logger.Info(fmt.Sprintf("Partition plan for %d partitions:", partitions))
	for i, p := range plan {
		stop := "open-ended"
		if p.Stop != 0 {
			stop = fmt.Sprintf("%d", p.Stop)
		}
		logger.Info(infoStyle.Render(fmt.Sprintf("  %3d: start %3d, stop %s", i, p.Start, stop)))
	}
}
