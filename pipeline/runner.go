package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/snapshotkit/exporter/records"
	"github.com/snapshotkit/exporter/scan"
)

// BatchSink accepts fully processed records and seals them into
// batches. Close flushes whatever is still buffered.
type BatchSink interface {
	Write(ctx context.Context, record records.Record) error
	Close(ctx context.Context) error
}

// Summary reports what one partition worker did.
type Summary struct {
	Partition      string
	RowsRead       int64
	RecordsWritten int64
	RecordsSkipped int64
}

// Runner drives one partition end-to-end: scan, extract, decrypt,
// validate, sanitise, transform, write.
type Runner struct {
	scanner     *scan.PartitionScanner
	extractor   *records.Extractor
	decryptor   *Decryptor
	validator   *Validator
	sanitiser   *Sanitiser
	transformer *Transformer
	sink        BatchSink
	partition   scan.Partition
	incremental bool
	logger      *slog.Logger
}

// NewRunner wires a partition worker.
func NewRunner(
	scanner *scan.PartitionScanner,
	extractor *records.Extractor,
	decryptor *Decryptor,
	validator *Validator,
	sanitiser *Sanitiser,
	transformer *Transformer,
	sink BatchSink,
	partition scan.Partition,
	incremental bool,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		scanner:     scanner,
		extractor:   extractor,
		decryptor:   decryptor,
		validator:   validator,
		sanitiser:   sanitiser,
		transformer: transformer,
		sink:        sink,
		partition:   partition,
		incremental: incremental,
		logger:      logger,
	}
}

// Run processes the partition to exhaustion. Skippable record errors
// are counted and logged; anything returned as an error is fatal for
// the partition.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Partition: r.partition.Label()}
	defer r.scanner.Close()

	for {
		row, ok, err := r.scanner.Next(ctx)
		if err != nil {
			return summary, fmt.Errorf("partition %s scan failed: %w", summary.Partition, err)
		}
		if !ok {
			break
		}
		summary.RowsRead++

		source, err := r.extractor.Extract(row.Key, row.Value, row.Timestamp)
		if err != nil {
			r.skip(&summary, err)
			continue
		}

		// Per-record logging is incremental-only: a full export at
		// billions of rows would swamp the log infrastructure.
		if r.incremental {
			r.logger.Info("Processing record",
				"key", records.PrintableKey(source.RowKey),
				"db", source.DB,
				"collection", source.Collection,
				"timestamp", source.Timestamp)
		}

		decrypted := r.decryptor.Process(ctx, source)
		if done, err := r.check(&summary, decrypted.Skip, decrypted.Fatal); done {
			if err != nil {
				return summary, err
			}
			continue
		}

		validated := r.validator.Process(source, decrypted.Value)
		if done, err := r.check(&summary, validated.Skip, validated.Fatal); done {
			if err != nil {
				return summary, err
			}
			continue
		}

		sanitised := r.sanitiser.Process(validated.Value)
		if done, err := r.check(&summary, sanitised.Skip, sanitised.Fatal); done {
			if err != nil {
				return summary, err
			}
			continue
		}

		transformed := r.transformer.Process(sanitised.Value)
		if done, err := r.check(&summary, transformed.Skip, transformed.Fatal); done {
			if err != nil {
				return summary, err
			}
			continue
		}

		if err := r.sink.Write(ctx, transformed.Value); err != nil {
			return summary, fmt.Errorf("partition %s write failed: %w", summary.Partition, err)
		}
		summary.RecordsWritten++
	}

	if err := r.sink.Close(ctx); err != nil {
		return summary, fmt.Errorf("partition %s final flush failed: %w", summary.Partition, err)
	}
	return summary, nil
}

// check folds a stage outcome into the summary. done is true when the
// record should not continue down the pipeline; a non-nil error is
// fatal.
func (r *Runner) check(summary *Summary, skip, fatal error) (bool, error) {
	if fatal != nil {
		return true, fmt.Errorf("partition %s aborted: %w", summary.Partition, fatal)
	}
	if skip != nil {
		r.skip(summary, skip)
		return true, nil
	}
	return false, nil
}

func (r *Runner) skip(summary *Summary, reason error) {
	summary.RecordsSkipped++
	r.logger.Warn("Skipping record",
		"partition", summary.Partition,
		"reason", reason.Error())
}
