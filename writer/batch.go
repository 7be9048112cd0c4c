package writer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/snapshotkit/exporter/compressors"
	"github.com/snapshotkit/exporter/encryption"
	"github.com/snapshotkit/exporter/keys"
	"github.com/snapshotkit/exporter/records"
)

// exportContentType is stamped on every sealed batch object.
const exportContentType = "binary/octetstream"

// StatusIncrementer records successfully exported files against the
// job's status table.
type StatusIncrementer interface {
	IncrementExportedCount(ctx context.Context, objectKey string) error
}

// ExportNotifier tells the downstream consumer a sealed batch is ready.
type ExportNotifier interface {
	NotifyBatchExported(ctx context.Context, objectKey string) error
}

// Config carries the per-partition settings for a BatchWriter.
type Config struct {
	Topic            string
	PartitionLabel   string // absolute partition boundaries, e.g. "0-16"
	Prefix           string
	ManifestPrefix   string
	MaxBatchBytes    int
	CompressionLevel int
}

// Totals aggregates what a writer produced over its lifetime.
type Totals struct {
	Batches int64
	Records int64
	Bytes   int64 // plaintext bytes before compression and ciphering
}

// BatchWriter accumulates records into size-bounded batches and seals
// each one with a fresh data key: plaintext lines flow through the
// compressor into an AES/CTR stream, and the wrapped key travels in the
// object's metadata. One writer serves one partition and is not safe
// for concurrent use.
type BatchWriter struct {
	config     Config
	exportSink Sink
	manifests  Sink
	keys       keys.Service
	cipher     *encryption.Service
	compressor compressors.Compressor
	status     StatusIncrementer
	notifier   ExportNotifier
	logger     *slog.Logger

	sequence int
	plain    bytes.Buffer
	manifest *manifestEncoder
	batchLen int64
	totals   Totals
}

// NewBatchWriter wires a writer for one partition.
func NewBatchWriter(
	config Config,
	exportSink Sink,
	manifestSink Sink,
	keyService keys.Service,
	cipher *encryption.Service,
	compressor compressors.Compressor,
	status StatusIncrementer,
	notifier ExportNotifier,
	logger *slog.Logger,
) *BatchWriter {
	return &BatchWriter{
		config:     config,
		exportSink: exportSink,
		manifests:  manifestSink,
		keys:       keyService,
		cipher:     cipher,
		compressor: compressor,
		status:     status,
		notifier:   notifier,
		logger:     logger,
		manifest:   newManifestEncoder(),
	}
}

// Write appends one record to the current batch, sealing the batch
// first when the record would push it past the size threshold. A record
// that exactly fills the remaining space stays in the current batch.
func (w *BatchWriter) Write(ctx context.Context, record records.Record) error {
	line := len(record.Payload) + 1
	if w.plain.Len() > 0 && w.plain.Len()+line > w.config.MaxBatchBytes {
		if err := w.flush(ctx); err != nil {
			return err
		}
	}

	w.plain.WriteString(record.Payload)
	w.plain.WriteByte('\n')
	if err := w.manifest.Append(record.Manifest); err != nil {
		return err
	}
	w.batchLen++
	return nil
}

// Close seals whatever is still buffered. The end-of-partition flush
// fires even when the batch is far below the threshold.
func (w *BatchWriter) Close(ctx context.Context) error {
	return w.flush(ctx)
}

// Totals reports what this writer exported.
func (w *BatchWriter) Totals() Totals {
	return w.totals
}

func (w *BatchWriter) flush(ctx context.Context) error {
	if w.batchLen == 0 {
		return nil
	}
	w.sequence++

	dataKey, err := w.keys.BatchDataKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain batch data key: %w", err)
	}
	iv, ivEncoded, err := w.cipher.NewInitialisationVector()
	if err != nil {
		return err
	}

	var sealed bytes.Buffer
	encrypting, err := w.cipher.StreamWriter(dataKey.PlaintextKey, iv, &sealed)
	if err != nil {
		return err
	}
	compressing, err := w.compressor.NewWriter(encrypting, w.config.CompressionLevel)
	if err != nil {
		return err
	}
	if _, err := compressing.Write(w.plain.Bytes()); err != nil {
		compressing.Close()
		return fmt.Errorf("failed to seal batch: %w", err)
	}
	if err := compressing.Close(); err != nil {
		return fmt.Errorf("failed to close batch stream: %w", err)
	}

	objectKey := fmt.Sprintf("%s/%s-%s-%06d.txt%s.enc",
		w.config.Prefix, w.config.Topic, w.config.PartitionLabel, w.sequence, w.compressor.Extension())

	err = w.exportSink.Put(ctx, Object{
		Key:         objectKey,
		Body:        sealed.Bytes(),
		ContentType: exportContentType,
		Metadata: map[string]string{
			"iv":                     ivEncoded,
			"cipherText":             dataKey.CiphertextKey,
			"dataKeyEncryptionKeyId": dataKey.KeyEncryptionKeyID,
		},
	})
	if err != nil {
		return err
	}

	manifestBody, err := w.manifest.Bytes()
	if err != nil {
		return err
	}
	manifestKey := fmt.Sprintf("%s/%s-%s-%06d.csv",
		w.config.ManifestPrefix, w.config.Topic, w.config.PartitionLabel, w.sequence)
	err = w.manifests.Put(ctx, Object{
		Key:         manifestKey,
		Body:        manifestBody,
		ContentType: "text/plain",
	})
	if err != nil {
		return err
	}

	if w.status != nil {
		if err := w.status.IncrementExportedCount(ctx, objectKey); err != nil {
			return err
		}
	}
	if w.notifier != nil {
		if err := w.notifier.NotifyBatchExported(ctx, objectKey); err != nil {
			return err
		}
	}

	w.logger.Info("Sealed batch",
		"objectKey", objectKey,
		"records", w.batchLen,
		"plainBytes", w.plain.Len(),
		"sealedBytes", sealed.Len())

	w.totals.Batches++
	w.totals.Records += w.batchLen
	w.totals.Bytes += int64(w.plain.Len())

	w.plain.Reset()
	w.manifest = newManifestEncoder()
	w.batchLen = 0
	return nil
}
