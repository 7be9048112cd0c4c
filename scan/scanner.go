package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/snapshotkit/exporter/records"
)

// RetriesExhaustedError is raised when a partition scan cannot be
// reopened within the configured retry budget. It aborts the partition.
type RetriesExhaustedError struct {
	Attempts int
	LastKey  []byte
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("scan retries exhausted after %d attempts, last key %s: %v",
		e.Attempts, records.PrintableKey(e.LastKey), e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// scannerState tracks the lazily opened scan handle.
type scannerState int

const (
	stateClosed scannerState = iota
	stateOpen
	stateDone
)

// PartitionScanner yields a partition's rows in key order, reopening
// the underlying scan after transient region failures. It is owned by
// exactly one worker and is not safe for concurrent use.
type PartitionScanner struct {
	store     Store
	query     Query
	partition Partition

	maxRetries int
	retrySleep time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	state    scannerState
	scanner  RowScanner
	lastKey  []byte
	rowsRead int64

	logger *slog.Logger
}

// NewPartitionScanner creates a scanner for one partition. The query's
// StartRow/StopRow are derived from the partition.
func NewPartitionScanner(store Store, partition Partition, query Query, maxRetries int, retrySleep time.Duration, logger *slog.Logger) *PartitionScanner {
	query.StartRow = partition.StartRow()
	query.StopRow = partition.StopRow()
	return &PartitionScanner{
		store:      store,
		query:      query,
		partition:  partition,
		maxRetries: maxRetries,
		retrySleep: retrySleep,
		sleep:      sleepContext,
		logger:     logger,
	}
}

// Next returns the next row in the partition. The boolean is false
// once the partition is exhausted. A returned error is fatal for the
// partition.
func (s *PartitionScanner) Next(ctx context.Context) (Row, bool, error) {
	if s.state == stateDone {
		return Row{}, false, nil
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return Row{}, false, err
		}

		if s.state == stateClosed {
			if err := s.open(ctx); err != nil {
				if !errors.Is(err, ErrRegionUnavailable) {
					return Row{}, false, err
				}
				attempts++
				if retryErr := s.backOff(ctx, attempts, err); retryErr != nil {
					return Row{}, false, retryErr
				}
				continue
			}
		}

		row, err := s.scanner.Next()
		if err == nil {
			s.lastKey = append(s.lastKey[:0], row.Key...)
			s.rowsRead++
			return row, true, nil
		}
		if errors.Is(err, io.EOF) {
			s.state = stateDone
			s.closeScanner()
			return Row{}, false, nil
		}
		if !errors.Is(err, ErrRegionUnavailable) {
			s.closeScanner()
			s.state = stateDone
			return Row{}, false, err
		}

		// Transient region failure: discard the handle and reopen just
		// past the last row already handed out.
		s.closeScanner()
		s.state = stateClosed
		attempts++
		if retryErr := s.backOff(ctx, attempts, err); retryErr != nil {
			return Row{}, false, retryErr
		}
	}
}

// RowsRead reports how many rows this scanner has handed out.
func (s *PartitionScanner) RowsRead() int64 {
	return s.rowsRead
}

// Close releases the underlying scan handle. Safe to call more than
// once.
func (s *PartitionScanner) Close() error {
	s.closeScanner()
	if s.state != stateDone {
		s.state = stateDone
	}
	return nil
}

func (s *PartitionScanner) open(ctx context.Context) error {
	q := s.query
	if len(s.lastKey) > 0 {
		// Resume exclusively after the last emitted key: appending a
		// zero byte gives the smallest key strictly greater than it.
		q.StartRow = append(append([]byte{}, s.lastKey...), 0x00)
		s.logger.Info("Reopening partition scan",
			"partition", s.partition.Label(),
			"fromKey", records.PrintableKey(s.lastKey))
	}

	scanner, err := s.store.Open(ctx, q)
	if err != nil {
		return err
	}
	s.scanner = scanner
	s.state = stateOpen
	return nil
}

func (s *PartitionScanner) backOff(ctx context.Context, attempts int, cause error) error {
	if attempts >= s.maxRetries {
		return &RetriesExhaustedError{Attempts: attempts, LastKey: s.lastKey, Err: cause}
	}
	s.logger.Warn("Partition scan failed, retrying",
		"partition", s.partition.Label(),
		"attempt", attempts,
		"maxRetries", s.maxRetries,
		"error", cause.Error())
	return s.sleep(ctx, s.retrySleep)
}

func (s *PartitionScanner) closeScanner() {
	if s.scanner != nil {
		_ = s.scanner.Close()
		s.scanner = nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
