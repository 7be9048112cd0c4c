// Package scan reads raw rows out of the wide-column store, one
// byte-prefix partition at a time, resuming across transient region
// failures.
package scan

import (
	"context"
	"errors"
	"fmt"
)

// Static errors for scanning
var (
	ErrPartitionCountInvalid = errors.New("partition count must be between 1 and 256")
	ErrTopicUnmappable       = errors.New("topic name cannot be mapped to a table")

	// ErrRegionUnavailable marks transient store failures. Store
	// adapters wrap region-not-serving conditions with it so the
	// partition scanner knows a reopen is worth attempting.
	ErrRegionUnavailable = errors.New("store region unavailable")
)

// Row is one raw cell lifted out of the store.
type Row struct {
	Key       []byte
	Value     []byte
	Timestamp int64 // cell version, epoch milliseconds
}

// Query describes one scan over the store.
type Query struct {
	Table          string
	StartRow       []byte // inclusive; nil scans from the beginning
	StopRow        []byte // exclusive; nil scans to the end
	TimeRangeStart int64  // epoch milliseconds, inclusive
	TimeRangeEnd   int64  // epoch milliseconds, exclusive
	CacheBlocks    bool
	CacheSize      int
}

// RowScanner is an open scan over a key range. Next returns io.EOF
// once the range is exhausted.
type RowScanner interface {
	Next() (Row, error)
	Close() error
}

// Store opens scanners against the backing wide-column store.
type Store interface {
	Open(ctx context.Context, q Query) (RowScanner, error)
}

// Partition is a disjoint byte-prefix range of the store's keyspace,
// processed end-to-end by one worker. Stop is the first excluded
// prefix byte; Stop == 0 means the range is open-ended.
type Partition struct {
	Start byte
	Stop  byte
}

// Label renders the partition's absolute boundaries for object keys
// and logs.
func (p Partition) Label() string {
	return fmt.Sprintf("%d-%d", p.Start, p.Stop)
}

// StartRow returns the inclusive scan lower bound for the partition.
func (p Partition) StartRow() []byte {
	return []byte{p.Start}
}

// StopRow returns the exclusive scan upper bound, or nil when the
// partition is open-ended.
func (p Partition) StopRow() []byte {
	if p.Stop == 0 {
		return nil
	}
	return []byte{p.Stop}
}

// PlanPartitions splits the 256-wide prefix byte space into count
// contiguous partitions. The last partition is always open-ended so no
// key can fall outside the plan.
func PlanPartitions(count int) ([]Partition, error) {
	if count < 1 || count > 256 {
		return nil, fmt.Errorf("%w, got %d", ErrPartitionCountInvalid, count)
	}

	width := 256 / count
	if 256%count != 0 {
		width++
	}

	partitions := make([]Partition, 0, count)
	for start := 0; start < 256; start += width {
		stop := start + width
		if stop >= 256 {
			stop = 0 // open-ended
		}
		partitions = append(partitions, Partition{Start: byte(start), Stop: byte(stop)})
	}
	return partitions, nil
}
