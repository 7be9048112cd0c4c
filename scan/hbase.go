package scan

import (
	"context"
	"fmt"
	"strings"

	"github.com/tsuna/gohbase"
	"github.com/tsuna/gohbase/hrpc"
)

// transientScanFailures are the server-side conditions worth a scanner
// reopen. Anything else propagates as-is.
var transientScanFailures = []string{
	"NotServingRegionException",
	"RegionMovedException",
	"RegionServerStoppedException",
	"UnknownScannerException",
	"ScannerResetException",
	"LeaseException",
	"region unavailable",
}

// tableUnavailableFailures mark a table that is missing or disabled.
// These sink the whole job, not just one scanner.
var tableUnavailableFailures = []string{
	"TableNotFoundException",
	"TableNotEnabledException",
}

// IsTableUnavailable reports whether err means the scanned table does
// not exist or is disabled.
func IsTableUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range tableUnavailableFailures {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// HBaseStore adapts a gohbase client to the Store interface.
type HBaseStore struct {
	client gohbase.Client
	family string
}

// NewHBaseStore connects to the cluster behind the given ZooKeeper
// quorum. Rows are read from the single column family the ingestion
// pipeline writes to.
func NewHBaseStore(zookeeperQuorum, family string) *HBaseStore {
	return &HBaseStore{
		client: gohbase.NewClient(zookeeperQuorum),
		family: family,
	}
}

// TableFromTopic maps a qualified topic to its table name: the source
// segment is dropped, the database becomes the namespace, and dashes
// become underscores.
func TableFromTopic(topic string) (string, error) {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: '%s'", ErrTopicUnmappable, topic)
	}
	return strings.ReplaceAll(parts[1]+":"+parts[2], "-", "_"), nil
}

// Open starts a scan and returns a RowScanner over its results.
func (s *HBaseStore) Open(ctx context.Context, q Query) (RowScanner, error) {
	options := []func(hrpc.Call) error{
		hrpc.Families(map[string][]string{s.family: nil}),
		hrpc.TimeRangeUint64(uint64(q.TimeRangeStart), uint64(q.TimeRangeEnd)),
		hrpc.CacheBlocks(q.CacheBlocks),
	}
	if q.CacheSize > 0 {
		options = append(options, hrpc.NumberOfRows(uint32(q.CacheSize)))
	}

	stop := q.StopRow
	if stop == nil {
		stop = []byte{}
	}
	request, err := hrpc.NewScanRange(ctx, []byte(q.Table), q.StartRow, stop, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to build scan request: %w", err)
	}
	return &hbaseScanner{scanner: s.client.Scan(request)}, nil
}

// Close shuts the underlying cluster client down.
func (s *HBaseStore) Close() {
	s.client.Close()
}

type hbaseScanner struct {
	scanner hrpc.Scanner
}

// Next returns the first cell of the next result row. Transient region
// conditions come back wrapped in ErrRegionUnavailable so the caller
// can reopen.
func (h *hbaseScanner) Next() (Row, error) {
	result, err := h.scanner.Next()
	if err != nil {
		if isTransientScanFailure(err) {
			return Row{}, fmt.Errorf("%w: %w", ErrRegionUnavailable, err)
		}
		return Row{}, err
	}
	if len(result.Cells) == 0 {
		return Row{}, fmt.Errorf("scan returned a row with no cells")
	}

	cell := result.Cells[0]
	row := Row{
		Key:   cell.Row,
		Value: cell.Value,
	}
	if cell.Timestamp != nil {
		row.Timestamp = int64(*cell.Timestamp)
	}
	return row, nil
}

func (h *hbaseScanner) Close() error {
	return h.scanner.Close()
}

func isTransientScanFailure(err error) bool {
	msg := err.Error()
	for _, marker := range transientScanFailures {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
