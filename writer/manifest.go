package writer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/snapshotkit/exporter/records"
)

// manifestEncoder accumulates pipe-delimited manifest lines for one
// batch, in write order.
type manifestEncoder struct {
	buf *bytes.Buffer
	csv *csv.Writer
}

func newManifestEncoder() *manifestEncoder {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	w.Comma = '|'
	return &manifestEncoder{buf: buf, csv: w}
}

// Append writes one manifest record. Fields containing the delimiter,
// quotes, or newlines are CSV-escaped.
func (m *manifestEncoder) Append(record records.ManifestRecord) error {
	err := m.csv.Write([]string{
		record.ID,
		strconv.FormatInt(record.Timestamp, 10),
		record.DB,
		record.Collection,
		record.Source,
		record.ExternalOuterSource,
		record.OriginalID,
		record.ExternalInnerSource,
	})
	if err != nil {
		return fmt.Errorf("failed to encode manifest record: %w", err)
	}
	return nil
}

// Bytes flushes and returns the encoded manifest.
func (m *manifestEncoder) Bytes() ([]byte, error) {
	m.csv.Flush()
	if err := m.csv.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush manifest: %w", err)
	}
	return m.buf.Bytes(), nil
}
