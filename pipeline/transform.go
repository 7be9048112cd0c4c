package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/snapshotkit/exporter/records"
)

// EqualityTopic is the one topic whose records get re-wrapped in a
// message envelope before export.
const EqualityTopic = "data.equality"

// Transformer applies the per-topic envelope wrapping. For every topic
// other than the designated one it is the identity.
type Transformer struct {
	topic string
}

// NewTransformer creates the transform stage for the given topic.
func NewTransformer(topic string) *Transformer {
	return &Transformer{topic: topic}
}

// Process re-wraps the payload as {"message": {...}} with the record's
// inner type stamped as @type, when the topic calls for it.
func (t *Transformer) Process(record records.Record) Result[records.Record] {
	if t.topic != EqualityTopic {
		return Ok(record)
	}

	var object map[string]any
	if err := json.Unmarshal([]byte(record.Payload), &object); err != nil {
		return Skipped[records.Record](&BadRecordError{
			Key:        record.Manifest.OriginalID,
			DB:         record.Manifest.DB,
			Collection: record.Manifest.Collection,
			Reason:     fmt.Sprintf("payload no longer parseable at transform: %v", err),
		})
	}
	object["@type"] = record.Manifest.ExternalInnerSource

	wrapped, err := json.Marshal(map[string]any{"message": object})
	if err != nil {
		return Skipped[records.Record](&BadRecordError{
			Key:        record.Manifest.OriginalID,
			DB:         record.Manifest.DB,
			Collection: record.Manifest.Collection,
			Reason:     fmt.Sprintf("failed to wrap payload: %v", err),
		})
	}

	record.Payload = string(wrapped)
	return Ok(record)
}
