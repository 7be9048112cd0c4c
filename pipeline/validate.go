package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapshotkit/exporter/records"
)

// manifestSource marks every manifest line as produced by an export
// run.
const manifestSource = "EXPORT"

// lastModifiedLayouts are the accepted formats for a record's
// _lastModifiedDateTime, tried in order.
var lastModifiedLayouts = []string{
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05.000Z07:00",
}

// BadRecordError marks a decrypted payload that fails validation.
type BadRecordError struct {
	Key        string
	DB         string
	Collection string
	Reason     string
}

func (e *BadRecordError) Error() string {
	return fmt.Sprintf("bad record '%s' in %s.%s: %s", e.Key, e.DB, e.Collection, e.Reason)
}

// Validator checks decrypted payloads and derives their manifest
// entries.
type Validator struct{}

// NewValidator creates the validate stage.
func NewValidator() *Validator {
	return &Validator{}
}

// Process parses the decrypted plaintext, verifies its identifier and
// last-modified date, stamps the row timestamp onto the object, and
// builds the manifest entry. All failures skip the record.
func (v *Validator) Process(source records.SourceRecord, plaintext string) Result[records.DecryptedRecord] {
	key := records.PrintableKey(source.RowKey)

	var object map[string]any
	if err := json.Unmarshal([]byte(plaintext), &object); err != nil {
		return Skipped[records.DecryptedRecord](v.bad(key, source, fmt.Sprintf("decrypted payload is not valid JSON: %v", err)))
	}

	id, originalID, err := normalizeID(object["_id"])
	if err != nil {
		return Skipped[records.DecryptedRecord](v.bad(key, source, err.Error()))
	}

	if raw := lastModifiedString(object); raw != "" {
		if !parseableLastModified(raw) {
			return Skipped[records.DecryptedRecord](v.bad(key, source, fmt.Sprintf("unparseable _lastModifiedDateTime '%s'", raw)))
		}
	}

	object["timestamp"] = source.Timestamp
	payload, err := json.Marshal(object)
	if err != nil {
		return Skipped[records.DecryptedRecord](v.bad(key, source, fmt.Sprintf("failed to serialize payload: %v", err)))
	}

	return Ok(records.DecryptedRecord{
		Payload: string(payload),
		Manifest: records.ManifestRecord{
			ID:                  id,
			Timestamp:           source.Timestamp,
			DB:                  source.DB,
			Collection:          source.Collection,
			Source:              manifestSource,
			ExternalOuterSource: source.OuterType,
			ExternalInnerSource: source.InnerType,
			OriginalID:          originalID,
		},
	})
}

func (v *Validator) bad(key string, source records.SourceRecord, reason string) error {
	return &BadRecordError{Key: key, DB: source.DB, Collection: source.Collection, Reason: reason}
}

// normalizeID canonicalizes a record's _id. Scalar ids (and single-key
// {"id": <scalar>} wrappers) are re-wrapped as {"$oid": "..."} with the
// scalar kept as the original id; object ids are serialized with sorted
// keys and used for both.
func normalizeID(id any) (string, string, error) {
	switch value := id.(type) {
	case nil:
		return "", "", fmt.Errorf("id not found in the decrypted payload")
	case map[string]any:
		if inner, ok := scalarIDWrapper(value); ok {
			return oidForm(inner), inner, nil
		}
		serialized, err := json.Marshal(value)
		if err != nil {
			return "", "", fmt.Errorf("failed to serialize _id: %w", err)
		}
		return string(serialized), string(serialized), nil
	case string:
		return oidForm(value), value, nil
	default:
		rendered, err := json.Marshal(value)
		if err != nil {
			return "", "", fmt.Errorf("failed to serialize _id: %w", err)
		}
		return oidForm(string(rendered)), string(rendered), nil
	}
}

// scalarIDWrapper unwraps the {"id": <scalar>} form.
func scalarIDWrapper(value map[string]any) (string, bool) {
	if len(value) != 1 {
		return "", false
	}
	inner, ok := value["id"]
	if !ok {
		return "", false
	}
	switch scalar := inner.(type) {
	case string:
		return scalar, true
	case float64, bool:
		rendered, _ := json.Marshal(scalar)
		return string(rendered), true
	default:
		return "", false
	}
}

func oidForm(id string) string {
	rendered, _ := json.Marshal(map[string]string{"$oid": id})
	return string(rendered)
}

func lastModifiedString(object map[string]any) string {
	switch value := object["_lastModifiedDateTime"].(type) {
	case string:
		return value
	case map[string]any:
		date, _ := value["$date"].(string)
		return date
	}
	return ""
}

func parseableLastModified(raw string) bool {
	for _, layout := range lastModifiedLayouts {
		if _, err := time.Parse(layout, raw); err == nil {
			return true
		}
	}
	return false
}
