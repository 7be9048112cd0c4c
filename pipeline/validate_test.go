package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/snapshotkit/exporter/records"
)

func testSource() records.SourceRecord {
	return records.SourceRecord{
		RowKey:     []byte("id-1"),
		Timestamp:  1544799662000,
		DB:         "core",
		Collection: "claimant",
		OuterType:  "OUTER_TYPE",
		InnerType:  "INNER_TYPE",
	}
}

func TestValidatorStampsTimestamp(t *testing.T) {
	result := NewValidator().Process(testSource(), `{"_id":{"$oid":"abc"},"field":"value"}`)
	if result.Skip != nil || result.Fatal != nil {
		t.Fatalf("unexpected failure: skip=%v fatal=%v", result.Skip, result.Fatal)
	}

	var object map[string]any
	if err := json.Unmarshal([]byte(result.Value.Payload), &object); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if ts, ok := object["timestamp"].(float64); !ok || int64(ts) != 1544799662000 {
		t.Errorf("timestamp = %v, want 1544799662000", object["timestamp"])
	}
	if object["field"] != "value" {
		t.Error("payload fields were not preserved")
	}
}

func TestValidatorManifestFields(t *testing.T) {
	result := NewValidator().Process(testSource(), `{"_id":"abc"}`)
	if result.Skip != nil || result.Fatal != nil {
		t.Fatalf("unexpected failure: skip=%v fatal=%v", result.Skip, result.Fatal)
	}

	m := result.Value.Manifest
	if m.Timestamp != 1544799662000 {
		t.Errorf("Timestamp = %d", m.Timestamp)
	}
	if m.DB != "core" || m.Collection != "claimant" {
		t.Errorf("DB.Collection = %s.%s", m.DB, m.Collection)
	}
	if m.Source != "EXPORT" {
		t.Errorf("Source = %q", m.Source)
	}
	if m.ExternalOuterSource != "OUTER_TYPE" || m.ExternalInnerSource != "INNER_TYPE" {
		t.Errorf("types = %s/%s", m.ExternalOuterSource, m.ExternalInnerSource)
	}
}

func TestValidatorIDNormalization(t *testing.T) {
	tests := []struct {
		name       string
		plaintext  string
		id         string
		originalID string
	}{
		{
			name:       "string id is oid wrapped",
			plaintext:  `{"_id":"abc"}`,
			id:         `{"$oid":"abc"}`,
			originalID: "abc",
		},
		{
			name:       "numeric id is rendered then oid wrapped",
			plaintext:  `{"_id":42}`,
			id:         `{"$oid":"42"}`,
			originalID: "42",
		},
		{
			name:       "single key id wrapper is unwrapped",
			plaintext:  `{"_id":{"id":"abc"}}`,
			id:         `{"$oid":"abc"}`,
			originalID: "abc",
		},
		{
			name:       "object id is serialized with sorted keys",
			plaintext:  `{"_id":{"declarationId":"1","citizenId":"2"}}`,
			id:         `{"citizenId":"2","declarationId":"1"}`,
			originalID: `{"citizenId":"2","declarationId":"1"}`,
		},
		{
			name:       "multi key object containing id stays an object",
			plaintext:  `{"_id":{"id":"abc","other":"x"}}`,
			id:         `{"id":"abc","other":"x"}`,
			originalID: `{"id":"abc","other":"x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewValidator().Process(testSource(), tt.plaintext)
			if result.Skip != nil || result.Fatal != nil {
				t.Fatalf("unexpected failure: skip=%v fatal=%v", result.Skip, result.Fatal)
			}
			if result.Value.Manifest.ID != tt.id {
				t.Errorf("ID = %s, want %s", result.Value.Manifest.ID, tt.id)
			}
			if result.Value.Manifest.OriginalID != tt.originalID {
				t.Errorf("OriginalID = %s, want %s", result.Value.Manifest.OriginalID, tt.originalID)
			}
		})
	}
}

func TestValidatorSkips(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
		reason    string
	}{
		{"not json", `{"_id":`, "not valid JSON"},
		{"missing id", `{"field":"value"}`, "id not found"},
		{"unparseable last modified string", `{"_id":"a","_lastModifiedDateTime":"not-a-date"}`, "unparseable _lastModifiedDateTime"},
		{"unparseable last modified date wrapper", `{"_id":"a","_lastModifiedDateTime":{"$date":"2018-13-45"}}`, "unparseable _lastModifiedDateTime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewValidator().Process(testSource(), tt.plaintext)
			if result.Fatal != nil {
				t.Fatalf("validation failures must never be fatal: %v", result.Fatal)
			}
			var bad *BadRecordError
			if !errors.As(result.Skip, &bad) {
				t.Fatalf("expected BadRecordError, got %v", result.Skip)
			}
			if !strings.Contains(bad.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to mention %q", bad.Reason, tt.reason)
			}
			if bad.DB != "core" || bad.Collection != "claimant" {
				t.Errorf("error lost the record's location: %s.%s", bad.DB, bad.Collection)
			}
		})
	}
}

func TestValidatorAcceptsParseableLastModified(t *testing.T) {
	for _, plaintext := range []string{
		`{"_id":"a","_lastModifiedDateTime":"2018-12-14T15:01:02.000+0000"}`,
		`{"_id":"a","_lastModifiedDateTime":"2018-12-14T15:01:02.000+00:00"}`,
		`{"_id":"a","_lastModifiedDateTime":{"$date":"2018-12-14T15:01:02.000Z"}}`,
	} {
		result := NewValidator().Process(testSource(), plaintext)
		if result.Skip != nil || result.Fatal != nil {
			t.Errorf("%s rejected: skip=%v fatal=%v", plaintext, result.Skip, result.Fatal)
		}
	}
}
