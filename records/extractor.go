package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Static errors for record extraction
var (
	ErrTopicFormatInvalid = errors.New("topic name must match <source>.<database>.<collection>")
)

const (
	// typeNotSet is stamped when a payload carries no @type hint.
	typeNotSet = "TYPE_NOT_SET"

	// defaultTimestamp is used when a row carries no usable version and
	// no parseable last-modified date: 1980-01-01T00:00:00.000Z.
	defaultTimestamp = int64(315532800000)
)

// lastModifiedLayouts are the accepted wire formats for the
// _lastModifiedDateTime field, tried in order.
var lastModifiedLayouts = []string{
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05.000Z07:00",
}

// topicPattern splits a qualified topic into database and collection.
var topicPattern = regexp.MustCompile(`^\w+\.([-\w]+)\.([-\w]+)$`)

// ParseError marks a row whose stored payload is not valid JSON.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse payload for key %s: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingFieldError marks a row whose payload lacks a mandatory field.
type MissingFieldError struct {
	Key   string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("payload for key %s is missing mandatory field '%s'", e.Key, e.Field)
}

// Extractor turns raw store cells into SourceRecords for one topic.
type Extractor struct {
	db         string
	collection string
}

// NewExtractor creates an extractor for the given topic. The topic's
// database and collection segments back-fill payloads that omit them.
func NewExtractor(topic string) (*Extractor, error) {
	m := topicPattern.FindStringSubmatch(topic)
	if m == nil {
		return nil, fmt.Errorf("%w: '%s'", ErrTopicFormatInvalid, topic)
	}
	return &Extractor{db: m[1], collection: m[2]}, nil
}

// Extract parses one stored cell into a SourceRecord. The cell value is
// the JSON envelope written by the ingestion pipeline; timestamp is the
// cell version in epoch milliseconds.
func (e *Extractor) Extract(key []byte, value []byte, timestamp int64) (SourceRecord, error) {
	printable := PrintableKey(key)

	var envelope map[string]any
	if err := json.Unmarshal(value, &envelope); err != nil {
		return SourceRecord{}, &ParseError{Key: printable, Err: err}
	}

	outerType, _ := envelope["@type"].(string)
	if outerType == "" {
		outerType = typeNotSet
	}

	message, ok := envelope["message"].(map[string]any)
	if !ok {
		return SourceRecord{}, &MissingFieldError{Key: printable, Field: "message"}
	}

	innerType, _ := message["@type"].(string)
	if innerType == "" {
		innerType = typeNotSet
	}

	encryption, ok := message["encryption"].(map[string]any)
	if !ok {
		return SourceRecord{}, &MissingFieldError{Key: printable, Field: "encryption"}
	}

	block := EncryptionBlock{}
	if block.KeyEncryptionKeyID, _ = encryption["keyEncryptionKeyId"].(string); block.KeyEncryptionKeyID == "" {
		return SourceRecord{}, &MissingFieldError{Key: printable, Field: "keyEncryptionKeyId"}
	}
	if block.InitialisationVector, _ = encryption["initialisationVector"].(string); block.InitialisationVector == "" {
		return SourceRecord{}, &MissingFieldError{Key: printable, Field: "initialisationVector"}
	}
	if block.EncryptedEncryptionKey, _ = encryption["encryptedEncryptionKey"].(string); block.EncryptedEncryptionKey == "" {
		return SourceRecord{}, &MissingFieldError{Key: printable, Field: "encryptedEncryptionKey"}
	}

	dbObject, _ := message["dbObject"].(string)
	if dbObject == "" {
		return SourceRecord{}, &MissingFieldError{Key: printable, Field: "dbObject"}
	}

	db, _ := message["db"].(string)
	if db == "" {
		db = e.db
	}
	collection, _ := message["collection"].(string)
	if collection == "" {
		collection = e.collection
	}

	if timestamp <= 0 {
		timestamp = lastModifiedTimestamp(message)
	}

	return SourceRecord{
		RowKey:     key,
		Timestamp:  timestamp,
		Encryption: block,
		DBObject:   dbObject,
		DB:         db,
		Collection: collection,
		OuterType:  outerType,
		InnerType:  innerType,
	}, nil
}

// lastModifiedTimestamp pulls a fallback timestamp out of the message's
// _lastModifiedDateTime field, which arrives either as a string or as an
// extended-JSON {"$date": "..."} object.
func lastModifiedTimestamp(message map[string]any) int64 {
	var raw string
	switch v := message["_lastModifiedDateTime"].(type) {
	case string:
		raw = v
	case map[string]any:
		raw, _ = v["$date"].(string)
	}
	if raw == "" {
		return defaultTimestamp
	}
	for _, layout := range lastModifiedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli()
		}
	}
	return defaultTimestamp
}
