package records

import (
	"encoding/hex"
	"fmt"
	"unicode"
)

// EncryptionBlock carries the per-record envelope encryption material
// stored alongside the payload.
type EncryptionBlock struct {
	KeyEncryptionKeyID     string
	InitialisationVector   string
	EncryptedEncryptionKey string
}

// SourceRecord is a raw row lifted out of the store, parsed just far
// enough to know how to decrypt and route it.
type SourceRecord struct {
	RowKey     []byte
	Timestamp  int64 // cell version, epoch milliseconds
	Encryption EncryptionBlock
	DBObject   string // encrypted payload, base64
	DB         string
	Collection string
	OuterType  string
	InnerType  string
}

// ManifestRecord is one line of the receipt manifest written next to
// every exported batch.
type ManifestRecord struct {
	ID                  string
	Timestamp           int64
	DB                  string
	Collection          string
	Source              string
	ExternalOuterSource string
	ExternalInnerSource string
	OriginalID          string
}

// DecryptedRecord pairs a decrypted, validated payload with its
// manifest entry.
type DecryptedRecord struct {
	Payload  string
	Manifest ManifestRecord
}

// Record is a fully processed payload, ready for batching.
type Record struct {
	Payload  string
	Manifest ManifestRecord
}

// PrintableKey renders a row key for logging: leading non-printable
// bytes are hex-encoded, the printable remainder passes through.
func PrintableKey(key []byte) string {
	i := 0
	for i < len(key) && (key[i] > unicode.MaxASCII || !unicode.IsPrint(rune(key[i]))) {
		i++
	}
	if i == 0 {
		return string(key)
	}
	return fmt.Sprintf("\\x%s%s", hex.EncodeToString(key[:i]), string(key[i:]))
}
