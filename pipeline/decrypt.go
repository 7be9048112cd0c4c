package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snapshotkit/exporter/encryption"
	"github.com/snapshotkit/exporter/keys"
	"github.com/snapshotkit/exporter/records"
)

// DecryptionFailureError marks a record whose payload could not be
// decrypted. It carries enough context to chase the record later.
type DecryptionFailureError struct {
	Key        string
	DB         string
	Collection string
	Timestamp  int64
	KeyID      string
	Err        error
}

func (e *DecryptionFailureError) Error() string {
	return fmt.Sprintf("failed to decrypt record '%s' in %s.%s (timestamp %d, key id '%s'): %v",
		e.Key, e.DB, e.Collection, e.Timestamp, e.KeyID, e.Err)
}

func (e *DecryptionFailureError) Unwrap() error { return e.Err }

// Decryptor unwraps each record's data key and decrypts its payload.
type Decryptor struct {
	keys   keys.Service
	cipher *encryption.Service
	logger *slog.Logger
}

// NewDecryptor creates the decrypt stage.
func NewDecryptor(keyService keys.Service, cipher *encryption.Service, logger *slog.Logger) *Decryptor {
	return &Decryptor{keys: keyService, cipher: cipher, logger: logger}
}

// Process decrypts one record's payload, returning the plaintext.
// A key service outage is fatal; any other failure skips the record.
func (d *Decryptor) Process(ctx context.Context, source records.SourceRecord) Result[string] {
	key, err := d.keys.DecryptKey(ctx, source.Encryption.KeyEncryptionKeyID, source.Encryption.EncryptedEncryptionKey)
	if err != nil {
		if errors.Is(err, keys.ErrServiceUnavailable) {
			return Fatal[string](err)
		}
		return Skipped[string](d.failure(source, err))
	}

	plain, err := d.cipher.Decrypt(key, source.Encryption.InitialisationVector, source.DBObject)
	if err != nil {
		return Skipped[string](d.failure(source, err))
	}
	return Ok(plain)
}

func (d *Decryptor) failure(source records.SourceRecord, err error) error {
	return &DecryptionFailureError{
		Key:        records.PrintableKey(source.RowKey),
		DB:         source.DB,
		Collection: source.Collection,
		Timestamp:  source.Timestamp,
		KeyID:      source.Encryption.KeyEncryptionKeyID,
		Err:        err,
	}
}
