package pipeline

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/snapshotkit/exporter/encryption"
	"github.com/snapshotkit/exporter/keys"
	"github.com/snapshotkit/exporter/records"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKeyService unwraps every key to a fixed plaintext key, or fails
// with a configured error.
type fakeKeyService struct {
	plainKey string
	err      error
	calls    int
}

func (f *fakeKeyService) BatchDataKey(context.Context) (keys.DataKeyResult, error) {
	return keys.DataKeyResult{}, errors.New("not used")
}

func (f *fakeKeyService) DecryptKey(_ context.Context, _, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.plainKey, nil
}

// sealPayload encrypts plaintext under a throwaway data key, returning
// the base64 key, iv and ciphertext the way they ride in source records.
func sealPayload(t *testing.T, plaintext string) (string, string, string) {
	t.Helper()
	dataKey := bytes.Repeat([]byte{0x07}, 16)
	iv := bytes.Repeat([]byte{0x0a}, 16)

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(plaintext))

	return base64.StdEncoding.EncodeToString(dataKey),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ciphertext)
}

func encryptedSource(t *testing.T, plaintext string) (records.SourceRecord, string) {
	t.Helper()
	plainKey, iv, ciphertext := sealPayload(t, plaintext)
	return records.SourceRecord{
		RowKey:     []byte("id-1"),
		Timestamp:  1544799662000,
		DB:         "core",
		Collection: "claimant",
		Encryption: records.EncryptionBlock{
			KeyEncryptionKeyID:     "cloudhsm:1,2",
			InitialisationVector:   iv,
			EncryptedEncryptionKey: "d3JhcHBlZA==",
		},
		DBObject: ciphertext,
	}, plainKey
}

func TestDecryptorRecoversPlaintext(t *testing.T) {
	source, plainKey := encryptedSource(t, `{"_id":"abc"}`)
	service := &fakeKeyService{plainKey: plainKey}
	d := NewDecryptor(service, encryption.NewService(), newTestLogger())

	result := d.Process(context.Background(), source)
	if result.Skip != nil || result.Fatal != nil {
		t.Fatalf("unexpected failure: skip=%v fatal=%v", result.Skip, result.Fatal)
	}
	if result.Value != `{"_id":"abc"}` {
		t.Errorf("plaintext = %s", result.Value)
	}
	if service.calls != 1 {
		t.Errorf("key service called %d times", service.calls)
	}
}

func TestDecryptorServiceOutageIsFatal(t *testing.T) {
	source, _ := encryptedSource(t, `{"_id":"abc"}`)
	service := &fakeKeyService{err: fmt.Errorf("%w: status 503", keys.ErrServiceUnavailable)}
	d := NewDecryptor(service, encryption.NewService(), newTestLogger())

	result := d.Process(context.Background(), source)
	if !errors.Is(result.Fatal, keys.ErrServiceUnavailable) {
		t.Fatalf("expected fatal service outage, got skip=%v fatal=%v", result.Skip, result.Fatal)
	}
}

func TestDecryptorRejectedKeySkips(t *testing.T) {
	source, _ := encryptedSource(t, `{"_id":"abc"}`)
	service := &fakeKeyService{err: &keys.DecryptionError{KeyID: "cloudhsm:1,2", Err: errors.New("rejected")}}
	d := NewDecryptor(service, encryption.NewService(), newTestLogger())

	result := d.Process(context.Background(), source)
	if result.Fatal != nil {
		t.Fatalf("a rejected key must not abort the partition: %v", result.Fatal)
	}
	var failure *DecryptionFailureError
	if !errors.As(result.Skip, &failure) {
		t.Fatalf("expected DecryptionFailureError, got %v", result.Skip)
	}
	if failure.KeyID != "cloudhsm:1,2" || failure.DB != "core" {
		t.Errorf("failure lost record context: %+v", failure)
	}
}

func TestDecryptorBadCiphertextSkips(t *testing.T) {
	source, plainKey := encryptedSource(t, `{"_id":"abc"}`)
	source.DBObject = "%%% not base64 %%%"
	service := &fakeKeyService{plainKey: plainKey}
	d := NewDecryptor(service, encryption.NewService(), newTestLogger())

	result := d.Process(context.Background(), source)
	if result.Fatal != nil {
		t.Fatalf("bad ciphertext must not abort the partition: %v", result.Fatal)
	}
	var failure *DecryptionFailureError
	if !errors.As(result.Skip, &failure) {
		t.Fatalf("expected DecryptionFailureError, got %v", result.Skip)
	}
}
