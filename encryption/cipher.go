// Package encryption implements the AES/CTR ciphering used for both
// directions of the export: unwrapping stored payloads and sealing
// outbound batch streams.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Static errors for ciphering
var (
	ErrKeyNotBase64        = errors.New("encryption key is not valid base64")
	ErrIVNotBase64         = errors.New("initialisation vector is not valid base64")
	ErrCiphertextNotBase64 = errors.New("ciphertext is not valid base64")
	ErrIVLengthInvalid     = errors.New("initialisation vector must be one AES block")
)

// Service performs AES/CTR encryption and decryption. The zero value is
// not usable; construct with NewService.
type Service struct {
	rand io.Reader
}

// NewService creates a cipher service drawing initialisation vectors
// from crypto/rand.
func NewService() *Service {
	return &Service{rand: rand.Reader}
}

// NewServiceWithRand creates a cipher service with a caller-supplied
// entropy source. Tests use this to pin IVs.
func NewServiceWithRand(r io.Reader) *Service {
	return &Service{rand: r}
}

// Decrypt reverses AES/CTR on a base64 ciphertext using a base64 key
// and initialisation vector, returning the plaintext.
func (s *Service) Decrypt(key, iv, ciphertext string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyNotBase64, err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIVNotBase64, err)
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCiphertextNotBase64, err)
	}

	stream, err := s.stream(keyBytes, ivBytes)
	if err != nil {
		return "", err
	}

	plain := make([]byte, len(data))
	stream.XORKeyStream(plain, data)
	return string(plain), nil
}

// NewInitialisationVector draws a fresh random IV, returned both raw
// and base64-encoded.
func (s *Service) NewInitialisationVector() ([]byte, string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, "", fmt.Errorf("failed to draw initialisation vector: %w", err)
	}
	return iv, base64.StdEncoding.EncodeToString(iv), nil
}

// StreamWriter wraps w so that everything written to it is AES/CTR
// encrypted with the given base64 key and raw IV.
func (s *Service) StreamWriter(key string, iv []byte, w io.Writer) (io.Writer, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotBase64, err)
	}
	stream, err := s.stream(keyBytes, iv)
	if err != nil {
		return nil, err
	}
	return cipher.StreamWriter{S: stream, W: w}, nil
}

func (s *Service) stream(key, iv []byte) (cipher.Stream, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w, got %d bytes", ErrIVLengthInvalid, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}
