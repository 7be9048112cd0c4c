// Package keys talks to the data key service (DKS): it mints fresh
// batch data keys and unwraps the per-record encrypted keys stored in
// the source payloads.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Static errors for the key service
var (
	// ErrServiceUnavailable marks transient key service failures. These
	// abort the partition rather than skipping the record.
	ErrServiceUnavailable = errors.New("data key service unavailable")
)

// DataKeyResult is a freshly minted batch data key: the id of the
// master key that wrapped it, the plaintext key, and the wrapped copy
// that travels with the exported object.
type DataKeyResult struct {
	KeyEncryptionKeyID string `json:"dataKeyEncryptionKeyId"`
	PlaintextKey       string `json:"plaintextDataKey"`
	CiphertextKey      string `json:"ciphertextDataKey"`
}

// DecryptionError marks a key the service refused to unwrap. Records
// carrying such keys are skipped, not fatal.
type DecryptionError struct {
	KeyID string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt data key wrapped by '%s': %v", e.KeyID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Service provides batch data keys and per-record key unwrapping.
type Service interface {
	// BatchDataKey mints a fresh data key for one outbound batch.
	BatchDataKey(ctx context.Context) (DataKeyResult, error)

	// DecryptKey unwraps an encrypted data key using the master key it
	// was wrapped with.
	DecryptKey(ctx context.Context, keyID, encryptedKey string) (string, error)
}

// Client is the HTTP implementation of Service, with a cache in front
// of the decrypt endpoint.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	cache   Cache
	logger  *slog.Logger
}

// NewClient creates a key service client for the given base URL.
func NewClient(baseURL string, cache Cache, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	return &Client{
		baseURL: baseURL,
		http:    rc,
		cache:   cache,
		logger:  logger,
	}
}

// BatchDataKey requests a new data key. Anything other than a 201 is a
// transient service failure.
func (c *Client) BatchDataKey(ctx context.Context) (DataKeyResult, error) {
	correlationID := uuid.NewString()
	endpoint := fmt.Sprintf("%s/datakey?correlationId=%s", c.baseURL, correlationID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return DataKeyResult{}, fmt.Errorf("failed to build data key request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return DataKeyResult{}, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return DataKeyResult{}, fmt.Errorf("%w: data key request returned status %d, correlation id %s",
			ErrServiceUnavailable, resp.StatusCode, correlationID)
	}

	var result DataKeyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DataKeyResult{}, fmt.Errorf("%w: failed to decode data key response: %w", ErrServiceUnavailable, err)
	}

	c.logger.Debug("Minted batch data key",
		"keyEncryptionKeyId", result.KeyEncryptionKeyID,
		"correlationId", correlationID)
	return result, nil
}

// DecryptKey unwraps encryptedKey with the master key keyID. A 400
// means a bad key and yields a DecryptionError; any other non-200 is a
// transient service failure.
func (c *Client) DecryptKey(ctx context.Context, keyID, encryptedKey string) (string, error) {
	cacheKey := encryptedKey + "/" + keyID
	if plain, ok := c.cache.Get(cacheKey); ok {
		return plain, nil
	}

	correlationID := uuid.NewString()
	endpoint := fmt.Sprintf("%s/datakey/actions/decrypt?keyId=%s&correlationId=%s",
		c.baseURL, url.QueryEscape(keyID), correlationID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, []byte(encryptedKey))
	if err != nil {
		return "", fmt.Errorf("failed to build decrypt request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to decode below
	case http.StatusBadRequest:
		return "", &DecryptionError{
			KeyID: keyID,
			Err:   fmt.Errorf("service rejected key, correlation id %s", correlationID),
		}
	default:
		return "", fmt.Errorf("%w: decrypt request returned status %d, correlation id %s",
			ErrServiceUnavailable, resp.StatusCode, correlationID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read decrypt response: %w", ErrServiceUnavailable, err)
	}
	var result DataKeyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: failed to decode decrypt response: %w", ErrServiceUnavailable, err)
	}

	c.cache.Put(cacheKey, result.PlaintextKey)
	return result.PlaintextKey, nil
}
