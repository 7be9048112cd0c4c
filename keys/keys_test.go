package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatchDataKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/datakey" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("correlationId") == "" {
			t.Error("missing correlationId")
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"dataKeyEncryptionKeyId":"cloudhsm:1,2","plaintextDataKey":"cGxhaW4=","ciphertextDataKey":"d3JhcHBlZA=="}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, NewMemoryCache(), newTestLogger())
	result, err := client.BatchDataKey(context.Background())
	if err != nil {
		t.Fatalf("BatchDataKey: %v", err)
	}
	if result.KeyEncryptionKeyID != "cloudhsm:1,2" {
		t.Errorf("unexpected key id: %s", result.KeyEncryptionKeyID)
	}
	if result.PlaintextKey != "cGxhaW4=" {
		t.Errorf("unexpected plaintext key: %s", result.PlaintextKey)
	}
	if result.CiphertextKey != "d3JhcHBlZA==" {
		t.Errorf("unexpected ciphertext key: %s", result.CiphertextKey)
	}
}

func TestBatchDataKeyWrongStatusIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK) // not the expected 201
	}))
	defer server.Close()

	client := NewClient(server.URL, NewMemoryCache(), newTestLogger())
	if _, err := client.BatchDataKey(context.Background()); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestDecryptKey(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/datakey/actions/decrypt" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("keyId"); got != "cloudhsm:1,2" {
			t.Errorf("unexpected keyId: %s", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "d3JhcHBlZA==" {
			t.Errorf("unexpected body: %s", body)
		}
		fmt.Fprint(w, `{"plaintextDataKey":"cGxhaW4="}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, NewMemoryCache(), newTestLogger())
	plain, err := client.DecryptKey(context.Background(), "cloudhsm:1,2", "d3JhcHBlZA==")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if plain != "cGxhaW4=" {
		t.Errorf("unexpected plaintext: %s", plain)
	}

	// Second call for the same (key, wrapped) pair is served from cache
	if _, err := client.DecryptKey(context.Background(), "cloudhsm:1,2", "d3JhcHBlZA=="); err != nil {
		t.Fatalf("cached DecryptKey: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 service call, got %d", calls.Load())
	}

	// A different wrapped key misses the cache
	if _, err := client.DecryptKey(context.Background(), "cloudhsm:1,2", "b3RoZXI="); err != nil {
		t.Fatalf("DecryptKey with new wrapped key: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 service calls, got %d", calls.Load())
	}
}

func TestDecryptKeyBadRequestIsSkippable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, NewMemoryCache(), newTestLogger())
	_, err := client.DecryptKey(context.Background(), "bad-key", "d3JhcHBlZA==")

	var decryptErr *DecryptionError
	if !errors.As(err, &decryptErr) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}
	if decryptErr.KeyID != "bad-key" {
		t.Errorf("unexpected key id: %s", decryptErr.KeyID)
	}
	if errors.Is(err, ErrServiceUnavailable) {
		t.Error("a rejected key must not look like a service outage")
	}
}

func TestDecryptKeyServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, NewMemoryCache(), newTestLogger())
	client.http.RetryMax = 0

	if _, err := client.DecryptKey(context.Background(), "kek", "d3JhcHBlZA=="); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	cache := NewMemoryCache()
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("wrapped-%d/kek-%d", n, j)
				cache.Put(key, "plain")
				if v, ok := cache.Get(key); !ok || v != "plain" {
					t.Errorf("lost cache entry %s", key)
				}
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if cache.Len() != 800 {
		t.Errorf("expected 800 entries, got %d", cache.Len())
	}
}
