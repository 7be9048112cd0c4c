package compressors

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func TestGetCompressor(t *testing.T) {
	tests := []struct {
		compression string
		extension   string
	}{
		{"zstd", ".zst"},
		{"lz4", ".lz4"},
		{"gzip", ".gz"},
		{"none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			c, err := GetCompressor(tt.compression)
			if err != nil {
				t.Fatalf("GetCompressor(%q): %v", tt.compression, err)
			}
			if c.Extension() != tt.extension {
				t.Errorf("extension = %q, want %q", c.Extension(), tt.extension)
			}
		})
	}
}

func TestGetCompressorUnsupported(t *testing.T) {
	if _, err := GetCompressor("brotli"); !errors.Is(err, ErrUnsupportedCompression) {
		t.Errorf("expected ErrUnsupportedCompression, got %v", err)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200))

	decompress := map[string]func(io.Reader) (io.Reader, error){
		"zstd": func(r io.Reader) (io.Reader, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		},
		"lz4": func(r io.Reader) (io.Reader, error) {
			return lz4.NewReader(r), nil
		},
		"gzip": func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		},
		"none": func(r io.Reader) (io.Reader, error) {
			return r, nil
		},
	}

	for name, open := range decompress {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			if err != nil {
				t.Fatalf("GetCompressor: %v", err)
			}

			compressed, err := Compress(c, payload, c.DefaultLevel())
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if name != "none" && len(compressed) >= len(payload) {
				t.Errorf("repetitive payload did not shrink: %d >= %d", len(compressed), len(payload))
			}

			reader, err := open(bytes.NewReader(compressed))
			if err != nil {
				t.Fatalf("open reader: %v", err)
			}
			restored, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(restored, payload) {
				t.Error("round trip did not restore the original payload")
			}
		})
	}
}

func TestCompressEmptyPayload(t *testing.T) {
	c, err := GetCompressor("gzip")
	if err != nil {
		t.Fatalf("GetCompressor: %v", err)
	}
	compressed, err := Compress(c, nil, c.DefaultLevel())
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	restored, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(restored))
	}
}

func TestStreamingWriterMultipleWrites(t *testing.T) {
	c, err := GetCompressor("zstd")
	if err != nil {
		t.Fatalf("GetCompressor: %v", err)
	}

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf, c.DefaultLevel())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.Write([]byte("line of export data\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer zr.Close()
	restored, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	want := strings.Repeat("line of export data\n", 10)
	if string(restored) != want {
		t.Error("streamed writes did not round trip")
	}
}
