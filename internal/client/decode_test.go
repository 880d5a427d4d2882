package client

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const payload = "<html><body>hello, compressed world</body></html>"

func compress(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "zlib":
		w = zlib.NewWriter(&buf)
	case "flate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatal(err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		w = zw
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeAll(t *testing.T, body []byte, contentEncoding string) string {
	t.Helper()
	rc, err := DecodeBody(io.NopCloser(bytes.NewReader(body)), contentEncoding)
	if err != nil {
		t.Fatalf("DecodeBody(%q) error = %v", contentEncoding, err)
	}
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read decoded body: %v", err)
	}
	return string(got)
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		encoded func(t *testing.T) []byte
	}{
		{"identity", "identity", func(*testing.T) []byte { return []byte(payload) }},
		{"empty", "", func(*testing.T) []byte { return []byte(payload) }},
		{"gzip", "gzip", func(t *testing.T) []byte { return compress(t, "gzip", []byte(payload)) }},
		{"x-gzip", "x-gzip", func(t *testing.T) []byte { return compress(t, "gzip", []byte(payload)) }},
		{"deflate zlib", "deflate", func(t *testing.T) []byte { return compress(t, "zlib", []byte(payload)) }},
		{"deflate raw", "deflate", func(t *testing.T) []byte { return compress(t, "flate", []byte(payload)) }},
		{"br", "br", func(t *testing.T) []byte { return compress(t, "br", []byte(payload)) }},
		{"zstd", "zstd", func(t *testing.T) []byte { return compress(t, "zstd", []byte(payload)) }},
		{"uppercase", "GZIP", func(t *testing.T) []byte { return compress(t, "gzip", []byte(payload)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeAll(t, tt.encoded(t), tt.header); got != payload {
				t.Errorf("decoded = %q, want %q", got, payload)
			}
		})
	}
}

func TestDecodeBody_Stacked(t *testing.T) {
	// "gzip, br" means gzip was applied first, then br.
	body := compress(t, "br", compress(t, "gzip", []byte(payload)))

	if got := decodeAll(t, body, "gzip, br"); got != payload {
		t.Errorf("decoded = %q, want %q", got, payload)
	}
}

func TestDecodeBody_Unsupported(t *testing.T) {
	_, err := DecodeBody(io.NopCloser(strings.NewReader(payload)), "compress")
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("error = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestDecodeBody_CorruptGzip(t *testing.T) {
	_, err := DecodeBody(io.NopCloser(strings.NewReader("not gzip at all")), "gzip")
	if err == nil {
		t.Fatal("DecodeBody() expected error for corrupt gzip header, got nil")
	}
}

type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func TestDecodeBody_ClosesUnderlying(t *testing.T) {
	src := &trackingCloser{Reader: bytes.NewReader(compress(t, "gzip", []byte(payload)))}
	rc, err := DecodeBody(src, "gzip")
	if err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	_, _ = io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !src.closed {
		t.Error("underlying body was not closed")
	}
}

func TestDecodeBody_ClosesOnError(t *testing.T) {
	src := &trackingCloser{Reader: strings.NewReader(payload)}
	if _, err := DecodeBody(src, "gzip, compress"); err == nil {
		t.Fatal("DecodeBody() expected error, got nil")
	}
	if !src.closed {
		t.Error("underlying body was not closed after error")
	}
}
