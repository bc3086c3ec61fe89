package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func decompress(t *testing.T, encoding string, body io.Reader) string {
	t.Helper()
	var r io.Reader
	switch encoding {
	case "br":
		r = brotli.NewReader(body)
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			t.Fatal(err)
		}
		r = gz
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			t.Fatal(err)
		}
		defer zr.Close()
		r = zr
	default:
		r = body
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(plain)
}

func TestCompressMiddleware(t *testing.T) {
	const body = "hello world from the server"
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "" {
			t.Error("Accept-Encoding leaked to the handler")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})

	tests := []struct {
		accept string
		want   string
	}{
		{"", ""},
		{"gzip, deflate", "gzip"},
		{"gzip, br", "br"},
		{"gzip, zstd", "zstd"},
		{"zstd;q=1.0, br;q=0.5", "br"},
		{"deflate", ""},
		{"br;q=0, gzip", "gzip"},
		{"GZIP", "gzip"},
	}
	for _, tc := range tests {
		t.Run(tc.accept, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.accept != "" {
				req.Header.Set("Accept-Encoding", tc.accept)
			}
			rec := httptest.NewRecorder()
			compressMiddleware(inner).ServeHTTP(rec, req)

			if got := rec.Header().Get("Content-Encoding"); got != tc.want {
				t.Fatalf("Content-Encoding = %q, want %q", got, tc.want)
			}
			if got := decompress(t, tc.want, rec.Body); got != body {
				t.Fatalf("body = %q, want %q", got, body)
			}
		})
	}
}

func TestCompressMiddlewarePassThrough(t *testing.T) {
	tests := []struct {
		name   string
		inner  http.HandlerFunc
		header map[string]string
		want   string
	}{
		{
			name: "pre-compressed",
			inner: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", "br")
				_, _ = w.Write([]byte("raw"))
			},
			want: "br",
		},
		{
			name: "no content",
			inner: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			want: "",
		},
		{
			name: "websocket upgrade",
			inner: func(w http.ResponseWriter, r *http.Request) {
				if _, ok := w.(*compressWriter); ok {
					t.Error("upgrade request got a compressing writer")
				}
				w.WriteHeader(http.StatusSwitchingProtocols)
			},
			header: map[string]string{"Connection": "Upgrade", "Upgrade": "websocket"},
			want:   "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Accept-Encoding", "gzip, br")
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			compressMiddleware(tc.inner).ServeHTTP(rec, req)
			if got := rec.Header().Get("Content-Encoding"); got != tc.want {
				t.Fatalf("Content-Encoding = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCompressMiddlewareFlush(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("chunk1"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = w.Write([]byte("chunk2"))
	})

	for _, enc := range []string{"gzip", "zstd", "br"} {
		t.Run(enc, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Accept-Encoding", enc)
			rec := httptest.NewRecorder()
			compressMiddleware(inner).ServeHTTP(rec, req)

			plain := decompress(t, enc, rec.Body)
			if !strings.Contains(plain, "chunk1") || !strings.Contains(plain, "chunk2") {
				t.Fatalf("body = %q, want both chunks", plain)
			}
		})
	}
}
