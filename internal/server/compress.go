package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// encoder is one supported Content-Encoding with a pool of writers.
type encoder struct {
	name string
	pool sync.Pool
	// bind points a pooled writer at dst.
	bind func(w any, dst io.Writer) io.WriteCloser
}

// encoders in order of preference. Export bodies are mostly repetitive text,
// so a low brotli level already beats gzip.
var encoders = []*encoder{
	{
		name: "br",
		pool: sync.Pool{New: func() any { return brotli.NewWriterLevel(io.Discard, 4) }},
		bind: func(w any, dst io.Writer) io.WriteCloser {
			bw := w.(*brotli.Writer)
			bw.Reset(dst)
			return bw
		},
	},
	{
		name: "zstd",
		pool: sync.Pool{New: func() any {
			zw, _ := zstd.NewWriter(io.Discard, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
			return zw
		}},
		bind: func(w any, dst io.Writer) io.WriteCloser {
			zw := w.(*zstd.Encoder)
			zw.Reset(dst)
			return zw
		},
	},
	{
		name: "gzip",
		pool: sync.Pool{New: func() any {
			gw, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
			return gw
		}},
		bind: func(w any, dst io.Writer) io.WriteCloser {
			gw := w.(*gzip.Writer)
			gw.Reset(dst)
			return gw
		},
	},
}

// compressMiddleware compresses responses with the first of brotli, zstd
// and gzip the client accepts. Websocket upgrades and responses that set
// their own Content-Encoding pass through.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiate(r.Header.Get("Accept-Encoding"))
		if enc == nil || websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		r = r.Clone(r.Context())
		r.Header.Del("Accept-Encoding")

		cw := &compressWriter{ResponseWriter: w, enc: enc}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// negotiate picks an encoder from an Accept-Encoding header. Server
// preference wins over client q-values; q=0 excludes an encoding.
func negotiate(header string) *encoder {
	if header == "" {
		return nil
	}
	accepted := make(map[string]bool)
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = q > 0
	}
	for _, e := range encoders {
		if accepted[e.name] {
			return e
		}
	}
	return nil
}

// compressWriter decides on the first WriteHeader whether to compress.
type compressWriter struct {
	http.ResponseWriter
	enc     *encoder
	pooled  any
	out     io.WriteCloser
	decided bool
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.decided {
		return
	}
	cw.decided = true

	h := cw.Header()
	skip := h.Get("Content-Encoding") != "" || code == http.StatusNoContent || code == http.StatusNotModified
	if !skip {
		h.Set("Content-Encoding", cw.enc.name)
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
		cw.pooled = cw.enc.pool.Get()
		cw.out = cw.enc.bind(cw.pooled, cw.ResponseWriter)
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.decided {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.out == nil {
		return cw.ResponseWriter.Write(b)
	}
	return cw.out.Write(b)
}

// Flush pushes buffered compressed bytes to the client so streamed exports
// arrive incrementally.
func (cw *compressWriter) Flush() {
	if f, ok := cw.out.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) finish() {
	if cw.out == nil {
		return
	}
	_ = cw.out.Close()
	cw.enc.pool.Put(cw.pooled)
	cw.out = nil
}
