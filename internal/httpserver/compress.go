package httpserver

import (
	"compress/gzip"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

const brotliDynamicQuality = 4 // fast enough for dynamic responses, ~15-20% smaller than gzip

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// brotliPool is a channel-based bounded pool rather than sync.Pool: sync.Pool
// evicts every entry on each GC cycle, which would force brotli to
// reallocate its window buffer per writer far more often than a channel-
// backed pool holding strong references across GC cycles.
var brotliPool = func() chan *brotli.Writer {
	size := max(runtime.GOMAXPROCS(0), 4)
	return make(chan *brotli.Writer, size)
}()

func getBrotliWriter(dst io.Writer) *brotli.Writer {
	select {
	case w := <-brotliPool:
		w.Reset(dst)
		return w
	default:
		return brotli.NewWriterLevel(dst, brotliDynamicQuality)
	}
}

func putBrotliWriter(w *brotli.Writer) {
	w.Reset(io.Discard)
	select {
	case brotliPool <- w:
	default:
	}
}

// compressMiddleware applies brotli or gzip compression to responses when
// the client supports it, preferring brotli.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade needs to reach the underlying connection's
		// Hijack directly; wrapping it would hide that method and break
		// gorilla/websocket's upgrade.
		if r.URL.Path == "/ws/upload-progress" {
			next.ServeHTTP(w, r)
			return
		}

		ae := r.Header.Get("Accept-Encoding")

		var encoding string
		switch {
		case acceptsEncoding(ae, "br"):
			encoding = "br"
		case acceptsEncoding(ae, "gzip"):
			encoding = "gzip"
		default:
			next.ServeHTTP(w, r)
			return
		}

		r = r.Clone(r.Context())
		r.Header.Del("Accept-Encoding")

		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.Close()

		next.ServeHTTP(cw, r)
	})
}

func acceptsEncoding(header, encoding string) bool {
	for _, part := range strings.Split(header, ",") {
		if enc, _, _ := strings.Cut(strings.TrimSpace(part), ";"); strings.TrimSpace(enc) == encoding {
			return true
		}
	}
	return false
}

// compressWriter wraps http.ResponseWriter to lazily apply compression,
// deciding at the first WriteHeader/Write. Responses that already set
// Content-Encoding, and 101/204/304 responses, pass through untouched.
type compressWriter struct {
	http.ResponseWriter
	encoding    string
	writer      io.WriteCloser
	started     bool
	compressing bool
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.started {
		return
	}
	cw.started = true

	if cw.Header().Get("Content-Encoding") != "" {
		cw.ResponseWriter.WriteHeader(code)
		return
	}
	if code == http.StatusNoContent || code == http.StatusNotModified || code == http.StatusSwitchingProtocols {
		cw.ResponseWriter.WriteHeader(code)
		return
	}

	cw.compressing = true
	cw.Header().Set("Content-Encoding", cw.encoding)
	cw.Header().Del("Content-Length")
	cw.Header().Add("Vary", "Accept-Encoding")

	switch cw.encoding {
	case "br":
		cw.writer = getBrotliWriter(cw.ResponseWriter)
	case "gzip":
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(cw.ResponseWriter)
		cw.writer = gz
	}

	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.started {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.compressing {
		return cw.writer.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

func (cw *compressWriter) Flush() {
	if cw.compressing {
		if f, ok := cw.writer.(interface{ Flush() error }); ok {
			f.Flush()
		}
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Close() {
	if !cw.compressing || cw.writer == nil {
		return
	}
	cw.writer.Close()
	switch cw.encoding {
	case "br":
		putBrotliWriter(cw.writer.(*brotli.Writer))
	case "gzip":
		gzipWriterPool.Put(cw.writer)
	}
	cw.writer = nil
}
