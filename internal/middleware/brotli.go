package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

type BrotliConfig struct {
	Quality   int
	Skipper   func(c *gin.Context) bool
	MinLength int
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// brotliWriter buffers until minLength bytes were written, then compresses
// everything that follows. Short bodies go out as is. The encoder is taken
// from the pool only once a body crosses the threshold.
type brotliWriter struct {
	gin.ResponseWriter
	pool      *sync.Pool
	enc       *brotli.Writer
	buf       []byte
	minLength int
	// plain is set once uncompressed bytes reached the client.
	plain bool
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	if bw.enc != nil {
		return bw.enc.Write(data)
	}
	if bw.plain || bw.encodedUpstream() {
		bw.plain = true
		return bw.ResponseWriter.Write(data)
	}

	bw.buf = append(bw.buf, data...)
	if len(bw.buf) < bw.minLength {
		return len(data), nil
	}

	h := bw.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	bw.enc = bw.pool.Get().(*brotli.Writer)
	bw.enc.Reset(bw.ResponseWriter)
	if _, err := bw.enc.Write(bw.buf); err != nil {
		return 0, err
	}
	bw.buf = nil
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// encodedUpstream reports whether the handler already chose an encoding.
func (bw *brotliWriter) encodedUpstream() bool {
	return bw.ResponseWriter.Header().Get("Content-Encoding") != ""
}

// Flush forwards to the underlying writer. Flushing before compression
// started sends the rest of the body uncompressed.
func (bw *brotliWriter) Flush() {
	switch {
	case bw.enc != nil:
		_ = bw.enc.Flush()
	case !bw.plain:
		bw.plain = true
		if len(bw.buf) > 0 {
			_, _ = bw.ResponseWriter.Write(bw.buf)
			bw.buf = nil
		}
	}
	bw.ResponseWriter.Flush()
}

// finish closes the brotli stream and returns the encoder to the pool, or
// writes a short body uncompressed.
func (bw *brotliWriter) finish() error {
	if bw.enc != nil {
		err := bw.enc.Close()
		bw.enc.Reset(nil)
		bw.pool.Put(bw.enc)
		bw.enc = nil
		return err
	}
	if bw.plain || len(bw.buf) == 0 {
		return nil
	}
	_, err := bw.ResponseWriter.Write(bw.buf)
	bw.buf = nil
	return err
}

func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}
	pool := &sync.Pool{New: func() any {
		return brotli.NewWriterLevel(nil, cfg.Quality)
	}}

	return func(c *gin.Context) {
		if shouldSkip(c) || (cfg.Skipper != nil && cfg.Skipper(c)) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		bw := &brotliWriter{
			ResponseWriter: c.Writer,
			pool:           pool,
			minLength:      cfg.MinLength,
		}
		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Writer = bw
		c.Next()
	}
}

// SkipPrefixes skips requests whose path starts with any prefix.
func SkipPrefixes(prefixes ...string) func(c *gin.Context) bool {
	return func(c *gin.Context) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				return true
			}
		}
		return false
	}
}

// shouldSkip passes through requests whose responses cannot be buffered.
func shouldSkip(c *gin.Context) bool {
	if c.Request.Method == http.MethodHead {
		return true
	}
	// Monitor events must reach the proctor as each one is written.
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	// The candidate stream upgrade fails if the response is wrapped.
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// acceptsBrotli reports whether Accept-Encoding lists br with a non-zero
// quality.
func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if !strings.EqualFold(strings.TrimSpace(name), "br") {
			continue
		}
		q, found := strings.CutPrefix(strings.TrimSpace(params), "q=")
		if !found {
			return true
		}
		v, err := strconv.ParseFloat(q, 64)
		return err == nil && v > 0
	}
	return false
}
