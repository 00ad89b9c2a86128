// Package compress implements the response compressor (C3): streaming
// gzip encoding with a minimum-length threshold and a safe uncompressed
// fallback on encoder failure.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Config controls when and how responses are compressed.
type Config struct {
	Enabled   bool
	MinLength int
	Level     int
	MimeAllow []string
}

// Compressor decides eligibility and streams gzip-encoded output.
type Compressor struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Compressor. A nil logger is safe to use.
func New(cfg Config, logger *slog.Logger) *Compressor {
	if cfg.Level < gzip.HuffmanOnly || cfg.Level > gzip.BestCompression {
		cfg.Level = gzip.DefaultCompression
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{cfg: cfg, logger: logger}
}

// Eligible reports whether a response of the given content-length and
// content-type should be compressed for a client advertising
// acceptEncoding, per spec's negotiation rule (gzip only, minimum length).
func (c *Compressor) Eligible(contentLength int, contentType, acceptEncoding string) bool {
	if !c.cfg.Enabled {
		return false
	}
	if !strings.Contains(acceptEncoding, "gzip") {
		return false
	}
	if contentLength >= 0 && contentLength < c.cfg.MinLength {
		return false
	}
	if !mimeAllowed(contentType, c.cfg.MimeAllow) {
		return false
	}
	return true
}

func mimeAllowed(contentType string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	for _, a := range allow {
		if strings.ToLower(strings.TrimSpace(a)) == base {
			return true
		}
	}
	return false
}

// Compress gzip-encodes the full body in memory. If encoding fails, it
// logs a warning and returns the original bytes with ok=false so the
// caller can fall back to sending the response uncompressed rather than
// failing the request.
func (c *Compressor) Compress(body []byte) (out []byte, ok bool) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.cfg.Level)
	if err != nil {
		c.logger.Warn("compress: writer init failed, serving uncompressed", "err", err)
		return body, false
	}
	if _, err := w.Write(body); err != nil {
		c.logger.Warn("compress: write failed, serving uncompressed", "err", err)
		return body, false
	}
	if err := w.Close(); err != nil {
		c.logger.Warn("compress: close failed, serving uncompressed", "err", err)
		return body, false
	}
	return buf.Bytes(), true
}

// StreamWriter wraps dst with a gzip.Writer for incremental compression of
// a response body as it is produced, finalized by calling Close.
type StreamWriter struct {
	gz     *gzip.Writer
	logger *slog.Logger
}

// NewStreamWriter returns a StreamWriter over dst using cfg's level.
func NewStreamWriter(dst io.Writer, cfg Config, logger *slog.Logger) (*StreamWriter, error) {
	if cfg.Level < gzip.HuffmanOnly || cfg.Level > gzip.BestCompression {
		cfg.Level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(dst, cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("compress: new stream writer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamWriter{gz: gz, logger: logger}, nil
}

func (s *StreamWriter) Write(p []byte) (int, error) {
	return s.gz.Write(p)
}

// Flush pushes any buffered bytes to the underlying writer without
// terminating the gzip stream, so a chunked response can flush per-chunk.
func (s *StreamWriter) Flush() error {
	return s.gz.Flush()
}

// Close finalizes the gzip stream, writing its trailer.
func (s *StreamWriter) Close() error {
	return s.gz.Close()
}
