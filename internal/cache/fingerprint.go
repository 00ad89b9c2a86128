package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"
)

// FingerprintOptions controls which parts of a request contribute to its
// cache key.
type FingerprintOptions struct {
	VaryQuery   bool
	VaryHeaders []string
}

// Fingerprint computes the cache key for an HTTP request: method + host +
// path, optionally the query string, optionally a set of allow-listed
// header values, and a suffix distinguishing gzip-eligible clients so a
// compressed and uncompressed variant of the same resource never collide.
func Fingerprint(method, host, path, rawQuery string, header http.Header, opts FingerprintOptions) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(host)))
	h.Write([]byte{0})
	h.Write([]byte(path))

	if opts.VaryQuery && rawQuery != "" {
		h.Write([]byte{0})
		h.Write([]byte(normalizeQuery(rawQuery)))
	}

	for _, name := range opts.VaryHeaders {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(name)))
		h.Write([]byte{'='})
		h.Write([]byte(header.Get(name)))
	}

	h.Write([]byte{0})
	h.Write([]byte(gzipVariantSuffix(header)))

	return hex.EncodeToString(h.Sum(nil))
}

// normalizeQuery sorts query parameters so equivalent queries in different
// orders map to the same fingerprint.
func normalizeQuery(rawQuery string) string {
	pairs := strings.Split(rawQuery, "&")
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// gzipVariantSuffix distinguishes a gzip-negotiated response from a plain
// one so the same URL can cache both.
func gzipVariantSuffix(header http.Header) string {
	ae := header.Get("Accept-Encoding")
	if strings.Contains(ae, "gzip") {
		return "gz"
	}
	return "plain"
}

// ComputeETag derives a strong validator from the response payload, its
// modification time, and its size, so two responses with identical bytes
// but different provenance never collide and a later byte-identical
// regeneration reproduces the same tag.
func ComputeETag(body []byte, mtime time.Time, size int64) string {
	h := sha256.New()
	h.Write(body)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(mtime.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(size))
	h.Write(buf[:])
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`
}

// IsCacheableMime reports whether contentType (ignoring any "; charset=..."
// parameter) is in the allow list. An empty allow list permits everything.
func IsCacheableMime(contentType string, allow []string) bool {
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
