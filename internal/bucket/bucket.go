// Package bucket implements byte-rate token bucket limiting for response
// bodies, paced with clamped waits and chunked writes rather than a single
// post-facto sleep.
package bucket

import (
	"math"
	"path"
	"sync"
	"time"
)

const (
	// SocketChunkSize is the write size used for plain socket transfers.
	SocketChunkSize = 8 * 1024
	// FileChunkSize is the write size used when streaming from a file descriptor.
	FileChunkSize = 64 * 1024

	minWait = time.Millisecond
	maxWait = 100 * time.Millisecond
)

// Config configures a byte-rate TokenBucket.
type Config struct {
	BytesPerSec float64
	BurstBytes  float64
}

// TokenBucket paces byte throughput using the classic refill-then-consume
// algorithm, generalized from query-rate limiting to byte-rate limiting.
type TokenBucket struct {
	rate  float64 // bytes/sec
	burst float64 // max bytes in bucket

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// New creates a TokenBucket. A non-positive rate or burst disables limiting.
func New(cfg Config) *TokenBucket {
	return &TokenBucket{
		rate:       cfg.BytesPerSec,
		burst:      cfg.BurstBytes,
		tokens:     cfg.BurstBytes,
		lastUpdate: time.Now(),
	}
}

// disabled reports whether this bucket applies no limit.
func (b *TokenBucket) disabled() bool {
	return b == nil || b.rate <= 0 || b.burst <= 0
}

// Wait blocks, if necessary, until n bytes worth of tokens are available,
// then consumes them. Each sleep is clamped between 1ms and 100ms and the
// refill is recomputed after every sleep; Wait itself loops until the
// tokens are granted and does not observe cancellation.
func (b *TokenBucket) Wait(n int) time.Duration {
	if b.disabled() {
		return 0
	}
	var total time.Duration
	need := float64(n)

	for {
		wait := b.tryConsume(need)
		if wait <= 0 {
			return total
		}
		wait = clampWait(wait)
		time.Sleep(wait)
		total += wait
	}
}

// tryConsume refills tokens for elapsed time and consumes need bytes if
// available. It returns 0 when the consumption succeeded, or the
// estimated wait (unclamped) needed before retrying.
func (b *TokenBucket) tryConsume(need float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now
	if elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rate)
	}

	if b.tokens >= need {
		b.tokens -= need
		return 0
	}

	deficit := need - b.tokens
	secs := deficit / b.rate
	return time.Duration(secs * float64(time.Second))
}

func clampWait(d time.Duration) time.Duration {
	if d < minWait {
		return minWait
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

// Rule is a glob-matched bandwidth limit applied to a request path.
type Rule struct {
	PathGlob    string
	BytesPerSec float64
	BurstBytes  float64
}

// RuleSet selects the first matching Rule's TokenBucket for a given path.
// Each matching rule gets its own bucket instance, shared across requests
// that match the same glob, mirroring how bandwidth.c scopes limits per
// configured location rather than per connection.
type RuleSet struct {
	mu      sync.Mutex
	rules   []Rule
	buckets []*TokenBucket
}

// NewRuleSet builds a RuleSet from configured rules, each with its own bucket.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{rules: rules}
	rs.buckets = make([]*TokenBucket, len(rules))
	for i, r := range rules {
		rs.buckets[i] = New(Config{BytesPerSec: r.BytesPerSec, BurstBytes: r.BurstBytes})
	}
	return rs
}

// Match returns the TokenBucket for the first rule whose glob matches
// requestPath, or nil if no rule matches.
func (rs *RuleSet) Match(requestPath string) *TokenBucket {
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, r := range rs.rules {
		if ok, _ := path.Match(r.PathGlob, requestPath); ok {
			return rs.buckets[i]
		}
	}
	return nil
}
