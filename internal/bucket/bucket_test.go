package bucket

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	b := New(Config{BytesPerSec: 1000, BurstBytes: 4000})
	start := time.Now()
	wait := b.Wait(4000)
	if wait != 0 {
		t.Fatalf("expected no wait within burst, got %v", wait)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatalf("burst consumption took too long")
	}
}

func TestTokenBucketThrottlesBeyondBurst(t *testing.T) {
	b := New(Config{BytesPerSec: 10_000, BurstBytes: 1000})
	b.Wait(1000) // drain the bucket
	start := time.Now()
	b.Wait(1000)
	if time.Since(start) < time.Millisecond {
		t.Fatalf("expected a throttling wait, got none")
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	var b *TokenBucket
	if b.Wait(1_000_000) != 0 {
		t.Fatalf("nil bucket should never wait")
	}
	b2 := New(Config{BytesPerSec: 0, BurstBytes: 0})
	if b2.Wait(1_000_000) != 0 {
		t.Fatalf("zero-rate bucket should never wait")
	}
}

func TestRuleSetMatch(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{PathGlob: "/downloads/*", BytesPerSec: 1000, BurstBytes: 1000},
	})
	if rs.Match("/downloads/file.zip") == nil {
		t.Fatalf("expected a match for /downloads/file.zip")
	}
	if rs.Match("/api/users") != nil {
		t.Fatalf("expected no match for /api/users")
	}
}

func TestSendCopiesAllBytes(t *testing.T) {
	payload := strings.Repeat("x", 50_000)
	src := strings.NewReader(payload)
	var dst bytes.Buffer

	n, err := Send(context.Background(), &dst, src, SocketChunkSize, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected %d bytes copied, got %d", len(payload), n)
	}
	if dst.String() != payload {
		t.Fatalf("payload mismatch")
	}
}

func TestSendRespectsCancellation(t *testing.T) {
	payload := strings.Repeat("y", 1_000_000)
	src := strings.NewReader(payload)
	var dst bytes.Buffer

	b := New(Config{BytesPerSec: 100, BurstBytes: 100})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Send(ctx, &dst, src, SocketChunkSize, b)
	if err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
