package chunked

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncoderHappyPath(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.SendHeaders("HTTP/1.1 200 OK", map[string]string{"Content-Type": "text/plain"}); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if e.State() != StateHeadersSent {
		t.Fatalf("expected StateHeadersSent, got %v", e.State())
	}
	if err := e.SendChunk([]byte("hello")); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if err := e.SendChunk([]byte(" world")); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if err := e.Close(map[string]string{"X-Trailer": "done"}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if e.State() != StateTerminated {
		t.Fatalf("expected StateTerminated, got %v", e.State())
	}

	out := buf.String()
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("expected Transfer-Encoding header, got %q", out)
	}
	if !strings.Contains(out, "5\r\nhello\r\n") {
		t.Fatalf("expected 'hello' chunk framing, got %q", out)
	}
	if !strings.Contains(out, "6\r\n world\r\n") {
		t.Fatalf("expected ' world' chunk framing, got %q", out)
	}
	if !strings.HasSuffix(out, "0\r\nX-Trailer: done\r\n\r\n") {
		t.Fatalf("expected terminal chunk with trailer, got %q", out)
	}
}

func TestEncoderRejectsOutOfOrderCalls(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.SendChunk([]byte("too early")); err == nil {
		t.Fatalf("expected error sending chunk before headers")
	}
	if err := e.Close(nil); err == nil {
		t.Fatalf("expected error closing before headers")
	}

	if err := e.SendHeaders("HTTP/1.1 200 OK", map[string]string{}); err != nil {
		t.Fatalf("SendHeaders: %v", err)
	}
	if err := e.SendHeaders("HTTP/1.1 200 OK", map[string]string{}); err == nil {
		t.Fatalf("expected error sending headers twice")
	}
	if err := e.Close(nil); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.SendChunk([]byte("late")); err == nil {
		t.Fatalf("expected error sending chunk after close")
	}
}
