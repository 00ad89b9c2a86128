package database

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "push.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndEventsSince(t *testing.T) {
	db := openTestDB(t)

	if err := db.AppendEvent("orders", "1", "update", `{"id":1}`); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := db.AppendEvent("orders", "2", "update", `{"id":2}`); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := db.EventsSince("orders", "")
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	replay, err := db.EventsSince("orders", "1")
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(replay) != 1 || replay[0].EventID != "2" {
		t.Fatalf("expected replay of event 2 only, got %+v", replay)
	}
}

func TestEventsSinceIsolatesChannels(t *testing.T) {
	db := openTestDB(t)

	if err := db.AppendEvent("orders", "1", "update", "a"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := db.AppendEvent("alerts", "1", "update", "b"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := db.EventsSince("alerts", "")
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(events) != 1 || events[0].Data != "b" {
		t.Fatalf("expected only alerts channel event, got %+v", events)
	}
}

func TestPruneRemovesOldEvents(t *testing.T) {
	db := openTestDB(t)

	if err := db.AppendEvent("orders", "1", "update", "a"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := db.Prune("orders", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	events, err := db.EventsSince("orders", "")
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events pruned, got %d", len(events))
	}
}
