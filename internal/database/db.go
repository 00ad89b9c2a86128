// Package database provides the optional SQLite-backed durable history
// store for the push server (C13): a bounded replay buffer so a
// reconnecting SSE client that sends Last-Event-ID can catch up on
// messages broadcast to a channel while it was disconnected.
package database

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite database connection with thread-safe access to the
// push-channel message history.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database at path, running migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}

	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Event is one durable row in a channel's message history.
type Event struct {
	ID        int64
	Channel   string
	EventID   string
	EventType string
	Data      string
	CreatedAt time.Time
}

// AppendEvent persists one broadcast message for channel, so a client
// that reconnects with Last-Event-ID can replay anything it missed.
func (db *DB) AppendEvent(channel, eventID, eventType, data string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`INSERT INTO push_events (channel, event_id, event_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		channel, eventID, eventType, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append push event: %w", err)
	}
	return nil
}

// EventsSince returns every event recorded for channel after afterID,
// oldest first, for SSE reconnect replay.
func (db *DB) EventsSince(channel, afterID string) ([]Event, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var afterRowID int64
	if afterID != "" {
		row := db.conn.QueryRow(`SELECT id FROM push_events WHERE channel = ? AND event_id = ?`, channel, afterID)
		if err := row.Scan(&afterRowID); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to resolve Last-Event-ID: %w", err)
		}
	}

	rows, err := db.conn.Query(
		`SELECT id, channel, event_id, event_type, data, created_at FROM push_events WHERE channel = ? AND id > ? ORDER BY id ASC`,
		channel, afterRowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query push events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Channel, &e.EventID, &e.EventType, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes history rows for channel older than before, bounding
// the table's growth for long-lived channels.
func (db *DB) Prune(channel string, before time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`DELETE FROM push_events WHERE channel = ? AND created_at < ?`, channel, before.UTC())
	if err != nil {
		return fmt.Errorf("failed to prune push events: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (db *DB) Health() error {
	return db.conn.Ping()
}
