// Package state provides SQLite-backed storage for the orchestrator's audit
// history. The history is informational: nothing in the orchestrator reads it
// back to decide anything.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store provides SQLite-backed storage for the event log.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens or creates a SQLite database at the given path.
// If the path is empty, it defaults to ~/.omar/history.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".omar", "history.db")
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL DEFAULT '',
	event_data TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_agent ON event_log(agent_id, id);
`

// Migrate creates the schema if needed.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// EventLogEntry is one audit row.
type EventLogEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	AgentID   string    `json:"agent" yaml:"agent"`
	EventType string    `json:"event_type" yaml:"event_type"`
	From      string    `json:"from,omitempty" yaml:"from,omitempty"`
	To        string    `json:"to,omitempty" yaml:"to,omitempty"`
	EventData string    `json:"event_data,omitempty" yaml:"event_data,omitempty"` // JSON payload
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// LogEvent appends an entry. A zero CreatedAt is stamped with now.
func (s *Store) LogEvent(entry *EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.EventData == "" {
		entry.EventData = "{}"
	}
	result, err := s.db.Exec(`
		INSERT INTO event_log (agent_id, event_type, from_state, to_state, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AgentID, entry.EventType, entry.From, entry.To, entry.EventData, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get event id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListEvents returns recent events, newest first. An empty agentID lists
// every agent.
func (s *Store) ListEvents(agentID string, limit int) ([]EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, agent_id, event_type, from_state, to_state, event_data, created_at
		FROM event_log`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []EventLogEntry
	for rows.Next() {
		var entry EventLogEntry
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.EventType, &entry.From, &entry.To, &entry.EventData, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, entry)
	}
	return events, rows.Err()
}

// EncodeData marshals an event payload for EventLogEntry.EventData.
func EncodeData(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(b)
}
