// Package state persists small amounts of client-side state in SQLite:
// configuration values, per-thread read positions and connection history.
// Message plaintext never touches this database.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages client-side persistent state
type Store struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// Open opens or creates the client state database
func Open(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Configure for better reliability
	db.SetMaxOpenConns(1) // Client only needs one connection
	db.SetMaxIdleConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &Store{
		db:  db,
		dir: dir,
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrations run in order; user_version tracks how far we've applied.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ReadState (
		thread_id INTEGER PRIMARY KEY,
		last_read_server_id INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ConnectionHistory (
		server_address TEXT PRIMARY KEY,
		last_successful_method TEXT NOT NULL,
		last_success_at INTEGER NOT NULL
	)`,
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
	}
	return nil
}

// Close closes the state database
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the directory where state is stored
func (s *Store) Dir() string {
	return s.dir
}

// GetConfig retrieves a configuration value
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetUserID returns the configured user ID, or nil when none is stored
func (s *Store) GetUserID() *uint64 {
	userIDStr, _ := s.GetConfig("user_id")
	if userIDStr == "" {
		return nil
	}
	var userID uint64
	if _, err := fmt.Sscanf(userIDStr, "%d", &userID); err != nil {
		return nil
	}
	return &userID
}

// SetUserID stores the user ID
func (s *Store) SetUserID(userID *uint64) error {
	if userID == nil {
		return s.SetConfig("user_id", "")
	}
	return s.SetConfig("user_id", fmt.Sprintf("%d", *userID))
}

// GetReadState returns the highest server message ID the user has read in a
// thread. Returns 0 if no state exists (never read).
func (s *Store) GetReadState(threadID uint64) (int64, error) {
	var lastRead int64
	err := s.db.QueryRow(`
		SELECT last_read_server_id
		FROM ReadState
		WHERE thread_id = ?
	`, threadID).Scan(&lastRead)

	if err == sql.ErrNoRows {
		return 0, nil // Never read
	}
	if err != nil {
		return 0, err
	}

	return lastRead, nil
}

// UpdateReadState advances the read position for a thread. Positions never
// move backwards; a stale update is a no-op.
func (s *Store) UpdateReadState(threadID uint64, upToServerID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO ReadState (thread_id, last_read_server_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			last_read_server_id = excluded.last_read_server_id,
			updated_at = excluded.updated_at
		WHERE excluded.last_read_server_id > ReadState.last_read_server_id
	`, threadID, upToServerID, time.Now().Unix())

	return err
}

// GetLastSuccessfulMethod retrieves the last successful connection method
// for a server ("tcp", "ws" or "wss")
func (s *Store) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	var method string
	err := s.db.QueryRow(`
		SELECT last_successful_method
		FROM ConnectionHistory
		WHERE server_address = ?
	`, serverAddress).Scan(&method)

	if err == sql.ErrNoRows {
		return "", nil // No history for this server
	}
	return method, err
}

// SaveSuccessfulConnection records a successful connection method for a server
func (s *Store) SaveSuccessfulConnection(serverAddress string, method string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_address, last_successful_method, last_success_at)
		VALUES (?, ?, ?)
	`, serverAddress, method, now)
	return err
}

// GetLastSeenTimestamp returns when the client was last active, in
// milliseconds. Returns 0 if no timestamp has been stored.
func (s *Store) GetLastSeenTimestamp() int64 {
	timestampStr, _ := s.GetConfig("last_seen_timestamp")
	if timestampStr == "" {
		return 0
	}
	var timestamp int64
	if _, err := fmt.Sscanf(timestampStr, "%d", &timestamp); err != nil {
		return 0
	}
	return timestamp
}

// SetLastSeenTimestamp stores the last active time in milliseconds
func (s *Store) SetLastSeenTimestamp(timestamp int64) error {
	return s.SetConfig("last_seen_timestamp", fmt.Sprintf("%d", timestamp))
}

// UpdateLastSeenTimestamp updates the last seen timestamp to now
func (s *Store) UpdateLastSeenTimestamp() error {
	return s.SetLastSeenTimestamp(time.Now().UnixMilli())
}
