package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	configLastServer   = "last_server"
	configLastUsername = "last_username"
	configCodec        = "codec"
)

// migrations are applied in order; the index+1 is the schema version
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ConnectionHistory (
		server_address TEXT PRIMARY KEY,
		connection_type TEXT NOT NULL,
		last_success_at INTEGER NOT NULL
	)`,
}

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

func (s *State) GetLastServer() string {
	addr, _ := s.GetConfig(configLastServer)
	return addr
}

func (s *State) SetLastServer(addr string) error {
	return s.SetConfig(configLastServer, addr)
}

func (s *State) GetLastUsername() string {
	username, _ := s.GetConfig(configLastUsername)
	return username
}

func (s *State) SetLastUsername(username string) error {
	return s.SetConfig(configLastUsername, username)
}

// GetCodec returns the codec name last used, or "" if none was stored
func (s *State) GetCodec() string {
	codec, _ := s.GetConfig(configCodec)
	return codec
}

func (s *State) SetCodec(name string) error {
	return s.SetConfig(configCodec, name)
}

// GetLastConnectionType retrieves how the client last reached serverAddress
func (s *State) GetLastConnectionType(serverAddress string) (string, error) {
	var connType string
	err := s.db.QueryRow(`
		SELECT connection_type
		FROM ConnectionHistory
		WHERE server_address = ?
	`, serverAddress).Scan(&connType)

	if err == sql.ErrNoRows {
		return "", nil
	}
	return connType, err
}

// SaveSuccessfulConnection records a successful connection to serverAddress
func (s *State) SaveSuccessfulConnection(serverAddress, connType string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_address, connection_type, last_success_at)
		VALUES (?, ?, ?)
	`, serverAddress, connType, time.Now().Unix())
	return err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
