// Package store is the durable metadata registry: the single source of
// truth for container, image, layer, volume and network existence. Every
// lifecycle transition is persisted here before the engine reports success
// for it, and the layout survives engine restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database holding all engine metadata.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the metadata database at path and bootstraps the
// schema. WAL mode keeps readers unblocked during transition writes. The
// pragmas ride in the DSN so every pooled connection gets them, and
// transactions begin IMMEDIATE: the write lock is taken up front, so
// concurrent refcount transactions queue on busy_timeout instead of
// failing the deferred-to-write upgrade.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap creates the schema if it does not exist yet. Records are kept
// as JSON blobs next to the indexed columns so external collaborators can
// attach metadata the engine does not know about (unknown fields are
// preserved on update, see mergeRecord).
func (s *Store) bootstrap() error {
	schema := `
	CREATE TABLE IF NOT EXISTS containers (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		image_id VARCHAR(255) NOT NULL,
		state VARCHAR(50) NOT NULL,
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS images (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS layers (
		digest VARCHAR(255) PRIMARY KEY,
		parent VARCHAR(255),
		refcount INTEGER NOT NULL DEFAULT 0,
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS volumes (
		name VARCHAR(255) PRIMARY KEY,
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS networks (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS endpoints (
		network_id VARCHAR(255) NOT NULL,
		container_id VARCHAR(255) NOT NULL,
		record TEXT NOT NULL,
		PRIMARY KEY (network_id, container_id),
		FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_containers_state ON containers(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close metadata database: %w", err)
	}
	return nil
}

// Path returns the on-disk location of the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
