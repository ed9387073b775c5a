package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Manifest schema versions (PRAGMA user_version):
// 0 - deployments, runs and run_warnings from schema.sql
// 1 - run_warnings indexed by run for `runs --id`
const currentSchemaVersion = 1

var (
	// ErrDepthMismatch is returned when a root is already recorded with a
	// different shard depth.
	ErrDepthMismatch = errors.New("shard depth does not match deployment")

	// ErrNotFound is returned when a root or run is not in the manifest.
	ErrNotFound = errors.New("not found")
)

// manifestPragmas are applied on every open. Runs of one root are recorded
// by a single process, so a single connection with WAL is enough; the busy
// timeout covers a concurrent `runs` listing.
var manifestPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is an open deployment manifest. One manifest may hold several
// storage roots; each root is pinned to a single depth.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the manifest at path, creating the file and its tables if
// needed, and brings the schema up to date. Opening the same manifest
// repeatedly is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to manifest %s: %w", path, err)
	}

	// SQLite has one writer; more connections only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range manifestPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("manifest %s: %q: %w", path, pragma, err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the manifest file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the manifest. Closing twice is harmless.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applySchema creates missing tables and runs pending migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 indexes run_warnings by run so per-run warning reads stay
// cheap on long-lived manifests.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_run_warnings_run
		ON run_warnings(run_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
