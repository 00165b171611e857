// Package store is the embedded SQLite persistence layer for docpipe.
//
// It owns every table of the governance subsystem:
//   - artifacts: one row per (project, session, stage), upserted in place
//   - artifact_dependencies: the dependency graph between artifacts
//   - promotion_candidates / promotion_records: immutable gate decisions
//   - blueprint_claims / claim_lifecycle_events: the claim ledger
//   - blueprint_integrity / integrity_events: governing document hashes
//
// Usage Example:
//
//	s, _ := store.Open(".docpipe/docpipe.db")
//	defer s.Close()
//
//	a, _ := s.Save("acme", "s1", pipeline.StageIntent, "# Intent\n...")
//	err := s.WithTx(func(tx *store.Tx) error {
//	    // reads and writes that must commit together
//	    return nil
//	})
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
)

// DefaultDriver is the pure-Go modernc driver. "sqlite3" selects mattn/go-sqlite3.
const DefaultDriver = "sqlite"

// Store is the SQLite-backed artifact store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	driver string
	policy pipeline.Policy
	now    func() time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithDriver selects the database/sql driver name.
func WithDriver(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.driver = name
		}
	}
}

// WithPolicy injects the governance policy (allowed stages).
func WithPolicy(p pipeline.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open initializes the SQLite database at the given path. Use ":memory:" for an
// ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	s := &Store{
		dbPath: path,
		driver: DefaultDriver,
		policy: pipeline.DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	logging.Store("Opening store at %s (driver=%s)", path, s.driver)

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			logging.StoreError("Failed to create directory for %s: %v", path, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(s.driver, path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps PRAGMA state and serializes writers, which is all the
	// concurrency a developer CLI needs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("Store ready at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store %s", s.dbPath)
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.dbPath
}

// Policy returns the policy the store validates stages against.
func (s *Store) Policy() pipeline.Policy {
	return s.policy
}

// Now returns the store clock reading in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Tx is a logical operation in progress. Its methods see the writes made so far
// and commit together.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// Now returns the store clock reading in UTC.
func (t *Tx) Now() time.Time {
	return t.s.Now()
}

// Policy returns the store policy.
func (t *Tx) Policy() pipeline.Policy {
	return t.s.policy
}

// WithTx runs fn inside one transaction. Any error returned by fn rolls back
// every write fn made; a nil return commits them.
//
// Store methods must not be called from inside fn; use the Tx methods instead.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.Begin()
	if err != nil {
		logging.StoreError("Failed to start transaction: %v", err)
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, s: s}); err != nil {
		logging.StoreDebug("Transaction rolled back: %v", err)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		logging.StoreError("Failed to commit transaction: %v", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// read runs fn against the database under the read lock.
func (s *Store) read(fn func(q dbtx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.db)
}

// =============================================================================
// STATS
// =============================================================================

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	stats := make(map[string]int64)
	err := s.read(func(q dbtx) error {
		for _, table := range allTables {
			var count int64
			if err := q.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			stats[table] = count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// =============================================================================
// TIME ENCODING
// =============================================================================

// Timestamps are stored as RFC3339Nano UTC text so they sort lexically and
// round-trip identically across both drivers.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		logging.StoreWarn("Unparseable timestamp %q: %v", raw, err)
		return time.Time{}
	}
	return t
}
