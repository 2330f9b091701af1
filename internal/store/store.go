// Package store implements decklab's SQLite persistence: tracks, waveforms,
// analysis jobs, hot cues, library directories, and settings.
//
// All byte-heavy rows (waveforms, stems on disk) are keyed by content hash
// rather than track ID, so identical audio in different files shares one
// copy of every derived artifact.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"decklab/internal/logging"
)

// timeFormat is what SQLite hands back for DATETIME columns: no timezone.
// Every timestamp in the database is UTC; parseTime pins the location so
// comparisons against time.Now().UTC() are safe.
const timeFormat = "2006-01-02 15:04:05"

// Store is the single handle to the decklab database. One connection,
// WAL mode, guarded by a RWMutex: SQLite serializes writers anyway and a
// single conn avoids SQLITE_BUSY churn under concurrent goroutines.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema and running any pending migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("opening database at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the raw connection for callers with needs the typed API does
// not cover (currently only tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = fmt.Errorf("not found")

// now returns the current time truncated to what the DATETIME columns hold.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime interprets a stored timestamp as UTC. SQLite returns
// "YYYY-MM-DD HH:MM:SS" with no zone marker; parsing in the local zone has
// caused real staleness-sweep bugs, so the location is forced here.
func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeFormat, s, time.UTC)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
