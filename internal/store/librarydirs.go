package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LibraryDirectory is a root the scanner watches for audio files.
type LibraryDirectory struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

// AddLibraryDirectory registers a scan root. Adding the same path twice
// is a no-op returning the existing row.
func (s *Store) AddLibraryDirectory(path string) (*LibraryDirectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.libraryDirByPath(path)
	if err == nil {
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	d := &LibraryDirectory{ID: uuid.NewString(), Path: path, CreatedAt: now()}
	_, err = s.db.Exec(
		`INSERT INTO library_directories (id, path, created_at) VALUES (?, ?, ?)`,
		d.ID, d.Path, formatTime(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to add library directory: %w", err)
	}
	return d, nil
}

// ListLibraryDirectories returns every registered scan root.
func (s *Store) ListLibraryDirectories() ([]*LibraryDirectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, path, created_at FROM library_directories ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list library directories: %w", err)
	}
	defer rows.Close()

	var out []*LibraryDirectory
	for rows.Next() {
		d := &LibraryDirectory{}
		var created string
		if err := rows.Scan(&d.ID, &d.Path, &created); err != nil {
			return nil, fmt.Errorf("failed to scan library directory: %w", err)
		}
		if ts, err := parseTime(created); err == nil {
			d.CreatedAt = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveLibraryDirectory deregisters a scan root. Tracks under it are
// left in place.
func (s *Store) RemoveLibraryDirectory(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM library_directories WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to remove library directory: %w", err)
	}
	return requireRow(res)
}

func (s *Store) libraryDirByPath(path string) (*LibraryDirectory, error) {
	d := &LibraryDirectory{}
	var created string
	err := s.db.QueryRow(
		`SELECT id, path, created_at FROM library_directories WHERE path = ?`,
		path).Scan(&d.ID, &d.Path, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ts, err := parseTime(created); err == nil {
		d.CreatedAt = ts
	}
	return d, nil
}
