package store

import (
	"database/sql"
	"fmt"

	"decklab/internal/logging"
)

// Schema versions:
// v1: base tables (tracks, waveforms, analysis_jobs, hot_cues, settings,
//     library_directories, playlists, playlist_tracks, file_operations,
//     duplicate_groups)
// v2: stems flag on waveforms, spectral feature columns on tracks
// v3: callback_metadata and retry_at on analysis_jobs
const CurrentSchemaVersion = 3

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS tracks (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL UNIQUE,
			file_size INTEGER NOT NULL DEFAULT 0,
			file_modified_at DATETIME,
			content_hash TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			artist TEXT NOT NULL DEFAULT '',
			album TEXT NOT NULL DEFAULT '',
			album_artist TEXT NOT NULL DEFAULT '',
			genre TEXT NOT NULL DEFAULT '',
			year INTEGER,
			track_number INTEGER,
			comment TEXT NOT NULL DEFAULT '',
			bpm REAL,
			musical_key INTEGER,
			mode INTEGER,
			time_signature INTEGER,
			beats TEXT,
			downbeats TEXT,
			first_beat_offset REAL,
			first_phrase_beat_no INTEGER,
			audible_start REAL,
			audible_end REAL,
			danceability INTEGER,
			acousticness INTEGER,
			instrumentalness INTEGER,
			valence REAL,
			arousal REAL,
			energy REAL,
			loudness REAL,
			analyzed_at DATETIME,
			analysis_version TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_content_hash ON tracks(content_hash)`,
		`CREATE TABLE IF NOT EXISTS waveforms (
			content_hash TEXT NOT NULL,
			zoom_level INTEGER NOT NULL,
			sample_rate INTEGER NOT NULL DEFAULT 0,
			samples_per_pixel INTEGER NOT NULL DEFAULT 0,
			num_pixels INTEGER NOT NULL DEFAULT 0,
			bands TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (content_hash, zoom_level)
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			track_hash TEXT NOT NULL,
			track_id TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'queued',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			stages_completed TEXT NOT NULL DEFAULT '[]',
			progress INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_hash_created ON analysis_jobs(track_hash, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON analysis_jobs(status)`,
		`CREATE TABLE IF NOT EXISTS hot_cues (
			track_id TEXT NOT NULL,
			cue_index INTEGER NOT NULL,
			position REAL NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (track_id, cue_index, source)
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS library_directories (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS playlists (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS playlist_tracks (
			playlist_id TEXT NOT NULL,
			track_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (playlist_id, track_id)
		)`,
		`CREATE TABLE IF NOT EXISTS file_operations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			source_path TEXT NOT NULL,
			target_path TEXT NOT NULL DEFAULT '',
			performed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS duplicate_groups (
			content_hash TEXT NOT NULL,
			track_id TEXT NOT NULL,
			PRIMARY KEY (content_hash, track_id)
		)`,
	}},
	{2, []string{
		// Rebuild waveforms with the stems flag in the primary key so stem
		// and non-stem waveforms for one hash coexist.
		`ALTER TABLE waveforms RENAME TO waveforms_v1`,
		`CREATE TABLE waveforms (
			content_hash TEXT NOT NULL,
			zoom_level INTEGER NOT NULL,
			for_stems INTEGER NOT NULL DEFAULT 0,
			sample_rate INTEGER NOT NULL DEFAULT 0,
			samples_per_pixel INTEGER NOT NULL DEFAULT 0,
			num_pixels INTEGER NOT NULL DEFAULT 0,
			bands TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (content_hash, zoom_level, for_stems)
		)`,
		`INSERT INTO waveforms
			SELECT content_hash, zoom_level, 0, sample_rate,
			       samples_per_pixel, num_pixels, bands, created_at
			FROM waveforms_v1`,
		`DROP TABLE waveforms_v1`,
		`ALTER TABLE tracks ADD COLUMN spectral_centroid REAL`,
		`ALTER TABLE tracks ADD COLUMN spectral_rolloff REAL`,
		`ALTER TABLE tracks ADD COLUMN spectral_bandwidth REAL`,
		`ALTER TABLE tracks ADD COLUMN zero_crossing_rate REAL`,
	}},
	{3, []string{
		`ALTER TABLE analysis_jobs ADD COLUMN callback_metadata TEXT`,
		`ALTER TABLE analysis_jobs ADD COLUMN retry_at DATETIME`,
	}},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logging.Store("applying schema migration v%d", m.version)
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed to clear version: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed to record version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d failed to commit: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}
