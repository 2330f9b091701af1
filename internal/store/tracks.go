package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"decklab/internal/logging"
)

// Track is a row in the library catalogue. File identity and tag metadata
// are filled by the scanner; derived features arrive later from the
// analysis worker. Pointer fields are NULL until analysed.
type Track struct {
	ID             string
	FilePath       string
	FileSize       int64
	FileModifiedAt *time.Time
	ContentHash    string

	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	Genre       string
	Year        *int
	TrackNumber *int
	Comment     string

	BPM               *float64
	MusicalKey        *int // 0-11
	Mode              *int // 0=minor, 1=major
	TimeSignature     *int
	Beats             []float64
	Downbeats         []float64
	FirstBeatOffset   *float64
	FirstPhraseBeatNo *int
	AudibleStart      *float64
	AudibleEnd        *float64

	Danceability      *bool
	Acousticness      *bool
	Instrumentalness  *bool
	Valence           *float64
	Arousal           *float64
	Energy            *float64
	Loudness          *float64
	SpectralCentroid  *float64
	SpectralRolloff   *float64
	SpectralBandwidth *float64
	ZeroCrossingRate  *float64

	AnalyzedAt      *time.Time
	AnalysisVersion string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Analyzed reports whether basic features have been recorded.
func (t *Track) Analyzed() bool {
	return t.BPM != nil
}

// BasicFeatures is the persistent output of the basic_features stage.
type BasicFeatures struct {
	BPM               float64
	MusicalKey        int
	Mode              int
	TimeSignature     *int
	Beats             []float64
	Downbeats         []float64
	FirstBeatOffset   *float64
	FirstPhraseBeatNo *int
	AudibleStart      *float64
	AudibleEnd        *float64
	AnalysisVersion   string
}

// Validate enforces the beat-grid invariants: beats and downbeats are
// non-decreasing and downbeats are a subsequence of beats.
func (f *BasicFeatures) Validate() error {
	for i := 1; i < len(f.Beats); i++ {
		if f.Beats[i] < f.Beats[i-1] {
			return fmt.Errorf("beats not non-decreasing at index %d", i)
		}
	}
	for i := 1; i < len(f.Downbeats); i++ {
		if f.Downbeats[i] < f.Downbeats[i-1] {
			return fmt.Errorf("downbeats not non-decreasing at index %d", i)
		}
	}
	if f.MusicalKey < 0 || f.MusicalKey > 11 {
		return fmt.Errorf("musical key %d out of range 0-11", f.MusicalKey)
	}
	if f.Mode != 0 && f.Mode != 1 {
		return fmt.Errorf("mode %d must be 0 or 1", f.Mode)
	}
	// Subsequence check: every downbeat must appear in the beat grid.
	j := 0
	for _, db := range f.Downbeats {
		for j < len(f.Beats) && f.Beats[j] != db {
			j++
		}
		if j >= len(f.Beats) {
			return fmt.Errorf("downbeat %v not present in beats", db)
		}
		j++
	}
	return nil
}

// Characteristics is the persistent output of the characteristics stage.
type Characteristics struct {
	Danceability      bool
	Acousticness      bool
	Instrumentalness  bool
	Valence           float64
	Arousal           float64
	Energy            float64
	Loudness          float64
	SpectralCentroid  *float64
	SpectralRolloff   *float64
	SpectralBandwidth *float64
	ZeroCrossingRate  *float64
}

// CreateTrack inserts a new track row. A row must exist before any derived
// features can be stored for it.
func (s *Store) CreateTrack(t *Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	t.CreatedAt = ts
	t.UpdatedAt = ts

	_, err := s.db.Exec(`
		INSERT INTO tracks (
			id, file_path, file_size, file_modified_at, content_hash,
			title, artist, album, album_artist, genre, year, track_number,
			comment, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FilePath, t.FileSize, formatNullTime(t.FileModifiedAt),
		t.ContentHash, t.Title, t.Artist, t.Album, t.AlbumArtist, t.Genre,
		t.Year, t.TrackNumber, t.Comment, formatTime(ts), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to create track: %w", err)
	}
	logging.StoreDebug("created track %s (%s)", t.ID, t.FilePath)
	return nil
}

// GetTrack fetches a track by ID.
func (s *Store) GetTrack(id string) (*Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanTrack(s.db.QueryRow(trackSelect+` WHERE id = ?`, id))
}

// GetTrackByPath fetches a track by absolute file path.
func (s *Store) GetTrackByPath(path string) (*Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanTrack(s.db.QueryRow(trackSelect+` WHERE file_path = ?`, path))
}

// FindTracksByHash returns every track sharing a content hash (duplicate
// files of the same audio).
func (s *Store) FindTracksByHash(hash string) ([]*Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(trackSelect+` WHERE content_hash = ? ORDER BY created_at`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks by hash: %w", err)
	}
	defer rows.Close()
	return s.scanTracks(rows)
}

// ListTracks returns all tracks ordered by artist then title.
func (s *Store) ListTracks() ([]*Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(trackSelect + ` ORDER BY artist, title`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()
	return s.scanTracks(rows)
}

// UpdateTrackFile refreshes file identity after a rescan.
func (s *Store) UpdateTrackFile(id string, size int64, modifiedAt time.Time, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tracks SET file_size = ?, file_modified_at = ?, content_hash = ?,
			updated_at = ?
		WHERE id = ?`,
		size, formatTime(modifiedAt), hash, formatTime(now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update track file identity: %w", err)
	}
	return requireRow(res)
}

// UpdateTrackTags refreshes tag metadata after a rescan.
func (s *Store) UpdateTrackTags(t *Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tracks SET title = ?, artist = ?, album = ?, album_artist = ?,
			genre = ?, year = ?, track_number = ?, comment = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Artist, t.Album, t.AlbumArtist, t.Genre, t.Year,
		t.TrackNumber, t.Comment, formatTime(now()), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update track tags: %w", err)
	}
	return requireRow(res)
}

// UpdateBasicFeatures persists the basic_features stage output on a track.
func (s *Store) UpdateBasicFeatures(trackID string, f *BasicFeatures) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid basic features: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	beats, err := json.Marshal(f.Beats)
	if err != nil {
		return fmt.Errorf("failed to marshal beats: %w", err)
	}
	downbeats, err := json.Marshal(f.Downbeats)
	if err != nil {
		return fmt.Errorf("failed to marshal downbeats: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE tracks SET bpm = ?, musical_key = ?, mode = ?,
			time_signature = ?, beats = ?, downbeats = ?,
			first_beat_offset = ?, first_phrase_beat_no = ?,
			audible_start = ?, audible_end = ?, analysis_version = ?,
			updated_at = ?
		WHERE id = ?`,
		f.BPM, f.MusicalKey, f.Mode, f.TimeSignature, string(beats),
		string(downbeats), f.FirstBeatOffset, f.FirstPhraseBeatNo,
		f.AudibleStart, f.AudibleEnd, f.AnalysisVersion,
		formatTime(now()), trackID,
	)
	if err != nil {
		return fmt.Errorf("failed to update basic features: %w", err)
	}
	return requireRow(res)
}

// UpdateCharacteristics persists the characteristics stage output and the
// analysis timestamp on a track.
func (s *Store) UpdateCharacteristics(trackID string, c *Characteristics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tracks SET danceability = ?, acousticness = ?,
			instrumentalness = ?, valence = ?, arousal = ?, energy = ?,
			loudness = ?, spectral_centroid = ?, spectral_rolloff = ?,
			spectral_bandwidth = ?, zero_crossing_rate = ?,
			analyzed_at = ?, updated_at = ?
		WHERE id = ?`,
		c.Danceability, c.Acousticness, c.Instrumentalness, c.Valence,
		c.Arousal, c.Energy, c.Loudness, c.SpectralCentroid,
		c.SpectralRolloff, c.SpectralBandwidth, c.ZeroCrossingRate,
		formatTime(now()), formatTime(now()), trackID,
	)
	if err != nil {
		return fmt.Errorf("failed to update characteristics: %w", err)
	}
	return requireRow(res)
}

// DeleteTrack removes a track row. Waveforms are content-hash scoped and
// deliberately not touched here; see DeleteWaveformsIfOrphaned.
func (s *Store) DeleteTrack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM tracks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete track: %w", err)
	}
	return requireRow(res)
}

const trackSelect = `
	SELECT id, file_path, file_size, file_modified_at, content_hash,
		title, artist, album, album_artist, genre, year, track_number,
		comment, bpm, musical_key, mode, time_signature, beats, downbeats,
		first_beat_offset, first_phrase_beat_no, audible_start, audible_end,
		danceability, acousticness, instrumentalness, valence, arousal,
		energy, loudness, spectral_centroid, spectral_rolloff,
		spectral_bandwidth, zero_crossing_rate, analyzed_at,
		analysis_version, created_at, updated_at
	FROM tracks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanTrack(row rowScanner) (*Track, error) {
	t := &Track{}
	var (
		fileModified, analyzedAt, createdAt, updatedAt sql.NullString
		beats, downbeats                               sql.NullString
		year, trackNo, key, mode, timeSig, phraseNo    sql.NullInt64
		dance, acoustic, instr                         sql.NullBool
		bpm, fbo, audStart, audEnd                     sql.NullFloat64
		valence, arousal, energy, loudness             sql.NullFloat64
		spCent, spRoll, spBand, zcr                    sql.NullFloat64
	)
	err := row.Scan(
		&t.ID, &t.FilePath, &t.FileSize, &fileModified, &t.ContentHash,
		&t.Title, &t.Artist, &t.Album, &t.AlbumArtist, &t.Genre, &year,
		&trackNo, &t.Comment, &bpm, &key, &mode, &timeSig, &beats,
		&downbeats, &fbo, &phraseNo, &audStart, &audEnd, &dance, &acoustic,
		&instr, &valence, &arousal, &energy, &loudness, &spCent, &spRoll,
		&spBand, &zcr, &analyzedAt, &t.AnalysisVersion, &createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan track: %w", err)
	}

	t.FileModifiedAt = parseNullTime(fileModified)
	t.AnalyzedAt = parseNullTime(analyzedAt)
	if ts := parseNullTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	if ts := parseNullTime(updatedAt); ts != nil {
		t.UpdatedAt = *ts
	}
	t.Year = nullInt(year)
	t.TrackNumber = nullInt(trackNo)
	t.MusicalKey = nullInt(key)
	t.Mode = nullInt(mode)
	t.TimeSignature = nullInt(timeSig)
	t.FirstPhraseBeatNo = nullInt(phraseNo)
	t.BPM = nullFloat(bpm)
	t.FirstBeatOffset = nullFloat(fbo)
	t.AudibleStart = nullFloat(audStart)
	t.AudibleEnd = nullFloat(audEnd)
	t.Valence = nullFloat(valence)
	t.Arousal = nullFloat(arousal)
	t.Energy = nullFloat(energy)
	t.Loudness = nullFloat(loudness)
	t.SpectralCentroid = nullFloat(spCent)
	t.SpectralRolloff = nullFloat(spRoll)
	t.SpectralBandwidth = nullFloat(spBand)
	t.ZeroCrossingRate = nullFloat(zcr)
	t.Danceability = nullBool(dance)
	t.Acousticness = nullBool(acoustic)
	t.Instrumentalness = nullBool(instr)

	if beats.Valid && beats.String != "" {
		if err := json.Unmarshal([]byte(beats.String), &t.Beats); err != nil {
			return nil, fmt.Errorf("failed to parse beats: %w", err)
		}
	}
	if downbeats.Valid && downbeats.String != "" {
		if err := json.Unmarshal([]byte(downbeats.String), &t.Downbeats); err != nil {
			return nil, fmt.Errorf("failed to parse downbeats: %w", err)
		}
	}
	return t, nil
}

func (s *Store) scanTracks(rows *sql.Rows) ([]*Track, error) {
	var out []*Track
	for rows.Next() {
		t, err := s.scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return &n.Float64
}

func nullBool(n sql.NullBool) *bool {
	if !n.Valid {
		return nil
	}
	return &n.Bool
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
