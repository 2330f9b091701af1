package store

import (
	"fmt"
	"time"
)

// Cue sources: who authored the cue point.
const (
	CueSourceUser     = "user"
	CueSourceImported = "imported"
)

// HotCue is a named position within a track, keyed by (track, index, source).
type HotCue struct {
	TrackID   string
	Index     int
	Position  float64 // seconds
	Label     string
	Color     string
	Source    string
	CreatedAt time.Time
}

// UpsertHotCue inserts or replaces a cue point.
func (s *Store) UpsertHotCue(c *HotCue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Source == "" {
		c.Source = CueSourceUser
	}
	_, err := s.db.Exec(`
		INSERT INTO hot_cues (track_id, cue_index, position, label, color, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_id, cue_index, source) DO UPDATE SET
			position = excluded.position,
			label = excluded.label,
			color = excluded.color`,
		c.TrackID, c.Index, c.Position, c.Label, c.Color, c.Source,
		formatTime(now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert hot cue: %w", err)
	}
	return nil
}

// ListHotCues returns every cue for a track ordered by index.
func (s *Store) ListHotCues(trackID string) ([]*HotCue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT track_id, cue_index, position, label, color, source, created_at
		FROM hot_cues WHERE track_id = ? ORDER BY cue_index`, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hot cues: %w", err)
	}
	defer rows.Close()

	var out []*HotCue
	for rows.Next() {
		c := &HotCue{}
		var created string
		if err := rows.Scan(&c.TrackID, &c.Index, &c.Position, &c.Label,
			&c.Color, &c.Source, &created); err != nil {
			return nil, fmt.Errorf("failed to scan hot cue: %w", err)
		}
		if ts, err := parseTime(created); err == nil {
			c.CreatedAt = ts
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteHotCue removes one cue; ErrNotFound if it does not exist.
func (s *Store) DeleteHotCue(trackID string, index int, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM hot_cues WHERE track_id = ? AND cue_index = ? AND source = ?`,
		trackID, index, source)
	if err != nil {
		return fmt.Errorf("failed to delete hot cue: %w", err)
	}
	return requireRow(res)
}
