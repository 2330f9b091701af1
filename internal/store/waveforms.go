package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// WaveformBands holds the per-pixel amplitude/intensity arrays. Non-stem
// waveforms carry the three frequency bands; stem waveforms carry the four
// stem channels instead. All populated arrays must be NumPixels long.
type WaveformBands struct {
	LowAmplitude    []float64 `json:"low_freq_amplitude,omitempty"`
	LowIntensity    []float64 `json:"low_freq_intensity,omitempty"`
	MidAmplitude    []float64 `json:"mid_freq_amplitude,omitempty"`
	MidIntensity    []float64 `json:"mid_freq_intensity,omitempty"`
	HighAmplitude   []float64 `json:"high_freq_amplitude,omitempty"`
	HighIntensity   []float64 `json:"high_freq_intensity,omitempty"`
	VocalsAmplitude []float64 `json:"vocals_amplitude,omitempty"`
	VocalsIntensity []float64 `json:"vocals_intensity,omitempty"`
	DrumsAmplitude  []float64 `json:"drums_amplitude,omitempty"`
	DrumsIntensity  []float64 `json:"drums_intensity,omitempty"`
	BassAmplitude   []float64 `json:"bass_amplitude,omitempty"`
	BassIntensity   []float64 `json:"bass_intensity,omitempty"`
	OtherAmplitude  []float64 `json:"other_amplitude,omitempty"`
	OtherIntensity  []float64 `json:"other_intensity,omitempty"`
}

func (b *WaveformBands) arrays() [][]float64 {
	return [][]float64{
		b.LowAmplitude, b.LowIntensity, b.MidAmplitude, b.MidIntensity,
		b.HighAmplitude, b.HighIntensity, b.VocalsAmplitude,
		b.VocalsIntensity, b.DrumsAmplitude, b.DrumsIntensity,
		b.BassAmplitude, b.BassIntensity, b.OtherAmplitude, b.OtherIntensity,
	}
}

// Waveform is one precomputed rendering resolution for a content hash.
// Keyed by (content hash, zoom level 0-2, stems flag); sharing by hash means
// duplicate files reuse the same rows.
type Waveform struct {
	ContentHash     string
	ZoomLevel       int // 0=overview, 1=normal, 2=detailed
	ForStems        bool
	SampleRate      int
	SamplesPerPixel int
	NumPixels       int
	Bands           WaveformBands
}

// Validate enforces that every populated band array is NumPixels long.
func (w *Waveform) Validate() error {
	if w.ZoomLevel < 0 || w.ZoomLevel > 2 {
		return fmt.Errorf("zoom level %d out of range 0-2", w.ZoomLevel)
	}
	for i, arr := range w.Bands.arrays() {
		if arr != nil && len(arr) != w.NumPixels {
			return fmt.Errorf("band array %d has %d pixels, want %d", i, len(arr), w.NumPixels)
		}
	}
	return nil
}

// UpsertWaveform inserts or replaces a waveform record.
func (s *Store) UpsertWaveform(w *Waveform) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid waveform: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bands, err := json.Marshal(&w.Bands)
	if err != nil {
		return fmt.Errorf("failed to marshal waveform bands: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO waveforms (
			content_hash, zoom_level, for_stems, sample_rate,
			samples_per_pixel, num_pixels, bands, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash, zoom_level, for_stems) DO UPDATE SET
			sample_rate = excluded.sample_rate,
			samples_per_pixel = excluded.samples_per_pixel,
			num_pixels = excluded.num_pixels,
			bands = excluded.bands`,
		w.ContentHash, w.ZoomLevel, w.ForStems, w.SampleRate,
		w.SamplesPerPixel, w.NumPixels, string(bands), formatTime(now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert waveform: %w", err)
	}
	return nil
}

// GetWaveform fetches one waveform record, ErrNotFound if absent.
func (s *Store) GetWaveform(hash string, zoom int, forStems bool) (*Waveform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := &Waveform{ContentHash: hash, ZoomLevel: zoom, ForStems: forStems}
	var bands string
	err := s.db.QueryRow(`
		SELECT sample_rate, samples_per_pixel, num_pixels, bands
		FROM waveforms
		WHERE content_hash = ? AND zoom_level = ? AND for_stems = ?`,
		hash, zoom, forStems,
	).Scan(&w.SampleRate, &w.SamplesPerPixel, &w.NumPixels, &bands)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query waveform: %w", err)
	}
	if err := json.Unmarshal([]byte(bands), &w.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse waveform bands: %w", err)
	}
	return w, nil
}

// DeleteWaveformsIfOrphaned removes waveform rows for a hash only when no
// track references it anymore. Removing one track of a duplicate pair must
// leave waveforms for the survivor.
func (s *Store) DeleteWaveformsIfOrphaned(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM tracks WHERE content_hash = ?`, hash,
	).Scan(&n); err != nil {
		return fmt.Errorf("failed to count hash references: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM waveforms WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to delete waveforms: %w", err)
	}
	return nil
}
