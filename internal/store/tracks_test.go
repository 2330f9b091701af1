package store

import (
	"errors"
	"testing"
)

func createTestTrack(t *testing.T, s *Store, path, hash string) *Track {
	t.Helper()
	tr := &Track{
		FilePath:    path,
		FileSize:    4096,
		ContentHash: hash,
		Title:       "Test Title",
		Artist:      "Test Artist",
	}
	if err := s.CreateTrack(tr); err != nil {
		t.Fatalf("CreateTrack: %v", err)
	}
	return tr
}

func TestCreateAndGetTrack(t *testing.T) {
	s := openTestStore(t)
	tr := createTestTrack(t, s, "/music/a.flac", testHash)

	got, err := s.GetTrack(tr.ID)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if got.FilePath != "/music/a.flac" || got.ContentHash != testHash {
		t.Errorf("got %+v", got)
	}
	if got.Analyzed() {
		t.Error("fresh track reports analyzed")
	}

	if _, err := s.GetTrack("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing track err = %v, want ErrNotFound", err)
	}
}

func TestUpdateBasicFeatures(t *testing.T) {
	s := openTestStore(t)
	tr := createTestTrack(t, s, "/music/a.flac", testHash)

	offset := 0.468
	phrase := 1
	f := &BasicFeatures{
		BPM:               128.0,
		MusicalKey:        5,
		Mode:              1,
		Beats:             []float64{0.468, 0.937, 1.406, 1.875, 2.343},
		Downbeats:         []float64{0.468, 2.343},
		FirstBeatOffset:   &offset,
		FirstPhraseBeatNo: &phrase,
	}
	if err := s.UpdateBasicFeatures(tr.ID, f); err != nil {
		t.Fatalf("UpdateBasicFeatures: %v", err)
	}

	got, err := s.GetTrack(tr.ID)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if got.BPM == nil || *got.BPM != 128.0 {
		t.Errorf("bpm = %v, want 128.0", got.BPM)
	}
	if got.MusicalKey == nil || *got.MusicalKey != 5 {
		t.Errorf("key = %v, want 5", got.MusicalKey)
	}
	if got.Mode == nil || *got.Mode != 1 {
		t.Errorf("mode = %v, want 1", got.Mode)
	}
	if len(got.Beats) != 5 || got.Beats[2] != 1.406 {
		t.Errorf("beats = %v", got.Beats)
	}
	if !got.Analyzed() {
		t.Error("track with bpm reports unanalyzed")
	}
}

func TestBasicFeaturesValidation(t *testing.T) {
	cases := []struct {
		name string
		f    BasicFeatures
	}{
		{"decreasing beats", BasicFeatures{
			BPM: 120, MusicalKey: 0, Mode: 0,
			Beats: []float64{1.0, 0.5},
		}},
		{"downbeat not in beats", BasicFeatures{
			BPM: 120, MusicalKey: 0, Mode: 0,
			Beats: []float64{0.5, 1.0}, Downbeats: []float64{0.75},
		}},
		{"key out of range", BasicFeatures{
			BPM: 120, MusicalKey: 12, Mode: 0,
		}},
		{"bad mode", BasicFeatures{
			BPM: 120, MusicalKey: 3, Mode: 2,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.f.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	good := BasicFeatures{
		BPM: 120, MusicalKey: 3, Mode: 1,
		Beats:     []float64{0.5, 1.0, 1.5, 2.0},
		Downbeats: []float64{0.5, 2.0},
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid features rejected: %v", err)
	}
}

func TestUpdateCharacteristics(t *testing.T) {
	s := openTestStore(t)
	tr := createTestTrack(t, s, "/music/a.flac", testHash)

	cent := 2431.0
	zcr := 0.091
	c := &Characteristics{
		Danceability: true, Valence: 0.72, Arousal: 0.61, Energy: 0.81,
		Loudness: -6.2, SpectralCentroid: &cent, ZeroCrossingRate: &zcr,
	}
	if err := s.UpdateCharacteristics(tr.ID, c); err != nil {
		t.Fatalf("UpdateCharacteristics: %v", err)
	}

	got, err := s.GetTrack(tr.ID)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if got.Danceability == nil || !*got.Danceability {
		t.Error("danceability not persisted")
	}
	if got.Loudness == nil || *got.Loudness != -6.2 {
		t.Errorf("loudness = %v", got.Loudness)
	}
	if got.AnalyzedAt == nil {
		t.Error("analysis timestamp not set")
	}
}

func TestFindTracksByHash(t *testing.T) {
	s := openTestStore(t)
	createTestTrack(t, s, "/music/a.flac", testHash)
	createTestTrack(t, s, "/music/copy-of-a.flac", testHash)
	createTestTrack(t, s, "/music/b.flac",
		"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	got, err := s.FindTracksByHash(testHash)
	if err != nil {
		t.Fatalf("FindTracksByHash: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("found %d tracks, want 2", len(got))
	}
}
