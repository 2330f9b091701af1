package store

import (
	"errors"
	"testing"
)

func TestHotCueLifecycle(t *testing.T) {
	s := openTestStore(t)
	tr := createTestTrack(t, s, "/music/a.flac", testHash)

	cue := &HotCue{TrackID: tr.ID, Index: 3, Position: 42.75, Source: CueSourceUser}
	if err := s.UpsertHotCue(cue); err != nil {
		t.Fatalf("UpsertHotCue: %v", err)
	}

	cues, err := s.ListHotCues(tr.ID)
	if err != nil {
		t.Fatalf("ListHotCues: %v", err)
	}
	if len(cues) != 1 || cues[0].Index != 3 || cues[0].Position != 42.75 {
		t.Errorf("cues = %+v", cues)
	}

	// Upsert at the same (track, index, source) replaces the position.
	cue.Position = 10.0
	if err := s.UpsertHotCue(cue); err != nil {
		t.Fatalf("UpsertHotCue replace: %v", err)
	}
	cues, _ = s.ListHotCues(tr.ID)
	if len(cues) != 1 || cues[0].Position != 10.0 {
		t.Errorf("cue not replaced: %+v", cues)
	}

	if err := s.DeleteHotCue(tr.ID, 3, CueSourceUser); err != nil {
		t.Fatalf("DeleteHotCue: %v", err)
	}
	if err := s.DeleteHotCue(tr.ID, 3, CueSourceUser); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestHotCueSourcesAreIndependent(t *testing.T) {
	s := openTestStore(t)
	tr := createTestTrack(t, s, "/music/a.flac", testHash)

	for _, src := range []string{CueSourceUser, CueSourceImported} {
		if err := s.UpsertHotCue(&HotCue{
			TrackID: tr.ID, Index: 1, Position: 5.0, Source: src,
		}); err != nil {
			t.Fatalf("UpsertHotCue(%s): %v", src, err)
		}
	}

	cues, err := s.ListHotCues(tr.ID)
	if err != nil {
		t.Fatalf("ListHotCues: %v", err)
	}
	if len(cues) != 2 {
		t.Errorf("got %d cues, want 2 (one per source)", len(cues))
	}
}
