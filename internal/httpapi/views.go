package httpapi

import (
	"time"

	"decklab/internal/store"
)

// trackPayload is the JSON view of a track row.
type trackPayload struct {
	ID          string     `json:"id"`
	FilePath    string     `json:"file_path"`
	FileSize    int64      `json:"file_size"`
	ContentHash string     `json:"content_hash"`
	Title       string     `json:"title,omitempty"`
	Artist      string     `json:"artist,omitempty"`
	Album       string     `json:"album,omitempty"`
	Genre       string     `json:"genre,omitempty"`
	Year        *int       `json:"year,omitempty"`
	BPM         *float64   `json:"bpm,omitempty"`
	MusicalKey  *int       `json:"key,omitempty"`
	Mode        *int       `json:"mode,omitempty"`
	Energy      *float64   `json:"energy,omitempty"`
	Valence     *float64   `json:"valence,omitempty"`
	AnalyzedAt  *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func trackView(t *store.Track) *trackPayload {
	return &trackPayload{
		ID:          t.ID,
		FilePath:    t.FilePath,
		FileSize:    t.FileSize,
		ContentHash: t.ContentHash,
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       t.Album,
		Genre:       t.Genre,
		Year:        t.Year,
		BPM:         t.BPM,
		MusicalKey:  t.MusicalKey,
		Mode:        t.Mode,
		Energy:      t.Energy,
		Valence:     t.Valence,
		AnalyzedAt:  t.AnalyzedAt,
		CreatedAt:   t.CreatedAt,
	}
}

// jobPayload is the JSON view of an analysis job.
type jobPayload struct {
	ID              int64                 `json:"id"`
	TrackHash       string                `json:"track_hash"`
	TrackID         string                `json:"track_id,omitempty"`
	Status          store.JobStatus       `json:"status"`
	Priority        store.JobPriority     `json:"priority"`
	Options         store.AnalysisOptions `json:"options"`
	Progress        int                   `json:"progress"`
	StagesCompleted []string              `json:"stages_completed"`
	RetryCount      int                   `json:"retry_count"`
	LastError       string                `json:"last_error,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

func jobView(j *store.AnalysisJob) *jobPayload {
	stages := j.StagesCompleted
	if stages == nil {
		stages = []string{}
	}
	return &jobPayload{
		ID:              j.ID,
		TrackHash:       j.TrackHash,
		TrackID:         j.TrackID,
		Status:          j.Status,
		Priority:        j.Priority,
		Options:         j.Options,
		Progress:        j.Progress,
		StagesCompleted: stages,
		RetryCount:      j.RetryCount,
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
