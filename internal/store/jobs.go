package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"decklab/internal/logging"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// validTransitions enumerates every allowed status change. queued->failed
// covers the queue-timeout sweep; processing->queued covers crash recovery.
var validTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobCancelled, JobFailed},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled, JobQueued},
}

func transitionAllowed(from, to JobStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// JobPriority orders jobs within the queue.
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 1
	PriorityHigh   JobPriority = 2
)

// Stage names as they appear on the worker callback wire.
const (
	StageBasicFeatures   = "basic_features"
	StageCharacteristics = "characteristics"
	StageGenre           = "genre"
	StageStems           = "stems"
	StageSegments        = "segments"
	StageTransitions     = "transitions"
)

// AnalysisOptions selects which stages the worker should run.
type AnalysisOptions struct {
	BasicFeatures   bool `json:"basic_features"`
	Characteristics bool `json:"characteristics"`
	Genre           bool `json:"genre"`
	Stems           bool `json:"stems"`
	Segments        bool `json:"segments"`
	Transitions     bool `json:"transitions"`
}

// Stages returns the requested stage names in canonical order.
func (o AnalysisOptions) Stages() []string {
	var out []string
	if o.BasicFeatures {
		out = append(out, StageBasicFeatures)
	}
	if o.Characteristics {
		out = append(out, StageCharacteristics)
	}
	if o.Genre {
		out = append(out, StageGenre)
	}
	if o.Stems {
		out = append(out, StageStems)
	}
	if o.Segments {
		out = append(out, StageSegments)
	}
	if o.Transitions {
		out = append(out, StageTransitions)
	}
	return out
}

// Requested reports whether the named stage is part of this option set.
func (o AnalysisOptions) Requested(stage string) bool {
	for _, s := range o.Stages() {
		if s == stage {
			return true
		}
	}
	return false
}

// Ephemeral reports whether the options include stages whose output is not
// persisted on the track (stems). Requests for ephemeral stages never
// short-circuit on a previously completed job.
func (o AnalysisOptions) Ephemeral() bool {
	return o.Stems
}

// Callback hook kinds: the downstream action fired when a stage completes.
const (
	HookTrackInfo = "audio_server_track_info"
	HookStems     = "audio_server_stems"
)

// CallbackMetadata is the optional delivery hook attached to a job.
type CallbackMetadata struct {
	Kind          string `json:"kind"`
	EngineTrackID string `json:"engine_track_id"`
	RequestID     string `json:"request_id"`
}

// AnalysisJob is a unit of computation on audio, keyed by content hash.
// Multiple historical rows per hash exist for audit; at most one may be
// queued or processing at any instant (enforced by the queue engine).
type AnalysisJob struct {
	ID              int64 // row handle only; the job's identity is TrackHash
	TrackHash       string
	TrackID         string
	FilePath        string
	Options         AnalysisOptions
	Priority        JobPriority
	Status          JobStatus
	RetryCount      int
	MaxRetries      int
	StagesCompleted []string
	Progress        int
	Callback        *CallbackMetadata
	LastError       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetryAt         *time.Time
}

// Incomplete reports whether the job is still queued or processing.
func (j *AnalysisJob) Incomplete() bool {
	return j.Status == JobQueued || j.Status == JobProcessing
}

// StageRecorded reports whether a stage is already in StagesCompleted.
func (j *AnalysisJob) StageRecorded(stage string) bool {
	for _, s := range j.StagesCompleted {
		if s == stage {
			return true
		}
	}
	return false
}

// AllStagesRecorded reports whether every requested stage has completed.
func (j *AnalysisJob) AllStagesRecorded() bool {
	for _, s := range j.Options.Stages() {
		if !j.StageRecorded(s) {
			return false
		}
	}
	return true
}

func (j *AnalysisJob) computeProgress() int {
	total := len(j.Options.Stages())
	if total == 0 {
		return 0
	}
	done := 0
	for _, s := range j.Options.Stages() {
		if j.StageRecorded(s) {
			done++
		}
	}
	return int(float64(done)/float64(total)*100 + 0.5)
}

// ErrRetriesExhausted is returned by IncrementRetry when the job has hit
// its retry cap and been transitioned to failed.
var ErrRetriesExhausted = fmt.Errorf("retries exhausted")

// CreateJob inserts a new queued job row.
func (s *Store) CreateJob(j *AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	j.CreatedAt = now()

	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	stages, err := json.Marshal(j.StagesCompleted)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	var callback interface{}
	if j.Callback != nil {
		b, err := json.Marshal(j.Callback)
		if err != nil {
			return fmt.Errorf("failed to marshal callback metadata: %w", err)
		}
		callback = string(b)
	}

	res, err := s.db.Exec(`
		INSERT INTO analysis_jobs (
			track_hash, track_id, file_path, options, priority, status,
			retry_count, max_retries, stages_completed, progress,
			callback_metadata, last_error, created_at, retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.TrackHash, j.TrackID, j.FilePath, string(opts), int(j.Priority),
		string(j.Status), j.RetryCount, j.MaxRetries, string(stages),
		j.Progress, callback, j.LastError, formatTime(j.CreatedAt),
		formatNullTime(j.RetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	j.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read job id: %w", err)
	}
	logging.StoreDebug("created job %d for hash %s", j.ID, j.TrackHash)
	return nil
}

// GetJob fetches one job row by its handle.
func (s *Store) GetJob(id int64) (*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
}

// FindIncompleteByHash returns the queued-or-processing job for a hash, if
// any. At most one exists by construction.
func (s *Store) FindIncompleteByHash(hash string) (*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanJob(s.db.QueryRow(
		jobSelect+` WHERE track_hash = ? AND status IN ('queued', 'processing')
		ORDER BY created_at DESC LIMIT 1`, hash))
}

// FindCompletedByHash returns the most recent completed job for a hash.
func (s *Store) FindCompletedByHash(hash string) (*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanJob(s.db.QueryRow(
		jobSelect+` WHERE track_hash = ? AND status = 'completed'
		ORDER BY created_at DESC LIMIT 1`, hash))
}

// FindQueued returns up to limit dispatchable queued jobs: higher priority
// first, older first within a band, retry holds honoured.
func (s *Store) FindQueued(limit int) ([]*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		jobSelect+` WHERE status = 'queued'
		AND (retry_at IS NULL OR retry_at <= ?)
		ORDER BY priority DESC, created_at ASC LIMIT ?`,
		formatTime(now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindQueuedOlderThan returns queued jobs created before the cutoff,
// including jobs held back by a retry schedule. Used by the staleness sweep.
func (s *Store) FindQueuedOlderThan(cutoff time.Time) ([]*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		jobSelect+` WHERE status = 'queued' AND created_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query aged queued jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindProcessing returns every job currently marked processing.
func (s *Store) FindProcessing() ([]*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(jobSelect + ` WHERE status = 'processing' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListRecentJobs returns the newest jobs regardless of state.
func (s *Store) ListRecentJobs(limit int) ([]*AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(jobSelect+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobsByStatus returns a status -> count map for the status surface.
func (s *Store) CountJobsByStatus() (map[JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[JobStatus(st)] = n
	}
	return out, rows.Err()
}

// UpdateJobStatus transitions a job, enforcing the legal transition set.
// Moving to processing stamps started_at; terminal states stamp
// completed_at; moving back to queued (crash recovery) clears started_at.
func (s *Store) UpdateJobStatus(id int64, to JobStatus, lastError string) (*AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(j.Status, to) {
		return nil, fmt.Errorf("illegal job transition %s -> %s (job %d)", j.Status, to, id)
	}

	ts := now()
	var startedAt, completedAt interface{}
	startedAt = formatNullTime(j.StartedAt)
	completedAt = formatNullTime(j.CompletedAt)
	switch to {
	case JobProcessing:
		startedAt = formatTime(ts)
	case JobCompleted, JobFailed, JobCancelled:
		completedAt = formatTime(ts)
	case JobQueued:
		startedAt = nil
	}

	_, err = s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, last_error = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(to), lastError, startedAt, completedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
}

// RecordStage appends a stage to stages_completed (idempotently) and
// recomputes progress. Returns the updated job.
func (s *Store) RecordStage(id int64, stage string) (*AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if j.StageRecorded(stage) {
		return j, nil
	}
	j.StagesCompleted = append(j.StagesCompleted, stage)
	j.Progress = j.computeProgress()

	stages, err := json.Marshal(j.StagesCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stages: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE analysis_jobs SET stages_completed = ?, progress = ? WHERE id = ?`,
		string(stages), j.Progress, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record stage: %w", err)
	}
	return j, nil
}

// EscalateJobPriority raises a job to high priority. Already-high jobs
// are left untouched.
func (s *Store) EscalateJobPriority(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE analysis_jobs SET priority = ? WHERE id = ? AND priority < ?`,
		int(PriorityHigh), id, int(PriorityHigh))
	if err != nil {
		return fmt.Errorf("failed to escalate job %d: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and schedules the next attempt.
// When retries are exhausted the job transitions to failed and
// ErrRetriesExhausted is returned alongside the updated job.
func (s *Store) IncrementRetry(id int64, cause string, retryAt time.Time) (*AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	j.RetryCount++
	if j.RetryCount >= j.MaxRetries {
		_, err = s.db.Exec(`
			UPDATE analysis_jobs SET retry_count = ?, status = 'failed',
				last_error = ?, completed_at = ?, retry_at = NULL
			WHERE id = ?`,
			j.RetryCount, cause, formatTime(now()), id,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to fail exhausted job: %w", err)
		}
		j, err = scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		return j, ErrRetriesExhausted
	}

	_, err = s.db.Exec(`
		UPDATE analysis_jobs SET retry_count = ?, status = 'queued',
			last_error = ?, started_at = NULL, retry_at = ?
		WHERE id = ?`,
		j.RetryCount, cause, formatTime(retryAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule retry: %w", err)
	}
	return scanJob(s.db.QueryRow(jobSelect+` WHERE id = ?`, id))
}

// ResetProcessingToQueued returns every processing job to queued. Run once
// at startup: the worker may or may not still be computing, and late
// callbacks are absorbed by the (job, stage) idempotency gate.
func (s *Store) ResetProcessingToQueued() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'queued', started_at = NULL
		WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("crash recovery: reset %d processing jobs to queued", n)
	}
	return int(n), nil
}

// CleanupJobsOlderThan deletes terminal jobs older than the given age.
func (s *Store) CleanupJobsOlderThan(days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now().AddDate(0, 0, -days)
	res, err := s.db.Exec(`
		DELETE FROM analysis_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND created_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const jobSelect = `
	SELECT id, track_hash, track_id, file_path, options, priority, status,
		retry_count, max_retries, stages_completed, progress,
		callback_metadata, last_error, created_at, started_at,
		completed_at, retry_at
	FROM analysis_jobs`

func scanJob(row rowScanner) (*AnalysisJob, error) {
	j := &AnalysisJob{}
	var (
		options, stages                          string
		status                                   string
		priority                                 int
		callback                                 sql.NullString
		createdAt, startedAt, completedAt, retry sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.TrackHash, &j.TrackID, &j.FilePath, &options, &priority,
		&status, &j.RetryCount, &j.MaxRetries, &stages, &j.Progress,
		&callback, &j.LastError, &createdAt, &startedAt, &completedAt,
		&retry,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	j.Priority = JobPriority(priority)
	j.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(options), &j.Options); err != nil {
		return nil, fmt.Errorf("failed to parse job options: %w", err)
	}
	if err := json.Unmarshal([]byte(stages), &j.StagesCompleted); err != nil {
		return nil, fmt.Errorf("failed to parse stages: %w", err)
	}
	if callback.Valid && callback.String != "" {
		j.Callback = &CallbackMetadata{}
		if err := json.Unmarshal([]byte(callback.String), j.Callback); err != nil {
			return nil, fmt.Errorf("failed to parse callback metadata: %w", err)
		}
	}
	if ts := parseNullTime(createdAt); ts != nil {
		j.CreatedAt = *ts
	}
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.RetryAt = parseNullTime(retry)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*AnalysisJob, error) {
	var out []*AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
