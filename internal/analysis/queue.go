// Package analysis implements the job queue engine: priority scheduling
// with bounded concurrency, staleness sweeps, an idempotency gate keyed by
// content hash, exponential-backoff retries, and crash recovery.
package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"decklab/internal/config"
	"decklab/internal/logging"
	"decklab/internal/store"
)

// WorkerClient is the slice of the worker transport the queue needs.
type WorkerClient interface {
	Submit(ctx context.Context, job *store.AnalysisJob) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Healthy(ctx context.Context) bool
}

// gracePeriod protects freshly created jobs from force re-requests.
const gracePeriod = time.Minute

// Queue is the analysis scheduler. A single loop goroutine dispatches up
// to MaxConcurrent jobs, woken by a tick interval or by enqueues.
type Queue struct {
	store  *store.Store
	worker WorkerClient
	cfg    config.AnalysisConfig

	mu       sync.Mutex
	inFlight map[string]int64 // content hash -> job row id
	subs     []chan Event

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds a queue engine and runs crash recovery: any job left in
// processing by a previous run is returned to queued. Late callbacks for
// those jobs are absorbed by the (job, stage) idempotency gate.
func New(st *store.Store, worker WorkerClient, cfg config.AnalysisConfig) (*Queue, error) {
	if _, err := st.ResetProcessingToQueued(); err != nil {
		return nil, fmt.Errorf("crash recovery failed: %w", err)
	}
	return &Queue{
		store:    st,
		worker:   worker,
		cfg:      cfg,
		inFlight: make(map[string]int64),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the scheduling loop.
func (q *Queue) Start() {
	go q.loop()
}

// Stop halts the loop. In-flight submissions finish on their own; their
// results arrive via callbacks whether or not the loop is running.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	interval := q.cfg.TickInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.dispatch()
		case <-q.wake:
			q.dispatch()
		}
	}
}

func (q *Queue) wakeLoop() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Request returns the existing-or-new job for a track, honouring the
// dedup rules: a fresh incomplete job always wins; an in-timeout incomplete
// job wins unless forced; a completed job satisfies non-ephemeral requests.
func (q *Queue) Request(track *store.Track, opts store.AnalysisOptions,
	priority store.JobPriority, hook *store.CallbackMetadata, force bool) (*store.AnalysisJob, error) {

	if track.ContentHash == "" {
		return nil, fmt.Errorf("track %s has no content hash", track.ID)
	}

	q.SweepStale()

	existing, err := q.store.FindIncompleteByHash(track.ContentHash)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		age := time.Since(existing.CreatedAt.UTC())
		if age < gracePeriod {
			return existing, nil
		}
		if !force && q.withinProcessingTimeout(existing) {
			return existing, nil
		}
		// Forced past the grace period (or timed out without the sweep
		// catching it): retire the old job so at most one stays active
		// per hash.
		if err := q.Cancel(existing.TrackHash); err != nil {
			logging.QueueDebug("failed to cancel superseded job %d: %v", existing.ID, err)
		}
	}

	if !force && !opts.Ephemeral() {
		completed, err := q.store.FindCompletedByHash(track.ContentHash)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if completed != nil {
			return completed, nil
		}
	}

	job := &store.AnalysisJob{
		TrackHash:  track.ContentHash,
		TrackID:    track.ID,
		FilePath:   track.FilePath,
		Options:    opts,
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
		Callback:   hook,
	}
	if err := q.store.CreateJob(job); err != nil {
		return nil, err
	}
	logging.Queue("queued job %d for %s (priority %d)", job.ID, job.TrackHash, priority)
	q.emit(Event{Type: EventQueued, JobID: job.ID, TrackHash: job.TrackHash})
	q.wakeLoop()
	return job, nil
}

func (q *Queue) withinProcessingTimeout(j *store.AnalysisJob) bool {
	ref := j.CreatedAt
	if j.StartedAt != nil {
		ref = *j.StartedAt
	}
	return time.Since(ref.UTC()) < q.cfg.ProcessingTimeout()
}

// BulkSummary reports the outcome of a bulk re-analysis request.
type BulkSummary struct {
	Queued int               `json:"queued"`
	Failed int               `json:"failed"`
	Errors map[string]string `json:"errors,omitempty"`
}

// BulkReanalyze force-enqueues analysis for a set of track IDs. Callers
// are expected to operate on bounded sets; there is no internal rate limit.
func (q *Queue) BulkReanalyze(trackIDs []string, opts store.AnalysisOptions) *BulkSummary {
	sum := &BulkSummary{Errors: make(map[string]string)}
	for _, id := range trackIDs {
		track, err := q.store.GetTrack(id)
		if err != nil {
			sum.Failed++
			sum.Errors[id] = err.Error()
			continue
		}
		if _, err := q.Request(track, opts, store.PriorityNormal, nil, true); err != nil {
			sum.Failed++
			sum.Errors[id] = err.Error()
			continue
		}
		sum.Queued++
	}
	return sum
}

// Cancel best-effort cancels a job on the worker and marks it cancelled
// locally. The hash is the job identity.
func (q *Queue) Cancel(hash string) error {
	job, err := q.store.FindIncompleteByHash(hash)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.worker.Cancel(ctx, hash); err != nil {
		logging.QueueDebug("worker cancel for %s: %v", hash, err)
	}

	if _, err := q.store.UpdateJobStatus(job.ID, store.JobCancelled, ""); err != nil {
		return err
	}
	q.removeInFlight(hash)
	logging.Queue("cancelled job %d (%s)", job.ID, hash)
	q.emit(Event{Type: EventCancelled, JobID: job.ID, TrackHash: hash})
	q.wakeLoop()
	return nil
}

// JobCompletion transitions a job to completed. The worker's job_completed
// signal and the local all-stages-recorded computation both land here;
// whichever arrives first wins and the other is a no-op.
func (q *Queue) JobCompletion(jobID int64) {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		logging.QueueDebug("completion for unknown job %d: %v", jobID, err)
		return
	}
	switch job.Status {
	case store.JobProcessing:
	case store.JobQueued:
		// Crash-recovered job finished off by late callbacks: walk it
		// through processing so only legal transitions occur.
		if _, err := q.store.UpdateJobStatus(jobID, store.JobProcessing, ""); err != nil {
			logging.Get(logging.CategoryQueue).Error("failed to advance job %d: %v", jobID, err)
			return
		}
	default:
		return
	}
	if _, err := q.store.UpdateJobStatus(jobID, store.JobCompleted, ""); err != nil {
		logging.Get(logging.CategoryQueue).Error("failed to complete job %d: %v", jobID, err)
		return
	}
	q.removeInFlight(job.TrackHash)
	logging.Queue("job %d completed (%s)", jobID, job.TrackHash)
	q.emit(Event{Type: EventCompleted, JobID: jobID, TrackHash: job.TrackHash})
	q.wakeLoop()
}

// JobFailed routes a failure into the retry machinery. The retry delay is
// RetryDelay * 2^(retry-1); the scheduling loop picks the job back up once
// the delay elapses. After MaxRetries the job is permanently failed.
func (q *Queue) JobFailed(jobID int64, cause string) {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		logging.QueueDebug("failure for unknown job %d: %v", jobID, err)
		return
	}
	if !job.Incomplete() {
		return
	}
	q.removeInFlight(job.TrackHash)

	delay := q.cfg.RetryDelay() << uint(job.RetryCount)
	updated, err := q.store.IncrementRetry(jobID, cause, time.Now().UTC().Add(delay))
	if err == store.ErrRetriesExhausted {
		logging.Queue("job %d failed permanently: %s", jobID, cause)
		q.emit(Event{Type: EventFailed, JobID: jobID, TrackHash: job.TrackHash, Error: cause})
		return
	}
	if err != nil {
		logging.Get(logging.CategoryQueue).Error("retry bookkeeping for job %d: %v", jobID, err)
		return
	}
	logging.Queue("job %d retry %d/%d in %s: %s",
		jobID, updated.RetryCount, updated.MaxRetries, delay, cause)
	q.emit(Event{Type: EventRetry, JobID: jobID, TrackHash: job.TrackHash, Error: cause})
}

// JobFailedUrgent routes a failure into retry like JobFailed, but first
// escalates the job to high priority so the requeued attempt jumps the
// normal band. Used when an interactive client is waiting on the result,
// as with a failed stem delivery the engine asked for.
func (q *Queue) JobFailedUrgent(jobID int64, cause string) {
	if err := q.store.EscalateJobPriority(jobID); err != nil {
		logging.Get(logging.CategoryQueue).Error("escalating job %d: %v", jobID, err)
	}
	q.JobFailed(jobID, cause)
}

// SweepStale fails processing jobs older than the processing timeout and
// queued jobs older than the queue timeout. All timestamp comparisons are
// UTC; the store guarantees the stored side.
func (q *Queue) SweepStale() {
	nowUTC := time.Now().UTC()

	processing, err := q.store.FindProcessing()
	if err != nil {
		logging.Get(logging.CategoryQueue).Error("sweep: %v", err)
		return
	}
	for _, j := range processing {
		started := j.CreatedAt
		if j.StartedAt != nil {
			started = *j.StartedAt
		}
		if nowUTC.Sub(started.UTC()) <= q.cfg.ProcessingTimeout() {
			continue
		}
		cause := fmt.Sprintf("processing timeout after %s", q.cfg.ProcessingTimeout())
		if _, err := q.store.UpdateJobStatus(j.ID, store.JobFailed, cause); err != nil {
			logging.Get(logging.CategoryQueue).Error("sweep job %d: %v", j.ID, err)
			continue
		}
		q.removeInFlight(j.TrackHash)
		logging.Queue("swept stale processing job %d (%s)", j.ID, j.TrackHash)
		q.emit(Event{Type: EventFailed, JobID: j.ID, TrackHash: j.TrackHash, Error: cause})
	}

	aged, err := q.store.FindQueuedOlderThan(nowUTC.Add(-q.cfg.QueuedTimeout()))
	if err != nil {
		logging.Get(logging.CategoryQueue).Error("sweep: %v", err)
		return
	}
	for _, j := range aged {
		cause := fmt.Sprintf("queued timeout after %s", q.cfg.QueuedTimeout())
		if _, err := q.store.UpdateJobStatus(j.ID, store.JobFailed, cause); err != nil {
			logging.Get(logging.CategoryQueue).Error("sweep job %d: %v", j.ID, err)
			continue
		}
		logging.Queue("swept stale queued job %d (%s)", j.ID, j.TrackHash)
		q.emit(Event{Type: EventFailed, JobID: j.ID, TrackHash: j.TrackHash, Error: cause})
	}
}

// dispatch runs one scheduling pass: sweep, then fill free slots with the
// highest-priority oldest queued jobs.
func (q *Queue) dispatch() {
	q.SweepStale()

	q.mu.Lock()
	capacity := q.cfg.MaxConcurrent - len(q.inFlight)
	q.mu.Unlock()
	if capacity <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	healthy := q.worker.Healthy(ctx)
	cancel()
	if !healthy {
		logging.QueueDebug("worker unhealthy, skipping tick")
		return
	}

	jobs, err := q.store.FindQueued(capacity)
	if err != nil {
		logging.Get(logging.CategoryQueue).Error("dequeue: %v", err)
		return
	}

	for _, job := range jobs {
		q.mu.Lock()
		if _, dup := q.inFlight[job.TrackHash]; dup {
			q.mu.Unlock()
			continue
		}
		q.inFlight[job.TrackHash] = job.ID
		q.mu.Unlock()

		updated, err := q.store.UpdateJobStatus(job.ID, store.JobProcessing, "")
		if err != nil {
			logging.Get(logging.CategoryQueue).Error("dispatch job %d: %v", job.ID, err)
			q.removeInFlight(job.TrackHash)
			continue
		}
		logging.Queue("dispatching job %d (%s)", job.ID, job.TrackHash)
		q.emit(Event{Type: EventProcessing, JobID: job.ID, TrackHash: job.TrackHash})
		go q.submit(updated)
	}
}

// submit pushes one job to the worker. Submission failure feeds the retry
// path; success leaves the job in processing until callbacks resolve it.
func (q *Queue) submit(job *store.AnalysisJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := q.worker.Submit(ctx, job); err != nil {
		q.JobFailed(job.ID, fmt.Sprintf("submission failed: %v", err))
	}
}

// InFlight returns the number of jobs currently being processed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// InFlightJob returns the in-flight job id for a hash, if any.
func (q *Queue) InFlightJob(hash string) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.inFlight[hash]
	return id, ok
}

func (q *Queue) removeInFlight(hash string) {
	q.mu.Lock()
	delete(q.inFlight, hash)
	q.mu.Unlock()
}

// StartLoggingSubscriber drains queue events into the queue log. The
// events exist for any interested component; logging is the only standing
// consumer.
func (q *Queue) StartLoggingSubscriber() {
	ch := q.Subscribe()
	go func() {
		for ev := range ch {
			if ev.Error != "" {
				logging.Queue("event %s job=%d hash=%s err=%s",
					ev.Type, ev.JobID, ev.TrackHash, ev.Error)
				continue
			}
			logging.QueueDebug("event %s job=%d hash=%s", ev.Type, ev.JobID, ev.TrackHash)
		}
	}()
}
