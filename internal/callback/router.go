// Package callback receives per-stage analysis results from the worker,
// validates them, and fans out to the track/waveform stores, the stem
// fulfilment pipeline, and the queue engine.
package callback

import (
	"encoding/json"
	"fmt"

	"decklab/internal/logging"
	"decklab/internal/stems"
	"decklab/internal/store"
)

// Control stages that carry no feature data.
const (
	stageJobCompleted = "job_completed"
	stageJobFailed    = "job_failed"
	stageError        = "error"
)

// Envelope is the wire shape of a worker callback. The worker identifies
// jobs by content hash, so JobID is the hash of the analysed audio.
type Envelope struct {
	JobID  string          `json:"job_id"`
	Stage  string          `json:"stage"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ValidationError marks callbacks rejected at the boundary. They surface
// as 4xx and never reach the job state machine.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// QueueEngine is the slice of the queue the router drives.
type QueueEngine interface {
	JobCompletion(jobID int64)
	JobFailed(jobID int64, cause string)
}

// StemResolver hands parsed stem deliveries to the fulfilment pipeline.
type StemResolver interface {
	HandleDelivery(job *store.AnalysisJob, d *stems.Delivery) error
}

// TrackInfoNotifier pushes analysed track info toward the playback engine.
type TrackInfoNotifier interface {
	DeliverTrackInfo(hook *store.CallbackMetadata, track *store.Track) error
}

// Router dispatches worker callbacks per stage.
type Router struct {
	st     *store.Store
	queue  QueueEngine
	stems  StemResolver
	engine TrackInfoNotifier
}

func NewRouter(st *store.Store, queue QueueEngine, resolver StemResolver, engine TrackInfoNotifier) *Router {
	return &Router{st: st, queue: queue, stems: resolver, engine: engine}
}

// Handle processes one callback. Callbacks for hashes with no active job
// (cancelled, already completed, unknown) are logged and dropped; that is
// not an error from the worker's point of view.
func (r *Router) Handle(cb *Envelope) error {
	if !validHash(cb.JobID) {
		return invalid("job_id %q is not a content hash", cb.JobID)
	}
	if !knownStage(cb.Stage) {
		return invalid("unknown stage %q", cb.Stage)
	}

	fields := Fields{}
	if len(cb.Data) > 0 {
		if err := json.Unmarshal(cb.Data, &fields); err != nil {
			return invalid("malformed data object: %v", err)
		}
	}

	job, err := r.st.FindIncompleteByHash(cb.JobID)
	if err == store.ErrNotFound {
		logging.Callback("dropping %s callback for %s: no active job", cb.Stage, cb.JobID)
		return nil
	}
	if err != nil {
		return err
	}

	// Idempotency gate: a recorded stage on a still-incomplete job means a
	// prior attempt aborted mid-delivery, so reprocessing is allowed. The
	// completed-job side of the gate is the drop above.
	if job.StageRecorded(cb.Stage) {
		logging.Callback("reprocessing %s for job %d (recorded but job still %s)",
			cb.Stage, job.ID, job.Status)
	}

	if cb.Status == "error" || cb.Status == "failed" {
		cause, _ := fields.String("error", "message")
		if cause == "" {
			cause = fmt.Sprintf("worker reported %s on stage %s", cb.Status, cb.Stage)
		}
		r.queue.JobFailed(job.ID, cause)
		return nil
	}

	switch cb.Stage {
	case store.StageBasicFeatures:
		return r.handleBasicFeatures(job, fields)
	case store.StageCharacteristics:
		return r.handleCharacteristics(job, fields)
	case store.StageStems:
		return r.handleStems(job, fields)
	case store.StageGenre, store.StageSegments, store.StageTransitions:
		// Reserved stages: validated envelope, completion recorded, no
		// persistence yet.
		return r.recordStage(job, cb.Stage)
	case stageJobCompleted:
		r.queue.JobCompletion(job.ID)
		return nil
	case stageJobFailed, stageError:
		cause, _ := fields.String("error", "message")
		if cause == "" {
			cause = "worker reported failure"
		}
		r.queue.JobFailed(job.ID, cause)
		return nil
	}
	return nil
}

func (r *Router) handleBasicFeatures(job *store.AnalysisJob, f Fields) error {
	features, waveforms, err := parseBasicFeatures(f)
	if err != nil {
		return invalid("basic_features: %v", err)
	}

	tracks, err := r.resolveTracks(job)
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if err := r.st.UpdateBasicFeatures(t.ID, features); err != nil {
			return fmt.Errorf("persist basic features for track %s: %w", t.ID, err)
		}
	}
	for _, w := range waveforms {
		w.ContentHash = job.TrackHash
		if err := r.st.UpsertWaveform(w); err != nil {
			return fmt.Errorf("persist waveform: %w", err)
		}
	}
	logging.Callback("basic features persisted for %s (%d waveforms)",
		job.TrackHash, len(waveforms))

	if err := r.recordStage(job, store.StageBasicFeatures); err != nil {
		return err
	}

	if job.Callback != nil && job.Callback.Kind == store.HookTrackInfo && len(tracks) > 0 {
		if err := r.engine.DeliverTrackInfo(job.Callback, tracks[0]); err != nil {
			logging.Get(logging.CategoryCallback).Error(
				"track info delivery for %s: %v", job.TrackHash, err)
		}
	}
	return nil
}

func (r *Router) handleCharacteristics(job *store.AnalysisJob, f Fields) error {
	chars, err := parseCharacteristics(f)
	if err != nil {
		return invalid("characteristics: %v", err)
	}

	tracks, err := r.resolveTracks(job)
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if err := r.st.UpdateCharacteristics(t.ID, chars); err != nil {
			return fmt.Errorf("persist characteristics for track %s: %w", t.ID, err)
		}
	}
	logging.Callback("characteristics persisted for %s", job.TrackHash)
	return r.recordStage(job, store.StageCharacteristics)
}

func (r *Router) handleStems(job *store.AnalysisJob, f Fields) error {
	delivery, err := parseStemDelivery(f)
	if err != nil {
		return invalid("stems: %v", err)
	}
	// Fulfilment owns failure recovery; a delivery error has already been
	// routed into the retry machinery.
	if err := r.stems.HandleDelivery(job, delivery); err != nil {
		return nil
	}
	return r.recordStage(job, store.StageStems)
}

// recordStage marks a stage complete and, when that completes every
// requested stage, resolves the job.
func (r *Router) recordStage(job *store.AnalysisJob, stage string) error {
	updated, err := r.st.RecordStage(job.ID, stage)
	if err != nil {
		return err
	}
	if updated.AllStagesRecorded() {
		r.queue.JobCompletion(job.ID)
	}
	return nil
}

func (r *Router) resolveTracks(job *store.AnalysisJob) ([]*store.Track, error) {
	if job.TrackID != "" {
		t, err := r.st.GetTrack(job.TrackID)
		if err == nil {
			return []*store.Track{t}, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}
	return r.st.FindTracksByHash(job.TrackHash)
}

func knownStage(stage string) bool {
	switch stage {
	case store.StageBasicFeatures, store.StageCharacteristics, store.StageGenre,
		store.StageStems, store.StageSegments, store.StageTransitions,
		stageJobCompleted, stageJobFailed, stageError:
		return true
	}
	return false
}

func validHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
