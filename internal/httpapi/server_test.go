package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decklab/internal/analysis"
	"decklab/internal/callback"
	"decklab/internal/config"
	"decklab/internal/library"
	"decklab/internal/store"
	"decklab/internal/worker"
)

const testHash = "a3f5c9e1b2d4067889a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2"

type apiFixture struct {
	handler http.Handler
	st      *store.Store
	queue   *analysis.Queue
}

// fakeWorkerServer stands in for the analysis worker's HTTP surface.
func fakeWorkerServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			if !healthy {
				http.Error(w, "starting", http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"job_id": testHash})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAPIFixture(t *testing.T, workerHealthy bool) *apiFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wc := worker.NewClient(config.WorkerConfig{
		ServerURL:        fakeWorkerServer(t, workerHealthy).URL,
		RequestTimeoutMs: 2000,
	}, "http://localhost:8090"+callback.Path)

	queue, err := analysis.New(st, wc, config.AnalysisConfig{
		MaxConcurrent: 2, MaxRetries: 3, RetryDelayMs: 5000,
		ProcessingTimeoutMs: 600000, QueuedTimeoutMs: 3600000,
	})
	require.NoError(t, err)

	scanner := library.NewScanner(st, queue)
	cb := callback.NewRouter(st, queue, nil, nil)
	srv := New(st, queue, wc, scanner, cb)
	return &apiFixture{handler: srv.Handler(), st: st, queue: queue}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func (fx *apiFixture) newTrack(t *testing.T, hash string) *store.Track {
	t.Helper()
	track := &store.Track{
		FilePath:    fmt.Sprintf("/music/%s.flac", hash[:8]),
		ContentHash: hash,
		Title:       "Test Track",
	}
	require.NoError(t, fx.st.CreateTrack(track))
	return track
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthReflectsWorkerState(t *testing.T) {
	up := newAPIFixture(t, true)
	rec := up.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "up", body["worker"])
	assert.Equal(t, "disabled", body["engine"])

	down := newAPIFixture(t, false)
	rec = down.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decode(t, rec)["worker"])
}

func TestGetTrack(t *testing.T) {
	fx := newAPIFixture(t, true)
	track := fx.newTrack(t, testHash)

	rec := fx.do(t, http.MethodGet, "/api/tracks/"+track.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, track.ID, body["id"])
	assert.Equal(t, testHash, body["content_hash"])

	rec = fx.do(t, http.MethodGet, "/api/tracks/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWaveform(t *testing.T) {
	fx := newAPIFixture(t, true)
	track := fx.newTrack(t, testHash)
	require.NoError(t, fx.st.UpsertWaveform(&store.Waveform{
		ContentHash: testHash,
		ZoomLevel:   1,
		SampleRate:  44100,
		NumPixels:   2,
		Bands:       store.WaveformBands{LowAmplitude: []float64{0.1, 0.9}},
	}))

	rec := fx.do(t, http.MethodGet, "/api/tracks/"+track.ID+"/waveform?zoom=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["zoom_level"])

	rec = fx.do(t, http.MethodGet, "/api/tracks/"+track.ID+"/waveform?zoom=7", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "zoom", decode(t, rec)["field"])

	rec = fx.do(t, http.MethodGet, "/api/tracks/"+track.ID+"/waveform?zoom=2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyzeEndpoint(t *testing.T) {
	fx := newAPIFixture(t, true)
	track := fx.newTrack(t, testHash)

	rec := fx.do(t, http.MethodPost, "/api/tracks/"+track.ID+"/analyze",
		map[string]any{"priority": "high"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, testHash, body["track_hash"])
	assert.Equal(t, "queued", body["status"])

	rec = fx.do(t, http.MethodPost, "/api/tracks/"+track.ID+"/analyze",
		map[string]any{"priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "priority", decode(t, rec)["field"])
}

func TestReanalyzeEndpoint(t *testing.T) {
	fx := newAPIFixture(t, true)
	t1 := fx.newTrack(t, "1111111111111111111111111111111111111111111111111111111111111111")

	rec := fx.do(t, http.MethodPost, "/api/analysis/reanalyze",
		map[string]any{"track_ids": []string{t1.ID, "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["queued"])
	assert.Equal(t, 1.0, body["failed"])

	rec = fx.do(t, http.MethodPost, "/api/analysis/reanalyze",
		map[string]any{"track_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	fx := newAPIFixture(t, true)
	track := fx.newTrack(t, testHash)
	_, err := fx.queue.Request(track,
		store.AnalysisOptions{BasicFeatures: true},
		store.PriorityNormal, nil, false)
	require.NoError(t, err)

	rec := fx.do(t, http.MethodGet, "/api/analysis/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["jobs"], 1)
	counts := body["counts"].(map[string]any)
	assert.Equal(t, 1.0, counts["queued"])

	rec = fx.do(t, http.MethodGet, "/api/analysis/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	fx := newAPIFixture(t, true)
	track := fx.newTrack(t, testHash)
	job, err := fx.queue.Request(track,
		store.AnalysisOptions{BasicFeatures: true},
		store.PriorityNormal, nil, false)
	require.NoError(t, err)

	rec := fx.do(t, http.MethodDelete, "/api/analysis/jobs/"+testHash, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := fx.st.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, got.Status)

	rec = fx.do(t, http.MethodDelete, "/api/analysis/jobs/"+testHash, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(t, http.MethodDelete, "/api/analysis/jobs/short", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLibraryDirectories(t *testing.T) {
	fx := newAPIFixture(t, true)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("song"), 0644))

	rec := fx.do(t, http.MethodPost, "/api/library/directories", map[string]string{"path": dir})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["added"])

	rec = fx.do(t, http.MethodGet, "/api/library/directories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["directories"], 1)

	rec = fx.do(t, http.MethodPost, "/api/library/directories", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveLibraryDirectory(t *testing.T) {
	fx := newAPIFixture(t, true)
	dir := t.TempDir()

	rec := fx.do(t, http.MethodPost, "/api/library/directories", map[string]string{"path": dir})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodDelete, "/api/library/directories", map[string]string{"path": dir})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/library/directories", nil)
	assert.Empty(t, decode(t, rec)["directories"])

	rec = fx.do(t, http.MethodDelete, "/api/library/directories", map[string]string{"path": dir})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	fx := newAPIFixture(t, true)

	rec := fx.do(t, http.MethodGet, "/api/settings/ui.theme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(t, http.MethodPut, "/api/settings/ui.theme", map[string]string{"value": "dark"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/settings/ui.theme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dark", decode(t, rec)["value"])

	rec = fx.do(t, http.MethodPut, "/api/settings/ui.theme", map[string]any{"other": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// The worker callback endpoint rides on the same router.
func TestCallbackEndpointMounted(t *testing.T) {
	fx := newAPIFixture(t, true)
	rec := fx.do(t, http.MethodPost, callback.Path,
		map[string]any{"job_id": "bogus", "stage": "basic_features"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
