package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decklab/internal/config"
	"decklab/internal/store"
)

const testHash = "a3f5c9e1b2d4067889a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2"

func testClient(t *testing.T, handler http.Handler, remote bool) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.WorkerConfig{
		ServerURL:        srv.URL,
		Remote:           remote,
		RequestTimeoutMs: 5000,
	}, "http://127.0.0.1:8089/api/analysis/callback")
}

func testJob(t *testing.T) *store.AnalysisJob {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "track.flac")
	require.NoError(t, os.WriteFile(path, []byte("fake audio bytes"), 0644))
	return &store.AnalysisJob{
		TrackHash: testHash,
		FilePath:  path,
		Options:   store.AnalysisOptions{BasicFeatures: true, Characteristics: true},
	}
}

func TestSubmitLocal(t *testing.T) {
	var got map[string]interface{}
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/jobs", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"job_id": testHash})
	}), false)

	id, err := c.Submit(context.Background(), testJob(t))
	require.NoError(t, err)
	assert.Equal(t, testHash, id)

	assert.Equal(t, testHash, got["track_hash"])
	assert.Equal(t, "path", got["stem_delivery_mode"])
	assert.Contains(t, got["callback_url"], "/api/analysis/callback")
	opts, ok := got["options"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, opts["basic_features"])
	assert.Equal(t, false, opts["stems"])
}

func TestSubmitUpload(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, testHash, r.FormValue("track_hash"))
		assert.Equal(t, "callback", r.FormValue("stem_delivery_mode"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		buf := make([]byte, 64)
		n, _ := f.Read(buf)
		assert.Equal(t, "fake audio bytes", string(buf[:n]))

		json.NewEncoder(w).Encode(map[string]string{"job_id": testHash})
	}), true)

	id, err := c.Submit(context.Background(), testJob(t))
	require.NoError(t, err)
	assert.Equal(t, testHash, id)
}

func TestSubmitRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}), false)

	_, err := c.Submit(context.Background(), testJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestStatusUnknownJob(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}), false)

	_, err := c.Status(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestCancelToleratesUnknown(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	}), false)

	assert.NoError(t, c.Cancel(context.Background(), testHash))
}

func TestHealthy(t *testing.T) {
	up := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}), false)
	assert.True(t, up.Healthy(context.Background()))

	down := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
	}), false)
	assert.False(t, down.Healthy(context.Background()))

	dead := NewClient(config.WorkerConfig{
		ServerURL: "http://127.0.0.1:1", RequestTimeoutMs: 200,
	}, "")
	assert.False(t, dead.Healthy(context.Background()))
}
