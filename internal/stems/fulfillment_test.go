package stems

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decklab/internal/config"
	"decklab/internal/store"
)

const stemHash = "a3f5c9e1b2d4067889a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2"

type fakeQueue struct {
	mu        sync.Mutex
	requests  []store.JobPriority
	hooks     []*store.CallbackMetadata
	failed    []int64
	failCause string
}

func (q *fakeQueue) Request(track *store.Track, opts store.AnalysisOptions,
	priority store.JobPriority, hook *store.CallbackMetadata, force bool) (*store.AnalysisJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, priority)
	q.hooks = append(q.hooks, hook)
	return &store.AnalysisJob{ID: 1, TrackHash: track.ContentHash, Options: opts}, nil
}

func (q *fakeQueue) JobFailedUrgent(jobID int64, cause string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, jobID)
	q.failCause = cause
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushes []map[string]string
	hashes []string
}

func (n *fakeNotifier) DeliverStemsReady(hook *store.CallbackMetadata, hash string, paths map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, paths)
	n.hashes = append(n.hashes, hash)
	return nil
}

func newTestFulfiller(t *testing.T) (*Fulfiller, *fakeQueue, *fakeNotifier, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache, err := NewCache(t.TempDir(), 0)
	require.NoError(t, err)

	q := &fakeQueue{}
	f := NewFulfiller(cache, q, st, config.StemsConfig{DownloadTimeoutMs: 5000})
	n := &fakeNotifier{}
	f.SetNotifier(n)
	return f, q, n, st
}

func stemJob(hook *store.CallbackMetadata) *store.AnalysisJob {
	return &store.AnalysisJob{
		ID:        7,
		TrackHash: stemHash,
		Options:   store.AnalysisOptions{Stems: true},
		Callback:  hook,
	}
}

func stemsHook() *store.CallbackMetadata {
	return &store.CallbackMetadata{
		Kind:          store.HookStems,
		EngineTrackID: "engine-42",
		RequestID:     "req-1",
	}
}

// A cache miss enqueues a high-priority stems job carrying
// the hook; cache hit pushes immediately without touching the queue.
func TestRequestStemsMissThenHit(t *testing.T) {
	f, q, n, _ := newTestFulfiller(t)
	track := &store.Track{ID: "t1", ContentHash: stemHash, FilePath: "/music/a.flac"}

	require.NoError(t, f.RequestStems(track, stemsHook()))
	require.Len(t, q.requests, 1)
	assert.Equal(t, store.PriorityHigh, q.requests[0])
	assert.Equal(t, store.HookStems, q.hooks[0].Kind)
	assert.Empty(t, n.pushes)

	_, err := f.cache.Set(stemHash, writeStemFiles(t, 32))
	require.NoError(t, err)

	require.NoError(t, f.RequestStems(track, stemsHook()))
	assert.Len(t, q.requests, 1, "cache hit must not enqueue")
	require.Len(t, n.pushes, 1)
	assert.Equal(t, stemHash, n.hashes[0])
	assert.Len(t, n.pushes[0], 4)
}

func TestHandleDeliveryPathMode(t *testing.T) {
	f, q, n, _ := newTestFulfiller(t)

	require.NoError(t, f.HandleDelivery(stemJob(stemsHook()), &Delivery{
		Mode:  ModePath,
		Files: writeStemFiles(t, 32),
	}))

	_, ok := f.cache.Get(stemHash)
	assert.True(t, ok, "delivered stems must land in the cache")
	require.Len(t, n.pushes, 1)
	assert.Empty(t, q.failed)
}

// No delivery hook: stems are still cached, nothing is pushed.
func TestHandleDeliveryWithoutHookCachesOnly(t *testing.T) {
	f, _, n, _ := newTestFulfiller(t)

	require.NoError(t, f.HandleDelivery(stemJob(nil), &Delivery{
		Mode:  ModePath,
		Files: writeStemFiles(t, 32),
	}))

	_, ok := f.cache.Get(stemHash)
	assert.True(t, ok)
	assert.Empty(t, n.pushes)
}

func TestHandleDeliveryURLMode(t *testing.T) {
	f, q, n, _ := newTestFulfiller(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("RIFF fake audio " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	files := make(map[string]string, 4)
	for _, name := range StemNames {
		files[name] = srv.URL + "/" + name + ".wav"
	}

	require.NoError(t, f.HandleDelivery(stemJob(stemsHook()), &Delivery{
		Mode:  ModeURL,
		Files: files,
	}))

	paths, ok := f.cache.Get(stemHash)
	require.True(t, ok)
	data, err := os.ReadFile(paths["drums"])
	require.NoError(t, err)
	assert.Contains(t, string(data), "drums")
	assert.Len(t, n.pushes, 1)
	assert.Empty(t, q.failed)
}

// All-or-nothing: one failing download leaves no cache entry and routes
// the job into retry.
func TestHandleDeliveryURLModePartialFailure(t *testing.T) {
	f, q, n, _ := newTestFulfiller(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bass") {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	files := make(map[string]string, 4)
	for _, name := range StemNames {
		files[name] = srv.URL + "/" + name + ".wav"
	}

	err := f.HandleDelivery(stemJob(stemsHook()), &Delivery{Mode: ModeURL, Files: files})
	require.Error(t, err)

	_, ok := f.cache.Get(stemHash)
	assert.False(t, ok, "partial delivery must not reach the cache")
	assert.Empty(t, n.pushes)
	require.Len(t, q.failed, 1)
	assert.Equal(t, int64(7), q.failed[0])
	assert.Contains(t, q.failCause, "bass")
}

func TestHandleDeliveryBase64Mode(t *testing.T) {
	f, _, _, _ := newTestFulfiller(t)

	files := make(map[string]string, 4)
	for _, name := range StemNames {
		files[name] = base64.StdEncoding.EncodeToString([]byte("audio-" + name))
	}

	require.NoError(t, f.HandleDelivery(stemJob(nil), &Delivery{
		Mode:  ModeBase64,
		Files: files,
	}))

	paths, ok := f.cache.Get(stemHash)
	require.True(t, ok)
	data, err := os.ReadFile(paths["vocals"])
	require.NoError(t, err)
	assert.Equal(t, "audio-vocals", string(data))
}

func TestHandleDeliveryBadBase64Fails(t *testing.T) {
	f, q, _, _ := newTestFulfiller(t)

	files := make(map[string]string, 4)
	for _, name := range StemNames {
		files[name] = "%%% not base64 %%%"
	}

	err := f.HandleDelivery(stemJob(nil), &Delivery{Mode: ModeBase64, Files: files})
	require.Error(t, err)
	assert.Len(t, q.failed, 1)
}

// Non-wav deliveries run through the external converter; the test swaps
// in a script that copies its input to the output slot.
func TestHandleDeliveryTranscodesNonPCM(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache, err := NewCache(t.TempDir(), 0)
	require.NoError(t, err)

	script := filepath.Join(t.TempDir(), "convert.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\ncp \"$3\" \"$6\"\n"), 0755))

	q := &fakeQueue{}
	f := NewFulfiller(cache, q, st, config.StemsConfig{
		DownloadTimeoutMs: 5000,
		ConverterCommand:  script,
	})

	dir := t.TempDir()
	files := make(map[string]string, 4)
	for _, name := range StemNames {
		p := filepath.Join(dir, name+".flac")
		require.NoError(t, os.WriteFile(p, []byte("flac-"+name), 0644))
		files[name] = p
	}

	require.NoError(t, f.HandleDelivery(stemJob(nil), &Delivery{
		Mode:   ModePath,
		Format: "flac",
		Files:  files,
	}))

	paths, ok := cache.Get(stemHash)
	require.True(t, ok)
	data, err := os.ReadFile(paths["other"])
	require.NoError(t, err)
	assert.Equal(t, "flac-other", string(data))
	assert.Empty(t, q.failed)
}

func TestHandleDeliveryPersistsStemWaveforms(t *testing.T) {
	f, _, _, st := newTestFulfiller(t)

	wf := &store.Waveform{
		ZoomLevel:       1,
		SampleRate:      44100,
		SamplesPerPixel: 512,
		NumPixels:       2,
		Bands: store.WaveformBands{
			VocalsAmplitude: []float64{0.1, 0.2},
			DrumsAmplitude:  []float64{0.3, 0.4},
		},
	}

	require.NoError(t, f.HandleDelivery(stemJob(nil), &Delivery{
		Mode:      ModePath,
		Files:     writeStemFiles(t, 16),
		Waveforms: []*store.Waveform{wf},
	}))

	got, err := st.GetWaveform(stemHash, 1, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, got.Bands.VocalsAmplitude)
}
