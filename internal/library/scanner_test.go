package library

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decklab/internal/store"
)

type recordingQueue struct {
	mu       sync.Mutex
	requests []*store.Track
	options  []store.AnalysisOptions
}

func (q *recordingQueue) Request(track *store.Track, opts store.AnalysisOptions,
	priority store.JobPriority, hook *store.CallbackMetadata, force bool) (*store.AnalysisJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, track)
	q.options = append(q.options, opts)
	return &store.AnalysisJob{ID: int64(len(q.requests)), TrackHash: track.ContentHash}, nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

func newTestScanner(t *testing.T) (*Scanner, *store.Store, *recordingQueue) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q := &recordingQueue{}
	return NewScanner(st, q), st, q
}

func TestScanDirectoryAddsTracks(t *testing.T) {
	scanner, st, q := newTestScanner(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.mp3"), []byte("song one"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "two.flac"), []byte("song two"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cover.jpg"), []byte("not audio"), 0644))

	result, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Failed)

	tracks, err := st.ListTracks()
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	for _, tr := range tracks {
		assert.Len(t, tr.ContentHash, 64)
		assert.NotZero(t, tr.FileSize)
	}

	// Both new tracks got a persistent-features analysis request.
	assert.Equal(t, 2, q.count())
	assert.True(t, q.options[0].BasicFeatures)
	assert.True(t, q.options[0].Characteristics)
	assert.False(t, q.options[0].Stems)

	dirs, err := st.ListLibraryDirectories()
	require.NoError(t, err)
	assert.Len(t, dirs, 1)
}

func TestRescanUnchangedIsCheap(t *testing.T) {
	scanner, _, q := newTestScanner(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.mp3"), []byte("song"), 0644))
	_, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)

	result, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, 1, q.count(), "unchanged files must not re-enqueue")
}

func TestModifiedFileRehashesAndReenqueues(t *testing.T) {
	scanner, st, q := newTestScanner(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "one.mp3")
	require.NoError(t, os.WriteFile(path, []byte("original audio"), 0644))
	_, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)

	before, err := st.GetTrackByPath(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("completely different audio"), 0644))
	past := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	result, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	after, err := st.GetTrackByPath(path)
	require.NoError(t, err)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, 2, q.count(), "new content hash must re-enqueue analysis")
}

// A retagged file changes size and mtime but not audio content: the row
// is refreshed without queueing new analysis.
func TestRetaggedFileDoesNotReenqueue(t *testing.T) {
	scanner, st, q := newTestScanner(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "one.mp3")
	audio := []byte("stable audio payload")
	require.NoError(t, os.WriteFile(path, audio, 0644))
	_, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	before, err := st.GetTrackByPath(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, append(id3v2Block([]byte("new tags")), audio...), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)

	after, err := st.GetTrackByPath(path)
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, 1, q.count())
}

func TestRemoveFileCleansOrphanedWaveforms(t *testing.T) {
	scanner, st, _ := newTestScanner(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "one.mp3")
	require.NoError(t, os.WriteFile(path, []byte("song"), 0644))
	_, err := scanner.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)

	track, err := st.GetTrackByPath(path)
	require.NoError(t, err)
	require.NoError(t, st.UpsertWaveform(&store.Waveform{
		ContentHash: track.ContentHash,
		ZoomLevel:   0,
		SampleRate:  44100,
		NumPixels:   1,
		Bands:       store.WaveformBands{LowAmplitude: []float64{0.5}},
	}))

	require.NoError(t, scanner.RemoveFile(path))

	_, err = st.GetTrackByPath(path)
	assert.Equal(t, store.ErrNotFound, err)
	_, err = st.GetWaveform(track.ContentHash, 0, false)
	assert.Equal(t, store.ErrNotFound, err, "orphaned waveforms must be removed")
}
