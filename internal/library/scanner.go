package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"decklab/internal/logging"
	"decklab/internal/store"
)

// AnalysisRequester is the slice of the queue engine the scanner needs.
type AnalysisRequester interface {
	Request(track *store.Track, opts store.AnalysisOptions,
		priority store.JobPriority, hook *store.CallbackMetadata, force bool) (*store.AnalysisJob, error)
}

var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
	".aiff": true,
}

// IsAudioFile reports whether a path has a recognised audio extension.
func IsAudioFile(path string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(path))]
}

// ScanResult summarises one scan pass.
type ScanResult struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Scanner walks library directories, keeps track rows in sync with files
// on disk, and enqueues analysis for new or changed audio.
type Scanner struct {
	st    *store.Store
	queue AnalysisRequester
}

func NewScanner(st *store.Store, queue AnalysisRequester) *Scanner {
	return &Scanner{st: st, queue: queue}
}

// ScanDirectory registers dir as a library root and scans it recursively.
func (s *Scanner) ScanDirectory(ctx context.Context, dir string) (*ScanResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := s.st.AddLibraryDirectory(abs); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryLibrary, "scan "+abs)
	defer timer.Stop()

	result := &ScanResult{}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Library("scan: skipping %s: %v", path, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !IsAudioFile(path) {
			return nil
		}
		switch outcome, err := s.SyncFile(path); {
		case err != nil:
			logging.Get(logging.CategoryLibrary).Error("scan %s: %v", path, err)
			result.Failed++
		case outcome == fileAdded:
			result.Added++
		case outcome == fileUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Library("scanned %s: %d added, %d updated, %d unchanged, %d failed",
		abs, result.Added, result.Updated, result.Unchanged, result.Failed)
	return result, nil
}

// ScanAll scans every registered library directory.
func (s *Scanner) ScanAll(ctx context.Context) (*ScanResult, error) {
	dirs, err := s.st.ListLibraryDirectories()
	if err != nil {
		return nil, err
	}
	total := &ScanResult{}
	for _, d := range dirs {
		r, err := s.ScanDirectory(ctx, d.Path)
		if err != nil {
			return nil, err
		}
		total.Added += r.Added
		total.Updated += r.Updated
		total.Unchanged += r.Unchanged
		total.Failed += r.Failed
	}
	return total, nil
}

type fileOutcome int

const (
	fileUnchanged fileOutcome = iota
	fileAdded
	fileUpdated
)

// SyncFile brings one audio file's track row up to date and enqueues
// analysis when the content is new or changed. Hashing only happens when
// size or mtime moved, so repeat scans of a stable library are cheap.
func (s *Scanner) SyncFile(path string) (fileOutcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileUnchanged, err
	}

	track, err := s.st.GetTrackByPath(path)
	if err == store.ErrNotFound {
		hash, err := ContentHash(path)
		if err != nil {
			return fileUnchanged, err
		}
		mod := info.ModTime().UTC()
		track = &store.Track{
			FilePath:       path,
			FileSize:       info.Size(),
			FileModifiedAt: &mod,
			ContentHash:    hash,
			Title:          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		}
		if err := s.st.CreateTrack(track); err != nil {
			return fileUnchanged, err
		}
		s.enqueue(track)
		return fileAdded, nil
	}
	if err != nil {
		return fileUnchanged, err
	}

	if track.FileSize == info.Size() && track.FileModifiedAt != nil &&
		track.FileModifiedAt.Unix() == info.ModTime().Unix() {
		return fileUnchanged, nil
	}

	hash, err := ContentHash(path)
	if err != nil {
		return fileUnchanged, err
	}
	if err := s.st.UpdateTrackFile(track.ID, info.Size(), info.ModTime().UTC(), hash); err != nil {
		return fileUnchanged, err
	}
	if hash != track.ContentHash {
		track.ContentHash = hash
		s.enqueue(track)
	}
	return fileUpdated, nil
}

// RemoveFile drops the track for a deleted file and cleans up waveforms
// that no surviving duplicate still references.
func (s *Scanner) RemoveFile(path string) error {
	track, err := s.st.GetTrackByPath(path)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.st.DeleteTrack(track.ID); err != nil {
		return err
	}
	if err := s.st.DeleteWaveformsIfOrphaned(track.ContentHash); err != nil {
		return err
	}
	logging.Library("removed track for deleted file %s", path)
	return nil
}

func (s *Scanner) enqueue(track *store.Track) {
	_, err := s.queue.Request(track,
		store.AnalysisOptions{BasicFeatures: true, Characteristics: true},
		store.PriorityNormal, nil, false)
	if err != nil {
		logging.Get(logging.CategoryLibrary).Error(
			"failed to enqueue analysis for %s: %v", track.FilePath, err)
	}
}
