package library

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"decklab/internal/logging"
)

// debounceWindow batches the event bursts editors and download managers
// produce for a single file.
const debounceWindow = 500 * time.Millisecond

// Watcher mirrors filesystem changes under the library roots into the
// track catalogue. Writes and creates are debounced before syncing;
// removals are handled immediately.
type Watcher struct {
	scanner  *Scanner
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	done chan struct{}
}

func NewWatcher(scanner *Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		scanner:  scanner,
		fsw:      fsw,
		debounce: debounceWindow,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Watch adds a directory tree to the watch set.
func (w *Watcher) Watch(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				logging.Library("watch %s: %v", path, err)
			}
		}
		return nil
	})
}

// Start consumes filesystem events until Stop.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.fsw.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryLibrary).Error("watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		// New subdirectories must join the watch set.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.Watch(ev.Name)
			return
		}
		if IsAudioFile(ev.Name) {
			w.schedule(ev.Name)
		}
	case ev.Op.Has(fsnotify.Write):
		if IsAudioFile(ev.Name) {
			w.schedule(ev.Name)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if IsAudioFile(ev.Name) {
			if err := w.scanner.RemoveFile(ev.Name); err != nil {
				logging.Get(logging.CategoryLibrary).Error(
					"remove %s: %v", ev.Name, err)
			}
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for path := range batch {
		if _, err := w.scanner.SyncFile(path); err != nil {
			logging.Get(logging.CategoryLibrary).Error("sync %s: %v", path, err)
		}
	}
}
