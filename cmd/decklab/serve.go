package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"decklab/internal/analysis"
	"decklab/internal/callback"
	"decklab/internal/config"
	"decklab/internal/engine"
	"decklab/internal/httpapi"
	"decklab/internal/library"
	"decklab/internal/logging"
	"decklab/internal/stems"
	"decklab/internal/store"
	"decklab/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Starts every component: the job queue engine, the worker callback
endpoint, the stem fulfilment pipeline, the engine websocket session, the
library watcher, and (when configured) the colocated worker supervisor.
Runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Boot("decklab starting (data dir %s)", cfg.DataDir)

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	client := worker.NewClient(cfg.Worker, cfg.CallbackURL())

	queue, err := analysis.New(st, client, cfg.Analysis)
	if err != nil {
		return err
	}
	queue.StartLoggingSubscriber()

	cache, err := stems.NewCache(stemCacheDir(cfg), cfg.Stems.CacheMaxBytes)
	if err != nil {
		return err
	}
	fulfiller := stems.NewFulfiller(cache, queue, st, cfg.Stems)

	var session *engine.Session
	if cfg.Engine.WSURL != "" {
		session = engine.NewSession(cfg.Engine, st, queue, fulfiller)
		fulfiller.SetNotifier(session)
	}

	var trackInfo callback.TrackInfoNotifier
	if session != nil {
		trackInfo = session
	} else {
		trackInfo = noopNotifier{}
	}
	router := callback.NewRouter(st, queue, fulfiller, trackInfo)

	scanner := library.NewScanner(st, queue)

	var supervisor *worker.Supervisor
	if cfg.Worker.Supervisor.Autostart && !cfg.Worker.Remote {
		supervisor = worker.NewSupervisor(cfg.Worker.Supervisor, client,
			filepath.Join(logging.LogsDir(), "worker-process.log"))
		if err := supervisor.Start(); err != nil {
			logging.Get(logging.CategorySupervisor).Error("worker autostart failed: %v", err)
		}
	}

	api := httpapi.New(st, queue, client, scanner, router)
	if session != nil {
		api.SetEngineState(session.State)
	}
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: api.Handler(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logging.Boot("http listening on %s", cfg.HTTP.ListenAddr)
		httpErr <- httpSrv.ListenAndServe()
	}()

	queue.Start()
	if session != nil {
		session.Start()
	}

	var watcher *library.Watcher
	for _, dir := range cfg.Library.Directories {
		if _, err := scanner.ScanDirectory(cmd.Context(), dir); err != nil {
			logging.Get(logging.CategoryLibrary).Error("initial scan of %s: %v", dir, err)
		}
	}
	if cfg.Library.WatchFiles {
		watcher, err = library.NewWatcher(scanner)
		if err != nil {
			logging.Get(logging.CategoryLibrary).Error("watcher unavailable: %v", err)
		} else {
			dirs, _ := st.ListLibraryDirectories()
			for _, d := range dirs {
				if err := watcher.Watch(d.Path); err != nil {
					logging.Library("cannot watch %s: %v", d.Path, err)
				}
			}
			watcher.Start()
		}
	}

	cleanupStop := startJobCleanup(st, cfg)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logging.Boot("received %s, shutting down", s)
	case err := <-httpErr:
		logging.Get(logging.CategoryBoot).Error("http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	close(cleanupStop)
	if watcher != nil {
		watcher.Stop()
	}
	queue.Stop()
	if session != nil {
		session.Stop()
	}
	if supervisor != nil {
		supervisor.Stop()
	}
	logging.Boot("decklab stopped")
	return nil
}

// startJobCleanup deletes terminal jobs past the retention window once a
// day. Returns a channel that stops the loop when closed.
func startJobCleanup(st *store.Store, cfg *config.Config) chan struct{} {
	stop := make(chan struct{})
	if cfg.Analysis.CleanupAfterDays <= 0 {
		return stop
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := st.CleanupJobsOlderThan(cfg.Analysis.CleanupAfterDays)
				if err != nil {
					logging.Get(logging.CategoryStore).Error("job cleanup: %v", err)
					continue
				}
				if n > 0 {
					logging.Store("cleaned up %d old jobs", n)
				}
			}
		}
	}()
	return stop
}

func stemCacheDir(cfg *config.Config) string {
	if cfg.Stems.CacheDir != "" {
		return cfg.Stems.CacheDir
	}
	return filepath.Join(cfg.DataDir, "stems")
}

// noopNotifier swallows track-info pushes when no engine is configured.
// Features still persist; there is simply nobody to deliver them to.
type noopNotifier struct{}

func (noopNotifier) DeliverTrackInfo(hook *store.CallbackMetadata, track *store.Track) error {
	return nil
}
