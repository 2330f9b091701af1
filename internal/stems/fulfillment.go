package stems

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"decklab/internal/config"
	"decklab/internal/logging"
	"decklab/internal/store"
)

// Delivery modes a worker may declare on the stems callback.
const (
	ModePath   = "path"
	ModeURL    = "url"
	ModeBase64 = "base64"
)

// Delivery is the parsed stems payload from a worker callback.
type Delivery struct {
	Mode           string
	Format         string // container of the delivered files, "" means wav
	Files          map[string]string
	Waveforms      []*store.Waveform
	ProcessingTime float64
}

// AnalysisQueue is the slice of the queue engine fulfilment needs: enqueue
// a stems job on a cache miss, and route delivery failures into retry.
type AnalysisQueue interface {
	Request(track *store.Track, opts store.AnalysisOptions,
		priority store.JobPriority, hook *store.CallbackMetadata, force bool) (*store.AnalysisJob, error)
	JobFailedUrgent(jobID int64, cause string)
}

// Notifier pushes ready stem sets toward the playback engine.
type Notifier interface {
	DeliverStemsReady(hook *store.CallbackMetadata, trackHash string, paths map[string]string) error
}

// Fulfiller turns stem requests and stem deliveries into cached PCM sets.
type Fulfiller struct {
	cache    *Cache
	queue    AnalysisQueue
	st       *store.Store
	cfg      config.StemsConfig
	notifier Notifier
	client   *http.Client
}

func NewFulfiller(cache *Cache, queue AnalysisQueue, st *store.Store, cfg config.StemsConfig) *Fulfiller {
	return &Fulfiller{
		cache:  cache,
		queue:  queue,
		st:     st,
		cfg:    cfg,
		client: &http.Client{},
	}
}

// SetNotifier attaches the engine-facing push. The engine session and the
// fulfiller reference each other, so the notifier is wired after both are
// constructed.
func (f *Fulfiller) SetNotifier(n Notifier) {
	f.notifier = n
}

// RequestStems serves an engine stems request: cache hit pushes paths
// immediately, cache miss enqueues a high-priority stems-only job carrying
// the hook and returns. Fulfilment then resumes on the stems callback.
func (f *Fulfiller) RequestStems(track *store.Track, hook *store.CallbackMetadata) error {
	if paths, ok := f.cache.Get(track.ContentHash); ok {
		logging.Stems("cache hit for %s", track.ContentHash)
		return f.push(hook, track.ContentHash, paths)
	}

	logging.Stems("cache miss for %s, enqueueing stems job", track.ContentHash)
	_, err := f.queue.Request(track, store.AnalysisOptions{Stems: true},
		store.PriorityHigh, hook, false)
	return err
}

// HandleDelivery processes the stems callback for a job: materialize the
// four files, transcode to PCM if the delivered container differs, insert
// into the cache, persist stem waveforms, and push to the engine if the
// job carries a stems hook. Any failure re-routes the job into the retry
// machinery at high priority, so the engine waiting on stems is not stuck
// behind the normal band; the worker typically still has the stems cached,
// so the retry is cheap.
func (f *Fulfiller) HandleDelivery(job *store.AnalysisJob, d *Delivery) error {
	paths, err := f.materialize(job, d)
	if err != nil {
		logging.Get(logging.CategoryStems).Error("stem delivery for job %d failed: %v", job.ID, err)
		f.queue.JobFailedUrgent(job.ID, fmt.Sprintf("stem delivery: %v", err))
		return err
	}

	for _, w := range d.Waveforms {
		w.ContentHash = job.TrackHash
		w.ForStems = true
		if err := f.st.UpsertWaveform(w); err != nil {
			logging.Get(logging.CategoryStems).Error("stem waveform for %s: %v", job.TrackHash, err)
		}
	}

	if job.Callback != nil && job.Callback.Kind == store.HookStems {
		if err := f.push(job.Callback, job.TrackHash, paths); err != nil {
			// Stems are cached; the engine can re-request and hit.
			logging.Get(logging.CategoryStems).Error("stems push for %s: %v", job.TrackHash, err)
		}
	}
	return nil
}

func (f *Fulfiller) push(hook *store.CallbackMetadata, hash string, paths map[string]string) error {
	if f.notifier == nil || hook == nil {
		return nil
	}
	return f.notifier.DeliverStemsReady(hook, hash, paths)
}

// materialize obtains local copies of all four stems and commits them to
// the cache, returning the cached paths. All-or-nothing: the temp
// directory is removed on every path out.
func (f *Fulfiller) materialize(job *store.AnalysisJob, d *Delivery) (map[string]string, error) {
	for _, name := range StemNames {
		if d.Files[name] == "" {
			return nil, fmt.Errorf("delivery is missing stem %q", name)
		}
	}

	tmp, err := os.MkdirTemp("", "stems-"+job.TrackHash[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	var local map[string]string
	switch d.Mode {
	case ModePath:
		local = make(map[string]string, len(StemNames))
		for _, name := range StemNames {
			p := d.Files[name]
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("stem %s not readable at %s: %w", name, p, err)
			}
			local[name] = p
		}
	case ModeURL:
		local, err = f.download(tmp, d)
	case ModeBase64:
		local, err = f.decode(tmp, d)
	default:
		return nil, fmt.Errorf("unknown delivery mode %q", d.Mode)
	}
	if err != nil {
		return nil, err
	}

	if d.Format != "" && d.Format != "wav" {
		local, err = f.transcode(tmp, local)
		if err != nil {
			return nil, err
		}
	}

	return f.cache.Set(job.TrackHash, local)
}

// download fetches all four stems in parallel with a per-stem timeout.
func (f *Fulfiller) download(tmp string, d *Delivery) (map[string]string, error) {
	local := make(map[string]string, len(StemNames))
	g, ctx := errgroup.WithContext(context.Background())
	for _, name := range StemNames {
		name := name
		dst := filepath.Join(tmp, name+"."+f.ext(d.Format))
		local[name] = dst
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout())
			defer cancel()

			req, err := http.NewRequestWithContext(dctx, http.MethodGet, d.Files[name], nil)
			if err != nil {
				return fmt.Errorf("stem %s: %w", name, err)
			}
			resp, err := f.client.Do(req)
			if err != nil {
				return fmt.Errorf("stem %s: %w", name, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("stem %s: status %d", name, resp.StatusCode)
			}

			out, err := os.Create(dst)
			if err != nil {
				return fmt.Errorf("stem %s: %w", name, err)
			}
			if _, err := io.Copy(out, resp.Body); err != nil {
				out.Close()
				return fmt.Errorf("stem %s: %w", name, err)
			}
			return out.Close()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return local, nil
}

func (f *Fulfiller) decode(tmp string, d *Delivery) (map[string]string, error) {
	local := make(map[string]string, len(StemNames))
	for _, name := range StemNames {
		raw, err := base64.StdEncoding.DecodeString(d.Files[name])
		if err != nil {
			return nil, fmt.Errorf("stem %s: bad base64: %w", name, err)
		}
		dst := filepath.Join(tmp, name+"."+f.ext(d.Format))
		if err := os.WriteFile(dst, raw, 0644); err != nil {
			return nil, fmt.Errorf("stem %s: %w", name, err)
		}
		local[name] = dst
	}
	return local, nil
}

// transcode converts all four stems to PCM wav in parallel using the
// configured external converter.
func (f *Fulfiller) transcode(tmp string, in map[string]string) (map[string]string, error) {
	converter := f.cfg.ConverterCommand
	if converter == "" {
		converter = "ffmpeg"
	}

	out := make(map[string]string, len(StemNames))
	g, ctx := errgroup.WithContext(context.Background())
	for _, name := range StemNames {
		name := name
		dst := filepath.Join(tmp, name+".wav")
		out[name] = dst
		g.Go(func() error {
			cmd := exec.CommandContext(ctx, converter,
				"-y", "-i", in[name], "-acodec", "pcm_s16le", dst)
			if output, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("transcode %s: %v: %s",
					name, err, strings.TrimSpace(string(output)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fulfiller) ext(format string) string {
	if format == "" {
		return "wav"
	}
	return format
}
