// Package stems implements the content-addressed stem cache and the
// fulfilment pipeline that turns worker stem deliveries into cached,
// engine-ready PCM files.
package stems

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"decklab/internal/logging"
)

// StemNames are the four separated channels, in canonical order.
var StemNames = []string{"vocals", "drums", "bass", "other"}

// evictionGrace protects freshly inserted sets from the LRU sweep so a
// set cannot be evicted between insertion and the engine opening it.
const evictionGrace = time.Minute

// Cache stores stem sets on disk keyed by content hash. A set is the four
// stem files under <root>/<hash[0:2]>/<hash>/; a set either has all four
// files or does not exist. Hits survive restarts; the only deletion path
// is LRU eviction when the configured byte ceiling is exceeded.
type Cache struct {
	root     string
	maxBytes int64
	mu       sync.Mutex
}

// NewCache opens (creating if needed) a cache rooted at dir.
func NewCache(dir string, maxBytes int64) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("stem cache dir not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stem cache dir: %w", err)
	}
	return &Cache{root: dir, maxBytes: maxBytes}, nil
}

func (c *Cache) setDir(hash string) string {
	return filepath.Join(c.root, hash[:2], hash)
}

// Get returns the four stem paths for a hash, or ok=false when the set is
// absent or incomplete. A hit refreshes the set's recency stamp.
func (c *Cache) Get(hash string) (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(hash) < 2 {
		return nil, false
	}
	dir := c.setDir(hash)
	paths := make(map[string]string, len(StemNames))
	for _, name := range StemNames {
		p := filepath.Join(dir, name+".wav")
		if _, err := os.Stat(p); err != nil {
			return nil, false
		}
		paths[name] = p
	}
	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		logging.StemsDebug("failed to touch cache set %s: %v", hash, err)
	}
	return paths, true
}

// Set copies the given files (stem name -> source path) into the cache
// under hash. Insertion is atomic: files land in a staging directory that
// is renamed into place, so readers never observe a partial set. Returns
// the cached paths.
func (c *Cache) Set(hash string, files map[string]string) (map[string]string, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("invalid content hash %q", hash)
	}
	for _, name := range StemNames {
		if files[name] == "" {
			return nil, fmt.Errorf("stem set for %s is missing %s", hash, name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	staging := filepath.Join(c.root, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, name := range StemNames {
		if err := copyFile(files[name], filepath.Join(staging, name+".wav")); err != nil {
			return nil, fmt.Errorf("failed to stage stem %s: %w", name, err)
		}
	}

	dir := c.setDir(hash)
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	// Replace any previous set for the hash in one step.
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear previous set: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return nil, fmt.Errorf("failed to commit stem set: %w", err)
	}

	paths := make(map[string]string, len(StemNames))
	for _, name := range StemNames {
		paths[name] = filepath.Join(dir, name+".wav")
	}
	logging.Stems("cached stem set for %s", hash)

	c.evictLocked()
	return paths, nil
}

type cacheSet struct {
	hash     string
	dir      string
	size     int64
	accessed time.Time
}

// evictLocked removes least-recently-used sets until total size fits the
// ceiling. Sets younger than the grace window are never evicted.
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	sets, total := c.scanLocked()
	if total <= c.maxBytes {
		return
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].accessed.Before(sets[j].accessed)
	})
	cutoff := time.Now().Add(-evictionGrace)
	for _, s := range sets {
		if total <= c.maxBytes {
			return
		}
		if s.accessed.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.dir); err != nil {
			logging.Get(logging.CategoryStems).Error("failed to evict %s: %v", s.hash, err)
			continue
		}
		total -= s.size
		logging.Stems("evicted stem set %s (%d bytes)", s.hash, s.size)
	}
}

func (c *Cache) scanLocked() ([]cacheSet, int64) {
	var sets []cacheSet
	var total int64

	buckets, err := os.ReadDir(c.root)
	if err != nil {
		return nil, 0
	}
	for _, b := range buckets {
		if !b.IsDir() || len(b.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(c.root, b.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(c.root, b.Name(), e.Name())
			var size int64
			filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
				if err == nil && !info.IsDir() {
					size += info.Size()
				}
				return nil
			})
			info, err := os.Stat(dir)
			if err != nil {
				continue
			}
			sets = append(sets, cacheSet{
				hash:     e.Name(),
				dir:      dir,
				size:     size,
				accessed: info.ModTime(),
			})
			total += size
		}
	}
	return sets, total
}

// Size returns the total bytes currently held by the cache.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, total := c.scanLocked()
	return total
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
