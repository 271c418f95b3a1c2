package knowledge

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fileCache memoizes file reads with a short TTL. A filesystem watcher
// invalidates entries early when the underlying file changes, so callers can
// use a generous TTL without serving stale unit files.
type fileCache struct {
	ttl     time.Duration
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	content   string
	expiresAt time.Time
}

func newFileCache(ttl time.Duration, logger zerolog.Logger) *fileCache {
	c := &fileCache{
		ttl:     ttl,
		logger:  logger.With().Str("component", "knowledge_cache").Logger(),
		entries: make(map[string]*cacheEntry),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to pure TTL caching.
		c.logger.Warn().Err(err).Msg("fsnotify unavailable, cache is TTL-only")
		return c
	}
	c.watcher = watcher
	go c.watchLoop()
	return c
}

// read returns the file content, from cache when fresh.
func (c *fileCache) read(path string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.content, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)

	c.mu.Lock()
	c.entries[path] = &cacheEntry{content: content, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.watcher != nil {
		// Watch the directory so renames (editors, deploys) are seen too.
		c.watcher.Add(filepath.Dir(path))
	}
	return content, nil
}

func (c *fileCache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				c.invalidate(ev.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug().Err(err).Msg("watch error")
		}
	}
}

func (c *fileCache) invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

func (c *fileCache) close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}
