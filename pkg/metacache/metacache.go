// Package metacache caches file and folder metadata by path. The
// repository invalidates it on every write but does not read from it. It
// layers popularity-aware TTL
// extension and directory-prefix invalidation on top of the classic
// hashmap+LRU-deque shape hashicorp/golang-lru builds (the corpus's own
// in-memory cache of choice, used for exactly this kind of hot-path
// lookup elsewhere in the pack), rather than adopting the library
// directly: no off-the-shelf cache in the example corpus supports
// popularity-based TTL extension and prefix-scan invalidation together,
// so this package keeps golang-lru's container/list-based recency
// bookkeeping but manages entries by hand to fit both requirements.
package metacache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Metadata is the cached view of a file or folder row.
type Metadata struct {
	Path       string
	ID         string
	IsDir      bool
	Size       int64
	ModifiedAt time.Time
	ContentType string
}

type entry struct {
	meta        Metadata
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount int
	elem        *list.Element
}

// Stats tallies cache activity, reset only by process restart.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Expirations  uint64
	Inserts      uint64
	Invalidations uint64
}

// Loader fetches metadata for path from the repository on a cache miss.
type Loader func(path string) (Metadata, error)

// Cache is a popularity-aware, TTL-expiring metadata cache.
type Cache struct {
	mu sync.RWMutex

	entries map[string]*entry
	lru     *list.List // front = MRU, back = LRU

	fileTTL time.Duration
	dirTTL  time.Duration
	maxSize int

	stats Stats

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// popularThreshold is the access count at which an entry's TTL is
// extended: the hit that brings the count to this value, and every hit
// after it.
const popularThreshold = 10

// popularMultiplier scales the base TTL for popular entries.
const popularMultiplier = 5

// New constructs a Cache and starts its once-per-minute background
// sweeper. Callers must call Close to stop the sweeper.
func New(fileTTL, dirTTL time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries:   make(map[string]*entry),
		lru:       list.New(),
		fileTTL:   fileTTL,
		dirTTL:    dirTTL,
		maxSize:   maxSize,
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *Cache) sweepLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(path, e)
			c.stats.Expirations++
		}
	}
}

// GetMetadata returns the cached entry for path if present and unexpired,
// updating recency and popularity bookkeeping on a hit. On a miss, if
// load is non-nil it is invoked to populate the cache.
func (c *Cache) GetMetadata(path string, load Loader) (Metadata, bool, error) {
	if m, ok := c.lookup(path); ok {
		return m, true, nil
	}
	if load == nil {
		return Metadata{}, false, nil
	}
	m, err := load(path)
	if err != nil {
		return Metadata{}, false, err
	}
	c.Insert(m)
	return m, true, nil
}

// IsFile reports whether the cached entry at path, if any, is a file
// rather than a directory. The bool return distinguishes "not cached"
// from "cached directory".
func (c *Cache) IsFile(path string) (isFile bool, cached bool) {
	m, ok := c.lookup(path)
	if !ok {
		return false, false
	}
	return !m.IsDir, true
}

func (c *Cache) lookup(path string) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		c.stats.Misses++
		return Metadata{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(path, e)
		c.stats.Expirations++
		c.stats.Misses++
		return Metadata{}, false
	}

	e.lastAccess = time.Now()
	e.accessCount++
	c.lru.MoveToFront(e.elem)
	if e.accessCount >= popularThreshold {
		e.expiresAt = time.Now().Add(c.baseTTL(e.meta.IsDir) * popularMultiplier)
	}
	c.stats.Hits++
	return e.meta, true
}

func (c *Cache) baseTTL(isDir bool) time.Duration {
	if isDir {
		return c.dirTTL
	}
	return c.fileTTL
}

// Insert (re)populates the cache with fresh metadata for m.Path, evicting
// the coldest 10% of entries first if the cache is at capacity.
func (c *Cache) Insert(m Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[m.Path]; ok {
		e.meta = m
		e.expiresAt = time.Now().Add(c.baseTTL(m.IsDir))
		c.lru.MoveToFront(e.elem)
		c.stats.Inserts++
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry{
		meta:       m,
		expiresAt:  time.Now().Add(c.baseTTL(m.IsDir)),
		lastAccess: time.Now(),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[m.Path] = e
	c.stats.Inserts++
}

func (c *Cache) evictOldest() {
	n := c.maxSize / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.removeLocked(e.meta.Path, e)
	}
}

// removeLocked deletes an entry; callers must already hold c.mu.
func (c *Cache) removeLocked(path string, e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, path)
}

// Invalidate evicts the single entry at path, if cached.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		c.removeLocked(path, e)
		c.stats.Invalidations++
	}
}

// InvalidateDirectory evicts every entry whose path falls under dir,
// including dir itself, via an O(n) prefix scan of the keyspace.
func (c *Cache) InvalidateDirectory(dir string) {
	prefix := strings.TrimSuffix(dir, "/") + "/"

	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if path == dir || strings.HasPrefix(path, prefix) {
			c.removeLocked(path, e)
			c.stats.Invalidations++
		}
	}
}

// RefreshMetadata forces a reload of path via load, overwriting any
// cached entry regardless of its expiry.
func (c *Cache) RefreshMetadata(path string, load Loader) (Metadata, error) {
	m, err := load(path)
	if err != nil {
		return Metadata{}, err
	}
	c.Insert(m)
	return m, nil
}

// PreloadDirectory populates the cache for every entry returned by list,
// optionally recursing into subdirectories up to maxDepth (0 means
// unlimited recursion if recursive is true, or no recursion at all if
// recursive is false).
func (c *Cache) PreloadDirectory(dir string, recursive bool, maxDepth int, list func(dir string) ([]Metadata, error)) error {
	return c.preload(dir, recursive, maxDepth, 0, list)
}

func (c *Cache) preload(dir string, recursive bool, maxDepth, depth int, list func(dir string) ([]Metadata, error)) error {
	entries, err := list(dir)
	if err != nil {
		return err
	}
	for _, m := range entries {
		c.Insert(m)
		if recursive && m.IsDir && (maxDepth == 0 || depth+1 < maxDepth) {
			if err := c.preload(m.Path, recursive, maxDepth, depth+1, list); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats returns a snapshot of the cache's activity counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
