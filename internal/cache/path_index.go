package cache

import (
	"strings"
	"sync"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
	"kernelfs/internal/metrics"
)

// PathIndex maps paths to filesystem indices and back.
// Directories are stored twice in the forward map: once under their bare
// path and once with a trailing separator.
//
// Thread-safe: Uses RWMutex for concurrent access.
type PathIndex struct {
	mu      sync.RWMutex
	forward map[common.Path]filesystem.Index
	reverse map[filesystem.Index]common.Path
}

// NewPathIndex creates an empty path index.
func NewPathIndex() *PathIndex {
	return &PathIndex{
		forward: make(map[common.Path]filesystem.Index, 256),
		reverse: make(map[filesystem.Index]common.Path, 256),
	}
}

// Lookup returns the cached index for path.
// Always misses when caching is disabled (KERNELFS_CACHE=0).
func (c *PathIndex) Lookup(path common.Path) (filesystem.Index, bool) {
	if Disabled {
		metrics.PathCacheLookups.WithLabelValues(metrics.Miss).Inc()
		return filesystem.Index{}, false
	}

	c.mu.RLock()
	idx, ok := c.forward[path]
	c.mu.RUnlock()

	if ok {
		metrics.PathCacheLookups.WithLabelValues(metrics.Hit).Inc()
	} else {
		metrics.PathCacheLookups.WithLabelValues(metrics.Miss).Inc()
	}
	return idx, ok
}

// ReverseLookup returns the path recorded for idx.
func (c *PathIndex) ReverseLookup(idx filesystem.Index) (common.Path, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.reverse[idx]
	return p, ok
}

// Set records a forward mapping.
func (c *PathIndex) Set(path common.Path, idx filesystem.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward[path] = idx
}

// SetReverse records the path for idx. The first path recorded wins, so
// an inode reachable through "." or ".." keeps its canonical name.
func (c *PathIndex) SetReverse(idx filesystem.Index, path common.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.reverse[idx]; !ok {
		c.reverse[idx] = path
	}
}

// Invalidate clears both directions.
func (c *PathIndex) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.forward) > 0 {
		c.forward = make(map[common.Path]filesystem.Index, 256)
	}
	if len(c.reverse) > 0 {
		c.reverse = make(map[filesystem.Index]common.Path, 256)
	}
}

// InvalidatePrefix removes every forward entry whose path starts with
// prefix. The forward match is a raw string prefix, not component aware.
// Reverse entries are dropped only for paths strictly inside the prefix
// directory, so the directory keeps its own reverse mapping. Returns the
// number of forward entries removed.
func (c *PathIndex) InvalidatePrefix(prefix common.Path) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for path := range c.forward {
		if path.HasPrefix(prefix) {
			delete(c.forward, path)
			removed++
		}
	}
	inside := prefix
	if !strings.HasSuffix(string(inside), common.Separator) {
		inside += common.Separator
	}
	for idx, path := range c.reverse {
		if path != inside && path.HasPrefix(inside) {
			delete(c.reverse, idx)
		}
	}
	metrics.PathCacheEvictions.Add(float64(removed))
	return removed
}

// Size returns the current number of forward entries.
func (c *PathIndex) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.forward)
}

// PathIndexStats describes the index contents.
type PathIndexStats struct {
	Forward int
	Reverse int
}

// Stats returns current cache statistics.
func (c *PathIndex) Stats() PathIndexStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return PathIndexStats{
		Forward: len(c.forward),
		Reverse: len(c.reverse),
	}
}

// Paths returns a copy of the forward map, for diagnostics.
func (c *PathIndex) Paths() map[common.Path]filesystem.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[common.Path]filesystem.Index, len(c.forward))
	for k, v := range c.forward {
		out[k] = v
	}
	return out
}

var _ Invalidator = (*PathIndex)(nil)
