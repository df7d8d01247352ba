package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"kernelfs/internal/metrics"
)

// DefaultBlockCacheSize is the number of blocks kept per device.
const DefaultBlockCacheSize = 1024

// BlockCache is an LRU cache of device blocks keyed by block number.
// Stored slices are owned by the cache; callers get copies.
type BlockCache struct {
	blocks *lru.Cache[uint64, []byte]
}

// NewBlockCache creates a cache holding up to size blocks.
func NewBlockCache(size int) *BlockCache {
	if size <= 0 {
		size = DefaultBlockCacheSize
	}
	blocks, err := lru.New[uint64, []byte](size)
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	return &BlockCache{blocks: blocks}
}

// Get copies the cached block into a new slice.
func (c *BlockCache) Get(block uint64) ([]byte, bool) {
	if Disabled {
		return nil, false
	}
	data, ok := c.blocks.Get(block)
	if !ok {
		metrics.BlockCacheLookups.WithLabelValues(metrics.Miss).Inc()
		return nil, false
	}
	metrics.BlockCacheLookups.WithLabelValues(metrics.Hit).Inc()
	return append([]byte(nil), data...), true
}

// Add stores a copy of data for block.
func (c *BlockCache) Add(block uint64, data []byte) {
	if Disabled {
		return
	}
	c.blocks.Add(block, append([]byte(nil), data...))
}

// Remove drops block from the cache.
func (c *BlockCache) Remove(block uint64) {
	c.blocks.Remove(block)
}

// Invalidate clears all entries from the cache.
func (c *BlockCache) Invalidate() {
	c.blocks.Purge()
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	return c.blocks.Len()
}

var _ Invalidator = (*BlockCache)(nil)
