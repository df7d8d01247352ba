package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

func skipIfDisabled(t *testing.T) {
	t.Helper()
	if Disabled {
		t.Skip("caching disabled via KERNELFS_CACHE=0")
	}
}

func TestPathIndexLookup(t *testing.T) {
	t.Parallel()
	skipIfDisabled(t)

	c := NewPathIndex()
	idx := filesystem.NewIndex(0, 5)
	c.Set("/etc", idx)
	c.Set("/etc/", idx)
	c.SetReverse(idx, "/etc")

	got, ok := c.Lookup("/etc")
	require.True(t, ok)
	assert.Equal(t, idx, got)

	_, ok = c.Lookup("/usr")
	assert.False(t, ok)

	p, ok := c.ReverseLookup(idx)
	require.True(t, ok)
	assert.Equal(t, common.Path("/etc"), p)
}

func TestPathIndexReverseFirstWins(t *testing.T) {
	t.Parallel()

	c := NewPathIndex()
	idx := filesystem.NewIndex(0, 2)
	c.SetReverse(idx, "/a")
	c.SetReverse(idx, "/a/.")
	p, _ := c.ReverseLookup(idx)
	assert.Equal(t, common.Path("/a"), p)
}

func TestPathIndexInvalidatePrefix(t *testing.T) {
	t.Parallel()
	skipIfDisabled(t)

	c := NewPathIndex()
	entries := map[common.Path]uint64{
		"/a":     2,
		"/a/":    2,
		"/a/x":   3,
		"/a/y/z": 4,
		"/ab":    5,
		"/b":     6,
	}
	for p, ino := range entries {
		c.Set(p, filesystem.NewIndex(0, ino))
		if p != "/a/" {
			c.SetReverse(filesystem.NewIndex(0, ino), p)
		}
	}

	removed := c.InvalidatePrefix("/a")
	assert.Equal(t, 5, removed, "string prefix also catches /ab")

	for _, p := range []common.Path{"/a", "/a/", "/a/x", "/a/y/z", "/ab"} {
		_, ok := c.Lookup(p)
		assert.False(t, ok, "%s should be evicted", p)
	}
	_, ok := c.Lookup("/b")
	assert.True(t, ok)

	for _, ino := range []uint64{3, 4} {
		_, ok = c.ReverseLookup(filesystem.NewIndex(0, ino))
		assert.False(t, ok, "reverse entries inside the directory are dropped")
	}
	path, ok := c.ReverseLookup(filesystem.NewIndex(0, 2))
	assert.True(t, ok, "the directory keeps its own reverse entry")
	assert.Equal(t, common.Path("/a"), path)
	_, ok = c.ReverseLookup(filesystem.NewIndex(0, 5))
	assert.True(t, ok, "reverse eviction is component aware")

	assert.Equal(t, PathIndexStats{Forward: 1, Reverse: 3}, c.Stats())

	root := filesystem.NewIndex(0, 1)
	c.SetReverse(root, "/")
	c.InvalidatePrefix("/")
	_, ok = c.ReverseLookup(filesystem.NewIndex(0, 2))
	assert.False(t, ok)
	path, ok = c.ReverseLookup(root)
	assert.True(t, ok, "the root keeps its reverse entry")
	assert.Equal(t, common.Path("/"), path)
	assert.Equal(t, PathIndexStats{Forward: 0, Reverse: 1}, c.Stats())
}

func TestPathIndexInvalidate(t *testing.T) {
	t.Parallel()

	c := NewPathIndex()
	c.Set("/x", filesystem.NewIndex(1, 1))
	c.SetReverse(filesystem.NewIndex(1, 1), "/x")
	c.Invalidate()
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Paths())
	_, ok := c.ReverseLookup(filesystem.NewIndex(1, 1))
	assert.False(t, ok)
}

func TestBlockCache(t *testing.T) {
	t.Parallel()
	skipIfDisabled(t)

	c := NewBlockCache(2)
	c.Add(1, []byte{1})
	c.Add(2, []byte{2})

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, got)

	got[0] = 99
	again, _ := c.Get(1)
	assert.Equal(t, []byte{1}, again, "callers receive copies")

	c.Add(3, []byte{3})
	_, ok = c.Get(2)
	assert.False(t, ok, "least recently used block evicted")
	assert.Equal(t, 2, c.Len())

	c.Remove(1)
	_, ok = c.Get(1)
	assert.False(t, ok)

	c.Invalidate()
	assert.Equal(t, 0, c.Len())
}
