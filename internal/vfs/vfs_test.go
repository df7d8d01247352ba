package vfs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelfs/internal/blockdev"
	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
	"kernelfs/internal/metrics"
	"kernelfs/internal/minix3"
)

// newMinix returns an initialized, unmounted Minix backend on a fresh image.
func newMinix(t *testing.T) *minix3.FS {
	t.Helper()
	dev := blockdev.NewMemDevice(512 * minix3.DefaultBlockSize)
	require.NoError(t, minix3.Format(dev, minix3.FormatOptions{Inodes: 128}))
	fs := minix3.New(dev, minix3.Options{})
	require.NoError(t, fs.Init())
	return fs
}

// testVFS returns a VFS with a Minix root mount.
func testVFS(t *testing.T) *VFS {
	t.Helper()
	v := New()
	_, err := v.Mount("/", newMinix(t), MountOptions{Kind: KindMinix3})
	require.NoError(t, err)
	return v
}

func TestMount(t *testing.T) {
	t.Parallel()

	t.Run("requires root mount first", func(t *testing.T) {
		t.Parallel()
		v := New()
		_, err := v.Mount("/mnt", newMinix(t), MountOptions{})
		assert.ErrorIs(t, err, common.ErrMissingRootMount)
		assert.Empty(t, v.Mounts())

		_, err = v.RootIndex()
		assert.ErrorIs(t, err, common.ErrMissingRootMount)
	})

	t.Run("rejects a second root", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mount("/", newMinix(t), MountOptions{})
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("missing parent directory", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mount("/no/such", newMinix(t), MountOptions{})
		assert.ErrorIs(t, err, common.ErrFileNotFound)
		assert.Len(t, v.Mounts(), 1)
	})

	t.Run("init option initializes backend", func(t *testing.T) {
		t.Parallel()
		dev := blockdev.NewMemDevice(256 * minix3.DefaultBlockSize)
		require.NoError(t, minix3.Format(dev, minix3.FormatOptions{}))
		v := New()
		info, err := v.Mount("/", minix3.New(dev, minix3.Options{}), MountOptions{Init: true, Kind: KindMinix3})
		require.NoError(t, err)
		assert.Equal(t, 0, info.ID)
		assert.Equal(t, common.Path("/"), info.Path)
		assert.Equal(t, KindMinix3, info.Kind)
		assert.NotEqual(t, [16]byte{}, [16]byte(info.UUID))
		assert.Equal(t, filesystem.NewIndex(0, 1), info.Root)
	})

	t.Run("mounting a VFS into itself panics", func(t *testing.T) {
		t.Parallel()
		v := New()
		assert.Panics(t, func() { _, _ = v.Mount("/", v, MountOptions{}) })
	})
}

func TestCrossMountResolution(t *testing.T) {
	t.Parallel()

	v := testVFS(t)
	_, err := v.Mkdir("/mnt")
	require.NoError(t, err)

	// Resolve before mounting so a stale entry is cached.
	before, err := v.PathToInode("/mnt")
	require.NoError(t, err)
	assert.Equal(t, 0, before.MountID)

	child := newMinix(t)
	info, err := v.Mount("/mnt", child, MountOptions{Kind: KindMinix3})
	require.NoError(t, err)
	assert.Equal(t, 1, info.ID)

	require.NoError(t, v.WriteFile("/mnt/x", []byte("in B")))

	idx, err := v.PathToInode("/mnt/x")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.MountID, "resolved into the child mount")

	mnt, err := v.PathToInode("/mnt")
	require.NoError(t, err)
	assert.Equal(t, info.Root, mnt)

	data, err := v.ReadFile("/mnt/x")
	require.NoError(t, err)
	assert.Equal(t, "in B", string(data))

	path, err := v.InodeToPath(idx)
	require.NoError(t, err)
	assert.Equal(t, common.Path("/mnt/x"), path)

	path, err = v.InodeToPath(info.Root)
	require.NoError(t, err)
	assert.Equal(t, common.Path("/mnt"), path)

	mounts := v.Mounts()
	require.Len(t, mounts, 2)
	assert.Equal(t, common.Path("/mnt"), mounts[1].Path)
}

func TestPathCache(t *testing.T) {
	t.Parallel()

	t.Run("resolution is idempotent", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mkdir("/etc")
		require.NoError(t, err)
		_, err = v.Create("/etc/passwd")
		require.NoError(t, err)

		first, err := v.PathToInode("/etc/passwd")
		require.NoError(t, err)
		second, err := v.PathToInode("/etc/passwd")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Positive(t, v.CacheStats().Forward)
	})

	t.Run("removing an entry evicts its subtree", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		dir, err := v.Mkdir("/a")
		require.NoError(t, err)
		_, err = v.Create("/a/b")
		require.NoError(t, err)

		_, err = v.PathToInode("/a/b")
		require.NoError(t, err)

		require.NoError(t, v.RemoveDirEntry(dir, "b"))
		_, err = v.PathToInode("/a/b")
		assert.ErrorIs(t, err, common.ErrFileNotFound)
	})

	t.Run("index records directories with a trailing separator", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		dir, err := v.Mkdir("/usr")
		require.NoError(t, err)
		file, err := v.Create("/usr/readme")
		require.NoError(t, err)

		require.NoError(t, v.Index())
		got, ok := v.ns.paths.Lookup("/usr/")
		require.True(t, ok)
		assert.Equal(t, dir, got)
		_, ok = v.ns.paths.Lookup("/usr/readme/")
		assert.False(t, ok, "files have no trailing separator form")

		path, err := v.InodeToPath(file)
		require.NoError(t, err)
		assert.Equal(t, common.Path("/usr/readme"), path)
	})

	t.Run("inode to path rebuilds on miss", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		idx, err := v.Create("/late")
		require.NoError(t, err)

		path, err := v.InodeToPath(idx)
		require.NoError(t, err)
		assert.Equal(t, common.Path("/late"), path)

		_, err = v.InodeToPath(filesystem.NewIndex(0, 99))
		assert.ErrorIs(t, err, common.ErrInodeNotIndexed)
		var unindexed *common.UnindexedError
		assert.True(t, errors.As(err, &unindexed))
	})

	t.Run("prefix invalidation is not component aware", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mkdir("/a")
		require.NoError(t, err)
		_, err = v.Mkdir("/ab")
		require.NoError(t, err)
		_, err = v.Mkdir("/b")
		require.NoError(t, err)
		require.NoError(t, v.Index())

		v.InvalidateIndex("/a")
		for _, p := range []common.Path{"/a", "/a/", "/ab", "/ab/"} {
			_, ok := v.ns.paths.Lookup(p)
			assert.False(t, ok, "%s should be evicted", p)
		}
		_, ok := v.ns.paths.Lookup("/b")
		assert.True(t, ok)
	})
}

// TestDirectoryMutationsKeepIndex reads the global rebuild counter, so it
// does not run in parallel.
func TestDirectoryMutationsKeepIndex(t *testing.T) {
	v := testVFS(t)
	_, err := v.Mkdir("/d")
	require.NoError(t, err)
	require.NoError(t, v.Index())

	rebuilds := testutil.ToFloat64(metrics.IndexRebuilds)
	for i := range 5 {
		_, err := v.Create(common.Path(fmt.Sprintf("/d/f%d", i)))
		require.NoError(t, err)
	}
	_, err = v.Mkdir("/d/sub")
	require.NoError(t, err)
	_, err = v.Create("/d/sub/leaf")
	require.NoError(t, err)
	require.NoError(t, v.Unlink("/d/f0"))
	assert.Equal(t, rebuilds, testutil.ToFloat64(metrics.IndexRebuilds), "directory mutations reuse the cached directory path")

	path, err := v.InodeToPath(mustLookup(t, v, "/d/sub/leaf"))
	require.NoError(t, err)
	assert.Equal(t, common.Path("/d/sub/leaf"), path)

	// the freed inode number comes back under its new name
	idx, err := v.Create("/e")
	require.NoError(t, err)
	path, err = v.InodeToPath(idx)
	require.NoError(t, err)
	assert.Equal(t, common.Path("/e"), path)

	entries, err := v.ReadDir("/d")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.NotContains(t, names, "f0")
	assert.Contains(t, names, "f4")
}

func mustLookup(t *testing.T, v *VFS, path common.Path) filesystem.Index {
	t.Helper()
	idx, err := v.Lookup(path)
	require.NoError(t, err)
	return idx
}

func TestDispatchUnknownMount(t *testing.T) {
	t.Parallel()

	v := testVFS(t)
	_, err := v.Stat(filesystem.NewIndex(7, 1))
	require.ErrorIs(t, err, common.ErrUnableToFindDiskMount)

	var mountErr *common.MountError
	require.True(t, errors.As(err, &mountErr))
	assert.Equal(t, 7, mountErr.ID)

	_, err = v.ReadInode(filesystem.NewIndex(-1, 1))
	assert.ErrorIs(t, err, common.ErrUnableToFindDiskMount)
}

func TestLinkSemantics(t *testing.T) {
	t.Parallel()

	t.Run("unlink with two links keeps the file", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		require.NoError(t, v.WriteFile("/f", []byte("data")))
		idx, err := v.Lookup("/f")
		require.NoError(t, err)

		links, err := v.IncrementLinks(idx)
		require.NoError(t, err)
		assert.Equal(t, 2, links)

		require.NoError(t, v.Unlink("/f"))
		stat, err := v.StatPath("/f")
		require.NoError(t, err)
		assert.Equal(t, 1, stat.Links)

		require.NoError(t, v.Unlink("/f"))
		_, err = v.StatPath("/f")
		assert.ErrorIs(t, err, common.ErrFileNotFound)
	})

	t.Run("unlink refuses directories", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mkdir("/d")
		require.NoError(t, err)
		assert.ErrorIs(t, v.Unlink("/d"), common.ErrINodeIsDirectory)
	})

	t.Run("rmdir requires an empty directory", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mkdir("/d")
		require.NoError(t, err)
		_, err = v.Create("/d/f")
		require.NoError(t, err)

		assert.ErrorIs(t, v.Rmdir("/d"), common.ErrDirectoryNotEmpty)
		require.NoError(t, v.Unlink("/d/f"))
		require.NoError(t, v.Rmdir("/d"))

		_, err = v.Lookup("/d")
		assert.ErrorIs(t, err, common.ErrFileNotFound)
		assert.ErrorIs(t, v.Rmdir("/d"), common.ErrFileNotFound)
	})

	t.Run("mount points cannot be removed", func(t *testing.T) {
		t.Parallel()
		v := testVFS(t)
		_, err := v.Mkdir("/mnt")
		require.NoError(t, err)
		_, err = v.Mount("/mnt", newMinix(t), MountOptions{})
		require.NoError(t, err)
		assert.ErrorIs(t, v.Rmdir("/mnt"), common.ErrNotSupported)
	})
}

func TestFileHelpers(t *testing.T) {
	t.Parallel()

	v := testVFS(t)
	require.NoError(t, v.WriteFile("/hello.txt", []byte("hello")))
	require.NoError(t, v.WriteFile("hello.txt", []byte("hello again")), "relative paths resolve from /")

	data, err := v.ReadFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello again", string(data))

	_, err = v.ReadFile("/")
	assert.ErrorIs(t, err, common.ErrINodeIsDirectory)

	entries, err := v.ReadDir("/")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{".", "..", "hello.txt"}, names)

	_, err = v.Create("/")
	assert.ErrorIs(t, err, common.ErrInvalidName)

	_, err = v.Open("/hello.txt", filesystem.ORead|filesystem.OCreate|filesystem.OExcl)
	assert.ErrorIs(t, err, common.ErrExists)

	_, err = v.Open("/missing", filesystem.ORead)
	assert.ErrorIs(t, err, common.ErrFileNotFound)

	fd, err := v.Open("/new", filesystem.OWrite|filesystem.OCreate)
	require.NoError(t, err)
	_, err = fd.Write([]byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, v.Release(fd))

	data, err = v.ReadFile("/new")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	v := testVFS(t)
	_, err := v.Mkdir("/work")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := common.Path(fmt.Sprintf("/work/f%d", i))
			if err := v.WriteFile(path, []byte(path)); err != nil {
				errs <- err
				return
			}
			data, err := v.ReadFile(path)
			if err != nil {
				errs <- err
				return
			}
			if string(data) != string(path) {
				errs <- fmt.Errorf("%s: got %q", path, data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	entries, err := v.ReadDir("/work")
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestCloseFlushesImage(t *testing.T) {
	t.Parallel()
	image := filepath.Join(t.TempDir(), "root.img")

	dev, err := blockdev.CreateFile(image, 512*minix3.DefaultBlockSize)
	require.NoError(t, err)
	require.NoError(t, minix3.Format(dev, minix3.FormatOptions{Inodes: 64}))

	v := New()
	_, err = v.Mount("/", minix3.New(dev, minix3.Options{CacheBlocks: 16}), MountOptions{Init: true, Kind: KindMinix3})
	require.NoError(t, err)
	require.NoError(t, v.WriteFile("/motd", []byte("persisted")))
	require.NoError(t, v.Close())

	dev, err = blockdev.OpenFile(image, true)
	require.NoError(t, err)
	reopened := New()
	_, err = reopened.Mount("/", minix3.New(dev, minix3.Options{}), MountOptions{Init: true})
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.ReadFile("/motd")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
}
