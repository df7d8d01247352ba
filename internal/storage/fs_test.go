package storage

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

var testClock = func() time.Time { return time.Unix(1700000000, 0) }

func newTestFS(t *testing.T) *FS {
	t.Helper()
	fs := New(filepath.Join(t.TempDir(), "test.kfs"), Options{Clock: testClock})
	require.NoError(t, fs.Init())
	t.Cleanup(func() { fs.Close() })
	fs.SetMountID(0, nil)
	return fs
}

func names(entries []filesystem.DirectoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	stmts := splitStatements(`
-- comment
CREATE TABLE a (x INTEGER);

INSERT INTO a VALUES (1);
SELECT 1`)
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER);", "INSERT INTO a VALUES (1);", "SELECT 1"}, stmts)
}

func TestBusyTimeout(t *testing.T) {
	t.Setenv(EnvBusyTimeout, "")
	SetConfigBusyTimeout(0)
	assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout())

	SetConfigBusyTimeout(1500)
	t.Cleanup(func() { SetConfigBusyTimeout(0) })
	assert.Equal(t, 1500, GetBusyTimeout())

	t.Setenv(EnvBusyTimeout, "250")
	assert.Equal(t, 250, GetBusyTimeout())
	assert.Contains(t, BuildDSN("/tmp/x.kfs"), "_busy_timeout=250")
}

func TestDataFileCreateOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.kfs")
	df, err := Create(path)
	require.NoError(t, err)

	version, err := df.BunDB().GetSchemaInfo(t.Context(), "version")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	root, err := df.BunDB().GetInode(t.Context(), RootIno)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, int64(2), root.Nlink)
	require.NoError(t, df.Close())

	_, err = Create(path)
	assert.Error(t, err, "refuses to overwrite")

	df, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, df.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing.kfs"))
	assert.Error(t, err)
}

func TestUninitialized(t *testing.T) {
	t.Parallel()

	fs := New(filepath.Join(t.TempDir(), "x.kfs"), Options{})
	_, err := fs.RootIndex()
	assert.ErrorIs(t, err, common.ErrFilesystemNotMounted)

	fs.SetMountID(0, nil)
	_, err = fs.Stat(filesystem.NewIndex(0, RootIno))
	assert.ErrorIs(t, err, common.ErrFilesystemUninitialized)
	assert.ErrorIs(t, fs.Sync(), common.ErrFilesystemUninitialized)
}

func TestCreateAndList(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	root, err := fs.RootIndex()
	require.NoError(t, err)

	file, err := fs.CreateFile(root, "notes.txt")
	require.NoError(t, err)
	dir, err := fs.CreateDirectory(root, "docs")
	require.NoError(t, err)
	assert.NotEqual(t, file, dir)

	entries, err := fs.DirEntries(root)
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "docs", "notes.txt"}, names(entries))
	assert.Equal(t, filesystem.EntryDirectory, entries[2].Type)
	assert.Equal(t, filesystem.EntryRegular, entries[3].Type)

	sub, err := fs.DirEntries(dir)
	require.NoError(t, err)
	require.Len(t, sub, 2)
	assert.Equal(t, root, sub[1].Index)

	rootStat, err := fs.Stat(root)
	require.NoError(t, err)
	assert.Equal(t, 3, rootStat.Links, "docs/.. counts")

	dirStat, err := fs.Stat(dir)
	require.NoError(t, err)
	assert.True(t, dirStat.IsDir())
	assert.Equal(t, 2, dirStat.Links)
	assert.Equal(t, testClock(), dirStat.Mtime)

	_, err = fs.CreateFile(root, "docs")
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = fs.CreateFile(file, "x")
	assert.ErrorIs(t, err, common.ErrINodeIsNotADirectory)
	_, err = fs.DirEntries(file)
	assert.ErrorIs(t, err, common.ErrINodeIsNotADirectory)

	for _, bad := range []string{"", ".", "..", "a/b"} {
		_, err = fs.CreateFile(root, bad)
		assert.ErrorIs(t, err, common.ErrInvalidName, "%q", bad)
	}
	_, err = fs.CreateFile(root, strings.Repeat("n", NameMax+1))
	assert.ErrorIs(t, err, common.ErrNameTooLong)
}

func TestContent(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	root, _ := fs.RootIndex()
	file, err := fs.CreateFile(root, "blob")
	require.NoError(t, err)

	data, err := fs.ReadInode(file)
	require.NoError(t, err)
	assert.Empty(t, data)

	for _, size := range []int{1, ChunkSize - 1, ChunkSize, 3*ChunkSize + 17, 10} {
		want := bytes.Repeat([]byte{byte(size)}, size)
		require.NoError(t, fs.WriteInode(file, want))

		got, err := fs.ReadInode(file)
		require.NoError(t, err)
		assert.Equal(t, want, got, "size %d", size)

		stat, err := fs.Stat(file)
		require.NoError(t, err)
		assert.Equal(t, int64(size), stat.Size)
	}

	assert.ErrorIs(t, fs.WriteInode(root, []byte("x")), common.ErrINodeIsDirectory)
	_, err = fs.ReadInode(root)
	assert.ErrorIs(t, err, common.ErrINodeIsDirectory)
	_, err = fs.ReadInode(filesystem.NewIndex(0, 999))
	assert.ErrorIs(t, err, common.ErrFileNotFound)
}

func TestPaths(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	root, _ := fs.RootIndex()
	a, err := fs.CreateDirectory(root, "a")
	require.NoError(t, err)
	b, err := fs.CreateDirectory(a, "b")
	require.NoError(t, err)
	c, err := fs.CreateFile(b, "c.txt")
	require.NoError(t, err)

	got, err := fs.PathToInode("/a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	path, err := fs.InodeToPath(c)
	require.NoError(t, err)
	assert.Equal(t, common.Path("/a/b/c.txt"), path)

	path, err = fs.InodeToPath(root)
	require.NoError(t, err)
	assert.Equal(t, common.Path("/"), path)

	_, err = fs.PathToInode("/a/nope")
	var notFound *common.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, common.Path("/a/nope"), notFound.Path)

	_, err = fs.InodeToPath(filesystem.NewIndex(0, 999))
	var unindexed *common.UnindexedError
	assert.ErrorAs(t, err, &unindexed)
}

func TestUnlinkAndRmdir(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	root, _ := fs.RootIndex()
	dir, err := fs.CreateDirectory(root, "d")
	require.NoError(t, err)
	file, err := fs.CreateFile(dir, "f")
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(file, []byte("payload")))

	assert.ErrorIs(t, filesystem.RemoveDirectory(fs, dir, root, "d"), common.ErrDirectoryNotEmpty)

	links, err := fs.IncrementLinks(file)
	require.NoError(t, err)
	assert.Equal(t, 2, links)
	require.NoError(t, filesystem.Unlink(fs, file, dir, "f"))
	_, err = fs.Stat(file)
	require.NoError(t, err, "one link left")

	require.NoError(t, filesystem.Unlink(fs, file, dir, "f"))
	_, err = fs.Stat(file)
	assert.ErrorIs(t, err, common.ErrFileNotFound)

	require.NoError(t, filesystem.RemoveDirectory(fs, dir, root, "d"))
	entries, err := fs.DirEntries(root)
	require.NoError(t, err)
	assert.Equal(t, []string{".", ".."}, names(entries))

	rootStat, err := fs.Stat(root)
	require.NoError(t, err)
	assert.Equal(t, 2, rootStat.Links)

	err = fs.RemoveDirEntry(root, "d")
	assert.ErrorIs(t, err, common.ErrFileNotFound)
	assert.ErrorIs(t, fs.RemoveInode(root), common.ErrNotSupported)

	links, err = fs.DecrementLinks(root)
	require.NoError(t, err)
	assert.Equal(t, 1, links)
}

type stubHost struct {
	entries []filesystem.DirectoryEntry
}

func (h *stubHost) DirEntries(filesystem.Index) ([]filesystem.DirectoryEntry, error) {
	return h.entries, nil
}

func (h *stubHost) Stat(idx filesystem.Index) (filesystem.FileStat, error) {
	return filesystem.FileStat{Index: idx, Mode: filesystem.ModeDir | 0o755}, nil
}

func (h *stubHost) ReadInode(filesystem.Index) ([]byte, error) { return nil, nil }

func (h *stubHost) PathToInode(common.Path) (filesystem.Index, error) {
	return filesystem.Index{}, common.ErrFileNotFound
}

func (h *stubHost) InodeToPath(filesystem.Index) (common.Path, error) { return "/mnt", nil }

func TestMountAtGraft(t *testing.T) {
	t.Parallel()

	fs := New(filepath.Join(t.TempDir(), "g.kfs"), Options{Clock: testClock})
	require.NoError(t, fs.Init())
	t.Cleanup(func() { fs.Close() })
	host := &stubHost{}
	fs.SetMountID(0, host)

	root, _ := fs.RootIndex()
	_, err := fs.CreateDirectory(root, "mnt")
	require.NoError(t, err)

	foreign := filesystem.NewIndex(1, 1)
	require.NoError(t, fs.MountAt(root, foreign, "mnt"))

	entries, err := fs.DirEntries(root)
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "mnt"}, names(entries))
	assert.Equal(t, foreign, entries[2].Index)

	got, err := fs.PathToInode("/mnt")
	require.NoError(t, err)
	assert.Equal(t, foreign, got)

	path, err := fs.InodeToPath(foreign)
	require.NoError(t, err)
	assert.Equal(t, common.Path("/mnt"), path)

	_, err = fs.CreateFile(root, "mnt")
	assert.ErrorIs(t, err, common.ErrExists)
	assert.ErrorIs(t, fs.RemoveDirEntry(root, "mnt"), common.ErrNotSupported)
	assert.ErrorIs(t, fs.WriteInode(foreign, nil), common.ErrNotSupported)
}

func TestDescriptor(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t)
	root, _ := fs.RootIndex()
	file, err := fs.CreateFile(root, "log")
	require.NoError(t, err)

	fd, err := fs.OpenFD(file, filesystem.OWrite)
	require.NoError(t, err)
	_, err = fd.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, fd.Release(fs))

	fd, err = fs.OpenFD(file, filesystem.ORead)
	require.NoError(t, err)
	got, err := io.ReadAll(fd)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = fs.OpenFD(root, filesystem.ORead)
	assert.ErrorIs(t, err, common.ErrINodeIsDirectory)
	_, err = fs.ExecIoctl(file, filesystem.IoctlCommand{Op: filesystem.RTCGetTimestamp})
	assert.ErrorIs(t, err, common.ErrNotSupported)
}

func TestPersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "p.kfs")
	fs := New(path, Options{Clock: testClock})
	require.NoError(t, fs.Init())
	fs.SetMountID(0, nil)
	root, _ := fs.RootIndex()
	dir, err := fs.CreateDirectory(root, "etc")
	require.NoError(t, err)
	file, err := fs.CreateFile(dir, "motd")
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(file, []byte("welcome\n")))
	require.NoError(t, fs.Sync())
	require.NoError(t, fs.Close())

	reopened := New(path, Options{})
	require.NoError(t, reopened.Init())
	t.Cleanup(func() { reopened.Close() })
	reopened.SetMountID(3, nil)

	idx, err := reopened.PathToInode("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, 3, idx.MountID)
	data, err := reopened.ReadInode(idx)
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(data))
}
