package filesystem

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelfs/internal/common"
)

type fakeNode struct {
	mode    uint32
	links   int
	data    []byte
	entries map[string]uint64
}

// fakeFS is a minimal in-memory backend for exercising the default algorithms.
type fakeFS struct {
	nodes   map[uint64]*fakeNode
	next    uint64
	removed []uint64
}

func newFakeFS() *fakeFS {
	fs := &fakeFS{nodes: map[uint64]*fakeNode{}, next: 2}
	fs.nodes[1] = &fakeNode{mode: ModeDir | 0755, links: 2, entries: map[string]uint64{".": 1, "..": 1}}
	return fs
}

func (f *fakeFS) node(idx Index) (*fakeNode, error) {
	n, ok := f.nodes[idx.Inode]
	if !ok {
		return nil, common.ErrFileNotFound
	}
	return n, nil
}

func (f *fakeFS) add(dir uint64, name string, mode uint32) Index {
	ino := f.next
	f.next++
	n := &fakeNode{mode: mode, links: 1}
	if mode&ModeDirBit != 0 {
		n.links = 2
		n.entries = map[string]uint64{".": ino, "..": dir}
	}
	f.nodes[ino] = n
	f.nodes[dir].entries[name] = ino
	return Index{Inode: ino}
}

func (f *fakeFS) Init() error                   { return nil }
func (f *fakeFS) Sync() error                   { return nil }
func (f *fakeFS) SetMountID(int, Host)          {}
func (f *fakeFS) RootIndex() (Index, error)     { return Index{Inode: 1}, nil }
func (f *fakeFS) PathToInode(common.Path) (Index, error) {
	return Index{}, common.ErrNotSupported
}
func (f *fakeFS) InodeToPath(Index) (common.Path, error) { return "", common.ErrNotSupported }

func (f *fakeFS) DirEntries(idx Index) ([]DirectoryEntry, error) {
	n, err := f.node(idx)
	if err != nil {
		return nil, err
	}
	if n.entries == nil {
		return nil, common.ErrINodeIsNotADirectory
	}
	var out []DirectoryEntry
	for name, ino := range n.entries {
		out = append(out, DirectoryEntry{Index: Index{Inode: ino}, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeFS) Stat(idx Index) (FileStat, error) {
	n, err := f.node(idx)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{Index: idx, Mode: n.mode, Links: n.links, Size: int64(len(n.data))}, nil
}

func (f *fakeFS) CreateFile(dir Index, name string) (Index, error) {
	return f.add(dir.Inode, name, ModeFile|0644), nil
}

func (f *fakeFS) CreateDirectory(dir Index, name string) (Index, error) {
	return f.add(dir.Inode, name, ModeDir|0755), nil
}

func (f *fakeFS) RemoveInode(idx Index) error {
	if _, err := f.node(idx); err != nil {
		return err
	}
	delete(f.nodes, idx.Inode)
	f.removed = append(f.removed, idx.Inode)
	return nil
}

func (f *fakeFS) RemoveDirEntry(dir Index, name string) error {
	n, err := f.node(dir)
	if err != nil {
		return err
	}
	if _, ok := n.entries[name]; !ok {
		return common.ErrFileNotFound
	}
	delete(n.entries, name)
	return nil
}

func (f *fakeFS) IncrementLinks(idx Index) (int, error) {
	n, err := f.node(idx)
	if err != nil {
		return 0, err
	}
	n.links++
	return n.links, nil
}

func (f *fakeFS) DecrementLinks(idx Index) (int, error) {
	n, err := f.node(idx)
	if err != nil {
		return 0, err
	}
	n.links--
	return n.links, nil
}

func (f *fakeFS) ReadInode(idx Index) ([]byte, error) {
	n, err := f.node(idx)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), n.data...), nil
}

func (f *fakeFS) WriteInode(idx Index, data []byte) error {
	n, err := f.node(idx)
	if err != nil {
		return err
	}
	n.data = append([]byte(nil), data...)
	return nil
}

func (f *fakeFS) MountAt(Index, Index, string) error { return common.ErrNotSupported }

func (f *fakeFS) OpenFD(idx Index, mode OpenMode) (FileDescriptor, error) {
	return NewInodeDescriptor(f, idx, mode)
}

func (f *fakeFS) ExecIoctl(Index, IoctlCommand) (uint64, error) { return 0, common.ErrNotSupported }

var _ Filesystem = (*fakeFS)(nil)

func TestUnlink(t *testing.T) {
	t.Parallel()

	t.Run("last link removes entry and inode", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		root := Index{Inode: 1}
		file := fs.add(1, "a.txt", ModeFile|0644)

		require.NoError(t, Unlink(fs, file, root, "a.txt"))
		_, err := Lookup(fs, root, "a.txt")
		assert.ErrorIs(t, err, common.ErrFileNotFound)
		assert.Equal(t, []uint64{file.Inode}, fs.removed)
	})

	t.Run("shared inode only loses a link", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		root := Index{Inode: 1}
		file := fs.add(1, "a.txt", ModeFile|0644)
		fs.nodes[1].entries["b.txt"] = file.Inode
		_, err := fs.IncrementLinks(file)
		require.NoError(t, err)

		require.NoError(t, Unlink(fs, file, root, "b.txt"))
		st, err := fs.Stat(file)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Links)
		_, err = Lookup(fs, root, "b.txt")
		assert.NoError(t, err, "entry stays until the count reaches zero")
		assert.Empty(t, fs.removed)
	})

	t.Run("directory inode rejected", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		dir := fs.add(1, "d", ModeDir|0755)
		err := Unlink(fs, dir, Index{Inode: 1}, "d")
		assert.ErrorIs(t, err, common.ErrINodeIsDirectory)
	})

	t.Run("parent must be a directory", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		a := fs.add(1, "a", ModeFile|0644)
		b := fs.add(1, "b", ModeFile|0644)
		err := Unlink(fs, a, b, "a")
		assert.ErrorIs(t, err, common.ErrINodeIsNotADirectory)
	})
}

func TestRemoveDirectory(t *testing.T) {
	t.Parallel()

	t.Run("empty directory", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		root := Index{Inode: 1}
		dir := fs.add(1, "d", ModeDir|0755)

		require.NoError(t, RemoveDirectory(fs, dir, root, "d"))
		_, err := Lookup(fs, root, "d")
		assert.ErrorIs(t, err, common.ErrFileNotFound)
		assert.Equal(t, []uint64{dir.Inode}, fs.removed)
	})

	t.Run("not empty", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		dir := fs.add(1, "d", ModeDir|0755)
		fs.add(dir.Inode, "child", ModeFile|0644)

		err := RemoveDirectory(fs, dir, Index{Inode: 1}, "d")
		assert.ErrorIs(t, err, common.ErrDirectoryNotEmpty)
		assert.Empty(t, fs.removed)
	})

	t.Run("file rejected", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		file := fs.add(1, "f", ModeFile|0644)
		err := RemoveDirectory(fs, file, Index{Inode: 1}, "f")
		assert.ErrorIs(t, err, common.ErrINodeIsNotADirectory)
	})
}
