package filesystem

import (
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelfs/internal/common"
)

func TestIndexOrdering(t *testing.T) {
	t.Parallel()

	indices := []Index{{1, 5}, {0, 9}, {1, 2}, {0, 1}}
	sort.Slice(indices, func(i, j int) bool { return indices[i].Less(indices[j]) })
	assert.Equal(t, []Index{{0, 1}, {0, 9}, {1, 2}, {1, 5}}, indices)

	assert.Equal(t, 0, NewIndex(2, 3).Compare(Index{MountID: 2, Inode: 3}))
	assert.Equal(t, NewIndex(2, 3), Index{MountID: 2, Inode: 3})
	assert.NotEqual(t, NewIndex(2, 3), NewIndex(3, 2))
	assert.Equal(t, "2:3", NewIndex(2, 3).String())
}

func TestFileStatIsDir(t *testing.T) {
	t.Parallel()

	assert.True(t, FileStat{Mode: 0x41ED}.IsDir())
	assert.False(t, FileStat{Mode: 0x81A4}.IsDir())
	assert.Equal(t, EntryDirectory, EntryTypeFromMode(0x41ED))
	assert.Equal(t, EntryRegular, EntryTypeFromMode(0x81A4))
	assert.Equal(t, EntryCharDevice, EntryTypeFromMode(ModeCharDev|0666))
}

func TestModeFromOSFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		flag int
		want OpenMode
	}{
		{"rdonly", os.O_RDONLY, ORead},
		{"wronly", os.O_WRONLY, OWrite},
		{"rdwr_create_trunc", os.O_RDWR | os.O_CREATE | os.O_TRUNC, ORead | OWrite | OCreate | OTrunc},
		{"append", os.O_WRONLY | os.O_APPEND, OWrite | OAppend},
		{"excl", os.O_WRONLY | os.O_CREATE | os.O_EXCL, OWrite | OCreate | OExcl},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ModeFromOSFlags(tt.flag))
		})
	}
}

func TestInodeDescriptor(t *testing.T) {
	t.Parallel()

	t.Run("read", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		file := fs.add(1, "f", ModeFile|0644)
		require.NoError(t, fs.WriteInode(file, []byte("hello world")))

		d, err := NewInodeDescriptor(fs, file, ORead)
		require.NoError(t, err)
		data, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))

		_, err = d.Write([]byte("x"))
		assert.ErrorIs(t, err, common.ErrBadDescriptor)
		require.NoError(t, d.Release(fs))
	})

	t.Run("write back on release", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		file := fs.add(1, "f", ModeFile|0644)
		require.NoError(t, fs.WriteInode(file, []byte("old content")))

		d, err := NewInodeDescriptor(fs, file, OWrite|OTrunc)
		require.NoError(t, err)
		_, err = d.Write([]byte("new"))
		require.NoError(t, err)

		stored, _ := fs.ReadInode(file)
		assert.Equal(t, "old content", string(stored), "nothing flushed before release")

		require.NoError(t, d.Release(fs))
		stored, _ = fs.ReadInode(file)
		assert.Equal(t, "new", string(stored))
	})

	t.Run("append", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		file := fs.add(1, "f", ModeFile|0644)
		require.NoError(t, fs.WriteInode(file, []byte("abc")))

		d, err := NewInodeDescriptor(fs, file, OAppend)
		require.NoError(t, err)
		_, err = d.Write([]byte("def"))
		require.NoError(t, err)
		require.NoError(t, d.Release(fs))

		stored, _ := fs.ReadInode(file)
		assert.Equal(t, "abcdef", string(stored))
	})

	t.Run("seek past end zero fills", func(t *testing.T) {
		t.Parallel()
		fs := newFakeFS()
		file := fs.add(1, "f", ModeFile|0644)

		d, err := NewInodeDescriptor(fs, file, ORead|OWrite)
		require.NoError(t, err)
		pos, err := d.Seek(4, io.SeekEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(4), pos)
		_, err = d.Write([]byte("x"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), d.Size())

		_, err = d.Seek(-10, io.SeekCurrent)
		assert.ErrorIs(t, err, ErrInvalidSeek)

		require.NoError(t, d.Truncate(2))
		require.NoError(t, d.Release(fs))
		stored, _ := fs.ReadInode(file)
		assert.Equal(t, []byte{0, 0}, stored)
	})
}

func TestNullDescriptor(t *testing.T) {
	t.Parallel()

	d := &NullDescriptor{Inode: NewIndex(1, 2)}
	buf := []byte{1, 2, 3}
	n, err := d.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0, 0, 0}, buf)

	n, err = d.Write([]byte("discard"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, NewIndex(1, 2), d.Index())
}

func TestNewRTCTime(t *testing.T) {
	t.Parallel()

	rt := NewRTCTime(time.Date(2024, time.March, 5, 10, 20, 30, 0, time.UTC))
	assert.Equal(t, RTCTime{Sec: 30, Min: 20, Hour: 10, Mday: 5, Mon: 2, Year: 124, Wday: 2, Yday: 64}, rt)
}
