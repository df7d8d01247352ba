// Copyright 2024 KernelFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devfs is a synthetic, read-only filesystem of device files,
// usually mounted at /dev.
package devfs

import (
	"errors"
	"io"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// Fixed inode numbers.
const (
	RootInode = 1
	NullInode = 2
	ZeroInode = 3
	RTCInode  = 4
	PtsInode  = 5
	TTYInode  = 6
)

const (
	dirMode  = filesystem.ModeDir | 0o755
	charMode = filesystem.ModeCharDev | 0o666
)

// Options configures the device set.
type Options struct {
	// Console receives tty0 output. Defaults to os.Stdout.
	Console io.Writer
	// Clock backs rtc0 and the timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// node is one device or directory.
type node struct {
	name   string
	parent uint64
	mode   uint32
}

func (n node) isDir() bool {
	return n.mode&filesystem.ModeDirBit != 0
}

// FS is the device filesystem.
type FS struct {
	nodes   map[uint64]node
	console io.Writer
	now     func() time.Time
	boot    time.Time

	mounted bool
	mountID int
	host    filesystem.Host
	grafts  map[uint64]map[string]filesystem.Index
}

// New creates the device tree.
func New(opts Options) *FS {
	fs := &FS{
		console: opts.Console,
		now:     opts.Clock,
		grafts:  make(map[uint64]map[string]filesystem.Index),
		nodes: map[uint64]node{
			RootInode: {name: "", parent: RootInode, mode: dirMode},
			NullInode: {name: "null", parent: RootInode, mode: charMode},
			ZeroInode: {name: "zero", parent: RootInode, mode: charMode},
			RTCInode:  {name: "rtc0", parent: RootInode, mode: charMode},
			PtsInode:  {name: "pts", parent: RootInode, mode: dirMode},
			TTYInode:  {name: "tty0", parent: RootInode, mode: charMode},
		},
	}
	if fs.console == nil {
		fs.console = os.Stdout
	}
	if fs.now == nil {
		fs.now = time.Now
	}
	fs.boot = fs.now()
	return fs
}

func (fs *FS) Init() error {
	log.Debugf("[DevFS] %d device nodes", len(fs.nodes))
	return nil
}

func (fs *FS) Sync() error { return nil }

func (fs *FS) SetMountID(id int, host filesystem.Host) {
	fs.mounted = true
	fs.mountID = id
	fs.host = host
}

func (fs *FS) RootIndex() (filesystem.Index, error) {
	if !fs.mounted {
		return filesystem.Index{}, common.ErrFilesystemNotMounted
	}
	return fs.index(RootInode), nil
}

func (fs *FS) index(inode uint64) filesystem.Index {
	return filesystem.NewIndex(fs.mountID, inode)
}

func (fs *FS) owns(idx filesystem.Index) bool {
	return fs.mounted && idx.MountID == fs.mountID
}

func (fs *FS) node(idx filesystem.Index) (node, error) {
	n, ok := fs.nodes[idx.Inode]
	if !ok {
		return node{}, common.ErrFileNotFound
	}
	return n, nil
}

func (fs *FS) foreignHost() (filesystem.Host, error) {
	if fs.host == nil {
		return nil, common.ErrFilesystemNotMounted
	}
	return fs.host, nil
}

func (fs *FS) DirEntries(idx filesystem.Index) ([]filesystem.DirectoryEntry, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return nil, err
		}
		return host.DirEntries(idx)
	}
	dir, err := fs.node(idx)
	if err != nil {
		return nil, err
	}
	if !dir.isDir() {
		return nil, common.ErrINodeIsNotADirectory
	}

	grafts := fs.grafts[idx.Inode]
	entries := []filesystem.DirectoryEntry{
		{Index: idx, Name: ".", Type: filesystem.EntryDirectory},
		{Index: fs.index(dir.parent), Name: "..", Type: filesystem.EntryDirectory},
	}
	inodes := make([]uint64, 0, len(fs.nodes))
	for ino, n := range fs.nodes {
		if ino != RootInode && n.parent == idx.Inode {
			inodes = append(inodes, ino)
		}
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	for _, ino := range inodes {
		n := fs.nodes[ino]
		if _, shadowed := grafts[n.name]; shadowed {
			continue
		}
		entries = append(entries, filesystem.DirectoryEntry{
			Index: fs.index(ino),
			Name:  n.name,
			Type:  filesystem.EntryTypeFromMode(n.mode),
		})
	}

	names := make([]string, 0, len(grafts))
	for name := range grafts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entries = append(entries, filesystem.DirectoryEntry{Index: grafts[name], Name: name, Type: filesystem.EntryDirectory})
	}
	return entries, nil
}

func (fs *FS) Stat(idx filesystem.Index) (filesystem.FileStat, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return filesystem.FileStat{}, err
		}
		return host.Stat(idx)
	}
	n, err := fs.node(idx)
	if err != nil {
		return filesystem.FileStat{}, err
	}
	links := 1
	if n.isDir() {
		links = 2
		if idx.Inode == RootInode {
			links++ // pts/..
		}
	}
	return filesystem.FileStat{
		Index: idx,
		Mode:  n.mode,
		Links: links,
		Atime: fs.boot,
		Mtime: fs.boot,
		Ctime: fs.boot,
	}, nil
}

// PathToInode resolves path relative to the device root.
func (fs *FS) PathToInode(path common.Path) (filesystem.Index, error) {
	cur, err := fs.RootIndex()
	if err != nil {
		return filesystem.Index{}, err
	}
	for name := range path.Components() {
		entry, err := filesystem.Lookup(fs, cur, name)
		if errors.Is(err, common.ErrFileNotFound) {
			return filesystem.Index{}, common.NewNotFoundError(path)
		}
		if err != nil {
			return filesystem.Index{}, err
		}
		cur = entry.Index
	}
	return cur, nil
}

// InodeToPath returns the device path relative to the device root.
func (fs *FS) InodeToPath(idx filesystem.Index) (common.Path, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return "", err
		}
		return host.InodeToPath(idx)
	}
	n, err := fs.node(idx)
	if err != nil {
		return "", &common.UnindexedError{Index: idx}
	}
	if idx.Inode == RootInode {
		return common.Separator, nil
	}
	parent, err := fs.InodeToPath(fs.index(n.parent))
	if err != nil {
		return "", err
	}
	return parent.Join(n.name), nil
}

func (fs *FS) CreateFile(filesystem.Index, string) (filesystem.Index, error) {
	return filesystem.Index{}, common.ErrReadOnly
}

func (fs *FS) CreateDirectory(filesystem.Index, string) (filesystem.Index, error) {
	return filesystem.Index{}, common.ErrReadOnly
}

func (fs *FS) RemoveInode(filesystem.Index) error {
	return common.ErrReadOnly
}

func (fs *FS) RemoveDirEntry(dir filesystem.Index, name string) error {
	if _, ok := fs.grafts[dir.Inode][name]; ok && fs.owns(dir) {
		return common.ErrNotSupported
	}
	return common.ErrReadOnly
}

func (fs *FS) IncrementLinks(filesystem.Index) (int, error) {
	return 0, common.ErrReadOnly
}

func (fs *FS) DecrementLinks(filesystem.Index) (int, error) {
	return 0, common.ErrReadOnly
}

// ReadInode returns no content for any device.
func (fs *FS) ReadInode(idx filesystem.Index) ([]byte, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return nil, err
		}
		return host.ReadInode(idx)
	}
	n, err := fs.node(idx)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, common.ErrINodeIsDirectory
	}
	return []byte{}, nil
}

// WriteInode discards data for null and zero and prints it on tty0.
func (fs *FS) WriteInode(idx filesystem.Index, data []byte) error {
	if !fs.owns(idx) {
		return common.ErrNotSupported
	}
	n, err := fs.node(idx)
	if err != nil {
		return err
	}
	switch {
	case n.isDir():
		return common.ErrINodeIsDirectory
	case idx.Inode == TTYInode:
		_, err := fs.console.Write(data)
		return err
	case idx.Inode == RTCInode:
		return common.ErrNotSupported
	}
	return nil
}

// MountAt grafts another mount's root under a device directory.
func (fs *FS) MountAt(dir filesystem.Index, root filesystem.Index, name string) error {
	if !fs.owns(dir) {
		return common.ErrNotSupported
	}
	n, err := fs.node(dir)
	if err != nil {
		return err
	}
	if !n.isDir() {
		return common.ErrINodeIsNotADirectory
	}
	if name == "" || filesystem.IsDot(name) {
		return common.ErrInvalidName
	}
	if fs.grafts[dir.Inode] == nil {
		fs.grafts[dir.Inode] = make(map[string]filesystem.Index)
	}
	fs.grafts[dir.Inode][name] = root
	log.Debugf("[DevFS] grafted %s at %q", root, name)
	return nil
}

func (fs *FS) OpenFD(idx filesystem.Index, _ filesystem.OpenMode) (filesystem.FileDescriptor, error) {
	if !fs.owns(idx) {
		return nil, common.ErrNotSupported
	}
	n, err := fs.node(idx)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, common.ErrINodeIsDirectory
	}
	if idx.Inode == TTYInode {
		return &ttyDescriptor{idx: idx, console: fs.console}, nil
	}
	return &filesystem.NullDescriptor{Inode: idx}, nil
}

func (fs *FS) ExecIoctl(idx filesystem.Index, cmd filesystem.IoctlCommand) (uint64, error) {
	if !fs.owns(idx) {
		return 0, common.ErrNotSupported
	}
	if _, err := fs.node(idx); err != nil {
		return 0, err
	}
	log.Debugf("[DevFS] ioctl %#x on inode %d", uint32(cmd.Op), idx.Inode)

	switch {
	case idx.Inode == RTCInode && cmd.Op == filesystem.RTCGetTimestamp:
		return uint64(fs.now().Unix()), nil
	case idx.Inode == RTCInode && cmd.Op == filesystem.RTCGetTime:
		out, ok := cmd.Response.(*filesystem.RTCTime)
		if !ok {
			return 0, filesystem.ErrIoctlResponse
		}
		*out = filesystem.NewRTCTime(fs.now())
		return 0, nil
	case idx.Inode == TTYInode && cmd.Op == filesystem.TTYGetSettings:
		out, ok := cmd.Response.(*filesystem.TTYSettings)
		if !ok {
			return 0, filesystem.ErrIoctlResponse
		}
		*out = filesystem.DefaultTTYSettings()
		return 0, nil
	}
	return 0, common.ErrNotSupported
}

// ttyDescriptor writes straight to the console; reads see end of file.
type ttyDescriptor struct {
	idx     filesystem.Index
	console io.Writer
}

func (d *ttyDescriptor) Index() filesystem.Index { return d.idx }

func (d *ttyDescriptor) Read([]byte) (int, error) { return 0, io.EOF }

func (d *ttyDescriptor) Write(p []byte) (int, error) { return d.console.Write(p) }

func (d *ttyDescriptor) Seek(int64, int) (int64, error) { return 0, nil }

func (d *ttyDescriptor) Release(filesystem.Filesystem) error { return nil }

var (
	_ filesystem.Filesystem     = (*FS)(nil)
	_ filesystem.FileDescriptor = (*ttyDescriptor)(nil)
)
