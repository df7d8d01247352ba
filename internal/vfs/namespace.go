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

package vfs

import (
	"errors"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kernelfs/internal/cache"
	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
	"kernelfs/internal/metrics"
)

// mount is one slot of the mount table.
type mount struct {
	fs   filesystem.Filesystem
	info MountInfo
}

// namespace is the composed view of every mount. None of its methods lock:
// callers hold VFS.mu. It is also the Host handed to backends, which is
// how a backend reaches other mounts during a call without re-locking.
type namespace struct {
	mounts    []*mount
	rootMount int
	paths     *cache.PathIndex
}

func newNamespace() *namespace {
	return &namespace{
		rootMount: -1,
		paths:     cache.NewPathIndex(),
	}
}

// backend returns the filesystem owning mount id.
func (ns *namespace) backend(id int) (filesystem.Filesystem, error) {
	if id < 0 || id >= len(ns.mounts) || ns.mounts[id] == nil {
		return nil, common.NewMountError(id)
	}
	return ns.mounts[id].fs, nil
}

func absolute(path common.Path) common.Path {
	if path.IsAbs() {
		return path
	}
	return path.Canonicalized(common.Separator)
}

func (ns *namespace) mount(path common.Path, fs filesystem.Filesystem, opts MountOptions) (MountInfo, error) {
	path = absolute(path)
	isRoot := path == common.Separator
	if !isRoot && ns.rootMount < 0 {
		return MountInfo{}, common.ErrMissingRootMount
	}
	if isRoot && ns.rootMount >= 0 {
		return MountInfo{}, common.ErrExists
	}
	if fs == filesystem.Filesystem(ns) {
		panic("vfs: cannot mount a namespace into itself")
	}

	if opts.Init {
		if err := fs.Init(); err != nil {
			return MountInfo{}, err
		}
	}

	id := len(ns.mounts)
	fs.SetMountID(id, ns)
	root, err := fs.RootIndex()
	if err != nil {
		return MountInfo{}, err
	}

	if !isRoot {
		parentPath, leaf := path.SplitLast()
		parent, err := ns.PathToInode(parentPath)
		if err != nil {
			return MountInfo{}, err
		}
		parentFS, err := ns.backend(parent.MountID)
		if err != nil {
			return MountInfo{}, err
		}
		if err := parentFS.MountAt(parent, root, leaf); err != nil {
			return MountInfo{}, err
		}
		ns.paths.InvalidatePrefix(path)
	}

	info := MountInfo{
		ID:   id,
		Path: path,
		Kind: opts.Kind,
		UUID: uuid.New(),
		Root: root,
	}
	ns.mounts = append(ns.mounts, &mount{fs: fs, info: info})
	if isRoot {
		ns.rootMount = id
	}
	metrics.Mounts.Set(float64(len(ns.mounts)))

	log.Infof("[VFS] mounted %s filesystem at %s (mount %d, root %s)", opts.Kind, path, id, root)
	return info, nil
}

// Init initializes every mounted backend.
func (ns *namespace) Init() error {
	var errs []error
	for _, m := range ns.mounts {
		if m != nil {
			errs = append(errs, m.fs.Init())
		}
	}
	return errors.Join(errs...)
}

func (ns *namespace) Sync() error {
	var errs []error
	for _, m := range ns.mounts {
		if m == nil {
			continue
		}
		if err := m.fs.Sync(); err != nil {
			log.Warnf("[VFS] sync of mount %d (%s) failed: %v", m.info.ID, m.info.Path, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close releases backends that hold resources, newest mount first.
func (ns *namespace) close() error {
	var errs []error
	for i := len(ns.mounts) - 1; i >= 0; i-- {
		m := ns.mounts[i]
		if m == nil {
			continue
		}
		if c, ok := m.fs.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warnf("[VFS] close of mount %d (%s) failed: %v", m.info.ID, m.info.Path, err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (ns *namespace) SetMountID(int, filesystem.Host) {
	panic("vfs: the namespace cannot be mounted")
}

func (ns *namespace) RootIndex() (filesystem.Index, error) {
	if ns.rootMount < 0 {
		return filesystem.Index{}, common.ErrMissingRootMount
	}
	return ns.mounts[ns.rootMount].fs.RootIndex()
}

// PathToInode resolves an absolute path from the root, crossing mounts by
// following whatever index each directory entry carries.
func (ns *namespace) PathToInode(path common.Path) (filesystem.Index, error) {
	path = absolute(path)
	if idx, ok := ns.paths.Lookup(path); ok {
		return idx, nil
	}

	cur, err := ns.RootIndex()
	if err != nil {
		return filesystem.Index{}, err
	}
	for name := range path.Components() {
		entry, err := filesystem.Lookup(ns, cur, name)
		if errors.Is(err, common.ErrFileNotFound) {
			log.Debugf("[VFS] path %s: no entry %q in %s", path, name, cur)
			return filesystem.Index{}, common.NewNotFoundError(path)
		}
		if err != nil {
			return filesystem.Index{}, err
		}
		cur = entry.Index
	}

	ns.paths.Set(path, cur)
	return cur, nil
}

// InodeToPath answers from the reverse cache, rebuilding it once on a miss.
func (ns *namespace) InodeToPath(idx filesystem.Index) (common.Path, error) {
	if path, ok := ns.paths.ReverseLookup(idx); ok {
		return path, nil
	}
	if err := ns.index(); err != nil {
		return "", err
	}
	if path, ok := ns.paths.ReverseLookup(idx); ok {
		return path, nil
	}
	return "", &common.UnindexedError{Index: idx}
}

// index walks the whole namespace from the root and records every path.
func (ns *namespace) index() error {
	root, err := ns.RootIndex()
	if err != nil {
		return err
	}
	metrics.IndexRebuilds.Inc()
	visited := make(map[filesystem.Index]bool)
	if err := ns.indexFrom(common.Separator, root, visited); err != nil {
		return err
	}
	log.Debugf("[VFS] indexed %d objects", len(visited))
	return nil
}

// indexFrom records path for idx and descends into directories. visited
// stops the walk at objects already reached, which covers "." and "..".
func (ns *namespace) indexFrom(path common.Path, idx filesystem.Index, visited map[filesystem.Index]bool) error {
	if visited[idx] {
		return nil
	}
	visited[idx] = true

	ns.paths.Set(path, idx)
	ns.paths.SetReverse(idx, path)

	stat, err := ns.Stat(idx)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return nil
	}
	if path != common.Separator {
		ns.paths.Set(path+common.Separator, idx)
	}

	entries, err := ns.DirEntries(idx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if filesystem.IsDot(e.Name) {
			continue
		}
		if err := ns.indexFrom(path.Join(e.Name), e.Index, visited); err != nil {
			return err
		}
	}
	return nil
}

// invalidateDir evicts the cached subtree of directory dir after its
// entries changed and returns the directory's path.
func (ns *namespace) invalidateDir(dir filesystem.Index) (common.Path, bool) {
	path, err := ns.InodeToPath(dir)
	if err != nil {
		log.Warnf("[VFS] cannot resolve %s for invalidation, dropping the whole cache: %v", dir, err)
		ns.paths.Invalidate()
		return "", false
	}
	n := ns.paths.InvalidatePrefix(path)
	log.Debugf("[VFS] invalidated %d cached paths under %s", n, path)
	return path, true
}

// created invalidates dir and records the reverse path of its new child.
func (ns *namespace) created(dir, child filesystem.Index, name string) {
	if path, ok := ns.invalidateDir(dir); ok {
		ns.paths.SetReverse(child, path.Join(name))
	}
}

func (ns *namespace) DirEntries(idx filesystem.Index) ([]filesystem.DirectoryEntry, error) {
	log.Tracef("[VFS] get_dir_entries %s", idx)
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return nil, err
	}
	return fs.DirEntries(idx)
}

func (ns *namespace) Stat(idx filesystem.Index) (filesystem.FileStat, error) {
	log.Tracef("[VFS] get_stat %s", idx)
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return filesystem.FileStat{}, err
	}
	return fs.Stat(idx)
}

func (ns *namespace) CreateFile(dir filesystem.Index, name string) (filesystem.Index, error) {
	log.Debugf("[VFS] create_file %s/%q", dir, name)
	fs, err := ns.backend(dir.MountID)
	if err != nil {
		return filesystem.Index{}, err
	}
	idx, err := fs.CreateFile(dir, name)
	if err != nil {
		return filesystem.Index{}, err
	}
	ns.created(dir, idx, name)
	return idx, nil
}

func (ns *namespace) CreateDirectory(dir filesystem.Index, name string) (filesystem.Index, error) {
	log.Debugf("[VFS] create_directory %s/%q", dir, name)
	fs, err := ns.backend(dir.MountID)
	if err != nil {
		return filesystem.Index{}, err
	}
	idx, err := fs.CreateDirectory(dir, name)
	if err != nil {
		return filesystem.Index{}, err
	}
	ns.created(dir, idx, name)
	return idx, nil
}

func (ns *namespace) RemoveInode(idx filesystem.Index) error {
	log.Debugf("[VFS] remove_inode %s", idx)
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return err
	}
	return fs.RemoveInode(idx)
}

func (ns *namespace) RemoveDirEntry(dir filesystem.Index, name string) error {
	log.Debugf("[VFS] remove_dir_entry %s/%q", dir, name)
	fs, err := ns.backend(dir.MountID)
	if err != nil {
		return err
	}
	if err := fs.RemoveDirEntry(dir, name); err != nil {
		return err
	}
	ns.invalidateDir(dir)
	return nil
}

func (ns *namespace) IncrementLinks(idx filesystem.Index) (int, error) {
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return 0, err
	}
	return fs.IncrementLinks(idx)
}

func (ns *namespace) DecrementLinks(idx filesystem.Index) (int, error) {
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return 0, err
	}
	return fs.DecrementLinks(idx)
}

func (ns *namespace) ReadInode(idx filesystem.Index) ([]byte, error) {
	log.Tracef("[VFS] read_inode %s", idx)
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return nil, err
	}
	return fs.ReadInode(idx)
}

func (ns *namespace) WriteInode(idx filesystem.Index, data []byte) error {
	log.Debugf("[VFS] write_inode %s (%d bytes)", idx, len(data))
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return err
	}
	return fs.WriteInode(idx, data)
}

func (ns *namespace) MountAt(dir filesystem.Index, root filesystem.Index, name string) error {
	fs, err := ns.backend(dir.MountID)
	if err != nil {
		return err
	}
	if err := fs.MountAt(dir, root, name); err != nil {
		return err
	}
	ns.invalidateDir(dir)
	return nil
}

func (ns *namespace) OpenFD(idx filesystem.Index, mode filesystem.OpenMode) (filesystem.FileDescriptor, error) {
	log.Debugf("[VFS] open_fd %s mode=%#x", idx, uint32(mode))
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return nil, err
	}
	return fs.OpenFD(idx, mode)
}

func (ns *namespace) ExecIoctl(idx filesystem.Index, cmd filesystem.IoctlCommand) (uint64, error) {
	log.Debugf("[VFS] ioctl %s op=%#x", idx, uint32(cmd.Op))
	fs, err := ns.backend(idx.MountID)
	if err != nil {
		return 0, err
	}
	return fs.ExecIoctl(idx, cmd)
}

var (
	_ filesystem.Filesystem = (*namespace)(nil)
	_ filesystem.Host       = (*namespace)(nil)
)
