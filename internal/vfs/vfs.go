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

// Package vfs composes mounted filesystem backends into one namespace.
//
// A single mutex guards the mount table, the path cache and every backend
// call. Backends reach other mounts through the Host they receive at mount
// time, which shares the already held lock.
package vfs

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/cache"
	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// VFS is the composed filesystem namespace.
type VFS struct {
	mu sync.Mutex
	ns *namespace
}

// New creates an empty VFS that is not registered as the process-wide
// instance. Most callers want Init and Get.
func New() *VFS {
	return &VFS{ns: newNamespace()}
}

// Mount attaches fs at path. The first mount must be at "/"; every later
// mount is grafted into the directory that holds path's last component.
func (v *VFS) Mount(path common.Path, fs filesystem.Filesystem, opts MountOptions) (MountInfo, error) {
	if fs == filesystem.Filesystem(v) {
		panic("vfs: cannot mount a VFS into itself")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.mount(path, fs, opts)
}

// Mounts lists the mount table in mount id order.
func (v *VFS) Mounts() []MountInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	infos := make([]MountInfo, 0, len(v.ns.mounts))
	for _, m := range v.ns.mounts {
		if m != nil {
			infos = append(infos, m.info)
		}
	}
	return infos
}

// Index rebuilds the path cache from the root.
func (v *VFS) Index() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.index()
}

// InvalidateIndex evicts every cached path starting with prefix. The match
// is on raw strings, so "/a" also evicts "/ab".
func (v *VFS) InvalidateIndex(prefix common.Path) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.paths.InvalidatePrefix(prefix)
}

// CacheStats reports the sizes of both path cache directions.
func (v *VFS) CacheStats() cache.PathIndexStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.paths.Stats()
}

// --- Filesystem contract ---

func (v *VFS) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.Init()
}

func (v *VFS) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.Sync()
}

// Close syncs every mount and closes the backends that own a device or a
// data file. The VFS must not be used afterwards.
func (v *VFS) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return errors.Join(v.ns.Sync(), v.ns.close())
}

// SetMountID panics: a VFS is never mounted into another namespace.
func (v *VFS) SetMountID(int, filesystem.Host) {
	panic("vfs: a VFS cannot be mounted")
}

func (v *VFS) RootIndex() (filesystem.Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.RootIndex()
}

func (v *VFS) PathToInode(path common.Path) (filesystem.Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.PathToInode(path)
}

func (v *VFS) InodeToPath(idx filesystem.Index) (common.Path, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.InodeToPath(idx)
}

func (v *VFS) DirEntries(idx filesystem.Index) ([]filesystem.DirectoryEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.DirEntries(idx)
}

func (v *VFS) Stat(idx filesystem.Index) (filesystem.FileStat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.Stat(idx)
}

func (v *VFS) CreateFile(dir filesystem.Index, name string) (filesystem.Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.CreateFile(dir, name)
}

func (v *VFS) CreateDirectory(dir filesystem.Index, name string) (filesystem.Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.CreateDirectory(dir, name)
}

func (v *VFS) RemoveInode(idx filesystem.Index) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.RemoveInode(idx)
}

func (v *VFS) RemoveDirEntry(dir filesystem.Index, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.RemoveDirEntry(dir, name)
}

func (v *VFS) IncrementLinks(idx filesystem.Index) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.IncrementLinks(idx)
}

func (v *VFS) DecrementLinks(idx filesystem.Index) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.DecrementLinks(idx)
}

func (v *VFS) ReadInode(idx filesystem.Index) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.ReadInode(idx)
}

func (v *VFS) WriteInode(idx filesystem.Index, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.WriteInode(idx, data)
}

func (v *VFS) MountAt(dir filesystem.Index, root filesystem.Index, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.MountAt(dir, root, name)
}

func (v *VFS) OpenFD(idx filesystem.Index, mode filesystem.OpenMode) (filesystem.FileDescriptor, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.OpenFD(idx, mode)
}

func (v *VFS) ExecIoctl(idx filesystem.Index, cmd filesystem.IoctlCommand) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.ExecIoctl(idx, cmd)
}

// Release flushes and closes a descriptor obtained from this VFS.
func (v *VFS) Release(fd filesystem.FileDescriptor) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := fd.Release(v.ns); err != nil {
		log.Warnf("[VFS] flushing descriptor for %s failed: %v", fd.Index(), err)
		return err
	}
	return nil
}

var _ filesystem.Filesystem = (*VFS)(nil)
