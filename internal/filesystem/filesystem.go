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

// Package filesystem defines the contract every mounted backend satisfies
// and the backend-independent algorithms built on top of it.
package filesystem

import "kernelfs/internal/common"

// Filesystem is implemented by every backend that can be mounted into the
// VFS. Indices passed in may belong to other mounts; a backend is free to
// delegate those to the Host it was given at mount time.
type Filesystem interface {
	// Init prepares the backend (reads the superblock, opens the database).
	Init() error
	// Sync flushes pending state to the underlying storage.
	Sync() error
	// SetMountID is called once when the backend is mounted.
	SetMountID(id int, host Host)

	RootIndex() (Index, error)
	PathToInode(path common.Path) (Index, error)
	InodeToPath(idx Index) (common.Path, error)
	DirEntries(idx Index) ([]DirectoryEntry, error)
	Stat(idx Index) (FileStat, error)

	CreateFile(dir Index, name string) (Index, error)
	CreateDirectory(dir Index, name string) (Index, error)
	RemoveInode(idx Index) error
	RemoveDirEntry(dir Index, name string) error

	// IncrementLinks and DecrementLinks return the updated link count.
	IncrementLinks(idx Index) (int, error)
	DecrementLinks(idx Index) (int, error)

	ReadInode(idx Index) ([]byte, error)
	WriteInode(idx Index, data []byte) error

	// MountAt grafts root (owned by another mount) into dir under name.
	MountAt(dir Index, root Index, name string) error

	OpenFD(idx Index, mode OpenMode) (FileDescriptor, error)
	ExecIoctl(idx Index, cmd IoctlCommand) (uint64, error)
}

// Host is the view of the composed namespace handed to a backend at mount
// time. Calls are made while the VFS lock is already held, so a Host must
// never be retained and used outside a backend call.
type Host interface {
	DirEntries(idx Index) ([]DirectoryEntry, error)
	Stat(idx Index) (FileStat, error)
	ReadInode(idx Index) ([]byte, error)
	PathToInode(path common.Path) (Index, error)
	InodeToPath(idx Index) (common.Path, error)
}

// Lookup returns the entry named name inside dir.
func Lookup(fs interface {
	DirEntries(Index) ([]DirectoryEntry, error)
}, dir Index, name string) (DirectoryEntry, error) {
	entries, err := fs.DirEntries(dir)
	if err != nil {
		return DirectoryEntry{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return DirectoryEntry{}, common.ErrFileNotFound
}
