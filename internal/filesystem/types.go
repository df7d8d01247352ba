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

package filesystem

import (
	"cmp"
	"fmt"
	"time"
)

// File mode constants (POSIX)
const (
	ModeDir     = 0040000 // Directory
	ModeFile    = 0100000 // Regular file
	ModeCharDev = 0020000 // Character device
	ModeMask    = 0170000 // Type mask

	// ModeDirBit is the single bit every backend sets for directories.
	ModeDirBit = 0x4000
)

// Index identifies an object in the composed namespace: the mount that
// owns it and the inode number inside that mount.
type Index struct {
	MountID int
	Inode   uint64
}

// NewIndex builds an Index.
func NewIndex(mountID int, inode uint64) Index {
	return Index{MountID: mountID, Inode: inode}
}

// Compare orders indices by mount id, then inode.
func (i Index) Compare(o Index) int {
	if c := cmp.Compare(i.MountID, o.MountID); c != 0 {
		return c
	}
	return cmp.Compare(i.Inode, o.Inode)
}

// Less reports whether i sorts before o.
func (i Index) Less(o Index) bool {
	return i.Compare(o) < 0
}

func (i Index) String() string {
	return fmt.Sprintf("%d:%d", i.MountID, i.Inode)
}

// EntryType classifies a directory entry.
type EntryType int

const (
	EntryUnknown EntryType = iota
	EntryRegular
	EntryDirectory
	EntryCharDevice
)

func (t EntryType) String() string {
	switch t {
	case EntryRegular:
		return "file"
	case EntryDirectory:
		return "dir"
	case EntryCharDevice:
		return "chardev"
	default:
		return "unknown"
	}
}

// EntryTypeFromMode derives an EntryType from POSIX mode bits.
func EntryTypeFromMode(mode uint32) EntryType {
	switch mode & ModeMask {
	case ModeDir:
		return EntryDirectory
	case ModeFile:
		return EntryRegular
	case ModeCharDev:
		return EntryCharDevice
	default:
		return EntryUnknown
	}
}

// DirectoryEntry is one record of a directory listing.
type DirectoryEntry struct {
	Index Index
	Name  string
	Type  EntryType
}

// FileStat is backend-reported metadata for one object.
type FileStat struct {
	Index Index
	Mode  uint32
	Links int
	UID   uint32
	GID   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether the stat describes a directory.
func (s FileStat) IsDir() bool {
	return s.Mode&ModeDirBit != 0
}

// IsDot reports whether name is one of the self/parent entries.
func IsDot(name string) bool {
	return name == "." || name == ".."
}
