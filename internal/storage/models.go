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

package storage

import (
	"time"

	"github.com/uptrace/bun"

	"kernelfs/internal/filesystem"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the inodes table.
// Note: Times are stored as Unix timestamps in the database.
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino    int64 `bun:"ino,pk"`
	Parent int64 `bun:"parent,notnull"` // containing directory, ".." for directories
	Mode   int64 `bun:"mode,notnull"`
	UID    int64 `bun:"uid,notnull"`
	GID    int64 `bun:"gid,notnull"`
	Size   int64 `bun:"size,notnull"`
	Atime  int64 `bun:"atime,notnull"` // Unix timestamp
	Mtime  int64 `bun:"mtime,notnull"` // Unix timestamp
	Ctime  int64 `bun:"ctime,notnull"` // Unix timestamp
	Nlink  int64 `bun:"nlink,notnull"`
}

// IsDir reports whether the row is a directory.
func (m *InodeModel) IsDir() bool {
	return uint32(m.Mode)&filesystem.ModeMask == filesystem.ModeDir
}

// ToStat converts the row to the backend-independent stat record.
func (m *InodeModel) ToStat(idx filesystem.Index) filesystem.FileStat {
	return filesystem.FileStat{
		Index: idx,
		Mode:  uint32(m.Mode),
		Links: int(m.Nlink),
		UID:   uint32(m.UID),
		GID:   uint32(m.GID),
		Size:  m.Size,
		Atime: time.Unix(m.Atime, 0),
		Mtime: time.Unix(m.Mtime, 0),
		Ctime: time.Unix(m.Ctime, 0),
	}
}

// newInodeModel builds a fresh inode row with all timestamps set to now.
func newInodeModel(ino, parent int64, mode uint32, nlink int64, now time.Time) *InodeModel {
	ts := now.Unix()
	return &InodeModel{
		Ino:    ino,
		Parent: parent,
		Mode:   int64(mode),
		Atime:  ts,
		Mtime:  ts,
		Ctime:  ts,
		Nlink:  nlink,
	}
}

// DentryModel represents the dentries table
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// ContentModel represents the content table (file chunks)
type ContentModel struct {
	bun.BaseModel `bun:"table:content"`

	Ino      int64  `bun:"ino,pk"`
	ChunkIdx int64  `bun:"chunk_idx,pk"`
	Data     []byte `bun:"data,notnull"`
}
