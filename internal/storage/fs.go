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

// Package storage is a mountable filesystem kept in a SQLite data file:
// inodes, directory entries and chunked content, one row each.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// NameMax is the longest entry name accepted.
const NameMax = 255

// Options configures a storage backend.
type Options struct {
	// Clock stamps inode times. Defaults to time.Now.
	Clock func() time.Time
}

// FS is a filesystem backed by a data file.
type FS struct {
	path string
	df   *DataFile
	now  func() time.Time
	ctx  context.Context

	mounted bool
	mountID int
	host    filesystem.Host
	grafts  map[int64]map[string]filesystem.Index
}

// New returns a backend for the data file at path. The file is opened, or
// created, by Init.
func New(path string, opts Options) *FS {
	fs := &FS{
		path:   path,
		now:    opts.Clock,
		ctx:    context.Background(),
		grafts: make(map[int64]map[string]filesystem.Index),
	}
	if fs.now == nil {
		fs.now = time.Now
	}
	return fs
}

func (fs *FS) Init() error {
	if fs.df != nil {
		return nil
	}
	df, err := OpenOrCreate(fs.path)
	if err != nil {
		return err
	}
	fs.df = df
	log.Infof("[Storage] data file %s ready", fs.path)
	return nil
}

// Close checkpoints and closes the data file.
func (fs *FS) Close() error {
	if fs.df == nil {
		return nil
	}
	err := fs.df.Close()
	fs.df = nil
	return err
}

func (fs *FS) Sync() error {
	if fs.df == nil {
		return common.ErrFilesystemUninitialized
	}
	return fs.df.Checkpoint()
}

func (fs *FS) SetMountID(id int, host filesystem.Host) {
	fs.mounted = true
	fs.mountID = id
	fs.host = host
}

func (fs *FS) RootIndex() (filesystem.Index, error) {
	if !fs.mounted {
		return filesystem.Index{}, common.ErrFilesystemNotMounted
	}
	return fs.index(RootIno), nil
}

func (fs *FS) index(ino int64) filesystem.Index {
	return filesystem.NewIndex(fs.mountID, uint64(ino))
}

func (fs *FS) owns(idx filesystem.Index) bool {
	return fs.mounted && idx.MountID == fs.mountID
}

func (fs *FS) foreignHost() (filesystem.Host, error) {
	if fs.host == nil {
		return nil, common.ErrFilesystemNotMounted
	}
	return fs.host, nil
}

func (fs *FS) db() (*BunDB, error) {
	if fs.df == nil {
		return nil, common.ErrFilesystemUninitialized
	}
	return fs.df.BunDB(), nil
}

func (fs *FS) inode(idx filesystem.Index) (*InodeModel, error) {
	db, err := fs.db()
	if err != nil {
		return nil, err
	}
	return db.GetInode(fs.ctx, int64(idx.Inode))
}

func validName(name string) error {
	if name == "" || filesystem.IsDot(name) || strings.ContainsAny(name, "/\x00") {
		return common.ErrInvalidName
	}
	if len(name) > NameMax {
		return common.ErrNameTooLong
	}
	return nil
}

func (fs *FS) DirEntries(idx filesystem.Index) ([]filesystem.DirectoryEntry, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return nil, err
		}
		return host.DirEntries(idx)
	}
	dir, err := fs.inode(idx)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, common.ErrINodeIsNotADirectory
	}
	rows, err := fs.df.BunDB().ListDentries(fs.ctx, dir.Ino)
	if err != nil {
		return nil, err
	}

	grafts := fs.grafts[dir.Ino]
	entries := make([]filesystem.DirectoryEntry, 0, len(rows)+len(grafts)+2)
	entries = append(entries,
		filesystem.DirectoryEntry{Index: idx, Name: ".", Type: filesystem.EntryDirectory},
		filesystem.DirectoryEntry{Index: fs.index(dir.Parent), Name: "..", Type: filesystem.EntryDirectory},
	)
	for _, row := range rows {
		if _, shadowed := grafts[row.Name]; shadowed {
			continue
		}
		entries = append(entries, filesystem.DirectoryEntry{
			Index: fs.index(row.Ino),
			Name:  row.Name,
			Type:  filesystem.EntryTypeFromMode(uint32(row.Mode)),
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
	ino, err := fs.inode(idx)
	if err != nil {
		return filesystem.FileStat{}, err
	}
	return ino.ToStat(idx), nil
}

// PathToInode resolves path relative to the data file's root.
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

// InodeToPath walks entries up to the root.
func (fs *FS) InodeToPath(idx filesystem.Index) (common.Path, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return "", err
		}
		return host.InodeToPath(idx)
	}
	db, err := fs.db()
	if err != nil {
		return "", err
	}

	var names []string
	seen := make(map[int64]bool)
	for ino := int64(idx.Inode); ino != RootIno; {
		if seen[ino] {
			return "", &common.UnindexedError{Index: idx}
		}
		seen[ino] = true
		d, err := db.ParentDentryWith(db.DB, fs.ctx, ino)
		if errors.Is(err, common.ErrFileNotFound) {
			return "", &common.UnindexedError{Index: idx}
		}
		if err != nil {
			return "", err
		}
		names = append(names, d.Name)
		ino = d.ParentIno
	}

	path := common.Path(common.Separator)
	for i := len(names) - 1; i >= 0; i-- {
		path = path.Join(names[i])
	}
	return path, nil
}

func (fs *FS) CreateFile(dir filesystem.Index, name string) (filesystem.Index, error) {
	return fs.create(dir, name, false)
}

func (fs *FS) CreateDirectory(dir filesystem.Index, name string) (filesystem.Index, error) {
	return fs.create(dir, name, true)
}

func (fs *FS) create(dir filesystem.Index, name string, isDir bool) (filesystem.Index, error) {
	if !fs.owns(dir) {
		return filesystem.Index{}, common.ErrNotSupported
	}
	if err := validName(name); err != nil {
		return filesystem.Index{}, err
	}
	if _, ok := fs.grafts[int64(dir.Inode)][name]; ok {
		return filesystem.Index{}, common.ErrExists
	}
	db, err := fs.db()
	if err != nil {
		return filesystem.Index{}, err
	}

	now := fs.now()
	var ino int64
	err = db.InTx(fs.ctx, func(ctx context.Context, tx bun.Tx) error {
		parent, err := db.GetInodeWith(tx, ctx, int64(dir.Inode))
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return common.ErrINodeIsNotADirectory
		}
		if ino, err = db.NextInoWith(tx, ctx); err != nil {
			return err
		}

		child := newInodeModel(ino, parent.Ino, DefaultFileMode, 1, now)
		if isDir {
			child = newInodeModel(ino, parent.Ino, DefaultDirMode, 2, now)
			parent.Nlink++
		}
		if err := db.InsertInodeWith(tx, ctx, child); err != nil {
			return err
		}
		if err := db.InsertDentryWith(tx, ctx, &DentryModel{ParentIno: parent.Ino, Name: name, Ino: ino}); err != nil {
			return err
		}
		parent.Mtime = now.Unix()
		parent.Ctime = now.Unix()
		return db.UpdateInodeWith(tx, ctx, parent)
	})
	if err != nil {
		return filesystem.Index{}, err
	}
	log.Debugf("[Storage] created %q as inode %d in %d", name, ino, dir.Inode)
	return fs.index(ino), nil
}

// RemoveInode deletes the inode, its content and entries in one transaction.
func (fs *FS) RemoveInode(idx filesystem.Index) error {
	if !fs.owns(idx) {
		return common.ErrNotSupported
	}
	if idx.Inode == RootIno {
		return common.ErrNotSupported
	}
	db, err := fs.db()
	if err != nil {
		return err
	}

	now := fs.now()
	err = db.InTx(fs.ctx, func(ctx context.Context, tx bun.Tx) error {
		ino, err := db.GetInodeWith(tx, ctx, int64(idx.Inode))
		if err != nil {
			return err
		}
		if ino.IsDir() {
			parent, err := db.GetInodeWith(tx, ctx, ino.Parent)
			if err == nil {
				parent.Nlink = max(parent.Nlink-1, 0)
				parent.Ctime = now.Unix()
				if err := db.UpdateInodeWith(tx, ctx, parent); err != nil {
					return err
				}
			} else if !errors.Is(err, common.ErrFileNotFound) {
				return err
			}
		}
		if err := db.DeleteDentriesForWith(tx, ctx, ino.Ino); err != nil {
			return err
		}
		return db.DeleteInodeWith(tx, ctx, ino.Ino)
	})
	if err != nil {
		return err
	}
	delete(fs.grafts, int64(idx.Inode))
	log.Debugf("[Storage] removed inode %d", idx.Inode)
	return nil
}

func (fs *FS) RemoveDirEntry(dir filesystem.Index, name string) error {
	if !fs.owns(dir) {
		return common.ErrNotSupported
	}
	if _, ok := fs.grafts[int64(dir.Inode)][name]; ok {
		return common.ErrNotSupported
	}
	db, err := fs.db()
	if err != nil {
		return err
	}
	now := fs.now()
	err = db.InTx(fs.ctx, func(ctx context.Context, tx bun.Tx) error {
		parent, err := db.GetInodeWith(tx, ctx, int64(dir.Inode))
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return common.ErrINodeIsNotADirectory
		}
		if err := db.DeleteDentryWith(tx, ctx, parent.Ino, name); err != nil {
			return err
		}
		parent.Mtime = now.Unix()
		parent.Ctime = now.Unix()
		return db.UpdateInodeWith(tx, ctx, parent)
	})
	if errors.Is(err, common.ErrFileNotFound) {
		return common.NewNotFoundError(common.Path(name))
	}
	return err
}

func (fs *FS) IncrementLinks(idx filesystem.Index) (int, error) {
	return fs.adjustLinks(idx, 1)
}

func (fs *FS) DecrementLinks(idx filesystem.Index) (int, error) {
	return fs.adjustLinks(idx, -1)
}

func (fs *FS) adjustLinks(idx filesystem.Index, delta int64) (int, error) {
	if !fs.owns(idx) {
		return 0, common.ErrNotSupported
	}
	db, err := fs.db()
	if err != nil {
		return 0, err
	}
	var links int64
	err = db.InTx(fs.ctx, func(ctx context.Context, tx bun.Tx) error {
		ino, err := db.GetInodeWith(tx, ctx, int64(idx.Inode))
		if err != nil {
			return err
		}
		ino.Nlink = max(ino.Nlink+delta, 0)
		ino.Ctime = fs.now().Unix()
		links = ino.Nlink
		return db.UpdateInodeWith(tx, ctx, ino)
	})
	return int(links), err
}

func (fs *FS) ReadInode(idx filesystem.Index) ([]byte, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return nil, err
		}
		return host.ReadInode(idx)
	}
	ino, err := fs.inode(idx)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, common.ErrINodeIsDirectory
	}
	return fs.df.BunDB().ReadContent(fs.ctx, ino.Ino, ino.Size)
}

// WriteInode replaces the whole content of a file.
func (fs *FS) WriteInode(idx filesystem.Index, data []byte) error {
	if !fs.owns(idx) {
		return common.ErrNotSupported
	}
	db, err := fs.db()
	if err != nil {
		return err
	}
	return db.InTx(fs.ctx, func(ctx context.Context, tx bun.Tx) error {
		ino, err := db.GetInodeWith(tx, ctx, int64(idx.Inode))
		if err != nil {
			return err
		}
		if ino.IsDir() {
			return common.ErrINodeIsDirectory
		}
		if err := db.ReplaceContentWith(tx, ctx, ino.Ino, data); err != nil {
			return err
		}
		now := fs.now().Unix()
		ino.Size = int64(len(data))
		ino.Mtime = now
		ino.Ctime = now
		return db.UpdateInodeWith(tx, ctx, ino)
	})
}

// MountAt grafts another mount's root under name. Grafts live in memory only.
func (fs *FS) MountAt(dir filesystem.Index, root filesystem.Index, name string) error {
	if !fs.owns(dir) {
		return common.ErrNotSupported
	}
	ino, err := fs.inode(dir)
	if err != nil {
		return err
	}
	if !ino.IsDir() {
		return common.ErrINodeIsNotADirectory
	}
	if err := validName(name); err != nil {
		return err
	}
	if fs.grafts[ino.Ino] == nil {
		fs.grafts[ino.Ino] = make(map[string]filesystem.Index)
	}
	fs.grafts[ino.Ino][name] = root
	log.Debugf("[Storage] grafted %s at %q in inode %d", root, name, ino.Ino)
	return nil
}

func (fs *FS) OpenFD(idx filesystem.Index, mode filesystem.OpenMode) (filesystem.FileDescriptor, error) {
	if !fs.owns(idx) {
		return nil, common.ErrNotSupported
	}
	ino, err := fs.inode(idx)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, common.ErrINodeIsDirectory
	}
	fd, err := filesystem.NewInodeDescriptor(fs, idx, mode)
	if err != nil {
		return nil, err
	}
	return fd, nil
}

func (fs *FS) ExecIoctl(filesystem.Index, filesystem.IoctlCommand) (uint64, error) {
	return 0, common.ErrNotSupported
}

var _ filesystem.Filesystem = (*FS)(nil)
