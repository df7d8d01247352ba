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

package server

import (
	"errors"
	"io"
	"os"
	"path"
	"runtime/debug"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfsfile "github.com/willscott/go-nfs/file"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
	"kernelfs/internal/vfs"
)

// BillyAdapter adapts the VFS to the billy filesystem interface
type BillyAdapter struct {
	fs  *vfs.VFS
	uid uint32 // cached os.Getuid()
	gid uint32 // cached os.Getgid()
}

// NewBillyAdapter creates a Billy adapter for the VFS
func NewBillyAdapter(fs *vfs.VFS) *BillyAdapter {
	return &BillyAdapter{
		fs:  fs,
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
}

// osError converts a VFS error into an *os.PathError carrying the errno,
// which is what go-nfs inspects to pick an NFS status.
func osError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: vfs.Errno(err)}
}

// recoverPanic turns a backend panic into EIO for the NFS client.
func recoverPanic(op, name string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[NFS] PANIC RECOVERED in %s %s: %v\nStack:\n%s", op, name, r, debug.Stack())
		if err != nil {
			*err = &os.PathError{Op: op, Path: name, Err: vfs.EIO}
		}
	}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (_ billy.File, err error) {
	defer recoverPanic("open", filename, &err)
	fd, err := b.fs.Open(common.AbsPath(filename), filesystem.ModeFromOSFlags(flag))
	if err != nil {
		return nil, osError("open", filename, err)
	}
	return &BillyFile{
		adapter: b,
		fd:      fd,
		name:    filename,
	}, nil
}

func (b *BillyAdapter) Stat(filename string) (_ os.FileInfo, err error) {
	defer recoverPanic("stat", filename, &err)
	stat, err := b.fs.StatPath(common.AbsPath(filename))
	if err != nil {
		return nil, osError("stat", filename, err)
	}
	return b.fileInfo(path.Base(filename), stat), nil
}

// Lstat and Stat are identical, there are no symlinks.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) fileInfo(name string, stat filesystem.FileStat) *BillyFileInfo {
	return &BillyFileInfo{name: name, stat: stat, uid: b.uid, gid: b.gid}
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return osError("rename", oldpath, common.ErrNotSupported)
}

func (b *BillyAdapter) Remove(filename string) (err error) {
	defer recoverPanic("remove", filename, &err)
	p := common.AbsPath(filename)
	stat, err := b.fs.StatPath(p)
	if err != nil {
		return osError("remove", filename, err)
	}
	if stat.IsDir() {
		return osError("remove", filename, b.fs.Rmdir(p))
	}
	return osError("remove", filename, b.fs.Unlink(p))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) ReadDir(dirname string) (_ []os.FileInfo, err error) {
	defer recoverPanic("readdir", dirname, &err)
	entries, err := b.fs.ReadDir(common.AbsPath(dirname))
	if err != nil {
		return nil, osError("readdir", dirname, err)
	}

	result := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		if filesystem.IsDot(e.Name) {
			continue
		}
		stat, err := b.fs.Stat(e.Index)
		if err != nil {
			return nil, osError("readdir", path.Join(dirname, e.Name), err)
		}
		result = append(result, b.fileInfo(e.Name, stat))
	}
	return result, nil
}

// MkdirAll creates every missing directory along filename.
func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) (err error) {
	defer recoverPanic("mkdir", filename, &err)
	cur := common.Path(common.Separator)
	for name := range common.AbsPath(filename).Components() {
		cur = cur.Join(name)
		stat, err := b.fs.StatPath(cur)
		if err == nil {
			if !stat.IsDir() {
				return osError("mkdir", string(cur), common.ErrINodeIsNotADirectory)
			}
			continue
		}
		if !errors.Is(err, common.ErrFileNotFound) {
			return osError("mkdir", string(cur), err)
		}
		if _, err := b.fs.Mkdir(cur); err != nil {
			return osError("mkdir", string(cur), err)
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return osError("symlink", link, common.ErrNotSupported)
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return "", osError("readlink", link, common.ErrNotSupported)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface. Inodes carry no settable attributes, so these
// succeed without effect.
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error         { return nil }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return nil }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is an open VFS descriptor. Writes reach the backend on Close.
type BillyFile struct {
	adapter *BillyAdapter
	fd      filesystem.FileDescriptor
	name    string

	mu     sync.Mutex
	closed bool
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.fd.Write(p)
	return n, osError("write", f.name, err)
}

func (f *BillyFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.fd.Read(p)
	if errors.Is(err, io.EOF) {
		return n, err
	}
	return n, osError("read", f.name, err)
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := f.fd.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, osError("read", f.name, err)
	}
	defer f.fd.Seek(pos, io.SeekStart)

	if _, err := f.fd.Seek(off, io.SeekStart); err != nil {
		return 0, osError("read", f.name, err)
	}
	n, err := io.ReadFull(f.fd, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		err = osError("read", f.name, err)
	}
	return n, err
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := f.fd.Seek(offset, whence)
	return pos, osError("seek", f.name, err)
}

func (f *BillyFile) Close() (err error) {
	defer recoverPanic("close", f.name, &err)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return osError("close", f.name, f.adapter.fs.Release(f.fd))
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.fd.(interface{ Truncate(int64) error })
	if !ok {
		return osError("truncate", f.name, common.ErrNotSupported)
	}
	return osError("truncate", f.name, t.Truncate(size))
}

// BillyFileInfo is os.FileInfo over a VFS stat.
type BillyFileInfo struct {
	name string
	stat filesystem.FileStat
	uid  uint32
	gid  uint32
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return fi.stat.Size
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	perm := os.FileMode(fi.stat.Mode & 0777)
	switch filesystem.EntryTypeFromMode(fi.stat.Mode) {
	case filesystem.EntryDirectory:
		return os.ModeDir | perm
	case filesystem.EntryCharDevice:
		return os.ModeDevice | os.ModeCharDevice | perm
	}
	return perm
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.stat.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.stat.IsDir()
}

// Sys returns the go-nfs file info; go-nfs only reads attributes from
// file.FileInfo values.
func (fi *BillyFileInfo) Sys() interface{} {
	return &nfsfile.FileInfo{
		Nlink:  uint32(max(fi.stat.Links, 1)),
		UID:    fi.uid,
		GID:    fi.gid,
		Fileid: FileID(fi.stat.Index),
	}
}

// FileID packs a VFS index into one NFS file id: mount id in the top 16
// bits, inode number below.
func FileID(idx filesystem.Index) uint64 {
	return uint64(idx.MountID)<<48 | idx.Inode&(1<<48-1)
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
)
