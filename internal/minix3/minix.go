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

// Package minix3 implements the Minix V3 on-disk filesystem on top of a
// block device.
package minix3

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/blockdev"
	"kernelfs/internal/cache"
	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// Options tunes a driver instance.
type Options struct {
	// CacheBlocks is the size of the block cache (0 = default).
	CacheBlocks int
	// Clock overrides time.Now for inode timestamps.
	Clock func() time.Time
}

// FS is a Minix V3 filesystem driver. It is not safe for concurrent use;
// the VFS serializes all calls.
type FS struct {
	dev    blockdev.Device
	blocks *cache.BlockCache
	now    func() time.Time

	sb        *SuperBlock
	blockSize int

	mounted bool
	mountID int
	host    filesystem.Host

	// grafts holds other mounts attached under a directory of this one,
	// keyed by directory inode then entry name. Not persisted.
	grafts map[uint32]map[string]filesystem.Index
}

// New creates a driver for dev. Init must be called before use.
func New(dev blockdev.Device, opts Options) *FS {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &FS{
		dev:    dev,
		blocks: cache.NewBlockCache(opts.CacheBlocks),
		now:    now,
		grafts: make(map[uint32]map[string]filesystem.Index),
	}
}

// Init reads and validates the superblock.
func (fs *FS) Init() error {
	log.Debugf("[Minix3] initializing filesystem")

	buf := make([]byte, SuperBlockSize)
	if err := blockdev.ReadFull(fs.dev, buf, SuperBlockOffset); err != nil {
		return err
	}
	sb := DecodeSuperBlock(buf)
	if sb.Magic != Magic {
		log.Debugf("[Minix3] bad magic 0x%04x", sb.Magic)
		return common.ErrBadFilesystemFormat
	}
	if bs := sb.blockSize(); bs < DefaultBlockSize || bs%InodeSize != 0 {
		return common.ErrBadFilesystemFormat
	}

	fs.sb = &sb
	fs.blockSize = sb.blockSize()
	fs.blocks.Invalidate()
	log.Debugf("[Minix3] %d inodes, %d zones, block size %d", sb.NInodes, sb.Zones, fs.blockSize)
	return nil
}

// SuperBlock returns the cached superblock, or nil before Init.
func (fs *FS) SuperBlock() *SuperBlock {
	return fs.sb
}

func (fs *FS) Sync() error {
	return fs.dev.Sync()
}

// Close syncs and closes the underlying device.
func (fs *FS) Close() error {
	return errors.Join(fs.dev.Sync(), fs.dev.Close())
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
	return fs.index(RootInode), nil
}

func (fs *FS) index(n uint32) filesystem.Index {
	return filesystem.Index{MountID: fs.mountID, Inode: uint64(n)}
}

// owns reports whether idx belongs to this mount.
func (fs *FS) owns(idx filesystem.Index) bool {
	return fs.mounted && idx.MountID == fs.mountID
}

// foreignHost returns the host to delegate a foreign index to.
func (fs *FS) foreignHost() (filesystem.Host, error) {
	if fs.host == nil {
		return nil, common.ErrFilesystemNotMounted
	}
	return fs.host, nil
}

// readBlock returns a copy of block n.
func (fs *FS) readBlock(n uint64) ([]byte, error) {
	if data, ok := fs.blocks.Get(n); ok {
		return data, nil
	}
	buf := make([]byte, fs.blockSize)
	if err := blockdev.ReadFull(fs.dev, buf, int64(n)*int64(fs.blockSize)); err != nil {
		return nil, err
	}
	fs.blocks.Add(n, buf)
	return buf, nil
}

// writeBlock writes a full block through to the device.
func (fs *FS) writeBlock(n uint64, data []byte) error {
	if err := blockdev.WriteFull(fs.dev, data, int64(n)*int64(fs.blockSize)); err != nil {
		fs.blocks.Remove(n)
		return err
	}
	fs.blocks.Add(n, data)
	return nil
}

func (fs *FS) inodesPerBlock() uint32 {
	return uint32(fs.blockSize / InodeSize)
}

// inodeLocation returns the block holding inode n and the byte offset of
// its record inside that block.
func (fs *FS) inodeLocation(n uint32) (uint64, int, error) {
	if fs.sb == nil {
		return 0, 0, common.ErrFilesystemUninitialized
	}
	if n == 0 || n > fs.sb.NInodes {
		return 0, 0, common.ErrFileNotFound
	}
	per := fs.inodesPerBlock()
	block := uint64((n-1)/per) + fs.sb.inodeTableStart()
	return block, int((n-1)%per) * InodeSize, nil
}

func (fs *FS) getInode(n uint32) (*Inode, error) {
	log.Tracef("[Minix3] opening inode %d on mount %d", n, fs.mountID)
	block, off, err := fs.inodeLocation(n)
	if err != nil {
		return nil, err
	}
	data, err := fs.readBlock(block)
	if err != nil {
		return nil, err
	}
	ino := DecodeInode(data[off : off+InodeSize])
	return &ino, nil
}

func (fs *FS) putInode(n uint32, ino *Inode) error {
	block, off, err := fs.inodeLocation(n)
	if err != nil {
		return err
	}
	data, err := fs.readBlock(block)
	if err != nil {
		return err
	}
	ino.Encode(data[off : off+InodeSize])
	return fs.writeBlock(block, data)
}

// storeData replaces the content of inode n and persists the inode. The
// record is written even when the data write fails part way, so zones
// allocated before the failure stay referenced.
func (fs *FS) storeData(n uint32, ino *Inode, data []byte) error {
	werr := fs.writeData(ino, data)
	if err := fs.putInode(n, ino); err != nil && werr == nil {
		return err
	}
	return werr
}

// liveInode is getInode for inodes that must exist (non-zero mode).
func (fs *FS) liveInode(n uint32) (*Inode, error) {
	ino, err := fs.getInode(n)
	if err != nil {
		return nil, err
	}
	if ino.Mode == 0 {
		return nil, common.ErrFileNotFound
	}
	return ino, nil
}

// inodeNumber validates that idx fits an on-disk inode number.
func inodeNumber(idx filesystem.Index) uint32 {
	if idx.Inode > uint64(^uint32(0)) {
		return 0
	}
	return uint32(idx.Inode)
}

func (fs *FS) timestamp() uint32 {
	return uint32(fs.now().Unix())
}

func (fs *FS) Stat(idx filesystem.Index) (filesystem.FileStat, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return filesystem.FileStat{}, err
		}
		return host.Stat(idx)
	}
	ino, err := fs.liveInode(inodeNumber(idx))
	if err != nil {
		return filesystem.FileStat{}, err
	}
	return filesystem.FileStat{
		Index: idx,
		Mode:  uint32(ino.Mode),
		Links: int(ino.NLinks),
		UID:   uint32(ino.UID),
		GID:   uint32(ino.GID),
		Size:  int64(ino.Size),
		Atime: time.Unix(int64(ino.Atime), 0),
		Mtime: time.Unix(int64(ino.Mtime), 0),
		Ctime: time.Unix(int64(ino.Ctime), 0),
	}, nil
}

func (fs *FS) ReadInode(idx filesystem.Index) ([]byte, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return nil, err
		}
		return host.ReadInode(idx)
	}
	ino, err := fs.liveInode(inodeNumber(idx))
	if err != nil {
		return nil, err
	}
	return fs.readData(ino)
}

func (fs *FS) WriteInode(idx filesystem.Index, data []byte) error {
	if !fs.owns(idx) {
		return common.ErrNotSupported
	}
	n := inodeNumber(idx)
	ino, err := fs.liveInode(n)
	if err != nil {
		return err
	}
	if ino.IsDir() {
		return common.ErrINodeIsDirectory
	}
	log.Debugf("[Minix3] writing %d bytes to inode %d", len(data), n)
	return fs.storeData(n, ino, data)
}

func (fs *FS) OpenFD(idx filesystem.Index, mode filesystem.OpenMode) (filesystem.FileDescriptor, error) {
	if !fs.owns(idx) {
		return nil, common.ErrNotSupported
	}
	stat, err := fs.Stat(idx)
	if err != nil {
		return nil, err
	}
	if stat.IsDir() && mode.Writable() {
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
