package minix3

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/blockdev"
	"kernelfs/internal/common"
)

// FormatOptions describes the image written by Format. Zero values pick
// defaults derived from the device size.
type FormatOptions struct {
	Blocks uint32
	Inodes uint32
	Clock  func() time.Time
}

// maxFileSize is the largest size field mkfs writes for V3 images.
const maxFileSize = 0x7FFFFFFF

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Format writes an empty Minix V3 filesystem to dev: boot block, superblock,
// both bitmaps, the inode table and a root directory holding "." and "..".
func Format(dev blockdev.Device, opts FormatOptions) error {
	const bs = DefaultBlockSize

	blocks := uint64(opts.Blocks)
	if blocks == 0 {
		blocks = uint64(dev.Size()) / bs
	}
	if blocks*bs > uint64(dev.Size()) {
		return fmt.Errorf("%w: %d blocks do not fit a %d byte device", common.ErrNoSpace, blocks, dev.Size())
	}
	inodes := uint64(opts.Inodes)
	if inodes == 0 {
		inodes = max(blocks/3, 16)
	}

	bitsPerBlock := uint64(bs * 8)
	imap := ceilDiv(inodes+1, bitsPerBlock)
	zmap := ceilDiv(blocks+1, bitsPerBlock)
	itable := ceilDiv(inodes, bs/InodeSize)
	firstData := 2 + imap + zmap + itable
	if firstData+1 > blocks || firstData > 0xFFFF {
		return fmt.Errorf("%w: %d blocks cannot hold %d inodes", common.ErrNoSpace, blocks, inodes)
	}

	log.Infof("[Minix3] formatting %d blocks, %d inodes, first data zone %d", blocks, inodes, firstData)

	zero := make([]byte, bs)
	for b := uint64(0); b < firstData; b++ {
		if err := blockdev.WriteFull(dev, zero, int64(b*bs)); err != nil {
			return err
		}
	}

	sb := SuperBlock{
		NInodes:       uint32(inodes),
		IMapBlocks:    uint16(imap),
		ZMapBlocks:    uint16(zmap),
		FirstDataZone: uint16(firstData),
		MaxSize:       maxFileSize,
		Zones:         uint32(blocks),
		Magic:         Magic,
		BlockSize:     bs,
	}
	buf := make([]byte, SuperBlockSize)
	sb.Encode(buf)
	if err := blockdev.WriteFull(dev, buf, SuperBlockOffset); err != nil {
		return err
	}

	// Reserve bit 0 of both maps.
	reserved := []byte{0x01}
	if err := blockdev.WriteFull(dev, reserved, 2*bs); err != nil {
		return err
	}
	if err := blockdev.WriteFull(dev, reserved, int64((2+imap)*bs)); err != nil {
		return err
	}

	fs := New(dev, Options{CacheBlocks: 64, Clock: opts.Clock})
	if err := fs.Init(); err != nil {
		return err
	}
	root, err := fs.allocInode()
	if err != nil {
		return err
	}
	if root != RootInode {
		return fmt.Errorf("%w: root allocated as inode %d", common.ErrBadFilesystemFormat, root)
	}
	now := fs.timestamp()
	ino := &Inode{Mode: DirMode, NLinks: 2, Atime: now, Mtime: now, Ctime: now}
	if err := fs.writeDirRecords(ino, []DirEntry{{Inode: RootInode, Name: "."}, {Inode: RootInode, Name: ".."}}); err != nil {
		return err
	}
	if err := fs.putInode(RootInode, ino); err != nil {
		return err
	}
	return dev.Sync()
}
