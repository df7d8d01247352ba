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

package minix3

import (
	"bytes"
	"encoding/binary"
)

// On-disk constants. All multi-byte fields are little-endian.
const (
	Magic            = 0x4d5a
	SuperBlockOffset = 1024
	SuperBlockSize   = 32
	DefaultBlockSize = 1024

	InodeSize    = 64
	DirEntrySize = 64
	NameLen      = DirEntrySize - 4
	NumZones     = 10
	DirectZones  = 7

	RootInode = 1

	// Mode bits written for new objects.
	FileMode = 0x81A4 // regular, rw-r--r--
	DirMode  = 0x41ED // directory, rwxr-xr-x
)

var le = binary.LittleEndian

// SuperBlock is the Minix V3 superblock found at byte 1024 of the device.
type SuperBlock struct {
	NInodes       uint32
	IMapBlocks    uint16
	ZMapBlocks    uint16
	FirstDataZone uint16
	LogZoneSize   uint16
	MaxSize       uint32
	Zones         uint32
	Magic         uint16
	BlockSize     uint16
	DiskVersion   uint8
}

// DecodeSuperBlock parses the first SuperBlockSize bytes of b.
func DecodeSuperBlock(b []byte) SuperBlock {
	return SuperBlock{
		NInodes:       le.Uint32(b[0:4]),
		IMapBlocks:    le.Uint16(b[6:8]),
		ZMapBlocks:    le.Uint16(b[8:10]),
		FirstDataZone: le.Uint16(b[10:12]),
		LogZoneSize:   le.Uint16(b[12:14]),
		MaxSize:       le.Uint32(b[16:20]),
		Zones:         le.Uint32(b[20:24]),
		Magic:         le.Uint16(b[24:26]),
		BlockSize:     le.Uint16(b[28:30]),
		DiskVersion:   b[30],
	}
}

// Encode writes the superblock into the first SuperBlockSize bytes of b.
func (sb SuperBlock) Encode(b []byte) {
	clear(b[:SuperBlockSize])
	le.PutUint32(b[0:4], sb.NInodes)
	le.PutUint16(b[6:8], sb.IMapBlocks)
	le.PutUint16(b[8:10], sb.ZMapBlocks)
	le.PutUint16(b[10:12], sb.FirstDataZone)
	le.PutUint16(b[12:14], sb.LogZoneSize)
	le.PutUint32(b[16:20], sb.MaxSize)
	le.PutUint32(b[20:24], sb.Zones)
	le.PutUint16(b[24:26], sb.Magic)
	le.PutUint16(b[28:30], sb.BlockSize)
	b[30] = sb.DiskVersion
}

// blockSize returns the effective block size; zero means the V3 default.
func (sb SuperBlock) blockSize() int {
	if sb.BlockSize == 0 {
		return DefaultBlockSize
	}
	return int(sb.BlockSize)
}

// inodeTableStart is the first block of the inode table.
func (sb SuperBlock) inodeTableStart() uint64 {
	return 2 + uint64(sb.IMapBlocks) + uint64(sb.ZMapBlocks)
}

// Inode is one 64-byte inode record.
type Inode struct {
	Mode   uint16
	NLinks uint16
	UID    uint16
	GID    uint16
	Size   uint32
	Atime  uint32
	Mtime  uint32
	Ctime  uint32
	Zones  [NumZones]uint32
}

// DecodeInode parses a 64-byte inode record.
func DecodeInode(b []byte) Inode {
	ino := Inode{
		Mode:   le.Uint16(b[0:2]),
		NLinks: le.Uint16(b[2:4]),
		UID:    le.Uint16(b[4:6]),
		GID:    le.Uint16(b[6:8]),
		Size:   le.Uint32(b[8:12]),
		Atime:  le.Uint32(b[12:16]),
		Mtime:  le.Uint32(b[16:20]),
		Ctime:  le.Uint32(b[20:24]),
	}
	for i := range ino.Zones {
		off := 24 + 4*i
		ino.Zones[i] = le.Uint32(b[off : off+4])
	}
	return ino
}

// Encode writes the inode into a 64-byte record.
func (ino *Inode) Encode(b []byte) {
	le.PutUint16(b[0:2], ino.Mode)
	le.PutUint16(b[2:4], ino.NLinks)
	le.PutUint16(b[4:6], ino.UID)
	le.PutUint16(b[6:8], ino.GID)
	le.PutUint32(b[8:12], ino.Size)
	le.PutUint32(b[12:16], ino.Atime)
	le.PutUint32(b[16:20], ino.Mtime)
	le.PutUint32(b[20:24], ino.Ctime)
	for i, z := range ino.Zones {
		off := 24 + 4*i
		le.PutUint32(b[off:off+4], z)
	}
}

// IsDir reports whether the directory bit is set.
func (ino *Inode) IsDir() bool {
	return ino.Mode&0x4000 != 0
}

// zoneLevel is the indirection depth of zone slot i: slots 0-6 are
// direct, 7 single, 8 double and 9 triple indirect.
func zoneLevel(i int) int {
	return max(i, DirectZones-1) - (DirectZones - 1)
}

// DirEntry is one 64-byte directory record. Inode zero marks a free slot.
type DirEntry struct {
	Inode uint32
	Name  string
}

// DecodeDirEntry parses a 64-byte directory record. The name ends at the
// first NUL byte.
func DecodeDirEntry(b []byte) DirEntry {
	name := b[4:DirEntrySize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return DirEntry{
		Inode: le.Uint32(b[0:4]),
		Name:  string(name),
	}
}

// Encode writes the entry into a 64-byte record, NUL padding the name.
func (e DirEntry) Encode(b []byte) {
	clear(b[:DirEntrySize])
	le.PutUint32(b[0:4], e.Inode)
	copy(b[4:DirEntrySize], e.Name)
}
