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
	"errors"
	"io"
	"os"

	"kernelfs/internal/common"
)

// OpenMode holds the open flags understood by OpenFD.
type OpenMode uint32

const (
	ORead   OpenMode = 1
	OWrite  OpenMode = 2
	OAppend OpenMode = 4
	OTrunc  OpenMode = 8
	OCreate OpenMode = 16
	OExcl   OpenMode = 32
)

// ErrInvalidSeek is returned for seeks that land before the start.
var ErrInvalidSeek = errors.New("invalid seek offset")

func (m OpenMode) Readable() bool { return m&ORead != 0 }

// Writable is true for both plain writes and appends.
func (m OpenMode) Writable() bool { return m&(OWrite|OAppend) != 0 }

func (m OpenMode) Has(flag OpenMode) bool { return m&flag != 0 }

// ModeFromOSFlags converts os.OpenFile flags into an OpenMode.
func ModeFromOSFlags(flag int) OpenMode {
	var m OpenMode
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		m = OWrite
	case os.O_RDWR:
		m = ORead | OWrite
	default:
		m = ORead
	}
	if flag&os.O_APPEND != 0 {
		m |= OAppend
	}
	if flag&os.O_TRUNC != 0 {
		m |= OTrunc
	}
	if flag&os.O_CREATE != 0 {
		m |= OCreate
	}
	if flag&os.O_EXCL != 0 {
		m |= OExcl
	}
	return m
}

// FileDescriptor is an open object produced by OpenFD. Release is called
// exactly once, with the filesystem the descriptor should flush through.
type FileDescriptor interface {
	io.ReadWriteSeeker
	Index() Index
	Release(fs Filesystem) error
}

// InodeReader is the subset of Filesystem needed to open an InodeDescriptor.
type InodeReader interface {
	ReadInode(idx Index) ([]byte, error)
}

// InodeDescriptor buffers an inode's whole content in memory and writes
// it back through WriteInode on release when opened for writing.
type InodeDescriptor struct {
	idx      Index
	data     []byte
	pos      int64
	readable bool
	writable bool
}

// NewInodeDescriptor opens idx with the given mode. The content is loaded
// when the descriptor is readable or appends without truncating.
func NewInodeDescriptor(r InodeReader, idx Index, mode OpenMode) (*InodeDescriptor, error) {
	d := &InodeDescriptor{
		idx:      idx,
		readable: mode.Readable(),
		writable: mode.Writable(),
	}
	appending := mode.Has(OAppend) && !mode.Has(OTrunc)
	if (d.readable && !mode.Has(OTrunc)) || appending {
		data, err := r.ReadInode(idx)
		if err != nil {
			return nil, err
		}
		d.data = data
		if appending {
			d.pos = int64(len(d.data))
		}
	}
	return d, nil
}

func (d *InodeDescriptor) Index() Index {
	return d.idx
}

func (d *InodeDescriptor) Read(p []byte) (int, error) {
	if !d.readable {
		return 0, common.ErrBadDescriptor
	}
	if d.pos >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[d.pos:])
	d.pos += int64(n)
	return n, nil
}

func (d *InodeDescriptor) Write(p []byte) (int, error) {
	if !d.writable {
		return 0, common.ErrBadDescriptor
	}
	end := d.pos + int64(len(p))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[d.pos:], p)
	d.pos = end
	return len(p), nil
}

func (d *InodeDescriptor) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = d.pos + offset
	case io.SeekEnd:
		next = int64(len(d.data)) + offset
	default:
		return d.pos, ErrInvalidSeek
	}
	if next < 0 {
		return d.pos, ErrInvalidSeek
	}
	d.pos = next
	return d.pos, nil
}

// Truncate resizes the buffered content.
func (d *InodeDescriptor) Truncate(size int64) error {
	if !d.writable {
		return common.ErrBadDescriptor
	}
	if size < 0 {
		return ErrInvalidSeek
	}
	if size <= int64(len(d.data)) {
		d.data = d.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, d.data)
	d.data = grown
	return nil
}

// Size is the current buffered length.
func (d *InodeDescriptor) Size() int64 {
	return int64(len(d.data))
}

func (d *InodeDescriptor) Release(fs Filesystem) error {
	if !d.writable {
		return nil
	}
	return fs.WriteInode(d.idx, d.data)
}

// NullDescriptor discards writes and fills reads with zeros.
type NullDescriptor struct {
	Inode Index
}

func (d *NullDescriptor) Index() Index { return d.Inode }

func (d *NullDescriptor) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func (d *NullDescriptor) Write(p []byte) (int, error) {
	return len(p), nil
}

func (d *NullDescriptor) Seek(offset int64, whence int) (int64, error) {
	return 0, nil
}

func (d *NullDescriptor) Release(Filesystem) error { return nil }

var (
	_ FileDescriptor = (*InodeDescriptor)(nil)
	_ FileDescriptor = (*NullDescriptor)(nil)
)
