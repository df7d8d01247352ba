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

// Package blockdev provides the byte-addressed block devices that disk
// backed filesystems read and write.
package blockdev

import (
	"fmt"
	"io"
	"sync"

	"kernelfs/internal/common"
	"kernelfs/internal/metrics"
)

// Device is a synchronous, byte-addressed storage device. A transfer either
// completes in full or returns an error.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Size is the device capacity in bytes.
	Size() int64
	Sync() error
	Close() error
}

// ReadFull reads exactly len(p) bytes at off, wrapping failures in ErrIO.
func ReadFull(dev Device, p []byte, off int64) error {
	n, err := dev.ReadAt(p, off)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return fmt.Errorf("%w: read %d bytes at %d: %w", common.ErrIO, len(p), off, err)
	}
	return nil
}

// WriteFull writes all of p at off, wrapping failures in ErrIO.
func WriteFull(dev Device, p []byte, off int64) error {
	if _, err := dev.WriteAt(p, off); err != nil {
		return fmt.Errorf("%w: write %d bytes at %d: %w", common.ErrIO, len(p), off, err)
	}
	return nil
}

// MemDevice is a Device backed by a byte slice.
type MemDevice struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemDevice returns a zeroed device of size bytes.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// NewMemDeviceFrom wraps a copy of image.
func NewMemDeviceFrom(image []byte) *MemDevice {
	return &MemDevice{data: append([]byte(nil), image...)}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || off > int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	metrics.DeviceBytes.WithLabelValues("read").Add(float64(n))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(d.data[off:], p)
	metrics.DeviceBytes.WithLabelValues("write").Add(float64(n))
	return n, nil
}

func (d *MemDevice) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(len(d.data))
}

func (d *MemDevice) Sync() error  { return nil }
func (d *MemDevice) Close() error { return nil }

// Bytes returns a copy of the device contents.
func (d *MemDevice) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.data...)
}

var _ Device = (*MemDevice)(nil)
