package vfs

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// FD is a descriptor number handed out by a DescriptorTable.
type FD int

// FirstFD is the first number a table hands out; 0-2 stay reserved for
// the standard streams.
const FirstFD FD = 3

// openDescriptor is one open file.
type openDescriptor struct {
	file filesystem.FileDescriptor
	path common.Path
	mode filesystem.OpenMode
}

// DescriptorTable maps descriptor numbers to open files of one VFS.
// Numbers are never reused within a table. Lock order is table, then VFS.
type DescriptorTable struct {
	mu     sync.Mutex
	vfs    *VFS
	open   map[FD]*openDescriptor
	nextFD FD
}

// NewDescriptorTable creates an empty table over v.
func NewDescriptorTable(v *VFS) *DescriptorTable {
	return &DescriptorTable{
		vfs:    v,
		open:   make(map[FD]*openDescriptor),
		nextFD: FirstFD,
	}
}

// Open opens path and allocates a descriptor number for it.
func (t *DescriptorTable) Open(path common.Path, mode filesystem.OpenMode) (FD, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := t.vfs.Open(path, mode)
	if err != nil {
		return -1, err
	}
	fd := t.nextFD
	t.nextFD++
	t.open[fd] = &openDescriptor{file: file, path: path, mode: mode}
	log.Debugf("[VFS] fd %d -> %s (%s)", fd, path, file.Index())
	return fd, nil
}

func (t *DescriptorTable) get(fd FD) (*openDescriptor, error) {
	d, ok := t.open[fd]
	if !ok {
		return nil, common.ErrBadDescriptor
	}
	return d, nil
}

func (t *DescriptorTable) Read(fd FD, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	return d.file.Read(p)
}

func (t *DescriptorTable) Write(fd FD, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	return d.file.Write(p)
}

func (t *DescriptorTable) Seek(fd FD, offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	return d.file.Seek(offset, whence)
}

// Path returns the path fd was opened with.
func (t *DescriptorTable) Path(fd FD) (common.Path, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.get(fd)
	if err != nil {
		return "", err
	}
	return d.path, nil
}

// Close flushes fd through the VFS and frees its number. The number is
// released even when the flush fails.
func (t *DescriptorTable) Close(fd FD) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.get(fd)
	if err != nil {
		return err
	}
	delete(t.open, fd)
	return t.vfs.Release(d.file)
}

// CloseAll closes every open descriptor, returning the count closed.
func (t *DescriptorTable) CloseAll() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	count := len(t.open)
	for fd, d := range t.open {
		if err := t.vfs.Release(d.file); err != nil {
			errs = append(errs, err)
		}
		delete(t.open, fd)
	}
	return count, errors.Join(errs...)
}

// Len is the number of open descriptors.
func (t *DescriptorTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
