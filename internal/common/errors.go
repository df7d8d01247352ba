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

package common

import (
	"errors"
	"fmt"
)

var (
	ErrFilesystemUninitialized = errors.New("filesystem uninitialized")
	ErrFilesystemNotMounted    = errors.New("filesystem not mounted")
	ErrMissingRootMount        = errors.New("missing root mount")
	ErrUnableToFindDiskMount   = errors.New("unable to find disk mount")
	ErrFileNotFound            = errors.New("file not found")
	ErrINodeIsDirectory        = errors.New("inode is a directory")
	ErrINodeIsNotADirectory    = errors.New("inode is not a directory")
	ErrDirectoryNotEmpty       = errors.New("directory not empty")
	ErrBadFilesystemFormat     = errors.New("bad filesystem format")
	ErrInodeNotIndexed         = errors.New("inode not reachable from any mounted path")

	ErrExists        = errors.New("already exists")
	ErrNameTooLong   = errors.New("file name too long")
	ErrInvalidName   = errors.New("invalid file name")
	ErrNoSpace       = errors.New("no space left on device")
	ErrFileTooLarge  = errors.New("file too large")
	ErrNotSupported  = errors.New("operation not supported")
	ErrReadOnly      = errors.New("read-only filesystem")
	ErrIO            = errors.New("I/O error")
	ErrBadDescriptor = errors.New("bad file descriptor")
)

// MountError reports a mount id with no filesystem behind it.
type MountError struct {
	ID int
}

func (e *MountError) Error() string {
	return fmt.Sprintf("unable to find disk mount %d", e.ID)
}

func (e *MountError) Is(target error) bool {
	return target == ErrUnableToFindDiskMount
}

// NotFoundError carries the path that failed to resolve.
type NotFoundError struct {
	Path Path
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file not found: %q", string(e.Path))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrFileNotFound
}

// UnindexedError is returned when an index has no path even after a full
// rebuild of the path cache.
type UnindexedError struct {
	Index fmt.Stringer
}

func (e *UnindexedError) Error() string {
	return fmt.Sprintf("inode %s not reachable from any mounted path", e.Index)
}

func (e *UnindexedError) Is(target error) bool {
	return target == ErrInodeNotIndexed
}

// NewMountError returns the error for a missing mount id.
func NewMountError(id int) error {
	return &MountError{ID: id}
}

// NewNotFoundError returns the error for an unresolvable path.
func NewNotFoundError(path Path) error {
	return &NotFoundError{Path: path}
}
