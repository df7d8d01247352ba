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

package vfs

import (
	"errors"
	"os"
	"syscall"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT       = syscall.ENOENT       // No such file or directory
	EEXIST       = syscall.EEXIST       // File exists
	ENOTDIR      = syscall.ENOTDIR      // Not a directory
	EISDIR       = syscall.EISDIR       // Is a directory
	EBADF        = syscall.EBADF        // Bad file descriptor
	EINVAL       = syscall.EINVAL       // Invalid argument
	ENOTSUP      = syscall.ENOTSUP      // Operation not supported
	ENOSPC       = syscall.ENOSPC       // No space left on device
	EIO          = syscall.EIO          // I/O error
	EACCES       = syscall.EACCES       // Permission denied
	EPERM        = syscall.EPERM        // Operation not permitted
	EROFS        = syscall.EROFS        // Read-only file system
	ENOTEMPTY    = syscall.ENOTEMPTY    // Directory not empty
	ENAMETOOLONG = syscall.ENAMETOOLONG // File name too long
	EFBIG        = syscall.EFBIG        // File too large
	ENODEV       = syscall.ENODEV       // No such device (unknown mount)
)

var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrFileNotFound, ENOENT},
	{common.ErrInodeNotIndexed, ENOENT},
	{common.ErrExists, EEXIST},
	{common.ErrINodeIsNotADirectory, ENOTDIR},
	{common.ErrINodeIsDirectory, EISDIR},
	{common.ErrDirectoryNotEmpty, ENOTEMPTY},
	{common.ErrBadDescriptor, EBADF},
	{common.ErrInvalidName, EINVAL},
	{filesystem.ErrInvalidSeek, EINVAL},
	{filesystem.ErrIoctlResponse, EINVAL},
	{common.ErrNameTooLong, ENAMETOOLONG},
	{common.ErrNoSpace, ENOSPC},
	{common.ErrFileTooLarge, EFBIG},
	{common.ErrNotSupported, ENOTSUP},
	{common.ErrReadOnly, EROFS},
	{common.ErrUnableToFindDiskMount, ENODEV},
	{common.ErrMissingRootMount, ENODEV},
	{common.ErrFilesystemNotMounted, ENODEV},
	{os.ErrPermission, EACCES},
}

// Errno maps an error returned by the VFS or a backend to the errno a
// network or syscall surface reports. Unknown errors become EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return EIO
}
